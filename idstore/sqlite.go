package idstore

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/user/bproximity/ident"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteBackend keeps all named stores in one SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteBackend) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the records of name ordered by insertion sequence.
func (s *SQLiteBackend) Load(name string) ([]Record, error) {
	rows, err := s.db.Query(`SELECT id, ts FROM id_records WHERE store = ? ORDER BY seq`, name)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var id int64
		var ts float64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("scan %s: %w", name, err)
		}
		// ids are stored as the signed reinterpretation of their 64 bits
		records = append(records, Record{ID: ident.ID(uint64(id)), Timestamp: ts})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", name, err)
	}
	return records, nil
}

// Save replaces the records of name in one transaction.
func (s *SQLiteBackend) Save(name string, records []Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM id_records WHERE store = ?`, name); err != nil {
		return fmt.Errorf("clear %s: %w", name, err)
	}

	stmt, err := tx.Prepare(`INSERT INTO id_records (store, seq, id, ts) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range records {
		if _, err := stmt.Exec(name, i, int64(uint64(r.ID)), r.Timestamp); err != nil {
			return fmt.Errorf("insert %s[%d]: %w", name, i, err)
		}
	}
	return tx.Commit()
}
