// Package idstore keeps ordered, time-stamped identifier records with
// retention-window expiry, and persists them through a pluggable Backend.
package idstore

import (
	"errors"
	"sync"
	"time"

	"github.com/user/bproximity/ident"
)

// Store names used by the engine.
const (
	SelfIDs = "self-ids"
	PeerIDs = "peer-ids"
)

// DefaultRetention is four weeks.
const DefaultRetention = 60 * 60 * 24 * 7 * 4 * time.Second

// ErrEmpty is returned by Latest when the store holds no records.
var ErrEmpty = errors.New("idstore: store is empty")

// Record is one identifier with its creation time in seconds since the epoch.
type Record struct {
	ID        ident.ID `json:"id"`
	Timestamp float64  `json:"timestamp"`
}

// Time converts the record timestamp back to a time.Time.
func (r Record) Time() time.Time {
	sec := int64(r.Timestamp)
	nsec := int64((r.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now as the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is an append-only, chronologically ordered list of records.
// Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	name    string
	records []Record
	now     func() time.Time
}

// New creates an empty store.
func New(name string, opts ...Option) *Store {
	s := &Store{
		name: name,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the store name (self-ids, peer-ids).
func (s *Store) Name() string {
	return s.name
}

// Seconds converts t to the fractional epoch seconds used by records.
func Seconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// Append records id at the current time. Timestamps never go backwards within
// one store even if the wall clock does.
func (s *Store) Append(id ident.ID) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := Seconds(s.now())
	if n := len(s.records); n > 0 && s.records[n-1].Timestamp > ts {
		ts = s.records[n-1].Timestamp
	}
	rec := Record{ID: id, Timestamp: ts}
	s.records = append(s.records, rec)
	return rec
}

// Expire removes every record with timestamp+window <= now and reports whether
// anything was removed.
func (s *Store) Expire(window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := Seconds(s.now())
	w := window.Seconds()
	kept := s.records[:0]
	for _, r := range s.records {
		if r.Timestamp+w > now {
			kept = append(kept, r)
		}
	}
	removed := len(kept) != len(s.records)
	// zero the tail so expired records are not retained by the backing array
	for i := len(kept); i < len(s.records); i++ {
		s.records[i] = Record{}
	}
	s.records = kept
	return removed
}

// Latest returns the most recently appended record.
func (s *Store) Latest() (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.records) == 0 {
		return Record{}, ErrEmpty
	}
	return s.records[len(s.records)-1], nil
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns a copy of all records in insertion order.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Replace swaps the store contents for records, used after loading.
func (s *Store) Replace(records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make([]Record, len(records))
	copy(s.records, records)
}
