// Package config loads the bproximity YAML configuration file and turns it
// into engine, store and simulator settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/user/bproximity/gattid"
	"github.com/user/bproximity/idstore"
	"github.com/user/bproximity/logger"
	"github.com/user/bproximity/proximity"
	"github.com/user/bproximity/sim"
	"github.com/user/bproximity/util"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Backend names.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// SQLiteFile is the database file name inside the data directory.
const SQLiteFile = "bproximity.db"

// File is the on-disk configuration.
type File struct {
	// Name prefixes log lines and names the per-device data directory.
	Name      string `yaml:"name"`
	LocalName string `yaml:"local_name"`

	// DataDir holds the stores. Empty means $BPROXIMITY_DIR or ~/.bproximity.
	DataDir  string `yaml:"data_dir,omitempty"`
	Backend  string `yaml:"backend"`
	LogLevel string `yaml:"log_level"`
	// Timestamps adds a UTC time column to log lines.
	Timestamps bool `yaml:"timestamps"`

	Service Service `yaml:"service"`

	Retention   Retention     `yaml:"retention"`
	Rotation    time.Duration `yaml:"rotation"`
	Maintenance time.Duration `yaml:"maintenance"`

	Roles              Roles `yaml:"roles"`
	DisconnectWhenDone bool  `yaml:"disconnect_when_done"`

	Simulation Simulation `yaml:"simulation"`
}

// Service overrides the GATT identifiers. Empty strings keep the defaults.
type Service struct {
	UUID  string `yaml:"uuid,omitempty"`
	Read  string `yaml:"read,omitempty"`
	Write string `yaml:"write,omitempty"`
}

type Retention struct {
	Self time.Duration `yaml:"self"`
	Peer time.Duration `yaml:"peer"`
}

type Roles struct {
	Central    bool `yaml:"central"`
	Peripheral bool `yaml:"peripheral"`
}

// Simulation configures the simulate command.
type Simulation struct {
	Devices               int           `yaml:"devices"`
	Duration              time.Duration `yaml:"duration"`
	AdvertisingInterval   time.Duration `yaml:"advertising_interval"`
	MinConnectionDelay    time.Duration `yaml:"min_connection_delay"`
	MaxConnectionDelay    time.Duration `yaml:"max_connection_delay"`
	ConnectionFailureRate float64       `yaml:"connection_failure_rate"`
	PacketLossRate        float64       `yaml:"packet_loss_rate"`
	DuplicateServiceRate  float64       `yaml:"duplicate_service_rate"`
	Seed                  int64         `yaml:"seed"`
}

// Default returns the configuration used when no file is given.
func Default() *File {
	s := sim.DefaultConfig()
	return &File{
		Name:      "bproximity",
		LocalName: "BProximity",
		Backend:   BackendFile,
		LogLevel:  "info",
		Retention: Retention{
			Self: idstore.DefaultRetention,
			Peer: idstore.DefaultRetention,
		},
		Maintenance: time.Hour,
		Roles:       Roles{Central: true, Peripheral: true},
		Simulation: Simulation{
			Devices:               3,
			Duration:              5 * time.Second,
			AdvertisingInterval:   s.AdvertisingInterval,
			MinConnectionDelay:    s.MinConnectionDelay,
			MaxConnectionDelay:    s.MaxConnectionDelay,
			ConnectionFailureRate: s.ConnectionFailureRate,
			PacketLossRate:        s.PacketLossRate,
			DuplicateServiceRate:  s.DuplicateServiceRate,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are rejected.
func Load(path string) (*File, error) {
	f := Default()
	if path == "" {
		return f, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Marshal renders f as YAML.
func (f *File) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var validLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate reports the first problem found.
func (f *File) Validate() error {
	switch f.Backend {
	case BackendFile, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("%w: backend %q must be one of file, sqlite, memory", ErrInvalid, f.Backend)
	}
	if !validLevels[strings.ToLower(f.LogLevel)] {
		return fmt.Errorf("%w: log_level %q", ErrInvalid, f.LogLevel)
	}
	if f.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalid)
	}
	if f.Simulation.Devices < 0 {
		return fmt.Errorf("%w: simulation.devices is negative", ErrInvalid)
	}
	for key, rate := range map[string]float64{
		"connection_failure_rate": f.Simulation.ConnectionFailureRate,
		"packet_loss_rate":        f.Simulation.PacketLossRate,
		"duplicate_service_rate":  f.Simulation.DuplicateServiceRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("%w: simulation.%s must be within [0, 1]", ErrInvalid, key)
		}
	}
	if f.Simulation.AdvertisingInterval <= 0 {
		return fmt.Errorf("%w: simulation.advertising_interval must be positive", ErrInvalid)
	}
	if f.Simulation.MinConnectionDelay > f.Simulation.MaxConnectionDelay {
		return fmt.Errorf("%w: simulation connection delay range is inverted", ErrInvalid)
	}
	if _, _, _, err := f.uuids(); err != nil {
		return err
	}
	_, err := f.Proximity(nil)
	return err
}

func (f *File) uuids() (service, read, write uuid.UUID, err error) {
	parse := func(key, s string, def uuid.UUID) (uuid.UUID, error) {
		if s == "" {
			return def, nil
		}
		u, err := uuid.Parse(s)
		if err != nil {
			return uuid.Nil, fmt.Errorf("%w: service.%s: %v", ErrInvalid, key, err)
		}
		return u, nil
	}
	if service, err = parse("uuid", f.Service.UUID, gattid.Service); err != nil {
		return
	}
	if read, err = parse("read", f.Service.Read, gattid.ReadID); err != nil {
		return
	}
	write, err = parse("write", f.Service.Write, gattid.WriteID)
	return
}

// Dir returns the data directory for this device's stores.
func (f *File) Dir() string {
	if f.DataDir != "" {
		return f.DataDir
	}
	return util.GetDeviceDataDir(f.Name)
}

// OpenBackend opens the configured persistence backend. The returned close
// function is never nil.
func (f *File) OpenBackend() (idstore.Backend, func() error, error) {
	noop := func() error { return nil }
	if f.Backend == BackendMemory {
		return idstore.NewMemoryBackend(), noop, nil
	}

	dir, err := util.EnsureDir(f.Dir())
	if err != nil {
		return nil, noop, fmt.Errorf("failed to create data dir: %w", err)
	}
	switch f.Backend {
	case BackendSQLite:
		db, err := idstore.OpenSQLite(filepath.Join(dir, SQLiteFile))
		if err != nil {
			return nil, noop, err
		}
		return db, db.Close, nil
	default:
		return idstore.NewFileBackend(dir), noop, nil
	}
}

// Proximity converts f into an engine config persisting through backend.
func (f *File) Proximity(backend idstore.Backend) (proximity.Config, error) {
	service, read, write, err := f.uuids()
	if err != nil {
		return proximity.Config{}, err
	}
	cfg, err := proximity.NewBuilder().
		WithName(f.Name).
		WithLocalName(f.LocalName).
		WithService(service, read, write).
		WithRetention(f.Retention.Self, f.Retention.Peer).
		WithRotation(f.Rotation).
		WithMaintenance(f.Maintenance).
		WithRoles(f.Roles.Central, f.Roles.Peripheral).
		WithDisconnectWhenDone(f.DisconnectWhenDone).
		WithBackend(backend).
		Build()
	if err != nil {
		return proximity.Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

// Simulator converts the simulation section into simulated-radio parameters.
func (f *File) Simulator() *sim.Config {
	cfg := sim.DefaultConfig()
	s := f.Simulation
	cfg.AdvertisingInterval = s.AdvertisingInterval
	cfg.MinConnectionDelay = s.MinConnectionDelay
	cfg.MaxConnectionDelay = s.MaxConnectionDelay
	cfg.ConnectionFailureRate = s.ConnectionFailureRate
	cfg.PacketLossRate = s.PacketLossRate
	cfg.DuplicateServiceRate = s.DuplicateServiceRate
	if s.Seed != 0 {
		cfg.Deterministic = true
		cfg.Seed = s.Seed
	}
	return cfg
}

// ApplyLogging sets the global logger from f.
func (f *File) ApplyLogging() {
	logger.SetLevel(logger.ParseLevel(f.LogLevel))
	logger.SetTimestamps(f.Timestamps)
}
