package proximity

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/user/bproximity/gattid"
	"github.com/user/bproximity/idstore"
	"github.com/user/bproximity/ident"
	"github.com/user/bproximity/radio"
)

// ErrInvalidConfig is wrapped by Validate failures.
var ErrInvalidConfig = errors.New("proximity: invalid config")

// Role names the side of the exchange that produced a sighting.
type Role string

const (
	RoleCentral    Role = "central"
	RolePeripheral Role = "peripheral"
)

// Sighting is one successful identifier exchange.
type Sighting struct {
	ID   ident.ID           `json:"id"`
	Via  Role               `json:"via"`
	Peer radio.DeviceHandle `json:"peer"`
	At   time.Time          `json:"at"`
}

// Config is the immutable engine configuration. Build one with NewBuilder or
// start from DefaultConfig.
type Config struct {
	// Name identifies this device in log prefixes.
	Name string
	// LocalName is the advertised device name.
	LocalName string

	Service             uuid.UUID
	ReadCharacteristic  uuid.UUID
	WriteCharacteristic uuid.UUID

	SelfRetention time.Duration
	PeerRetention time.Duration
	// RotationInterval appends a fresh self id once the current one is this
	// old. Zero keeps one id until it expires.
	RotationInterval time.Duration
	// MaintenanceInterval is the expiry/rotation tick. Zero disables it.
	MaintenanceInterval time.Duration

	EnableCentral    bool
	EnablePeripheral bool
	// DisconnectWhenDone drops each link after its exchange.
	DisconnectWhenDone bool

	Backend    idstore.Backend
	Clock      func() time.Time
	Random     io.Reader
	// OnSighting runs on the dispatch loop and must not call Start, Stop,
	// Sessions or Maintain.
	OnSighting func(Sighting)
}

// DefaultConfig returns both roles on the standard service with 4-week
// retention and no rotation.
func DefaultConfig() Config {
	return Config{
		Name:                "bproximity",
		LocalName:           "BProximity",
		Service:             gattid.Service,
		ReadCharacteristic:  gattid.ReadID,
		WriteCharacteristic: gattid.WriteID,
		SelfRetention:       idstore.DefaultRetention,
		PeerRetention:       idstore.DefaultRetention,
		MaintenanceInterval: time.Hour,
		EnableCentral:       true,
		EnablePeripheral:    true,
		Clock:               time.Now,
	}
}

// Validate reports the first problem found.
func (c Config) Validate() error {
	switch {
	case c.Service == uuid.Nil:
		return fmt.Errorf("%w: service uuid is nil", ErrInvalidConfig)
	case c.ReadCharacteristic == uuid.Nil || c.WriteCharacteristic == uuid.Nil:
		return fmt.Errorf("%w: characteristic uuid is nil", ErrInvalidConfig)
	case c.ReadCharacteristic == c.WriteCharacteristic:
		return fmt.Errorf("%w: read and write characteristics must differ", ErrInvalidConfig)
	case c.SelfRetention <= 0 || c.PeerRetention <= 0:
		return fmt.Errorf("%w: retention must be positive", ErrInvalidConfig)
	case c.RotationInterval < 0 || c.MaintenanceInterval < 0:
		return fmt.Errorf("%w: negative interval", ErrInvalidConfig)
	case !c.EnableCentral && !c.EnablePeripheral:
		return fmt.Errorf("%w: no role enabled", ErrInvalidConfig)
	}
	return nil
}

// Builder accumulates options and yields a validated Config.
type Builder struct {
	cfg Config
}

// NewBuilder starts from DefaultConfig.
func NewBuilder() *Builder {
	return &Builder{cfg: DefaultConfig()}
}

func (b *Builder) WithName(name string) *Builder {
	b.cfg.Name = name
	return b
}

func (b *Builder) WithLocalName(name string) *Builder {
	b.cfg.LocalName = name
	return b
}

func (b *Builder) WithService(service, read, write uuid.UUID) *Builder {
	b.cfg.Service = service
	b.cfg.ReadCharacteristic = read
	b.cfg.WriteCharacteristic = write
	return b
}

func (b *Builder) WithRetention(self, peer time.Duration) *Builder {
	b.cfg.SelfRetention = self
	b.cfg.PeerRetention = peer
	return b
}

func (b *Builder) WithRotation(every time.Duration) *Builder {
	b.cfg.RotationInterval = every
	return b
}

func (b *Builder) WithMaintenance(every time.Duration) *Builder {
	b.cfg.MaintenanceInterval = every
	return b
}

func (b *Builder) WithRoles(central, peripheral bool) *Builder {
	b.cfg.EnableCentral = central
	b.cfg.EnablePeripheral = peripheral
	return b
}

func (b *Builder) WithDisconnectWhenDone(on bool) *Builder {
	b.cfg.DisconnectWhenDone = on
	return b
}

func (b *Builder) WithBackend(backend idstore.Backend) *Builder {
	b.cfg.Backend = backend
	return b
}

func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.cfg.Clock = now
	return b
}

func (b *Builder) WithRandom(r io.Reader) *Builder {
	b.cfg.Random = r
	return b
}

func (b *Builder) OnSighting(fn func(Sighting)) *Builder {
	b.cfg.OnSighting = fn
	return b
}

// Build validates and returns a copy of the accumulated config.
func (b *Builder) Build() (Config, error) {
	cfg := b.cfg
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
