package sim

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config controls the realism of the simulated radio.
// Default: lossy advertising, occasional connect failures, realistic delays.
type Config struct {
	// Connection timing
	MinConnectionDelay    time.Duration // Default: 30ms
	MaxConnectionDelay    time.Duration // Default: 100ms
	ConnectionFailureRate float64       // Default: 0.016 (1.6% failure rate)

	// Discovery
	AdvertisingInterval time.Duration // Default: 100ms (Apple's recommended interval)
	PacketLossRate      float64       // Default: 0.015, applies to advertising packets

	// Merged advertisement packets make some stacks report a service twice
	DuplicateServiceRate float64 // Default: 0.05

	// Radio characteristics
	EnableRSSI   bool // Default: true
	BaseRSSI     int  // Default: -50 dBm (close range)
	RSSIVariance int  // Default: 10 dBm

	// Deterministic mode for testing
	Deterministic bool
	Seed          int64
}

// DefaultConfig returns realistic simulation parameters.
func DefaultConfig() *Config {
	return &Config{
		MinConnectionDelay:    30 * time.Millisecond,
		MaxConnectionDelay:    100 * time.Millisecond,
		ConnectionFailureRate: 0.016,

		AdvertisingInterval: 100 * time.Millisecond,
		PacketLossRate:      0.015,

		DuplicateServiceRate: 0.05,

		EnableRSSI:   true,
		BaseRSSI:     -50,
		RSSIVariance: 10,
	}
}

// PerfectConfig returns a lossless, zero-delay, deterministic config for tests.
func PerfectConfig() *Config {
	cfg := DefaultConfig()
	cfg.MinConnectionDelay = 0
	cfg.MaxConnectionDelay = 0
	cfg.ConnectionFailureRate = 0
	cfg.AdvertisingInterval = 10 * time.Millisecond
	cfg.PacketLossRate = 0
	cfg.DuplicateServiceRate = 0
	cfg.Deterministic = true
	return cfg
}

// Simulator draws the random outcomes. Safe for concurrent use.
type Simulator struct {
	config *Config
	mu     sync.Mutex
	rng    *rand.Rand
}

// NewSimulator creates a simulator; nil means DefaultConfig.
func NewSimulator(config *Config) *Simulator {
	if config == nil {
		config = DefaultConfig()
	}

	var rng *rand.Rand
	if config.Deterministic {
		rng = rand.New(rand.NewSource(config.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Simulator{
		config: config,
		rng:    rng,
	}
}

func (s *Simulator) chance(rate float64) bool {
	if rate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < rate
}

// ShouldConnectionSucceed returns true if connection should succeed
func (s *Simulator) ShouldConnectionSucceed() bool {
	return !s.chance(s.config.ConnectionFailureRate)
}

// ShouldPacketSucceed returns true if an advertising packet arrives
func (s *Simulator) ShouldPacketSucceed() bool {
	return !s.chance(s.config.PacketLossRate)
}

// DuplicateService reports whether service discovery should surface a
// second copy of the service.
func (s *Simulator) DuplicateService() bool {
	return s.chance(s.config.DuplicateServiceRate)
}

// ConnectionDelay returns a delay in [Min, Max).
func (s *Simulator) ConnectionDelay() time.Duration {
	lo, hi := s.config.MinConnectionDelay, s.config.MaxConnectionDelay
	if hi <= lo {
		return lo
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)))
}

// GenerateRSSI returns a realistic RSSI for a distance in meters.
func (s *Simulator) GenerateRSSI(distance float64) int {
	if !s.config.EnableRSSI {
		return s.config.BaseRSSI
	}
	if distance < 0.1 {
		distance = 0.1
	}

	// free space path loss, ~20dB per 10x distance
	rssi := float64(s.config.BaseRSSI) - 20*math.Log10(distance)

	if s.config.RSSIVariance > 0 {
		s.mu.Lock()
		variance := s.rng.Intn(s.config.RSSIVariance*2) - s.config.RSSIVariance
		s.mu.Unlock()
		rssi += float64(variance)
	}

	// clamp to realistic BLE range
	if rssi < -100 {
		rssi = -100
	} else if rssi > -20 {
		rssi = -20
	}
	return int(rssi)
}
