// Package central implements the scanning side of the proximity exchange:
// one Session per discovered peer, each running a private command queue.
package central

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/user/bproximity/logger"
	"github.com/user/bproximity/radio"
)

// Config describes what the coordinator looks for and what it does once
// connected.
type Config struct {
	// Service is the scan filter and the one service selected on each peer.
	Service uuid.UUID
	// Commands is the template copied into every new session.
	Commands []Command
	// Name prefixes log lines.
	Name string
}

// SessionInfo is a read-only view of a tracked session.
type SessionInfo struct {
	Handle  radio.DeviceHandle `json:"handle"`
	State   string             `json:"state"`
	MaxRSSI int                `json:"max_rssi"`
}

// Coordinator tracks sessions by device handle and implements
// radio.CentralDelegate. All methods must be called from one dispatch context.
type Coordinator struct {
	transport radio.Central
	service   uuid.UUID
	template  []Command
	prefix    string

	sessions map[radio.DeviceHandle]*Session
	scanning bool // Start requested and not stopped
}

// NewCoordinator creates a coordinator over transport. The caller registers
// it (or a serializing wrapper) as the transport's delegate.
func NewCoordinator(transport radio.Central, cfg Config) *Coordinator {
	template := make([]Command, len(cfg.Commands))
	copy(template, cfg.Commands)
	return &Coordinator{
		transport: transport,
		service:   cfg.Service,
		template:  template,
		prefix:    fmt.Sprintf("%s central", logger.Short(cfg.Name)),
		sessions:  make(map[radio.DeviceHandle]*Session),
	}
}

// Start begins scanning now if the radio is powered on, otherwise as soon as
// it reports poweredOn.
func (c *Coordinator) Start() {
	if c.scanning {
		return
	}
	c.scanning = true
	if c.transport.State() == radio.StatePoweredOn {
		c.startScan()
	} else {
		logger.Info(c.prefix, "waiting for radio (state=%s) before scanning", c.transport.State())
	}
}

// Stop halts scanning. Tracked sessions are left to finish or disconnect.
func (c *Coordinator) Stop() {
	if !c.scanning {
		return
	}
	c.scanning = false
	c.transport.StopScan()
	logger.Info(c.prefix, "scan stopped")
}

// Scanning reports whether scanning has been requested.
func (c *Coordinator) Scanning() bool {
	return c.scanning
}

func (c *Coordinator) startScan() {
	// duplicates are delivered on purpose: dedup happens against the session table
	if err := c.transport.Scan([]uuid.UUID{c.service}, true); err != nil {
		logger.Warn(c.prefix, "scan failed to start: %v", err)
		return
	}
	logger.Info(c.prefix, "scanning for %s", c.service)
}

// Session returns the tracked session for h.
func (c *Coordinator) Session(h radio.DeviceHandle) (*Session, bool) {
	s, ok := c.sessions[h]
	return s, ok
}

// Sessions returns a snapshot of all tracked sessions ordered by handle.
func (c *Coordinator) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, len(c.sessions))
	for h, s := range c.sessions {
		out = append(out, SessionInfo{Handle: h, State: s.State().String(), MaxRSSI: s.MaxRSSI()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// DidUpdateState starts scanning on poweredOn and forgets every session when
// the radio goes away, since the platform invalidates its connections.
func (c *Coordinator) DidUpdateState(state radio.ManagerState) {
	logger.Info(c.prefix, "radio state=%s", state)
	switch state {
	case radio.StatePoweredOn:
		if c.scanning {
			c.startScan()
		}
	case radio.StatePoweredOff, radio.StateResetting, radio.StateUnauthorized, radio.StateUnsupported:
		if n := len(c.sessions); n > 0 {
			logger.Warn(c.prefix, "dropping %d sessions (radio %s)", n, state)
			logger.DebugJSON(c.prefix, "dropped sessions", c.Sessions())
			c.sessions = make(map[radio.DeviceHandle]*Session)
		}
	}
}

// DidDiscover creates a session for an untracked peer and connects to it.
// Repeated advertisements for a tracked peer only update its RSSI.
func (c *Coordinator) DidDiscover(h radio.DeviceHandle, adv radio.Advertisement, rssi int) {
	if len(adv.ServiceUUIDs) > 0 && !adv.HasService(c.service) {
		return
	}
	if s, ok := c.sessions[h]; ok {
		s.observeRSSI(rssi)
		logger.Trace(c.prefix, "%s: already tracked (%s), rssi=%d", h.Short(), s.State(), rssi)
		return
	}
	if !c.scanning {
		return
	}

	logger.Info(c.prefix, "discovered %s name=%q rssi=%d", h.Short(), adv.LocalName, rssi)
	s := newSession(h, c.transport, c.service, c.template, rssi, c.prefix)
	c.sessions[h] = s
	if !s.connect() {
		delete(c.sessions, h)
	}
}

// DidConnect requests service discovery for the session.
func (c *Coordinator) DidConnect(h radio.DeviceHandle) {
	s, ok := c.sessions[h]
	if !ok {
		logger.Trace(c.prefix, "%s: connect for untracked peer", h.Short())
		return
	}
	logger.Debug(c.prefix, "%s: connected", h.Short())
	s.didConnect()
}

// DidFailToConnect drops the session. The next advertisement retries.
func (c *Coordinator) DidFailToConnect(h radio.DeviceHandle, err error) {
	if _, ok := c.sessions[h]; !ok {
		return
	}
	logger.Warn(c.prefix, "%s: failed to connect: %v", h.Short(), err)
	delete(c.sessions, h)
}

// DidDisconnect discards the session and any unfinished commands.
func (c *Coordinator) DidDisconnect(h radio.DeviceHandle, err error) {
	s, ok := c.sessions[h]
	if !ok {
		return
	}
	if err != nil {
		logger.Info(c.prefix, "%s: disconnected in state %s: %v", h.Short(), s.State(), err)
	} else {
		logger.Info(c.prefix, "%s: disconnected in state %s", h.Short(), s.State())
	}
	s.state = StateDisconnected
	s.pendingRead = nil
	delete(c.sessions, h)
}

func (c *Coordinator) DidDiscoverServices(h radio.DeviceHandle, services []*radio.Service, err error) {
	if s, ok := c.sessions[h]; ok {
		s.didDiscoverServices(services, err)
	}
}

func (c *Coordinator) DidDiscoverCharacteristics(h radio.DeviceHandle, service *radio.Service, err error) {
	if s, ok := c.sessions[h]; ok {
		s.didDiscoverCharacteristics(service, err)
	}
}

func (c *Coordinator) DidUpdateValue(h radio.DeviceHandle, ch *radio.Characteristic, value []byte, err error) {
	if s, ok := c.sessions[h]; ok {
		s.didUpdateValue(ch, value, err)
	}
}

var _ radio.CentralDelegate = (*Coordinator)(nil)
