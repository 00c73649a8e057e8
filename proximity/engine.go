// Package proximity composes the id stores, the central coordinator and the
// peripheral responder into one engine with a Start/Stop lifecycle.
//
// Every transport callback is posted to a single dispatch loop, so the
// session table, the responder and the store wiring run without locks.
package proximity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/bproximity/central"
	"github.com/user/bproximity/dispatch"
	"github.com/user/bproximity/idstore"
	"github.com/user/bproximity/ident"
	"github.com/user/bproximity/logger"
	"github.com/user/bproximity/peripheral"
	"github.com/user/bproximity/radio"
)

// ErrClosed is returned by lifecycle calls after Close.
var ErrClosed = errors.New("proximity: engine closed")

// Engine owns both id stores and is their only writer.
type Engine struct {
	cfg    Config
	prefix string
	loop   *dispatch.Loop

	selfIDs *idstore.Store
	peerIDs *idstore.Store

	centralRadio    radio.Central
	peripheralRadio radio.Peripheral
	coordinator     *central.Coordinator
	responder       *peripheral.Responder

	// loop-only state
	started bool

	tickMu     sync.Mutex
	cancelTick context.CancelFunc
	tickWG     sync.WaitGroup
}

// New loads both stores and wires the enabled roles to their transports.
// Nothing is advertised or scanned until Start.
func New(cfg Config, c radio.Central, p radio.Peripheral) (*Engine, error) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EnableCentral && c == nil {
		return nil, fmt.Errorf("%w: central role enabled without a central transport", ErrInvalidConfig)
	}
	if cfg.EnablePeripheral && p == nil {
		return nil, fmt.Errorf("%w: peripheral role enabled without a peripheral transport", ErrInvalidConfig)
	}

	e := &Engine{
		cfg:    cfg,
		prefix: fmt.Sprintf("%s engine", logger.Short(cfg.Name)),
		loop:   dispatch.New(),
	}
	e.selfIDs = e.openStore(idstore.SelfIDs)
	e.peerIDs = e.openStore(idstore.PeerIDs)

	// second phase: the roles capture e, so they are built after it exists
	if cfg.EnableCentral {
		e.centralRadio = c
		e.coordinator = central.NewCoordinator(c, central.Config{
			Service:  cfg.Service,
			Commands: e.commandTemplate(),
			Name:     cfg.Name,
		})
		c.SetDelegate(serialCentral{loop: e.loop, target: e.coordinator})
	}
	if cfg.EnablePeripheral {
		e.peripheralRadio = p
		e.responder = peripheral.NewResponder(p, peripheral.Config{
			Service:             cfg.Service,
			ReadCharacteristic:  cfg.ReadCharacteristic,
			WriteCharacteristic: cfg.WriteCharacteristic,
			LocalName:           cfg.LocalName,
			Name:                cfg.Name,
			Latest:              e.CurrentID,
			Sighted: func(id ident.ID, from radio.DeviceHandle) {
				e.recordPeer(id, RolePeripheral, from)
			},
		})
		p.SetDelegate(serialPeripheral{loop: e.loop, target: e.responder})
	}

	e.loop.Start()
	return e, nil
}

func (e *Engine) openStore(name string) *idstore.Store {
	s, err := idstore.Open(e.cfg.Backend, name, idstore.WithClock(e.cfg.Clock))
	if err != nil {
		logger.Warn(e.prefix, "starting with empty %s: %v", name, err)
	} else {
		logger.Debug(e.prefix, "loaded %d records from %s", s.Len(), name)
	}
	return s
}

// commandTemplate is what every central session runs against a peer: learn
// its id, then tell it ours.
func (e *Engine) commandTemplate() []central.Command {
	cmds := []central.Command{
		central.Read(e.cfg.ReadCharacteristic, e.onPeerRead),
		central.Write(e.cfg.WriteCharacteristic, e.selfValue),
	}
	if e.cfg.DisconnectWhenDone {
		cmds = append(cmds, central.Cancel(func(d central.Disconnector) { d.Disconnect() }))
	}
	return cmds
}

func (e *Engine) onPeerRead(h radio.DeviceHandle, _ uuid.UUID, value []byte, err error) {
	if err != nil {
		logger.Debug(e.prefix, "%s: id read failed: %v", h.Short(), err)
		return
	}
	id, ok := ident.Decode(value)
	if !ok {
		logger.Warn(e.prefix, "%s: short id read (%d bytes)", h.Short(), len(value))
		return
	}
	e.recordPeer(id, RoleCentral, h)
}

// selfValue is evaluated when the write executes, so a rotation between
// connect and write is picked up.
func (e *Engine) selfValue() []byte {
	id, err := e.CurrentID()
	if err != nil {
		logger.Error(e.prefix, "no self id to write: %v", err)
		return nil
	}
	return ident.Encode(id)
}

func (e *Engine) recordPeer(id ident.ID, via Role, h radio.DeviceHandle) {
	rec := e.peerIDs.Append(id)
	e.persist(e.peerIDs)
	logger.Info(e.prefix, "sighted %s via %s (%s)", id, via, h.Short())
	if e.cfg.OnSighting != nil {
		e.cfg.OnSighting(Sighting{ID: id, Via: via, Peer: h, At: rec.Time()})
	}
}

func (e *Engine) persist(s *idstore.Store) {
	if err := idstore.Save(e.cfg.Backend, s); err != nil {
		logger.Warn(e.prefix, "persist: %v", err)
	}
}

// Start ensures a self id exists, then begins advertising and scanning.
// Calling it again while started does nothing.
func (e *Engine) Start() error {
	var err error
	if !e.loop.Do(func() { err = e.start() }) {
		return ErrClosed
	}
	return err
}

func (e *Engine) start() error {
	if e.started {
		return nil
	}
	if e.peerIDs.Expire(e.cfg.PeerRetention) {
		e.persist(e.peerIDs)
	}
	if err := e.ensureSelfID(); err != nil {
		return err
	}

	if e.responder != nil {
		e.responder.Start()
	}
	if e.coordinator != nil {
		e.coordinator.Start()
	}
	e.started = true
	e.startMaintenance()
	logger.Info(e.prefix, "started (central=%v peripheral=%v)", e.cfg.EnableCentral, e.cfg.EnablePeripheral)
	return nil
}

// ensureSelfID expires old self ids and appends a new one when the store is
// empty or the current id is due for rotation.
func (e *Engine) ensureSelfID() error {
	changed := e.selfIDs.Expire(e.cfg.SelfRetention)

	latest, err := e.selfIDs.Latest()
	due := err != nil
	if !due && e.cfg.RotationInterval > 0 {
		due = e.cfg.Clock().Sub(latest.Time()) >= e.cfg.RotationInterval
	}
	if due {
		id, genErr := ident.Generate(e.cfg.Random)
		if genErr != nil {
			if changed {
				e.persist(e.selfIDs)
			}
			return genErr
		}
		e.selfIDs.Append(id)
		changed = true
		logger.Info(e.prefix, "new self id %s", id)
	}
	if changed {
		e.persist(e.selfIDs)
	}
	return nil
}

// Stop halts advertising and scanning. Stores are kept.
func (e *Engine) Stop() error {
	if !e.loop.Do(e.stop) {
		return ErrClosed
	}
	return nil
}

func (e *Engine) stop() {
	if !e.started {
		return
	}
	e.stopMaintenance()
	if e.coordinator != nil {
		e.coordinator.Stop()
	}
	if e.responder != nil {
		e.responder.Stop()
	}
	e.started = false
	logger.Info(e.prefix, "stopped")
}

// Close stops the engine and its dispatch loop. Further calls fail with
// ErrClosed.
func (e *Engine) Close() error {
	e.loop.Do(e.stop)
	e.loop.Close()
	e.tickWG.Wait()
	return nil
}

func (e *Engine) startMaintenance() {
	if e.cfg.MaintenanceInterval <= 0 {
		return
	}
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	e.cancelTick = cancel
	e.tickWG.Add(1)
	go func() {
		defer e.tickWG.Done()
		t := time.NewTicker(e.cfg.MaintenanceInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				e.loop.Post(e.maintain)
			}
		}
	}()
}

func (e *Engine) stopMaintenance() {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	if e.cancelTick != nil {
		e.cancelTick()
		e.cancelTick = nil
	}
}

// maintain runs on the loop: expire both stores, then rotate if due.
func (e *Engine) maintain() {
	if !e.started {
		return
	}
	if e.peerIDs.Expire(e.cfg.PeerRetention) {
		logger.Debug(e.prefix, "expired peer ids, %d left", e.peerIDs.Len())
		e.persist(e.peerIDs)
	}
	if err := e.ensureSelfID(); err != nil {
		logger.Error(e.prefix, "rotate self id: %v", err)
	}
}

// Maintain runs one expiry/rotation pass immediately.
func (e *Engine) Maintain() error {
	if !e.loop.Do(e.maintain) {
		return ErrClosed
	}
	return nil
}

// CurrentID returns the id being advertised.
func (e *Engine) CurrentID() (ident.ID, error) {
	rec, err := e.selfIDs.Latest()
	if err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// SelfIDs returns a snapshot of the self-ids store.
func (e *Engine) SelfIDs() []idstore.Record {
	return e.selfIDs.Records()
}

// PeerIDs returns a snapshot of the peer-ids store.
func (e *Engine) PeerIDs() []idstore.Record {
	return e.peerIDs.Records()
}

// Sessions returns the central role's tracked sessions.
func (e *Engine) Sessions() []central.SessionInfo {
	if e.coordinator == nil {
		return nil
	}
	var out []central.SessionInfo
	e.loop.Do(func() { out = e.coordinator.Sessions() })
	return out
}

// Started reports whether Start has taken effect.
func (e *Engine) Started() bool {
	var on bool
	e.loop.Do(func() { on = e.started })
	return on
}
