// Package sim is an in-memory radio. Every Device implements both
// radio.Central and radio.Peripheral; the Air between them carries encoded
// advertising packets and ATT PDUs and delivers each device's callbacks on
// that device's own dispatch loop, as a platform stack would.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/bproximity/dispatch"
	"github.com/user/bproximity/logger"
	"github.com/user/bproximity/radio"
	"github.com/user/bproximity/sim/adv"
	"github.com/user/bproximity/sim/att"
)

var (
	ErrConnectionFailed = errors.New("sim: connection failed")
	ErrAlreadyAdded     = errors.New("sim: service already added")
)

const defaultDistance = 1.0 // meters

type pairKey struct{ a, b radio.DeviceHandle }

func pairOf(x, y radio.DeviceHandle) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{x, y}
}

type linkKey struct{ central, peripheral radio.DeviceHandle }

type link struct {
	central    *Device
	peripheral *Device
}

// pendingRequest is an ATT request awaiting the peripheral's answer.
type pendingRequest struct {
	key    linkKey
	char   *radio.Characteristic
	handle uint16
	opcode uint8
}

// Air connects simulated devices.
type Air struct {
	cfg *Config
	sim *Simulator

	mu         sync.Mutex
	devices    []*Device
	byHandle   map[radio.DeviceHandle]*Device
	outOfRange map[pairKey]bool
	distance   map[pairKey]float64
	links      map[linkKey]*link
	connecting map[linkKey]bool
	pending    map[*radio.ATTRequest]pendingRequest
	closed     bool

	tickStop chan struct{}
	tickWG   sync.WaitGroup
}

// NewAir creates an empty air; nil config means DefaultConfig.
func NewAir(cfg *Config) *Air {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Air{
		cfg:        cfg,
		sim:        NewSimulator(cfg),
		byHandle:   make(map[radio.DeviceHandle]*Device),
		outOfRange: make(map[pairKey]bool),
		distance:   make(map[pairKey]float64),
		links:      make(map[linkKey]*link),
		connecting: make(map[linkKey]bool),
		pending:    make(map[*radio.ATTRequest]pendingRequest),
	}
}

// AddDevice creates a powered-off-by-default (unknown state) device in range
// of every other device.
func (a *Air) AddDevice(name string) *Device {
	a.sim.mu.Lock()
	id, err := uuid.NewRandomFromReader(a.sim.rng)
	a.sim.mu.Unlock()
	if err != nil {
		id = uuid.New()
	}

	d := &Device{
		air:        a,
		name:       name,
		handle:     radio.DeviceHandle(id.String()),
		loop:       dispatch.New(),
		state:      radio.StateUnknown,
		nextHandle: 1,
		seen:       make(map[radio.DeviceHandle]bool),
	}
	copy(d.addr[:], id[10:16])
	d.loop.Start()

	a.mu.Lock()
	a.devices = append(a.devices, d)
	a.byHandle[d.handle] = d
	a.mu.Unlock()

	logger.Debug("sim", "added %s as %s", name, d.handle.Short())
	return d
}

// Devices returns all devices in creation order.
func (a *Air) Devices() []*Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Device, len(a.devices))
	copy(out, a.devices)
	return out
}

// SetInRange moves two devices in or out of radio range. Going out of range
// drops their links.
func (a *Air) SetInRange(x, y *Device, in bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := pairOf(x.handle, y.handle)
	if in {
		delete(a.outOfRange, k)
		return
	}
	a.outOfRange[k] = true
	a.dropLinkLocked(linkKey{x.handle, y.handle}, radio.ErrConnectionLost)
	a.dropLinkLocked(linkKey{y.handle, x.handle}, radio.ErrConnectionLost)
	delete(x.seen, y.handle)
	delete(y.seen, x.handle)
}

// SetDistance sets the distance in meters used for RSSI.
func (a *Air) SetDistance(x, y *Device, meters float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.distance[pairOf(x.handle, y.handle)] = meters
}

// Disconnect drops the link from central to peripheral as if the radio lost
// it. Reports whether there was a link.
func (a *Air) Disconnect(central, peripheral *Device) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropLinkLocked(linkKey{central.handle, peripheral.handle}, radio.ErrConnectionLost)
}

// Connected reports whether central holds a link to peripheral.
func (a *Air) Connected(central, peripheral *Device) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.links[linkKey{central.handle, peripheral.handle}]
	return ok
}

func (a *Air) inRangeLocked(x, y radio.DeviceHandle) bool {
	return !a.outOfRange[pairOf(x, y)]
}

func (a *Air) distanceLocked(x, y radio.DeviceHandle) float64 {
	if d, ok := a.distance[pairOf(x, y)]; ok {
		return d
	}
	return defaultDistance
}

// dropLinkLocked removes a link and tells the central side.
func (a *Air) dropLinkLocked(key linkKey, reason error) bool {
	l, ok := a.links[key]
	if !ok {
		return false
	}
	delete(a.links, key)
	for req, pr := range a.pending {
		if pr.key == key {
			delete(a.pending, req)
		}
	}
	h := key.peripheral
	l.central.toCentral(func(del radio.CentralDelegate) { del.DidDisconnect(h, reason) })
	logger.Debug("sim", "link %s -> %s dropped: %v", key.central.Short(), key.peripheral.Short(), reason)
	return true
}

func (a *Air) after(delay time.Duration, fn func()) {
	if delay <= 0 {
		fn()
		return
	}
	time.AfterFunc(delay, fn)
}

// Tick runs one advertising round: every advertising device is offered to
// every scanning device in range.
func (a *Air) Tick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	for _, y := range a.devices {
		if y.state != radio.StatePoweredOn || !y.advertising {
			continue
		}
		pkt, err := adv.Encode(y.addr, y.advert)
		if err != nil {
			logger.Warn("sim", "%s: unencodable advertisement: %v", y.name, err)
			continue
		}
		for _, x := range a.devices {
			if x == y || x.state != radio.StatePoweredOn || !x.scanning || !a.inRangeLocked(x.handle, y.handle) {
				continue
			}
			if !a.sim.ShouldPacketSucceed() {
				continue
			}
			ad, _, err := adv.Decode(pkt)
			if err != nil {
				continue
			}
			if !x.matchesFilter(ad) {
				continue
			}
			if !x.allowDuplicates && x.seen[y.handle] {
				continue
			}
			x.seen[y.handle] = true

			h := y.handle
			rssi := a.sim.GenerateRSSI(a.distanceLocked(x.handle, y.handle))
			x.toCentral(func(del radio.CentralDelegate) { del.DidDiscover(h, ad, rssi) })
		}
	}
}

// Start ticks advertising rounds every AdvertisingInterval until Close.
func (a *Air) Start() {
	a.mu.Lock()
	if a.tickStop != nil || a.closed {
		a.mu.Unlock()
		return
	}
	a.tickStop = make(chan struct{})
	stop := a.tickStop
	a.mu.Unlock()

	a.tickWG.Add(1)
	go func() {
		defer a.tickWG.Done()
		t := time.NewTicker(a.cfg.AdvertisingInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				a.Tick()
			}
		}
	}()
}

// Close stops ticking and shuts every device's callback loop.
func (a *Air) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	stop := a.tickStop
	devices := a.devices
	a.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	a.tickWG.Wait()
	for _, d := range devices {
		d.loop.Close()
	}
}

// connect completes a connection attempt started by Central.Connect.
func (a *Air) completeConnect(c, p *Device) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := linkKey{c.handle, p.handle}
	if !a.connecting[key] || a.closed {
		return
	}
	delete(a.connecting, key)

	h := p.handle
	switch {
	case c.state != radio.StatePoweredOn:
		return
	case p.state != radio.StatePoweredOn || !p.advertising || !p.advert.Connectable:
		c.toCentral(func(del radio.CentralDelegate) { del.DidFailToConnect(h, fmt.Errorf("%w: peer not connectable", ErrConnectionFailed)) })
	case !a.inRangeLocked(c.handle, p.handle):
		c.toCentral(func(del radio.CentralDelegate) { del.DidFailToConnect(h, fmt.Errorf("%w: out of range", ErrConnectionFailed)) })
	case !a.sim.ShouldConnectionSucceed():
		c.toCentral(func(del radio.CentralDelegate) { del.DidFailToConnect(h, ErrConnectionFailed) })
	default:
		a.links[key] = &link{central: c, peripheral: p}
		logger.Debug("sim", "link %s -> %s up", c.handle.Short(), p.handle.Short())
		c.toCentral(func(del radio.CentralDelegate) { del.DidConnect(h) })
	}
}

// respond carries a peripheral's answer to a pending read back to the central.
func (a *Air) respond(req *radio.ATTRequest, result radio.ATTResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pr, ok := a.pending[req]
	if !ok {
		// write commands need no answer
		return
	}
	delete(a.pending, req)
	l, ok := a.links[pr.key]
	if !ok {
		return
	}

	var pdu []byte
	switch {
	case result != radio.ATTSuccess:
		pdu, _ = att.Encode(&att.ErrorResponse{RequestOpcode: pr.opcode, Handle: pr.handle, Code: result})
	case att.ResponseOpcode(pr.opcode) == att.OpWriteResponse:
		pdu, _ = att.Encode(&att.WriteResponse{})
	default:
		pdu, _ = att.Encode(&att.ReadResponse{Blob: req.Offset > 0, Value: req.Value})
	}
	logger.Trace("sim", "%s -> %s %s 0x%04X", pr.key.peripheral.Short(), pr.key.central.Short(), att.OpcodeName(pdu[0]), pr.handle)

	var value []byte
	var err error
	decoded, derr := att.Decode(pdu)
	switch resp := decoded.(type) {
	case *att.ReadResponse:
		value = resp.Value
	case *att.WriteResponse:
		// the central role has no write completion callback
		return
	case *att.ErrorResponse:
		if resp.RequestOpcode == att.OpWriteRequest {
			return
		}
		err = &radio.ATTError{Result: resp.Code}
	default:
		err = derr
	}

	h, c := pr.key.peripheral, pr.char
	l.central.toCentral(func(del radio.CentralDelegate) { del.DidUpdateValue(h, c, value, err) })
}
