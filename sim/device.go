package sim

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/user/bproximity/dispatch"
	"github.com/user/bproximity/logger"
	"github.com/user/bproximity/radio"
	"github.com/user/bproximity/sim/adv"
	"github.com/user/bproximity/sim/att"
)

// Device is one simulated phone. Its fields are guarded by the Air's mutex.
type Device struct {
	air    *Air
	name   string
	handle radio.DeviceHandle
	addr   [adv.AddressLen]byte
	loop   *dispatch.Loop

	state              radio.ManagerState
	centralDelegate    radio.CentralDelegate
	peripheralDelegate radio.PeripheralDelegate

	scanning        bool
	scanFilter      []uuid.UUID
	allowDuplicates bool
	seen            map[radio.DeviceHandle]bool

	services    []*publishedService
	nextHandle  uint16
	advertising bool
	advert      radio.Advertisement
}

type publishedService struct {
	def    radio.LocalService
	start  uint16
	values []uint16 // value handle per characteristic
}

// Name returns the label given to AddDevice.
func (d *Device) Name() string { return d.name }

// Handle is how other devices see this one.
func (d *Device) Handle() radio.DeviceHandle { return d.handle }

// Central returns the device's central-role transport.
func (d *Device) Central() radio.Central { return centralRole{d} }

// Peripheral returns the device's peripheral-role transport.
func (d *Device) Peripheral() radio.Peripheral { return peripheralRole{d} }

// PowerOn brings the radio up and notifies both delegates.
func (d *Device) PowerOn() {
	d.air.mu.Lock()
	defer d.air.mu.Unlock()
	d.setStateLocked(radio.StatePoweredOn)
}

// PowerOff turns the radio off. Links drop, scanning and advertising stop,
// and published services are forgotten.
func (d *Device) PowerOff() {
	a := d.air
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, l := range a.links {
		if l.peripheral == d {
			a.dropLinkLocked(key, radio.ErrConnectionLost)
		} else if l.central == d {
			// the central side learns of this from the state change
			delete(a.links, key)
		}
	}
	for key := range a.connecting {
		if key.central == d.handle || key.peripheral == d.handle {
			delete(a.connecting, key)
		}
	}
	d.scanning = false
	d.advertising = false
	d.services = nil
	d.nextHandle = 1
	d.seen = make(map[radio.DeviceHandle]bool)
	d.setStateLocked(radio.StatePoweredOff)
}

func (d *Device) setStateLocked(state radio.ManagerState) {
	if d.state == state {
		return
	}
	d.state = state
	logger.Debug("sim", "%s: radio %s", d.name, state)
	d.toCentral(func(del radio.CentralDelegate) { del.DidUpdateState(state) })
	d.toPeripheral(func(del radio.PeripheralDelegate) { del.DidUpdatePeripheralState(state) })
}

// toCentral posts a callback to the central delegate registered right now.
func (d *Device) toCentral(fn func(radio.CentralDelegate)) {
	del := d.centralDelegate
	if del == nil {
		return
	}
	d.loop.Post(func() { fn(del) })
}

func (d *Device) toPeripheral(fn func(radio.PeripheralDelegate)) {
	del := d.peripheralDelegate
	if del == nil {
		return
	}
	d.loop.Post(func() { fn(del) })
}

func (d *Device) matchesFilter(a radio.Advertisement) bool {
	if len(d.scanFilter) == 0 {
		return true
	}
	for _, u := range d.scanFilter {
		if a.HasService(u) {
			return true
		}
	}
	return false
}

// characteristicAt resolves a value handle to its characteristic UUID.
func (d *Device) characteristicAt(handle uint16) (uuid.UUID, bool) {
	for _, ps := range d.services {
		for i, h := range ps.values {
			if h == handle {
				return ps.def.Characteristics[i].UUID, true
			}
		}
	}
	return uuid.Nil, false
}

func (d *Device) service(u uuid.UUID) *publishedService {
	for _, ps := range d.services {
		if ps.def.UUID == u {
			return ps
		}
	}
	return nil
}

type centralRole struct{ d *Device }

func (c centralRole) State() radio.ManagerState {
	c.d.air.mu.Lock()
	defer c.d.air.mu.Unlock()
	return c.d.state
}

// SetDelegate registers d; a known radio state is reported to it at once.
func (c centralRole) SetDelegate(del radio.CentralDelegate) {
	c.d.air.mu.Lock()
	defer c.d.air.mu.Unlock()
	c.d.centralDelegate = del
	if state := c.d.state; state != radio.StateUnknown {
		c.d.toCentral(func(x radio.CentralDelegate) { x.DidUpdateState(state) })
	}
}

func (c centralRole) Scan(services []uuid.UUID, allowDuplicates bool) error {
	c.d.air.mu.Lock()
	defer c.d.air.mu.Unlock()
	if c.d.state != radio.StatePoweredOn {
		return radio.ErrPoweredOff
	}
	c.d.scanning = true
	c.d.scanFilter = append([]uuid.UUID(nil), services...)
	c.d.allowDuplicates = allowDuplicates
	c.d.seen = make(map[radio.DeviceHandle]bool)
	return nil
}

func (c centralRole) StopScan() {
	c.d.air.mu.Lock()
	defer c.d.air.mu.Unlock()
	c.d.scanning = false
}

func (c centralRole) Connect(h radio.DeviceHandle) error {
	a := c.d.air
	a.mu.Lock()
	if c.d.state != radio.StatePoweredOn {
		a.mu.Unlock()
		return radio.ErrPoweredOff
	}
	target, ok := a.byHandle[h]
	if !ok || target == c.d {
		a.mu.Unlock()
		return radio.ErrUnknownDevice
	}
	key := linkKey{c.d.handle, h}
	if _, linked := a.links[key]; linked || a.connecting[key] {
		a.mu.Unlock()
		return nil
	}
	a.connecting[key] = true
	delay := a.sim.ConnectionDelay()
	a.mu.Unlock()

	a.after(delay, func() { a.completeConnect(c.d, target) })
	return nil
}

func (c centralRole) CancelConnection(h radio.DeviceHandle) {
	a := c.d.air
	a.mu.Lock()
	defer a.mu.Unlock()

	key := linkKey{c.d.handle, h}
	if a.connecting[key] {
		delete(a.connecting, key)
		c.d.toCentral(func(del radio.CentralDelegate) { del.DidDisconnect(h, nil) })
		return
	}
	a.dropLinkLocked(key, nil)
}

func (c centralRole) linkLocked(h radio.DeviceHandle) (*link, error) {
	l, ok := c.d.air.links[linkKey{c.d.handle, h}]
	if !ok {
		return nil, radio.ErrNotConnected
	}
	return l, nil
}

func (c centralRole) DiscoverServices(h radio.DeviceHandle, filter []uuid.UUID) error {
	a := c.d.air
	a.mu.Lock()
	defer a.mu.Unlock()

	l, err := c.linkLocked(h)
	if err != nil {
		return err
	}

	var found []*radio.Service
	for _, ps := range l.peripheral.services {
		if len(filter) > 0 && !containsUUID(filter, ps.def.UUID) {
			continue
		}
		found = append(found, &radio.Service{UUID: ps.def.UUID, StartHandle: ps.start})
		if a.sim.DuplicateService() {
			found = append(found, &radio.Service{UUID: ps.def.UUID, StartHandle: ps.start})
		}
	}
	c.d.toCentral(func(del radio.CentralDelegate) { del.DidDiscoverServices(h, found, nil) })
	return nil
}

func (c centralRole) DiscoverCharacteristics(h radio.DeviceHandle, svc *radio.Service, filter []uuid.UUID) error {
	a := c.d.air
	a.mu.Lock()
	defer a.mu.Unlock()

	l, err := c.linkLocked(h)
	if err != nil {
		return err
	}
	ps := l.peripheral.service(svc.UUID)
	if ps == nil {
		notFound := &radio.ATTError{Result: radio.ATTAttributeNotFound}
		c.d.toCentral(func(del radio.CentralDelegate) { del.DidDiscoverCharacteristics(h, svc, notFound) })
		return nil
	}

	chars := make([]*radio.Characteristic, 0, len(ps.def.Characteristics))
	for i, lc := range ps.def.Characteristics {
		if len(filter) > 0 && !containsUUID(filter, lc.UUID) {
			continue
		}
		chars = append(chars, &radio.Characteristic{
			UUID:       lc.UUID,
			Properties: lc.Properties,
			Service:    svc,
			Handle:     ps.values[i],
		})
	}
	svc.Characteristics = chars
	c.d.toCentral(func(del radio.CentralDelegate) { del.DidDiscoverCharacteristics(h, svc, nil) })
	return nil
}

func (c centralRole) ReadValue(h radio.DeviceHandle, ch *radio.Characteristic) error {
	a := c.d.air
	a.mu.Lock()
	defer a.mu.Unlock()

	l, err := c.linkLocked(h)
	if err != nil {
		return err
	}
	pdu, err := att.Encode(&att.ReadRequest{Handle: ch.Handle})
	if err != nil {
		return err
	}

	// peripheral side
	decoded, err := att.Decode(pdu)
	if err != nil {
		return err
	}
	handle := decoded.(*att.ReadRequest).Handle
	p := l.peripheral
	u, ok := p.characteristicAt(handle)
	if !ok || p.peripheralDelegate == nil {
		result := radio.ATTInvalidHandle
		if ok {
			result = radio.ATTRequestNotSupported
		}
		fail := &radio.ATTError{Result: result}
		c.d.toCentral(func(del radio.CentralDelegate) { del.DidUpdateValue(h, ch, nil, fail) })
		return nil
	}

	req := &radio.ATTRequest{Central: c.d.handle, Characteristic: u}
	a.pending[req] = pendingRequest{key: linkKey{c.d.handle, h}, char: ch, handle: handle, opcode: pdu[0]}
	logger.Trace("sim", "%s -> %s %s 0x%04X", c.d.name, p.name, att.OpcodeName(pdu[0]), handle)
	p.toPeripheral(func(del radio.PeripheralDelegate) { del.DidReceiveReadRequest(req) })
	return nil
}

func (c centralRole) WriteValue(h radio.DeviceHandle, ch *radio.Characteristic, data []byte, wt radio.WriteType) error {
	a := c.d.air
	a.mu.Lock()
	defer a.mu.Unlock()

	l, err := c.linkLocked(h)
	if err != nil {
		return err
	}

	var pdu []byte
	if wt == radio.WriteWithoutResponse {
		pdu, err = att.Encode(&att.WriteCommand{Handle: ch.Handle, Value: data})
	} else {
		pdu, err = att.Encode(&att.WriteRequest{Handle: ch.Handle, Value: data})
	}
	if err != nil {
		return err
	}

	// peripheral side
	decoded, err := att.Decode(pdu)
	if err != nil {
		return err
	}
	var handle uint16
	var value []byte
	switch w := decoded.(type) {
	case *att.WriteCommand:
		handle, value = w.Handle, w.Value
	case *att.WriteRequest:
		handle, value = w.Handle, w.Value
	default:
		return fmt.Errorf("sim: unexpected pdu %T", decoded)
	}

	p := l.peripheral
	u, ok := p.characteristicAt(handle)
	if !ok {
		logger.Trace("sim", "%s -> %s write to unknown handle 0x%04X dropped", c.d.name, p.name, handle)
		return nil
	}
	reqs := []*radio.ATTRequest{{Central: c.d.handle, Characteristic: u, Value: value}}
	if !att.IsCommand(pdu[0]) {
		a.pending[reqs[0]] = pendingRequest{key: linkKey{c.d.handle, h}, char: ch, handle: handle, opcode: pdu[0]}
	}
	logger.Trace("sim", "%s -> %s %s 0x%04X (%d bytes)", c.d.name, p.name, att.OpcodeName(pdu[0]), handle, len(value))
	p.toPeripheral(func(del radio.PeripheralDelegate) { del.DidReceiveWriteRequests(reqs) })
	return nil
}

type peripheralRole struct{ d *Device }

func (p peripheralRole) State() radio.ManagerState {
	p.d.air.mu.Lock()
	defer p.d.air.mu.Unlock()
	return p.d.state
}

func (p peripheralRole) SetDelegate(del radio.PeripheralDelegate) {
	p.d.air.mu.Lock()
	defer p.d.air.mu.Unlock()
	p.d.peripheralDelegate = del
	if state := p.d.state; state != radio.StateUnknown {
		p.d.toPeripheral(func(x radio.PeripheralDelegate) { x.DidUpdatePeripheralState(state) })
	}
}

// AddService allocates handles the way a GATT server lays out its table:
// one for the service declaration, then a declaration and a value per
// characteristic.
func (p peripheralRole) AddService(svc radio.LocalService) error {
	p.d.air.mu.Lock()
	defer p.d.air.mu.Unlock()

	if p.d.state != radio.StatePoweredOn {
		return radio.ErrPoweredOff
	}
	if p.d.service(svc.UUID) != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyAdded, svc.UUID)
	}

	ps := &publishedService{def: svc, start: p.d.nextHandle}
	next := ps.start + 1
	for range svc.Characteristics {
		ps.values = append(ps.values, next+1)
		next += 2
	}
	p.d.nextHandle = next
	p.d.services = append(p.d.services, ps)
	return nil
}

func (p peripheralRole) StartAdvertising(a radio.Advertisement) error {
	p.d.air.mu.Lock()
	defer p.d.air.mu.Unlock()

	if p.d.state != radio.StatePoweredOn {
		return radio.ErrPoweredOff
	}
	if _, err := adv.Encode(p.d.addr, a); err != nil {
		return err
	}
	p.d.advertising = true
	p.d.advert = a
	p.d.toPeripheral(func(del radio.PeripheralDelegate) { del.DidStartAdvertising(nil) })
	return nil
}

func (p peripheralRole) StopAdvertising() {
	p.d.air.mu.Lock()
	defer p.d.air.mu.Unlock()
	p.d.advertising = false
}

func (p peripheralRole) RespondToRequest(req *radio.ATTRequest, result radio.ATTResult) {
	p.d.air.respond(req, result)
}

func containsUUID(list []uuid.UUID, u uuid.UUID) bool {
	for _, x := range list {
		if x == u {
			return true
		}
	}
	return false
}

var (
	_ radio.Central    = centralRole{}
	_ radio.Peripheral = peripheralRole{}
)
