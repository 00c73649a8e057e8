//go:build linux

package bluez

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/google/uuid"

	"github.com/user/bproximity/logger"
	"github.com/user/bproximity/radio"
)

// ErrAlreadyAdded is returned when a second service is published.
var ErrAlreadyAdded = errors.New("bluez: service already added")

const (
	appPath = dbus.ObjectPath("/org/bproximity/app")
	advPath = dbus.ObjectPath("/org/bproximity/advertisement0")
)

// Peripheral implements radio.Peripheral by exporting a GATT application and
// an LE advertisement to BlueZ.
type Peripheral struct {
	a *Adapter

	mu          sync.Mutex
	delegate    radio.PeripheralDelegate
	app         *application
	advertising bool
	pending     map[*radio.ATTRequest]chan radio.ATTResult
}

func newPeripheral(a *Adapter) *Peripheral {
	return &Peripheral{
		a:       a,
		pending: make(map[*radio.ATTRequest]chan radio.ATTResult),
	}
}

func (p *Peripheral) prefix() string { return p.a.name + " peripheral" }

func (p *Peripheral) State() radio.ManagerState { return p.a.State() }

func (p *Peripheral) SetDelegate(d radio.PeripheralDelegate) {
	p.mu.Lock()
	p.delegate = d
	p.mu.Unlock()
	if s := p.a.State(); s != radio.StateUnknown {
		p.toDelegate(func(del radio.PeripheralDelegate) { del.DidUpdatePeripheralState(s) })
	}
}

func (p *Peripheral) toDelegate(fn func(radio.PeripheralDelegate)) bool {
	p.mu.Lock()
	del := p.delegate
	p.mu.Unlock()
	if del == nil {
		return false
	}
	return p.a.loop.Post(func() { fn(del) })
}

// stateChanged forgets the published objects when the radio goes away so the
// responder can publish again on power-on.
func (p *Peripheral) stateChanged(s radio.ManagerState) {
	if s != radio.StatePoweredOn {
		p.teardown()
	}
	p.toDelegate(func(del radio.PeripheralDelegate) { del.DidUpdatePeripheralState(s) })
}

// application is the exported GATT object tree.
type application struct {
	service radio.LocalService
	chars   []*gattCharacteristic
}

func servicePath() dbus.ObjectPath { return appPath + "/service0" }

func charPath(i int) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/char%d", servicePath(), i))
}

// GetManagedObjects is the ObjectManager method BlueZ calls on RegisterApplication.
func (app *application) GetManagedObjects() (managedObjects, *dbus.Error) {
	objects := managedObjects{
		servicePath(): {
			gattServiceIface: {
				"UUID":    dbus.MakeVariant(app.service.UUID.String()),
				"Primary": dbus.MakeVariant(true),
			},
		},
	}
	for i, c := range app.chars {
		objects[charPath(i)] = map[string]map[string]dbus.Variant{
			gattCharIface: {
				"UUID":              dbus.MakeVariant(c.uuid.String()),
				"Service":           dbus.MakeVariant(servicePath()),
				characteristicFlags: dbus.MakeVariant(flagsFor(c.props)),
			},
		}
	}
	return objects, nil
}

// gattCharacteristic serves GattCharacteristic1 calls by handing a request to
// the delegate and waiting for RespondToRequest.
type gattCharacteristic struct {
	p     *Peripheral
	uuid  uuid.UUID
	props radio.Properties
}

func (c *gattCharacteristic) ReadValue(opts map[string]dbus.Variant) ([]byte, *dbus.Error) {
	req := requestFrom(c.uuid, opts)
	result := c.p.await(req, func(del radio.PeripheralDelegate) { del.DidReceiveReadRequest(req) })
	if result != radio.ATTSuccess {
		return nil, errorFor(result)
	}
	return req.Value, nil
}

func (c *gattCharacteristic) WriteValue(value []byte, opts map[string]dbus.Variant) *dbus.Error {
	req := requestFrom(c.uuid, opts)
	req.Value = bytes.Clone(value)
	reqs := []*radio.ATTRequest{req}
	return errorFor(c.p.await(req, func(del radio.PeripheralDelegate) { del.DidReceiveWriteRequests(reqs) }))
}

func (c *gattCharacteristic) StartNotify() *dbus.Error {
	return dbus.NewError(errNotSupported, nil)
}

func (c *gattCharacteristic) StopNotify() *dbus.Error {
	return dbus.NewError(errNotSupported, nil)
}

// await delivers a request and blocks the D-Bus handler until the delegate
// responds.
func (p *Peripheral) await(req *radio.ATTRequest, deliver func(radio.PeripheralDelegate)) radio.ATTResult {
	done := make(chan radio.ATTResult, 1)
	p.mu.Lock()
	p.pending[req] = done
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, req)
		p.mu.Unlock()
	}()

	if !p.toDelegate(deliver) {
		return radio.ATTUnlikelyError
	}
	select {
	case result := <-done:
		return result
	case <-time.After(responseTimeout):
		logger.Warn(p.prefix(), "no response to %s request from %s", req.Characteristic, req.Central)
		return radio.ATTUnlikelyError
	case <-p.a.ctx.Done():
		return radio.ATTUnlikelyError
	}
}

func (p *Peripheral) RespondToRequest(req *radio.ATTRequest, result radio.ATTResult) {
	p.mu.Lock()
	done, ok := p.pending[req]
	delete(p.pending, req)
	p.mu.Unlock()
	if ok {
		done <- result
	}
}

// AddService exports the GATT tree and registers it with the adapter.
func (p *Peripheral) AddService(svc radio.LocalService) error {
	if p.a.isClosed() {
		return ErrClosed
	}
	if p.a.State() != radio.StatePoweredOn {
		return radio.ErrPoweredOff
	}

	p.mu.Lock()
	if p.app != nil {
		p.mu.Unlock()
		return ErrAlreadyAdded
	}
	app := &application{service: svc}
	for _, lc := range svc.Characteristics {
		app.chars = append(app.chars, &gattCharacteristic{p: p, uuid: lc.UUID, props: lc.Properties})
	}
	p.app = app
	p.mu.Unlock()

	conn := p.a.conn
	err := conn.Export(app, appPath, objManagerIface)
	for i, c := range app.chars {
		if err != nil {
			break
		}
		err = conn.Export(c, charPath(i), gattCharIface)
	}
	if err == nil {
		call := conn.Object(bluezBus, p.a.path).Call(gattManagerIface+".RegisterApplication", 0, appPath, map[string]dbus.Variant{})
		err = call.Err
	}
	if err != nil {
		p.unexportApp(app)
		p.mu.Lock()
		p.app = nil
		p.mu.Unlock()
		return fmt.Errorf("failed to register GATT application: %w", err)
	}
	logger.Debug(p.prefix(), "GATT application %s registered with %d characteristics", svc.UUID, len(app.chars))
	return nil
}

func (p *Peripheral) unexportApp(app *application) {
	for i := range app.chars {
		_ = p.a.conn.Export(nil, charPath(i), gattCharIface)
	}
	_ = p.a.conn.Export(nil, appPath, objManagerIface)
}

// advertisement is the exported LEAdvertisement1 object.
type advertisement struct{}

// Release is called by BlueZ when it drops the advertisement.
func (advertisement) Release() *dbus.Error { return nil }

// StartAdvertising exports the advertisement and registers it in the
// background; the result arrives on DidStartAdvertising.
func (p *Peripheral) StartAdvertising(adv radio.Advertisement) error {
	if p.a.isClosed() {
		return ErrClosed
	}
	if p.a.State() != radio.StatePoweredOn {
		return radio.ErrPoweredOff
	}
	p.mu.Lock()
	if p.advertising {
		p.mu.Unlock()
		return nil
	}
	p.advertising = true
	p.mu.Unlock()

	conn := p.a.conn
	kind := "broadcast"
	if adv.Connectable {
		kind = "peripheral"
	}
	props := prop.Map{
		advertisementIface: {
			"Type":         {Value: kind, Emit: prop.EmitFalse},
			"ServiceUUIDs": {Value: uuidStrings(adv.ServiceUUIDs), Emit: prop.EmitFalse},
			"LocalName":    {Value: adv.LocalName, Emit: prop.EmitFalse},
		},
	}
	if err := conn.Export(advertisement{}, advPath, advertisementIface); err != nil {
		p.clearAdvertising()
		return fmt.Errorf("failed to export advertisement: %w", err)
	}
	if _, err := prop.Export(conn, advPath, props); err != nil {
		p.clearAdvertising()
		return fmt.Errorf("failed to export advertisement properties: %w", err)
	}

	go func() {
		call := conn.Object(bluezBus, p.a.path).Call(advManagerIface+".RegisterAdvertisement", 0, advPath, map[string]dbus.Variant{})
		err := call.Err
		if err != nil {
			p.clearAdvertising()
			err = fmt.Errorf("failed to register advertisement: %w", err)
		} else {
			logger.Debug(p.prefix(), "advertising %q", adv.LocalName)
		}
		p.toDelegate(func(del radio.PeripheralDelegate) { del.DidStartAdvertising(err) })
	}()
	return nil
}

func (p *Peripheral) clearAdvertising() {
	p.mu.Lock()
	p.advertising = false
	p.mu.Unlock()
	_ = p.a.conn.Export(nil, advPath, advertisementIface)
	_ = p.a.conn.Export(nil, advPath, propsIface)
}

func (p *Peripheral) StopAdvertising() {
	p.mu.Lock()
	was := p.advertising
	p.mu.Unlock()
	if !was {
		return
	}
	p.a.conn.Object(bluezBus, p.a.path).Call(advManagerIface+".UnregisterAdvertisement", 0, advPath)
	p.clearAdvertising()
	logger.Debug(p.prefix(), "advertising stopped")
}

// teardown unregisters everything and fails requests still waiting.
func (p *Peripheral) teardown() {
	p.StopAdvertising()

	p.mu.Lock()
	app := p.app
	p.app = nil
	for req, done := range p.pending {
		delete(p.pending, req)
		done <- radio.ATTUnlikelyError
	}
	p.mu.Unlock()

	if app != nil {
		p.a.conn.Object(bluezBus, p.a.path).Call(gattManagerIface+".UnregisterApplication", 0, appPath)
		p.unexportApp(app)
	}
}
