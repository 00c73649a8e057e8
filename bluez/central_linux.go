//go:build linux

package bluez

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/user/bproximity/dispatch"
	"github.com/user/bproximity/logger"
	"github.com/user/bproximity/radio"
)

// remote is one connected or connecting peer. Its D-Bus calls run in request
// order on ops.
type remote struct {
	handle    radio.DeviceHandle
	path      dbus.ObjectPath
	ops       *dispatch.Loop
	cancel    context.CancelFunc
	connected bool
	closing   bool
	services  map[*radio.Service]dbus.ObjectPath
	chars     map[*radio.Characteristic]dbus.ObjectPath
}

// Central implements radio.Central on a BlueZ adapter. Device handles are MAC
// addresses.
type Central struct {
	a *Adapter

	mu       sync.Mutex
	delegate radio.CentralDelegate
	scanning bool
	allowDup bool
	filter   []uuid.UUID
	reported map[radio.DeviceHandle]bool
	cache    map[dbus.ObjectPath]map[string]dbus.Variant
	remotes  map[radio.DeviceHandle]*remote
}

func newCentral(a *Adapter) *Central {
	return &Central{
		a:        a,
		reported: make(map[radio.DeviceHandle]bool),
		cache:    make(map[dbus.ObjectPath]map[string]dbus.Variant),
		remotes:  make(map[radio.DeviceHandle]*remote),
	}
}

func (c *Central) prefix() string { return c.a.name + " central" }

func (c *Central) State() radio.ManagerState { return c.a.State() }

func (c *Central) SetDelegate(d radio.CentralDelegate) {
	c.mu.Lock()
	c.delegate = d
	c.mu.Unlock()
	if s := c.a.State(); s != radio.StateUnknown {
		c.toDelegate(func(del radio.CentralDelegate) { del.DidUpdateState(s) })
	}
}

func (c *Central) toDelegate(fn func(radio.CentralDelegate)) {
	c.mu.Lock()
	del := c.delegate
	c.mu.Unlock()
	if del == nil {
		return
	}
	c.a.loop.Post(func() { fn(del) })
}

func (c *Central) stateChanged(s radio.ManagerState) {
	if s != radio.StatePoweredOn {
		c.mu.Lock()
		c.scanning = false
		for h, r := range c.remotes {
			delete(c.remotes, h)
			r.cancel()
			go r.ops.Close()
		}
		c.mu.Unlock()
	}
	c.toDelegate(func(del radio.CentralDelegate) { del.DidUpdateState(s) })
}

// Scan sets an LE discovery filter and starts discovery. Devices BlueZ already
// knows with a fresh RSSI are reported at once.
func (c *Central) Scan(services []uuid.UUID, allowDuplicates bool) error {
	if c.a.isClosed() {
		return ErrClosed
	}
	if c.a.State() != radio.StatePoweredOn {
		return radio.ErrPoweredOff
	}

	adapter := c.a.conn.Object(bluezBus, c.a.path)
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(allowDuplicates),
	}
	if len(services) > 0 {
		filter["UUIDs"] = dbus.MakeVariant(uuidStrings(services))
	}
	if call := adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("failed to set discovery filter: %w", call.Err)
	}
	if call := adapter.Call(adapterIface+".StartDiscovery", 0); call.Err != nil && !isInProgress(call.Err) {
		return fmt.Errorf("failed to start discovery: %w", call.Err)
	}

	c.mu.Lock()
	c.scanning = true
	c.allowDup = allowDuplicates
	c.filter = append([]uuid.UUID(nil), services...)
	c.reported = make(map[radio.DeviceHandle]bool)
	c.mu.Unlock()
	logger.Debug(c.prefix(), "discovery started (dup=%v)", allowDuplicates)

	objects, err := c.a.managedObjects()
	if err != nil {
		logger.Warn(c.prefix(), "%v", err)
		return nil
	}
	for path, ifaces := range objects {
		if props, ok := ifaces[deviceIface]; ok && under(path, c.a.path) {
			c.deviceSeen(path, props)
		}
	}
	return nil
}

func isInProgress(err error) bool {
	var dErr dbus.Error
	switch e := err.(type) {
	case dbus.Error:
		dErr = e
	case *dbus.Error:
		dErr = *e
	default:
		return false
	}
	return strings.HasSuffix(dErr.Name, ".InProgress")
}

func (c *Central) StopScan() {
	c.mu.Lock()
	was := c.scanning
	c.scanning = false
	c.mu.Unlock()
	if !was {
		return
	}
	c.a.conn.Object(bluezBus, c.a.path).Call(adapterIface+".StopDiscovery", 0)
	logger.Debug(c.prefix(), "discovery stopped")
}

// deviceSeen merges Device1 properties into the cache and reports an
// advertisement while scanning.
func (c *Central) deviceSeen(path dbus.ObjectPath, props map[string]dbus.Variant) {
	c.mu.Lock()
	merged := c.cache[path]
	if merged == nil {
		merged = make(map[string]dbus.Variant, len(props))
		c.cache[path] = merged
	}
	for k, v := range props {
		merged[k] = v
	}
	if !c.scanning {
		c.mu.Unlock()
		return
	}

	adv, rssi, fresh := advertisementFrom(merged)
	h := radio.DeviceHandle(addressFromPath(path))
	if addr, ok := variant[string](merged, "Address"); ok {
		h = radio.DeviceHandle(addr)
	}
	if !fresh || h == "" || !c.matchesLocked(adv) || (!c.allowDup && c.reported[h]) {
		c.mu.Unlock()
		return
	}
	c.reported[h] = true
	c.mu.Unlock()

	logger.Trace(c.prefix(), "discovered %s rssi=%d", h, rssi)
	c.toDelegate(func(del radio.CentralDelegate) { del.DidDiscover(h, adv, rssi) })
}

func (c *Central) matchesLocked(adv radio.Advertisement) bool {
	if len(c.filter) == 0 {
		return true
	}
	for _, u := range c.filter {
		if adv.HasService(u) {
			return true
		}
	}
	return false
}

func (c *Central) deviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	if connected, ok := variant[bool](changed, "Connected"); ok && !connected {
		c.disconnected(radio.DeviceHandle(addressFromPath(path)))
	}
	_, rssi := changed["RSSI"]
	_, uuids := changed["UUIDs"]
	if rssi || uuids {
		c.deviceSeen(path, changed)
		return
	}
	c.mu.Lock()
	if merged := c.cache[path]; merged != nil {
		for k, v := range changed {
			merged[k] = v
		}
	}
	c.mu.Unlock()
}

func (c *Central) disconnected(h radio.DeviceHandle) {
	c.mu.Lock()
	r, ok := c.remotes[h]
	if !ok || !r.connected {
		c.mu.Unlock()
		return
	}
	delete(c.remotes, h)
	closing := r.closing
	c.mu.Unlock()
	go r.ops.Close()

	var err error
	if !closing {
		err = radio.ErrConnectionLost
	}
	logger.Debug(c.prefix(), "%s disconnected: %v", h, err)
	c.toDelegate(func(del radio.CentralDelegate) { del.DidDisconnect(h, err) })
}

func (c *Central) lookup(h radio.DeviceHandle) (*remote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.remotes[h]
	if !ok || !r.connected {
		return nil, radio.ErrNotConnected
	}
	return r, nil
}

func (c *Central) Connect(h radio.DeviceHandle) error {
	if c.a.isClosed() {
		return ErrClosed
	}
	if c.a.State() != radio.StatePoweredOn {
		return radio.ErrPoweredOff
	}
	path := devicePath(c.a.name, string(h))

	c.mu.Lock()
	if _, ok := c.remotes[h]; ok {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithTimeout(c.a.ctx, connectTimeout)
	r := &remote{
		handle:   h,
		path:     path,
		ops:      dispatch.New(),
		cancel:   cancel,
		services: make(map[*radio.Service]dbus.ObjectPath),
		chars:    make(map[*radio.Characteristic]dbus.ObjectPath),
	}
	c.remotes[h] = r
	c.mu.Unlock()

	r.ops.Start()
	r.ops.Post(func() {
		defer cancel()
		call := c.a.conn.Object(bluezBus, path).CallWithContext(ctx, deviceIface+".Connect", 0)

		c.mu.Lock()
		if c.remotes[h] != r {
			c.mu.Unlock()
			return
		}
		if call.Err != nil {
			delete(c.remotes, h)
			c.mu.Unlock()
			go r.ops.Close()
			err := fmt.Errorf("BlueZ Connect failed for %s: %w", h, call.Err)
			c.toDelegate(func(del radio.CentralDelegate) { del.DidFailToConnect(h, err) })
			return
		}
		r.connected = true
		c.mu.Unlock()
		c.toDelegate(func(del radio.CentralDelegate) { del.DidConnect(h) })
	})
	return nil
}

// CancelConnection aborts a pending connect or disconnects. A cancelled
// connect reports DidFailToConnect; a dropped link reports DidDisconnect with a
// nil error.
func (c *Central) CancelConnection(h radio.DeviceHandle) {
	c.mu.Lock()
	r, ok := c.remotes[h]
	if !ok {
		c.mu.Unlock()
		return
	}
	r.closing = true
	connected := r.connected
	c.mu.Unlock()

	if !connected {
		r.cancel()
		return
	}
	r.ops.Post(func() {
		c.a.conn.Object(bluezBus, r.path).Call(deviceIface+".Disconnect", 0)
	})
}

// waitResolved polls ServicesResolved, as BlueZ resolves GATT on its own after
// connecting.
func (c *Central) waitResolved(path dbus.ObjectPath) error {
	ctx, cancel := context.WithTimeout(c.a.ctx, resolveTimeout)
	defer cancel()
	obj := c.a.conn.Object(bluezBus, path)
	for {
		v, err := obj.GetProperty(deviceIface + ".ServicesResolved")
		if err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("service discovery timed out after %v", resolveTimeout)
		case <-time.After(resolvePoll):
		}
	}
}

func (c *Central) DiscoverServices(h radio.DeviceHandle, services []uuid.UUID) error {
	r, err := c.lookup(h)
	if err != nil {
		return err
	}
	r.ops.Post(func() {
		svcs, err := c.resolveServices(r, services)
		c.toDelegate(func(del radio.CentralDelegate) { del.DidDiscoverServices(h, svcs, err) })
	})
	return nil
}

func (c *Central) resolveServices(r *remote, want []uuid.UUID) ([]*radio.Service, error) {
	if err := c.waitResolved(r.path); err != nil {
		return nil, err
	}
	objects, err := c.a.managedObjects()
	if err != nil {
		return nil, err
	}

	var out []*radio.Service
	for path, ifaces := range objects {
		props, ok := ifaces[gattServiceIface]
		if !ok || !under(path, r.path) {
			continue
		}
		s, _ := variant[string](props, "UUID")
		u, err := uuid.Parse(s)
		if err != nil || !contains(want, u) {
			continue
		}
		svc := &radio.Service{UUID: u}
		c.mu.Lock()
		r.services[svc] = path
		c.mu.Unlock()
		out = append(out, svc)
	}
	return out, nil
}

func contains(set []uuid.UUID, u uuid.UUID) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == u {
			return true
		}
	}
	return false
}

func (c *Central) DiscoverCharacteristics(h radio.DeviceHandle, service *radio.Service, characteristics []uuid.UUID) error {
	r, err := c.lookup(h)
	if err != nil {
		return err
	}
	c.mu.Lock()
	svcPath, ok := r.services[service]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("bluez: service %s not discovered on %s", service.UUID, h)
	}

	r.ops.Post(func() {
		chars, err := c.resolveCharacteristics(r, service, svcPath, characteristics)
		c.toDelegate(func(del radio.CentralDelegate) {
			if err == nil {
				service.Characteristics = chars
			}
			del.DidDiscoverCharacteristics(h, service, err)
		})
	})
	return nil
}

func (c *Central) resolveCharacteristics(r *remote, service *radio.Service, svcPath dbus.ObjectPath, want []uuid.UUID) ([]*radio.Characteristic, error) {
	objects, err := c.a.managedObjects()
	if err != nil {
		return nil, err
	}

	var out []*radio.Characteristic
	for path, ifaces := range objects {
		props, ok := ifaces[gattCharIface]
		if !ok {
			continue
		}
		if parent, _ := variant[dbus.ObjectPath](props, "Service"); parent != svcPath {
			continue
		}
		s, _ := variant[string](props, "UUID")
		u, err := uuid.Parse(s)
		if err != nil || !contains(want, u) {
			continue
		}
		flags, _ := variant[[]string](props, characteristicFlags)
		ch := &radio.Characteristic{UUID: u, Properties: propertiesFrom(flags), Service: service}
		c.mu.Lock()
		r.chars[ch] = path
		c.mu.Unlock()
		out = append(out, ch)
	}
	return out, nil
}

func (c *Central) charPath(h radio.DeviceHandle, ch *radio.Characteristic) (*remote, dbus.ObjectPath, error) {
	r, err := c.lookup(h)
	if err != nil {
		return nil, "", err
	}
	c.mu.Lock()
	path, ok := r.chars[ch]
	c.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("bluez: characteristic %s not discovered on %s", ch.UUID, h)
	}
	return r, path, nil
}

func (c *Central) ReadValue(h radio.DeviceHandle, ch *radio.Characteristic) error {
	r, path, err := c.charPath(h, ch)
	if err != nil {
		return err
	}
	r.ops.Post(func() {
		var data []byte
		call := c.a.conn.Object(bluezBus, path).Call(gattCharIface+".ReadValue", 0, map[string]dbus.Variant{})
		err := call.Err
		if err == nil {
			err = call.Store(&data)
		}
		if err != nil {
			err = fmt.Errorf("BLE read failed: %w", err)
		}
		c.toDelegate(func(del radio.CentralDelegate) { del.DidUpdateValue(h, ch, data, err) })
	})
	return nil
}

// WriteValue queues the write behind earlier requests to the same peer.
// Without-response writes use type=command.
func (c *Central) WriteValue(h radio.DeviceHandle, ch *radio.Characteristic, data []byte, wt radio.WriteType) error {
	r, path, err := c.charPath(h, ch)
	if err != nil {
		return err
	}
	value := bytes.Clone(data)
	r.ops.Post(func() {
		call := c.a.conn.Object(bluezBus, path).Call(gattCharIface+".WriteValue", 0, value, writeOptions(wt))
		if call.Err != nil {
			logger.Warn(c.prefix(), "write %s to %s failed: %v", ch.UUID, h, call.Err)
		}
	})
	return nil
}
