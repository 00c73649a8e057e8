//go:build linux

// Package bluez binds the radio contract to BlueZ over the system D-Bus. One
// Adapter provides both roles; callbacks run on the adapter's own dispatch
// loop.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/user/bproximity/dispatch"
	"github.com/user/bproximity/logger"
	"github.com/user/bproximity/radio"
)

// ErrClosed is returned by requests made after Close.
var ErrClosed = errors.New("bluez: adapter closed")

const (
	connectTimeout  = 10 * time.Second
	resolveTimeout  = 15 * time.Second
	resolvePoll     = 200 * time.Millisecond
	responseTimeout = 5 * time.Second
)

// Adapter is one BlueZ controller, e.g. hci0.
type Adapter struct {
	name string
	path dbus.ObjectPath
	conn *dbus.Conn
	loop *dispatch.Loop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	state  radio.ManagerState
	closed bool

	central    *Central
	peripheral *Peripheral
}

// Open connects to the system bus and watches the named adapter; "" means
// hci0.
func Open(name string) (*Adapter, error) {
	if name == "" {
		name = defaultAdapterName
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system DBus: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		name:   name,
		path:   adapterPath(name),
		conn:   conn,
		loop:   dispatch.New(),
		ctx:    ctx,
		cancel: cancel,
	}
	a.central = newCentral(a)
	a.peripheral = newPeripheral(a)
	a.state = a.readState()
	a.loop.Start()

	if err := a.watch(); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info(a.name, "adapter %s opened, state %s", a.path, a.state)
	return a, nil
}

// Central returns the adapter's central role.
func (a *Adapter) Central() *Central { return a.central }

// Peripheral returns the adapter's peripheral role.
func (a *Adapter) Peripheral() *Peripheral { return a.peripheral }

// Close unregisters exported objects, stops the signal pump and the
// callback loop. The shared system bus connection stays open.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.peripheral.teardown()
	a.central.StopScan()
	a.cancel()
	a.wg.Wait()
	a.loop.Close()
	return nil
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// State is the last observed power state.
func (a *Adapter) State() radio.ManagerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) readState() radio.ManagerState {
	v, err := a.conn.Object(bluezBus, a.path).GetProperty(adapterIface + ".Powered")
	if err != nil {
		return stateFor(false, false)
	}
	powered, _ := v.Value().(bool)
	return stateFor(true, powered)
}

func (a *Adapter) setState(s radio.ManagerState) {
	a.mu.Lock()
	changed := a.state != s
	a.state = s
	a.mu.Unlock()
	if !changed {
		return
	}
	logger.Debug(a.name, "state -> %s", s)
	a.central.stateChanged(s)
	a.peripheral.stateChanged(s)
}

func (a *Adapter) managedObjects() (managedObjects, error) {
	var objects managedObjects
	call := a.conn.Object(bluezBus, "/").Call(managedObjectsCall, 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects failed: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("failed to parse managed objects: %w", err)
	}
	return objects, nil
}

// watch subscribes to the ObjectManager and Properties signals BlueZ emits
// and pumps them until Close.
func (a *Adapter) watch() error {
	matches := [][]dbus.MatchOption{
		{dbus.WithMatchSender(bluezBus), dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchSender(bluezBus), dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesRemoved")},
		{dbus.WithMatchSender(bluezBus), dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged")},
	}
	for _, m := range matches {
		if err := a.conn.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("AddMatchSignal: %w", err)
		}
	}

	sigCh := make(chan *dbus.Signal, 64)
	a.conn.Signal(sigCh)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.conn.RemoveSignal(sigCh)
			for _, m := range matches {
				_ = a.conn.RemoveMatchSignal(m...)
			}
		}()
		for {
			select {
			case <-a.ctx.Done():
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				a.handleSignal(sig)
			}
		}
	}()
	return nil
}

func (a *Adapter) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case interfacesAdded:
		if len(sig.Body) < 2 {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if path == a.path {
			a.setState(a.readState())
			return
		}
		if props, ok := ifaces[deviceIface]; ok && under(path, a.path) {
			a.central.deviceSeen(path, props)
		}

	case interfacesRemoved:
		if len(sig.Body) < 1 {
			return
		}
		if path, _ := sig.Body[0].(dbus.ObjectPath); path == a.path {
			a.setState(radio.StateUnsupported)
		}

	case propertiesChanged:
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		switch {
		case iface == adapterIface && sig.Path == a.path:
			if powered, ok := variant[bool](changed, "Powered"); ok {
				a.setState(stateFor(true, powered))
			}
		case iface == deviceIface && under(sig.Path, a.path):
			a.central.deviceChanged(sig.Path, changed)
		}
	}
}

var (
	_ radio.Central    = (*Central)(nil)
	_ radio.Peripheral = (*Peripheral)(nil)
)
