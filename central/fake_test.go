package central

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/user/bproximity/gattid"
	"github.com/user/bproximity/radio"
)

// fakeCentral records requests and lets tests drive callbacks by hand.
type fakeCentral struct {
	state    radio.ManagerState
	delegate radio.CentralDelegate
	calls    []string
	writes   [][]byte

	connectErr  error
	readErr     error
	discoverErr error
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{state: radio.StatePoweredOn}
}

func (f *fakeCentral) State() radio.ManagerState          { return f.state }
func (f *fakeCentral) SetDelegate(d radio.CentralDelegate) { f.delegate = d }

func (f *fakeCentral) Scan(services []uuid.UUID, allowDuplicates bool) error {
	f.calls = append(f.calls, fmt.Sprintf("scan dup=%v", allowDuplicates))
	return nil
}

func (f *fakeCentral) StopScan() { f.calls = append(f.calls, "stopScan") }

func (f *fakeCentral) Connect(h radio.DeviceHandle) error {
	f.calls = append(f.calls, "connect "+string(h))
	return f.connectErr
}

func (f *fakeCentral) CancelConnection(h radio.DeviceHandle) {
	f.calls = append(f.calls, "cancel "+string(h))
}

func (f *fakeCentral) DiscoverServices(h radio.DeviceHandle, services []uuid.UUID) error {
	f.calls = append(f.calls, "services "+string(h))
	return f.discoverErr
}

func (f *fakeCentral) DiscoverCharacteristics(h radio.DeviceHandle, service *radio.Service, characteristics []uuid.UUID) error {
	f.calls = append(f.calls, "characteristics "+string(h))
	return nil
}

func (f *fakeCentral) ReadValue(h radio.DeviceHandle, c *radio.Characteristic) error {
	f.calls = append(f.calls, "read "+gattid.Name(c.UUID))
	return f.readErr
}

func (f *fakeCentral) WriteValue(h radio.DeviceHandle, c *radio.Characteristic, data []byte, wt radio.WriteType) error {
	f.calls = append(f.calls, fmt.Sprintf("write %s wt=%d", gattid.Name(c.UUID), wt))
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeCentral) reset() {
	f.calls = nil
	f.writes = nil
}

// testService builds the remote service tree a peer would expose.
func testService() *radio.Service {
	svc := &radio.Service{UUID: gattid.Service}
	svc.Characteristics = []*radio.Characteristic{
		{UUID: gattid.ReadID, Properties: radio.PropRead, Service: svc},
		{UUID: gattid.WriteID, Properties: radio.PropWriteWithoutResponse, Service: svc},
	}
	return svc
}

var ourAdvert = radio.Advertisement{LocalName: "peer", ServiceUUIDs: []uuid.UUID{gattid.Service}, Connectable: true}

// runToCharacteristics takes a fresh peer from discovery to characteristic
// discovery and returns the service handed to the session.
func runToCharacteristics(c *Coordinator, h radio.DeviceHandle) *radio.Service {
	svc := testService()
	c.DidDiscover(h, ourAdvert, -60)
	c.DidConnect(h)
	c.DidDiscoverServices(h, []*radio.Service{svc}, nil)
	c.DidDiscoverCharacteristics(h, svc, nil)
	return svc
}
