package proximity

import (
	"bytes"

	"github.com/user/bproximity/dispatch"
	"github.com/user/bproximity/radio"
)

// serialCentral forwards transport callbacks onto the engine's loop.
// Byte slices are copied because transports may reuse their buffers.
type serialCentral struct {
	loop   *dispatch.Loop
	target radio.CentralDelegate
}

func (s serialCentral) DidUpdateState(state radio.ManagerState) {
	s.loop.Post(func() { s.target.DidUpdateState(state) })
}

func (s serialCentral) DidDiscover(h radio.DeviceHandle, adv radio.Advertisement, rssi int) {
	s.loop.Post(func() { s.target.DidDiscover(h, adv, rssi) })
}

func (s serialCentral) DidConnect(h radio.DeviceHandle) {
	s.loop.Post(func() { s.target.DidConnect(h) })
}

func (s serialCentral) DidFailToConnect(h radio.DeviceHandle, err error) {
	s.loop.Post(func() { s.target.DidFailToConnect(h, err) })
}

func (s serialCentral) DidDisconnect(h radio.DeviceHandle, err error) {
	s.loop.Post(func() { s.target.DidDisconnect(h, err) })
}

func (s serialCentral) DidDiscoverServices(h radio.DeviceHandle, services []*radio.Service, err error) {
	s.loop.Post(func() { s.target.DidDiscoverServices(h, services, err) })
}

func (s serialCentral) DidDiscoverCharacteristics(h radio.DeviceHandle, service *radio.Service, err error) {
	s.loop.Post(func() { s.target.DidDiscoverCharacteristics(h, service, err) })
}

func (s serialCentral) DidUpdateValue(h radio.DeviceHandle, c *radio.Characteristic, value []byte, err error) {
	value = bytes.Clone(value)
	s.loop.Post(func() { s.target.DidUpdateValue(h, c, value, err) })
}

// serialPeripheral is the peripheral-role counterpart of serialCentral.
type serialPeripheral struct {
	loop   *dispatch.Loop
	target radio.PeripheralDelegate
}

func (s serialPeripheral) DidUpdatePeripheralState(state radio.ManagerState) {
	s.loop.Post(func() { s.target.DidUpdatePeripheralState(state) })
}

func (s serialPeripheral) DidStartAdvertising(err error) {
	s.loop.Post(func() { s.target.DidStartAdvertising(err) })
}

func (s serialPeripheral) DidReceiveReadRequest(req *radio.ATTRequest) {
	s.loop.Post(func() { s.target.DidReceiveReadRequest(req) })
}

func (s serialPeripheral) DidReceiveWriteRequests(reqs []*radio.ATTRequest) {
	for _, r := range reqs {
		r.Value = bytes.Clone(r.Value)
	}
	s.loop.Post(func() { s.target.DidReceiveWriteRequests(reqs) })
}

var (
	_ radio.CentralDelegate    = serialCentral{}
	_ radio.PeripheralDelegate = serialPeripheral{}
)
