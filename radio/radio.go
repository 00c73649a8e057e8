package radio

import "github.com/google/uuid"

// Central is the scanning/connecting side of a transport. Request methods
// return immediately; results arrive on the CentralDelegate. A returned error
// means the request was not issued and no callback will follow.
type Central interface {
	State() ManagerState
	SetDelegate(d CentralDelegate)
	Scan(services []uuid.UUID, allowDuplicates bool) error
	StopScan()
	Connect(h DeviceHandle) error
	CancelConnection(h DeviceHandle)
	DiscoverServices(h DeviceHandle, services []uuid.UUID) error
	DiscoverCharacteristics(h DeviceHandle, service *Service, characteristics []uuid.UUID) error
	ReadValue(h DeviceHandle, c *Characteristic) error
	WriteValue(h DeviceHandle, c *Characteristic, data []byte, wt WriteType) error
}

// CentralDelegate receives central-role callbacks, serially.
type CentralDelegate interface {
	DidUpdateState(state ManagerState)
	DidDiscover(h DeviceHandle, adv Advertisement, rssi int)
	DidConnect(h DeviceHandle)
	DidFailToConnect(h DeviceHandle, err error)
	DidDisconnect(h DeviceHandle, err error)
	DidDiscoverServices(h DeviceHandle, services []*Service, err error)
	DidDiscoverCharacteristics(h DeviceHandle, service *Service, err error)
	DidUpdateValue(h DeviceHandle, c *Characteristic, value []byte, err error)
}

// Peripheral is the advertising/serving side of a transport.
type Peripheral interface {
	State() ManagerState
	SetDelegate(d PeripheralDelegate)
	AddService(svc LocalService) error
	StartAdvertising(adv Advertisement) error
	StopAdvertising()
	RespondToRequest(req *ATTRequest, result ATTResult)
}

// PeripheralDelegate receives peripheral-role callbacks, serially. Each
// DidReceiveWriteRequests batch expects exactly one RespondToRequest call,
// made with the first request of the batch.
type PeripheralDelegate interface {
	DidUpdatePeripheralState(state ManagerState)
	DidStartAdvertising(err error)
	DidReceiveReadRequest(req *ATTRequest)
	DidReceiveWriteRequests(reqs []*ATTRequest)
}
