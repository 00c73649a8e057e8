package sim

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/bproximity/gattid"
	"github.com/user/bproximity/radio"
)

// recorder is a central and peripheral delegate that logs every callback.
type recorder struct {
	mu     sync.Mutex
	events []string

	services []*radio.Service
	values   [][]byte
	errs     []error
	reads    []*radio.ATTRequest
	writes   []*radio.ATTRequest

	// answer reads on the peripheral side with this result
	peripheral radio.Peripheral
	readValue  []byte
	readResult radio.ATTResult
}

func (r *recorder) add(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *recorder) DidUpdateState(state radio.ManagerState) { r.add("state %s", state) }
func (r *recorder) DidDiscover(h radio.DeviceHandle, a radio.Advertisement, rssi int) {
	r.add("discover %s %s", h, a.LocalName)
}
func (r *recorder) DidConnect(h radio.DeviceHandle) { r.add("connect %s", h) }
func (r *recorder) DidFailToConnect(h radio.DeviceHandle, err error) {
	r.add("fail %s", h)
}
func (r *recorder) DidDisconnect(h radio.DeviceHandle, err error) { r.add("disconnect %s", h) }
func (r *recorder) DidDiscoverServices(h radio.DeviceHandle, s []*radio.Service, err error) {
	r.mu.Lock()
	r.services = s
	r.mu.Unlock()
	r.add("services %d", len(s))
}
func (r *recorder) DidDiscoverCharacteristics(h radio.DeviceHandle, s *radio.Service, err error) {
	r.add("characteristics %d", len(s.Characteristics))
}
func (r *recorder) DidUpdateValue(h radio.DeviceHandle, c *radio.Characteristic, v []byte, err error) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.add("value")
}

func (r *recorder) DidUpdatePeripheralState(state radio.ManagerState) { r.add("pstate %s", state) }
func (r *recorder) DidStartAdvertising(err error)                    { r.add("advertising") }
func (r *recorder) DidReceiveReadRequest(req *radio.ATTRequest) {
	r.mu.Lock()
	r.reads = append(r.reads, req)
	r.mu.Unlock()
	req.Value = r.readValue
	r.peripheral.RespondToRequest(req, r.readResult)
	r.add("read request")
}
func (r *recorder) DidReceiveWriteRequests(reqs []*radio.ATTRequest) {
	r.mu.Lock()
	r.writes = append(r.writes, reqs...)
	r.mu.Unlock()
	r.add("write request")
}

func (r *recorder) snapshotServices() []*radio.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.services
}

const wait = 2 * time.Second
const poll = 5 * time.Millisecond

var testService = radio.LocalService{
	UUID: gattid.Service,
	Characteristics: []radio.LocalCharacteristic{
		{UUID: gattid.ReadID, Properties: radio.PropRead},
		{UUID: gattid.WriteID, Properties: radio.PropWriteWithoutResponse},
	},
}

// pair returns a scanning central device and an advertising peripheral device.
func pair(t *testing.T, cfg *Config) (*Air, *Device, *recorder, *Device, *recorder) {
	t.Helper()
	air := NewAir(cfg)
	t.Cleanup(air.Close)

	x, y := air.AddDevice("x"), air.AddDevice("y")
	xr := &recorder{}
	yr := &recorder{peripheral: y.Peripheral(), readResult: radio.ATTSuccess}
	x.Central().SetDelegate(xr)
	y.Peripheral().SetDelegate(yr)
	x.PowerOn()
	y.PowerOn()

	require.NoError(t, y.Peripheral().AddService(testService))
	require.NoError(t, y.Peripheral().StartAdvertising(radio.Advertisement{
		LocalName: "y", ServiceUUIDs: []uuid.UUID{gattid.Service}, Connectable: true,
	}))
	require.NoError(t, x.Central().Scan([]uuid.UUID{gattid.Service}, true))
	return air, x, xr, y, yr
}

func connectAndResolve(t *testing.T, x *Device, xr *recorder, y *Device) *radio.Service {
	t.Helper()
	require.NoError(t, x.Central().Connect(y.Handle()))
	require.Eventually(t, func() bool { return xr.has("connect " + string(y.Handle())) }, wait, poll)

	require.NoError(t, x.Central().DiscoverServices(y.Handle(), []uuid.UUID{gattid.Service}))
	require.Eventually(t, func() bool { return xr.has("services 1") }, wait, poll)
	svc := xr.snapshotServices()[0]

	require.NoError(t, x.Central().DiscoverCharacteristics(y.Handle(), svc, nil))
	require.Eventually(t, func() bool { return xr.has("characteristics 2") }, wait, poll)
	return svc
}

func TestAir_PowerStateReported(t *testing.T) {
	air := NewAir(PerfectConfig())
	defer air.Close()

	d := air.AddDevice("d")
	r := &recorder{}
	assert.Equal(t, radio.StateUnknown, d.Central().State())
	assert.ErrorIs(t, d.Central().Scan(nil, false), radio.ErrPoweredOff)

	d.Central().SetDelegate(r)
	d.PowerOn()
	require.Eventually(t, func() bool { return r.has("state poweredOn") }, wait, poll)
	assert.Equal(t, radio.StatePoweredOn, d.Central().State())
}

func TestAir_TickDeliversDiscovery(t *testing.T) {
	air, _, xr, y, _ := pair(t, PerfectConfig())

	air.Tick()
	air.Tick()
	event := "discover " + string(y.Handle()) + " y"
	require.Eventually(t, func() bool { return xr.count(event) == 2 }, wait, poll, "duplicates allowed")
}

func TestAir_NoDuplicatesWhenDisallowed(t *testing.T) {
	air, x, xr, y, _ := pair(t, PerfectConfig())
	require.NoError(t, x.Central().Scan([]uuid.UUID{gattid.Service}, false))

	air.Tick()
	air.Tick()
	event := "discover " + string(y.Handle()) + " y"
	require.Eventually(t, func() bool { return xr.has(event) }, wait, poll)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, xr.count(event))
}

func TestAir_ScanFilter(t *testing.T) {
	air, x, xr, _, _ := pair(t, PerfectConfig())
	require.NoError(t, x.Central().Scan([]uuid.UUID{uuid.New()}, true))

	air.Tick()
	time.Sleep(20 * time.Millisecond)
	xr.mu.Lock()
	defer xr.mu.Unlock()
	for _, e := range xr.events {
		assert.NotContains(t, e, "discover")
	}
}

func TestAir_OutOfRange(t *testing.T) {
	air, x, xr, y, _ := pair(t, PerfectConfig())
	air.SetInRange(x, y, false)

	air.Tick()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, xr.has("discover "+string(y.Handle())+" y"))

	require.NoError(t, x.Central().Connect(y.Handle()))
	require.Eventually(t, func() bool { return xr.has("fail " + string(y.Handle())) }, wait, poll)
}

func TestAir_ReadRoundTrip(t *testing.T) {
	_, x, xr, y, yr := pair(t, PerfectConfig())
	yr.readValue = []byte{1, 2, 3, 4, 5, 6, 7, 8}

	svc := connectAndResolve(t, x, xr, y)
	readChar := svc.Characteristic(gattid.ReadID)
	require.NotNil(t, readChar)
	assert.NotZero(t, readChar.Handle)

	require.NoError(t, x.Central().ReadValue(y.Handle(), readChar))
	require.Eventually(t, func() bool { return xr.has("value") }, wait, poll)

	xr.mu.Lock()
	defer xr.mu.Unlock()
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, xr.values[0])
	assert.NoError(t, xr.errs[0])

	yr.mu.Lock()
	defer yr.mu.Unlock()
	require.Len(t, yr.reads, 1)
	assert.Equal(t, x.Handle(), yr.reads[0].Central)
	assert.Equal(t, gattid.ReadID, yr.reads[0].Characteristic)
}

func TestAir_ReadErrorResponse(t *testing.T) {
	_, x, xr, y, yr := pair(t, PerfectConfig())
	yr.readResult = radio.ATTReadNotPermitted

	svc := connectAndResolve(t, x, xr, y)
	require.NoError(t, x.Central().ReadValue(y.Handle(), svc.Characteristic(gattid.ReadID)))
	require.Eventually(t, func() bool { return xr.has("value") }, wait, poll)

	xr.mu.Lock()
	defer xr.mu.Unlock()
	var attErr *radio.ATTError
	require.ErrorAs(t, xr.errs[0], &attErr)
	assert.Equal(t, radio.ATTReadNotPermitted, attErr.Result)
}

func TestAir_WriteCommand(t *testing.T) {
	_, x, xr, y, yr := pair(t, PerfectConfig())

	svc := connectAndResolve(t, x, xr, y)
	require.NoError(t, x.Central().WriteValue(y.Handle(), svc.Characteristic(gattid.WriteID), []byte{9, 9}, radio.WriteWithoutResponse))
	require.Eventually(t, func() bool { return yr.has("write request") }, wait, poll)

	yr.mu.Lock()
	defer yr.mu.Unlock()
	require.Len(t, yr.writes, 1)
	assert.Equal(t, []byte{9, 9}, yr.writes[0].Value)
	assert.Equal(t, gattid.WriteID, yr.writes[0].Characteristic)
}

func pendingCount(air *Air) int {
	air.mu.Lock()
	defer air.mu.Unlock()
	return len(air.pending)
}

func TestAir_WriteRequestAwaitsAnswer(t *testing.T) {
	air, x, xr, y, yr := pair(t, PerfectConfig())

	svc := connectAndResolve(t, x, xr, y)
	write := svc.Characteristic(gattid.WriteID)

	require.NoError(t, x.Central().WriteValue(y.Handle(), write, []byte{1}, radio.WriteWithoutResponse))
	require.Eventually(t, func() bool { return yr.count("write request") == 1 }, wait, poll)
	assert.Equal(t, 0, pendingCount(air), "write commands are not tracked")

	require.NoError(t, x.Central().WriteValue(y.Handle(), write, []byte{2}, radio.WriteWithResponse))
	require.Eventually(t, func() bool { return yr.count("write request") == 2 }, wait, poll)
	assert.Equal(t, 1, pendingCount(air))

	yr.mu.Lock()
	req := yr.writes[1]
	yr.mu.Unlock()
	y.Peripheral().RespondToRequest(req, radio.ATTSuccess)
	assert.Equal(t, 0, pendingCount(air))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, xr.count("value"), "write responses never surface as values")
}

func TestAir_RequestsNeedLink(t *testing.T) {
	_, x, _, y, _ := pair(t, PerfectConfig())

	assert.ErrorIs(t, x.Central().DiscoverServices(y.Handle(), nil), radio.ErrNotConnected)
	assert.ErrorIs(t, x.Central().ReadValue(y.Handle(), &radio.Characteristic{Handle: 3}), radio.ErrNotConnected)
	assert.ErrorIs(t, x.Central().Connect("nobody"), radio.ErrUnknownDevice)
}

func TestAir_DisconnectNotifiesCentral(t *testing.T) {
	air, x, xr, y, _ := pair(t, PerfectConfig())
	connectAndResolve(t, x, xr, y)
	require.True(t, air.Connected(x, y))

	assert.True(t, air.Disconnect(x, y))
	assert.False(t, air.Disconnect(x, y))
	require.Eventually(t, func() bool { return xr.has("disconnect " + string(y.Handle())) }, wait, poll)
	assert.False(t, air.Connected(x, y))
}

func TestAir_CancelConnection(t *testing.T) {
	air, x, xr, y, _ := pair(t, PerfectConfig())
	connectAndResolve(t, x, xr, y)

	x.Central().CancelConnection(y.Handle())
	require.Eventually(t, func() bool { return xr.has("disconnect " + string(y.Handle())) }, wait, poll)
	assert.False(t, air.Connected(x, y))
}

func TestAir_PeripheralPowerOffDropsLink(t *testing.T) {
	air, x, xr, y, _ := pair(t, PerfectConfig())
	connectAndResolve(t, x, xr, y)

	y.PowerOff()
	require.Eventually(t, func() bool { return xr.has("disconnect " + string(y.Handle())) }, wait, poll)
	assert.False(t, air.Connected(x, y))
	assert.ErrorIs(t, y.Peripheral().StartAdvertising(radio.Advertisement{}), radio.ErrPoweredOff)
}

func TestAir_DuplicateServices(t *testing.T) {
	cfg := PerfectConfig()
	cfg.DuplicateServiceRate = 1
	_, x, xr, y, _ := pair(t, cfg)

	require.NoError(t, x.Central().Connect(y.Handle()))
	require.Eventually(t, func() bool { return xr.has("connect " + string(y.Handle())) }, wait, poll)
	require.NoError(t, x.Central().DiscoverServices(y.Handle(), nil))
	require.Eventually(t, func() bool { return xr.has("services 2") }, wait, poll)

	services := xr.snapshotServices()
	assert.NotSame(t, services[0], services[1])
	assert.Equal(t, services[0].UUID, services[1].UUID)
}

func TestAir_ConnectionFailureInjection(t *testing.T) {
	cfg := PerfectConfig()
	cfg.ConnectionFailureRate = 1
	_, x, xr, y, _ := pair(t, cfg)

	require.NoError(t, x.Central().Connect(y.Handle()))
	require.Eventually(t, func() bool { return xr.has("fail " + string(y.Handle())) }, wait, poll)
}

func TestAir_AddServiceTwice(t *testing.T) {
	_, _, _, y, _ := pair(t, PerfectConfig())
	assert.ErrorIs(t, y.Peripheral().AddService(testService), ErrAlreadyAdded)
}

func TestAir_DeterministicHandles(t *testing.T) {
	a1, a2 := NewAir(PerfectConfig()), NewAir(PerfectConfig())
	defer a1.Close()
	defer a2.Close()

	assert.Equal(t, a1.AddDevice("x").Handle(), a2.AddDevice("x").Handle())
}

func TestSimulator_RSSIClamped(t *testing.T) {
	s := NewSimulator(PerfectConfig())
	for _, d := range []float64{0, 0.5, 1, 10, 1e6} {
		rssi := s.GenerateRSSI(d)
		assert.GreaterOrEqual(t, rssi, -100)
		assert.LessOrEqual(t, rssi, -20)
	}
}

func TestSimulator_ConnectionDelayRange(t *testing.T) {
	s := NewSimulator(DefaultConfig())
	for i := 0; i < 50; i++ {
		d := s.ConnectionDelay()
		assert.GreaterOrEqual(t, d, 30*time.Millisecond)
		assert.Less(t, d, 100*time.Millisecond)
	}
}
