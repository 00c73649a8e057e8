package central

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/user/bproximity/gattid"
	"github.com/user/bproximity/logger"
	"github.com/user/bproximity/radio"
)

// State is the position of a Session in the connection sequence
type State int

const (
	StateDiscovered State = iota
	StateConnecting
	StateServicesDiscovered
	StateCharacteristicsDiscovered
	StateExecuting
	StateIdle
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnecting:
		return "connecting"
	case StateServicesDiscovered:
		return "servicesDiscovered"
	case StateCharacteristicsDiscovered:
		return "characteristicsDiscovered"
	case StateExecuting:
		return "executing"
	case StateIdle:
		return "idle"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var (
	ErrServiceNotFound        = errors.New("central: service not found on peer")
	ErrCharacteristicNotFound = errors.New("central: characteristic not found on peer")
)

// Session drives one peer through
// discover -> connect -> discover services -> discover characteristics -> run queue.
// It is not safe for concurrent use; the Coordinator calls it from the
// dispatch loop only.
type Session struct {
	handle    radio.DeviceHandle
	transport radio.Central
	service   uuid.UUID
	queue     *Queue
	prefix    string

	state       State
	selected    *radio.Service
	pendingRead *Command
	maxRSSI     int
	stopped     bool // a Cancel was reached

	// service discovery has been requested for this connection
	servicesRequested bool
}

func newSession(h radio.DeviceHandle, transport radio.Central, service uuid.UUID, template []Command, rssi int, prefix string) *Session {
	return &Session{
		handle:    h,
		transport: transport,
		service:   service,
		queue:     NewQueue(template),
		prefix:    prefix,
		state:     StateDiscovered,
		maxRSSI:   rssi,
	}
}

// Handle returns the peer's device handle.
func (s *Session) Handle() radio.DeviceHandle {
	return s.handle
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// MaxRSSI returns the strongest signal seen for this peer during the session.
func (s *Session) MaxRSSI() int {
	return s.maxRSSI
}

// QueuePosition returns how many commands have started executing.
func (s *Session) QueuePosition() int {
	return s.queue.Position()
}

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	logger.Debug(s.prefix, "%s: %s -> %s", s.handle.Short(), s.state, next)
	s.state = next
}

func (s *Session) observeRSSI(rssi int) {
	if rssi > s.maxRSSI {
		s.maxRSSI = rssi
	}
}

// connect issues the transport connect. A false return means the request
// could not be issued and the session should be dropped.
func (s *Session) connect() bool {
	s.setState(StateConnecting)
	if err := s.transport.Connect(s.handle); err != nil {
		logger.Warn(s.prefix, "%s: connect request failed: %v", s.handle.Short(), err)
		s.setState(StateDisconnected)
		return false
	}
	return true
}

func (s *Session) didConnect() {
	if s.state != StateConnecting || s.servicesRequested {
		logger.Trace(s.prefix, "%s: ignoring connect in state %s", s.handle.Short(), s.state)
		return
	}
	s.servicesRequested = true
	if err := s.transport.DiscoverServices(s.handle, []uuid.UUID{s.service}); err != nil {
		s.abandon(fmt.Errorf("discover services: %w", err))
	}
}

func (s *Session) didDiscoverServices(services []*radio.Service, err error) {
	if s.state != StateConnecting {
		logger.Trace(s.prefix, "%s: ignoring services in state %s", s.handle.Short(), s.state)
		return
	}
	if err != nil {
		s.abandon(fmt.Errorf("service discovery: %w", err))
		return
	}

	// merged advertisement packets can surface the same service twice; keep the first
	var selected *radio.Service
	for _, svc := range services {
		if svc == nil || svc.UUID != s.service {
			continue
		}
		if selected == nil {
			selected = svc
		} else {
			logger.Trace(s.prefix, "%s: discarding duplicate service %s", s.handle.Short(), gattid.Name(svc.UUID))
		}
	}
	if selected == nil {
		s.abandon(ErrServiceNotFound)
		return
	}

	s.selected = selected
	s.setState(StateServicesDiscovered)
	if err := s.transport.DiscoverCharacteristics(s.handle, selected, nil); err != nil {
		s.abandon(fmt.Errorf("discover characteristics: %w", err))
	}
}

func (s *Session) didDiscoverCharacteristics(service *radio.Service, err error) {
	if s.state != StateServicesDiscovered {
		logger.Trace(s.prefix, "%s: ignoring characteristics in state %s", s.handle.Short(), s.state)
		return
	}
	if service != s.selected {
		logger.Trace(s.prefix, "%s: ignoring characteristics for unselected service", s.handle.Short())
		return
	}
	if err != nil {
		s.abandon(fmt.Errorf("characteristic discovery: %w", err))
		return
	}

	s.setState(StateCharacteristicsDiscovered)
	s.drain()
}

func (s *Session) didUpdateValue(c *radio.Characteristic, value []byte, err error) {
	if s.state != StateExecuting || s.pendingRead == nil {
		logger.Trace(s.prefix, "%s: ignoring value in state %s", s.handle.Short(), s.state)
		return
	}
	if c == nil || c.UUID != s.pendingRead.characteristic {
		logger.Trace(s.prefix, "%s: ignoring value for unexpected characteristic", s.handle.Short())
		return
	}

	cmd := *s.pendingRead
	s.pendingRead = nil
	logger.Trace(s.prefix, "%s: %s completed (%d bytes, err=%v)", s.handle.Short(), cmd, len(value), err)
	// a failed read still advances the queue, see completeRead
	if cmd.onRead != nil {
		cmd.onRead(s.handle, cmd.characteristic, value, err)
	}
	s.drain()
}

// drain runs commands until one must wait for a callback, a Cancel is
// reached, or the queue is empty.
func (s *Session) drain() {
	for !s.stopped && s.state != StateDisconnected {
		cmd, ok := s.queue.Next()
		if !ok {
			s.setState(StateIdle)
			return
		}
		s.setState(StateExecuting)
		logger.Trace(s.prefix, "%s: executing #%d %s (%d left)", s.handle.Short(), s.queue.Position(), cmd, s.queue.Remaining())

		switch cmd.kind {
		case CommandRead:
			if s.issueRead(cmd) {
				return
			}
		case CommandWrite:
			s.issueWrite(cmd)
		case CommandCancel:
			s.stopped = true
			s.setState(StateIdle)
			if cmd.onCancel != nil {
				cmd.onCancel(disconnector{s})
			}
			return
		}
	}
}

// issueRead returns true when a completion callback is now awaited.
func (s *Session) issueRead(cmd Command) bool {
	c := s.selected.Characteristic(cmd.characteristic)
	if c == nil {
		s.completeRead(cmd, ErrCharacteristicNotFound)
		return false
	}
	if err := s.transport.ReadValue(s.handle, c); err != nil {
		s.completeRead(cmd, err)
		return false
	}
	s.pendingRead = &cmd
	return true
}

// completeRead hands a failed read to its handler and lets the queue go on.
// The session is not abandoned; only connect and discovery failures do that.
func (s *Session) completeRead(cmd Command, err error) {
	logger.Warn(s.prefix, "%s: %s failed: %v", s.handle.Short(), cmd, err)
	if cmd.onRead != nil {
		cmd.onRead(s.handle, cmd.characteristic, nil, err)
	}
}

func (s *Session) issueWrite(cmd Command) {
	c := s.selected.Characteristic(cmd.characteristic)
	if c == nil {
		logger.Warn(s.prefix, "%s: %s skipped: %v", s.handle.Short(), cmd, ErrCharacteristicNotFound)
		return
	}
	var data []byte
	if cmd.value != nil {
		data = cmd.value()
	}
	if data == nil {
		logger.Warn(s.prefix, "%s: %s skipped: no value", s.handle.Short(), cmd)
		return
	}
	if err := s.transport.WriteValue(s.handle, c, data, radio.WriteWithoutResponse); err != nil {
		logger.Warn(s.prefix, "%s: %s failed: %v", s.handle.Short(), cmd, err)
	}
}

// abandon gives up on the exchange after a transport failure and asks the
// transport to drop the link. The session stays tracked until DidDisconnect.
func (s *Session) abandon(err error) {
	logger.Warn(s.prefix, "%s: abandoning session in state %s: %v", s.handle.Short(), s.state, err)
	s.pendingRead = nil
	s.setState(StateDisconnected)
	s.transport.CancelConnection(s.handle)
}

func (s *Session) disconnect() {
	if s.state == StateDisconnected {
		return
	}
	s.pendingRead = nil
	s.setState(StateDisconnected)
	s.transport.CancelConnection(s.handle)
}

type disconnector struct {
	s *Session
}

func (d disconnector) Disconnect() {
	d.s.disconnect()
}
