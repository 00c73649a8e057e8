// Package radio is the contract between the proximity core and a BLE
// transport. Transports issue requests immediately and report their outcome
// later through delegate callbacks.
package radio

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DeviceHandle is the transport's identity for a peer. Stable for one
// discovery/connection cycle only.
type DeviceHandle string

// Short returns the first 8 characters for log lines.
func (h DeviceHandle) Short() string {
	if len(h) <= 8 {
		return string(h)
	}
	return string(h[:8])
}

// ManagerState is the power/authorization state of a radio manager
type ManagerState int

const (
	StateUnknown      ManagerState = 0 // State is unknown, cannot use Bluetooth yet
	StateResetting    ManagerState = 1 // Connection to the system service was momentarily lost
	StateUnsupported  ManagerState = 2 // Platform doesn't support Bluetooth Low Energy
	StateUnauthorized ManagerState = 3 // App is not authorized to use Bluetooth Low Energy
	StatePoweredOff   ManagerState = 4 // Bluetooth is currently powered off
	StatePoweredOn    ManagerState = 5 // Bluetooth is powered on and available
)

// String returns the string representation of the ManagerState
func (s ManagerState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "poweredOff"
	case StatePoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// Properties is the characteristic properties bitmask
type Properties int

const (
	PropRead                 Properties = 1 << 1
	PropWriteWithoutResponse Properties = 1 << 2
	PropWrite                Properties = 1 << 3
	PropNotify               Properties = 1 << 4
)

// Has reports whether all bits of p2 are set.
func (p Properties) Has(p2 Properties) bool {
	return p&p2 == p2
}

// WriteType selects acknowledged or fire-and-forget writes
type WriteType int

const (
	WriteWithResponse    WriteType = 0 // Wait for ACK
	WriteWithoutResponse WriteType = 1 // Fire and forget
)

// Characteristic is a remote characteristic discovered by the central role.
type Characteristic struct {
	UUID       uuid.UUID
	Properties Properties
	Service    *Service
	Handle     uint16
}

// Service is a remote service discovered by the central role.
type Service struct {
	UUID            uuid.UUID
	Characteristics []*Characteristic
	StartHandle     uint16
}

// Characteristic finds a discovered characteristic by UUID.
func (s *Service) Characteristic(u uuid.UUID) *Characteristic {
	for _, c := range s.Characteristics {
		if c.UUID == u {
			return c
		}
	}
	return nil
}

// Advertisement is the decoded content of an advertising packet.
type Advertisement struct {
	LocalName    string
	ServiceUUIDs []uuid.UUID
	Connectable  bool
}

// HasService reports whether the advertisement lists u.
func (a Advertisement) HasService(u uuid.UUID) bool {
	for _, s := range a.ServiceUUIDs {
		if s == u {
			return true
		}
	}
	return false
}

// LocalCharacteristic is a characteristic hosted by the peripheral role.
type LocalCharacteristic struct {
	UUID       uuid.UUID
	Properties Properties
}

// LocalService is a service hosted by the peripheral role.
type LocalService struct {
	UUID            uuid.UUID
	Characteristics []LocalCharacteristic
}

// ATTRequest is an incoming read or write from a remote central.
// For reads the responder fills Value before responding.
type ATTRequest struct {
	Central        DeviceHandle
	Characteristic uuid.UUID
	Offset         int
	Value          []byte
}

// ATTResult is an ATT protocol status code (Core Spec v5.3 Vol 3 Part F 3.4.1.1)
type ATTResult uint8

const (
	ATTSuccess                     ATTResult = 0x00
	ATTInvalidHandle               ATTResult = 0x01
	ATTReadNotPermitted            ATTResult = 0x02
	ATTWriteNotPermitted           ATTResult = 0x03
	ATTRequestNotSupported         ATTResult = 0x06
	ATTInvalidOffset               ATTResult = 0x07
	ATTAttributeNotFound           ATTResult = 0x0A
	ATTInvalidAttributeValueLength ATTResult = 0x0D
	ATTUnlikelyError               ATTResult = 0x0E
)

var attResultNames = map[ATTResult]string{
	ATTSuccess:                     "Success",
	ATTInvalidHandle:               "Invalid Handle",
	ATTReadNotPermitted:            "Read Not Permitted",
	ATTWriteNotPermitted:           "Write Not Permitted",
	ATTRequestNotSupported:         "Request Not Supported",
	ATTInvalidOffset:               "Invalid Offset",
	ATTAttributeNotFound:           "Attribute Not Found",
	ATTInvalidAttributeValueLength: "Invalid Attribute Value Length",
	ATTUnlikelyError:               "Unlikely Error",
}

func (r ATTResult) String() string {
	if name, ok := attResultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("ATT(0x%02X)", uint8(r))
}

// ATTError carries a non-success ATT result back to a central.
type ATTError struct {
	Result ATTResult
}

func (e *ATTError) Error() string {
	return "att error: " + e.Result.String()
}

// Transport-level errors surfaced to delegates.
var (
	ErrNotConnected   = errors.New("radio: peripheral not connected")
	ErrConnectionLost = errors.New("radio: connection lost")
	ErrUnknownDevice  = errors.New("radio: unknown device")
	ErrPoweredOff     = errors.New("radio: manager not powered on")
)
