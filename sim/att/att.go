// Package att encodes the subset of ATT PDUs the simulated air carries
// between a central and a peripheral: reads, read blobs, writes, write
// commands and error responses.
package att

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/user/bproximity/radio"
)

// ATT Opcodes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4)
const (
	OpErrorResponse    = 0x01
	OpReadRequest      = 0x0A
	OpReadResponse     = 0x0B
	OpReadBlobRequest  = 0x0C
	OpReadBlobResponse = 0x0D
	OpWriteRequest     = 0x12
	OpWriteResponse    = 0x13
	OpWriteCommand     = 0x52
)

// OpcodeNames maps opcodes to human-readable names for logs
var OpcodeNames = map[uint8]string{
	OpErrorResponse:    "Error Response",
	OpReadRequest:      "Read Request",
	OpReadResponse:     "Read Response",
	OpReadBlobRequest:  "Read Blob Request",
	OpReadBlobResponse: "Read Blob Response",
	OpWriteRequest:     "Write Request",
	OpWriteResponse:    "Write Response",
	OpWriteCommand:     "Write Command",
}

// OpcodeName returns the name of opcode, or its hex form.
func OpcodeName(opcode uint8) string {
	if name, ok := OpcodeNames[opcode]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", opcode)
}

// IsCommand returns true if the opcode expects no response
func IsCommand(opcode uint8) bool {
	return opcode == OpWriteCommand
}

// ResponseOpcode returns the success response for a request, or 0.
func ResponseOpcode(requestOpcode uint8) uint8 {
	switch requestOpcode {
	case OpReadRequest:
		return OpReadResponse
	case OpReadBlobRequest:
		return OpReadBlobResponse
	case OpWriteRequest:
		return OpWriteResponse
	default:
		return 0
	}
}

var ErrShortPDU = errors.New("att: pdu too short")

// Error Response (Opcode 0x01)
type ErrorResponse struct {
	RequestOpcode uint8
	Handle        uint16
	Code          radio.ATTResult
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("ATT Error: %s (handle 0x%04X, request %s)", e.Code, e.Handle, OpcodeName(e.RequestOpcode))
}

// Read Request (Opcode 0x0A)
type ReadRequest struct {
	Handle uint16
}

// Read Blob Request (Opcode 0x0C)
type ReadBlobRequest struct {
	Handle uint16
	Offset uint16
}

// Read Response / Read Blob Response (Opcodes 0x0B/0x0D)
type ReadResponse struct {
	Blob  bool
	Value []byte
}

// Write Request (Opcode 0x12)
type WriteRequest struct {
	Handle uint16
	Value  []byte
}

// Write Response (Opcode 0x13)
type WriteResponse struct{}

// Write Command (Opcode 0x52) - no response
type WriteCommand struct {
	Handle uint16
	Value  []byte
}

// Encode serializes one of the PDU types above.
func Encode(pdu interface{}) ([]byte, error) {
	switch p := pdu.(type) {
	case *ErrorResponse:
		buf := make([]byte, 5)
		buf[0] = OpErrorResponse
		buf[1] = p.RequestOpcode
		binary.LittleEndian.PutUint16(buf[2:4], p.Handle)
		buf[4] = uint8(p.Code)
		return buf, nil

	case *ReadRequest:
		buf := make([]byte, 3)
		buf[0] = OpReadRequest
		binary.LittleEndian.PutUint16(buf[1:3], p.Handle)
		return buf, nil

	case *ReadBlobRequest:
		buf := make([]byte, 5)
		buf[0] = OpReadBlobRequest
		binary.LittleEndian.PutUint16(buf[1:3], p.Handle)
		binary.LittleEndian.PutUint16(buf[3:5], p.Offset)
		return buf, nil

	case *ReadResponse:
		buf := make([]byte, 1+len(p.Value))
		buf[0] = OpReadResponse
		if p.Blob {
			buf[0] = OpReadBlobResponse
		}
		copy(buf[1:], p.Value)
		return buf, nil

	case *WriteRequest:
		return encodeHandleValue(OpWriteRequest, p.Handle, p.Value), nil

	case *WriteResponse:
		return []byte{OpWriteResponse}, nil

	case *WriteCommand:
		return encodeHandleValue(OpWriteCommand, p.Handle, p.Value), nil

	default:
		return nil, fmt.Errorf("att: unknown pdu type %T", pdu)
	}
}

func encodeHandleValue(op uint8, handle uint16, value []byte) []byte {
	buf := make([]byte, 3+len(value))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], handle)
	copy(buf[3:], value)
	return buf
}

// Decode parses a PDU produced by Encode. Returned values own their bytes.
func Decode(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, ErrShortPDU
	}

	switch data[0] {
	case OpErrorResponse:
		if len(data) < 5 {
			return nil, fmt.Errorf("%w: error response", ErrShortPDU)
		}
		return &ErrorResponse{
			RequestOpcode: data[1],
			Handle:        binary.LittleEndian.Uint16(data[2:4]),
			Code:          radio.ATTResult(data[4]),
		}, nil

	case OpReadRequest:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: read request", ErrShortPDU)
		}
		return &ReadRequest{Handle: binary.LittleEndian.Uint16(data[1:3])}, nil

	case OpReadBlobRequest:
		if len(data) < 5 {
			return nil, fmt.Errorf("%w: read blob request", ErrShortPDU)
		}
		return &ReadBlobRequest{
			Handle: binary.LittleEndian.Uint16(data[1:3]),
			Offset: binary.LittleEndian.Uint16(data[3:5]),
		}, nil

	case OpReadResponse, OpReadBlobResponse:
		return &ReadResponse{
			Blob:  data[0] == OpReadBlobResponse,
			Value: append([]byte{}, data[1:]...),
		}, nil

	case OpWriteRequest:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: write request", ErrShortPDU)
		}
		return &WriteRequest{
			Handle: binary.LittleEndian.Uint16(data[1:3]),
			Value:  append([]byte{}, data[3:]...),
		}, nil

	case OpWriteResponse:
		return &WriteResponse{}, nil

	case OpWriteCommand:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: write command", ErrShortPDU)
		}
		return &WriteCommand{
			Handle: binary.LittleEndian.Uint16(data[1:3]),
			Value:  append([]byte{}, data[3:]...),
		}, nil

	default:
		return nil, fmt.Errorf("att: unknown opcode 0x%02X", data[0])
	}
}
