// Package adv encodes advertisements into BLE advertising PDUs and back,
// so the simulated air delivers what a real scanner would see.
package adv

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/user/bproximity/radio"
)

// PDU Types for BLE advertising packets (Link Layer)
const (
	PDUTypeAdvInd        = 0x00 // Connectable undirected advertising
	PDUTypeAdvNonconnInd = 0x02 // Non-connectable undirected advertising
)

// AD Types (Advertising Data Types)
const (
	ADTypeFlags                        = 0x01
	ADTypeIncomplete128BitServiceUUIDs = 0x06
	ADTypeComplete128BitServiceUUIDs   = 0x07
	ADTypeShortenedLocalName           = 0x08
	ADTypeCompleteLocalName            = 0x09
)

// Advertising Flags
const (
	FlagLEGeneralDiscoverableMode = 0x02
	FlagBREDRNotSupported         = 0x04
)

const (
	MaxAdvertisingDataLen = 31 // BLE 4.x advertising data limit
	AddressLen            = 6
)

var ErrTooLong = errors.New("adv: advertising data too long")

// PDU is a link layer advertising packet.
// Format: [PDU Type: 1 byte] [Length: 1 byte] [AdvA: 6 bytes] [AdvData: 0-31 bytes]
type PDU struct {
	Type    byte
	AdvA    [AddressLen]byte
	AdvData []byte
}

// ADStructure is one length-type-value entry of advertising data.
// Length on the wire includes the type byte.
type ADStructure struct {
	Type byte
	Data []byte
}

// Encode serializes the PDU.
func (p *PDU) Encode() ([]byte, error) {
	if len(p.AdvData) > MaxAdvertisingDataLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, len(p.AdvData))
	}
	buf := make([]byte, 2+AddressLen+len(p.AdvData))
	buf[0] = p.Type
	buf[1] = byte(AddressLen + len(p.AdvData))
	copy(buf[2:8], p.AdvA[:])
	copy(buf[8:], p.AdvData)
	return buf, nil
}

// DecodePDU parses a packet produced by Encode.
func DecodePDU(data []byte) (*PDU, error) {
	if len(data) < 2+AddressLen {
		return nil, errors.New("adv: pdu too short")
	}
	payloadLen := int(data[1])
	if payloadLen < AddressLen {
		return nil, errors.New("adv: payload shorter than address")
	}
	if len(data) < 2+payloadLen {
		return nil, fmt.Errorf("adv: pdu truncated: want %d bytes, got %d", 2+payloadLen, len(data))
	}
	if payloadLen-AddressLen > MaxAdvertisingDataLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, payloadLen-AddressLen)
	}

	p := &PDU{Type: data[0]}
	copy(p.AdvA[:], data[2:8])
	if n := payloadLen - AddressLen; n > 0 {
		p.AdvData = make([]byte, n)
		copy(p.AdvData, data[8:8+n])
	}
	return p, nil
}

// EncodeADStructures concatenates structures into advertising data.
func EncodeADStructures(structures []ADStructure) ([]byte, error) {
	var buf []byte
	for _, s := range structures {
		buf = append(buf, byte(1+len(s.Data)), s.Type)
		buf = append(buf, s.Data...)
	}
	if len(buf) > MaxAdvertisingDataLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, len(buf))
	}
	return buf, nil
}

// DecodeADStructures splits advertising data. A zero length byte ends the
// data (padding).
func DecodeADStructures(data []byte) ([]ADStructure, error) {
	var out []ADStructure
	offset := 0
	for offset < len(data) {
		length := int(data[offset])
		if length == 0 {
			break
		}
		offset++
		if offset+length > len(data) {
			return nil, fmt.Errorf("adv: structure length %d exceeds remaining %d", length, len(data)-offset)
		}
		out = append(out, ADStructure{
			Type: data[offset],
			Data: append([]byte{}, data[offset+1:offset+length]...),
		})
		offset += length
	}
	return out, nil
}

// uuidToLE returns the little-endian wire form of a 128-bit UUID.
func uuidToLE(u uuid.UUID) []byte {
	out := make([]byte, 16)
	for i := 0; i < 16; i++ {
		out[i] = u[15-i]
	}
	return out
}

func uuidFromLE(b []byte) uuid.UUID {
	var u uuid.UUID
	for i := 0; i < 16; i++ {
		u[i] = b[15-i]
	}
	return u
}

// Encode builds an advertising PDU for a. When the local name does not fit
// next to the service list it is shortened, as controllers do.
func Encode(addr [AddressLen]byte, a radio.Advertisement) ([]byte, error) {
	structures := []ADStructure{{Type: ADTypeFlags, Data: []byte{FlagLEGeneralDiscoverableMode | FlagBREDRNotSupported}}}
	used := 3

	if len(a.ServiceUUIDs) > 0 {
		data := make([]byte, 0, 16*len(a.ServiceUUIDs))
		for _, u := range a.ServiceUUIDs {
			data = append(data, uuidToLE(u)...)
		}
		structures = append(structures, ADStructure{Type: ADTypeComplete128BitServiceUUIDs, Data: data})
		used += 2 + len(data)
	}

	if a.LocalName != "" {
		room := MaxAdvertisingDataLen - used - 2
		name, nameType := a.LocalName, byte(ADTypeCompleteLocalName)
		if room < len(name) {
			nameType = ADTypeShortenedLocalName
			if room < 0 {
				room = 0
			}
			name = name[:room]
		}
		if name != "" {
			structures = append(structures, ADStructure{Type: nameType, Data: []byte(name)})
		}
	}

	data, err := EncodeADStructures(structures)
	if err != nil {
		return nil, err
	}
	p := &PDU{Type: PDUTypeAdvNonconnInd, AdvA: addr, AdvData: data}
	if a.Connectable {
		p.Type = PDUTypeAdvInd
	}
	return p.Encode()
}

// Decode parses an advertising PDU back into an advertisement.
func Decode(data []byte) (radio.Advertisement, [AddressLen]byte, error) {
	p, err := DecodePDU(data)
	if err != nil {
		return radio.Advertisement{}, [AddressLen]byte{}, err
	}
	structures, err := DecodeADStructures(p.AdvData)
	if err != nil {
		return radio.Advertisement{}, p.AdvA, err
	}

	a := radio.Advertisement{Connectable: p.Type == PDUTypeAdvInd}
	for _, s := range structures {
		switch s.Type {
		case ADTypeCompleteLocalName, ADTypeShortenedLocalName:
			a.LocalName = string(s.Data)
		case ADTypeComplete128BitServiceUUIDs, ADTypeIncomplete128BitServiceUUIDs:
			if len(s.Data)%16 != 0 {
				continue
			}
			for i := 0; i < len(s.Data); i += 16 {
				a.ServiceUUIDs = append(a.ServiceUUIDs, uuidFromLE(s.Data[i:i+16]))
			}
		}
	}
	return a, p.AdvA, nil
}
