package adv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/user/bproximity/gattid"
	"github.com/user/bproximity/radio"
)

var testAddr = [AddressLen]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}

func TestPDURoundTrip(t *testing.T) {
	original := &PDU{
		Type:    PDUTypeAdvInd,
		AdvA:    testAddr,
		AdvData: []byte{0x02, 0x01, 0x06},
	}

	encoded, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(encoded) != 2+6+3 {
		t.Errorf("Expected encoded length %d, got %d", 2+6+3, len(encoded))
	}

	decoded, err := DecodePDU(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Type != original.Type || decoded.AdvA != original.AdvA {
		t.Errorf("header mismatch: got %+v", decoded)
	}
	if !bytes.Equal(decoded.AdvData, original.AdvData) {
		t.Errorf("AdvData mismatch: expected %v, got %v", original.AdvData, decoded.AdvData)
	}
}

func TestPDUTooLong(t *testing.T) {
	p := &PDU{Type: PDUTypeAdvInd, AdvData: make([]byte, MaxAdvertisingDataLen+1)}
	if _, err := p.Encode(); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
}

func TestDecodePDUTruncated(t *testing.T) {
	if _, err := DecodePDU([]byte{0x00, 0x06, 1, 2}); err == nil {
		t.Errorf("expected error for short pdu")
	}
	if _, err := DecodePDU([]byte{0x00, 0x0A, 1, 2, 3, 4, 5, 6, 7}); err == nil {
		t.Errorf("expected error for truncated pdu")
	}
}

func TestADStructuresStopAtPadding(t *testing.T) {
	data := []byte{0x02, ADTypeFlags, 0x06, 0x00, 0xFF, 0xFF}
	structures, err := DecodeADStructures(data)
	if err != nil {
		t.Fatalf("DecodeADStructures failed: %v", err)
	}
	if len(structures) != 1 || structures[0].Type != ADTypeFlags {
		t.Errorf("got %+v", structures)
	}

	if _, err := DecodeADStructures([]byte{0x05, ADTypeFlags, 0x06}); err == nil {
		t.Errorf("expected error for overlong structure")
	}
}

func TestAdvertisementRoundTrip(t *testing.T) {
	a := radio.Advertisement{
		LocalName:    "bprox",
		ServiceUUIDs: []uuid.UUID{gattid.Service},
		Connectable:  true,
	}

	encoded, err := Encode(testAddr, a)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if encoded[0] != PDUTypeAdvInd {
		t.Errorf("connectable advertisement should use ADV_IND, got 0x%02X", encoded[0])
	}

	got, addr, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if addr != testAddr {
		t.Errorf("address = %v, want %v", addr, testAddr)
	}
	if got.LocalName != "bprox" || !got.Connectable {
		t.Errorf("got %+v", got)
	}
	if !got.HasService(gattid.Service) || len(got.ServiceUUIDs) != 1 {
		t.Errorf("service list = %v", got.ServiceUUIDs)
	}
}

func TestServiceUUIDIsLittleEndianOnAir(t *testing.T) {
	encoded, err := Encode(testAddr, radio.Advertisement{ServiceUUIDs: []uuid.UUID{gattid.Service}})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	// [hdr 2][addr 6][flags 3][len type 2][uuid 16]
	onAir := encoded[13:29]
	if onAir[0] != gattid.Service[15] || onAir[15] != gattid.Service[0] {
		t.Errorf("uuid bytes not reversed: %x", onAir)
	}
	if encoded[0] != PDUTypeAdvNonconnInd {
		t.Errorf("non-connectable advertisement should use ADV_NONCONN_IND")
	}
}

func TestLongNameIsShortened(t *testing.T) {
	a := radio.Advertisement{
		LocalName:    "BProximity",
		ServiceUUIDs: []uuid.UUID{gattid.Service},
		Connectable:  true,
	}
	encoded, err := Encode(testAddr, a)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, _, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.LocalName != "BProximi" {
		t.Errorf("LocalName = %q, want shortened %q", got.LocalName, "BProximi")
	}
}

func TestTooManyServices(t *testing.T) {
	a := radio.Advertisement{ServiceUUIDs: []uuid.UUID{uuid.New(), uuid.New()}}
	if _, err := Encode(testAddr, a); !errors.Is(err, ErrTooLong) {
		t.Errorf("expected ErrTooLong, got %v", err)
	}
}
