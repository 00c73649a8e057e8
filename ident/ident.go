// Package ident holds the anonymous identifier exchanged between nearby devices
// and its fixed-width wire encoding.
package ident

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
)

// Size is the encoded width of an ID in bytes.
const Size = 8

// ID is an opaque 64-bit identifier. It carries no meaning beyond equality.
type ID uint64

// Encode returns the 8-byte native byte order form of id.
func Encode(id ID) []byte {
	buf := make([]byte, Size)
	binary.NativeEndian.PutUint64(buf, uint64(id))
	return buf
}

// Decode reads an ID from the first 8 bytes of b. Trailing bytes are ignored.
// ok is false when b is shorter than 8 bytes.
func Decode(b []byte) (id ID, ok bool) {
	if len(b) < Size {
		return 0, false
	}
	return ID(binary.NativeEndian.Uint64(b[:Size])), true
}

// Generate draws a uniformly random ID from r, or from crypto/rand when r is nil.
func Generate(r io.Reader) (ID, error) {
	if r == nil {
		r = rand.Reader
	}
	var buf [Size]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("generate id: %w", err)
	}
	return ID(binary.NativeEndian.Uint64(buf[:])), nil
}

// String renders the ID as 16 hex digits.
func (id ID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// Parse reads the hex form produced by String. A leading 0x is accepted.
func Parse(s string) (ID, error) {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse id %q: %w", s, err)
	}
	return ID(v), nil
}
