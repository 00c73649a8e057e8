package gattid

import "github.com/google/uuid"

// Proximity BLE Service and Characteristic UUIDs
// These are the stable identifiers advertised and hosted by every device
var (
	// Service UUID - advertised and used as the scan filter
	Service = uuid.MustParse("8E99298E-65D6-4AF7-9074-731C66E01AF9")

	// ReadID holds the current self identifier (8 bytes, readable)
	ReadID = uuid.MustParse("9F565547-7415-4EF7-8CDD-E2E9674EF033")

	// WriteID accepts a peer identifier (8 bytes, write without response)
	WriteID = uuid.MustParse("B222EBFF-99B4-4BC4-A2E4-717AEF9966A6")
)

// Name returns a readable label for the well-known UUIDs, or the UUID itself.
func Name(u uuid.UUID) string {
	switch u {
	case Service:
		return "BProximity"
	case ReadID:
		return "ReadId"
	case WriteID:
		return "WriteId"
	default:
		return u.String()
	}
}
