package idstore

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/user/bproximity/ident"
)

// Snapshot wire layout (protobuf encoding, no generated code):
//
//	message Snapshot { repeated Record records = 1; }
//	message Record   { fixed64 id = 1; double timestamp = 2; }
const (
	fieldSnapshotRecords protowire.Number = 1
	fieldRecordID        protowire.Number = 1
	fieldRecordTimestamp protowire.Number = 2
)

// Marshal encodes records in order. An empty slice encodes to an empty buffer.
func Marshal(records []Record) []byte {
	out := []byte{}
	for _, r := range records {
		var rec []byte
		rec = protowire.AppendTag(rec, fieldRecordID, protowire.Fixed64Type)
		rec = protowire.AppendFixed64(rec, uint64(r.ID))
		rec = protowire.AppendTag(rec, fieldRecordTimestamp, protowire.Fixed64Type)
		rec = protowire.AppendFixed64(rec, math.Float64bits(r.Timestamp))

		out = protowire.AppendTag(out, fieldSnapshotRecords, protowire.BytesType)
		out = protowire.AppendBytes(out, rec)
	}
	return out
}

// Unmarshal decodes a buffer produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) ([]Record, error) {
	var records []Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("snapshot tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if num != fieldSnapshotRecords || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("snapshot field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("snapshot record: %w", protowire.ParseError(n))
		}
		b = b[n:]

		rec, err := unmarshalRecord(msg)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func unmarshalRecord(b []byte) (Record, error) {
	var rec Record
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, fmt.Errorf("record tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldRecordID && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Record{}, fmt.Errorf("record id: %w", protowire.ParseError(n))
			}
			rec.ID = ident.ID(v)
			b = b[n:]
		case num == fieldRecordTimestamp && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Record{}, fmt.Errorf("record timestamp: %w", protowire.ParseError(n))
			}
			rec.Timestamp = math.Float64frombits(v)
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Record{}, fmt.Errorf("record field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return rec, nil
}
