// Package protocol implements the binary wire encoding exchanged between a
// replica and a relay: length-prefixed SyncRequest/SyncResponse records
// carrying AEAD-encrypted, per-cell MessageContent payloads.
package protocol

import (
	"github.com/evoluhq/evolu-go/errors"
)

// ValueKind tags the dynamic type carried by a Value.
type ValueKind byte

const (
	// ValueNull marks an explicit SQL NULL.
	ValueNull ValueKind = iota
	// ValueText marks a UTF-8 string.
	ValueText
	// ValueInt marks a signed 64-bit integer.
	ValueInt
	// ValueReal marks a 64-bit float.
	ValueReal
	// ValueBytes marks an opaque byte blob.
	ValueBytes
)

// Value is the dynamic type every SQL binding and message payload carries:
// one of Null, Text, Int, Real, or Bytes.
type Value struct {
	Kind  ValueKind
	Text  string
	Int   int64
	Real  float64
	Bytes []byte
}

// Null returns a null Value.
func Null() Value { return Value{Kind: ValueNull} }

// Text returns a text Value.
func Text(s string) Value { return Value{Kind: ValueText, Text: s} }

// Int returns an integer Value.
func Int(i int64) Value { return Value{Kind: ValueInt, Int: i} }

// Real returns a floating point Value.
func Real(f float64) Value { return Value{Kind: ValueReal, Real: f} }

// Bytes returns a byte-blob Value.
func Bytes(b []byte) Value { return Value{Kind: ValueBytes, Bytes: b} }

// Equal compares two values for the binary-or-value equality QueryEngine
// patch diffing needs: byte equality for Bytes, ordinary equality
// otherwise.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case ValueNull:
		return true
	case ValueText:
		return v.Text == o.Text
	case ValueInt:
		return v.Int == o.Int
	case ValueReal:
		return v.Real == o.Real
	case ValueBytes:
		if len(v.Bytes) != len(o.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != o.Bytes[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// ErrUnknownValueKind is returned when decoding encounters an unrecognized
// kind tag, most likely wire corruption or a version mismatch.
var ErrUnknownValueKind = errors.New("protocol: unknown value kind")
