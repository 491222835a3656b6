// Package hlc implements the Hybrid Logical Clock this codebase uses to
// produce a total order of mutations across devices without a central
// authority: every Timestamp pairs a wall-clock millisecond with a counter
// that absorbs clock skew and a per-device NodeId that breaks remaining
// ties.
package hlc

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/evoluhq/evolu-go/errors"
)

// MaxMillis is the largest representable millisecond value; 2^48-1 is
// reserved as an "infinity" sentinel and is never produced by Send/Receive.
const MaxMillis uint64 = 1<<48 - 1

// MaxCounter is the largest representable counter value.
const MaxCounter uint16 = 65535

// NodeID is 8 raw bytes identifying the device that minted a Timestamp.
// Distinct from Owner: every device of one Owner has its own NodeID.
type NodeID [8]byte

// String renders a NodeID as 16 lowercase hex characters.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Timestamp is the triple (millis, counter, nodeID). Zero value is not a
// valid timestamp on its own merits beyond being the output of
// CreateInitial.
type Timestamp struct {
	Millis  uint64
	Counter uint16
	NodeID  NodeID
}

// Compare orders two timestamps by (Millis, Counter, NodeID), matching the
// unsigned big-endian byte order of their binary encoding.
func (t Timestamp) Compare(o Timestamp) int {
	if t.Millis != o.Millis {
		if t.Millis < o.Millis {
			return -1
		}
		return 1
	}
	if t.Counter != o.Counter {
		if t.Counter < o.Counter {
			return -1
		}
		return 1
	}
	for i := range t.NodeID {
		if t.NodeID[i] != o.NodeID[i] {
			if t.NodeID[i] < o.NodeID[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Before reports whether t sorts strictly before o.
func (t Timestamp) Before(o Timestamp) bool { return t.Compare(o) < 0 }

// Equal reports whether t and o are identical triples.
func (t Timestamp) Equal(o Timestamp) bool { return t.Compare(o) == 0 }

// MarshalBinary encodes t as 16 bytes: 6 bytes big-endian millis, 2 bytes
// big-endian counter, 8 bytes nodeID. The encoding sorts identically to
// Compare under unsigned byte comparison.
func (t Timestamp) MarshalBinary() []byte {
	buf := make([]byte, 16)
	buf[0] = byte(t.Millis >> 40)
	buf[1] = byte(t.Millis >> 32)
	buf[2] = byte(t.Millis >> 24)
	buf[3] = byte(t.Millis >> 16)
	buf[4] = byte(t.Millis >> 8)
	buf[5] = byte(t.Millis)
	binary.BigEndian.PutUint16(buf[6:8], t.Counter)
	copy(buf[8:16], t.NodeID[:])
	return buf
}

// TimestampFromBinary decodes the 16-byte encoding produced by
// MarshalBinary.
func TimestampFromBinary(b []byte) (Timestamp, error) {
	if len(b) != 16 {
		return Timestamp{}, errors.Newf("hlc: binary timestamp must be 16 bytes, got %d", len(b))
	}
	millis := uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
	counter := binary.BigEndian.Uint16(b[6:8])
	var node NodeID
	copy(node[:], b[8:16])
	return Timestamp{Millis: millis, Counter: counter, NodeID: node}, nil
}

// String renders the ISO-8601-millis-HEX4(counter)-HEX16(nodeID) form,
// which sorts lexicographically identically to the binary encoding.
func (t Timestamp) String() string {
	ts := time.UnixMilli(int64(t.Millis)).UTC()
	return fmt.Sprintf("%s-%04X-%s", ts.Format("2006-01-02T15:04:05.000Z"), t.Counter, t.NodeID.String())
}

// TimestampFromString parses the String encoding back into a Timestamp.
func TimestampFromString(s string) (Timestamp, error) {
	if len(s) != 46 {
		return Timestamp{}, errors.Newf("hlc: string timestamp must be 46 chars, got %d", len(s))
	}
	millisPart := s[:24]
	counterPart := s[25:29]
	nodePart := s[30:46]
	if len(s) != 46 || s[24] != '-' || s[29] != '-' {
		return Timestamp{}, errors.Newf("hlc: malformed timestamp string %q", s)
	}

	ts, err := time.Parse("2006-01-02T15:04:05.000Z", millisPart)
	if err != nil {
		return Timestamp{}, errors.Wrapf(err, "hlc: parsing millis part of %q", s)
	}
	counter64, err := parseHex16(counterPart)
	if err != nil {
		return Timestamp{}, errors.Wrapf(err, "hlc: parsing counter part of %q", s)
	}
	nodeBytes, err := hex.DecodeString(nodePart)
	if err != nil || len(nodeBytes) != 8 {
		return Timestamp{}, errors.Newf("hlc: parsing node part of %q", s)
	}
	var node NodeID
	copy(node[:], nodeBytes)

	return Timestamp{
		Millis:  uint64(ts.UnixMilli()),
		Counter: uint16(counter64),
		NodeID:  node,
	}, nil
}

func parseHex16(s string) (uint64, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 2 {
		return 0, errors.Newf("invalid hex counter %q", s)
	}
	return uint64(binary.BigEndian.Uint16(b)), nil
}
