package hlc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(nodeID NodeID, at time.Time) *Clock {
	c := NewClock(nodeID, DefaultMaxDrift)
	c.now = func() time.Time { return at }
	return c
}

func TestSend_Monotonicity(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	c := fixedClock(NodeID{1}, base)

	ts := CreateInitial(c.NodeID())
	var prev Timestamp
	for i := 0; i < 5000; i++ {
		next, err := c.Send(ts)
		require.NoError(t, err)
		require.True(t, prev.Before(next) || i == 0)
		prev = next
		ts = next
	}
	require.Equal(t, uint16(4999), ts.Counter)
}

func TestSend_CounterOverflow(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	c := fixedClock(NodeID{1}, base)

	ts := Timestamp{Millis: uint64(base.UnixMilli()), Counter: MaxCounter, NodeID: c.NodeID()}
	_, err := c.Send(ts)
	require.ErrorIs(t, err, ErrCounterOverflow)
}

func TestSend_Drift(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	c := fixedClock(NodeID{1}, base)

	future := Timestamp{Millis: uint64(base.Add(10 * time.Minute).UnixMilli())}
	_, err := c.Send(future)
	require.Error(t, err)
	var driftErr *DriftError
	require.ErrorAs(t, err, &driftErr)
}

func TestReceive_Commutativity(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	nodeID := NodeID{9}
	local := Timestamp{Millis: uint64(base.UnixMilli()), Counter: 3, NodeID: nodeID}
	a := Timestamp{Millis: uint64(base.UnixMilli()), Counter: 5, NodeID: NodeID{1}}
	b := Timestamp{Millis: uint64(base.UnixMilli()), Counter: 7, NodeID: NodeID{2}}

	c1 := fixedClock(nodeID, base)
	ab, err := c1.Receive(local, a)
	require.NoError(t, err)
	ab, err = c1.Receive(ab, b)
	require.NoError(t, err)

	c2 := fixedClock(nodeID, base)
	ba, err := c2.Receive(local, b)
	require.NoError(t, err)
	ba, err = c2.Receive(ba, a)
	require.NoError(t, err)

	// With every millis equal, each Receive takes the larger counter plus
	// one, so both orders agree on millis and node but not on the counter.
	require.Equal(t, ab.Millis, ba.Millis)
	require.Equal(t, ab.NodeID, ba.NodeID)
	require.Equal(t, uint16(8), ab.Counter)
	require.Equal(t, uint16(9), ba.Counter)
}

func TestReceive_LocalAhead(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	nodeID := NodeID{1}
	c := fixedClock(nodeID, base)

	local := Timestamp{Millis: uint64(base.UnixMilli()), Counter: 10, NodeID: nodeID}
	remote := Timestamp{Millis: uint64(base.Add(-time.Second).UnixMilli()), Counter: 99, NodeID: NodeID{2}}

	got, err := c.Receive(local, remote)
	require.NoError(t, err)
	require.Equal(t, local.Millis, got.Millis)
	require.Equal(t, local.Counter+1, got.Counter)
}

func TestBinaryRoundTrip(t *testing.T) {
	ts := Timestamp{Millis: 1_700_000_000_123, Counter: 42, NodeID: NodeID{1, 2, 3, 4, 5, 6, 7, 8}}
	got, err := TimestampFromBinary(ts.MarshalBinary())
	require.NoError(t, err)
	require.Equal(t, ts, got)
}

func TestBinaryOrderMatchesCompare(t *testing.T) {
	a := Timestamp{Millis: 100, Counter: 1, NodeID: NodeID{0}}
	b := Timestamp{Millis: 100, Counter: 2, NodeID: NodeID{0}}
	require.True(t, a.Before(b))

	ba, bb := a.MarshalBinary(), b.MarshalBinary()
	less := false
	for i := range ba {
		if ba[i] != bb[i] {
			less = ba[i] < bb[i]
			break
		}
	}
	require.True(t, less)
}

func TestStringRoundTrip(t *testing.T) {
	ts := Timestamp{Millis: 1_700_000_000_123, Counter: 0xBEEF, NodeID: NodeID{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4}}
	s := ts.String()
	require.Len(t, s, 46)

	got, err := TimestampFromString(s)
	require.NoError(t, err)
	require.Equal(t, ts, got)
}
