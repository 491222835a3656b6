package merkle

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evoluhq/evolu-go/internal/hlc"
)

func randomTimestamps(n int, seed int64) []hlc.Timestamp {
	r := rand.New(rand.NewSource(seed))
	out := make([]hlc.Timestamp, n)
	for i := range out {
		var node hlc.NodeID
		r.Read(node[:])
		out[i] = hlc.Timestamp{
			Millis:  uint64(r.Int63n(1 << 40)),
			Counter: uint16(r.Intn(1 << 16)),
			NodeID:  node,
		}
	}
	return out
}

func foldInsert(ts []hlc.Timestamp) *Tree {
	t := New()
	for _, s := range ts {
		t.Insert(s)
	}
	return t
}

func TestCommutativity(t *testing.T) {
	timestamps := randomTimestamps(200, 1)

	a := foldInsert(timestamps)

	permuted := append([]hlc.Timestamp{}, timestamps...)
	rand.New(rand.NewSource(2)).Shuffle(len(permuted), func(i, j int) {
		permuted[i], permuted[j] = permuted[j], permuted[i]
	})
	b := foldInsert(permuted)

	require.Equal(t, a.Root(), b.Root())
}

func TestDiffCompletenessOnEqualSets(t *testing.T) {
	timestamps := randomTimestamps(100, 3)
	a := foldInsert(timestamps)
	b := foldInsert(timestamps)

	_, ok := Diff(a, b)
	require.False(t, ok, "equal trees must not report a divergence")
}

func TestDiffSoundnessOnExtraTimestamp(t *testing.T) {
	shared := randomTimestamps(50, 4)
	a := foldInsert(shared)
	b := foldInsert(shared)

	extra := hlc.Timestamp{Millis: 1_700_000_500_000, Counter: 1, NodeID: hlc.NodeID{9}}
	b.Insert(extra)

	millis, ok := Diff(a, b)
	require.True(t, ok)
	require.LessOrEqual(t, millis, extra.Millis-(extra.Millis%BucketMillis))
}

func TestWireRoundTrip(t *testing.T) {
	timestamps := randomTimestamps(30, 5)
	a := foldInsert(timestamps)

	s, err := Serialize(a)
	require.NoError(t, err)

	b, err := Deserialize(s)
	require.NoError(t, err)

	require.Equal(t, a.Root(), b.Root())
	_, ok := Diff(a, b)
	require.False(t, ok)
}

func TestKeyToMillisRoundTrip(t *testing.T) {
	trits := keyTrits(123_456_789)
	millis := KeyToMillis(trits[:])
	require.Equal(t, (uint64(123_456_789)/BucketMillis)*BucketMillis, millis)
}

func TestEmptyTreesEqual(t *testing.T) {
	a, b := New(), New()
	require.Equal(t, a.Root(), b.Root())
	_, ok := Diff(a, b)
	require.False(t, ok)
}
