// Package merkle implements the ternary, minute-bucketed merkle trie this
// codebase uses to locate the point of divergence between two replicas'
// message logs without transferring either log in full.
//
// Keys are the base-3 digits of floor(millis/60000), up to 16 trits (3^16
// minutes, about 82 years). Every node's hash is the XOR of the
// hashes of every timestamp inserted below it; XOR is commutative and
// associative, so insertion order never affects the resulting tree —
// required because messages from other replicas arrive out of order.
package merkle

import (
	"hash/fnv"

	"github.com/evoluhq/evolu-go/internal/hlc"
)

// MaxDepth is the number of base-3 digits a key is expanded to.
const MaxDepth = 16

// BucketMillis is the width of one leaf-level time bucket.
const BucketMillis = 60000

// node is one level of the trie. A nil *node represents an empty subtree
// with an implicit hash of zero.
type node struct {
	hash     uint32
	children [3]*node
}

// Tree is a ternary merkle trie over minute-bucketed HLC timestamps.
type Tree struct {
	root *node
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{}
}

// Root returns the tree's root hash. An empty tree's root hash is zero.
func (t *Tree) Root() uint32 {
	if t.root == nil {
		return 0
	}
	return t.root.hash
}

// TimestampHash computes the 32-bit content hash XOR'd into every node on a
// timestamp's path. FNV-1a over the 16-byte binary encoding gives a cheap,
// well-distributed hash; spec treats collisions here as a recoverable sync
// anomaly, not a correctness requirement.
func TimestampHash(ts hlc.Timestamp) uint32 {
	h := fnv.New32a()
	h.Write(ts.MarshalBinary())
	return h.Sum32()
}

// Insert adds a timestamp to the tree, XOR-ing its hash into the root and
// every node along its base-3 path. Safe to call with the same timestamp
// more than once in different trees — the tree rebuilt from the same
// timestamp multiset always produces the same root hash, regardless of
// insertion order (see package doc).
func (t *Tree) Insert(ts hlc.Timestamp) {
	t.insert(keyTrits(ts.Millis), TimestampHash(ts))
}

// InsertHash adds a raw leaf hash at an explicit trit path. Used when
// replaying a remote tree's structure (e.g. from the wire format) without
// re-deriving hashes from timestamps.
func (t *Tree) InsertHash(trits [MaxDepth]int, h uint32) {
	t.insert(trits, h)
}

func (t *Tree) insert(trits [MaxDepth]int, h uint32) {
	if t.root == nil {
		t.root = &node{}
	}
	t.root.hash ^= h
	cur := t.root
	for _, d := range trits {
		if cur.children[d] == nil {
			cur.children[d] = &node{}
		}
		cur = cur.children[d]
		cur.hash ^= h
	}
}

// keyTrits expands floor(millis/BucketMillis) into MaxDepth base-3 digits,
// most significant first.
func keyTrits(millis uint64) [MaxDepth]int {
	bucket := millis / BucketMillis
	var trits [MaxDepth]int
	for i := MaxDepth - 1; i >= 0; i-- {
		trits[i] = int(bucket % 3)
		bucket /= 3
	}
	return trits
}

// KeyToMillis reverses a trit prefix (most significant first, right-padded
// with zero trits out to MaxDepth) back to the millisecond lower bound of
// the minute bucket it names.
func KeyToMillis(prefix []int) uint64 {
	var bucket uint64
	for i, d := range prefix {
		if i >= MaxDepth {
			break
		}
		bucket = bucket*3 + uint64(d)
	}
	for i := len(prefix); i < MaxDepth; i++ {
		bucket *= 3
	}
	return bucket * BucketMillis
}

// Diff compares two trees and returns the millisecond lower bound at which
// they diverge, or ok=false if their content is identical.
//
// Descent picks, at each level, the first child digit (0, 1, 2) whose pair
// of subtree hashes differ — a missing child on either side counts as
// differing. If descent reaches a node where every child pair matches yet
// the node hashes themselves differ (the non-equal-trees-but-no-differing-
// child case), it returns the current prefix's lower bound directly; this
// is the later of the two historically observed variants of this routine.
func Diff(a, b *Tree) (millis uint64, ok bool) {
	var ra, rb *node
	if a != nil {
		ra = a.root
	}
	if b != nil {
		rb = b.root
	}
	return diffNodes(ra, rb, nil)
}

func nodeHash(n *node) uint32 {
	if n == nil {
		return 0
	}
	return n.hash
}

func childOf(n *node, d int) *node {
	if n == nil {
		return nil
	}
	return n.children[d]
}

func diffNodes(a, b *node, prefix []int) (uint64, bool) {
	if nodeHash(a) == nodeHash(b) {
		return 0, false
	}
	if len(prefix) >= MaxDepth {
		return KeyToMillis(prefix), true
	}

	for d := 0; d < 3; d++ {
		ca, cb := childOf(a, d), childOf(b, d)
		if nodeHash(ca) != nodeHash(cb) {
			return diffNodes(ca, cb, append(append([]int{}, prefix...), d))
		}
	}

	// No differing child pair, but this node's hashes differ: adopt the
	// later variant per the open design question and report divergence at
	// the current prefix's lower bound.
	return KeyToMillis(prefix), true
}
