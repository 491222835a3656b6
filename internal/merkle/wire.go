package merkle

import (
	"encoding/json"
	"strconv"

	"github.com/evoluhq/evolu-go/errors"
)

// wireNode mirrors the sparse JSON representation: a hash field plus only
// the "0"/"1"/"2" keys that have a non-empty child, matching the original
// source's wire format so relay and replica stay interoperable. The
// in-memory Tree uses the same pointer-linked node shape.
type wireNode struct {
	Hash     uint32
	Children [3]*wireNode
}

func (n *wireNode) MarshalJSON() ([]byte, error) {
	if n == nil {
		return []byte("null"), nil
	}
	m := map[string]json.RawMessage{}
	hashBytes, err := json.Marshal(n.Hash)
	if err != nil {
		return nil, err
	}
	m["hash"] = hashBytes
	for d := 0; d < 3; d++ {
		if n.Children[d] == nil {
			continue
		}
		childBytes, err := n.Children[d].MarshalJSON()
		if err != nil {
			return nil, err
		}
		m[strconv.Itoa(d)] = childBytes
	}
	return json.Marshal(m)
}

func (n *wireNode) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if raw, ok := m["hash"]; ok {
		if err := json.Unmarshal(raw, &n.Hash); err != nil {
			return err
		}
	}
	for d := 0; d < 3; d++ {
		raw, ok := m[strconv.Itoa(d)]
		if !ok {
			continue
		}
		child := &wireNode{}
		if err := json.Unmarshal(raw, child); err != nil {
			return err
		}
		n.Children[d] = child
	}
	return nil
}

func toWire(n *node) *wireNode {
	if n == nil {
		return nil
	}
	w := &wireNode{Hash: n.hash}
	for d := 0; d < 3; d++ {
		w.Children[d] = toWire(n.children[d])
	}
	return w
}

func fromWire(w *wireNode) *node {
	if w == nil {
		return nil
	}
	n := &node{hash: w.Hash}
	for d := 0; d < 3; d++ {
		n.children[d] = fromWire(w.Children[d])
	}
	return n
}

// MarshalJSON serializes the tree as sparse JSON with "0"/"1"/"2" keys, per
// the relay wire format.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(t.root))
}

// UnmarshalJSON parses the sparse wire format back into a Tree.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var w wireNode
	if string(data) == "null" {
		t.root = nil
		return nil
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "merkle: decoding wire tree")
	}
	t.root = fromWire(&w)
	return nil
}

// Serialize renders the tree to its JSON wire string, as stored in
// owner.merkle_tree and exchanged in SyncRequest/SyncResponse.
func Serialize(t *Tree) (string, error) {
	b, err := t.MarshalJSON()
	if err != nil {
		return "", errors.Wrap(err, "merkle: serializing tree")
	}
	return string(b), nil
}

// Deserialize parses a JSON wire string produced by Serialize.
func Deserialize(s string) (*Tree, error) {
	t := &Tree{}
	if err := t.UnmarshalJSON([]byte(s)); err != nil {
		return nil, err
	}
	return t, nil
}
