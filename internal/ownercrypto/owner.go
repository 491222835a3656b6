package ownercrypto

import (
	"crypto/hmac"
	"crypto/sha512"

	"github.com/evoluhq/evolu-go/errors"
	"github.com/evoluhq/evolu-go/internal/idgen"
)

// slip21Root derives the SLIP-21 master node from a BIP-39 seed: HMAC-SHA512
// keyed by the literal "Symmetric key seed", applied to the seed bytes.
func slip21Root(seed []byte) []byte {
	mac := hmac.New(sha512.New, []byte("Symmetric key seed"))
	mac.Write(seed)
	return mac.Sum(nil)
}

// slip21Derive walks one SLIP-21 path segment: the node splits into a
// 32-byte chain code (left half) used as the next HMAC key, and the
// label-prefixed segment is hashed under it to produce the child node.
func slip21Derive(node []byte, label string) []byte {
	chainCode := node[:32]
	mac := hmac.New(sha512.New, chainCode)
	mac.Write([]byte{0x00})
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

// slip21Path derives a full SLIP-21 node from a seed and path segments.
func slip21Path(seed []byte, segments ...string) []byte {
	node := slip21Root(seed)
	for _, s := range segments {
		node = slip21Derive(node, s)
	}
	return node
}

// EncryptionKeySize is the AEAD key size, 32 bytes for XChaCha20-Poly1305.
const EncryptionKeySize = 32

// WriteKeySize is the size of the key authenticating writes to the relay.
const WriteKeySize = 16

// Owner is a replica identity: a mnemonic-derived keyset shared across a
// user's devices.
type Owner struct {
	ID            string
	Mnemonic      string
	EncryptionKey [EncryptionKeySize]byte
	WriteKey      [WriteKeySize]byte
}

// NewOwner mints a fresh Owner from a newly generated mnemonic.
func NewOwner() (*Owner, error) {
	phrase, err := GenerateMnemonic()
	if err != nil {
		return nil, err
	}
	return RestoreOwner(phrase)
}

// RestoreOwner rebuilds an Owner's keyset from an existing mnemonic,
// producing the same keys every time the same phrase is used — the basis
// of "reset and restore from mnemonic" recovering a replica's identity on
// a fresh device.
func RestoreOwner(phrase string) (*Owner, error) {
	if err := ValidateMnemonic(phrase); err != nil {
		return nil, errors.Wrap(err, "ownercrypto: invalid mnemonic")
	}

	seed := SeedFromMnemonic(phrase, "")

	encNode := slip21Path(seed, "evolu", "owner", "encryption")
	writeNode := slip21Path(seed, "evolu", "owner", "write")
	idNode := slip21Path(seed, "evolu", "owner", "id")

	var owner Owner
	owner.Mnemonic = phrase
	copy(owner.EncryptionKey[:], encNode[32:32+EncryptionKeySize])
	copy(owner.WriteKey[:], writeNode[32:32+WriteKeySize])
	owner.ID = idFromNode(idNode)

	return &owner, nil
}

// idFromNode derives a deterministic 21-character Id from SLIP-21 key
// material, using the same alphabet idgen.New draws random Ids from.
func idFromNode(node []byte) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
	out := make([]byte, idgen.Length)
	for i := 0; i < idgen.Length; i++ {
		out[i] = alphabet[node[32+i%32]&63]
	}
	return string(out)
}
