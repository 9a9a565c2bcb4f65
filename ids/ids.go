// Package ids provides the hash and address value types shared across the
// consensus core, and the deterministic derivations built on top of them.
package ids

import (
	"encoding/hex"
	"fmt"

	"github.com/luxfi/crypto"
	"github.com/luxfi/ids"
)

// Re-export the upstream ID types rather than invent parallel ones.
type (
	// Hash identifies a transaction or a contract snapshot.
	Hash = ids.ID
	// NodeID identifies a validator at the network layer.
	NodeID = ids.NodeID
)

var (
	// EmptyHash is the zero hash.
	EmptyHash = ids.Empty
	// EmptyNodeID is the zero node ID.
	EmptyNodeID = ids.EmptyNodeID
)

// Address is a 20-byte account/contract identifier, matching the 20-byte
// addresses described in the data model (from/to/validator address).
type Address [20]byte

// AddressFromBytes builds an Address from a byte slice, left-padding or
// truncating is not performed: the slice must be exactly 20 bytes.
func AddressFromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != len(a) {
		return a, fmt.Errorf("ids: address must be %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

// AddressFromHex parses a 0x-prefixed or bare hex string into an Address.
func AddressFromHex(s string) (Address, error) {
	b, err := decodeHex(s)
	if err != nil {
		return Address{}, fmt.Errorf("ids: invalid address hex: %w", err)
	}
	return AddressFromBytes(b)
}

// String renders the address as a 0x-prefixed hex string.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the zero value (used for deploy
// transactions, whose `to` field is absent).
func (a Address) IsZero() bool {
	return a == Address{}
}

// HashFromHex parses a 0x-prefixed or bare hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	b, err := decodeHex(s)
	if err != nil {
		return Hash{}, fmt.Errorf("ids: invalid hash hex: %w", err)
	}
	return ids.ToID(b)
}

// HashString renders a Hash as a 0x-prefixed hex string.
func HashString(h Hash) string {
	return "0x" + hex.EncodeToString(h[:])
}

func decodeHex(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

// DeriveTransactionHash computes the deterministic identity of a transaction
// from its signed fields: keccak256 over a canonical byte concatenation.
func DeriveTransactionHash(from, to Address, nonce uint64, value []byte, input []byte, txType byte) Hash {
	buf := make([]byte, 0, len(from)+len(to)+8+len(value)+len(input)+1)
	buf = append(buf, from[:]...)
	buf = append(buf, to[:]...)
	buf = appendUint64BE(buf, nonce)
	buf = append(buf, value...)
	buf = append(buf, input...)
	buf = append(buf, txType)

	digest := crypto.Keccak256(buf)
	h, _ := ids.ToID(digest)
	return h
}

// AddressFromPublicKey derives the 20-byte account address from an
// uncompressed 65-byte secp256k1 public key: the low 20 bytes of the
// keccak256 of the key material.
func AddressFromPublicKey(pub []byte) (Address, error) {
	if len(pub) != 65 {
		return Address{}, fmt.Errorf("ids: public key must be 65 bytes, got %d", len(pub))
	}
	digest := crypto.Keccak256(pub[1:])

	var a Address
	copy(a[:], digest[len(digest)-len(a):])
	return a, nil
}

// DeriveContractAddress computes the address a deploy transaction's
// contract lives at, from the deployer and its nonce.
func DeriveContractAddress(from Address, nonce uint64) Address {
	buf := make([]byte, 0, len(from)+8)
	buf = append(buf, from[:]...)
	buf = appendUint64BE(buf, nonce)
	digest := crypto.Keccak256(buf)

	var a Address
	copy(a[:], digest[len(digest)-len(a):])
	return a
}

// DeriveRoundSeed derives a deterministic seed for committee sampling from
// the transaction hash, the round index and the registry snapshot version,
// so that committee selection is reproducible given the same inputs.
func DeriveRoundSeed(txHash Hash, roundIndex int, registryVersion uint64) int64 {
	buf := make([]byte, 0, len(txHash)+8+8)
	buf = append(buf, txHash[:]...)
	buf = appendUint64BE(buf, uint64(roundIndex))
	buf = appendUint64BE(buf, registryVersion)
	digest := crypto.Keccak256(buf)
	// Fold the digest into an int64 seed for math/rand-based samplers.
	var seed uint64
	for i := 0; i < 8; i++ {
		seed = seed<<8 | uint64(digest[i])
	}
	return int64(seed &^ (1 << 63))
}

func appendUint64BE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v),
	)
}
