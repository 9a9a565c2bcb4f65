package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressHexRoundTrip(t *testing.T) {
	a := Address{0xde, 0xad, 0xbe, 0xef}
	parsed, err := AddressFromHex(a.String())
	require.NoError(t, err)
	require.Equal(t, a, parsed)

	// Bare hex without the 0x prefix parses too.
	parsed, err = AddressFromHex(a.String()[2:])
	require.NoError(t, err)
	require.Equal(t, a, parsed)
}

func TestAddressFromHexRejectsBadInput(t *testing.T) {
	_, err := AddressFromHex("0xzz")
	require.Error(t, err)

	_, err = AddressFromBytes(make([]byte, 19))
	require.Error(t, err)
}

func TestDeriveTransactionHashIsDeterministic(t *testing.T) {
	from, to := Address{1}, Address{2}

	a := DeriveTransactionHash(from, to, 7, []byte{1}, []byte("call"), 2)
	b := DeriveTransactionHash(from, to, 7, []byte{1}, []byte("call"), 2)
	require.Equal(t, a, b)

	c := DeriveTransactionHash(from, to, 8, []byte{1}, []byte("call"), 2)
	require.NotEqual(t, a, c, "a different nonce must produce a different hash")
}

func TestDeriveRoundSeedVariesByRoundAndRegistry(t *testing.T) {
	h := DeriveTransactionHash(Address{1}, Address{2}, 1, nil, nil, 0)

	s0 := DeriveRoundSeed(h, 0, 1)
	s1 := DeriveRoundSeed(h, 1, 1)
	s2 := DeriveRoundSeed(h, 0, 2)
	require.NotEqual(t, s0, s1)
	require.NotEqual(t, s0, s2)
	require.Equal(t, s0, DeriveRoundSeed(h, 0, 1))
	require.GreaterOrEqual(t, s0, int64(0), "seeds must be non-negative for rand.NewSource")
}

func TestDeriveContractAddressIsStable(t *testing.T) {
	a := DeriveContractAddress(Address{1}, 0)
	require.Equal(t, a, DeriveContractAddress(Address{1}, 0))
	require.NotEqual(t, a, DeriveContractAddress(Address{1}, 1))
	require.False(t, a.IsZero())
}

func TestAddressFromPublicKeyRejectsWrongLength(t *testing.T) {
	_, err := AddressFromPublicKey(make([]byte, 33))
	require.Error(t, err)

	addr, err := AddressFromPublicKey(make([]byte, 65))
	require.NoError(t, err)
	require.False(t, addr.IsZero())
}
