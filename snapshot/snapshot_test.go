package snapshot

import (
	"testing"

	"github.com/luxfi/database/memdb"
	"github.com/stretchr/testify/require"

	"github.com/genlayerlabs/genlayer-studio-sub001/ids"
)

func TestWriteAllocatesIncrementingVersions(t *testing.T) {
	s := New(memdb.New())
	addr := ids.Address{1}

	v1, err := s.Write(addr, []byte("code-v1"), []byte("storage-v1"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), v1)

	v2, err := s.Write(addr, []byte("code-v2"), []byte("storage-v2"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), v2)
}

func TestLatestReturnsMostRecentVersion(t *testing.T) {
	s := New(memdb.New())
	addr := ids.Address{1}
	_, err := s.Write(addr, []byte("code-v1"), []byte("storage-v1"))
	require.NoError(t, err)
	_, err = s.Write(addr, []byte("code-v2"), []byte("storage-v2"))
	require.NoError(t, err)

	got, err := s.Latest(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.Version)
	require.Equal(t, []byte("code-v2"), got.Code)
}

func TestOldVersionsRemainReadable(t *testing.T) {
	s := New(memdb.New())
	addr := ids.Address{1}
	v1, err := s.Write(addr, []byte("code-v1"), []byte("storage-v1"))
	require.NoError(t, err)
	_, err = s.Write(addr, []byte("code-v2"), []byte("storage-v2"))
	require.NoError(t, err)

	got, err := s.At(addr, v1)
	require.NoError(t, err)
	require.Equal(t, []byte("code-v1"), got.Code)
}

func TestLatestOnUnknownAddressIsNotFound(t *testing.T) {
	s := New(memdb.New())
	_, err := s.Latest(ids.Address{9})
	require.ErrorIs(t, err, ErrNotFound)
}
