// Package snapshot implements the Contract Snapshot Store: versioned,
// append-only code+storage blobs for each contract address.
package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/database"

	"github.com/genlayerlabs/genlayer-studio-sub001/ids"
	"github.com/genlayerlabs/genlayer-studio-sub001/types"
)

// ErrNotFound is returned when no snapshot exists for an address (or
// version).
var ErrNotFound = errors.New("snapshot: not found")

// Store is the Contract Snapshot Store surface: callers write a new
// version when a deploy/call finalizes with a state change, and read by
// address (latest) or by explicit version; old versions are never
// overwritten, so transactions that executed against a superseded version
// still resolve deterministically.
type Store interface {
	// Write allocates the next version for address and persists code and
	// storage under it, returning the allocated version.
	Write(address ids.Address, code, storageBlob []byte) (uint64, error)

	// Latest returns the highest version written for address.
	Latest(address ids.Address) (*types.ContractSnapshot, error)

	// At returns the snapshot at exactly version.
	At(address ids.Address, version uint64) (*types.ContractSnapshot, error)
}

// kvStore persists snapshots into database.Database under
// (address, version) keys.
type kvStore struct {
	mu      sync.Mutex
	db      database.Database
	latest  map[ids.Address]uint64
}

// New returns a Store backed by db.
func New(db database.Database) Store {
	return &kvStore{db: db, latest: make(map[ids.Address]uint64)}
}

func snapshotKey(address ids.Address, version uint64) []byte {
	key := make([]byte, 0, len(address)+8+len("snap/"))
	key = append(key, []byte("snap/")...)
	key = append(key, address[:]...)
	var vb [8]byte
	binary.BigEndian.PutUint64(vb[:], version)
	return append(key, vb[:]...)
}

func (s *kvStore) Write(address ids.Address, code, storageBlob []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.latest[address] + 1
	snap := &types.ContractSnapshot{
		Address: address,
		Version: version,
		Code:    append([]byte(nil), code...),
		Storage: append([]byte(nil), storageBlob...),
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("snapshot: marshal: %w", err)
	}
	if err := s.db.Put(snapshotKey(address, version), b); err != nil {
		return 0, fmt.Errorf("snapshot: persist: %w", err)
	}
	s.latest[address] = version
	return version, nil
}

func (s *kvStore) Latest(address ids.Address) (*types.ContractSnapshot, error) {
	s.mu.Lock()
	version, ok := s.latest[address]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.At(address, version)
}

func (s *kvStore) At(address ids.Address, version uint64) (*types.ContractSnapshot, error) {
	b, err := s.db.Get(snapshotKey(address, version))
	if err != nil {
		return nil, ErrNotFound
	}
	var snap types.ContractSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	return &snap, nil
}
