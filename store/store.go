// Package store implements the transaction store: durable storage of
// transactions and their consensus journal, with the atomic operations
// every cross-phase transition goes through.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/database"

	"github.com/genlayerlabs/genlayer-studio-sub001/ids"
	"github.com/genlayerlabs/genlayer-studio-sub001/types"
)

// Sentinel errors.
var (
	ErrDuplicateNonce = errors.New("store: duplicate (from, nonce)")
	ErrDuplicateHash  = errors.New("store: duplicate transaction hash")
	ErrNotFound       = errors.New("store: transaction not found")
	ErrStaleStatus    = errors.New("store: stale status, transaction was advanced concurrently")
	ErrNoOpenRound    = errors.New("store: no open consensus round")
	ErrQueueFull      = errors.New("store: pending queue is full for this contract")
)

// Store is the interface the dispatcher, crawler, appeal engine and RPC
// handlers use to read and mutate transactions.
type Store interface {
	// Insert inserts a transaction with status PENDING.
	Insert(tx *types.Transaction) error

	// Get returns a consistent snapshot of a transaction, including its
	// latest journal entry.
	Get(hash ids.Hash) (*types.Transaction, error)

	// ListPendingByContract returns up to limit PENDING transactions for
	// address, ordered by (nonce ascending, insertion order).
	ListPendingByContract(address ids.Address, limit int) ([]*types.Transaction, error)

	// HasInFlight reports whether address currently has a transaction in
	// {PROPOSING, COMMITTING, REVEALING}.
	HasInFlight(address ids.Address) (bool, error)

	// ContractsWithPendingWork returns the set of contract addresses that
	// have at least one PENDING transaction and no in-flight transaction,
	// used by the crawler.
	ContractsWithPendingWork() ([]ids.Address, error)

	// ContractsWithActivatedWork returns the set of contract addresses that
	// have at least one ACTIVATED transaction and no in-flight transaction,
	// used by the dispatcher.
	ContractsWithActivatedWork() ([]ids.Address, error)

	// NextActivated returns the head of address's ACTIVATED FIFO queue.
	NextActivated(address ids.Address) (*types.Transaction, error)

	// CASStatus atomically transitions hash from expected to next,
	// applying patch under the same lock. Fails with ErrStaleStatus if the
	// current status does not match expected.
	CASStatus(hash ids.Hash, expected, next types.Status, patch func(*types.Transaction)) (*types.Transaction, error)

	// AppendRound appends a new round at the tail of consensus_history.
	AppendRound(hash ids.Hash, round *types.ConsensusRoundEntry) error

	// ReactivateAtHead transitions an in-flight transaction whose worker
	// lease was lost back to ACTIVATED, at the head of its contract's
	// queue rather than the tail.
	ReactivateAtHead(hash ids.Hash, from types.Status, patch func(*types.Transaction)) (*types.Transaction, error)

	// UpdateMonitoring idempotently records a phase timestamp within the
	// last open round.
	UpdateMonitoring(hash ids.Hash, roundIndex int, phase string, ts time.Time) error

	// NextNonce returns the next unused nonce for from, used when a
	// contract spawns child transactions during execution.
	NextNonce(from ids.Address) (uint64, error)

	// ListAwaitingFinalization returns ACCEPTED transactions with a
	// non-nil TimestampAwaitingFinalization, used by the finalization
	// timer's sweep.
	ListAwaitingFinalization() ([]*types.Transaction, error)

	// ListByContractQueueDepth reports the current PENDING+ACTIVATED queue
	// depth for address, used to enforce pending_queue_max.
	ListByContractQueueDepth(address ids.Address) (int, error)
}

// memStore is the in-process reference implementation: every Transaction is
// serialized into database.Database under a content key, with secondary
// indices kept in memory to answer range-style queries the abstract KV
// interface cannot. The production backing store is an external relational
// database; this implementation is the reference the core ships with for
// tests and standalone operation. Every index here is a pointer into the
// authoritative KV record, never a stand-in for it.
type memStore struct {
	mu sync.Mutex
	db database.Database

	// byNonce guards (from, nonce) uniqueness across non-CANCELED
	// transactions.
	byNonce map[nonceKey]ids.Hash

	// pendingByContract holds PENDING hashes in (nonce, insertion order),
	// the FIFO the crawler consumes.
	pendingByContract map[ids.Address][]ids.Hash

	// inFlightByContract holds hashes currently in
	// {PROPOSING, COMMITTING, REVEALING} for a contract.
	inFlightByContract map[ids.Address][]ids.Hash

	// activatedByContract holds ACTIVATED hashes ready for dispatch, in
	// FIFO order.
	activatedByContract map[ids.Address][]ids.Hash

	// nextNonce tracks one past the highest inserted nonce per sender, seeding
	// contract-spawned child transactions.
	nextNonce map[ids.Address]uint64

	// allHashes preserves insertion order of every hash ever seen, since
	// the abstract database.Database surface offers no range iteration;
	// it is the enumeration substrate for sweeps like
	// ListAwaitingFinalization, never the source of truth for a record's
	// contents (those always come from a fresh db.Get).
	allHashes []ids.Hash

	maxQueueDepth int
}

type nonceKey struct {
	from  ids.Address
	nonce uint64
}

// New returns a Store backed by db, enforcing maxQueueDepth per contract.
func New(db database.Database, maxQueueDepth int) Store {
	return &memStore{
		db:                  db,
		byNonce:             make(map[nonceKey]ids.Hash),
		pendingByContract:   make(map[ids.Address][]ids.Hash),
		inFlightByContract:  make(map[ids.Address][]ids.Hash),
		activatedByContract: make(map[ids.Address][]ids.Hash),
		nextNonce:           make(map[ids.Address]uint64),
		maxQueueDepth:       maxQueueDepth,
	}
}

func txKey(hash ids.Hash) []byte {
	return append([]byte("tx/"), hash[:]...)
}

func (s *memStore) Insert(tx *types.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := txKey(tx.Hash)
	if has, err := s.db.Has(key); err != nil {
		return fmt.Errorf("store: insert has check: %w", err)
	} else if has {
		return ErrDuplicateHash
	}

	nk := nonceKey{from: tx.From, nonce: tx.Nonce}
	if _, ok := s.byNonce[nk]; ok {
		return ErrDuplicateNonce
	}

	if s.maxQueueDepth > 0 && s.queueDepthLocked(tx.To) >= s.maxQueueDepth {
		return ErrQueueFull
	}

	tx.Status = types.StatusPending
	if err := s.put(tx); err != nil {
		return err
	}

	s.byNonce[nk] = tx.Hash
	s.pendingByContract[tx.To] = append(s.pendingByContract[tx.To], tx.Hash)
	if tx.Nonce >= s.nextNonce[tx.From] {
		s.nextNonce[tx.From] = tx.Nonce + 1
	}
	s.allHashes = append(s.allHashes, tx.Hash)
	return nil
}

// queueDepthLocked counts a contract's waiting (PENDING + ACTIVATED)
// transactions; in-flight and terminal transactions no longer occupy the
// queue.
func (s *memStore) queueDepthLocked(address ids.Address) int {
	return len(s.pendingByContract[address]) + len(s.activatedByContract[address])
}

func (s *memStore) put(tx *types.Transaction) error {
	b, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("store: marshal transaction: %w", err)
	}
	if err := s.db.Put(txKey(tx.Hash), b); err != nil {
		return fmt.Errorf("store: persist transaction: %w", err)
	}
	return nil
}

func (s *memStore) getLocked(hash ids.Hash) (*types.Transaction, error) {
	b, err := s.db.Get(txKey(hash))
	if err != nil {
		return nil, ErrNotFound
	}
	var tx types.Transaction
	if err := json.Unmarshal(b, &tx); err != nil {
		return nil, fmt.Errorf("store: unmarshal transaction: %w", err)
	}
	return &tx, nil
}

func (s *memStore) Get(hash ids.Hash) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.getLocked(hash)
	if err != nil {
		return nil, err
	}
	return tx.Clone(), nil
}

func (s *memStore) ListPendingByContract(address ids.Address, limit int) ([]*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hashes := s.pendingByContract[address]
	all := make([]*types.Transaction, 0, len(hashes))
	for _, h := range hashes {
		tx, err := s.getLocked(h)
		if err != nil {
			continue
		}
		if tx.Status != types.StatusPending {
			continue
		}
		all = append(all, tx.Clone())
	}
	// pendingByContract preserves insertion order; a stable sort on nonce
	// yields the (nonce ascending, insertion order) contract the crawler
	// relies on.
	sort.SliceStable(all, func(i, j int) bool { return all[i].Nonce < all[j].Nonce })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *memStore) HasInFlight(address ids.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasInFlightLocked(address)
}

func (s *memStore) hasInFlightLocked(address ids.Address) (bool, error) {
	return len(s.inFlightByContract[address]) > 0, nil
}

func (s *memStore) ContractsWithPendingWork() ([]ids.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ids.Address
	for addr, hashes := range s.pendingByContract {
		if len(hashes) == 0 {
			continue
		}
		if len(s.inFlightByContract[addr]) > 0 {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

func (s *memStore) ContractsWithActivatedWork() ([]ids.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ids.Address
	for addr, hashes := range s.activatedByContract {
		if len(hashes) == 0 {
			continue
		}
		if len(s.inFlightByContract[addr]) > 0 {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

func (s *memStore) NextActivated(address ids.Address) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hashes := s.activatedByContract[address]
	if len(hashes) == 0 {
		return nil, ErrNotFound
	}
	tx, err := s.getLocked(hashes[0])
	if err != nil {
		return nil, err
	}
	return tx.Clone(), nil
}

func (s *memStore) CASStatus(hash ids.Hash, expected, next types.Status, patch func(*types.Transaction)) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.getLocked(hash)
	if err != nil {
		return nil, err
	}
	if tx.Status != expected {
		return nil, ErrStaleStatus
	}

	s.removeFromIndices(tx, expected)

	tx.Status = next
	if patch != nil {
		patch(tx)
	}
	if err := s.put(tx); err != nil {
		return nil, err
	}

	s.addToIndices(tx, next)

	return tx.Clone(), nil
}

// removeFromIndices/addToIndices keep the in-memory secondary indices in
// sync with a status transition. Apart from Insert (which appends a new
// PENDING hash) and ReactivateAtHead (which prepends to the ACTIVATED
// queue), they are the only place that mutates
// pendingByContract/inFlightByContract/activatedByContract; all of these run
// under s.mu alongside the authoritative KV write.
func (s *memStore) removeFromIndices(tx *types.Transaction, from types.Status) {
	switch {
	case from == types.StatusPending:
		s.removeFrom(s.pendingByContract, tx.To, tx.Hash)
	case from == types.StatusActivated:
		s.removeFrom(s.activatedByContract, tx.To, tx.Hash)
	case from.InFlight():
		s.removeFrom(s.inFlightByContract, tx.To, tx.Hash)
	}
}

func (s *memStore) addToIndices(tx *types.Transaction, to types.Status) {
	switch {
	case to == types.StatusPending:
		s.pendingByContract[tx.To] = append(s.pendingByContract[tx.To], tx.Hash)
	case to == types.StatusActivated:
		s.activatedByContract[tx.To] = append(s.activatedByContract[tx.To], tx.Hash)
	case to.InFlight():
		s.inFlightByContract[tx.To] = append(s.inFlightByContract[tx.To], tx.Hash)
	}

	// A canceled transaction stops occupying its (from, nonce) slot, so
	// the sender may resubmit under the same nonce.
	if to == types.StatusCanceled {
		delete(s.byNonce, nonceKey{from: tx.From, nonce: tx.Nonce})
	}
}

func (s *memStore) removeFrom(index map[ids.Address][]ids.Hash, addr ids.Address, hash ids.Hash) {
	hashes := index[addr]
	for i, h := range hashes {
		if h == hash {
			index[addr] = append(hashes[:i], hashes[i+1:]...)
			return
		}
	}
}

func (s *memStore) ReactivateAtHead(hash ids.Hash, from types.Status, patch func(*types.Transaction)) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.getLocked(hash)
	if err != nil {
		return nil, err
	}
	if tx.Status != from {
		return nil, ErrStaleStatus
	}

	s.removeFromIndices(tx, from)

	tx.Status = types.StatusActivated
	if patch != nil {
		patch(tx)
	}
	if err := s.put(tx); err != nil {
		return nil, err
	}

	s.activatedByContract[tx.To] = append([]ids.Hash{tx.Hash}, s.activatedByContract[tx.To]...)

	return tx.Clone(), nil
}

func (s *memStore) AppendRound(hash ids.Hash, round *types.ConsensusRoundEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.getLocked(hash)
	if err != nil {
		return err
	}
	tx.ConsensusHistory = append(tx.ConsensusHistory, round)
	return s.put(tx)
}

func (s *memStore) UpdateMonitoring(hash ids.Hash, roundIndex int, phase string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.getLocked(hash)
	if err != nil {
		return err
	}
	if roundIndex < 0 || roundIndex != len(tx.ConsensusHistory)-1 {
		return ErrNoOpenRound
	}
	round := tx.ConsensusHistory[roundIndex]
	if round.Closed {
		return ErrNoOpenRound
	}
	if _, ok := round.Monitoring[phase]; ok {
		// Idempotent: the phase timestamp is only ever written once.
		return nil
	}
	round.Monitoring[phase] = ts
	return s.put(tx)
}

func (s *memStore) NextNonce(from ids.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextNonce[from], nil
}

func (s *memStore) ListAwaitingFinalization() ([]*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Transaction
	for _, hash := range s.allHashes {
		tx, err := s.getLocked(hash)
		if err != nil {
			continue
		}
		if tx.Status == types.StatusAccepted && tx.TimestampAwaitingFinalization != nil {
			out = append(out, tx.Clone())
		}
	}
	return out, nil
}

func (s *memStore) ListByContractQueueDepth(address ids.Address) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueDepthLocked(address), nil
}
