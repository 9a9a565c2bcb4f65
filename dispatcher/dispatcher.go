// Package dispatcher implements the pending queue and dispatcher:
// per-contract FIFO queues of ACTIVATED transactions, leased out to workers
// with heartbeat-based lease renewal and loss detection.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/genlayerlabs/genlayer-studio-sub001/cctx"
	"github.com/genlayerlabs/genlayer-studio-sub001/ids"
	"github.com/genlayerlabs/genlayer-studio-sub001/store"
	"github.com/genlayerlabs/genlayer-studio-sub001/types"
)

// ErrNoWork is returned by Acquire when no contract currently has
// ACTIVATED work available.
var ErrNoWork = errors.New("dispatcher: no activated work available")

// Lease tracks one worker's claim on one transaction, including the
// deadline by which a heartbeat must arrive or the lease is reclaimed.
type Lease struct {
	WorkerID   string
	Hash       ids.Hash
	Contract   ids.Address
	AcquiredAt time.Time
	Deadline   time.Time
}

// Dispatcher hands out ACTIVATED transactions to workers round-robin
// across contracts, and reclaims leases that miss their heartbeat.
type Dispatcher struct {
	ctx   *cctx.Context
	store store.Store

	mu       sync.Mutex
	leases   map[ids.Hash]*Lease
	rrOrder  []ids.Address
	rrCursor int

	stop chan struct{}
	done chan struct{}
}

// New returns a Dispatcher.
func New(c *cctx.Context, s store.Store) *Dispatcher {
	return &Dispatcher{
		ctx:    c,
		store:  s,
		leases: make(map[ids.Hash]*Lease),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Acquire assigns one ACTIVATED transaction to workerID, transitioning it
// to an in-flight status (PROPOSING, the first phase of the consensus
// state machine) and recording a lease. Round-robins across contracts that
// currently have activated work so no single busy contract starves others.
func (d *Dispatcher) Acquire(workerID string) (*types.Transaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	contracts, err := d.store.ContractsWithActivatedWork()
	if err != nil {
		return nil, err
	}
	if len(contracts) == 0 {
		return nil, ErrNoWork
	}

	d.reconcileOrder(contracts)

	for i := 0; i < len(d.rrOrder); i++ {
		idx := (d.rrCursor + i) % len(d.rrOrder)
		addr := d.rrOrder[idx]

		tx, err := d.store.NextActivated(addr)
		if err != nil {
			continue
		}

		now := d.ctx.Clock.Now()
		activated, err := d.store.CASStatus(tx.Hash, types.StatusActivated, types.StatusProposing, func(t *types.Transaction) {
			t.CurrentWorker = &workerID
		})
		if err != nil {
			continue
		}

		d.leases[tx.Hash] = &Lease{
			WorkerID:   workerID,
			Hash:       tx.Hash,
			Contract:   addr,
			AcquiredAt: now,
			Deadline:   now.Add(d.ctx.Parameters.LeaseDuration),
		}
		d.rrCursor = (idx + 1) % len(d.rrOrder)
		return activated, nil
	}

	return nil, ErrNoWork
}

// Heartbeat renews the lease for hash, held by workerID. Returns false if
// no such lease exists (it was already reclaimed or the transaction
// finished).
func (d *Dispatcher) Heartbeat(workerID string, hash ids.Hash) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	lease, ok := d.leases[hash]
	if !ok || lease.WorkerID != workerID {
		return false
	}
	lease.Deadline = d.ctx.Clock.Now().Add(d.ctx.Parameters.LeaseDuration)
	return true
}

// Release drops the lease for hash once the worker has finished with it
// (transaction reached a terminal or awaiting-finalization state).
func (d *Dispatcher) Release(hash ids.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.leases, hash)
}

// Run periodically sweeps expired leases, returning their transactions to
// the head of their contract's ACTIVATED queue and tagging the open round
// WorkerLost.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	ticker := d.ctx.Clock.NewTicker(d.ctx.Parameters.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C():
			d.reapExpired()
		}
	}
}

// Stop requests the sweep loop exit and waits for it to do so.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) reapExpired() {
	now := d.ctx.Clock.Now()

	d.mu.Lock()
	var expired []*Lease
	for hash, lease := range d.leases {
		if now.After(lease.Deadline) {
			expired = append(expired, lease)
			delete(d.leases, hash)
		}
	}
	d.mu.Unlock()

	for _, lease := range expired {
		// The worker may have died in any in-flight phase, so reactivate
		// from whatever status the transaction actually holds; a
		// transaction that already left the in-flight set finished on its
		// own and needs nothing.
		current, err := d.store.Get(lease.Hash)
		if err != nil {
			d.ctx.Log.Warn("dispatcher: read after lease loss failed",
				zap.Stringer("hash", lease.Hash), zap.Error(err))
			continue
		}
		if !current.Status.InFlight() {
			continue
		}

		tx, err := d.store.ReactivateAtHead(lease.Hash, current.Status, func(t *types.Transaction) {
			t.CurrentWorker = nil
			if round := t.LastRound(); round != nil && !round.Closed {
				round.ConsensusRound = types.RoundWorkerLost
				round.Closed = true
			}
		})
		if err != nil {
			d.ctx.Log.Warn("dispatcher: reactivate after lease loss failed",
				zap.Stringer("hash", lease.Hash), zap.Error(err))
			continue
		}
		d.ctx.Log.Info("dispatcher: reclaimed lease", zap.Stringer("hash", tx.Hash), zap.String("worker", lease.WorkerID))
	}
}

// Health reports the dispatcher's live lease count, satisfying
// health.Checkable.
func (d *Dispatcher) Health(context.Context) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{
		"activeLeases": len(d.leases),
	}, nil
}

// reconcileOrder keeps rrOrder as a stable rotation seeded from contracts,
// dropping entries no longer active and appending new ones at the tail so
// the cursor position stays meaningful across calls.
func (d *Dispatcher) reconcileOrder(contracts []ids.Address) {
	present := make(map[ids.Address]bool, len(contracts))
	for _, a := range contracts {
		present[a] = true
	}

	kept := d.rrOrder[:0]
	known := make(map[ids.Address]bool, len(d.rrOrder))
	for _, a := range d.rrOrder {
		if present[a] {
			kept = append(kept, a)
			known[a] = true
		}
	}
	for _, a := range contracts {
		if !known[a] {
			kept = append(kept, a)
		}
	}
	d.rrOrder = kept
	if d.rrCursor >= len(d.rrOrder) {
		d.rrCursor = 0
	}
}
