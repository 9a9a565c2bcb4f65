// Package crawler implements the periodic scanner that promotes PENDING
// transactions to ACTIVATED for contracts with no in-flight work, making
// them visible to the dispatcher.
package crawler

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/genlayerlabs/genlayer-studio-sub001/cctx"
	"github.com/genlayerlabs/genlayer-studio-sub001/ids"
	"github.com/genlayerlabs/genlayer-studio-sub001/store"
	"github.com/genlayerlabs/genlayer-studio-sub001/types"
)

// maxBackoff caps the exponential delay applied after consecutive store
// errors; a transaction is never dropped on a crawl error, only retried.
const maxBackoff = 30 * time.Second

// Crawler scans the store on a fixed period and activates the
// oldest-eligible PENDING transaction per eligible contract, lowest nonce
// first.
type Crawler struct {
	ctx   *cctx.Context
	store store.Store

	// onActivated is notified with every transaction promoted this pass;
	// engine wiring passes the event bus's Publish here.
	onActivated func(*types.Transaction)

	// backoff holds the current error delay in nanoseconds; read by Health
	// concurrently with the crawl loop.
	backoff atomic.Int64

	stop chan struct{}
	done chan struct{}
}

// New returns a Crawler ready to Run.
func New(c *cctx.Context, s store.Store, onActivated func(*types.Transaction)) *Crawler {
	return &Crawler{
		ctx:         c,
		store:       s,
		onActivated: onActivated,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run drives the crawl loop until ctx is canceled or Stop is called.
func (c *Crawler) Run(ctx context.Context) {
	defer close(c.done)

	ticker := c.ctx.Clock.NewTicker(c.ctx.Parameters.CrawlerPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C():
			if b := time.Duration(c.backoff.Load()); b > 0 {
				select {
				case <-ctx.Done():
					return
				case <-c.stop:
					return
				case <-c.ctx.Clock.After(b):
				}
			}
			c.pass()
		}
	}
}

// Stop requests the loop exit and waits for it to do so.
func (c *Crawler) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Crawler) pass() {
	contracts, err := c.store.ContractsWithPendingWork()
	if err != nil {
		c.ctx.Log.Warn("crawler: list pending contracts failed", zap.Error(err))
		c.raiseBackoff()
		return
	}
	c.backoff.Store(0)

	for _, addr := range contracts {
		c.activateOne(addr)
	}
}

// Health reports the crawler's current error backoff, satisfying
// health.Checkable: a non-zero backoff means the last store scan failed.
func (c *Crawler) Health(context.Context) (interface{}, error) {
	return map[string]interface{}{
		"backoff": time.Duration(c.backoff.Load()).String(),
	}, nil
}

func (c *Crawler) raiseBackoff() {
	b := time.Duration(c.backoff.Load())
	switch {
	case b == 0:
		b = c.ctx.Parameters.CrawlerPeriod
	case b*2 > maxBackoff:
		b = maxBackoff
	default:
		b *= 2
	}
	c.backoff.Store(int64(b))
}

func (c *Crawler) activateOne(addr ids.Address) {
	pending, err := c.store.ListPendingByContract(addr, 1)
	if err != nil {
		c.raiseBackoff()
		return
	}
	if len(pending) == 0 {
		return
	}
	head := pending[0]
	now := c.ctx.Clock.Now()

	activated, err := c.store.CASStatus(head.Hash, types.StatusPending, types.StatusActivated, func(t *types.Transaction) {
		// Round 0 opens at activation: the transaction's wait in PENDING
		// and the instant of activation are the first two monitoring
		// stamps of its history.
		round := types.NewRoundEntry(len(t.ConsensusHistory))
		round.Monitoring[types.StatusPending.String()] = t.InsertedAt
		round.Monitoring[types.StatusActivated.String()] = now
		round.StatusChanges = append(round.StatusChanges, types.StatusActivated)
		t.ConsensusHistory = append(t.ConsensusHistory, round)
	})
	if err != nil {
		// Lost a race with a cancellation or another crawl pass; the
		// contract will be reconsidered next period.
		return
	}

	if c.onActivated != nil {
		c.onActivated(activated)
	}
}
