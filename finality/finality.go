// Package finality implements the finalization timer: a periodic sweep
// that moves ACCEPTED transactions whose finality window has elapsed into
// FINALIZED.
package finality

import (
	"context"

	"go.uber.org/zap"

	"github.com/genlayerlabs/genlayer-studio-sub001/cctx"
	"github.com/genlayerlabs/genlayer-studio-sub001/store"
	"github.com/genlayerlabs/genlayer-studio-sub001/types"
)

// EventSink is notified when a transaction finalizes.
type EventSink interface {
	Publish(tx *types.Transaction)
}

// Timer sweeps the store on a fixed period.
type Timer struct {
	ctx    *cctx.Context
	store  store.Store
	events EventSink

	stop chan struct{}
	done chan struct{}
}

// New returns a Timer.
func New(c *cctx.Context, s store.Store, events EventSink) *Timer {
	return &Timer{ctx: c, store: s, events: events, stop: make(chan struct{}), done: make(chan struct{})}
}

// Run drives the sweep loop until ctx is canceled or Stop is called.
func (t *Timer) Run(ctx context.Context) {
	defer close(t.done)

	ticker := t.ctx.Clock.NewTicker(t.ctx.Parameters.CrawlerPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C():
			t.sweep()
		}
	}
}

// Stop requests the loop exit and waits for it to do so.
func (t *Timer) Stop() {
	close(t.stop)
	<-t.done
}

// Health reports the number of transactions waiting out their finality
// window, satisfying health.Checkable.
func (t *Timer) Health(context.Context) (interface{}, error) {
	awaiting, err := t.store.ListAwaitingFinalization()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"awaitingFinalization": len(awaiting),
	}, nil
}

func (t *Timer) sweep() {
	awaiting, err := t.store.ListAwaitingFinalization()
	if err != nil {
		t.ctx.Log.Warn("finality: list awaiting finalization failed", zap.Error(err))
		return
	}

	now := t.ctx.Clock.Now()
	for _, tx := range awaiting {
		if tx.TimestampAwaitingFinalization == nil {
			continue
		}
		if now.Sub(*tx.TimestampAwaitingFinalization) < t.ctx.FinalityWindow.Get() {
			continue
		}

		updated, err := t.store.CASStatus(tx.Hash, types.StatusAccepted, types.StatusFinalized, nil)
		if err != nil {
			continue
		}
		if t.events != nil {
			t.events.Publish(updated)
		}
	}
}
