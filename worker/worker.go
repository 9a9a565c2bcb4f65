// Package worker implements the worker pool: a fixed number of goroutines
// that each process one transaction at a time end-to-end
// through the consensus state machine, renewing their lease on a
// heartbeat cadence.
package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/genlayerlabs/genlayer-studio-sub001/cctx"
	"github.com/genlayerlabs/genlayer-studio-sub001/dispatcher"
	"github.com/genlayerlabs/genlayer-studio-sub001/ids"
	"github.com/genlayerlabs/genlayer-studio-sub001/types"
)

// Runner advances one transaction through the consensus state machine to a
// terminal or awaiting-finalization state. Implemented by package
// consensus; declared here to avoid an import cycle (consensus does not
// depend on worker).
type Runner interface {
	Run(ctx context.Context, tx *types.Transaction) error
}

// Pool is a fixed-size set of workers pulling from a shared Dispatcher.
type Pool struct {
	ctx        *cctx.Context
	dispatcher *dispatcher.Dispatcher
	runner     Runner
	size       int
}

// New returns a Pool of size workers.
func New(c *cctx.Context, d *dispatcher.Dispatcher, r Runner, size int) *Pool {
	return &Pool{ctx: c, dispatcher: d, runner: r, size: size}
}

// Run starts size worker goroutines and blocks until ctx is canceled and
// all of them have exited.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, p.size)
	for i := 0; i < p.size; i++ {
		id := workerID(i)
		go func() {
			p.loop(ctx, id)
			done <- struct{}{}
		}()
	}
	for i := 0; i < p.size; i++ {
		<-done
	}
}

// Health reports the pool's configured size, satisfying health.Checkable.
func (p *Pool) Health(context.Context) (interface{}, error) {
	return map[string]interface{}{
		"workers": p.size,
	}, nil
}

func workerID(i int) string {
	return "worker-" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// loop repeatedly acquires work, runs it, and heartbeats while running. A
// transaction is processed by exactly one worker at a time.
func (p *Pool) loop(ctx context.Context, id string) {
	backoff := p.ctx.Parameters.CrawlerPeriod

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tx, err := p.dispatcher.Acquire(id)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-p.ctx.Clock.After(backoff):
			}
			continue
		}

		p.process(ctx, id, tx)
	}
}

func (p *Pool) process(ctx context.Context, id string, tx *types.Transaction) {
	stop := p.heartbeat(ctx, id, tx.Hash)
	defer close(stop)

	if err := p.runner.Run(ctx, tx); err != nil {
		p.ctx.Log.Warn("worker: run failed", zap.String("worker", id), zap.Stringer("hash", tx.Hash), zap.Error(err))
	}
	p.dispatcher.Release(tx.Hash)
}

// heartbeat renews the lease at lease/3 cadence until the returned channel
// is closed.
func (p *Pool) heartbeat(ctx context.Context, id string, hash ids.Hash) chan struct{} {
	stop := make(chan struct{})
	interval := p.ctx.Parameters.LeaseDuration / 3
	go func() {
		ticker := p.ctx.Clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C():
				p.dispatcher.Heartbeat(id, hash)
			}
		}
	}()
	return stop
}
