// Package engine wires every component of the consensus core together
// into one runnable process.
package engine

import (
	"context"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/genlayerlabs/genlayer-studio-sub001/appeal"
	"github.com/genlayerlabs/genlayer-studio-sub001/cctx"
	"github.com/genlayerlabs/genlayer-studio-sub001/clock"
	"github.com/genlayerlabs/genlayer-studio-sub001/config"
	"github.com/genlayerlabs/genlayer-studio-sub001/consensus"
	"github.com/genlayerlabs/genlayer-studio-sub001/crawler"
	"github.com/genlayerlabs/genlayer-studio-sub001/dispatcher"
	"github.com/genlayerlabs/genlayer-studio-sub001/eventbus"
	"github.com/genlayerlabs/genlayer-studio-sub001/executor"
	"github.com/genlayerlabs/genlayer-studio-sub001/finality"
	"github.com/genlayerlabs/genlayer-studio-sub001/health"
	"github.com/genlayerlabs/genlayer-studio-sub001/metrics"
	"github.com/genlayerlabs/genlayer-studio-sub001/rpc"
	"github.com/genlayerlabs/genlayer-studio-sub001/snapshot"
	"github.com/genlayerlabs/genlayer-studio-sub001/store"
	"github.com/genlayerlabs/genlayer-studio-sub001/validators"
	"github.com/genlayerlabs/genlayer-studio-sub001/worker"
)

// Engine owns every long-running component of the consensus core and
// provides one Start/Stop lifecycle over all of them.
type Engine struct {
	RPC        *rpc.Server
	Registry   validators.Registry

	ctx        *cctx.Context
	crawler    *crawler.Crawler
	dispatcher *dispatcher.Dispatcher
	pool       *worker.Pool
	finality   *finality.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs every component from params and an Executor
// implementation (a real validator-executor client in production, or
// executor.NewMock in tests), backed by db for persistent state.
func New(logger log.Logger, reg prometheus.Registerer, db database.Database, params config.Parameters, exec executor.Executor) *Engine {
	m := metrics.New(reg)
	c := cctx.New(logger, m, clock.NewReal(), params)

	s := store.New(db, params.PendingQueueMax)
	snaps := snapshot.New(db)
	vreg := validators.New()
	bus := eventbus.New(params.EventBusBuffer)

	consensusEngine := consensus.New(c, s, snaps, vreg, exec, bus)
	appealEngine := appeal.New(c, s, consensusEngine, appeal.NoopRewardPolicy{})

	disp := dispatcher.New(c, s)
	crawl := crawler.New(c, s, bus.Publish)
	finalityTimer := finality.New(c, s, bus)
	srv := rpc.New(c, s, appealEngine, bus)
	pool := worker.New(c, disp, consensusEngine, params.WorkerCount)

	return &Engine{
		RPC:        srv,
		Registry:   vreg,
		ctx:        c,
		crawler:    crawl,
		dispatcher: disp,
		pool:       pool,
		finality:   finalityTimer,
	}
}

// Start launches every background component.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(4)
	go func() { defer e.wg.Done(); e.crawler.Run(runCtx) }()
	go func() { defer e.wg.Done(); e.dispatcher.Run(runCtx) }()
	go func() { defer e.wg.Done(); e.finality.Run(runCtx) }()
	go func() { defer e.wg.Done(); e.pool.Run(runCtx) }()
}

// Stop signals every component to exit and waits for them to do so.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.crawler.Stop()
	e.dispatcher.Stop()
	e.finality.Stop()
	e.wg.Wait()
}

// HealthRegistry returns a health.Registry preloaded with every background
// component; callers may register further Checkables (e.g. an executor
// reachability probe) before serving it over the API surface.
func (e *Engine) HealthRegistry() *health.Registry {
	reg := health.NewRegistry()
	reg.Register("crawler", e.crawler)
	reg.Register("dispatcher", e.dispatcher)
	reg.Register("workerPool", e.pool)
	reg.Register("finalityTimer", e.finality)
	return reg
}
