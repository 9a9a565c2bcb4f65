// Package cctx provides the single injected context object threaded through
// every component constructor; there are no package-level singletons for
// the store, logger or clock.
package cctx

import (
	"sync/atomic"
	"time"

	"github.com/luxfi/log"

	"github.com/genlayerlabs/genlayer-studio-sub001/clock"
	"github.com/genlayerlabs/genlayer-studio-sub001/config"
	"github.com/genlayerlabs/genlayer-studio-sub001/metrics"
)

// Window is a runtime-adjustable duration. The RPC surface writes it while
// the finalization timer and appeal engine read it from their own
// goroutines, so access goes through an atomic rather than the immutable
// Parameters snapshot.
type Window struct {
	ns atomic.Int64
}

// NewWindow returns a Window starting at d.
func NewWindow(d time.Duration) *Window {
	w := &Window{}
	w.ns.Store(int64(d))
	return w
}

// Get returns the current window.
func (w *Window) Get() time.Duration {
	return time.Duration(w.ns.Load())
}

// Set replaces the window; the new value takes effect on the reader's next
// check.
func (w *Window) Set(d time.Duration) {
	w.ns.Store(int64(d))
}

// Context bundles the cross-cutting dependencies every component needs:
// logging, metrics, time, and configuration. Components accept a *Context
// through their constructor instead of reaching a package-level global.
type Context struct {
	Log        log.Logger
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Parameters config.Parameters

	// FinalityWindow is the live finality window, seeded from
	// Parameters.FinalityWindow and adjustable at runtime through the RPC
	// surface. Shared by pointer across With copies.
	FinalityWindow *Window
}

// New builds a Context from its parts.
func New(logger log.Logger, m *metrics.Metrics, c clock.Clock, p config.Parameters) *Context {
	return &Context{
		Log:            logger,
		Metrics:        m,
		Clock:          c,
		Parameters:     p,
		FinalityWindow: NewWindow(p.FinalityWindow),
	}
}

// With returns a shallow copy of the Context with its Parameters replaced,
// used when a subcomponent must run under different tuning (e.g. an appeal
// round with an enlarged committee) without mutating the shared Context.
func (c *Context) With(p config.Parameters) *Context {
	cp := *c
	cp.Parameters = p
	return &cp
}
