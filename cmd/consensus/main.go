// Command consensus runs the GenLayer Studio consensus core as a single
// process: crawler, dispatcher, worker pool, and finalization timer driven
// off one in-memory-backed store, fronted by the JSON-RPC surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/genlayerlabs/genlayer-studio-sub001/config"
	"github.com/genlayerlabs/genlayer-studio-sub001/engine"
	"github.com/genlayerlabs/genlayer-studio-sub001/executor"
)

func main() {
	logger := log.NewLogger("consensus")

	params, err := config.FromEnv(config.Default())
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		os.Exit(1)
	}

	db := memdb.New()
	reg := prometheus.NewRegistry()

	// A real deployment wires an executor client that speaks to the
	// external validator-executor process. Absent that wiring here, NewMock
	// with no plans fails closed rather than silently accepting
	// transactions it cannot run.
	exec := executor.NewMock()

	eng := engine.New(logger, reg, db, params, exec)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	logger.Info("consensus core started")

	<-ctx.Done()
	logger.Info("shutting down")
	eng.Stop()
}
