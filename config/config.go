// Package config defines the tunable parameters of the consensus core.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// Sentinel validation errors.
var (
	ErrInvalidCommitteeSize  = errors.New("config: committee_size_default must be >= 1")
	ErrInvalidWorkerCount    = errors.New("config: worker_count must be >= 1")
	ErrInvalidMaxRotations   = errors.New("config: max_rotations must be >= 0")
	ErrInvalidFinalityWindow = errors.New("config: finality_window_seconds must be >= 0")
	ErrInvalidTimeout        = errors.New("config: timeouts must be > 0")
	ErrInvalidCrawlerPeriod  = errors.New("config: crawler_period_ms must be > 0")
	ErrInvalidQueueMax       = errors.New("config: pending_queue_max must be >= 1")
	ErrInvalidEventBuffer    = errors.New("config: event_bus_buffer must be >= 1")
)

// CommitteeWeighting selects how committees are drawn from the validator
// registry. The exact stake-weighting formula is deliberately pluggable;
// see DESIGN.md.
type CommitteeWeighting string

const (
	WeightingUniform CommitteeWeighting = "uniform"
	WeightingStake   CommitteeWeighting = "stake"
)

// Parameters holds every tunable of the consensus core.
type Parameters struct {
	FinalityWindow   time.Duration
	MaxRotations     uint32
	CommitteeSize    int
	WorkerCount      int
	LeaderTimeout    time.Duration
	ValidatorTimeout time.Duration
	GlobalDeadline   time.Duration
	CrawlerPeriod    time.Duration
	PendingQueueMax  int
	EventBusBuffer   int

	// CommitteeWeighting chooses the committee sampling strategy;
	// AppealCommitteeIncrement is the multiplier applied to committee size
	// on appeal (1.0 doubles the committee).
	CommitteeWeighting        CommitteeWeighting
	AppealCommitteeIncrement  float64
	// LeaseDuration is the dispatcher's lease window; a worker that misses
	// its heartbeat past this is declared lost.
	LeaseDuration time.Duration
}

// Default returns the reference configuration, tuned for a single-process
// simulator run rather than a distributed mainnet deployment.
func Default() Parameters {
	return Parameters{
		FinalityWindow:           10 * time.Second,
		MaxRotations:             3,
		CommitteeSize:            5,
		WorkerCount:              8,
		LeaderTimeout:            60 * time.Second,
		ValidatorTimeout:         120 * time.Second,
		GlobalDeadline:           30 * time.Minute,
		CrawlerPeriod:            500 * time.Millisecond,
		PendingQueueMax:          10_000,
		EventBusBuffer:           1024,
		CommitteeWeighting:       WeightingUniform,
		AppealCommitteeIncrement: 1.0,
		LeaseDuration:            60 * time.Second,
	}
}

// TestParams returns a configuration tuned for fast-running unit tests
// (short windows, small committees).
func TestParams() Parameters {
	p := Default()
	p.FinalityWindow = 50 * time.Millisecond
	p.LeaderTimeout = 200 * time.Millisecond
	p.ValidatorTimeout = 200 * time.Millisecond
	p.GlobalDeadline = 2 * time.Second
	p.CrawlerPeriod = 5 * time.Millisecond
	p.LeaseDuration = 200 * time.Millisecond
	p.WorkerCount = 2
	return p
}

// Valid validates parameters.
func (p Parameters) Valid() error {
	if p.CommitteeSize < 1 {
		return ErrInvalidCommitteeSize
	}
	if p.WorkerCount < 1 {
		return ErrInvalidWorkerCount
	}
	if p.FinalityWindow < 0 {
		return ErrInvalidFinalityWindow
	}
	if p.LeaderTimeout <= 0 || p.ValidatorTimeout <= 0 || p.GlobalDeadline <= 0 {
		return ErrInvalidTimeout
	}
	if p.CrawlerPeriod <= 0 {
		return ErrInvalidCrawlerPeriod
	}
	if p.PendingQueueMax < 1 {
		return ErrInvalidQueueMax
	}
	if p.EventBusBuffer < 1 {
		return ErrInvalidEventBuffer
	}
	return nil
}

// FromEnv overlays environment variables onto a base set of parameters,
// returning the result without mutating base.
func FromEnv(base Parameters) (Parameters, error) {
	p := base

	if v, ok := os.LookupEnv("finality_window_seconds"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return p, err
		}
		p.FinalityWindow = time.Duration(secs) * time.Second
	}
	if v, ok := os.LookupEnv("max_rotations"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return p, err
		}
		p.MaxRotations = uint32(n)
	}
	if v, ok := os.LookupEnv("committee_size_default"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, err
		}
		p.CommitteeSize = n
	}
	if v, ok := os.LookupEnv("worker_count"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, err
		}
		p.WorkerCount = n
	}
	if v, ok := os.LookupEnv("leader_timeout_seconds"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return p, err
		}
		p.LeaderTimeout = time.Duration(secs) * time.Second
	}
	if v, ok := os.LookupEnv("validator_timeout_seconds"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return p, err
		}
		p.ValidatorTimeout = time.Duration(secs) * time.Second
	}
	if v, ok := os.LookupEnv("global_deadline_seconds"); ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return p, err
		}
		p.GlobalDeadline = time.Duration(secs) * time.Second
	}
	if v, ok := os.LookupEnv("crawler_period_ms"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return p, err
		}
		p.CrawlerPeriod = time.Duration(ms) * time.Millisecond
	}
	if v, ok := os.LookupEnv("pending_queue_max"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, err
		}
		p.PendingQueueMax = n
	}
	if v, ok := os.LookupEnv("event_bus_buffer"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, err
		}
		p.EventBusBuffer = n
	}

	return p, p.Valid()
}
