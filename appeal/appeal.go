// Package appeal implements the appeal engine: accepting an appeal against
// an ACCEPTED or terminally-failed transaction, enlarging its committee,
// and re-running consensus on it with a fresh rotation budget.
package appeal

import (
	"context"
	"errors"
	"fmt"

	"github.com/genlayerlabs/genlayer-studio-sub001/cctx"
	"github.com/genlayerlabs/genlayer-studio-sub001/ids"
	"github.com/genlayerlabs/genlayer-studio-sub001/store"
	"github.com/genlayerlabs/genlayer-studio-sub001/types"
)

// ErrNotAppealable is returned when hash does not name a transaction in a
// state an appeal can apply to, or its finalization window has already
// expired.
var ErrNotAppealable = errors.New("appeal: transaction is not in an appealable state")

// Runner re-runs consensus for tx, rotations included; implemented by
// package consensus. Declared here to avoid an import cycle.
type Runner interface {
	Run(ctx context.Context, tx *types.Transaction) error
}

// RewardPolicy decides what happens to validator rewards and the finality
// window when an appeal succeeds or fails. The core records counters only;
// the economic formula lives behind this interface.
type RewardPolicy interface {
	OnAppealResolved(tx *types.Transaction, succeeded bool)
}

// NoopRewardPolicy applies no reward or window changes.
type NoopRewardPolicy struct{}

func (NoopRewardPolicy) OnAppealResolved(*types.Transaction, bool) {}

// Engine accepts appeals and hands enlarged-committee re-runs back to the
// consensus engine.
type Engine struct {
	ctx    *cctx.Context
	store  store.Store
	runner Runner
	policy RewardPolicy
}

// New returns an Engine. A nil policy falls back to NoopRewardPolicy.
func New(c *cctx.Context, s store.Store, runner Runner, policy RewardPolicy) *Engine {
	if policy == nil {
		policy = NoopRewardPolicy{}
	}
	return &Engine{ctx: c, store: s, runner: runner, policy: policy}
}

// appealable reports whether tx can be appealed right now: ACCEPTED inside
// its finality window, or any terminal failure (which never finalizes and
// so has no window to expire).
func (e *Engine) appealable(tx *types.Transaction) bool {
	switch tx.Status {
	case types.StatusAccepted:
		if tx.TimestampAwaitingFinalization == nil {
			return false
		}
		return e.ctx.Clock.Now().Sub(*tx.TimestampAwaitingFinalization) < e.ctx.FinalityWindow.Get()
	case types.StatusUndetermined, types.StatusLeaderTimeout, types.StatusValidatorsTimeout:
		return true
	default:
		return false
	}
}

// Appeal processes an appeal request for hash. It is idempotent: a repeat
// call carrying the same appeal_count as is already recorded on the
// transaction is a no-op that returns the current transaction unchanged.
func (e *Engine) Appeal(ctx context.Context, hash ids.Hash, requestedAppealCount uint32) (*types.Transaction, error) {
	tx, err := e.store.Get(hash)
	if err != nil {
		return nil, err
	}

	if requestedAppealCount <= tx.AppealCount {
		return tx, nil
	}

	if !e.appealable(tx) {
		return nil, ErrNotAppealable
	}
	originalStatus := tx.Status

	enlarged := tx.CommitteeSize + int(e.ctx.Parameters.AppealCommitteeIncrement*float64(tx.CommitteeSize))
	if enlarged <= tx.CommitteeSize {
		enlarged = tx.CommitteeSize + 1
	}

	now := e.ctx.Clock.Now()
	updated, err := e.store.CASStatus(hash, tx.Status, types.StatusProposing, func(t *types.Transaction) {
		t.AppealCount = requestedAppealCount
		t.CommitteeSize = enlarged
		t.RotationCount = 0
		t.TimestampAwaitingFinalization = nil
		if r := t.LastRound(); r != nil && !r.Closed {
			r.ConsensusRound = types.RoundAppeal
			r.Closed = true
			r.Monitoring[string(types.RoundAppeal)] = now
		} else {
			marker := types.NewRoundEntry(len(t.ConsensusHistory))
			marker.ConsensusRound = types.RoundAppeal
			marker.Closed = true
			marker.Monitoring[string(types.RoundAppeal)] = now
			t.ConsensusHistory = append(t.ConsensusHistory, marker)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("appeal: reopen for appeal: %w", err)
	}

	if err := e.runner.Run(ctx, updated); err != nil {
		return nil, fmt.Errorf("appeal: re-run consensus: %w", err)
	}

	final, err := e.store.Get(hash)
	if err != nil {
		return nil, err
	}

	// A failed appeal is one whose re-run reconfirms the outcome being
	// appealed; the core records the counter and defers any reward/window
	// consequence to the policy.
	succeeded := final.Status != originalStatus
	if !succeeded {
		final, err = e.store.CASStatus(hash, final.Status, final.Status, func(t *types.Transaction) {
			t.AppealFailed++
		})
		if err != nil {
			return nil, fmt.Errorf("appeal: record failed appeal: %w", err)
		}
	}
	e.policy.OnAppealResolved(final, succeeded)

	return final, nil
}
