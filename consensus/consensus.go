// Package consensus implements the consensus state machine: the
// per-transaction PROPOSING -> COMMITTING -> REVEALING -> terminal pipeline,
// including leader rotation, the Equivalence Principle evaluation, and
// execution-mode-specific shortcuts.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/math/set"

	"github.com/genlayerlabs/genlayer-studio-sub001/cctx"
	"github.com/genlayerlabs/genlayer-studio-sub001/execmode"
	"github.com/genlayerlabs/genlayer-studio-sub001/executor"
	"github.com/genlayerlabs/genlayer-studio-sub001/ids"
	"github.com/genlayerlabs/genlayer-studio-sub001/metrics"
	"github.com/genlayerlabs/genlayer-studio-sub001/snapshot"
	"github.com/genlayerlabs/genlayer-studio-sub001/store"
	"github.com/genlayerlabs/genlayer-studio-sub001/types"
	"github.com/genlayerlabs/genlayer-studio-sub001/validators"
)

// overloadedRetries bounds the attempts made against an overloaded executor
// within a single round before the failure is treated as fatal.
const overloadedRetries = 3

// retryBackoff is the base delay between overloaded-executor attempts,
// doubled per attempt.
const retryBackoff = 250 * time.Millisecond

// EventSink is notified of every status transition a round produces; the
// eventbus package implements this to fan transitions out to subscribers.
type EventSink interface {
	Publish(tx *types.Transaction)
}

// Engine runs transactions through the state machine. It satisfies
// worker.Runner.
type Engine struct {
	ctx       *cctx.Context
	store     store.Store
	snapshots snapshot.Store
	registry  validators.Registry
	executor  executor.Executor
	events    EventSink

	accepted      metrics.Counter
	undetermined  metrics.Counter
	timeouts      metrics.Counter
	rotations     metrics.Counter
	roundDuration metrics.Averager
}

// New returns an Engine.
func New(c *cctx.Context, s store.Store, snaps snapshot.Store, reg validators.Registry, exec executor.Executor, events EventSink) *Engine {
	return &Engine{
		ctx:       c,
		store:     s,
		snapshots: snaps,
		registry:  reg,
		executor:  exec,
		events:    events,

		accepted:      c.Metrics.NewCounter("consensus_tx_accepted", "transactions accepted"),
		undetermined:  c.Metrics.NewCounter("consensus_tx_undetermined", "transactions closed undetermined"),
		timeouts:      c.Metrics.NewCounter("consensus_tx_timeouts", "transactions closed on a timeout status"),
		rotations:     c.Metrics.NewCounter("consensus_rotations", "leader/committee rotations"),
		roundDuration: c.Metrics.NewAverager("consensus_round_duration", "seconds per consensus round"),
	}
}

// Run advances tx from its current (PROPOSING-or-earlier) state through as
// many rounds as rotation allows, to a terminal or awaiting-finalization
// state. It is the entry point called once per dispatcher lease.
func (e *Engine) Run(ctx context.Context, tx *types.Transaction) error {
	excluded := set.Set[ids.NodeID]{}

	for {
		if e.deadlineExceeded(tx) {
			return e.closeTerminal(tx, types.StatusUndetermined, "global deadline exceeded")
		}

		roundStart := e.ctx.Clock.Now()
		outcome, err := e.runRound(ctx, tx, excluded)
		e.roundDuration.Observe(e.ctx.Clock.Now().Sub(roundStart).Seconds())
		if err != nil {
			return err
		}

		switch outcome.action {
		case actionTerminal:
			return e.closeTerminal(tx, outcome.status, outcome.warning)
		case actionAccept:
			return e.accept(tx, outcome.receipt)
		case actionRotate:
			if outcome.rotatedLeader != ids.EmptyNodeID {
				excluded.Add(outcome.rotatedLeader)
			}
			continue
		}
		return fmt.Errorf("consensus: unreachable round outcome")
	}
}

type roundAction int

const (
	actionTerminal roundAction = iota
	actionAccept
	actionRotate
)

type roundOutcome struct {
	action        roundAction
	status        types.Status
	warning       string
	receipt       executor.Receipt
	rotatedLeader ids.NodeID
}

// runRound executes exactly one PROPOSING[/COMMITTING/REVEALING] cycle and
// reports what should happen next. The crawler opens round 0 at activation;
// rotations and appeals leave a closed tail entry, so a fresh round is
// appended whenever the last entry is closed.
func (e *Engine) runRound(ctx context.Context, tx *types.Transaction, excluded set.Set[ids.NodeID]) (roundOutcome, error) {
	round := tx.LastRound()
	if round == nil || round.Closed {
		round = types.NewRoundEntry(len(tx.ConsensusHistory))
		tx.ConsensusHistory = append(tx.ConsensusHistory, round)
	}
	mode := execmode.Resolve(tx.ExecutionMode, tx.CommitteeSize)

	pinned := pinnedRegistryVersion(tx)
	committee, warning, err := e.selectCommittee(tx, round.RoundIndex, excluded, pinned)
	if errors.Is(err, validators.ErrInsufficientValidators) {
		e.closeRound(tx, round, types.RoundLeaderTimeout, nil)
		return roundOutcome{action: actionTerminal, status: types.StatusLeaderTimeout}, nil
	}
	if err != nil {
		return roundOutcome{}, err
	}
	round.Warning = warning
	round.CommitteeIDs = committeeIDs(committee)
	round.LeaderID = committee.Leader.ID
	round.RegistryVersion = committee.RegistryVersion
	round.RegistryChanged = pinned != 0 && committee.RegistryVersion != pinned

	e.transition(tx, types.StatusProposing, round, nil)

	leaderReceipt, leaderRun := e.runLeader(ctx, tx, committee, mode)
	switch leaderRun {
	case leaderOK:
	case leaderUserError:
		// A user-classified failure is the contract's own doing: record it
		// and let the committee judge the rollback like any other result.
		leaderReceipt = executor.Receipt{ExecutionResult: types.ResultContractError}
	default:
		e.closeRound(tx, round, types.RoundLeaderTimeout, nil)
		if tx.RotationCount < tx.MaxRotations {
			e.bumpRotation(tx)
			return roundOutcome{action: actionRotate, rotatedLeader: committee.Leader.ID}, nil
		}
		return roundOutcome{action: actionTerminal, status: types.StatusLeaderTimeout}, nil
	}

	if leaderReceipt.ExecutionResult == types.ResultNoLeaders {
		// The committee was too small for the mode; close without charging
		// a rotation.
		e.closeRound(tx, round, types.RoundLeaderTimeout, nil)
		return roundOutcome{action: actionTerminal, status: types.StatusLeaderTimeout}, nil
	}

	if !execmode.RequiresValidators(mode) {
		round.ValidatorResults = []types.ValidatorResult{{
			ValidatorID: committee.Leader.ID,
			Vote:        verdictToVote(leaderReceipt.EquivalenceVerdict),
			ReceiptHash: leaderReceipt.Digest(),
		}}
		return e.finishWithoutValidators(tx, round, leaderReceipt, mode), nil
	}

	e.transition(tx, types.StatusCommitting, round, nil)

	votes, committed := e.runValidators(ctx, tx, round)
	round.ValidatorResults = votes

	// The leader's receipt counts as its commitment; reveal requires a
	// strict majority of the whole committee to have committed.
	if committed+1 < quorum(tx.CommitteeSize) {
		e.closeRound(tx, round, types.RoundValidatorsTimeout, nil)
		if tx.RotationCount < tx.MaxRotations {
			e.bumpRotation(tx)
			return roundOutcome{action: actionRotate}, nil
		}
		return roundOutcome{action: actionTerminal, status: types.StatusValidatorsTimeout}, nil
	}

	agree, disagree := tally(votes)
	switch {
	case agree > len(votes)/2:
		e.closeRound(tx, round, types.RoundAccepted, nil)
		return roundOutcome{action: actionAccept, receipt: leaderReceipt}, nil
	case disagree > len(votes)/2 && tx.RotationCount < tx.MaxRotations:
		e.closeRound(tx, round, types.RoundUndetermined, nil)
		e.bumpRotation(tx)
		return roundOutcome{action: actionRotate}, nil
	default:
		// Ties (agree == disagree) and scattered votes are no majority.
		e.closeRound(tx, round, types.RoundUndetermined, nil)
		return roundOutcome{action: actionTerminal, status: types.StatusUndetermined}, nil
	}
}

func quorum(committeeSize int) int {
	return committeeSize/2 + 1
}

func (e *Engine) finishWithoutValidators(tx *types.Transaction, round *types.ConsensusRoundEntry, receipt executor.Receipt, mode types.ExecutionMode) roundOutcome {
	accepted := receipt.ExecutionResult == types.ResultReturn
	if mode == types.ModeLeaderSelfValidator {
		// The leader's self-validation must match its own result; a plain
		// success is not enough.
		accepted = accepted && receipt.EquivalenceVerdict
	}
	if accepted {
		e.closeRound(tx, round, types.RoundAccepted, nil)
		return roundOutcome{action: actionAccept, receipt: receipt}
	}
	e.closeRound(tx, round, types.RoundUndetermined, nil)
	return roundOutcome{action: actionTerminal, status: types.StatusUndetermined}
}

// pinnedRegistryVersion returns the registry snapshot the transaction's
// first committee-bearing round drew from, so rotations reuse it; zero
// when no round has drawn a committee yet.
func pinnedRegistryVersion(tx *types.Transaction) uint64 {
	for _, r := range tx.ConsensusHistory {
		if r != nil && r.RegistryVersion != 0 {
			return r.RegistryVersion
		}
	}
	return 0
}

// selectCommittee draws a committee excluding previously-rotated-out
// leaders; if the exclusion set makes the registry too small, it falls
// back to drawing without exclusion and returns a non-fatal warning, since
// a shrunken set may legitimately re-select a prior leader.
func (e *Engine) selectCommittee(tx *types.Transaction, roundIndex int, excluded set.Set[ids.NodeID], pinned uint64) (validators.Committee, string, error) {
	committee, err := e.registry.SelectCommittee(tx.Hash, roundIndex, tx.CommitteeSize, e.ctx.Parameters.CommitteeWeighting, excluded, pinned)
	if err == nil {
		return committee, "", nil
	}
	if !errors.Is(err, validators.ErrInsufficientValidators) || excluded.Len() == 0 {
		return validators.Committee{}, "", err
	}

	committee, err2 := e.registry.SelectCommittee(tx.Hash, roundIndex, tx.CommitteeSize, e.ctx.Parameters.CommitteeWeighting, set.Set[ids.NodeID]{}, pinned)
	if err2 != nil {
		return validators.Committee{}, "", err
	}
	return committee, "committee shrunk below exclusion set; leader may repeat", nil
}

type leaderRunResult int

const (
	leaderOK leaderRunResult = iota
	leaderUserError
	leaderTimedOut
)

func (e *Engine) runLeader(ctx context.Context, tx *types.Transaction, committee validators.Committee, mode types.ExecutionMode) (executor.Receipt, leaderRunResult) {
	kind := executor.EquivalenceComparative
	if mode == types.ModeLeaderSelfValidator || mode == types.ModeLeaderOnly {
		kind = executor.EquivalenceNonComparativeLeader
	}

	resp, err := e.execWithRetry(ctx, executor.Request{
		Role:                executor.RoleLeader,
		Transaction:         tx,
		ContractSnapshotRef: tx.ContractSnapshotRef,
		Mode:                mode,
		Equivalence:         &executor.Equivalence{Kind: kind},
	}, e.ctx.Parameters.LeaderTimeout)
	if err == nil {
		receipt := resp.Receipt
		if receipt.ExecutionResult == types.ResultError || receipt.ExecutionResult == types.ResultNone {
			return executor.Receipt{}, leaderTimedOut
		}
		return receipt, leaderOK
	}

	var failure *executor.Failure
	if errors.As(err, &failure) && failure.Kind == executor.FailureUser {
		e.ctx.Log.Info("consensus: leader run hit contract error", zap.Stringer("hash", tx.Hash), zap.Error(err))
		return executor.Receipt{}, leaderUserError
	}
	e.ctx.Log.Warn("consensus: leader run failed", zap.Stringer("hash", tx.Hash), zap.Error(err))
	return executor.Receipt{}, leaderTimedOut
}

// execWithRetry calls the executor under a per-attempt timeout, retrying
// overloaded failures with doubling backoff.
func (e *Engine) execWithRetry(ctx context.Context, req executor.Request, timeout time.Duration) (executor.Response, error) {
	backoff := retryBackoff
	for attempt := 0; ; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := e.executor.Execute(runCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}

		var failure *executor.Failure
		if !errors.As(err, &failure) || failure.Kind != executor.FailureOverloaded || attempt+1 >= overloadedRetries {
			return executor.Response{}, err
		}

		select {
		case <-ctx.Done():
			return executor.Response{}, ctx.Err()
		case <-e.ctx.Clock.After(backoff):
		}
		backoff *= 2
	}
}

// runValidators executes every non-leader committee member concurrently
// under the Equivalence Principle, transitioning the transaction into
// REVEALING the moment enough commitments have arrived. A validator that
// times out contributes VoteTimeout, which is never counted as
// VoteDisagree: timing out after committing is not a disagreement.
func (e *Engine) runValidators(ctx context.Context, tx *types.Transaction, round *types.ConsensusRoundEntry) (votes []types.ValidatorResult, committed int) {
	type result struct {
		idx int
		res types.ValidatorResult
	}

	members := round.CommitteeIDs[1:]
	out := make(chan result, len(members))

	for i, id := range members {
		go func(i int, id ids.NodeID) {
			resp, err := e.execWithRetry(ctx, executor.Request{
				Role:                executor.RoleValidator,
				Transaction:         tx,
				ContractSnapshotRef: tx.ContractSnapshotRef,
				Mode:                tx.ExecutionMode,
				Equivalence:         &executor.Equivalence{Kind: executor.EquivalenceComparative},
			}, e.ctx.Parameters.ValidatorTimeout)
			if err != nil {
				var failure *executor.Failure
				if errors.As(err, &failure) && failure.Kind == executor.FailureUser {
					// The validator's local run errored inside the
					// contract: it has a result and it does not match.
					out <- result{i, types.ValidatorResult{ValidatorID: id, Vote: types.VoteDisagree}}
					return
				}
				out <- result{i, types.ValidatorResult{ValidatorID: id, Vote: types.VoteTimeout}}
				return
			}
			out <- result{i, types.ValidatorResult{
				ValidatorID: id,
				Vote:        verdictToVote(resp.Receipt.EquivalenceVerdict),
				ReceiptHash: resp.Receipt.Digest(),
			}}
		}(i, id)
	}

	votes = make([]types.ValidatorResult, len(members))
	revealed := false
	for range members {
		r := <-out
		votes[r.idx] = r.res
		if r.res.Vote == types.VoteTimeout {
			continue
		}
		committed++
		if !revealed && committed+1 >= quorum(tx.CommitteeSize) {
			revealed = true
			e.transition(tx, types.StatusRevealing, round, func(t *types.Transaction) {
				now := e.ctx.Clock.Now()
				t.LastVoteTimestamp = &now
			})
		}
	}
	return votes, committed
}

func verdictToVote(equivalent bool) types.VoteClassification {
	if equivalent {
		return types.VoteAgree
	}
	return types.VoteDisagree
}

func tally(votes []types.ValidatorResult) (agree, disagree int) {
	for _, v := range votes {
		switch v.Vote {
		case types.VoteAgree:
			agree++
		case types.VoteDisagree:
			disagree++
		}
	}
	return
}

func committeeIDs(c validators.Committee) []ids.NodeID {
	out := make([]ids.NodeID, len(c.Members))
	for i, v := range c.Members {
		out[i] = v.ID
	}
	return out
}

func (e *Engine) deadlineExceeded(tx *types.Transaction) bool {
	return e.ctx.Clock.Now().Sub(tx.InsertedAt) > e.ctx.Parameters.GlobalDeadline
}

// transition CASes tx into status, stamping the round's monitoring map and
// persisting the round body in the same store-side critical section, then
// refreshes the caller's local tx from the authoritative copy: every field
// the engine wants to stick must travel through the patch closure rather
// than a direct write on the local value.
func (e *Engine) transition(tx *types.Transaction, status types.Status, round *types.ConsensusRoundEntry, patch func(*types.Transaction)) {
	round.Monitoring[status.String()] = e.ctx.Clock.Now()
	round.StatusChanges = append(round.StatusChanges, status)

	updated, err := e.store.CASStatus(tx.Hash, tx.Status, status, func(t *types.Transaction) {
		syncRound(t, round)
		if patch != nil {
			patch(t)
		}
	})
	if err != nil {
		e.ctx.Log.Warn("consensus: status transition failed", zap.Stringer("hash", tx.Hash), zap.Error(err))
		return
	}
	*tx = *updated
	e.publish(updated)
}

// closeRound marks round closed under terminal and persists it without
// changing the transaction's status; the terminal status CAS (or the next
// round's PROPOSING CAS) follows separately, so the journal tail and the
// status never disagree for more than one transition.
func (e *Engine) closeRound(tx *types.Transaction, round *types.ConsensusRoundEntry, terminal types.RoundTerminal, patch func(*types.Transaction)) {
	round.ConsensusRound = terminal
	round.Closed = true

	updated, err := e.store.CASStatus(tx.Hash, tx.Status, tx.Status, func(t *types.Transaction) {
		syncRound(t, round)
		if patch != nil {
			patch(t)
		}
	})
	if err != nil {
		e.ctx.Log.Warn("consensus: close round failed", zap.Stringer("hash", tx.Hash), zap.Error(err))
		return
	}
	*tx = *updated
}

func (e *Engine) bumpRotation(tx *types.Transaction) {
	e.rotations.Inc()
	updated, err := e.store.CASStatus(tx.Hash, tx.Status, tx.Status, func(t *types.Transaction) {
		t.RotationCount++
	})
	if err != nil {
		e.ctx.Log.Warn("consensus: rotation bump failed", zap.Stringer("hash", tx.Hash), zap.Error(err))
		return
	}
	*tx = *updated
}

// syncRound writes the engine's working copy of a round into the
// authoritative record at its index, appending if the store has not seen
// the round yet.
func syncRound(t *types.Transaction, round *types.ConsensusRoundEntry) {
	for len(t.ConsensusHistory) <= round.RoundIndex {
		t.ConsensusHistory = append(t.ConsensusHistory, nil)
	}
	rc := *round
	t.ConsensusHistory[round.RoundIndex] = &rc
}

func (e *Engine) closeTerminal(tx *types.Transaction, status types.Status, warning string) error {
	updated, err := e.store.CASStatus(tx.Hash, tx.Status, status, func(t *types.Transaction) {
		t.CurrentWorker = nil
		if r := t.LastRound(); r != nil {
			r.StatusChanges = append(r.StatusChanges, status)
			if warning != "" {
				r.Warning = warning
			}
		}
	})
	if err != nil {
		return fmt.Errorf("consensus: close terminal: %w", err)
	}
	switch status {
	case types.StatusUndetermined:
		e.undetermined.Inc()
	case types.StatusLeaderTimeout, types.StatusValidatorsTimeout:
		e.timeouts.Inc()
	}
	e.publish(updated)
	return nil
}

func (e *Engine) accept(tx *types.Transaction, receipt executor.Receipt) error {
	version := tx.ContractSnapshotRef
	if len(receipt.StateWrite) > 0 || tx.Type == types.TxDeploy {
		var code []byte
		if tx.Type == types.TxDeploy {
			code = tx.Input
		}
		v, err := e.snapshots.Write(e.contractAddress(tx), code, receipt.StateWrite)
		if err != nil {
			return fmt.Errorf("consensus: snapshot write: %w", err)
		}
		version = v
	}

	now := e.ctx.Clock.Now()
	updated, err := e.store.CASStatus(tx.Hash, tx.Status, types.StatusAccepted, func(t *types.Transaction) {
		t.ContractSnapshotRef = version
		t.TimestampAwaitingFinalization = &now
		t.CurrentWorker = nil
		if r := t.LastRound(); r != nil {
			r.StatusChanges = append(r.StatusChanges, types.StatusAccepted)
		}
	})
	if err != nil {
		return fmt.Errorf("consensus: accept: %w", err)
	}
	e.accepted.Inc()
	e.publish(updated)

	e.enqueueChildren(updated, receipt.CalldataEmits)
	return nil
}

// contractAddress is the address the accepted receipt's state belongs to:
// the callee for calls, a derived address for deploys (whose `to` is
// absent).
func (e *Engine) contractAddress(tx *types.Transaction) ids.Address {
	if tx.Type == types.TxDeploy && tx.To.IsZero() {
		return ids.DeriveContractAddress(tx.From, tx.Nonce)
	}
	return tx.To
}

// enqueueChildren inserts every sub-transaction the leader's execution
// emitted, each carrying triggered_by_hash. A child draws a fresh committee
// when its own consensus run starts; it never inherits the parent's.
func (e *Engine) enqueueChildren(parent *types.Transaction, emits []executor.CalldataEmit) {
	if len(emits) == 0 {
		return
	}
	from := e.contractAddress(parent)
	parentHash := parent.Hash

	for _, emit := range emits {
		nonce, err := e.store.NextNonce(from)
		if err != nil {
			e.ctx.Log.Warn("consensus: child nonce allocation failed", zap.Stringer("parent", parentHash), zap.Error(err))
			continue
		}
		child := &types.Transaction{
			Hash:            ids.DeriveTransactionHash(from, emit.To, nonce, emit.Value, emit.Input, byte(types.TxCall)),
			From:            from,
			To:              emit.To,
			Type:            types.TxCall,
			Nonce:           nonce,
			Input:           emit.Input,
			Value:           emit.Value,
			Status:          types.StatusPending,
			ExecutionMode:   types.ModeNormal,
			CommitteeSize:   e.ctx.Parameters.CommitteeSize,
			MaxRotations:    e.ctx.Parameters.MaxRotations,
			TriggeredByHash: &parentHash,
			InsertedAt:      e.ctx.Clock.Now(),
		}
		if err := e.store.Insert(child); err != nil {
			e.ctx.Log.Warn("consensus: child enqueue failed",
				zap.Stringer("parent", parentHash), zap.Stringer("child", child.Hash), zap.Error(err))
		}
	}
}

func (e *Engine) publish(tx *types.Transaction) {
	if e.events != nil {
		e.events.Publish(tx)
	}
}
