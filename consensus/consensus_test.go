package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/genlayerlabs/genlayer-studio-sub001/cctx"
	"github.com/genlayerlabs/genlayer-studio-sub001/clock"
	"github.com/genlayerlabs/genlayer-studio-sub001/config"
	"github.com/genlayerlabs/genlayer-studio-sub001/executor"
	"github.com/genlayerlabs/genlayer-studio-sub001/executor/executormock"
	"github.com/genlayerlabs/genlayer-studio-sub001/ids"
	"github.com/genlayerlabs/genlayer-studio-sub001/metrics"
	"github.com/genlayerlabs/genlayer-studio-sub001/snapshot"
	"github.com/genlayerlabs/genlayer-studio-sub001/store"
	"github.com/genlayerlabs/genlayer-studio-sub001/types"
	"github.com/genlayerlabs/genlayer-studio-sub001/validators"
)

type recordingSink struct {
	mu  sync.Mutex
	txs []*types.Transaction
}

func (s *recordingSink) Publish(tx *types.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, tx)
}

// newTestEngine seeds a registry with n validators and one ACTIVATED
// transaction. configure runs on the transaction before it is inserted, so
// mode and rotation settings are persisted, not just set on the local copy.
func newTestEngine(t *testing.T, exec executor.Executor, n int, configure func(*types.Transaction)) (*Engine, store.Store, *types.Transaction) {
	t.Helper()

	params := config.TestParams()
	c := cctx.New(log.NewNoOpLogger(), metrics.New(nil), clock.NewReal(), params)

	s := store.New(memdb.New(), 0)
	snaps := snapshot.New(memdb.New())
	reg := validators.New()
	for i := 0; i < n; i++ {
		var id ids.NodeID
		id[0] = byte(i + 1)
		reg.Upsert(types.Validator{ID: id, Stake: 1})
	}

	e := New(c, s, snaps, reg, exec, &recordingSink{})

	from, to := ids.Address{1}, ids.Address{2}
	tx := &types.Transaction{
		Hash:          ids.DeriveTransactionHash(from, to, 1, nil, nil, 0),
		From:          from,
		To:            to,
		Nonce:         1,
		CommitteeSize: n,
		MaxRotations:  1,
		InsertedAt:    c.Clock.Now(),
	}
	if configure != nil {
		configure(tx)
	}
	require.NoError(t, s.Insert(tx))
	activated, err := s.CASStatus(tx.Hash, types.StatusPending, types.StatusActivated, nil)
	require.NoError(t, err)

	return e, s, activated
}

func TestLeaderSelfValidatorAccepts(t *testing.T) {
	exec := executor.NewMock()
	exec.ByRole[executor.RoleLeader] = executor.MockPlan{
		Result:     executor.Receipt{ExecutionResult: types.ResultReturn, StateWrite: []byte("new-state")},
		Equivalent: true,
	}

	// committee size 1 with NORMAL must auto-degrade to LEADER_SELF_VALIDATOR
	e, s, tx := newTestEngine(t, exec, 1, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeNormal
	})

	require.NoError(t, e.Run(context.Background(), tx))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusAccepted, got.Status)
	require.NotNil(t, got.TimestampAwaitingFinalization)
	require.Equal(t, uint64(1), got.ContractSnapshotRef)
	require.Nil(t, got.CurrentWorker)
}

func TestLeaderSelfValidatorRejectsFailedSelfCheck(t *testing.T) {
	exec := executor.NewMock()
	exec.ByRole[executor.RoleLeader] = executor.MockPlan{
		Result:     executor.Receipt{ExecutionResult: types.ResultReturn},
		Equivalent: false,
	}

	e, s, tx := newTestEngine(t, exec, 1, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeLeaderSelfValidator
	})

	require.NoError(t, e.Run(context.Background(), tx))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusUndetermined, got.Status)
}

func TestLeaderOnlyAcceptsOnLeaderSuccessAlone(t *testing.T) {
	exec := executor.NewMock()
	exec.ByRole[executor.RoleLeader] = executor.MockPlan{
		Result: executor.Receipt{ExecutionResult: types.ResultReturn, StateWrite: []byte("s")},
		// no equivalence verdict: LEADER_ONLY accepts on success alone
	}

	e, s, tx := newTestEngine(t, exec, 1, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeLeaderOnly
	})

	require.NoError(t, e.Run(context.Background(), tx))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusAccepted, got.Status)
}

func TestNormalModeMajorityAgreeAccepts(t *testing.T) {
	exec := executor.NewMock()
	exec.ByRole[executor.RoleLeader] = executor.MockPlan{
		Result: executor.Receipt{ExecutionResult: types.ResultReturn, StateWrite: []byte("s")},
	}
	exec.ByRole[executor.RoleValidator] = executor.MockPlan{
		Result:     executor.Receipt{ExecutionResult: types.ResultReturn},
		Equivalent: true,
	}

	e, s, tx := newTestEngine(t, exec, 3, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeNormal
	})

	require.NoError(t, e.Run(context.Background(), tx))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusAccepted, got.Status)
	require.Len(t, got.ConsensusHistory, 1)
	require.Equal(t, types.RoundAccepted, got.ConsensusHistory[0].ConsensusRound)
	require.Contains(t, got.ConsensusHistory[0].Monitoring, types.StatusProposing.String())
	require.Contains(t, got.ConsensusHistory[0].Monitoring, types.StatusCommitting.String())
	require.Contains(t, got.ConsensusHistory[0].Monitoring, types.StatusRevealing.String())
}

func TestNormalModeTieIsUndetermined(t *testing.T) {
	exec := &splitVoteExecutor{}

	e, s, tx := newTestEngine(t, exec, 3, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeNormal
		tx.MaxRotations = 0
	})

	require.NoError(t, e.Run(context.Background(), tx))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusUndetermined, got.Status)
	require.Nil(t, got.TimestampAwaitingFinalization)
}

// splitVoteExecutor returns a leader receipt and alternates validator
// votes agree/disagree so agree == disagree for a 2-validator committee:
// a tie is no majority and must close the round Undetermined.
type splitVoteExecutor struct {
	mu    sync.Mutex
	calls int
}

func (e *splitVoteExecutor) Execute(_ context.Context, req executor.Request) (executor.Response, error) {
	if req.Role == executor.RoleLeader {
		return executor.Response{Receipt: executor.Receipt{ExecutionResult: types.ResultReturn, StateWrite: []byte("s")}}, nil
	}
	e.mu.Lock()
	n := e.calls
	e.calls++
	e.mu.Unlock()
	return executor.Response{Receipt: executor.Receipt{ExecutionResult: types.ResultReturn, EquivalenceVerdict: n%2 == 0}}, nil
}

func TestNormalModeDisagreementRotatesThenAccepts(t *testing.T) {
	exec := &disagreeFirstRoundExecutor{}

	e, s, tx := newTestEngine(t, exec, 3, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeNormal
		tx.MaxRotations = 1
	})

	require.NoError(t, e.Run(context.Background(), tx))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusAccepted, got.Status)
	require.Equal(t, uint32(1), got.RotationCount)
	require.Len(t, got.ConsensusHistory, 2)
	require.Equal(t, types.RoundUndetermined, got.ConsensusHistory[0].ConsensusRound)
	require.Equal(t, types.RoundAccepted, got.ConsensusHistory[1].ConsensusRound)
}

func TestNormalModeDisagreementWithoutBudgetIsUndetermined(t *testing.T) {
	exec := &disagreeFirstRoundExecutor{}

	e, s, tx := newTestEngine(t, exec, 3, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeNormal
		tx.MaxRotations = 0
	})

	require.NoError(t, e.Run(context.Background(), tx))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusUndetermined, got.Status)
	require.Zero(t, got.RotationCount)
}

// disagreeFirstRoundExecutor makes every validator disagree during the
// first round and agree afterwards, so a rotation flips the outcome.
type disagreeFirstRoundExecutor struct {
	mu    sync.Mutex
	calls int
}

func (e *disagreeFirstRoundExecutor) Execute(_ context.Context, req executor.Request) (executor.Response, error) {
	if req.Role == executor.RoleLeader {
		return executor.Response{Receipt: executor.Receipt{ExecutionResult: types.ResultReturn, StateWrite: []byte("s")}}, nil
	}
	e.mu.Lock()
	n := e.calls
	e.calls++
	e.mu.Unlock()
	return executor.Response{Receipt: executor.Receipt{ExecutionResult: types.ResultReturn, EquivalenceVerdict: n >= 2}}, nil
}

func TestLeaderFailureExhaustsRotationsThenTerminal(t *testing.T) {
	exec := executor.NewMock()
	exec.ByRole[executor.RoleLeader] = executor.MockPlan{
		Err: &executor.Failure{Kind: executor.FailureFatal, Message: "leader unreachable"},
	}

	e, s, tx := newTestEngine(t, exec, 3, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeLeaderOnly
		tx.MaxRotations = 0
	})

	require.NoError(t, e.Run(context.Background(), tx))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusLeaderTimeout, got.Status)
	require.Len(t, got.ConsensusHistory, 1)
	require.Equal(t, types.RoundLeaderTimeout, got.ConsensusHistory[0].ConsensusRound)
}

func TestLeaderFailureRotatesToNewLeader(t *testing.T) {
	exec := &failFirstLeaderExecutor{}

	e, s, tx := newTestEngine(t, exec, 3, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeLeaderOnly
		tx.CommitteeSize = 1
		tx.MaxRotations = 1
	})

	require.NoError(t, e.Run(context.Background(), tx))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusAccepted, got.Status)
	require.Equal(t, uint32(1), got.RotationCount)
	require.Len(t, got.ConsensusHistory, 2, "one failed round plus one successful round after rotation")
	require.NotEqual(t, got.ConsensusHistory[0].LeaderID, got.ConsensusHistory[1].LeaderID)
}

type failFirstLeaderExecutor struct {
	mu      sync.Mutex
	leaders int
}

func (e *failFirstLeaderExecutor) Execute(_ context.Context, req executor.Request) (executor.Response, error) {
	e.mu.Lock()
	n := e.leaders
	e.leaders++
	e.mu.Unlock()
	if n == 0 {
		return executor.Response{}, &executor.Failure{Kind: executor.FailureFatal, Message: "first leader unreachable"}
	}
	return executor.Response{Receipt: executor.Receipt{ExecutionResult: types.ResultReturn, StateWrite: []byte("s"), EquivalenceVerdict: true}}, nil
}

func TestRotationAfterRegistryChangeRecordsDrift(t *testing.T) {
	params := config.TestParams()
	c := cctx.New(log.NewNoOpLogger(), metrics.New(nil), clock.NewReal(), params)
	s := store.New(memdb.New(), 0)
	snaps := snapshot.New(memdb.New())
	reg := validators.New()
	for i := 0; i < 3; i++ {
		var id ids.NodeID
		id[0] = byte(i + 1)
		reg.Upsert(types.Validator{ID: id, Stake: 1})
	}

	exec := &registryMutatingExecutor{reg: reg}
	e := New(c, s, snaps, reg, exec, &recordingSink{})

	from, to := ids.Address{1}, ids.Address{2}
	tx := &types.Transaction{
		Hash:          ids.DeriveTransactionHash(from, to, 1, nil, nil, 0),
		From:          from,
		To:            to,
		Nonce:         1,
		CommitteeSize: 1,
		MaxRotations:  1,
		ExecutionMode: types.ModeLeaderOnly,
		InsertedAt:    c.Clock.Now(),
	}
	require.NoError(t, s.Insert(tx))
	activated, err := s.CASStatus(tx.Hash, types.StatusPending, types.StatusActivated, nil)
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background(), activated))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusAccepted, got.Status)
	require.Len(t, got.ConsensusHistory, 2)

	first, second := got.ConsensusHistory[0], got.ConsensusHistory[1]
	require.NotZero(t, first.RegistryVersion)
	require.False(t, first.RegistryChanged)
	require.NotEqual(t, first.RegistryVersion, second.RegistryVersion,
		"the registry mutated between rounds, so the rotation drew a new snapshot")
	require.True(t, second.RegistryChanged, "a rotation that could not reuse the first round's snapshot must say so")
}

// registryMutatingExecutor fails its first leader call after upserting a
// fresh validator, so the rotation that follows sees a moved registry.
type registryMutatingExecutor struct {
	mu    sync.Mutex
	reg   validators.Registry
	calls int
}

func (e *registryMutatingExecutor) Execute(_ context.Context, req executor.Request) (executor.Response, error) {
	e.mu.Lock()
	n := e.calls
	e.calls++
	e.mu.Unlock()

	if n == 0 {
		var id ids.NodeID
		id[0] = 77
		e.reg.Upsert(types.Validator{ID: id, Stake: 1})
		return executor.Response{}, &executor.Failure{Kind: executor.FailureFatal, Message: "leader died"}
	}
	return executor.Response{Receipt: executor.Receipt{ExecutionResult: types.ResultReturn, StateWrite: []byte("s")}}, nil
}

func TestNoLeadersReceiptClosesWithoutRotationCharge(t *testing.T) {
	exec := executor.NewMock()
	exec.ByRole[executor.RoleLeader] = executor.MockPlan{
		Result: executor.Receipt{ExecutionResult: types.ResultNoLeaders},
	}

	e, s, tx := newTestEngine(t, exec, 1, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeLeaderOnly
		tx.MaxRotations = 3
	})

	require.NoError(t, e.Run(context.Background(), tx))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusLeaderTimeout, got.Status)
	require.Zero(t, got.RotationCount, "a no_leaders receipt must not consume the rotation budget")
	require.Len(t, got.ConsensusHistory, 1)
}

func TestUserFailureProceedsToValidatorsAndAccepts(t *testing.T) {
	exec := executor.NewMock()
	exec.ByRole[executor.RoleLeader] = executor.MockPlan{
		Err: &executor.Failure{Kind: executor.FailureUser, Message: "contract raised"},
	}
	exec.ByRole[executor.RoleValidator] = executor.MockPlan{
		Result:     executor.Receipt{ExecutionResult: types.ResultContractError},
		Equivalent: true,
	}

	e, s, tx := newTestEngine(t, exec, 3, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeNormal
	})

	require.NoError(t, e.Run(context.Background(), tx))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusAccepted, got.Status, "a user error is a result, not an infrastructure failure")
	require.Zero(t, got.ContractSnapshotRef, "a rolled-back execution writes no snapshot")
}

func TestValidatorQuorumFailureClosesValidatorsTimeout(t *testing.T) {
	exec := executor.NewMock()
	exec.ByRole[executor.RoleLeader] = executor.MockPlan{
		Result: executor.Receipt{ExecutionResult: types.ResultReturn, StateWrite: []byte("s")},
	}
	exec.ByRole[executor.RoleValidator] = executor.MockPlan{
		Err: &executor.Failure{Kind: executor.FailureFatal, Message: "validators unreachable"},
	}

	e, s, tx := newTestEngine(t, exec, 5, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeNormal
		tx.MaxRotations = 0
	})

	require.NoError(t, e.Run(context.Background(), tx))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusValidatorsTimeout, got.Status)
	require.Equal(t, types.RoundValidatorsTimeout, got.ConsensusHistory[0].ConsensusRound)
}

func TestOverloadedExecutorIsRetriedWithinRound(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executormock.NewMockExecutor(ctrl)

	overloaded := &executor.Failure{Kind: executor.FailureOverloaded, Message: "busy"}
	gomock.InOrder(
		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(executor.Response{}, overloaded),
		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(executor.Response{}, overloaded),
		exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(executor.Response{
			Receipt: executor.Receipt{ExecutionResult: types.ResultReturn, StateWrite: []byte("s")},
		}, nil),
	)

	e, s, tx := newTestEngine(t, exec, 1, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeLeaderOnly
	})

	require.NoError(t, e.Run(context.Background(), tx))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusAccepted, got.Status, "two overloaded responses stay within the retry budget")
}

func TestAcceptEnqueuesEmittedSubTransactions(t *testing.T) {
	childTo := ids.Address{9}
	exec := executor.NewMock()
	exec.ByRole[executor.RoleLeader] = executor.MockPlan{
		Result: executor.Receipt{
			ExecutionResult: types.ResultReturn,
			StateWrite:      []byte("s"),
			CalldataEmits:   []executor.CalldataEmit{{To: childTo, Input: []byte("ping")}},
		},
		Equivalent: true,
	}

	e, s, tx := newTestEngine(t, exec, 1, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeLeaderOnly
	})

	require.NoError(t, e.Run(context.Background(), tx))

	children, err := s.ListPendingByContract(childTo, 0)
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]
	require.Equal(t, types.StatusPending, child.Status)
	require.Equal(t, tx.To, child.From, "a spawned transaction is sent by the executing contract")
	require.NotNil(t, child.TriggeredByHash)
	require.Equal(t, tx.Hash, *child.TriggeredByHash)
}

func TestGlobalDeadlineClosesUndetermined(t *testing.T) {
	exec := executor.NewMock()

	e, s, tx := newTestEngine(t, exec, 1, func(tx *types.Transaction) {
		tx.ExecutionMode = types.ModeLeaderOnly
		tx.InsertedAt = time.Now().Add(-time.Hour)
	})

	require.NoError(t, e.Run(context.Background(), tx))

	got, err := s.Get(tx.Hash)
	require.NoError(t, err)
	require.Equal(t, types.StatusUndetermined, got.Status)
	require.Empty(t, exec.Calls(), "a transaction past its global deadline never reaches the executor")
}

func TestExecutorFailureErrorUnwrapping(t *testing.T) {
	err := error(&executor.Failure{Kind: executor.FailureOverloaded, Message: "busy"})
	var failure *executor.Failure
	require.True(t, errors.As(err, &failure))
	require.Equal(t, executor.FailureOverloaded, failure.Kind)
}
