// Package executor defines the protocol the consensus state machine speaks
// to the external validator-executor process, and the Equivalence
// Principle envelopes carried over it.
package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/luxfi/crypto"
	luxids "github.com/luxfi/ids"

	"github.com/genlayerlabs/genlayer-studio-sub001/ids"
	"github.com/genlayerlabs/genlayer-studio-sub001/types"
)

// Role distinguishes a leader run from a validator run.
type Role string

const (
	RoleLeader    Role = "leader"
	RoleValidator Role = "validator"
)

// EquivalencePrincipleKind is one of the three prompt envelope shapes the
// core may request: the core never inspects the prompt text itself, only
// the kind and the resulting verdict.
type EquivalencePrincipleKind string

const (
	// EquivalenceComparative compares a validator's result against the
	// leader's result under the transaction's stated principle.
	EquivalenceComparative EquivalencePrincipleKind = "comparative"
	// EquivalenceNonComparativeValidator asks a validator to judge its own
	// output against the principle alone (no leader result available).
	EquivalenceNonComparativeValidator EquivalencePrincipleKind = "non_comparative_validator"
	// EquivalenceNonComparativeLeader asks the leader to self-check against
	// the principle alone.
	EquivalenceNonComparativeLeader EquivalencePrincipleKind = "non_comparative_leader"
)

// Equivalence carries the principle text and the kind of comparison to
// perform; Principle is opaque to the core.
type Equivalence struct {
	Kind      EquivalencePrincipleKind
	Principle string
}

// HostData passes through mock fields verbatim so tests can replay
// deterministic executor behavior without a live sandbox.
type HostData struct {
	MockResponse     []byte
	MockWebResponses [][]byte
}

// Request is the structured envelope sent to the validator executor.
type Request struct {
	Role               Role
	Transaction        *types.Transaction
	ContractSnapshotRef uint64
	Mode               types.ExecutionMode
	Equivalence        *Equivalence
	HostData           HostData
}

// CalldataEmit is a sub-transaction produced by a leader's execution.
type CalldataEmit struct {
	To    ids.Address
	Input []byte
	Value []byte
}

// Receipt is the executor's report of one run.
type Receipt struct {
	ExecutionResult types.ExecutionResult
	Stdout          string
	Stderr          string
	StateWrite      []byte
	CalldataEmits   []CalldataEmit
	// EquivalenceVerdict is set for validator/equivalence-principle runs:
	// true means the validator judged its result equivalent to the
	// leader's (or, for non-comparative kinds, consistent with the
	// principle).
	EquivalenceVerdict bool
}

// Digest returns the keccak256 commitment of the receipt, recorded per
// validator in the round's validator_results.
func (r Receipt) Digest() ids.Hash {
	b, err := json.Marshal(r)
	if err != nil {
		return ids.EmptyHash
	}
	h, _ := luxids.ToID(crypto.Keccak256(b))
	return h
}

// Response wraps a Receipt with executor-side timing.
type Response struct {
	Receipt Receipt
	Timings map[string]time.Duration
}

// Executor is the client interface the consensus state machine calls
// through. Implementations talk to the external validator-executor
// process; the core treats every response as opaque beyond the failure
// taxonomy below.
type Executor interface {
	Execute(ctx context.Context, req Request) (Response, error)
}

// FailureKind classifies an executor-side failure.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureOverloaded
	FailureUser
	FailureFatal
)

// Failure is the error type Execute returns for classified executor
// failures; a plain error (e.g. context cancellation) is never wrapped in
// Failure and is treated as a transport-level error by the caller.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (f *Failure) Error() string { return f.Message }
