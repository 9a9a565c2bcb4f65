package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockPlan is a deterministic, replayable execution plan: tests author one
// of these per leader/validator role instead of running a real LLM or web
// call.
type MockPlan struct {
	Result     Receipt
	Err        *Failure
	Equivalent bool
}

// Mock is an Executor that replays MockPlan values keyed by role, used by
// the executor, consensus and engine tests to drive full transaction
// lifecycles without any external process. The consensus engine calls Execute from one goroutine per
// committee member, so all mutable state sits behind a mutex.
type Mock struct {
	mu sync.Mutex

	// ByRole selects a canned response by request role when HostData has
	// no per-call override; populate it before the first Execute.
	ByRole map[Role]MockPlan

	calls []Request
}

// NewMock returns a Mock with no canned plans; callers populate ByRole.
func NewMock() *Mock {
	return &Mock{ByRole: make(map[Role]MockPlan)}
}

// Calls returns a copy of every request seen, in order, for assertions.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

func (m *Mock) Execute(_ context.Context, req Request) (Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	plan, ok := m.ByRole[req.Role]
	m.mu.Unlock()

	if len(req.HostData.MockResponse) > 0 {
		var r Receipt
		if err := json.Unmarshal(req.HostData.MockResponse, &r); err != nil {
			return Response{}, fmt.Errorf("executor: decode mock_response: %w", err)
		}
		return Response{Receipt: r, Timings: map[string]time.Duration{}}, nil
	}

	if !ok {
		return Response{}, &Failure{Kind: FailureFatal, Message: fmt.Sprintf("executor: no mock plan for role %q", req.Role)}
	}
	if plan.Err != nil {
		return Response{}, plan.Err
	}
	r := plan.Result
	r.EquivalenceVerdict = plan.Equivalent
	return Response{Receipt: r, Timings: map[string]time.Duration{}}, nil
}
