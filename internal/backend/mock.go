package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
)

// Call is one recorded MockClient invocation.
type Call struct {
	Method   string
	Instance string
	Reboot   RebootType
	Create   *CreateRequest
	Modify   *ModifyRequest
}

// MockClient implements Client for testing without a cluster.
// Job ids are handed out sequentially starting at NextJobID.
type MockClient struct {
	mu        sync.Mutex
	nextJobID int64
	failures  map[string]error
	latency   map[string]time.Duration
	calls     []Call
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates a mock whose first job id is 1.
func NewMockClient() *MockClient {
	return &MockClient{
		nextJobID: 1,
		failures:  make(map[string]error),
		latency:   make(map[string]time.Duration),
	}
}

// SetNextJobID sets the id returned by the next successful call.
func (m *MockClient) SetNextJobID(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextJobID = id
}

// FailOn makes method fail with err until cleared with a nil err.
func (m *MockClient) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// DelayOn makes method block for d or until ctx ends.
func (m *MockClient) DelayOn(method string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency[method] = d
}

// Calls returns the recorded invocations.
func (m *MockClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// LastCall returns the most recent invocation.
func (m *MockClient) LastCall() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return Call{}, false
	}
	return m.calls[len(m.calls)-1], true
}

func (m *MockClient) CreateInstance(ctx context.Context, req CreateRequest) (int64, error) {
	return m.do(ctx, Call{Method: "CreateInstance", Instance: req.Name, Create: &req})
}

func (m *MockClient) StartupInstance(ctx context.Context, instance string) (int64, error) {
	return m.do(ctx, Call{Method: "StartupInstance", Instance: instance})
}

func (m *MockClient) ShutdownInstance(ctx context.Context, instance string) (int64, error) {
	return m.do(ctx, Call{Method: "ShutdownInstance", Instance: instance})
}

func (m *MockClient) RebootInstance(ctx context.Context, instance string, rebootType RebootType) (int64, error) {
	return m.do(ctx, Call{Method: "RebootInstance", Instance: instance, Reboot: rebootType})
}

func (m *MockClient) DeleteInstance(ctx context.Context, instance string) (int64, error) {
	return m.do(ctx, Call{Method: "DeleteInstance", Instance: instance})
}

func (m *MockClient) ModifyInstance(ctx context.Context, instance string, req ModifyRequest) (int64, error) {
	return m.do(ctx, Call{Method: "ModifyInstance", Instance: instance, Modify: &req})
}

func (m *MockClient) do(ctx context.Context, call Call) (int64, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	delay := m.latency[call.Method]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return 0, fmt.Errorf("%s: %w: %w", call.Method, apperrors.ErrTimeout, ctx.Err())
			}
			return 0, fmt.Errorf("%s: %w", call.Method, ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures[call.Method]; err != nil {
		return 0, err
	}
	id := m.nextJobID
	m.nextJobID++
	return id, nil
}
