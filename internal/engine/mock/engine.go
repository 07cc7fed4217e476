package mock

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/kiranshivaraju/tenantlytics/internal/engine"
)

// MockEngine satisfies engine.Engine for testing.
type MockEngine struct {
	ComputeFunc func(ctx context.Context, req engine.Request) (json.RawMessage, error)

	calls atomic.Int64
}

func (m *MockEngine) Compute(ctx context.Context, req engine.Request) (json.RawMessage, error) {
	m.calls.Add(1)
	if m.ComputeFunc != nil {
		return m.ComputeFunc(ctx, req)
	}
	return json.RawMessage(`{}`), nil
}

// Calls reports how many times Compute has been invoked.
func (m *MockEngine) Calls() int {
	return int(m.calls.Load())
}

// NewMockEngine returns a MockEngine that echoes the request type in a small result.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		ComputeFunc: func(_ context.Context, req engine.Request) (json.RawMessage, error) {
			return json.Marshal(map[string]any{
				"type":    req.Type,
				"summary": "Mock analysis summary for testing",
			})
		},
	}
}

// NewFailingEngine returns a MockEngine that always returns the given error.
func NewFailingEngine(err error) *MockEngine {
	return &MockEngine{
		ComputeFunc: func(_ context.Context, _ engine.Request) (json.RawMessage, error) {
			return nil, err
		},
	}
}

// NewTimeoutEngine returns a MockEngine that blocks until context is cancelled.
func NewTimeoutEngine() *MockEngine {
	return &MockEngine{
		ComputeFunc: func(ctx context.Context, _ engine.Request) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, engine.ErrEngineTimeout
		},
	}
}

// Compile-time check that MockEngine implements Engine.
var _ engine.Engine = (*MockEngine)(nil)
