package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/tenantlytics/internal/engine"
	"github.com/kiranshivaraju/tenantlytics/internal/engine/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEngine_Default(t *testing.T) {
	m := mock.NewMockEngine()
	out, err := m.Compute(context.Background(), engine.Request{Type: "automated_eda"})
	require.NoError(t, err)
	assert.Contains(t, string(out), "automated_eda")
	assert.Equal(t, 1, m.Calls())
}

func TestMockEngine_ZeroValue(t *testing.T) {
	m := &mock.MockEngine{}
	out, err := m.Compute(context.Background(), engine.Request{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))
}

func TestFailingEngine(t *testing.T) {
	want := errors.New("boom")
	m := mock.NewFailingEngine(want)
	_, err := m.Compute(context.Background(), engine.Request{})
	assert.ErrorIs(t, err, want)
}

func TestTimeoutEngine(t *testing.T) {
	m := mock.NewTimeoutEngine()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.Compute(ctx, engine.Request{})
	assert.ErrorIs(t, err, engine.ErrEngineTimeout)
}
