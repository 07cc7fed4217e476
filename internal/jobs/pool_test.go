package jobs_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/tenantlytics/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsTasks(t *testing.T) {
	p := jobs.NewPool(2, 4)
	p.Start(context.Background())

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) { ran.Add(1) }))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(10), ran.Load())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPool_StartLogsOnce(t *testing.T) {
	var logs syncBuffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	p := jobs.NewPool(2, 4)
	p.Start(context.Background())
	p.Start(context.Background())
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, 1, strings.Count(logs.String(), "worker pool started"))
}

func TestPool_Backpressure(t *testing.T) {
	p := jobs.NewPool(1, 1)
	p.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_RecoversFromPanic(t *testing.T) {
	p := jobs.NewPool(1, 2)
	p.Start(context.Background())

	var ran atomic.Bool
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) { ran.Store(true) }))
	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, ran.Load())
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := jobs.NewPool(1, 1)
	p.Start(context.Background())
	require.NoError(t, p.Shutdown(context.Background()))

	err := p.Submit(context.Background(), func(context.Context) {})
	assert.ErrorIs(t, err, jobs.ErrPoolClosed)

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_ShutdownUnblocksWaitingSubmit(t *testing.T) {
	p := jobs.NewPool(1, 0)
	p.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	errCh := make(chan error, 1)
	go func() { errCh <- p.Submit(context.Background(), func(context.Context) {}) }()

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- p.Shutdown(context.Background()) }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, jobs.ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked submit was not released by shutdown")
	}

	close(release)
	require.NoError(t, <-shutdownDone)
}

func TestPool_ShutdownHonorsContext(t *testing.T) {
	p := jobs.NewPool(1, 1)
	p.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
	close(release)
}
