package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/okxtap/internal/storage"
)

type fakeFlusher struct {
	kind    string
	err     error
	flushes atomic.Int64
	pending atomic.Int64
}

func (f *fakeFlusher) Flush(context.Context) error {
	f.flushes.Add(1)
	if f.err == nil {
		f.pending.Store(0)
	}
	return f.err
}

func (f *fakeFlusher) Kind() string { return f.kind }
func (f *fakeFlusher) Len() int     { return int(f.pending.Load()) }

func TestSchedulerFlushesOnInterval(t *testing.T) {
	f := &fakeFlusher{kind: "trades"}
	s := NewScheduler(10*time.Millisecond, time.Second, []Flusher{f}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return f.flushes.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerFinalDrainOnCancel(t *testing.T) {
	f := &fakeFlusher{kind: "trades"}
	f.pending.Store(5)
	s := NewScheduler(time.Hour, time.Second, []Flusher{f}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
	require.Equal(t, int64(1), f.flushes.Load())
	require.Zero(t, s.Pending())
}

func TestSchedulerIsolatesTransientFailures(t *testing.T) {
	bad := &fakeFlusher{kind: "trades", err: storage.MarkTransient(errors.New("net down"))}
	good := &fakeFlusher{kind: "tickers"}
	s := NewScheduler(time.Hour, time.Second, []Flusher{bad, good}, zerolog.Nop())

	require.NoError(t, s.FlushAll(context.Background()))
	require.Equal(t, int64(1), bad.flushes.Load())
	require.Equal(t, int64(1), good.flushes.Load())
}

func TestSchedulerStopsOnFatalFailure(t *testing.T) {
	bad := &fakeFlusher{kind: "trades", err: storage.MarkFatal(errors.New("auth revoked"))}
	good := &fakeFlusher{kind: "tickers"}
	s := NewScheduler(5*time.Millisecond, time.Second, []Flusher{bad, good}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		require.True(t, storage.IsFatal(err))
		require.GreaterOrEqual(t, good.flushes.Load(), int64(1))
	case <-time.After(time.Second):
		t.Fatal("scheduler did not surface fatal error")
	}
}
