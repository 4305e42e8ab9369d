package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/stagee/pkg/queue"
	"github.com/jordigilh/stagee/pkg/store"
)

type fakeRunner struct {
	run func(ctx context.Context, executionID string) error
}

func (f *fakeRunner) Run(ctx context.Context, executionID string) error {
	return f.run(ctx, executionID)
}

func TestPoolLeasesRunsAndAcks(t *testing.T) {
	s := store.NewMemoryStore()
	q := queue.New(s)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "exec-1", nil, 1, time.Now())
	require.NoError(t, err)

	var ran atomic.Bool
	runner := &fakeRunner{run: func(ctx context.Context, executionID string) error {
		ran.Store(true)
		assert.Equal(t, "exec-1", executionID)
		return nil
	}}

	p := New(Config{Queue: q, Runner: runner, Workers: 1, LeaseTTL: time.Minute, MaxAttempts: 3, Log: logr.Discard()})

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = p.Run(runCtx)

	assert.True(t, ran.Load())

	items, err := s.Lease(ctx, 10, "probe", time.Minute)
	require.NoError(t, err)
	assert.Len(t, items, 0, "item must have been acked, not left leasable")
}

func TestPoolNacksOnRunnerError(t *testing.T) {
	s := store.NewMemoryStore()
	q := queue.New(s)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "exec-1", nil, 1, time.Now())
	require.NoError(t, err)

	runner := &fakeRunner{run: func(ctx context.Context, executionID string) error {
		return assertErr
	}}

	p := New(Config{Queue: q, Runner: runner, Workers: 1, LeaseTTL: time.Minute, MaxAttempts: 1, Log: logr.Discard()})

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = p.Run(runCtx)

	dlq, err := s.ListDLQ(ctx, "")
	require.NoError(t, err)
	assert.Len(t, dlq, 1, "single-attempt failure must route straight to the DLQ")
}

func TestPoolRoutesStepRetriesExhaustedStraightToDLQ(t *testing.T) {
	s := store.NewMemoryStore()
	q := queue.New(s)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "exec-1", nil, 1, time.Now())
	require.NoError(t, err)

	runner := &fakeRunner{run: func(ctx context.Context, executionID string) error {
		return store.NewStepRetriesExhausted("ADAPTER_PERMANENT", "boom")
	}}

	// MaxAttempts is deliberately generous here: a StepRetriesExhausted error
	// must bypass it and route to the DLQ on the very first delivery, since
	// the execution already reached its own terminal FAILED status.
	p := New(Config{Queue: q, Runner: runner, Workers: 1, LeaseTTL: time.Minute, MaxAttempts: 5, Log: logr.Discard()})

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = p.Run(runCtx)

	dlq, err := s.ListDLQ(ctx, "")
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, "ADAPTER_PERMANENT", dlq[0].LastErrorKind)

	items, err := s.Lease(ctx, 10, "probe", time.Minute)
	require.NoError(t, err)
	assert.Len(t, items, 0, "item must not be left AVAILABLE for redelivery")
}

func TestShutdownStopsNewLeasesButLeavesQueueAlone(t *testing.T) {
	s := store.NewMemoryStore()
	q := queue.New(s)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "exec-1", nil, 1, time.Now())
	require.NoError(t, err)

	runner := &fakeRunner{run: func(ctx context.Context, executionID string) error { return nil }}
	p := New(Config{Queue: q, Runner: runner, Workers: 1, LeaseTTL: time.Minute, MaxAttempts: 3, Log: logr.Discard()})
	p.Shutdown()

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_ = p.Run(runCtx)

	items, err := s.Lease(ctx, 10, "probe", time.Minute)
	require.NoError(t, err)
	assert.Len(t, items, 1, "a shut-down pool must never lease the pending item")
}

func TestHealthReflectsWorkerActivity(t *testing.T) {
	s := store.NewMemoryStore()
	q := queue.New(s)

	runner := &fakeRunner{run: func(ctx context.Context, executionID string) error { return nil }}
	p := New(Config{Queue: q, Runner: runner, Workers: 2, LeaseTTL: time.Minute, MaxAttempts: 3, WorkerIDBase: "w", Log: logr.Discard()})

	runCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = p.Run(runCtx)

	health := p.Health()
	assert.Len(t, health, 2)
	for id, seen := range health {
		assert.WithinDuration(t, time.Now(), seen, 5*time.Second, "worker %s health timestamp stale", id)
	}
}

var assertErr = &runnerError{"boom"}

type runnerError struct{ msg string }

func (e *runnerError) Error() string { return e.msg }
