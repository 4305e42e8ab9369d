package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jordigilh/stagee/internal/errors"
	"github.com/jordigilh/stagee/pkg/cancellation"
	"github.com/jordigilh/stagee/pkg/events"
	"github.com/jordigilh/stagee/pkg/fsm"
	"github.com/jordigilh/stagee/pkg/queue"
	"github.com/jordigilh/stagee/pkg/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	return New(Config{
		Store:        s,
		Queue:        queue.New(s),
		Events:       events.New(s),
		Cancellation: cancellation.New(),
	}), s
}

func planJSON(t *testing.T, steps ...PlanStep) []byte {
	t.Helper()
	b, err := json.Marshal(PlanSnapshot{Steps: steps})
	require.NoError(t, err)
	return b
}

func readStep() PlanStep {
	return PlanStep{TargetAssetID: "asset-1", Action: json.RawMessage(`{"probe":true}`), ActionClass: "READ"}
}

func TestSubmitHappyPath(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()

	execID, err := d.Submit(ctx, planJSON(t, readStep()), "actor-1", "tenant-1", "trace-1", SubmitOptions{ExpectedDuration: time.Second})
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	exec, err := s.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, fsm.ExecutionQueued, exec.Status)
	assert.Equal(t, store.ModeImmediate, exec.Mode)

	steps, err := s.ListSteps(ctx, execID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, fsm.StepPending, steps[0].Status)
}

func TestSubmitClassifiesBackgroundMode(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	execID, err := d.Submit(ctx, planJSON(t, readStep()), "actor-1", "tenant-1", "trace-1", SubmitOptions{ExpectedDuration: time.Minute})
	require.NoError(t, err)

	exec, err := d.Get(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, store.ModeBackground, exec.Mode)
	assert.Equal(t, "MEDIUM", exec.SLAClass)
}

func TestSubmitIdempotentDuplicateReturnsSameExecution(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()
	plan := planJSON(t, readStep())

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = d.Submit(ctx, plan, "actor-1", "tenant-1", "trace-1", SubmitOptions{IdempotencyKey: "k1"})
		}(i)
	}
	wg.Wait()

	first := ids[0]
	require.NotEmpty(t, first)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, first, ids[i])
	}
}

func TestApprovalGateHappyPath(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()

	execID, err := d.Submit(ctx, planJSON(t, readStep()), "actor-1", "tenant-1", "trace-1", SubmitOptions{ApprovalLevel: store.ApprovalConfirm})
	require.NoError(t, err)

	exec, err := s.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, fsm.ExecutionPendingApproval, exec.Status)

	status, err := d.Approve(ctx, execID, exec.PlanHash, "approver-1", DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, fsm.ExecutionQueued, status)
}

func TestApproveRejectsHashMismatch(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()

	execID, err := d.Submit(ctx, planJSON(t, readStep()), "actor-1", "tenant-1", "trace-1", SubmitOptions{ApprovalLevel: store.ApprovalConfirm})
	require.NoError(t, err)

	_, err = d.Approve(ctx, execID, "not-the-real-hash", "approver-1", DecisionApprove)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypePlanHashMismatch))

	exec, err := s.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, fsm.ExecutionPendingApproval, exec.Status)
}

func TestCancelTerminalIsNoop(t *testing.T) {
	d, s := newTestDispatcher(t)
	ctx := context.Background()

	execID, err := d.Submit(ctx, planJSON(t, readStep()), "actor-1", "tenant-1", "trace-1", SubmitOptions{})
	require.NoError(t, err)
	require.NoError(t, s.TransitionExecution(ctx, execID, fsm.ExecutionQueued, fsm.ExecutionRunning, "test"))
	require.NoError(t, s.TransitionExecution(ctx, execID, fsm.ExecutionRunning, fsm.ExecutionCompleted, "test"))

	status, err := d.Cancel(ctx, execID, "actor-1")
	require.NoError(t, err)
	assert.Equal(t, fsm.ExecutionCompleted, status)
}

func TestCancelQueuedTransitionsToCancelled(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	execID, err := d.Submit(ctx, planJSON(t, readStep()), "actor-1", "tenant-1", "trace-1", SubmitOptions{})
	require.NoError(t, err)

	status, err := d.Cancel(ctx, execID, "actor-1")
	require.NoError(t, err)
	assert.Equal(t, fsm.ExecutionCancelled, status)
}

func TestEventsSinceReturnsCreationEvent(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	execID, err := d.Submit(ctx, planJSON(t, readStep()), "actor-1", "tenant-1", "trace-1", SubmitOptions{})
	require.NoError(t, err)

	evs, err := d.EventsSince(ctx, execID, 0, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, evs)
}

func TestSubmitRejectsInvalidPlan(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Submit(ctx, []byte(`{"steps":[]}`), "actor-1", "tenant-1", "trace-1", SubmitOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInvalidPlan))
}
