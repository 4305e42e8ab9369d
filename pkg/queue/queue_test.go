package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/stagee/pkg/store"
)

func TestBackoffIsExponentialCappedAndJittered(t *testing.T) {
	d1 := Backoff(1)
	assert.GreaterOrEqual(t, d1, 15*time.Second)
	assert.LessOrEqual(t, d1, 45*time.Second)

	d5 := Backoff(5)
	assert.LessOrEqual(t, d5, time.Duration(float64(capDelay)*1.5))

	d20 := Backoff(20)
	assert.LessOrEqual(t, d20, time.Duration(float64(capDelay)*1.5))
	assert.GreaterOrEqual(t, d20, time.Duration(float64(capDelay)*0.5))
}

func TestEnqueueLeaseAckRoundtrip(t *testing.T) {
	s := store.NewMemoryStore()
	q := New(s)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "exec-1", nil, 1, time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	items, err := q.Lease(ctx, 10, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, q.Ack(ctx, items[0].QueueID, *items[0].LeaseToken))
	require.NoError(t, q.Ack(ctx, items[0].QueueID, *items[0].LeaseToken), "duplicate ack must be a no-op, not an error")
}

func TestNackRoutesToDLQAtMaxAttempts(t *testing.T) {
	s := store.NewMemoryStore()
	q := New(s)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "exec-1", nil, 1, time.Now())
	require.NoError(t, err)

	items, err := q.Lease(ctx, 10, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, q.Nack(ctx, items[0], store.NackWorkerException, 1, "adapter_permanent", "boom", "plan-ref-1"))

	dlq, err := s.ListDLQ(ctx, "")
	require.NoError(t, err)
	assert.Len(t, dlq, 1)
}

func TestReaperIntervalIsHalfLeaseTTL(t *testing.T) {
	assert.Equal(t, 30*time.Second, ReaperInterval(time.Minute))
}
