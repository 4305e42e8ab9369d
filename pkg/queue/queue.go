// Package queue implements the WorkQueue (spec §4.11): a durable,
// lease-disciplined queue built on the Store, adding the backoff curve and
// reaper cadence the Store itself stays agnostic of.
package queue

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/stagee/pkg/store"
)

// baseDelay and capDelay bound the exponential backoff curve (spec §4.11):
// min(30s * 2^(n-1), 10min) * U(0.5, 1.5).
const (
	baseDelay = 30 * time.Second
	capDelay  = 10 * time.Minute
)

// Backoff returns the delay before attempt n (1-indexed) is retried.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if d > capDelay {
		d = capDelay
	}
	jitter := 0.5 + rand.Float64() // U(0.5, 1.5)
	return time.Duration(float64(d) * jitter)
}

// Queue wraps Store's queue operations with the policy-level backoff curve.
type Queue struct {
	store store.Store
}

func New(s store.Store) *Queue {
	return &Queue{store: s}
}

// Enqueue inserts an item available immediately (or at a future
// available_at for a delayed retry).
func (q *Queue) Enqueue(ctx context.Context, executionID string, stepID *string, priority int, availableAt time.Time) (string, error) {
	return q.store.Enqueue(ctx, &store.QueueItem{
		QueueID:     uuid.NewString(),
		ExecutionID: executionID,
		StepID:      stepID,
		Priority:    priority,
		EnqueuedAt:  time.Now(),
		AvailableAt: availableAt,
		Status:      store.QueueAvailable,
	})
}

// Lease grants a worker up to batch items in strict (priority, available_at)
// order.
func (q *Queue) Lease(ctx context.Context, batch int, workerID string, ttl time.Duration) ([]*store.QueueItem, error) {
	return q.store.Lease(ctx, batch, workerID, ttl)
}

// RenewLease extends a held lease; ErrStale signals the caller lost it.
func (q *Queue) RenewLease(ctx context.Context, queueID, token string, ttl time.Duration) error {
	return q.store.RenewLease(ctx, queueID, token, ttl)
}

// Ack completes the item; idempotent on a duplicate ack.
func (q *Queue) Ack(ctx context.Context, queueID, token string) error {
	return q.store.Ack(ctx, queueID, token)
}

// Nack returns item to AVAILABLE after the computed backoff, or routes it
// to the DLQ once maxAttempts is reached. item is the QueueItem as leased
// (pre-increment); lastErrorKind/lastErrorMasked/planSnapshotRef populate
// the DLQ record when the item is poisoned.
func (q *Queue) Nack(ctx context.Context, item *store.QueueItem, reason store.NackReason, maxAttempts int, lastErrorKind, lastErrorMasked, planSnapshotRef string) error {
	attempt := item.AttemptCount + 1
	if err := q.store.Nack(ctx, item.QueueID, *item.LeaseToken, Backoff(attempt), reason, maxAttempts); err != nil {
		return err
	}
	if attempt < maxAttempts {
		return nil
	}
	_, err := q.store.SendToDLQ(ctx, &store.DLQItem{
		ExecutionID:     item.ExecutionID,
		LastErrorKind:   lastErrorKind,
		LastErrorMasked: lastErrorMasked,
		AttemptCount:    attempt,
		PlanSnapshotRef: planSnapshotRef,
	})
	return err
}

// ReaperInterval is the cadence at which expired leases must be swept (spec
// §4.11: "≤ lease_ttl/2").
func ReaperInterval(leaseTTL time.Duration) time.Duration {
	return leaseTTL / 2
}

// Reap releases expired leases back to AVAILABLE through
// Store.ReapExpiredLeases, bumping each item's attempt_count; it does not go
// through Nack, so a reaped item is never routed to the DLQ here.
func (q *Queue) Reap(ctx context.Context) (int, error) {
	return q.store.ReapExpiredLeases(ctx, time.Now())
}
