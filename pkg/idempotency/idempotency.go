// Package idempotency implements the IdempotencyGuard (spec §4.3): dedupe
// concurrent or repeated submissions for the same (tenant, idempotency_key)
// so every caller converges on one execution_id.
package idempotency

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/jordigilh/stagee/pkg/store"
)

// WindowHours is the 24h recyclability window documented in spec §4.3. It is
// enforced by the Store's partial unique index (non-terminal executions
// only) rather than by this package directly — recorded here so the
// constant has one home.
const WindowHours = 24

// Guard wraps Store.CreateExecution with a process-local singleflight group
// so concurrent goroutines racing on the same (tenant, key) within this
// instance collapse into a single Store round-trip; the Store's unique index
// is still the cross-instance arbiter of record.
type Guard struct {
	store store.Store
	group singleflight.Group
}

func New(s store.Store) *Guard {
	return &Guard{store: s}
}

// Submit returns (executionID, hit, err). hit is true when the submission
// resolved to a pre-existing non-terminal execution (HIT); false on a fresh
// MISS that created a new execution.
func (g *Guard) Submit(ctx context.Context, e *store.Execution) (executionID string, hit bool, err error) {
	if e.IdempotencyKey == "" {
		id, err := g.store.CreateExecution(ctx, e)
		return id, false, err
	}

	sfKey := e.TenantID + "|" + e.IdempotencyKey
	// Only the caller whose function singleflight actually runs creates the
	// execution; callers that shared its result resolved to an existing one.
	created := false
	v, err, _ := g.group.Do(sfKey, func() (any, error) {
		created = true
		return g.store.CreateExecution(ctx, e)
	})
	if err != nil {
		if ih, ok := err.(*store.IdempotentHit); ok {
			return ih.ExecutionID, true, nil
		}
		return "", false, err
	}
	return v.(string), !created, nil
}
