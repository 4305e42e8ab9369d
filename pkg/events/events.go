// Package events implements the EventEmitter (spec §4.9 / §3): an
// append-only, monotonically-sequenced audit trail per execution, with
// every payload passed through the LogMasker before it is persisted.
package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/jordigilh/stagee/pkg/masking"
	"github.com/jordigilh/stagee/pkg/store"
)

// Re-exported so callers only need to import this package for event kinds.
const (
	KindStateChange       = store.EventStateChange
	KindProgress          = store.EventProgress
	KindApprovalRequested = store.EventApprovalRequested
	KindApprovalActed     = store.EventApprovalActed
	KindRetry             = store.EventRetry
	KindTimeout           = store.EventTimeout
	KindCancel            = store.EventCancel
	KindDLQ               = store.EventDLQ
	KindHeartbeat         = store.EventHeartbeat
	KindAudit             = store.EventAudit
)

// Emitter appends masked events for an execution and its steps.
type Emitter struct {
	store store.Store
}

func New(s store.Store) *Emitter {
	return &Emitter{store: s}
}

// Emit appends an execution-scoped event, masking the payload first.
func (e *Emitter) Emit(ctx context.Context, executionID string, kind store.EventKind, fromStatus, toStatus, actorID string, payload map[string]any) (int64, error) {
	return e.store.AppendEvent(ctx, &store.Event{
		EventID:     uuid.NewString(),
		ExecutionID: executionID,
		Kind:        kind,
		FromStatus:  fromStatus,
		ToStatus:    toStatus,
		ActorID:     actorID,
		Payload:     maskPayload(payload),
	})
}

// EmitStep appends a step-scoped event.
func (e *Emitter) EmitStep(ctx context.Context, executionID, stepID string, kind store.EventKind, fromStatus, toStatus, actorID string, payload map[string]any) (int64, error) {
	sid := stepID
	return e.store.AppendEvent(ctx, &store.Event{
		EventID:     uuid.NewString(),
		ExecutionID: executionID,
		StepID:      &sid,
		Kind:        kind,
		FromStatus:  fromStatus,
		ToStatus:    toStatus,
		ActorID:     actorID,
		Payload:     maskPayload(payload),
	})
}

// EmitSystem appends an execution-independent observability event (e.g. a
// reaper sweep summary) under a synthetic "system" execution scope so the
// shared event stream stays the single audit sink.
func (e *Emitter) EmitSystem(ctx context.Context, kind store.EventKind, payload map[string]any) {
	_, _ = e.store.AppendEvent(ctx, &store.Event{
		EventID:     uuid.NewString(),
		ExecutionID: "system",
		Kind:        kind,
		ActorID:     "engine",
		Payload:     maskPayload(payload),
	})
}

// Since lists events for an execution after sinceSeq, for polling clients.
func (e *Emitter) Since(ctx context.Context, executionID string, sinceSeq int64, limit int) ([]*store.Event, error) {
	return e.store.ListEventsSince(ctx, executionID, sinceSeq, limit)
}

func maskPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	masked := masking.MaskRecord(payload)
	m, ok := masked.(map[string]any)
	if !ok {
		return payload
	}
	return m
}
