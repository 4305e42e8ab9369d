// Package dispatcher implements the Dispatcher (spec §4.14): the front door
// that accepts submit/approve/cancel/get/events_since, classifies a
// submission as IMMEDIATE or BACKGROUND, and gates execution behind an
// optional human approval step.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/jordigilh/stagee/internal/errors"
	"github.com/jordigilh/stagee/pkg/cancellation"
	"github.com/jordigilh/stagee/pkg/events"
	"github.com/jordigilh/stagee/pkg/fsm"
	"github.com/jordigilh/stagee/pkg/idempotency"
	"github.com/jordigilh/stagee/pkg/queue"
	"github.com/jordigilh/stagee/pkg/store"
	"github.com/jordigilh/stagee/pkg/timeoutpolicy"
)

// PlanStep is one step of an inbound plan_snapshot, validated on submit.
type PlanStep struct {
	TargetAssetID string          `json:"target_asset_id" validate:"required"`
	Action        json.RawMessage `json:"action" validate:"required"`
	SecretRefs    []string        `json:"secret_refs,omitempty"`
	ActionClass   string          `json:"action_class" validate:"required,oneof=READ MODIFY DEPLOY"`
	MaxAttempts   int             `json:"max_attempts,omitempty"`
}

// PlanSnapshot is the frozen plan a submission carries.
type PlanSnapshot struct {
	Steps []PlanStep `json:"steps" validate:"required,min=1,dive"`
}

// Decision is the human act on a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// SubmitOptions carries the per-submission knobs named in spec §6.
type SubmitOptions struct {
	IdempotencyKey   string
	ApprovalLevel    store.ApprovalLevel
	Priority         int
	PartialAllowed   bool
	SLAOverride      timeoutpolicy.SLAClass
	ExpectedDuration time.Duration
}

// Config wires the Dispatcher's collaborators.
type Config struct {
	Store              store.Store
	Queue              *queue.Queue
	Events             *events.Emitter
	Cancellation       *cancellation.Registry
	ImmediateThreshold time.Duration // spec §9 REDESIGN FLAGS: single configurable threshold
}

// DefaultImmediateThreshold is the boundary absent operator configuration
// (spec §9: implementers default to a single configurable threshold).
const DefaultImmediateThreshold = 10 * time.Second

type Dispatcher struct {
	store        store.Store
	queue        *queue.Queue
	events       *events.Emitter
	cancellation *cancellation.Registry
	guard        *idempotency.Guard
	validate     *validator.Validate
	threshold    time.Duration
}

func New(cfg Config) *Dispatcher {
	threshold := cfg.ImmediateThreshold
	if threshold <= 0 {
		threshold = DefaultImmediateThreshold
	}
	return &Dispatcher{
		store:        cfg.Store,
		queue:        cfg.Queue,
		events:       cfg.Events,
		cancellation: cfg.Cancellation,
		guard:        idempotency.New(cfg.Store),
		validate:     validator.New(),
		threshold:    threshold,
	}
}

// planHash is the content hash used for tamper detection between submit and
// approve (spec §3, P10).
func planHash(planSnapshot []byte) string {
	sum := sha256.Sum256(planSnapshot)
	return hex.EncodeToString(sum[:])
}

// classifyMode implements the IMMEDIATE/BACKGROUND split against the single
// configurable threshold (spec §9 REDESIGN FLAGS).
func classifyMode(expected time.Duration, threshold time.Duration) store.Mode {
	if expected <= threshold {
		return store.ModeImmediate
	}
	return store.ModeBackground
}

// defaultSLA assigns an SLA class from the classified mode absent an
// explicit override — a Dispatcher-level default, not specified upstream:
// IMMEDIATE work is assumed latency-sensitive (FAST), BACKGROUND work is
// assumed tolerant of the MEDIUM lease/timeout budget.
func defaultSLA(mode store.Mode) timeoutpolicy.SLAClass {
	if mode == store.ModeImmediate {
		return timeoutpolicy.SLAFast
	}
	return timeoutpolicy.SLAMedium
}

// Submit validates and admits a plan (spec §4.14, ingress `submit`).
// Returns the execution_id whether this call created a fresh execution or
// resolved to a pre-existing idempotent HIT.
func (d *Dispatcher) Submit(ctx context.Context, planSnapshot []byte, actorID, tenantID, traceID string, opts SubmitOptions) (string, error) {
	var plan PlanSnapshot
	if err := json.Unmarshal(planSnapshot, &plan); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInvalidPlan, "dispatcher: malformed plan_snapshot")
	}
	if err := d.validate.Struct(plan); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInvalidPlan, "dispatcher: plan_snapshot failed validation")
	}

	mode := classifyMode(opts.ExpectedDuration, d.threshold)
	sla := opts.SLAOverride
	if sla == "" {
		sla = defaultSLA(mode)
	}

	status := fsm.ExecutionQueued
	if opts.ApprovalLevel != store.ApprovalNone {
		status = fsm.ExecutionPendingApproval
	}

	exec := &store.Execution{
		TenantID: tenantID, ActorID: actorID, TraceID: traceID,
		PlanSnapshot: planSnapshot, PlanHash: planHash(planSnapshot),
		Mode: mode, SLAClass: string(sla), Status: status,
		IdempotencyKey: opts.IdempotencyKey, PartialAllowed: opts.PartialAllowed,
		Priority: opts.Priority,
	}

	executionID, hit, err := d.guard.Submit(ctx, exec)
	if err != nil {
		return "", err
	}
	if hit {
		return executionID, nil
	}
	exec.ExecutionID = executionID

	for i, ps := range plan.Steps {
		maxAttempts := ps.MaxAttempts
		if maxAttempts <= 0 {
			if p, err := timeoutpolicy.NewSeeded().Lookup(sla, timeoutpolicy.ActionClass(ps.ActionClass)); err == nil {
				maxAttempts = p.MaxAttempts
			} else {
				maxAttempts = 3
			}
		}
		if _, err := d.store.CreateStep(ctx, &store.Step{
			ExecutionID: executionID, StepIndex: i, TargetAssetID: ps.TargetAssetID,
			Action: ps.Action, SecretRefs: ps.SecretRefs, ActionClass: ps.ActionClass,
			Status: fsm.StepPending, MaxAttempts: maxAttempts,
		}); err != nil {
			return "", err
		}
	}

	if opts.ApprovalLevel != store.ApprovalNone {
		if _, err := d.store.CreateApproval(ctx, &store.Approval{
			ExecutionID: executionID, Level: opts.ApprovalLevel, PlanHashAtRequest: exec.PlanHash,
			Status: store.ApprovalPending, ExpiresAt: time.Now().Add(store.ApprovalExpiry(opts.ApprovalLevel)),
		}); err != nil {
			return "", err
		}
		d.events.Emit(ctx, executionID, events.KindApprovalRequested, "", string(fsm.ExecutionPendingApproval), actorID, nil)
		return executionID, nil
	}

	if err := d.enqueue(ctx, exec); err != nil {
		return "", err
	}
	return executionID, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, exec *store.Execution) error {
	if _, err := d.queue.Enqueue(ctx, exec.ExecutionID, nil, exec.Priority, time.Now()); err != nil {
		return err
	}
	d.events.Emit(ctx, exec.ExecutionID, events.KindStateChange, "", string(fsm.ExecutionQueued), exec.ActorID, nil)
	return nil
}

// Approve acts on a pending approval gate (spec §4.14, §9 P10). planHashAtAct
// must equal the hash recorded at request time or the call is rejected with
// PLAN_HASH_MISMATCH — tamper detection between submit and approve.
func (d *Dispatcher) Approve(ctx context.Context, executionID, planHashAtAct, actorID string, decision Decision) (fsm.ExecutionStatus, error) {
	approval, err := d.store.GetApproval(ctx, executionID)
	if err != nil {
		return "", err
	}
	if approval.Status != store.ApprovalPending {
		return "", apperrors.New(apperrors.ErrorTypeInvalidTransition, "dispatcher: approval already acted on")
	}
	if time.Now().After(approval.ExpiresAt) {
		_ = d.store.ActOnApproval(ctx, approval.ApprovalID, store.ApprovalExpiredS)
		_ = d.store.TransitionExecution(ctx, executionID, fsm.ExecutionPendingApproval, fsm.ExecutionRejected, "approval expired")
		return "", apperrors.New(apperrors.ErrorTypeApprovalExpired, "dispatcher: approval window elapsed")
	}
	if planHashAtAct != approval.PlanHashAtRequest {
		return "", apperrors.New(apperrors.ErrorTypePlanHashMismatch, "dispatcher: plan_hash does not match the plan reviewed at request time")
	}

	if decision == DecisionReject {
		if err := d.store.ActOnApproval(ctx, approval.ApprovalID, store.ApprovalRejected); err != nil {
			return "", err
		}
		if err := d.store.TransitionExecution(ctx, executionID, fsm.ExecutionPendingApproval, fsm.ExecutionRejected, "rejected by "+actorID); err != nil {
			return "", err
		}
		d.events.Emit(ctx, executionID, events.KindApprovalActed, string(fsm.ExecutionPendingApproval), string(fsm.ExecutionRejected), actorID, nil)
		return fsm.ExecutionRejected, nil
	}

	if err := d.store.ActOnApproval(ctx, approval.ApprovalID, store.ApprovalApproved); err != nil {
		return "", err
	}
	if err := d.store.TransitionExecution(ctx, executionID, fsm.ExecutionPendingApproval, fsm.ExecutionApproved, "approved by "+actorID); err != nil {
		return "", err
	}
	if err := d.store.TransitionExecution(ctx, executionID, fsm.ExecutionApproved, fsm.ExecutionQueued, "auto-enqueue on approval"); err != nil {
		return "", err
	}
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if err := d.enqueue(ctx, exec); err != nil {
		return "", err
	}
	d.events.Emit(ctx, executionID, events.KindApprovalActed, string(fsm.ExecutionPendingApproval), string(fsm.ExecutionQueued), actorID, nil)
	return fsm.ExecutionQueued, nil
}

// Cancel sets CANCELLED on a non-terminal execution and trips its
// cancellation token; a terminal execution is a no-op returning its current
// state (spec §9 P-series cancel semantics).
func (d *Dispatcher) Cancel(ctx context.Context, executionID, actorID string) (fsm.ExecutionStatus, error) {
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	if exec.Status.IsTerminal() {
		return exec.Status, nil
	}

	d.cancellation.Cancel(executionID, "cancelled by "+actorID)

	if exec.Status == fsm.ExecutionRunning {
		// The running worker notices the tripped token at its next
		// suspension point and aggregates to CANCELLED itself.
		d.events.Emit(ctx, executionID, events.KindCancel, string(exec.Status), string(exec.Status), actorID, nil)
		return exec.Status, nil
	}

	if err := d.store.TransitionExecution(ctx, executionID, exec.Status, fsm.ExecutionCancelled, "cancelled by "+actorID); err != nil {
		return "", err
	}
	d.events.Emit(ctx, executionID, events.KindCancel, string(exec.Status), string(fsm.ExecutionCancelled), actorID, nil)
	return fsm.ExecutionCancelled, nil
}

// Get returns the execution's current read-only state (spec §4.14 ingress).
func (d *Dispatcher) Get(ctx context.Context, executionID string) (*store.Execution, error) {
	return d.store.GetExecution(ctx, executionID)
}

// EventsSince streams the masked event log from sequence (exclusive) up to
// limit entries (spec §4.14 ingress `events_since`).
func (d *Dispatcher) EventsSince(ctx context.Context, executionID string, sequence int64, limit int) ([]*store.Event, error) {
	return d.events.Since(ctx, executionID, sequence, limit)
}
