package store

import (
	"context"
	"time"

	apperrors "github.com/jordigilh/stagee/internal/errors"
	"github.com/jordigilh/stagee/pkg/fsm"
)

// Failure modes surfaced by every Store method, per spec §4.1.
var (
	ErrConflict          = apperrors.New(apperrors.ErrorTypeStoreConflict, "serialization conflict")
	ErrInvalidTransition = apperrors.New(apperrors.ErrorTypeInvalidTransition, "invalid state transition")
	ErrIdempotentHit     = apperrors.New(apperrors.ErrorTypeIdempotentHit, "idempotency key already bound to a non-terminal execution")
	ErrNotFound          = apperrors.New(apperrors.ErrorTypeNotFound, "entity not found")
	ErrStoreUnavailable  = apperrors.New(apperrors.ErrorTypeStoreUnavailable, "store unavailable")
	ErrStale             = apperrors.New(apperrors.ErrorTypeLeaseExpired, "lease or lock token is stale")
)

// IdempotentHit carries the execution_id an idempotency HIT resolved to, so
// callers can unwrap it with errors.As.
type IdempotentHit struct {
	*apperrors.AppError
	ExecutionID string
}

func NewIdempotentHit(executionID string) *IdempotentHit {
	return &IdempotentHit{AppError: ErrIdempotentHit, ExecutionID: executionID}
}

// StepRetriesExhausted signals that an execution reached its FAILED terminal
// status with at least one FAILED step — one that ran out of its retry budget
// (spec §8 scenario 6) or hit a non-retryable failure such as AUTH_DENIED.
// The WorkerPool unwraps this with errors.As to nack the queue item straight
// past its own attempt budget into the DLQ, rather than ack-ing a
// business-level failure as if it were a success.
type StepRetriesExhausted struct {
	*apperrors.AppError
	ErrorKind   string
	ErrorMasked string
}

func NewStepRetriesExhausted(errorKind, errorMasked string) *StepRetriesExhausted {
	return &StepRetriesExhausted{
		AppError:    apperrors.New(apperrors.ErrorTypeAdapterPermanent, "step exhausted retry budget"),
		ErrorKind:   errorKind,
		ErrorMasked: errorMasked,
	}
}

// NackReason documents why a queue item was returned to AVAILABLE or routed
// to the DLQ.
type NackReason string

const (
	NackWorkerException      NackReason = "WORKER_EXCEPTION"
	NackLeaseExpired         NackReason = "LEASE_EXPIRED"
	NackShutdown             NackReason = "SHUTDOWN"
	NackAdapterTransient     NackReason = "ADAPTER_TRANSIENT"
	NackAssetBusy            NackReason = "ASSET_BUSY"
	NackStepRetriesExhausted NackReason = "STEP_RETRIES_EXHAUSTED"
)

// Store is the transactional persistence contract of spec §4.1. Every method
// is atomic; callers retry ErrConflict up to a bounded count and let
// ErrStoreUnavailable bubble to the worker loop backoff.
type Store interface {
	// Execution lifecycle.
	CreateExecution(ctx context.Context, e *Execution) (string, error)
	TransitionExecution(ctx context.Context, executionID string, from, to fsm.ExecutionStatus, reason string) error
	GetExecution(ctx context.Context, executionID string) (*Execution, error)
	ListSteps(ctx context.Context, executionID string) ([]*Step, error)
	CreateStep(ctx context.Context, st *Step) (string, error)
	TransitionStep(ctx context.Context, stepID string, from, to fsm.StepStatus, result *StepResult) error
	// RecordStepAttempt bumps a RUNNING step's attempt counter and last-error
	// fields without a status transition (the engine-level retry loop keeps
	// the step RUNNING across attempts; spec §4.12.g). Returns the new
	// attempt count.
	RecordStepAttempt(ctx context.Context, stepID string, errorKind, errorMasked string) (int, error)

	// Approval gate.
	CreateApproval(ctx context.Context, a *Approval) (string, error)
	GetApproval(ctx context.Context, executionID string) (*Approval, error)
	ActOnApproval(ctx context.Context, approvalID string, decision ApprovalStatus) error

	// Events.
	AppendEvent(ctx context.Context, e *Event) (int64, error)
	ListEventsSince(ctx context.Context, executionID string, sinceSeq int64, limit int) ([]*Event, error)

	// Queue.
	Enqueue(ctx context.Context, item *QueueItem) (string, error)
	Lease(ctx context.Context, batch int, workerID string, leaseTTL time.Duration) ([]*QueueItem, error)
	RenewLease(ctx context.Context, queueID, token string, ttl time.Duration) error
	Ack(ctx context.Context, queueID, token string) error
	Nack(ctx context.Context, queueID, token string, delay time.Duration, reason NackReason, maxAttempts int) error
	ReapExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// Locks.
	AcquireLock(ctx context.Context, tenantID, assetID, ownerTag string, ttl time.Duration) (*AssetLock, error)
	HeartbeatLock(ctx context.Context, lockID, ownerTag string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, lockID, ownerTag string) error
	ReapExpiredLocks(ctx context.Context, now time.Time) (int, error)
	ListLocks(ctx context.Context, assetID string, onlyExpired bool) ([]*AssetLock, error)

	// DLQ.
	SendToDLQ(ctx context.Context, item *DLQItem) (string, error)
	ListDLQ(ctx context.Context, tenantID string) ([]*DLQItem, error)
	RequeueDLQ(ctx context.Context, dlqID string) (string, error)
}

// StepResult is the write-side payload for TransitionStep.
type StepResult struct {
	ExitCode    *int
	Artifacts   []byte
	ErrorKind   string
	ErrorMasked string
}
