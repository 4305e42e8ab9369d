// Package store defines the durable entities of spec §3 and the Store
// contract of spec §4.1: the single source of truth for executions, steps,
// the work queue, asset locks, events, and the dead-letter queue.
package store

import (
	"time"

	"github.com/jordigilh/stagee/pkg/fsm"
)

// Mode classifies a submission's dispatch path.
type Mode string

const (
	ModeImmediate  Mode = "IMMEDIATE"
	ModeBackground Mode = "BACKGROUND"
)

// Execution is one logical attempt to run a plan (spec §3).
type Execution struct {
	ExecutionID string
	TenantID    string
	ActorID     string
	TraceID     string

	PlanSnapshot []byte // opaque, caller-defined encoding of the frozen plan
	PlanHash     string

	Mode     Mode
	SLAClass string // timeoutpolicy.SLAClass value

	Status fsm.ExecutionStatus

	IdempotencyKey string // empty when absent

	CreatedAt  time.Time
	QueuedAt   *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	TimeoutAt  *time.Time

	AttemptCount  int
	StepCount     int
	StepSucceeded int
	StepFailed    int

	PartialAllowed bool
	Priority       int
}

// Step is one action against one asset (spec §3).
type Step struct {
	StepID      string
	ExecutionID string
	StepIndex   int

	TargetAssetID string
	Action        []byte // opaque structured description for the adapter
	SecretRefs    []string

	ActionClass string // timeoutpolicy.ActionClass value

	Status fsm.StepStatus

	ExitCode    *int
	Artifacts   []byte // capped at 10 KiB; truncated with marker if oversize
	ErrorKind   string
	ErrorMasked string

	Attempt     int
	MaxAttempts int

	StartedAt  *time.Time
	FinishedAt *time.Time
}

// ArtifactCapBytes is the per-step artifact size cap (spec §3).
const ArtifactCapBytes = 10 * 1024

// ArtifactTruncatedMarker is appended when an artifact is truncated rather
// than stored by reference (spec §9 open question — this engine truncates).
const ArtifactTruncatedMarker = "\n...[truncated: exceeded 10 KiB cap]"

// CapArtifact enforces ArtifactCapBytes, truncating with the marker.
func CapArtifact(b []byte) []byte {
	if len(b) <= ArtifactCapBytes {
		return b
	}
	marker := []byte(ArtifactTruncatedMarker)
	keep := ArtifactCapBytes - len(marker)
	if keep < 0 {
		keep = 0
	}
	out := make([]byte, 0, keep+len(marker))
	out = append(out, b[:keep]...)
	out = append(out, marker...)
	return out
}

// ApprovalLevel is the gate strictness before an execution may start.
type ApprovalLevel int

const (
	ApprovalNone        ApprovalLevel = 0
	ApprovalConfirm      ApprovalLevel = 1
	ApprovalPlanReview   ApprovalLevel = 2
	ApprovalStepByStep   ApprovalLevel = 3
)

// ApprovalExpiry returns the expiry window for a level, per spec §9 ("three
// distinct windows": 5/15/30 minutes for L1/L2/L3).
func ApprovalExpiry(level ApprovalLevel) time.Duration {
	switch level {
	case ApprovalConfirm:
		return 5 * time.Minute
	case ApprovalPlanReview:
		return 15 * time.Minute
	case ApprovalStepByStep:
		return 30 * time.Minute
	default:
		return 0
	}
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalExpiredS ApprovalStatus = "EXPIRED"
)

// Approval is the optional gate before execution starts (spec §3).
type Approval struct {
	ApprovalID        string
	ExecutionID       string
	Level             ApprovalLevel
	PlanHashAtRequest string
	Status            ApprovalStatus
	ExpiresAt         time.Time
}

// EventKind enumerates the append-only audit record kinds (spec §3, plus the
// AUDIT kind supplemented for the operator lock-override CLI in §6).
type EventKind string

const (
	EventStateChange       EventKind = "STATE_CHANGE"
	EventProgress          EventKind = "PROGRESS"
	EventApprovalRequested EventKind = "APPROVAL_REQUESTED"
	EventApprovalActed     EventKind = "APPROVAL_ACTED"
	EventRetry             EventKind = "RETRY"
	EventTimeout           EventKind = "TIMEOUT"
	EventCancel            EventKind = "CANCEL"
	EventDLQ               EventKind = "DLQ"
	EventHeartbeat         EventKind = "HEARTBEAT"
	EventAudit             EventKind = "AUDIT"
)

// Event is an append-only audit record (spec §3). Payload must already be
// masked by the caller before it reaches the Store.
type Event struct {
	EventID     string
	ExecutionID string
	StepID      *string
	Sequence    int64
	Kind        EventKind
	FromStatus  string
	ToStatus    string
	ActorID     string
	Payload     map[string]any
	CreatedAt   time.Time
}

// QueueItemStatus is the lease lifecycle state of a QueueItem.
type QueueItemStatus string

const (
	QueueAvailable QueueItemStatus = "AVAILABLE"
	QueueLeased    QueueItemStatus = "LEASED"
	QueueCompleted QueueItemStatus = "COMPLETED"
)

// QueueItem is a unit of work leased by a worker (spec §3).
type QueueItem struct {
	QueueID     string
	ExecutionID string
	StepID      *string // set only for a level-3 per-step approval resume

	Priority int

	EnqueuedAt  time.Time
	AvailableAt time.Time

	LeaseOwner     *string
	LeaseToken     *string
	LeaseExpiresAt *time.Time

	AttemptCount int
	Status       QueueItemStatus
}

// DLQItem is poisoned work after retries are exhausted (spec §3).
type DLQItem struct {
	DLQID            string
	ExecutionID      string
	LastErrorKind    string
	LastErrorMasked  string
	AttemptCount     int
	FailedAt         time.Time
	PlanSnapshotRef  string
	Requeued         bool
	RequeuedAt       *time.Time
}

// AssetLock is the exclusive mutex per (tenant, asset) (spec §3).
type AssetLock struct {
	LockID          string
	TenantID        string
	AssetID         string
	OwnerTag        string // execution_id + worker_id + step_id
	AcquiredAt      time.Time
	ExpiresAt       time.Time
	LastHeartbeatAt time.Time
}
