package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jordigilh/stagee/pkg/fsm"
)

// rows.go holds the sqlx scan targets for the Postgres store. Nullable
// columns use database/sql Null* types; toDomain() converts to the public
// domain structs in types.go.

type execRow struct {
	ExecutionID    string         `db:"execution_id"`
	TenantID       string         `db:"tenant_id"`
	ActorID        string         `db:"actor_id"`
	TraceID        string         `db:"trace_id"`
	PlanSnapshot   []byte         `db:"plan_snapshot"`
	PlanHash       string         `db:"plan_hash"`
	Mode           string         `db:"mode"`
	SLAClass       string         `db:"sla_class"`
	Status         string         `db:"status"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	CreatedAt      time.Time      `db:"created_at"`
	QueuedAt       sql.NullTime   `db:"queued_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	FinishedAt     sql.NullTime   `db:"finished_at"`
	TimeoutAt      sql.NullTime   `db:"timeout_at"`
	AttemptCount   int            `db:"attempt_count"`
	StepCount      int            `db:"step_count"`
	StepSucceeded  int            `db:"step_succeeded"`
	StepFailed     int            `db:"step_failed"`
	PartialAllowed bool           `db:"partial_allowed"`
	Priority       int            `db:"priority"`
}

func nullTimePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func (r execRow) toDomain() *Execution {
	return &Execution{
		ExecutionID:    r.ExecutionID,
		TenantID:       r.TenantID,
		ActorID:        r.ActorID,
		TraceID:        r.TraceID,
		PlanSnapshot:   r.PlanSnapshot,
		PlanHash:       r.PlanHash,
		Mode:           Mode(r.Mode),
		SLAClass:       r.SLAClass,
		Status:         fsm.ExecutionStatus(r.Status),
		IdempotencyKey: r.IdempotencyKey.String,
		CreatedAt:      r.CreatedAt,
		QueuedAt:       nullTimePtr(r.QueuedAt),
		StartedAt:      nullTimePtr(r.StartedAt),
		FinishedAt:     nullTimePtr(r.FinishedAt),
		TimeoutAt:      nullTimePtr(r.TimeoutAt),
		AttemptCount:   r.AttemptCount,
		StepCount:      r.StepCount,
		StepSucceeded:  r.StepSucceeded,
		StepFailed:     r.StepFailed,
		PartialAllowed: r.PartialAllowed,
		Priority:       r.Priority,
	}
}

type stepRow struct {
	StepID        string         `db:"step_id"`
	ExecutionID   string         `db:"execution_id"`
	StepIndex     int            `db:"step_index"`
	TargetAssetID string         `db:"target_asset_id"`
	Action        []byte         `db:"action"`
	SecretRefs    []string       `db:"secret_refs"`
	ActionClass   string         `db:"action_class"`
	Status        string         `db:"status"`
	ExitCode      sql.NullInt64  `db:"exit_code"`
	Artifacts     []byte         `db:"artifacts"`
	ErrorKind     string         `db:"error_kind"`
	ErrorMasked   string         `db:"error_masked"`
	Attempt       int            `db:"attempt"`
	MaxAttempts   int            `db:"max_attempts"`
	StartedAt     sql.NullTime   `db:"started_at"`
	FinishedAt    sql.NullTime   `db:"finished_at"`
}

func (r stepRow) toDomain() *Step {
	var exitCode *int
	if r.ExitCode.Valid {
		v := int(r.ExitCode.Int64)
		exitCode = &v
	}
	return &Step{
		StepID:        r.StepID,
		ExecutionID:   r.ExecutionID,
		StepIndex:     r.StepIndex,
		TargetAssetID: r.TargetAssetID,
		Action:        r.Action,
		SecretRefs:    r.SecretRefs,
		ActionClass:   r.ActionClass,
		Status:        fsm.StepStatus(r.Status),
		ExitCode:      exitCode,
		Artifacts:     r.Artifacts,
		ErrorKind:     r.ErrorKind,
		ErrorMasked:   r.ErrorMasked,
		Attempt:       r.Attempt,
		MaxAttempts:   r.MaxAttempts,
		StartedAt:     nullTimePtr(r.StartedAt),
		FinishedAt:    nullTimePtr(r.FinishedAt),
	}
}

type approvalRow struct {
	ApprovalID        string    `db:"approval_id"`
	ExecutionID       string    `db:"execution_id"`
	Level             int       `db:"level"`
	PlanHashAtRequest string    `db:"plan_hash_at_request"`
	Status            string    `db:"status"`
	ExpiresAt         time.Time `db:"expires_at"`
}

func (r approvalRow) toDomain() *Approval {
	return &Approval{
		ApprovalID:        r.ApprovalID,
		ExecutionID:       r.ExecutionID,
		Level:             ApprovalLevel(r.Level),
		PlanHashAtRequest: r.PlanHashAtRequest,
		Status:            ApprovalStatus(r.Status),
		ExpiresAt:         r.ExpiresAt,
	}
}

type eventRow struct {
	EventID     string         `db:"event_id"`
	ExecutionID string         `db:"execution_id"`
	StepID      sql.NullString `db:"step_id"`
	Sequence    int64          `db:"sequence"`
	Kind        string         `db:"kind"`
	FromStatus  string         `db:"from_status"`
	ToStatus    string         `db:"to_status"`
	ActorID     string         `db:"actor_id"`
	Payload     []byte         `db:"payload"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r eventRow) toDomain() *Event {
	var stepID *string
	if r.StepID.Valid {
		v := r.StepID.String
		stepID = &v
	}
	var payload map[string]any
	_ = json.Unmarshal(r.Payload, &payload)
	return &Event{
		EventID:     r.EventID,
		ExecutionID: r.ExecutionID,
		StepID:      stepID,
		Sequence:    r.Sequence,
		Kind:        EventKind(r.Kind),
		FromStatus:  r.FromStatus,
		ToStatus:    r.ToStatus,
		ActorID:     r.ActorID,
		Payload:     payload,
		CreatedAt:   r.CreatedAt,
	}
}

type queueRow struct {
	QueueID        string         `db:"queue_id"`
	ExecutionID    string         `db:"execution_id"`
	StepID         sql.NullString `db:"step_id"`
	Priority       int            `db:"priority"`
	EnqueuedAt     time.Time      `db:"enqueued_at"`
	AvailableAt    time.Time      `db:"available_at"`
	LeaseOwner     sql.NullString `db:"lease_owner"`
	LeaseToken     sql.NullString `db:"lease_token"`
	LeaseExpiresAt sql.NullTime   `db:"lease_expires_at"`
	AttemptCount   int            `db:"attempt_count"`
	Status         string         `db:"status"`
}

func (r queueRow) toDomain() *QueueItem {
	var stepID, leaseOwner, leaseToken *string
	if r.StepID.Valid {
		v := r.StepID.String
		stepID = &v
	}
	if r.LeaseOwner.Valid {
		v := r.LeaseOwner.String
		leaseOwner = &v
	}
	if r.LeaseToken.Valid {
		v := r.LeaseToken.String
		leaseToken = &v
	}
	return &QueueItem{
		QueueID:        r.QueueID,
		ExecutionID:    r.ExecutionID,
		StepID:         stepID,
		Priority:       r.Priority,
		EnqueuedAt:     r.EnqueuedAt,
		AvailableAt:    r.AvailableAt,
		LeaseOwner:     leaseOwner,
		LeaseToken:     leaseToken,
		LeaseExpiresAt: nullTimePtr(r.LeaseExpiresAt),
		AttemptCount:   r.AttemptCount,
		Status:         QueueItemStatus(r.Status),
	}
}

type lockRow struct {
	LockID          string    `db:"lock_id"`
	TenantID        string    `db:"tenant_id"`
	AssetID         string    `db:"asset_id"`
	OwnerTag        string    `db:"owner_tag"`
	AcquiredAt      time.Time `db:"acquired_at"`
	ExpiresAt       time.Time `db:"expires_at"`
	LastHeartbeatAt time.Time `db:"last_heartbeat_at"`
}

func (r lockRow) toDomain() *AssetLock {
	return &AssetLock{
		LockID: r.LockID, TenantID: r.TenantID, AssetID: r.AssetID, OwnerTag: r.OwnerTag,
		AcquiredAt: r.AcquiredAt, ExpiresAt: r.ExpiresAt, LastHeartbeatAt: r.LastHeartbeatAt,
	}
}

type dlqRow struct {
	DLQID           string         `db:"dlq_id"`
	ExecutionID     string         `db:"execution_id"`
	LastErrorKind   string         `db:"last_error_kind"`
	LastErrorMasked string         `db:"last_error_masked"`
	AttemptCount    int            `db:"attempt_count"`
	FailedAt        time.Time      `db:"failed_at"`
	PlanSnapshotRef string         `db:"plan_snapshot_ref"`
	Requeued        bool           `db:"requeued"`
	RequeuedAt      sql.NullTime   `db:"requeued_at"`
}

func (r dlqRow) toDomain() *DLQItem {
	return &DLQItem{
		DLQID: r.DLQID, ExecutionID: r.ExecutionID, LastErrorKind: r.LastErrorKind,
		LastErrorMasked: r.LastErrorMasked, AttemptCount: r.AttemptCount, FailedAt: r.FailedAt,
		PlanSnapshotRef: r.PlanSnapshotRef, Requeued: r.Requeued, RequeuedAt: nullTimePtr(r.RequeuedAt),
	}
}
