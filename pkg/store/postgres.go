package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/jordigilh/stagee/pkg/fsm"
	"github.com/jordigilh/stagee/pkg/store/migrations"
)

// PostgresStore is the production Store backed by Postgres via pgx's
// database/sql driver, queried through sqlx for struct scanning.
type PostgresStore struct {
	db *sqlx.DB
}

// Open connects to dsn and runs pending goose migrations.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, ErrStoreUnavailable.WithDetailsf("connect: %v", err)
	}
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, err
	}
	if err := goose.Up(db.DB, "."); err != nil {
		return nil, ErrStoreUnavailable.WithDetailsf("migrate: %v", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func translatePgErr(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return ErrStoreUnavailable.WithDetailsf("%v", err)
}

func (p *PostgresStore) CreateExecution(ctx context.Context, e *Execution) (string, error) {
	if e.ExecutionID == "" {
		e.ExecutionID = uuid.NewString()
	}
	if e.IdempotencyKey != "" {
		var existingID string
		err := p.db.GetContext(ctx, &existingID, `
			SELECT execution_id FROM executions
			WHERE tenant_id = $1 AND idempotency_key = $2
			  AND status NOT IN ('COMPLETED','FAILED','PARTIAL','TIMEOUT','CANCELLED','REJECTED')`,
			e.TenantID, e.IdempotencyKey)
		if err == nil {
			return "", NewIdempotentHit(existingID)
		}
		if err != sql.ErrNoRows {
			return "", translatePgErr(err)
		}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO executions (execution_id, tenant_id, actor_id, trace_id, plan_snapshot, plan_hash,
			mode, sla_class, status, idempotency_key, partial_allowed, priority)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12)`,
		e.ExecutionID, e.TenantID, e.ActorID, e.TraceID, e.PlanSnapshot, e.PlanHash,
		e.Mode, e.SLAClass, e.Status, e.IdempotencyKey, e.PartialAllowed, e.Priority)
	if err != nil {
		// A unique-index violation here means a concurrent submission won the
		// race between our SELECT and our INSERT; surface it the same way.
		var existingID string
		if selErr := p.db.GetContext(ctx, &existingID, `
			SELECT execution_id FROM executions
			WHERE tenant_id = $1 AND idempotency_key = $2
			  AND status NOT IN ('COMPLETED','FAILED','PARTIAL','TIMEOUT','CANCELLED','REJECTED')`,
			e.TenantID, e.IdempotencyKey); selErr == nil && e.IdempotencyKey != "" {
			return "", NewIdempotentHit(existingID)
		}
		return "", translatePgErr(err)
	}
	return e.ExecutionID, nil
}

func (p *PostgresStore) TransitionExecution(ctx context.Context, executionID string, from, to fsm.ExecutionStatus, reason string) error {
	if !fsm.ValidExecutionTransition(from, to) {
		return ErrInvalidTransition
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE executions SET status = $1,
			started_at = CASE WHEN $1 = 'RUNNING' AND started_at IS NULL THEN now() ELSE started_at END,
			queued_at = CASE WHEN $1 = 'QUEUED' THEN now() ELSE queued_at END,
			finished_at = CASE WHEN $1 IN ('COMPLETED','FAILED','PARTIAL','TIMEOUT','CANCELLED','REJECTED') THEN now() ELSE finished_at END
		WHERE execution_id = $2 AND status = $3`,
		to, executionID, from)
	if err != nil {
		return translatePgErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (p *PostgresStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	var row execRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM executions WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, translatePgErr(err)
	}
	return row.toDomain(), nil
}

func (p *PostgresStore) ListSteps(ctx context.Context, executionID string) ([]*Step, error) {
	var rows []stepRow
	err := p.db.SelectContext(ctx, &rows, `SELECT * FROM steps WHERE execution_id = $1 ORDER BY step_index`, executionID)
	if err != nil {
		return nil, translatePgErr(err)
	}
	out := make([]*Step, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (p *PostgresStore) CreateStep(ctx context.Context, st *Step) (string, error) {
	if st.StepID == "" {
		st.StepID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = fsm.StepPending
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO steps (step_id, execution_id, step_index, target_asset_id, action, secret_refs,
			action_class, status, attempt, max_attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		st.StepID, st.ExecutionID, st.StepIndex, st.TargetAssetID, st.Action, st.SecretRefs,
		st.ActionClass, st.Status, st.Attempt, st.MaxAttempts)
	if err != nil {
		return "", translatePgErr(err)
	}
	return st.StepID, nil
}

func (p *PostgresStore) TransitionStep(ctx context.Context, stepID string, from, to fsm.StepStatus, result *StepResult) error {
	if !fsm.ValidStepTransition(from, to) {
		return ErrInvalidTransition
	}
	var exitCode *int
	var artifacts []byte
	var errKind, errMasked string
	if result != nil {
		exitCode = result.ExitCode
		artifacts = CapArtifact(result.Artifacts)
		errKind = result.ErrorKind
		errMasked = result.ErrorMasked
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE steps SET status = $1,
			started_at = CASE WHEN $1 = 'RUNNING' AND started_at IS NULL THEN now() ELSE started_at END,
			finished_at = CASE WHEN $1 IN ('SUCCEEDED','FAILED','TIMEOUT','CANCELLED','SKIPPED') THEN now() ELSE finished_at END,
			exit_code = COALESCE($2, exit_code),
			artifacts = COALESCE($3, artifacts),
			error_kind = CASE WHEN $4 != '' THEN $4 ELSE error_kind END,
			error_masked = CASE WHEN $5 != '' THEN $5 ELSE error_masked END
		WHERE step_id = $6 AND status = $7`,
		to, exitCode, artifacts, errKind, errMasked, stepID, from)
	if err != nil {
		return translatePgErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrInvalidTransition
	}

	if to == fsm.StepSucceeded {
		_, err = p.db.ExecContext(ctx, `UPDATE executions SET step_succeeded = step_succeeded + 1
			WHERE execution_id = (SELECT execution_id FROM steps WHERE step_id = $1)`, stepID)
	} else if to == fsm.StepFailed || to == fsm.StepTimeout || to == fsm.StepCancelled {
		_, err = p.db.ExecContext(ctx, `UPDATE executions SET step_failed = step_failed + 1
			WHERE execution_id = (SELECT execution_id FROM steps WHERE step_id = $1)`, stepID)
	}
	return translatePgErr(err)
}

// RecordStepAttempt bumps a RUNNING step's attempt counter in place; the
// step's status is untouched (it stays RUNNING across engine-level retries).
func (p *PostgresStore) RecordStepAttempt(ctx context.Context, stepID string, errorKind, errorMasked string) (int, error) {
	var attempt int
	err := p.db.GetContext(ctx, &attempt, `
		UPDATE steps SET attempt = attempt + 1, error_kind = $1, error_masked = $2
		WHERE step_id = $3 AND status = 'RUNNING'
		RETURNING attempt`, errorKind, errorMasked, stepID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrInvalidTransition
		}
		return 0, translatePgErr(err)
	}
	return attempt, nil
}

func (p *PostgresStore) CreateApproval(ctx context.Context, a *Approval) (string, error) {
	if a.ApprovalID == "" {
		a.ApprovalID = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, execution_id, level, plan_hash_at_request, status, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ApprovalID, a.ExecutionID, a.Level, a.PlanHashAtRequest, a.Status, a.ExpiresAt)
	return a.ApprovalID, translatePgErr(err)
}

func (p *PostgresStore) GetApproval(ctx context.Context, executionID string) (*Approval, error) {
	var row approvalRow
	err := p.db.GetContext(ctx, &row, `SELECT * FROM approvals WHERE execution_id = $1`, executionID)
	if err != nil {
		return nil, translatePgErr(err)
	}
	return row.toDomain(), nil
}

func (p *PostgresStore) ActOnApproval(ctx context.Context, approvalID string, decision ApprovalStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE approvals SET status = $1 WHERE approval_id = $2 AND status = 'PENDING'`, decision, approvalID)
	if err != nil {
		return translatePgErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, e *Event) (int64, error) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	payload, _ := json.Marshal(e.Payload)
	var seq int64
	err := p.db.GetContext(ctx, &seq, `
		INSERT INTO events (event_id, execution_id, step_id, sequence, kind, from_status, to_status, actor_id, payload)
		SELECT $1, $2, $3, COALESCE(MAX(sequence), 0) + 1, $4, $5, $6, $7, $8
		FROM events WHERE execution_id = $2
		RETURNING sequence`,
		e.EventID, e.ExecutionID, e.StepID, e.Kind, e.FromStatus, e.ToStatus, e.ActorID, payload)
	if err != nil {
		return 0, translatePgErr(err)
	}
	return seq, nil
}

func (p *PostgresStore) ListEventsSince(ctx context.Context, executionID string, sinceSeq int64, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []eventRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT * FROM events WHERE execution_id = $1 AND sequence > $2 ORDER BY sequence LIMIT $3`,
		executionID, sinceSeq, limit)
	if err != nil {
		return nil, translatePgErr(err)
	}
	out := make([]*Event, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (p *PostgresStore) Enqueue(ctx context.Context, item *QueueItem) (string, error) {
	if item.QueueID == "" {
		item.QueueID = uuid.NewString()
	}
	if item.AvailableAt.IsZero() {
		item.AvailableAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO queue_items (queue_id, execution_id, step_id, priority, available_at, status)
		VALUES ($1,$2,$3,$4,$5,'AVAILABLE')`,
		item.QueueID, item.ExecutionID, item.StepID, item.Priority, item.AvailableAt)
	return item.QueueID, translatePgErr(err)
}

// Lease uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent engine
// instances never double-lease the same row (spec §5: "Store's row-level
// locking is the only synchronization primitive required across instances").
func (p *PostgresStore) Lease(ctx context.Context, batch int, workerID string, leaseTTL time.Duration) ([]*QueueItem, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, translatePgErr(err)
	}
	defer tx.Rollback()

	var rows []queueRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT * FROM queue_items
		WHERE status = 'AVAILABLE' AND available_at <= now()
		ORDER BY priority ASC, available_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, batch)
	if err != nil {
		return nil, translatePgErr(err)
	}
	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	now := time.Now()
	expires := now.Add(leaseTTL)
	out := make([]*QueueItem, 0, len(rows))
	for _, r := range rows {
		token := uuid.NewString()
		_, err = tx.ExecContext(ctx, `
			UPDATE queue_items SET status = 'LEASED', lease_owner = $1, lease_token = $2, lease_expires_at = $3
			WHERE queue_id = $4`, workerID, token, expires, r.QueueID)
		if err != nil {
			return nil, translatePgErr(err)
		}
		item := r.toDomain()
		item.LeaseOwner, item.LeaseToken, item.LeaseExpiresAt = &workerID, &token, &expires
		item.Status = QueueLeased
		out = append(out, item)
	}
	return out, translatePgErr(tx.Commit())
}

func (p *PostgresStore) RenewLease(ctx context.Context, queueID, token string, ttl time.Duration) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE queue_items SET lease_expires_at = now() + $1::interval
		WHERE queue_id = $2 AND lease_token = $3 AND lease_expires_at > now()`,
		fmt.Sprintf("%d microseconds", ttl.Microseconds()), queueID, token)
	if err != nil {
		return translatePgErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrStale
	}
	return nil
}

func (p *PostgresStore) Ack(ctx context.Context, queueID, token string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE queue_items SET status = 'COMPLETED'
		WHERE queue_id = $1 AND lease_token = $2 AND status != 'COMPLETED'`, queueID, token)
	return translatePgErr(err)
}

func (p *PostgresStore) Nack(ctx context.Context, queueID, token string, delay time.Duration, reason NackReason, maxAttempts int) error {
	var attemptCount int
	err := p.db.GetContext(ctx, &attemptCount, `
		UPDATE queue_items SET attempt_count = attempt_count + 1, lease_owner = NULL, lease_token = NULL, lease_expires_at = NULL
		WHERE queue_id = $1
		RETURNING attempt_count`, queueID)
	if err != nil {
		return translatePgErr(err)
	}
	if attemptCount >= maxAttempts {
		_, err = p.db.ExecContext(ctx, `UPDATE queue_items SET status = 'COMPLETED' WHERE queue_id = $1`, queueID)
		return translatePgErr(err)
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE queue_items SET status = 'AVAILABLE', available_at = now() + $1::interval WHERE queue_id = $2`,
		fmt.Sprintf("%d microseconds", delay.Microseconds()), queueID)
	return translatePgErr(err)
}

func (p *PostgresStore) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE queue_items SET status = 'AVAILABLE', available_at = $1, lease_owner = NULL, lease_token = NULL,
			lease_expires_at = NULL, attempt_count = attempt_count + 1
		WHERE status = 'LEASED' AND lease_expires_at < $1`, now)
	if err != nil {
		return 0, translatePgErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) AcquireLock(ctx context.Context, tenantID, assetID, ownerTag string, ttl time.Duration) (*AssetLock, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, translatePgErr(err)
	}
	defer tx.Rollback()

	var existing lockRow
	err = tx.GetContext(ctx, &existing, `
		SELECT * FROM asset_locks WHERE tenant_id = $1 AND asset_id = $2 FOR UPDATE`, tenantID, assetID)
	now := time.Now()
	switch {
	case err == nil && existing.ExpiresAt.After(now):
		return nil, ErrConflict.WithDetails("asset busy")
	case err == nil:
		if _, delErr := tx.ExecContext(ctx, `DELETE FROM asset_locks WHERE lock_id = $1`, existing.LockID); delErr != nil {
			return nil, translatePgErr(delErr)
		}
	case err != sql.ErrNoRows:
		return nil, translatePgErr(err)
	}

	l := &AssetLock{
		LockID: uuid.NewString(), TenantID: tenantID, AssetID: assetID, OwnerTag: ownerTag,
		AcquiredAt: now, ExpiresAt: now.Add(ttl), LastHeartbeatAt: now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO asset_locks (lock_id, tenant_id, asset_id, owner_tag, acquired_at, expires_at, last_heartbeat_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		l.LockID, l.TenantID, l.AssetID, l.OwnerTag, l.AcquiredAt, l.ExpiresAt, l.LastHeartbeatAt)
	if err != nil {
		return nil, translatePgErr(err)
	}
	return l, translatePgErr(tx.Commit())
}

func (p *PostgresStore) HeartbeatLock(ctx context.Context, lockID, ownerTag string, ttl time.Duration) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE asset_locks SET last_heartbeat_at = now(), expires_at = now() + $1::interval
		WHERE lock_id = $2 AND owner_tag = $3`,
		fmt.Sprintf("%d microseconds", ttl.Microseconds()), lockID, ownerTag)
	if err != nil {
		return translatePgErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrStale
	}
	return nil
}

func (p *PostgresStore) ReleaseLock(ctx context.Context, lockID, ownerTag string) error {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM asset_locks WHERE lock_id = $1 AND owner_tag = $2 AND expires_at > now()`, lockID, ownerTag)
	if err != nil {
		return translatePgErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrStale
	}
	return nil
}

func (p *PostgresStore) ReapExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM asset_locks WHERE expires_at < $1`, now)
	if err != nil {
		return 0, translatePgErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) ListLocks(ctx context.Context, assetID string, onlyExpired bool) ([]*AssetLock, error) {
	q := `SELECT * FROM asset_locks WHERE ($1 = '' OR asset_id = $1) AND (NOT $2 OR expires_at < now())`
	var rows []lockRow
	if err := p.db.SelectContext(ctx, &rows, q, assetID, onlyExpired); err != nil {
		return nil, translatePgErr(err)
	}
	out := make([]*AssetLock, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (p *PostgresStore) SendToDLQ(ctx context.Context, item *DLQItem) (string, error) {
	if item.DLQID == "" {
		item.DLQID = uuid.NewString()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dlq_items (dlq_id, execution_id, last_error_kind, last_error_masked, attempt_count, plan_snapshot_ref)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		item.DLQID, item.ExecutionID, item.LastErrorKind, item.LastErrorMasked, item.AttemptCount, item.PlanSnapshotRef)
	return item.DLQID, translatePgErr(err)
}

func (p *PostgresStore) ListDLQ(ctx context.Context, tenantID string) ([]*DLQItem, error) {
	var rows []dlqRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT d.* FROM dlq_items d
		JOIN executions e ON e.execution_id = d.execution_id
		WHERE $1 = '' OR e.tenant_id = $1
		ORDER BY d.failed_at DESC`, tenantID)
	if err != nil {
		return nil, translatePgErr(err)
	}
	out := make([]*DLQItem, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (p *PostgresStore) RequeueDLQ(ctx context.Context, dlqID string) (string, error) {
	var executionID string
	err := p.db.GetContext(ctx, &executionID, `
		UPDATE dlq_items SET requeued = true, requeued_at = now()
		WHERE dlq_id = $1 AND requeued = false
		RETURNING execution_id`, dlqID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrInvalidTransition.WithDetails("already requeued or not found")
		}
		return "", translatePgErr(err)
	}
	return executionID, nil
}
