package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/stagee/pkg/fsm"
)

// MemoryStore is an in-process Store used by unit/BDD tests and local
// development without Postgres. It implements the same atomicity contract
// (single mutex per store instance) as the Postgres implementation's
// row-level locking, at the granularity of the whole store rather than a
// single row — acceptable for a single-process test double.
type MemoryStore struct {
	mu sync.Mutex

	executions     map[string]*Execution
	steps          map[string]*Step // stepID -> step
	stepsByExec    map[string][]string
	approvals      map[string]*Approval
	approvalByExec map[string]string

	idempotency map[string]string // tenant|key -> executionID

	events  map[string][]*Event // executionID -> events in sequence order
	nextSeq map[string]int64

	queue map[string]*QueueItem

	locks       map[string]*AssetLock // lockID -> lock
	liveLockKey map[string]string     // tenant|asset -> lockID

	dlq map[string]*DLQItem

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:     map[string]*Execution{},
		steps:          map[string]*Step{},
		stepsByExec:    map[string][]string{},
		approvals:      map[string]*Approval{},
		approvalByExec: map[string]string{},
		idempotency:    map[string]string{},
		events:         map[string][]*Event{},
		nextSeq:        map[string]int64{},
		queue:          map[string]*QueueItem{},
		locks:          map[string]*AssetLock{},
		liveLockKey:    map[string]string{},
		dlq:            map[string]*DLQItem{},
		now:            time.Now,
	}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, e *Execution) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.IdempotencyKey != "" {
		idemKey := e.TenantID + "|" + e.IdempotencyKey
		if existingID, ok := s.idempotency[idemKey]; ok {
			if existing, ok := s.executions[existingID]; ok && !existing.Status.IsTerminal() {
				return "", NewIdempotentHit(existingID)
			}
		}
	}

	id := e.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	e.ExecutionID = id
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	cp := *e
	s.executions[id] = &cp

	if e.IdempotencyKey != "" {
		s.idempotency[e.TenantID+"|"+e.IdempotencyKey] = id
	}
	return id, nil
}

func (s *MemoryStore) TransitionExecution(ctx context.Context, executionID string, from, to fsm.ExecutionStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	if e.Status != from {
		return ErrInvalidTransition
	}
	if !fsm.ValidExecutionTransition(from, to) {
		return ErrInvalidTransition
	}
	e.Status = to
	n := s.now()
	switch to {
	case fsm.ExecutionRunning:
		if e.StartedAt == nil {
			e.StartedAt = &n
		}
	case fsm.ExecutionQueued:
		e.QueuedAt = &n
	}
	if to.IsTerminal() {
		e.FinishedAt = &n
	}
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, executionID string) ([]*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.stepsByExec[executionID]
	out := make([]*Step, 0, len(ids))
	for _, id := range ids {
		cp := *s.steps[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// CreateStep persists one step of a plan snapshot at submit time.
func (s *MemoryStore) CreateStep(ctx context.Context, st *Step) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.StepID == "" {
		st.StepID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = fsm.StepPending
	}
	cp := *st
	s.steps[st.StepID] = &cp
	s.stepsByExec[st.ExecutionID] = append(s.stepsByExec[st.ExecutionID], st.StepID)
	return st.StepID, nil
}

// PutStep is a test/setup helper (not part of the Store interface) for
// seeding steps belonging to an execution without going through CreateStep.
func (s *MemoryStore) PutStep(st *Step) {
	_, _ = s.CreateStep(context.Background(), st)
}

func (s *MemoryStore) GetStep(stepID string) (*Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok {
		return nil, false
	}
	cp := *st
	return &cp, true
}

func (s *MemoryStore) TransitionStep(ctx context.Context, stepID string, from, to fsm.StepStatus, result *StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[stepID]
	if !ok {
		return ErrNotFound
	}
	if st.Status != from {
		return ErrInvalidTransition
	}
	if !fsm.ValidStepTransition(from, to) {
		return ErrInvalidTransition
	}
	st.Status = to
	n := s.now()
	if to == fsm.StepRunning && st.StartedAt == nil {
		st.StartedAt = &n
	}
	if to.IsTerminal() {
		st.FinishedAt = &n
	}
	if result != nil {
		st.ExitCode = result.ExitCode
		st.Artifacts = CapArtifact(result.Artifacts)
		st.ErrorKind = result.ErrorKind
		st.ErrorMasked = result.ErrorMasked
	}

	if exec, ok := s.executions[st.ExecutionID]; ok {
		switch to {
		case fsm.StepSucceeded:
			exec.StepSucceeded++
		case fsm.StepFailed, fsm.StepTimeout, fsm.StepCancelled:
			exec.StepFailed++
		}
	}
	return nil
}

// RecordStepAttempt bumps a RUNNING step's attempt counter in place; the
// step's status is untouched (it stays RUNNING across engine-level retries).
func (s *MemoryStore) RecordStepAttempt(ctx context.Context, stepID string, errorKind, errorMasked string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[stepID]
	if !ok {
		return 0, ErrNotFound
	}
	if st.Status != fsm.StepRunning {
		return 0, ErrInvalidTransition
	}
	st.Attempt++
	st.ErrorKind = errorKind
	st.ErrorMasked = errorMasked
	return st.Attempt, nil
}

func (s *MemoryStore) CreateApproval(ctx context.Context, a *Approval) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := a.ApprovalID
	if id == "" {
		id = uuid.NewString()
	}
	a.ApprovalID = id
	cp := *a
	s.approvals[id] = &cp
	s.approvalByExec[a.ExecutionID] = id
	return id, nil
}

func (s *MemoryStore) GetApproval(ctx context.Context, executionID string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.approvalByExec[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.approvals[id]
	return &cp, nil
}

func (s *MemoryStore) ActOnApproval(ctx context.Context, approvalID string, decision ApprovalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[approvalID]
	if !ok {
		return ErrNotFound
	}
	if a.Status != ApprovalPending {
		return ErrInvalidTransition
	}
	a.Status = decision
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, e *Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq[e.ExecutionID]++
	seq := s.nextSeq[e.ExecutionID]
	e.Sequence = seq
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	cp := *e
	s.events[e.ExecutionID] = append(s.events[e.ExecutionID], &cp)
	return seq, nil
}

func (s *MemoryStore) ListEventsSince(ctx context.Context, executionID string, sinceSeq int64, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events[executionID] {
		if e.Sequence > sinceSeq {
			cp := *e
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, item *QueueItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := item.QueueID
	if id == "" {
		id = uuid.NewString()
	}
	item.QueueID = id
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = s.now()
	}
	if item.AvailableAt.IsZero() {
		item.AvailableAt = item.EnqueuedAt
	}
	item.Status = QueueAvailable
	cp := *item
	s.queue[id] = &cp
	return id, nil
}

func (s *MemoryStore) Lease(ctx context.Context, batch int, workerID string, leaseTTL time.Duration) ([]*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var candidates []*QueueItem
	for _, item := range s.queue {
		if item.Status == QueueAvailable && !item.AvailableAt.After(now) {
			candidates = append(candidates, item)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].AvailableAt.Before(candidates[j].AvailableAt)
	})

	var leased []*QueueItem
	for _, item := range candidates {
		if len(leased) >= batch {
			break
		}
		token := uuid.NewString()
		owner := workerID
		expires := now.Add(leaseTTL)
		item.LeaseOwner = &owner
		item.LeaseToken = &token
		item.LeaseExpiresAt = &expires
		item.Status = QueueLeased
		cp := *item
		leased = append(leased, &cp)
	}
	return leased, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, queueID, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queue[queueID]
	if !ok {
		return ErrNotFound
	}
	if item.LeaseToken == nil || *item.LeaseToken != token {
		return ErrStale
	}
	now := s.now()
	if item.LeaseExpiresAt != nil && item.LeaseExpiresAt.Before(now) {
		return ErrStale
	}
	expires := now.Add(ttl)
	item.LeaseExpiresAt = &expires
	return nil
}

func (s *MemoryStore) Ack(ctx context.Context, queueID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queue[queueID]
	if !ok {
		return nil // idempotent: acking an unknown/pruned item is a no-op
	}
	if item.Status == QueueCompleted {
		return nil
	}
	if item.LeaseToken == nil || *item.LeaseToken != token {
		return ErrStale
	}
	item.Status = QueueCompleted
	return nil
}

func (s *MemoryStore) Nack(ctx context.Context, queueID, token string, delay time.Duration, reason NackReason, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queue[queueID]
	if !ok {
		return ErrNotFound
	}
	if item.LeaseToken != nil && *item.LeaseToken != token {
		return ErrStale
	}
	item.AttemptCount++
	item.LeaseOwner = nil
	item.LeaseToken = nil
	item.LeaseExpiresAt = nil
	if item.AttemptCount >= maxAttempts {
		item.Status = QueueCompleted // removed from the live queue; caller sends to DLQ
		return nil
	}
	item.Status = QueueAvailable
	item.AvailableAt = s.now().Add(delay)
	return nil
}

func (s *MemoryStore) ReapExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.queue {
		if item.Status == QueueLeased && item.LeaseExpiresAt != nil && item.LeaseExpiresAt.Before(now) {
			item.Status = QueueAvailable
			item.AvailableAt = now
			item.LeaseOwner = nil
			item.LeaseToken = nil
			item.LeaseExpiresAt = nil
			item.AttemptCount++
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AcquireLock(ctx context.Context, tenantID, assetID, ownerTag string, ttl time.Duration) (*AssetLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := tenantID + "|" + assetID
	now := s.now()
	if id, ok := s.liveLockKey[k]; ok {
		if l, ok := s.locks[id]; ok && l.ExpiresAt.After(now) {
			return nil, ErrConflict.WithDetails("asset busy")
		}
	}
	id := uuid.NewString()
	l := &AssetLock{
		LockID:          id,
		TenantID:        tenantID,
		AssetID:         assetID,
		OwnerTag:        ownerTag,
		AcquiredAt:      now,
		ExpiresAt:       now.Add(ttl),
		LastHeartbeatAt: now,
	}
	s.locks[id] = l
	s.liveLockKey[k] = id
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) HeartbeatLock(ctx context.Context, lockID, ownerTag string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[lockID]
	if !ok || l.OwnerTag != ownerTag {
		return ErrStale
	}
	now := s.now()
	l.LastHeartbeatAt = now
	l.ExpiresAt = now.Add(ttl)
	return nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, lockID, ownerTag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[lockID]
	if !ok {
		return ErrStale
	}
	if l.OwnerTag != ownerTag || l.ExpiresAt.Before(s.now()) {
		return ErrStale
	}
	delete(s.locks, lockID)
	k := l.TenantID + "|" + l.AssetID
	if s.liveLockKey[k] == lockID {
		delete(s.liveLockKey, k)
	}
	return nil
}

func (s *MemoryStore) ReapExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, l := range s.locks {
		if l.ExpiresAt.Before(now) {
			delete(s.locks, id)
			k := l.TenantID + "|" + l.AssetID
			if s.liveLockKey[k] == id {
				delete(s.liveLockKey, k)
			}
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListLocks(ctx context.Context, assetID string, onlyExpired bool) ([]*AssetLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*AssetLock
	for _, l := range s.locks {
		if assetID != "" && l.AssetID != assetID {
			continue
		}
		if onlyExpired && !l.ExpiresAt.Before(now) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SendToDLQ(ctx context.Context, item *DLQItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := item.DLQID
	if id == "" {
		id = uuid.NewString()
	}
	item.DLQID = id
	if item.FailedAt.IsZero() {
		item.FailedAt = s.now()
	}
	cp := *item
	s.dlq[id] = &cp
	return id, nil
}

func (s *MemoryStore) ListDLQ(ctx context.Context, tenantID string) ([]*DLQItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DLQItem
	for _, d := range s.dlq {
		if tenantID != "" {
			exec, ok := s.executions[d.ExecutionID]
			if !ok || exec.TenantID != tenantID {
				continue
			}
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) RequeueDLQ(ctx context.Context, dlqID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dlq[dlqID]
	if !ok {
		return "", ErrNotFound
	}
	if d.Requeued {
		return "", ErrInvalidTransition.WithDetails("dlq item already requeued")
	}
	now := s.now()
	d.Requeued = true
	d.RequeuedAt = &now
	return d.ExecutionID, nil
}
