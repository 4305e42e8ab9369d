// Package mutex implements the MutexService (spec §4.4): a per-(tenant,
// asset) exclusive, lease-based lock with heartbeat and a reaper that
// releases stale — never live — locks.
package mutex

import (
	"context"
	"errors"
	"sort"
	"time"

	apperrors "github.com/jordigilh/stagee/internal/errors"
	"github.com/jordigilh/stagee/pkg/events"
	"github.com/jordigilh/stagee/pkg/store"
)

// ErrBusy is returned when the asset is already held by a live lock.
var ErrBusy = apperrors.New(apperrors.ErrorTypeAssetBusy, "asset busy")

// Handle is the caller's receipt for a held lock; Heartbeat/Release take it.
type Handle struct {
	LockID   string
	TenantID string
	AssetID  string
	OwnerTag string
	TTL      time.Duration
}

// Service wraps the Store's lock operations with the heartbeat cadence and
// ascending-order multi-asset acquisition policy of spec §4.4.
type Service struct {
	store   store.Store
	emitter *events.Emitter
	now     func() time.Time
}

func New(s store.Store, emitter *events.Emitter) *Service {
	return &Service{store: s, emitter: emitter, now: time.Now}
}

// Acquire attempts a single asset lock, returning ErrBusy (non-fatal, the
// caller decides whether to retry) when another owner holds it live.
func (s *Service) Acquire(ctx context.Context, tenantID, assetID, ownerTag string, ttl time.Duration) (*Handle, error) {
	l, err := s.store.AcquireLock(ctx, tenantID, assetID, ownerTag, ttl)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrBusy
		}
		return nil, err
	}
	return &Handle{LockID: l.LockID, TenantID: tenantID, AssetID: assetID, OwnerTag: ownerTag, TTL: ttl}, nil
}

// AcquireMany acquires every (tenant, asset) pair in ascending asset_id
// order (spec §4.4 deadlock policy), backing off between attempts up to
// maxWait. On failure it releases every lock it already holds before
// returning ASSET_BUSY.
func (s *Service) AcquireMany(ctx context.Context, tenantID string, assetIDs []string, ownerTag string, ttl, maxWait time.Duration) ([]*Handle, error) {
	sorted := append([]string(nil), assetIDs...)
	sort.Strings(sorted)

	var held []*Handle
	deadline := s.now().Add(maxWait)
	backoff := 50 * time.Millisecond

	for _, assetID := range sorted {
		for {
			h, err := s.Acquire(ctx, tenantID, assetID, ownerTag, ttl)
			if err == nil {
				held = append(held, h)
				break
			}
			if !errors.Is(err, ErrBusy) {
				s.releaseAll(ctx, held)
				return nil, err
			}
			if s.now().After(deadline) {
				s.releaseAll(ctx, held)
				return nil, ErrBusy
			}
			select {
			case <-ctx.Done():
				s.releaseAll(ctx, held)
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
	return held, nil
}

func (s *Service) releaseAll(ctx context.Context, held []*Handle) {
	for _, h := range held {
		_ = s.Release(ctx, h)
	}
}

// Heartbeat refreshes the lock's expiry. Callers invoke it at ttl/3 cadence
// (spec §4.4); three consecutive failures imply the owner is losing the
// lock and must abort the step.
func (s *Service) Heartbeat(ctx context.Context, h *Handle) error {
	return s.store.HeartbeatLock(ctx, h.LockID, h.OwnerTag, h.TTL)
}

// Release drops the lock. Releasing an expired/non-owned lock returns a
// non-fatal STALE-classified error per spec §4.4.
func (s *Service) Release(ctx context.Context, h *Handle) error {
	err := s.store.ReleaseLock(ctx, h.LockID, h.OwnerTag)
	if err != nil && !errors.Is(err, store.ErrStale) {
		return err
	}
	return nil
}

// Reap releases stale locks and emits an observability event per release.
// It never evicts a live lock, even one suspected to belong to a dead
// worker — the lease is the only source of truth (spec §4.4).
func (s *Service) Reap(ctx context.Context) (int, error) {
	n, err := s.store.ReapExpiredLocks(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 && s.emitter != nil {
		s.emitter.EmitSystem(ctx, events.KindHeartbeat, map[string]any{"reaped_locks": n})
	}
	return n, nil
}

// HeartbeatInterval is ttl/3, the cadence mandated by spec §4.4.
func HeartbeatInterval(ttl time.Duration) time.Duration {
	return ttl / 3
}
