package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/stagee/pkg/events"
	"github.com/jordigilh/stagee/pkg/store"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	s := store.NewMemoryStore()
	v, err := New(context.Background(), Options{LRUSize: 10}, events.New(s))
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestCheckAllowsBoundActor(t *testing.T) {
	v := newTestValidator(t)
	bindings := []Binding{{ActorID: "actor-1", TenantID: "t1", ActionClass: "read"}}

	d, err := v.Check(context.Background(), "actor-1", "t1", "asset-1", "read", bindings, "exec-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckDeniesUnboundActor(t *testing.T) {
	v := newTestValidator(t)

	d, err := v.Check(context.Background(), "actor-2", "t1", "asset-1", "write", nil, "exec-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.NotEmpty(t, d.Reason)
}

func TestCheckServesCachedDecisionWithoutReevaluating(t *testing.T) {
	v := newTestValidator(t)
	bindings := []Binding{{ActorID: "actor-1", TenantID: "t1", ActionClass: "read"}}

	d1, err := v.Check(context.Background(), "actor-1", "t1", "asset-1", "read", bindings, "exec-1")
	require.NoError(t, err)
	assert.True(t, d1.Allowed)

	// Even with an empty binding set, the cached ALLOW should still be
	// served until CacheTTL elapses (spec §4.5: stale hits up to TTL ok).
	d2, err := v.Check(context.Background(), "actor-1", "t1", "asset-1", "read", nil, "exec-1")
	require.NoError(t, err)
	assert.True(t, d2.Allowed)
}

func TestCacheEntryExpiresAfterTTL(t *testing.T) {
	v := newTestValidator(t)
	frozen := time.Now()
	v.now = func() time.Time { return frozen }

	bindings := []Binding{{ActorID: "actor-1", TenantID: "t1", ActionClass: "read"}}
	_, err := v.Check(context.Background(), "actor-1", "t1", "asset-1", "read", bindings, "exec-1")
	require.NoError(t, err)

	v.now = func() time.Time { return frozen.Add(CacheTTL + time.Second) }
	d, err := v.Check(context.Background(), "actor-1", "t1", "asset-1", "read", nil, "exec-1")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "expired cache entry must be re-evaluated against current bindings")
}

func TestDecisionIsLoggedToEventStream(t *testing.T) {
	s := store.NewMemoryStore()
	e := events.New(s)
	v, err := New(context.Background(), Options{LRUSize: 10}, e)
	require.NoError(t, err)
	defer v.Close()

	_, err = v.Check(context.Background(), "actor-1", "t1", "asset-1", "read", nil, "exec-1")
	require.NoError(t, err)

	got, err := e.Since(context.Background(), "exec-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, store.EventAudit, got[0].Kind)
}

func TestReloadRecompilesPolicy(t *testing.T) {
	v := newTestValidator(t)

	allowAll := `package stagee.rbac

default allow = true
`
	require.NoError(t, v.Reload(context.Background(), allowAll))

	d, err := v.Check(context.Background(), "anyone", "t1", "asset-1", "anything", nil, "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheckServesFromRedisWhenLocalLRUMisses(t *testing.T) {
	mr := miniredis.RunT(t)

	s := store.NewMemoryStore()
	v, err := New(context.Background(), Options{LRUSize: 10, RedisAddr: mr.Addr()}, events.New(s))
	require.NoError(t, err)
	defer v.Close()

	ctx := context.Background()
	bindings := []Binding{{ActorID: "actor-1", TenantID: "t1", ActionClass: "read"}}

	d, err := v.Check(ctx, "actor-1", "t1", "asset-1", "read", bindings, "exec-1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// A fresh Validator has no local LRU entries but shares the Redis tier,
	// so it must still serve the cached decision without bindings.
	v2, err := New(ctx, Options{LRUSize: 10, RedisAddr: mr.Addr()}, events.New(s))
	require.NoError(t, err)
	defer v2.Close()

	d2, err := v2.Check(ctx, "actor-1", "t1", "asset-1", "read", nil, "exec-2")
	require.NoError(t, err)
	assert.True(t, d2.Allowed)
}
