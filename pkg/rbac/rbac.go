// Package rbac implements the RbacValidator (spec §4.5): a rego-policy
// authorization check, cached per (actor, tenant, asset, action_class) with
// a bounded TTL, with every decision logged to the event stream.
package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/open-policy-agent/opa/rego"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/jordigilh/stagee/internal/errors"
	"github.com/jordigilh/stagee/pkg/events"
	"github.com/jordigilh/stagee/pkg/store"
)

// CacheTTL bounds staleness: a stale ALLOW/DENY may be served for up to this
// long after the underlying policy or binding set changes (spec §4.5).
const CacheTTL = 60 * time.Second

// ErrDenied is the non-retryable failure a DENIED decision maps a step to.
var ErrDenied = apperrors.New(apperrors.ErrorTypeAuthDenied, "access denied by policy")

// Decision is the outcome of one policy check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// DefaultPolicy denies by default and allows only actors explicitly bound to
// an action class for the tenant; operators load a richer module via Reload.
const DefaultPolicy = `package stagee.rbac

default allow = false

deny[msg] {
	not allow
	msg := sprintf("actor %v has no binding for action_class %v in tenant %v", [input.actor_id, input.action_class, input.tenant_id])
}

allow {
	binding := input.bindings[_]
	binding.actor_id == input.actor_id
	binding.tenant_id == input.tenant_id
	binding.action_class == input.action_class
}
`

// Binding grants an actor permission to run one action_class in one tenant.
// Callers thread the tenant's current binding set in on every Check call
// (spec keeps the Store, not this package, as the system of record for
// bindings); Validator only evaluates and caches.
type Binding struct {
	ActorID     string `json:"actor_id"`
	TenantID    string `json:"tenant_id"`
	ActionClass string `json:"action_class"`
}

type policyInput struct {
	ActorID     string    `json:"actor_id"`
	TenantID    string    `json:"tenant_id"`
	AssetID     string    `json:"asset_id"`
	ActionClass string    `json:"action_class"`
	Bindings    []Binding `json:"bindings"`
}

// Validator evaluates the compiled policy and caches decisions in an
// in-process LRU backed by an optional Redis tier, mirroring the two-tier
// cache shape used elsewhere in the stack.
type Validator struct {
	mu     sync.RWMutex
	query  rego.PreparedEvalQuery
	lru    *lru.Cache[string, cacheEntry]
	redis  *redis.Client
	events *events.Emitter
	now    func() time.Time
}

type cacheEntry struct {
	decision Decision
	expires  time.Time
}

// Options configures the Validator's cache tiers.
type Options struct {
	LRUSize    int    // bounded size, spec §4.5
	RedisAddr  string // empty disables the L2 tier
	RedisDB    int
	PolicyRego string // empty uses DefaultPolicy
}

func New(ctx context.Context, opts Options, emitter *events.Emitter) (*Validator, error) {
	size := opts.LRUSize
	if size <= 0 {
		size = 1000
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("rbac: build lru cache: %w", err)
	}

	v := &Validator{lru: cache, events: emitter, now: time.Now}

	if opts.RedisAddr != "" {
		v.redis = redis.NewClient(&redis.Options{Addr: opts.RedisAddr, DB: opts.RedisDB})
	}

	policy := opts.PolicyRego
	if policy == "" {
		policy = DefaultPolicy
	}
	if err := v.Reload(ctx, policy); err != nil {
		return nil, err
	}
	return v, nil
}

// Reload recompiles the policy module, e.g. on a config hot-reload event.
func (v *Validator) Reload(ctx context.Context, policyRego string) error {
	r := rego.New(
		rego.Module("rbac.rego", policyRego),
		rego.Query("data.stagee.rbac.deny"),
	)
	q, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("rbac: compile policy: %w", err)
	}
	v.mu.Lock()
	v.query = q
	v.mu.Unlock()
	return nil
}

func cacheKey(actorID, tenantID, assetID, actionClass string) string {
	return actorID + "|" + tenantID + "|" + assetID + "|" + actionClass
}

// Check evaluates the policy for one step, serving a cached decision when
// available. The check runs inside the worker immediately before step
// start; a stale cache hit up to CacheTTL old is acceptable per spec.
func (v *Validator) Check(ctx context.Context, actorID, tenantID, assetID, actionClass string, bindings []Binding, executionID string) (Decision, error) {
	key := cacheKey(actorID, tenantID, assetID, actionClass)

	if d, ok := v.cacheGet(ctx, key); ok {
		v.logDecision(ctx, executionID, actorID, assetID, actionClass, d)
		return d, nil
	}

	d, err := v.evaluate(ctx, actorID, tenantID, assetID, actionClass, bindings)
	if err != nil {
		return Decision{}, err
	}

	v.cachePut(ctx, key, d)
	v.logDecision(ctx, executionID, actorID, assetID, actionClass, d)
	return d, nil
}

func (v *Validator) evaluate(ctx context.Context, actorID, tenantID, assetID, actionClass string, bindings []Binding) (Decision, error) {
	v.mu.RLock()
	q := v.query
	v.mu.RUnlock()

	rs, err := q.Eval(ctx, rego.EvalInput(policyInput{
		ActorID: actorID, TenantID: tenantID, AssetID: assetID, ActionClass: actionClass, Bindings: bindings,
	}))
	if err != nil {
		return Decision{}, fmt.Errorf("rbac: evaluate policy: %w", err)
	}

	var reasons []string
	for _, r := range rs {
		for _, expr := range r.Expressions {
			if set, ok := expr.Value.([]interface{}); ok {
				for _, item := range set {
					if s, ok := item.(string); ok {
						reasons = append(reasons, s)
					}
				}
			}
		}
	}

	if len(reasons) == 0 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, Reason: reasons[0]}, nil
}

func (v *Validator) cacheGet(ctx context.Context, key string) (Decision, bool) {
	if e, ok := v.lru.Get(key); ok {
		if v.now().Before(e.expires) {
			return e.decision, true
		}
		v.lru.Remove(key)
	}

	if v.redis == nil {
		return Decision{}, false
	}
	raw, err := v.redis.Get(ctx, "rbac:"+key).Bytes()
	if err != nil {
		return Decision{}, false
	}
	var d Decision
	if json.Unmarshal(raw, &d) != nil {
		return Decision{}, false
	}
	// Promote with the Redis entry's remaining lifetime, not a fresh CacheTTL,
	// so a decision is never served for longer than CacheTTL in total.
	ttl, err := v.redis.PTTL(ctx, "rbac:"+key).Result()
	if err != nil || ttl <= 0 {
		return Decision{}, false
	}
	v.lru.Add(key, cacheEntry{decision: d, expires: v.now().Add(ttl)})
	return d, true
}

func (v *Validator) cachePut(ctx context.Context, key string, d Decision) {
	v.lru.Add(key, cacheEntry{decision: d, expires: v.now().Add(CacheTTL)})
	if v.redis == nil {
		return
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return
	}
	_ = v.redis.Set(ctx, "rbac:"+key, raw, CacheTTL).Err()
}

func (v *Validator) logDecision(ctx context.Context, executionID, actorID, assetID, actionClass string, d Decision) {
	if v.events == nil {
		return
	}
	kind := store.EventAudit
	payload := map[string]any{
		"actor_id":     actorID,
		"asset_id":     assetID,
		"action_class": actionClass,
		"allowed":      d.Allowed,
		"reason":       d.Reason,
	}
	if executionID == "" {
		v.events.EmitSystem(ctx, kind, payload)
		return
	}
	_, _ = v.events.Emit(ctx, executionID, kind, "", "", actorID, payload)
}

// Close releases the Redis tier, if configured.
func (v *Validator) Close() error {
	if v.redis != nil {
		return v.redis.Close()
	}
	return nil
}
