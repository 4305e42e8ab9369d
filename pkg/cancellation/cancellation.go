// Package cancellation implements the CancellationRegistry (spec §4.7): a
// per-execution cooperative cancellation token that workers poll at a fixed
// cadence during blocking waits.
package cancellation

import (
	"context"
	"sync"
	"time"
)

// PollInterval is the maximum cadence at which a worker must observe a
// tripped token during a blocking wait (spec §4.7: "≤ 1 s").
const PollInterval = time.Second

// Token is a single execution's cancellation handle. The zero value is not
// usable; obtain one via Registry.Register.
type Token struct {
	mu       sync.Mutex
	tripped  bool
	reason   string
	done     chan struct{}
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel trips the token. Idempotent: a second call with a different reason
// is a no-op — the first reason wins.
func (t *Token) Cancel(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tripped {
		return
	}
	t.tripped = true
	t.reason = reason
	close(t.done)
}

// Cancelled reports whether the token has tripped, and why.
func (t *Token) Cancelled() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tripped, t.reason
}

// Done returns a channel closed the moment the token trips — suitable for
// select alongside a step's own timeout and context.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Context derives a context.Context that is cancelled when either the token
// trips or parent is done, so adapter calls can accept a single ctx.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Registry tracks one Token per execution_id.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

func New() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Register returns the execution's token, creating it on first use.
func (r *Registry) Register(executionID string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[executionID]; ok {
		return t
	}
	t := newToken()
	r.tokens[executionID] = t
	return t
}

// Cancel trips the execution's token, registering one first if none exists
// yet (a cancel request can race a submission that hasn't started).
func (r *Registry) Cancel(executionID, reason string) {
	r.Register(executionID).Cancel(reason)
}

// Forget drops the token once the execution reaches a terminal state, so
// the registry does not grow unbounded.
func (r *Registry) Forget(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, executionID)
}
