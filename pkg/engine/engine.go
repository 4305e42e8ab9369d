// Package engine implements the ExecutionEngine (spec §4.12): drives a
// single execution end-to-end after it has been dequeued, orchestrating
// RBAC, the asset mutex, secret resolution, adapter invocation, and the
// timeout/cancellation/aggregate logic that decides its terminal status.
package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/go-logr/logr"

	apperrors "github.com/jordigilh/stagee/internal/errors"
	"github.com/jordigilh/stagee/pkg/adapters"
	"github.com/jordigilh/stagee/pkg/cancellation"
	"github.com/jordigilh/stagee/pkg/events"
	"github.com/jordigilh/stagee/pkg/fsm"
	"github.com/jordigilh/stagee/pkg/masking"
	"github.com/jordigilh/stagee/pkg/mutex"
	"github.com/jordigilh/stagee/pkg/rbac"
	"github.com/jordigilh/stagee/pkg/secretstore"
	"github.com/jordigilh/stagee/pkg/store"
	"github.com/jordigilh/stagee/pkg/timeoutpolicy"
)

// Engine drives executions; one Engine is shared by every worker goroutine
// in the pool (spec §4.13), so all dependencies here must be concurrency
// safe — which every collaborator package already is.
type Engine struct {
	store        store.Store
	events       *events.Emitter
	rbac         *rbac.Validator
	mutex        *mutex.Service
	secrets      *secretstore.Store
	assets       adapters.Client
	automation   adapters.Client
	timeouts     *timeoutpolicy.Matrix
	cancellation *cancellation.Registry
	log          logr.Logger

	bindings     func(ctx context.Context, tenantID string) ([]rbac.Binding, error)
	retryBackoff func(attempt int) time.Duration
}

// Config wires every ExecutionEngine collaborator.
type Config struct {
	Store        store.Store
	Events       *events.Emitter
	RBAC         *rbac.Validator
	Mutex        *mutex.Service
	Secrets      *secretstore.Store
	AssetAdapter adapters.Client
	Automation   adapters.Client
	Timeouts     *timeoutpolicy.Matrix
	Cancellation *cancellation.Registry
	Log          logr.Logger

	// Bindings resolves the RBAC binding set for a tenant immediately before
	// each check (spec keeps the Store/RBAC data plane external to this
	// package); a nil func means "no bindings", i.e. deny-by-default.
	Bindings func(ctx context.Context, tenantID string) ([]rbac.Binding, error)

	// RetryBackoff computes the delay before re-attempting a retryable step
	// failure (spec §4.12.g's "engine-level intra-plan retry"), distinct
	// from the WorkQueue's own redelivery backoff (pkg/queue.Backoff), which
	// governs a different suspension point. Defaults to RetryBackoff.
	RetryBackoff func(attempt int) time.Duration
}

// retryBaseDelay and retryCapDelay bound the step-level retry curve: min(200ms
// * 2^(n-1), 5s) * U(0.5, 1.5). Kept well under the WorkQueue's lease TTL so a
// retrying step never starves its own lease renewal.
const (
	retryBaseDelay = 200 * time.Millisecond
	retryCapDelay  = 5 * time.Second
)

// RetryBackoff is the default step-level intra-plan retry curve.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := retryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > retryCapDelay {
			d = retryCapDelay
			break
		}
	}
	jitter := 0.5 + rand.Float64() // U(0.5, 1.5)
	return time.Duration(float64(d) * jitter)
}

func New(cfg Config) *Engine {
	bindings := cfg.Bindings
	if bindings == nil {
		bindings = func(context.Context, string) ([]rbac.Binding, error) { return nil, nil }
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff == nil {
		retryBackoff = RetryBackoff
	}
	return &Engine{
		store: cfg.Store, events: cfg.Events, rbac: cfg.RBAC, mutex: cfg.Mutex,
		secrets: cfg.Secrets, assets: cfg.AssetAdapter, automation: cfg.Automation,
		timeouts: cfg.Timeouts, cancellation: cfg.Cancellation, log: cfg.Log,
		bindings: bindings, retryBackoff: retryBackoff,
	}
}

// adapterFor picks AutomationAdapter for higher-level DEPLOY actions and
// AssetAdapter otherwise (spec §4.10 does not split the dispatch rule
// explicitly; DEPLOY is the one action class that maps to playbook-style
// automation in this engine).
func (e *Engine) adapterFor(actionClass timeoutpolicy.ActionClass) adapters.Client {
	if actionClass == timeoutpolicy.ActionDeploy && e.automation != nil {
		return e.automation
	}
	return e.assets
}

// Run drives execution_id end-to-end (spec §4.12 entry contract:
// run(execution_id, cancel_token)). The cancel token is obtained from the
// engine's own registry so callers (the worker pool) only need the id.
//
// When the execution resolves to FAILED and at least one step ended FAILED
// (its retry budget ran out, or a non-retryable failure such as AUTH_DENIED),
// Run returns a *store.StepRetriesExhausted carrying the first such step's
// error; the WorkerPool nacks the queue item straight into the DLQ for
// that case instead of treating it as an infrastructure exception. Any other
// non-nil error is a genuine engine-side fault the caller should nack with
// its own WORKER_EXCEPTION backoff.
func (e *Engine) Run(ctx context.Context, executionID string) error {
	token := e.cancellation.Register(executionID)
	defer e.cancellation.Forget(executionID)

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	if exec.Status == fsm.ExecutionQueued {
		if err := e.store.TransitionExecution(ctx, executionID, fsm.ExecutionQueued, fsm.ExecutionRunning, "dequeued"); err != nil {
			return err
		}
	} else if exec.Status == fsm.ExecutionRunning {
		// Re-entrant resume after a worker crash (spec §4.2, §8 scenario 7).
		if err := e.store.TransitionExecution(ctx, executionID, fsm.ExecutionRunning, fsm.ExecutionRunning, "resumed"); err != nil {
			return err
		}
	}

	steps, err := e.store.ListSteps(ctx, executionID)
	if err != nil {
		return err
	}

	bindings, err := e.bindings(ctx, exec.TenantID)
	if err != nil {
		return err
	}

	execDeadline := time.Time{}
	if exec.TimeoutAt != nil {
		execDeadline = *exec.TimeoutAt
	}

	var finalStatuses []fsm.StepStatus
	deadlineHit := false
	anyCancelled := false
	var firstFailure *store.StepRetriesExhausted

	for _, step := range steps {
		if step.Status.IsTerminal() {
			finalStatuses = append(finalStatuses, step.Status)
			continue
		}

		if tripped, reason := token.Cancelled(); tripped {
			e.skipStep(ctx, executionID, step, reason)
			finalStatuses = append(finalStatuses, fsm.StepCancelled)
			anyCancelled = true
			continue
		}

		status := e.runStep(ctx, exec, step, token, execDeadline, bindings)
		finalStatuses = append(finalStatuses, status)
		if status == fsm.StepCancelled {
			anyCancelled = true
		}
		if status == fsm.StepTimeout && !execDeadline.IsZero() && !time.Now().Before(execDeadline) {
			deadlineHit = true
		}
		if status == fsm.StepFailed && firstFailure == nil {
			firstFailure = store.NewStepRetriesExhausted(step.ErrorKind, step.ErrorMasked)
		}

		e.events.EmitStep(ctx, executionID, step.StepID, events.KindProgress, "", string(status), exec.ActorID, map[string]any{
			"step_index": step.StepIndex,
		})
	}

	final := fsm.Aggregate(finalStatuses, exec.PartialAllowed, deadlineHit, anyCancelled)
	if err := e.store.TransitionExecution(ctx, executionID, fsm.ExecutionRunning, final, "aggregate"); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			return err
		}
	}
	e.events.Emit(ctx, executionID, events.KindStateChange, string(fsm.ExecutionRunning), string(final), exec.ActorID, nil)

	if final == fsm.ExecutionFailed && firstFailure != nil {
		return firstFailure
	}
	return nil
}

func (e *Engine) skipStep(ctx context.Context, executionID string, step *store.Step, reason string) {
	_ = e.store.TransitionStep(ctx, step.StepID, fsm.StepPending, fsm.StepCancelled, &store.StepResult{ErrorKind: "CANCELLED", ErrorMasked: masking.Mask(reason)})
	e.events.EmitStep(ctx, executionID, step.StepID, events.KindCancel, string(fsm.StepPending), string(fsm.StepCancelled), "", map[string]any{"reason": reason})
}

// mutexMaxWait bounds how long a step waits on asset contention before
// failing ASSET_BUSY (spec §4.12.c), derived from the step's own timeout
// since a wait longer than the step could ever execute in is pointless.
func mutexMaxWait(stepTimeout time.Duration) time.Duration {
	w := stepTimeout / 2
	if w < time.Second {
		return time.Second
	}
	return w
}

// runStep executes one step, retrying it in place (spec §4.12.g:
// "engine-level intra-plan retry") until it reaches a terminal status or
// exhausts step.MaxAttempts, and returns the terminal StepStatus. Errors that
// are the engine's own fault (Store unavailable, etc.) are swallowed into a
// FAILED step status — Run's caller (the WorkerPool) is the layer that
// decides whether the whole attempt needs a WORKER_EXCEPTION nack.
func (e *Engine) runStep(ctx context.Context, exec *store.Execution, step *store.Step, token *cancellation.Token, execDeadline time.Time, bindings []rbac.Binding) fsm.StepStatus {
	actionClass := timeoutpolicy.ActionClass(step.ActionClass)
	policy, err := e.timeouts.Lookup(timeoutpolicy.SLAClass(exec.SLAClass), actionClass)
	if err != nil {
		return e.failStep(ctx, exec, step, "internal", err.Error())
	}

	decision, err := e.rbac.Check(ctx, exec.ActorID, exec.TenantID, step.TargetAssetID, string(actionClass), bindings, exec.ExecutionID)
	if err != nil {
		return e.failStep(ctx, exec, step, "internal", err.Error())
	}
	if !decision.Allowed {
		return e.failStep(ctx, exec, step, "AUTH_DENIED", decision.Reason)
	}

	if err := e.store.TransitionStep(ctx, step.StepID, fsm.StepPending, fsm.StepRunning, nil); err != nil {
		return e.failStep(ctx, exec, step, "internal", err.Error())
	}

	maxWait := mutexMaxWait(policy.StepTimeout)

	for {
		status, retryKind, retryMasked := e.attemptStep(ctx, exec, step, token, execDeadline, policy, actionClass, maxWait)
		if retryKind == "" {
			return status
		}

		attempt, err := e.store.RecordStepAttempt(ctx, step.StepID, retryKind, retryMasked)
		if err != nil {
			e.log.Error(err, "record step attempt failed", "step_id", step.StepID)
			return e.transitionStepResult(ctx, step, fsm.StepFailed, &store.StepResult{ErrorKind: retryKind, ErrorMasked: retryMasked})
		}
		step.Attempt = attempt

		delay := e.retryBackoff(attempt)
		e.events.EmitStep(ctx, exec.ExecutionID, step.StepID, events.KindRetry, string(fsm.StepRunning), string(fsm.StepRunning), exec.ActorID, map[string]any{
			"attempt":      attempt,
			"max_attempts": step.MaxAttempts,
			"error_kind":   retryKind,
			"backoff":      delay.String(),
		})

		// Budget exhausted: the attempt just recorded is the last one this
		// step gets (spec §8 scenario 6 — N max_attempts yields N RETRY
		// events, the Nth terminal-failing instead of dispatching again).
		if attempt >= step.MaxAttempts {
			return e.transitionStepResult(ctx, step, fsm.StepFailed, &store.StepResult{ErrorKind: retryKind, ErrorMasked: retryMasked})
		}

		if !e.sleepRetry(ctx, token, delay) {
			if tripped, reason := token.Cancelled(); tripped {
				return e.transitionStep(ctx, exec, step, fsm.StepCancelled, nil, "", masking.Mask(reason))
			}
			return e.transitionStepResult(ctx, step, fsm.StepFailed, &store.StepResult{ErrorKind: retryKind, ErrorMasked: retryMasked})
		}
	}
}

// sleepRetry waits out delay, returning false early if ctx is done or the
// token trips mid-wait (a suspension point per spec §5).
func (e *Engine) sleepRetry(ctx context.Context, token *cancellation.Token, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-token.Done():
		return false
	}
}

// attemptStep runs exactly one attempt of a step that is already RUNNING. A
// non-empty retryKind/retryMasked return means the attempt failed in a
// step-transient way (spec §7) and the caller decides whether to retry or
// terminal-fail; in that case status carries no meaning and no terminal Store
// transition has been made for this attempt. An empty retryKind means status
// is final and already persisted.
func (e *Engine) attemptStep(ctx context.Context, exec *store.Execution, step *store.Step, token *cancellation.Token, execDeadline time.Time, policy timeoutpolicy.Policy, actionClass timeoutpolicy.ActionClass, maxWait time.Duration) (status fsm.StepStatus, retryKind, retryMasked string) {
	ownerTag := exec.ExecutionID + "/" + step.StepID
	lockTTL := policy.StepTimeout + timeoutpolicy.LeaseBuffer(policy.StepTimeout)
	handles, err := e.mutex.AcquireMany(ctx, exec.TenantID, []string{step.TargetAssetID}, ownerTag, lockTTL, maxWait)
	if err != nil {
		if errors.Is(err, mutex.ErrBusy) {
			return "", "ASSET_BUSY", masking.Mask("asset locked by another step past backoff")
		}
		return e.transitionStepResult(ctx, step, fsm.StepFailed, &store.StepResult{ErrorKind: "internal", ErrorMasked: masking.Mask(err.Error())}), "", ""
	}
	lockHandle := handles[0]
	defer e.mutex.Release(ctx, lockHandle)

	secrets := make(map[string]string, len(step.SecretRefs))
	var resolved []secretstore.Cleartext
	for _, ref := range step.SecretRefs {
		ct, err := e.secrets.Resolve(ctx, exec.ExecutionID, ref, exec.ActorID, "step_execution")
		if err != nil {
			for _, r := range resolved {
				e.secrets.Forget(r)
			}
			switch {
			case errors.Is(err, secretstore.ErrSecretNotFound):
				return e.transitionStepResult(ctx, step, fsm.StepFailed, &store.StepResult{ErrorKind: "SECRET_NOT_FOUND", ErrorMasked: masking.Mask(err.Error())}), "", ""
			case apperrors.IsType(err, apperrors.ErrorTypeSecretStoreUnavailable):
				return "", "SECRET_STORE_UNAVAILABLE", masking.Mask(err.Error())
			default:
				return e.transitionStepResult(ctx, step, fsm.StepFailed, &store.StepResult{ErrorKind: "SECRET_FORBIDDEN", ErrorMasked: masking.Mask(err.Error())}), "", ""
			}
		}
		secrets[ref] = ct.Reveal()
		resolved = append(resolved, ct)
	}
	defer func() {
		for _, r := range resolved {
			e.secrets.Forget(r)
		}
	}()

	// Re-entrant per-attempt transition: reuses the RUNNING->RUNNING edge
	// carved out for crash recovery (spec §8 scenario 7) to mark the start
	// of this attempt without leaving RUNNING between retries.
	if err := e.store.TransitionStep(ctx, step.StepID, fsm.StepRunning, fsm.StepRunning, nil); err != nil {
		return e.transitionStepResult(ctx, step, fsm.StepFailed, &store.StepResult{ErrorKind: "internal", ErrorMasked: masking.Mask(err.Error())}), "", ""
	}

	deadline := time.Now().Add(policy.StepTimeout)
	if !execDeadline.IsZero() && execDeadline.Before(deadline) {
		deadline = execDeadline
	}
	stepCtx, cancel := token.Context(ctx)
	defer cancel()

	result, err := e.adapterFor(actionClass).ExecuteStep(stepCtx, adapters.StepSpec{TargetAssetID: step.TargetAssetID, Action: step.Action}, secrets, deadline)

	if tripped, reason := token.Cancelled(); tripped {
		return e.transitionStep(ctx, exec, step, fsm.StepCancelled, nil, "", masking.Mask(reason)), "", ""
	}
	if err != nil {
		if time.Now().After(deadline) {
			return e.transitionStep(ctx, exec, step, fsm.StepTimeout, nil, "TIMEOUT", masking.Mask(err.Error())), "", ""
		}
		// A transport-level error this far means the adapter's own bounded
		// retry (spec §4.10) already gave up; the engine's own intra-plan
		// retry policy decides whether attempt < max_attempts next.
		return "", "ADAPTER_TRANSIENT", masking.Mask(err.Error())
	}

	return e.classifyResult(ctx, step, result)
}

// classifyResult maps one adapter outcome to a terminal status or a
// retryable (kind, masked) pair, per spec §4.12.g / §7. PERMANENT adapter
// errors are retried too — see DESIGN.md for why this departs from the
// error taxonomy's "step-permanent" label (spec §8 scenario 6 is explicit).
func (e *Engine) classifyResult(ctx context.Context, step *store.Step, result *adapters.StepResult) (fsm.StepStatus, string, string) {
	capped := store.CapArtifact(result.Artifacts)
	masked := masking.Mask(result.Logs)

	if result.ExitStatus == adapters.ExitOK {
		sr := &store.StepResult{ExitCode: result.ExitCode, Artifacts: capped, ErrorKind: "NONE", ErrorMasked: masked}
		return e.transitionStepResult(ctx, step, fsm.StepSucceeded, sr), "", ""
	}

	switch result.Error {
	case adapters.ErrorTimeout:
		sr := &store.StepResult{ExitCode: result.ExitCode, Artifacts: capped, ErrorKind: "TIMEOUT", ErrorMasked: masked}
		return e.transitionStepResult(ctx, step, fsm.StepTimeout, sr), "", ""
	case adapters.ErrorAuth:
		sr := &store.StepResult{ExitCode: result.ExitCode, Artifacts: capped, ErrorKind: "AUTH_DENIED", ErrorMasked: masked}
		return e.transitionStepResult(ctx, step, fsm.StepFailed, sr), "", ""
	case adapters.ErrorTransient:
		return "", "ADAPTER_TRANSIENT", masked
	default:
		return "", "ADAPTER_PERMANENT", masked
	}
}

// transitionStepResult persists the terminal write and mirrors it onto the
// caller's local step copy, so Run's aggregation step sees the final
// error_kind/error_masked without a second Store round-trip.
func (e *Engine) transitionStepResult(ctx context.Context, step *store.Step, to fsm.StepStatus, sr *store.StepResult) fsm.StepStatus {
	if err := e.store.TransitionStep(ctx, step.StepID, fsm.StepRunning, to, sr); err != nil {
		e.log.Error(err, "transition step failed", "step_id", step.StepID, "to", to)
	}
	step.Status = to
	step.ExitCode = sr.ExitCode
	step.ErrorKind = sr.ErrorKind
	step.ErrorMasked = sr.ErrorMasked
	return to
}

func (e *Engine) transitionStep(ctx context.Context, exec *store.Execution, step *store.Step, to fsm.StepStatus, exitCode *int, errorKind, errorMasked string) fsm.StepStatus {
	sr := &store.StepResult{ExitCode: exitCode, ErrorKind: errorKind, ErrorMasked: errorMasked}
	return e.transitionStepResult(ctx, step, to, sr)
}

// failStep handles a pre-invocation rejection (policy lookup, RBAC, or the
// PENDING->RUNNING write itself) where the step never reached RUNNING —
// always terminal, never retried. Mutex contention is handled in attemptStep.
func (e *Engine) failStep(ctx context.Context, exec *store.Execution, step *store.Step, errorKind, errorMasked string) fsm.StepStatus {
	to := fsm.StepFailed
	sr := &store.StepResult{ErrorKind: errorKind, ErrorMasked: masking.Mask(errorMasked)}
	if err := e.store.TransitionStep(ctx, step.StepID, fsm.StepPending, to, sr); err != nil {
		e.log.Error(err, "transition step failed", "step_id", step.StepID)
	}
	step.Status = to
	step.ErrorKind = sr.ErrorKind
	step.ErrorMasked = sr.ErrorMasked
	e.events.EmitStep(ctx, exec.ExecutionID, step.StepID, events.KindStateChange, string(fsm.StepPending), string(to), exec.ActorID, map[string]any{
		"error_kind": errorKind,
	})
	return to
}
