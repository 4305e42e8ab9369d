// Package adapters implements the two typed RPC clients of spec §4.10:
// AssetAdapter and AutomationAdapter. Both wrap an HTTP transport with a
// circuit breaker and a bounded transport-level retry; business-level step
// failures are never retried here — that decision belongs to the engine.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"

	"github.com/jordigilh/stagee/pkg/masking"
)

// ExitStatus is the coarse step outcome reported by the remote executor.
type ExitStatus string

const (
	ExitOK   ExitStatus = "OK"
	ExitFAIL ExitStatus = "FAIL"
)

// ErrorClass further classifies a FAIL outcome so the engine can decide
// retry policy; transport-level transients never surface this far.
type ErrorClass string

const (
	ErrorNone      ErrorClass = "NONE"
	ErrorTransient ErrorClass = "TRANSIENT"
	ErrorPermanent ErrorClass = "PERMANENT"
	ErrorTimeout   ErrorClass = "TIMEOUT"
	ErrorAuth      ErrorClass = "AUTH"
)

// StepSpec is the opaque, already-rendered description of one action.
type StepSpec struct {
	TargetAssetID string          `json:"target_asset_id"`
	Action        json.RawMessage `json:"action"`
}

// StepResult is the remote executor's report for one step (spec §4.10).
type StepResult struct {
	ExitStatus ExitStatus `json:"exit_status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Artifacts  []byte     `json:"artifacts,omitempty"`
	Logs       string     `json:"logs,omitempty"`
	Error      ErrorClass `json:"error"`
}

// transportError wraps a network-level failure that is safe to retry at the
// transport layer (connection refused, timeout, 5xx). Anything else — a
// well-formed StepResult reporting FAIL — is returned as a value, not an
// error, so the engine (not this package) decides whether to retry it.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// Client is satisfied by both AssetAdapter and AutomationAdapter.
type Client interface {
	ExecuteStep(ctx context.Context, spec StepSpec, secrets map[string]string, deadline time.Time) (*StepResult, error)
}

// httpClient is the shared implementation behind both typed adapters.
type httpClient struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     logr.Logger
}

func newHTTPClient(name, baseURL string, log logr.Logger) *httpClient {
	c := &httpClient{
		name:    name,
		baseURL: baseURL,
		http:    &http.Client{},
		log:     log.WithName(name),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Info("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return c
}

// ExecuteStep propagates deadline as a transport timeout (deadline - now -
// jitter), retries bounded transport transients, and never retries a
// well-formed business-level FAIL.
func (c *httpClient) ExecuteStep(ctx context.Context, spec StepSpec, secrets map[string]string, deadline time.Time) (*StepResult, error) {
	timeout := time.Until(deadline) - 250*time.Millisecond
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(struct {
		Spec    StepSpec          `json:"spec"`
		Secrets map[string]string `json:"secrets"`
	}{Spec: spec, Secrets: secrets})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", c.name, err)
	}

	c.log.V(1).Info("executing step", "target_asset_id", spec.TargetAssetID, "body", masking.Mask(string(body)))

	result, err := backoff.Retry(ctx, func() (*StepResult, error) {
		v, berr := c.breaker.Execute(func() (interface{}, error) {
			return c.doRequest(ctx, body)
		})
		if berr != nil {
			var te *transportError
			if errors.As(berr, &te) {
				return nil, te // retryable
			}
			return nil, backoff.Permanent(berr)
		}
		return v.(*StepResult), nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return nil, fmt.Errorf("%s: execute step: %w", c.name, err)
	}

	c.log.V(1).Info("step result", "exit_status", result.ExitStatus, "error", result.Error, "logs", masking.Mask(result.Logs))
	return result, nil
}

func (c *httpClient) doRequest(ctx context.Context, body []byte) (*StepResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/steps:execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &transportError{err: fmt.Errorf("%s returned status %d", c.name, resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s returned status %d", c.name, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err: fmt.Errorf("read response: %w", err)}
	}

	var result StepResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &result, nil
}

// AssetAdapter executes a single low-level action against one asset.
type AssetAdapter struct{ *httpClient }

func NewAssetAdapter(baseURL string, log logr.Logger) *AssetAdapter {
	return &AssetAdapter{httpClient: newHTTPClient("asset-adapter", baseURL, log)}
}

// AutomationAdapter executes a higher-level, playbook-style action. Same
// wire shape and resilience posture as AssetAdapter (spec §4.10).
type AutomationAdapter struct{ *httpClient }

func NewAutomationAdapter(baseURL string, log logr.Logger) *AutomationAdapter {
	return &AutomationAdapter{httpClient: newHTTPClient("automation-adapter", baseURL, log)}
}
