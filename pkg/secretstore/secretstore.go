// Package secretstore implements the SecretStore adapter (spec §4.6):
// just-in-time resolution of a secret reference to cleartext, scoped to the
// requesting step, with every resolution registered against the LogMasker
// so the cleartext can never leak into a log, event, or artifact.
package secretstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/jordigilh/stagee/internal/errors"
	"github.com/jordigilh/stagee/pkg/events"
	"github.com/jordigilh/stagee/pkg/masking"
)

// ErrSecretNotFound and ErrSecretForbidden are non-retryable step failures
// (spec §4.6).
var (
	ErrSecretNotFound  = apperrors.New(apperrors.ErrorTypeSecretNotFound, "secret not found")
	ErrSecretForbidden = apperrors.New(apperrors.ErrorTypeSecretForbidden, "actor forbidden from resolving secret")
)

// Cleartext wraps a resolved secret value so any accidental Stringer or
// fmt.Sprintf use on it emits the mask token, never the value itself (spec
// §4.6: "a typed value that records its masker").
type Cleartext struct {
	value string
	kind  string
}

// Reveal is the only way to obtain the underlying string; callers pass it
// straight to the adapter call and must never log or persist it.
func (c Cleartext) Reveal() string { return c.value }

func (c Cleartext) String() string {
	return fmt.Sprintf("«REDACTED:%s»", c.kind)
}

func (c Cleartext) GoString() string { return c.String() }

// Store resolves secret references over HTTP against an external secret
// manager (Vault-shaped API), auditing every resolution.
type Store struct {
	baseURL string
	http    *http.Client
	events  *events.Emitter
}

func New(baseURL string, emitter *events.Emitter) *Store {
	return &Store{baseURL: baseURL, http: &http.Client{Timeout: 10 * time.Second}, events: emitter}
}

type resolveRequest struct {
	SecretRef string `json:"secret_ref"`
	ActorID   string `json:"actor_id"`
	Purpose   string `json:"purpose"`
}

type resolveResponse struct {
	Value    string `json:"value"`
	Kind     string `json:"kind"`
	Found    bool   `json:"found"`
	Allowed  bool   `json:"allowed"`
}

// Resolve fetches cleartext for secretRef, registers it with the LogMasker
// so it is redacted anywhere it later appears verbatim, and audits the
// resolution (without the cleartext) to the event stream.
func (s *Store) Resolve(ctx context.Context, executionID, secretRef, actorID, purpose string) (Cleartext, error) {
	body, err := json.Marshal(resolveRequest{SecretRef: secretRef, ActorID: actorID, Purpose: purpose})
	if err != nil {
		return Cleartext{}, fmt.Errorf("secretstore: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/secrets:resolve", bytes.NewReader(body))
	if err != nil {
		return Cleartext{}, fmt.Errorf("secretstore: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return Cleartext{}, apperrors.Wrap(err, apperrors.ErrorTypeSecretStoreUnavailable, "secretstore: request failed")
	}
	defer resp.Body.Close()

	var out resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Cleartext{}, apperrors.Wrap(err, apperrors.ErrorTypeSecretStoreUnavailable, "secretstore: decode response")
	}

	if !out.Found {
		s.audit(ctx, executionID, secretRef, actorID, purpose, false, "not_found")
		return Cleartext{}, ErrSecretNotFound
	}
	if !out.Allowed {
		s.audit(ctx, executionID, secretRef, actorID, purpose, false, "forbidden")
		return Cleartext{}, ErrSecretForbidden
	}

	masking.RegisterSecret(out.Value, out.Kind)
	s.audit(ctx, executionID, secretRef, actorID, purpose, true, "")
	return Cleartext{value: out.Value, kind: out.Kind}, nil
}

// Forget clears the masker's knowledge of a resolved value, called when the
// step's local secret scope closes (spec §4.6).
func (s *Store) Forget(c Cleartext) {
	masking.ForgetSecret(c.value)
}

func (s *Store) audit(ctx context.Context, executionID, secretRef, actorID, purpose string, allowed bool, reason string) {
	if s.events == nil {
		return
	}
	payload := map[string]any{
		"secret_ref": secretRef,
		"actor_id":   actorID,
		"purpose":    purpose,
		"allowed":    allowed,
		"reason":     reason,
	}
	if executionID == "" {
		s.events.EmitSystem(ctx, events.KindAudit, payload)
		return
	}
	_, _ = s.events.Emit(ctx, executionID, events.KindAudit, "", "", actorID, payload)
}
