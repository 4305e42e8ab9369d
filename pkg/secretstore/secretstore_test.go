package secretstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/stagee/pkg/events"
	"github.com/jordigilh/stagee/pkg/store"
)

func TestResolveRegistersSecretWithMasker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(resolveResponse{Value: "super-secret-value", Kind: "credential", Found: true, Allowed: true})
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	ss := New(srv.URL, events.New(s))

	cleartext, err := ss.Resolve(context.Background(), "exec-1", "ref-1", "actor-1", "deploy")
	require.NoError(t, err)
	assert.Equal(t, "super-secret-value", cleartext.Reveal())
	assert.Contains(t, cleartext.String(), "REDACTED")
	assert.NotContains(t, cleartext.String(), "super-secret-value")

	ss.Forget(cleartext)
}

func TestResolveReturnsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(resolveResponse{Found: false})
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	ss := New(srv.URL, events.New(s))

	_, err := ss.Resolve(context.Background(), "exec-1", "ref-missing", "actor-1", "deploy")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestResolveReturnsForbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(resolveResponse{Found: true, Allowed: false})
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	ss := New(srv.URL, events.New(s))

	_, err := ss.Resolve(context.Background(), "exec-1", "ref-1", "actor-1", "deploy")
	assert.ErrorIs(t, err, ErrSecretForbidden)
}

func TestResolveAuditsToEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(resolveResponse{Value: "v", Kind: "k", Found: true, Allowed: true})
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	e := events.New(s)
	ss := New(srv.URL, e)

	_, err := ss.Resolve(context.Background(), "exec-1", "ref-1", "actor-1", "deploy")
	require.NoError(t, err)

	got, err := e.Since(context.Background(), "exec-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, store.EventAudit, got[0].Kind)
	assert.NotContains(t, got[0].Payload, "value")
}
