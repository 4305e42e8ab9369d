package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteStepReturnsBusinessFailureWithoutRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(StepResult{ExitStatus: ExitFAIL, Error: ErrorPermanent})
	}))
	defer srv.Close()

	a := NewAssetAdapter(srv.URL, logr.Discard())
	result, err := a.ExecuteStep(context.Background(), StepSpec{TargetAssetID: "asset-1"}, nil, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, ExitFAIL, result.ExitStatus)
	assert.Equal(t, ErrorPermanent, result.Error)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "a well-formed business failure must not be retried")
}

func TestExecuteStepRetriesTransportTransient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(StepResult{ExitStatus: ExitOK})
	}))
	defer srv.Close()

	a := NewAssetAdapter(srv.URL, logr.Discard())
	result, err := a.ExecuteStep(context.Background(), StepSpec{TargetAssetID: "asset-1"}, nil, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, ExitOK, result.ExitStatus)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestExecuteStepSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		exitCode := 0
		_ = json.NewEncoder(w).Encode(StepResult{ExitStatus: ExitOK, ExitCode: &exitCode})
	}))
	defer srv.Close()

	a := NewAutomationAdapter(srv.URL, logr.Discard())
	result, err := a.ExecuteStep(context.Background(), StepSpec{TargetAssetID: "asset-1"}, map[string]string{"token": "sk-abcdefghijklmnopqrst"}, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, ExitOK, result.ExitStatus)
}
