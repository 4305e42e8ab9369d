package timeoutpolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeededMatrixMatchesSpec(t *testing.T) {
	m := NewSeeded()

	p, err := m.Lookup(SLAFast, ActionRead)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, p.StepTimeout)
	assert.Equal(t, 10*time.Second, p.ExecTimeout)
	assert.Equal(t, 3, p.MaxAttempts)

	p, err = m.Lookup(SLALong, ActionDeploy)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Second, p.StepTimeout)
	assert.Equal(t, 1800*time.Second, p.ExecTimeout)
	assert.Equal(t, 3, p.MaxAttempts)

	p, err = m.Lookup(SLAMedium, ActionModify)
	require.NoError(t, err)
	assert.Equal(t, 5, p.MaxAttempts)
}

func TestLookupMissingRow(t *testing.T) {
	m := &Matrix{}
	_, err := m.Lookup(SLAFast, ActionRead)
	assert.Error(t, err)
}

func TestLeaseBufferFloor(t *testing.T) {
	// 5s * 0.2 = 1s, below the 2s floor.
	assert.Equal(t, 2*time.Second, LeaseBuffer(5*time.Second))
	// 30s * 0.2 = 6s, above the floor.
	assert.Equal(t, 6*time.Second, LeaseBuffer(30*time.Second))
}

func TestLeaseTimeoutTakesMax(t *testing.T) {
	// step+buffer = 5s+2s = 7s; 2*p95 = 2*1s = 2s -> step+buffer wins.
	assert.Equal(t, 7*time.Second, LeaseTimeout(5*time.Second, 1*time.Second))
	// step+buffer = 5s+2s = 7s; 2*p95 = 2*10s = 20s -> p95 wins.
	assert.Equal(t, 20*time.Second, LeaseTimeout(5*time.Second, 10*time.Second))
}

func TestLoadReplacesRows(t *testing.T) {
	m := NewSeeded()
	m.Load([]Policy{{SLA: SLAFast, Action: ActionRead, StepTimeout: time.Second, ExecTimeout: 2 * time.Second, MaxAttempts: 1}})

	_, err := m.Lookup(SLAFast, ActionModify)
	assert.Error(t, err, "previously seeded row should be gone after Load")

	p, err := m.Lookup(SLAFast, ActionRead)
	require.NoError(t, err)
	assert.Equal(t, 1, p.MaxAttempts)
}
