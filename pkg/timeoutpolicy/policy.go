// Package timeoutpolicy implements the seeded (SLA class, action class)
// timeout matrix of spec §3 and the lease-timeout derivation rule.
package timeoutpolicy

import (
	"fmt"
	"time"
)

type SLAClass string

const (
	SLAFast   SLAClass = "FAST"
	SLAMedium SLAClass = "MEDIUM"
	SLALong   SLAClass = "LONG"
)

type ActionClass string

const (
	ActionRead   ActionClass = "READ"
	ActionModify ActionClass = "MODIFY"
	ActionDeploy ActionClass = "DEPLOY"
)

// Policy is one row of the matrix: step/execution timeouts and the retry
// budget for a given (SLA, action class) pair.
type Policy struct {
	SLA           SLAClass
	Action        ActionClass
	StepTimeout   time.Duration
	ExecTimeout   time.Duration
	MaxAttempts   int
}

type key struct {
	sla    SLAClass
	action ActionClass
}

// Matrix is a read-mostly lookup table; callers may hot-swap the map
// (config reload) by calling Load with a fresh set of rows.
type Matrix struct {
	rows map[key]Policy
}

// seeded is the authoritative matrix from spec §3.
var seeded = []Policy{
	{SLAFast, ActionRead, 5 * time.Second, 10 * time.Second, 3},
	{SLAFast, ActionModify, 8 * time.Second, 15 * time.Second, 3},
	{SLAFast, ActionDeploy, 10 * time.Second, 20 * time.Second, 3},
	{SLAMedium, ActionRead, 15 * time.Second, 30 * time.Second, 5},
	{SLAMedium, ActionModify, 20 * time.Second, 45 * time.Second, 5},
	{SLAMedium, ActionDeploy, 30 * time.Second, 60 * time.Second, 5},
	{SLALong, ActionRead, 60 * time.Second, 300 * time.Second, 3},
	{SLALong, ActionModify, 120 * time.Second, 600 * time.Second, 3},
	{SLALong, ActionDeploy, 300 * time.Second, 1800 * time.Second, 3},
}

// NewSeeded returns the matrix pre-loaded with the authoritative spec rows.
func NewSeeded() *Matrix {
	m := &Matrix{rows: make(map[key]Policy, len(seeded))}
	m.Load(seeded)
	return m
}

// Load replaces the matrix contents atomically from the caller's view (the
// caller — internal/config — owns its own locking on reload).
func (m *Matrix) Load(rows []Policy) {
	next := make(map[key]Policy, len(rows))
	for _, r := range rows {
		next[key{r.SLA, r.Action}] = r
	}
	m.rows = next
}

// Lookup returns the policy for (sla, action), or an error if the matrix has
// no row for that pair — every engine-seeded combination always resolves;
// this only fires for a hand-edited config with a missing row.
func (m *Matrix) Lookup(sla SLAClass, action ActionClass) (Policy, error) {
	p, ok := m.rows[key{sla, action}]
	if !ok {
		return Policy{}, fmt.Errorf("timeoutpolicy: no row for sla=%s action=%s", sla, action)
	}
	return p, nil
}

// leaseBufferMin is the floor on the lease buffer (spec §3: "≈
// step_timeout × 0.2, minimum 2 s").
const leaseBufferMin = 2 * time.Second

// LeaseBuffer computes the buffer added to a step's timeout to derive its
// lease timeout.
func LeaseBuffer(stepTimeout time.Duration) time.Duration {
	b := time.Duration(float64(stepTimeout) * 0.2)
	if b < leaseBufferMin {
		return leaseBufferMin
	}
	return b
}

// LeaseTimeout implements `lease_timeout = max(step_timeout + buffer, 2 ×
// p95_step_duration)`. p95 is supplied by the caller (WorkQueue tracks it per
// action class); pass 0 when no observation exists yet.
func LeaseTimeout(stepTimeout, p95StepDuration time.Duration) time.Duration {
	withBuffer := stepTimeout + LeaseBuffer(stepTimeout)
	twiceP95 := 2 * p95StepDuration
	if twiceP95 > withBuffer {
		return twiceP95
	}
	return withBuffer
}
