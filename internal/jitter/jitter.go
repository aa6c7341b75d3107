// Package jitter tracks per-tenant fire-time drift (C7 of spec.md §4.7)
// and derives a wheel-insertion compensation so chronically late tenants
// get pulled back toward their requested fire_at over time.
//
// The tracker keeps a single exponentially-weighted moving average per
// tenant, updated the same way the teacher's adaptive rate limiter nudges
// its tokens-per-minute budget after every observation: a mutex-guarded
// read-modify-write with no background goroutine of its own.
package jitter

import (
	"sync"
)

const defaultSmoothing = 0.2

// Tracker maintains an EWMA of observed jitter_ms per tenant.
type Tracker struct {
	mu         sync.Mutex
	smoothing  float64
	maxCompMs  int64
	ewmaMs     map[string]float64
}

// NewTracker creates a Tracker. smoothing is the EWMA weight given to each
// new observation (0, 1]; a larger value reacts faster and smooths less.
// Zero defaults to 0.2. maxCompensationMs caps the compensation Compensate
// returns, which bounds how early a compensated timer can fire; zero or
// less means no cap.
func NewTracker(smoothing float64, maxCompensationMs int64) *Tracker {
	if smoothing <= 0 || smoothing > 1 {
		smoothing = defaultSmoothing
	}
	return &Tracker{
		smoothing: smoothing,
		maxCompMs: maxCompensationMs,
		ewmaMs:    make(map[string]float64),
	}
}

// Observe records a fired timer's jitter (actual fire time minus requested
// fire_at, in milliseconds; negative values, from a timer that compensation
// fired ahead of its fire_at, are clamped to zero).
func (t *Tracker) Observe(tenantID string, jitterMs int64) {
	if jitterMs < 0 {
		jitterMs = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.ewmaMs[tenantID]
	if !ok {
		t.ewmaMs[tenantID] = float64(jitterMs)
		return
	}
	t.ewmaMs[tenantID] = cur + t.smoothing*(float64(jitterMs)-cur)
}

// EWMA returns the current smoothed jitter estimate for a tenant, in
// milliseconds. Returns 0 if no observation has been recorded yet.
func (t *Tracker) EWMA(tenantID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ewmaMs[tenantID]
}

// Compensate returns the number of milliseconds C1 should subtract from a
// new timer's wheel-insertion delay for this tenant, derived from its
// running EWMA and capped at maxCompensationMs. The timer's fire_at as
// reported to clients is unchanged; compensation only moves where in the
// wheel the timer is placed, so chronically late tenants get woken earlier
// relative to their own history. A compensated timer can therefore fire
// up to the returned number of milliseconds before its fire_at.
func (t *Tracker) Compensate(tenantID string) int64 {
	ewma := t.EWMA(tenantID)
	comp := int64(ewma)
	if comp < 0 {
		comp = 0
	}
	if t.maxCompMs > 0 && comp > t.maxCompMs {
		comp = t.maxCompMs
	}
	return comp
}

// Reset clears the tracked EWMA for a tenant, e.g. after a long idle
// period where stale jitter history would no longer be representative.
func (t *Tracker) Reset(tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ewmaMs, tenantID)
}
