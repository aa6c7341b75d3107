// Package timer implements the per-timer lifecycle state machine (C2) of
// the horology kernel: the Timer entity, its status domain, and the
// legal transitions between statuses.
package timer

import (
	"encoding/json"
	"time"
)

// Status is the timer lifecycle status domain of spec.md §3/§4.2.
type Status string

const (
	Scheduled Status = "scheduled"
	Armed     Status = "armed"
	Fired     Status = "fired"
	Settled   Status = "settled"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status; no transition out of
// a terminal status is ever legal (spec.md §3 invariants).
func (s Status) Terminal() bool {
	switch s {
	case Settled, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// Key identifies a timer by its (tenant_id, timer_id) pair, used as the
// map key throughout the active index and store.
type Key struct {
	TenantID string
	TimerID  string
}

// Timer is the unit of scheduled work described in spec.md §3.
type Timer struct {
	TenantID string `json:"tenant_id"`
	TimerID  string `json:"timer_id"`

	Name        string            `json:"name"`
	RequestedBy string            `json:"requested_by"`
	DurationMs  int64             `json:"duration_ms"`
	FireAt      time.Time         `json:"fire_at"`
	CreatedAt   time.Time         `json:"created_at"`
	Status      Status            `json:"status"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`

	// TraceID, when the caller supplied one on Schedule, is carried
	// unmodified through every persisted record and emitted event so a
	// caller can correlate a timer's whole lifecycle with its own tracing
	// (spec.md §4.5 "trace_id (if present) is propagated").
	TraceID string `json:"trace_id,omitempty"`

	// ActionBundle and AgentBinding are opaque to the kernel: they are
	// stored and forwarded unchanged, never interpreted, and no size or
	// UTF-8 check is applied to them.
	ActionBundle json.RawMessage `json:"action_bundle,omitempty"`
	AgentBinding json.RawMessage `json:"agent_binding,omitempty"`

	JitterMs     int64 `json:"jitter_ms"`
	StateVersion int64 `json:"state_version"`

	FiredAt       *time.Time `json:"fired_at,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
	CancelledBy   string     `json:"cancelled_by,omitempty"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// Key returns the timer's (tenant_id, timer_id) identity.
func (t *Timer) Key() Key {
	return Key{TenantID: t.TenantID, TimerID: t.TimerID}
}

// Clone returns a copy safe for handing to callers outside the kernel's
// lock: scalar fields copy by value and Labels is copied into a new map.
// Metadata, the bundles and the timestamp pointers are shared with the
// original and are treated as immutable once set.
func (t *Timer) Clone() *Timer {
	cp := *t
	if t.Labels != nil {
		cp.Labels = make(map[string]string, len(t.Labels))
		for k, v := range t.Labels {
			cp.Labels[k] = v
		}
	}
	return &cp
}
