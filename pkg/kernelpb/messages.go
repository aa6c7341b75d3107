// Package kernelpb defines the wire messages for the kernel's gRPC
// surface (C6, spec.md §4.6/§6.1) and the JSON codec that serializes
// them.
//
// The teacher's gRPC services are implemented against types generated by
// `goa gen` from a DSL (registry/design) into registry/gen/grpc, which is
// build-time output not checked into the repository. Since no Go
// toolchain runs as part of this build, kernelpb hand-authors the
// equivalent plain Go message types and registers a JSON encoding.Codec
// so they can travel over google.golang.org/grpc without a .proto
// compile step, instead of depending on goa.design/goa/v3's code
// generator.
package kernelpb

import (
	"encoding/json"
	"time"
)

// TimerRecord mirrors internal/timer.Timer's wire-visible fields.
type TimerRecord struct {
	TenantID      string            `json:"tenant_id"`
	TimerID       string            `json:"timer_id"`
	Name          string            `json:"name"`
	RequestedBy   string            `json:"requested_by"`
	DurationMs    int64             `json:"duration_ms"`
	FireAt        time.Time         `json:"fire_at"`
	CreatedAt     time.Time         `json:"created_at"`
	Status        string            `json:"status"`
	Metadata      json.RawMessage   `json:"metadata,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	ActionBundle  json.RawMessage   `json:"action_bundle,omitempty"`
	AgentBinding  json.RawMessage   `json:"agent_binding,omitempty"`
	JitterMs      int64             `json:"jitter_ms"`
	StateVersion  int64             `json:"state_version"`
	FiredAt       *time.Time        `json:"fired_at,omitempty"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
	CancelReason  string            `json:"cancel_reason,omitempty"`
	CancelledBy   string            `json:"cancelled_by,omitempty"`
	SettledAt     *time.Time        `json:"settled_at,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
}

// ScheduleRequest is the Schedule RPC's request message.
type ScheduleRequest struct {
	TenantID     string            `json:"tenant_id"`
	Name         string            `json:"name"`
	RequestedBy  string            `json:"requested_by"`
	DurationMs   int64             `json:"duration_ms"`
	Metadata     json.RawMessage   `json:"metadata,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	ActionBundle json.RawMessage   `json:"action_bundle,omitempty"`
	AgentBinding json.RawMessage   `json:"agent_binding,omitempty"`
	TraceID      string            `json:"trace_id,omitempty"`
}

// ScheduleResponse is the Schedule RPC's response message.
type ScheduleResponse struct {
	Timer *TimerRecord `json:"timer"`
}

// GetTimerRequest is the GetTimer RPC's request message.
type GetTimerRequest struct {
	TenantID string `json:"tenant_id"`
	TimerID  string `json:"timer_id"`
}

// GetTimerResponse is the GetTimer RPC's response message.
type GetTimerResponse struct {
	Timer *TimerRecord `json:"timer"`
}

// ListTimersRequest is the ListTimers RPC's request message.
type ListTimersRequest struct {
	TenantID  string            `json:"tenant_id"`
	Statuses  []string          `json:"statuses,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	PageToken string            `json:"page_token,omitempty"`
	PageSize  int32             `json:"page_size,omitempty"`
}

// ListTimersResponse is the ListTimers RPC's response message.
type ListTimersResponse struct {
	Timers        []*TimerRecord `json:"timers"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

// CancelTimerRequest is the CancelTimer RPC's request message.
type CancelTimerRequest struct {
	TenantID    string `json:"tenant_id"`
	TimerID     string `json:"timer_id"`
	Reason      string `json:"reason"`
	CancelledBy string `json:"cancelled_by"`
}

// CancelTimerResponse is the CancelTimer RPC's response message.
type CancelTimerResponse struct {
	Timer *TimerRecord `json:"timer"`
}

// StreamTimerEventsRequest is the StreamTimerEvents RPC's request message.
type StreamTimerEventsRequest struct {
	TenantID string   `json:"tenant_id"`
	Topics   []string `json:"topics,omitempty"`
}

// TimerEvent is one envelope delivered over StreamTimerEvents.
type TimerEvent struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	TenantID         string          `json:"tenant_id"`
	TimerID          string          `json:"timer_id"`
	OccurredAt       time.Time       `json:"occurred_at"`
	DedupeKey        string          `json:"dedupe_key"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	SignatureVersion string          `json:"signature_version"`
	Signature        string          `json:"signature"`
}

// ReportTimerExecutionRequest is the ReportTimerExecution RPC's request
// message.
type ReportTimerExecutionRequest struct {
	TenantID    string `json:"tenant_id"`
	TimerID     string `json:"timer_id"`
	FinalStatus string `json:"final_status"` // "settled" or "failed"
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ReportTimerExecutionResponse is the ReportTimerExecution RPC's response
// message.
type ReportTimerExecutionResponse struct {
	Timer *TimerRecord `json:"timer"`
}
