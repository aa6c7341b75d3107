// Package kernelerr defines the kernel's error taxonomy. The Kernel's
// timer operations (Schedule, GetTimer, ListTimers, CancelTimer,
// ReportTimerExecution) return a *Error (or nil), so transport layers can
// map failures to the right status code without inspecting message
// strings. Construction and adapter code (kernel.New, the stores,
// events, coordinator) return plain wrapped errors.
package kernelerr

import "fmt"

// Kind discriminates the taxonomy of §7: validation, leadership,
// not-found, conflicting reports, transient persistence failure,
// subscriber overflow, sustained bus outage, and unrecoverable
// startup/replay failures.
type Kind int

const (
	// Unknown is the zero value; never constructed intentionally.
	Unknown Kind = iota
	// Validation marks a malformed request (bad timer spec, past fire_at beyond grace, oversized payload).
	Validation
	// NotLeader marks a mutating RPC received by a follower.
	NotLeader
	// NotFound marks a reference to an unknown (tenant_id, timer_id).
	NotFound
	// Conflict marks a ReportExecution for an already-terminal timer with a mismatched status.
	Conflict
	// PersistenceTransient marks a log append or lease renewal failure that is safe to retry.
	PersistenceTransient
	// SubscriberOverflow marks a dropped event on a slow subscriber's bounded queue.
	SubscriberOverflow
	// BusOutage marks a sustained bus-sink outage beyond the configured window.
	BusOutage
	// Fatal marks a recovery-integrity failure (unknown command kind, log gap) that must stop startup.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotLeader:
		return "not_leader"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case PersistenceTransient:
		return "persistence_transient"
	case SubscriberOverflow:
		return "subscriber_overflow"
	case BusOutage:
		return "bus_outage"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a structured kernel failure. It chains via Cause so
// errors.Is/errors.As keep working across the store/coordinator/events
// boundary, while still carrying the Kind a transport needs to pick a
// status code.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// LeaderAddr and RetryAfterMs are populated on NotLeader errors so
	// kernelrpc can fill the redirect hint of spec.md §4.6/§6.1.
	LeaderAddr   string
	RetryAfterMs int64
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NotLeaderErr builds a NotLeader error carrying a redirect hint.
func NotLeaderErr(leaderAddr string, retryAfterMs int64) *Error {
	return &Error{
		Kind:         NotLeader,
		Message:      "not the leader",
		LeaderAddr:   leaderAddr,
		RetryAfterMs: retryAfterMs,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is/errors.As through the cause chain.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Retryable reports whether callers may safely retry the operation that
// produced this error, per spec.md §7's propagation rules.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case NotLeader, PersistenceTransient, BusOutage:
		return true
	default:
		return false
	}
}

// Of extracts the Kind of err, defaulting to Unknown for plain errors.
func Of(err error) Kind {
	if err == nil {
		return Unknown
	}
	if as, ok := err.(*Error); ok {
		return as.Kind
	}
	return Unknown
}
