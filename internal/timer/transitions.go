package timer

import (
	"time"

	"github.com/minoots/kernel/internal/kernelerr"
)

// Transition describes one lifecycle transition as plain data. Nothing in
// the kernel consumes it: transitions are applied by the Arm, Fire,
// Cancel, Settle and Fail methods below, each of which refuses to leave
// a terminal status and bumps state_version on every change.
// internal/kernel calls them before appending the matching log entry.
type Transition struct {
	// Fire at the moment the wheel promotes the timer; Armed is derived,
	// not separately persisted (spec.md §4.2, §9 Open Question).
	To            Status
	Now           time.Time
	CancelReason  string
	CancelledBy   string
	FailureReason string
	ExecResult    string
}

// Arm transitions Scheduled -> Armed. Armed is a purely internal
// sub-state; it still bumps state_version because it is an observed
// transition in the event stream (spec.md §4.2).
func (t *Timer) Arm(now time.Time) error {
	if t.Status.Terminal() {
		return kernelerr.Newf(kernelerr.Validation, "cannot arm terminal timer %s/%s (status=%s)", t.TenantID, t.TimerID, t.Status)
	}
	if t.Status != Scheduled {
		return kernelerr.Newf(kernelerr.Validation, "cannot arm timer %s/%s from status %s", t.TenantID, t.TimerID, t.Status)
	}
	t.Status = Armed
	t.StateVersion++
	return nil
}

// Fire transitions Armed -> Fired, recording the signed jitter observed
// between the scheduled fire_at and the actual fire instant.
func (t *Timer) Fire(now time.Time) error {
	if t.Status.Terminal() {
		return kernelerr.Newf(kernelerr.Validation, "cannot fire terminal timer %s/%s (status=%s)", t.TenantID, t.TimerID, t.Status)
	}
	// A restart reloads any non-terminal timer as Scheduled (spec.md
	// §4.2), so firing directly from Scheduled is legal too.
	if t.Status != Armed && t.Status != Scheduled {
		return kernelerr.Newf(kernelerr.Validation, "cannot fire timer %s/%s from status %s", t.TenantID, t.TimerID, t.Status)
	}
	t.Status = Fired
	t.FiredAt = &now
	t.JitterMs = now.Sub(t.FireAt).Milliseconds()
	t.StateVersion++
	return nil
}

// Cancel transitions Scheduled|Armed -> Cancelled. A terminal timer
// yields a Conflict error and a Fired timer a Validation error; Cancel
// itself is not idempotent, so internal/kernel's CancelTimer checks the
// status first and returns the existing record for a repeated cancel.
func (t *Timer) Cancel(now time.Time, reason, cancelledBy string) error {
	if t.Status.Terminal() {
		return kernelerr.Newf(kernelerr.Conflict, "timer %s/%s already terminal (status=%s)", t.TenantID, t.TimerID, t.Status)
	}
	if t.Status != Scheduled && t.Status != Armed {
		return kernelerr.Newf(kernelerr.Validation, "cannot cancel timer %s/%s from status %s", t.TenantID, t.TimerID, t.Status)
	}
	t.Status = Cancelled
	t.CancelledAt = &now
	t.CancelReason = reason
	t.CancelledBy = cancelledBy
	t.StateVersion++
	return nil
}

// Settle transitions Fired -> Settled. Idempotent when already settled,
// matching Fail's handling of a repeated ReportTimerExecution call for
// the same outcome (spec.md §8 round-trip law).
func (t *Timer) Settle(now time.Time) error {
	if t.Status == Settled {
		return nil
	}
	if t.Status.Terminal() {
		return kernelerr.Newf(kernelerr.Conflict, "timer %s/%s already terminal (status=%s), cannot settle", t.TenantID, t.TimerID, t.Status)
	}
	if t.Status != Fired {
		return kernelerr.Newf(kernelerr.Validation, "cannot settle timer %s/%s from status %s", t.TenantID, t.TimerID, t.Status)
	}
	t.Status = Settled
	t.SettledAt = &now
	t.StateVersion++
	return nil
}

// Fail transitions Fired -> Failed, recording the failure reason
// (including "executor_timeout" for an unreported settle window,
// spec.md §4.2).
func (t *Timer) Fail(now time.Time, reason string) error {
	if t.Status == Failed && t.FailureReason == reason {
		return nil
	}
	if t.Status.Terminal() {
		return kernelerr.Newf(kernelerr.Conflict, "timer %s/%s already terminal (status=%s), cannot fail", t.TenantID, t.TimerID, t.Status)
	}
	if t.Status != Fired {
		return kernelerr.Newf(kernelerr.Validation, "cannot fail timer %s/%s from status %s", t.TenantID, t.TimerID, t.Status)
	}
	t.Status = Failed
	t.FailureReason = reason
	t.StateVersion++
	return nil
}
