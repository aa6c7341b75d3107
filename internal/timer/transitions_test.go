package timer

import (
	"testing"
	"time"
)

func newScheduled(fireAt time.Time) *Timer {
	return &Timer{
		TenantID:     "tenant-1",
		TimerID:      "timer-1",
		FireAt:       fireAt,
		CreatedAt:    fireAt.Add(-time.Minute),
		Status:       Scheduled,
		StateVersion: 1,
	}
}

func TestArmFireSettleHappyPath(t *testing.T) {
	base := time.Now()
	tm := newScheduled(base)

	if err := tm.Arm(base); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if tm.Status != Armed {
		t.Fatalf("expected Armed, got %s", tm.Status)
	}

	fireTime := base.Add(5 * time.Millisecond)
	if err := tm.Fire(fireTime); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if tm.Status != Fired {
		t.Fatalf("expected Fired, got %s", tm.Status)
	}
	if tm.JitterMs != 5 {
		t.Fatalf("expected jitter_ms=5, got %d", tm.JitterMs)
	}

	if err := tm.Settle(fireTime.Add(time.Second)); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if tm.Status != Settled {
		t.Fatalf("expected Settled, got %s", tm.Status)
	}
}

func TestSettleIsIdempotent(t *testing.T) {
	base := time.Now()
	tm := newScheduled(base)
	_ = tm.Fire(base)
	if err := tm.Settle(base); err != nil {
		t.Fatalf("first Settle: %v", err)
	}
	version := tm.StateVersion
	if err := tm.Settle(base.Add(time.Second)); err != nil {
		t.Fatalf("repeat Settle should be idempotent, got error: %v", err)
	}
	if tm.StateVersion != version {
		t.Fatalf("repeat Settle must not bump state_version: got %d want %d", tm.StateVersion, version)
	}
}

func TestFailIsIdempotentForSameReason(t *testing.T) {
	base := time.Now()
	tm := newScheduled(base)
	_ = tm.Fire(base)
	if err := tm.Fail(base, "executor_timeout"); err != nil {
		t.Fatalf("first Fail: %v", err)
	}
	version := tm.StateVersion
	if err := tm.Fail(base.Add(time.Second), "executor_timeout"); err != nil {
		t.Fatalf("repeat Fail with same reason should be idempotent, got error: %v", err)
	}
	if tm.StateVersion != version {
		t.Fatalf("repeat Fail must not bump state_version: got %d want %d", tm.StateVersion, version)
	}
}

func TestFailRejectsConflictingReason(t *testing.T) {
	base := time.Now()
	tm := newScheduled(base)
	_ = tm.Fire(base)
	_ = tm.Fail(base, "executor_timeout")
	if err := tm.Fail(base, "different_reason"); err == nil {
		t.Fatalf("expected conflict error for a different failure reason on an already-failed timer")
	}
}

func TestCancelRejectsTerminalTimer(t *testing.T) {
	base := time.Now()
	tm := newScheduled(base)
	if err := tm.Cancel(base, "user request", "alice"); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}
	if err := tm.Cancel(base, "user request", "alice"); err == nil {
		t.Fatalf("expected Cancel on an already-cancelled timer to fail (caller is responsible for idempotence)")
	}
}

func TestFireFromScheduledAfterRestart(t *testing.T) {
	base := time.Now()
	tm := newScheduled(base)
	// A restart reloads non-terminal timers as Scheduled even if they were
	// Armed or Fired before the crash; Fire must still accept them.
	if err := tm.Fire(base.Add(time.Millisecond)); err != nil {
		t.Fatalf("Fire from Scheduled: %v", err)
	}
}

func TestNoTransitionOutOfTerminalStatus(t *testing.T) {
	base := time.Now()
	tm := newScheduled(base)
	_ = tm.Cancel(base, "done", "bob")

	if err := tm.Arm(base); err == nil {
		t.Fatalf("expected Arm on cancelled timer to fail")
	}
	if err := tm.Fire(base); err == nil {
		t.Fatalf("expected Fire on cancelled timer to fail")
	}
	if err := tm.Settle(base); err == nil {
		t.Fatalf("expected Settle on cancelled timer to fail")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	base := time.Now()
	tm := newScheduled(base)
	tm.Labels = map[string]string{"env": "prod"}

	cp := tm.Clone()
	cp.Labels["env"] = "staging"

	if tm.Labels["env"] != "prod" {
		t.Fatalf("Clone must deep-copy Labels, original was mutated: %s", tm.Labels["env"])
	}
}
