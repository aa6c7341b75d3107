package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/minoots/kernel/internal/clock"
	"github.com/minoots/kernel/internal/kernelerr"
	"github.com/minoots/kernel/internal/store/memory"
	"github.com/minoots/kernel/internal/timer"
)

func newTestKernel(t *testing.T, cl clock.Clock) *Kernel {
	t.Helper()
	k, err := New(context.Background(), Config{
		Store:         memory.New(),
		Clock:         cl,
		SettleTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestBasicFire exercises scenario S1: a scheduled timer fires once its
// fire_at is reached and becomes observable as Fired.
func TestBasicFire(t *testing.T) {
	cl := clock.NewManual(time.Unix(0, 0))
	k := newTestKernel(t, cl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.Run(ctx)
	defer k.Close()

	tm, err := k.Schedule(ctx, ScheduleInput{TenantID: "t1", DurationMs: 10})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	cl.Advance(15 * time.Millisecond)

	waitFor(t, time.Second, func() bool {
		got, err := k.GetTimer(ctx, "t1", tm.TimerID)
		return err == nil && got.Status == timer.Fired
	})
}

// TestIdempotentCancel exercises scenario S2: cancelling an
// already-cancelled timer with the same parameters returns the same
// terminal state rather than erroring.
func TestIdempotentCancel(t *testing.T) {
	cl := clock.NewManual(time.Unix(0, 0))
	k := newTestKernel(t, cl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.Run(ctx)
	defer k.Close()

	tm, err := k.Schedule(ctx, ScheduleInput{TenantID: "t1", DurationMs: 10_000})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	first, err := k.CancelTimer(ctx, "t1", tm.TimerID, "user request", "alice")
	if err != nil {
		t.Fatalf("first CancelTimer: %v", err)
	}
	second, err := k.CancelTimer(ctx, "t1", tm.TimerID, "user request", "alice")
	if err != nil {
		t.Fatalf("repeat CancelTimer should be idempotent, got error: %v", err)
	}
	if second.Status != timer.Cancelled || second.StateVersion != first.StateVersion {
		t.Fatalf("expected repeat cancel to return the same terminal state, got %+v", second)
	}
}

// TestCancelFiredTimerIsNoOp exercises spec.md §4.6 item 4: cancelling a
// timer that has already fired (and is awaiting settle/fail) must not
// transition it to Cancelled; it returns the existing Fired record
// unchanged instead of racing a concurrent ReportTimerExecution.
func TestCancelFiredTimerIsNoOp(t *testing.T) {
	cl := clock.NewManual(time.Unix(0, 0))
	k := newTestKernel(t, cl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.Run(ctx)
	defer k.Close()

	tm, err := k.Schedule(ctx, ScheduleInput{TenantID: "t1", DurationMs: 5})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	cl.Advance(10 * time.Millisecond)
	waitFor(t, time.Second, func() bool {
		got, err := k.GetTimer(ctx, "t1", tm.TimerID)
		return err == nil && got.Status == timer.Fired
	})

	got, err := k.CancelTimer(ctx, "t1", tm.TimerID, "user request", "alice")
	if err != nil {
		t.Fatalf("CancelTimer on a fired timer should be a no-op, got error: %v", err)
	}
	if got.Status != timer.Fired {
		t.Fatalf("expected CancelTimer to leave a fired timer unchanged, got status %s", got.Status)
	}

	settled, err := k.ReportTimerExecution(ctx, "t1", tm.TimerID, "settled", "ok", "")
	if err != nil {
		t.Fatalf("ReportTimerExecution after no-op cancel: %v", err)
	}
	if settled.Status != timer.Settled {
		t.Fatalf("expected the fired timer to still settle normally, got %s", settled.Status)
	}
}

// TestReportExecutionSettlesFiredTimer exercises scenario S5: a client
// reporting a successful execution transitions Fired -> Settled.
func TestReportExecutionSettlesFiredTimer(t *testing.T) {
	cl := clock.NewManual(time.Unix(0, 0))
	k := newTestKernel(t, cl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.Run(ctx)
	defer k.Close()

	tm, err := k.Schedule(ctx, ScheduleInput{TenantID: "t1", DurationMs: 5})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	cl.Advance(10 * time.Millisecond)
	waitFor(t, time.Second, func() bool {
		got, err := k.GetTimer(ctx, "t1", tm.TimerID)
		return err == nil && got.Status == timer.Fired
	})

	settled, err := k.ReportTimerExecution(ctx, "t1", tm.TimerID, "settled", "ok", "")
	if err != nil {
		t.Fatalf("ReportTimerExecution: %v", err)
	}
	if settled.Status != timer.Settled {
		t.Fatalf("expected Settled, got %s", settled.Status)
	}

	// Repeating the same report is idempotent (spec.md §8 round-trip law).
	again, err := k.ReportTimerExecution(ctx, "t1", tm.TimerID, "settled", "ok", "")
	if err != nil {
		t.Fatalf("repeat ReportTimerExecution should be idempotent, got error: %v", err)
	}
	if again.StateVersion != settled.StateVersion {
		t.Fatalf("expected repeat report to not bump state_version, got %d want %d", again.StateVersion, settled.StateVersion)
	}

	// A conflicting second report (different outcome) against an already
	// terminal timer is a Conflict, not NotFound, even though the first
	// report already removed it from the active index (spec.md §7).
	_, err = k.ReportTimerExecution(ctx, "t1", tm.TimerID, "failed", "", "boom")
	if kerr, ok := err.(*kernelerr.Error); !ok || kerr.Kind != kernelerr.Conflict {
		t.Fatalf("expected a Conflict error for a mismatched repeat report, got %v", err)
	}
}

// TestCrashRecoveryReplaysNonTerminalTimers exercises scenario S3: a new
// Kernel built over the same store replays a non-terminal timer and
// fires it if its fire_at has already passed.
func TestCrashRecoveryReplaysNonTerminalTimers(t *testing.T) {
	cl := clock.NewManual(time.Unix(0, 0))
	st := memory.New()

	k1, err := New(context.Background(), Config{Store: st, Clock: cl, SettleTimeout: time.Minute})
	if err != nil {
		t.Fatalf("New k1: %v", err)
	}
	tm, err := k1.Schedule(context.Background(), ScheduleInput{TenantID: "t1", DurationMs: 10})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	cl.Advance(time.Hour) // simulate time passing while the node is down

	k2, err := New(context.Background(), Config{Store: st, Clock: cl, SettleTimeout: time.Minute})
	if err != nil {
		t.Fatalf("New k2 (recovery): %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k2.Run(ctx)
	defer k2.Close()

	waitFor(t, time.Second, func() bool {
		got, err := k2.GetTimer(ctx, "t1", tm.TimerID)
		return err == nil && got.Status == timer.Fired
	})
}
