package kernel

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/minoots/kernel/internal/events"
	"github.com/minoots/kernel/internal/store"
	"github.com/minoots/kernel/internal/timer"
)

func newTimerID() string {
	return uuid.NewString()
}

// Run drives the wheel's wake loop (C1) and, if a Coordinator was
// configured, its election/renewal loop, until ctx is cancelled or
// Close is called. Run blocks and should be started in its own
// goroutine by the caller.
func (k *Kernel) Run(ctx context.Context) {
	defer close(k.doneCh)

	if k.coord != nil {
		go k.coord.Run(ctx)
	}

	wakeAt, ok := k.wheel.NextWake()
	t := k.clk.NewTimer(k.untilOrDefault(wakeAt, ok))
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.closeCh:
			return
		case <-k.wakeCh:
			k.tick(ctx)
		case <-t.C():
			k.tick(ctx)
		}
		wakeAt, ok = k.wheel.NextWake()
		t.Reset(k.untilOrDefault(wakeAt, ok))
	}
}

func (k *Kernel) untilOrDefault(at time.Time, ok bool) time.Duration {
	if !ok {
		return time.Second
	}
	d := at.Sub(k.clk.Now())
	if d < 0 {
		return 0
	}
	return d
}

// tick advances the wheel and fires every timer whose slot is now due,
// recording observed jitter and emitting "timer.fired" events. Firing
// is a no-op if this node is not the leader: a follower still advances
// its local wheel (so it is ready to take over instantly on becoming
// leader) but never mutates the command log.
func (k *Kernel) tick(ctx context.Context) {
	now := k.clk.Now()
	due := k.wheel.Advance(now)
	if len(due) == 0 {
		return
	}
	if k.coord != nil && !k.coord.IsLeader() {
		return
	}
	for _, key := range due {
		k.fireOne(ctx, key, now)
	}
}

func (k *Kernel) fireOne(ctx context.Context, key timer.Key, now time.Time) {
	k.mu.Lock()
	t, ok := k.active[key]
	k.mu.Unlock()
	if !ok || t.Status.Terminal() {
		return
	}

	if err := t.Arm(now); err == nil {
		k.emit(ctx, events.KindArmed, t)
	}
	if err := t.Fire(now); err != nil {
		k.logger.Warn(ctx, "fire transition rejected", "tenant_id", key.TenantID, "timer_id", key.TimerID, "error", err.Error())
		return
	}
	k.jit.Observe(key.TenantID, t.JitterMs)

	if err := k.appendAndSave(ctx, store.CommandFire, t); err != nil {
		k.logger.Warn(ctx, "append fire command failed", "tenant_id", key.TenantID, "timer_id", key.TimerID, "error", err.Error())
		return
	}
	k.emit(ctx, events.KindFired, t)

	k.scheduleSettleTimeout(ctx, key)
}

// scheduleSettleTimeout fails a fired timer that never receives a
// ReportTimerExecution within the configured settle window, per spec.md
// §4.2's "executor_timeout" failure reason.
func (k *Kernel) scheduleSettleTimeout(ctx context.Context, key timer.Key) {
	go func() {
		timer := k.clk.NewTimer(k.cfg.SettleTimeout)
		defer timer.Stop()
		select {
		case <-timer.C():
		case <-k.closeCh:
			return
		}
		k.mu.Lock()
		t, ok := k.active[key]
		k.mu.Unlock()
		if !ok || t.Status.Terminal() {
			return
		}
		if _, err := k.ReportTimerExecution(ctx, key.TenantID, key.TimerID, "failed", "", "executor_timeout"); err != nil {
			k.logger.Warn(ctx, "settle timeout fail transition rejected", "tenant_id", key.TenantID, "timer_id", key.TimerID, "error", err.Error())
		}
	}()
}
