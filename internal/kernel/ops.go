package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minoots/kernel/internal/events"
	"github.com/minoots/kernel/internal/kernelerr"
	"github.com/minoots/kernel/internal/store"
	"github.com/minoots/kernel/internal/timer"
)

func unmarshalInto(b []byte, v any) error {
	if len(b) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(b, v)
}

// ScheduleInput describes a new timer request (spec.md §4.6 Schedule).
type ScheduleInput struct {
	TenantID     string
	Name         string
	RequestedBy  string
	DurationMs   int64
	Metadata     json.RawMessage
	Labels       map[string]string
	ActionBundle json.RawMessage
	AgentBinding json.RawMessage
	TraceID      string
}

// requireLeader returns a NotLeader error carrying the current leader's
// address and a retry hint when this node is not (or not yet) the
// elected leader (spec.md §6.1 FAILED_PRECONDITION semantics).
func (k *Kernel) requireLeader() error {
	if k.coord == nil {
		return nil
	}
	if k.coord.IsLeader() {
		return nil
	}
	return kernelerr.NotLeaderErr(k.coord.LeaderAddr(), 250)
}

// Schedule creates a new timer, durably appends it to the command log,
// inserts it into the wheel, and emits a "timer.scheduled" event
// (spec.md §4.1/§4.6).
func (k *Kernel) Schedule(ctx context.Context, in ScheduleInput) (*timer.Timer, error) {
	if err := k.requireLeader(); err != nil {
		return nil, err
	}
	if in.TenantID == "" {
		return nil, kernelerr.New(kernelerr.Validation, "tenant_id is required")
	}
	if in.DurationMs < 0 {
		return nil, kernelerr.New(kernelerr.Validation, "duration_ms must be >= 0")
	}

	now := k.clk.Now()
	t := &timer.Timer{
		TenantID:     in.TenantID,
		TimerID:      newTimerID(),
		Name:         in.Name,
		RequestedBy:  in.RequestedBy,
		DurationMs:   in.DurationMs,
		FireAt:       now.Add(time.Duration(in.DurationMs) * time.Millisecond),
		CreatedAt:    now,
		Status:       timer.Scheduled,
		Metadata:     in.Metadata,
		Labels:       in.Labels,
		ActionBundle: in.ActionBundle,
		AgentBinding: in.AgentBinding,
		TraceID:      in.TraceID,
		StateVersion: 1,
	}

	if err := k.appendAndSave(ctx, store.CommandSchedule, t); err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.active[t.Key()] = t
	k.mu.Unlock()

	comp := k.jit.Compensate(in.TenantID)
	insertAt := t.FireAt.Add(-time.Duration(comp) * time.Millisecond)
	if insertAt.Before(now) {
		insertAt = now
	}
	k.wheel.Insert(t.Key(), insertAt)
	k.wake()

	k.emit(ctx, events.KindScheduled, t)
	return t.Clone(), nil
}

// GetTimer returns a timer's current state (spec.md §4.6 GetTimer).
func (k *Kernel) GetTimer(ctx context.Context, tenantID, timerID string) (*timer.Timer, error) {
	key := timer.Key{TenantID: tenantID, TimerID: timerID}
	k.mu.RLock()
	t, ok := k.active[key]
	k.mu.RUnlock()
	if ok {
		return t.Clone(), nil
	}
	rec, err := k.store.GetRecord(ctx, key)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, kernelerr.New(kernelerr.NotFound, "timer not found")
		}
		return nil, kernelerr.Wrap(kernelerr.PersistenceTransient, err, "get timer record")
	}
	return rec, nil
}

// ListTimers lists a tenant's timers with optional status/label filters
// and cursor pagination (spec.md §4.6 ListTimers).
func (k *Kernel) ListTimers(ctx context.Context, tenantID string, statuses []timer.Status, labels map[string]string, pageToken string, limit int) ([]*timer.Timer, string, error) {
	if tenantID == "" {
		return nil, "", kernelerr.New(kernelerr.Validation, "tenant_id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	records, next, err := k.store.ListRecords(ctx, tenantID, statuses, labels, pageToken, limit)
	if err != nil {
		return nil, "", kernelerr.Wrap(kernelerr.PersistenceTransient, err, "list timer records")
	}
	return records, next, nil
}

// CancelTimer transitions a Scheduled or Armed timer to Cancelled.
// Repeating a cancel on an already-cancelled timer, or calling it
// against a Fired timer awaiting settle/fail, is idempotent: it returns
// the current record unchanged (spec.md §4.2's diagram only allows
// Cancel from Scheduled/Armed; §4.6 item 4 requires this no-op rather
// than racing a concurrent ReportTimerExecution). A Settled or Failed
// record, found in the store once the timer has left the active index,
// is returned unchanged the same way. A stored Scheduled or Armed record
// missing from the active index is a Conflict.
func (k *Kernel) CancelTimer(ctx context.Context, tenantID, timerID, reason, cancelledBy string) (*timer.Timer, error) {
	if err := k.requireLeader(); err != nil {
		return nil, err
	}
	key := timer.Key{TenantID: tenantID, TimerID: timerID}

	k.mu.Lock()
	t, ok := k.active[key]
	k.mu.Unlock()
	if !ok {
		rec, err := k.store.GetRecord(ctx, key)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, kernelerr.New(kernelerr.NotFound, "timer not found")
			}
			return nil, kernelerr.Wrap(kernelerr.PersistenceTransient, err, "get timer record")
		}
		if rec.Status != timer.Scheduled && rec.Status != timer.Armed {
			return rec, nil
		}
		return nil, kernelerr.Newf(kernelerr.Conflict, "timer %s/%s not in the active index (status=%s)", tenantID, timerID, rec.Status)
	}

	if t.Status != timer.Scheduled && t.Status != timer.Armed {
		// Already cancelled, or fired and awaiting settle/fail: spec.md
		// §4.6 item 4 requires this to be idempotent, returning the
		// existing record unchanged rather than racing the in-flight
		// settle/fail against a cancel.
		return t.Clone(), nil
	}
	now := k.clk.Now()
	if err := t.Cancel(now, reason, cancelledBy); err != nil {
		return nil, err
	}
	if err := k.appendAndSave(ctx, store.CommandCancel, t); err != nil {
		return nil, err
	}

	k.wheel.Remove(key)
	k.mu.Lock()
	delete(k.active, key)
	k.mu.Unlock()

	k.emit(ctx, events.KindCancelled, t)
	return t.Clone(), nil
}

// ReportTimerExecution records the outcome of an executed timer,
// transitioning Fired -> Settled or Fired -> Failed (spec.md §4.6
// ReportTimerExecution). Repeating a report with the same final_status
// is idempotent, whether or not the first call already dropped the
// timer from the active index; a repeat with a different final_status
// against an already-terminal timer is a Conflict (spec.md §7/§8).
func (k *Kernel) ReportTimerExecution(ctx context.Context, tenantID, timerID, finalStatus, result, execErr string) (*timer.Timer, error) {
	if err := k.requireLeader(); err != nil {
		return nil, err
	}
	key := timer.Key{TenantID: tenantID, TimerID: timerID}

	k.mu.Lock()
	t, ok := k.active[key]
	k.mu.Unlock()
	if !ok {
		// Not in flight: either never existed, or a previous call already
		// settled/failed it and dropped it from k.active. Fall back to the
		// durable record so a repeat report for the same outcome is
		// idempotent (spec.md §8 round-trip law) instead of NotFound.
		rec, err := k.store.GetRecord(ctx, key)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, kernelerr.New(kernelerr.NotFound, "timer not found")
			}
			return nil, kernelerr.Wrap(kernelerr.PersistenceTransient, err, "get timer record")
		}
		switch finalStatus {
		case "settled":
			if rec.Status == timer.Settled {
				return rec, nil
			}
		case "failed":
			if rec.Status == timer.Failed && rec.FailureReason == execErr {
				return rec, nil
			}
		default:
			return nil, kernelerr.Newf(kernelerr.Validation, "invalid final_status %q", finalStatus)
		}
		return nil, kernelerr.Newf(kernelerr.Conflict, "timer %s/%s already terminal (status=%s), conflicting report", tenantID, timerID, rec.Status)
	}

	now := k.clk.Now()
	var kind store.CommandKind
	var eventKind events.Kind
	switch finalStatus {
	case "settled":
		if err := t.Settle(now); err != nil {
			return nil, err
		}
		kind, eventKind = store.CommandSettle, events.KindSettled
	case "failed":
		if err := t.Fail(now, execErr); err != nil {
			return nil, err
		}
		kind, eventKind = store.CommandFail, events.KindFailed
	default:
		return nil, kernelerr.Newf(kernelerr.Validation, "invalid final_status %q", finalStatus)
	}

	if err := k.appendAndSave(ctx, kind, t); err != nil {
		return nil, err
	}
	k.mu.Lock()
	delete(k.active, key)
	k.mu.Unlock()

	k.emit(ctx, eventKind, t)
	return t.Clone(), nil
}

func (k *Kernel) appendAndSave(ctx context.Context, kind store.CommandKind, t *timer.Timer) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return kernelerr.Wrap(kernelerr.Fatal, err, "marshal timer for log append")
	}
	entry := store.CommandLogEntry{
		TenantID:   t.TenantID,
		TimerID:    t.TimerID,
		Kind:       kind,
		Payload:    payload,
		AppendedAt: k.clk.Now(),
	}
	if k.coord != nil {
		entry.Epoch = k.coord.Epoch()
	}
	seq, err := k.store.Append(ctx, entry)
	if err != nil {
		return kernelerr.Wrap(kernelerr.PersistenceTransient, err, "append command log")
	}
	k.lastSeq = seq
	if err := k.store.SaveRecord(ctx, t); err != nil {
		return kernelerr.Wrap(kernelerr.PersistenceTransient, err, "save timer record")
	}
	return nil
}

func (k *Kernel) emit(ctx context.Context, kind events.Kind, t *timer.Timer) {
	if k.hub == nil {
		return
	}
	env, err := events.NewEnvelope(fmt.Sprintf("%s-%d", t.TimerID, t.StateVersion), kind, t.TenantID, t.TimerID, t.StateVersion, k.clk.Now(), t)
	if err != nil {
		k.logger.Warn(ctx, "build event envelope failed", "error", err.Error())
		return
	}
	if err := k.hub.Publish(ctx, env); err != nil {
		k.logger.Warn(ctx, "publish event failed", "error", err.Error(), "event_type", string(kind))
	}
}

func (k *Kernel) wake() {
	select {
	case k.wakeCh <- struct{}{}:
	default:
	}
}
