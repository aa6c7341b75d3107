// Package kernel wires the horology kernel's components (C1-C8) into a
// single running instance: the timing wheel, the command log and
// snapshot store, leader coordination, the signed event hub, jitter
// compensation, and the crash-recovery replay path.
//
// It follows the teacher's runtime/agent construction style: one struct
// holding every collaborator, built up in New. Run drives only the wake
// loop; the timer operations run on their callers' goroutines and guard
// the active index with a mutex. GetTimer reads the active index under
// that mutex, and ListTimers reads the store.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/minoots/kernel/internal/clock"
	"github.com/minoots/kernel/internal/coordinator"
	"github.com/minoots/kernel/internal/events"
	"github.com/minoots/kernel/internal/jitter"
	"github.com/minoots/kernel/internal/kernelerr"
	"github.com/minoots/kernel/internal/store"
	"github.com/minoots/kernel/internal/telemetry"
	"github.com/minoots/kernel/internal/timer"
	"github.com/minoots/kernel/internal/wheel"
)

// Config configures a Kernel instance. The zero value is not usable;
// build one via the internal/config loader and translate it into this
// shape (Kernel deliberately does not import internal/config, so it
// stays usable from tests that never touch the environment).
type Config struct {
	NodeID       string
	RPCAddr      string
	FireGrace    time.Duration
	SettleTimeout time.Duration
	MaxCompensationMs int64
	JitterSmoothing   float64

	Store       store.Store
	Coordinator *coordinator.Coordinator
	Hub         *events.Hub
	Clock       clock.Clock
	Logger      telemetry.Logger
	Metrics     telemetry.Metrics
}

// Kernel is one running horology-kernel node.
type Kernel struct {
	cfg     Config
	store   store.Store
	coord   *coordinator.Coordinator
	hub     *events.Hub
	clk     clock.Clock
	logger  telemetry.Logger
	metrics telemetry.Metrics
	jit     *jitter.Tracker

	wheel *wheel.Wheel

	mu     sync.RWMutex
	active map[timer.Key]*timer.Timer

	wakeCh   chan struct{}
	doneCh   chan struct{}
	closeCh  chan struct{}
	closeOnce sync.Once

	lastSeq int64
}

// New constructs a Kernel and replays persisted state (spec.md §4.8)
// before returning. The kernel does not start its wake loop or
// coordinator until Run is called.
func New(ctx context.Context, cfg Config) (*Kernel, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("kernel: Config.Store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	if cfg.FireGrace <= 0 {
		cfg.FireGrace = 2 * time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}

	k := &Kernel{
		cfg:     cfg,
		store:   cfg.Store,
		coord:   cfg.Coordinator,
		hub:     cfg.Hub,
		clk:     cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		jit:     jitter.NewTracker(cfg.JitterSmoothing, cfg.MaxCompensationMs),
		wheel:   wheel.New(cfg.Clock.Now()),
		active:  make(map[timer.Key]*timer.Timer),
		wakeCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
		closeCh: make(chan struct{}),
	}

	if err := k.recover(ctx); err != nil {
		return nil, kernelerr.Wrap(kernelerr.Fatal, err, "replay persisted state")
	}
	return k, nil
}

// recover implements C8 (spec.md §4.8): load the latest snapshot, replay
// the log entries appended after it, and re-insert every non-terminal
// timer into the wheel. A timer whose fire_at has already passed at
// replay time is fired immediately rather than waiting for the wheel to
// catch up to it.
func (k *Kernel) recover(ctx context.Context) error {
	snap, err := k.store.LatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	for _, t := range snap.Timers {
		k.active[t.Key()] = t
	}
	k.lastSeq = snap.LastSeq

	entries, err := k.store.ReplayFrom(ctx, snap.LastSeq)
	if err != nil {
		return fmt.Errorf("replay log: %w", err)
	}
	for _, e := range entries {
		k.applyReplayedEntry(e)
		if e.Seq > k.lastSeq {
			k.lastSeq = e.Seq
		}
	}

	now := k.clk.Now()
	for key, t := range k.active {
		if t.Status.Terminal() {
			delete(k.active, key)
			continue
		}
		// A restart reloads any non-terminal timer as Scheduled (spec.md
		// §4.2), even one previously Armed or Fired without a recorded
		// settle/fail, since C2's sub-states beyond Scheduled are not
		// independently durable truth after a crash.
		t.Status = timer.Scheduled
		if !t.FireAt.After(now) {
			k.wheel.Insert(key, now)
		} else {
			k.wheel.Insert(key, t.FireAt)
		}
	}
	return nil
}

func (k *Kernel) applyReplayedEntry(e store.CommandLogEntry) {
	key := timer.Key{TenantID: e.TenantID, TimerID: e.TimerID}
	switch e.Kind {
	case store.CommandSchedule:
		var t timer.Timer
		if err := unmarshalInto(e.Payload, &t); err == nil {
			k.active[key] = &t
		}
	case store.CommandCancel, store.CommandFire, store.CommandSettle, store.CommandFail:
		var t timer.Timer
		if err := unmarshalInto(e.Payload, &t); err == nil {
			k.active[key] = &t
		}
	case store.CommandSnapshotMarker:
		// No state to apply; marks the point a snapshot was taken.
	}
}

// Close stops the wake loop and coordinator renewal. It waits for Run to
// return, so it blocks if Run was never started.
func (k *Kernel) Close() {
	k.closeOnce.Do(func() {
		close(k.closeCh)
		<-k.doneCh
		if k.coord != nil {
			k.coord.Close()
		}
	})
}
