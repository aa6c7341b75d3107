// Package coordinator implements leader election for the kernel (C4 of
// spec.md §4.4): a single active node owns the wheel and the command log
// writer at any moment. Each acquisition carries a monotonic epoch that
// the kernel records on every command log entry; the stores do not
// compare it, so an entry from a stale leader is not rejected.
//
// Election is a CAS loop over a single replicated-map key, the same
// primitive the teacher uses for its cluster-aware rate limiter
// (TestAndSet/SetIfNotExists on *rmap.Map): the lease value encodes the
// holder's node id, address, epoch, and expiry, and acquisition only
// succeeds when the CAS's "test" value matches what was last observed.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minoots/kernel/internal/clock"
	"github.com/minoots/kernel/internal/telemetry"
)

// LeaseMap is the minimal replicated-map contract required for leader
// election. It is satisfied by *rmap.Map from goa.design/pulse/rmap; it is
// defined here to keep the coordinator unit-testable without Redis.
type LeaseMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
}

// lease is the JSON-encoded value stored under the lease key.
type lease struct {
	NodeID   string    `json:"node_id"`
	Addr     string     `json:"addr"`
	Epoch    int64      `json:"epoch"`
	ExpireAt time.Time  `json:"expire_at"`
}

// Coordinator runs the CAS election loop and reports the current leader.
//
// Coordinator does not itself decide what the leader does; internal/kernel
// asks IsLeader/Epoch before accepting a write. Watch offers
// leadership-change notifications; internal/kernel does not subscribe.
type Coordinator struct {
	m          LeaseMap
	key        string
	nodeID     string
	addr       string
	ttl        time.Duration
	renewEvery time.Duration
	clock      clock.Clock
	logger     telemetry.Logger

	mu          sync.RWMutex
	current     lease
	notifyCh    chan struct{}

	isLeader atomic.Bool
	epoch    atomic.Int64

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// Config configures a Coordinator.
type Config struct {
	// Map is the replicated map backing the lease key.
	Map LeaseMap
	// Key is the Redis key the lease is stored under, e.g. "kernel:leader".
	Key string
	// NodeID uniquely identifies this process within the cluster.
	NodeID string
	// Addr is the address other nodes should use to reach this node when
	// it holds the lease (for NotLeader redirects).
	Addr string
	// TTL is the lease duration; renewal must happen well inside it.
	// Defaults to 10s.
	TTL time.Duration
	// RenewEvery is the renewal attempt interval. Defaults to TTL/3.
	RenewEvery time.Duration
	Clock      clock.Clock
	Logger     telemetry.Logger
}

// New creates a Coordinator. Call Run to start the election loop.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Map == nil {
		return nil, fmt.Errorf("coordinator: lease map is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("coordinator: lease key is required")
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("coordinator: node id is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	renew := cfg.RenewEvery
	if renew <= 0 {
		renew = ttl / 3
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Coordinator{
		m:          cfg.Map,
		key:        cfg.Key,
		nodeID:     cfg.NodeID,
		addr:       cfg.Addr,
		ttl:        ttl,
		renewEvery: renew,
		clock:      cl,
		logger:     logger,
		notifyCh:   make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Run starts the election/renewal loop; it returns once ctx is cancelled or
// Close is called. Callers typically run it in its own goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.doneCh)
	t := c.clock.NewTimer(c.renewEvery)
	defer t.Stop()
	for {
		c.attempt(ctx)
		select {
		case <-ctx.Done():
			c.relinquish()
			return
		case <-c.closeCh:
			c.relinquish()
			return
		case <-t.C():
			t.Reset(c.renewEvery)
		}
	}
}

// attempt performs one CAS acquisition/renewal cycle.
func (c *Coordinator) attempt(ctx context.Context) {
	now := c.clock.Now()
	raw, ok := c.m.Get(c.key)
	if !ok {
		next := lease{NodeID: c.nodeID, Addr: c.addr, Epoch: 1, ExpireAt: now.Add(c.ttl)}
		b, _ := json.Marshal(next)
		created, err := c.m.SetIfNotExists(ctx, c.key, string(b))
		if err != nil {
			c.logger.Warn(ctx, "lease seed failed", "key", c.key, "err", err)
			c.stepDown()
			return
		}
		if created {
			c.becomeLeader(next)
			return
		}
		// Lost the race to seed; re-read below on the next attempt.
		c.stepDown()
		return
	}

	var cur lease
	if err := json.Unmarshal([]byte(raw), &cur); err != nil {
		c.logger.Error(ctx, "corrupt lease value", "key", c.key, "err", err)
		c.stepDown()
		return
	}

	held := c.isLeader.Load() && cur.NodeID == c.nodeID
	expired := now.After(cur.ExpireAt)
	if !held && !expired {
		c.stepDown()
		c.observe(cur)
		return
	}

	next := cur
	next.ExpireAt = now.Add(c.ttl)
	next.Addr = c.addr
	if !held {
		next.NodeID = c.nodeID
		next.Epoch = cur.Epoch + 1
	}
	b, _ := json.Marshal(next)
	prev, err := c.m.TestAndSet(ctx, c.key, raw, string(b))
	if err != nil {
		c.logger.Warn(ctx, "lease cas failed", "key", c.key, "err", err)
		c.stepDown()
		return
	}
	if prev != raw {
		// Lost the race: someone else updated the lease between Get and
		// TestAndSet. Defer to the next attempt.
		c.stepDown()
		return
	}
	c.becomeLeader(next)
}

func (c *Coordinator) becomeLeader(l lease) {
	wasLeader := c.isLeader.Swap(true)
	c.epoch.Store(l.Epoch)
	c.mu.Lock()
	c.current = l
	c.mu.Unlock()
	if !wasLeader {
		c.logger.Info(context.Background(), "became leader", "node_id", c.nodeID, "epoch", l.Epoch)
		c.notify()
	}
}

func (c *Coordinator) stepDown() {
	wasLeader := c.isLeader.Swap(false)
	if wasLeader {
		c.logger.Warn(context.Background(), "stepped down as leader", "node_id", c.nodeID)
		c.notify()
	}
}

func (c *Coordinator) observe(l lease) {
	c.mu.Lock()
	c.current = l
	c.mu.Unlock()
}

func (c *Coordinator) notify() {
	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
}

// relinquish clears leadership bookkeeping on shutdown. It does not delete
// the shared lease entry: another node's TTL-based takeover is simpler and
// safer than a departing node racing to delete a key it may no longer
// exclusively own (mirrors the teacher's ticker Close vs delete distinction).
func (c *Coordinator) relinquish() {
	c.stepDown()
}

// IsLeader reports whether this node currently holds the lease.
func (c *Coordinator) IsLeader() bool { return c.isLeader.Load() }

// Epoch returns the fencing epoch of the lease this node last acquired or
// renewed; observing another node's lease does not change it. Writers must reject commands carrying an epoch below this
// value once the coordinator steps down, since any earlier acquisition at
// this node no longer safely owns the log.
func (c *Coordinator) Epoch() int64 { return c.epoch.Load() }

// LeaderAddr returns the address of the last known leader, for NotLeader
// RPC redirects. Returns "" if no leader has ever been observed.
func (c *Coordinator) LeaderAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Addr
}

// Watch returns a channel that receives a notification whenever this
// node's leadership status changes (acquired or lost).
func (c *Coordinator) Watch() <-chan struct{} { return c.notifyCh }

// Close stops the election loop, relinquishing local leadership.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.closeCh)
	})
	<-c.doneCh
}
