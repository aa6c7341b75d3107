// Package wheel implements the hierarchical timing wheel plus overflow
// heap described in spec.md §4.1 (C1). It knows nothing about timer
// semantics — it arms and fires opaque keys at absolute instants — so
// internal/kernel is the only place that interprets what fires.
//
// Four cascading levels of 256 slots each (1ms base tick) cover roughly
// 49 days of near-horizon; insertion into the matching level is O(1)
// amortized. Anything beyond that span, or any fire_at in the past,
// lands in a binary min-heap (O(log n)) so no timer is ever lost to
// wheel overflow. As each level completes a rotation its current slot's
// entries cascade down into the next-finer level, matching spec.md
// §4.1's "draining the active slot and re-inserting overflow as
// horizons shrink".
package wheel

import (
	"container/heap"
	"sync"
	"time"

	"github.com/minoots/kernel/internal/timer"
)

const (
	numLevels  = 4
	slotsCount = 256
	tickMs     = 1
)

// entry is one armed timer tracked by the wheel or the overflow heap.
type entry struct {
	id     timer.Key
	fireAt time.Time
	seq    uint64 // insertion order, for same-slot tie-breaking (spec.md §4.1)
	index  int    // heap index when parked in overflow; unused in wheel slots
}

// overflowHeap is a min-heap on (fireAt, seq) for far-horizon timers.
type overflowHeap []*entry

func (h overflowHeap) Len() int { return len(h) }
func (h overflowHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h overflowHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *overflowHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *overflowHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// level is one wheel of slotsCount slots; slot i holds entries in
// insertion order (a nil slice means empty).
type level struct {
	rangeTicks uint64 // slotsCount^(levelIndex+1), the span of ticks this level and all finer levels below it represent
	slots      [slotsCount][]*entry
}

// Wheel is the hierarchical timing wheel with min-heap overflow.
//
// The wheel does not run its own goroutine: the caller (internal/kernel)
// drives Advance/NextWake from a single dedicated wake loop, per the
// concurrency model of spec.md §5.
type Wheel struct {
	mu sync.Mutex

	base  time.Time // tick 0 corresponds to this instant
	ticks uint64     // ticks elapsed since base (current wheel position)

	levels   [numLevels]*level
	overflow overflowHeap

	byID    map[timer.Key]location
	nextSeq uint64
}

type location struct {
	inOverflow bool
	levelIdx   int
	slotIdx    int
}

// New creates a Wheel whose tick 0 is anchored at base (typically
// clock.Now() at construction time).
func New(base time.Time) *Wheel {
	w := &Wheel{
		base: base,
		byID: make(map[timer.Key]location),
	}
	span := uint64(1)
	for i := 0; i < numLevels; i++ {
		span *= slotsCount
		w.levels[i] = &level{rangeTicks: span}
	}
	heap.Init(&w.overflow)
	return w
}

func (w *Wheel) tickOf(at time.Time) uint64 {
	d := at.Sub(w.base)
	if d <= 0 {
		return 0
	}
	t := uint64(d / (tickMs * time.Millisecond))
	return t
}

// Insert arms id to fire at fireAt. If id is already armed, its entry is
// replaced (at-most-one-arming invariant of spec.md §3). A fireAt at or
// before the wheel's current position is parked in the overflow heap so
// it drains on the very next Advance regardless of tick alignment (no
// negative sleep, spec.md §4.1 edge policy).
func (w *Wheel) Insert(id timer.Key, fireAt time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(id)
	w.nextSeq++
	e := &entry{id: id, fireAt: fireAt, seq: w.nextSeq}
	w.placeLocked(e)
}

// placeLocked must be called with mu held. It chooses the finest level
// whose range can still represent the remaining delay, or the overflow
// heap if the delay exceeds every level's span.
func (w *Wheel) placeLocked(e *entry) {
	target := w.tickOf(e.fireAt)
	if target <= w.ticks {
		// Already due (or due at the wheel's current tick, which
		// drainLevel0Locked won't revisit until a full level-0
		// revolution). The overflow heap's drain condition compares
		// fireAt to the Advance-supplied now directly, with no tick
		// arithmetic involved, so it always fires on the very next
		// Advance regardless of how far w.ticks has moved.
		heap.Push(&w.overflow, e)
		w.byID[e.id] = location{inOverflow: true}
		return
	}
	delta := target - w.ticks
	for i := 0; i < numLevels; i++ {
		lvl := w.levels[i]
		if delta < lvl.rangeTicks {
			slot := w.slotFor(i, w.ticks+delta)
			lvl.slots[slot] = append(lvl.slots[slot], e)
			w.byID[e.id] = location{levelIdx: i, slotIdx: slot}
			return
		}
	}
	heap.Push(&w.overflow, e)
	w.byID[e.id] = location{inOverflow: true}
}

// slotFor returns the slot index within level i that absoluteTick maps
// to: each level's slot step is slotsCount^i ticks (level 0 steps by
// one tick, level 1 by 256 ticks, etc.).
func (w *Wheel) slotFor(levelIdx int, absoluteTick uint64) int {
	step := uint64(1)
	for k := 0; k < levelIdx; k++ {
		step *= slotsCount
	}
	return int((absoluteTick / step) % slotsCount)
}

// Remove disarms id, if armed. Removing an unarmed id is a no-op.
func (w *Wheel) Remove(id timer.Key) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(id)
}

func (w *Wheel) removeLocked(id timer.Key) {
	loc, ok := w.byID[id]
	if !ok {
		return
	}
	delete(w.byID, id)
	if loc.inOverflow {
		for i, e := range w.overflow {
			if e.id == id {
				heap.Remove(&w.overflow, i)
				return
			}
		}
		return
	}
	slot := w.levels[loc.levelIdx].slots[loc.slotIdx]
	for i, e := range slot {
		if e.id == id {
			w.levels[loc.levelIdx].slots[loc.slotIdx] = append(slot[:i], slot[i+1:]...)
			return
		}
	}
}

// NextWake returns the instant of the earliest armed timer, if any.
func (w *Wheel) NextWake() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var best time.Time
	found := false
	if len(w.overflow) > 0 {
		best = w.overflow[0].fireAt
		found = true
	}
	for i := 0; i < numLevels; i++ {
		for _, slot := range w.levels[i].slots {
			for _, e := range slot {
				if !found || e.fireAt.Before(best) {
					best = e.fireAt
					found = true
				}
			}
		}
	}
	if !found {
		return time.Time{}, false
	}
	return best, true
}

// Advance moves the wheel to now, cascading completed levels and
// returning every key whose fire_at is at or before now, in
// insertion-tie-broken order. Timers are never skipped, only drained
// late (spec.md §4.1); the caller is responsible for reporting the
// overshoot as jitter_ms.
func (w *Wheel) Advance(now time.Time) []timer.Key {
	w.mu.Lock()
	defer w.mu.Unlock()

	target := w.tickOf(now)
	var due []*entry
	for w.ticks < target {
		w.ticks++
		due = append(due, w.drainLevel0Locked()...)
		// Cascade coarser levels down as their current slot rolls over.
		for i := 1; i < numLevels; i++ {
			step := uint64(1)
			for k := 0; k < i; k++ {
				step *= slotsCount
			}
			if w.ticks%step != 0 {
				break
			}
			slot := w.slotFor(i, w.ticks)
			entries := w.levels[i].slots[slot]
			w.levels[i].slots[slot] = nil
			for _, e := range entries {
				delete(w.byID, e.id)
				w.placeLocked(e)
			}
		}
	}
	// Anything in the overflow heap now due (including fire_at <= now
	// at insertion time, or entries whose level never received them
	// because the wheel hadn't advanced far enough) also drains.
	for len(w.overflow) > 0 && !w.overflow[0].fireAt.After(now) {
		e := heap.Pop(&w.overflow).(*entry)
		delete(w.byID, e.id)
		due = append(due, e)
	}

	sortBySeq(due)
	keys := make([]timer.Key, len(due))
	for i, e := range due {
		keys[i] = e.id
	}
	return keys
}

func (w *Wheel) drainLevel0Locked() []*entry {
	slot := w.slotFor(0, w.ticks)
	entries := w.levels[0].slots[slot]
	w.levels[0].slots[slot] = nil
	for _, e := range entries {
		delete(w.byID, e.id)
	}
	return entries
}

func sortBySeq(es []*entry) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && es[j].seq < es[j-1].seq; j-- {
			es[j], es[j-1] = es[j-1], es[j]
		}
	}
}

// Len reports the number of currently armed timers.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.overflow)
	for i := 0; i < numLevels; i++ {
		for _, slot := range w.levels[i].slots {
			n += len(slot)
		}
	}
	return n
}
