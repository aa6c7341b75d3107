// Package memory provides an in-memory implementation of store.Store.
//
// This implementation is suitable for development, testing, and the
// "memory" KERNEL_STORE adapter (spec.md §6.3). It is not durable across
// process restarts.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/minoots/kernel/internal/store"
	"github.com/minoots/kernel/internal/timer"
)

// Store is an in-memory implementation of store.Store. Safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	log     []store.CommandLogEntry
	records map[timer.Key]*timer.Timer
	snap    store.Snapshot
	nextSeq int64
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		records: make(map[timer.Key]*timer.Timer),
	}
}

// Append implements store.Store.
func (s *Store) Append(ctx context.Context, entry store.CommandLogEntry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	entry.Seq = s.nextSeq
	s.log = append(s.log, entry)
	return entry.Seq, nil
}

// SaveRecord implements store.Store.
func (s *Store) SaveRecord(ctx context.Context, t *timer.Timer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[t.Key()] = t.Clone()
	return nil
}

// GetRecord implements store.Store.
func (s *Store) GetRecord(ctx context.Context, key timer.Key) (*timer.Timer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.records[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.Clone(), nil
}

// ListRecords implements store.Store.
func (s *Store) ListRecords(ctx context.Context, tenantID string, statuses []timer.Status, labels map[string]string, pageToken string, limit int) ([]*timer.Timer, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	statusSet := make(map[timer.Status]bool, len(statuses))
	for _, st := range statuses {
		statusSet[st] = true
	}

	matching := make([]*timer.Timer, 0)
	for _, t := range s.records {
		if t.TenantID != tenantID {
			continue
		}
		if len(statusSet) > 0 && !statusSet[t.Status] {
			continue
		}
		if !matchesLabels(t.Labels, labels) {
			continue
		}
		matching = append(matching, t)
	}
	sort.Slice(matching, func(i, j int) bool { return matching[i].TimerID < matching[j].TimerID })

	start := 0
	if pageToken != "" {
		for i, t := range matching {
			if t.TimerID > pageToken {
				start = i
				break
			}
			start = i + 1
		}
	}
	if start >= len(matching) {
		return nil, "", nil
	}
	end := len(matching)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	page := make([]*timer.Timer, 0, end-start)
	for _, t := range matching[start:end] {
		page = append(page, t.Clone())
	}
	next := ""
	if end < len(matching) {
		next = page[len(page)-1].TimerID
	}
	return page, next, nil
}

func matchesLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// WriteSnapshot implements store.Store.
func (s *Store) WriteSnapshot(ctx context.Context, snap store.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := snap
	cp.Timers = make([]*timer.Timer, len(snap.Timers))
	for i, t := range snap.Timers {
		cp.Timers[i] = t.Clone()
	}
	s.snap = cp
	return nil
}

// LatestSnapshot implements store.Store.
func (s *Store) LatestSnapshot(ctx context.Context) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, nil
}

// ReplayFrom implements store.Store.
func (s *Store) ReplayFrom(ctx context.Context, afterSeq int64) ([]store.CommandLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.CommandLogEntry, 0)
	for _, e := range s.log {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// Compact implements store.Store.
func (s *Store) Compact(ctx context.Context, uptoSeq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.log[:0]
	for _, e := range s.log {
		if e.Seq > uptoSeq {
			kept = append(kept, e)
		}
	}
	s.log = kept
	return nil
}
