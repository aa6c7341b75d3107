// Package filelog implements store.Store as an embedded append-only
// file log plus an atomically-written snapshot file, for the
// KERNEL_PERSIST_PATH adapter of spec.md §6.3/§4.3.
//
// The log is a newline-delimited JSON file opened in append mode;
// snapshots are written atomically via write-to-temp-then-rename
// (github.com/google/renameio/v2), satisfying the "Snapshots must be
// atomic" requirement without hand-rolling the temp-file dance.
package filelog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/minoots/kernel/internal/store"
	"github.com/minoots/kernel/internal/timer"
)

const (
	logFileName  = "commands.log"
	snapFileName = "snapshot.json"
)

// Store is a file-backed store.Store implementation.
type Store struct {
	mu      sync.Mutex
	dir     string
	logFile *os.File
	writer  *bufio.Writer
	nextSeq int64
	records map[timer.Key]*timer.Timer
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Open opens (creating if necessary) a file-backed store rooted at dir.
// It replays the existing log into the in-memory record index used by
// ListRecords/GetRecord (the log itself remains the durable source of
// truth; records are a cache rebuilt from it, mirroring the teacher's
// layering of a queryable index over an authoritative log).
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create persist dir %q: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open command log: %w", err)
	}
	s := &Store{
		dir:     dir,
		logFile: f,
		writer:  bufio.NewWriter(f),
		records: make(map[timer.Key]*timer.Timer),
	}
	if err := s.loadExisting(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadExisting() error {
	if _, err := s.logFile.Seek(0, 0); err != nil {
		return fmt.Errorf("seek command log: %w", err)
	}
	scanner := bufio.NewScanner(s.logFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e store.CommandLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return fmt.Errorf("corrupt command log entry: %w", err)
		}
		if e.Seq > s.nextSeq {
			s.nextSeq = e.Seq
		}
		if len(e.Payload) > 0 {
			var t timer.Timer
			if err := json.Unmarshal(e.Payload, &t); err == nil {
				s.records[t.Key()] = &t
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read command log: %w", err)
	}
	if _, err := s.logFile.Seek(0, 2); err != nil {
		return fmt.Errorf("seek to end of command log: %w", err)
	}
	return nil
}

// Append implements store.Store. It fsyncs after every write: §4.3
// requires the append to be durable before the in-memory state updates.
func (s *Store) Append(ctx context.Context, entry store.CommandLogEntry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	entry.Seq = s.nextSeq
	b, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal command log entry: %w", err)
	}
	if _, err := s.writer.Write(append(b, '\n')); err != nil {
		return 0, fmt.Errorf("write command log entry: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return 0, fmt.Errorf("flush command log: %w", err)
	}
	if err := s.logFile.Sync(); err != nil {
		return 0, fmt.Errorf("fsync command log: %w", err)
	}
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
	s.mu.Lock()
	defer s.mu.Unlock()
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
	s.mu.Lock()
	defer s.mu.Unlock()

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
		ok := true
		for k, v := range labels {
			if t.Labels[k] != v {
				ok = false
				break
			}
		}
		if !ok {
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

// WriteSnapshot implements store.Store, writing atomically via
// write-to-temp-then-rename.
func (s *Store) WriteSnapshot(ctx context.Context, snap store.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, snapFileName)
	if err := renameio.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write snapshot %q: %w", path, err)
	}
	return nil
}

// LatestSnapshot implements store.Store.
func (s *Store) LatestSnapshot(ctx context.Context) (store.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return store.Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(filepath.Join(s.dir, snapFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return store.Snapshot{}, nil
		}
		return store.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return store.Snapshot{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// ReplayFrom implements store.Store by re-scanning the log file.
func (s *Store) ReplayFrom(ctx context.Context, afterSeq int64) ([]store.CommandLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(filepath.Join(s.dir, logFileName))
	if err != nil {
		return nil, fmt.Errorf("open command log for replay: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	out := make([]store.CommandLogEntry, 0)
	for scanner.Scan() {
		var e store.CommandLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("corrupt command log entry during replay: %w", err)
		}
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read command log during replay: %w", err)
	}
	return out, nil
}

// Compact rewrites the log file keeping only entries with seq > uptoSeq.
// The rewrite itself goes through a temp file + rename for atomicity.
func (s *Store) Compact(ctx context.Context, uptoSeq int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.replayAllLocked()
	if err != nil {
		return err
	}
	t, err := renameio.TempFile("", filepath.Join(s.dir, logFileName))
	if err != nil {
		return fmt.Errorf("create compaction temp file: %w", err)
	}
	defer t.Cleanup()
	for _, e := range entries {
		if e.Seq <= uptoSeq {
			continue
		}
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal compacted entry: %w", err)
		}
		if _, err := t.Write(append(b, '\n')); err != nil {
			return fmt.Errorf("write compacted entry: %w", err)
		}
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace command log: %w", err)
	}

	if err := s.logFile.Close(); err != nil {
		return fmt.Errorf("close old log handle: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, logFileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen command log after compaction: %w", err)
	}
	s.logFile = f
	s.writer = bufio.NewWriter(f)
	return nil
}

func (s *Store) replayAllLocked() ([]store.CommandLogEntry, error) {
	f, err := os.Open(filepath.Join(s.dir, logFileName))
	if err != nil {
		return nil, fmt.Errorf("open command log: %w", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	out := make([]store.CommandLogEntry, 0)
	for scanner.Scan() {
		var e store.CommandLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("corrupt command log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}

// Close releases the open log file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.logFile.Close()
}
