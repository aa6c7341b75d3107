package filelog

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/minoots/kernel/internal/store"
	"github.com/minoots/kernel/internal/timer"
)

func TestAppendAndReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	seq1, err := s.Append(ctx, store.CommandLogEntry{TenantID: "t1", TimerID: "a", Kind: store.CommandSchedule})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	seq2, err := s.Append(ctx, store.CommandLogEntry{TenantID: "t1", TimerID: "b", Kind: store.CommandSchedule})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("expected strictly increasing seq, got %d then %d", seq1, seq2)
	}

	entries, err := s.ReplayFrom(ctx, seq1)
	if err != nil {
		t.Fatalf("ReplayFrom: %v", err)
	}
	if len(entries) != 1 || entries[0].TimerID != "b" {
		t.Fatalf("expected only the entry after seq1, got %+v", entries)
	}
}

func TestAppendAndRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	tm := &timer.Timer{TenantID: "t1", TimerID: "a", Status: timer.Scheduled}
	payload, _ := json.Marshal(tm)
	if _, err := s.Append(ctx, store.CommandLogEntry{TenantID: "t1", TimerID: "a", Kind: store.CommandSchedule, Payload: payload}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetRecord(ctx, tm.Key())
	if err != nil {
		t.Fatalf("GetRecord after reopen: %v", err)
	}
	if got.TimerID != "a" {
		t.Fatalf("unexpected record after reopen: %+v", got)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, err = s.GetRecord(context.Background(), timer.Key{TenantID: "t1", TimerID: "missing"})
	if err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRecordsFiltersAndPaginates(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_ = s.SaveRecord(ctx, &timer.Timer{TenantID: "t1", TimerID: id, Status: timer.Scheduled})
	}
	_ = s.SaveRecord(ctx, &timer.Timer{TenantID: "t1", TimerID: "d", Status: timer.Cancelled})
	_ = s.SaveRecord(ctx, &timer.Timer{TenantID: "t2", TimerID: "e", Status: timer.Scheduled})

	page, next, err := s.ListRecords(ctx, "t1", []timer.Status{timer.Scheduled}, nil, "", 2)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(page) != 2 || page[0].TimerID != "a" || page[1].TimerID != "b" {
		t.Fatalf("unexpected page: %+v", page)
	}
	if next != "b" {
		t.Fatalf("expected next page token 'b', got %q", next)
	}
}

func TestWriteSnapshotAndLatestSnapshotRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	empty, err := s.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LatestSnapshot on fresh store: %v", err)
	}
	if empty.LastSeq != 0 || len(empty.Timers) != 0 {
		t.Fatalf("expected zero-value snapshot before any write, got %+v", empty)
	}

	snap := store.Snapshot{LastSeq: 7, Timers: []*timer.Timer{{TenantID: "t1", TimerID: "a"}}}
	if err := s.WriteSnapshot(ctx, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	got, err := s.LatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("LatestSnapshot: %v", err)
	}
	if got.LastSeq != 7 || len(got.Timers) != 1 || got.Timers[0].TimerID != "a" {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestCompactRemovesOldEntries(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	seq1, _ := s.Append(ctx, store.CommandLogEntry{TenantID: "t1", TimerID: "a"})
	seq2, _ := s.Append(ctx, store.CommandLogEntry{TenantID: "t1", TimerID: "b"})

	if err := s.Compact(ctx, seq1); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	entries, err := s.ReplayFrom(ctx, 0)
	if err != nil {
		t.Fatalf("ReplayFrom after compact: %v", err)
	}
	if len(entries) != 1 || entries[0].Seq != seq2 {
		t.Fatalf("expected only entry seq=%d to remain, got %+v", seq2, entries)
	}
}
