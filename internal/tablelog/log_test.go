package tablelog

import (
	"context"
	"errors"
	"testing"

	"github.com/skylarkdb/skylark/internal/storage"
	"github.com/skylarkdb/skylark/pkg/types"
)

func newTestLog(t *testing.T) (*Log, storage.ObjectStorage) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	return New(store, "skylark/test_project"), store
}

func TestLog_CreateIsIdempotent(t *testing.T) {
	log, store := newTestLog(t)
	ctx := context.Background()

	snap, err := log.Create(ctx, types.BaseSchema())
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	if snap.Version != 0 {
		t.Errorf("version mismatch: got %d, want 0", snap.Version)
	}
	if len(snap.Schema.Columns) != len(types.BaseSchema().Columns) {
		t.Errorf("schema column count mismatch: got %d", len(snap.Schema.Columns))
	}

	// Second creator (fresh handle, same prefix) must see the existing table.
	other := New(store, "skylark/test_project")
	snap2, err := other.Create(ctx, types.BaseSchema())
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if snap2.Version != 0 {
		t.Errorf("second create version mismatch: got %d, want 0", snap2.Version)
	}
}

func TestLog_LoadMissingTable(t *testing.T) {
	log, _ := newTestLog(t)

	_, err := log.Load(context.Background())
	if !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLog_CommitAppliesAtomically(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	snap, err := log.Create(ctx, types.BaseSchema())
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	seg := SegmentMeta{
		Path:         "segments/seg-001.sqlite",
		RowCount:     500,
		SizeBytes:    4096,
		MinTimestamp: 100,
		MaxTimestamp: 200,
	}
	snap, err = log.Commit(ctx, snap.Version, Entry{
		Operation: OpIngest,
		BatchKey:  "seq/1-500",
		Adds:      []SegmentMeta{seg},
	})
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	if snap.Version != 1 {
		t.Errorf("version mismatch: got %d, want 1", snap.Version)
	}
	if len(snap.Segments) != 1 || snap.Segments[0].Path != seg.Path {
		t.Errorf("segment not applied: %+v", snap.Segments)
	}
	if !snap.HasBatchKey("seq/1-500") {
		t.Error("batch key missing from snapshot")
	}
	if snap.TotalRows() != 500 {
		t.Errorf("total rows mismatch: got %d, want 500", snap.TotalRows())
	}
}

func TestLog_ConflictingCommit(t *testing.T) {
	log, store := newTestLog(t)
	ctx := context.Background()

	snap, err := log.Create(ctx, types.BaseSchema())
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	// Two handles commit against the same base version; the second must see
	// a conflict, reread, and succeed on the next version.
	other := New(store, "skylark/test_project")
	otherSnap, err := other.Load(ctx)
	if err != nil {
		t.Fatalf("failed to load second handle: %v", err)
	}

	if _, err := log.Commit(ctx, snap.Version, Entry{
		Operation: OpIngest,
		Adds:      []SegmentMeta{{Path: "segments/a.sqlite", RowCount: 1}},
	}); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}

	_, err = other.Commit(ctx, otherSnap.Version, Entry{
		Operation: OpIngest,
		Adds:      []SegmentMeta{{Path: "segments/b.sqlite", RowCount: 2}},
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	otherSnap, err = other.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh after conflict failed: %v", err)
	}
	otherSnap, err = other.Commit(ctx, otherSnap.Version, Entry{
		Operation: OpIngest,
		Adds:      []SegmentMeta{{Path: "segments/b.sqlite", RowCount: 2}},
	})
	if err != nil {
		t.Fatalf("retried commit failed: %v", err)
	}
	if otherSnap.Version != 2 {
		t.Errorf("version mismatch after retry: got %d, want 2", otherSnap.Version)
	}
	if len(otherSnap.Segments) != 2 {
		t.Errorf("expected both segments live, got %d", len(otherSnap.Segments))
	}
}

func TestLog_RemoveTombstonesSegment(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	snap, err := log.Create(ctx, types.BaseSchema())
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	snap, err = log.Commit(ctx, snap.Version, Entry{
		Operation: OpIngest,
		Adds: []SegmentMeta{
			{Path: "segments/a.sqlite", RowCount: 10, BloomPath: "segments/a.bloom"},
			{Path: "segments/b.sqlite", RowCount: 20},
		},
	})
	if err != nil {
		t.Fatalf("ingest commit failed: %v", err)
	}

	// Compaction replaces a+b with c.
	snap, err = log.Commit(ctx, snap.Version, Entry{
		Operation: OpCompact,
		Adds:      []SegmentMeta{{Path: "segments/c.sqlite", RowCount: 30}},
		Removes:   []string{"segments/a.sqlite", "segments/b.sqlite"},
	})
	if err != nil {
		t.Fatalf("compact commit failed: %v", err)
	}
	if len(snap.Segments) != 1 || snap.Segments[0].Path != "segments/c.sqlite" {
		t.Errorf("compaction result mismatch: %+v", snap.Segments)
	}
	if len(snap.Tombstones) != 2 {
		t.Fatalf("expected 2 tombstones, got %d", len(snap.Tombstones))
	}
	if snap.Tombstones[0].BloomPath != "segments/a.bloom" {
		t.Errorf("tombstone bloom path mismatch: %+v", snap.Tombstones[0])
	}
	if snap.TotalRows() != 30 {
		t.Errorf("total rows mismatch: got %d, want 30", snap.TotalRows())
	}

	// Vacuum confirms deletion and clears the tombstones.
	snap, err = log.Commit(ctx, snap.Version, Entry{
		Operation:       OpVacuum,
		ClearTombstones: []string{"segments/a.sqlite", "segments/b.sqlite"},
	})
	if err != nil {
		t.Fatalf("vacuum commit failed: %v", err)
	}
	if len(snap.Tombstones) != 0 {
		t.Errorf("tombstones not cleared: %+v", snap.Tombstones)
	}
}

func TestLog_ReplayEqualsIncremental(t *testing.T) {
	log, store := newTestLog(t)
	ctx := context.Background()

	snap, err := log.Create(ctx, types.BaseSchema())
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	for i := 0; i < 5; i++ {
		snap, err = log.Commit(ctx, snap.Version, Entry{
			Operation: OpIngest,
			Adds:      []SegmentMeta{{Path: segPath(i), RowCount: int64(i + 1)}},
		})
		if err != nil {
			t.Fatalf("commit %d failed: %v", i, err)
		}
	}

	// A cold handle replaying the whole log must reach the same state.
	cold := New(store, "skylark/test_project")
	replayed, err := cold.Load(ctx)
	if err != nil {
		t.Fatalf("cold load failed: %v", err)
	}
	if replayed.Version != snap.Version {
		t.Errorf("version mismatch: got %d, want %d", replayed.Version, snap.Version)
	}
	if replayed.TotalRows() != snap.TotalRows() {
		t.Errorf("row count mismatch: got %d, want %d", replayed.TotalRows(), snap.TotalRows())
	}
	if len(replayed.Segments) != len(snap.Segments) {
		t.Errorf("segment count mismatch: got %d, want %d", len(replayed.Segments), len(snap.Segments))
	}
}

func TestLog_SchemaWidenEntry(t *testing.T) {
	log, _ := newTestLog(t)
	ctx := context.Background()

	snap, err := log.Create(ctx, types.BaseSchema())
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	widened, _, err := snap.Schema.Merge([]types.ColumnDef{
		{Name: "http_status", Type: types.ColInteger, Nullable: true},
	})
	if err != nil {
		t.Fatalf("schema merge failed: %v", err)
	}
	snap, err = log.Commit(ctx, snap.Version, Entry{
		Operation: OpWiden,
		Schema:    &widened,
	})
	if err != nil {
		t.Fatalf("widen commit failed: %v", err)
	}
	if !snap.Schema.HasColumn("http_status") {
		t.Error("widened column missing from snapshot schema")
	}
	if snap.Schema.Version != widened.Version {
		t.Errorf("schema version mismatch: got %d, want %d", snap.Schema.Version, widened.Version)
	}
}

func TestLog_CommittedSeqWatermark(t *testing.T) {
	log, store := newTestLog(t)
	ctx := context.Background()

	snap, err := log.Create(ctx, types.BaseSchema())
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	snap, err = log.Commit(ctx, snap.Version, Entry{
		Operation: OpIngest,
		BatchKey:  "seq/1-4",
		LastSeq:   4,
		Adds:      []SegmentMeta{{Path: segPath(0), RowCount: 4}},
	})
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if snap.CommittedSeq != 4 {
		t.Errorf("watermark mismatch: got %d, want 4", snap.CommittedSeq)
	}

	// Entries without a sequence (widen, compact) never move it backwards.
	snap, err = log.Commit(ctx, snap.Version, Entry{
		Operation: OpCompact,
		Adds:      []SegmentMeta{{Path: segPath(1), RowCount: 4}},
		Removes:   []string{segPath(0)},
	})
	if err != nil {
		t.Fatalf("compact commit failed: %v", err)
	}
	if snap.CommittedSeq != 4 {
		t.Errorf("compaction moved the watermark: %d", snap.CommittedSeq)
	}

	// A cold replay recovers the watermark from the log.
	cold := New(store, "skylark/test_project")
	replayed, err := cold.Load(ctx)
	if err != nil {
		t.Fatalf("cold load failed: %v", err)
	}
	if replayed.CommittedSeq != 4 {
		t.Errorf("replayed watermark mismatch: got %d, want 4", replayed.CommittedSeq)
	}
}

func segPath(i int) string {
	return "segments/seg-" + string(rune('a'+i)) + ".sqlite"
}
