// Package tablelog implements the per-tenant ACID table log: a sequence of
// versioned transaction entries on object storage describing which segment
// files make up the table and which schema they are read under. Commits use
// optimistic concurrency: each entry is written create-if-absent at the key
// for its version, so of two writers racing on the same base version exactly
// one wins and the other rereads and retries.
package tablelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/skylarkdb/skylark/internal/storage"
	"github.com/skylarkdb/skylark/pkg/types"
)

// ErrVersionConflict is returned by Commit when another writer has already
// published the version this commit was built against.
var ErrVersionConflict = errors.New("tablelog: version conflict")

// Operation labels recorded on log entries.
const (
	OpCreate  = "create"
	OpIngest  = "ingest"
	OpWiden   = "widen"
	OpCompact = "compact"
	OpVacuum  = "vacuum"
	OpRetire  = "retire"
)

// SegmentMeta describes one data file referenced by the table.
type SegmentMeta struct {
	// Path is the object path relative to the table root, e.g.
	// "segments/<id>.sqlite".
	Path string `json:"path"`

	// BloomPath is the id-membership sidecar, empty if absent.
	BloomPath string `json:"bloom_path,omitempty"`

	RowCount  int64 `json:"row_count"`
	SizeBytes int64 `json:"size_bytes"`

	// MinTimestamp/MaxTimestamp bound the record timestamps in the segment
	// (UTC nanoseconds), used for pruning.
	MinTimestamp int64 `json:"min_timestamp"`
	MaxTimestamp int64 `json:"max_timestamp"`

	// SchemaVersion is the schema the segment was written under.
	SchemaVersion int `json:"schema_version"`

	CreatedAt int64 `json:"created_at"`
}

// Entry is one committed transaction. All of an entry becomes visible
// atomically when its log object is written; readers never observe a
// partially applied entry.
type Entry struct {
	Version   int64  `json:"version"`
	CommitID  string `json:"commit_id"`
	Operation string `json:"operation"`
	Timestamp int64  `json:"timestamp"`

	// BatchKey is the ingest idempotency key ("seq/<first>-<last>").
	// Redelivered batches whose key is already in the snapshot are skipped.
	BatchKey string `json:"batch_key,omitempty"`

	// LastSeq is the highest queue sequence number covered by an ingest
	// entry. The snapshot's CommittedSeq watermark is the max over all
	// entries, letting the committer drop redelivered rows even when a
	// crash re-batched them with newer ones.
	LastSeq uint64 `json:"last_seq,omitempty"`

	// Schema, when set, replaces the table schema (create and widen entries).
	Schema *types.Schema `json:"schema,omitempty"`

	// Adds are segments added by this entry.
	Adds []SegmentMeta `json:"adds,omitempty"`

	// Removes are table-relative paths of segments superseded by this entry.
	Removes []string `json:"removes,omitempty"`

	// ClearTombstones lists tombstoned paths whose files vacuum has deleted
	// from storage, dropping them from the snapshot.
	ClearTombstones []string `json:"clear_tombstones,omitempty"`
}

// Tombstone records a removed segment awaiting vacuum.
type Tombstone struct {
	Path      string `json:"path"`
	BloomPath string `json:"bloom_path,omitempty"`
	RemovedAt int64  `json:"removed_at"`
}

// Snapshot is the table state at one version: the schema and the set of live
// segments. Snapshots are immutable; Clone before handing one out.
type Snapshot struct {
	Version    int64
	Schema     types.Schema
	Segments   []SegmentMeta
	Tombstones []Tombstone

	// BatchKeys maps ingest batch keys to the version that committed them.
	BatchKeys map[string]int64

	// CommittedSeq is the highest queue sequence number any ingest entry
	// has made durable. Rows at or below it are already visible.
	CommittedSeq uint64
}

// Clone returns a deep copy safe to hold across concurrent commits.
func (s *Snapshot) Clone() *Snapshot {
	cp := &Snapshot{
		Version:      s.Version,
		Schema:       s.Schema.Clone(),
		Segments:     make([]SegmentMeta, len(s.Segments)),
		Tombstones:   make([]Tombstone, len(s.Tombstones)),
		BatchKeys:    make(map[string]int64, len(s.BatchKeys)),
		CommittedSeq: s.CommittedSeq,
	}
	copy(cp.Segments, s.Segments)
	copy(cp.Tombstones, s.Tombstones)
	for k, v := range s.BatchKeys {
		cp.BatchKeys[k] = v
	}
	return cp
}

// HasBatchKey reports whether a batch key has already been committed.
func (s *Snapshot) HasBatchKey(key string) bool {
	_, ok := s.BatchKeys[key]
	return ok
}

// TotalRows returns the live row count across all segments.
func (s *Snapshot) TotalRows() int64 {
	var total int64
	for _, seg := range s.Segments {
		total += seg.RowCount
	}
	return total
}

// apply folds one entry into the snapshot. Entries must be applied in
// version order.
func (s *Snapshot) apply(e *Entry) {
	s.Version = e.Version
	if e.Schema != nil {
		s.Schema = e.Schema.Clone()
	}
	if e.BatchKey != "" {
		s.BatchKeys[e.BatchKey] = e.Version
	}
	if e.LastSeq > s.CommittedSeq {
		s.CommittedSeq = e.LastSeq
	}
	for _, removed := range e.Removes {
		for i, seg := range s.Segments {
			if seg.Path == removed {
				s.Tombstones = append(s.Tombstones, Tombstone{
					Path:      seg.Path,
					BloomPath: seg.BloomPath,
					RemovedAt: e.Timestamp,
				})
				s.Segments = append(s.Segments[:i], s.Segments[i+1:]...)
				break
			}
		}
	}
	for _, cleared := range e.ClearTombstones {
		for i, ts := range s.Tombstones {
			if ts.Path == cleared {
				s.Tombstones = append(s.Tombstones[:i], s.Tombstones[i+1:]...)
				break
			}
		}
	}
	s.Segments = append(s.Segments, e.Adds...)
}

// Log is the handle to one tenant table's transaction log.
type Log struct {
	store  storage.ObjectStorage
	prefix string // "<table_prefix>/<project_id>"

	mu   sync.Mutex
	snap *Snapshot // cached state, nil until first load
}

// New creates a log handle for the table rooted at prefix. No storage I/O
// happens until Create, Load, or Commit.
func New(store storage.ObjectStorage, prefix string) *Log {
	return &Log{store: store, prefix: strings.TrimSuffix(prefix, "/")}
}

// Prefix returns the table root prefix.
func (l *Log) Prefix() string {
	return l.prefix
}

// ObjectPath resolves a table-relative path to a full object path.
func (l *Log) ObjectPath(rel string) string {
	return l.prefix + "/" + rel
}

func (l *Log) entryPath(version int64) string {
	return fmt.Sprintf("%s/_log/%020d.json", l.prefix, version)
}

// Create initializes the table with the given base schema as version 0.
// Idempotent: if the table already exists (including a concurrent creator
// winning the race), the existing state is loaded instead.
func (l *Log) Create(ctx context.Context, schema types.Schema) (*Snapshot, error) {
	entry := Entry{
		Version:   0,
		Operation: OpCreate,
		Timestamp: time.Now().UnixNano(),
		Schema:    &schema,
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return nil, fmt.Errorf("tablelog: failed to marshal create entry: %w", err)
	}

	err = l.store.PutBytesIfAbsent(ctx, l.entryPath(0), data)
	if err != nil && !errors.Is(err, storage.ErrPreconditionFailed) {
		return nil, fmt.Errorf("tablelog: failed to create table at %s: %w", l.prefix, err)
	}

	return l.Load(ctx)
}

// Load replays the full log and caches the resulting snapshot. Returns
// storage.ErrObjectNotFound if the table has never been created.
func (l *Log) Load(ctx context.Context) (*Snapshot, error) {
	versions, err := l.listVersions(ctx)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, storage.ErrObjectNotFound
	}

	snap := &Snapshot{
		Version:   -1,
		BatchKeys: make(map[string]int64),
	}
	for _, v := range versions {
		entry, err := l.readEntry(ctx, v)
		if err != nil {
			return nil, err
		}
		snap.apply(entry)
	}

	l.mu.Lock()
	l.snap = snap
	l.mu.Unlock()
	return snap.Clone(), nil
}

// Refresh brings the cached snapshot up to the latest committed version by
// reading only entries newer than the cache. Cheaper than Load on a warm
// handle.
func (l *Log) Refresh(ctx context.Context) (*Snapshot, error) {
	l.mu.Lock()
	cached := l.snap
	l.mu.Unlock()

	if cached == nil {
		return l.Load(ctx)
	}

	snap := cached.Clone()
	for v := snap.Version + 1; ; v++ {
		entry, err := l.readEntry(ctx, v)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				break
			}
			return nil, err
		}
		snap.apply(entry)
	}

	l.mu.Lock()
	l.snap = snap
	l.mu.Unlock()
	return snap.Clone(), nil
}

// Commit publishes the entry as version base+1. Returns ErrVersionConflict
// when another writer already owns that version; the caller rereads the log
// and rebuilds its commit against the new state.
func (l *Log) Commit(ctx context.Context, base int64, entry Entry) (*Snapshot, error) {
	entry.Version = base + 1
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixNano()
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		return nil, fmt.Errorf("tablelog: failed to marshal entry: %w", err)
	}

	if err := l.store.PutBytesIfAbsent(ctx, l.entryPath(entry.Version), data); err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("tablelog: failed to write entry %d: %w", entry.Version, err)
	}

	// Fold into the cache so the common single-writer path needs no reread.
	l.mu.Lock()
	if l.snap != nil && l.snap.Version == base {
		snap := l.snap.Clone()
		snap.apply(&entry)
		l.snap = snap
	} else {
		l.snap = nil // stale cache, next access reloads
	}
	snap := l.snap
	l.mu.Unlock()

	if snap == nil {
		return l.Load(ctx)
	}
	return snap.Clone(), nil
}

func (l *Log) readEntry(ctx context.Context, version int64) (*Entry, error) {
	data, err := l.store.GetBytes(ctx, l.entryPath(version))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("tablelog: corrupt entry %d: %w", version, err)
	}
	if entry.Version != version {
		return nil, fmt.Errorf("tablelog: entry at version %d declares version %d", version, entry.Version)
	}
	return &entry, nil
}

// listVersions returns all committed versions in ascending order.
func (l *Log) listVersions(ctx context.Context) ([]int64, error) {
	logPrefix := l.prefix + "/_log/"
	objects, err := l.store.ListObjects(ctx, logPrefix)
	if err != nil {
		return nil, fmt.Errorf("tablelog: failed to list log entries: %w", err)
	}

	var versions []int64
	for _, obj := range objects {
		name := path.Base(obj)
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// Exists reports whether the table has been created.
func (l *Log) Exists(ctx context.Context) (bool, error) {
	return l.store.Exists(ctx, l.entryPath(0))
}
