package maintenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/skylarkdb/skylark/internal/commit"
	"github.com/skylarkdb/skylark/internal/registry"
	"github.com/skylarkdb/skylark/internal/segment"
	"github.com/skylarkdb/skylark/internal/tablelog"
	"github.com/skylarkdb/skylark/pkg/types"
)

// CompactionJob names the source segments merged in one compaction for one
// tenant.
type CompactionJob struct {
	ProjectID string
	Sources   []tablelog.SegmentMeta
}

// Compactor merges runs of small segments into one larger segment, through
// the same commit path as ingest so compaction and writes serialize on the
// table log version.
type Compactor struct {
	committer      *commit.Committer
	workDir        string
	minSegments    int
	maxSegmentSize int64
}

// NewCompactor creates a compactor staging downloads in workDir.
func NewCompactor(committer *commit.Committer, workDir string, minSegments int, maxSegmentSize int64) *Compactor {
	return &Compactor{
		committer:      committer,
		workDir:        workDir,
		minSegments:    minSegments,
		maxSegmentSize: maxSegmentSize,
	}
}

// findJob returns the tenant's compaction candidates, or nil when the table
// does not need compaction.
func (c *Compactor) findJob(snap *tablelog.Snapshot, projectID string) *CompactionJob {
	var small []tablelog.SegmentMeta
	for _, seg := range snap.Segments {
		if seg.SizeBytes < c.maxSegmentSize {
			small = append(small, seg)
		}
	}
	if len(small) < c.minSegments {
		return nil
	}
	return &CompactionJob{ProjectID: projectID, Sources: small}
}

// CompactTenant runs one compaction for the tenant if it has enough small
// segments. Idempotent under crash/retry: a re-run sees either the old
// segments (and compacts again) or the already-compacted table (and does
// nothing); both end in the same state.
func (c *Compactor) CompactTenant(ctx context.Context, tenant *registry.Tenant) error {
	snap, err := tenant.Log.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	job := c.findJob(snap, tenant.ProjectID)
	if job == nil {
		return nil
	}

	records, err := c.readSources(ctx, tenant, job.Sources)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	removes := make([]string, len(job.Sources))
	for i, seg := range job.Sources {
		removes[i] = seg.Path
	}
	return c.committer.CommitCompaction(ctx, tenant.ProjectID, records, removes)
}

// readSources downloads the source segments and rebuilds their records,
// preserving timestamp order within each segment.
func (c *Compactor) readSources(ctx context.Context, tenant *registry.Tenant, sources []tablelog.SegmentMeta) ([]types.Record, error) {
	if err := os.MkdirAll(c.workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	var records []types.Record
	for _, src := range sources {
		localPath := filepath.Join(c.workDir, uuid.New().String()+".sqlite")
		if err := tenant.Store.Download(ctx, tenant.Log.ObjectPath(src.Path), localPath); err != nil {
			return nil, fmt.Errorf("failed to download %s: %w", src.Path, err)
		}

		segRecords, err := readAllRecords(ctx, localPath)
		os.Remove(localPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", src.Path, err)
		}
		records = append(records, segRecords...)
	}
	return records, nil
}

func readAllRecords(ctx context.Context, path string) ([]types.Record, error) {
	reader, err := segment.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	cursor, err := reader.Scan(ctx, segment.ScanOptions{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close()

	var records []types.Record
	for cursor.Next() {
		row, err := cursor.Row()
		if err != nil {
			return nil, err
		}
		rec, err := segment.RecordFromRow(cursor.Columns(), row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, cursor.Err()
}
