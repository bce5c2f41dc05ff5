// Package commit turns drained ingest batches into durable table commits:
// reconcile schema, build a segment file, upload it, publish a table log
// entry, then acknowledge the queue. Work for one tenant is serialized;
// distinct tenants commit in parallel.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	engineerrors "github.com/skylarkdb/skylark/internal/errors"
	"github.com/skylarkdb/skylark/internal/events"
	"github.com/skylarkdb/skylark/internal/registry"
	"github.com/skylarkdb/skylark/internal/segment"
	"github.com/skylarkdb/skylark/internal/tablelog"
	"github.com/skylarkdb/skylark/pkg/types"
)

// Acknowledger marks queue entries as committed. Satisfied by *queue.Queue.
type Acknowledger interface {
	Acknowledge(projectID string, upTo uint64) error
}

// Options configures commit retry behavior.
type Options struct {
	// MaxRetries bounds attempts when the table log version moves under us.
	MaxRetries int
	// RetryBackoff is the base backoff between attempts, doubled each time.
	RetryBackoff time.Duration
}

// Committer owns the write path from drained batch to committed table
// version.
type Committer struct {
	registry *registry.Registry
	builder  *segment.Builder
	ack      Acknowledger
	notifier *events.Notifier
	opts     Options

	mu          sync.Mutex
	tenantLocks map[string]*sync.Mutex
}

// New creates a committer building segments in workDir.
func New(reg *registry.Registry, builder *segment.Builder, ack Acknowledger, opts Options) *Committer {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	return &Committer{
		registry:    reg,
		builder:     builder,
		ack:         ack,
		opts:        opts,
		tenantLocks: make(map[string]*sync.Mutex),
	}
}

// WithNotifier publishes an event after every successful table commit.
func (c *Committer) WithNotifier(n *events.Notifier) *Committer {
	c.notifier = n
	return c
}

func (c *Committer) tenantLock(projectID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.tenantLocks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		c.tenantLocks[projectID] = lock
	}
	return lock
}

// CommitBatch makes one drained batch durable and visible, then acknowledges
// its queue entries. Redelivered batches whose key is already committed are
// acknowledged without writing anything, so a crash between commit and ack
// never duplicates data.
func (c *Committer) CommitBatch(ctx context.Context, batch types.FlushBatch) error {
	if len(batch.Entries) == 0 {
		return nil
	}

	lock := c.tenantLock(batch.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	tenant, err := c.registry.Resolve(ctx, batch.ProjectID)
	if err != nil {
		return err
	}

	snap, err := tenant.Log.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("commit: failed to load table state for %s: %w", batch.ProjectID, err)
	}

	// A crash between remote commit and local ack redelivers committed
	// entries, possibly re-batched with rows enqueued since. Drop everything
	// at or below the durable watermark so re-batching cannot make a row
	// visible twice.
	live := batch
	for len(live.Entries) > 0 && live.Entries[0].Seq <= snap.CommittedSeq {
		live.Entries = live.Entries[1:]
	}
	if dropped := len(batch.Entries) - len(live.Entries); dropped > 0 {
		log.Printf("commit: %s dropping %d redelivered rows at or below seq %d",
			batch.ProjectID, dropped, snap.CommittedSeq)
	}
	if len(live.Entries) == 0 {
		return c.acknowledge(batch)
	}

	batchKey := live.BatchKey()
	if snap.HasBatchKey(batchKey) {
		log.Printf("commit: batch %s for %s already committed, acknowledging", batchKey, batch.ProjectID)
		return c.acknowledge(batch)
	}

	records := live.Records()

	// Widen the schema first, in its own transaction, so the data commit
	// references a schema version that is already durable.
	snap, err = c.reconcileSchema(ctx, tenant, snap, records)
	if err != nil {
		return err
	}

	result, err := c.builder.Build(ctx, records, snap.Schema)
	if err != nil {
		return engineerrors.NewInternalError(
			fmt.Sprintf("segment build failed for %s", batch.ProjectID), err)
	}
	defer result.Cleanup()

	if err := c.upload(ctx, tenant, result); err != nil {
		return err
	}

	entry := tablelog.Entry{
		CommitID:  result.SegmentID,
		Operation: tablelog.OpIngest,
		BatchKey:  batchKey,
		LastSeq:   live.LastSeq(),
		Adds:      []tablelog.SegmentMeta{result.Meta},
	}
	committed, err := c.commitWithRetry(ctx, tenant, snap.Version, entry, batchKey)
	if err != nil {
		return err
	}
	if committed {
		log.Printf("commit: %s committed %d rows as %s (batch %s)",
			batch.ProjectID, result.Meta.RowCount, result.Meta.Path, batchKey)
	}
	return c.acknowledge(batch)
}

// CommitCompaction replaces the named segments with one segment built from
// their merged records. Goes through the same conflict-retry path as ingest.
func (c *Committer) CommitCompaction(ctx context.Context, projectID string, records []types.Record, removes []string) error {
	lock := c.tenantLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	tenant, err := c.registry.Resolve(ctx, projectID)
	if err != nil {
		return err
	}
	snap, err := tenant.Log.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("commit: failed to load table state for %s: %w", projectID, err)
	}

	result, err := c.builder.Build(ctx, records, snap.Schema)
	if err != nil {
		return engineerrors.NewInternalError(
			fmt.Sprintf("compaction build failed for %s", projectID), err)
	}
	defer result.Cleanup()

	if err := c.upload(ctx, tenant, result); err != nil {
		return err
	}

	entry := tablelog.Entry{
		CommitID:  result.SegmentID,
		Operation: tablelog.OpCompact,
		Adds:      []tablelog.SegmentMeta{result.Meta},
		Removes:   removes,
	}
	if _, err := c.commitWithRetry(ctx, tenant, snap.Version, entry, ""); err != nil {
		return err
	}
	log.Printf("commit: %s compacted %d segments into %s",
		projectID, len(removes), result.Meta.Path)
	return nil
}

// CommitVacuum publishes a tombstone-clearing entry after vacuum deleted the
// underlying files.
func (c *Committer) CommitVacuum(ctx context.Context, projectID string, cleared []string) error {
	if len(cleared) == 0 {
		return nil
	}
	lock := c.tenantLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	tenant, err := c.registry.Resolve(ctx, projectID)
	if err != nil {
		return err
	}
	snap, err := tenant.Log.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("commit: failed to load table state for %s: %w", projectID, err)
	}

	entry := tablelog.Entry{
		Operation:       tablelog.OpVacuum,
		ClearTombstones: cleared,
	}
	_, err = c.commitWithRetry(ctx, tenant, snap.Version, entry, "")
	return err
}

// CommitRetention removes segments that aged out of the retention window.
// No replacement segment is built; the rows are simply gone at the next
// version.
func (c *Committer) CommitRetention(ctx context.Context, projectID string, removes []string) error {
	if len(removes) == 0 {
		return nil
	}
	lock := c.tenantLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	tenant, err := c.registry.Resolve(ctx, projectID)
	if err != nil {
		return err
	}
	snap, err := tenant.Log.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("commit: failed to load table state for %s: %w", projectID, err)
	}

	entry := tablelog.Entry{
		Operation: tablelog.OpRetire,
		Removes:   removes,
	}
	if _, err := c.commitWithRetry(ctx, tenant, snap.Version, entry, ""); err != nil {
		return err
	}
	log.Printf("commit: %s retired %d expired segments", projectID, len(removes))
	return nil
}

// LockTenant takes the tenant's commit lock and returns the unlock func.
// Vacuum holds it while sweeping orphan uploads so it cannot race a commit
// that is between upload and log write.
func (c *Committer) LockTenant(projectID string) func() {
	lock := c.tenantLock(projectID)
	lock.Lock()
	return lock.Unlock
}

// reconcileSchema widens the tenant schema to cover the batch's extra
// columns. A storage-class conflict is SCHEMA_INCOMPATIBLE and not
// retryable.
func (c *Committer) reconcileSchema(ctx context.Context, tenant *registry.Tenant, snap *tablelog.Snapshot, records []types.Record) (*tablelog.Snapshot, error) {
	extras, err := types.ExtraColumns(records)
	if err != nil {
		return nil, engineerrors.NewSchemaIncompatible("batch declares conflicting column types", err)
	}
	if len(extras) == 0 {
		return snap, nil
	}

	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		merged, widened, err := snap.Schema.Merge(extras)
		if err != nil {
			return nil, engineerrors.NewSchemaIncompatible(
				fmt.Sprintf("cannot widen schema for %s", tenant.ProjectID), err)
		}
		if !widened {
			return snap, nil
		}

		next, err := tenant.Log.Commit(ctx, snap.Version, tablelog.Entry{
			Operation: tablelog.OpWiden,
			Schema:    &merged,
		})
		if err == nil {
			log.Printf("commit: %s schema widened to version %d (+%d columns)",
				tenant.ProjectID, merged.Version, len(extras))
			return next, nil
		}
		if !errors.Is(err, tablelog.ErrVersionConflict) {
			return nil, fmt.Errorf("commit: schema widen failed for %s: %w", tenant.ProjectID, err)
		}

		// Someone else committed; reread and re-merge, they may even have
		// added the same columns.
		c.backoff(ctx, attempt)
		snap, err = tenant.Log.Refresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("commit: failed to refresh after widen conflict: %w", err)
		}
	}
	return nil, engineerrors.NewCommitConflict(tenant.ProjectID, c.opts.MaxRetries)
}

func (c *Committer) upload(ctx context.Context, tenant *registry.Tenant, result *segment.BuildResult) error {
	if _, err := tenant.Store.UploadMultipart(ctx, result.LocalPath, tenant.Log.ObjectPath(result.Meta.Path)); err != nil {
		return engineerrors.NewStorageError(engineerrors.CodeUploadFailed,
			fmt.Sprintf("segment upload failed for %s", tenant.ProjectID), err)
	}
	if err := tenant.Store.Upload(ctx, result.LocalBloomPath, tenant.Log.ObjectPath(result.Meta.BloomPath)); err != nil {
		return engineerrors.NewStorageError(engineerrors.CodeUploadFailed,
			fmt.Sprintf("bloom upload failed for %s", tenant.ProjectID), err)
	}
	return nil
}

// commitWithRetry publishes the entry, retrying with backoff while other
// writers win the version race. Returns false when a batch key turned out to
// be already committed (uploaded segment becomes an orphan for vacuum).
func (c *Committer) commitWithRetry(ctx context.Context, tenant *registry.Tenant, base int64, entry tablelog.Entry, batchKey string) (bool, error) {
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		snap, err := tenant.Log.Commit(ctx, base, entry)
		if err == nil {
			c.notify(tenant.ProjectID, entry.Operation, snap.Version)
			return true, nil
		}
		if !errors.Is(err, tablelog.ErrVersionConflict) {
			return false, fmt.Errorf("commit: log write failed for %s: %w", tenant.ProjectID, err)
		}

		c.backoff(ctx, attempt)
		snap, err = tenant.Log.Refresh(ctx)
		if err != nil {
			return false, fmt.Errorf("commit: failed to refresh after conflict: %w", err)
		}
		if batchKey != "" && snap.HasBatchKey(batchKey) {
			log.Printf("commit: batch %s for %s committed by another writer", batchKey, tenant.ProjectID)
			return false, nil
		}
		base = snap.Version
	}
	return false, engineerrors.NewCommitConflict(tenant.ProjectID, c.opts.MaxRetries)
}

func (c *Committer) notify(projectID, operation string, version int64) {
	if c.notifier == nil {
		return
	}
	var typ events.Type
	switch operation {
	case tablelog.OpIngest:
		typ = events.IngestCommitted
	case tablelog.OpCompact:
		typ = events.CompactionCommitted
	case tablelog.OpVacuum:
		typ = events.VacuumCommitted
	case tablelog.OpRetire:
		typ = events.RetentionCommitted
	default:
		return
	}
	c.notifier.Publish(events.Event{
		Type:      typ,
		ProjectID: projectID,
		Version:   version,
		Timestamp: time.Now().UnixNano(),
	})
}

func (c *Committer) backoff(ctx context.Context, attempt int) {
	d := c.opts.RetryBackoff * time.Duration(1<<uint(attempt))
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func (c *Committer) acknowledge(batch types.FlushBatch) error {
	if c.ack == nil {
		return nil
	}
	if err := c.ack.Acknowledge(batch.ProjectID, batch.LastSeq()); err != nil {
		return fmt.Errorf("commit: failed to acknowledge batch %s: %w", batch.BatchKey(), err)
	}
	return nil
}
