// Package maintenance runs the background loops that keep tenant tables
// healthy: flushing stale ingest batches, compacting small segments, and
// vacuuming dead files. Per-tenant failures are logged and retried next
// cycle, never fatal to the process.
package maintenance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/skylarkdb/skylark/internal/commit"
	"github.com/skylarkdb/skylark/internal/events"
	"github.com/skylarkdb/skylark/internal/provider"
	"github.com/skylarkdb/skylark/internal/queue"
	"github.com/skylarkdb/skylark/internal/registry"
)

// Options configures the maintenance loops.
type Options struct {
	FlushInterval   time.Duration
	CompactInterval time.Duration
	VacuumInterval  time.Duration

	// CompactMinSegments triggers compaction once a tenant accumulates this
	// many segments below CompactMaxSegmentSize.
	CompactMinSegments    int
	CompactMaxSegmentSize int64

	// TombstoneRetention is how long removed segments stay on storage
	// before vacuum deletes the files.
	TombstoneRetention time.Duration

	// RetentionDays drops segments wholly older than the window; 0 keeps
	// everything.
	RetentionDays int
}

// Scheduler owns the flush, compact, and vacuum loops.
type Scheduler struct {
	opts      Options
	queue     *queue.Queue
	committer *commit.Committer
	registry  *registry.Registry
	compactor *Compactor
	pins      *provider.Pins
	notifier  *events.Notifier

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a scheduler. pins may be nil when no query provider
// runs in this process.
func NewScheduler(opts Options, q *queue.Queue, committer *commit.Committer, reg *registry.Registry, compactor *Compactor, pins *provider.Pins) *Scheduler {
	return &Scheduler{
		opts:      opts,
		queue:     q,
		committer: committer,
		registry:  reg,
		compactor: compactor,
		pins:      pins,
	}
}

// WithNotifier makes the scheduler react to ingest commits with an immediate
// compaction check for the written tenant, instead of waiting for the next
// compaction tick.
func (s *Scheduler) WithNotifier(n *events.Notifier) *Scheduler {
	s.notifier = n
	return s
}

// Start launches the loops. Runs until the context is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("maintenance: scheduler is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop flushes the remaining backlog and stops the loops.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	<-s.done
	s.running = false

	// Final flush so acknowledged-but-uncommitted entries do not wait for
	// the next process start.
	if s.queue != nil {
		s.flushBacklog(context.Background())
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	flush := time.NewTicker(s.opts.FlushInterval)
	compact := time.NewTicker(s.opts.CompactInterval)
	vacuum := time.NewTicker(s.opts.VacuumInterval)
	defer flush.Stop()
	defer compact.Stop()
	defer vacuum.Stop()

	var commits <-chan events.Event
	if s.notifier != nil {
		sub := s.notifier.Subscribe()
		defer s.notifier.Unsubscribe(sub.ID)
		commits = sub.Ch
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			s.FlushOnce(ctx)
		case <-compact.C:
			s.CompactOnce(ctx)
		case <-vacuum.C:
			s.VacuumOnce(ctx)
		case ev := <-commits:
			if ev.Type == events.IngestCommitted {
				s.compactProject(ctx, ev.ProjectID)
			}
		}
	}
}

// compactProject runs one compaction check for a single tenant.
func (s *Scheduler) compactProject(ctx context.Context, projectID string) {
	if s.compactor == nil {
		return
	}
	tenant, err := s.registry.Resolve(ctx, projectID)
	if err != nil {
		log.Printf("maintenance: resolve %s for compaction: %v", projectID, err)
		return
	}
	if err := s.compactor.CompactTenant(ctx, tenant); err != nil {
		log.Printf("maintenance: compaction failed for %s: %v", projectID, err)
	}
}

// FlushOnce commits every batch the queue reports ready.
func (s *Scheduler) FlushOnce(ctx context.Context) {
	if s.queue == nil {
		return
	}
	for _, batch := range s.queue.ReadyBatches(time.Now()) {
		if err := s.committer.CommitBatch(ctx, batch); err != nil {
			log.Printf("maintenance: flush failed for %s (%s): %v",
				batch.ProjectID, batch.BatchKey(), err)
		}
	}
}

func (s *Scheduler) flushBacklog(ctx context.Context) {
	for _, batch := range s.queue.DrainAll() {
		if err := s.committer.CommitBatch(ctx, batch); err != nil {
			log.Printf("maintenance: shutdown flush failed for %s: %v", batch.ProjectID, err)
		}
	}
}

// CompactOnce runs one compaction pass over every resolved tenant.
func (s *Scheduler) CompactOnce(ctx context.Context) {
	if s.compactor == nil {
		return
	}
	for _, tenant := range s.registry.Tenants() {
		if err := s.compactor.CompactTenant(ctx, tenant); err != nil {
			log.Printf("maintenance: compaction failed for %s: %v", tenant.ProjectID, err)
		}
	}
}

// VacuumOnce sweeps expired tombstones, orphan uploads, and (when retention
// is configured) aged-out segments for every resolved tenant.
func (s *Scheduler) VacuumOnce(ctx context.Context) {
	for _, tenant := range s.registry.Tenants() {
		if err := s.vacuumTenant(ctx, tenant); err != nil {
			log.Printf("maintenance: vacuum failed for %s: %v", tenant.ProjectID, err)
		}
	}
}
