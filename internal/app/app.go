// Package app wires the engine's components together and manages their
// lifecycle for a single process.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	httpapi "github.com/skylarkdb/skylark/internal/api/http"
	"github.com/skylarkdb/skylark/internal/cache"
	"github.com/skylarkdb/skylark/internal/catalog"
	"github.com/skylarkdb/skylark/internal/commit"
	"github.com/skylarkdb/skylark/internal/config"
	"github.com/skylarkdb/skylark/internal/events"
	"github.com/skylarkdb/skylark/internal/maintenance"
	"github.com/skylarkdb/skylark/internal/observability"
	"github.com/skylarkdb/skylark/internal/provider"
	"github.com/skylarkdb/skylark/internal/queue"
	"github.com/skylarkdb/skylark/internal/registry"
	"github.com/skylarkdb/skylark/internal/segment"
	"github.com/skylarkdb/skylark/internal/server"
	"github.com/skylarkdb/skylark/internal/storage"
)

// App manages the engine's service lifecycles for one process. Which
// services run is decided by the configured mode; shared resources are
// initialized once regardless.
type App struct {
	cfg *config.Config

	// Shared resources
	storage  storage.ObjectStorage
	registry *registry.Registry
	catalog  *catalog.Catalog
	pins     *provider.Pins
	notifier *events.Notifier
	shutdown *server.ShutdownManager

	// Service components
	queue     *queue.Queue
	committer *commit.Committer
	scheduler *maintenance.Scheduler
	relation  *provider.UnionRelation
	segCache  *cache.SegmentCache
	scanStats *observability.ScanStats
	srv       *http.Server

	mu      sync.Mutex
	running bool
	serveWg sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{cfg: cfg}, nil
}

// Start initializes shared resources and starts all configured services.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	if err := a.initSharedResources(ctx); err != nil {
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}

	if a.cfg.ShouldRunIngest() || a.cfg.ShouldRunMaintenance() {
		if err := a.initIngestPipeline(); err != nil {
			return fmt.Errorf("failed to initialize ingest pipeline: %w", err)
		}
	}
	if a.cfg.ShouldRunQuery() {
		if err := a.initQueryProvider(); err != nil {
			return fmt.Errorf("failed to initialize query provider: %w", err)
		}
	}
	if a.cfg.ShouldRunMaintenance() {
		if err := a.startMaintenance(ctx); err != nil {
			return fmt.Errorf("failed to start maintenance scheduler: %w", err)
		}
	}

	a.startHTTP()
	log.Printf("app: started in %s mode on %s", a.cfg.Mode, a.cfg.HTTP.AdminAddr)
	return nil
}

// initSharedResources initializes storage, the tenant registry, and the
// shutdown manager.
func (a *App) initSharedResources(ctx context.Context) error {
	var opener registry.StorageOpener

	switch a.cfg.Storage.Type {
	case "local":
		store, err := storage.NewLocalStorage(a.cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize local storage: %w", err)
		}
		a.storage = store

	case "s3":
		s3cfg := storage.DefaultS3Config()
		s3cfg.Region = a.cfg.Storage.S3.Region
		s3cfg.Endpoint = a.cfg.Storage.S3.Endpoint
		s3cfg.AccessKeyID = a.cfg.Storage.S3.AccessKeyID
		s3cfg.SecretAccessKey = a.cfg.Storage.S3.SecretAccessKey
		s3cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
		store, err := storage.NewS3Storage(ctx, a.cfg.Storage.S3.Bucket, s3cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		// Fail fast on unreachable or misconfigured buckets rather than on
		// the first flush.
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("s3 bucket %s unreachable: %w", a.cfg.Storage.S3.Bucket, err)
		}
		a.storage = store
		opener = registry.S3Opener()

	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	log.Printf("app: storage initialized: type=%s", a.cfg.Storage.Type)

	a.registry = registry.New(a.storage, a.cfg.Storage.TablePrefix, opener)
	a.pins = provider.NewPins()
	a.notifier = events.NewNotifier(256)
	a.shutdown = server.NewShutdownManager(0, 0)
	return nil
}

// initIngestPipeline opens the durable buffer and the table committer.
func (a *App) initIngestPipeline() error {
	q, err := queue.NewQueue(a.cfg.Queue.Dir, queue.Options{
		MaxBytes:        a.cfg.Queue.MaxBytes,
		MaxSegmentBytes: a.cfg.Queue.MaxSegmentBytes,
		FlushRows:       a.cfg.Queue.FlushRows,
		FlushBytes:      a.cfg.Queue.FlushBytes,
		MaxDelay:        a.cfg.Queue.MaxDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to open ingest buffer: %w", err)
	}
	a.queue = q
	a.shutdown.RegisterCloser(q)

	a.committer = commit.New(a.registry, segment.NewBuilder(a.cfg.Commit.WorkDir), q, commit.Options{
		MaxRetries:   a.cfg.Commit.MaxRetries,
		RetryBackoff: a.cfg.Commit.RetryBackoff,
	}).WithNotifier(a.notifier)
	log.Printf("app: ingest buffer open: dir=%s budget=%d bytes", a.cfg.Queue.Dir, a.cfg.Queue.MaxBytes)
	return nil
}

// initQueryProvider opens the pruning catalog and the union relation.
func (a *App) initQueryProvider() error {
	cat, err := catalog.Open(a.cfg.CatalogPath())
	if err != nil {
		return fmt.Errorf("failed to open pruning catalog: %w", err)
	}
	a.catalog = cat
	a.shutdown.RegisterCloser(cat)

	a.scanStats = observability.NewScanStats(time.Hour)
	a.relation = provider.NewUnionRelation(a.registry, cat, a.pins, a.cfg.Query.ScratchDir).
		WithStats(a.scanStats)

	if a.cfg.Query.CacheBytes > 0 {
		segCache, err := cache.NewSegmentCache(filepath.Join(a.cfg.Query.ScratchDir, "cache"), a.cfg.Query.CacheBytes)
		if err != nil {
			return fmt.Errorf("failed to open segment cache: %w", err)
		}
		a.segCache = segCache
		a.relation.WithCache(segCache)
		a.shutdown.RegisterCloser(segCache)
	}
	log.Printf("app: query provider ready: catalog=%s cache=%d bytes", a.cfg.CatalogPath(), a.cfg.Query.CacheBytes)
	return nil
}

// startMaintenance starts the background flush/compact/vacuum scheduler.
func (a *App) startMaintenance(ctx context.Context) error {
	compactor := maintenance.NewCompactor(
		a.committer,
		a.cfg.Commit.WorkDir,
		a.cfg.Maintenance.CompactMinSegments,
		a.cfg.Maintenance.CompactMaxSegmentSize,
	)
	a.scheduler = maintenance.NewScheduler(maintenance.Options{
		FlushInterval:         a.cfg.Maintenance.FlushInterval,
		CompactInterval:       a.cfg.Maintenance.CompactInterval,
		VacuumInterval:        a.cfg.Maintenance.VacuumInterval,
		CompactMinSegments:    a.cfg.Maintenance.CompactMinSegments,
		CompactMaxSegmentSize: a.cfg.Maintenance.CompactMaxSegmentSize,
		TombstoneRetention:    a.cfg.Maintenance.TombstoneRetention,
		RetentionDays:         a.cfg.Maintenance.RetentionDays,
	}, a.queue, a.committer, a.registry, compactor, a.pins).WithNotifier(a.notifier)

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	// Registered after the queue so shutdown stops the scheduler (and its
	// final backlog flush) before the queue log closes.
	a.shutdown.RegisterCloser(server.CloserFunc(a.scheduler.Stop))
	return nil
}

// startHTTP assembles the HTTP surface for the configured mode and serves it.
func (a *App) startHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/healthz", httpapi.DefaultMiddleware(httpapi.NewHealthHandler(a.bufferStats(), a.registry)))
	mux.Handle("/v1/projects", httpapi.DefaultMiddleware(httpapi.NewProjectsHandler(a.registry)))
	mux.Handle("/v1/stats", httpapi.DefaultMiddleware(httpapi.NewStatsHandler(a.scanStats, a.segCache)))
	if a.cfg.ShouldRunIngest() {
		mux.Handle("/v1/ingest", a.wrap(httpapi.NewIngestHandler(a.queue)))
	}
	if a.cfg.ShouldRunQuery() {
		mux.Handle("/v1/query", a.wrap(httpapi.NewQueryHandler(a.relation)))
	}

	a.srv = &http.Server{
		Addr:         a.cfg.HTTP.AdminAddr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.serveWg.Add(1)
	go func() {
		defer a.serveWg.Done()
		if err := server.Serve(a.srv, a.shutdown); err != nil {
			log.Printf("app: http server error: %v", err)
		}
	}()
}

func (a *App) wrap(h http.Handler) http.Handler {
	return httpapi.ChainMiddleware(h,
		server.Middleware(a.shutdown),
		httpapi.RequestIDMiddleware,
		httpapi.RecoveryMiddleware,
		httpapi.ContentTypeMiddleware,
	)
}

// bufferStats returns the ingest buffer for health reporting, nil when this
// process runs without one.
func (a *App) bufferStats() httpapi.BufferStats {
	if a.queue == nil {
		return nil
	}
	return a.queue
}

// Run blocks until the context is cancelled or a termination signal arrives,
// then shuts everything down in order.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	err := a.shutdown.ListenForSignals(ctx)
	a.serveWg.Wait()
	log.Printf("app: shutdown complete")
	return err
}

// Shutdown stops all services. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.shutdown.Shutdown(ctx)
	a.serveWg.Wait()
	return err
}
