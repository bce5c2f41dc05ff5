// Package cache provides a local disk cache for downloaded segment files, so
// repeated scans of the same segments skip the object-store round trip.
package cache

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"
)

// Metrics holds cache counters for observability.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	Entries   atomic.Int64
	SizeBytes atomic.Int64
}

type entry struct {
	localPath   string
	sizeBytes   int64
	lastAccess  atomic.Int64 // unix nanos
	accessCount atomic.Int64
}

// SegmentCache is a size-bounded cache of immutable segment files keyed by
// tenant-qualified object path. Eviction may unlink a file while a reader
// still holds it open; the open descriptor keeps the data readable, only the
// directory entry goes away.
type SegmentCache struct {
	dir      string
	maxBytes int64
	metrics  Metrics

	index sync.Map // key → *entry

	fillMu    sync.Mutex
	fillLocks map[string]*sync.Mutex

	evictCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSegmentCache creates a cache rooted at dir, holding at most maxBytes of
// segment files. Files already present in dir are adopted into the index.
func NewSegmentCache(dir string, maxBytes int64) (*SegmentCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache: maxBytes must be positive, got %d", maxBytes)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}

	c := &SegmentCache{
		dir:       dir,
		maxBytes:  maxBytes,
		fillLocks: make(map[string]*sync.Mutex),
		evictCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	if err := c.adoptExisting(); err != nil {
		return nil, fmt.Errorf("cache: scan existing files: %w", err)
	}

	c.wg.Add(1)
	go c.evictionWorker()
	return c, nil
}

// Close stops the eviction worker. Cached files stay on disk for the next
// process start.
func (c *SegmentCache) Close() error {
	close(c.stopCh)
	c.wg.Wait()
	return nil
}

// adoptExisting rebuilds the index from files left by a previous run. The
// original keys are gone, so adopted entries are indexed by file name; they
// still count against the budget and age out normally.
func (c *SegmentCache) adoptExisting() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	now := time.Now().UnixNano()
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		e := &entry{
			localPath: filepath.Join(c.dir, de.Name()),
			sizeBytes: info.Size(),
		}
		e.lastAccess.Store(now)
		c.index.Store(de.Name(), e)
		c.metrics.SizeBytes.Add(info.Size())
		c.metrics.Entries.Add(1)
	}
	return nil
}

// Get returns the local path for a cached segment, or "" when absent.
func (c *SegmentCache) Get(key string) (string, bool) {
	v, ok := c.index.Load(key)
	if !ok {
		c.metrics.Misses.Add(1)
		return "", false
	}
	e := v.(*entry)
	e.lastAccess.Store(time.Now().UnixNano())
	e.accessCount.Add(1)
	c.metrics.Hits.Add(1)
	return e.localPath, true
}

// GetOrFill returns the cached path for key, downloading it through fill on a
// miss. Concurrent callers for the same key share one fill.
func (c *SegmentCache) GetOrFill(key string, fill func(dst string) error) (string, error) {
	if path, ok := c.Get(key); ok {
		return path, nil
	}

	lock := c.fillLock(key)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have filled while we waited.
	if v, ok := c.index.Load(key); ok {
		return v.(*entry).localPath, nil
	}

	dst := filepath.Join(c.dir, c.fileName(key))
	if err := fill(dst); err != nil {
		os.Remove(dst)
		return "", err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return "", fmt.Errorf("cache: stat filled file: %w", err)
	}

	e := &entry{localPath: dst, sizeBytes: info.Size()}
	e.lastAccess.Store(time.Now().UnixNano())
	e.accessCount.Store(1)
	c.index.Store(key, e)
	c.metrics.SizeBytes.Add(info.Size())
	c.metrics.Entries.Add(1)

	if c.metrics.SizeBytes.Load() > c.maxBytes {
		select {
		case c.evictCh <- struct{}{}:
		default:
		}
	}
	return dst, nil
}

func (c *SegmentCache) fillLock(key string) *sync.Mutex {
	c.fillMu.Lock()
	defer c.fillMu.Unlock()
	lock, ok := c.fillLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.fillLocks[key] = lock
	}
	return lock
}

// Invalidate drops a cached segment, for paths vacuum has deleted remotely.
func (c *SegmentCache) Invalidate(key string) {
	v, ok := c.index.LoadAndDelete(key)
	if !ok {
		return
	}
	e := v.(*entry)
	if err := os.Remove(e.localPath); err == nil {
		c.metrics.SizeBytes.Add(-e.sizeBytes)
		c.metrics.Entries.Add(-1)
	}
}

func (c *SegmentCache) evictionWorker() {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.evictCh:
			c.evictToTarget()
		case <-ticker.C:
			c.evictToTarget()
		}
	}
}

// evictToTarget removes cold entries until the cache is at 90% of budget,
// least-used first.
func (c *SegmentCache) evictToTarget() {
	target := int64(float64(c.maxBytes) * 0.9)
	if c.metrics.SizeBytes.Load() <= target {
		return
	}

	type candidate struct {
		key        string
		e          *entry
		lastAccess int64
		count      int64
	}
	var candidates []candidate
	c.index.Range(func(k, v interface{}) bool {
		e := v.(*entry)
		candidates = append(candidates, candidate{
			key:        k.(string),
			e:          e,
			lastAccess: e.lastAccess.Load(),
			count:      e.accessCount.Load(),
		})
		return true
	})
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count < candidates[j].count
		}
		return candidates[i].lastAccess < candidates[j].lastAccess
	})

	for _, cand := range candidates {
		if c.metrics.SizeBytes.Load() <= target {
			return
		}
		if _, ok := c.index.LoadAndDelete(cand.key); !ok {
			continue
		}
		if err := os.Remove(cand.e.localPath); err != nil && !os.IsNotExist(err) {
			log.Printf("cache: evict %s: %v", cand.key, err)
			continue
		}
		c.metrics.SizeBytes.Add(-cand.e.sizeBytes)
		c.metrics.Entries.Add(-1)
		c.metrics.Evictions.Add(1)
	}
}

// Stats returns current cache counters.
func (c *SegmentCache) Stats() (hits, misses, evictions, entries, sizeBytes int64) {
	return c.metrics.Hits.Load(), c.metrics.Misses.Load(), c.metrics.Evictions.Load(),
		c.metrics.Entries.Load(), c.metrics.SizeBytes.Load()
}

// HitRate returns the hit rate as a fraction in [0, 1].
func (c *SegmentCache) HitRate() float64 {
	hits := c.metrics.Hits.Load()
	total := hits + c.metrics.Misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// fileName derives a stable on-disk name from the cache key. Keys contain
// slashes, so they are hashed rather than sanitized.
func (c *SegmentCache) fileName(key string) string {
	h1, h2 := murmur3.Sum128([]byte(key))
	return fmt.Sprintf("%016x%016x.sqlite", h1, h2)
}
