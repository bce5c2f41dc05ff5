package provider

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/skylarkdb/skylark/internal/bloom"
	"github.com/skylarkdb/skylark/internal/cache"
	"github.com/skylarkdb/skylark/internal/catalog"
	"github.com/skylarkdb/skylark/internal/observability"
	"github.com/skylarkdb/skylark/internal/registry"
	"github.com/skylarkdb/skylark/internal/segment"
	"github.com/skylarkdb/skylark/internal/tablelog"
	engineerrors "github.com/skylarkdb/skylark/internal/errors"
	"github.com/skylarkdb/skylark/pkg/types"
)

// UnionRelation exposes all tenant tables as one wide relation. A
// `project_id` equality predicate scopes the scan to named tenants;
// without one, every resolved tenant is scanned. Each tenant's snapshot is
// pinned for the lifetime of the cursor, so vacuum cannot delete files a
// running scan still needs.
type UnionRelation struct {
	registry   *registry.Registry
	catalog    *catalog.Catalog
	pins       *Pins
	scratchDir string
	segCache   *cache.SegmentCache
	stats      *observability.ScanStats
}

// NewUnionRelation creates the relation. scratchDir receives downloaded
// segment files for the duration of a scan.
func NewUnionRelation(reg *registry.Registry, cat *catalog.Catalog, pins *Pins, scratchDir string) *UnionRelation {
	return &UnionRelation{registry: reg, catalog: cat, pins: pins, scratchDir: scratchDir}
}

// WithCache routes segment downloads through a local cache instead of
// per-scan scratch files.
func (u *UnionRelation) WithCache(c *cache.SegmentCache) *UnionRelation {
	u.segCache = c
	return u
}

// WithStats records predicate and pruning statistics on every scan.
func (u *UnionRelation) WithStats(s *observability.ScanStats) *UnionRelation {
	u.stats = s
	return u
}

// Schema returns the union of all resolved tenant schemas: the base columns
// plus every widened column any tenant has.
func (u *UnionRelation) Schema(ctx context.Context) (types.Schema, error) {
	merged := types.BaseSchema()
	for _, tenant := range u.registry.Tenants() {
		snap, err := tenant.Log.Refresh(ctx)
		if err != nil {
			return types.Schema{}, fmt.Errorf("provider: failed to load schema for %s: %w", tenant.ProjectID, err)
		}
		next, _, err := merged.Merge(snap.Schema.Columns)
		if err != nil {
			return types.Schema{}, engineerrors.NewSchemaIncompatible(
				fmt.Sprintf("tenant %s schema conflicts with union", tenant.ProjectID), err)
		}
		merged = next
	}
	return merged, nil
}

// Statistics sums cached snapshot statistics across tenants.
func (u *UnionRelation) Statistics(ctx context.Context) (Statistics, error) {
	var stats Statistics
	for _, tenant := range u.registry.Tenants() {
		snap, err := tenant.Log.Refresh(ctx)
		if err != nil {
			continue
		}
		stats.TenantCount++
		stats.SegmentCount += len(snap.Segments)
		for _, seg := range snap.Segments {
			stats.RowCount += seg.RowCount
			stats.SizeBytes += seg.SizeBytes
		}
	}
	return stats, nil
}

// SupportsPredicate reports pushdown capability per column. Comparisons on
// regular columns are exact; the attributes blob is opaque to the relation.
func (u *UnionRelation) SupportsPredicate(p Predicate) PushdownSupport {
	switch p.Op {
	case "=", "!=", "<", "<=", ">", ">=":
	default:
		return PushdownUnsupported
	}
	if p.Column == "attributes" {
		return PushdownUnsupported
	}
	if p.Column == "project_id" && p.Op != "=" {
		// Tenant scoping is equality-only; other ops fall to the engine.
		return PushdownUnsupported
	}
	return PushdownExact
}

// tenantScan is the per-tenant work list resolved at scan start.
type tenantScan struct {
	tenant   *registry.Tenant
	segments []tablelog.SegmentMeta
	pruned   int
	release  func()
}

// Scan resolves scoped tenants, prunes segments via the catalog and bloom
// sidecars, and returns a cursor over the union. An unreachable tenant
// contributes a warning and no rows, unless it is the only scoped tenant.
func (u *UnionRelation) Scan(ctx context.Context, spec ScanSpec) (RowCursor, error) {
	for _, p := range spec.Predicates {
		if u.SupportsPredicate(p) == PushdownUnsupported {
			return nil, engineerrors.NewQueryError(engineerrors.CodeUnsupportedScan,
				fmt.Sprintf("predicate %s %s is not supported", p.Column, p.Op))
		}
	}

	if u.stats != nil {
		for _, p := range spec.Predicates {
			u.stats.RecordPredicate(p.Column, p.Op)
		}
	}

	scopedProjects, minTS, maxTS, ids, filters := splitPredicates(spec.Predicates)

	projection := spec.Projection
	if len(projection) == 0 {
		merged, err := u.Schema(ctx)
		if err != nil {
			return nil, err
		}
		projection = merged.ColumnNames()
	}

	var warnings []string
	var plans []*tenantScan

	tenants, soleTenantErr := u.scopedTenants(ctx, scopedProjects, &warnings)
	if soleTenantErr != nil {
		return nil, soleTenantErr
	}

	for _, tenant := range tenants {
		plan, err := u.planTenant(ctx, tenant, minTS, maxTS, ids)
		if err != nil {
			if len(scopedProjects) == 1 {
				return nil, err
			}
			warnings = append(warnings, fmt.Sprintf("tenant %s: %v", tenant.ProjectID, err))
			log.Printf("provider: skipping tenant %s: %v", tenant.ProjectID, err)
			continue
		}
		if plan != nil {
			plans = append(plans, plan)
		}
	}

	if u.stats != nil {
		scanned, pruned := 0, 0
		for _, plan := range plans {
			scanned += len(plan.segments)
			pruned += plan.pruned
		}
		u.stats.RecordScan(scanned, pruned)
	}

	return &unionCursor{
		ctx:        ctx,
		relation:   u,
		plans:      plans,
		projection: projection,
		ids:        ids,
		filters:    filters,
		limit:      spec.Limit,
		warnings:   warnings,
	}, nil
}

// scopedTenants resolves the tenants a scan covers. A single scoped tenant
// that cannot be resolved fails the scan; with multiple (or all) tenants,
// failures degrade to warnings.
func (u *UnionRelation) scopedTenants(ctx context.Context, scoped []string, warnings *[]string) ([]*registry.Tenant, error) {
	if len(scoped) == 0 {
		return u.registry.Tenants(), nil
	}
	var tenants []*registry.Tenant
	for _, projectID := range scoped {
		tenant, err := u.registry.Resolve(ctx, projectID)
		if err != nil {
			if len(scoped) == 1 {
				return nil, err
			}
			*warnings = append(*warnings, fmt.Sprintf("tenant %s: %v", projectID, err))
			continue
		}
		tenants = append(tenants, tenant)
	}
	return tenants, nil
}

// planTenant pins the tenant's current snapshot and prunes its segments.
func (u *UnionRelation) planTenant(ctx context.Context, tenant *registry.Tenant, minTS, maxTS *int64, ids []string) (*tenantScan, error) {
	snap, err := tenant.Log.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	segments := snap.Segments
	if u.catalog != nil {
		synced, err := u.catalog.SyncedVersion(ctx, tenant.ProjectID)
		if err == nil && synced < snap.Version {
			if err := u.catalog.SyncSnapshot(ctx, tenant.ProjectID, snap); err != nil {
				log.Printf("provider: catalog sync failed for %s: %v", tenant.ProjectID, err)
			}
		}
		lo, hi := boundsOrOpen(minTS, maxTS)
		pruned, err := u.catalog.FindSegments(ctx, tenant.ProjectID, lo, hi)
		if err == nil {
			segments = pruned
		}
	} else {
		segments = pruneByTimestamp(segments, minTS, maxTS)
	}

	if len(ids) > 0 {
		segments = u.pruneByBloom(ctx, tenant, segments, ids)
	}
	pruned := len(snap.Segments) - len(segments)
	if len(segments) == 0 {
		// Keep the plan so pruning still shows up in scan statistics; the
		// cursor skips tenants with no segments.
		return &tenantScan{tenant: tenant, pruned: pruned, release: func() {}}, nil
	}

	paths := make([]string, len(segments))
	for i, seg := range segments {
		paths[i] = seg.Path
	}
	release := func() {}
	if u.pins != nil {
		release = u.pins.Pin(tenant.ProjectID, paths)
	}
	return &tenantScan{tenant: tenant, segments: segments, pruned: pruned, release: release}, nil
}

// pruneByBloom drops segments whose id filter proves none of the wanted ids
// are present. A missing or unreadable sidecar keeps the segment.
func (u *UnionRelation) pruneByBloom(ctx context.Context, tenant *registry.Tenant, segments []tablelog.SegmentMeta, ids []string) []tablelog.SegmentMeta {
	var kept []tablelog.SegmentMeta
	for _, seg := range segments {
		if seg.BloomPath == "" {
			kept = append(kept, seg)
			continue
		}
		data, err := tenant.Store.GetBytes(ctx, tenant.Log.ObjectPath(seg.BloomPath))
		if err != nil {
			kept = append(kept, seg)
			continue
		}
		filter, err := bloom.Deserialize(data)
		if err != nil {
			kept = append(kept, seg)
			continue
		}
		for _, id := range ids {
			if filter.Contains([]byte(id)) {
				kept = append(kept, seg)
				break
			}
		}
	}
	return kept
}

func splitPredicates(preds []Predicate) (scoped []string, minTS, maxTS *int64, ids []string, rest []segment.Filter) {
	for _, p := range preds {
		switch {
		case p.Column == "project_id" && p.Op == "=":
			if s, ok := p.Value.(string); ok {
				scoped = append(scoped, s)
			}
		case p.Column == "id" && p.Op == "=":
			if s, ok := p.Value.(string); ok {
				ids = append(ids, s)
			}
			rest = append(rest, segment.Filter{Column: p.Column, Op: p.Op, Value: p.Value})
		case p.Column == "timestamp":
			if v, ok := toInt64(p.Value); ok {
				switch p.Op {
				case ">=", ">":
					if minTS == nil || v > *minTS {
						minTS = &v
					}
				case "<=", "<":
					if maxTS == nil || v < *maxTS {
						maxTS = &v
					}
				case "=":
					minTS, maxTS = &v, &v
				}
			}
			rest = append(rest, segment.Filter{Column: p.Column, Op: p.Op, Value: p.Value})
		default:
			rest = append(rest, segment.Filter{Column: p.Column, Op: p.Op, Value: p.Value})
		}
	}
	return scoped, minTS, maxTS, ids, rest
}

func toInt64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func boundsOrOpen(minTS, maxTS *int64) (int64, int64) {
	lo := int64(-1 << 63)
	hi := int64(1<<63 - 1)
	if minTS != nil {
		lo = *minTS
	}
	if maxTS != nil {
		hi = *maxTS
	}
	return lo, hi
}

func pruneByTimestamp(segments []tablelog.SegmentMeta, minTS, maxTS *int64) []tablelog.SegmentMeta {
	lo, hi := boundsOrOpen(minTS, maxTS)
	var kept []tablelog.SegmentMeta
	for _, seg := range segments {
		if seg.MaxTimestamp >= lo && seg.MinTimestamp <= hi {
			kept = append(kept, seg)
		}
	}
	return kept
}

// unionCursor streams rows tenant by tenant, segment by segment. Segment
// files are downloaded lazily; scratch downloads are removed as soon as
// their rows are exhausted, cached ones stay for later scans.
type unionCursor struct {
	ctx        context.Context
	relation   *UnionRelation
	plans      []*tenantScan
	projection []string
	ids        []string
	filters    []segment.Filter
	limit      int

	planIdx     int
	segIdx      int
	reader      *segment.Reader
	cursor      *segment.Cursor
	localPath   string
	localCached bool

	returned int
	warnings []string
	closed   bool
	mu       sync.Mutex
}

func (c *unionCursor) Columns() []string {
	return c.projection
}

func (c *unionCursor) Next() ([]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("provider: cursor is closed")
	}
	for {
		if c.limit > 0 && c.returned >= c.limit {
			return nil, nil
		}
		if err := c.ctx.Err(); err != nil {
			return nil, engineerrors.NewQueryError(engineerrors.CodeExecutionTimeout, err.Error())
		}

		if c.cursor == nil {
			ok, err := c.openNextSegment()
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
		}

		if c.cursor.Next() {
			row, err := c.cursor.Row()
			if err != nil {
				return nil, engineerrors.NewQueryError(engineerrors.CodeScanFailed, err.Error())
			}
			c.returned++
			return row, nil
		}
		if err := c.cursor.Err(); err != nil {
			return nil, engineerrors.NewQueryError(engineerrors.CodeScanFailed, err.Error())
		}
		c.closeSegment()
	}
}

// openNextSegment advances to the next unscanned segment, downloading it to
// scratch space. Download failures warn and skip rather than abort.
func (c *unionCursor) openNextSegment() (bool, error) {
	for c.planIdx < len(c.plans) {
		plan := c.plans[c.planIdx]
		if c.segIdx >= len(plan.segments) {
			c.planIdx++
			c.segIdx = 0
			continue
		}
		seg := plan.segments[c.segIdx]
		c.segIdx++

		objectPath := plan.tenant.Log.ObjectPath(seg.Path)
		localPath, cached, err := c.fetchSegment(plan.tenant, seg.Path, objectPath)
		if err != nil {
			c.warnings = append(c.warnings,
				fmt.Sprintf("tenant %s: failed to fetch %s: %v", plan.tenant.ProjectID, seg.Path, err))
			log.Printf("provider: failed to fetch %s: %v", objectPath, err)
			continue
		}

		reader, err := segment.OpenReader(localPath)
		if err != nil {
			if !cached {
				os.Remove(localPath)
			}
			c.warnings = append(c.warnings,
				fmt.Sprintf("tenant %s: failed to open %s: %v", plan.tenant.ProjectID, seg.Path, err))
			continue
		}

		remaining := 0
		if c.limit > 0 {
			remaining = c.limit - c.returned
		}
		cursor, err := reader.Scan(c.ctx, segment.ScanOptions{
			Columns: c.projection,
			IDs:     c.ids,
			Filters: c.filters,
			Limit:   remaining,
		})
		if err != nil {
			reader.Close()
			if !cached {
				os.Remove(localPath)
			}
			return false, engineerrors.NewQueryError(engineerrors.CodeScanFailed, err.Error())
		}

		c.reader = reader
		c.cursor = cursor
		c.localPath = localPath
		c.localCached = cached
		return true, nil
	}
	return false, nil
}

// fetchSegment materializes a segment locally, via the shared cache when one
// is configured, otherwise to a per-scan scratch file.
func (c *unionCursor) fetchSegment(tenant *registry.Tenant, segPath, objectPath string) (string, bool, error) {
	if c.relation.segCache != nil {
		key := tenant.ProjectID + "/" + segPath
		localPath, err := c.relation.segCache.GetOrFill(key, func(dst string) error {
			return tenant.Store.Download(c.ctx, objectPath, dst)
		})
		return localPath, true, err
	}

	localPath := filepath.Join(c.relation.scratchDir, uuid.New().String()+".sqlite")
	if err := tenant.Store.Download(c.ctx, objectPath, localPath); err != nil {
		return "", false, err
	}
	return localPath, false, nil
}

func (c *unionCursor) closeSegment() {
	if c.cursor != nil {
		c.cursor.Close()
		c.cursor = nil
	}
	if c.reader != nil {
		c.reader.Close()
		c.reader = nil
	}
	if c.localPath != "" {
		if !c.localCached {
			os.Remove(c.localPath)
		}
		c.localPath = ""
		c.localCached = false
	}
}

func (c *unionCursor) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}

// Close releases segment pins and scratch files.
func (c *unionCursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeSegment()
	for _, plan := range c.plans {
		plan.release()
	}
	if c.relation.stats != nil {
		c.relation.stats.RecordRows(c.returned)
	}
	return nil
}
