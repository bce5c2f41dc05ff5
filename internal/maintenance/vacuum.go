package maintenance

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/skylarkdb/skylark/internal/registry"
)

// vacuumTenant removes dead files for one tenant in three sweeps: retire
// segments past the retention window, delete expired tombstoned files, and
// collect orphan uploads whose commit never happened. Files referenced by a
// pinned snapshot are always skipped.
func (s *Scheduler) vacuumTenant(ctx context.Context, tenant *registry.Tenant) error {
	if s.opts.RetentionDays > 0 {
		if err := s.retireExpired(ctx, tenant); err != nil {
			return err
		}
	}
	if err := s.sweepTombstones(ctx, tenant); err != nil {
		return err
	}
	return s.sweepOrphans(ctx, tenant)
}

func (s *Scheduler) isPinned(projectID, path string) bool {
	return s.pins != nil && s.pins.IsPinned(projectID, path)
}

// retireExpired removes segments wholly older than the retention window.
func (s *Scheduler) retireExpired(ctx context.Context, tenant *registry.Tenant) error {
	snap, err := tenant.Log.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -s.opts.RetentionDays).UnixNano()
	var removes []string
	for _, seg := range snap.Segments {
		if seg.MaxTimestamp < cutoff {
			removes = append(removes, seg.Path)
		}
	}
	if len(removes) == 0 {
		return nil
	}
	return s.committer.CommitRetention(ctx, tenant.ProjectID, removes)
}

// sweepTombstones deletes the files behind tombstones older than the
// retention grace period, then commits the clearing entry.
func (s *Scheduler) sweepTombstones(ctx context.Context, tenant *registry.Tenant) error {
	snap, err := tenant.Log.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	cutoff := time.Now().Add(-s.opts.TombstoneRetention).UnixNano()
	var cleared []string
	for _, ts := range snap.Tombstones {
		if ts.RemovedAt >= cutoff {
			continue
		}
		if s.isPinned(tenant.ProjectID, ts.Path) {
			continue
		}
		if err := tenant.Store.Delete(ctx, tenant.Log.ObjectPath(ts.Path)); err != nil {
			log.Printf("maintenance: failed to delete %s: %v", ts.Path, err)
			continue
		}
		if ts.BloomPath != "" {
			if err := tenant.Store.Delete(ctx, tenant.Log.ObjectPath(ts.BloomPath)); err != nil {
				log.Printf("maintenance: failed to delete %s: %v", ts.BloomPath, err)
			}
		}
		cleared = append(cleared, ts.Path)
	}
	if len(cleared) == 0 {
		return nil
	}
	log.Printf("maintenance: %s vacuumed %d tombstoned segments", tenant.ProjectID, len(cleared))
	return s.committer.CommitVacuum(ctx, tenant.ProjectID, cleared)
}

// sweepOrphans deletes segment objects no log entry references: uploads
// whose commit lost the version race or crashed before the log write. Holds
// the tenant commit lock so an upload in flight toward a commit cannot be
// swept.
func (s *Scheduler) sweepOrphans(ctx context.Context, tenant *registry.Tenant) error {
	unlock := s.committer.LockTenant(tenant.ProjectID)
	defer unlock()

	snap, err := tenant.Log.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	referenced := make(map[string]bool)
	for _, seg := range snap.Segments {
		referenced[seg.Path] = true
		if seg.BloomPath != "" {
			referenced[seg.BloomPath] = true
		}
	}
	for _, ts := range snap.Tombstones {
		referenced[ts.Path] = true
		if ts.BloomPath != "" {
			referenced[ts.BloomPath] = true
		}
	}

	prefix := tenant.Log.Prefix() + "/segments/"
	objects, err := tenant.Store.ListObjects(ctx, prefix)
	if err != nil {
		return fmt.Errorf("failed to list segments: %w", err)
	}

	removed := 0
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj, tenant.Log.Prefix()+"/")
		if referenced[rel] || s.isPinned(tenant.ProjectID, rel) {
			continue
		}
		if err := tenant.Store.Delete(ctx, obj); err != nil {
			log.Printf("maintenance: failed to delete orphan %s: %v", obj, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Printf("maintenance: %s removed %d orphan objects", tenant.ProjectID, removed)
	}
	return nil
}
