// Package registry resolves project IDs to tenant table handles. Tables are
// created lazily on first resolution, and projects may carry their own
// storage settings (dedicated bucket, endpoint, credentials). An unknown
// project uses the process-wide default storage but always gets its own
// table prefix; one tenant's resolution can never read another tenant's
// data.
package registry

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	engineerrors "github.com/skylarkdb/skylark/internal/errors"
	"github.com/skylarkdb/skylark/internal/storage"
	"github.com/skylarkdb/skylark/internal/tablelog"
	"github.com/skylarkdb/skylark/pkg/types"
)

// ProjectSettings carries per-tenant storage configuration, registered
// before first use. Zero-value storage fields fall back to the process
// default store.
type ProjectSettings struct {
	ProjectID string

	// Bucket, when set, places the tenant's table in a dedicated bucket.
	Bucket string
	// Endpoint overrides the S3 endpoint for this tenant.
	Endpoint string
	// Region overrides the S3 region for this tenant.
	Region string
	// AccessKeyID / SecretAccessKey are static credentials for the
	// tenant's bucket.
	AccessKeyID     string
	SecretAccessKey string
}

func (s ProjectSettings) hasDedicatedStorage() bool {
	return s.Bucket != ""
}

// StorageOpener creates an ObjectStorage for a tenant with dedicated
// settings. Wired to storage.NewS3Storage in production; tests substitute a
// local opener.
type StorageOpener func(ctx context.Context, settings ProjectSettings) (storage.ObjectStorage, error)

// S3Opener returns a StorageOpener backed by storage.NewS3Storage.
func S3Opener() StorageOpener {
	return func(ctx context.Context, settings ProjectSettings) (storage.ObjectStorage, error) {
		return storage.NewS3Storage(ctx, settings.Bucket, storage.S3Config{
			Region:          settings.Region,
			Endpoint:        settings.Endpoint,
			AccessKeyID:     settings.AccessKeyID,
			SecretAccessKey: settings.SecretAccessKey,
			UsePathStyle:    settings.Endpoint != "",
			MultipartConfig: storage.DefaultMultipartConfig(),
		})
	}
}

// Tenant is a resolved project: its storage handle and table log.
type Tenant struct {
	ProjectID string
	Store     storage.ObjectStorage
	Log       *tablelog.Log
}

// Registry maps project IDs to tenants. Read-mostly; resolution of distinct
// projects proceeds in parallel, first resolution of one project is
// serialized by a per-key lock.
type Registry struct {
	defaultStore storage.ObjectStorage
	tablePrefix  string
	openStorage  StorageOpener

	mu        sync.RWMutex
	settings  map[string]ProjectSettings
	tenants   map[string]*Tenant
	initLocks map[string]*sync.Mutex
}

// New creates a registry using defaultStore for projects without dedicated
// settings. opener may be nil when no project will register a dedicated
// bucket.
func New(defaultStore storage.ObjectStorage, tablePrefix string, opener StorageOpener) *Registry {
	return &Registry{
		defaultStore: defaultStore,
		tablePrefix:  tablePrefix,
		openStorage:  opener,
		settings:     make(map[string]ProjectSettings),
		tenants:      make(map[string]*Tenant),
		initLocks:    make(map[string]*sync.Mutex),
	}
}

// Register installs settings for a project. Must be called before the
// project's first Resolve; re-registering a resolved project is an error
// because its table handle is already bound to a storage location.
func (r *Registry) Register(ctx context.Context, settings ProjectSettings) error {
	if settings.ProjectID == "" {
		return fmt.Errorf("registry: project id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, resolved := r.tenants[settings.ProjectID]; resolved {
		return fmt.Errorf("registry: project %s already resolved, settings are immutable", settings.ProjectID)
	}
	r.settings[settings.ProjectID] = settings
	log.Printf("registry: registered project %s (dedicated storage: %v)",
		settings.ProjectID, settings.hasDedicatedStorage())
	return nil
}

// Resolve returns the tenant for a project, creating its table on first use.
// Idempotent and safe for concurrent use.
func (r *Registry) Resolve(ctx context.Context, projectID string) (*Tenant, error) {
	if projectID == "" {
		return nil, engineerrors.NewTenantUnavailable(projectID, fmt.Errorf("empty project id"))
	}

	r.mu.RLock()
	tenant, ok := r.tenants[projectID]
	r.mu.RUnlock()
	if ok {
		return tenant, nil
	}

	initLock := r.initLock(projectID)
	initLock.Lock()
	defer initLock.Unlock()

	// Another goroutine may have finished while we waited.
	r.mu.RLock()
	tenant, ok = r.tenants[projectID]
	r.mu.RUnlock()
	if ok {
		return tenant, nil
	}

	tenant, err := r.initTenant(ctx, projectID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.tenants[projectID] = tenant
	r.mu.Unlock()
	return tenant, nil
}

func (r *Registry) initLock(projectID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.initLocks[projectID]
	if !ok {
		lock = &sync.Mutex{}
		r.initLocks[projectID] = lock
	}
	return lock
}

func (r *Registry) initTenant(ctx context.Context, projectID string) (*Tenant, error) {
	r.mu.RLock()
	settings, hasSettings := r.settings[projectID]
	r.mu.RUnlock()

	store := r.defaultStore
	if hasSettings && settings.hasDedicatedStorage() {
		if r.openStorage == nil {
			return nil, engineerrors.NewTenantUnavailable(projectID,
				fmt.Errorf("project has dedicated storage settings but no storage opener is configured"))
		}
		dedicated, err := r.openStorage(ctx, settings)
		if err != nil {
			return nil, engineerrors.NewTenantUnavailable(projectID, err)
		}
		store = dedicated
	}
	if store == nil {
		return nil, engineerrors.NewTenantUnavailable(projectID, fmt.Errorf("no storage configured"))
	}

	tableLog := tablelog.New(store, r.tablePrefix+"/"+projectID)
	if _, err := tableLog.Create(ctx, types.BaseSchema()); err != nil {
		return nil, engineerrors.NewTenantUnavailable(projectID, err)
	}

	log.Printf("registry: resolved project %s at %s", projectID, tableLog.Prefix())
	return &Tenant{ProjectID: projectID, Store: store, Log: tableLog}, nil
}

// Tenants returns all resolved tenants, sorted by project ID.
func (r *Registry) Tenants() []*Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tenant, 0, len(r.tenants))
	for _, t := range r.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Projects returns the IDs of all resolved tenants, sorted.
func (r *Registry) Projects() []string {
	tenants := r.Tenants()
	ids := make([]string, len(tenants))
	for i, t := range tenants {
		ids[i] = t.ProjectID
	}
	return ids
}
