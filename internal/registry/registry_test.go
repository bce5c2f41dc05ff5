package registry

import (
	"context"
	"sync"
	"testing"

	engineerrors "github.com/skylarkdb/skylark/internal/errors"
	"github.com/skylarkdb/skylark/internal/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	return New(store, "skylark", nil)
}

func TestRegistry_ResolveCreatesTableLazily(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tenant, err := r.Resolve(ctx, "acme")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if tenant.ProjectID != "acme" {
		t.Errorf("project mismatch: %s", tenant.ProjectID)
	}
	if tenant.Log.Prefix() != "skylark/acme" {
		t.Errorf("table prefix mismatch: %s", tenant.Log.Prefix())
	}

	snap, err := tenant.Log.Load(ctx)
	if err != nil {
		t.Fatalf("table not created: %v", err)
	}
	if snap.Version != 0 {
		t.Errorf("fresh table version: got %d, want 0", snap.Version)
	}

	// Second resolve returns the same handle.
	again, err := r.Resolve(ctx, "acme")
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if again != tenant {
		t.Error("resolve did not return cached tenant")
	}
}

func TestRegistry_ResolveEmptyProjectID(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Resolve(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for empty project id")
	}
	if engineerrors.GetCode(err) != engineerrors.CodeTenantUnavailable {
		t.Errorf("error code mismatch: %v", err)
	}
}

func TestRegistry_ConcurrentResolveSingleInit(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	const workers = 16
	tenants := make([]*Tenant, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tenant, err := r.Resolve(ctx, "acme")
			if err != nil {
				t.Errorf("worker %d resolve failed: %v", i, err)
				return
			}
			tenants[i] = tenant
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if tenants[i] != tenants[0] {
			t.Fatalf("worker %d got a different tenant handle", i)
		}
	}
}

func TestRegistry_TenantIsolation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Resolve(ctx, "acme")
	if err != nil {
		t.Fatalf("resolve acme failed: %v", err)
	}
	g, err := r.Resolve(ctx, "globex")
	if err != nil {
		t.Fatalf("resolve globex failed: %v", err)
	}
	if a.Log.Prefix() == g.Log.Prefix() {
		t.Error("tenants share a table prefix")
	}

	projects := r.Projects()
	if len(projects) != 2 || projects[0] != "acme" || projects[1] != "globex" {
		t.Errorf("projects mismatch: %v", projects)
	}
}

func TestRegistry_DedicatedStorageSettings(t *testing.T) {
	defaultStore, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create default storage: %v", err)
	}
	dedicatedStore, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create dedicated storage: %v", err)
	}

	opened := 0
	opener := func(ctx context.Context, settings ProjectSettings) (storage.ObjectStorage, error) {
		opened++
		if settings.Bucket != "acme-events" {
			t.Errorf("bucket mismatch: %s", settings.Bucket)
		}
		return dedicatedStore, nil
	}
	r := New(defaultStore, "skylark", opener)
	ctx := context.Background()

	if err := r.Register(ctx, ProjectSettings{ProjectID: "acme", Bucket: "acme-events"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	tenant, err := r.Resolve(ctx, "acme")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if opened != 1 {
		t.Errorf("opener called %d times, want 1", opened)
	}
	if tenant.Store != dedicatedStore {
		t.Error("tenant not using dedicated storage")
	}

	// A project without settings uses the default store.
	other, err := r.Resolve(ctx, "globex")
	if err != nil {
		t.Fatalf("resolve globex failed: %v", err)
	}
	if other.Store != defaultStore {
		t.Error("settings-less tenant not using default storage")
	}

	// Settings are immutable once resolved.
	if err := r.Register(ctx, ProjectSettings{ProjectID: "acme", Bucket: "other"}); err == nil {
		t.Error("expected error re-registering a resolved project")
	}
}

func TestRegistry_OpenerFailureIsTenantUnavailable(t *testing.T) {
	defaultStore, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create default storage: %v", err)
	}
	opener := func(ctx context.Context, settings ProjectSettings) (storage.ObjectStorage, error) {
		return nil, context.DeadlineExceeded
	}
	r := New(defaultStore, "skylark", opener)
	ctx := context.Background()

	if err := r.Register(ctx, ProjectSettings{ProjectID: "acme", Bucket: "unreachable"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	_, err = r.Resolve(ctx, "acme")
	if err == nil {
		t.Fatal("expected resolve to fail")
	}
	if engineerrors.GetCode(err) != engineerrors.CodeTenantUnavailable {
		t.Errorf("error code mismatch: %v", err)
	}
	if engineerrors.IsRetryable(err) {
		t.Error("tenant misconfiguration should not be retryable")
	}
}
