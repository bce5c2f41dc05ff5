package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skylarkdb/skylark/internal/cache"
	"github.com/skylarkdb/skylark/internal/catalog"
	"github.com/skylarkdb/skylark/internal/commit"
	"github.com/skylarkdb/skylark/internal/observability"
	"github.com/skylarkdb/skylark/internal/provider"
	"github.com/skylarkdb/skylark/internal/queue"
	"github.com/skylarkdb/skylark/internal/registry"
	"github.com/skylarkdb/skylark/internal/segment"
	"github.com/skylarkdb/skylark/internal/storage"
)

type apiFixture struct {
	queue     *queue.Queue
	registry  *registry.Registry
	committer *commit.Committer
	relation  *provider.UnionRelation
}

func newAPIFixture(t *testing.T, queueOpts queue.Options) *apiFixture {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	q, err := queue.NewQueue(t.TempDir(), queueOpts)
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	reg := registry.New(store, "skylark", nil)
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	return &apiFixture{
		queue:     q,
		registry:  reg,
		committer: commit.New(reg, segment.NewBuilder(t.TempDir()), q, commit.Options{}),
		relation:  provider.NewUnionRelation(reg, cat, provider.NewPins(), t.TempDir()),
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	DefaultMiddleware(handler).ServeHTTP(rec, req)
	return rec
}

func TestIngestHandler_BuffersRecords(t *testing.T) {
	f := newAPIFixture(t, queue.Options{})
	handler := NewIngestHandler(f.queue)

	rec := postJSON(t, handler, "/v1/ingest", map[string]interface{}{
		"records": []map[string]interface{}{
			{"project_id": "acme", "timestamp": 100, "id": "a1", "name": "GET /"},
			{"project_id": "acme", "timestamp": 200},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Accepted != 2 {
		t.Errorf("expected 2 accepted, got %d", resp.Accepted)
	}
	if resp.RequestID == "" {
		t.Error("expected a request id in the response")
	}
	if got := f.queue.Pending("acme"); got != 2 {
		t.Errorf("expected 2 pending records, got %d", got)
	}
}

func TestIngestHandler_RejectsInvalidRecordBeforeBuffering(t *testing.T) {
	f := newAPIFixture(t, queue.Options{})
	handler := NewIngestHandler(f.queue)

	rec := postJSON(t, handler, "/v1/ingest", map[string]interface{}{
		"records": []map[string]interface{}{
			{"project_id": "acme", "timestamp": 100},
			{"project_id": "", "timestamp": 200},
		},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := f.queue.Pending("acme"); got != 0 {
		t.Errorf("expected nothing buffered after a rejected batch, got %d", got)
	}
}

func TestIngestHandler_QueueFullIsTooManyRequests(t *testing.T) {
	f := newAPIFixture(t, queue.Options{MaxBytes: 1})
	handler := NewIngestHandler(f.queue)

	rec := postJSON(t, handler, "/v1/ingest", map[string]interface{}{
		"records": []map[string]interface{}{
			{"project_id": "acme", "timestamp": 100},
			{"project_id": "acme", "timestamp": 200},
		},
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if resp.Code != "QUEUE_FULL" {
		t.Errorf("expected code QUEUE_FULL, got %q", resp.Code)
	}
	if !resp.Retryable {
		t.Error("expected queue-full to be retryable")
	}
}

func TestQueryHandler_ScansCommittedRecords(t *testing.T) {
	f := newAPIFixture(t, queue.Options{FlushRows: 1})

	ingest := NewIngestHandler(f.queue)
	if rec := postJSON(t, ingest, "/v1/ingest", map[string]interface{}{
		"records": []map[string]interface{}{
			{"project_id": "acme", "timestamp": 100, "id": "a1", "level": "error"},
			{"project_id": "acme", "timestamp": 200, "id": "a2", "level": "info"},
			{"project_id": "umbrella", "timestamp": 150, "id": "u1"},
		},
	}); rec.Code != http.StatusOK {
		t.Fatalf("ingest failed: %d: %s", rec.Code, rec.Body.String())
	}
	for _, batch := range f.queue.DrainAll() {
		if err := f.committer.CommitBatch(context.Background(), batch); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
	}

	handler := NewQueryHandler(f.relation)
	rec := postJSON(t, handler, "/v1/query", QueryRequest{
		Projection: []string{"id", "level"},
		Predicates: []PredicateSpec{
			{Column: "project_id", Op: "=", Value: "acme"},
			{Column: "level", Op: "=", Value: "error"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp QueryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d: %v", len(resp.Rows), resp.Rows)
	}
	if resp.Rows[0][0] != "a1" {
		t.Errorf("expected row a1, got %v", resp.Rows[0])
	}
	if resp.Stats.RowCount != 1 {
		t.Errorf("expected row_count 1, got %d", resp.Stats.RowCount)
	}
}

func TestQueryHandler_LimitCapsRows(t *testing.T) {
	f := newAPIFixture(t, queue.Options{})

	ingest := NewIngestHandler(f.queue)
	if rec := postJSON(t, ingest, "/v1/ingest", map[string]interface{}{
		"records": []map[string]interface{}{
			{"project_id": "acme", "timestamp": 100, "id": "a1"},
			{"project_id": "acme", "timestamp": 200, "id": "a2"},
			{"project_id": "acme", "timestamp": 300, "id": "a3"},
		},
	}); rec.Code != http.StatusOK {
		t.Fatalf("ingest failed: %d: %s", rec.Code, rec.Body.String())
	}
	for _, batch := range f.queue.DrainAll() {
		if err := f.committer.CommitBatch(context.Background(), batch); err != nil {
			t.Fatalf("commit failed: %v", err)
		}
	}

	handler := NewQueryHandler(f.relation)
	rec := postJSON(t, handler, "/v1/query", QueryRequest{
		Projection: []string{"id"},
		Predicates: []PredicateSpec{{Column: "project_id", Op: "=", Value: "acme"}},
		Limit:      2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp QueryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Rows) != 2 {
		t.Errorf("expected limit to cap at 2 rows, got %d", len(resp.Rows))
	}
}

func TestQueryHandler_RejectsUnsupportedPredicate(t *testing.T) {
	f := newAPIFixture(t, queue.Options{})
	handler := NewQueryHandler(f.relation)

	rec := postJSON(t, handler, "/v1/query", QueryRequest{
		Predicates: []PredicateSpec{{Column: "attributes", Op: "=", Value: "x"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "unsupported predicate") {
		t.Errorf("unexpected error body: %s", rec.Body.String())
	}
}

func TestProjectsHandler_RegisterAndList(t *testing.T) {
	f := newAPIFixture(t, queue.Options{})
	handler := NewProjectsHandler(f.registry)

	rec := postJSON(t, handler, "/v1/projects", RegisterProjectRequest{ProjectID: "acme"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// Re-registering a resolved project is a conflict.
	if _, err := f.registry.Resolve(context.Background(), "acme"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	rec = postJSON(t, handler, "/v1/projects", RegisterProjectRequest{ProjectID: "acme", Bucket: "other"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/projects", nil)
	list := httptest.NewRecorder()
	DefaultMiddleware(handler).ServeHTTP(list, req)
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", list.Code)
	}
	var resp ProjectsResponse
	if err := json.Unmarshal(list.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Projects) != 1 || resp.Projects[0] != "acme" {
		t.Errorf("expected [acme], got %v", resp.Projects)
	}
}

func TestHealthHandler_ReportsBufferDepth(t *testing.T) {
	f := newAPIFixture(t, queue.Options{})
	ingest := NewIngestHandler(f.queue)
	if rec := postJSON(t, ingest, "/v1/ingest", map[string]interface{}{
		"records": []map[string]interface{}{
			{"project_id": "acme", "timestamp": 100},
		},
	}); rec.Code != http.StatusOK {
		t.Fatalf("ingest failed: %d", rec.Code)
	}
	if err := f.registry.Register(context.Background(), registry.ProjectSettings{ProjectID: "acme"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	handler := NewHealthHandler(f.queue, f.registry)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	DefaultMiddleware(handler).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %q", resp.Status)
	}
	if resp.BufferedBytes <= 0 {
		t.Errorf("expected buffered bytes > 0, got %d", resp.BufferedBytes)
	}
	if resp.PendingRecords["acme"] != 1 {
		t.Errorf("expected 1 pending record for acme, got %v", resp.PendingRecords)
	}
}

func TestContentTypeMiddleware_RejectsNonJSON(t *testing.T) {
	f := newAPIFixture(t, queue.Options{})
	handler := DefaultMiddleware(NewIngestHandler(f.queue))

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader("timestamp=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

func TestStatsHandler_ReportsScanAndCacheStats(t *testing.T) {
	stats := observability.NewScanStats(time.Hour)
	stats.RecordPredicate("trace_id", "=")
	stats.RecordScan(4, 6)
	stats.RecordRows(12)

	segCache, err := cache.NewSegmentCache(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer segCache.Close()

	handler := NewStatsHandler(stats, segCache)
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()
	DefaultMiddleware(handler).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Scans.SegmentsPruned != 6 || resp.Scans.RowsReturned != 12 {
		t.Errorf("unexpected scan counters: %+v", resp.Scans)
	}
	if len(resp.TopPredicates) != 1 || resp.TopPredicates[0].Column != "trace_id" {
		t.Errorf("unexpected predicates: %+v", resp.TopPredicates)
	}
	if resp.Cache == nil {
		t.Fatal("expected cache stats")
	}
}
