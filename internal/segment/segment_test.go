package segment

import (
	"context"
	"os"
	"testing"

	"github.com/skylarkdb/skylark/internal/bloom"
	"github.com/skylarkdb/skylark/pkg/types"
)

func strptr(s string) *string { return &s }

func testRecords() []types.Record {
	return []types.Record{
		{
			ProjectID:  "acme",
			Timestamp:  300,
			ID:         "rec-3",
			Level:      strptr("ERROR"),
			Body:       strptr("disk full"),
			Attributes: map[string]string{"host": "web-1", "region": "us-east-1"},
		},
		{
			ProjectID: "acme",
			Timestamp: 100,
			ID:        "rec-1",
			Level:     strptr("INFO"),
		},
		{
			ProjectID: "acme",
			Timestamp: 200,
			ID:        "rec-2",
			Level:     strptr("WARN"),
		},
	}
}

func buildTestSegment(t *testing.T, records []types.Record, schema types.Schema) *BuildResult {
	t.Helper()
	result, err := NewBuilder(t.TempDir()).Build(context.Background(), records, schema)
	if err != nil {
		t.Fatalf("failed to build segment: %v", err)
	}
	t.Cleanup(result.Cleanup)
	return result
}

func TestBuilder_MetadataAndStats(t *testing.T) {
	result := buildTestSegment(t, testRecords(), types.BaseSchema())

	if result.Meta.RowCount != 3 {
		t.Errorf("row count mismatch: got %d, want 3", result.Meta.RowCount)
	}
	if result.Meta.MinTimestamp != 100 || result.Meta.MaxTimestamp != 300 {
		t.Errorf("timestamp bounds mismatch: %d-%d", result.Meta.MinTimestamp, result.Meta.MaxTimestamp)
	}
	if result.Meta.SizeBytes <= 0 {
		t.Errorf("size not recorded: %d", result.Meta.SizeBytes)
	}
	if result.Meta.Path != "segments/"+result.SegmentID+".sqlite" {
		t.Errorf("object path mismatch: %s", result.Meta.Path)
	}

	// No WAL sidecar files may remain next to the segment.
	if _, err := os.Stat(result.LocalPath + "-wal"); !os.IsNotExist(err) {
		t.Error("WAL sidecar left behind")
	}
}

func TestBuilder_BloomSidecarCoversIDs(t *testing.T) {
	result := buildTestSegment(t, testRecords(), types.BaseSchema())

	data, err := os.ReadFile(result.LocalBloomPath)
	if err != nil {
		t.Fatalf("failed to read bloom sidecar: %v", err)
	}
	filter, err := bloom.Deserialize(data)
	if err != nil {
		t.Fatalf("failed to deserialize bloom filter: %v", err)
	}
	for _, id := range []string{"rec-1", "rec-2", "rec-3"} {
		if !filter.Contains([]byte(id)) {
			t.Errorf("bloom filter missing id %s", id)
		}
	}
	if filter.Contains([]byte("definitely-not-here-xyz")) {
		t.Log("false positive on absent id (acceptable at configured rate)")
	}
}

func TestBuilder_DuplicateIDsKeepFirst(t *testing.T) {
	records := []types.Record{
		{ProjectID: "acme", Timestamp: 100, ID: "same", Level: strptr("INFO")},
		{ProjectID: "acme", Timestamp: 900, ID: "same", Level: strptr("ERROR")},
		{ProjectID: "acme", Timestamp: 200, ID: "other"},
	}
	result := buildTestSegment(t, records, types.BaseSchema())

	if result.Meta.RowCount != 2 {
		t.Errorf("row count mismatch: got %d, want 2", result.Meta.RowCount)
	}
	// Stats cover only the stored rows; the dropped duplicate's timestamp
	// must not widen the bounds.
	if result.Meta.MinTimestamp != 100 || result.Meta.MaxTimestamp != 200 {
		t.Errorf("timestamp bounds mismatch: %d-%d", result.Meta.MinTimestamp, result.Meta.MaxTimestamp)
	}

	reader, err := OpenReader(result.LocalPath)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	defer reader.Close()

	cursor, err := reader.Scan(context.Background(), ScanOptions{
		Columns: []string{"id", "level"},
		IDs:     []string{"same"},
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	defer cursor.Close()

	if !cursor.Next() {
		t.Fatal("expected one row for duplicated id")
	}
	row, err := cursor.Row()
	if err != nil {
		t.Fatalf("failed to read row: %v", err)
	}
	if row[1] != "INFO" {
		t.Errorf("expected first occurrence to win, got %v", row)
	}
	if cursor.Next() {
		t.Error("duplicated id stored more than once")
	}
}

func TestReader_RoundTripByID(t *testing.T) {
	result := buildTestSegment(t, testRecords(), types.BaseSchema())
	ctx := context.Background()

	reader, err := OpenReader(result.LocalPath)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	defer reader.Close()

	cursor, err := reader.Scan(ctx, ScanOptions{
		Columns: []string{"id", "timestamp", "level", "body", "attributes"},
		IDs:     []string{"rec-3"},
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	defer cursor.Close()

	if !cursor.Next() {
		t.Fatal("expected one row")
	}
	row, err := cursor.Row()
	if err != nil {
		t.Fatalf("failed to read row: %v", err)
	}
	if row[0] != "rec-3" {
		t.Errorf("id mismatch: %v", row[0])
	}
	if row[1] != int64(300) {
		t.Errorf("timestamp mismatch: %v", row[1])
	}
	if row[2] != "ERROR" {
		t.Errorf("level mismatch: %v", row[2])
	}
	if row[3] != "disk full" {
		t.Errorf("body mismatch: %v", row[3])
	}

	attrs, err := DecodeAttributes(row[4].([]byte))
	if err != nil {
		t.Fatalf("failed to decode attributes: %v", err)
	}
	if attrs["host"] != "web-1" || attrs["region"] != "us-east-1" {
		t.Errorf("attributes mismatch: %v", attrs)
	}
	if cursor.Next() {
		t.Error("unexpected extra row")
	}
}

func TestReader_TimestampFilterAndOrder(t *testing.T) {
	result := buildTestSegment(t, testRecords(), types.BaseSchema())
	ctx := context.Background()

	reader, err := OpenReader(result.LocalPath)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	defer reader.Close()

	cursor, err := reader.Scan(ctx, ScanOptions{
		Columns: []string{"id"},
		Filters: []Filter{{Column: "timestamp", Op: ">=", Value: int64(150)}},
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	defer cursor.Close()

	var ids []string
	for cursor.Next() {
		row, err := cursor.Row()
		if err != nil {
			t.Fatalf("failed to read row: %v", err)
		}
		ids = append(ids, row[0].(string))
	}
	if len(ids) != 2 || ids[0] != "rec-2" || ids[1] != "rec-3" {
		t.Errorf("filtered scan mismatch: %v", ids)
	}
}

func TestReader_ExtrasColumn(t *testing.T) {
	base := types.BaseSchema()
	schema, _, err := base.Merge([]types.ColumnDef{
		{Name: "http_status", Type: types.ColInteger, Nullable: true},
	})
	if err != nil {
		t.Fatalf("schema merge failed: %v", err)
	}

	records := []types.Record{
		{ProjectID: "acme", Timestamp: 1, ID: "a", Extras: map[string]interface{}{"http_status": int64(500)}},
		{ProjectID: "acme", Timestamp: 2, ID: "b"},
	}
	result := buildTestSegment(t, records, schema)
	ctx := context.Background()

	reader, err := OpenReader(result.LocalPath)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	defer reader.Close()

	cursor, err := reader.Scan(ctx, ScanOptions{
		Columns: []string{"id", "http_status"},
		Filters: []Filter{{Column: "http_status", Op: "=", Value: int64(500)}},
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	defer cursor.Close()

	if !cursor.Next() {
		t.Fatal("expected one row")
	}
	row, err := cursor.Row()
	if err != nil {
		t.Fatalf("failed to read row: %v", err)
	}
	if row[0] != "a" || row[1] != int64(500) {
		t.Errorf("extras row mismatch: %v", row)
	}
}

func TestReader_MissingColumnReadsAsNull(t *testing.T) {
	// Segment written before the column existed.
	result := buildTestSegment(t, testRecords(), types.BaseSchema())
	ctx := context.Background()

	reader, err := OpenReader(result.LocalPath)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	defer reader.Close()

	cursor, err := reader.Scan(ctx, ScanOptions{
		Columns: []string{"id", "http_status"},
		Limit:   1,
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	defer cursor.Close()

	if !cursor.Next() {
		t.Fatal("expected a row")
	}
	row, err := cursor.Row()
	if err != nil {
		t.Fatalf("failed to read row: %v", err)
	}
	if row[1] != nil {
		t.Errorf("expected NULL for missing column, got %v", row[1])
	}

	// Filtering on the missing column matches nothing.
	filtered, err := reader.Scan(ctx, ScanOptions{
		Columns: []string{"id"},
		Filters: []Filter{{Column: "http_status", Op: "=", Value: int64(200)}},
	})
	if err != nil {
		t.Fatalf("filtered scan failed: %v", err)
	}
	defer filtered.Close()
	if filtered.Next() {
		t.Error("filter on missing column returned rows")
	}
}

func TestReader_RejectsUnknownOperator(t *testing.T) {
	result := buildTestSegment(t, testRecords(), types.BaseSchema())

	reader, err := OpenReader(result.LocalPath)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	defer reader.Close()

	_, err = reader.Scan(context.Background(), ScanOptions{
		Filters: []Filter{{Column: "id", Op: "LIKE", Value: "%"}},
	})
	if err == nil {
		t.Fatal("expected error for unsupported operator")
	}
}
