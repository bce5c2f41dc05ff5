// Package segment builds and reads the immutable SQLite data files that make
// up a tenant table. A segment is written once locally, uploaded, and never
// modified; a bloom filter sidecar over record ids rides along for point
// lookup pruning.
package segment

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/skylarkdb/skylark/internal/bloom"
	"github.com/skylarkdb/skylark/internal/tablelog"
	"github.com/skylarkdb/skylark/pkg/types"
)

const bloomFalsePositiveRate = 0.01

// BuildResult describes a freshly built segment: local file paths plus the
// metadata destined for the table log entry. Meta.Path / Meta.BloomPath are
// table-relative; the caller uploads LocalPath and LocalBloomPath there.
type BuildResult struct {
	SegmentID      string
	LocalPath      string
	LocalBloomPath string
	Meta           tablelog.SegmentMeta
}

// Builder writes segments into a local working directory.
type Builder struct {
	workDir string
}

// NewBuilder creates a builder writing into workDir.
func NewBuilder(workDir string) *Builder {
	return &Builder{workDir: workDir}
}

// Build creates a segment file from records under the given schema. Records
// must all belong to one project and must each carry the required fields.
// The resulting file is in DELETE journal mode with no WAL sidecar, ready
// for upload as a single immutable object.
func (b *Builder) Build(ctx context.Context, records []types.Record, schema types.Schema) (*BuildResult, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("segment: cannot build segment from zero records")
	}

	if err := os.MkdirAll(b.workDir, 0755); err != nil {
		return nil, fmt.Errorf("segment: failed to create work directory: %w", err)
	}

	segmentID := uuid.New().String()
	localPath := filepath.Join(b.workDir, segmentID+".sqlite")

	db, err := sql.Open("sqlite3", localPath)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to create database: %w", err)
	}
	defer db.Close()

	// WAL during the build for write speed; switched off before upload so
	// the segment is a single self-contained file.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("segment: failed to set journal mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, createTableSQL(schema)); err != nil {
		return nil, fmt.Errorf("segment: failed to create records table: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE INDEX idx_records_timestamp ON records(timestamp)"); err != nil {
		return nil, fmt.Errorf("segment: failed to create timestamp index: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, insertSQL(schema))
	if err != nil {
		return nil, fmt.Errorf("segment: failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	filter := bloom.NewWithEstimates(len(records), bloomFalsePositiveRate)
	var rowCount, minTS, maxTS int64

	for i := range records {
		rec := &records[i]
		values := make([]interface{}, len(schema.Columns))
		for j, col := range schema.Columns {
			v, err := columnValue(rec, col)
			if err != nil {
				return nil, err
			}
			values[j] = v
		}
		res, err := stmt.ExecContext(ctx, values...)
		if err != nil {
			return nil, fmt.Errorf("segment: failed to insert record %s: %w", rec.ID, err)
		}
		// Clients reuse ids for de-duplication; within one batch the first
		// occurrence wins and later ones are dropped by INSERT OR IGNORE.
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("segment: failed to read insert result: %w", err)
		}
		if n == 0 {
			continue
		}

		filter.Add([]byte(rec.ID))
		if rowCount == 0 || rec.Timestamp < minTS {
			minTS = rec.Timestamp
		}
		if rowCount == 0 || rec.Timestamp > maxTS {
			maxTS = rec.Timestamp
		}
		rowCount++
	}

	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, fmt.Errorf("segment: failed to checkpoint WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		return nil, fmt.Errorf("segment: failed to finalize journal mode: %w", err)
	}
	if err := db.Close(); err != nil {
		return nil, fmt.Errorf("segment: failed to close database: %w", err)
	}

	bloomPath := filepath.Join(b.workDir, segmentID+".bloom")
	if err := os.WriteFile(bloomPath, filter.Serialize(), 0644); err != nil {
		return nil, fmt.Errorf("segment: failed to write bloom sidecar: %w", err)
	}

	fileInfo, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to stat segment file: %w", err)
	}

	return &BuildResult{
		SegmentID:      segmentID,
		LocalPath:      localPath,
		LocalBloomPath: bloomPath,
		Meta: tablelog.SegmentMeta{
			Path:          "segments/" + segmentID + ".sqlite",
			BloomPath:     "segments/" + segmentID + ".bloom",
			RowCount:      rowCount,
			SizeBytes:     fileInfo.Size(),
			MinTimestamp:  minTS,
			MaxTimestamp:  maxTS,
			SchemaVersion: schema.Version,
			CreatedAt:     time.Now().UnixNano(),
		},
	}, nil
}

// Cleanup removes the local build artifacts after upload.
func (r *BuildResult) Cleanup() {
	os.Remove(r.LocalPath)
	os.Remove(r.LocalBloomPath)
}

func createTableSQL(schema types.Schema) string {
	var cols []string
	for _, col := range schema.Columns {
		def := col.Name + " " + col.Type
		if col.PrimaryKey {
			def += " PRIMARY KEY"
		} else if !col.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	return "CREATE TABLE records (" + strings.Join(cols, ", ") + ") WITHOUT ROWID"
}

func insertSQL(schema types.Schema) string {
	names := schema.ColumnNames()
	placeholders := strings.Repeat("?, ", len(names))
	return fmt.Sprintf("INSERT OR IGNORE INTO records (%s) VALUES (%s)",
		strings.Join(names, ", "), strings.TrimSuffix(placeholders, ", "))
}
