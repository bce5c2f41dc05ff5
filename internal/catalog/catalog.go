// Package catalog maintains a local SQLite cache of table log snapshots used
// for segment pruning at query time. The table log on object storage is the
// source of truth; the catalog is rebuilt from snapshots and can be discarded
// at any time.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/skylarkdb/skylark/internal/tablelog"
)

// Catalog caches segment metadata per project for timestamp-range pruning.
type Catalog struct {
	db     *sql.DB // write connection, single writer
	readDB *sql.DB // read pool for concurrent query planning
	dbPath string
	mu     sync.Mutex // serializes writes

	upsertSegStmt *sql.Stmt
	findStmt      *sql.Stmt
}

// Open opens or creates the catalog database at dbPath.
func Open(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	c := &Catalog{db: db, readDB: readDB, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}

	c.upsertSegStmt, err = db.Prepare(`
		INSERT OR REPLACE INTO segments (
			project_id, path, bloom_path,
			row_count, size_bytes,
			min_timestamp, max_timestamp,
			schema_version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("catalog: failed to prepare upsert statement: %w", err)
	}

	c.findStmt, err = readDB.Prepare(`
		SELECT path, bloom_path, row_count, size_bytes,
		       min_timestamp, max_timestamp, schema_version, created_at
		FROM segments
		WHERE project_id = ? AND min_timestamp <= ? AND max_timestamp >= ?
		ORDER BY min_timestamp`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("catalog: failed to prepare find statement: %w", err)
	}

	return c, nil
}

func (c *Catalog) initSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS tables (
			project_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			synced_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS segments (
			project_id TEXT NOT NULL,
			path TEXT NOT NULL,
			bloom_path TEXT,
			row_count INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL,
			min_timestamp INTEGER NOT NULL,
			max_timestamp INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (project_id, path)
		);
		CREATE INDEX IF NOT EXISTS idx_segments_ts
			ON segments (project_id, min_timestamp, max_timestamp);`)
	return err
}

// SyncSnapshot replaces the cached state for a project with the given
// snapshot. The replace is transactional so readers never see a half-synced
// project.
func (c *Catalog) SyncSnapshot(ctx context.Context, projectID string, snap *tablelog.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin sync transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("catalog: failed to clear segments for %s: %w", projectID, err)
	}
	for _, seg := range snap.Segments {
		if _, err := tx.StmtContext(ctx, c.upsertSegStmt).ExecContext(ctx,
			projectID, seg.Path, seg.BloomPath,
			seg.RowCount, seg.SizeBytes,
			seg.MinTimestamp, seg.MaxTimestamp,
			seg.SchemaVersion, seg.CreatedAt,
		); err != nil {
			return fmt.Errorf("catalog: failed to upsert segment %s: %w", seg.Path, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tables (project_id, version, schema_version, synced_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			version = excluded.version,
			schema_version = excluded.schema_version,
			synced_at = excluded.synced_at`,
		projectID, snap.Version, snap.Schema.Version, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("catalog: failed to record table version for %s: %w", projectID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: failed to commit sync for %s: %w", projectID, err)
	}
	return nil
}

// SyncedVersion returns the table log version last synced for a project, or
// -1 when the project has never been synced.
func (c *Catalog) SyncedVersion(ctx context.Context, projectID string) (int64, error) {
	var version int64
	err := c.readDB.QueryRowContext(ctx,
		`SELECT version FROM tables WHERE project_id = ?`, projectID,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("catalog: failed to read synced version for %s: %w", projectID, err)
	}
	return version, nil
}

// FindSegments returns segments for a project whose timestamp range overlaps
// [minTS, maxTS]. Use minTS=math.MinInt64 / maxTS=math.MaxInt64 for an
// unbounded scan.
func (c *Catalog) FindSegments(ctx context.Context, projectID string, minTS, maxTS int64) ([]tablelog.SegmentMeta, error) {
	rows, err := c.findStmt.QueryContext(ctx, projectID, maxTS, minTS)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to find segments for %s: %w", projectID, err)
	}
	defer rows.Close()

	var segments []tablelog.SegmentMeta
	for rows.Next() {
		var seg tablelog.SegmentMeta
		var bloomPath sql.NullString
		if err := rows.Scan(
			&seg.Path, &bloomPath, &seg.RowCount, &seg.SizeBytes,
			&seg.MinTimestamp, &seg.MaxTimestamp, &seg.SchemaVersion, &seg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan segment row: %w", err)
		}
		seg.BloomPath = bloomPath.String
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// Projects returns all project IDs known to the catalog.
func (c *Catalog) Projects(ctx context.Context) ([]string, error) {
	rows, err := c.readDB.QueryContext(ctx, `SELECT project_id FROM tables ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan project row: %w", err)
		}
		projects = append(projects, id)
	}
	return projects, rows.Err()
}

// Forget drops all cached state for a project.
func (c *Catalog) Forget(ctx context.Context, projectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin forget transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("catalog: failed to delete segments for %s: %w", projectID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tables WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("catalog: failed to delete table row for %s: %w", projectID, err)
	}
	return tx.Commit()
}

// Close closes both database connections.
func (c *Catalog) Close() error {
	if c.upsertSegStmt != nil {
		c.upsertSegStmt.Close()
	}
	if c.findStmt != nil {
		c.findStmt.Close()
	}
	if err := c.readDB.Close(); err != nil {
		return err
	}
	return c.db.Close()
}
