package segment

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Filter is a pushed-down comparison on one column.
type Filter struct {
	Column string
	Op     string // "=", "!=", "<", "<=", ">", ">="
	Value  interface{}
}

// ScanOptions selects what a segment scan returns.
type ScanOptions struct {
	// Columns is the projection; nil means every column in the file.
	Columns []string

	// IDs, when non-empty, restricts the scan to these record ids.
	IDs []string

	// Filters are additional pushed-down predicates.
	Filters []Filter

	// Limit caps returned rows; 0 means unlimited.
	Limit int
}

var allowedOps = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

// Reader scans one downloaded segment file.
type Reader struct {
	db   *sql.DB
	path string
}

// OpenReader opens a segment file read-only. The file is immutable, so the
// connection is opened with immutable=1 to skip locking.
func OpenReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("segment: failed to open %s: %w", path, err)
	}
	return &Reader{db: db, path: path}, nil
}

// Columns returns the column names present in the segment file. Segments
// written under an older schema lack later columns; callers fill those with
// NULL.
func (r *Reader) Columns(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT name FROM pragma_table_info('records') ORDER BY cid")
	if err != nil {
		return nil, fmt.Errorf("segment: failed to read table info: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Scan runs a projection+filter scan and returns a cursor over the results.
// Requested columns missing from the file come back as NULL, so a reader
// sees one uniform schema across segments written at different versions.
func (r *Reader) Scan(ctx context.Context, opts ScanOptions) (*Cursor, error) {
	present, err := r.Columns(ctx)
	if err != nil {
		return nil, err
	}
	presentSet := make(map[string]bool, len(present))
	for _, name := range present {
		presentSet[name] = true
	}

	projection := opts.Columns
	if len(projection) == 0 {
		projection = present
	}

	var selects []string
	for _, name := range projection {
		if presentSet[name] {
			selects = append(selects, quoteIdent(name))
		} else {
			selects = append(selects, "NULL AS "+quoteIdent(name))
		}
	}

	var where []string
	var args []interface{}
	if len(opts.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(opts.IDs)), ", ")
		where = append(where, "id IN ("+placeholders+")")
		for _, id := range opts.IDs {
			args = append(args, id)
		}
	}
	for _, f := range opts.Filters {
		if !allowedOps[f.Op] {
			return nil, fmt.Errorf("segment: unsupported filter operator %q", f.Op)
		}
		if !presentSet[f.Column] {
			// Column added after this segment was written: every row has
			// NULL there, which never matches a comparison.
			where = append(where, "0")
			continue
		}
		where = append(where, quoteIdent(f.Column)+" "+f.Op+" ?")
		args = append(args, f.Value)
	}

	query := "SELECT " + strings.Join(selects, ", ") + " FROM records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("segment: scan failed on %s: %w", r.path, err)
	}
	return &Cursor{rows: rows, columns: projection}, nil
}

// Close closes the underlying database handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Cursor iterates scan results row by row.
type Cursor struct {
	rows    *sql.Rows
	columns []string
}

// Columns returns the projected column names, in result order.
func (c *Cursor) Columns() []string {
	return c.columns
}

// Next advances to the next row, returning false at the end of the result.
func (c *Cursor) Next() bool {
	return c.rows.Next()
}

// Row returns the current row's values in column order. Attribute blobs are
// returned raw; use DecodeAttributes to unpack them.
func (c *Cursor) Row() ([]interface{}, error) {
	values := make([]interface{}, len(c.columns))
	ptrs := make([]interface{}, len(c.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("segment: failed to scan row: %w", err)
	}
	return values, nil
}

// Err reports any error encountered during iteration.
func (c *Cursor) Err() error {
	return c.rows.Err()
}

// Close releases the cursor.
func (c *Cursor) Close() error {
	return c.rows.Close()
}
