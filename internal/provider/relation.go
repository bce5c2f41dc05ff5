// Package provider exposes tenant tables to query engines through a
// capability-based relation contract: schema, statistics, predicate
// pushdown, and cursor scans. The engine above plans; the relation prunes
// segment files and pushes projection and filters into segment reads.
package provider

import (
	"context"

	"github.com/skylarkdb/skylark/pkg/types"
)

// PushdownSupport classifies how a relation handles a predicate.
type PushdownSupport int

const (
	// PushdownUnsupported means the engine must evaluate the predicate
	// itself; the relation ignores it.
	PushdownUnsupported PushdownSupport = iota
	// PushdownInexact means the relation uses the predicate to prune but
	// may still return non-matching rows.
	PushdownInexact
	// PushdownExact means every returned row satisfies the predicate.
	PushdownExact
)

// Predicate is a single-column comparison pushed down from the engine.
type Predicate struct {
	Column string
	Op     string // "=", "!=", "<", "<=", ">", ">="
	Value  interface{}
}

// ScanSpec selects the shape of a scan.
type ScanSpec struct {
	// Projection lists the columns to return; nil means all.
	Projection []string
	// Predicates are the pushed-down filters.
	Predicates []Predicate
	// Limit caps total returned rows; 0 means unlimited.
	Limit int
}

// Statistics summarizes a relation for the planner.
type Statistics struct {
	RowCount     int64
	SizeBytes    int64
	SegmentCount int
	TenantCount  int
}

// RowCursor iterates scan results. Warnings carries per-tenant partial
// failures that did not abort the scan.
type RowCursor interface {
	Columns() []string
	// Next returns the next row, or (nil, nil) at end of results.
	Next() ([]interface{}, error)
	Warnings() []string
	Close() error
}

// Relation is the capability contract a query engine consumes.
type Relation interface {
	Schema(ctx context.Context) (types.Schema, error)
	Statistics(ctx context.Context) (Statistics, error)
	SupportsPredicate(p Predicate) PushdownSupport
	Scan(ctx context.Context, spec ScanSpec) (RowCursor, error)
}
