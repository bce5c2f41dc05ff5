package types

import "fmt"

// Column storage types. These are SQLite storage classes because segment
// files are SQLite databases.
const (
	ColText    = "TEXT"
	ColInteger = "INTEGER"
	ColReal    = "REAL"
	ColBlob    = "BLOB"
)

// ColumnDef defines a single column in the wide table schema.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name"`

	// Type is the SQLite storage class: TEXT, INTEGER, REAL, BLOB
	Type string `json:"type"`

	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable"`

	// PrimaryKey indicates whether this column is part of the primary key
	PrimaryKey bool `json:"primary_key,omitempty"`
}

// Schema defines the structure of a tenant table. Evolution is append-only:
// Merge may add nullable columns but never removes or retypes one, so every
// historical segment stays readable under the current schema.
type Schema struct {
	// Version increments on every widening
	Version int `json:"version"`

	// Columns in declaration order
	Columns []ColumnDef `json:"columns"`
}

// BaseSchema returns the canonical wide schema new tenant tables are
// created with.
func BaseSchema() Schema {
	return Schema{
		Version: 1,
		Columns: []ColumnDef{
			{Name: "id", Type: ColText, Nullable: false, PrimaryKey: true},
			{Name: "project_id", Type: ColText, Nullable: false},
			{Name: "timestamp", Type: ColInteger, Nullable: false},
			{Name: "parent_id", Type: ColText, Nullable: true},
			{Name: "trace_id", Type: ColText, Nullable: true},
			{Name: "span_id", Type: ColText, Nullable: true},
			{Name: "name", Type: ColText, Nullable: true},
			{Name: "kind", Type: ColText, Nullable: true},
			{Name: "level", Type: ColText, Nullable: true},
			{Name: "status_code", Type: ColText, Nullable: true},
			{Name: "status_message", Type: ColText, Nullable: true},
			{Name: "start_time", Type: ColInteger, Nullable: true},
			{Name: "end_time", Type: ColInteger, Nullable: true},
			{Name: "duration", Type: ColInteger, Nullable: true},
			{Name: "body", Type: ColText, Nullable: true},
			{Name: "metric_name", Type: ColText, Nullable: true},
			{Name: "metric_value", Type: ColReal, Nullable: true},
			{Name: "attributes", Type: ColBlob, Nullable: true},
		},
	}
}

// Column returns the definition of the named column.
func (s *Schema) Column(name string) (ColumnDef, bool) {
	for _, col := range s.Columns {
		if col.Name == name {
			return col, true
		}
	}
	return ColumnDef{}, false
}

// HasColumn reports whether the schema contains the named column.
func (s *Schema) HasColumn(name string) bool {
	_, ok := s.Column(name)
	return ok
}

// ColumnNames returns the column names in declaration order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		names[i] = col.Name
	}
	return names
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() Schema {
	cp := Schema{Version: s.Version, Columns: make([]ColumnDef, len(s.Columns))}
	copy(cp.Columns, s.Columns)
	return cp
}

// Merge widens the schema with any columns in incoming that this schema does
// not have yet. Added columns are always nullable. A column present in both
// with a different storage type is a conflict; Merge never narrows, removes,
// or retypes. The returned schema has an incremented version when widened,
// and widened reports whether anything was added.
func (s *Schema) Merge(incoming []ColumnDef) (merged Schema, widened bool, err error) {
	merged = s.Clone()
	for _, in := range incoming {
		existing, ok := merged.Column(in.Name)
		if !ok {
			merged.Columns = append(merged.Columns, ColumnDef{
				Name:     in.Name,
				Type:     in.Type,
				Nullable: true,
			})
			widened = true
			continue
		}
		if existing.Type != in.Type {
			return Schema{}, false, fmt.Errorf(
				"schema: column %q declared as %s conflicts with existing type %s",
				in.Name, in.Type, existing.Type)
		}
	}
	if widened {
		merged.Version = s.Version + 1
	}
	return merged, widened, nil
}

// ExtraColumnType maps a Go extra-column value to its SQLite storage class.
func ExtraColumnType(v interface{}) (string, error) {
	switch v.(type) {
	case string:
		return ColText, nil
	case int64:
		return ColInteger, nil
	case float64:
		return ColReal, nil
	case bool:
		return ColInteger, nil
	default:
		return "", fmt.Errorf("schema: unsupported extra column type %T", v)
	}
}

// ExtraColumns derives column definitions for every typed extra column used
// by the given records, in first-seen order.
func ExtraColumns(records []Record) ([]ColumnDef, error) {
	var cols []ColumnDef
	seen := make(map[string]string)
	for _, r := range records {
		for name, v := range r.Extras {
			typ, err := ExtraColumnType(v)
			if err != nil {
				return nil, fmt.Errorf("schema: record %s: %w", r.ID, err)
			}
			if prev, ok := seen[name]; ok {
				if prev != typ {
					return nil, fmt.Errorf(
						"schema: extra column %q used as both %s and %s within one batch",
						name, prev, typ)
				}
				continue
			}
			seen[name] = typ
			cols = append(cols, ColumnDef{Name: name, Type: typ, Nullable: true})
		}
	}
	return cols, nil
}
