package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genColumnDef generates a column with a name drawn from a small alphabet so
// that merges regularly collide with existing columns.
func genColumnDef() gopter.Gen {
	names := gen.OneConstOf(
		"region", "host", "pod", "service", "env",
		"retries", "bytes_sent", "latency_ms", "sampled",
	)
	types := gen.OneConstOf(ColText, ColInteger, ColReal, ColBlob)
	return gopter.CombineGens(names, types).Map(func(vals []interface{}) ColumnDef {
		return ColumnDef{Name: vals[0].(string), Type: vals[1].(string)}
	})
}

func TestSchemaMergeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("merge never removes or retypes existing columns", prop.ForAll(
		func(incoming []ColumnDef) bool {
			base := BaseSchema()
			merged, _, err := base.Merge(incoming)
			if err != nil {
				// A conflict leaves the original schema untouched; nothing
				// further to check for this sample.
				return true
			}
			for _, col := range base.Columns {
				after, ok := merged.Column(col.Name)
				if !ok || after != col {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genColumnDef()),
	))

	properties.Property("added columns are nullable and version bumps exactly when widened", prop.ForAll(
		func(incoming []ColumnDef) bool {
			base := BaseSchema()
			merged, widened, err := base.Merge(incoming)
			if err != nil {
				return true
			}
			added := len(merged.Columns) - len(base.Columns)
			if widened != (added > 0) {
				return false
			}
			if widened && merged.Version != base.Version+1 {
				return false
			}
			if !widened && merged.Version != base.Version {
				return false
			}
			for _, col := range merged.Columns[len(base.Columns):] {
				if !col.Nullable {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genColumnDef()),
	))

	properties.Property("merge is idempotent", prop.ForAll(
		func(incoming []ColumnDef) bool {
			base := BaseSchema()
			once, _, err := base.Merge(incoming)
			if err != nil {
				return true
			}
			twice, widened, err := once.Merge(incoming)
			if err != nil || widened {
				return false
			}
			if len(twice.Columns) != len(once.Columns) || twice.Version != once.Version {
				return false
			}
			return true
		},
		gen.SliceOf(genColumnDef()),
	))

	properties.Property("retyping an existing column is a conflict", prop.ForAll(
		func(idx int) bool {
			base := BaseSchema()
			col := base.Columns[idx%len(base.Columns)]
			other := ColBlob
			if col.Type == ColBlob {
				other = ColText
			}
			_, _, err := base.Merge([]ColumnDef{{Name: col.Name, Type: other}})
			return err != nil
		},
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
