package segment

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"

	"github.com/skylarkdb/skylark/pkg/types"
)

// columnValue maps a schema column to its value for one record. Fixed
// columns read the struct fields; anything else reads the record's extras.
// Missing optional values insert as NULL.
func columnValue(rec *types.Record, col types.ColumnDef) (interface{}, error) {
	switch col.Name {
	case "id":
		return rec.ID, nil
	case "project_id":
		return rec.ProjectID, nil
	case "timestamp":
		return rec.Timestamp, nil
	case "parent_id":
		return strOrNil(rec.ParentID), nil
	case "trace_id":
		return strOrNil(rec.TraceID), nil
	case "span_id":
		return strOrNil(rec.SpanID), nil
	case "name":
		return strOrNil(rec.Name), nil
	case "kind":
		return strOrNil(rec.Kind), nil
	case "level":
		return strOrNil(rec.Level), nil
	case "status_code":
		return strOrNil(rec.StatusCode), nil
	case "status_message":
		return strOrNil(rec.StatusMessage), nil
	case "start_time":
		return intOrNil(rec.StartTime), nil
	case "end_time":
		return intOrNil(rec.EndTime), nil
	case "duration":
		return intOrNil(rec.Duration), nil
	case "body":
		return strOrNil(rec.Body), nil
	case "metric_name":
		return strOrNil(rec.MetricName), nil
	case "metric_value":
		if rec.MetricValue == nil {
			return nil, nil
		}
		return *rec.MetricValue, nil
	case "attributes":
		return encodeAttributes(rec.Attributes)
	default:
		v, ok := rec.Extras[col.Name]
		if !ok {
			return nil, nil
		}
		typ, err := types.ExtraColumnType(v)
		if err != nil {
			return nil, fmt.Errorf("segment: column %s: %w", col.Name, err)
		}
		if typ != col.Type {
			return nil, fmt.Errorf("segment: value for column %s has storage class %s, schema says %s", col.Name, typ, col.Type)
		}
		return v, nil
	}
}

func strOrNil(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func intOrNil(p *int64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// encodeAttributes serializes the attribute map as snappy-compressed JSON.
// Empty maps store as NULL.
func encodeAttributes(attrs map[string]string) (interface{}, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to marshal attributes: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

// RecordFromRow rebuilds a Record from a full-width scan row. Used by
// compaction to rewrite segments; the inverse of columnValue.
func RecordFromRow(columns []string, values []interface{}) (types.Record, error) {
	if len(columns) != len(values) {
		return types.Record{}, fmt.Errorf("segment: row has %d values for %d columns", len(values), len(columns))
	}

	var rec types.Record
	for i, name := range columns {
		v := values[i]
		if v == nil {
			continue
		}
		switch name {
		case "id":
			rec.ID = asString(v)
		case "project_id":
			rec.ProjectID = asString(v)
		case "timestamp":
			if ts, ok := v.(int64); ok {
				rec.Timestamp = ts
			}
		case "parent_id":
			rec.ParentID = strRef(v)
		case "trace_id":
			rec.TraceID = strRef(v)
		case "span_id":
			rec.SpanID = strRef(v)
		case "name":
			rec.Name = strRef(v)
		case "kind":
			rec.Kind = strRef(v)
		case "level":
			rec.Level = strRef(v)
		case "status_code":
			rec.StatusCode = strRef(v)
		case "status_message":
			rec.StatusMessage = strRef(v)
		case "start_time":
			rec.StartTime = intRef(v)
		case "end_time":
			rec.EndTime = intRef(v)
		case "duration":
			rec.Duration = intRef(v)
		case "body":
			rec.Body = strRef(v)
		case "metric_name":
			rec.MetricName = strRef(v)
		case "metric_value":
			if f, ok := v.(float64); ok {
				rec.MetricValue = &f
			}
		case "attributes":
			blob, ok := v.([]byte)
			if !ok {
				return types.Record{}, fmt.Errorf("segment: attributes column is %T, want blob", v)
			}
			attrs, err := DecodeAttributes(blob)
			if err != nil {
				return types.Record{}, err
			}
			rec.Attributes = attrs
		default:
			if rec.Extras == nil {
				rec.Extras = make(map[string]interface{})
			}
			rec.Extras[name] = v
		}
	}
	return rec, nil
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func strRef(v interface{}) *string {
	if s, ok := v.(string); ok {
		return &s
	}
	return nil
}

func intRef(v interface{}) *int64 {
	if n, ok := v.(int64); ok {
		return &n
	}
	return nil
}

// DecodeAttributes reverses encodeAttributes.
func DecodeAttributes(blob []byte) (map[string]string, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	data, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("segment: failed to decompress attributes: %w", err)
	}
	var attrs map[string]string
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("segment: failed to unmarshal attributes: %w", err)
	}
	return attrs, nil
}
