// Package types provides core data types for the Skylark engine.
package types

import (
	"fmt"
	"time"
)

// SignalKind classifies which shape of telemetry a record carries.
type SignalKind string

const (
	SignalSpan   SignalKind = "span"
	SignalLog    SignalKind = "log"
	SignalMetric SignalKind = "metric"
)

// Record is one logical telemetry row in the otel_logs_and_spans table.
// ProjectID, Timestamp, and ID are the required prefix; everything else is
// optional and which optionals are populated determines the signal kind.
type Record struct {
	// ProjectID is the tenant key. Required.
	ProjectID string `json:"project_id"`

	// Timestamp is the event time in UTC nanoseconds. Required.
	Timestamp int64 `json:"timestamp"`

	// ID is the stable row identifier used for redelivery de-duplication.
	// Assigned by the engine when the client omits it.
	ID string `json:"id"`

	// Span hierarchy and trace correlation
	ParentID *string `json:"parent_id,omitempty"`
	TraceID  *string `json:"trace_id,omitempty"`
	SpanID   *string `json:"span_id,omitempty"`

	// Common descriptive fields
	Name          *string `json:"name,omitempty"`
	Kind          *string `json:"kind,omitempty"`
	Level         *string `json:"level,omitempty"`
	StatusCode    *string `json:"status_code,omitempty"`
	StatusMessage *string `json:"status_message,omitempty"`

	// Span timing (UTC nanoseconds)
	StartTime *int64 `json:"start_time,omitempty"`
	EndTime   *int64 `json:"end_time,omitempty"`
	Duration  *int64 `json:"duration,omitempty"`

	// Log payload
	Body *string `json:"body,omitempty"`

	// Metric payload
	MetricName  *string  `json:"metric_name,omitempty"`
	MetricValue *float64 `json:"metric_value,omitempty"`

	// Attributes carries the long tail of telemetry attributes as an opaque
	// string map. Stored compressed in a single column, never pruned on.
	Attributes map[string]string `json:"attributes,omitempty"`

	// Extras carries typed first-class columns beyond the canonical set.
	// Unseen extras widen the tenant schema with nullable columns.
	// Values must be string, int64, float64, or bool.
	Extras map[string]interface{} `json:"extras,omitempty"`
}

// Signal infers which signal type this record carries from its populated
// optional fields. Spans win over logs when both shapes are present.
func (r *Record) Signal() SignalKind {
	if r.MetricName != nil {
		return SignalMetric
	}
	if r.SpanID != nil || r.StartTime != nil || r.ParentID != nil {
		return SignalSpan
	}
	return SignalLog
}

// Time returns the record timestamp as a time.Time in UTC.
func (r *Record) Time() time.Time {
	return time.Unix(0, r.Timestamp).UTC()
}

// Validate checks the required prefix fields. It does not assign defaults;
// the ingest path generates an ID before enqueueing when one is absent.
func (r *Record) Validate() error {
	if r.ProjectID == "" {
		return fmt.Errorf("record: project_id is required")
	}
	if r.Timestamp <= 0 {
		return fmt.Errorf("record: timestamp is required and must be positive")
	}
	for name, v := range r.Extras {
		switch v.(type) {
		case string, int64, float64, bool:
		default:
			return fmt.Errorf("record: extra column %q has unsupported type %T", name, v)
		}
	}
	return nil
}

// QueueEntry is one buffered record plus its per-tenant sequence number and
// arrival timestamp, as held by the durable ingest buffer.
type QueueEntry struct {
	ProjectID string `json:"project_id"`
	Seq       uint64 `json:"seq"`
	ArrivedAt int64  `json:"arrived_at"`
	Record    Record `json:"record"`
}

// FlushBatch is a contiguous run of queue entries for one tenant, committed
// as a single remote transaction.
type FlushBatch struct {
	ProjectID string
	Entries   []QueueEntry
}

// FirstSeq returns the sequence number of the oldest entry in the batch.
func (b *FlushBatch) FirstSeq() uint64 {
	if len(b.Entries) == 0 {
		return 0
	}
	return b.Entries[0].Seq
}

// LastSeq returns the sequence number of the newest entry in the batch.
func (b *FlushBatch) LastSeq() uint64 {
	if len(b.Entries) == 0 {
		return 0
	}
	return b.Entries[len(b.Entries)-1].Seq
}

// BatchKey is the commit-level idempotency key recorded in the table log so
// a crash between remote commit and local acknowledgment cannot make the
// same batch visible twice.
func (b *FlushBatch) BatchKey() string {
	return fmt.Sprintf("seq/%d-%d", b.FirstSeq(), b.LastSeq())
}

// Records returns the raw records of the batch in enqueue order.
func (b *FlushBatch) Records() []Record {
	records := make([]Record, len(b.Entries))
	for i, e := range b.Entries {
		records[i] = e.Record
	}
	return records
}
