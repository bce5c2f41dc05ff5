// Package observability tracks scan statistics: which columns queries filter
// on, and how much pruning saves. Predicate frequency feeds decisions about
// which columns deserve a sidecar filter.
package observability

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ColumnStats holds filter statistics for one column.
type ColumnStats struct {
	Column    string
	Frequency int64
	LastSeen  time.Time
	Operators map[string]int
}

// Counters are the aggregate scan counters since process start.
type Counters struct {
	Scans           int64 `json:"scans"`
	SegmentsScanned int64 `json:"segments_scanned"`
	SegmentsPruned  int64 `json:"segments_pruned"`
	RowsReturned    int64 `json:"rows_returned"`
}

// ScanStats tracks predicate frequency and pruning effectiveness. All
// methods are safe for concurrent use.
type ScanStats struct {
	mu            sync.RWMutex
	predicateFreq map[string]*ColumnStats
	window        time.Duration

	scans           atomic.Int64
	segmentsScanned atomic.Int64
	segmentsPruned  atomic.Int64
	rowsReturned    atomic.Int64
}

// NewScanStats creates a tracker. window bounds how long an idle column stays
// in the frequency table.
func NewScanStats(window time.Duration) *ScanStats {
	return &ScanStats{
		predicateFreq: make(map[string]*ColumnStats),
		window:        window,
	}
}

// RecordPredicate records one predicate evaluation against a column.
func (s *ScanStats) RecordPredicate(column, operator string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.predicateFreq[column]
	if !ok {
		stats = &ColumnStats{Column: column, Operators: make(map[string]int)}
		s.predicateFreq[column] = stats
	}
	stats.Frequency++
	stats.LastSeen = time.Now()
	stats.Operators[operator]++
}

// RecordScan records one scan's segment accounting: how many segments were
// read and how many pruning eliminated.
func (s *ScanStats) RecordScan(scanned, pruned int) {
	s.scans.Add(1)
	s.segmentsScanned.Add(int64(scanned))
	s.segmentsPruned.Add(int64(pruned))
}

// RecordRows records rows returned by a finished cursor.
func (s *ScanStats) RecordRows(n int) {
	s.rowsReturned.Add(int64(n))
}

// Counters returns the aggregate counters.
func (s *ScanStats) Counters() Counters {
	return Counters{
		Scans:           s.scans.Load(),
		SegmentsScanned: s.segmentsScanned.Load(),
		SegmentsPruned:  s.segmentsPruned.Load(),
		RowsReturned:    s.rowsReturned.Load(),
	}
}

// TopPredicates returns the n most-filtered columns, most frequent first.
// The returned stats are deep copies.
func (s *ScanStats) TopPredicates(n int) []ColumnStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.predicateFreq) == 0 {
		return []ColumnStats{}
	}

	stats := make([]ColumnStats, 0, len(s.predicateFreq))
	for _, cs := range s.predicateFreq {
		cp := ColumnStats{
			Column:    cs.Column,
			Frequency: cs.Frequency,
			LastSeen:  cs.LastSeen,
			Operators: make(map[string]int, len(cs.Operators)),
		}
		for op, count := range cs.Operators {
			cp.Operators[op] = count
		}
		stats = append(stats, cp)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Frequency > stats[j].Frequency })

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune drops columns not filtered on within the window. Call periodically.
func (s *ScanStats) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-s.window)
	for column, cs := range s.predicateFreq {
		if cs.LastSeen.Before(threshold) {
			delete(s.predicateFreq, column)
		}
	}
}
