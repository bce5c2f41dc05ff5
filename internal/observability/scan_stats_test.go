package observability

import (
	"sync"
	"testing"
	"time"
)

func TestScanStats_TopPredicates(t *testing.T) {
	s := NewScanStats(time.Hour)

	for i := 0; i < 5; i++ {
		s.RecordPredicate("trace_id", "=")
	}
	for i := 0; i < 3; i++ {
		s.RecordPredicate("level", "=")
	}
	s.RecordPredicate("timestamp", ">=")

	top := s.TopPredicates(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(top))
	}
	if top[0].Column != "trace_id" || top[0].Frequency != 5 {
		t.Errorf("expected trace_id x5 first, got %s x%d", top[0].Column, top[0].Frequency)
	}
	if top[1].Column != "level" {
		t.Errorf("expected level second, got %s", top[1].Column)
	}
	if top[0].Operators["="] != 5 {
		t.Errorf("expected operator counts preserved, got %v", top[0].Operators)
	}

	// Mutating the copy must not touch the tracker.
	top[0].Operators["="] = 0
	if s.TopPredicates(1)[0].Operators["="] != 5 {
		t.Error("returned stats alias internal state")
	}
}

func TestScanStats_PruneDropsIdleColumns(t *testing.T) {
	s := NewScanStats(time.Nanosecond)
	s.RecordPredicate("level", "=")
	time.Sleep(time.Millisecond)
	s.Prune()

	if got := s.TopPredicates(10); len(got) != 0 {
		t.Errorf("expected pruned tracker, got %v", got)
	}
}

func TestScanStats_CountersAccumulate(t *testing.T) {
	s := NewScanStats(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordScan(3, 2)
			s.RecordRows(10)
		}()
	}
	wg.Wait()

	c := s.Counters()
	if c.Scans != 8 || c.SegmentsScanned != 24 || c.SegmentsPruned != 16 || c.RowsReturned != 80 {
		t.Errorf("unexpected counters: %+v", c)
	}
}
