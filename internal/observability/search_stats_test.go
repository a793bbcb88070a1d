package observability

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// TestRecordConcurrent tests concurrent Record calls for race conditions.
func TestRecordConcurrent(t *testing.T) {
	qs := NewSearchStats(1 * time.Hour)
	var wg sync.WaitGroup
	numGoroutines := 10
	recordsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < recordsPerGoroutine; j++ {
				qs.Record(SearchRecord{Table: "a", Queries: 2, K: 10, RawSegments: 1})
				qs.Record(SearchRecord{Table: "b", Queries: 1, K: 5, IndexedSegments: 3})
			}
		}()
	}
	wg.Wait()

	expected := int64(numGoroutines * recordsPerGoroutine)
	a, ok := qs.Get("a")
	if !ok {
		t.Fatal("expected stats for table a")
	}
	if a.Searches != expected || a.Queries != 2*expected {
		t.Errorf("expected %d searches and %d queries, got %d and %d", expected, 2*expected, a.Searches, a.Queries)
	}
	b, _ := qs.Get("b")
	if b.Paths["indexed"] != 3*expected || b.Paths["raw"] != 0 {
		t.Errorf("unexpected path counts %v", b.Paths)
	}
	if b.TopKHistogram[5] != expected {
		t.Errorf("expected k=5 recorded %d times, got %d", expected, b.TopKHistogram[5])
	}
}

func TestGetTopTablesOrdering(t *testing.T) {
	qs := NewSearchStats(1 * time.Hour)
	for i := 0; i < 5; i++ {
		qs.Record(SearchRecord{Table: "hot"})
	}
	for i := 0; i < 2; i++ {
		qs.Record(SearchRecord{Table: "warm"})
	}
	qs.Record(SearchRecord{Table: "cold"})

	top := qs.GetTopTables(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(top))
	}
	if top[0].Table != "hot" || top[1].Table != "warm" {
		t.Errorf("unexpected order: %s, %s", top[0].Table, top[1].Table)
	}

	if got := qs.GetTopTables(0); len(got) != 0 {
		t.Errorf("expected empty result for n=0, got %d", len(got))
	}
	if got := qs.GetTopTables(10); len(got) != 3 {
		t.Errorf("expected all 3 tables, got %d", len(got))
	}
}

func TestLatencyAndFailures(t *testing.T) {
	qs := NewSearchStats(1 * time.Hour)
	qs.Record(SearchRecord{Table: "t", Latency: 10 * time.Millisecond})
	qs.Record(SearchRecord{Table: "t", Latency: 30 * time.Millisecond, Err: errors.New("boom")})

	s, _ := qs.Get("t")
	if s.Failures != 1 {
		t.Errorf("expected 1 failure, got %d", s.Failures)
	}
	if s.MaxLatency != 30*time.Millisecond {
		t.Errorf("expected max latency 30ms, got %v", s.MaxLatency)
	}
	if s.MeanLatency() != 20*time.Millisecond {
		t.Errorf("expected mean latency 20ms, got %v", s.MeanLatency())
	}
}

func TestGetReturnsCopy(t *testing.T) {
	qs := NewSearchStats(1 * time.Hour)
	qs.Record(SearchRecord{Table: "t", K: 3})

	s, _ := qs.Get("t")
	s.TopKHistogram[3] = 100

	again, _ := qs.Get("t")
	if again.TopKHistogram[3] != 1 {
		t.Errorf("tracker state was mutated through a copy: %d", again.TopKHistogram[3])
	}
}

func TestPruneAndForget(t *testing.T) {
	qs := NewSearchStats(50 * time.Millisecond)
	qs.Record(SearchRecord{Table: "old"})
	time.Sleep(100 * time.Millisecond)
	qs.Record(SearchRecord{Table: "new"})

	qs.Prune()
	if _, ok := qs.Get("old"); ok {
		t.Error("expected old entry to be pruned")
	}
	if _, ok := qs.Get("new"); !ok {
		t.Error("expected new entry to survive prune")
	}

	qs.Forget("new")
	if _, ok := qs.Get("new"); ok {
		t.Error("expected entry to be forgotten")
	}
}
