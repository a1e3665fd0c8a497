package llm

import (
	"testing"
	"time"
)

func TestLLMStatsSnapshotPercentiles(t *testing.T) {
	stats := NewLLMStats(time.Hour)
	for _, ms := range []int64{100, 200, 300, 400, 500} {
		stats.Record("structure", ms)
	}

	snap := stats.Snapshot()
	if snap.Count != 5 {
		t.Fatalf("expected count=5, got %d", snap.Count)
	}
	if snap.MinMs != 100 || snap.MaxMs != 500 {
		t.Fatalf("expected min=100 max=500, got min=%d max=%d", snap.MinMs, snap.MaxMs)
	}
	if snap.AvgMs != 300 {
		t.Fatalf("expected avg=300, got %f", snap.AvgMs)
	}
	if snap.P50Ms != 300 {
		t.Fatalf("expected p50=300, got %f", snap.P50Ms)
	}
	if snap.P95Ms != 480 {
		t.Fatalf("expected p95=480, got %f", snap.P95Ms)
	}
	if snap.P99Ms != 496 {
		t.Fatalf("expected p99=496, got %f", snap.P99Ms)
	}
}

func TestLLMStatsByOperation(t *testing.T) {
	stats := NewLLMStats(time.Hour)
	stats.Record("structure", 1000)
	stats.Record("structure", 3000)
	stats.Record("embed", 50)

	by := stats.ByOperation()
	if len(by) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(by))
	}
	if by["structure"].Count != 2 || by["structure"].AvgMs != 2000 {
		t.Fatalf("unexpected structure stats: %+v", by["structure"])
	}
	if by["embed"].Count != 1 || by["embed"].MaxMs != 50 {
		t.Fatalf("unexpected embed stats: %+v", by["embed"])
	}
	if all := stats.Snapshot(); all.Count != 3 {
		t.Fatalf("expected aggregate count=3, got %d", all.Count)
	}
}

func TestLLMStatsPrunesExpiredSamples(t *testing.T) {
	stats := NewLLMStats(10 * time.Millisecond)
	stats.Record("label", 100)
	time.Sleep(25 * time.Millisecond)

	if snap := stats.Snapshot(); snap.Count != 0 {
		t.Fatalf("expected count=0 after prune, got %d", snap.Count)
	}

	stats.Record("label", 200)
	snap := stats.Snapshot()
	if snap.Count != 1 {
		t.Fatalf("expected count=1 for fresh sample, got %d", snap.Count)
	}
	if snap.MinMs != 200 || snap.MaxMs != 200 {
		t.Fatalf("expected min=max=200, got min=%d max=%d", snap.MinMs, snap.MaxMs)
	}
}

func TestLLMStatsRecordClampsNegativeDuration(t *testing.T) {
	stats := NewLLMStats(time.Hour)
	stats.Record("tag", -5)
	if snap := stats.Snapshot(); snap.MinMs != 0 {
		t.Fatalf("expected min=0, got %d", snap.MinMs)
	}
}

func TestEmptySnapshot(t *testing.T) {
	if snap := NewLLMStats(0).Snapshot(); snap.Count != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}
