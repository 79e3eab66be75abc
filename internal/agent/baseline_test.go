package agent

import (
	"math"
	"testing"
	"time"
)

var baselineNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func successSnap(at time.Time, rows int64) Snapshot {
	return Snapshot{
		SourceName:    "orders",
		CollectedAt:   at,
		CollectStatus: CollectSuccess,
		RowCount:      &rows,
	}
}

// hourly builds n successful snapshots one hour apart ending just before
// baselineNow, with the given row counts oldest-first.
func hourly(counts ...int64) []Snapshot {
	out := make([]Snapshot, len(counts))
	for i, c := range counts {
		at := baselineNow.Add(-time.Duration(len(counts)-i) * time.Hour)
		out[i] = successSnap(at, c)
	}
	return out
}

func TestComputeBaselineEmpty(t *testing.T) {
	b := ComputeBaseline(nil, BaselinePolicy{WindowSize: 20, MaxAgeDays: 30}, baselineNow)
	if b.SnapshotCount != 0 {
		t.Errorf("SnapshotCount = %d, want 0", b.SnapshotCount)
	}
	if b.RowCountMedian != nil || b.RowCountStddev != nil || b.ExpectedIntervalSeconds != nil {
		t.Error("empty baseline should have all-nil statistics")
	}
}

func TestComputeBaselineSingleSample(t *testing.T) {
	history := hourly(100)
	b := ComputeBaseline(history, BaselinePolicy{WindowSize: 20, MaxAgeDays: 30}, baselineNow)

	if b.SnapshotCount != 1 {
		t.Fatalf("SnapshotCount = %d, want 1", b.SnapshotCount)
	}
	if b.RowCountMedian == nil || *b.RowCountMedian != 100 {
		t.Errorf("RowCountMedian = %v, want 100", b.RowCountMedian)
	}
	// One sample: no spread, no interval.
	if b.RowCountStddev != nil {
		t.Errorf("RowCountStddev = %v, want nil", *b.RowCountStddev)
	}
	if b.ExpectedIntervalSeconds != nil {
		t.Errorf("ExpectedIntervalSeconds = %v, want nil", *b.ExpectedIntervalSeconds)
	}
}

func TestComputeBaselineMedianEvenCount(t *testing.T) {
	b := ComputeBaseline(hourly(10, 20, 30, 40), BaselinePolicy{WindowSize: 20, MaxAgeDays: 30}, baselineNow)
	if *b.RowCountMedian != 25 {
		t.Errorf("RowCountMedian = %v, want 25", *b.RowCountMedian)
	}
	if *b.RowCountMin != 10 || *b.RowCountMax != 40 {
		t.Errorf("min/max = %v/%v, want 10/40", *b.RowCountMin, *b.RowCountMax)
	}
}

func TestComputeBaselineStddevPopulation(t *testing.T) {
	b := ComputeBaseline(hourly(2, 4, 4, 4, 5, 5, 7, 9), BaselinePolicy{WindowSize: 20, MaxAgeDays: 30}, baselineNow)
	// Classic population-stddev example: exactly 2.
	if math.Abs(*b.RowCountStddev-2.0) > 1e-9 {
		t.Errorf("RowCountStddev = %v, want 2.0", *b.RowCountStddev)
	}
}

func TestComputeBaselineWindowKeepsMostRecent(t *testing.T) {
	// 10 samples, window of 3: only the newest 3 (80, 90, 100) survive.
	history := hourly(1, 1, 1, 1, 1, 1, 1, 80, 90, 100)
	b := ComputeBaseline(history, BaselinePolicy{WindowSize: 3, MaxAgeDays: 30}, baselineNow)

	if b.SnapshotCount != 3 {
		t.Fatalf("SnapshotCount = %d, want 3", b.SnapshotCount)
	}
	if *b.RowCountMedian != 90 {
		t.Errorf("RowCountMedian = %v, want 90", *b.RowCountMedian)
	}
	if *b.RowCountMin != 80 {
		t.Errorf("RowCountMin = %v, want 80", *b.RowCountMin)
	}
}

func TestComputeBaselineAgeFilter(t *testing.T) {
	old := successSnap(baselineNow.Add(-40*24*time.Hour), 999)
	fresh := successSnap(baselineNow.Add(-time.Hour), 50)
	b := ComputeBaseline([]Snapshot{old, fresh}, BaselinePolicy{WindowSize: 20, MaxAgeDays: 30}, baselineNow)

	if b.SnapshotCount != 1 {
		t.Fatalf("SnapshotCount = %d, want 1 (old sample excluded)", b.SnapshotCount)
	}
	if *b.RowCountMedian != 50 {
		t.Errorf("RowCountMedian = %v, want 50", *b.RowCountMedian)
	}
}

func TestComputeBaselineSkipsFailedAndNilCounts(t *testing.T) {
	failed := Snapshot{CollectedAt: baselineNow.Add(-time.Hour), CollectStatus: CollectFailed}
	noCount := Snapshot{CollectedAt: baselineNow.Add(-2 * time.Hour), CollectStatus: CollectSuccess}
	ok := successSnap(baselineNow.Add(-3*time.Hour), 42)

	b := ComputeBaseline([]Snapshot{failed, noCount, ok}, BaselinePolicy{WindowSize: 20, MaxAgeDays: 30}, baselineNow)
	if b.SnapshotCount != 1 {
		t.Errorf("SnapshotCount = %d, want 1", b.SnapshotCount)
	}
}

func TestComputeBaselineOrderIndependent(t *testing.T) {
	history := hourly(10, 30, 20, 50, 40)
	reversed := make([]Snapshot, len(history))
	for i, s := range history {
		reversed[len(history)-1-i] = s
	}

	a := ComputeBaseline(history, BaselinePolicy{WindowSize: 20, MaxAgeDays: 30}, baselineNow)
	b := ComputeBaseline(reversed, BaselinePolicy{WindowSize: 20, MaxAgeDays: 30}, baselineNow)

	if *a.RowCountMedian != *b.RowCountMedian {
		t.Errorf("median differs by input order: %v vs %v", *a.RowCountMedian, *b.RowCountMedian)
	}
	if *a.RowCountStddev != *b.RowCountStddev {
		t.Errorf("stddev differs by input order: %v vs %v", *a.RowCountStddev, *b.RowCountStddev)
	}
}

func TestExpectedIntervalMedianOfDeltas(t *testing.T) {
	// Gaps of 1h, 1h, 2h: median delta is 1h.
	history := []Snapshot{
		successSnap(baselineNow.Add(-5*time.Hour), 10),
		successSnap(baselineNow.Add(-4*time.Hour), 10),
		successSnap(baselineNow.Add(-3*time.Hour), 10),
		successSnap(baselineNow.Add(-1*time.Hour), 10),
	}
	b := ComputeBaseline(history, BaselinePolicy{WindowSize: 20, MaxAgeDays: 30}, baselineNow)
	if b.ExpectedIntervalSeconds == nil {
		t.Fatal("ExpectedIntervalSeconds = nil, want value")
	}
	if *b.ExpectedIntervalSeconds != 3600 {
		t.Errorf("ExpectedIntervalSeconds = %v, want 3600", *b.ExpectedIntervalSeconds)
	}
}

func TestExpectedIntervalZeroDeltasIgnored(t *testing.T) {
	// Two snapshots at the same instant: no positive deltas, so no interval.
	at := baselineNow.Add(-time.Hour)
	history := []Snapshot{successSnap(at, 10), successSnap(at, 12)}
	b := ComputeBaseline(history, BaselinePolicy{WindowSize: 20, MaxAgeDays: 30}, baselineNow)
	if b.ExpectedIntervalSeconds != nil {
		t.Errorf("ExpectedIntervalSeconds = %v, want nil", *b.ExpectedIntervalSeconds)
	}
}

func TestBaselineOldestNewestBounds(t *testing.T) {
	history := hourly(10, 20, 30)
	b := ComputeBaseline(history, BaselinePolicy{WindowSize: 20, MaxAgeDays: 30}, baselineNow)
	if b.OldestSnapshotAt == nil || b.NewestSnapshotAt == nil {
		t.Fatal("bounds missing")
	}
	if !b.OldestSnapshotAt.Equal(history[0].CollectedAt) {
		t.Errorf("OldestSnapshotAt = %v, want %v", b.OldestSnapshotAt, history[0].CollectedAt)
	}
	if !b.NewestSnapshotAt.Equal(history[2].CollectedAt) {
		t.Errorf("NewestSnapshotAt = %v, want %v", b.NewestSnapshotAt, history[2].CollectedAt)
	}
}
