package agent

import (
	"math"
	"sort"
	"time"
)

// BaselinePolicy bounds which historical snapshots contribute to a baseline.
type BaselinePolicy struct {
	WindowSize int
	MaxAgeDays int
}

// ComputeBaseline summarizes historical snapshots for one source. Pure and
// deterministic: the input order does not matter and now is injected.
//
// Only SUCCESS snapshots with a row count, collected within the policy's age
// window, contribute. Of those, the most recent WindowSize are kept.
func ComputeBaseline(history []Snapshot, policy BaselinePolicy, now time.Time) BaselineSummary {
	cutoff := now.Add(-time.Duration(policy.MaxAgeDays) * 24 * time.Hour)

	selected := make([]Snapshot, 0, len(history))
	for _, s := range history {
		if s.CollectStatus != CollectSuccess || s.RowCount == nil {
			continue
		}
		if s.CollectedAt.Before(cutoff) {
			continue
		}
		selected = append(selected, s)
	}

	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].CollectedAt.Before(selected[j].CollectedAt)
	})
	if policy.WindowSize > 0 && len(selected) > policy.WindowSize {
		selected = selected[len(selected)-policy.WindowSize:]
	}

	if len(selected) == 0 {
		return BaselineSummary{}
	}

	counts := make([]float64, len(selected))
	for i, s := range selected {
		counts[i] = float64(*s.RowCount)
	}

	summary := BaselineSummary{
		SnapshotCount:  len(selected),
		RowCountMedian: ptr(median(counts)),
		RowCountMin:    ptr(minOf(counts)),
		RowCountMax:    ptr(maxOf(counts)),
	}

	if len(counts) >= 2 {
		summary.RowCountStddev = ptr(populationStddev(counts))
	}

	if interval := expectedInterval(selected); interval != nil {
		summary.ExpectedIntervalSeconds = interval
	}

	oldest := selected[0].CollectedAt
	newest := selected[len(selected)-1].CollectedAt
	summary.OldestSnapshotAt = &oldest
	summary.NewestSnapshotAt = &newest

	return summary
}

// expectedInterval returns the median of the positive deltas between
// consecutive collection instants, or nil with fewer than 2 samples.
func expectedInterval(sorted []Snapshot) *float64 {
	if len(sorted) < 2 {
		return nil
	}
	var deltas []float64
	for i := 1; i < len(sorted); i++ {
		d := sorted[i].CollectedAt.Sub(sorted[i-1].CollectedAt).Seconds()
		if d > 0 {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		return nil
	}
	return ptr(median(deltas))
}

// median mutates its argument by sorting it. Even-length inputs use the
// average of the two middle values.
func median(vals []float64) float64 {
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}

func populationStddev(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))

	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(vals)))
}

func minOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func ptr[T any](v T) *T {
	return &v
}
