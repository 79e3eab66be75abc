package agent

import (
	"fmt"
	"math"
	"time"
)

// Decide evaluates one snapshot against its baseline and source policy.
// Pure and deterministic: all time arithmetic uses the injected now, in UTC.
//
// Rules run in a fixed order. Every applicable rule contributes a reason; the
// final status is the most severe reason's level. A collection failure
// short-circuits the remaining rules.
func Decide(current *Snapshot, baseline BaselineSummary, src *SourceConfig, now time.Time) Decision {
	now = now.UTC()

	if current.CollectStatus == CollectFailed {
		msg := current.ErrorMessage()
		if msg == "" {
			msg = "unknown error"
		}
		return Decision{
			Status: StatusAnomaly,
			Reasons: []Reason{{
				Code:     ReasonCollectFailed,
				Message:  "failed to collect data: " + msg,
				Severity: SeverityCritical,
				Details:  map[string]any{"error_message": msg},
			}},
			Metrics:    echoMetrics(current),
			Baseline:   &baseline,
			Confidence: confidence(baseline),
		}
	}

	var reasons []Reason

	// Zero rows is anomalous on its own, independent of any configured minimum.
	if current.RowCount != nil && *current.RowCount == 0 {
		reasons = append(reasons, Reason{
			Code:     ReasonVolumeZero,
			Message:  "row count is 0",
			Severity: SeverityCritical,
			Details:  map[string]any{"row_count": int64(0)},
		})
	}

	if src.Volume.MinRowCount != nil && current.RowCount != nil && *current.RowCount < *src.Volume.MinRowCount {
		reasons = append(reasons, Reason{
			Code: ReasonVolumeBelowMinimum,
			Message: fmt.Sprintf("row count %d is below minimum threshold of %d",
				*current.RowCount, *src.Volume.MinRowCount),
			Severity: SeverityCritical,
			Details: map[string]any{
				"row_count":     *current.RowCount,
				"min_row_count": *src.Volume.MinRowCount,
			},
		})
	}

	hardStale := false
	if src.Freshness.MaxAgeHours != nil && current.LatestTimestamp != nil {
		ageHours := now.Sub(*current.LatestTimestamp).Hours()
		if ageHours > *src.Freshness.MaxAgeHours {
			hardStale = true
			reasons = append(reasons, Reason{
				Code: ReasonDataStale,
				Message: fmt.Sprintf("data is %.1fh old, exceeds max age of %.1fh",
					ageHours, *src.Freshness.MaxAgeHours),
				Severity: SeverityCritical,
				Details: map[string]any{
					"age_hours":     ageHours,
					"max_age_hours": *src.Freshness.MaxAgeHours,
				},
			})
		}
	}

	if baseline.RowCountMedian != nil && baseline.RowCountStddev != nil && *baseline.RowCountStddev > 0 &&
		current.RowCount != nil {
		deviation := math.Abs(float64(*current.RowCount) - *baseline.RowCountMedian)
		if deviation > src.Volume.DeviationFactor**baseline.RowCountStddev {
			reasons = append(reasons, Reason{
				Code: ReasonVolumeDeviation,
				Message: fmt.Sprintf("row count %d deviates from baseline median %.0f by more than %.1f stddev",
					*current.RowCount, *baseline.RowCountMedian, src.Volume.DeviationFactor),
				Severity: SeverityWarning,
				Details: map[string]any{
					"row_count":        *current.RowCount,
					"median":           *baseline.RowCountMedian,
					"stddev":           *baseline.RowCountStddev,
					"deviation_factor": src.Volume.DeviationFactor,
				},
			})
		}
	}

	// Interval-based staleness only adds signal when the hard threshold has
	// not already flagged the same condition.
	if !hardStale && baseline.ExpectedIntervalSeconds != nil && current.LatestTimestamp != nil {
		ageSeconds := now.Sub(*current.LatestTimestamp).Seconds()
		allowed := src.Freshness.Factor * *baseline.ExpectedIntervalSeconds
		if ageSeconds > allowed {
			reasons = append(reasons, Reason{
				Code: ReasonDataStale,
				Message: fmt.Sprintf("data is %.1fh old, expected at most %.1fh based on collection interval",
					ageSeconds/3600, allowed/3600),
				Severity: SeverityWarning,
				Details: map[string]any{
					"age_seconds":               ageSeconds,
					"expected_interval_seconds": *baseline.ExpectedIntervalSeconds,
					"factor":                    src.Freshness.Factor,
				},
			})
		}
	}

	return Decision{
		Status:     statusOf(reasons),
		Reasons:    reasons,
		Metrics:    echoMetrics(current),
		Baseline:   &baseline,
		Confidence: confidence(baseline),
	}
}

// statusOf maps reasons to a status: any critical reason is an anomaly, any
// warning without criticals is a warning, otherwise OK.
func statusOf(reasons []Reason) Status {
	status := StatusOK
	for _, r := range reasons {
		if r.Severity == SeverityCritical {
			return StatusAnomaly
		}
		status = StatusWarning
	}
	return status
}

// confidence grades baseline quality for human readers and payloads. It never
// gates rule firing.
func confidence(baseline BaselineSummary) float64 {
	switch n := baseline.SnapshotCount; {
	case n >= 10:
		return 1.0
	case n >= 5:
		return 0.8
	case n >= 3:
		return 0.5
	default:
		return 0.3
	}
}

// echoMetrics normalizes a snapshot's metrics into a wire-safe map: row_count
// and latest_timestamp always present, timestamps rendered as RFC3339.
func echoMetrics(s *Snapshot) map[string]any {
	out := make(map[string]any, len(s.Metrics)+2)
	for k, v := range s.Metrics {
		if t, ok := v.(time.Time); ok {
			out[k] = t.UTC().Format(time.RFC3339)
			continue
		}
		out[k] = v
	}
	if s.RowCount != nil {
		out["row_count"] = *s.RowCount
	} else {
		out["row_count"] = nil
	}
	if s.LatestTimestamp != nil {
		out["latest_timestamp"] = s.LatestTimestamp.UTC().Format(time.RFC3339)
	} else {
		out["latest_timestamp"] = nil
	}
	return out
}
