package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// historyFetchLimit bounds how many snapshots a single check pulls back.
// The baseline window is far smaller; the slack covers failed collections
// interleaved with successful ones.
const historyFetchLimit = 200

// Checker runs the full collect-decide-alert cycle for configured sources.
type Checker struct {
	cfg       *Config
	ledger    Ledger
	collector Collector
	pipeline  *Pipeline
	dryRun    bool
	now       func() time.Time
}

// NewChecker wires a checker from config and an open ledger. In dry-run
// mode nothing is persisted and no webhook fires.
func NewChecker(cfg *Config, ledger Ledger, dryRun bool) *Checker {
	return &Checker{
		cfg:       cfg,
		ledger:    ledger,
		collector: NewSQLCollector(),
		pipeline:  NewPipeline(&cfg.Alerting, ledger, cfg.Agent.ID, dryRun),
		dryRun:    dryRun,
		now:       time.Now,
	}
}

// CheckResult is the outcome of one source's cycle.
type CheckResult struct {
	SourceName string
	Skipped    bool
	Snapshot   Snapshot
	Decision   *Decision
	Outcomes   []AlertOutcome
}

// CheckSource runs one cycle for a single source: collect, record, baseline,
// decide, alert. With force false, a source whose schedule has not fired
// since its last collection is skipped.
func (c *Checker) CheckSource(ctx context.Context, src *SourceConfig, force bool) (*CheckResult, error) {
	now := c.now().UTC()
	result := &CheckResult{SourceName: src.Name}

	if !force {
		last, err := c.ledger.LastSnapshot(ctx, src.Name)
		if err != nil {
			return nil, fmt.Errorf("source %q: last snapshot: %w", src.Name, err)
		}
		var lastAt *time.Time
		if last != nil {
			lastAt = &last.CollectedAt
		}
		due, err := Due(src.Schedule, lastAt, now)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", src.Name, err)
		}
		if !due {
			result.Skipped = true
			return result, nil
		}
	}

	snap := c.collector.Collect(ctx, src)
	result.Snapshot = snap

	if !c.dryRun {
		id, err := c.ledger.AppendSnapshot(ctx, &snap)
		if err != nil {
			return nil, fmt.Errorf("source %q: append snapshot: %w", src.Name, err)
		}
		snap.ID = id
		result.Snapshot.ID = id
	}

	history, err := c.ledger.ListSnapshots(ctx, src.Name, SnapshotQuery{
		Limit:      historyFetchLimit,
		MaxAgeDays: c.cfg.Baseline.MaxAgeDays,
		Now:        now,
	})
	if err != nil {
		return nil, fmt.Errorf("source %q: list snapshots: %w", src.Name, err)
	}

	// The baseline describes what was normal before this check, so the
	// snapshot just recorded is excluded.
	prior := history[:0:0]
	for _, h := range history {
		if snap.ID != 0 && h.ID == snap.ID {
			continue
		}
		prior = append(prior, h)
	}

	policy := BaselinePolicy{
		WindowSize: c.cfg.Baseline.WindowSize,
		MaxAgeDays: c.cfg.Baseline.MaxAgeDays,
	}
	baseline := ComputeBaseline(prior, policy, now)

	decision := Decide(&snap, baseline, src, now)
	result.Decision = &decision

	slog.Info("check complete",
		"source", src.Name,
		"status", decision.Status,
		"reasons", len(decision.Reasons),
		"confidence", decision.Confidence)

	outcomes, err := c.pipeline.Process(ctx, src, &decision)
	result.Outcomes = outcomes
	if err != nil {
		return result, fmt.Errorf("source %q: alert pipeline: %w", src.Name, err)
	}
	return result, nil
}

// CheckAll runs a cycle for every enabled source and reports per-source
// results. One source's failure does not stop the others.
func (c *Checker) CheckAll(ctx context.Context, force bool) ([]*CheckResult, error) {
	var results []*CheckResult
	var firstErr error
	for i := range c.cfg.Sources {
		src := &c.cfg.Sources[i]
		if !src.IsEnabled() {
			continue
		}
		res, err := c.CheckSource(ctx, src, force)
		if err != nil {
			slog.Error("check failed", "source", src.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			if res == nil {
				res = &CheckResult{SourceName: src.Name}
			}
		}
		results = append(results, res)
	}
	return results, firstErr
}

// AnyDegraded reports whether any result decided WARNING or ANOMALY.
func AnyDegraded(results []*CheckResult) bool {
	for _, r := range results {
		if r.Decision == nil {
			continue
		}
		if r.Decision.Status == StatusWarning || r.Decision.Status == StatusAnomaly {
			return true
		}
	}
	return false
}
