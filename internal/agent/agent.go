package agent

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// purgeInterval is how often retention runs while the daemon is up.
const purgeInterval = time.Hour

// maxParallelChecks caps concurrent source probes per tick.
const maxParallelChecks = 4

// Agent is the long-running daemon: wake on the configured check interval,
// check whatever is due, purge hourly, stop cleanly on context cancellation.
// Cron granularity is one minute, so a shorter interval buys nothing.
type Agent struct {
	cfg     *Config
	ledger  Ledger
	checker *Checker
	now     func() time.Time
}

// New creates a daemon agent over an open ledger.
func New(cfg *Config, ledger Ledger) *Agent {
	return &Agent{
		cfg:     cfg,
		ledger:  ledger,
		checker: NewChecker(cfg, ledger, false),
		now:     time.Now,
	}
}

// Run blocks until ctx is cancelled. The first tick fires immediately so a
// freshly started agent checks overdue sources without waiting a minute.
func (a *Agent) Run(ctx context.Context) error {
	slog.Info("agent started",
		"agent_id", a.cfg.Agent.ID,
		"sources", len(a.cfg.Sources),
		"targets", len(a.cfg.Alerting.Webhooks))

	ticker := time.NewTicker(a.cfg.Agent.CheckInterval.Duration)
	defer ticker.Stop()

	lastPurge := a.now()
	a.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("agent stopping")
			return nil
		case <-ticker.C:
			a.tick(ctx)
			if a.now().Sub(lastPurge) >= purgeInterval {
				a.purge(ctx)
				lastPurge = a.now()
			}
		}
	}
}

// tick checks every enabled source whose schedule is due, in parallel.
func (a *Agent) tick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChecks)

	for i := range a.cfg.Sources {
		src := &a.cfg.Sources[i]
		if !src.IsEnabled() {
			continue
		}
		g.Go(func() error {
			if _, err := a.checker.CheckSource(gctx, src, false); err != nil {
				slog.Error("scheduled check failed", "source", src.Name, "error", err)
			}
			// Per-source failures never abort the tick.
			return nil
		})
	}
	g.Wait()
}

func (a *Agent) purge(ctx context.Context) {
	policy := RetentionPolicy{
		MaxAgeDays:   a.cfg.Retention.Days,
		MinPerSource: a.cfg.Retention.MinSnapshots,
	}
	deleted, err := a.ledger.PurgeOldSnapshots(ctx, policy, a.now().UTC())
	if err != nil {
		slog.Error("retention purge failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("retention purge", "deleted", deleted)
	}
}
