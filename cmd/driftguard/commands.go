package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/driftguard/driftguard/internal/agent"
)

const defaultConfigPath = "driftguard.toml"

// openEnv loads the config, sets up logging, and opens the ledger. The
// returned cleanup closes the store.
func openEnv(configPath string) (*agent.Config, *agent.Store, func(), error) {
	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	setupLogging(cfg)

	store, err := agent.OpenStore(cfg.Storage.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, store, func() { store.Close() }, nil
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

func cmdInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to write the example config")
	force := fs.Bool("force", false, "overwrite an existing file")
	fs.Parse(args)

	if !*force {
		if _, err := os.Stat(*configPath); err == nil {
			return fail(fmt.Errorf("%s already exists (use --force to overwrite)", *configPath))
		}
	}
	if err := os.WriteFile(*configPath, []byte(agent.ExampleConfig), 0o600); err != nil {
		return fail(err)
	}
	fmt.Printf("wrote %s\n", *configPath)
	return 0
}

func cmdValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	probe := fs.Bool("probe", false, "also open each source and run its probe query")
	fs.Parse(args)

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		return fail(err)
	}
	setupLogging(cfg)

	fmt.Printf("config ok: %d source(s), %d webhook target(s)\n", len(cfg.Sources), len(cfg.Alerting.Webhooks))
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		state := "enabled"
		if !src.IsEnabled() {
			state = "disabled"
		}
		fmt.Printf("  source %-20s %s  %s  schedule %q\n",
			src.Name, state, src.Dialect, src.Schedule)
	}
	for i := range cfg.Alerting.Webhooks {
		wh := &cfg.Alerting.Webhooks[i]
		fmt.Printf("  webhook %-19s %s  events %v\n", wh.Name, agent.MaskSecrets(wh.URL), wh.Events)
	}

	if !*probe {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	collector := agent.NewSQLCollector()
	failed := 0
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if !src.IsEnabled() {
			continue
		}
		if err := collector.TestConnection(ctx, src); err != nil {
			fmt.Printf("  probe %-21s FAILED: %v\n", src.Name, err)
			failed++
		} else {
			fmt.Printf("  probe %-21s ok\n", src.Name)
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func cmdRenderConfig(args []string) int {
	fs := flag.NewFlagSet("render-config", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		return fail(err)
	}

	// Mask anything credential-shaped before printing.
	for i := range cfg.Sources {
		cfg.Sources[i].Connection = agent.MaskSecrets(cfg.Sources[i].Connection)
	}
	for i := range cfg.Alerting.Webhooks {
		cfg.Alerting.Webhooks[i].URL = agent.MaskSecrets(cfg.Alerting.Webhooks[i].URL)
		if cfg.Alerting.Webhooks[i].Secret != "" {
			cfg.Alerting.Webhooks[i].Secret = "***"
		}
	}

	if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
		return fail(err)
	}
	return 0
}

func cmdCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	sourceName := fs.String("source", "", "check only this source")
	force := fs.Bool("force", false, "ignore schedules, check now")
	dryRun := fs.Bool("dry-run", false, "compute decisions without persisting or alerting")
	asJSON := fs.Bool("json", false, "print results as JSON")
	fs.Parse(args)

	cfg, store, cleanup, err := openEnv(*configPath)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checker := agent.NewChecker(cfg, store, *dryRun)

	var results []*agent.CheckResult
	if *sourceName != "" {
		src := findSource(cfg, *sourceName)
		if src == nil {
			return fail(fmt.Errorf("unknown source %q", *sourceName))
		}
		res, err := checker.CheckSource(ctx, src, *force)
		if err != nil {
			return fail(err)
		}
		results = append(results, res)
	} else {
		var err error
		results, err = checker.CheckAll(ctx, *force)
		if err != nil {
			printResults(results, *asJSON)
			return 1
		}
	}

	printResults(results, *asJSON)
	if agent.AnyDegraded(results) {
		return 2
	}
	return 0
}

func printResults(results []*agent.CheckResult, asJSON bool) {
	if asJSON {
		out := make([]map[string]any, 0, len(results))
		for _, r := range results {
			m := map[string]any{
				"source":  r.SourceName,
				"skipped": r.Skipped,
			}
			if r.Decision != nil {
				m["status"] = r.Decision.Status
				m["confidence"] = r.Decision.Confidence
				reasons := make([]map[string]any, 0, len(r.Decision.Reasons))
				for _, re := range r.Decision.Reasons {
					reasons = append(reasons, map[string]any{
						"code":     re.Code,
						"message":  re.Message,
						"severity": re.Severity,
					})
				}
				m["reasons"] = reasons
			}
			alerts := make([]map[string]any, 0, len(r.Outcomes))
			for _, o := range r.Outcomes {
				alerts = append(alerts, map[string]any{
					"target":    o.Target,
					"event":     o.Event,
					"delivered": o.Delivered,
					"dry_run":   o.DryRun,
				})
			}
			m["alerts"] = alerts
			out = append(out, m)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(out)
		return
	}

	for _, r := range results {
		if r.Skipped {
			fmt.Printf("%-24s skipped (not due)\n", r.SourceName)
			continue
		}
		if r.Decision == nil {
			fmt.Printf("%-24s ERROR\n", r.SourceName)
			continue
		}
		fmt.Printf("%-24s %s", r.SourceName, r.Decision.Status)
		for _, re := range r.Decision.Reasons {
			fmt.Printf("  [%s] %s", re.Code, re.Message)
		}
		fmt.Println()
		for _, o := range r.Outcomes {
			verb := "delivered"
			if o.DryRun {
				verb = "would send"
			} else if !o.Delivered {
				verb = "FAILED to deliver"
			}
			fmt.Printf("  -> %s %s to %s\n", verb, o.Event, o.Target)
		}
	}
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	cfg, store, cleanup, err := openEnv(*configPath)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, store)
	if err := a.Run(ctx); err != nil {
		return fail(err)
	}
	return 0
}

func cmdStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	asJSON := fs.Bool("json", false, "print status as JSON")
	fs.Parse(args)

	cfg, store, cleanup, err := openEnv(*configPath)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	ctx := context.Background()
	type row struct {
		Source      string     `json:"source"`
		Enabled     bool       `json:"enabled"`
		LastChecked *time.Time `json:"last_checked"`
		Collect     string     `json:"collect_status"`
		RowCount    *int64     `json:"row_count"`
	}
	var rows []row
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		r := row{Source: src.Name, Enabled: src.IsEnabled()}
		last, err := store.LastSnapshot(ctx, src.Name)
		if err != nil {
			return fail(err)
		}
		if last != nil {
			r.LastChecked = &last.CollectedAt
			r.Collect = string(last.CollectStatus)
			r.RowCount = last.RowCount
		}
		rows = append(rows, r)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(rows)
		return 0
	}

	fmt.Printf("%-24s %-9s %-20s %-15s %s\n", "SOURCE", "ENABLED", "LAST CHECKED", "COLLECT", "ROWS")
	for _, r := range rows {
		checked, count := "never", "-"
		if r.LastChecked != nil {
			checked = r.LastChecked.Format("2006-01-02 15:04:05")
		}
		if r.RowCount != nil {
			count = fmt.Sprintf("%d", *r.RowCount)
		}
		fmt.Printf("%-24s %-9t %-20s %-15s %s\n", r.Source, r.Enabled, checked, r.Collect, count)
	}
	return 0
}

func cmdHistory(args []string) int {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	sourceName := fs.String("source", "", "source to show (required)")
	limit := fs.Int("limit", 20, "number of snapshots")
	asJSON := fs.Bool("json", false, "print history as JSON")
	fs.Parse(args)

	if *sourceName == "" {
		return fail(fmt.Errorf("--source is required"))
	}

	_, store, cleanup, err := openEnv(*configPath)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	snaps, err := store.ListSnapshots(context.Background(), *sourceName, agent.SnapshotQuery{Limit: *limit})
	if err != nil {
		return fail(err)
	}

	if *asJSON {
		type row struct {
			ID              int64      `json:"id"`
			CollectedAt     time.Time  `json:"collected_at"`
			CollectStatus   string     `json:"collect_status"`
			RowCount        *int64     `json:"row_count"`
			LatestTimestamp *time.Time `json:"latest_timestamp"`
			Error           string     `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(snaps))
		for i := range snaps {
			s := &snaps[i]
			rows = append(rows, row{
				ID:              s.ID,
				CollectedAt:     s.CollectedAt,
				CollectStatus:   string(s.CollectStatus),
				RowCount:        s.RowCount,
				LatestTimestamp: s.LatestTimestamp,
				Error:           s.ErrorMessage(),
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(rows)
		return 0
	}

	fmt.Printf("%-6s %-20s %-15s %-12s %s\n", "ID", "COLLECTED", "STATUS", "ROWS", "LATEST DATA")
	for i := range snaps {
		s := &snaps[i]
		count, latest := "-", "-"
		if s.RowCount != nil {
			count = fmt.Sprintf("%d", *s.RowCount)
		}
		if s.LatestTimestamp != nil {
			latest = s.LatestTimestamp.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-6d %-20s %-15s %-12s %s\n",
			s.ID, s.CollectedAt.Format("2006-01-02 15:04:05"), s.CollectStatus, count, latest)
		if msg := s.ErrorMessage(); msg != "" {
			fmt.Printf("       %s\n", msg)
		}
	}
	return 0
}

func cmdExplain(args []string) int {
	fs := flag.NewFlagSet("explain", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	sourceName := fs.String("source", "", "source to explain (required)")
	fs.Parse(args)

	if *sourceName == "" {
		return fail(fmt.Errorf("--source is required"))
	}

	cfg, store, cleanup, err := openEnv(*configPath)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	src := findSource(cfg, *sourceName)
	if src == nil {
		return fail(fmt.Errorf("unknown source %q", *sourceName))
	}

	ctx := context.Background()
	now := time.Now().UTC()

	last, err := store.LastSnapshot(ctx, src.Name)
	if err != nil {
		return fail(err)
	}
	if last == nil {
		return fail(fmt.Errorf("no snapshots recorded for %q", src.Name))
	}

	history, err := store.ListSnapshots(ctx, src.Name, agent.SnapshotQuery{
		MaxAgeDays: cfg.Baseline.MaxAgeDays,
		Now:        now,
	})
	if err != nil {
		return fail(err)
	}
	prior := history[:0:0]
	for _, h := range history {
		if h.ID == last.ID {
			continue
		}
		prior = append(prior, h)
	}

	baseline := agent.ComputeBaseline(prior, agent.BaselinePolicy{
		WindowSize: cfg.Baseline.WindowSize,
		MaxAgeDays: cfg.Baseline.MaxAgeDays,
	}, now)
	decision := agent.Decide(last, baseline, src, now)

	fmt.Printf("source:      %s\n", src.Name)
	fmt.Printf("snapshot:    #%d at %s (%s)\n", last.ID, last.CollectedAt.Format(time.RFC3339), last.CollectStatus)
	fmt.Printf("status:      %s (confidence %.1f)\n", decision.Status, decision.Confidence)
	fmt.Printf("baseline:    %d snapshot(s)", baseline.SnapshotCount)
	if baseline.RowCountMedian != nil {
		fmt.Printf(", median %.1f", *baseline.RowCountMedian)
	}
	if baseline.RowCountStddev != nil {
		fmt.Printf(", stddev %.1f", *baseline.RowCountStddev)
	}
	if baseline.ExpectedIntervalSeconds != nil {
		fmt.Printf(", expected interval %.0fs", *baseline.ExpectedIntervalSeconds)
	}
	fmt.Println()
	if len(decision.Reasons) == 0 {
		fmt.Println("reasons:     none")
	}
	for _, r := range decision.Reasons {
		fmt.Printf("reason:      [%s/%s] %s\n", r.Code, r.Severity, r.Message)
	}
	return 0
}

func cmdTestWebhook(args []string) int {
	fs := flag.NewFlagSet("test-webhook", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	targetName := fs.String("target", "", "send only to this target")
	fs.Parse(args)

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		return fail(err)
	}
	setupLogging(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	decision := agent.Decision{
		Status:     agent.StatusOK,
		Metrics:    map[string]any{"test": true},
		Confidence: 1.0,
	}
	client := agent.NewDeliveryClient()

	failed := 0
	sent := 0
	for i := range cfg.Alerting.Webhooks {
		wh := &cfg.Alerting.Webhooks[i]
		if *targetName != "" && wh.Name != *targetName {
			continue
		}
		sent++

		payload := agent.BuildPayload(agent.EventInfo, "test", "sql", &decision, cfg.Agent.ID, time.Now().UTC())
		body, err := payload.CanonicalJSON()
		if err != nil {
			return fail(err)
		}
		result := client.Deliver(ctx, body, wh, agent.EventInfo, "test")
		if result.Success {
			fmt.Printf("%-20s ok (%d ms, %d attempt(s))\n", wh.Name, result.LatencyMs, result.Attempts)
		} else {
			fmt.Printf("%-20s FAILED: %s\n", wh.Name, result.Error)
			failed++
		}
	}
	if sent == 0 {
		return fail(fmt.Errorf("no matching webhook target"))
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func cmdPurge(args []string) int {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	dryRun := fs.Bool("dry-run", false, "count what would be deleted without deleting")
	fs.Parse(args)

	cfg, store, cleanup, err := openEnv(*configPath)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	policy := agent.RetentionPolicy{
		MaxAgeDays:   cfg.Retention.Days,
		MinPerSource: cfg.Retention.MinSnapshots,
	}
	ctx := context.Background()
	now := time.Now().UTC()

	if *dryRun {
		n, err := store.CountPurgeable(ctx, policy, now)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("would delete %d snapshot(s) older than %d day(s)\n", n, policy.MaxAgeDays)
		return 0
	}

	n, err := store.PurgeOldSnapshots(ctx, policy, now)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("deleted %d snapshot(s)\n", n)
	return 0
}

func cmdMigrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	fs.Parse(args)

	// OpenStore applies migrations on open.
	_, store, cleanup, err := openEnv(*configPath)
	if err != nil {
		return fail(err)
	}
	defer cleanup()

	version, err := store.SchemaVersion(context.Background())
	if err != nil {
		return fail(err)
	}
	fmt.Printf("schema version %d\n", version)
	return 0
}

func findSource(cfg *agent.Config, name string) *agent.SourceConfig {
	for i := range cfg.Sources {
		if cfg.Sources[i].Name == name {
			return &cfg.Sources[i]
		}
	}
	return nil
}
