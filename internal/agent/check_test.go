package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// Off the quarter-hour so a just-checked */15 source is genuinely not due.
var checkNow = time.Date(2024, 1, 15, 10, 7, 30, 0, time.UTC)

type stubCollector struct {
	snap  Snapshot
	calls int
}

func (s *stubCollector) Collect(ctx context.Context, src *SourceConfig) Snapshot {
	s.calls++
	snap := s.snap
	snap.SourceName = src.Name
	if snap.Metrics == nil {
		snap.Metrics = map[string]any{}
	}
	if snap.Metadata == nil {
		snap.Metadata = map[string]any{}
	}
	return snap
}

type checkEnv struct {
	checker   *Checker
	store     *Store
	collector *stubCollector
	received  *atomic.Int32
}

func newCheckEnv(t *testing.T, dryRun bool) *checkEnv {
	t.Helper()
	received := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	cfg := &Config{
		Version: "1",
		Agent:   AgentConfig{ID: "agent-1"},
		Sources: []SourceConfig{{
			Name:     "orders",
			Type:     "sql",
			Dialect:  "postgres",
			Schedule: "*/15 * * * *",
			Freshness: FreshnessConfig{
				Factor: 2.0,
			},
			Volume: VolumeConfig{
				DeviationFactor: 3.0,
			},
		}},
		Alerting: AlertingConfig{
			CooldownMinutes: 60,
			Webhooks: []WebhookConfig{{
				Name:           "ops",
				URL:            srv.URL,
				Secret:         "s3cret",
				Events:         []string{"anomaly", "warning", "recovery"},
				TimeoutSeconds: 5,
			}},
		},
		Retention: RetentionConfig{Days: 30, MinSnapshots: 10},
		Baseline:  BaselineConfig{WindowSize: 20, MaxAgeDays: 30},
	}

	store := testStore(t)
	checker := NewChecker(cfg, store, dryRun)
	collector := &stubCollector{}
	checker.collector = collector
	checker.now = func() time.Time { return checkNow }
	checker.pipeline.now = func() time.Time { return checkNow }
	checker.pipeline.delivery.delays = []time.Duration{0, time.Millisecond, time.Millisecond, time.Millisecond}

	return &checkEnv{checker: checker, store: store, collector: collector, received: received}
}

func (env *checkEnv) seedHistory(t *testing.T, counts ...int64) {
	t.Helper()
	ctx := context.Background()
	for i, c := range counts {
		rows := c
		at := checkNow.Add(-time.Duration(len(counts)-i) * 6 * time.Hour)
		latest := at.Add(-time.Hour)
		_, err := env.store.AppendSnapshot(ctx, &Snapshot{
			SourceName:      "orders",
			CollectedAt:     at,
			CollectStatus:   CollectSuccess,
			RowCount:        &rows,
			LatestTimestamp: &latest,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestCheckSourceFullCycle(t *testing.T) {
	env := newCheckEnv(t, false)
	rows := int64(0)
	ts := checkNow.Add(-time.Hour)
	env.collector.snap = Snapshot{
		CollectedAt:     checkNow,
		CollectStatus:   CollectSuccess,
		RowCount:        &rows,
		LatestTimestamp: &ts,
	}

	res, err := env.checker.CheckSource(context.Background(), &env.checker.cfg.Sources[0], true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped {
		t.Fatal("forced check must not skip")
	}
	if res.Decision == nil || res.Decision.Status != StatusAnomaly {
		t.Fatalf("Decision = %+v, want ANOMALY", res.Decision)
	}
	if len(res.Outcomes) != 1 || !res.Outcomes[0].Delivered {
		t.Fatalf("Outcomes = %+v, want one delivered alert", res.Outcomes)
	}
	if env.received.Load() != 1 {
		t.Errorf("webhook calls = %d, want 1", env.received.Load())
	}

	// The snapshot is durably recorded.
	last, err := env.store.LastSnapshot(context.Background(), "orders")
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || *last.RowCount != 0 {
		t.Fatalf("LastSnapshot = %+v", last)
	}

	state, err := env.store.GetAlertState(context.Background(), "orders", "ops")
	if err != nil {
		t.Fatal(err)
	}
	if state == nil || state.NotifiedStatus != StatusAnomaly {
		t.Fatalf("state = %+v, want ANOMALY", state)
	}
}

func TestCheckSourceBaselineExcludesCurrent(t *testing.T) {
	env := newCheckEnv(t, false)
	// Baseline of steady 1000s; the current 2000 must deviate against that
	// history, not against a baseline polluted by itself.
	env.seedHistory(t, 1000, 1010, 990, 1000, 1005, 995, 1000, 1010, 990, 1000)

	rows := int64(2000)
	ts := checkNow.Add(-time.Hour)
	env.collector.snap = Snapshot{
		CollectedAt:     checkNow,
		CollectStatus:   CollectSuccess,
		RowCount:        &rows,
		LatestTimestamp: &ts,
	}

	res, err := env.checker.CheckSource(context.Background(), &env.checker.cfg.Sources[0], true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Status != StatusWarning {
		t.Fatalf("Status = %s, want WARNING (%+v)", res.Decision.Status, res.Decision.Reasons)
	}
	if res.Decision.Reasons[0].Code != ReasonVolumeDeviation {
		t.Errorf("reason = %s, want VOLUME_DEVIATION", res.Decision.Reasons[0].Code)
	}
	if res.Decision.Baseline.SnapshotCount != 10 {
		t.Errorf("baseline samples = %d, want 10 (current excluded)", res.Decision.Baseline.SnapshotCount)
	}
	if res.Decision.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0", res.Decision.Confidence)
	}
}

func TestCheckSourceScheduleSkip(t *testing.T) {
	env := newCheckEnv(t, false)
	rows := int64(100)
	env.store.AppendSnapshot(context.Background(), &Snapshot{
		SourceName:    "orders",
		CollectedAt:   checkNow.Add(-time.Minute),
		CollectStatus: CollectSuccess,
		RowCount:      &rows,
	})

	res, err := env.checker.CheckSource(context.Background(), &env.checker.cfg.Sources[0], false)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Fatal("source checked a minute ago on a 15m schedule must skip")
	}
	if env.collector.calls != 0 {
		t.Errorf("collector called %d times on a skipped check", env.collector.calls)
	}

	// Force overrides the schedule.
	env.collector.snap = Snapshot{CollectedAt: checkNow, CollectStatus: CollectSuccess, RowCount: &rows}
	res, err = env.checker.CheckSource(context.Background(), &env.checker.cfg.Sources[0], true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped {
		t.Error("forced check skipped")
	}
}

func TestCheckSourceDryRunPersistsNothing(t *testing.T) {
	env := newCheckEnv(t, true)
	rows := int64(0)
	env.collector.snap = Snapshot{CollectedAt: checkNow, CollectStatus: CollectSuccess, RowCount: &rows}

	res, err := env.checker.CheckSource(context.Background(), &env.checker.cfg.Sources[0], true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Status != StatusAnomaly {
		t.Fatalf("Status = %s, want ANOMALY", res.Decision.Status)
	}
	if len(res.Outcomes) != 1 || !res.Outcomes[0].DryRun {
		t.Fatalf("Outcomes = %+v, want one dry-run entry", res.Outcomes)
	}
	if env.received.Load() != 0 {
		t.Error("dry run called the webhook")
	}

	last, err := env.store.LastSnapshot(context.Background(), "orders")
	if err != nil {
		t.Fatal(err)
	}
	if last != nil {
		t.Errorf("dry run recorded a snapshot: %+v", last)
	}
}

func TestCheckSourceCollectFailureAlerts(t *testing.T) {
	env := newCheckEnv(t, false)
	env.collector.snap = Snapshot{
		CollectedAt:   checkNow,
		CollectStatus: CollectFailed,
		Metadata:      map[string]any{"error_code": "CONNECTION_FAILED", "error_message": "connection refused"},
	}

	res, err := env.checker.CheckSource(context.Background(), &env.checker.cfg.Sources[0], true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision.Status != StatusAnomaly {
		t.Fatalf("Status = %s, want ANOMALY", res.Decision.Status)
	}
	if res.Decision.Reasons[0].Code != ReasonCollectFailed {
		t.Errorf("reason = %s, want COLLECT_FAILED", res.Decision.Reasons[0].Code)
	}

	// The failed probe is still recorded for history and baselines to see.
	last, _ := env.store.LastSnapshot(context.Background(), "orders")
	if last == nil || last.CollectStatus != CollectFailed {
		t.Fatalf("LastSnapshot = %+v, want recorded failure", last)
	}
}

func TestCheckAllSkipsDisabled(t *testing.T) {
	env := newCheckEnv(t, false)
	disabled := false
	env.checker.cfg.Sources[0].Enabled = &disabled

	results, err := env.checker.CheckAll(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("results = %+v, want none for disabled source", results)
	}
	if env.collector.calls != 0 {
		t.Error("collector called for a disabled source")
	}
}

func TestAnyDegraded(t *testing.T) {
	ok := &CheckResult{Decision: &Decision{Status: StatusOK}}
	warn := &CheckResult{Decision: &Decision{Status: StatusWarning}}
	anom := &CheckResult{Decision: &Decision{Status: StatusAnomaly}}
	skipped := &CheckResult{Skipped: true}

	if AnyDegraded([]*CheckResult{ok, skipped}) {
		t.Error("OK results flagged as degraded")
	}
	if !AnyDegraded([]*CheckResult{ok, warn}) {
		t.Error("WARNING not flagged")
	}
	if !AnyDegraded([]*CheckResult{anom}) {
		t.Error("ANOMALY not flagged")
	}
}
