package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CollectStatus reports whether a probe against a data source succeeded.
type CollectStatus string

const (
	CollectSuccess CollectStatus = "SUCCESS"
	CollectFailed  CollectStatus = "COLLECT_FAILED"
)

// Status is the verdict for one snapshot. StatusUnknown is never produced by
// the engine; it only marks "no decision yet" in persisted alert state.
type Status string

const (
	StatusOK      Status = "OK"
	StatusWarning Status = "WARNING"
	StatusAnomaly Status = "ANOMALY"
	StatusUnknown Status = "UNKNOWN"
)

// EventType names a webhook event. EventInfo is only used for test payloads.
type EventType string

const (
	EventAnomaly  EventType = "anomaly"
	EventWarning  EventType = "warning"
	EventRecovery EventType = "recovery"
	EventInfo     EventType = "info"
)

// Severity of a single reason.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Wire-stable reason codes. Consumers key on these, never on messages.
const (
	ReasonCollectFailed      = "COLLECT_FAILED"
	ReasonVolumeZero         = "VOLUME_ZERO"
	ReasonVolumeBelowMinimum = "VOLUME_BELOW_MINIMUM"
	ReasonVolumeDeviation    = "VOLUME_DEVIATION"
	ReasonDataStale          = "DATA_STALE"
)

// Snapshot is one probe result for one source at one instant. Immutable once
// appended to the ledger.
type Snapshot struct {
	ID              int64
	SourceName      string
	CollectedAt     time.Time // UTC
	CollectStatus   CollectStatus
	RowCount        *int64
	LatestTimestamp *time.Time // UTC, nil when the query omits it
	Metrics         map[string]any
	Metadata        map[string]any
}

// IsSuccess reports whether the probe collected data.
func (s *Snapshot) IsSuccess() bool {
	return s.CollectStatus == CollectSuccess
}

// ErrorMessage returns the collection error recorded in metadata, if any.
func (s *Snapshot) ErrorMessage() string {
	if msg, ok := s.Metadata["error_message"].(string); ok {
		return msg
	}
	return ""
}

// BaselineSummary is a rolling statistical summary of recent successful
// snapshots. Derived per check, never stored.
type BaselineSummary struct {
	SnapshotCount           int
	RowCountMedian          *float64
	RowCountMin             *float64
	RowCountMax             *float64
	RowCountStddev          *float64
	ExpectedIntervalSeconds *float64
	OldestSnapshotAt        *time.Time
	NewestSnapshotAt        *time.Time
}

// Reason is a single cause contributing to a decision.
type Reason struct {
	Code     string
	Message  string
	Severity Severity
	Details  map[string]any
}

// Decision is the typed verdict for one snapshot against its baseline and
// policy.
type Decision struct {
	Status     Status
	Reasons    []Reason
	Metrics    map[string]any
	Baseline   *BaselineSummary
	Confidence float64
}

// ReasonHash returns a stable short hex digest over the ascending-sorted
// reason codes. Messages and details do not participate, so two decisions
// with the same code multiset hash identically.
func ReasonHash(reasons []Reason) string {
	codes := make([]string, len(reasons))
	for i, r := range reasons {
		codes[i] = r.Code
	}
	sort.Strings(codes)
	sum := sha256.Sum256([]byte(strings.Join(codes, ",")))
	return hex.EncodeToString(sum[:])[:16]
}

// AlertState is the persisted per-(source, target) memory of what was last
// notified. Exactly one exists per pair once the pair has been evaluated.
type AlertState struct {
	SourceName         string
	TargetName         string
	NotifiedStatus     Status
	NotifiedReasonHash string
	LastChangeAt       time.Time
	LastSentAt         *time.Time
	CooldownUntil      *time.Time
}

// DeliveryResult records the outcome of delivering one payload to one target.
type DeliveryResult struct {
	Success    bool
	StatusCode *int
	LatencyMs  int64
	Error      string
	Attempts   int
}

// DeliveryRecord is the append-only audit row for one delivery attempt chain.
type DeliveryRecord struct {
	ID           int64
	SourceName   string
	TargetName   string
	EventType    EventType
	PayloadHash  string
	SentAt       time.Time
	Success      bool
	StatusCode   *int
	LatencyMs    int64
	ErrorMessage string
	Attempts     int
}

// PayloadSource identifies the probed source inside a webhook payload.
type PayloadSource struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// PayloadReason is the wire form of a Reason.
type PayloadReason struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details"`
}

// PayloadDecision is the wire form of a Decision.
type PayloadDecision struct {
	Status     Status          `json:"status"`
	Reasons    []PayloadReason `json:"reasons"`
	Confidence float64         `json:"confidence"`
}

// PayloadBaseline is the wire form of a BaselineSummary.
type PayloadBaseline struct {
	SnapshotCount           int      `json:"snapshot_count"`
	RowCountMedian          *float64 `json:"row_count_median"`
	RowCountMin             *float64 `json:"row_count_min"`
	RowCountMax             *float64 `json:"row_count_max"`
	RowCountStddev          *float64 `json:"row_count_stddev"`
	ExpectedIntervalSeconds *float64 `json:"expected_interval_seconds"`
}

// PayloadContext carries agent identity.
type PayloadContext struct {
	AgentID string `json:"agent_id"`
}

// WebhookPayload is the schema-version-1 webhook body. The canonical JSON of
// this struct is what gets signed, hashed, and POSTed.
type WebhookPayload struct {
	Version   string          `json:"version"`
	EventID   string          `json:"event_id"`
	EventType EventType       `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    PayloadSource   `json:"source"`
	Decision  PayloadDecision `json:"decision"`
	Metrics   map[string]any  `json:"metrics"`
	Baseline  PayloadBaseline `json:"baseline"`
	Context   PayloadContext  `json:"context"`
}

// BuildPayload mints a webhook payload for one decision. Every call produces
// a fresh event_id, even for identical decisions; receivers use it as the
// idempotency key.
func BuildPayload(event EventType, source, sourceType string, d *Decision, agentID string, now time.Time) WebhookPayload {
	reasons := make([]PayloadReason, len(d.Reasons))
	for i, r := range d.Reasons {
		details := r.Details
		if details == nil {
			details = map[string]any{}
		}
		reasons[i] = PayloadReason{
			Code:     r.Code,
			Message:  r.Message,
			Severity: r.Severity,
			Details:  details,
		}
	}

	metrics := d.Metrics
	if metrics == nil {
		metrics = map[string]any{}
	}

	var baseline PayloadBaseline
	if d.Baseline != nil {
		baseline = PayloadBaseline{
			SnapshotCount:           d.Baseline.SnapshotCount,
			RowCountMedian:          d.Baseline.RowCountMedian,
			RowCountMin:             d.Baseline.RowCountMin,
			RowCountMax:             d.Baseline.RowCountMax,
			RowCountStddev:          d.Baseline.RowCountStddev,
			ExpectedIntervalSeconds: d.Baseline.ExpectedIntervalSeconds,
		}
	}

	return WebhookPayload{
		Version:   "1",
		EventID:   uuid.NewString(),
		EventType: event,
		Timestamp: now.UTC().Truncate(time.Second),
		Source:    PayloadSource{Name: source, Type: sourceType},
		Decision: PayloadDecision{
			Status:     d.Status,
			Reasons:    reasons,
			Confidence: d.Confidence,
		},
		Metrics:  metrics,
		Baseline: baseline,
		Context:  PayloadContext{AgentID: agentID},
	}
}

// CanonicalJSON returns the exact request body bytes: UTF-8, struct field
// order, no trailing newline. Signatures and payload hashes are computed
// over these bytes.
func (p *WebhookPayload) CanonicalJSON() ([]byte, error) {
	return json.Marshal(p)
}

// PayloadHash is a short hex digest of the canonical body, stored in the
// delivery log for auditing.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])[:16]
}
