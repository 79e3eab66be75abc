package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Pipeline reconciles decisions against stored alert state and dispatches
// signed webhook payloads. All cross-check state lives in the ledger; the
// pipeline itself holds no mutable memory.
type Pipeline struct {
	alerting *AlertingConfig
	ledger   Ledger
	delivery *DeliveryClient
	agentID  string
	dryRun   bool
	now      func() time.Time
}

// NewPipeline creates a pipeline. In dry-run mode it computes everything and
// reports the payloads that would be sent, without delivering or mutating
// state.
func NewPipeline(alerting *AlertingConfig, ledger Ledger, agentID string, dryRun bool) *Pipeline {
	return &Pipeline{
		alerting: alerting,
		ledger:   ledger,
		delivery: NewDeliveryClient(),
		agentID:  agentID,
		dryRun:   dryRun,
		now:      time.Now,
	}
}

// AlertOutcome reports what the pipeline did for one target.
type AlertOutcome struct {
	Target    string
	Event     EventType
	Delivered bool
	DryRun    bool
	Payload   WebhookPayload
	Result    DeliveryResult
}

// Process translates a decision for one source into at most one payload per
// configured target. For each emitting target: build, sign, deliver, then
// commit alert state (regardless of delivery success, so a receiver outage
// cannot cause alert storms) and append the delivery record.
//
// Ledger errors abort the reconciliation; delivery errors do not.
func (p *Pipeline) Process(ctx context.Context, src *SourceConfig, d *Decision) ([]AlertOutcome, error) {
	var outcomes []AlertOutcome
	curHash := ReasonHash(d.Reasons)

	for i := range p.alerting.Webhooks {
		target := &p.alerting.Webhooks[i]

		state, err := p.ledger.GetAlertState(ctx, src.Name, target.Name)
		if err != nil {
			return outcomes, fmt.Errorf("get alert state: %w", err)
		}

		now := p.now().UTC()
		event, emit := resolveEvent(state, d.Status, curHash, now)
		if !emit {
			continue
		}
		if !target.Subscribed(event) {
			slog.Debug("target not subscribed, suppressing",
				"source", src.Name, "target", target.Name, "event", event)
			continue
		}

		payload := BuildPayload(event, src.Name, src.Type, d, p.agentID, now)
		body, err := payload.CanonicalJSON()
		if err != nil {
			return outcomes, fmt.Errorf("encode payload: %w", err)
		}

		if p.dryRun {
			outcomes = append(outcomes, AlertOutcome{
				Target:  target.Name,
				Event:   event,
				DryRun:  true,
				Payload: payload,
			})
			continue
		}

		result := p.delivery.Deliver(ctx, body, target, event, src.Name)
		if result.Success {
			slog.Info("alert delivered",
				"source", src.Name, "target", target.Name, "event", event,
				"latency_ms", result.LatencyMs)
		} else {
			slog.Warn("alert delivery failed",
				"source", src.Name, "target", target.Name, "event", event,
				"attempts", result.Attempts, "error", result.Error)
		}

		if err := p.commit(ctx, src.Name, target.Name, state, d.Status, curHash, event, body, &result, now); err != nil {
			return outcomes, err
		}

		outcomes = append(outcomes, AlertOutcome{
			Target:    target.Name,
			Event:     event,
			Delivered: result.Success,
			Payload:   payload,
			Result:    result,
		})
	}
	return outcomes, nil
}

// commit upserts the alert state and appends the delivery record. State is
// written after the delivery attempt completes; a crash in between may cause
// one extra delivery on restart, which receivers dedup by event_id.
func (p *Pipeline) commit(ctx context.Context, source, target string, prior *AlertState, status Status, hash string, event EventType, body []byte, result *DeliveryResult, now time.Time) error {
	cooldown := time.Duration(p.alerting.CooldownMinutes) * time.Minute
	cooldownUntil := now.Add(cooldown)

	changeAt := now
	if prior != nil && prior.NotifiedStatus == status {
		// Re-alert within the same status: the last transition instant stands.
		changeAt = prior.LastChangeAt
	}

	next := &AlertState{
		SourceName:         source,
		TargetName:         target,
		NotifiedStatus:     status,
		NotifiedReasonHash: hash,
		LastChangeAt:       changeAt,
		LastSentAt:         &now,
		CooldownUntil:      &cooldownUntil,
	}
	if err := p.ledger.SetAlertState(ctx, next); err != nil {
		return fmt.Errorf("set alert state: %w", err)
	}

	rec := &DeliveryRecord{
		SourceName:   source,
		TargetName:   target,
		EventType:    event,
		PayloadHash:  PayloadHash(body),
		SentAt:       now,
		Success:      result.Success,
		StatusCode:   result.StatusCode,
		LatencyMs:    result.LatencyMs,
		ErrorMessage: result.Error,
		Attempts:     result.Attempts,
	}
	if err := p.ledger.LogDelivery(ctx, rec); err != nil {
		return fmt.Errorf("log delivery: %w", err)
	}
	return nil
}

// resolveEvent applies the per-target transition table. A genuine status
// transition bypasses cooldown; a repeat of the same status only re-alerts
// when the reason set changed and the cooldown has elapsed. A downgrade from
// ANOMALY to WARNING stays silent: the source is still degraded.
func resolveEvent(prior *AlertState, current Status, currentHash string, now time.Time) (EventType, bool) {
	priorStatus := StatusUnknown
	priorHash := ""
	cooldownOver := true
	if prior != nil {
		priorStatus = prior.NotifiedStatus
		priorHash = prior.NotifiedReasonHash
		if prior.CooldownUntil != nil && now.Before(*prior.CooldownUntil) {
			cooldownOver = false
		}
	}

	if current == priorStatus {
		if currentHash != priorHash && cooldownOver {
			switch current {
			case StatusAnomaly:
				return EventAnomaly, true
			case StatusWarning:
				return EventWarning, true
			}
		}
		return "", false
	}

	switch current {
	case StatusAnomaly:
		return EventAnomaly, true
	case StatusWarning:
		if priorStatus == StatusAnomaly {
			return "", false
		}
		return EventWarning, true
	case StatusOK:
		if priorStatus == StatusWarning || priorStatus == StatusAnomaly {
			return EventRecovery, true
		}
	}
	return "", false
}
