package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AppendSnapshot durably appends a snapshot and returns its assigned id.
func (s *Store) AppendSnapshot(ctx context.Context, snap *Snapshot) (int64, error) {
	metrics, err := json.Marshal(normalizeJSONMap(snap.Metrics))
	if err != nil {
		return 0, fmt.Errorf("marshal metrics: %w", err)
	}
	metadata, err := json.Marshal(normalizeJSONMap(snap.Metadata))
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}

	var rowCount any
	if snap.RowCount != nil {
		rowCount = *snap.RowCount
	}
	var latest any
	if snap.LatestTimestamp != nil {
		latest = snap.LatestTimestamp.UTC().Unix()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (source_name, collected_at, collect_status, row_count, latest_timestamp, metrics_json, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.SourceName, snap.CollectedAt.UTC().Unix(), string(snap.CollectStatus),
		rowCount, latest, string(metrics), string(metadata),
	)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return res.LastInsertId()
}

// LastSnapshot returns the most recent snapshot for a source by collection
// instant, or nil when the source has never been probed.
func (s *Store) LastSnapshot(ctx context.Context, source string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_name, collected_at, collect_status, row_count, latest_timestamp, metrics_json, metadata_json
		 FROM snapshots WHERE source_name = ?
		 ORDER BY collected_at DESC, id DESC LIMIT 1`,
		source,
	)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns snapshots for a source, newest first. Age and status
// filters apply before the limit.
func (s *Store) ListSnapshots(ctx context.Context, source string, q SnapshotQuery) ([]Snapshot, error) {
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}

	var sb strings.Builder
	sb.WriteString(
		`SELECT id, source_name, collected_at, collect_status, row_count, latest_timestamp, metrics_json, metadata_json
		 FROM snapshots WHERE source_name = ?`)
	args := []any{source}

	if q.MaxAgeDays > 0 {
		cutoff := now.Add(-time.Duration(q.MaxAgeDays) * 24 * time.Hour)
		sb.WriteString(" AND collected_at >= ?")
		args = append(args, cutoff.UTC().Unix())
	}
	if q.SuccessOnly {
		sb.WriteString(" AND collect_status = ?")
		args = append(args, string(CollectSuccess))
	}
	sb.WriteString(" ORDER BY collected_at DESC, id DESC")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// GetAlertState returns the state for a (source, target) pair, or nil when
// the pair has never been evaluated.
func (s *Store) GetAlertState(ctx context.Context, source, target string) (*AlertState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source_name, target_name, notified_status, notified_reason_hash, last_change_at, last_sent_at, cooldown_until
		 FROM alert_states WHERE source_name = ? AND target_name = ?`,
		source, target,
	)

	var (
		state      AlertState
		status     string
		changeAt   int64
		sentAt     sql.NullInt64
		cooldownAt sql.NullInt64
	)
	err := row.Scan(&state.SourceName, &state.TargetName, &status,
		&state.NotifiedReasonHash, &changeAt, &sentAt, &cooldownAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query alert state: %w", err)
	}

	state.NotifiedStatus = Status(status)
	state.LastChangeAt = time.Unix(changeAt, 0).UTC()
	if sentAt.Valid {
		t := time.Unix(sentAt.Int64, 0).UTC()
		state.LastSentAt = &t
	}
	if cooldownAt.Valid {
		t := time.Unix(cooldownAt.Int64, 0).UTC()
		state.CooldownUntil = &t
	}
	return &state, nil
}

// SetAlertState upserts the state keyed by (source, target) in one statement.
func (s *Store) SetAlertState(ctx context.Context, state *AlertState) error {
	var sentAt, cooldownAt any
	if state.LastSentAt != nil {
		sentAt = state.LastSentAt.UTC().Unix()
	}
	if state.CooldownUntil != nil {
		cooldownAt = state.CooldownUntil.UTC().Unix()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_states (source_name, target_name, notified_status, notified_reason_hash, last_change_at, last_sent_at, cooldown_until)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_name, target_name) DO UPDATE SET
			notified_status = excluded.notified_status,
			notified_reason_hash = excluded.notified_reason_hash,
			last_change_at = excluded.last_change_at,
			last_sent_at = excluded.last_sent_at,
			cooldown_until = excluded.cooldown_until`,
		state.SourceName, state.TargetName, string(state.NotifiedStatus),
		state.NotifiedReasonHash, state.LastChangeAt.UTC().Unix(), sentAt, cooldownAt,
	)
	if err != nil {
		return fmt.Errorf("upsert alert state: %w", err)
	}
	return nil
}

// LogDelivery appends a delivery record.
func (s *Store) LogDelivery(ctx context.Context, rec *DeliveryRecord) error {
	var statusCode any
	if rec.StatusCode != nil {
		statusCode = *rec.StatusCode
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_log (source_name, target_name, event_type, payload_hash, sent_at, success, status_code, latency_ms, error_message, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SourceName, rec.TargetName, string(rec.EventType), rec.PayloadHash,
		rec.SentAt.UTC().Unix(), boolToInt(rec.Success), statusCode,
		rec.LatencyMs, rec.ErrorMessage, rec.Attempts,
	)
	if err != nil {
		return fmt.Errorf("insert delivery record: %w", err)
	}
	return nil
}

// ListDeliveries returns recent delivery records for a source, newest first.
func (s *Store) ListDeliveries(ctx context.Context, source string, limit int) ([]DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_name, target_name, event_type, payload_hash, sent_at, success, status_code, latency_ms, error_message, attempts
		 FROM delivery_log WHERE source_name = ?
		 ORDER BY sent_at DESC, id DESC LIMIT ?`,
		source, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var (
			rec        DeliveryRecord
			event      string
			sentAt     int64
			success    int
			statusCode sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.SourceName, &rec.TargetName, &event,
			&rec.PayloadHash, &sentAt, &success, &statusCode,
			&rec.LatencyMs, &rec.ErrorMessage, &rec.Attempts); err != nil {
			return nil, fmt.Errorf("scan delivery record: %w", err)
		}
		rec.EventType = EventType(event)
		rec.SentAt = time.Unix(sentAt, 0).UTC()
		rec.Success = success != 0
		if statusCode.Valid {
			code := int(statusCode.Int64)
			rec.StatusCode = &code
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

// PurgeOldSnapshots deletes snapshots older than the retention threshold
// while keeping at least MinPerSource most recent successful snapshots per
// source. Old delivery records go with them. Returns the number of snapshot
// rows deleted.
func (s *Store) PurgeOldSnapshots(ctx context.Context, policy RetentionPolicy, now time.Time) (int64, error) {
	cutoff := now.Add(-time.Duration(policy.MaxAgeDays) * 24 * time.Hour).UTC().Unix()

	sources, err := s.Sources(ctx)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, source := range sources {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM snapshots
			 WHERE source_name = ? AND collected_at < ?
			 AND id NOT IN (
				SELECT id FROM snapshots
				WHERE source_name = ? AND collect_status = ?
				ORDER BY collected_at DESC, id DESC
				LIMIT ?
			 )`,
			source, cutoff, source, string(CollectSuccess), policy.MinPerSource,
		)
		if err != nil {
			return deleted, fmt.Errorf("purge snapshots for %s: %w", source, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("purge snapshots for %s: %w", source, err)
		}
		deleted += n
	}

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM delivery_log WHERE sent_at < ?", cutoff,
	); err != nil {
		return deleted, fmt.Errorf("purge delivery log: %w", err)
	}
	return deleted, nil
}

// CountPurgeable reports how many snapshot rows PurgeOldSnapshots would
// delete under the given policy, without deleting anything.
func (s *Store) CountPurgeable(ctx context.Context, policy RetentionPolicy, now time.Time) (int64, error) {
	cutoff := now.Add(-time.Duration(policy.MaxAgeDays) * 24 * time.Hour).UTC().Unix()

	sources, err := s.Sources(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, source := range sources {
		var n int64
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM snapshots
			 WHERE source_name = ? AND collected_at < ?
			 AND id NOT IN (
				SELECT id FROM snapshots
				WHERE source_name = ? AND collect_status = ?
				ORDER BY collected_at DESC, id DESC
				LIMIT ?
			 )`,
			source, cutoff, source, string(CollectSuccess), policy.MinPerSource,
		).Scan(&n)
		if err != nil {
			return total, fmt.Errorf("count purgeable for %s: %w", source, err)
		}
		total += n
	}
	return total, nil
}

// Sources returns the distinct source names present in the snapshot table.
func (s *Store) Sources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT source_name FROM snapshots ORDER BY source_name")
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan source name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var (
		snap        Snapshot
		status      string
		collectedAt int64
		rowCount    sql.NullInt64
		latest      sql.NullInt64
		metrics     string
		metadata    string
	)
	if err := row.Scan(&snap.ID, &snap.SourceName, &collectedAt, &status,
		&rowCount, &latest, &metrics, &metadata); err != nil {
		return nil, err
	}

	snap.CollectStatus = CollectStatus(status)
	snap.CollectedAt = time.Unix(collectedAt, 0).UTC()
	if rowCount.Valid {
		snap.RowCount = &rowCount.Int64
	}
	if latest.Valid {
		t := time.Unix(latest.Int64, 0).UTC()
		snap.LatestTimestamp = &t
	}
	if err := json.Unmarshal([]byte(metrics), &snap.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshal metrics: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &snap.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &snap, nil
}

// normalizeJSONMap renders time values as RFC3339 strings so stored JSON
// round-trips without type surprises.
func normalizeJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if t, ok := v.(time.Time); ok {
			out[k] = t.UTC().Format(time.RFC3339)
			continue
		}
		out[k] = v
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
