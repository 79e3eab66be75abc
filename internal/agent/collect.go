package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// dialectDrivers maps config dialects to registered database/sql drivers.
// The sqlite driver registers via the modernc import in store.go.
var dialectDrivers = map[string]string{
	"postgres":   "pgx",
	"postgresql": "pgx",
	"sqlite":     "sqlite",
}

// Collector probes one source and reports what it observed. Probe failures
// are data, not errors: they come back as COLLECT_FAILED snapshots so the
// decision engine can alert on them.
type Collector interface {
	Collect(ctx context.Context, src *SourceConfig) Snapshot
}

// SQLCollector runs each source's probe query over database/sql. A fresh
// connection is opened per probe and closed after; sources are checked
// minutes apart, so pooling buys nothing and a held connection can outlive
// a server-side idle timeout.
type SQLCollector struct {
	now func() time.Time

	// open is swapped in tests.
	open func(driver, dsn string) (*sqlx.DB, error)
}

// NewSQLCollector returns a collector using the real drivers.
func NewSQLCollector() *SQLCollector {
	return &SQLCollector{
		now:  time.Now,
		open: sqlx.Open,
	}
}

// Collect probes one source. Always returns a snapshot; failures carry
// collect_status COLLECT_FAILED with error_code, error_message, and
// duration_ms in metadata.
func (c *SQLCollector) Collect(ctx context.Context, src *SourceConfig) Snapshot {
	start := c.now()
	snap := Snapshot{
		SourceName:    src.Name,
		CollectedAt:   start.UTC(),
		CollectStatus: CollectSuccess,
		Metrics:       map[string]any{},
		Metadata:      map[string]any{},
	}

	timeout := time.Duration(src.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	row, code, err := c.probe(ctx, src)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = "TIMEOUT"
		}
		snap.CollectStatus = CollectFailed
		snap.Metadata["error_code"] = code
		snap.Metadata["error_message"] = err.Error()
		snap.Metadata["duration_ms"] = c.now().Sub(start).Milliseconds()
		slog.Warn("collect failed", "source", src.Name, "code", code, "error", err)
		return snap
	}

	if err := extractRow(row, &snap); err != nil {
		snap.CollectStatus = CollectFailed
		snap.Metadata["error_code"] = "VALIDATION_FAILED"
		snap.Metadata["error_message"] = err.Error()
	}
	snap.Metadata["duration_ms"] = c.now().Sub(start).Milliseconds()
	return snap
}

// probe opens, pings, and runs the query, returning the first result row.
func (c *SQLCollector) probe(ctx context.Context, src *SourceConfig) (map[string]any, string, error) {
	driver, ok := dialectDrivers[src.Dialect]
	if !ok {
		return nil, "VALIDATION_FAILED", fmt.Errorf("unknown dialect %q", src.Dialect)
	}

	db, err := c.open(driver, src.Connection)
	if err != nil {
		return nil, "CONNECTION_FAILED", fmt.Errorf("open connection: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, "CONNECTION_FAILED", fmt.Errorf("ping: %w", err)
	}

	rows, err := db.QueryxContext(ctx, src.Query)
	if err != nil {
		return nil, "QUERY_FAILED", fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, "QUERY_FAILED", fmt.Errorf("query: %w", err)
		}
		return nil, "NO_ROWS", fmt.Errorf("query returned no rows")
	}

	row := map[string]any{}
	if err := rows.MapScan(row); err != nil {
		return nil, "QUERY_FAILED", fmt.Errorf("scan row: %w", err)
	}
	return row, "", nil
}

// extractRow pulls row_count and latest_timestamp out of the probe row and
// passes any other numeric columns through as metrics. A row count column
// is required; the timestamp is optional.
func extractRow(row map[string]any, snap *Snapshot) error {
	countCol := findColumn(row, "row_count", "count")
	if countCol == "" {
		countCol = findColumnSuffix(row, "_count")
	}
	if countCol == "" {
		return fmt.Errorf("probe row has no row count column (want row_count, count, or *_count)")
	}
	n, err := toInt64(row[countCol])
	if err != nil {
		return fmt.Errorf("column %s: %w", countCol, err)
	}
	if n < 0 {
		return fmt.Errorf("column %s: negative row count %d", countCol, n)
	}
	snap.RowCount = &n
	snap.Metrics["row_count"] = n

	tsCol := findColumn(row, "latest_timestamp", "max_timestamp")
	if tsCol == "" {
		tsCol = findColumnSuffix(row, "_timestamp", "_time", "_at")
	}
	if tsCol != "" {
		if ts, ok := toTime(row[tsCol]); ok {
			u := ts.UTC()
			snap.LatestTimestamp = &u
			snap.Metrics["latest_timestamp"] = u.Format(time.RFC3339)
		}
	}

	for col, v := range row {
		if col == countCol || col == tsCol {
			continue
		}
		if f, err := toFloat64(v); err == nil {
			snap.Metrics[col] = f
		}
	}
	return nil
}

func findColumn(row map[string]any, names ...string) string {
	for _, name := range names {
		for col := range row {
			if strings.EqualFold(col, name) {
				return col
			}
		}
	}
	return ""
}

func findColumnSuffix(row map[string]any, suffixes ...string) string {
	for _, suffix := range suffixes {
		for col := range row {
			if strings.HasSuffix(strings.ToLower(col), suffix) {
				return col
			}
		}
	}
	return ""
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case []byte:
		var out int64
		if _, err := fmt.Sscanf(string(n), "%d", &out); err != nil {
			return 0, fmt.Errorf("not an integer: %q", n)
		}
		return out, nil
	case string:
		var out int64
		if _, err := fmt.Sscanf(n, "%d", &out); err != nil {
			return 0, fmt.Errorf("not an integer: %q", n)
		}
		return out, nil
	case nil:
		return 0, fmt.Errorf("null value")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// toTime accepts time values and the string encodings sqlite drivers return.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	case int64:
		// Unix seconds.
		return time.Unix(t, 0), true
	}
	return time.Time{}, false
}

func parseTimeString(s string) (time.Time, bool) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// TestConnection opens the source, pings it, and runs the probe query once.
// Used by the validate command to exercise credentials without recording a
// snapshot.
func (c *SQLCollector) TestConnection(ctx context.Context, src *SourceConfig) error {
	snap := c.Collect(ctx, src)
	if snap.CollectStatus == CollectFailed {
		return fmt.Errorf("%v: %v", snap.Metadata["error_code"], snap.Metadata["error_message"])
	}
	return nil
}
