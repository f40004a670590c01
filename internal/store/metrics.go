package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vocalis-ai/vocalis/internal/latency"
)

// MetricStore persists call metrics, including the latency samples flushed
// from each session's tracker. Obtain one via [Store.Metrics].
type MetricStore struct {
	pool *pgxpool.Pool
}

// Metric is one recorded measurement.
type Metric struct {
	SessionID  string
	AgentID    string
	MetricType string
	MetricName string
	Value      float64
	Unit       string
	RecordedAt time.Time
}

// Insert writes a batch of metrics in one round trip.
func (s *MetricStore) Insert(ctx context.Context, metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const q = `
		INSERT INTO call_metrics
		    (session_id, agent_id, metric_type, metric_name, value, unit, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	for _, m := range metrics {
		unit := m.Unit
		if unit == "" {
			unit = "ms"
		}
		recordedAt := m.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = time.Now()
		}
		batch.Queue(q, m.SessionID, m.AgentID, m.MetricType, m.MetricName, m.Value, unit, recordedAt)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range metrics {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("metric store: insert: %w", err)
		}
	}
	return nil
}

// InsertLatencySamples implements [latency.Sink]: it converts the tracker's
// flushed samples into latency metrics and batch-inserts them.
func (s *MetricStore) InsertLatencySamples(ctx context.Context, samples []latency.Sample) error {
	metrics := make([]Metric, len(samples))
	for i, sm := range samples {
		metrics[i] = Metric{
			SessionID:  sm.SessionID,
			AgentID:    sm.AgentID,
			MetricType: "latency",
			MetricName: string(sm.Op),
			Value:      sm.DurationMs,
			Unit:       "ms",
			RecordedAt: sm.RecordedAt,
		}
	}
	return s.Insert(ctx, metrics)
}

var _ latency.Sink = (*MetricStore)(nil)

// Percentiles summarises one metric name over a query window.
type Percentiles struct {
	MetricName string
	Count      int
	AvgMs      float64
	P50Ms      float64
	P95Ms      float64
	P99Ms      float64
	MaxMs      float64
}

// QueryPercentiles aggregates latency metrics for an agent over the window
// ending now, grouped by metric name.
func (s *MetricStore) QueryPercentiles(ctx context.Context, agentID, metricType string, window time.Duration) ([]Percentiles, error) {
	const q = `
		SELECT metric_name,
		       count(*),
		       avg(value),
		       percentile_cont(0.50) WITHIN GROUP (ORDER BY value),
		       percentile_cont(0.95) WITHIN GROUP (ORDER BY value),
		       percentile_cont(0.99) WITHIN GROUP (ORDER BY value),
		       max(value)
		FROM   call_metrics
		WHERE  agent_id = $1
		  AND  metric_type = $2
		  AND  recorded_at >= now() - ($3::bigint * interval '1 microsecond')
		GROUP  BY metric_name
		ORDER  BY metric_name`

	rows, err := s.pool.Query(ctx, q, agentID, metricType, window.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("metric store: query percentiles: %w", err)
	}
	stats, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Percentiles, error) {
		var (
			p     Percentiles
			count int64
		)
		if err := row.Scan(&p.MetricName, &count, &p.AvgMs, &p.P50Ms, &p.P95Ms, &p.P99Ms, &p.MaxMs); err != nil {
			return Percentiles{}, err
		}
		p.Count = int(count)
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("metric store: scan rows: %w", err)
	}
	if stats == nil {
		stats = []Percentiles{}
	}
	return stats, nil
}
