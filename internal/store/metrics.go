package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"imgfetchd/internal/model"
)

// PutMetric upserts a (job, key) fact with last-write-wins semantics.
// Unit and labels survive a later write that omits them.
func (s *Store) PutMetric(ctx context.Context, jobID, key string, value float64, unit, labels *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_metrics (job_id, key, value, unit, labels_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, key) DO UPDATE SET
			value = excluded.value,
			unit = COALESCE(excluded.unit, job_metrics.unit),
			labels_json = COALESCE(excluded.labels_json, job_metrics.labels_json),
			created_at = excluded.created_at`,
		jobID, key, value, unit, labels, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("put metric: %w", err)
	}
	return nil
}

// MetricsByJob lists a job's metrics, newest first.
func (s *Store) MetricsByJob(ctx context.Context, jobID string) ([]model.Metric, error) {
	return s.queryMetrics(ctx, `
		SELECT job_id, key, value, unit, labels_json, created_at
		  FROM job_metrics
		 WHERE job_id = ?
		 ORDER BY created_at DESC`, jobID)
}

// RecentMetrics lists the latest metrics across all jobs.
func (s *Store) RecentMetrics(ctx context.Context, limit int) ([]model.Metric, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.queryMetrics(ctx, `
		SELECT job_id, key, value, unit, labels_json, created_at
		  FROM job_metrics
		 ORDER BY created_at DESC
		 LIMIT ?`, limit)
}

// PruneMetrics deletes metric rows older than the retention window.
func (s *Store) PruneMetrics(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := fmtTime(time.Now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_metrics WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune metrics: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) queryMetrics(ctx context.Context, q string, args ...any) ([]model.Metric, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []model.Metric
	for rows.Next() {
		var (
			m      model.Metric
			value  sql.NullFloat64
			unit   sql.NullString
			labels sql.NullString
			ca     string
		)
		if err := rows.Scan(&m.JobID, &m.Key, &value, &unit, &labels, &ca); err != nil {
			return nil, err
		}
		if value.Valid {
			v := value.Float64
			m.Value = &v
		}
		m.Unit = strPtr(unit)
		m.Labels = strPtr(labels)
		if t, err := parseTime(ca); err == nil {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
