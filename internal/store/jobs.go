package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"imgfetchd/internal/model"
)

// claimable is the shared predicate for "this row may be handed to a worker":
// freshly queued, or running with a lapsed (or never-set) lease.
// The same predicate guards the claim UPDATE so two claimers can never both
// win the same row.
const claimable = `(status = 'queued'
	OR (status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at < ?)))`

// CreateJob inserts a new queued job and returns the stored record.
func (s *Store) CreateJob(ctx context.Context, image string, priority, maxAttempts int) (model.Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	now := time.Now()
	j := model.Job{
		ID:          uuid.NewString(),
		Image:       image,
		Status:      model.StatusQueued,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   now.UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, image, status, priority, max_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, j.Image, string(j.Status), j.Priority, j.MaxAttempts, fmtTime(now),
	)
	if err != nil {
		return model.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

// GetJob loads the full record, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, image, status, priority, retry_count, max_attempts,
		       result, error_detail,
		       created_at, updated_at, started_at, finished_at,
		       lease_expires_at, last_heartbeat
		  FROM jobs WHERE id = ?`, id)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(r rowScanner) (*model.Job, error) {
	var (
		j          model.Job
		status     string
		result     sql.NullString
		errDetail  sql.NullString
		createdAt  string
		updatedAt  sql.NullString
		startedAt  sql.NullString
		finishedAt sql.NullString
		lease      sql.NullString
		heartbeat  sql.NullString
	)
	if err := r.Scan(
		&j.ID, &j.Image, &status, &j.Priority, &j.RetryCount, &j.MaxAttempts,
		&result, &errDetail,
		&createdAt, &updatedAt, &startedAt, &finishedAt,
		&lease, &heartbeat,
	); err != nil {
		return nil, err
	}
	j.Status = model.Status(status)
	j.Result = strPtr(result)
	j.ErrorDetail = strPtr(errDetail)
	if t, err := parseTime(createdAt); err == nil {
		j.CreatedAt = t
	}
	j.UpdatedAt = parseTimePtr(updatedAt)
	j.StartedAt = parseTimePtr(startedAt)
	j.FinishedAt = parseTimePtr(finishedAt)
	j.LeaseExpiresAt = parseTimePtr(lease)
	j.LastHeartbeat = parseTimePtr(heartbeat)
	return &j, nil
}

// ListJobs returns newest-first summaries, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status model.Status) ([]model.JobSummary, error) {
	q := `SELECT id, image, status, created_at FROM jobs`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []model.JobSummary
	for rows.Next() {
		var (
			j  model.JobSummary
			st string
			ca string
		)
		if err := rows.Scan(&j.ID, &j.Image, &st, &ca); err != nil {
			return nil, err
		}
		j.Status = model.Status(st)
		if t, err := parseTime(ca); err == nil {
			j.CreatedAt = t
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// claimAttempts bounds the select/update retry loop inside one ClaimNext call.
const claimAttempts = 3

// ClaimNext atomically hands the best-ranked claimable job to the caller.
//
// Candidates are queued jobs and running jobs with a lapsed lease, ranked by
// priority descending then created_at ascending. The winner is flipped to
// running with a fresh lease inside a serializable transaction; the UPDATE
// re-checks the claimable predicate so a row grabbed by a concurrent claimer
// between SELECT and UPDATE counts as a lost race and triggers a re-select.
//
// Returns (nil, nil) when no candidate exists or every attempt lost its race.
func (s *Store) ClaimNext(ctx context.Context, lease time.Duration) (*model.ClaimedJob, error) {
	now := time.Now()
	nowStr := fmtTime(now)
	expiry := now.Add(lease)

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("claim: begin tx: %w", err)
	}
	defer tx.Rollback()

	for attempt := 0; attempt < claimAttempts; attempt++ {
		var id, image string
		err = tx.QueryRowContext(ctx, `
			SELECT id, image
			  FROM jobs
			 WHERE `+claimable+`
			 ORDER BY priority DESC, created_at ASC
			 LIMIT 1`, nowStr).Scan(&id, &image)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tx.Commit()
		}
		if err != nil {
			return nil, fmt.Errorf("claim: select candidate: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			   SET status = 'running',
			       started_at = COALESCE(started_at, ?),
			       updated_at = ?,
			       lease_expires_at = ?
			 WHERE id = ? AND `+claimable,
			nowStr, nowStr, fmtTime(expiry), id, nowStr)
		if err != nil {
			return nil, fmt.Errorf("claim: update: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			// Lost the race to another claimer; pick again.
			continue
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("claim: commit: %w", err)
		}
		return &model.ClaimedJob{ID: id, Image: image, LeaseExpiresAt: expiry.UTC()}, nil
	}

	return nil, tx.Commit()
}

// Heartbeat extends the lease of a running job. The status guard means a
// heartbeat arriving after finalize (or after the sweep reclaimed the job)
// cannot resurrect it; the bool result tells the caller whether the job was
// still theirs.
func (s *Store) Heartbeat(ctx context.Context, id string, lease time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		   SET last_heartbeat = ?,
		       updated_at = ?,
		       lease_expires_at = ?
		 WHERE id = ? AND status = 'running'`,
		fmtTime(now), fmtTime(now), fmtTime(now.Add(lease)), id)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Complete marks a job completed. Idempotent: a job already in a terminal
// state is left untouched.
func (s *Store) Complete(ctx context.Context, id string, result string) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		   SET status = 'completed',
		       result = COALESCE(?, result),
		       error_detail = NULL,
		       updated_at = ?,
		       finished_at = ?,
		       lease_expires_at = NULL
		 WHERE id = ? AND status IN ('queued','running')`,
		nullIfEmpty(result), now, now, id)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

// Fail marks a job failed and burns one attempt. Idempotent like Complete.
func (s *Store) Fail(ctx context.Context, id string, detail string) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		   SET status = 'failed',
		       error_detail = ?,
		       updated_at = ?,
		       finished_at = ?,
		       lease_expires_at = NULL,
		       retry_count = retry_count + 1
		 WHERE id = ? AND status IN ('queued','running')`,
		detail, now, now, id)
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	return nil
}

// StaleErrorDetail marks jobs the sweep gave up on.
const StaleErrorDetail = "lease expired / worker died"

// RecoverStale reclaims running jobs whose lease lapsed: back to queued while
// the retry budget allows (burning one attempt), terminally failed otherwise.
// Safe to run concurrently with ClaimNext; both sides guard on the same
// lease-expiry predicate so a job can only go one way.
func (s *Store) RecoverStale(ctx context.Context) (requeued, failed int64, err error) {
	now := fmtTime(time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		   SET status = 'queued',
		       retry_count = retry_count + 1,
		       updated_at = ?,
		       lease_expires_at = NULL
		 WHERE status = 'running'
		   AND lease_expires_at IS NOT NULL
		   AND lease_expires_at < ?
		   AND retry_count + 1 < max_attempts`, now, now)
	if err != nil {
		return 0, 0, fmt.Errorf("recover stale (requeue): %w", err)
	}
	requeued, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		UPDATE jobs
		   SET status = 'failed',
		       error_detail = COALESCE(error_detail, ?),
		       retry_count = retry_count + 1,
		       updated_at = ?,
		       finished_at = ?,
		       lease_expires_at = NULL
		 WHERE status = 'running'
		   AND lease_expires_at IS NOT NULL
		   AND lease_expires_at < ?`, StaleErrorDetail, now, now, now)
	if err != nil {
		return requeued, 0, fmt.Errorf("recover stale (fail): %w", err)
	}
	failed, _ = res.RowsAffected()
	return requeued, failed, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
