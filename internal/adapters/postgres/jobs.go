package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"brandwatch/internal/domain"
)

const jobColumns = `id, scan_id, brand_id, status, priority, scheduled_at, attempts, payload`

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j       domain.Job
		payload []byte
	)
	if err := row.Scan(&j.ID, &j.ScanID, &j.BrandID, &j.Status, &j.Priority, &j.ScheduledAt, &j.Attempts, &payload); err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return domain.Job{}, fmt.Errorf("decode payload of job %s: %w", j.ID, err)
	}
	return j, nil
}

// start moves a locked queued job and its scan to running.
func start(ctx context.Context, tx pgx.Tx, j domain.Job) (domain.Job, error) {
	if err := tx.QueryRow(ctx, `
		UPDATE scan_jobs SET status = 'running', started_at = now(), attempts = attempts + 1
		WHERE id = $1
		RETURNING status, attempts
	`, j.ID).Scan(&j.Status, &j.Attempts); err != nil {
		return domain.Job{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE scans SET status = 'running', started_at = COALESCE(started_at, now())
		WHERE id = $1 AND status = 'queued'
	`, j.ScanID); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// ClaimNext locks the highest-priority due job with SKIP LOCKED so
// concurrent dispatchers never claim the same row.
func (db *DB) ClaimNext(ctx context.Context) (domain.Job, bool, error) {
	var job domain.Job
	found := false
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM scan_jobs
			WHERE status = 'queued' AND scheduled_at <= now()
			ORDER BY priority DESC, scheduled_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		`))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		job, err = start(ctx, tx, j)
		found = err == nil
		return err
	})
	return job, found, err
}

// StartJobForScan starts the queued job of a specific scan.
func (db *DB) StartJobForScan(ctx context.Context, scanID string) (domain.Job, error) {
	var job domain.Job
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx, `
			SELECT `+jobColumns+` FROM scan_jobs
			WHERE scan_id = $1 AND status = 'queued'
			FOR UPDATE SKIP LOCKED
		`, scanID))
		if err != nil {
			return notFound(err)
		}
		job, err = start(ctx, tx, j)
		return err
	})
	return job, err
}

func (db *DB) UpdateProgress(ctx context.Context, scanID string, p domain.Progress) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE scans SET
			current_step = $2,
			step_progress = $3,
			step_total = $4,
			overall_progress = GREATEST(overall_progress, LEAST($5, 100))
		WHERE id = $1 AND status = 'running'
	`, scanID, p.Step, p.StepProgress, p.StepTotal, p.Overall)
	return err
}

func (db *DB) AddCounters(ctx context.Context, scanID string, c domain.Counters) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE scans SET
			domains_checked = domains_checked + $2,
			pages_scanned = pages_scanned + $3,
			threats_found = threats_found + $4
		WHERE id = $1
	`, scanID, c.DomainsChecked, c.PagesScanned, c.ThreatsFound)
	return err
}

func (db *DB) IncrementRetry(ctx context.Context, scanID string) error {
	_, err := db.Pool.Exec(ctx, `UPDATE scans SET retry_count = retry_count + 1 WHERE id = $1 AND status = 'running'`, scanID)
	return err
}

func (db *DB) ScanStatus(ctx context.Context, scanID string) (domain.ScanStatus, error) {
	var st domain.ScanStatus
	err := db.Pool.QueryRow(ctx, `SELECT status FROM scans WHERE id = $1`, scanID).Scan(&st)
	return st, notFound(err)
}

// finish moves a job to a terminal status and its scan with it, unless the
// scan already left running.
func (db *DB) finish(ctx context.Context, jobID string, status domain.ScanStatus, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.withTx(ctx, func(tx pgx.Tx) error {
		var scanID string
		err := tx.QueryRow(ctx, `
			UPDATE scan_jobs SET status = $2, finished_at = now()
			WHERE id = $1 AND status IN ('queued', 'running')
			RETURNING scan_id
		`, jobID, status).Scan(&scanID)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scan_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return domain.ErrNotFound
			}
			return nil
		}
		if err != nil {
			return err
		}
		if status == domain.StatusCancelled {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE scans SET
				status = $2,
				finished_at = now(),
				error = $3,
				overall_progress = CASE WHEN $2 = 'completed' THEN 100 ELSE overall_progress END,
				current_step = CASE WHEN $2 = 'completed' THEN 'finalizing' ELSE current_step END
			WHERE id = $1 AND status = 'running'
		`, scanID, status, reason)
		return err
	})
}

func (db *DB) MarkCompleted(ctx context.Context, jobID string) error {
	return db.finish(ctx, jobID, domain.StatusCompleted, "")
}

func (db *DB) MarkFailed(ctx context.Context, jobID string, reason string) error {
	return db.finish(ctx, jobID, domain.StatusFailed, reason)
}

// MarkCancelled closes the job of a scan that was cancelled while running.
func (db *DB) MarkCancelled(ctx context.Context, jobID string) error {
	return db.finish(ctx, jobID, domain.StatusCancelled, "")
}
