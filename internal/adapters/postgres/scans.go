package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"brandwatch/internal/domain"
)

// CreateScanWithJob inserts the scan as pending, its job as queued and
// flips the scan to queued, all in one transaction. The partial unique index
// on scan_jobs(brand_id) rejects a second active job.
func (db *DB) CreateScanWithJob(ctx context.Context, scan domain.Scan, job domain.Job) (string, string, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return "", "", fmt.Errorf("encode job payload: %w", err)
	}
	var scanID, jobID string
	err = db.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO scans (brand_id, scan_type, status, requested_by)
			VALUES ($1, $2, 'pending', $3)
			RETURNING id
		`, scan.BrandID, scan.Type, scan.RequestedBy).Scan(&scanID); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO scan_jobs (scan_id, brand_id, status, priority, payload, scheduled_at)
			VALUES ($1, $2, 'queued', $3, $4, COALESCE($5, now()))
			RETURNING id
		`, scanID, scan.BrandID, job.Priority, payload, nullTime(job.ScheduledAt)).Scan(&jobID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE scans SET status = 'queued' WHERE id = $1`, scanID)
		return err
	})
	if isUniqueViolation(err) {
		return "", "", domain.ErrAlreadyRunning
	}
	if err != nil {
		return "", "", err
	}
	return scanID, jobID, nil
}

func (db *DB) HasActiveJob(ctx context.Context, brandID string) (bool, error) {
	var active bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM scan_jobs WHERE brand_id = $1 AND status IN ('queued', 'running'))
	`, brandID).Scan(&active)
	return active, err
}

func (db *DB) GetScan(ctx context.Context, scanID string) (domain.Scan, error) {
	var s domain.Scan
	err := db.Pool.QueryRow(ctx, `
		SELECT id, brand_id, scan_type, status, requested_by,
		       domains_checked, pages_scanned, threats_found,
		       current_step, step_progress, step_total, overall_progress,
		       retry_count, error, created_at, started_at, finished_at
		FROM scans WHERE id = $1
	`, scanID).Scan(&s.ID, &s.BrandID, &s.Type, &s.Status, &s.RequestedBy,
		&s.DomainsChecked, &s.PagesScanned, &s.ThreatsFound,
		&s.CurrentStep, &s.StepProgress, &s.StepTotal, &s.OverallProgress,
		&s.RetryCount, &s.Error, &s.CreatedAt, &s.StartedAt, &s.FinishedAt)
	return s, notFound(err)
}

// CancelScan cancels the scan and a still-queued job. A running job is left
// to its worker, which observes the cancellation at the next step boundary.
func (db *DB) CancelScan(ctx context.Context, scanID string) error {
	return db.withTx(ctx, func(tx pgx.Tx) error {
		// lock the job row before the scan row, the order claim and finish
		// use, so a concurrent claim cannot deadlock with us
		if _, err := tx.Exec(ctx, `SELECT id FROM scan_jobs WHERE scan_id = $1 FOR UPDATE`, scanID); err != nil {
			return err
		}
		var id string
		err := tx.QueryRow(ctx, `
			UPDATE scans SET status = 'cancelled', finished_at = now()
			WHERE id = $1 AND status IN ('queued', 'running')
			RETURNING id
		`, scanID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scans WHERE id = $1)`, scanID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return domain.ErrNotFound
			}
			return domain.ErrNotCancellable
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE scan_jobs SET status = 'cancelled', finished_at = now()
			WHERE scan_id = $1 AND status = 'queued'
		`, scanID)
		return err
	})
}
