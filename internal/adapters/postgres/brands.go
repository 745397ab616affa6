package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"brandwatch/internal/domain"
	"brandwatch/internal/ports"
)

const brandColumns = `id, owner_id, name, domain, keywords, social_handles, status, threat_count, last_scanned_at`

func scanBrand(row pgx.Row) (domain.Brand, error) {
	var (
		b       domain.Brand
		handles []byte
	)
	if err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Domain, &b.Keywords, &handles, &b.Status, &b.ThreatCount, &b.LastScannedAt); err != nil {
		return domain.Brand{}, err
	}
	if len(handles) > 0 {
		if err := json.Unmarshal(handles, &b.SocialHandles); err != nil {
			return domain.Brand{}, fmt.Errorf("brand %s social handles: %w", b.ID, err)
		}
	}
	return b, nil
}

func (db *DB) ListActiveBrands(ctx context.Context) ([]domain.Brand, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+brandColumns+` FROM brands WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Brand
	for rows.Next() {
		b, err := scanBrand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (db *DB) GetBrand(ctx context.Context, brandID string) (domain.Brand, error) {
	b, err := scanBrand(db.Pool.QueryRow(ctx, `SELECT `+brandColumns+` FROM brands WHERE id = $1`, brandID))
	return b, notFound(err)
}

func (db *DB) IncrementThreatCount(ctx context.Context, brandID string) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE brands SET threat_count = threat_count + 1 WHERE id = $1`, brandID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (db *DB) MarkScanned(ctx context.Context, brandID string, at time.Time) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE brands SET last_scanned_at = $2 WHERE id = $1`, brandID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (db *DB) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	var a domain.Account
	err := db.Pool.QueryRow(ctx, `SELECT id, tier, role FROM accounts WHERE id = $1`, accountID).Scan(&a.ID, &a.Tier, &a.Role)
	return a, notFound(err)
}

// ConsumeManualScan is one statement: the conflict branch only fires when
// the period has elapsed or the counter is under limit, so concurrent
// callers can never both pass on a stale count.
func (db *DB) ConsumeManualScan(ctx context.Context, userID string, limit int, period time.Duration, now time.Time) (ports.QuotaUsage, bool, error) {
	var u ports.QuotaUsage
	if limit > 0 {
		err := db.Pool.QueryRow(ctx, `
			INSERT INTO manual_scan_quotas AS q (user_id, used, period_start)
			VALUES ($1, 1, $3)
			ON CONFLICT (user_id) DO UPDATE SET
				used = CASE WHEN q.period_start + $4::bigint * interval '1 microsecond' <= $3 THEN 1 ELSE q.used + 1 END,
				period_start = CASE WHEN q.period_start + $4::bigint * interval '1 microsecond' <= $3 THEN $3 ELSE q.period_start END
			WHERE q.period_start + $4::bigint * interval '1 microsecond' <= $3 OR q.used < $2
			RETURNING used, period_start
		`, userID, limit, now, period.Microseconds()).Scan(&u.Used, &u.PeriodStart)
		if err == nil {
			return u, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return u, false, err
		}
	}
	err := db.Pool.QueryRow(ctx, `SELECT used, period_start FROM manual_scan_quotas WHERE user_id = $1`, userID).
		Scan(&u.Used, &u.PeriodStart)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return u, false, err
	}
	return u, false, nil
}

func (db *DB) RefundManualScan(ctx context.Context, userID string) error {
	_, err := db.Pool.Exec(ctx, `UPDATE manual_scan_quotas SET used = used - 1 WHERE user_id = $1 AND used > 0`, userID)
	return err
}

func (db *DB) GetWatermark(ctx context.Context, feed string) (string, error) {
	var wm string
	err := db.Pool.QueryRow(ctx, `SELECT watermark FROM feed_watermarks WHERE feed = $1`, feed).Scan(&wm)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return wm, err
}

func (db *DB) SetWatermark(ctx context.Context, feed, watermark string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO feed_watermarks (feed, watermark) VALUES ($1, $2)
		ON CONFLICT (feed) DO UPDATE SET watermark = EXCLUDED.watermark, updated_at = now()
	`, feed, watermark)
	return err
}
