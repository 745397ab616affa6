// Package postgres implements the repository ports on PostgreSQL with pgx.
// Admission exclusivity and at-most-once threats rely on unique indexes;
// scan progress relies on conditional updates.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"brandwatch/internal/domain"
	"brandwatch/internal/ports"
)

type DB struct {
	Pool *pgxpool.Pool
}

var (
	_ ports.BrandRepository   = (*DB)(nil)
	_ ports.AccountRepository = (*DB)(nil)
	_ ports.QuotaRepository   = (*DB)(nil)
	_ ports.MatchRepository   = (*DB)(nil)
	_ ports.ThreatRepository  = (*DB)(nil)
	_ ports.ScanRepository    = (*DB)(nil)
	_ ports.JobRepository     = (*DB)(nil)
	_ ports.FeedWatermarks    = (*DB)(nil)
)

func Connect(ctx context.Context, url string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() { db.Pool.Close() }

// Ping is used by the health endpoint.
func (db *DB) Ping(ctx context.Context) error { return db.Pool.Ping(ctx) }

// withTx commits when fn returns nil and rolls back otherwise.
func (db *DB) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		} else {
			err = tx.Commit(ctx)
		}
	}()
	return fn(tx)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
