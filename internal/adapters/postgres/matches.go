package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"brandwatch/internal/domain"
)

const matchColumns = `id, brand_id, domain, match_type, matched_keyword, score, processed, threat_id, discovered_at, updated_at`

// typePriority mirrors domain.MatchType.Priority for the stored row.
const typePriority = `CASE matches.match_type
	WHEN 'exact' THEN 4 WHEN 'homoglyph' THEN 3 WHEN 'typosquat' THEN 2 WHEN 'keyword_combo' THEN 1 ELSE 0 END`

func scanMatch(row pgx.Row, extra ...any) (domain.MatchRecord, error) {
	var r domain.MatchRecord
	dest := append([]any{&r.ID, &r.BrandID, &r.Domain, &r.Type, &r.MatchedKeyword, &r.Score, &r.Processed, &r.ThreatID, &r.DiscoveredAt, &r.UpdatedAt}, extra...)
	err := row.Scan(dest...)
	return r, err
}

func (db *DB) GetMatchRecord(ctx context.Context, brandID, d string) (domain.MatchRecord, bool, error) {
	r, err := scanMatch(db.Pool.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE brand_id = $1 AND domain = $2`, brandID, d))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MatchRecord{}, false, nil
	}
	if err != nil {
		return domain.MatchRecord{}, false, err
	}
	return r, true, nil
}

// UpsertMatch relies on xmax = 0 to tell a fresh insert from a conflict
// update.
func (db *DB) UpsertMatch(ctx context.Context, m domain.Match) (domain.MatchRecord, bool, error) {
	var created bool
	r, err := scanMatch(db.Pool.QueryRow(ctx, `
		INSERT INTO matches (brand_id, domain, match_type, matched_keyword, score, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (brand_id, domain) DO UPDATE SET
			match_type = CASE WHEN $7 > `+typePriority+` THEN EXCLUDED.match_type ELSE matches.match_type END,
			matched_keyword = CASE WHEN $7 > `+typePriority+` THEN EXCLUDED.matched_keyword ELSE matches.matched_keyword END,
			score = GREATEST(matches.score, EXCLUDED.score),
			updated_at = now()
		RETURNING `+matchColumns+`, (xmax = 0)
	`, m.BrandID, m.Domain, m.Type, m.MatchedKeyword, m.Score, m.DiscoveredAt, m.Type.Priority()), &created)
	if err != nil {
		return domain.MatchRecord{}, false, err
	}
	return r, created, nil
}

func (db *DB) ListMatchRecords(ctx context.Context, brandID string) ([]domain.MatchRecord, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+matchColumns+` FROM matches WHERE brand_id = $1 ORDER BY domain`, brandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.MatchRecord
	for rows.Next() {
		r, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) LinkThreat(ctx context.Context, matchID, threatID string) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE matches SET threat_id = $2, processed = true, updated_at = now() WHERE id = $1`, matchID, threatID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (db *DB) MarkProcessed(ctx context.Context, matchID string) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE matches SET processed = true, updated_at = now() WHERE id = $1`, matchID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (db *DB) RaiseScore(ctx context.Context, brandID, d string, score int) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE matches SET score = GREATEST(score, LEAST($3, 100)), updated_at = now()
		WHERE brand_id = $1 AND domain = $2
	`, brandID, d, score)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const threatColumns = `id, brand_id, type, severity, status, source, evidence_ref, match_id, detected_at`

func scanThreat(row pgx.Row) (domain.Threat, error) {
	var t domain.Threat
	err := row.Scan(&t.ID, &t.BrandID, &t.Type, &t.Severity, &t.Status, &t.Source, &t.EvidenceRef, &t.MatchID, &t.DetectedAt)
	return t, err
}

func (db *DB) FindThreat(ctx context.Context, brandID, source string) (domain.Threat, bool, error) {
	t, err := scanThreat(db.Pool.QueryRow(ctx, `SELECT `+threatColumns+` FROM threats WHERE brand_id = $1 AND source = $2`, brandID, source))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Threat{}, false, nil
	}
	if err != nil {
		return domain.Threat{}, false, err
	}
	return t, true, nil
}

func (db *DB) CreateThreat(ctx context.Context, t domain.Threat) (domain.Threat, bool, error) {
	status := t.Status
	if status == "" {
		status = domain.ThreatNew
	}
	created, err := scanThreat(db.Pool.QueryRow(ctx, `
		INSERT INTO threats (brand_id, type, severity, status, source, evidence_ref, match_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (brand_id, source) DO NOTHING
		RETURNING `+threatColumns,
		t.BrandID, t.Type, t.Severity, status, t.Source, t.EvidenceRef, t.MatchID))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Threat{}, false, err
	}
	existing, ok, err := db.FindThreat(ctx, t.BrandID, t.Source)
	if err != nil {
		return domain.Threat{}, false, err
	}
	if !ok {
		return domain.Threat{}, false, domain.ErrNotFound
	}
	return existing, false, nil
}

func (db *DB) ListThreats(ctx context.Context, brandID string) ([]domain.Threat, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+threatColumns+` FROM threats WHERE brand_id = $1 ORDER BY source`, brandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Threat
	for rows.Next() {
		t, err := scanThreat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
