package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/rankspot/rankspot/internal/models"
)

// GetRank returns the stored measurement for (asset, keyword), or nil.
// Freshness is the caller's concern; the row is returned regardless of age.
func (s *Store) GetRank(ctx context.Context, assetID int64, keyword string) (*models.RankRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT asset_id, keyword, rank, tier, measured_at FROM rank_cache WHERE asset_id = ? AND keyword = ?",
		assetID, keyword,
	)
	var (
		r        models.RankRecord
		measured int64
	)
	err := row.Scan(&r.AssetID, &r.Keyword, &r.Rank, &r.Tier, &measured)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.MeasuredAt = time.Unix(measured, 0)
	return &r, nil
}

// PutRank upserts a measurement and appends it to the history log.
func (s *Store) PutRank(ctx context.Context, rec models.RankRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rank_cache (asset_id, keyword, rank, tier, measured_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (asset_id, keyword)
		DO UPDATE SET rank = excluded.rank, tier = excluded.tier, measured_at = excluded.measured_at`,
		rec.AssetID, rec.Keyword, rec.Rank, rec.Tier, rec.MeasuredAt.Unix(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO rank_history (asset_id, keyword, rank, tier, measured_at) VALUES (?, ?, ?, ?, ?)",
		rec.AssetID, rec.Keyword, rec.Rank, rec.Tier, rec.MeasuredAt.Unix(),
	)
	return err
}

// FreshRanks returns all cache rows measured after the cutoff, for warming
// the in-memory cache at startup.
func (s *Store) FreshRanks(ctx context.Context, cutoff time.Time) ([]models.RankRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT asset_id, keyword, rank, tier, measured_at FROM rank_cache WHERE measured_at > ?",
		cutoff.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRankRecords(rows)
}

// RankHistory returns measurements for (asset, keyword) since the cutoff,
// oldest first.
func (s *Store) RankHistory(ctx context.Context, assetID int64, keyword string, since time.Time) ([]models.RankRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT asset_id, keyword, rank, tier, measured_at FROM rank_history WHERE asset_id = ? AND keyword = ? AND measured_at > ? ORDER BY measured_at ASC",
		assetID, keyword, since.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRankRecords(rows)
}

// ClearRanks deletes cache rows scoped by asset and/or keyword; both nil
// clears everything.
func (s *Store) ClearRanks(ctx context.Context, assetID *int64, keyword *string) error {
	query := "DELETE FROM rank_cache"
	var (
		conds []string
		args  []any
	)
	if assetID != nil {
		conds = append(conds, "asset_id = ?")
		args = append(args, *assetID)
	}
	if keyword != nil {
		conds = append(conds, "keyword = ?")
		args = append(args, *keyword)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func scanRankRecords(rows *sql.Rows) ([]models.RankRecord, error) {
	var records []models.RankRecord
	for rows.Next() {
		var (
			r        models.RankRecord
			measured int64
		)
		if err := rows.Scan(&r.AssetID, &r.Keyword, &r.Rank, &r.Tier, &measured); err != nil {
			return nil, err
		}
		r.MeasuredAt = time.Unix(measured, 0)
		records = append(records, r)
	}
	return records, rows.Err()
}
