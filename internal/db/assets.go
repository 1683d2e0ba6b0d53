package db

import (
	"context"
	"database/sql"

	"github.com/rankspot/rankspot/internal/models"
)

const assetColumns = "id, external_id, kind, label, original_label, available, bot_token"

// AddAsset registers a rentable asset. The original label is captured at
// import time and is the label every probe restores to.
func (s *Store) AddAsset(ctx context.Context, externalID int64, kind models.AssetKind, label string, botToken *string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO assets (external_id, kind, label, original_label, bot_token) VALUES (?, ?, ?, ?, ?)",
		externalID, kind, label, label, botToken,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetAsset returns one asset, or nil if it does not exist.
func (s *Store) GetAsset(ctx context.Context, id int64) (*models.Asset, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+assetColumns+" FROM assets WHERE id = ?", id)
	a, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// AvailableAssets returns rentable assets, optionally filtered by kind.
func (s *Store) AvailableAssets(ctx context.Context, kind *models.AssetKind, limit int) ([]models.Asset, error) {
	query := "SELECT " + assetColumns + " FROM assets WHERE available = 1"
	args := []any{}
	if kind != nil {
		query += " AND kind = ?"
		args = append(args, *kind)
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

// SetAssetLabel records the asset's current public label.
func (s *Store) SetAssetLabel(ctx context.Context, id int64, label string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE assets SET label = ? WHERE id = ?", label, id)
	return err
}

// SetAssetAvailability toggles whether the asset can be rented out.
func (s *Store) SetAssetAvailability(ctx context.Context, id int64, available bool) error {
	v := 0
	if available {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, "UPDATE assets SET available = ? WHERE id = ?", v, id)
	return err
}

type assetScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row assetScanner) (*models.Asset, error) {
	var (
		a         models.Asset
		available int
		botToken  sql.NullString
	)
	err := row.Scan(&a.ID, &a.ExternalID, &a.Kind, &a.Label, &a.OriginalLabel, &available, &botToken)
	if err != nil {
		return nil, err
	}
	a.Available = available != 0
	if botToken.Valid {
		a.BotToken = &botToken.String
	}
	return &a, nil
}
