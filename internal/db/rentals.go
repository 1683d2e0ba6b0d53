package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rankspot/rankspot/internal/models"
)

const rentalColumns = "id, user_id, keyword, asset_id, rank, tier, price, duration_hours, start_time, end_time, status, payment_ref, expiry_notified, final_notified, created_at"

// CreateRental inserts a new rental request in pending state.
func (s *Store) CreateRental(ctx context.Context, userID int64, keyword string, assetID int64, rank int, tier models.Tier, price, durationHours int) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO rentals (user_id, keyword, asset_id, rank, tier, price, duration_hours, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		userID, keyword, assetID, rank, tier, price, durationHours, models.RentalPending, time.Now().Unix(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// GetRental returns one rental, or nil if it does not exist.
func (s *Store) GetRental(ctx context.Context, id int64) (*models.Rental, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+rentalColumns+" FROM rentals WHERE id = ?", id)
	r, err := scanRental(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// RentalsByStatus returns rentals whose status is in the given set.
func (s *Store) RentalsByStatus(ctx context.Context, statuses ...models.RentalStatus) ([]models.Rental, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+rentalColumns+" FROM rentals WHERE status IN ("+placeholders+") ORDER BY id",
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRentals(rows)
}

// UpdateRentalStatus sets the status column. Transition legality is the
// rental service's job; this is a plain write.
func (s *Store) UpdateRentalStatus(ctx context.Context, id int64, status models.RentalStatus) error {
	_, err := s.db.ExecContext(ctx, "UPDATE rentals SET status = ? WHERE id = ?", status, id)
	return err
}

// ActivateRental records payment and the rental window in one write.
func (s *Store) ActivateRental(ctx context.Context, id int64, paymentRef string, durationHours int, start, end time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE rentals SET status = ?, payment_ref = ?, duration_hours = ?, start_time = ?, end_time = ? WHERE id = ?",
		models.RentalActive, paymentRef, durationHours, start.Unix(), end.Unix(), id,
	)
	return err
}

// ExtendRental pushes the end time out and resets the reminder flags so the
// expiry notices fire again for the new window.
func (s *Store) ExtendRental(ctx context.Context, id int64, paymentRef string, newEnd time.Time, addedHours int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE rentals SET payment_ref = ?, end_time = ?, duration_hours = duration_hours + ?, expiry_notified = 0, final_notified = 0 WHERE id = ?",
		paymentRef, newEnd.Unix(), addedHours, id,
	)
	return err
}

// ReplaceRentalAsset swaps the asset in place, preserving the rental id and
// window, and resets the measured rank/tier to the replacement's values.
func (s *Store) ReplaceRentalAsset(ctx context.Context, id int64, assetID int64, rank int, tier models.Tier) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE rentals SET asset_id = ?, rank = ?, tier = ? WHERE id = ?",
		assetID, rank, tier, id,
	)
	return err
}

// ExpiredRentals queries storage directly for rentals past their end time
// that still carry an active-like status.
func (s *Store) ExpiredRentals(ctx context.Context, now time.Time) ([]models.Rental, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+rentalColumns+" FROM rentals WHERE status IN (?, ?, ?) AND end_time IS NOT NULL AND end_time < ? ORDER BY end_time ASC",
		models.RentalActive, models.RentalMonitoring, models.RentalExpiring, now.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRentals(rows)
}

// RentalsExpiringWithin returns active-like rentals whose end time falls
// inside (now, now+window].
func (s *Store) RentalsExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]models.Rental, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+rentalColumns+" FROM rentals WHERE status IN (?, ?, ?) AND end_time IS NOT NULL AND end_time > ? AND end_time <= ? ORDER BY end_time ASC",
		models.RentalActive, models.RentalMonitoring, models.RentalExpiring, now.Unix(), now.Add(window).Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRentals(rows)
}

// PendingOlderThan returns unpaid rentals created before the cutoff.
func (s *Store) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]models.Rental, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+rentalColumns+" FROM rentals WHERE status = ? AND created_at < ? ORDER BY id",
		models.RentalPending, cutoff.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRentals(rows)
}

// ArchiveFinished moves expired and canceled rentals older than the cutoff
// into archived state. Rentals canceled before activation have no end time
// and age from their creation instead. Returns the number archived.
func (s *Store) ArchiveFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE rentals SET status = ? WHERE status IN (?, ?) AND COALESCE(end_time, created_at) < ?",
		models.RentalArchived, models.RentalExpired, models.RentalCanceled, cutoff.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// MarkExpiryNotified records that the expiring-soon notice was sent.
func (s *Store) MarkExpiryNotified(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE rentals SET expiry_notified = 1 WHERE id = ?", id)
	return err
}

// MarkFinalNotified records that the final reminder was sent.
func (s *Store) MarkFinalNotified(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE rentals SET final_notified = 1 WHERE id = ?", id)
	return err
}

type rentalScanner interface {
	Scan(dest ...any) error
}

func scanRental(row rentalScanner) (*models.Rental, error) {
	var (
		r          models.Rental
		start, end sql.NullInt64
		paymentRef sql.NullString
		expiryN    int
		finalN     int
		created    int64
	)
	err := row.Scan(&r.ID, &r.UserID, &r.Keyword, &r.AssetID, &r.Rank, &r.Tier, &r.Price,
		&r.DurationHours, &start, &end, &r.Status, &paymentRef, &expiryN, &finalN, &created)
	if err != nil {
		return nil, err
	}
	r.StartTime = nullableTime(start)
	r.EndTime = nullableTime(end)
	if paymentRef.Valid {
		r.PaymentRef = &paymentRef.String
	}
	r.ExpiryNotified = expiryN != 0
	r.FinalNotified = finalN != 0
	r.CreatedAt = time.Unix(created, 0)
	return &r, nil
}

func scanRentals(rows *sql.Rows) ([]models.Rental, error) {
	var rentals []models.Rental
	for rows.Next() {
		r, err := scanRental(rows)
		if err != nil {
			return nil, err
		}
		rentals = append(rentals, *r)
	}
	return rentals, rows.Err()
}
