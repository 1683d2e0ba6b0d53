package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/rankspot/rankspot/internal/models"
)

const sessionColumns = "id, class, credential, in_use, last_used, healthy, fail_count, proxy_id, created_at"

// ImportSession inserts a new session credential and returns its ID.
func (s *Store) ImportSession(ctx context.Context, class models.SessionClass, credential string, proxyID *int64) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (class, credential, proxy_id, created_at) VALUES (?, ?, ?, ?)",
		class, credential, proxyID, time.Now().Unix(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// AvailableSessions returns healthy, free sessions of the given class,
// least recently used first.
func (s *Store) AvailableSessions(ctx context.Context, class models.SessionClass) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE class = ? AND healthy = 1 AND in_use = 0 ORDER BY last_used ASC",
		class,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListSessions returns every known session.
func (s *Store) ListSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sessions ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// MarkSessionUsed flags a session in-use and stamps its last use.
func (s *Store) MarkSessionUsed(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE sessions SET in_use = 1, last_used = ? WHERE id = ?", at.Unix(), id)
	return err
}

// MarkSessionFree clears the in-use flag.
func (s *Store) MarkSessionFree(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE sessions SET in_use = 0 WHERE id = ?", id)
	return err
}

// RecordSessionFailure increments the fail counter and returns the new value.
func (s *Store) RecordSessionFailure(ctx context.Context, id int64) (int, error) {
	_, err := s.db.ExecContext(ctx, "UPDATE sessions SET fail_count = fail_count + 1 WHERE id = ?", id)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRowContext(ctx, "SELECT fail_count FROM sessions WHERE id = ?", id).Scan(&count)
	return count, err
}

// ResetSessionFailures clears the fail counter after a successful use.
func (s *Store) ResetSessionFailures(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE sessions SET fail_count = 0 WHERE id = ?", id)
	return err
}

// RetireSession marks a session unhealthy. Retired sessions are kept so
// in-flight probes holding them stay valid; they are never handed out again.
func (s *Store) RetireSession(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE sessions SET healthy = 0, in_use = 0 WHERE id = ?", id)
	return err
}

func scanSessions(rows *sql.Rows) ([]models.Session, error) {
	var sessions []models.Session
	for rows.Next() {
		var (
			m        models.Session
			inUse    int
			lastUsed int64
			healthy  int
			proxyID  sql.NullInt64
			created  int64
		)
		if err := rows.Scan(&m.ID, &m.Class, &m.Credential, &inUse, &lastUsed, &healthy, &m.FailCount, &proxyID, &created); err != nil {
			return nil, err
		}
		m.InUse = inUse != 0
		m.LastUsed = unixOrZero(lastUsed)
		m.Healthy = healthy != 0
		if proxyID.Valid {
			m.ProxyID = &proxyID.Int64
		}
		m.CreatedAt = time.Unix(created, 0)
		sessions = append(sessions, m)
	}
	return sessions, rows.Err()
}
