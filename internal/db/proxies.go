package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/rankspot/rankspot/internal/models"
)

const proxyColumns = "id, address, port, protocol, username, password, latency_ms, status, fail_count, last_check"

// AddProxy inserts a new egress endpoint. Duplicate address:port pairs are
// rejected by the unique constraint.
func (s *Store) AddProxy(ctx context.Context, address string, port int, protocol string, username, password *string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO proxies (address, port, protocol, username, password, status) VALUES (?, ?, ?, ?, ?, ?)",
		address, port, protocol, username, password, models.ProxyActive,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// ActiveProxies returns eligible endpoints ordered by measured latency,
// unmeasured last.
func (s *Store) ActiveProxies(ctx context.Context) ([]models.Proxy, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+proxyColumns+" FROM proxies WHERE status = ? ORDER BY latency_ms IS NULL, latency_ms ASC",
		models.ProxyActive,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProxies(rows)
}

// CheckableProxies returns endpoints the health checker should visit:
// everything not removed, so errored endpoints can recover.
func (s *Store) CheckableProxies(ctx context.Context) ([]models.Proxy, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+proxyColumns+" FROM proxies WHERE status != ? ORDER BY id",
		models.ProxyRemoved,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProxies(rows)
}

// ListProxies returns every endpoint regardless of status.
func (s *Store) ListProxies(ctx context.Context) ([]models.Proxy, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+proxyColumns+" FROM proxies ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProxies(rows)
}

// ProxyByID returns one endpoint, or nil if it does not exist.
func (s *Store) ProxyByID(ctx context.Context, id int64) (*models.Proxy, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+proxyColumns+" FROM proxies WHERE id = ?", id)
	p, err := scanProxy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RecordProxyCheck stores one health check outcome.
func (s *Store) RecordProxyCheck(ctx context.Context, id int64, latencyMS *int64, status models.ProxyStatus, failCount int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE proxies SET latency_ms = ?, status = ?, fail_count = ?, last_check = ? WHERE id = ?",
		latencyMS, status, failCount, at.Unix(), id,
	)
	return err
}

// RemoveProxy soft-deletes an endpoint so sessions referencing it stay valid.
func (s *Store) RemoveProxy(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE proxies SET status = ? WHERE id = ?", models.ProxyRemoved, id)
	return err
}

// PurgeDeadProxies deletes errored or removed endpoints whose last check is
// older than the cutoff. Returns the number of rows deleted.
func (s *Store) PurgeDeadProxies(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM proxies WHERE status != ? AND last_check < ?",
		models.ProxyActive, cutoff.Unix(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type proxyScanner interface {
	Scan(dest ...any) error
}

func scanProxy(row proxyScanner) (*models.Proxy, error) {
	var (
		p         models.Proxy
		username  sql.NullString
		password  sql.NullString
		latency   sql.NullInt64
		lastCheck int64
	)
	err := row.Scan(&p.ID, &p.Address, &p.Port, &p.Protocol, &username, &password, &latency, &p.Status, &p.FailCount, &lastCheck)
	if err != nil {
		return nil, err
	}
	if username.Valid {
		p.Username = &username.String
	}
	if password.Valid {
		p.Password = &password.String
	}
	if latency.Valid {
		p.LatencyMS = &latency.Int64
	}
	p.LastCheck = unixOrZero(lastCheck)
	return &p, nil
}

func scanProxies(rows *sql.Rows) ([]models.Proxy, error) {
	var proxies []models.Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, *p)
	}
	return proxies, rows.Err()
}
