// Package pool manages exclusive leases over remote-account sessions and
// pairs each lease with an egress proxy.
package pool

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rankspot/rankspot/internal/logging"
	"github.com/rankspot/rankspot/internal/metrics"
	"github.com/rankspot/rankspot/internal/models"
)

// ErrUnavailable means no session of the requested class can be leased
// right now. Classes are never substituted for one another.
var ErrUnavailable = errors.New("no session available")

// SessionStore is the durable session inventory.
type SessionStore interface {
	AvailableSessions(ctx context.Context, class models.SessionClass) ([]models.Session, error)
	MarkSessionUsed(ctx context.Context, id int64, at time.Time) error
	MarkSessionFree(ctx context.Context, id int64) error
	RecordSessionFailure(ctx context.Context, id int64) (int, error)
	ResetSessionFailures(ctx context.Context, id int64) error
	RetireSession(ctx context.Context, id int64) error
}

// ProxyStore resolves egress endpoints for leases.
type ProxyStore interface {
	ActiveProxies(ctx context.Context) ([]models.Proxy, error)
	ProxyByID(ctx context.Context, id int64) (*models.Proxy, error)
}

// Pool hands out sessions with in-process exclusivity and a per-session
// cooldown after release. The in-use flag is mirrored to storage so
// operators can see it, but the map here is authoritative.
type Pool struct {
	sessions SessionStore
	proxies  ProxyStore
	cooldown time.Duration
	maxFails int
	logger   *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	inUse        map[int64]bool
	lastReleased map[int64]time.Time
}

func New(sessions SessionStore, proxies ProxyStore, cooldown time.Duration, maxFails int, logger *zap.Logger) *Pool {
	return &Pool{
		sessions:     sessions,
		proxies:      proxies,
		cooldown:     cooldown,
		maxFails:     maxFails,
		logger:       logger,
		now:          time.Now,
		inUse:        make(map[int64]bool),
		lastReleased: make(map[int64]time.Time),
	}
}

// Lease is an exclusive hold on one session and its paired proxy. Release
// is idempotent.
type Lease struct {
	pool    *Pool
	session models.Session
	proxy   *models.Proxy
	once    sync.Once
}

func (l *Lease) Session() models.Session { return l.session }
func (l *Lease) Proxy() *models.Proxy    { return l.proxy }

func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.release(l.session.ID)
	})
}

// Acquire leases the least recently used healthy session of the class that
// is free and past its cooldown, paired with its bound proxy or, failing
// that, the lowest-latency active one.
func (p *Pool) Acquire(ctx context.Context, class models.SessionClass) (*Lease, error) {
	candidates, err := p.sessions.AvailableSessions(ctx, class)
	if err != nil {
		metrics.PoolAcquires.WithLabelValues(string(class), "error").Inc()
		return nil, err
	}

	p.mu.Lock()
	var picked *models.Session
	now := p.now()
	for i := range candidates {
		c := candidates[i]
		if p.inUse[c.ID] {
			continue
		}
		if released, ok := p.lastReleased[c.ID]; ok && now.Sub(released) < p.cooldown {
			continue
		}
		picked = &c
		break
	}
	if picked == nil {
		p.mu.Unlock()
		metrics.PoolAcquires.WithLabelValues(string(class), "unavailable").Inc()
		return nil, ErrUnavailable
	}
	p.inUse[picked.ID] = true
	p.mu.Unlock()

	if err := p.sessions.MarkSessionUsed(ctx, picked.ID, now); err != nil {
		p.mu.Lock()
		delete(p.inUse, picked.ID)
		p.mu.Unlock()
		metrics.PoolAcquires.WithLabelValues(string(class), "error").Inc()
		return nil, err
	}

	proxy, err := p.pairProxy(ctx, *picked)
	if err != nil {
		p.logger.Warn("proxy pairing failed, lease goes direct",
			zap.Error(err), logging.SessionID(picked.ID))
	}

	metrics.PoolAcquires.WithLabelValues(string(class), "ok").Inc()
	p.logger.Debug("session leased",
		logging.SessionID(picked.ID), logging.Class(string(class)))
	return &Lease{pool: p, session: *picked, proxy: proxy}, nil
}

// pairProxy prefers the session's bound proxy when it is still active,
// otherwise the lowest-latency active endpoint with a random tie-break.
func (p *Pool) pairProxy(ctx context.Context, sess models.Session) (*models.Proxy, error) {
	if sess.ProxyID != nil {
		bound, err := p.proxies.ProxyByID(ctx, *sess.ProxyID)
		if err != nil {
			return nil, err
		}
		if bound != nil && bound.Status == models.ProxyActive {
			return bound, nil
		}
	}

	active, err := p.proxies.ActiveProxies(ctx)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}

	// ActiveProxies is latency-ordered; collect the leading ties.
	best := active[:1]
	for _, candidate := range active[1:] {
		if !sameLatency(best[0], candidate) {
			break
		}
		best = append(best, candidate)
	}
	chosen := best[rand.IntN(len(best))]
	return &chosen, nil
}

func sameLatency(a, b models.Proxy) bool {
	if a.LatencyMS == nil || b.LatencyMS == nil {
		return a.LatencyMS == nil && b.LatencyMS == nil
	}
	return *a.LatencyMS == *b.LatencyMS
}

func (p *Pool) release(sessionID int64) {
	p.mu.Lock()
	delete(p.inUse, sessionID)
	p.lastReleased[sessionID] = p.now()
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.sessions.MarkSessionFree(ctx, sessionID); err != nil {
		p.logger.Error("failed to mark session free", zap.Error(err), logging.SessionID(sessionID))
	}
}

// ReportFailure counts one failed use. At the threshold the session is
// retired and never handed out again.
func (p *Pool) ReportFailure(ctx context.Context, sessionID int64) {
	count, err := p.sessions.RecordSessionFailure(ctx, sessionID)
	if err != nil {
		p.logger.Error("failed to record session failure", zap.Error(err), logging.SessionID(sessionID))
		return
	}
	if count >= p.maxFails {
		if err := p.sessions.RetireSession(ctx, sessionID); err != nil {
			p.logger.Error("failed to retire session", zap.Error(err), logging.SessionID(sessionID))
			return
		}
		p.logger.Warn("session retired after repeated failures",
			logging.SessionID(sessionID), logging.Count(count))
	}
}

// ReportSuccess resets the consecutive-failure counter after a clean use.
func (p *Pool) ReportSuccess(ctx context.Context, sessionID int64) {
	if err := p.sessions.ResetSessionFailures(ctx, sessionID); err != nil {
		p.logger.Warn("failed to reset session failures", zap.Error(err), logging.SessionID(sessionID))
	}
}
