package pool

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rankspot/rankspot/internal/models"
)

type memHealthStore struct {
	mu      sync.Mutex
	proxies map[int64]models.Proxy
	purges  []time.Time
}

func newMemHealthStore(proxies ...models.Proxy) *memHealthStore {
	m := &memHealthStore{proxies: make(map[int64]models.Proxy)}
	for _, p := range proxies {
		m.proxies[p.ID] = p
	}
	return m
}

func (m *memHealthStore) CheckableProxies(context.Context) ([]models.Proxy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Proxy
	for _, p := range m.proxies {
		if p.Status != models.ProxyRemoved {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memHealthStore) RecordProxyCheck(_ context.Context, id int64, latencyMS *int64, status models.ProxyStatus, failCount int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.proxies[id]
	p.LatencyMS = latencyMS
	p.Status = status
	p.FailCount = failCount
	p.LastCheck = at
	m.proxies[id] = p
	return nil
}

func (m *memHealthStore) PurgeDeadProxies(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purges = append(m.purges, cutoff)
	var n int64
	for id, p := range m.proxies {
		if p.Status != models.ProxyActive && p.LastCheck.Before(cutoff) {
			delete(m.proxies, id)
			n++
		}
	}
	return n, nil
}

func (m *memHealthStore) get(id int64) models.Proxy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proxies[id]
}

// fakeConn is the minimal net.Conn a dial test needs.
type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func newTestChecker(store HealthStore, dial DialFunc) *HealthChecker {
	h := NewHealthChecker(store, time.Second, time.Minute, 3, 24*time.Hour, zap.NewNop())
	h.dial = dial
	return h
}

func TestSweepRecordsLatency(t *testing.T) {
	store := newMemHealthStore(models.Proxy{ID: 1, Address: "10.0.0.1", Port: 1080, Status: models.ProxyActive, FailCount: 2})
	h := newTestChecker(store, func(context.Context, string, string) (net.Conn, error) {
		return fakeConn{}, nil
	})

	h.Sweep(context.Background())

	p := store.get(1)
	assert.Equal(t, models.ProxyActive, p.Status)
	assert.Equal(t, 0, p.FailCount, "success resets the counter")
	require.NotNil(t, p.LatencyMS)
	assert.False(t, p.LastCheck.IsZero())
}

func TestSweepDemotesAfterConsecutiveFailures(t *testing.T) {
	store := newMemHealthStore(models.Proxy{ID: 1, Address: "10.0.0.1", Port: 1080, Status: models.ProxyActive})
	h := newTestChecker(store, func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})

	h.Sweep(context.Background())
	h.Sweep(context.Background())
	assert.Equal(t, models.ProxyActive, store.get(1).Status, "two failures are tolerated")

	h.Sweep(context.Background())
	p := store.get(1)
	assert.Equal(t, models.ProxyError, p.Status)
	assert.Equal(t, 3, p.FailCount)
	assert.Nil(t, p.LatencyMS)
}

func TestSweepLetsErroredProxyRecover(t *testing.T) {
	store := newMemHealthStore(models.Proxy{ID: 1, Address: "10.0.0.1", Port: 1080, Status: models.ProxyError, FailCount: 3, LastCheck: time.Now()})
	h := newTestChecker(store, func(context.Context, string, string) (net.Conn, error) {
		return fakeConn{}, nil
	})

	h.Sweep(context.Background())

	p := store.get(1)
	assert.Equal(t, models.ProxyActive, p.Status)
	assert.Equal(t, 0, p.FailCount)
}

func TestSweepPurgesLongDeadProxies(t *testing.T) {
	store := newMemHealthStore(
		models.Proxy{ID: 1, Address: "10.0.0.1", Port: 1080, Status: models.ProxyRemoved, LastCheck: time.Now().Add(-48 * time.Hour)},
	)
	h := newTestChecker(store, func(context.Context, string, string) (net.Conn, error) {
		return fakeConn{}, nil
	})

	h.Sweep(context.Background())

	require.Len(t, store.purges, 1)
	assert.Empty(t, store.proxies, "removed proxy past retention is deleted")
}
