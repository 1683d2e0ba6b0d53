package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rankspot/rankspot/internal/models"
)

type memSessionStore struct {
	mu       sync.Mutex
	sessions []models.Session
}

func (m *memSessionStore) AvailableSessions(_ context.Context, class models.SessionClass) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if s.Class == class && s.Healthy && !s.InUse {
			out = append(out, s)
		}
	}
	// LRU first, matching the storage query.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].LastUsed.Before(out[i].LastUsed) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *memSessionStore) MarkSessionUsed(_ context.Context, id int64, at time.Time) error {
	return m.set(id, func(s *models.Session) { s.InUse = true; s.LastUsed = at })
}

func (m *memSessionStore) MarkSessionFree(_ context.Context, id int64) error {
	return m.set(id, func(s *models.Session) { s.InUse = false })
}

func (m *memSessionStore) RecordSessionFailure(_ context.Context, id int64) (int, error) {
	var n int
	err := m.set(id, func(s *models.Session) { s.FailCount++; n = s.FailCount })
	return n, err
}

func (m *memSessionStore) ResetSessionFailures(_ context.Context, id int64) error {
	return m.set(id, func(s *models.Session) { s.FailCount = 0 })
}

func (m *memSessionStore) RetireSession(_ context.Context, id int64) error {
	return m.set(id, func(s *models.Session) { s.Healthy = false; s.InUse = false })
}

func (m *memSessionStore) get(id int64) models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id {
			return s
		}
	}
	return models.Session{}
}

func (m *memSessionStore) set(id int64, fn func(*models.Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].ID == id {
			fn(&m.sessions[i])
			return nil
		}
	}
	return errors.New("session not found")
}

type memProxyStore struct {
	proxies []models.Proxy
}

func (m *memProxyStore) ActiveProxies(context.Context) ([]models.Proxy, error) {
	var out []models.Proxy
	for _, p := range m.proxies {
		if p.Status == models.ProxyActive {
			out = append(out, p)
		}
	}
	// Latency ascending, unmeasured last, matching the storage query.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if less(out[j], out[i]) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func less(a, b models.Proxy) bool {
	switch {
	case a.LatencyMS == nil:
		return false
	case b.LatencyMS == nil:
		return true
	default:
		return *a.LatencyMS < *b.LatencyMS
	}
}

func (m *memProxyStore) ProxyByID(_ context.Context, id int64) (*models.Proxy, error) {
	for _, p := range m.proxies {
		if p.ID == id {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func lat(ms int64) *int64 { return &ms }

func TestAcquireExclusiveAndRelease(t *testing.T) {
	store := &memSessionStore{sessions: []models.Session{
		{ID: 1, Class: models.SessionClean, Healthy: true},
	}}
	p := New(store, &memProxyStore{}, 0, 3, zap.NewNop())

	lease, err := p.Acquire(context.Background(), models.SessionClean)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lease.Session().ID)

	_, err = p.Acquire(context.Background(), models.SessionClean)
	require.ErrorIs(t, err, ErrUnavailable)

	lease.Release()
	lease.Release() // idempotent

	again, err := p.Acquire(context.Background(), models.SessionClean)
	require.NoError(t, err)
	again.Release()
}

func TestAcquireNeverSubstitutesClass(t *testing.T) {
	store := &memSessionStore{sessions: []models.Session{
		{ID: 1, Class: models.SessionClean, Healthy: true},
		{ID: 2, Class: models.SessionDirty, Healthy: true},
	}}
	p := New(store, &memProxyStore{}, 0, 3, zap.NewNop())

	_, err := p.Acquire(context.Background(), models.SessionManager)
	require.ErrorIs(t, err, ErrUnavailable,
		"an idle clean pool must not satisfy a manager requirement")
}

func TestAcquirePrefersLeastRecentlyUsed(t *testing.T) {
	now := time.Now()
	store := &memSessionStore{sessions: []models.Session{
		{ID: 1, Class: models.SessionClean, Healthy: true, LastUsed: now},
		{ID: 2, Class: models.SessionClean, Healthy: true, LastUsed: now.Add(-time.Hour)},
	}}
	p := New(store, &memProxyStore{}, 0, 3, zap.NewNop())

	lease, err := p.Acquire(context.Background(), models.SessionClean)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lease.Session().ID)
	lease.Release()
}

func TestAcquireHonorsCooldown(t *testing.T) {
	store := &memSessionStore{sessions: []models.Session{
		{ID: 1, Class: models.SessionClean, Healthy: true},
	}}
	p := New(store, &memProxyStore{}, 10*time.Minute, 3, zap.NewNop())

	now := time.Now()
	p.now = func() time.Time { return now }

	lease, err := p.Acquire(context.Background(), models.SessionClean)
	require.NoError(t, err)
	lease.Release()

	_, err = p.Acquire(context.Background(), models.SessionClean)
	require.ErrorIs(t, err, ErrUnavailable, "released session is cooling down")

	p.now = func() time.Time { return now.Add(10 * time.Minute) }
	lease, err = p.Acquire(context.Background(), models.SessionClean)
	require.NoError(t, err)
	lease.Release()
}

func TestConcurrentAcquireExclusivity(t *testing.T) {
	store := &memSessionStore{sessions: []models.Session{
		{ID: 1, Class: models.SessionClean, Healthy: true},
		{ID: 2, Class: models.SessionClean, Healthy: true},
		{ID: 3, Class: models.SessionClean, Healthy: true},
	}}
	p := New(store, &memProxyStore{}, 0, 3, zap.NewNop())

	var (
		mu   sync.Mutex
		held = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Acquire(context.Background(), models.SessionClean)
			if errors.Is(err, ErrUnavailable) {
				return
			}
			require.NoError(t, err)
			mu.Lock()
			held[lease.Session().ID]++
			require.LessOrEqual(t, held[lease.Session().ID], 1, "double lease")
			mu.Unlock()

			mu.Lock()
			held[lease.Session().ID]--
			mu.Unlock()
			lease.Release()
		}()
	}
	wg.Wait()
}

func TestReportFailureRetiresAtThreshold(t *testing.T) {
	store := &memSessionStore{sessions: []models.Session{
		{ID: 1, Class: models.SessionClean, Healthy: true},
	}}
	p := New(store, &memProxyStore{}, 0, 3, zap.NewNop())
	ctx := context.Background()

	p.ReportFailure(ctx, 1)
	p.ReportFailure(ctx, 1)
	assert.True(t, store.get(1).Healthy, "below threshold stays healthy")

	p.ReportFailure(ctx, 1)
	assert.False(t, store.get(1).Healthy, "third failure retires")

	_, err := p.Acquire(ctx, models.SessionClean)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestReportSuccessResetsFailures(t *testing.T) {
	store := &memSessionStore{sessions: []models.Session{
		{ID: 1, Class: models.SessionClean, Healthy: true, FailCount: 2},
	}}
	p := New(store, &memProxyStore{}, 0, 3, zap.NewNop())

	p.ReportSuccess(context.Background(), 1)
	assert.Equal(t, 0, store.get(1).FailCount)
}

func TestPairProxyPrefersBound(t *testing.T) {
	boundID := int64(7)
	store := &memSessionStore{sessions: []models.Session{
		{ID: 1, Class: models.SessionClean, Healthy: true, ProxyID: &boundID},
	}}
	proxies := &memProxyStore{proxies: []models.Proxy{
		{ID: 7, Address: "10.0.0.7", Port: 1080, Status: models.ProxyActive, LatencyMS: lat(500)},
		{ID: 8, Address: "10.0.0.8", Port: 1080, Status: models.ProxyActive, LatencyMS: lat(10)},
	}}
	p := New(store, proxies, 0, 3, zap.NewNop())

	lease, err := p.Acquire(context.Background(), models.SessionClean)
	require.NoError(t, err)
	require.NotNil(t, lease.Proxy())
	assert.Equal(t, int64(7), lease.Proxy().ID, "bound proxy wins even when slower")
	lease.Release()
}

func TestPairProxyFallsBackToFastest(t *testing.T) {
	deadID := int64(7)
	store := &memSessionStore{sessions: []models.Session{
		{ID: 1, Class: models.SessionClean, Healthy: true, ProxyID: &deadID},
	}}
	proxies := &memProxyStore{proxies: []models.Proxy{
		{ID: 7, Address: "10.0.0.7", Port: 1080, Status: models.ProxyError, LatencyMS: lat(10)},
		{ID: 8, Address: "10.0.0.8", Port: 1080, Status: models.ProxyActive, LatencyMS: lat(90)},
		{ID: 9, Address: "10.0.0.9", Port: 1080, Status: models.ProxyActive, LatencyMS: lat(40)},
	}}
	p := New(store, proxies, 0, 3, zap.NewNop())

	lease, err := p.Acquire(context.Background(), models.SessionClean)
	require.NoError(t, err)
	require.NotNil(t, lease.Proxy())
	assert.Equal(t, int64(9), lease.Proxy().ID, "dead bound proxy falls back to fastest active")
	lease.Release()
}

func TestPairProxyTieBreak(t *testing.T) {
	store := &memSessionStore{sessions: []models.Session{
		{ID: 1, Class: models.SessionClean, Healthy: true},
	}}
	proxies := &memProxyStore{proxies: []models.Proxy{
		{ID: 8, Address: "10.0.0.8", Port: 1080, Status: models.ProxyActive, LatencyMS: lat(40)},
		{ID: 9, Address: "10.0.0.9", Port: 1080, Status: models.ProxyActive, LatencyMS: lat(40)},
		{ID: 10, Address: "10.0.0.10", Port: 1080, Status: models.ProxyActive, LatencyMS: lat(90)},
	}}
	p := New(store, proxies, 0, 3, zap.NewNop())

	for i := 0; i < 10; i++ {
		lease, err := p.Acquire(context.Background(), models.SessionClean)
		require.NoError(t, err)
		require.NotNil(t, lease.Proxy())
		assert.Contains(t, []int64{8, 9}, lease.Proxy().ID, "tie-break stays within the fastest tier")
		lease.Release()
	}
}

func TestAcquireWithoutProxiesGoesDirect(t *testing.T) {
	store := &memSessionStore{sessions: []models.Session{
		{ID: 1, Class: models.SessionClean, Healthy: true},
	}}
	p := New(store, &memProxyStore{}, 0, 3, zap.NewNop())

	lease, err := p.Acquire(context.Background(), models.SessionClean)
	require.NoError(t, err)
	assert.Nil(t, lease.Proxy())
	lease.Release()
}
