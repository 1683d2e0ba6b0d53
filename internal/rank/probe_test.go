package rank

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
	"github.com/rankspot/rankspot/internal/pool"
	"github.com/rankspot/rankspot/internal/remote"
)

// fakeSessionStore is an in-memory pool.SessionStore.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions []models.Session
}

func (f *fakeSessionStore) AvailableSessions(_ context.Context, class models.SessionClass) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.sessions {
		if s.Class == class && s.Healthy && !s.InUse {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) MarkSessionUsed(_ context.Context, id int64, at time.Time) error {
	return f.set(id, func(s *models.Session) { s.InUse = true; s.LastUsed = at })
}

func (f *fakeSessionStore) MarkSessionFree(_ context.Context, id int64) error {
	return f.set(id, func(s *models.Session) { s.InUse = false })
}

func (f *fakeSessionStore) RecordSessionFailure(_ context.Context, id int64) (int, error) {
	var count int
	err := f.set(id, func(s *models.Session) { s.FailCount++; count = s.FailCount })
	return count, err
}

func (f *fakeSessionStore) ResetSessionFailures(_ context.Context, id int64) error {
	return f.set(id, func(s *models.Session) { s.FailCount = 0 })
}

func (f *fakeSessionStore) RetireSession(_ context.Context, id int64) error {
	return f.set(id, func(s *models.Session) { s.Healthy = false; s.InUse = false })
}

func (f *fakeSessionStore) get(id int64) models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ID == id {
			return s
		}
	}
	return models.Session{}
}

func (f *fakeSessionStore) set(id int64, fn func(*models.Session)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.sessions {
		if f.sessions[i].ID == id {
			fn(&f.sessions[i])
			return nil
		}
	}
	return errors.New("session not found")
}

type fakeProxyStore struct {
	proxies []models.Proxy
}

func (f *fakeProxyStore) ActiveProxies(context.Context) ([]models.Proxy, error) {
	var out []models.Proxy
	for _, p := range f.proxies {
		if p.Status == models.ProxyActive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProxyStore) ProxyByID(_ context.Context, id int64) (*models.Proxy, error) {
	for _, p := range f.proxies {
		if p.ID == id {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

// relabelCall records one rename with the credential that made it.
type relabelCall struct {
	cred  remote.Credential
	label string
}

type fakeRemote struct {
	mu         sync.Mutex
	relabels   []relabelCall
	relabelErr error
	// relabelErrAfter fails relabels after this many succeed; -1 disables.
	relabelErrAfter int
	entities        []remote.Entity
	searchErr       error
	searchCreds     []remote.Credential
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{relabelErrAfter: -1}
}

func (f *fakeRemote) Relabel(_ context.Context, cred remote.Credential, _ *models.Proxy, _ models.Asset, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.relabelErr != nil && (f.relabelErrAfter < 0 || len(f.relabels) >= f.relabelErrAfter) {
		return f.relabelErr
	}
	f.relabels = append(f.relabels, relabelCall{cred: cred, label: label})
	return nil
}

func (f *fakeRemote) Search(_ context.Context, cred remote.Credential, _ *models.Proxy, _ string, _ int) ([]remote.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCreds = append(f.searchCreds, cred)
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.entities, nil
}

type fakeLabelStore struct {
	mu     sync.Mutex
	labels map[int64]string
}

func (f *fakeLabelStore) SetAssetLabel(_ context.Context, id int64, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.labels == nil {
		f.labels = make(map[int64]string)
	}
	f.labels[id] = label
	return nil
}

func testSessions() *fakeSessionStore {
	return &fakeSessionStore{sessions: []models.Session{
		{ID: 1, Class: models.SessionClean, Credential: "clean-1", Healthy: true},
		{ID: 2, Class: models.SessionManager, Credential: "manager-1", Healthy: true},
	}}
}

func newTestProber(sessions *fakeSessionStore, rem *fakeRemote) (*Prober, *fakeLabelStore) {
	p := pool.New(sessions, &fakeProxyStore{}, 0, 3, zap.NewNop())
	labels := &fakeLabelStore{}
	prober := NewProber(ProberConfig{
		Pool:        p,
		Searcher:    rem,
		Relabeler:   rem,
		Assets:      labels,
		Wait:        0,
		Timeout:     time.Second,
		SearchLimit: 100,
		Logger:      zap.NewNop(),
	})
	return prober, labels
}

func botAsset() models.Asset {
	token := "12345:token"
	return models.Asset{ID: 10, ExternalID: 555, Kind: models.AssetBot, Label: "SearchBot", OriginalLabel: "SearchBot", BotToken: &token}
}

func channelAsset() models.Asset {
	return models.Asset{ID: 11, ExternalID: 777, Kind: models.AssetChannel, Label: "News", OriginalLabel: "News"}
}

func TestProbeBotRankAndRestore(t *testing.T) {
	rem := newFakeRemote()
	rem.entities = []remote.Entity{
		{ExternalID: 1, Kind: models.AssetBot},
		{ExternalID: 2, Kind: models.AssetChannel}, // other kinds don't count
		{ExternalID: 555, Kind: models.AssetBot},
	}
	prober, labels := newTestProber(testSessions(), rem)

	rank, err := prober.Probe(context.Background(), botAsset(), "crypto")
	require.NoError(t, err)
	assert.Equal(t, 2, rank, "position is counted within the asset's kind only")

	require.Len(t, rem.relabels, 2)
	assert.Equal(t, "crypto"+remote.ForcedIndexSuffix, rem.relabels[0].label)
	assert.Equal(t, "SearchBot", rem.relabels[1].label, "original label restored")
	assert.Equal(t, "12345:token", rem.relabels[0].cred.BotToken, "bots relabel with their own credential")
	assert.Equal(t, "SearchBot", labels.labels[10])
}

func TestProbeChannelUsesManagerSession(t *testing.T) {
	rem := newFakeRemote()
	rem.entities = []remote.Entity{{ExternalID: 777, Kind: models.AssetChannel}}
	prober, _ := newTestProber(testSessions(), rem)

	rank, err := prober.Probe(context.Background(), channelAsset(), "news")
	require.NoError(t, err)
	assert.Equal(t, 1, rank)

	require.Len(t, rem.relabels, 2)
	for _, call := range rem.relabels {
		assert.Equal(t, "manager-1", call.cred.SessionString, "channel renames need a manager session")
	}
	// The query itself ran on the clean session.
	require.Len(t, rem.searchCreds, 1)
	assert.Equal(t, "clean-1", rem.searchCreds[0].SessionString)
}

func TestProbeNotFound(t *testing.T) {
	rem := newFakeRemote()
	rem.entities = []remote.Entity{{ExternalID: 1, Kind: models.AssetBot}}
	prober, _ := newTestProber(testSessions(), rem)

	rank, err := prober.Probe(context.Background(), botAsset(), "crypto")
	require.NoError(t, err)
	assert.Equal(t, models.RankNotFound, rank)
}

func TestProbeSearchFailureRestoresLabel(t *testing.T) {
	rem := newFakeRemote()
	rem.searchErr = errors.New("flood wait")
	prober, _ := newTestProber(testSessions(), rem)

	_, err := prober.Probe(context.Background(), botAsset(), "crypto")
	require.ErrorIs(t, err, ErrProbeFailed)

	require.Len(t, rem.relabels, 2)
	assert.Equal(t, "SearchBot", rem.relabels[1].label, "label restored even on failure")
}

func TestProbeNoCleanSession(t *testing.T) {
	sessions := &fakeSessionStore{sessions: []models.Session{
		{ID: 2, Class: models.SessionManager, Credential: "manager-1", Healthy: true},
	}}
	rem := newFakeRemote()
	prober, _ := newTestProber(sessions, rem)

	_, err := prober.Probe(context.Background(), botAsset(), "crypto")
	require.ErrorIs(t, err, pool.ErrUnavailable)
	assert.Empty(t, rem.relabels, "no relabel happens without a query session")
}

func TestProbeChannelRestoreSurvivesCooldown(t *testing.T) {
	sessions := testSessions()
	rem := newFakeRemote()
	rem.entities = []remote.Entity{{ExternalID: 777, Kind: models.AssetChannel}}

	// Production-like pool: one manager session, long cooldown. The restore
	// must ride the lease held since the relabel, not a fresh acquire.
	p := pool.New(sessions, &fakeProxyStore{}, 10*time.Minute, 3, zap.NewNop())
	prober := NewProber(ProberConfig{
		Pool:        p,
		Searcher:    rem,
		Relabeler:   rem,
		Assets:      &fakeLabelStore{},
		Wait:        0,
		Timeout:     time.Second,
		SearchLimit: 100,
		Logger:      zap.NewNop(),
	})

	rank, err := prober.Probe(context.Background(), channelAsset(), "news")
	require.NoError(t, err)
	assert.Equal(t, 1, rank)

	require.Len(t, rem.relabels, 2)
	assert.Equal(t, "news"+remote.ForcedIndexSuffix, rem.relabels[0].label)
	assert.Equal(t, "News", rem.relabels[1].label, "original label restored despite the cooldown")
	assert.Equal(t, "manager-1", rem.relabels[1].cred.SessionString)
	assert.False(t, sessions.get(2).InUse, "manager session released after the restore")
}

func TestProbeChannelManagerExhaustion(t *testing.T) {
	sessions := &fakeSessionStore{sessions: []models.Session{
		{ID: 1, Class: models.SessionClean, Credential: "clean-1", Healthy: true},
	}}
	rem := newFakeRemote()
	prober, _ := newTestProber(sessions, rem)

	_, err := prober.Probe(context.Background(), channelAsset(), "news")
	require.ErrorIs(t, err, pool.ErrUnavailable)
	assert.Empty(t, rem.relabels, "no manager session, no rename attempted")
	assert.False(t, sessions.get(1).InUse, "query session released on the failure path")
}

func TestProbeRestoreFailureAlerts(t *testing.T) {
	rem := newFakeRemote()
	rem.entities = []remote.Entity{{ExternalID: 555, Kind: models.AssetBot}}
	rem.relabelErr = errors.New("rename rejected")
	rem.relabelErrAfter = 1 // first relabel lands, the restore fails

	var alerted models.Asset
	sessions := testSessions()
	p := pool.New(sessions, &fakeProxyStore{}, 0, 3, zap.NewNop())
	prober := NewProber(ProberConfig{
		Pool:        p,
		Searcher:    rem,
		Relabeler:   rem,
		Assets:      &fakeLabelStore{},
		Wait:        0,
		Timeout:     time.Second,
		SearchLimit: 100,
		Logger:      zap.NewNop(),
		Alert: func(_ context.Context, asset models.Asset, _ error) {
			alerted = asset
		},
	})

	rank, err := prober.Probe(context.Background(), botAsset(), "crypto")
	require.NoError(t, err, "the measurement itself succeeded")
	assert.Equal(t, 1, rank)
	assert.Equal(t, int64(10), alerted.ID, "stuck label escalates to the operator")
}

func TestProbeCanceledContext(t *testing.T) {
	rem := newFakeRemote()
	prober, _ := newTestProber(testSessions(), rem)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := prober.Probe(ctx, botAsset(), "crypto")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rem.relabels)
}

func TestProbeSerializesPerAsset(t *testing.T) {
	rem := newFakeRemote()
	rem.entities = []remote.Entity{{ExternalID: 555, Kind: models.AssetBot}}
	prober, _ := newTestProber(testSessions(), rem)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := prober.Probe(context.Background(), botAsset(), "crypto")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Serialized probes always alternate probe label / restore.
	require.Len(t, rem.relabels, 10)
	for i, call := range rem.relabels {
		if i%2 == 0 {
			assert.Equal(t, "crypto"+remote.ForcedIndexSuffix, call.label, "call %d", i)
		} else {
			assert.Equal(t, "SearchBot", call.label, "call %d", i)
		}
	}

	prober.mu.Lock()
	assert.Empty(t, prober.locks, "per-asset lock entries are dropped once idle")
	prober.mu.Unlock()
}
