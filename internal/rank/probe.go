package rank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rankspot/rankspot/internal/logging"
	"github.com/rankspot/rankspot/internal/metrics"
	"github.com/rankspot/rankspot/internal/models"
	"github.com/rankspot/rankspot/internal/pool"
	"github.com/rankspot/rankspot/internal/remote"
)

// ErrProbeFailed marks a probe that could not produce a measurement. The
// asset's label has still been restored by the time it is returned.
var ErrProbeFailed = errors.New("rank probe failed")

// SessionPool hands out exclusive session+proxy leases.
type SessionPool interface {
	Acquire(ctx context.Context, class models.SessionClass) (*pool.Lease, error)
	ReportFailure(ctx context.Context, sessionID int64)
	ReportSuccess(ctx context.Context, sessionID int64)
}

// AssetLabelStore is the probe's bookkeeping for the current public label.
type AssetLabelStore interface {
	SetAssetLabel(ctx context.Context, id int64, label string) error
}

// AlertFunc escalates conditions that need an operator, currently only a
// failed label restoration.
type AlertFunc func(ctx context.Context, asset models.Asset, err error)

// ProberConfig wires a Prober.
type ProberConfig struct {
	Pool        SessionPool
	Searcher    remote.Searcher
	Relabeler   remote.Relabeler
	Assets      AssetLabelStore
	Wait        time.Duration // index propagation wait between relabel and query
	Timeout     time.Duration // per remote call
	SearchLimit int
	Logger      *zap.Logger
	Alert       AlertFunc
}

// Prober runs the relabel, wait, query, restore cycle. Probes on the
// same asset are serialized so two probes never race on its label.
type Prober struct {
	cfg ProberConfig

	mu    sync.Mutex
	locks map[int64]*assetLock
}

func NewProber(cfg ProberConfig) *Prober {
	return &Prober{
		cfg:   cfg,
		locks: make(map[int64]*assetLock),
	}
}

type assetLock struct {
	sync.Mutex
	refs int
}

// lockAsset serializes probes per asset. Entries are reference counted and
// dropped when the last holder leaves, so the map only ever tracks assets
// with a probe in flight.
func (p *Prober) lockAsset(assetID int64) *assetLock {
	p.mu.Lock()
	l, ok := p.locks[assetID]
	if !ok {
		l = &assetLock{}
		p.locks[assetID] = l
	}
	l.refs++
	p.mu.Unlock()
	l.Lock()
	return l
}

func (p *Prober) unlockAsset(assetID int64, l *assetLock) {
	l.Unlock()
	p.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, assetID)
	}
	p.mu.Unlock()
}

// Probe measures the asset's 1-based position in the ranked search result
// for keyword, or models.RankNotFound. Once the relabel has happened the
// probe runs to completion regardless of ctx: an interrupted probe would
// leave the asset under a temporary label.
func (p *Prober) Probe(ctx context.Context, asset models.Asset, keyword string) (int, error) {
	lock := p.lockAsset(asset.ID)
	defer p.unlockAsset(asset.ID, lock)

	if err := ctx.Err(); err != nil {
		return models.RankNotFound, err
	}

	start := time.Now()
	log := p.cfg.Logger.With(
		logging.ProbeID(uuid.NewString()),
		logging.AssetID(asset.ID),
		logging.Keyword(keyword),
	)

	queryLease, err := p.cfg.Pool.Acquire(ctx, models.SessionClean)
	if err != nil {
		return models.RankNotFound, err
	}
	defer queryLease.Release()

	relabelCred, relabelProxy, releaseRelabel, err := p.relabelCredential(ctx, asset)
	if err != nil {
		metrics.ObserveProbe("failed", time.Since(start))
		if errors.Is(err, pool.ErrUnavailable) {
			// No session, no rename attempted, nothing to restore.
			return models.RankNotFound, err
		}
		return models.RankNotFound, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	defer releaseRelabel()

	if err := p.setLabel(ctx, asset, keyword+remote.ForcedIndexSuffix, relabelCred, relabelProxy); err != nil {
		metrics.ObserveProbe("failed", time.Since(start))
		// The relabel may have partially landed remotely; restore anyway.
		p.restore(asset, relabelCred, relabelProxy, log)
		return models.RankNotFound, fmt.Errorf("%w: relabel: %v", ErrProbeFailed, err)
	}
	defer p.restore(asset, relabelCred, relabelProxy, log)

	log.Debug("waiting for index propagation", zap.Duration("wait", p.cfg.Wait))
	time.Sleep(p.cfg.Wait)

	queryCtx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	cred := remote.Credential{SessionString: queryLease.Session().Credential}
	entities, err := p.cfg.Searcher.Search(queryCtx, cred, queryLease.Proxy(), keyword, p.cfg.SearchLimit)
	if err != nil {
		p.cfg.Pool.ReportFailure(context.Background(), queryLease.Session().ID)
		metrics.ObserveProbe("failed", time.Since(start))
		return models.RankNotFound, fmt.Errorf("%w: search: %v", ErrProbeFailed, err)
	}
	p.cfg.Pool.ReportSuccess(context.Background(), queryLease.Session().ID)

	rank := models.RankNotFound
	pos := 0
	for _, e := range entities {
		if e.Kind != asset.Kind {
			continue
		}
		pos++
		if e.ExternalID == asset.ExternalID {
			rank = pos
			break
		}
	}

	metrics.ObserveProbe("ok", time.Since(start))
	log.Info("probe complete", logging.Rank(rank))
	return rank, nil
}

// restore puts the original label back. It runs with its own context so a
// canceled probe still cleans up; failure here is the one condition that
// escalates to an operator.
func (p *Prober) restore(asset models.Asset, cred remote.Credential, proxy *models.Proxy, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	if err := p.setLabel(ctx, asset, asset.OriginalLabel, cred, proxy); err != nil {
		log.Error("label restore failed, asset left with probe label", zap.Error(err))
		metrics.ProbesTotal.WithLabelValues("restore_failed").Inc()
		if p.cfg.Alert != nil {
			p.cfg.Alert(ctx, asset, err)
		}
	}
}

// relabelCredential resolves who performs the renames: bots authenticate as
// themselves, channels and groups get a manager-class lease. The lease is
// held for the whole relabel/restore cycle, so the restore never has to
// re-acquire a session that release just put into cooldown.
func (p *Prober) relabelCredential(ctx context.Context, asset models.Asset) (remote.Credential, *models.Proxy, func(), error) {
	capability, ok := remote.CapabilityFor(asset.Kind)
	if !ok {
		return remote.Credential{}, nil, nil, fmt.Errorf("unknown asset kind %q", asset.Kind)
	}

	if capability.OwnCredential {
		if asset.BotToken == nil {
			return remote.Credential{}, nil, nil, fmt.Errorf("asset %d has no bot credential", asset.ID)
		}
		return remote.Credential{BotToken: *asset.BotToken}, nil, func() {}, nil
	}

	lease, err := p.cfg.Pool.Acquire(ctx, capability.RelabelClass)
	if err != nil {
		return remote.Credential{}, nil, nil, err
	}
	return remote.Credential{SessionString: lease.Session().Credential}, lease.Proxy(), lease.Release, nil
}

// setLabel performs the rename and records the new public label.
func (p *Prober) setLabel(ctx context.Context, asset models.Asset, label string, cred remote.Credential, proxy *models.Proxy) error {
	if err := p.cfg.Relabeler.Relabel(ctx, cred, proxy, asset, label); err != nil {
		return err
	}
	if err := p.cfg.Assets.SetAssetLabel(ctx, asset.ID, label); err != nil {
		p.cfg.Logger.Warn("label bookkeeping failed", zap.Error(err), logging.AssetID(asset.ID))
	}
	return nil
}
