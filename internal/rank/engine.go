package rank

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rankspot/rankspot/internal/logging"
	"github.com/rankspot/rankspot/internal/models"
)

// AssetSource is the asset inventory the engine ranks against.
type AssetSource interface {
	GetAsset(ctx context.Context, id int64) (*models.Asset, error)
	AvailableAssets(ctx context.Context, kind *models.AssetKind, limit int) ([]models.Asset, error)
}

type prober interface {
	Probe(ctx context.Context, asset models.Asset, keyword string) (int, error)
}

// Result is a rank measurement together with its commercial reading.
type Result struct {
	Rank      int
	Tier      models.Tier
	Price     int
	FromCache bool
}

// ScoredAsset is an available asset with its current standing for a keyword.
type ScoredAsset struct {
	Asset models.Asset
	Rank  int
	Tier  models.Tier
	Price int
}

// Engine answers "where does this asset rank for this keyword" with cache
// awareness, and scores the inventory for replacement searches.
type Engine struct {
	assets AssetSource
	prober prober
	cache  *Cache
	logger *zap.Logger
	now    func() time.Time
}

func NewEngine(assets AssetSource, p prober, cache *Cache, logger *zap.Logger) *Engine {
	return &Engine{
		assets: assets,
		prober: p,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// CheckRank resolves the asset's rank for keyword. A fresh check always
// probes; otherwise a cached measurement inside its TTL is served as-is.
// Failed probes are never cached, so the next call retries.
func (e *Engine) CheckRank(ctx context.Context, assetID int64, keyword string, fresh bool) (Result, error) {
	if !fresh {
		if rec, ok := e.cache.Get(ctx, assetID, keyword); ok {
			return Result{
				Rank:      rec.Rank,
				Tier:      rec.Tier,
				Price:     PriceFor(rec.Rank),
				FromCache: true,
			}, nil
		}
	}

	asset, err := e.assets.GetAsset(ctx, assetID)
	if err != nil {
		return Result{}, err
	}
	if asset == nil {
		return Result{}, fmt.Errorf("asset %d not found", assetID)
	}

	rank, err := e.prober.Probe(ctx, *asset, keyword)
	if err != nil {
		return Result{}, err
	}

	tier := TierFor(rank)
	e.cache.Put(ctx, models.RankRecord{
		AssetID:    assetID,
		Keyword:    keyword,
		Rank:       rank,
		Tier:       tier,
		MeasuredAt: e.now(),
	})

	return Result{Rank: rank, Tier: tier, Price: PriceFor(rank)}, nil
}

// BestAssets scores the available inventory for keyword and returns the
// sellable ones best-first. Assets whose probe fails are skipped rather
// than failing the whole scan.
func (e *Engine) BestAssets(ctx context.Context, keyword string, kind *models.AssetKind, limit int) ([]ScoredAsset, error) {
	assets, err := e.assets.AvailableAssets(ctx, kind, limit)
	if err != nil {
		return nil, err
	}

	var scored []ScoredAsset
	for _, asset := range assets {
		res, err := e.CheckRank(ctx, asset.ID, keyword, false)
		if err != nil {
			e.logger.Warn("asset skipped during inventory scan",
				zap.Error(err), logging.AssetID(asset.ID), logging.Keyword(keyword))
			continue
		}
		if res.Tier == models.TierUnavailable {
			continue
		}
		scored = append(scored, ScoredAsset{
			Asset: asset,
			Rank:  res.Rank,
			Tier:  res.Tier,
			Price: res.Price,
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Rank < scored[j].Rank
	})
	return scored, nil
}
