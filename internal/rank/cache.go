package rank

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rankspot/rankspot/internal/logging"
	"github.com/rankspot/rankspot/internal/metrics"
	"github.com/rankspot/rankspot/internal/models"
)

// CacheStore is the durable side of the rank cache.
type CacheStore interface {
	GetRank(ctx context.Context, assetID int64, keyword string) (*models.RankRecord, error)
	PutRank(ctx context.Context, rec models.RankRecord) error
	FreshRanks(ctx context.Context, cutoff time.Time) ([]models.RankRecord, error)
}

type cacheKey struct {
	assetID int64
	keyword string
}

// Cache memoizes rank measurements for a bounded window, in memory with a
// durable write-through so restarts keep useful history. A miss is just a
// miss; the caller decides whether to probe.
type Cache struct {
	mu     sync.RWMutex
	mem    map[cacheKey]models.RankRecord
	store  CacheStore
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

func NewCache(store CacheStore, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		mem:    make(map[cacheKey]models.RankRecord),
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Warm loads still-fresh rows from storage into memory.
func (c *Cache) Warm(ctx context.Context) error {
	records, err := c.store.FreshRanks(ctx, c.now().Add(-c.ttl))
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, r := range records {
		c.mem[cacheKey{r.AssetID, r.Keyword}] = r
	}
	c.mu.Unlock()
	c.logger.Info("rank cache warmed", logging.Count(len(records)))
	return nil
}

// Get returns the cached measurement iff it is younger than the TTL.
func (c *Cache) Get(ctx context.Context, assetID int64, keyword string) (models.RankRecord, bool) {
	key := cacheKey{assetID, keyword}

	c.mu.RLock()
	rec, ok := c.mem[key]
	c.mu.RUnlock()

	if !ok {
		// Memory can be cold for keys written by a previous process.
		stored, err := c.store.GetRank(ctx, assetID, keyword)
		if err != nil {
			c.logger.Warn("rank cache read failed", zap.Error(err), logging.AssetID(assetID), logging.Keyword(keyword))
		}
		if stored == nil {
			metrics.CacheLookups.WithLabelValues("miss").Inc()
			return models.RankRecord{}, false
		}
		rec = *stored
		c.mu.Lock()
		c.mem[key] = rec
		c.mu.Unlock()
	}

	if c.now().Sub(rec.MeasuredAt) >= c.ttl {
		metrics.CacheLookups.WithLabelValues("stale").Inc()
		return models.RankRecord{}, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return rec, true
}

// Put overwrites the entry in memory and storage. A storage failure keeps
// the in-memory value so the running process still benefits.
func (c *Cache) Put(ctx context.Context, rec models.RankRecord) {
	c.mu.Lock()
	c.mem[cacheKey{rec.AssetID, rec.Keyword}] = rec
	c.mu.Unlock()

	if err := c.store.PutRank(ctx, rec); err != nil {
		c.logger.Error("rank cache write failed", zap.Error(err), logging.AssetID(rec.AssetID), logging.Keyword(rec.Keyword))
	}
}

// Invalidate drops an entry from memory. Storage cleanup is handled by the
// store's ClearRanks.
func (c *Cache) Invalidate(assetID int64, keyword string) {
	c.mu.Lock()
	delete(c.mem, cacheKey{assetID, keyword})
	c.mu.Unlock()
}
