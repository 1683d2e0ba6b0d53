package pool

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/rankspot/rankspot/internal/logging"
	"github.com/rankspot/rankspot/internal/metrics"
	"github.com/rankspot/rankspot/internal/models"
)

// HealthStore is the proxy bookkeeping the checker writes to.
type HealthStore interface {
	CheckableProxies(ctx context.Context) ([]models.Proxy, error)
	RecordProxyCheck(ctx context.Context, id int64, latencyMS *int64, status models.ProxyStatus, failCount int, at time.Time) error
	PurgeDeadProxies(ctx context.Context, cutoff time.Time) (int64, error)
}

// DialFunc opens a connection; injectable for tests.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// HealthChecker probes every non-removed proxy with a TCP dial, records
// latency, and demotes endpoints after consecutive failures. Errored
// endpoints keep getting checked so they can recover; ones that stay dead
// past the retention window are purged.
type HealthChecker struct {
	store     HealthStore
	dial      DialFunc
	timeout   time.Duration
	interval  time.Duration
	failLimit int
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

func NewHealthChecker(store HealthStore, timeout, interval time.Duration, failLimit int, retention time.Duration, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		store:     store,
		dial:      (&net.Dialer{}).DialContext,
		timeout:   timeout,
		interval:  interval,
		failLimit: failLimit,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until ctx is canceled. One sweep
// runs immediately on start.
func (h *HealthChecker) Run(ctx context.Context) {
	h.Sweep(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep checks every candidate endpoint once, then purges long-dead rows.
func (h *HealthChecker) Sweep(ctx context.Context) {
	proxies, err := h.store.CheckableProxies(ctx)
	if err != nil {
		h.logger.Error("proxy sweep aborted", zap.Error(err))
		return
	}

	for _, proxy := range proxies {
		if ctx.Err() != nil {
			return
		}
		h.check(ctx, proxy)
	}

	purged, err := h.store.PurgeDeadProxies(ctx, h.now().Add(-h.retention))
	if err != nil {
		h.logger.Error("dead proxy purge failed", zap.Error(err))
	} else if purged > 0 {
		h.logger.Info("purged dead proxies", logging.Count(int(purged)))
	}
}

func (h *HealthChecker) check(ctx context.Context, proxy models.Proxy) {
	dialCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := h.now()
	conn, err := h.dial(dialCtx, "tcp", proxy.Addr())
	now := h.now()

	if err != nil {
		metrics.ProxyChecks.WithLabelValues("fail").Inc()
		fails := proxy.FailCount + 1
		status := proxy.Status
		if fails >= h.failLimit {
			status = models.ProxyError
		}
		if rerr := h.store.RecordProxyCheck(ctx, proxy.ID, nil, status, fails, now); rerr != nil {
			h.logger.Error("failed to record proxy check", zap.Error(rerr), logging.ProxyID(proxy.ID))
		}
		h.logger.Warn("proxy check failed",
			zap.Error(err), logging.ProxyID(proxy.ID), logging.Addr(proxy.Addr()), logging.Count(fails))
		return
	}
	conn.Close()

	metrics.ProxyChecks.WithLabelValues("ok").Inc()
	latency := now.Sub(start).Milliseconds()
	if err := h.store.RecordProxyCheck(ctx, proxy.ID, &latency, models.ProxyActive, 0, now); err != nil {
		h.logger.Error("failed to record proxy check", zap.Error(err), logging.ProxyID(proxy.ID))
	}
	h.logger.Debug("proxy healthy",
		logging.ProxyID(proxy.ID), logging.Latency(time.Duration(latency)*time.Millisecond))
}
