// Package watchdog is the background scheduler: it re-probes monitored
// rentals, sends expiry reminders, finalizes overdue and stale rentals, and
// runs the daily archive sweep.
package watchdog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rankspot/rankspot/internal/logging"
	"github.com/rankspot/rankspot/internal/metrics"
	"github.com/rankspot/rankspot/internal/models"
	"github.com/rankspot/rankspot/internal/notify"
	"github.com/rankspot/rankspot/internal/rank"
	"github.com/rankspot/rankspot/internal/rental"
)

// notFoundRank orders an absent asset after every real rank.
const notFoundRank = 1 << 20

// RentalStore is the rental state the watchdog reads and annotates.
type RentalStore interface {
	RentalsByStatus(ctx context.Context, statuses ...models.RentalStatus) ([]models.Rental, error)
	ExpiredRentals(ctx context.Context, now time.Time) ([]models.Rental, error)
	RentalsExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]models.Rental, error)
	PendingOlderThan(ctx context.Context, cutoff time.Time) ([]models.Rental, error)
	UpdateRentalStatus(ctx context.Context, id int64, status models.RentalStatus) error
	MarkExpiryNotified(ctx context.Context, id int64) error
	MarkFinalNotified(ctx context.Context, id int64) error
}

// Lifecycle is the rental service surface the watchdog drives.
type Lifecycle interface {
	Expire(ctx context.Context, rentalID int64) error
	Cancel(ctx context.Context, rentalID int64) error
	HandleRankDrop(ctx context.Context, r models.Rental, res rank.Result) error
	Archive(ctx context.Context, cutoff time.Time) (int64, error)
}

// RankChecker measures current ranks for monitored rentals.
type RankChecker interface {
	CheckRank(ctx context.Context, assetID int64, keyword string, fresh bool) (rank.Result, error)
}

// Config holds the watchdog cadence and windows.
type Config struct {
	CheckInterval  time.Duration // minimum gap between re-probes of one rental
	SleepSlice     time.Duration // loop granularity and stop latency
	ExpiryReminder time.Duration
	FinalReminder  time.Duration
	PendingExpiry  time.Duration
	ArchiveAfter   time.Duration
	ArchiveHour    int // local hour of the daily archive sweep
}

// Watchdog runs the sweep loop. One rental failing never stops a sweep;
// each phase isolates per-rental errors.
type Watchdog struct {
	store   RentalStore
	service Lifecycle
	ranks   RankChecker
	sink    notify.Sink
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	lastCheck   map[int64]checkState
	lastArchive string // date of the last archive run, YYYY-MM-DD

	stop chan struct{}
	done chan struct{}
}

func New(store RentalStore, service Lifecycle, ranks RankChecker, sink notify.Sink, cfg Config, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		store:     store,
		service:   service,
		ranks:     ranks,
		sink:      sink,
		cfg:       cfg,
		logger:    logger.With(logging.Component("watchdog")),
		now:       time.Now,
		lastCheck: make(map[int64]checkState),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the loop in its own goroutine.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop signals the loop and waits for the in-flight sweep to finish.
func (w *Watchdog) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watchdog) run() {
	defer close(w.done)
	w.logger.Info("watchdog started")
	for {
		w.Sweep(context.Background())
		select {
		case <-w.stop:
			w.logger.Info("watchdog stopped")
			return
		case <-time.After(w.cfg.SleepSlice):
		}
	}
}

// Sweep runs every phase once. Reminders, expiry, and pending timeouts run
// each sweep; rank re-probes are gated per rental by CheckInterval and the
// archive runs once a day.
func (w *Watchdog) Sweep(ctx context.Context) {
	now := w.now()
	w.checkRanks(ctx, now)
	w.sendReminders(ctx, now)
	w.expireOverdue(ctx, now)
	w.cancelStalePending(ctx, now)
	w.archiveDaily(ctx, now)
	w.refreshGauges(ctx)
	metrics.WatchdogSweeps.Inc()
}

// checkState is the last measurement taken for a rental, the baseline its
// next measurement is compared against.
type checkState struct {
	at   time.Time
	rank int
	tier models.Tier
}

// checkRanks re-probes every monitored rental that is due, through the rank
// cache, and hands significant drops to the lifecycle service. Consecutive
// measurements are compared so an already-reported drop is not re-reported
// every interval; a rental's first check is seeded from its stored rank.
func (w *Watchdog) checkRanks(ctx context.Context, now time.Time) {
	rentals, err := w.store.RentalsByStatus(ctx,
		models.RentalActive, models.RentalMonitoring, models.RentalExpiring)
	if err != nil {
		w.logger.Error("monitored rental scan failed", zap.Error(err))
		return
	}

	seen := make(map[int64]struct{}, len(rentals))
	for _, r := range rentals {
		seen[r.ID] = struct{}{}
		prev, checked := w.lastCheck[r.ID]
		if checked && now.Sub(prev.at) < w.cfg.CheckInterval {
			continue
		}
		prevRank, prevTier := r.Rank, r.Tier
		if checked {
			prevRank, prevTier = prev.rank, prev.tier
		}

		res, err := w.ranks.CheckRank(ctx, r.AssetID, r.Keyword, false)
		if err != nil {
			// Gate the retry but keep the old baseline.
			w.lastCheck[r.ID] = checkState{at: now, rank: prevRank, tier: prevTier}
			w.logger.Warn("rank check failed",
				zap.Error(err), logging.RentalID(r.ID), logging.AssetID(r.AssetID))
			continue
		}
		w.lastCheck[r.ID] = checkState{at: now, rank: res.Rank, tier: res.Tier}

		if !significantDrop(prevRank, prevTier, res.Rank, res.Tier) {
			continue
		}

		w.logger.Info("significant rank drop",
			logging.RentalID(r.ID), logging.Keyword(r.Keyword),
			zap.Int("previous_rank", prevRank), logging.Rank(res.Rank))
		if err := w.service.HandleRankDrop(ctx, r, res); err != nil {
			w.logger.Error("rank drop handling failed", zap.Error(err), logging.RentalID(r.ID))
		}
	}

	// Rentals that left the monitored set no longer need a gate entry.
	for id := range w.lastCheck {
		if _, ok := seen[id]; !ok {
			delete(w.lastCheck, id)
		}
	}
}

// significantDrop decides whether a new measurement warrants remediation:
// losing a premium tier always does; otherwise only a worsening that
// crosses or leaves the sellable band.
func significantDrop(prevRank int, prevTier models.Tier, curRank int, curTier models.Tier) bool {
	if prevRank == models.RankNotFound {
		prevRank = notFoundRank
	}
	if curRank == models.RankNotFound {
		curRank = notFoundRank
	}
	if curTier != prevTier && prevTier == models.TierPremium {
		return true
	}
	return curRank > prevRank && (curRank > rank.RegularMax || prevRank <= rank.RegularMax)
}

// sendReminders delivers the expiring-soon and final notices, each at most
// once per window.
func (w *Watchdog) sendReminders(ctx context.Context, now time.Time) {
	rentals, err := w.store.RentalsExpiringWithin(ctx, now, w.cfg.ExpiryReminder)
	if err != nil {
		w.logger.Error("expiring rental scan failed", zap.Error(err))
		return
	}

	for _, r := range rentals {
		if r.EndTime == nil {
			continue
		}
		remaining := r.EndTime.Sub(now)

		if !r.ExpiryNotified {
			w.send(ctx, notify.New(r.UserID, notify.TypeRentalExpiring,
				"Rental expiring soon",
				fmt.Sprintf("Your rental for %q ends in %s. Extend it to keep your spot.",
					r.Keyword, remaining.Round(time.Minute))))
			if err := w.store.MarkExpiryNotified(ctx, r.ID); err != nil {
				w.logger.Error("failed to flag expiry notice", zap.Error(err), logging.RentalID(r.ID))
			}
			if r.Status != models.RentalExpiring && rental.CanTransition(r.Status, models.RentalExpiring) {
				if err := w.store.UpdateRentalStatus(ctx, r.ID, models.RentalExpiring); err != nil {
					w.logger.Error("failed to mark rental expiring", zap.Error(err), logging.RentalID(r.ID))
				}
			}
		}

		if remaining <= w.cfg.FinalReminder && !r.FinalNotified {
			w.send(ctx, notify.New(r.UserID, notify.TypeFinalReminder,
				"Final reminder",
				fmt.Sprintf("Your rental for %q ends in %s.", r.Keyword, remaining.Round(time.Minute))))
			if err := w.store.MarkFinalNotified(ctx, r.ID); err != nil {
				w.logger.Error("failed to flag final notice", zap.Error(err), logging.RentalID(r.ID))
			}
		}
	}
}

// expireOverdue scans storage directly so rentals missed by earlier sweeps
// still finalize. Expire is idempotent, so overlap is harmless.
func (w *Watchdog) expireOverdue(ctx context.Context, now time.Time) {
	rentals, err := w.store.ExpiredRentals(ctx, now)
	if err != nil {
		w.logger.Error("expired rental scan failed", zap.Error(err))
		return
	}
	for _, r := range rentals {
		if err := w.service.Expire(ctx, r.ID); err != nil {
			w.logger.Error("expiry failed", zap.Error(err), logging.RentalID(r.ID))
		}
	}
}

// cancelStalePending drops rentals that never paid inside the window.
func (w *Watchdog) cancelStalePending(ctx context.Context, now time.Time) {
	rentals, err := w.store.PendingOlderThan(ctx, now.Add(-w.cfg.PendingExpiry))
	if err != nil {
		w.logger.Error("stale pending scan failed", zap.Error(err))
		return
	}
	for _, r := range rentals {
		w.logger.Info("canceling unpaid rental", logging.RentalID(r.ID))
		if err := w.service.Cancel(ctx, r.ID); err != nil {
			w.logger.Error("pending cancel failed", zap.Error(err), logging.RentalID(r.ID))
		}
	}
}

// archiveDaily runs the archive sweep once per day at the configured hour.
func (w *Watchdog) archiveDaily(ctx context.Context, now time.Time) {
	day := now.Format("2006-01-02")
	if now.Hour() != w.cfg.ArchiveHour || w.lastArchive == day {
		return
	}
	w.lastArchive = day
	if _, err := w.service.Archive(ctx, now.Add(-w.cfg.ArchiveAfter)); err != nil {
		w.logger.Error("archive sweep failed", zap.Error(err))
	}
}

var gaugedStatuses = []models.RentalStatus{
	models.RentalPending, models.RentalActive, models.RentalMonitoring,
	models.RentalExpiring, models.RentalExpired, models.RentalCanceled,
}

func (w *Watchdog) refreshGauges(ctx context.Context) {
	rentals, err := w.store.RentalsByStatus(ctx, gaugedStatuses...)
	if err != nil {
		return
	}
	counts := make(map[models.RentalStatus]int)
	for _, r := range rentals {
		counts[r.Status]++
	}
	for _, st := range gaugedStatuses {
		metrics.RentalsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (w *Watchdog) send(ctx context.Context, n notify.Notification) {
	if err := w.sink.Send(ctx, n); err != nil {
		w.logger.Error("notification delivery failed",
			zap.Error(err), logging.UserID(n.UserID), zap.String("type", n.Type))
		return
	}
	metrics.NotificationsTotal.WithLabelValues(n.Type).Inc()
}
