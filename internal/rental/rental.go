// Package rental implements the rental lifecycle state machine and the
// commercial policy around it: activation on payment, cancellation refunds,
// extension, expiry, and rank-drop remediation.
package rental

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rankspot/rankspot/internal/logging"
	"github.com/rankspot/rankspot/internal/metrics"
	"github.com/rankspot/rankspot/internal/models"
	"github.com/rankspot/rankspot/internal/notify"
	"github.com/rankspot/rankspot/internal/rank"
)

var (
	// ErrTransitionConflict means the requested status change is not legal
	// from the rental's current state.
	ErrTransitionConflict = errors.New("illegal rental transition")
	// ErrNoReplacement means no sellable asset could stand in for a
	// degraded one.
	ErrNoReplacement = errors.New("no replacement asset available")
)

// transitions is the full state machine. Absence means illegal; the
// machine only moves forward, a degraded rental never returns to active.
var transitions = map[models.RentalStatus][]models.RentalStatus{
	models.RentalPending:    {models.RentalActive, models.RentalCanceled},
	models.RentalActive:     {models.RentalMonitoring, models.RentalExpiring, models.RentalExpired, models.RentalCanceled},
	models.RentalMonitoring: {models.RentalExpiring, models.RentalExpired, models.RentalCanceled},
	models.RentalExpiring:   {models.RentalExpired, models.RentalCanceled},
	models.RentalExpired:    {models.RentalArchived},
	models.RentalCanceled:   {models.RentalArchived},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to models.RentalStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Store is the durable rental state the service drives.
type Store interface {
	CreateRental(ctx context.Context, userID int64, keyword string, assetID int64, rank int, tier models.Tier, price, durationHours int) (int64, error)
	GetRental(ctx context.Context, id int64) (*models.Rental, error)
	UpdateRentalStatus(ctx context.Context, id int64, status models.RentalStatus) error
	ActivateRental(ctx context.Context, id int64, paymentRef string, durationHours int, start, end time.Time) error
	ExtendRental(ctx context.Context, id int64, paymentRef string, newEnd time.Time, addedHours int) error
	ReplaceRentalAsset(ctx context.Context, id int64, assetID int64, rank int, tier models.Tier) error
	ArchiveFinished(ctx context.Context, cutoff time.Time) (int64, error)
}

// AssetStore toggles asset availability as rentals claim and release them.
type AssetStore interface {
	GetAsset(ctx context.Context, id int64) (*models.Asset, error)
	SetAssetAvailability(ctx context.Context, id int64, available bool) error
}

// RankSource scores the inventory when a replacement is needed.
type RankSource interface {
	BestAssets(ctx context.Context, keyword string, kind *models.AssetKind, limit int) ([]rank.ScoredAsset, error)
}

// Service owns every rental state change. All writes go through transition
// so an illegal change is a logged no-op error instead of a corrupt row.
type Service struct {
	store         Store
	assets        AssetStore
	ranks         RankSource
	sink          notify.Sink
	refundPercent int
	searchLimit   int
	logger        *zap.Logger
	now           func() time.Time
}

func NewService(store Store, assets AssetStore, ranks RankSource, sink notify.Sink, refundPercent, searchLimit int, logger *zap.Logger) *Service {
	return &Service{
		store:         store,
		assets:        assets,
		ranks:         ranks,
		sink:          sink,
		refundPercent: refundPercent,
		searchLimit:   searchLimit,
		logger:        logger,
		now:           time.Now,
	}
}

// Create opens a pending rental and takes the asset off the market. The
// rank, tier, and price are the ones quoted to the user at creation time.
func (s *Service) Create(ctx context.Context, userID int64, keyword string, assetID int64, rnk int, tier models.Tier, price, durationHours int) (int64, error) {
	id, err := s.store.CreateRental(ctx, userID, keyword, assetID, rnk, tier, price, durationHours)
	if err != nil {
		return 0, err
	}
	if err := s.assets.SetAssetAvailability(ctx, assetID, false); err != nil {
		s.logger.Error("failed to reserve asset", zap.Error(err), logging.AssetID(assetID))
	}
	s.logger.Info("rental created",
		logging.RentalID(id), logging.UserID(userID), logging.Keyword(keyword),
		logging.AssetID(assetID), logging.Rank(rnk), logging.Tier(string(tier)))
	return id, nil
}

// ConfirmPayment activates a pending rental and starts its window at the
// moment of confirmation.
func (s *Service) ConfirmPayment(ctx context.Context, rentalID int64, paymentRef string, durationHours int) error {
	r, err := s.get(ctx, rentalID)
	if err != nil {
		return err
	}
	if !CanTransition(r.Status, models.RentalActive) {
		return s.conflict(*r, models.RentalActive)
	}
	if durationHours <= 0 {
		durationHours = r.DurationHours
	}

	start := s.now()
	end := start.Add(time.Duration(durationHours) * time.Hour)
	if err := s.store.ActivateRental(ctx, rentalID, paymentRef, durationHours, start, end); err != nil {
		return err
	}

	s.logger.Info("rental activated",
		logging.RentalID(rentalID), zap.String("payment_ref", paymentRef),
		zap.Time("end_time", end))
	s.send(ctx, notify.New(r.UserID, notify.TypeSystem,
		"Rental activated",
		fmt.Sprintf("Your rental for %q is active until %s.", r.Keyword, end.Format(time.RFC1123))))
	return nil
}

// Cancel ends the rental early, releases the asset, and tells the user the
// refund they are owed. Pending rentals cancel with a zero refund.
func (s *Service) Cancel(ctx context.Context, rentalID int64) error {
	r, err := s.get(ctx, rentalID)
	if err != nil {
		return err
	}
	if !CanTransition(r.Status, models.RentalCanceled) {
		return s.conflict(*r, models.RentalCanceled)
	}

	refund := s.RefundAmount(*r, s.now())
	if err := s.store.UpdateRentalStatus(ctx, rentalID, models.RentalCanceled); err != nil {
		return err
	}
	s.releaseAsset(ctx, r.AssetID)

	s.logger.Info("rental canceled", logging.RentalID(rentalID), zap.Int("refund", refund))
	s.send(ctx, notify.New(r.UserID, notify.TypeRentalCanceled,
		"Rental canceled",
		fmt.Sprintf("Your rental for %q was canceled. Refund due: %d.", r.Keyword, refund)))
	return nil
}

// RefundAmount prorates the price over the unused part of the window and
// applies the refund percentage. A rental with no window refunds nothing.
func (s *Service) RefundAmount(r models.Rental, now time.Time) int {
	if r.StartTime == nil || r.EndTime == nil {
		return 0
	}
	total := r.EndTime.Sub(*r.StartTime)
	if total <= 0 {
		return 0
	}
	remaining := r.EndTime.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if remaining > total {
		remaining = total
	}
	return int(float64(r.Price) * (float64(remaining) / float64(total)) * float64(s.refundPercent) / 100)
}

// Extend pushes the window out after an extension payment. The status is
// untouched; the reminder flags reset so the new deadline notifies again.
func (s *Service) Extend(ctx context.Context, rentalID int64, paymentRef string, addHours int) error {
	r, err := s.get(ctx, rentalID)
	if err != nil {
		return err
	}
	switch r.Status {
	case models.RentalActive, models.RentalMonitoring, models.RentalExpiring:
	default:
		return s.conflict(*r, r.Status)
	}
	if r.EndTime == nil {
		return fmt.Errorf("rental %d has no end time", rentalID)
	}

	newEnd := r.EndTime.Add(time.Duration(addHours) * time.Hour)
	if err := s.store.ExtendRental(ctx, rentalID, paymentRef, newEnd, addHours); err != nil {
		return err
	}

	s.logger.Info("rental extended",
		logging.RentalID(rentalID), zap.Int("added_hours", addHours), zap.Time("end_time", newEnd))
	s.send(ctx, notify.New(r.UserID, notify.TypeSystem,
		"Rental extended",
		fmt.Sprintf("Your rental for %q now runs until %s.", r.Keyword, newEnd.Format(time.RFC1123))))
	return nil
}

// Expire finalizes a rental past its end time and releases the asset.
// Calling it on an already expired rental is a no-op, so overlapping sweeps
// are safe.
func (s *Service) Expire(ctx context.Context, rentalID int64) error {
	r, err := s.get(ctx, rentalID)
	if err != nil {
		return err
	}
	if r.Status == models.RentalExpired || r.Status == models.RentalArchived {
		return nil
	}
	if !CanTransition(r.Status, models.RentalExpired) {
		return s.conflict(*r, models.RentalExpired)
	}

	if err := s.store.UpdateRentalStatus(ctx, rentalID, models.RentalExpired); err != nil {
		return err
	}
	s.releaseAsset(ctx, r.AssetID)

	s.logger.Info("rental expired", logging.RentalID(rentalID))
	s.send(ctx, notify.New(r.UserID, notify.TypeRentalExpired,
		"Rental expired",
		fmt.Sprintf("Your rental for %q has ended.", r.Keyword)))
	return nil
}

// HandleRankDrop runs the remediation policy after a significant drop: the
// user always hears about the drop; a still-sellable asset is kept under
// closer watch, a dead one is swapped for the best available replacement,
// and when none exists a refund is offered instead.
func (s *Service) HandleRankDrop(ctx context.Context, r models.Rental, res rank.Result) error {
	s.send(ctx, notify.New(r.UserID, notify.TypeRankDropped,
		"Rank dropped",
		fmt.Sprintf("Your asset for %q moved from rank %d to %d.", r.Keyword, r.Rank, res.Rank)))

	if res.Tier != models.TierUnavailable {
		return s.monitor(ctx, r)
	}

	replacement, err := s.findReplacement(ctx, r)
	if errors.Is(err, ErrNoReplacement) {
		refund := s.RefundAmount(r, s.now())
		s.send(ctx, notify.New(r.UserID, notify.TypeRefundOffer,
			"Replacement unavailable",
			fmt.Sprintf("No comparable asset is available for %q. You may cancel for a refund of %d.", r.Keyword, refund)))
		return s.monitor(ctx, r)
	}
	if err != nil {
		return err
	}

	if err := s.store.ReplaceRentalAsset(ctx, r.ID, replacement.Asset.ID, replacement.Rank, replacement.Tier); err != nil {
		return err
	}
	if err := s.assets.SetAssetAvailability(ctx, replacement.Asset.ID, false); err != nil {
		s.logger.Error("failed to reserve replacement asset", zap.Error(err), logging.AssetID(replacement.Asset.ID))
	}
	s.releaseAsset(ctx, r.AssetID)

	s.logger.Info("rental asset replaced",
		logging.RentalID(r.ID), logging.AssetID(replacement.Asset.ID), logging.Rank(replacement.Rank))
	s.send(ctx, notify.New(r.UserID, notify.TypeAssetReplaced,
		"Asset replaced",
		fmt.Sprintf("Your rental for %q now uses %s, currently rank %d.",
			r.Keyword, replacement.Asset.OriginalLabel, replacement.Rank)))
	return s.monitor(ctx, r)
}

// findReplacement picks the best sellable asset of the same kind for the
// rental's keyword, excluding the one being replaced.
func (s *Service) findReplacement(ctx context.Context, r models.Rental) (rank.ScoredAsset, error) {
	current, err := s.assets.GetAsset(ctx, r.AssetID)
	if err != nil {
		return rank.ScoredAsset{}, err
	}
	var kind *models.AssetKind
	if current != nil {
		kind = &current.Kind
	}

	candidates, err := s.ranks.BestAssets(ctx, r.Keyword, kind, s.searchLimit)
	if err != nil {
		return rank.ScoredAsset{}, err
	}
	for _, c := range candidates {
		if c.Asset.ID == r.AssetID {
			continue
		}
		return c, nil
	}
	return rank.ScoredAsset{}, ErrNoReplacement
}

// Archive sweeps finished rentals older than the cutoff into the archive.
func (s *Service) Archive(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.store.ArchiveFinished(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("rentals archived", logging.Count(int(n)))
	}
	return n, nil
}

func (s *Service) monitor(ctx context.Context, r models.Rental) error {
	if r.Status == models.RentalMonitoring {
		return nil
	}
	if !CanTransition(r.Status, models.RentalMonitoring) {
		// Expiring outranks monitoring; leave it alone.
		return nil
	}
	return s.store.UpdateRentalStatus(ctx, r.ID, models.RentalMonitoring)
}

func (s *Service) get(ctx context.Context, rentalID int64) (*models.Rental, error) {
	r, err := s.store.GetRental(ctx, rentalID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("rental %d not found", rentalID)
	}
	return r, nil
}

func (s *Service) conflict(r models.Rental, to models.RentalStatus) error {
	s.logger.Warn("rental transition rejected",
		logging.RentalID(r.ID), logging.Status(string(r.Status)), zap.String("to", string(to)))
	return fmt.Errorf("%w: %s -> %s", ErrTransitionConflict, r.Status, to)
}

func (s *Service) releaseAsset(ctx context.Context, assetID int64) {
	if err := s.assets.SetAssetAvailability(ctx, assetID, true); err != nil {
		s.logger.Error("failed to release asset", zap.Error(err), logging.AssetID(assetID))
	}
}

func (s *Service) send(ctx context.Context, n notify.Notification) {
	if err := s.sink.Send(ctx, n); err != nil {
		s.logger.Error("notification delivery failed",
			zap.Error(err), logging.UserID(n.UserID), zap.String("type", n.Type))
		return
	}
	metrics.NotificationsTotal.WithLabelValues(n.Type).Inc()
}
