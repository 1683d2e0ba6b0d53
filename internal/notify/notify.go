// Package notify delivers user-facing notifications. Delivery failures are
// logged and swallowed; the engine never fails an operation because a notice
// could not be sent.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rankspot/rankspot/internal/logging"
)

// Notification types.
const (
	TypeRankDropped       = "rank_dropped"
	TypeAssetReplaced     = "asset_replaced"
	TypeReplacementFailed = "replacement_failed"
	TypeRefundOffer       = "refund_offer"
	TypeRentalExpiring    = "rental_expiring"
	TypeFinalReminder     = "final_reminder"
	TypeRentalExpired     = "rental_expired"
	TypeRentalCanceled    = "rental_canceled"
	TypeSystem            = "system"
)

// Notification is one outbound user message.
type Notification struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// New builds a notification with a fresh id and timestamp.
func New(userID int64, typ, title, message string) Notification {
	return Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now(),
	}
}

// Sink is where notifications go. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the log. Used when no broker is
// configured and in tests.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) Send(_ context.Context, n Notification) error {
	s.Logger.Info("notification",
		logging.UserID(n.UserID),
		zap.String("type", n.Type),
		zap.String("title", n.Title),
		zap.String("message", n.Message),
	)
	return nil
}
