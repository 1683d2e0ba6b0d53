package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/rankspot/rankspot/internal/logging"
)

const (
	// SubjectPrefix is the per-user notification subject root; the user id
	// is appended as the final token.
	SubjectPrefix = "rankspot.notify"
	// PaymentsSubject carries inbound payment confirmations from the bot
	// and payment layer.
	PaymentsSubject = "rankspot.payments.confirmed"
)

// Connect dials NATS with reconnect handling wired into the logger.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("rankspot-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", logging.Addr(nc.ConnectedUrl()))
		}),
	}
	return nats.Connect(url, opts...)
}

// NATSSink publishes notifications to rankspot.notify.<userID>.
type NATSSink struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func NewNATSSink(nc *nats.Conn, logger *zap.Logger) *NATSSink {
	return &NATSSink{nc: nc, logger: logger}
}

func (s *NATSSink) Send(_ context.Context, n Notification) error {
	if s.nc == nil || s.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.%d", SubjectPrefix, n.UserID)
	return s.nc.Publish(subject, payload)
}

// Close drains pending publishes before shutting the connection down.
func (s *NATSSink) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc.Close()
	}
}

// PaymentConfirmed is the inbound event that activates a pending rental.
type PaymentConfirmed struct {
	RentalID      int64  `json:"rental_id"`
	PaymentRef    string `json:"payment_ref"`
	DurationHours int    `json:"duration_hours"`
}

// SubscribePayments delivers payment confirmations to the handler. Malformed
// messages are logged and dropped.
func SubscribePayments(nc *nats.Conn, logger *zap.Logger, handler func(PaymentConfirmed)) (*nats.Subscription, error) {
	return nc.Subscribe(PaymentsSubject, func(msg *nats.Msg) {
		var ev PaymentConfirmed
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Warn("malformed payment event", zap.Error(err))
			return
		}
		handler(ev)
	})
}
