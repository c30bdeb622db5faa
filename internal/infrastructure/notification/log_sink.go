// Package notification delivers best-effort payment event notifications.
package notification

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/recon/engine/internal/domain/payment/acl"
)

// LogSink is a notification sink that writes structured log lines. It
// stands in for an outbound channel (email, webhook) in deployments that
// have none configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-backed notification sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("notifications")}
}

// Notify emits one notification. Never fails.
func (s *LogSink) Notify(ctx context.Context, paymentID uuid.UUID, eventType string) {
	s.logger.Info("payment notification",
		zap.String("payment_id", paymentID.String()),
		zap.String("event_type", eventType),
	)
}

var _ acl.NotificationSink = (*LogSink)(nil)
