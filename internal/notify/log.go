package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/adverify/siteauditor/internal/audit"
)

// LogTransport writes notifications to the log instead of delivering them.
// Used when no Pub/Sub topic is configured.
type LogTransport struct {
	logger *zap.Logger
}

// NewLog creates a LogTransport.
func NewLog(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

// Send implements audit.NotificationTransport.
func (t *LogTransport) Send(_ context.Context, alert audit.Alert, publisherID string, recipientEmail string) error {
	t.logger.Info("alert notification",
		zap.String("alert_id", alert.ID),
		zap.String("publisher_id", publisherID),
		zap.String("recipient", recipientEmail),
		zap.String("type", alert.Type),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message),
	)
	return nil
}
