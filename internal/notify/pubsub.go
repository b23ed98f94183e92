// Package notify delivers alerts to recipients. The production transport
// publishes to a Pub/Sub topic consumed by the mail sender; the log transport
// is a development fallback.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/adverify/siteauditor/internal/audit"
)

// notification is the wire shape published per (alert, recipient) pair.
type notification struct {
	AlertID     string         `json:"alert_id"`
	PublisherID string         `json:"publisher_id"`
	Recipient   string         `json:"recipient"`
	Type        string         `json:"type"`
	Severity    string         `json:"severity"`
	Message     string         `json:"message"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// PubSubTransport implements audit.NotificationTransport over a Pub/Sub
// topic.
type PubSubTransport struct {
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSub verifies the topic exists and returns a transport bound to it.
func NewPubSub(ctx context.Context, client *pubsub.Client, topicID string, logger *zap.Logger) (*PubSubTransport, error) {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %q does not exist", topicID)
	}
	return &PubSubTransport{topic: topic, logger: logger}, nil
}

// Send publishes one alert notification and waits for server acknowledgment,
// so a returned nil means the message is durably accepted.
func (t *PubSubTransport) Send(ctx context.Context, alert audit.Alert, publisherID string, recipientEmail string) error {
	data, err := json.Marshal(notification{
		AlertID:     alert.ID,
		PublisherID: publisherID,
		Recipient:   recipientEmail,
		Type:        alert.Type,
		Severity:    string(alert.Severity),
		Message:     alert.Message,
		Metadata:    alert.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	result := t.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"type":     alert.Type,
			"severity": string(alert.Severity),
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish notification for alert %s: %w", alert.ID, err)
	}
	t.logger.Debug("notification published",
		zap.String("alert_id", alert.ID),
		zap.String("recipient", recipientEmail),
		zap.String("message_id", id),
	)
	return nil
}

// Stop flushes pending publishes.
func (t *PubSubTransport) Stop() {
	t.topic.Stop()
}
