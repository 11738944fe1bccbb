package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// PublishFunc publishes one message and returns the server-assigned id.
type PublishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// PubSubConfig holds configuration for the Pub/Sub deliverer.
type PubSubConfig struct {
	// Publisher is the topic notifications are published to.
	Publisher *pubsub.Publisher

	// Publish overrides Publisher. Optional.
	Publish PublishFunc

	Logger zerolog.Logger
}

// PubSubDeliverer publishes one message per recipient to a Pub/Sub topic
// consumed by the notification subsystem.
type PubSubDeliverer struct {
	publish PublishFunc
	logger  zerolog.Logger
}

// message is the wire format on the notifications topic.
type message struct {
	Notification
	Recipient string `json:"recipient"`
}

// NewPubSubDeliverer creates a Pub/Sub deliverer.
func NewPubSubDeliverer(cfg PubSubConfig) (*PubSubDeliverer, error) {
	publish := cfg.Publish
	if publish == nil {
		if cfg.Publisher == nil {
			return nil, errors.New("pubsub publisher is required")
		}
		publisher := cfg.Publisher
		publish = func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return publisher.Publish(ctx, msg).Get(ctx)
		}
	}
	return &PubSubDeliverer{
		publish: publish,
		logger:  cfg.Logger.With().Str("component", "notify_pubsub").Logger(),
	}, nil
}

// Deliver publishes the notification for each recipient.
func (d *PubSubDeliverer) Deliver(ctx context.Context, n Notification, recipients []string) ([]DeliveryResult, error) {
	results := make([]DeliveryResult, 0, len(recipients))
	for _, recipient := range recipients {
		data, err := json.Marshal(message{Notification: n, Recipient: recipient})
		if err != nil {
			return results, fmt.Errorf("encoding notification: %w", err)
		}

		id, err := d.publish(ctx, &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"tenant_id": n.TenantID,
				"alert_id":  n.AlertID,
				"severity":  n.Severity,
			},
		})
		if err != nil {
			d.logger.Warn().
				Err(err).
				Str("alert_id", n.AlertID).
				Str("recipient", recipient).
				Msg("failed to publish notification")
			results = append(results, DeliveryResult{Recipient: recipient, Error: err.Error()})
			continue
		}
		results = append(results, DeliveryResult{Recipient: recipient, Delivered: true, MessageID: id})
	}
	return results, nil
}
