// Package notify hands alert notifications to the notification subsystem.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Notification is the alert summary sent to on-call recipients.
type Notification struct {
	AlertID   string    `json:"alertId"`
	TenantID  string    `json:"tenantId"`
	MonitorID string    `json:"monitorId,omitempty"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"createdAt"`
}

// DeliveryResult is the outcome for one recipient.
type DeliveryResult struct {
	Recipient string `json:"recipient"`
	Delivered bool   `json:"delivered"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Deliverer sends a notification to a set of recipients. A failure for one
// recipient is reported in its result and does not stop the others.
type Deliverer interface {
	Deliver(ctx context.Context, n Notification, recipients []string) ([]DeliveryResult, error)
}

// LogDeliverer writes notifications to the log. It is used when no
// notification transport is configured.
type LogDeliverer struct {
	logger zerolog.Logger
}

// NewLogDeliverer creates a log-only deliverer.
func NewLogDeliverer(logger zerolog.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger.With().Str("component", "notify_log").Logger()}
}

// Deliver logs one line per recipient.
func (d *LogDeliverer) Deliver(_ context.Context, n Notification, recipients []string) ([]DeliveryResult, error) {
	results := make([]DeliveryResult, 0, len(recipients))
	for _, r := range recipients {
		d.logger.Info().
			Str("tenant_id", n.TenantID).
			Str("alert_id", n.AlertID).
			Str("severity", n.Severity).
			Str("recipient", r).
			Msg("alert notification")
		results = append(results, DeliveryResult{Recipient: r, Delivered: true})
	}
	return results, nil
}

var (
	_ Deliverer = (*LogDeliverer)(nil)
	_ Deliverer = (*PubSubDeliverer)(nil)
)
