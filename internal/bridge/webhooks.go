package bridge

import (
	"context"
	"strings"

	"github.com/opsbridge/opsbridge/internal/integrationlog"
	"github.com/opsbridge/opsbridge/internal/monitoring"
)

// WebhookURL is the callback a system is registered with: the public base
// URL of the bridge followed by /v1/webhooks/{system}.
func WebhookURL(baseURL string, system monitoring.System) string {
	return strings.TrimRight(baseURL, "/") + "/v1/webhooks/" + string(system)
}

// RegisterWebhooks asks every system that pushes changes to call back at
// WebhookURL(baseURL, system). baseURL is the public root of the bridge, not
// the webhook path. Failures are logged; the reconciliation pass covers
// systems that could not be registered.
func (b *Bridge) RegisterWebhooks(ctx context.Context, baseURL string) {
	for _, system := range b.systems {
		registrar, ok := b.adapters[system].(WebhookRegistrar)
		if !ok || b.syncDisabled(ctx, system) {
			continue
		}

		callback := WebhookURL(baseURL, system)
		var id string
		err := b.call(ctx, system, "webhook.register", func(ctx context.Context) error {
			var err error
			id, err = registrar.RegisterWebhook(ctx, callback)
			return err
		})

		meta := map[string]interface{}{"callback_url": callback, "outcome": "success"}
		if err != nil {
			meta["outcome"] = "failure"
			meta["error"] = err.Error()
			b.logger.Warn().Err(err).Str("system", string(system)).Msg("webhook registration failed")
		} else {
			meta["webhook_id"] = id
			b.webhooksMu.Lock()
			b.webhooks[system] = id
			b.webhooksMu.Unlock()
			b.logger.Info().Str("system", string(system)).Str("webhook_id", id).Msg("webhook registered")
		}
		b.log.Record(ctx, integrationlog.Entry{
			EventType: integrationlog.TypeWebhookRegister,
			System:    string(system),
			Metadata:  meta,
		})
	}
}

// DeregisterWebhooks removes the webhooks registered by RegisterWebhooks.
func (b *Bridge) DeregisterWebhooks(ctx context.Context) {
	b.webhooksMu.Lock()
	registered := b.webhooks
	b.webhooks = make(map[monitoring.System]string)
	b.webhooksMu.Unlock()

	for _, system := range b.systems {
		id, ok := registered[system]
		if !ok {
			continue
		}
		registrar := b.adapters[system].(WebhookRegistrar)

		err := b.call(ctx, system, "webhook.deregister", func(ctx context.Context) error {
			return registrar.DeregisterWebhook(ctx, id)
		})
		meta := map[string]interface{}{"webhook_id": id, "outcome": "success"}
		if err != nil {
			meta["outcome"] = "failure"
			meta["error"] = err.Error()
			b.logger.Warn().Err(err).Str("system", string(system)).Msg("webhook deregistration failed")
		}
		b.log.Record(ctx, integrationlog.Entry{
			EventType: integrationlog.TypeWebhookDeregister,
			System:    string(system),
			Metadata:  meta,
		})
	}
}

// Webhooks returns the ids of the registered webhooks per system.
func (b *Bridge) Webhooks() map[string]string {
	b.webhooksMu.Lock()
	defer b.webhooksMu.Unlock()
	out := make(map[string]string, len(b.webhooks))
	for system, id := range b.webhooks {
		out[string(system)] = id
	}
	return out
}
