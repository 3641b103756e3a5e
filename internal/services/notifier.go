package services

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/messaging"
)

// WebhookNotifier bridges the Kafka event stream to webhook delivery.
// Running delivery off the consumer keeps provider workers decoupled from
// slow or broken subscriber endpoints.
type WebhookNotifier struct {
	bus      *messaging.EventBus
	webhooks *WebhookService
	logger   *logrus.Logger
}

func NewWebhookNotifier(bus *messaging.EventBus, webhooks *WebhookService, logger *logrus.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		bus:      bus,
		webhooks: webhooks,
		logger:   logger,
	}
}

// Run consumes operation events until ctx ends. Delivery errors are
// terminal for the event: the webhook service already retried, and
// redelivering through Kafka would violate the single delivery sequence
// per operation.
func (n *WebhookNotifier) Run(ctx context.Context) error {
	return n.bus.Consume(ctx, func(event messaging.OperationEvent) error {
		if err := n.webhooks.Notify(ctx, event.OperationID, event.Event, event.Data); err != nil {
			n.logger.WithFields(logrus.Fields{
				"operation_id": event.OperationID,
				"event":        event.Event,
				"error":        err.Error(),
			}).Warn("Webhook notification dropped")
		}
		return nil
	})
}
