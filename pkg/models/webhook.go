package models

import (
	"time"

	"github.com/google/uuid"
)

// Webhook events that can be subscribed to.
const (
	WebhookEventCompleted = "completed"
	WebhookEventFailed    = "failed"
)

// WebhookRegistration is an ephemeral subscription for one operation's
// terminal notification. It is deleted after delivery (or retry exhaustion)
// and swept after 24 hours regardless of outcome.
type WebhookRegistration struct {
	OperationID  uuid.UUID `json:"operation_id"`
	URL          string    `json:"url"`
	Secret       string    `json:"secret,omitempty"`
	Events       []string  `json:"events"`
	Retries      int       `json:"retries"`
	TimeoutMs    int       `json:"timeout_ms"`
	RegisteredAt time.Time `json:"registered_at"`
}

// WantsEvent reports whether the registration subscribes to the event.
func (r WebhookRegistration) WantsEvent(event string) bool {
	for _, e := range r.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookRegisterRequest is the registration payload.
type WebhookRegisterRequest struct {
	URL       string   `json:"url" validate:"required,url"`
	Secret    string   `json:"secret,omitempty"`
	Events    []string `json:"events,omitempty" validate:"omitempty,dive,oneof=completed failed"`
	Retries   int      `json:"retries,omitempty" validate:"omitempty,min=0,max=10"`
	TimeoutMs int      `json:"timeout_ms,omitempty" validate:"omitempty,min=100,max=60000"`
}

// WebhookEnvelope is the delivered notification body. When a secret is
// configured, the HMAC-SHA256 of the serialized envelope travels in the
// X-Briefcast-Signature header as "sha256=<hex>".
type WebhookEnvelope struct {
	OperationID uuid.UUID   `json:"operation_id"`
	Event       string      `json:"event"`
	Timestamp   time.Time   `json:"timestamp"`
	Data        interface{} `json:"data,omitempty"`
}
