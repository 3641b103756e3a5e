package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/briefcast/briefcast/internal/config"
	"github.com/briefcast/briefcast/internal/telemetry"
	"github.com/briefcast/briefcast/pkg/models"
)

const webhookKeyPrefix = "webhook:reg:"

// WebhookService keeps per-operation webhook registrations on hot Redis
// and delivers terminal notifications. A registration is single-shot: it
// is removed after the delivery attempt sequence for a terminal event,
// whether or not delivery succeeded.
type WebhookService struct {
	client     *redis.Client
	cfg        *config.WebhookConfig
	logger     *logrus.Logger
	httpClient *http.Client
}

func NewWebhookService(cfg *config.Config, client *redis.Client, logger *logrus.Logger) *WebhookService {
	return &WebhookService{
		client: client,
		cfg:    &cfg.Webhooks,
		logger: logger,
		// No client-level timeout. Each delivery carries a context
		// deadline sized to the registration's timeout_ms, which may
		// exceed the configured default.
		httpClient: &http.Client{},
	}
}

// Register stores a registration for an operation, replacing any previous
// one. Unset fields fall back to configured defaults.
func (s *WebhookService) Register(ctx context.Context, reg models.WebhookRegistration) error {
	if len(reg.Events) == 0 {
		reg.Events = []string{models.WebhookEventCompleted, models.WebhookEventFailed}
	}
	if reg.Retries == 0 {
		reg.Retries = s.cfg.DefaultRetries
	}
	if reg.TimeoutMs == 0 {
		reg.TimeoutMs = int(s.cfg.DefaultTimeout.Milliseconds())
	}
	reg.RegisteredAt = time.Now().UTC()

	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to encode webhook registration: %w", err)
	}

	key := webhookKeyPrefix + reg.OperationID.String()
	if err := s.client.Set(ctx, key, data, s.cfg.RegistrationTTL).Err(); err != nil {
		return fmt.Errorf("failed to store webhook registration: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"operation_id": reg.OperationID,
		"url":          reg.URL,
		"events":       reg.Events,
	}).Info("Webhook registered")

	return nil
}

// Unregister removes the registration for an operation, if any.
func (s *WebhookService) Unregister(ctx context.Context, operationID uuid.UUID) error {
	return s.client.Del(ctx, webhookKeyPrefix+operationID.String()).Err()
}

// Get returns the registration for an operation.
func (s *WebhookService) Get(ctx context.Context, operationID uuid.UUID) (*models.WebhookRegistration, bool, error) {
	data, err := s.client.Get(ctx, webhookKeyPrefix+operationID.String()).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load webhook registration: %w", err)
	}

	var reg models.WebhookRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, false, fmt.Errorf("failed to decode webhook registration: %w", err)
	}
	return &reg, true, nil
}

// Notify delivers a terminal event for an operation and then drops the
// registration. Delivery retries up to the registered retry count with a
// fixed delay; any non-2xx response counts as a failed attempt.
func (s *WebhookService) Notify(ctx context.Context, operationID uuid.UUID, event string, data map[string]interface{}) error {
	reg, found, err := s.Get(ctx, operationID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	// The terminal notification sequence concludes the registration even
	// when the subscriber did not ask for this event type.
	defer func() {
		if err := s.Unregister(context.WithoutCancel(ctx), operationID); err != nil {
			s.logger.WithFields(logrus.Fields{
				"operation_id": operationID,
				"error":        err.Error(),
			}).Warn("Failed to remove webhook registration after delivery")
		}
	}()

	if !reg.WantsEvent(event) {
		s.logger.WithFields(logrus.Fields{
			"operation_id": operationID,
			"event":        event,
		}).Debug("Webhook not subscribed to event, skipping delivery")
		return nil
	}

	envelope := models.WebhookEnvelope{
		OperationID: operationID,
		Event:       event,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	var lastErr error
	attempts := reg.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = s.deliver(ctx, reg, body)
		if lastErr == nil {
			telemetry.WebhooksSent.Inc()
			s.logger.WithFields(logrus.Fields{
				"operation_id": operationID,
				"event":        event,
				"attempt":      attempt,
			}).Info("Webhook delivered")
			return nil
		}

		s.logger.WithFields(logrus.Fields{
			"operation_id": operationID,
			"event":        event,
			"attempt":      attempt,
			"error":        lastErr.Error(),
		}).Warn("Webhook delivery attempt failed")

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryDelay):
			}
		}
	}

	telemetry.WebhooksDropped.Inc()
	return fmt.Errorf("webhook delivery exhausted %d attempts: %w", attempts, lastErr)
}

func (s *WebhookService) deliver(ctx context.Context, reg *models.WebhookRegistration, body []byte) error {
	timeout := time.Duration(reg.TimeoutMs) * time.Millisecond
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, reg.URL, bytes.NewReader(body))
	if err != nil {
		return &models.WebhookDeliveryError{URL: reg.URL, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	if reg.Secret != "" {
		req.Header.Set(s.cfg.SignatureHeader, Sign(reg.Secret, body))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &models.WebhookDeliveryError{URL: reg.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &models.WebhookDeliveryError{URL: reg.URL, StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign computes the webhook signature for a payload: an HMAC-SHA256 over
// the exact request body, hex encoded with a scheme prefix.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the payload. It is
// what subscribers are expected to run on their side.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Sweep removes registrations older than the registration TTL. Redis key
// expiry already covers the common case; the sweep catches entries whose
// TTL was lost, for example after a restore.
func (s *WebhookService) Sweep(ctx context.Context) int {
	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, webhookKeyPrefix+"*", 100).Result()
		if err != nil {
			s.logger.WithField("error", err.Error()).Warn("Webhook sweep scan failed")
			return removed
		}

		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var reg models.WebhookRegistration
			if err := json.Unmarshal(data, &reg); err != nil || time.Since(reg.RegisteredAt) > s.cfg.RegistrationTTL {
				if s.client.Del(ctx, key).Err() == nil {
					removed++
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		s.logger.WithField("removed", removed).Info("Expired webhook registrations swept")
	}
	return removed
}

// StartSweeper runs Sweep on the configured interval until ctx ends.
func (s *WebhookService) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
