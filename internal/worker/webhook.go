// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/escrow-readmodel/internal/metrics"
	"github.com/adiadia/escrow-readmodel/internal/repository"
	"github.com/google/uuid"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
	webhookHeaderID      = "X-Delivery-ID"
)

const (
	deliveryDelivered = "delivered"
	deliveryFailed    = "failed"
	deliveryCanceled  = "canceled"
)

type changeWebhookPayload struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
	Entity     string    `json:"entity"`
	ID         uint64    `json:"id"`
	Previous   string    `json:"previous"`
	Current    string    `json:"current"`
	ObservedAt time.Time `json:"observed_at"`
}

// deliverChangeWebhook posts one signed change notification, retrying failed
// attempts with doubling waits. The returned delivery describes the outcome.
func (w *Worker) deliverChangeWebhook(ctx context.Context, change repository.Change) repository.Delivery {
	delivery := repository.Delivery{
		ID:        uuid.New(),
		Change:    change,
		CreatedAt: w.now(),
	}

	body, err := json.Marshal(changeWebhookPayload{
		DeliveryID: delivery.ID,
		Entity:     change.Entity,
		ID:         change.ID,
		Previous:   change.Previous,
		Current:    change.Current,
		ObservedAt: delivery.CreatedAt,
	})
	if err != nil {
		delivery.LastError = err.Error()
		return delivery
	}
	signature := signWebhookPayload(w.webhookSecret, body)

	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		delivery.Attempts = attempt

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
		if err != nil {
			delivery.LastError = err.Error()
			w.logger.Error("webhook request build failed", "delivery_id", delivery.ID, "error", err)
			break
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(webhookHeaderID, delivery.ID.String())
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := w.httpClient.Do(req)
		if err != nil {
			delivery.LastError = err.Error()
			w.logger.Warn("webhook failure",
				"delivery_id", delivery.ID,
				"entity", change.Entity,
				"id", change.ID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			delivery.StatusCode = resp.StatusCode

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				delivery.Delivered = true
				delivery.LastError = ""
				metrics.IncWebhookDelivery(deliveryDelivered)
				w.logger.Info("webhook delivered",
					"delivery_id", delivery.ID,
					"entity", change.Entity,
					"id", change.ID,
					"attempt", attempt,
				)
				return delivery
			}

			delivery.LastError = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
			w.logger.Warn("webhook failure",
				"delivery_id", delivery.ID,
				"entity", change.Entity,
				"id", change.ID,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < webhookRetryAttempts {
			wait := w.webhookRetryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				delivery.LastError = ctx.Err().Error()
				metrics.IncWebhookDelivery(deliveryCanceled)
				return delivery
			case <-timer.C:
			}
		}
	}

	metrics.IncWebhookDelivery(deliveryFailed)
	w.logger.Error("webhook retries exhausted",
		"delivery_id", delivery.ID,
		"entity", change.Entity,
		"id", change.ID,
		"error", delivery.LastError,
	)
	return delivery
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
