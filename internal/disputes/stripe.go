// Package disputes turns card-network disputes reported by the payment
// provider into chargeback flags on scored transactions.
package disputes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/txguard/internal/antifraud"
	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/transactions"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// MaxBodyBytes is the largest webhook payload accepted.
const MaxBodyBytes = 65536

// MetadataKey names the metadata entry carrying our transaction id.
const MetadataKey = "transaction_id"

// Webhook results, used as metric labels.
const (
	resultApplied  = "applied"
	resultIgnored  = "ignored"
	resultRejected = "rejected"
	resultFailed   = "failed"
)

// Chargebacker flags a transaction as charged back.
type Chargebacker interface {
	Chargeback(ctx context.Context, id int64, source string) (*transactions.Transaction, error)
}

// StripeHandler receives Stripe webhooks.
type StripeHandler struct {
	secret  string
	service Chargebacker
}

// NewStripeHandler creates a handler that verifies payloads with secret.
func NewStripeHandler(secret string, service Chargebacker) *StripeHandler {
	return &StripeHandler{secret: secret, service: service}
}

// RegisterRoutes mounts the webhook. It authenticates by signature, so it
// belongs outside basic auth.
func (h *StripeHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.HandleWebhook)
}

// HandleWebhook handles POST /v1/webhooks/stripe
func (h *StripeHandler) HandleWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxBodyBytes+1))
	if err != nil || len(payload) > MaxBodyBytes {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", resultRejected).Inc()
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", resultRejected).Inc()
		logging.L(ctx).Warn("stripe webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	eventType := string(event.Type)
	if event.Type != stripe.EventTypeChargeDisputeCreated {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, resultIgnored).Inc()
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	var dispute stripe.Dispute
	if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, resultRejected).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	ctx = logging.With(ctx, "dispute", dispute.ID)
	id, ok := transactionID(&dispute)
	if !ok {
		// Disputes for charges we never scored are acknowledged so Stripe
		// stops retrying.
		metrics.WebhookEventsTotal.WithLabelValues(eventType, resultIgnored).Inc()
		logging.L(ctx).Info("dispute without transaction id")
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	_, err = h.service.Chargeback(ctx, id, antifraud.SourceStripe)
	switch {
	case err == nil:
		metrics.WebhookEventsTotal.WithLabelValues(eventType, resultApplied).Inc()
	case errors.Is(err, transactions.ErrNotFound), errors.Is(err, transactions.ErrNotApproved):
		metrics.WebhookEventsTotal.WithLabelValues(eventType, resultIgnored).Inc()
		logging.L(ctx).Warn("dispute not applied", "transaction_id", id, "error", err)
	default:
		metrics.WebhookEventsTotal.WithLabelValues(eventType, resultFailed).Inc()
		logging.L(ctx).Error("dispute failed", "transaction_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// transactionID reads the id from the dispute's metadata, falling back to the
// disputed charge's metadata when the charge is expanded.
func transactionID(d *stripe.Dispute) (int64, bool) {
	raw := d.Metadata[MetadataKey]
	if raw == "" && d.Charge != nil {
		raw = d.Charge.Metadata[MetadataKey]
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
