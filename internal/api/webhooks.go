package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/events"
)

type xenditInvoiceCallback struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"external_id"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
}

// RegisterWebhookRoutes mounts the Xendit invoice callback. Callbacks are
// turned into payments.v1 events; the payments consumer applies them to the
// session object.
func RegisterWebhookRoutes(mux *http.ServeMux, d Deps) {
	route(mux, "POST /api/webhooks/xendit", "xendit-webhook", func(w http.ResponseWriter, r *http.Request) {
		if d.CallbackToken != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("x-callback-token")), []byte(d.CallbackToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		var cb xenditInvoiceCallback
		if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		// sessions are created with their session id as the invoice external id
		sessionID := strings.TrimSpace(cb.ExternalID)
		if sessionID == "" {
			writeError(w, http.StatusBadRequest, "missing external_id")
			return
		}

		eventType := events.PaymentEventType(cb.Status)
		if eventType == "" {
			d.Logger.Printf("[Webhook] ignoring status %s for %s", cb.Status, sessionID)
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}

		amount := cb.PaidAmount
		if amount.IsZero() {
			amount = cb.Amount
		}
		evt, err := events.NewEnvelope(eventType, sessionID, events.PaymentData{
			SessionID: sessionID,
			InvoiceID: cb.ID,
			Amount:    amount,
			Provider:  "xendit",
			Status:    strings.ToUpper(cb.Status),
		})
		if err == nil {
			topic := d.PaymentsTopic
			if topic == "" {
				topic = events.TopicPayments
			}
			err = d.Publisher.Publish(r.Context(), topic, sessionID, evt)
		}
		if err != nil {
			d.Logger.Printf("[Webhook] failed to publish %s for %s: %v", eventType, sessionID, err)
			writeError(w, http.StatusInternalServerError, "failed to enqueue payment event")
			return
		}
		d.Logger.Printf("[Webhook] %s enqueued for session %s", eventType, sessionID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
	})
}
