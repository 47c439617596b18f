package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/session"
)

const (
	PaymentCompleted = "PaymentCompleted"
	PaymentFailed    = "PaymentFailed"
	PaymentExpired   = "PaymentExpired"
)

// PaymentData is the payload of payments.v1 events.
type PaymentData struct {
	SessionID string          `json:"sessionId"`
	InvoiceID string          `json:"invoiceId,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Provider  string          `json:"provider"`
	Status    string          `json:"status"`
}

// PaymentEventType maps a processor invoice status onto a payments.v1 event
// type. Statuses that carry no outcome return "".
func PaymentEventType(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PAID", "SETTLED":
		return PaymentCompleted
	case "FAILED":
		return PaymentFailed
	case "EXPIRED":
		return PaymentExpired
	}
	return ""
}

// StatusMarker applies processor statuses to payment sessions.
type StatusMarker interface {
	MarkStatus(ctx context.Context, sessionID string, req session.MarkStatusRequest) (session.MarkStatusResponse, error)
}

// PaymentsHandler forwards payments.v1 events to the session object.
type PaymentsHandler struct {
	Sessions StatusMarker
	Logger   *log.Logger
}

func (h *PaymentsHandler) Handle(ctx context.Context, evt Envelope) error {
	logger := h.Logger
	if logger == nil {
		logger = log.Default()
	}

	var status string
	switch evt.EventType {
	case PaymentCompleted:
		status = string(checkout.SessionCompleted)
	case PaymentFailed:
		status = string(checkout.SessionFailed)
	case PaymentExpired:
		status = "expired"
	default:
		logger.Printf("[%s] ignored eventType=%s key=%s", TopicPayments, evt.EventType, evt.AggregateID)
		return nil
	}

	var data PaymentData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		logger.Printf("[%s] bad %s payload: %v", TopicPayments, evt.EventType, err)
		return nil
	}
	sessionID := data.SessionID
	if sessionID == "" {
		sessionID = evt.AggregateID
	}
	if sessionID == "" {
		logger.Printf("[%s] %s without session id", TopicPayments, evt.EventType)
		return nil
	}

	resp, err := h.Sessions.MarkStatus(ctx, sessionID, session.MarkStatusRequest{Status: status, InvoiceID: data.InvoiceID, Provider: data.Provider})
	if errors.Is(err, checkout.ErrNotFound) {
		logger.Printf("[%s] %s for unknown session %s", TopicPayments, evt.EventType, sessionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark session %s %s: %w", sessionID, status, err)
	}
	logger.Printf("[%s] session %s now %s (changed=%t)", TopicPayments, sessionID, resp.Status, resp.Changed)
	return nil
}
