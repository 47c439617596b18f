package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/google/uuid"
	restate "github.com/restatedev/sdk-go"
	"github.com/shopspring/decimal"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/storage/postgres"
)

// ServiceName is the Restate virtual object that owns payment sessions.
const ServiceName = "donation.sv1.SessionService"

// RequestError is a non-retryable handler failure carrying an HTTP status.
type RequestError struct {
	Code    int
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

// IsTerminalError indicates this is a terminal error that should not be retried
func (e *RequestError) IsTerminalError() bool {
	return true
}

func badRequest(format string, args ...any) error {
	err := &RequestError{Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
	return restate.TerminalError(err, http.StatusBadRequest)
}

func notFound(format string, args ...any) error {
	err := &RequestError{Code: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
	return restate.TerminalError(err, http.StatusNotFound)
}

func unavailable(format string, args ...any) error {
	err := &RequestError{Code: http.StatusServiceUnavailable, Message: fmt.Sprintf(format, args...)}
	return restate.TerminalError(err, http.StatusServiceUnavailable)
}

type CreateSessionRequest struct {
	CampaignID string          `json:"campaign_id"`
	Amount     decimal.Decimal `json:"amount"`
	Donor      checkout.Donor  `json:"donor"`
}

type SessionResponse struct {
	SessionID  string                 `json:"session_id"`
	PaymentURL string                 `json:"payment_url"`
	InvoiceID  string                 `json:"invoice_id,omitempty"`
	DonationID string                 `json:"donation_id,omitempty"`
	Status     checkout.SessionStatus `json:"status"`
}

type MarkStatusRequest struct {
	Status    string `json:"status"`
	InvoiceID string `json:"invoice_id,omitempty"`
	Provider  string `json:"provider,omitempty"`
}

type MarkStatusResponse struct {
	Status     checkout.SessionStatus `json:"status"`
	DonationID string                 `json:"donation_id,omitempty"`
	Changed    bool                   `json:"changed"`
}

// Store is the persistence the session object writes through to.
type Store interface {
	CampaignExists(ctx context.Context, campaignID string) (bool, error)
	UpsertSession(ctx context.Context, s postgres.SessionRecord) error
	UpdateSessionStatus(ctx context.Context, sessionID string, status checkout.SessionStatus, donationID string) error
}

// Object implements the session virtual object handlers. Invoices may be nil,
// in which case sessions get a local fallback payment URL.
type Object struct {
	Store           Store
	Invoices        InvoiceCreator
	FallbackBaseURL string
}

// CreateSession creates the payment session keyed by the object key. Calling
// it again for an existing session returns the stored values.
func (o *Object) CreateSession(ctx restate.ObjectContext, req CreateSessionRequest) (SessionResponse, error) {
	sessionID := restate.Key(ctx)

	status, err := restate.Get[checkout.SessionStatus](ctx, "status")
	if err != nil {
		return SessionResponse{}, err
	}
	if status != "" {
		log.Printf("[Session Object %s] Session already exists with status %s", sessionID, status)
		return o.stored(ctx, sessionID, status)
	}

	if strings.TrimSpace(req.CampaignID) == "" {
		return SessionResponse{}, badRequest("campaign_id is required")
	}
	if !req.Amount.IsPositive() {
		return SessionResponse{}, badRequest("amount must be positive, got %s", req.Amount)
	}
	log.Printf("[Session Object %s] Creating session for campaign %s, amount %s", sessionID, req.CampaignID, req.Amount)

	exists, err := restate.Run(ctx, func(rc restate.RunContext) (bool, error) {
		exists, err := o.Store.CampaignExists(rc, req.CampaignID)
		if errors.Is(err, postgres.ErrNoDatabase) {
			return false, unavailable("campaign lookup: %v", err)
		}
		return exists, err
	})
	if err != nil {
		return SessionResponse{}, err
	}
	if !exists {
		return SessionResponse{}, notFound("campaign %s not found", req.CampaignID)
	}

	var invoice Invoice
	if o.Invoices != nil {
		log.Printf("[Session Object %s] Creating Xendit invoice", sessionID)
		invoice, err = restate.Run(ctx, func(rc restate.RunContext) (Invoice, error) {
			inv, err := o.Invoices.CreateInvoice(rc, sessionID, req.Amount, fmt.Sprintf("Donation to %s", req.CampaignID))
			if err != nil {
				return Invoice{}, unavailable("create invoice: %v", err)
			}
			return inv, nil
		})
		if err != nil {
			log.Printf("[Session Object %s] Xendit invoice failed: %v", sessionID, err)
			return SessionResponse{}, err
		}
	}
	if invoice.URL == "" {
		invoice.URL = o.fallbackURL(sessionID)
	}

	_, err = restate.Run(ctx, func(rc restate.RunContext) (restate.Void, error) {
		return restate.Void{}, o.Store.UpsertSession(rc, postgres.SessionRecord{
			ID:         sessionID,
			CampaignID: req.CampaignID,
			Amount:     req.Amount,
			Donor:      req.Donor,
			Status:     checkout.SessionPending,
			PaymentURL: invoice.URL,
			InvoiceID:  invoice.ID,
		})
	})
	if err != nil {
		log.Printf("[Session Object %s] Warning: Failed to persist session: %v", sessionID, err)
	}

	restate.Set(ctx, "status", checkout.SessionPending)
	restate.Set(ctx, "campaign_id", req.CampaignID)
	restate.Set(ctx, "amount", req.Amount)
	restate.Set(ctx, "payment_url", invoice.URL)
	if invoice.ID != "" {
		restate.Set(ctx, "invoice_id", invoice.ID)
	}
	log.Printf("[Session Object %s] Session pending; payment page: %s", sessionID, invoice.URL)

	return SessionResponse{
		SessionID:  sessionID,
		PaymentURL: invoice.URL,
		InvoiceID:  invoice.ID,
		Status:     checkout.SessionPending,
	}, nil
}

// GetStatus returns the authoritative session status.
func (o *Object) GetStatus(ctx restate.ObjectSharedContext, _ restate.Void) (SessionResponse, error) {
	sessionID := restate.Key(ctx)
	status, err := restate.Get[checkout.SessionStatus](ctx, "status")
	if err != nil {
		return SessionResponse{}, err
	}
	if status == "" {
		return SessionResponse{}, notFound("session %s not found", sessionID)
	}
	return o.stored(ctx, sessionID, status)
}

// MarkStatus applies a processor status update. Terminal sessions never change.
func (o *Object) MarkStatus(ctx restate.ObjectContext, req MarkStatusRequest) (MarkStatusResponse, error) {
	sessionID := restate.Key(ctx)
	current, err := restate.Get[checkout.SessionStatus](ctx, "status")
	if err != nil {
		return MarkStatusResponse{}, err
	}
	if current == "" {
		return MarkStatusResponse{}, notFound("session %s not found", sessionID)
	}

	next := checkout.ParseSessionStatus(req.Status)
	if current.Terminal() || !next.Terminal() {
		donationID, _ := restate.Get[string](ctx, "donation_id")
		log.Printf("[Session Object %s] Ignoring %q, session is %s", sessionID, req.Status, current)
		return MarkStatusResponse{Status: current, DonationID: donationID}, nil
	}

	var donationID string
	if next == checkout.SessionCompleted {
		donationID, err = restate.Run(ctx, func(restate.RunContext) (string, error) {
			return "don_" + uuid.NewString(), nil
		})
		if err != nil {
			return MarkStatusResponse{}, err
		}
		restate.Set(ctx, "donation_id", donationID)
	}
	restate.Set(ctx, "status", next)
	if req.InvoiceID != "" {
		restate.Set(ctx, "invoice_id", req.InvoiceID)
	}

	_, err = restate.Run(ctx, func(rc restate.RunContext) (restate.Void, error) {
		return restate.Void{}, o.Store.UpdateSessionStatus(rc, sessionID, next, donationID)
	})
	if err != nil {
		log.Printf("[Session Object %s] Warning: Failed to update session row: %v", sessionID, err)
	}
	log.Printf("[Session Object %s] %s -> %s (provider=%s)", sessionID, current, next, req.Provider)
	return MarkStatusResponse{Status: next, DonationID: donationID, Changed: true}, nil
}

func (o *Object) stored(ctx restate.ObjectSharedContext, sessionID string, status checkout.SessionStatus) (SessionResponse, error) {
	paymentURL, err := restate.Get[string](ctx, "payment_url")
	if err != nil {
		return SessionResponse{}, err
	}
	invoiceID, _ := restate.Get[string](ctx, "invoice_id")
	donationID, _ := restate.Get[string](ctx, "donation_id")
	return SessionResponse{
		SessionID:  sessionID,
		PaymentURL: paymentURL,
		InvoiceID:  invoiceID,
		DonationID: donationID,
		Status:     status,
	}, nil
}

func (o *Object) fallbackURL(sessionID string) string {
	base := strings.TrimRight(o.FallbackBaseURL, "/")
	if base == "" {
		base = "https://example.test"
	}
	return base + "/invoices/" + sessionID
}

// ErrorCode extracts the HTTP status carried by a handler error, or 0.
func ErrorCode(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Code
	}
	return 0
}
