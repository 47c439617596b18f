package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/outcome"
)

// Coordinator is the part of *checkout.Coordinator the routes drive.
type Coordinator interface {
	Begin(ctx context.Context, attempt checkout.DonationAttempt) (checkout.OpenResult, *checkout.Arbiter, error)
	Abandon(attemptID string) bool
}

type startDonationRequest struct {
	AttemptID  string          `json:"attempt_id"`
	CampaignID string          `json:"campaign_id"`
	Amount     decimal.Decimal `json:"amount"`
	Donor      checkout.Donor  `json:"donor"`
}

// openWindow tells the client which URL to pass to window.open.
type openWindow struct {
	URL      string `json:"url"`
	Features string `json:"features"`
}

type attemptResponse struct {
	outcome.AttemptView
	OpenWindow *openWindow `json:"open_window,omitempty"`
}

// RegisterDonationRoutes mounts the donation attempt endpoints.
func RegisterDonationRoutes(mux *http.ServeMux, d Deps) {
	route(mux, "POST /api/donations", "start-donation", func(w http.ResponseWriter, r *http.Request) {
		startDonation(d, w, r)
	})
	route(mux, "GET /api/donations/{attemptId}", "get-donation", func(w http.ResponseWriter, r *http.Request) {
		getDonation(d, w, r)
	})
	route(mux, "DELETE /api/donations/{attemptId}", "abandon-donation", func(w http.ResponseWriter, r *http.Request) {
		if !d.Coordinator.Abandon(r.PathValue("attemptId")) {
			writeError(w, http.StatusNotFound, "no donation attempt awaiting an outcome")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func startDonation(d Deps, w http.ResponseWriter, r *http.Request) {
	var req startDonationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	attempt := checkout.NewAttempt(strings.TrimSpace(req.CampaignID), req.Amount, req.Donor)
	if id := strings.TrimSpace(req.AttemptID); id != "" {
		if _, err := uuid.Parse(id); err != nil {
			writeError(w, http.StatusBadRequest, "attempt_id must be a UUID")
			return
		}
		attempt.AttemptID = id
	}
	if err := attempt.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if _, err := d.Attempts.Get(ctx, attempt.AttemptID); err == nil {
		writeError(w, http.StatusConflict, "attempt_id already used")
		return
	} else if !errors.Is(err, outcome.ErrAttemptNotFound) {
		d.Logger.Printf("[API] attempt store lookup failed: %v", err)
		writeError(w, http.StatusServiceUnavailable, "attempt store unavailable")
		return
	}

	view := outcome.AttemptView{AttemptID: attempt.AttemptID, CampaignID: attempt.CampaignID, Status: outcome.AttemptOpening}
	if err := d.Attempts.Put(ctx, view); err != nil {
		d.Logger.Printf("[API] attempt store write failed: %v", err)
		writeError(w, http.StatusServiceUnavailable, "attempt store unavailable")
		return
	}

	// the attempt outlives this request; keep its trace but not its cancellation
	go runAttempt(context.WithoutCancel(ctx), d, attempt)

	writeJSON(w, http.StatusAccepted, map[string]any{"attempt_id": attempt.AttemptID, "status": outcome.AttemptOpening})
}

func runAttempt(ctx context.Context, d Deps, attempt checkout.DonationAttempt) {
	result, _, err := d.Coordinator.Begin(ctx, attempt)

	view := outcome.AttemptView{
		AttemptID:  attempt.AttemptID,
		CampaignID: attempt.CampaignID,
		SessionID:  result.Session.SessionID,
		PaymentURL: result.Session.PaymentURL,
		UpdatedAt:  time.Now().UTC(),
	}
	switch {
	case err != nil:
		view.Status = outcome.AttemptFailedToStart
		view.Error = err.Error()
		d.Logger.Printf("[API] attempt %s failed to start: %v", attempt.AttemptID, err)
	case !result.Opened:
		view.Status = outcome.AttemptPopupBlocked
		if result.Reason != nil {
			view.Error = result.Reason.Error()
		}
	default:
		view.Status = outcome.AttemptAwaiting
	}
	if err := d.Attempts.Put(ctx, view); err != nil {
		d.Logger.Printf("[API] attempt %s: store %s view: %v", attempt.AttemptID, view.Status, err)
	}
}

func getDonation(d Deps, w http.ResponseWriter, r *http.Request) {
	attemptID := r.PathValue("attemptId")
	view, err := d.Attempts.Get(r.Context(), attemptID)
	if errors.Is(err, outcome.ErrAttemptNotFound) {
		writeError(w, http.StatusNotFound, "unknown donation attempt")
		return
	}
	if err != nil {
		d.Logger.Printf("[API] attempt store lookup failed: %v", err)
		writeError(w, http.StatusServiceUnavailable, "attempt store unavailable")
		return
	}

	resp := attemptResponse{AttemptView: view}
	if d.Windows != nil && view.Status == outcome.AttemptOpening {
		if win, pending := d.Windows.Pending(attemptID); pending {
			resp.OpenWindow = &openWindow{URL: win.URL, Features: win.Features}
			resp.PaymentURL = win.URL
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
