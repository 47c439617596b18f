package checkout

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// DefaultWindowFeatures sizes the popup for a hosted payment page.
const DefaultWindowFeatures = "popup=yes,width=600,height=800"

// OpenResult reports whether the payment window is on screen. When Opened is
// false the caller must offer the fallback (same-tab redirect or manual link)
// using Session.PaymentURL.
type OpenResult struct {
	Opened  bool
	Session PaymentSession
	Popup   PopupHandle
	Reason  error
}

// Opener creates the payment session and tries to show it in a popup.
type Opener struct {
	Sessions SessionService
	Windows  WindowOpener
	Features string
	Logger   *log.Logger
}

// Open creates a session for the attempt and opens its payment URL.
func (o *Opener) Open(ctx context.Context, attempt DonationAttempt) (OpenResult, error) {
	logger := loggerOrDefault(o.Logger)
	if err := attempt.Validate(); err != nil {
		return OpenResult{}, fmt.Errorf("%w: %w", ErrSessionCreationFailed, err)
	}

	session, err := o.Sessions.CreateSession(ctx, attempt.CampaignID, attempt.Amount, attempt.Donor)
	if err != nil {
		logger.Printf("[Opener %s] create session failed: %v", attempt.AttemptID, err)
		return OpenResult{}, fmt.Errorf("%w: %w", ErrSessionCreationFailed, err)
	}
	if strings.TrimSpace(session.SessionID) == "" || strings.TrimSpace(session.PaymentURL) == "" {
		logger.Printf("[Opener %s] session response missing session_id or payment_url", attempt.AttemptID)
		return OpenResult{}, fmt.Errorf("%w: session response missing session_id or payment_url", ErrSessionCreationFailed)
	}
	if session.Status == "" {
		session.Status = SessionPending
	}
	logger.Printf("[Opener %s] session %s created, opening %s", attempt.AttemptID, session.SessionID, session.PaymentURL)

	features := o.Features
	if features == "" {
		features = DefaultWindowFeatures
	}
	popup, err := o.Windows.Open(ctx, attempt.AttemptID, session.PaymentURL, features)
	if err != nil {
		logger.Printf("[Opener %s] window open error: %v", attempt.AttemptID, err)
		return OpenResult{Session: session, Reason: fmt.Errorf("%w: %w", ErrPopupBlocked, err)}, nil
	}
	if popup == nil || probeClosed(popup) {
		logger.Printf("[Opener %s] popup blocked", attempt.AttemptID)
		return OpenResult{Session: session, Reason: ErrPopupBlocked}, nil
	}

	return OpenResult{Opened: true, Session: session, Popup: popup}, nil
}

// probeClosed treats any failure to read the handle as closed.
func probeClosed(p PopupHandle) (closed bool) {
	defer func() {
		if r := recover(); r != nil {
			closed = true
		}
	}()
	c, err := p.Closed()
	if err != nil {
		return true
	}
	return c
}

// forceClose closes the window, swallowing access errors and panics.
func forceClose(p PopupHandle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("close popup: %v", r)
		}
	}()
	return p.Close()
}

func loggerOrDefault(l *log.Logger) *log.Logger {
	if l != nil {
		return l
	}
	return log.Default()
}
