package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionStatus is the server-authoritative state of a payment session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the processor will never change this status again.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// ParseSessionStatus maps loose processor/ingress spellings onto SessionStatus.
// Unknown values are reported as pending so that callers keep polling.
func ParseSessionStatus(raw string) SessionStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "complete", "paid", "settled", "succeeded", "success":
		return SessionCompleted
	case "failed", "failure", "error", "declined":
		return SessionFailed
	case "cancelled", "canceled", "expired", "voided":
		return SessionCancelled
	default:
		return SessionPending
	}
}

// Donor is the display information the donor chose for this donation.
type Donor struct {
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Anonymous bool   `json:"anonymous"`
	Message   string `json:"message,omitempty"`
}

// DisplayName returns the name to show publicly.
func (d Donor) DisplayName() string {
	if d.Anonymous || strings.TrimSpace(d.Name) == "" {
		return "Anonymous"
	}
	return strings.TrimSpace(d.Name)
}

// DonationAttempt is one user-initiated donation flow.
type DonationAttempt struct {
	AttemptID  string          `json:"attempt_id"`
	CampaignID string          `json:"campaign_id"`
	Amount     decimal.Decimal `json:"amount"`
	Donor      Donor           `json:"donor"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewAttempt builds an attempt with a generated id.
func NewAttempt(campaignID string, amount decimal.Decimal, donor Donor) DonationAttempt {
	return DonationAttempt{
		AttemptID:  uuid.New().String(),
		CampaignID: campaignID,
		Amount:     amount,
		Donor:      donor,
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate checks the fields every session service requires.
func (a DonationAttempt) Validate() error {
	if strings.TrimSpace(a.AttemptID) == "" {
		return fmt.Errorf("%w: attempt_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(a.CampaignID) == "" {
		return fmt.Errorf("%w: campaign_id is required", ErrInvalidRequest)
	}
	if !a.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidRequest, a.Amount)
	}
	return nil
}

// PaymentSession is the server-issued checkout session.
type PaymentSession struct {
	SessionID  string        `json:"session_id"`
	PaymentURL string        `json:"payment_url"`
	DonationID string        `json:"donation_id,omitempty"`
	Status     SessionStatus `json:"status"`
}

// StatusReport is the answer to a status query.
type StatusReport struct {
	Status     SessionStatus `json:"status"`
	DonationID string        `json:"donation_id,omitempty"`
}

// Source identifies which observer produced a signal.
type Source string

const (
	SourceMessage     Source = "message"
	SourcePopupClosed Source = "popup-closed"
	SourcePoll        Source = "poll"
	SourceTimeout     Source = "timeout"
	SourceRecheck     Source = "recheck"
	SourceCeiling     Source = "ceiling"
	SourceAbandoned   Source = "abandoned"
)

// Kind classifies what a signal claims happened.
type Kind string

const (
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
	KindUnknown   Kind = "unknown"
)

// Terminal reports whether a signal of this kind resolves an attempt on its own.
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindFailed || k == KindCancelled
}

func kindFromStatus(s SessionStatus) Kind {
	switch s {
	case SessionCompleted:
		return KindCompleted
	case SessionFailed:
		return KindFailed
	case SessionCancelled:
		return KindCancelled
	default:
		return KindUnknown
	}
}

// OutcomeSignal is the tagged value every observer reports to the Arbiter.
type OutcomeSignal struct {
	Source     Source
	Kind       Kind
	DonationID string
	Payload    map[string]any
}

// OutcomeStatus is the terminal status delivered to the result sink.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
	OutcomeExpired   OutcomeStatus = "expired"
)

// ParseOutcomeStatus accepts the four terminal statuses.
func ParseOutcomeStatus(raw string) (OutcomeStatus, error) {
	switch s := OutcomeStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case OutcomeCompleted, OutcomeFailed, OutcomeCancelled, OutcomeExpired:
		return s, nil
	}
	return "", fmt.Errorf("unknown outcome status %q", raw)
}

func outcomeFromKind(k Kind) OutcomeStatus {
	switch k {
	case KindFailed:
		return OutcomeFailed
	case KindCancelled:
		return OutcomeCancelled
	default:
		return OutcomeCompleted
	}
}

// TerminalOutcome is the single value delivered per attempt.
type TerminalOutcome struct {
	AttemptID  string          `json:"attempt_id"`
	CampaignID string          `json:"campaign_id"`
	SessionID  string          `json:"session_id"`
	Status     OutcomeStatus   `json:"status"`
	DonationID string          `json:"donation_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Donor      Donor           `json:"donor"`
	Source     Source          `json:"source"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

// SessionService creates payment sessions and reports their status.
type SessionService interface {
	CreateSession(ctx context.Context, campaignID string, amount decimal.Decimal, donor Donor) (PaymentSession, error)
	GetSessionStatus(ctx context.Context, sessionID string) (StatusReport, error)
}

// ResultSink receives the arbitrated outcome.
type ResultSink interface {
	Deliver(ctx context.Context, outcome TerminalOutcome) error
}

// SinkFunc adapts a function to ResultSink.
type SinkFunc func(ctx context.Context, outcome TerminalOutcome) error

func (f SinkFunc) Deliver(ctx context.Context, outcome TerminalOutcome) error { return f(ctx, outcome) }

// PopupHandle is a back-reference to a window the coordinator does not own.
type PopupHandle interface {
	Closed() (bool, error)
	Close() error
}

// WindowOpener opens a payment URL in a new browsing context. A nil handle
// means the popup was blocked.
type WindowOpener interface {
	Open(ctx context.Context, attemptID, url, features string) (PopupHandle, error)
}

// Message is one cross-window message as seen by the receiving window.
type Message struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// MessageChannel delivers cross-window messages to subscribers. The returned
// function removes the subscription.
type MessageChannel interface {
	Subscribe(fn func(Message)) (unsubscribe func())
}

// ScopedChannel is implemented by channels that can narrow delivery to the
// messages relayed for a single attempt. The Coordinator prefers the scoped
// view when the channel offers one.
type ScopedChannel interface {
	MessageChannel
	Scope(attemptID string) MessageChannel
}
