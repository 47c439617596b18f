package events

import (
	"encoding/json"
	"fmt"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
)

const (
	DonationCompleted = "DonationCompleted"
	DonationFailed    = "DonationFailed"
	DonationCancelled = "DonationCancelled"
	DonationExpired   = "DonationExpired"
)

// DonationEventType names the donations.v1 event for an outcome status.
func DonationEventType(status checkout.OutcomeStatus) string {
	switch status {
	case checkout.OutcomeCompleted:
		return DonationCompleted
	case checkout.OutcomeFailed:
		return DonationFailed
	case checkout.OutcomeCancelled:
		return DonationCancelled
	default:
		return DonationExpired
	}
}

// DonationEnvelope wraps an arbitrated outcome, keyed by attempt id.
func DonationEnvelope(outcome checkout.TerminalOutcome) (Envelope, error) {
	return NewEnvelope(DonationEventType(outcome.Status), outcome.AttemptID, outcome)
}

// DecodeOutcome reads the outcome back out of a donations.v1 envelope.
func DecodeOutcome(evt Envelope) (checkout.TerminalOutcome, error) {
	var outcome checkout.TerminalOutcome
	if err := json.Unmarshal(evt.Data, &outcome); err != nil {
		return checkout.TerminalOutcome{}, fmt.Errorf("decode %s: %w", evt.EventType, err)
	}
	if outcome.AttemptID == "" {
		outcome.AttemptID = evt.AggregateID
	}
	return outcome, nil
}
