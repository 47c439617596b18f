package receipt

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log"
	"strings"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/events"
)

var receiptTpl = template.Must(template.New("receipt").Parse(`
<h2>Thank you, {{.Name}}!</h2>
<p>Your donation of <b>{{.Amount}}</b> to campaign <b>{{.CampaignID}}</b> was received.</p>
<p>Donation ID: <b>{{.DonationID}}</b></p>
{{if .Message}}<blockquote>{{.Message}}</blockquote>{{end}}
{{if .Anonymous}}<p>Your name will not be shown on the campaign page.</p>{{end}}
`))

// Render builds the subject and HTML body of a donation receipt.
func Render(o checkout.TerminalOutcome) (string, string, error) {
	name := strings.TrimSpace(o.Donor.Name)
	if name == "" {
		name = "friend"
	}
	donationID := o.DonationID
	if donationID == "" {
		donationID = o.AttemptID
	}
	var buf bytes.Buffer
	err := receiptTpl.Execute(&buf, map[string]any{
		"Name":       name,
		"Amount":     o.Amount.StringFixed(2),
		"CampaignID": o.CampaignID,
		"DonationID": donationID,
		"Message":    o.Donor.Message,
		"Anonymous":  o.Donor.Anonymous,
	})
	if err != nil {
		return "", "", fmt.Errorf("render receipt: %w", err)
	}
	return fmt.Sprintf("Your donation receipt (%s)", donationID), buf.String(), nil
}

// Mailer e-mails receipts for completed donations read from donations.v1.
type Mailer struct {
	Sender Sender
	Logger *log.Logger
}

// Handle is an events.Handler. Outcomes other than completed, and donors
// without an e-mail address, are skipped.
func (m *Mailer) Handle(_ context.Context, evt events.Envelope) error {
	logger := m.Logger
	if logger == nil {
		logger = log.Default()
	}
	if evt.EventType != events.DonationCompleted {
		return nil
	}
	o, err := events.DecodeOutcome(evt)
	if err != nil {
		logger.Printf("[Receipt] skipping undecodable %s: %v", evt.EventType, err)
		return nil
	}
	to := strings.TrimSpace(o.Donor.Email)
	if to == "" {
		logger.Printf("[Receipt] attempt %s has no donor e-mail", o.AttemptID)
		return nil
	}
	subject, body, err := Render(o)
	if err != nil {
		return err
	}
	if err := m.Sender.Send(to, subject, body); err != nil {
		return err
	}
	logger.Printf("[Receipt] sent receipt for %s to %s", o.AttemptID, to)
	return nil
}
