package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
)

// ErrNoDatabase is returned by every repository call when the service runs without a database.
var ErrNoDatabase = errors.New("database not initialized")

// Repository is a thin wrapper around *sql.DB intended for dependency injection.
type Repository struct {
	DB *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{DB: db}
}

// SessionRecord is one row of payment_sessions.
type SessionRecord struct {
	ID         string
	CampaignID string
	Amount     decimal.Decimal
	Donor      checkout.Donor
	Status     checkout.SessionStatus
	PaymentURL string
	InvoiceID  string
	DonationID string
	UpdatedAt  time.Time
}

// CampaignTotals is the aggregate shown on a campaign page.
type CampaignTotals struct {
	CampaignID string
	Title      string
	Goal       decimal.Decimal
	Raised     decimal.Decimal
	Donors     int
}

// CampaignExists reports whether an active campaign with this id exists.
func (r *Repository) CampaignExists(ctx context.Context, campaignID string) (bool, error) {
	if r.DB == nil {
		return false, ErrNoDatabase
	}
	var exists bool
	err := r.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM campaigns WHERE id = $1 AND active)`, campaignID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up campaign: %w", err)
	}
	return exists, nil
}

// UpsertSession inserts or refreshes a payment session row.
func (r *Repository) UpsertSession(ctx context.Context, s SessionRecord) error {
	if r.DB == nil {
		return ErrNoDatabase
	}
	query := `
		INSERT INTO payment_sessions (id, campaign_id, amount, donor_name, anonymous, message, status, payment_url, invoice_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			payment_url = EXCLUDED.payment_url,
			invoice_id = EXCLUDED.invoice_id,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := r.DB.ExecContext(ctx, query,
		s.ID, s.CampaignID, s.Amount.String(), s.Donor.Name, s.Donor.Anonymous, s.Donor.Message,
		string(s.Status), s.PaymentURL, s.InvoiceID)
	if err != nil {
		return fmt.Errorf("failed to upsert payment session: %w", err)
	}
	log.Printf("[DB] Inserted/Updated payment session: %s", s.ID)
	return nil
}

// UpdateSessionStatus moves a pending session to status. Terminal rows are left untouched.
func (r *Repository) UpdateSessionStatus(ctx context.Context, sessionID string, status checkout.SessionStatus, donationID string) error {
	if r.DB == nil {
		return ErrNoDatabase
	}
	query := `
		UPDATE payment_sessions
		SET status = $1, donation_id = NULLIF($2, ''), updated_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND status = 'pending'
	`
	res, err := r.DB.ExecContext(ctx, query, string(status), donationID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update payment session status: %w", err)
	}
	rows, _ := res.RowsAffected()
	log.Printf("[DB] Updated payment session status: %s -> %s (rows=%d)", sessionID, status, rows)
	return nil
}

// GetSession loads one session row.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	if r.DB == nil {
		return SessionRecord{}, ErrNoDatabase
	}
	var (
		s          SessionRecord
		amount     string
		status     string
		invoiceID  sql.NullString
		donationID sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, campaign_id, amount, donor_name, anonymous, message, status, payment_url, invoice_id, donation_id, updated_at
		FROM payment_sessions WHERE id = $1
	`, sessionID).Scan(&s.ID, &s.CampaignID, &amount, &s.Donor.Name, &s.Donor.Anonymous, &s.Donor.Message,
		&status, &s.PaymentURL, &invoiceID, &donationID, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("%w: session %s", checkout.ErrNotFound, sessionID)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to load payment session: %w", err)
	}
	s.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("payment session %s has invalid amount %q: %w", sessionID, amount, err)
	}
	s.Status = checkout.SessionStatus(status)
	s.InvoiceID = invoiceID.String
	s.DonationID = donationID.String
	return s, nil
}

// RecordOutcome stores the arbitrated outcome of an attempt and, for completed
// donations, adds it to the campaign totals in the same transaction. It
// reports false when the attempt was already recorded.
func (r *Repository) RecordOutcome(ctx context.Context, o checkout.TerminalOutcome) (bool, error) {
	if r.DB == nil {
		return false, ErrNoDatabase
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin outcome transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO donation_outcomes (attempt_id, campaign_id, session_id, donation_id, status, amount, donor_name, anonymous, source, resolved_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
		ON CONFLICT (attempt_id) DO NOTHING
	`, o.AttemptID, o.CampaignID, o.SessionID, o.DonationID, string(o.Status), o.Amount.String(),
		o.Donor.Name, o.Donor.Anonymous, string(o.Source), o.ResolvedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert donation outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		log.Printf("[DB] Donation outcome for attempt %s already recorded", o.AttemptID)
		return false, nil
	}

	if o.Status == checkout.OutcomeCompleted {
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns
			SET raised_amount = raised_amount + $1, donor_count = donor_count + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = $2
		`, o.Amount.String(), o.CampaignID)
		if err != nil {
			return false, fmt.Errorf("failed to update campaign totals: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit donation outcome: %w", err)
	}
	log.Printf("[DB] Recorded donation outcome: attempt=%s status=%s", o.AttemptID, o.Status)
	return true, nil
}

// GetCampaignTotals returns the current totals for a campaign.
func (r *Repository) GetCampaignTotals(ctx context.Context, campaignID string) (CampaignTotals, error) {
	if r.DB == nil {
		return CampaignTotals{}, ErrNoDatabase
	}
	var (
		t      CampaignTotals
		goal   string
		raised string
	)
	err := r.DB.QueryRowContext(ctx, `
		SELECT id, title, goal_amount, raised_amount, donor_count FROM campaigns WHERE id = $1
	`, campaignID).Scan(&t.CampaignID, &t.Title, &goal, &raised, &t.Donors)
	if errors.Is(err, sql.ErrNoRows) {
		return CampaignTotals{}, fmt.Errorf("%w: %s", checkout.ErrNotFound, campaignID)
	}
	if err != nil {
		return CampaignTotals{}, fmt.Errorf("failed to query campaign totals: %w", err)
	}
	t.Goal, _ = decimal.NewFromString(goal)
	t.Raised, _ = decimal.NewFromString(raised)
	return t, nil
}

// UpsertCampaign creates or renames a campaign and sets its goal. Totals are
// left untouched.
func (r *Repository) UpsertCampaign(ctx context.Context, id, title string, goal decimal.Decimal) error {
	if r.DB == nil {
		return ErrNoDatabase
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO campaigns (id, title, goal_amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			goal_amount = EXCLUDED.goal_amount,
			active = TRUE,
			updated_at = CURRENT_TIMESTAMP
	`, id, title, goal.String())
	if err != nil {
		return fmt.Errorf("failed to upsert campaign: %w", err)
	}
	log.Printf("[DB] Campaign %s ready (goal=%s)", id, goal)
	return nil
}
