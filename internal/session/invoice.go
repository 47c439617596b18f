package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultXenditBaseURL = "https://api.xendit.co"

// Invoice is a hosted payment page created at the processor.
type Invoice struct {
	ID  string `json:"id"`
	URL string `json:"invoice_url"`
}

// InvoiceCreator creates hosted invoices for payment sessions.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, externalID string, amount decimal.Decimal, description string) (Invoice, error)
}

// XenditClient creates invoices through the Xendit v2 invoice API.
type XenditClient struct {
	SecretKey  string
	BaseURL    string
	SuccessURL string
	FailureURL string
	HTTP       *http.Client
}

func NewXenditClient(secretKey, successURL, failureURL string) *XenditClient {
	return &XenditClient{
		SecretKey:  secretKey,
		BaseURL:    defaultXenditBaseURL,
		SuccessURL: successURL,
		FailureURL: failureURL,
		HTTP:       &http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// CreateInvoice posts /v2/invoices. Amounts are whole currency units, at least 1.
func (c *XenditClient) CreateInvoice(ctx context.Context, externalID string, amount decimal.Decimal, description string) (Invoice, error) {
	units := amount.Round(0).IntPart()
	if units < 1 {
		units = 1
	}
	payload := map[string]any{
		"external_id":          externalID,
		"amount":               units,
		"description":          description,
		"success_redirect_url": c.SuccessURL,
		"failure_redirect_url": c.FailureURL,
	}
	b, _ := json.Marshal(payload)

	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultXenditBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v2/invoices", bytes.NewReader(b))
	if err != nil {
		return Invoice{}, fmt.Errorf("build invoice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.SecretKey, "")

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return Invoice{}, fmt.Errorf("xendit invoice request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Invoice{}, fmt.Errorf("xendit invoice API status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var inv Invoice
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return Invoice{}, fmt.Errorf("decode xendit invoice: %w", err)
	}
	if inv.URL == "" {
		return Invoice{}, fmt.Errorf("xendit invoice %q has no invoice_url", inv.ID)
	}
	return inv, nil
}
