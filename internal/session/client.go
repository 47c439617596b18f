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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
)

// Client calls the session object through the Restate HTTP ingress and
// implements checkout.SessionService.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// NewSessionID mints the object key for new sessions.
	NewSessionID func() string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		NewSessionID: func() string { return "ses_" + uuid.NewString() },
	}
}

var _ checkout.SessionService = (*Client)(nil)

// CreateSession maps ingress failures onto the checkout sentinels: 400 is
// ErrInvalidRequest, 404 is ErrNotFound, anything else ErrServiceUnavailable.
func (c *Client) CreateSession(ctx context.Context, campaignID string, amount decimal.Decimal, donor checkout.Donor) (checkout.PaymentSession, error) {
	id := c.NewSessionID()
	var resp SessionResponse
	status, msg, err := c.call(ctx, id, "CreateSession", CreateSessionRequest{CampaignID: campaignID, Amount: amount, Donor: donor}, &resp)
	if err != nil {
		return checkout.PaymentSession{}, fmt.Errorf("%w: %w", checkout.ErrServiceUnavailable, err)
	}
	switch {
	case status == http.StatusBadRequest:
		return checkout.PaymentSession{}, fmt.Errorf("%w: %s", checkout.ErrInvalidRequest, msg)
	case status == http.StatusNotFound:
		return checkout.PaymentSession{}, fmt.Errorf("%w: %s", checkout.ErrNotFound, campaignID)
	case status < 200 || status >= 300:
		return checkout.PaymentSession{}, fmt.Errorf("%w: ingress status %d", checkout.ErrServiceUnavailable, status)
	}
	return checkout.PaymentSession{
		SessionID:  resp.SessionID,
		PaymentURL: resp.PaymentURL,
		DonationID: resp.DonationID,
		Status:     resp.Status,
	}, nil
}

// GetSessionStatus wraps every failure in ErrTransport.
func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (checkout.StatusReport, error) {
	var resp SessionResponse
	status, _, err := c.call(ctx, sessionID, "GetStatus", nil, &resp)
	if err != nil {
		return checkout.StatusReport{}, fmt.Errorf("%w: %w", checkout.ErrTransport, err)
	}
	if status < 200 || status >= 300 {
		return checkout.StatusReport{}, fmt.Errorf("%w: ingress status %d", checkout.ErrTransport, status)
	}
	return checkout.StatusReport{Status: checkout.ParseSessionStatus(string(resp.Status)), DonationID: resp.DonationID}, nil
}

// MarkStatus forwards a processor status to the session object.
func (c *Client) MarkStatus(ctx context.Context, sessionID string, req MarkStatusRequest) (MarkStatusResponse, error) {
	var resp MarkStatusResponse
	status, msg, err := c.call(ctx, sessionID, "MarkStatus", req, &resp)
	if err != nil {
		return MarkStatusResponse{}, err
	}
	if status == http.StatusNotFound {
		return MarkStatusResponse{}, fmt.Errorf("%w: session %s", checkout.ErrNotFound, sessionID)
	}
	if status < 200 || status >= 300 {
		return MarkStatusResponse{}, fmt.Errorf("mark status: ingress status %d: %s", status, msg)
	}
	return resp, nil
}

// call invokes handler on the object keyed by key. Non-2xx responses are not
// errors; their status and ingress error message are returned instead.
func (c *Client) call(ctx context.Context, key, handler string, in, out any) (int, string, error) {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, "", fmt.Errorf("marshal %s request: %w", handler, err)
		}
		body = bytes.NewReader(b)
	}
	url := fmt.Sprintf("%s/%s/%s/%s", c.BaseURL, ServiceName, key, handler)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if handler == "CreateSession" {
		req.Header.Set("idempotency-key", key)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read %s response: %w", handler, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &e)
		return resp.StatusCode, e.Message, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, "", fmt.Errorf("decode %s response: %w", handler, err)
	}
	return resp.StatusCode, "", nil
}
