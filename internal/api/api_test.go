package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/events"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/outcome"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/relay"
)

type fakeCoordinator struct {
	mu        sync.Mutex
	result    checkout.OpenResult
	err       error
	begun     []checkout.DonationAttempt
	abandoned []string
}

func (f *fakeCoordinator) Begin(_ context.Context, attempt checkout.DonationAttempt) (checkout.OpenResult, *checkout.Arbiter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun = append(f.begun, attempt)
	return f.result, nil, f.err
}

func (f *fakeCoordinator) Abandon(attemptID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, attemptID)
	return attemptID == "known"
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	keys   []string
	events []events.Envelope
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, evt events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	p.events = append(p.events, evt)
	return nil
}

type harness struct {
	srv     *httptest.Server
	coord   *fakeCoordinator
	store   *outcome.MemoryStore
	windows *relay.Windows
	hub     *relay.Hub
	pub     *fakePublisher
}

func newHarness(t *testing.T, origins ...string) *harness {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	h := &harness{
		coord:   &fakeCoordinator{},
		store:   outcome.NewMemoryStore(time.Hour),
		windows: relay.NewWindows(5*time.Second, time.Minute, logger),
		hub:     relay.NewHub(logger),
		pub:     &fakePublisher{},
	}
	h.srv = httptest.NewServer(NewHandler(Deps{
		Coordinator:    h.coord,
		Attempts:       h.store,
		Windows:        h.windows,
		Hub:            h.hub,
		Publisher:      h.pub,
		CallbackToken:  "cb-token",
		AllowedOrigins: origins,
		Logger:         logger,
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (h *harness) waitStatus(t *testing.T, attemptID string, want outcome.AttemptStatus) map[string]any {
	t.Helper()
	var body map[string]any
	require.Eventually(t, func() bool {
		_, body = h.do(t, http.MethodGet, "/api/donations/"+attemptID, "")
		return body["status"] == string(want)
	}, 2*time.Second, 10*time.Millisecond)
	return body
}

const attemptID = "6f1c1a3e-2d7b-4d55-9a53-3f1a0f4c2b11"

func TestStartDonation_AwaitingOutcome(t *testing.T) {
	h := newHarness(t)
	h.coord.result = checkout.OpenResult{Opened: true, Session: checkout.PaymentSession{SessionID: "ses_1", PaymentURL: "https://pay.example/ses_1"}}

	resp, body := h.do(t, http.MethodPost, "/api/donations",
		`{"attempt_id":"`+attemptID+`","campaign_id":"camp-1","amount":"25.50","donor":{"name":"Ada","message":"keep going"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, attemptID, body["attempt_id"])
	assert.Equal(t, "opening", body["status"])

	view := h.waitStatus(t, attemptID, outcome.AttemptAwaiting)
	assert.Equal(t, "https://pay.example/ses_1", view["payment_url"])
	assert.Equal(t, "ses_1", view["session_id"])

	h.coord.mu.Lock()
	defer h.coord.mu.Unlock()
	require.Len(t, h.coord.begun, 1)
	assert.Equal(t, "25.5", h.coord.begun[0].Amount.String())
	assert.Equal(t, "keep going", h.coord.begun[0].Donor.Message)
}

func TestStartDonation_PopupBlockedAndFailures(t *testing.T) {
	h := newHarness(t)
	h.coord.result = checkout.OpenResult{Session: checkout.PaymentSession{SessionID: "ses_2", PaymentURL: "https://pay.example/ses_2"}, Reason: checkout.ErrPopupBlocked}

	resp, body := h.do(t, http.MethodPost, "/api/donations", `{"campaign_id":"camp-1","amount":10}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["attempt_id"].(string)
	view := h.waitStatus(t, id, outcome.AttemptPopupBlocked)
	assert.Equal(t, "https://pay.example/ses_2", view["payment_url"], "fallback link")

	h.coord.mu.Lock()
	h.coord.result = checkout.OpenResult{}
	h.coord.err = errors.New("payment session creation failed: campaign not found")
	h.coord.mu.Unlock()
	_, body = h.do(t, http.MethodPost, "/api/donations", `{"campaign_id":"camp-x","amount":10}`)
	view = h.waitStatus(t, body["attempt_id"].(string), outcome.AttemptFailedToStart)
	assert.Contains(t, view["error"], "campaign not found")
}

func TestStartDonation_Rejections(t *testing.T) {
	h := newHarness(t)
	cases := map[string]string{
		"malformed":      `{"campaign_id":`,
		"zero amount":    `{"campaign_id":"camp-1","amount":0}`,
		"no campaign":    `{"amount":5}`,
		"bad attempt id": `{"attempt_id":"abc","campaign_id":"camp-1","amount":5}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, _ := h.do(t, http.MethodPost, "/api/donations", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	require.NoError(t, h.store.Put(context.Background(), outcome.AttemptView{AttemptID: attemptID, Status: outcome.AttemptAwaiting}))
	resp, _ := h.do(t, http.MethodPost, "/api/donations", `{"attempt_id":"`+attemptID+`","campaign_id":"camp-1","amount":5}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/api/donations/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetDonation_ExposesPendingWindow(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Put(context.Background(), outcome.AttemptView{AttemptID: attemptID, Status: outcome.AttemptOpening}))

	opened := make(chan checkout.PopupHandle, 1)
	go func() {
		popup, _ := h.windows.Open(context.Background(), attemptID, "https://pay.example/ses_3", "popup=yes")
		opened <- popup
	}()

	var body map[string]any
	require.Eventually(t, func() bool {
		_, body = h.do(t, http.MethodGet, "/api/donations/"+attemptID, "")
		return body["open_window"] != nil
	}, time.Second, 5*time.Millisecond)
	win := body["open_window"].(map[string]any)
	assert.Equal(t, "https://pay.example/ses_3", win["url"])
	assert.Equal(t, "popup=yes", win["features"])

	resp, _ := h.do(t, http.MethodPost, "/api/relay/windows/"+attemptID+"/opened", `{"opened":true}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	popup := <-opened
	require.NotNil(t, popup)

	resp, body = h.do(t, http.MethodPost, "/api/relay/windows/"+attemptID+"/heartbeat", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["close"])

	require.NoError(t, popup.Close())
	_, body = h.do(t, http.MethodPost, "/api/relay/windows/"+attemptID+"/heartbeat", "")
	assert.Equal(t, true, body["close"], "force-close is relayed to the client")

	resp, _ = h.do(t, http.MethodPost, "/api/relay/windows/"+attemptID+"/opened", `{"opened":true}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/relay/windows/"+attemptID+"/closed", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/api/relay/windows/"+attemptID+"/heartbeat", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRelayMessage_PublishesWithOrigin(t *testing.T) {
	h := newHarness(t)
	got := make(chan checkout.Message, 1)
	unsubscribe := h.hub.Scope(attemptID).Subscribe(func(m checkout.Message) { got <- m })
	defer unsubscribe()

	resp, body := h.do(t, http.MethodPost, "/api/relay/messages",
		`{"attempt_id":"`+attemptID+`","data":{"type":"DONATION_COMPLETED","donationId":"don_1"}}`,
		"Origin", "https://donate.example")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(1), body["delivered"])

	msg := <-got
	assert.Equal(t, "https://donate.example", msg.Origin)
	assert.JSONEq(t, `{"type":"DONATION_COMPLETED","donationId":"don_1"}`, string(msg.Data))

	resp, _ = h.do(t, http.MethodPost, "/api/relay/messages", `{"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestXenditWebhook(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/api/webhooks/xendit", `{"external_id":"ses_1","status":"PAID"}`, "x-callback-token", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/api/webhooks/xendit", `{"id":"inv_1","external_id":"ses_1","status":"PAID","amount":25000,"paid_amount":25000}`, "x-callback-token", "cb-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "received", body["status"])

	resp, body = h.do(t, http.MethodPost, "/api/webhooks/xendit", `{"external_id":"ses_1","status":"PENDING"}`, "x-callback-token", "cb-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ignored", body["status"])

	h.pub.mu.Lock()
	require.Len(t, h.pub.events, 1)
	assert.Equal(t, events.TopicPayments, h.pub.topics[0])
	assert.Equal(t, "ses_1", h.pub.keys[0])
	evt := h.pub.events[0]
	h.pub.mu.Unlock()
	assert.Equal(t, events.PaymentCompleted, evt.EventType)
	var data events.PaymentData
	require.NoError(t, json.Unmarshal(evt.Data, &data))
	assert.Equal(t, "inv_1", data.InvoiceID)
	assert.Equal(t, "25000", data.Amount.String())

	h.pub.err = errors.New("broker down")
	resp, _ = h.do(t, http.MethodPost, "/api/webhooks/xendit", `{"external_id":"ses_1","status":"EXPIRED"}`, "x-callback-token", "cb-token")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestAbandonAndCORS(t *testing.T) {
	h := newHarness(t, "https://donate.example")

	resp, _ := h.do(t, http.MethodDelete, "/api/donations/known", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = h.do(t, http.MethodDelete, "/api/donations/other", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodOptions, "/api/donations", "", "Origin", "https://donate.example")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://donate.example", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, body := h.do(t, http.MethodGet, "/healthz", "", "Origin", "https://evil.example")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
