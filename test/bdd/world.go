package bdd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/shopspring/decimal"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/api"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/outcome"
	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/relay"
)

const (
	appOrigin          = "https://app.example"
	statusPollInterval = 30 * time.Millisecond
	waitTimeout        = 3 * time.Second
)

// CheckoutWorld runs the donation API, relay and coordinator in process. The
// scenario steps play the browser against the API; the session service is
// scripted.
type CheckoutWorld struct {
	t *testing.T

	sessions *scriptedSessions
	sink     *countingSink
	hub      *relay.Hub
	coord    *checkout.Coordinator
	server   *httptest.Server

	attemptID string
	lastView  map[string]any
}

func NewCheckoutWorld(t *testing.T) *CheckoutWorld {
	return &CheckoutWorld{t: t}
}

func (w *CheckoutWorld) Register(sc *godog.ScenarioContext) {
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		w.start()
		return ctx, nil
	})
	sc.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
		w.stop()
		return ctx, nil
	})

	w.registerCoordinatorSteps(sc)
}

func (w *CheckoutWorld) start() {
	logger := log.New(io.Discard, "", 0)
	if os.Getenv("BDD_DEBUG") != "" {
		logger = log.New(os.Stderr, "[bdd] ", log.Lmicroseconds)
	}

	w.sessions = &scriptedSessions{status: checkout.SessionPending}
	w.sink = &countingSink{}
	w.hub = relay.NewHub(logger)
	windows := relay.NewWindows(2*time.Second, time.Minute, logger)
	store := outcome.NewMemoryStore(time.Hour)

	cfg := checkout.DefaultConfig()
	cfg.PopupPollInterval = 10 * time.Millisecond
	cfg.StatusPollInterval = statusPollInterval
	cfg.Ceiling = 10 * time.Second
	cfg.AllowedOrigins = []string{appOrigin}

	w.coord = checkout.New(cfg, w.sessions, windows, w.hub, outcome.NewFanOut(logger, outcome.StoreSink{Store: store}, w.sink), logger)
	w.server = httptest.NewServer(api.NewHandler(api.Deps{
		Coordinator: w.coord,
		Attempts:    store,
		Windows:     windows,
		Hub:         w.hub,
		Logger:      logger,
	}))
	w.attemptID = ""
	w.lastView = nil
}

func (w *CheckoutWorld) stop() {
	if w.coord != nil {
		w.coord.Shutdown()
	}
	if w.server != nil {
		w.server.Close()
	}
}

func (w *CheckoutWorld) debugf(format string, args ...any) {
	if os.Getenv("BDD_DEBUG") != "" {
		w.t.Logf(format, args...)
	}
}

func (w *CheckoutWorld) call(method, path, origin string, in any) (int, map[string]any, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, w.server.URL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	w.debugf("%s %s -> %d %v", method, path, resp.StatusCode, out)
	return resp.StatusCode, out, nil
}

// eventually retries cond until it holds or waitTimeout passes.
func eventually(what string, cond func() (bool, error)) error {
	deadline := time.Now().Add(waitTimeout)
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// scriptedSessions is a session service whose status answers are set by the
// scenario.
type scriptedSessions struct {
	mu       sync.Mutex
	session  checkout.PaymentSession
	status   checkout.SessionStatus
	fromPoll int
	later    checkout.SessionStatus
	polls    int
}

func (s *scriptedSessions) CreateSession(_ context.Context, _ string, _ decimal.Decimal, _ checkout.Donor) (checkout.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, nil
}

func (s *scriptedSessions) GetSessionStatus(_ context.Context, _ string) (checkout.StatusReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	status := s.status
	if s.fromPoll > 0 && s.polls >= s.fromPoll {
		status = s.later
	}
	report := checkout.StatusReport{Status: status}
	if status == checkout.SessionCompleted {
		report.DonationID = s.session.DonationID
	}
	return report, nil
}

func (s *scriptedSessions) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

type countingSink struct {
	mu       sync.Mutex
	outcomes []checkout.TerminalOutcome
}

func (s *countingSink) Deliver(_ context.Context, o checkout.TerminalOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *countingSink) Outcomes() []checkout.TerminalOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]checkout.TerminalOutcome(nil), s.outcomes...)
}
