package bdd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cucumber/godog"
	"github.com/shopspring/decimal"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
)

func (w *CheckoutWorld) registerCoordinatorSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the session service creates session "([^"]+)" with payment URL "([^"]+)" and donation "([^"]+)"$`, w.sessionServiceCreates)
	sc.Step(`^the session status stays "([^"]+)"$`, w.sessionStatusStays)
	sc.Step(`^the session status is "([^"]+)" from poll (\d+)$`, w.sessionStatusFromPoll)
	sc.Step(`^the session status becomes "([^"]+)"$`, w.sessionStatusStays)
	sc.Step(`^a donor starts a donation of "([^"]+)" to campaign "([^"]+)"$`, w.donorStartsDonation)
	sc.Step(`^the browser opens the payment popup$`, w.browserOpensPopup)
	sc.Step(`^the browser blocks the payment popup$`, w.browserBlocksPopup)
	sc.Step(`^the payment window posts (\{.*\}) from the app origin$`, func(data string) error {
		return w.paymentWindowPosts(data, appOrigin)
	})
	sc.Step(`^the payment window posts (\{.*\}) from "([^"]+)"$`, w.paymentWindowPosts)
	sc.Step(`^the donor closes the popup$`, w.donorClosesPopup)
	sc.Step(`^the attempt resolves as "([^"]+)"$`, w.attemptResolvesAs)
	sc.Step(`^the attempt status is "([^"]+)"$`, w.attemptStatusIs)
	sc.Step(`^the fallback payment URL is "([^"]+)"$`, w.fallbackURLIs)
	sc.Step(`^the result sink received exactly one outcome$`, w.sinkReceivedExactlyOne)
	sc.Step(`^no outcome was delivered$`, w.noOutcomeDelivered)
	sc.Step(`^the outcome carries donation "([^"]+)" and amount "([^"]+)"$`, w.outcomeCarries)
	sc.Step(`^the popup was force-closed$`, w.popupWasForceClosed)
	sc.Step(`^no further status polls happen$`, w.noFurtherPolls)
}

func (w *CheckoutWorld) sessionServiceCreates(sessionID, url, donationID string) error {
	w.sessions.mu.Lock()
	defer w.sessions.mu.Unlock()
	w.sessions.session = checkout.PaymentSession{SessionID: sessionID, PaymentURL: url, DonationID: donationID, Status: checkout.SessionPending}
	return nil
}

func (w *CheckoutWorld) sessionStatusStays(status string) error {
	w.sessions.mu.Lock()
	defer w.sessions.mu.Unlock()
	w.sessions.status = checkout.ParseSessionStatus(status)
	return nil
}

func (w *CheckoutWorld) sessionStatusFromPoll(status string, poll int) error {
	w.sessions.mu.Lock()
	defer w.sessions.mu.Unlock()
	w.sessions.status = checkout.SessionPending
	w.sessions.fromPoll = poll
	w.sessions.later = checkout.ParseSessionStatus(status)
	return nil
}

func (w *CheckoutWorld) donorStartsDonation(amount, campaignID string) error {
	code, body, err := w.call(http.MethodPost, "/api/donations", "", map[string]any{
		"campaign_id": campaignID,
		"amount":      amount,
		"donor":       map[string]any{"name": "Ada"},
	})
	if err != nil {
		return err
	}
	if code != http.StatusAccepted {
		return fmt.Errorf("start donation: status %d %v", code, body)
	}
	w.attemptID, _ = body["attempt_id"].(string)
	return nil
}

func (w *CheckoutWorld) reportWindow(opened bool) error {
	err := eventually("the payment window request", func() (bool, error) {
		_, view, err := w.call(http.MethodGet, "/api/donations/"+w.attemptID, "", nil)
		return view["open_window"] != nil, err
	})
	if err != nil {
		return err
	}
	code, body, err := w.call(http.MethodPost, "/api/relay/windows/"+w.attemptID+"/opened", appOrigin, map[string]bool{"opened": opened})
	if err != nil {
		return err
	}
	if code != http.StatusNoContent {
		return fmt.Errorf("report window: status %d %v", code, body)
	}
	return nil
}

func (w *CheckoutWorld) browserOpensPopup() error {
	if err := w.reportWindow(true); err != nil {
		return err
	}
	// the listener subscribes once the attempt is awaiting its outcome
	return eventually("the message listener", func() (bool, error) {
		return w.hub.Subscribers() > 0 || len(w.sink.Outcomes()) > 0, nil
	})
}

func (w *CheckoutWorld) browserBlocksPopup() error {
	return w.reportWindow(false)
}

func (w *CheckoutWorld) paymentWindowPosts(data, origin string) error {
	if !json.Valid([]byte(data)) {
		return fmt.Errorf("message is not JSON: %s", data)
	}
	code, body, err := w.call(http.MethodPost, "/api/relay/messages", origin, map[string]any{
		"attempt_id": w.attemptID,
		"data":       json.RawMessage(data),
	})
	if err != nil {
		return err
	}
	if code != http.StatusAccepted {
		return fmt.Errorf("relay message: status %d %v", code, body)
	}
	return nil
}

func (w *CheckoutWorld) donorClosesPopup() error {
	code, body, err := w.call(http.MethodPost, "/api/relay/windows/"+w.attemptID+"/closed", appOrigin, nil)
	if err != nil {
		return err
	}
	if code != http.StatusNoContent {
		return fmt.Errorf("report closed: status %d %v", code, body)
	}
	return nil
}

func (w *CheckoutWorld) waitForStatus(status string) error {
	return eventually("attempt status "+status, func() (bool, error) {
		_, view, err := w.call(http.MethodGet, "/api/donations/"+w.attemptID, "", nil)
		w.lastView = view
		return view["status"] == status, err
	})
}

func (w *CheckoutWorld) attemptResolvesAs(status string) error {
	if err := w.waitForStatus("resolved"); err != nil {
		return err
	}
	got, _ := w.lastView["outcome"].(map[string]any)
	if got["status"] != status {
		return fmt.Errorf("expected outcome %s, got %v", status, got["status"])
	}
	return nil
}

func (w *CheckoutWorld) attemptStatusIs(status string) error {
	return w.waitForStatus(status)
}

func (w *CheckoutWorld) fallbackURLIs(url string) error {
	if got := w.lastView["payment_url"]; got != url {
		return fmt.Errorf("expected fallback URL %s, got %v", url, got)
	}
	return nil
}

func (w *CheckoutWorld) sinkReceivedExactlyOne() error {
	// give a racing second delivery the chance to show up
	time.Sleep(5 * statusPollInterval)
	if n := len(w.sink.Outcomes()); n != 1 {
		return fmt.Errorf("expected exactly one delivered outcome, got %d", n)
	}
	return nil
}

func (w *CheckoutWorld) noOutcomeDelivered() error {
	time.Sleep(5 * statusPollInterval)
	if n := len(w.sink.Outcomes()); n != 0 {
		return fmt.Errorf("expected no delivered outcome, got %d", n)
	}
	return nil
}

func (w *CheckoutWorld) outcomeCarries(donationID, amount string) error {
	outcomes := w.sink.Outcomes()
	if len(outcomes) == 0 {
		return fmt.Errorf("no outcome delivered")
	}
	o := outcomes[0]
	if o.DonationID != donationID {
		return fmt.Errorf("expected donation %s, got %s", donationID, o.DonationID)
	}
	if !o.Amount.Equal(decimal.RequireFromString(amount)) {
		return fmt.Errorf("expected amount %s, got %s", amount, o.Amount)
	}
	return nil
}

func (w *CheckoutWorld) popupWasForceClosed() error {
	code, body, err := w.call(http.MethodPost, "/api/relay/windows/"+w.attemptID+"/heartbeat", appOrigin, nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK || body["close"] != true {
		return fmt.Errorf("expected the heartbeat to request a close, got %d %v", code, body)
	}
	return nil
}

func (w *CheckoutWorld) noFurtherPolls() error {
	before := w.sessions.Polls()
	time.Sleep(5 * statusPollInterval)
	if after := w.sessions.Polls(); after != before {
		return fmt.Errorf("status was polled %d more times after resolution", after-before)
	}
	return nil
}
