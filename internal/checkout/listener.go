package checkout

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"strings"
	"sync"
)

// OriginAllowList holds the exact origins cross-window messages may come from.
type OriginAllowList struct {
	origins map[string]struct{}
}

// NewOriginAllowList normalises and stores the given origins. Empty entries are skipped.
func NewOriginAllowList(origins ...string) OriginAllowList {
	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if n := normalizeOrigin(o); n != "" {
			set[n] = struct{}{}
		}
	}
	return OriginAllowList{origins: set}
}

// Allowed reports whether origin is on the list.
func (l OriginAllowList) Allowed(origin string) bool {
	n := normalizeOrigin(origin)
	if n == "" {
		return false
	}
	_, ok := l.origins[n]
	return ok
}

// Len returns the number of distinct origins.
func (l OriginAllowList) Len() int { return len(l.origins) }

// normalizeOrigin reduces an origin or URL to scheme://host[:port] with default ports stripped.
func normalizeOrigin(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		return scheme + "://" + host + ":" + port
	}
	return scheme + "://" + host
}

// Listener turns cross-window messages into outcome signals.
type Listener struct {
	Channel MessageChannel
	Origins OriginAllowList
	Logger  *log.Logger

	mu      sync.RWMutex
	stopped bool
}

// Run subscribes for the lifetime of ctx and unsubscribes exactly once when it ends.
// Callbacks still running when ctx ends finish before Run returns.
func (l *Listener) Run(ctx context.Context, emit func(OutcomeSignal)) {
	logger := loggerOrDefault(l.Logger)
	unsubscribe := l.Channel.Subscribe(func(msg Message) {
		l.mu.RLock()
		defer l.mu.RUnlock()
		if l.stopped {
			return
		}
		if !l.Origins.Allowed(msg.Origin) {
			logger.Printf("[Listener] dropped message from origin %q", msg.Origin)
			return
		}
		sig, ok := ClassifyMessage(msg.Data)
		if !ok {
			logger.Printf("[Listener] ignored unrecognized payload from %s", msg.Origin)
			return
		}
		emit(sig)
	})

	<-ctx.Done()

	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	unsubscribe()
}

// ClassifyMessage maps a payment-window payload onto a signal. Recognised shapes:
// {"status": "..."} and {"type": "payment_success" | "payment_failed" | "payment_cancelled"}.
func ClassifyMessage(data []byte) (OutcomeSignal, bool) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil || payload == nil {
		return OutcomeSignal{}, false
	}

	var kind Kind
	if status, ok := payload["status"].(string); ok {
		kind = kindFromMessageStatus(status)
	}
	if kind == "" {
		if typ, ok := payload["type"].(string); ok {
			kind = kindFromMessageType(typ)
		}
	}
	if kind == "" {
		return OutcomeSignal{}, false
	}

	sig := OutcomeSignal{Source: SourceMessage, Kind: kind, Payload: payload}
	for _, key := range []string{"donationId", "donation_id"} {
		if v, ok := payload[key].(string); ok && v != "" {
			sig.DonationID = v
			break
		}
	}
	return sig, true
}

func kindFromMessageStatus(status string) Kind {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "success", "paid", "succeeded":
		return KindCompleted
	case "failed", "failure", "error":
		return KindFailed
	case "cancelled", "canceled":
		return KindCancelled
	}
	return ""
}

func kindFromMessageType(typ string) Kind {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "payment_success", "payment_completed":
		return KindCompleted
	case "payment_failed", "payment_failure":
		return KindFailed
	case "payment_cancelled", "payment_canceled":
		return KindCancelled
	}
	return ""
}
