package relay

import (
	"log"
	"sync"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
)

// Hub fans relayed cross-window messages out to subscribers. Messages are
// published for one attempt; subscribers either see every message or only
// the ones for the attempt they were scoped to.
type Hub struct {
	logger *log.Logger

	mu   sync.RWMutex
	next uint64
	subs map[uint64]subscription
}

type subscription struct {
	attemptID string
	fn        func(checkout.Message)
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{logger: logger, subs: make(map[uint64]subscription)}
}

// Subscribe registers fn for every published message.
func (h *Hub) Subscribe(fn func(checkout.Message)) func() {
	return h.subscribe("", fn)
}

// Scope returns a MessageChannel that only sees messages published for attemptID.
func (h *Hub) Scope(attemptID string) checkout.MessageChannel {
	return scoped{hub: h, attemptID: attemptID}
}

// Publish delivers msg to matching subscribers and waits for their callbacks.
// It returns the number of subscribers reached.
func (h *Hub) Publish(attemptID string, msg checkout.Message) int {
	h.mu.RLock()
	targets := make([]func(checkout.Message), 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.attemptID == "" || sub.attemptID == attemptID {
			targets = append(targets, sub.fn)
		}
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, fn := range targets {
		wg.Add(1)
		go func(fn func(checkout.Message)) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					h.logger.Printf("[Relay] subscriber panic: %v", r)
				}
			}()
			fn(msg)
		}(fn)
	}
	wg.Wait()
	return len(targets)
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) subscribe(attemptID string, fn func(checkout.Message)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = subscription{attemptID: attemptID, fn: fn}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

type scoped struct {
	hub       *Hub
	attemptID string
}

func (s scoped) Subscribe(fn func(checkout.Message)) func() {
	return s.hub.subscribe(s.attemptID, fn)
}
