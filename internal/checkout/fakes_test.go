package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

const (
	appOrigin  = "https://donate.example.org"
	prodOrigin = "https://www.givehub.example"
)

var quietLogger = log.New(io.Discard, "", 0)

type fakeSessions struct {
	createFn func(campaignID string, amount decimal.Decimal, donor Donor) (PaymentSession, error)
	statusFn func(call int) (StatusReport, error)

	statusCalls atomic.Int32
}

func (f *fakeSessions) CreateSession(_ context.Context, campaignID string, amount decimal.Decimal, donor Donor) (PaymentSession, error) {
	if f.createFn == nil {
		return PaymentSession{SessionID: "s1", PaymentURL: "https://pay/x", DonationID: "d1", Status: SessionPending}, nil
	}
	return f.createFn(campaignID, amount, donor)
}

func (f *fakeSessions) GetSessionStatus(_ context.Context, _ string) (StatusReport, error) {
	call := int(f.statusCalls.Add(1))
	if f.statusFn == nil {
		return StatusReport{Status: SessionPending}, nil
	}
	return f.statusFn(call)
}

type fakePopup struct {
	closed     atomic.Bool
	probes     atomic.Int32
	closeCalls atomic.Int32
	broken     atomic.Bool
}

func (p *fakePopup) Closed() (bool, error) {
	p.probes.Add(1)
	if p.broken.Load() {
		return false, errors.New("permission denied to access property 'closed'")
	}
	return p.closed.Load(), nil
}

func (p *fakePopup) Close() error {
	p.closeCalls.Add(1)
	p.closed.Store(true)
	return nil
}

type fakeWindows struct {
	popup *fakePopup
	err   error
}

func (w *fakeWindows) Open(context.Context, string, string, string) (PopupHandle, error) {
	if w.err != nil {
		return nil, w.err
	}
	if w.popup == nil {
		return nil, nil
	}
	return w.popup, nil
}

type fakeChannel struct {
	mu          sync.Mutex
	next        int
	subscribers map[int]func(Message)
	unsubCalls  atomic.Int32
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subscribers: make(map[int]func(Message))}
}

func (c *fakeChannel) Subscribe(fn func(Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.subscribers[id] = fn
	return func() {
		c.unsubCalls.Add(1)
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

func (c *fakeChannel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

func (c *fakeChannel) post(origin string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	c.mu.Lock()
	subs := make([]func(Message), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn(Message{Origin: origin, Data: data})
	}
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes []TerminalOutcome
}

func (s *recordingSink) Deliver(_ context.Context, outcome TerminalOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

func (s *recordingSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

func (s *recordingSink) First() TerminalOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outcomes) == 0 {
		return TerminalOutcome{}
	}
	return s.outcomes[0]
}

func testAttempt(amount string) DonationAttempt {
	return NewAttempt("camp-1", decimal.RequireFromString(amount), Donor{Name: "Ada"})
}
