package outcome

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
)

// ErrAttemptNotFound is returned by stores for unknown attempt ids.
var ErrAttemptNotFound = errors.New("donation attempt not found")

// AttemptStatus is the client-facing progress of an attempt.
type AttemptStatus string

const (
	AttemptOpening       AttemptStatus = "opening"
	AttemptAwaiting      AttemptStatus = "awaiting"
	AttemptPopupBlocked  AttemptStatus = "popup_blocked"
	AttemptFailedToStart AttemptStatus = "failed_to_start"
	AttemptResolved      AttemptStatus = "resolved"
)

// AttemptView is what the donation client polls for.
type AttemptView struct {
	AttemptID  string                    `json:"attempt_id"`
	CampaignID string                    `json:"campaign_id"`
	Status     AttemptStatus             `json:"status"`
	SessionID  string                    `json:"session_id,omitempty"`
	PaymentURL string                    `json:"payment_url,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Outcome    *checkout.TerminalOutcome `json:"outcome,omitempty"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// AttemptStore keeps the latest view of each attempt.
type AttemptStore interface {
	Put(ctx context.Context, view AttemptView) error
	Get(ctx context.Context, attemptID string) (AttemptView, error)
}

// MemoryStore is a process-local AttemptStore. Views expire after ttl.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	views map[string]AttemptView
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, views: make(map[string]AttemptView)}
}

func (s *MemoryStore) Put(_ context.Context, view AttemptView) error {
	if view.UpdatedAt.IsZero() {
		view.UpdatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// a resolved attempt is never overwritten by a late progress update
	if prev, ok := s.views[view.AttemptID]; ok && prev.Status == AttemptResolved && view.Status != AttemptResolved {
		return nil
	}
	s.views[view.AttemptID] = view
	if s.ttl > 0 {
		for id, v := range s.views {
			if s.now().Sub(v.UpdatedAt) > s.ttl {
				delete(s.views, id)
			}
		}
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, attemptID string) (AttemptView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[attemptID]
	if !ok || (s.ttl > 0 && s.now().Sub(v.UpdatedAt) > s.ttl) {
		return AttemptView{}, ErrAttemptNotFound
	}
	return v, nil
}

// ResolvedView builds the view stored once an outcome is delivered.
func ResolvedView(o checkout.TerminalOutcome) AttemptView {
	return AttemptView{
		AttemptID:  o.AttemptID,
		CampaignID: o.CampaignID,
		Status:     AttemptResolved,
		SessionID:  o.SessionID,
		Outcome:    &o,
		UpdatedAt:  o.ResolvedAt,
	}
}
