package checkout

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	DefaultStatusPollInterval = 10 * time.Second
	DefaultStatusPollAttempts = 30
)

// Poller asks the session service for the authoritative status on a fixed
// interval until it sees a terminal status or runs out of attempts.
type Poller struct {
	Sessions    SessionService
	SessionID   string
	Interval    time.Duration
	MaxAttempts int
	Logger      *log.Logger

	mu     sync.Mutex
	latest StatusReport
	polls  int
}

// Run polls until a terminal status, budget exhaustion, or ctx cancellation.
// Transport errors count as pending.
func (p *Poller) Run(ctx context.Context, emit func(OutcomeSignal)) {
	logger := loggerOrDefault(p.Logger)
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultStatusPollInterval
	}
	budget := p.MaxAttempts
	if budget <= 0 {
		budget = DefaultStatusPollAttempts
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= budget; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		report, err := p.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Printf("[Poller %s] poll %d/%d error (treated as pending): %v", p.SessionID, attempt, budget, err)
			continue
		}
		if !report.Status.Terminal() {
			continue
		}

		logger.Printf("[Poller %s] poll %d/%d observed %s", p.SessionID, attempt, budget, report.Status)
		emit(OutcomeSignal{Source: SourcePoll, Kind: kindFromStatus(report.Status), DonationID: report.DonationID})
		return
	}

	logger.Printf("[Poller %s] attempt budget of %d exhausted", p.SessionID, budget)
	emit(OutcomeSignal{Source: SourceTimeout, Kind: KindUnknown})
}

// Check performs one authoritative status query. If the query fails or the
// session is still pending, the latest status seen by Run decides; the result
// is KindUnknown when nothing terminal is known.
func (p *Poller) Check(ctx context.Context) OutcomeSignal {
	report, err := p.fetch(ctx)
	if err != nil || !report.Status.Terminal() {
		if err != nil {
			loggerOrDefault(p.Logger).Printf("[Poller %s] re-check error: %v", p.SessionID, err)
		}
		report = p.Latest()
	}
	return OutcomeSignal{Source: SourceRecheck, Kind: kindFromStatus(report.Status), DonationID: report.DonationID}
}

// Latest returns the most recent successful status response.
func (p *Poller) Latest() StatusReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Polls returns how many status queries have been issued, re-checks included.
func (p *Poller) Polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls
}

func (p *Poller) fetch(ctx context.Context) (StatusReport, error) {
	p.mu.Lock()
	p.polls++
	p.mu.Unlock()

	report, err := p.Sessions.GetSessionStatus(ctx, p.SessionID)
	if err != nil {
		return StatusReport{}, err
	}

	p.mu.Lock()
	if !p.latest.Status.Terminal() {
		p.latest = report
	}
	p.mu.Unlock()
	return report, nil
}
