package checkout

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultCeiling bounds how long an attempt may wait for any terminal signal.
const DefaultCeiling = 15 * time.Minute

// State is the Arbiter lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingOutcome
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingOutcome:
		return "awaiting_outcome"
	case StateResolved:
		return "resolved"
	}
	return "unknown"
}

// observer is a signal producer run by the Arbiter under its context.
type observer func(ctx context.Context, emit func(OutcomeSignal))

// Arbiter merges observer signals for one attempt, delivers exactly one
// TerminalOutcome to the sink, and tears every observer down on the way out.
type Arbiter struct {
	attempt   DonationAttempt
	session   PaymentSession
	popup     PopupHandle
	sink      ResultSink
	watchdog  *Watchdog
	listener  *Listener
	poller    *Poller
	ceiling   time.Duration
	ambiguous OutcomeStatus
	logger    *log.Logger

	signals chan OutcomeSignal
	wg      sync.WaitGroup
	done    chan struct{}

	mu      sync.Mutex
	state   State
	handled int
	outcome TerminalOutcome
	recheck bool
	runOnce sync.Once
}

// ArbiterOptions configures an Arbiter. Zero durations fall back to defaults.
type ArbiterOptions struct {
	PopupPollInterval  time.Duration
	StatusPollInterval time.Duration
	StatusPollAttempts int
	Ceiling            time.Duration
	// AmbiguousOutcome is used when a popup close or poll timeout cannot be
	// confirmed by the re-check. Defaults to OutcomeCompleted.
	AmbiguousOutcome OutcomeStatus
	Origins          OriginAllowList
	Logger           *log.Logger
}

// NewArbiter wires the three observers for an opened attempt. popup and
// channel may be nil, in which case the corresponding observer is not started.
func NewArbiter(attempt DonationAttempt, session PaymentSession, popup PopupHandle, channel MessageChannel, sessions SessionService, sink ResultSink, opts ArbiterOptions) *Arbiter {
	logger := loggerOrDefault(opts.Logger)
	a := &Arbiter{
		attempt:   attempt,
		session:   session,
		popup:     popup,
		sink:      sink,
		ceiling:   opts.Ceiling,
		ambiguous: opts.AmbiguousOutcome,
		logger:    logger,
		signals:   make(chan OutcomeSignal),
		done:      make(chan struct{}),
		poller: &Poller{
			Sessions:    sessions,
			SessionID:   session.SessionID,
			Interval:    opts.StatusPollInterval,
			MaxAttempts: opts.StatusPollAttempts,
			Logger:      logger,
		},
	}
	if a.ceiling <= 0 {
		a.ceiling = DefaultCeiling
	}
	if a.ambiguous == "" {
		a.ambiguous = OutcomeCompleted
	}
	if popup != nil {
		a.watchdog = &Watchdog{Popup: popup, Interval: opts.PopupPollInterval, Logger: logger}
	}
	if channel != nil {
		a.listener = &Listener{Channel: channel, Origins: opts.Origins, Logger: logger}
	}
	return a
}

// State returns the current lifecycle state.
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Handled returns how many signals the Arbiter has acted upon.
func (a *Arbiter) Handled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handled
}

// Done is closed after the outcome has been delivered.
func (a *Arbiter) Done() <-chan struct{} { return a.done }

// Outcome returns the delivered outcome; valid once Done is closed.
func (a *Arbiter) Outcome() TerminalOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcome
}

// Poller exposes the status poller, mainly for inspection.
func (a *Arbiter) Poller() *Poller { return a.poller }

// Run enters AwaitingOutcome and blocks until the attempt is resolved.
// Cancelling ctx abandons the attempt, which resolves as cancelled.
// Calling Run more than once returns the first outcome.
func (a *Arbiter) Run(ctx context.Context) TerminalOutcome {
	a.runOnce.Do(func() { a.run(ctx) })
	<-a.done
	return a.Outcome()
}

func (a *Arbiter) run(parent context.Context) {
	spanCtx, span := otel.Tracer("github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout").Start(parent, "checkout.arbitrate")
	span.SetAttributes(
		attribute.String("donation.attempt_id", a.attempt.AttemptID),
		attribute.String("donation.campaign_id", a.attempt.CampaignID),
		attribute.String("payment.session_id", a.session.SessionID),
	)
	defer span.End()

	ctx, cancel := context.WithCancel(spanCtx)
	defer cancel()

	a.setState(StateAwaitingOutcome)
	a.logger.Printf("[Arbiter %s] awaiting outcome for session %s", a.attempt.AttemptID, a.session.SessionID)

	if a.watchdog != nil {
		a.spawn(ctx, a.watchdog.Run)
	}
	if a.listener != nil {
		a.spawn(ctx, a.listener.Run)
	}
	a.spawn(ctx, a.poller.Run)

	ceiling := time.NewTimer(a.ceiling)
	defer ceiling.Stop()

	for {
		select {
		case sig := <-a.signals:
			if status, ok := a.handle(ctx, sig); ok {
				a.resolve(parent, cancel, status, sig)
				span.SetAttributes(attribute.String("donation.outcome", string(status)), attribute.String("donation.outcome_source", string(sig.Source)))
				return
			}
		case <-ceiling.C:
			a.logger.Printf("[Arbiter %s] no terminal signal within %s", a.attempt.AttemptID, a.ceiling)
			a.resolve(parent, cancel, OutcomeExpired, OutcomeSignal{Source: SourceCeiling, Kind: KindUnknown})
			span.SetAttributes(attribute.String("donation.outcome", string(OutcomeExpired)))
			return
		case <-parent.Done():
			a.logger.Printf("[Arbiter %s] attempt abandoned: %v", a.attempt.AttemptID, parent.Err())
			a.resolve(parent, cancel, OutcomeCancelled, OutcomeSignal{Source: SourceAbandoned, Kind: KindCancelled})
			span.SetAttributes(attribute.String("donation.outcome", string(OutcomeCancelled)))
			return
		}
	}
}

// handle applies one signal. It returns the terminal status when the signal resolves the attempt.
func (a *Arbiter) handle(ctx context.Context, sig OutcomeSignal) (OutcomeStatus, bool) {
	a.mu.Lock()
	a.handled++
	a.mu.Unlock()

	if sig.Kind.Terminal() {
		a.logger.Printf("[Arbiter %s] %s signal from %s wins", a.attempt.AttemptID, sig.Kind, sig.Source)
		return outcomeFromKind(sig.Kind), true
	}

	if sig.Source == SourceRecheck {
		a.logger.Printf("[Arbiter %s] re-check inconclusive, resolving as %s", a.attempt.AttemptID, a.ambiguous)
		return a.ambiguous, true
	}

	if a.recheck {
		a.logger.Printf("[Arbiter %s] %s signal ignored, re-check already requested", a.attempt.AttemptID, sig.Source)
		return "", false
	}
	a.recheck = true
	a.logger.Printf("[Arbiter %s] %s signal, re-checking session status", a.attempt.AttemptID, sig.Source)
	a.spawn(ctx, func(ctx context.Context, emit func(OutcomeSignal)) {
		emit(a.poller.Check(ctx))
	})
	return "", false
}

// resolve performs the single transition into Resolved: close the popup, stop
// every observer, deliver once, and drop references.
func (a *Arbiter) resolve(parent context.Context, cancel context.CancelFunc, status OutcomeStatus, sig OutcomeSignal) {
	a.setState(StateResolved)

	if a.popup != nil && !probeClosed(a.popup) {
		if err := forceClose(a.popup); err != nil {
			a.logger.Printf("[Arbiter %s] force-close popup: %v", a.attempt.AttemptID, err)
		}
	}

	cancel()
	a.wg.Wait()

	donationID := sig.DonationID
	if donationID == "" {
		donationID = a.poller.Latest().DonationID
	}
	if donationID == "" {
		donationID = a.session.DonationID
	}
	outcome := TerminalOutcome{
		AttemptID:  a.attempt.AttemptID,
		CampaignID: a.attempt.CampaignID,
		SessionID:  a.session.SessionID,
		Status:     status,
		DonationID: donationID,
		Amount:     a.attempt.Amount,
		Donor:      a.attempt.Donor,
		Source:     sig.Source,
		ResolvedAt: time.Now().UTC(),
	}

	a.mu.Lock()
	a.outcome = outcome
	a.mu.Unlock()

	a.logger.Printf("[Arbiter %s] resolved %s (source=%s donation=%s amount=%s)", a.attempt.AttemptID, status, sig.Source, donationID, a.attempt.Amount)
	if a.sink != nil {
		if err := a.sink.Deliver(context.WithoutCancel(parent), outcome); err != nil {
			a.logger.Printf("[Arbiter %s] result sink error: %v", a.attempt.AttemptID, err)
		}
	}

	a.popup = nil
	a.watchdog = nil
	a.listener = nil
	close(a.done)
}

func (a *Arbiter) spawn(ctx context.Context, fn observer) {
	emit := func(sig OutcomeSignal) {
		select {
		case a.signals <- sig:
		case <-ctx.Done():
		}
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Printf("[Arbiter %s] observer panic: %v", a.attempt.AttemptID, r)
			}
		}()
		fn(ctx, emit)
	}()
}

func (a *Arbiter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}
