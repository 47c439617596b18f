package checkout

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Config holds coordinator tunables.
type Config struct {
	PopupPollInterval  time.Duration
	StatusPollInterval time.Duration
	StatusPollAttempts int
	Ceiling            time.Duration
	AmbiguousOutcome   OutcomeStatus
	AllowedOrigins     []string
	WindowFeatures     string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PopupPollInterval:  DefaultPopupPollInterval,
		StatusPollInterval: DefaultStatusPollInterval,
		StatusPollAttempts: DefaultStatusPollAttempts,
		Ceiling:            DefaultCeiling,
		AmbiguousOutcome:   OutcomeCompleted,
		WindowFeatures:     DefaultWindowFeatures,
	}
}

// Coordinator runs donation attempts end to end: open the session, then
// arbitrate its outcome in the background.
type Coordinator struct {
	cfg      Config
	sessions SessionService
	windows  WindowOpener
	channel  MessageChannel
	sink     ResultSink
	origins  OriginAllowList
	logger   *log.Logger

	mu     sync.Mutex
	active map[string]*activeAttempt
}

type activeAttempt struct {
	arbiter *Arbiter
	cancel  context.CancelFunc
}

// New builds a Coordinator.
func New(cfg Config, sessions SessionService, windows WindowOpener, channel MessageChannel, sink ResultSink, logger *log.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		sessions: sessions,
		windows:  windows,
		channel:  channel,
		sink:     sink,
		origins:  NewOriginAllowList(cfg.AllowedOrigins...),
		logger:   loggerOrDefault(logger),
		active:   make(map[string]*activeAttempt),
	}
}

// Begin opens a payment session for attempt. When the popup opened, the
// attempt enters AwaitingOutcome in the background and its Arbiter is
// returned; when it was blocked, no Arbiter is started and the caller must
// fall back using result.Session.PaymentURL.
func (c *Coordinator) Begin(ctx context.Context, attempt DonationAttempt) (OpenResult, *Arbiter, error) {
	c.mu.Lock()
	if _, exists := c.active[attempt.AttemptID]; exists {
		c.mu.Unlock()
		return OpenResult{}, nil, fmt.Errorf("%w: %s", ErrAttemptActive, attempt.AttemptID)
	}
	c.active[attempt.AttemptID] = &activeAttempt{}
	c.mu.Unlock()

	opener := &Opener{Sessions: c.sessions, Windows: c.windows, Features: c.cfg.WindowFeatures, Logger: c.logger}
	result, err := opener.Open(ctx, attempt)
	if err != nil || !result.Opened {
		c.forget(attempt.AttemptID)
		return result, nil, err
	}

	channel := c.channel
	if scoped, ok := channel.(ScopedChannel); ok {
		channel = scoped.Scope(attempt.AttemptID)
	}
	arbiter := NewArbiter(attempt, result.Session, result.Popup, channel, c.sessions, c.sink, ArbiterOptions{
		PopupPollInterval:  c.cfg.PopupPollInterval,
		StatusPollInterval: c.cfg.StatusPollInterval,
		StatusPollAttempts: c.cfg.StatusPollAttempts,
		Ceiling:            c.cfg.Ceiling,
		AmbiguousOutcome:   c.cfg.AmbiguousOutcome,
		Origins:            c.origins,
		Logger:             c.logger,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.active[attempt.AttemptID] = &activeAttempt{arbiter: arbiter, cancel: cancel}
	c.mu.Unlock()

	go func() {
		defer cancel()
		defer c.forget(attempt.AttemptID)
		arbiter.Run(runCtx)
	}()
	return result, arbiter, nil
}

// Abandon cancels an in-flight attempt; it resolves as cancelled. It reports
// whether an attempt with that id was awaiting an outcome.
func (c *Coordinator) Abandon(attemptID string) bool {
	c.mu.Lock()
	a, ok := c.active[attemptID]
	c.mu.Unlock()
	if !ok || a.cancel == nil {
		return false
	}
	a.cancel()
	<-a.arbiter.Done()
	return true
}

// Active returns the number of attempts currently opening or awaiting an outcome.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Shutdown abandons every in-flight attempt.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Abandon(id)
	}
}

func (c *Coordinator) forget(attemptID string) {
	c.mu.Lock()
	delete(c.active, attemptID)
	c.mu.Unlock()
}
