package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/AnthonyGillesRudolfo/donation-checkout/internal/checkout"
)

const (
	DefaultWindowOpenTimeout  = 5 * time.Second
	DefaultWindowHeartbeatTTL = 15 * time.Second
)

var (
	ErrUnknownWindow = errors.New("no payment window registered for attempt")
	ErrWindowPending = errors.New("payment window already being opened for attempt")
	ErrAlreadyOpened = errors.New("payment window open already reported")
)

// Windows tracks the payment popups the web client opens on the coordinator's
// behalf. The client reports whether window.open succeeded, sends heartbeats
// while the popup is alive and reports when it closes; Windows turns those
// reports into checkout.PopupHandle values.
type Windows struct {
	OpenTimeout  time.Duration
	HeartbeatTTL time.Duration
	Logger       *log.Logger

	mu      sync.Mutex
	windows map[string]*Window
	now     func() time.Time
}

func NewWindows(openTimeout, heartbeatTTL time.Duration, logger *log.Logger) *Windows {
	if logger == nil {
		logger = log.Default()
	}
	return &Windows{
		OpenTimeout:  openTimeout,
		HeartbeatTTL: heartbeatTTL,
		Logger:       logger,
		windows:      make(map[string]*Window),
		now:          time.Now,
	}
}

// Window is one popup as reported by the client.
type Window struct {
	AttemptID string
	URL       string
	Features  string

	ttl    time.Duration
	now    func() time.Time
	report chan bool

	mu       sync.Mutex
	opened   bool
	reported bool
	closed   bool
	forced   bool
	lastBeat time.Time
}

// Open registers a window for attemptID and waits for the client to report
// the result of window.open. A negative report or no report within
// OpenTimeout yields a nil handle, meaning the popup was blocked.
func (ws *Windows) Open(ctx context.Context, attemptID, url, features string) (checkout.PopupHandle, error) {
	timeout := ws.OpenTimeout
	if timeout <= 0 {
		timeout = DefaultWindowOpenTimeout
	}
	ttl := ws.HeartbeatTTL
	if ttl <= 0 {
		ttl = DefaultWindowHeartbeatTTL
	}

	w := &Window{AttemptID: attemptID, URL: url, Features: features, ttl: ttl, now: ws.clock(), report: make(chan bool, 1)}

	ws.mu.Lock()
	ws.sweepLocked()
	if existing, ok := ws.windows[attemptID]; ok && !existing.finished() {
		ws.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrWindowPending, attemptID)
	}
	ws.windows[attemptID] = w
	ws.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case opened := <-w.report:
		if opened {
			ws.Logger.Printf("[Relay %s] popup opened", attemptID)
			return w, nil
		}
		ws.Logger.Printf("[Relay %s] client reported popup blocked", attemptID)
	case <-timer.C:
		ws.Logger.Printf("[Relay %s] no open report within %s, treating popup as blocked", attemptID, timeout)
	case <-ctx.Done():
		ws.forget(attemptID, w)
		return nil, ctx.Err()
	}
	ws.forget(attemptID, w)
	return nil, nil
}

// Pending returns the window waiting for an open report, if any. The client
// uses its URL and features to call window.open.
func (ws *Windows) Pending(attemptID string) (*Window, bool) {
	ws.mu.Lock()
	w, ok := ws.windows[attemptID]
	ws.mu.Unlock()
	if !ok {
		return nil, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w, !w.reported
}

// ReportOpened records the client's window.open result.
func (ws *Windows) ReportOpened(attemptID string, opened bool) error {
	w, err := ws.lookup(attemptID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	if w.reported {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyOpened, attemptID)
	}
	w.reported = true
	w.opened = opened
	w.lastBeat = w.now()
	w.mu.Unlock()

	w.report <- opened
	return nil
}

// Heartbeat refreshes the liveness of an open popup. It returns true when the
// client should close the popup because the coordinator closed it.
func (ws *Windows) Heartbeat(attemptID string) (bool, error) {
	w, err := ws.lookup(attemptID)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.forced {
		return true, nil
	}
	w.lastBeat = w.now()
	return false, nil
}

// ReportClosed records that the client saw the popup close and drops the window.
func (ws *Windows) ReportClosed(attemptID string) error {
	w, err := ws.lookup(attemptID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	ws.forget(attemptID, w)
	return nil
}

// Len returns the number of registered windows.
func (ws *Windows) Len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.windows)
}

func (ws *Windows) lookup(attemptID string) (*Window, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w, ok := ws.windows[attemptID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWindow, attemptID)
	}
	return w, nil
}

func (ws *Windows) forget(attemptID string, w *Window) {
	ws.mu.Lock()
	if ws.windows[attemptID] == w {
		delete(ws.windows, attemptID)
	}
	ws.mu.Unlock()
}

// sweepLocked drops windows that are closed and past their heartbeat TTL, so
// clients that vanish without reporting do not accumulate.
func (ws *Windows) sweepLocked() {
	for id, w := range ws.windows {
		w.mu.Lock()
		stale := w.reported && ws.clock()().Sub(w.lastBeat) > 2*w.ttl
		w.mu.Unlock()
		if stale {
			delete(ws.windows, id)
		}
	}
}

func (ws *Windows) clock() func() time.Time {
	if ws.now == nil {
		return time.Now
	}
	return ws.now
}

// Closed reports true once the client reported the popup closed, the
// coordinator closed it, or heartbeats stopped for longer than the TTL.
func (w *Window) Closed() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.forced {
		return true, nil
	}
	if w.now().Sub(w.lastBeat) > w.ttl {
		return true, nil
	}
	return false, nil
}

// Close asks the client to close the popup on its next heartbeat.
func (w *Window) Close() error {
	w.mu.Lock()
	w.forced = true
	w.mu.Unlock()
	return nil
}

func (w *Window) finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed || w.forced || (w.reported && !w.opened)
}
