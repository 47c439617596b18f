package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(run func(context.Context, func(OutcomeSignal))) []OutcomeSignal {
	var got []OutcomeSignal
	run(context.Background(), func(sig OutcomeSignal) { got = append(got, sig) })
	return got
}

func TestPoller_EmitsFirstTerminalStatus(t *testing.T) {
	sessions := &fakeSessions{statusFn: func(call int) (StatusReport, error) {
		switch call {
		case 1:
			return StatusReport{}, ErrTransport
		case 2:
			return StatusReport{Status: SessionPending}, nil
		default:
			return StatusReport{Status: SessionCompleted, DonationID: "d3"}, nil
		}
	}}
	p := &Poller{Sessions: sessions, SessionID: "s1", Interval: time.Millisecond, MaxAttempts: 10, Logger: quietLogger}

	got := collect(p.Run)
	require.Len(t, got, 1)
	assert.Equal(t, OutcomeSignal{Source: SourcePoll, Kind: KindCompleted, DonationID: "d3"}, got[0])
	assert.Equal(t, 3, p.Polls())
	assert.Equal(t, SessionCompleted, p.Latest().Status)
}

func TestPoller_TimesOutAfterBudget(t *testing.T) {
	sessions := &fakeSessions{}
	p := &Poller{Sessions: sessions, SessionID: "s1", Interval: time.Millisecond, MaxAttempts: 4, Logger: quietLogger}

	got := collect(p.Run)
	require.Len(t, got, 1)
	assert.Equal(t, SourceTimeout, got[0].Source)
	assert.Equal(t, KindUnknown, got[0].Kind)
	assert.Equal(t, int32(4), sessions.statusCalls.Load())
}

func TestPoller_StopsOnCancel(t *testing.T) {
	sessions := &fakeSessions{}
	p := &Poller{Sessions: sessions, SessionID: "s1", Interval: time.Hour, Logger: quietLogger}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	emitted := false
	p.Run(ctx, func(OutcomeSignal) { emitted = true })
	assert.False(t, emitted)
	assert.Equal(t, int32(0), sessions.statusCalls.Load())
}

func TestPoller_CheckFallsBackToLatestTerminal(t *testing.T) {
	sessions := &fakeSessions{statusFn: func(call int) (StatusReport, error) {
		if call == 1 {
			return StatusReport{Status: SessionFailed, DonationID: "d4"}, nil
		}
		return StatusReport{}, ErrTransport
	}}
	p := &Poller{Sessions: sessions, SessionID: "s1", Logger: quietLogger}

	first := p.Check(context.Background())
	assert.Equal(t, KindFailed, first.Kind)
	assert.Equal(t, SourceRecheck, first.Source)

	second := p.Check(context.Background())
	assert.Equal(t, KindFailed, second.Kind, "latest terminal status is sticky")
	assert.Equal(t, "d4", second.DonationID)
}

func TestPoller_CheckUnknownWhenNothingTerminal(t *testing.T) {
	p := &Poller{Sessions: &fakeSessions{}, SessionID: "s1", Logger: quietLogger}
	sig := p.Check(context.Background())
	assert.Equal(t, KindUnknown, sig.Kind)
	assert.Equal(t, 1, p.Polls())
}

func TestWatchdog_EmitsOnceWhenClosed(t *testing.T) {
	popup := &fakePopup{}
	w := &Watchdog{Popup: popup, Interval: time.Millisecond, Logger: quietLogger}
	go func() {
		time.Sleep(5 * time.Millisecond)
		popup.closed.Store(true)
	}()

	got := collect(w.Run)
	require.Len(t, got, 1)
	assert.Equal(t, OutcomeSignal{Source: SourcePopupClosed, Kind: KindUnknown}, got[0])
}

func TestWatchdog_InaccessibleHandleCountsAsClosed(t *testing.T) {
	popup := &fakePopup{}
	popup.broken.Store(true)
	w := &Watchdog{Popup: popup, Interval: time.Millisecond, Logger: quietLogger}

	got := collect(w.Run)
	require.Len(t, got, 1)
	assert.Equal(t, SourcePopupClosed, got[0].Source)
}
