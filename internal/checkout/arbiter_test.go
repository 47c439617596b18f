package checkout

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() ArbiterOptions {
	return ArbiterOptions{
		PopupPollInterval:  5 * time.Millisecond,
		StatusPollInterval: time.Hour,
		StatusPollAttempts: DefaultStatusPollAttempts,
		Ceiling:            time.Minute,
		Origins:            NewOriginAllowList(appOrigin, prodOrigin),
		Logger:             quietLogger,
	}
}

func openedSession() PaymentSession {
	return PaymentSession{SessionID: "s1", PaymentURL: "https://pay/x", DonationID: "d1", Status: SessionPending}
}

func startArbiter(t *testing.T, a *Arbiter) {
	t.Helper()
	go a.Run(context.Background())
	require.Eventually(t, func() bool { return a.State() == StateAwaitingOutcome || a.State() == StateResolved }, time.Second, time.Millisecond)
}

func waitResolved(t *testing.T, a *Arbiter) TerminalOutcome {
	t.Helper()
	select {
	case <-a.Done():
		return a.Outcome()
	case <-time.After(5 * time.Second):
		t.Fatalf("arbiter did not resolve")
		return TerminalOutcome{}
	}
}

func TestArbiter_MessageCompletedFromAllowedOrigin(t *testing.T) {
	popup := &fakePopup{}
	ch := newFakeChannel()
	sink := &recordingSink{}
	attempt := testAttempt("25.00")

	a := NewArbiter(attempt, openedSession(), popup, ch, &fakeSessions{}, sink, fastOptions())
	startArbiter(t, a)
	require.Eventually(t, func() bool { return ch.Subscribers() == 1 }, time.Second, time.Millisecond)

	ch.post(appOrigin, map[string]any{"status": "completed"})
	out := waitResolved(t, a)

	assert.Equal(t, OutcomeCompleted, out.Status)
	assert.Equal(t, "d1", out.DonationID)
	assert.True(t, attempt.Amount.Equal(out.Amount))
	assert.Equal(t, SourceMessage, out.Source)
	assert.Equal(t, 1, sink.Count())
	assert.Equal(t, int32(1), popup.closeCalls.Load(), "popup must be force-closed")
	assert.Equal(t, StateResolved, a.State())
}

func TestArbiter_FirstWriterWins(t *testing.T) {
	ch := newFakeChannel()
	sink := &recordingSink{}

	a := NewArbiter(testAttempt("10"), openedSession(), &fakePopup{}, ch, &fakeSessions{}, sink, fastOptions())
	startArbiter(t, a)
	require.Eventually(t, func() bool { return ch.Subscribers() == 1 }, time.Second, time.Millisecond)

	ch.post(prodOrigin, map[string]any{"status": "completed"})
	ch.post(prodOrigin, map[string]any{"status": "failed"})

	out := waitResolved(t, a)
	assert.Equal(t, OutcomeCompleted, out.Status)
	assert.Equal(t, 1, sink.Count())
	assert.Equal(t, 1, a.Handled(), "the failed signal must never be acted upon")
}

func TestArbiter_PollFailedOnSecondPoll(t *testing.T) {
	popup := &fakePopup{}
	sessions := &fakeSessions{statusFn: func(call int) (StatusReport, error) {
		switch call {
		case 1:
			return StatusReport{Status: SessionPending}, nil
		case 2:
			return StatusReport{Status: SessionFailed}, nil
		default:
			return StatusReport{Status: SessionCompleted}, nil
		}
	}}
	sink := &recordingSink{}
	opts := fastOptions()
	opts.StatusPollInterval = 10 * time.Millisecond

	a := NewArbiter(testAttempt("5"), openedSession(), popup, newFakeChannel(), sessions, sink, opts)
	startArbiter(t, a)
	out := waitResolved(t, a)

	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, SourcePoll, out.Source)
	assert.Equal(t, int32(1), popup.closeCalls.Load())

	time.Sleep(5 * opts.StatusPollInterval)
	assert.Equal(t, int32(2), sessions.statusCalls.Load(), "no polling after resolution")
	assert.Equal(t, 1, sink.Count())
}

func TestArbiter_PopupClosedThenRecheckConfirmsCompleted(t *testing.T) {
	popup := &fakePopup{}
	sessions := &fakeSessions{statusFn: func(int) (StatusReport, error) {
		if popup.closed.Load() {
			return StatusReport{Status: SessionCompleted, DonationID: "d-recheck"}, nil
		}
		return StatusReport{Status: SessionPending}, nil
	}}
	sink := &recordingSink{}

	a := NewArbiter(testAttempt("40"), openedSession(), popup, newFakeChannel(), sessions, sink, fastOptions())
	startArbiter(t, a)

	time.Sleep(20 * time.Millisecond)
	popup.closed.Store(true)

	out := waitResolved(t, a)
	assert.Equal(t, OutcomeCompleted, out.Status)
	assert.Equal(t, SourceRecheck, out.Source)
	assert.Equal(t, "d-recheck", out.DonationID)
	assert.Equal(t, int32(0), popup.closeCalls.Load(), "already-closed popup is not closed again")
}

func TestArbiter_PopupClosedRecheckFailedResolvesFailed(t *testing.T) {
	popup := &fakePopup{}
	sessions := &fakeSessions{statusFn: func(int) (StatusReport, error) {
		return StatusReport{Status: SessionFailed}, nil
	}}
	sink := &recordingSink{}

	a := NewArbiter(testAttempt("40"), openedSession(), popup, nil, sessions, sink, fastOptions())
	startArbiter(t, a)
	popup.closed.Store(true)

	out := waitResolved(t, a)
	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, SourceRecheck, out.Source)
}

func TestArbiter_AmbiguousPopupCloseUsesPolicy(t *testing.T) {
	cases := []struct {
		name   string
		policy OutcomeStatus
		status func(int) (StatusReport, error)
		want   OutcomeStatus
	}{
		{
			name:   "pending defaults to completed",
			status: func(int) (StatusReport, error) { return StatusReport{Status: SessionPending}, nil },
			want:   OutcomeCompleted,
		},
		{
			name:   "transport error defaults to completed",
			status: func(int) (StatusReport, error) { return StatusReport{}, ErrTransport },
			want:   OutcomeCompleted,
		},
		{
			name:   "strict policy reports expired",
			policy: OutcomeExpired,
			status: func(int) (StatusReport, error) { return StatusReport{Status: SessionPending}, nil },
			want:   OutcomeExpired,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			popup := &fakePopup{}
			sink := &recordingSink{}
			opts := fastOptions()
			opts.AmbiguousOutcome = tc.policy

			a := NewArbiter(testAttempt("12.50"), openedSession(), popup, newFakeChannel(), &fakeSessions{statusFn: tc.status}, sink, opts)
			startArbiter(t, a)
			popup.closed.Store(true)

			out := waitResolved(t, a)
			assert.Equal(t, tc.want, out.Status)
			assert.Equal(t, SourceRecheck, out.Source)
			assert.Equal(t, 1, sink.Count())
		})
	}
}

func TestArbiter_PollTimeoutTriggersSingleRecheck(t *testing.T) {
	sessions := &fakeSessions{statusFn: func(int) (StatusReport, error) {
		return StatusReport{}, fmt.Errorf("%w: connection reset", ErrTransport)
	}}
	sink := &recordingSink{}
	opts := fastOptions()
	opts.StatusPollInterval = 2 * time.Millisecond
	opts.StatusPollAttempts = 3

	a := NewArbiter(testAttempt("1"), openedSession(), nil, nil, sessions, sink, opts)
	startArbiter(t, a)
	out := waitResolved(t, a)

	assert.Equal(t, OutcomeCompleted, out.Status)
	assert.Equal(t, SourceRecheck, out.Source)
	assert.Equal(t, 4, a.Poller().Polls(), "three budgeted polls plus one re-check")
	assert.Equal(t, 2, a.Handled(), "timeout signal then re-check signal")
}

func TestArbiter_CeilingForcesExpired(t *testing.T) {
	popup := &fakePopup{}
	sink := &recordingSink{}
	opts := fastOptions()
	opts.StatusPollInterval = 2 * time.Millisecond
	opts.StatusPollAttempts = 1 << 30
	opts.Ceiling = 40 * time.Millisecond

	a := NewArbiter(testAttempt("99"), openedSession(), popup, newFakeChannel(), &fakeSessions{}, sink, opts)
	startArbiter(t, a)
	out := waitResolved(t, a)

	assert.Equal(t, OutcomeExpired, out.Status)
	assert.Equal(t, SourceCeiling, out.Source)
	assert.Equal(t, int32(1), popup.closeCalls.Load())
	assert.Equal(t, 1, sink.Count())
}

func TestArbiter_NothingRunsAfterResolution(t *testing.T) {
	popup := &fakePopup{}
	ch := newFakeChannel()
	sessions := &fakeSessions{}
	sink := &recordingSink{}
	opts := fastOptions()
	opts.StatusPollInterval = 2 * time.Millisecond

	a := NewArbiter(testAttempt("3"), openedSession(), popup, ch, sessions, sink, opts)
	startArbiter(t, a)
	require.Eventually(t, func() bool { return ch.Subscribers() == 1 }, time.Second, time.Millisecond)
	ch.post(appOrigin, map[string]any{"type": "payment_cancelled"})
	out := waitResolved(t, a)
	require.Equal(t, OutcomeCancelled, out.Status)

	probes := popup.probes.Load()
	polls := sessions.statusCalls.Load()
	handled := a.Handled()

	ch.post(appOrigin, map[string]any{"status": "completed"})
	time.Sleep(20 * opts.PopupPollInterval)

	assert.Equal(t, probes, popup.probes.Load(), "watchdog stopped")
	assert.Equal(t, polls, sessions.statusCalls.Load(), "poller stopped")
	assert.Equal(t, 0, ch.Subscribers(), "listener unsubscribed")
	assert.Equal(t, int32(1), ch.unsubCalls.Load(), "unsubscribed exactly once")
	assert.Equal(t, handled, a.Handled(), "no transitions after Resolved")
	assert.Equal(t, 1, sink.Count())
}

func TestArbiter_AbandonResolvesCancelled(t *testing.T) {
	sink := &recordingSink{}
	a := NewArbiter(testAttempt("7"), openedSession(), &fakePopup{}, newFakeChannel(), &fakeSessions{}, sink, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	require.Eventually(t, func() bool { return a.State() == StateAwaitingOutcome }, time.Second, time.Millisecond)
	cancel()

	out := waitResolved(t, a)
	assert.Equal(t, OutcomeCancelled, out.Status)
	assert.Equal(t, SourceAbandoned, out.Source)
	assert.Equal(t, 1, sink.Count())
}

func TestArbiter_ExactlyOnceUnderRacingObservers(t *testing.T) {
	kinds := []string{"completed", "failed", "cancelled"}
	for i := 0; i < 50; i++ {
		popup := &fakePopup{}
		ch := newFakeChannel()
		sessions := &fakeSessions{statusFn: func(call int) (StatusReport, error) {
			if call%3 == 0 {
				return StatusReport{}, ErrTransport
			}
			return StatusReport{Status: ParseSessionStatus(kinds[call%len(kinds)])}, nil
		}}
		sink := &recordingSink{}
		opts := fastOptions()
		opts.PopupPollInterval = time.Millisecond
		opts.StatusPollInterval = time.Millisecond

		a := NewArbiter(testAttempt("2"), openedSession(), popup, ch, sessions, sink, opts)
		startArbiter(t, a)

		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func(seed int64) {
				defer wg.Done()
				r := rand.New(rand.NewSource(seed))
				for n := 0; n < 5; n++ {
					ch.post(appOrigin, map[string]any{"status": kinds[r.Intn(len(kinds))]})
				}
			}(int64(i*10 + p))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			popup.closed.Store(true)
		}()
		wg.Wait()

		out := waitResolved(t, a)
		time.Sleep(3 * time.Millisecond)
		require.Equal(t, 1, sink.Count(), "iteration %d", i)
		require.Contains(t, []OutcomeStatus{OutcomeCompleted, OutcomeFailed, OutcomeCancelled}, out.Status)
	}
}

func TestArbiter_RunTwiceReturnsSameOutcome(t *testing.T) {
	ch := newFakeChannel()
	sink := &recordingSink{}
	a := NewArbiter(testAttempt("8"), openedSession(), nil, ch, &fakeSessions{}, sink, fastOptions())
	startArbiter(t, a)
	require.Eventually(t, func() bool { return ch.Subscribers() == 1 }, time.Second, time.Millisecond)
	ch.post(appOrigin, map[string]any{"status": "failed"})

	first := waitResolved(t, a)
	second := a.Run(context.Background())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, sink.Count())
}
