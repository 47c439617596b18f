package checkout

import (
	"context"
	"log"
	"time"
)

// DefaultPopupPollInterval is short because cross-origin popups have no close event.
const DefaultPopupPollInterval = 500 * time.Millisecond

// Watchdog reports the first time a popup is seen closed.
type Watchdog struct {
	Popup    PopupHandle
	Interval time.Duration
	Logger   *log.Logger
}

// Run polls until the popup closes or ctx is cancelled. It emits at most one signal.
func (w *Watchdog) Run(ctx context.Context, emit func(OutcomeSignal)) {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultPopupPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !probeClosed(w.Popup) {
				continue
			}
			loggerOrDefault(w.Logger).Printf("[Watchdog] popup closed")
			emit(OutcomeSignal{Source: SourcePopupClosed, Kind: KindUnknown})
			return
		}
	}
}
