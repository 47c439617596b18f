package checkout

import "errors"

var (
	// ErrSessionCreationFailed is surfaced immediately and never retried.
	ErrSessionCreationFailed = errors.New("payment session creation failed")
	// ErrPopupBlocked means the payment window could not be opened; callers fall back to a link.
	ErrPopupBlocked = errors.New("payment popup blocked")

	ErrInvalidRequest     = errors.New("invalid donation request")
	ErrNotFound           = errors.New("campaign not found")
	ErrServiceUnavailable = errors.New("payment service unavailable")
	// ErrTransport is transient; the status poller treats it as pending.
	ErrTransport = errors.New("session status transport error")

	ErrAttemptActive = errors.New("donation attempt already in progress")
)
