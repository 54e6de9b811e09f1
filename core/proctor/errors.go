package proctor

import "github.com/pkg/errors"

var (
	// ErrCapabilityUnavailable: the client could not confirm camera and microphone. Retry is allowed while Idle.
	ErrCapabilityUnavailable = errors.New("required monitoring capabilities unavailable")
	// ErrConnectionLost: the transport stayed down beyond the reconnection grace period.
	ErrConnectionLost = errors.New("connection lost")
	// ErrViolationThresholdExceeded is a designed outcome, not a failure.
	ErrViolationThresholdExceeded = errors.New("violation threshold exceeded")
	// ErrSubmissionRejected: the submission collaborator declined the answers.
	ErrSubmissionRejected = errors.New("submission rejected")

	ErrNotFound          = errors.New("session not found")
	ErrSessionTerminal   = errors.New("session already ended")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrInvalidExpiry     = errors.New("session expiry must be in the future")
	ErrNotLive           = errors.New("session is not live")
	ErrShuttingDown      = errors.New("coordinator is shutting down")
)

// ErrorFor maps a terminal reason to the error it stands for.
func ErrorFor(reason Reason) error {
	switch reason {
	case ReasonViolationThreshold:
		return ErrViolationThresholdExceeded
	case ReasonConnectionLost:
		return ErrConnectionLost
	}
	return nil
}
