package km

import (
	"errors"
	"fmt"
)

// Sentinel errors for the backend domain.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrBadRequest      = errors.New("bad request")
	ErrRateLimited     = errors.New("rate limited")
	ErrAgentFailed     = errors.New("agent run failed")
	ErrHistoryDisabled = errors.New("chat history is not configured")
)

// RateLimitError carries the retry hint parsed from the agent platform's
// rate-limit message. errors.Is(err, ErrRateLimited) matches it.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfterSeconds > 0 {
		return fmt.Sprintf("rate limit is exceeded, try again in %d seconds", e.RetryAfterSeconds)
	}
	return "rate limit is exceeded"
}

// Is reports a match against the ErrRateLimited sentinel.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfterText renders the retry hint for user-facing messages
// ("42 seconds", or "sometime" when the platform gave no window).
func (e *RateLimitError) RetryAfterText() string {
	if e.RetryAfterSeconds > 0 {
		return fmt.Sprintf("%d seconds", e.RetryAfterSeconds)
	}
	return "sometime"
}
