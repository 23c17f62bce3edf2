package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"os"

	km "github.com/eugener/palantir/internal"
)

// httpStatusError is an interface for errors carrying an HTTP status code.
// The agent platform client's APIError satisfies it.
type httpStatusError interface {
	HTTPStatus() int
}

// ClassifyError returns the error weight for circuit breaker tracking.
//
// Weights:
//   - rate limited (429 or platform throttle) -> 0.5
//   - 500, 502, 503, 504 -> 1.0
//   - timeout (deadline exceeded) -> 1.5
//   - 4xx (except 429) -> 0.0 (caller fault, not agent fault)
//   - failed agent run -> 1.0
//   - network errors (non-timeout) -> 1.0
//   - nil -> 0.0
func ClassifyError(err error) float64 {
	if err == nil {
		return 0
	}

	// Timeouts carry the highest weight: they tie up a worker for the
	// full deadline before failing.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return 1.5
	}

	// Platform throttling surfaces as a typed rate-limit error even when
	// the HTTP status is lost behind run polling.
	if errors.Is(err, km.ErrRateLimited) {
		return 0.5
	}

	var he httpStatusError
	if errors.As(err, &he) {
		return classifyStatus(he.HTTPStatus())
	}

	// A run that reached the platform but finished in a failed state.
	if errors.Is(err, km.ErrAgentFailed) {
		return 1.0
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return 1.0
	}

	// Generic errors (e.g. connection refused) -> treat as agent fault.
	return 1.0
}

// classifyStatus returns the error weight for an HTTP status code.
func classifyStatus(code int) float64 {
	switch {
	case code == 429:
		return 0.5
	case code >= 500 && code <= 504:
		return 1.0
	default:
		return 0.0
	}
}
