// Package agent implements the REST client for the hosted agent platform's
// threads, messages and runs surface.
package agent

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	km "github.com/eugener/palantir/internal"
)

// APIError represents an error response from the agent platform.
// It satisfies the httpStatusError interface used by the circuit breaker.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

// Error returns a formatted error string including operation, status, and body.
func (e *APIError) Error() string {
	return fmt.Sprintf("agent %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// HTTPStatus returns the HTTP status code for breaker classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

var retryAfterRe = regexp.MustCompile(`[Tt]ry again in (\d+) seconds?`)

// parseAPIError reads up to 4KB from the response body and returns an
// APIError, or a typed rate-limit error when the platform is throttling.
func parseAPIError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusTooManyRequests {
		return rateLimitError(string(body))
	}
	return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
}

// rateLimitError builds a km.RateLimitError from a platform throttle
// message, extracting the advertised wait ("Try again in N seconds") when
// present.
func rateLimitError(message string) error {
	var seconds int
	if m := retryAfterRe.FindStringSubmatch(message); m != nil {
		seconds, _ = strconv.Atoi(m[1])
	}
	return &km.RateLimitError{RetryAfterSeconds: seconds}
}
