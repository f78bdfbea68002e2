package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/nao1215/sitemirror/internal/model"
)

var (
	// ErrRobotsDisallowed means robots.txt forbids the URL for our user agent.
	ErrRobotsDisallowed = errors.New("disallowed by robots.txt")

	// ErrUnreachable means the host could not be reached or the connection broke.
	ErrUnreachable = errors.New("unreachable")

	// ErrTimeout means the request did not complete in time.
	ErrTimeout = errors.New("request timed out")

	// ErrHTTPStatus means the server answered with a non-success status.
	ErrHTTPStatus = errors.New("unexpected HTTP status")

	// ErrBodyTooLarge means the response exceeded the configured size limit.
	ErrBodyTooLarge = errors.New("response body too large")

	// ErrInvalidProxy means the proxy URL is malformed or uses an unknown scheme.
	ErrInvalidProxy = errors.New("invalid proxy URL")
)

// StatusError carries the status code of a non-success response.
type StatusError struct {
	Code int
	URL  string
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Is makes errors.Is(err, ErrHTTPStatus) true for every StatusError.
func (e *StatusError) Is(target error) bool {
	return target == ErrHTTPStatus
}

// IsTransient reports whether a retry may succeed: network failures,
// timeouts, 5xx and 429 responses.
func IsTransient(err error) bool {
	if errors.Is(err, ErrUnreachable) || errors.Is(err, ErrTimeout) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return false
}

// Reason maps a fetch error to the user-facing reason.
func Reason(err error) model.Reason {
	switch {
	case errors.Is(err, ErrRobotsDisallowed):
		return model.ReasonRobots
	case errors.Is(err, ErrTimeout):
		return model.ReasonTimeout
	case errors.Is(err, ErrHTTPStatus):
		return model.ReasonHTTPStatus
	case errors.Is(err, ErrBodyTooLarge):
		return model.ReasonTooLarge
	case errors.Is(err, context.Canceled):
		return model.ReasonCancelled
	default:
		return model.ReasonUnreachable
	}
}

// classify wraps a transport error into ErrTimeout or ErrUnreachable.
// Cancellation of the caller's context is returned unchanged.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
