package generation

import (
	"context"
	"net"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrGenerationTimeout means the backend did not answer within its deadline.
	ErrGenerationTimeout = errors.New("generation timed out")
	// ErrGenerationRateLimited means the call could not be admitted under the backend's rate ceiling.
	ErrGenerationRateLimited = errors.New("generation rate limited")
	// ErrGenerationContent means the backend answered with empty or malformed output.
	ErrGenerationContent = errors.New("generation returned unusable content")
	// ErrGenerationUnavailable means the backend was overloaded or failed on its side.
	ErrGenerationUnavailable = errors.New("generation backend unavailable")
)

// statusOverloaded is Anthropic's "overloaded" status.
const statusOverloaded = 529

// Transient reports whether err is worth retrying with backoff.
func Transient(err error) (ok bool) {
	ok = errors.Is(err, ErrGenerationTimeout) ||
		errors.Is(err, ErrGenerationRateLimited) ||
		errors.Is(err, ErrGenerationUnavailable)
	return ok
}

// statusError maps a failed HTTP status onto the generation sentinels. 429 is
// rate limiting, 529 and 5xx are server-side trouble, anything else is final.
func statusError(status int, detail string) (err error) {
	switch {
	case status == http.StatusTooManyRequests:
		err = errors.Wrapf(ErrGenerationRateLimited, "status %d: %s", status, detail)
	case status == statusOverloaded || status >= http.StatusInternalServerError:
		err = errors.Wrapf(ErrGenerationUnavailable, "status %d: %s", status, detail)
	default:
		err = errors.Errorf("API request failed with status %d: %s", status, detail)
	}
	return err
}

// classify maps transport-level failures onto the generation sentinels. The
// caller's own cancellation passes through untouched.
func classify(parent context.Context, err error) (classified error) {
	classified = err
	if err == nil {
		return classified
	}

	if Transient(err) || errors.Is(err, ErrGenerationContent) {
		return classified
	}

	if parent.Err() != nil && errors.Is(err, context.Canceled) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) {
		classified = errors.Wrap(ErrGenerationTimeout, err.Error())
		return classified
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		classified = errors.Wrap(ErrGenerationTimeout, err.Error())
		return classified
	}

	return classified
}
