package radar

import (
	"context"
	"errors"
	"net"
)

// ErrNotFound signals that the requested server id is unknown.
var ErrNotFound = errors.New("server not found")

// ErrStoreUnavailable signals that the backing KV store is unreachable. The
// pipeline degrades to a disabled state rather than crashing on it.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrRateLimited signals that the upstream lookup provider refused the call.
var ErrRateLimited = errors.New("upstream rate limited")

// Outcome classifies one external call for backoff accounting.
type Outcome string

// Lookup outcomes tracked by the rate-adaptive fetcher.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeHTTPError   Outcome = "http_error"
	OutcomeTimeout     Outcome = "timeout"
)

// ClassifyLookupError maps a lookup failure onto an Outcome.
func ClassifyLookupError(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	case isTimeout(err):
		return OutcomeTimeout
	default:
		return OutcomeHTTPError
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
