package providers

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// HTTPError is a non-200 response from a backend API.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// IsQuotaError reports whether err is a rate-limit/quota response.
func IsQuotaError(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Status == 429
}

// IsAuthError reports whether err is a credential rejection.
func IsAuthError(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && (he.Status == 401 || he.Status == 403)
}

// isRetryable reports whether a request may be transparently re-sent.
// Semantic errors (4xx) propagate; only transport failures and server
// errors are retried.
func isRetryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

// ParseRetryAfter parses a Retry-After header value. Only the
// delta-seconds form is honored; HTTP-date values return zero.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
