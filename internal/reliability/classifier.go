package reliability

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatus() int
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsNotFoundStatus reports whether code is a 404.
func IsNotFoundStatus(code int) bool {
	return code == http.StatusNotFound
}

// IsNotFound reports whether err represents a 404 from the backend. Typed
// errors are checked first; plain errors fall back to matching "404" in the message.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return IsNotFoundStatus(sc.HTTPStatus())
	}
	return strings.Contains(err.Error(), "404")
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return IsRetryableHTTPStatus(sc.HTTPStatus())
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
