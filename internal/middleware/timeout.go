package middleware

import (
	"net/http"
	"time"
)

// Timeout bounds a request's handling time and answers 503 when it is exceeded.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.TimeoutHandler(next, timeout, "request timeout exceeded")
	}
}
