package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"go.uber.org/zap"
)

var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// Recovery turns a handler panic into a 500 response and logs each request.
// Probe paths are logged at debug level.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("stack", string(debug.Stack())),
					)
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()

			if quietPaths[r.URL.Path] {
				logger.Debug("handling request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
			} else {
				logger.Info("handling request", zap.String("method", r.Method), zap.String("path", r.URL.Path))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Chain applies middlewares so that the first one listed runs outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
