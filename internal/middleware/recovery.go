// Package middleware provides the HTTP middleware shared by the gate's
// server: request ids, panic recovery and access logging.
package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/relaymesh/agentgate/internal/auth"
	"github.com/relaymesh/agentgate/internal/observability"
)

// Recovery returns a middleware that recovers from panics and answers with
// the standard error envelope.
func Recovery(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						observability.String("path", r.URL.Path),
						observability.String("method", r.Method),
						observability.Any("error", err),
						observability.String("stack", string(debug.Stack())),
					)

					GetMetrics().panicsRecovered.Inc()

					requestID := observability.RequestIDFromContext(r.Context())
					auth.WriteError(w, requestID, auth.CodeInternalError,
						"internal server error", nil)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
