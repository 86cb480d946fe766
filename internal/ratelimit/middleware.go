package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"github.com/relaymesh/agentgate/internal/auth"
	"github.com/relaymesh/agentgate/internal/risk"
)

// Middleware enforces the adaptive limit per credential. It runs after the
// risk middleware so each request's multiplier is already in the context;
// requests without one run at the base rate.
func Middleware(limiter *AdaptiveLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := auth.FromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			multiplier := 1.0
			if assessment, ok := risk.AssessmentFromContext(r.Context()); ok {
				multiplier = assessment.Multiplier
			}

			result := limiter.Allow(ac.KeyID, multiplier)
			if !result.Allowed {
				seconds := int(math.Ceil(result.RetryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				auth.WriteError(w, ac.RequestID, auth.CodeRateLimited,
					"request rate exceeded, slow down", nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
