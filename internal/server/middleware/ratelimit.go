package middleware

import (
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	apperrors "github.com/3leaps/crewhost/internal/errors"
)

// NewLauncherLimiter builds a token bucket for run launches. A non-positive
// rate disables throttling.
func NewLauncherLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// RateLimit rejects requests with 429 once limiter is exhausted.
func RateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Reserve()
			if !res.OK() {
				apperrors.RespondWithError(w, r, apperrors.NewRateLimitedError("too many run launches"))
				return
			}
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				apperrors.RespondWithError(w, r, apperrors.NewRateLimitedError("too many run launches"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
