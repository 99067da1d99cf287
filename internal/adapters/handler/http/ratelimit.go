package http

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// tenantHeader is the header job creators use to identify themselves for
// rate-limiting purposes; it carries no authorization weight (per §6.1's
// "no enforcement in-core" note on Authorization/X-Client-Platform).
const tenantHeader = "X-Tenant-Id"

// RateLimitMiddleware caps request throughput per tenant, grounded on the
// same lazily-created sync.Map of per-key limiters the queue controller
// uses, adapted from a tenant-record-driven limit to a fixed limit/burst
// pair since this system has no tenant store of its own.
func RateLimitMiddleware(requestsPerSecond float64, burst int) func(http.Handler) http.Handler {
	var limiters sync.Map // tenantID -> *rate.Limiter

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := r.Header.Get(tenantHeader)
			if tenantID == "" {
				tenantID = "anonymous"
			}

			limiter := getOrCreateLimiter(&limiters, tenantID, requestsPerSecond, burst)
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func getOrCreateLimiter(limiters *sync.Map, tenantID string, requestsPerSecond float64, burst int) *rate.Limiter {
	if existing, ok := limiters.Load(tenantID); ok {
		return existing.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	actual, _ := limiters.LoadOrStore(tenantID, limiter)
	return actual.(*rate.Limiter)
}
