package middleware

import (
	"context"
	"log/slog"
	"net/http"
)

type WindowAllower interface {
	Allow(ctx context.Context, key string) (bool, string, error)
}

// RateLimit returns middleware that rate-limits requests on a per-IP basis
// across every window of the limiter. When a window is exceeded it responds
// with 429 Too Many Requests and a JSON error body. Counter failures let the
// request through.
func RateLimit(limiter WindowAllower, rejections RejectionObserver) func(http.Handler) http.Handler {
	rejections = orNoop(rejections)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)

			ok, window, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				slog.Error("rate limit check failed", "ip", ip, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				slog.Warn("webhook rate limit exceeded", "ip", ip, "window", window)
				rejections.ObserveRejection("ratelimit")
				reject(w, http.StatusTooManyRequests, "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
