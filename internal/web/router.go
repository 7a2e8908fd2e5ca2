package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/znz-systems/relaywarm/internal/web/handlers"
	"github.com/znz-systems/relaywarm/internal/web/middleware"
)

// RouterDeps holds all dependencies needed to build the router.
type RouterDeps struct {
	WebhookHandler *handlers.WebhookHandler
	HealthHandler  *handlers.HealthHandler
	Metrics        http.Handler
	AllowList      middleware.AllowList
	TrustedProxies middleware.AllowList
	Limiter        middleware.WindowAllower
	Verifier       middleware.TokenVerifier
	Signature      middleware.SignatureOptions
	Rejections     middleware.RejectionObserver
}

// NewRouter wires all routes into a Chi router.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.ClientIP(deps.TrustedProxies))
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/test", deps.HealthHandler.HandleTest)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// Relay callbacks: allow-list, then rate limit, then shared secret.
	r.Group(func(r chi.Router) {
		r.Use(middleware.IPAllowList(deps.AllowList, deps.Rejections))
		r.Use(middleware.RateLimit(deps.Limiter, deps.Rejections))
		r.Use(middleware.Signature(deps.Verifier, deps.Signature, deps.Rejections))

		r.Post("/webhook", deps.WebhookHandler.HandleWebhook)
	})

	return r
}
