/**
 * @description
 * This file sets up the HTTP router for the billing service using the go-chi/chi router.
 * It applies middleware for logging, CORS, authentication and rate limiting and maps
 * the routes to their handler functions.
 */
package api

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/facturacloud/billing-service/internal/domain"
)

// RouterConfig carries the collaborators and limits of the router. Only peers in
// TrustedProxies may set X-Forwarded-For for rate limiting.
type RouterConfig struct {
	Tokens                 TokenParser
	Limiter                RateLimiter
	RegistrationsPerMinute int
	TrustedProxies         []netip.Prefix
	WebhookSecret          string
	Logger                 *slog.Logger
}

// NewRouter creates a new Chi router and registers the billing routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Billing service is healthy"))
	})
	r.Get("/plans", h.handleListPlans)

	// Public onboarding routes, rate-limited per client IP.
	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, "register", cfg.RegistrationsPerMinute, cfg.TrustedProxies, cfg.Logger))

		r.Post("/payments/orders", h.handleCreateOrder)
		r.Post("/register", h.handleRegister)
		r.Post("/auth/login", h.handleLogin)
	})

	r.With(WebhookSignatureMiddleware(cfg.WebhookSecret, cfg.Logger)).
		Post("/webhooks/gateway", h.handleGatewayWebhook)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Tokens))

		r.Get("/tenant/subscription", h.handleGetSubscription)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireRole(domain.RoleSuperAdmin))

			r.Post("/subscriptions/extend", h.handleExtendSubscription)
			r.Post("/tenants/{tenantID}/deactivate", h.handleDeactivateTenant)
			r.Get("/payments/pending", h.handleListPendingPayments)
		})
	})

	return r
}
