/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the mobile and web clients.
 * - github.com/prometheus/client_golang/prometheus/promhttp: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures the pieces of the router that differ between environments.
type RouterOptions struct {
	// Auth authenticates the caller and stores their owner id in the request context.
	Auth           func(http.Handler) http.Handler
	AllowedOrigins []string
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, opts RouterOptions) http.Handler {
	if opts.Auth == nil {
		opts.Auth = denyAll
	}
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotencyKeyHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/ledger", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("healthy"))
		})

		// Gateway notifications authenticate with the body signature, not a user token.
		r.Post("/webhooks/gateway", h.GatewayWebhookHandler)

		r.Group(func(r chi.Router) {
			r.Use(opts.Auth)
			r.Use(h.RequireAccount)

			r.Post("/deposits", h.DepositHandler)
			r.Post("/withdrawals", h.WithdrawHandler)
			r.Post("/transfers", h.TransferHandler)

			r.Post("/payments", h.InitializePaymentHandler)
			r.Post("/payments/{reference}/verify", h.VerifyPaymentHandler)
			r.Get("/payments/{reference}", h.GetPaymentHandler)

			r.Get("/transactions", h.ListTransactionsHandler)
			r.Get("/transactions/{idOrReference}", h.GetTransactionHandler)

			r.Get("/accounts/me", h.GetAccountHandler)
			r.Get("/accounts/me/reconciliation", h.ReconcileAccountHandler)
		})
	})

	return r
}

func denyAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Authentication is not configured", http.StatusUnauthorized)
	})
}
