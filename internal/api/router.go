/**
 * @description
 * This file sets up the HTTP router for the payment-service. It defines the
 * agent-facing API endpoints, the internal admin surface, and the middleware
 * stack applied to each group.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for dashboard access.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// PaymentRoutes creates and returns the router for the payment service.
func PaymentRoutes(h *PaymentHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-Api-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Agent-facing endpoints, authenticated by agent JWT.
	r.Group(func(r chi.Router) {
		r.Use(AgentAuthMiddleware(jwksURL))

		r.Post("/payments", h.CreatePaymentHandler)
		r.Get("/payments", h.ListPaymentsHandler)
		r.Get("/payments/{paymentID}", h.GetPaymentHandler)
		r.Get("/payments/fee", h.FeeQuoteHandler)

		r.Get("/account", h.GetAccountHandler)
		r.Post("/repayments", h.RepaymentHandler)
	})

	// Internal admin surface, guarded by a shared secret.
	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		r.Post("/agents", h.RegisterAgentHandler)
		r.Post("/merchants", h.CreateMerchantHandler)
		r.Put("/merchants/{merchantID}/status", h.UpdateMerchantStatusHandler)

		r.Get("/vault", h.VaultStateHandler)
		r.Post("/vault/deposits", h.VaultDepositHandler)
		r.Post("/vault/withdrawals", h.VaultWithdrawHandler)
		r.Get("/vault/positions/{lenderID}", h.VaultPositionHandler)
	})

	return r
}
