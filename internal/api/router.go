/**
 * @description
 * This file sets up the HTTP router for the loyalty-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LoyaltyRoutes creates and returns a new router for the loyalty service.
func LoyaltyRoutes(h *LoyaltyHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Internal surface: webhook ingest from the commerce platform plus
	// operator endpoints. Guarded by a shared API key, not customer auth.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/loyalty/events/order-paid", h.OrderPaidHandler)
		r.Post("/loyalty/events/review-created", h.ReviewCreatedHandler)

		r.Post("/loyalty/issuances/sweep", h.SweepIssuancesHandler)
		r.Get("/loyalty/issuances/failed", h.ListFailedIssuancesHandler)
	})

	// Customer-facing surface: requires a valid customer JWT, and each
	// customer may only touch their own account.
	r.Group(func(r chi.Router) {
		r.Use(CustomerAuthMiddleware(jwksURL))

		r.Get("/loyalty/accounts/{customerID}", h.GetAccountHandler)
		r.Post("/loyalty/accounts/{customerID}/redeem", h.RedeemHandler)
	})

	return r
}
