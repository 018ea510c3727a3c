/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestLog: Structured request logging (zerolog)
  4. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/accounts/*     Accounts, balances, ledgers, achievements
  /api/rides/*        Ride offers, bookings, lifecycle
  /api/bookings/*     Booking lookup and cancellation
  /api/rewards/*      Reward catalog and redemption
  /api/redemptions/*  Voucher usage

SECURITY NOTE:
  No authentication middleware. Identity is established upstream; the
  engine trusts the account IDs it is handed.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{accountID}", h.GetAccount)
			r.Get("/{accountID}/entries", h.ListEntries)
			r.Post("/{accountID}/topup", h.TopUp)
			r.Get("/{accountID}/achievements", h.ListAchievements)
			r.Get("/{accountID}/bookings", h.ListAccountBookings)
			r.Get("/{accountID}/redemptions", h.ListAccountRedemptions)
		})

		// Ride routes
		r.Route("/rides", func(r chi.Router) {
			r.Get("/", h.ListRides)
			r.Post("/", h.PublishRide)
			r.Get("/{rideID}", h.GetRide)
			r.Patch("/{rideID}", h.UpdateRide)
			r.Post("/{rideID}/bookings", h.Book)
			r.Post("/{rideID}/complete", h.CompleteRide)
			r.Post("/{rideID}/cancel", h.CancelRide)
		})

		// Booking routes
		r.Route("/bookings", func(r chi.Router) {
			r.Get("/{bookingID}", h.GetBooking)
			r.Post("/{bookingID}/cancel", h.CancelBooking)
		})

		// Reward routes
		r.Route("/rewards", func(r chi.Router) {
			r.Get("/", h.ListRewards)
			r.Post("/{rewardID}/redemptions", h.Redeem)
		})

		// Redemption routes
		r.Route("/redemptions", func(r chi.Router) {
			r.Post("/use", h.UseRedemption)
		})
	})

	return r
}
