/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to
  handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/sessions/*     Session catalog and admin session creation
  /api/bookings/*     Booking lifecycle (create, seats, cancel)
  /api/admin/*        Admin overrides (cancel, move, host spots)
  /api/members/*      Punch card queries
  /api/punch-cards/*  Usage history
  /api/gusmester/*    Gusmester spot economy
  /api/employees/*    Staff points balance
  /api/sweep          On-demand sweep

SECURITY NOTE:
  No authentication middleware. Caller identity arrives in request
  bodies from the upstream identity provider; this service trusts it.

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
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Session routes
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Get("/{id}", h.GetSession)
			r.Get("/{id}/spots", h.GetSessionSpots)
		})

		// Booking routes
		r.Route("/bookings", func(r chi.Router) {
			r.Post("/", h.CreateBooking)
			r.Get("/{id}", h.GetBooking)
			r.Post("/{id}/add-seats", h.AddSeats)
			r.Post("/{id}/remove-seats", h.RemoveSeats)
			r.Post("/{id}/cancel", h.CancelBooking)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/bookings/{id}/cancel", h.AdminCancelBooking)
			r.Post("/bookings/{id}/move", h.AdminMoveBooking)
			r.Post("/sessions/{id}/host-spots", h.ReserveHostSpots)
		})

		// Punch card routes
		r.Get("/members/{memberId}/punch-cards", h.ListPunchCards)
		r.Get("/punch-cards/{id}/usage", h.GetPunchCardHistory)

		// Gusmester spot routes
		r.Route("/gusmester/spots", func(r chi.Router) {
			r.Post("/{id}/book", h.BookSpot)
			r.Post("/{id}/cancel", h.CancelSpotBooking)
			r.Post("/{id}/guest", h.BookGuest)
			r.Post("/{id}/release", h.ReleaseGuestSpot)
		})

		// Points routes
		r.Get("/employees/{employeeId}/points", h.GetPointsBalance)

		// Maintenance routes
		r.Post("/sweep", h.RunSweep)
	})

	return r
}
