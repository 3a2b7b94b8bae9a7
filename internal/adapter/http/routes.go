package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. guard, when
// non-nil, wraps the mutating API routes with idempotency handling.
func MountRoutes(r chi.Router, h *Handlers, ws http.HandlerFunc, guard func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)
	if ws != nil {
		r.Get("/ws", ws)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if guard != nil {
			r.Use(guard)
		}

		// Reservations
		r.Post("/resources/{resourceID}/reservations", h.CreateReservation)
		r.Get("/resources/{resourceID}/reservations", handleListInWindow(h.Reservations.List))
		r.Get("/reservations/{id}", handleGet(h.Reservations.Get, "reservation not found"))
		r.Post("/reservations/{id}/transition", handleUpdate(h.TransitionReservation, "reservation not found"))
		r.Post("/reservations/{id}/reschedule", handleUpdate(h.RescheduleReservation, "reservation not found"))

		// Availability exceptions
		r.Put("/resources/{resourceID}/exceptions", h.UpsertException)
		r.Get("/resources/{resourceID}/exceptions", handleListInWindow(h.Exceptions.List))
		r.Get("/exceptions/{id}", handleGet(h.Exceptions.Get, "exception not found"))
		r.Delete("/exceptions/{id}", handleDelete(h.Exceptions.Delete, "exception not found"))

		// Timeline
		r.Get("/resources/{resourceID}/availability", h.CheckAvailability)
	})
}
