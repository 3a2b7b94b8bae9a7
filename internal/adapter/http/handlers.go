package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/slotkeeper/internal/domain/exception"
	"github.com/Strob0t/slotkeeper/internal/domain/reservation"
	"github.com/Strob0t/slotkeeper/internal/service"
)

// Handlers holds the services behind the REST API.
type Handlers struct {
	Reservations *service.ReservationService
	Exceptions   *service.ExceptionService
	Availability *service.AvailabilityService
	// Ready reports dependency health for GET /health; nil means always ready.
	Ready func(ctx context.Context) error
}

// CreateReservation handles POST /api/v1/resources/{resourceID}/reservations
func (h *Handlers) CreateReservation(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[reservation.CreateRequest](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	req.ResourceID = chi.URLParam(r, "resourceID")

	res, err := h.Reservations.Create(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "reservation not found")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// TransitionReservation handles POST /api/v1/reservations/{id}/transition
func (h *Handlers) TransitionReservation(ctx context.Context, id string, req *reservation.TransitionRequest) (*reservation.Reservation, error) {
	return h.Reservations.Transition(ctx, id, req.Status)
}

// RescheduleReservation handles POST /api/v1/reservations/{id}/reschedule
func (h *Handlers) RescheduleReservation(ctx context.Context, id string, req *reservation.RescheduleRequest) (*reservation.Reservation, error) {
	return h.Reservations.Reschedule(ctx, id, req.Start, req.End)
}

// UpsertException handles PUT /api/v1/resources/{resourceID}/exceptions
func (h *Handlers) UpsertException(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[exception.UpsertRequest](w, r, defaultBodyLimit)
	if !ok {
		return
	}
	req.ResourceID = chi.URLParam(r, "resourceID")

	e, err := h.Exceptions.Upsert(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "exception not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// CheckAvailability handles GET /api/v1/resources/{resourceID}/availability?from=&to=
func (h *Handlers) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r, true)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	segs, err := h.Availability.Check(r.Context(), chi.URLParam(r, "resourceID"), window)
	if err != nil {
		writeDomainError(w, err, "resource not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resource_id": chi.URLParam(r, "resourceID"),
		"from":        window.Start,
		"to":          window.End,
		"segments":    segs,
	})
}

// Health handles GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
