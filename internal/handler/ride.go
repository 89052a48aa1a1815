package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rideshare/internal/middleware"
	"github.com/rideshare/internal/model"
)

type RequestCreator interface {
	CreateRequest(ctx context.Context, rideID, passengerID string) (*model.RideRequest, error)
}

type RideHandler struct {
	requests RequestCreator
}

func NewRideHandler(requests RequestCreator) *RideHandler {
	return &RideHandler{requests: requests}
}

// RequestRide создаёт заявку текущего пользователя на поездку {rideId}.
// Открытые вкладки узнают о ней из ленты изменений.
func (h *RideHandler) RequestRide(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeModelError(w, "ride.RequestRide", model.ErrNotAuthenticated)
		return
	}
	rideID := chi.URLParam(r, "rideId")
	if rideID == "" {
		writeError(w, http.StatusBadRequest, "rideId required")
		return
	}
	req, err := h.requests.CreateRequest(r.Context(), rideID, userID)
	if err != nil {
		writeModelError(w, "ride.RequestRide", model.Transient("ride.RequestRide", err))
		return
	}
	writeJSON(w, http.StatusCreated, req)
}
