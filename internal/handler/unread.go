package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rideshare/internal/middleware"
	"github.com/rideshare/internal/model"
)

type UnreadCounter interface {
	CountUnreadByRequest(ctx context.Context, receiverID string) (model.UnreadTally, error)
}

// UnreadHandler отдаёт авторитетный счётчик непрочитанных (для первой отрисовки до открытия сокета).
type UnreadHandler struct {
	counter UnreadCounter
}

func NewUnreadHandler(counter UnreadCounter) *UnreadHandler {
	return &UnreadHandler{counter: counter}
}

type unreadResponse struct {
	Total     int            `json:"total"`
	ByRequest map[string]int `json:"by_request"`
	AsOf      time.Time      `json:"as_of"`
}

func (h *UnreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeModelError(w, "unread.Get", model.ErrNotAuthenticated)
		return
	}
	tally, err := h.counter.CountUnreadByRequest(r.Context(), userID)
	if err != nil {
		writeModelError(w, "unread.Get", err)
		return
	}
	by := tally.ByRequest
	if by == nil {
		by = map[string]int{}
	}
	writeJSON(w, http.StatusOK, unreadResponse{Total: tally.Total(), ByRequest: by, AsOf: tally.AsOf})
}
