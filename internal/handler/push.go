package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rideshare/internal/middleware"
	"github.com/rideshare/internal/storage"
)

// PushHandler обрабатывает подписку на пуш-уведомления.
type PushHandler struct {
	store     storage.Store
	publicKey string
}

// NewPushHandler. Пустой publicKey означает, что пуши выключены.
func NewPushHandler(store storage.Store, publicKey string) *PushHandler {
	return &PushHandler{store: store, publicKey: publicKey}
}

// Config возвращает публичный VAPID-ключ для PushManager.subscribe.
func (h *PushHandler) Config(w http.ResponseWriter, r *http.Request) {
	if h.publicKey == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "public_key": h.publicKey})
}

// SubscribeRequest: тело от фронта (subscription из PushManager.getSubscription()).
type SubscribeRequest struct {
	Subscription storage.PushSubscription `json:"subscription"`
}

// Subscribe сохраняет подписку текущего пользователя.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "not_authenticated")
		return
	}
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Subscription.Endpoint == "" || req.Subscription.Keys.P256dh == "" || req.Subscription.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "subscription.endpoint and subscription.keys required")
		return
	}
	if err := h.store.AddSubscription(r.Context(), userID, req.Subscription); err != nil {
		writeModelError(w, "push.Subscribe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnsubscribeRequest: тело для отписки по endpoint.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "not_authenticated")
		return
	}
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.store.RemoveSubscription(r.Context(), userID, req.Endpoint); err != nil {
		writeModelError(w, "push.Unsubscribe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
