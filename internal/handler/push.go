package handler

import (
	"encoding/json"
	"net/http"

	"github.com/branchtalk/internal/logger"
	"github.com/branchtalk/internal/middleware"
	"github.com/branchtalk/internal/push"
)

type PushHandler struct {
	notifier *push.Notifier
}

func NewPushHandler(notifier *push.Notifier) *PushHandler {
	return &PushHandler{notifier: notifier}
}

// VAPIDPublic hands the browser the key it needs to subscribe.
func (h *PushHandler) VAPIDPublic(w http.ResponseWriter, r *http.Request) {
	key := h.notifier.PublicKey()
	if key == "" {
		writeError(w, http.StatusServiceUnavailable, "push not configured")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(key))
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var sub push.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, keys.p256dh and keys.auth required")
		return
	}
	if err := h.notifier.Subscribe(r.Context(), userID, sub); err != nil {
		logger.Errorf("push subscribe user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if err := h.notifier.Unsubscribe(r.Context(), userID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "failed to remove subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
