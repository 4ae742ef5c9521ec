package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/branchtalk/internal/logger"
	"github.com/branchtalk/internal/middleware"
	"github.com/branchtalk/internal/ws"
	"github.com/gorilla/websocket"
)

type WSHandler struct {
	hub            *ws.Hub
	allowedOrigins string
	sendBufSize    int
}

// NewWSHandler creates the WebSocket entry point. allowedOrigins follows the
// CORS convention (comma-separated or "*").
func NewWSHandler(hub *ws.Hub, allowedOrigins string, sendBufSize int) *WSHandler {
	return &WSHandler{hub: hub, allowedOrigins: strings.TrimSpace(allowedOrigins), sendBufSize: sendBufSize}
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if h.allowedOrigins == "*" || h.allowedOrigins == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(h.allowedOrigins, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("ws upgrade: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, userID, h.sendBufSize)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
