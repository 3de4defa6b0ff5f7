package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		// Alert stream carries no secrets and subscribers are read-only.
		return true
	},
}

const streamHeartbeat = 30 * time.Second

// handleAlertStream upgrades the connection and forwards published alerts
// until the client goes away. A slow client misses alerts rather than
// stalling the dispatcher; the hub drops on full buffers.
func (h *Handler) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	hub := h.pipeline.AlertHub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "alert stream not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	sub := hub.Subscribe(32)
	defer hub.Unsubscribe(sub)

	// Drain client frames so close handshakes and pings are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case alert, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(alert); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
