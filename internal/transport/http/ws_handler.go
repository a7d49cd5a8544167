package http

import (
	"net/http"

	"github.com/gorilla/websocket"

	"terratueftler-service/internal/app"
	"terratueftler-service/internal/logging"
)

// WSHandler streams leaderboard updates to connected clients. The feed is
// outbound-only; inbound frames are read solely to detect disconnects.
type WSHandler struct {
	leaderboard *app.LeaderboardService
	upgrader    websocket.Upgrader
	log         *logging.Logger
}

func NewWSHandler(leaderboard *app.LeaderboardService, log *logging.Logger) *WSHandler {
	return &WSHandler{
		leaderboard: leaderboard,
		log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ServeWS upgrades the request and forwards leaderboard updates until the
// client goes away.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.leaderboard.Subscribe()
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot := outboundMessage{Type: "leaderboard-data", Payload: h.leaderboard.Data()}
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(outboundMessage{Type: "leaderboard-update", Payload: update}); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}
