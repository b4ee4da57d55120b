package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"syncwatch/internal/hub"
)

// Handler upgrades plain net/http requests and hands the connection to the hub.
type Handler struct {
	hub      *hub.Hub
	upgrader websocket.Upgrader
}

func NewHandler(h *hub.Hub) *Handler {
	return &Handler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied to the client.
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	log.Debug().Str("remote", r.RemoteAddr).Msg("websocket upgraded")

	h.hub.Serve(conn)
}
