package hertzws

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/websocket"
	"github.com/rs/zerolog/log"

	"syncwatch/internal/hub"
)

// Handler serves /ws on the hertz stack.
type Handler struct {
	hub      *hub.Hub
	upgrader websocket.HertzUpgrader
}

func NewHandler(h *hub.Hub) *Handler {
	return &Handler{
		hub: h,
		upgrader: websocket.HertzUpgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(ctx *app.RequestContext) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades the request; the hub owns the connection until it closes.
func (h *Handler) HandleWebSocket(c context.Context, ctx *app.RequestContext) {
	remote := ctx.RemoteAddr().String()
	err := h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		log.Debug().Str("remote", remote).Msg("websocket upgraded")
		h.hub.Serve(conn)
	})
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("websocket upgrade failed")
	}
}
