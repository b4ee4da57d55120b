package hertzapi

import (
	"context"
	"time"

	"github.com/RanFeng/ilog"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"syncwatch/internal/hertzws"
	"syncwatch/internal/hub"
)

// NewRouter registers the HTTP surface on h.
func NewRouter(h *server.Hertz, sessionHub *hub.Hub, staticDir string) *server.Hertz {
	wsHandler := hertzws.NewHandler(sessionHub)

	h.Use(recoveryMiddleware())
	h.Use(loggerMiddleware())

	h.GET("/healthz", func(c context.Context, ctx *app.RequestContext) {
		ctx.String(consts.StatusOK, "ok")
	})

	api := h.Group("/api")
	{
		api.GET("/state", handleGetState(sessionHub))
	}

	h.GET("/ws", wsHandler.HandleWebSocket)

	if staticDir != "" {
		h.Static("/static", staticDir)
	}

	return h
}

func recoveryMiddleware() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		defer func() {
			if err := recover(); err != nil {
				ilog.EventInfo(c, "panic_recovered", "path", string(ctx.Path()), "error", err)
				respondError(ctx, consts.StatusInternalServerError, "internal", "Internal Server Error")
			}
		}()
		ctx.Next(c)
	}
}

func loggerMiddleware() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		ilog.EventInfo(c, "http_request",
			"method", string(ctx.Method()),
			"path", string(ctx.Path()),
			"status", ctx.Response.StatusCode(),
			"latency", time.Since(start).String(),
		)
	}
}

func handleGetState(sessionHub *hub.Hub) app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, sessionHub.Status())
	}
}

func respondError(ctx *app.RequestContext, status int, code, message string) {
	ctx.JSON(status, map[string]interface{}{
		"Error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
