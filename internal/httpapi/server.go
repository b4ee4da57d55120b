package httpapi

import (
	"net/http"

	"github.com/RanFeng/ilog"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"syncwatch/internal/hub"
	"syncwatch/internal/ws"
)

// Server is the echo rendition of the HTTP surface.
type Server struct {
	hub    *hub.Hub
	ws     *ws.Handler
	router *echo.Echo
}

func NewServer(h *hub.Hub, staticDir string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	server := &Server{
		hub:    h,
		ws:     ws.NewHandler(h),
		router: e,
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/state", server.handleGetState)
	e.GET("/ws", server.handleWebSocket)
	if staticDir != "" {
		e.Static("/static", staticDir)
	}

	return server
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleGetState(c echo.Context) error {
	status := s.hub.Status()
	ilog.EventInfo(c.Request().Context(), "GetState", "status", status)
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleWebSocket(c echo.Context) error {
	// The websocket handler takes over the connection; echo must not write a response.
	s.ws.ServeHTTP(c.Response(), c.Request())
	return nil
}
