// Package transport owns the client's single websocket connection to the
// broadcast server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrSendBufferFull       = errors.New("send buffer full")
)

// Handlers receive lifecycle transitions and inbound frames. They are called
// from the connection's own goroutines; any field may be nil.
type Handlers struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func()
	OnError   func(err error)
}

// Config holds websocket dial and write settings.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendBuffer       int
}

// DefaultConfig returns settings suitable for a browser-like client.
func DefaultConfig(endpoint string) Config {
	return Config{
		URL:              endpoint,
		HandshakeTimeout: 15 * time.Second,
		WriteTimeout:     10 * time.Second,
		SendBuffer:       64,
	}
}

// Session keeps at most one live connection. It never reconnects on its
// own; that policy belongs to the caller.
type Session struct {
	config   Config
	handlers Handlers
	dialer   websocket.Dialer

	mu      sync.Mutex
	current *conn
}

type conn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func New(config Config, handlers Handlers) *Session {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	return &Session{
		config:   config,
		handlers: handlers,
		dialer: websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
		},
	}
}

// Connect tears down any existing connection and dials a new one. OnOpen
// fires before the first OnMessage of the new connection.
func (s *Session) Connect(ctx context.Context) error {
	s.teardown()

	ws, resp, err := s.dialer.DialContext(ctx, s.config.URL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: status=%d: %w", s.config.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", s.config.URL, err)
	}

	c := &conn{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan []byte, s.config.SendBuffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	prev := s.current
	s.current = c
	s.mu.Unlock()
	if prev != nil {
		prev.close()
	}

	log.Info().Str("connection_id", c.id).Str("url", s.config.URL).Msg("transport connected")

	if s.handlers.OnOpen != nil {
		s.handlers.OnOpen()
	}
	go s.writePump(c)
	go s.readPump(c)
	return nil
}

// Send enqueues one frame on the live connection. Nothing is queued while
// disconnected.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil {
		return ErrTransportUnavailable
	}

	select {
	case <-c.done:
		return ErrTransportUnavailable
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Connected reports whether a connection is live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Close drops the live connection, if any, and fires OnClose.
func (s *Session) Close() error {
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	c.close()
	log.Info().Str("connection_id", c.id).Msg("transport closed")
	if s.handlers.OnClose != nil {
		s.handlers.OnClose()
	}
	return nil
}

// teardown drops the current connection without notifying OnClose; the
// caller is already replacing it.
func (s *Session) teardown() {
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()

	if c != nil {
		log.Debug().Str("connection_id", c.id).Msg("tearing down previous connection")
		c.close()
	}
}

func (s *Session) readPump(c *conn) {
	defer s.release(c)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && s.isCurrent(c) {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("transport read failed")
				if s.handlers.OnError != nil {
					s.handlers.OnError(err)
				}
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(data)
		}
	}
}

func (s *Session) writePump(c *conn) {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("connection_id", c.id).Msg("transport write failed")
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// release clears c if it is still the live connection and reports the close.
// Connections already replaced or closed by the caller stay silent.
func (s *Session) release(c *conn) {
	s.mu.Lock()
	wasCurrent := s.current == c
	if wasCurrent {
		s.current = nil
	}
	s.mu.Unlock()

	c.close()
	if wasCurrent {
		log.Info().Str("connection_id", c.id).Msg("transport connection lost")
		if s.handlers.OnClose != nil {
			s.handlers.OnClose()
		}
	}
}

func (s *Session) isCurrent(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == c
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

// Endpoint derives the websocket URL for a page served from pageURL: the
// same host at /ws, secure when the page itself was loaded over https.
func Endpoint(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("page url %q has no host", pageURL)
	}

	scheme := "ws"
	switch u.Scheme {
	case "https":
		scheme = "wss"
	case "http":
	default:
		return "", fmt.Errorf("unsupported page scheme %q", u.Scheme)
	}
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: "/ws"}).String(), nil
}
