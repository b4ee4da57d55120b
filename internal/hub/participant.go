package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"syncwatch/internal/protocol"
)

// Conn is the part of a websocket connection the hub needs. Both
// gorilla/websocket and hertz-contrib/websocket connections satisfy it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Participant struct {
	ID          protocol.ParticipantID
	ConnectedAt time.Time

	conn      Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	hub       *Hub
}

// Send encodes msg and queues it without blocking. A full buffer drops the
// frame; the client catches up on its next snapshot.
func (p *Participant) Send(msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("kind", string(msg.Kind)).Msg("encode participant message")
		return false
	}
	return p.enqueue(data)
}

func (p *Participant) enqueue(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		log.Warn().Uint16("uid", uint16(p.ID)).Msg("send buffer full, dropping frame")
		return false
	}
}

// SendLoop writes queued frames and keeps the connection alive with pings
// until the participant is closed.
func (p *Participant) SendLoop() {
	cfg := p.hub.config
	ticker := p.hub.clock.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		p.Close()
	}()

	for {
		select {
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Uint16("uid", uint16(p.ID)).Msg("write failed")
				return
			}
		case <-ticker.Chan():
			_ = p.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Uint16("uid", uint16(p.ID)).Msg("ping failed")
				return
			}
		case <-p.done:
			return
		}
	}
}

// ReadLoop dispatches inbound frames until the connection fails or the
// client misses its heartbeat.
func (p *Participant) ReadLoop() {
	timeout := p.hub.config.ClientTimeout
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Uint16("uid", uint16(p.ID)).Msg("read loop ended")
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
		if msgType != websocket.TextMessage {
			continue
		}
		p.hub.Dispatch(p, data)
	}
}

func (p *Participant) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.conn != nil {
			_ = p.conn.Close()
		}
	})
}

// Serve runs one participant for the lifetime of conn.
func (h *Hub) Serve(conn Conn) {
	p, err := h.Attach(conn)
	if err != nil {
		log.Warn().Err(err).Msg("refusing participant")
		_ = conn.Close()
		return
	}
	defer h.Detach(p.ID)

	go p.SendLoop()
	p.ReadLoop()
}
