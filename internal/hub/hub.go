// Package hub is the server side of the shared session: it assigns
// participant IDs, keeps the authoritative snapshot and fans commands out.
package hub

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"syncwatch/internal/playback"
	"syncwatch/internal/protocol"
)

var (
	ErrHubFull     = errors.New("no participant ids left")
	ErrNotACommand = errors.New("not a playback command")
)

const maxParticipants = 1<<16 - 1

type Config struct {
	PingInterval  time.Duration
	ClientTimeout time.Duration
	WriteTimeout  time.Duration
	SendBuffer    int
}

func DefaultConfig() Config {
	return Config{
		PingInterval:  30 * time.Second,
		ClientTimeout: 40 * time.Second,
		WriteTimeout:  10 * time.Second,
		SendBuffer:    32,
	}
}

// Status is the JSON view served by the HTTP API.
type Status struct {
	State        playback.State `json:"state"`
	Participants int            `json:"participants"`
	Members      []Member       `json:"members"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

type Member struct {
	ID          protocol.ParticipantID `json:"uid"`
	ConnectedAt time.Time              `json:"connectedAt"`
}

type Hub struct {
	config Config
	clock  clockwork.Clock

	mu           sync.RWMutex
	participants map[protocol.ParticipantID]*Participant
	state        playback.State
	updatedAt    time.Time
}

func New(config Config, clock clockwork.Clock) *Hub {
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultConfig().SendBuffer
	}
	return &Hub{
		config:       config,
		clock:        clock,
		participants: make(map[protocol.ParticipantID]*Participant),
		updatedAt:    clock.Now().UTC(),
	}
}

// Attach registers a participant under a fresh random ID.
func (h *Hub) Attach(conn Conn) (*Participant, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.participants) >= maxParticipants {
		return nil, ErrHubFull
	}
	var id protocol.ParticipantID
	for {
		id = protocol.ParticipantID(rand.Intn(maxParticipants) + 1)
		if _, taken := h.participants[id]; !taken {
			break
		}
	}

	p := &Participant{
		ID:          id,
		ConnectedAt: h.clock.Now().UTC(),
		conn:        conn,
		send:        make(chan []byte, h.config.SendBuffer),
		done:        make(chan struct{}),
		hub:         h,
	}
	h.participants[id] = p

	log.Info().Uint16("uid", uint16(id)).Int("participants", len(h.participants)).Msg("participant attached")
	return p, nil
}

func (h *Hub) Detach(id protocol.ParticipantID) {
	h.mu.Lock()
	p, ok := h.participants[id]
	if ok {
		delete(h.participants, id)
	}
	remaining := len(h.participants)
	h.mu.Unlock()

	if ok {
		p.Close()
		log.Info().Uint16("uid", uint16(id)).Int("participants", remaining).Msg("participant detached")
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.participants)
}

// Snapshot returns the shared state with the position advanced by the time
// elapsed since the last update when playing.
func (h *Hub) Snapshot() playback.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() playback.State {
	s := h.state
	if s.Playing {
		s.Position += h.clock.Since(h.updatedAt).Seconds()
	}
	return s
}

func (h *Hub) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := make([]Member, 0, len(h.participants))
	for id, p := range h.participants {
		members = append(members, Member{ID: id, ConnectedAt: p.ConnectedAt})
	}
	slices.SortFunc(members, func(a, b Member) int {
		return a.ConnectedAt.Compare(b.ConnectedAt)
	})
	return Status{
		State:        h.snapshotLocked(),
		Participants: len(h.participants),
		Members:      members,
		UpdatedAt:    h.updatedAt,
	}
}

// Apply folds a client command into the shared state and returns the frame
// to fan out: commands stamped with their origin, state reports as FullState.
func (h *Hub) Apply(origin protocol.ParticipantID, msg protocol.Message) (protocol.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.applyLocked(origin, msg)
}

// Relay applies msg and fans the result out in one critical section, so every
// participant receives commands in the order the snapshot recorded them.
func (h *Hub) Relay(origin protocol.ParticipantID, msg protocol.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	out, err := h.applyLocked(origin, msg)
	if err != nil {
		return err
	}
	h.broadcastLocked(origin, out)
	return nil
}

func (h *Hub) applyLocked(origin protocol.ParticipantID, msg protocol.Message) (protocol.Message, error) {
	next := h.snapshotLocked()
	var out protocol.Message
	switch msg.Kind {
	case protocol.KindSeek:
		next.Position = msg.Time
		out = msg.From(origin)
	case protocol.KindPlay:
		next = playback.State{Position: msg.Time, Playing: true}
		out = msg.From(origin)
	case protocol.KindPause:
		next = playback.State{Position: msg.Time, Playing: false}
		out = msg.From(origin)
	case protocol.KindSendState:
		next = playback.State{Position: msg.Time, Playing: msg.Playing}
		out = protocol.FullState(msg.Time, msg.Playing)
	default:
		return protocol.Message{}, fmt.Errorf("%w: %s", ErrNotACommand, msg.Kind)
	}

	h.state = next
	h.updatedAt = h.clock.Now().UTC()
	return out, nil
}

// Broadcast queues msg for every participant except the one it came from.
func (h *Hub) Broadcast(from protocol.ParticipantID, msg protocol.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.broadcastLocked(from, msg)
}

// broadcastLocked needs h.mu held. Enqueueing never blocks.
func (h *Hub) broadcastLocked(from protocol.ParticipantID, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("kind", string(msg.Kind)).Msg("encode broadcast")
		return
	}

	targets := 0
	for id, p := range h.participants {
		if id != from {
			p.enqueue(data)
			targets++
		}
	}
	log.Debug().Str("kind", string(msg.Kind)).Uint16("origin", uint16(from)).Int("targets", targets).Msg("broadcast")
}

// Dispatch handles one frame received from p.
func (h *Hub) Dispatch(p *Participant, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		code := "malformed"
		if errors.Is(err, protocol.ErrUnknownCommandKind) {
			code = "unknown_kind"
		}
		log.Warn().Err(err).Uint16("uid", uint16(p.ID)).Msg("rejected client frame")
		p.Send(protocol.Failure(code, "invalid structure"))
		return
	}

	switch {
	case msg.Kind == protocol.KindHello:
		// Held across both sends so no command lands between them.
		h.mu.RLock()
		p.Send(protocol.Welcome(p.ID))
		p.Send(h.fullStateLocked())
		h.mu.RUnlock()
	case msg.Kind == protocol.KindGetState:
		h.mu.RLock()
		p.Send(h.fullStateLocked())
		h.mu.RUnlock()
	case msg.IsCommand(), msg.Kind == protocol.KindSendState:
		if err := h.Relay(p.ID, msg); err != nil {
			p.Send(protocol.Failure("control_failed", err.Error()))
		}
	default:
		p.Send(protocol.Failure("unexpected_kind", fmt.Sprintf("%s is not accepted from clients", msg.Kind)))
	}
}

func (h *Hub) fullStateLocked() protocol.Message {
	s := h.snapshotLocked()
	return protocol.FullState(s.Position, s.Playing)
}
