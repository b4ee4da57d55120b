package syncer

import (
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"syncwatch/internal/playback"
	"syncwatch/internal/protocol"
	"syncwatch/internal/transport"
)

// State is the connection phase of the reconciliation state machine.
//
//	Disconnected ──connect──▶ Connecting ──open──▶ AwaitingInitialState
//	      ▲                                               │ FullState
//	      └──────────────── close / error ◀── Synchronized ◀┘
type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingInitialState
	Synchronized
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingInitialState:
		return "awaiting_initial_state"
	case Synchronized:
		return "synchronized"
	default:
		return "unknown"
	}
}

// Sender hands serialized frames to the transport.
type Sender interface {
	Send(data []byte) error
}

// Machine decides how inbound messages change the local engine and which
// local events go out. It is the only writer of the known PlaybackState and
// must be driven from a single goroutine.
type Machine struct {
	clock      clockwork.Clock
	engine     playback.Engine
	sender     Sender
	suppressor *Suppressor
	epsilon    float64

	state   State
	self    protocol.ParticipantID
	known   playback.State
	knownAt time.Time
}

var _ Sink = (*Machine)(nil)

func NewMachine(engine playback.Engine, sender Sender, suppressor *Suppressor, clock clockwork.Clock, epsilon float64) *Machine {
	if epsilon <= 0 {
		epsilon = playback.DefaultEpsilon
	}
	return &Machine{
		clock:      clock,
		engine:     engine,
		sender:     sender,
		suppressor: suppressor,
		epsilon:    epsilon,
		knownAt:    clock.Now(),
	}
}

func (m *Machine) State() State                 { return m.state }
func (m *Machine) Self() protocol.ParticipantID { return m.self }

// Known returns the last applied or sent state, with the position advanced by
// the time elapsed since then when playing. The position stops at the end of
// the media when the engine knows its length.
func (m *Machine) Known() playback.State {
	s := m.known
	if s.Playing {
		s.Position += m.clock.Since(m.knownAt).Seconds()
		if b, ok := m.engine.(playback.Bounded); ok {
			if d := b.Duration(); d > 0 && s.Position > d {
				s.Position = d
			}
		}
	}
	return s
}

func (m *Machine) setKnown(s playback.State) {
	m.known = s
	m.knownAt = m.clock.Now()
}

func (m *Machine) Connecting() {
	m.reset()
	m.transition(Connecting)
}

// Opened announces this client; the server answers with Welcome and a
// FullState snapshot.
func (m *Machine) Opened() {
	m.transition(AwaitingInitialState)
	m.transmit(Event{Kind: EventAnnounceJoin})
}

// Closed drops back to Disconnected and clears any armed suppression so no
// stale window outlives the connection.
func (m *Machine) Closed() {
	m.reset()
	m.transition(Disconnected)
}

func (m *Machine) reset() {
	m.suppressor.Disarm()
	m.self = 0
}

func (m *Machine) transition(to State) {
	if m.state == to {
		return
	}
	log.Info().Stringer("from", m.state).Stringer("to", to).Msg("sync state changed")
	m.state = to
}

// HandleFrame decodes and applies one inbound frame. Bad frames are logged
// and dropped without touching state.
func (m *Machine) HandleFrame(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnknownCommandKind):
			log.Warn().Err(err).Str("frame", string(data)).Msg("unknown command kind")
		default:
			log.Warn().Err(err).Str("frame", string(data)).Msg("malformed message")
		}
		return
	}
	m.Receive(msg)
}

func (m *Machine) Receive(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindWelcome:
		if m.state == Disconnected {
			return
		}
		m.self = msg.Origin
		log.Info().Uint16("uid", uint16(msg.Origin)).Msg("participant id assigned")

	case protocol.KindFullState:
		if m.state == Disconnected || m.state == Connecting {
			log.Debug().Stringer("state", m.state).Msg("dropping snapshot while not connected")
			return
		}
		m.apply(playback.State{Position: msg.Time, Playing: msg.Playing})
		m.transition(Synchronized)

	case protocol.KindSeek, protocol.KindPlay, protocol.KindPause:
		if m.state != Synchronized {
			log.Debug().Str("kind", string(msg.Kind)).Stringer("state", m.state).Msg("dropping command before snapshot")
			return
		}
		m.applyCommand(msg)

	case protocol.KindError:
		if msg.Error != nil {
			log.Warn().Str("code", msg.Error.Code).Str("message", msg.Error.Message).Msg("server reported error")
		}

	default:
		log.Debug().Str("kind", string(msg.Kind)).Msg("ignoring client-bound frame")
	}
}

func (m *Machine) applyCommand(msg protocol.Message) {
	target := playback.State{Position: msg.Time, Playing: m.engine.Playing()}
	switch msg.Kind {
	case protocol.KindPlay:
		target.Playing = true
	case protocol.KindPause:
		target.Playing = false
	}

	if m.self != 0 && msg.Origin == m.self {
		if m.Known().Matches(target, m.epsilon) {
			return
		}
		log.Debug().Str("kind", string(msg.Kind)).Msg("own command differs from known state, reapplying")
	}
	m.apply(target)
}

// apply moves the engine to target under suppression. Only the engine calls
// that change something are made, and the suppressor expects exactly their
// notifications.
func (m *Machine) apply(target playback.State) {
	current := playback.Snapshot(m.engine)
	m.setKnown(target)

	seek := !playback.SamePosition(current.Position, target.Position, m.epsilon)
	var expect []playback.NotificationKind
	if seek {
		expect = append(expect, playback.Seeked)
	}
	switch {
	case target.Playing && !current.Playing:
		expect = append(expect, playback.Played)
	case !target.Playing && current.Playing:
		expect = append(expect, playback.Paused)
	}
	if len(expect) == 0 {
		return
	}

	m.suppressor.Arm(expect...)
	if seek {
		m.engine.Seek(target.Position)
	}
	switch {
	case target.Playing && !current.Playing:
		m.engine.Play()
	case !target.Playing && current.Playing:
		m.engine.Pause()
	}
	log.Debug().Stringer("target", target).Int("expected", len(expect)).Msg("applied remote state")
}

// Emit sends a locally observed event. Playback changes are only trusted once
// the first snapshot has been applied.
func (m *Machine) Emit(ev Event) {
	if ev.isPlaybackChange() && m.state != Synchronized {
		log.Debug().Stringer("event", ev.Kind).Stringer("state", m.state).Msg("dropping local event before sync")
		return
	}
	if ev.isPlaybackChange() {
		m.setKnown(ev.apply(m.Known()))
	}
	m.transmit(ev)
}

// RequestState asks the server for a fresh snapshot.
func (m *Machine) RequestState() {
	if m.state != AwaitingInitialState && m.state != Synchronized {
		return
	}
	m.transmit(Event{Kind: EventRequestState})
}

// PublishState pushes the local engine state to every other participant.
func (m *Machine) PublishState() {
	s := playback.Snapshot(m.engine)
	m.Emit(Event{Kind: EventPublishState, Position: s.Position, Playing: s.Playing})
}

func (m *Machine) transmit(ev Event) {
	data, err := protocol.Encode(ev.Message())
	if err != nil {
		log.Error().Err(err).Stringer("event", ev.Kind).Msg("encode outbound event")
		return
	}
	if err := m.sender.Send(data); err != nil {
		if errors.Is(err, transport.ErrTransportUnavailable) {
			log.Debug().Stringer("event", ev.Kind).Msg("dropped event, transport unavailable")
			return
		}
		log.Warn().Err(err).Stringer("event", ev.Kind).Msg("dropped event")
	}
}
