package syncer

import (
	"syncwatch/internal/playback"
	"syncwatch/internal/protocol"
)

// EventKind tags an outbound event.
type EventKind int

const (
	EventSeek EventKind = iota
	EventPlay
	EventPause
	EventAnnounceJoin
	EventRequestState
	EventPublishState
)

func (k EventKind) String() string {
	switch k {
	case EventSeek:
		return "seek"
	case EventPlay:
		return "play"
	case EventPause:
		return "pause"
	case EventAnnounceJoin:
		return "announce_join"
	case EventRequestState:
		return "request_state"
	case EventPublishState:
		return "publish_state"
	default:
		return "unknown"
	}
}

// Event is a candidate outbound message. It lives only between the Observer
// and the Machine.
type Event struct {
	Kind     EventKind
	Position float64
	Playing  bool
}

// Message maps the event onto its wire form.
func (e Event) Message() protocol.Message {
	switch e.Kind {
	case EventSeek:
		return protocol.Seek(e.Position)
	case EventPlay:
		return protocol.Play(e.Position)
	case EventPause:
		return protocol.Pause(e.Position)
	case EventAnnounceJoin:
		return protocol.Hello()
	case EventRequestState:
		return protocol.GetState()
	default:
		return protocol.SendState(e.Position, e.Playing)
	}
}

// isPlaybackChange reports whether the event carries user intent that is only
// trusted once synchronized.
func (e Event) isPlaybackChange() bool {
	switch e.Kind {
	case EventSeek, EventPlay, EventPause, EventPublishState:
		return true
	}
	return false
}

// apply returns the state after the event took effect on s.
func (e Event) apply(s playback.State) playback.State {
	switch e.Kind {
	case EventSeek:
		s.Position = e.Position
	case EventPlay:
		s = playback.State{Position: e.Position, Playing: true}
	case EventPause:
		s = playback.State{Position: e.Position, Playing: false}
	case EventPublishState:
		s = playback.State{Position: e.Position, Playing: e.Playing}
	}
	return s
}
