package syncer

import (
	"github.com/rs/zerolog/log"

	"syncwatch/internal/playback"
)

// Sink is where surviving events go. Known is the last state the sink
// applied or sent, projected to now.
type Sink interface {
	Known() playback.State
	Emit(Event)
}

// Observer turns engine notifications into outbound events, dropping echo
// and notifications that carry no new information.
type Observer struct {
	engine     playback.Engine
	suppressor *Suppressor
	sink       Sink
	epsilon    float64

	unsubscribe func()
}

func NewObserver(engine playback.Engine, suppressor *Suppressor, sink Sink, epsilon float64) *Observer {
	return &Observer{
		engine:     engine,
		suppressor: suppressor,
		sink:       sink,
		epsilon:    epsilon,
	}
}

// Enable subscribes to the engine. deliver decides where Handle runs; the
// session passes a func that queues it on its loop.
func (o *Observer) Enable(deliver func(playback.Notification)) {
	if o.unsubscribe != nil {
		return
	}
	o.unsubscribe = o.engine.Subscribe(deliver)
}

// Disable drops the engine subscription.
func (o *Observer) Disable() {
	if o.unsubscribe == nil {
		return
	}
	o.unsubscribe()
	o.unsubscribe = nil
}

func (o *Observer) Handle(n playback.Notification) {
	if o.suppressor.Suppress(n.Kind) {
		log.Debug().Stringer("notification", n.Kind).Float64("position", n.Position).Msg("suppressed echo")
		return
	}

	known := o.sink.Known()
	switch n.Kind {
	case playback.Seeked:
		if playback.SamePosition(n.Position, known.Position, o.epsilon) {
			return
		}
		o.sink.Emit(Event{Kind: EventSeek, Position: n.Position})
	case playback.Played:
		if known.Playing {
			return
		}
		o.sink.Emit(Event{Kind: EventPlay, Position: n.Position})
	case playback.Paused:
		if !known.Playing {
			return
		}
		o.sink.Emit(Event{Kind: EventPause, Position: n.Position})
	}
}
