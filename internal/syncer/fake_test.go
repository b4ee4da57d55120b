package syncer

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"syncwatch/internal/playback"
	"syncwatch/internal/protocol"
)

// fakeEngine records mutating calls and holds notifications until flush, the
// way a browser media element raises them on a later turn.
type fakeEngine struct {
	state   playback.State
	calls   []string
	subs    map[int]func(playback.Notification)
	nextSub int
	pending []playback.Notification
	// silent drops notifications, as if the engine never reported them.
	silent   bool
	duration float64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{subs: make(map[int]func(playback.Notification))}
}

func (e *fakeEngine) Position() float64 { return e.state.Position }
func (e *fakeEngine) Playing() bool     { return e.state.Playing }

func (e *fakeEngine) Duration() float64 { return e.duration }

func (e *fakeEngine) Seek(p float64) {
	e.calls = append(e.calls, "seek")
	e.state.Position = p
	e.raise(playback.Seeked)
}

func (e *fakeEngine) Play() {
	e.calls = append(e.calls, "play")
	if e.state.Playing {
		return
	}
	e.state.Playing = true
	e.raise(playback.Played)
}

func (e *fakeEngine) Pause() {
	e.calls = append(e.calls, "pause")
	if !e.state.Playing {
		return
	}
	e.state.Playing = false
	e.raise(playback.Paused)
}

func (e *fakeEngine) Subscribe(fn func(playback.Notification)) func() {
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() { delete(e.subs, id) }
}

func (e *fakeEngine) raise(k playback.NotificationKind) {
	if e.silent {
		return
	}
	e.pending = append(e.pending, playback.Notification{Kind: k, Position: e.state.Position})
}

func (e *fakeEngine) flush() {
	pending := e.pending
	e.pending = nil
	for _, n := range pending {
		for _, fn := range e.subs {
			fn(n)
		}
	}
}

// user performs a local action on the engine and lets its notifications run.
func (e *fakeEngine) user(action func(*fakeEngine)) {
	action(e)
	e.flush()
}

var errSenderDown = errors.New("sender down")

type fakeSender struct {
	frames   []protocol.Message
	attempts int
	down     bool
}

func (s *fakeSender) Send(data []byte) error {
	s.attempts++
	if s.down {
		return errSenderDown
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	s.frames = append(s.frames, msg)
	return nil
}

func (s *fakeSender) take() []protocol.Message {
	frames := s.frames
	s.frames = nil
	return frames
}

type fakeClock interface {
	clockwork.Clock
	Advance(time.Duration)
}

type harness struct {
	clock    fakeClock
	engine   *fakeEngine
	sender   *fakeSender
	sup      *Suppressor
	machine  *Machine
	observer *Observer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  clockwork.NewFakeClock(),
		engine: newFakeEngine(),
		sender: &fakeSender{},
	}
	h.sup = NewSuppressor(h.clock, time.Second)
	h.machine = NewMachine(h.engine, h.sender, h.sup, h.clock, playback.DefaultEpsilon)
	h.observer = NewObserver(h.engine, h.sup, h.machine, playback.DefaultEpsilon)
	h.observer.Enable(h.observer.Handle)
	return h
}

// join runs the push handshake up to Synchronized and clears all records.
func (h *harness) join(t *testing.T, id protocol.ParticipantID, snapshot playback.State) {
	t.Helper()
	h.machine.Connecting()
	h.machine.Opened()
	h.machine.Receive(protocol.Welcome(id))
	h.machine.Receive(protocol.FullState(snapshot.Position, snapshot.Playing))
	h.engine.flush()
	require.Equal(t, Synchronized, h.machine.State())
	h.sender.take()
	h.engine.calls = nil
}

// relay stamps a client frame the way the server fans it out.
func relay(msg protocol.Message, origin protocol.ParticipantID) protocol.Message {
	if msg.Kind == protocol.KindSendState {
		return protocol.FullState(msg.Time, msg.Playing)
	}
	return msg.From(origin)
}
