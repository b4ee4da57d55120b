// Package syncer keeps a local media engine in lockstep with every other
// participant of the shared session.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"syncwatch/internal/playback"
	"syncwatch/internal/protocol"
	"syncwatch/internal/transport"
)

// Config holds the client's sync tuning.
type Config struct {
	Endpoint       string
	SuppressWindow time.Duration
	Epsilon        float64
	// ReconnectDelay schedules a reconnect after an unexpected close or a
	// failed dial. Zero leaves reconnecting to the caller.
	ReconnectDelay time.Duration
	Clock          clockwork.Clock
}

func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:       endpoint,
		SuppressWindow: DefaultSuppressWindow,
		Epsilon:        playback.DefaultEpsilon,
		ReconnectDelay: 2 * time.Second,
		Clock:          clockwork.NewRealClock(),
	}
}

// Status is a read-only view of the session for display.
type Status struct {
	State    State
	Self     protocol.ParticipantID
	Playback playback.State
}

// Session wires the transport, the observer and the machine together and
// runs all of them on one event loop. Every exported method may be called
// from any goroutine; the work itself happens on the loop started by Run.
type Session struct {
	config    Config
	clock     clockwork.Clock
	transport *transport.Session
	machine   *Machine
	observer  *Observer
	queue     *loopQueue
	onStatus  func(Status)

	// Owned by the loop.
	ctx       context.Context
	closing   bool
	reconnect clockwork.Timer

	statusMu sync.Mutex
	status   Status
}

// NewSession builds a session for engine. onStatus, if set, is called on the
// loop after every handled event.
func NewSession(config Config, engine playback.Engine, onStatus func(Status)) *Session {
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	s := &Session{
		config:   config,
		clock:    config.Clock,
		queue:    newLoopQueue(),
		onStatus: onStatus,
	}

	s.transport = transport.New(transport.DefaultConfig(config.Endpoint), transport.Handlers{
		OnOpen: func() { s.post(s.machineOpened) },
		OnMessage: func(data []byte) {
			s.post(func() { s.machine.HandleFrame(data) })
		},
		OnClose: func() { s.post(s.connectionLost) },
		OnError: func(err error) {
			s.post(func() { log.Warn().Err(err).Msg("transport error") })
		},
	})

	suppressor := NewSuppressor(config.Clock, config.SuppressWindow)
	s.machine = NewMachine(engine, s.transport, suppressor, config.Clock, config.Epsilon)
	s.observer = NewObserver(engine, suppressor, s.machine, s.machine.epsilon)
	return s
}

// Run processes events until ctx is cancelled, then closes the connection.
func (s *Session) Run(ctx context.Context) {
	s.ctx = ctx
	s.observer.Enable(func(n playback.Notification) {
		s.post(func() { s.observer.Handle(n) })
	})
	defer s.observer.Disable()

	log.Info().Str("endpoint", s.config.Endpoint).Msg("sync session started")
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			log.Info().Msg("sync session stopped")
			return
		case <-s.queue.signal:
			for _, fn := range s.queue.drain() {
				fn()
				s.report()
			}
		}
	}
}

// Connect (re)establishes the connection and restarts the join handshake.
func (s *Session) Connect() { s.post(s.connect) }

// Disconnect closes the connection without scheduling a reconnect.
func (s *Session) Disconnect() {
	s.post(func() {
		s.closing = true
		s.stopReconnect()
		_ = s.transport.Close()
	})
}

// Resync asks the server for the current snapshot.
func (s *Session) Resync() { s.post(s.machine.RequestState) }

// Publish pushes the local engine state to every other participant.
func (s *Session) Publish() { s.post(s.machine.PublishState) }

// Status returns the state reported after the last handled event.
func (s *Session) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

func (s *Session) post(fn func()) {
	s.queue.push(fn)
}

func (s *Session) connect() {
	s.closing = false
	s.stopReconnect()
	s.machine.Connecting()

	ctx := s.ctx
	go func() {
		if err := s.transport.Connect(ctx); err != nil {
			s.post(func() { s.dialFailed(err) })
		}
	}()
}

func (s *Session) machineOpened() {
	if s.closing {
		_ = s.transport.Close()
		return
	}
	s.machine.Opened()
}

func (s *Session) dialFailed(err error) {
	log.Warn().Err(err).Msg("connect failed")
	s.machine.Closed()
	s.scheduleReconnect()
}

func (s *Session) connectionLost() {
	s.machine.Closed()
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	if s.closing || s.config.ReconnectDelay <= 0 || s.ctx.Err() != nil {
		return
	}
	s.stopReconnect()
	log.Info().Dur("delay", s.config.ReconnectDelay).Msg("scheduling reconnect")
	s.reconnect = s.clock.AfterFunc(s.config.ReconnectDelay, func() { s.post(s.connect) })
}

func (s *Session) stopReconnect() {
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
}

func (s *Session) shutdown() {
	s.closing = true
	s.stopReconnect()
	_ = s.transport.Close()
	s.machine.Closed()
	s.report()
}

func (s *Session) report() {
	st := Status{
		State:    s.machine.State(),
		Self:     s.machine.Self(),
		Playback: s.machine.Known(),
	}
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
	if s.onStatus != nil {
		s.onStatus(st)
	}
}

// loopQueue is an unbounded FIFO of closures. Pushing never blocks, so loop
// code may post to its own queue (engine notifications raised while applying
// a remote command do exactly that).
type loopQueue struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
}

func newLoopQueue() *loopQueue {
	return &loopQueue{signal: make(chan struct{}, 1)}
}

func (q *loopQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *loopQueue) drain() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
