package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"syncwatch/internal/protocol"
)

var errConnClosed = errors.New("conn closed")

// pipeConn is an in-memory Conn: frames pushed into inbound are read by the
// hub, frames the hub writes are collected in written.
type pipeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written []protocol.Message
	pings   int
}

func newPipeConn() *pipeConn {
	return &pipeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *pipeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.PingMessage {
		c.pings++
		return nil
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.written = append(c.written, msg)
	return nil
}

func (c *pipeConn) SetReadDeadline(time.Time) error          { return nil }
func (c *pipeConn) SetWriteDeadline(time.Time) error         { return nil }
func (c *pipeConn) SetPongHandler(func(appData string) error) {}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.written...)
}

func (c *pipeConn) waitFor(t *testing.T, n int) []protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := c.messages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d frames, got %v", n, c.messages())
	return nil
}

func send(t *testing.T, c *pipeConn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode %v: %v", msg, err)
	}
	c.inbound <- data
}

func newTestHub() (*Hub, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return New(DefaultConfig(), clock), clock
}

// TestAttachAssignsUniqueIDs checks that every participant gets a distinct non-zero id.
func TestAttachAssignsUniqueIDs(t *testing.T) {
	h, _ := newTestHub()

	seen := make(map[protocol.ParticipantID]bool)
	for i := 0; i < 200; i++ {
		p, err := h.Attach(newPipeConn())
		if err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
		if p.ID == 0 {
			t.Fatal("participant id should not be zero")
		}
		if seen[p.ID] {
			t.Fatalf("duplicate participant id %d", p.ID)
		}
		seen[p.ID] = true
	}
	if h.Count() != 200 {
		t.Errorf("Count mismatch: expected 200, got %d", h.Count())
	}
}

func TestDetach(t *testing.T) {
	h, _ := newTestHub()
	conn := newPipeConn()
	p, err := h.Attach(conn)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	h.Detach(p.ID)

	if h.Count() != 0 {
		t.Errorf("Count mismatch: expected 0, got %d", h.Count())
	}
	select {
	case <-conn.closed:
	default:
		t.Error("detach should close the connection")
	}
	if p.Send(protocol.GetState()) {
		t.Error("send after detach should be refused")
	}
	// Detaching twice is harmless.
	h.Detach(p.ID)
}

// TestSnapshotExtrapolates checks that a playing snapshot advances with the clock.
func TestSnapshotExtrapolates(t *testing.T) {
	h, clock := newTestHub()

	if _, err := h.Apply(1, protocol.Play(10)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	clock.Advance(3 * time.Second)

	s := h.Snapshot()
	if !s.Playing {
		t.Error("snapshot should be playing")
	}
	if s.Position != 13 {
		t.Errorf("Position mismatch: expected 13, got %f", s.Position)
	}

	if _, err := h.Apply(1, protocol.Pause(13.5)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	clock.Advance(5 * time.Second)
	if s := h.Snapshot(); s.Position != 13.5 || s.Playing {
		t.Errorf("paused snapshot should hold, got %v", s)
	}
}

func TestApply(t *testing.T) {
	h, clock := newTestHub()

	out, err := h.Apply(7, protocol.Seek(42))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if out.Kind != protocol.KindSeek || out.Origin != 7 || out.Time != 42 {
		t.Errorf("unexpected fan-out frame %+v", out)
	}
	if s := h.Snapshot(); s.Position != 42 || s.Playing {
		t.Errorf("seek should keep paused state, got %v", s)
	}

	out, err = h.Apply(7, protocol.SendState(100, true))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if out.Kind != protocol.KindFullState || out.Time != 100 || !out.Playing {
		t.Errorf("SendState should fan out as FullState, got %+v", out)
	}

	clock.Advance(time.Second)
	out, err = h.Apply(9, protocol.Seek(5))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if s := h.Snapshot(); s.Position != 5 || !s.Playing {
		t.Errorf("seek while playing should keep playing, got %v", s)
	}
	if st := h.Status(); !st.UpdatedAt.Equal(clock.Now().UTC()) || st.Participants != 0 {
		t.Errorf("unexpected status %+v", st)
	}

	if _, err := h.Apply(7, protocol.Hello()); !errors.Is(err, ErrNotACommand) {
		t.Errorf("Expected ErrNotACommand, got %v", err)
	}
}

// TestServeJoinHandshake drives a participant through Hello and a broadcast.
func TestServeJoinHandshake(t *testing.T) {
	h, _ := newTestHub()
	if _, err := h.Apply(1, protocol.Pause(12)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	a, b := newPipeConn(), newPipeConn()
	go h.Serve(a)
	go h.Serve(b)

	send(t, a, protocol.Hello())
	msgs := a.waitFor(t, 2)
	if msgs[0].Kind != protocol.KindWelcome || msgs[0].Origin == 0 {
		t.Fatalf("expected Welcome first, got %+v", msgs[0])
	}
	if msgs[1].Kind != protocol.KindFullState || msgs[1].Time != 12 || msgs[1].Playing {
		t.Fatalf("expected FullState{12,false}, got %+v", msgs[1])
	}
	self := msgs[0].Origin

	send(t, b, protocol.Hello())
	b.waitFor(t, 2)

	send(t, a, protocol.Play(20))
	got := b.waitFor(t, 3)[2]
	if got.Kind != protocol.KindPlay || got.Time != 20 || got.Origin != self {
		t.Errorf("expected Play from %d, got %+v", self, got)
	}

	send(t, b, protocol.GetState())
	if got := b.waitFor(t, 4)[3]; got.Kind != protocol.KindFullState || !got.Playing {
		t.Errorf("expected playing FullState, got %+v", got)
	}

	// The originator never hears its own command back.
	time.Sleep(20 * time.Millisecond)
	if n := len(a.messages()); n != 2 {
		t.Errorf("originator received %d frames, expected 2", n)
	}

	a.Close()
	b.Close()
}

func TestServeRejectsBadFrames(t *testing.T) {
	h, _ := newTestHub()
	conn := newPipeConn()
	go h.Serve(conn)

	conn.inbound <- []byte(`3:foo:bar`)
	conn.inbound <- []byte(`{"Rewind":{}}`)
	send(t, conn, protocol.Welcome(4))

	msgs := conn.waitFor(t, 3)
	codes := []string{"malformed", "unknown_kind", "unexpected_kind"}
	for i, code := range codes {
		if msgs[i].Kind != protocol.KindError || msgs[i].Error == nil || msgs[i].Error.Code != code {
			t.Errorf("frame %d: expected Error{%s}, got %+v", i, code, msgs[i])
		}
	}
	conn.Close()
}

func TestServeDetachesOnClose(t *testing.T) {
	h, _ := newTestHub()
	conn := newPipeConn()
	done := make(chan struct{})
	go func() {
		h.Serve(conn)
		close(done)
	}()

	send(t, conn, protocol.Hello())
	conn.waitFor(t, 2)
	if h.Count() != 1 {
		t.Fatalf("expected one participant, got %d", h.Count())
	}

	conn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after close")
	}
	if h.Count() != 0 {
		t.Errorf("expected no participants, got %d", h.Count())
	}
}

func TestSendLoopPings(t *testing.T) {
	h, clock := newTestHub()
	conn := newPipeConn()
	p, err := h.Attach(conn)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	go p.SendLoop()
	defer h.Detach(p.ID)

	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatalf("ticker not registered: %v", err)
	}
	clock.Advance(DefaultConfig().PingInterval)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		pings := conn.pings
		conn.mu.Unlock()
		if pings > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected a ping after the interval")
}

// drain empties a participant's queue and returns the last frame, if any.
func drain(t *testing.T, p *Participant) (protocol.Message, bool) {
	t.Helper()
	var last []byte
	for {
		select {
		case data := <-p.send:
			last = data
		default:
			if last == nil {
				return protocol.Message{}, false
			}
			msg, err := protocol.Decode(last)
			if err != nil {
				t.Fatalf("decode %s: %v", last, err)
			}
			return msg, true
		}
	}
}

// TestConcurrentCommandsReachOthersInSnapshotOrder checks that a passive
// participant always ends up on the position the hub recorded last.
func TestConcurrentCommandsReachOthersInSnapshotOrder(t *testing.T) {
	h, _ := newTestHub()
	var ps []*Participant
	for i := 0; i < 3; i++ {
		p, err := h.Attach(newPipeConn())
		if err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
		ps = append(ps, p)
	}
	seek100, _ := protocol.Encode(protocol.Seek(100))
	seek200, _ := protocol.Encode(protocol.Seek(200))

	for round := 0; round < 2000; round++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); h.Dispatch(ps[0], seek100) }()
		go func() { defer wg.Done(); h.Dispatch(ps[1], seek200) }()
		wg.Wait()

		drain(t, ps[0])
		drain(t, ps[1])
		last, ok := drain(t, ps[2])
		if !ok {
			t.Fatalf("round %d: passive participant received nothing", round)
		}
		if want := h.Snapshot().Position; last.Time != want {
			t.Fatalf("round %d: passive participant at %v, hub at %v", round, last.Time, want)
		}
	}
}

// TestJoinSnapshotIsNotOvertakenByCommands checks that the FullState answering
// Hello always reflects every command queued before it.
func TestJoinSnapshotIsNotOvertakenByCommands(t *testing.T) {
	h, _ := newTestHub()
	driver, err := h.Attach(newPipeConn())
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	hello, _ := protocol.Encode(protocol.Hello())

	for round := 0; round < 500; round++ {
		joiner, err := h.Attach(newPipeConn())
		if err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
		seek, _ := protocol.Encode(protocol.Seek(float64(round + 1)))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); h.Dispatch(driver, seek) }()
		go func() { defer wg.Done(); h.Dispatch(joiner, hello) }()
		wg.Wait()

		var frames []protocol.Message
		for {
			msg, ok := func() (protocol.Message, bool) {
				select {
				case data := <-joiner.send:
					m, err := protocol.Decode(data)
					if err != nil {
						t.Fatalf("decode %s: %v", data, err)
					}
					return m, true
				default:
					return protocol.Message{}, false
				}
			}()
			if !ok {
				break
			}
			frames = append(frames, msg)
		}
		// The command may arrive before Welcome or after FullState, never between.
		for i, f := range frames {
			if f.Kind == protocol.KindFullState && f.Time != float64(round+1) {
				if i+1 >= len(frames) || frames[i+1].Kind != protocol.KindSeek {
					t.Fatalf("round %d: stale snapshot %v with no later command: %+v", round, f.Time, frames)
				}
			}
		}
		h.Detach(joiner.ID)
	}
}

func TestStatusListsMembersByJoinTime(t *testing.T) {
	h, clock := newTestHub()
	first, err := h.Attach(newPipeConn())
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := h.Attach(newPipeConn())
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	st := h.Status()
	if st.Participants != 2 || len(st.Members) != 2 {
		t.Fatalf("expected two members, got %+v", st)
	}
	if st.Members[0].ID != first.ID || st.Members[1].ID != second.ID {
		t.Errorf("members out of join order: %+v", st.Members)
	}
	if !st.Members[1].ConnectedAt.Equal(clock.Now().UTC()) {
		t.Errorf("ConnectedAt mismatch: %v", st.Members[1].ConnectedAt)
	}
}
