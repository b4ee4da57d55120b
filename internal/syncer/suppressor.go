package syncer

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"syncwatch/internal/playback"
)

// DefaultSuppressWindow bounds how long an armed Suppressor waits for the
// notifications it expects.
const DefaultSuppressWindow = time.Second

// Suppressor swallows engine notifications caused by applying a remote
// command. It is armed with the notification kinds the upcoming engine calls
// will raise and disarms once all of them were seen or the window elapsed,
// whichever comes first. Not safe for concurrent use; the session loop owns it.
type Suppressor struct {
	clock  clockwork.Clock
	window time.Duration

	armed    bool
	deadline time.Time
	expected map[playback.NotificationKind]int
}

func NewSuppressor(clock clockwork.Clock, window time.Duration) *Suppressor {
	if window <= 0 {
		window = DefaultSuppressWindow
	}
	return &Suppressor{
		clock:    clock,
		window:   window,
		expected: make(map[playback.NotificationKind]int),
	}
}

// Arm opens (or extends) the window for one notification of each kind.
// Arming with no kinds is a no-op.
func (s *Suppressor) Arm(kinds ...playback.NotificationKind) {
	if len(kinds) == 0 {
		return
	}
	if !s.Armed() {
		clear(s.expected)
	}
	for _, k := range kinds {
		s.expected[k]++
	}
	s.armed = true
	s.deadline = s.clock.Now().Add(s.window)
}

// Suppress reports whether a notification of kind k must be discarded. Only
// expected kinds are swallowed; each one is counted off and the window closes
// when none remain. Other kinds pass even while armed.
func (s *Suppressor) Suppress(k playback.NotificationKind) bool {
	if !s.Armed() {
		return false
	}
	n := s.expected[k]
	if n == 0 {
		return false
	}
	if n > 1 {
		s.expected[k] = n - 1
	} else {
		delete(s.expected, k)
	}
	if len(s.expected) == 0 {
		s.Disarm()
	}
	return true
}

// Armed reports whether the window is open, closing it if it has expired.
func (s *Suppressor) Armed() bool {
	if !s.armed {
		return false
	}
	if !s.clock.Now().Before(s.deadline) {
		log.Debug().Int("pending", len(s.expected)).Msg("suppression window expired")
		s.Disarm()
		return false
	}
	return true
}

func (s *Suppressor) Disarm() {
	s.armed = false
	clear(s.expected)
}
