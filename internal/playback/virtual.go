package playback

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Virtual is an in-memory Engine whose position advances with its clock
// while playing. Notifications are delivered synchronously from the call
// that caused them, after the engine lock is released.
type Virtual struct {
	clock    clockwork.Clock
	duration float64

	mu          sync.Mutex
	base        float64
	since       time.Time
	playing     bool
	subscribers map[int]func(Notification)
	nextSub     int
}

var _ Engine = (*Virtual)(nil)

// NewVirtual returns a paused engine at position zero. A non-positive
// duration means the stream has no end.
func NewVirtual(clock clockwork.Clock, duration float64) *Virtual {
	return &Virtual{
		clock:       clock,
		duration:    duration,
		since:       clock.Now(),
		subscribers: make(map[int]func(Notification)),
	}
}

func (v *Virtual) Position() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positionLocked()
}

func (v *Virtual) Playing() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.playing
}

func (v *Virtual) Duration() float64 {
	return v.duration
}

func (v *Virtual) Seek(position float64) {
	v.mu.Lock()
	v.base = v.clamp(position)
	v.since = v.clock.Now()
	n := Notification{Kind: Seeked, Position: v.base}
	v.mu.Unlock()

	v.notify(n)
}

func (v *Virtual) Play() {
	v.mu.Lock()
	if v.playing {
		v.mu.Unlock()
		return
	}
	v.base = v.positionLocked()
	v.since = v.clock.Now()
	v.playing = true
	n := Notification{Kind: Played, Position: v.base}
	v.mu.Unlock()

	v.notify(n)
}

func (v *Virtual) Pause() {
	v.mu.Lock()
	if !v.playing {
		v.mu.Unlock()
		return
	}
	v.base = v.positionLocked()
	v.since = v.clock.Now()
	v.playing = false
	n := Notification{Kind: Paused, Position: v.base}
	v.mu.Unlock()

	v.notify(n)
}

// Toggle flips between playing and paused.
func (v *Virtual) Toggle() {
	if v.Playing() {
		v.Pause()
		return
	}
	v.Play()
}

func (v *Virtual) Subscribe(fn func(Notification)) func() {
	v.mu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subscribers[id] = fn
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subscribers, id)
			v.mu.Unlock()
		})
	}
}

func (v *Virtual) positionLocked() float64 {
	if !v.playing {
		return v.base
	}
	return v.clamp(v.base + v.clock.Since(v.since).Seconds())
}

func (v *Virtual) clamp(position float64) float64 {
	if position < 0 {
		return 0
	}
	if v.duration > 0 && position > v.duration {
		return v.duration
	}
	return position
}

func (v *Virtual) notify(n Notification) {
	v.mu.Lock()
	fns := make([]func(Notification), 0, len(v.subscribers))
	for _, fn := range v.subscribers {
		fns = append(fns, fn)
	}
	v.mu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}
