package playback

// NotificationKind identifies a native engine event.
type NotificationKind int

const (
	Seeked NotificationKind = iota
	Played
	Paused
)

func (k NotificationKind) String() string {
	switch k {
	case Seeked:
		return "seeked"
	case Played:
		return "played"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Notification is raised by the engine after its state changed, whether the
// change came from the user or from a programmatic call.
type Notification struct {
	Kind     NotificationKind
	Position float64
}

// Engine is the media engine contract. Seek, Play and Pause must each raise
// the matching notification when they change something; calls that change
// nothing (pausing a paused engine) raise none.
type Engine interface {
	Position() float64
	Playing() bool
	Seek(position float64)
	Play()
	Pause()
	// Subscribe registers fn for every notification and returns a func that
	// removes it again.
	Subscribe(fn func(Notification)) (unsubscribe func())
}

// Bounded is implemented by engines that know the length of their media.
// A zero duration means unknown.
type Bounded interface {
	Duration() float64
}

// Snapshot reads the engine's current state.
func Snapshot(e Engine) State {
	return State{Position: e.Position(), Playing: e.Playing()}
}
