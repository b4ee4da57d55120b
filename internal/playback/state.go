// Package playback holds the shared playback state and the media engine
// contract the sync client drives.
package playback

import (
	"fmt"
	"math"
)

// DefaultEpsilon is the positional tolerance, in seconds, under which two
// positions are treated as the same point in the stream.
const DefaultEpsilon = 0.5

// State is the position/playing tuple every participant converges to.
type State struct {
	Position float64 `json:"time"`
	Playing  bool    `json:"playing"`
}

// Matches reports whether s and o agree on the playing flag and on position
// within epsilon.
func (s State) Matches(o State, epsilon float64) bool {
	return s.Playing == o.Playing && SamePosition(s.Position, o.Position, epsilon)
}

func (s State) String() string {
	verb := "paused"
	if s.Playing {
		verb = "playing"
	}
	return fmt.Sprintf("%s at %.2fs", verb, s.Position)
}

// SamePosition compares two positions within epsilon.
func SamePosition(a, b, epsilon float64) bool {
	return math.Abs(a-b) <= epsilon
}
