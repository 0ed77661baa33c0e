package playback

import (
	"fmt"
	"time"

	"github.com/aposazhennikov/music-player-service/player"
)

// State is the controller's view of playback.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
	StatePaused
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// canStart reports whether a fresh track may be started from s.
func (s State) canStart() bool {
	return s == StateIdle || s == StateStopped || s == StateError
}

// settled reports whether the engine has let go of the previous track.
func (s State) settled() bool {
	return s == StateIdle || s == StateStopped
}

func fromEngineState(s player.State) State {
	switch s {
	case player.StateIdle:
		return StateIdle
	case player.StateLoading:
		return StateLoading
	case player.StatePlaying:
		return StatePlaying
	case player.StatePaused:
		return StatePaused
	case player.StateStopped:
		return StateStopped
	default:
		return StateError
	}
}

// Timing holds the delays and limits of the track-switch sequence.
type Timing struct {
	// ResetSettle is waited after an engine reset before loading.
	ResetSettle time.Duration
	// PrepareSettle is waited after loading before starting.
	PrepareSettle time.Duration
	// StopSettle is waited after the reset that ends a safe stop.
	StopSettle time.Duration
	// StopTimeout bounds the wait for the engine to report Stopped, and to
	// leave Playing or Paused after a pause or resume.
	StopTimeout time.Duration
	// MaxErrorRetries is how many consecutive failures may skip ahead.
	MaxErrorRetries int
}

// DefaultTiming returns the delays used with engines that prepare asynchronously.
func DefaultTiming() Timing {
	return Timing{
		ResetSettle:     200 * time.Millisecond,
		PrepareSettle:   500 * time.Millisecond,
		StopSettle:      50 * time.Millisecond,
		StopTimeout:     3 * time.Second,
		MaxErrorRetries: 3,
	}
}
