// Package player defines the audio engine contract used by the playback
// controller and provides a software engine and a mock implementation.
package player

import (
	"errors"
	"fmt"
	"time"
)

// State is the engine-level playback state reported through the callback.
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

// Error codes passed alongside a state change. Zero means no error.
const (
	ErrCodeNone        = 0
	ErrCodeIO          = 1
	ErrCodeDecode      = 2
	ErrCodeUnsupported = 3
	ErrCodeOutput      = 4
)

var (
	ErrNotInitialized = errors.New("engine not initialized")
	ErrNoTrack        = errors.New("no track loaded")
	ErrInvalidState   = errors.New("operation not valid in current engine state")
	ErrPrepareTimeout = errors.New("track preparation timed out")
	ErrClosed         = errors.New("engine closed")
)

// StateCallback receives state changes. It is always invoked on a goroutine
// owned by the engine, never from inside an engine method.
type StateCallback func(state State, errCode int)

// Engine plays a single track at a time. Implementations are not required
// to be safe for concurrent use; callers serialize access.
type Engine interface {
	Initialize() error
	SetStateCallback(cb StateCallback)
	LoadTrack(path string) error
	Start() error
	Pause() error
	Resume() error
	Stop() error
	Reset() error
	Seek(ms int) error
	Position() (time.Duration, error)
	Duration() (time.Duration, error)
	Close() error
}
