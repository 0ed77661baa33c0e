package playback

import (
	"fmt"
	"time"
)

// EventType identifies a controller event.
type EventType int

const (
	EventTrackStarted EventType = iota
	EventTrackEnded
	EventPlaylistEnded
	EventErrorOccurred
	EventStateChanged
)

func (t EventType) String() string {
	switch t {
	case EventTrackStarted:
		return "track_started"
	case EventTrackEnded:
		return "track_ended"
	case EventPlaylistEnded:
		return "playlist_ended"
	case EventErrorOccurred:
		return "error"
	case EventStateChanged:
		return "state_changed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is emitted to the sink in the order the controller produced it.
type Event struct {
	Type EventType
	// Info is the track title for track events, the new state for
	// StateChanged and a message or path for errors.
	Info string
	// Path is set when the event concerns a specific file. For
	// ErrorOccurred it names the track that failed to load or start.
	Path string
	// Fault is set on ErrorOccurred when the track itself failed to load,
	// start or decode, as opposed to a rejected engine call.
	Fault bool
	State State
	Time  time.Time
}

// EventSink receives controller events. It runs on whichever goroutine
// produced the event, including the engine's callback goroutine, so it must
// hand the event off (for example to a channel) and never call back into
// the controller.
type EventSink func(Event)
