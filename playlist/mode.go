package playlist

import (
	"fmt"
	"strings"
)

// PlayMode selects how Next and Prev pick the following track.
type PlayMode int

const (
	Sequential PlayMode = iota
	LoopAll
	Random
	SingleLoop
)

func (m PlayMode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case LoopAll:
		return "loop_all"
	case Random:
		return "random"
	case SingleLoop:
		return "single_loop"
	default:
		return fmt.Sprintf("PlayMode(%d)", int(m))
	}
}

// ParsePlayMode converts a mode name as produced by String back into a PlayMode.
func ParsePlayMode(s string) (PlayMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sequential", "":
		return Sequential, nil
	case "loop_all", "loop", "repeat_all":
		return LoopAll, nil
	case "random", "shuffle":
		return Random, nil
	case "single_loop", "repeat_one":
		return SingleLoop, nil
	default:
		return Sequential, fmt.Errorf("unknown play mode %q", s)
	}
}
