package pipeline

import (
	"fmt"
	"sync/atomic"
)

// State is the orchestrator position within a turn
type State int32

const (
	StateWaitAudio State = iota
	StateTranscribing
	StateGeneratingReply
	StateSynthesizing
	StateStreamingReply
	StateClosed
)

// String returns a human-readable name for the state
func (s State) String() string {
	switch s {
	case StateWaitAudio:
		return "WaitAudio"
	case StateTranscribing:
		return "Transcribing"
	case StateGeneratingReply:
		return "GeneratingReply"
	case StateSynthesizing:
		return "Synthesizing"
	case StateStreamingReply:
		return "StreamingReply"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

// stateBox holds a State readable from any goroutine. Once Closed it
// never changes again.
type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() State {
	return State(b.v.Load())
}

// set moves to s unless the box is already Closed
func (b *stateBox) set(s State) bool {
	for {
		cur := b.v.Load()
		if State(cur) == StateClosed {
			return false
		}
		if b.v.CompareAndSwap(cur, int32(s)) {
			return true
		}
	}
}
