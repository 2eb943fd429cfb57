package pipeline

import "fmt"

// State is a job's position in the pipeline.
type State string

const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	// StateAnalyzing covers detection and transcription running side by side.
	StateAnalyzing State = "analyzing"
	StateMerging   State = "merging"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

var transitions = map[State][]State{
	StatePending:     {StateDownloading, StateFailed},
	StateDownloading: {StateAnalyzing, StateFailed},
	StateAnalyzing:   {StateMerging, StateFailed},
	StateMerging:     {StateDone, StateFailed},
}

func isValidTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func validateTransition(from, to State) error {
	if !isValidTransition(from, to) {
		return fmt.Errorf("invalid transition: %s -> %s", from, to)
	}
	return nil
}
