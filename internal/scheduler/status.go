package scheduler

import (
	"fmt"
	"time"
)

// State is the worker state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateIdle, StateRunning, StateStopped} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown scheduler state %q", text)
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State   State    `json:"state"`
	Pending int      `json:"pending"`
	Current []string `json:"current,omitempty"`

	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`

	Last *Outcome `json:"last,omitempty"`
}

// Outcome describes one finished run.
type Outcome struct {
	// IDs lists the requests served; more than one when coalesced.
	IDs     []string `json:"ids"`
	Reasons []string `json:"reasons"`

	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	// Waited is how long the oldest request sat in the queue.
	Waited time.Duration `json:"waited"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// Duration returns the run time of the pass.
func (o Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}
