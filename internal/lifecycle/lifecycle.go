package lifecycle

import (
	"sync/atomic"
	"time"
)

// State tracks the process lifecycle for health reporting.
type State struct {
	started      time.Time
	shuttingDown atomic.Bool
}

// New returns a State started now.
func New() *State {
	return &State{started: time.Now()}
}

// BeginShutdown marks the process as draining. Call when SIGTERM/SIGINT is received.
// The health handler returns 503 with status shutting-down from then on.
func (s *State) BeginShutdown() {
	s.shuttingDown.Store(true)
}

// ShuttingDown reports whether the process is draining and should not receive new traffic.
func (s *State) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Uptime returns the time since New.
func (s *State) Uptime() time.Duration {
	return time.Since(s.started)
}
