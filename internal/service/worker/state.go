package worker

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of a transcription worker.
type State int

const (
	// StateStarting - engine is being constructed.
	StateStarting State = iota
	// StateReady - engine constructed, audio may be fed.
	StateReady
	// StateRunning - the finalization loop is active.
	StateRunning
	// StateStopping - stop requested, waiting for the loop to exit.
	StateStopping
	// StateStopped - terminal, engine released.
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is terminal.
func (s State) IsTerminal() bool {
	return s == StateStopped
}

// Errors for invalid state transitions.
var (
	ErrWorkerStopped     = errors.New("worker is stopped")
	ErrInvalidTransition = errors.New("invalid worker state transition")
)

// Lifecycle manages the worker state machine. Thread-safe.
//
// State transitions:
//
//	STARTING → READY → RUNNING → STOPPING → STOPPED
//	    │        │                  ▲
//	    │        └──────────────────┤
//	    ├───────────────────────────┘
//	    └── engine failure ──→ STOPPED
type Lifecycle struct {
	mu    sync.RWMutex
	state State
}

// NewLifecycle creates a lifecycle in STARTING state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateStarting}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// CanFeed reports whether audio may be handed to the engine.
func (l *Lifecycle) CanFeed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateReady || l.state == StateRunning
}

// Transition moves to the next state if the move is allowed.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.IsTerminal() {
		return ErrWorkerStopped
	}
	if !allowed(l.state, to) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidTransition, l.state, to)
	}
	l.state = to
	return nil
}

func allowed(from, to State) bool {
	switch from {
	case StateStarting:
		return to == StateReady || to == StateStopping || to == StateStopped
	case StateReady:
		return to == StateRunning || to == StateStopping
	case StateRunning:
		return to == StateStopping
	case StateStopping:
		return to == StateStopped
	}
	return false
}
