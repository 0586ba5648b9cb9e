package worker

import (
	"errors"
	"testing"
)

func TestLifecycle_InitialState(t *testing.T) {
	lc := NewLifecycle()

	if lc.State() != StateStarting {
		t.Errorf("expected StateStarting, got %v", lc.State())
	}
	if lc.CanFeed() {
		t.Error("expected CanFeed to be false before ready")
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	lc := NewLifecycle()

	for _, to := range []State{StateReady, StateRunning, StateStopping, StateStopped} {
		if err := lc.Transition(to); err != nil {
			t.Fatalf("transition to %v: unexpected error: %v", to, err)
		}
		if to == StateReady || to == StateRunning {
			if !lc.CanFeed() {
				t.Errorf("expected CanFeed in %v", to)
			}
		}
	}

	if !lc.State().IsTerminal() {
		t.Errorf("expected terminal state, got %v", lc.State())
	}
}

func TestLifecycle_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		to   State
	}{
		{"starting to running", nil, StateRunning},
		{"ready to stopped", []State{StateReady}, StateStopped},
		{"running to ready", []State{StateReady, StateRunning}, StateReady},
		{"stopping to running", []State{StateStopping}, StateRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lc := NewLifecycle()
			for _, s := range tt.path {
				if err := lc.Transition(s); err != nil {
					t.Fatalf("setup transition to %v: %v", s, err)
				}
			}
			err := lc.Transition(tt.to)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestLifecycle_StoppedIsTerminal(t *testing.T) {
	lc := NewLifecycle()
	if err := lc.Transition(StateStopped); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := lc.Transition(StateReady); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("expected ErrWorkerStopped, got %v", err)
	}
	if lc.CanFeed() {
		t.Error("expected CanFeed to be false when stopped")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateStarting, "STARTING"},
		{StateReady, "READY"},
		{StateRunning, "RUNNING"},
		{StateStopping, "STOPPING"},
		{StateStopped, "STOPPED"},
		{State(99), "UNKNOWN(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}
