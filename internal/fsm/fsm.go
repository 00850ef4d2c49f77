// Package fsm holds the pure workflow run state machine.
package fsm

import "fmt"

type State string

type Event string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

const (
	EventStart  Event = "start"
	EventPause  Event = "pause"
	EventResume Event = "resume"
	EventStop   Event = "stop"
	EventFinish Event = "finish"
	EventFail   Event = "fail"
	EventReset  Event = "reset"
)

// Terminal reports whether a run in state s has ended.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Active reports whether a run in state s owns cases and channels.
func (s State) Active() bool {
	return s == StateRunning || s == StatePaused
}

// Transition returns the state after event, or an error leaving current unchanged.
// A new run may start from Idle or from a terminal state.
func Transition(current State, event Event) (State, error) {
	if event == EventFail {
		return StateFailed, nil
	}

	switch current {
	case StateIdle, StateCompleted, StateFailed:
		switch {
		case event == EventStart:
			return StateRunning, nil
		case event == EventReset && current != StateIdle:
			return StateIdle, nil
		}
	case StateRunning:
		switch event {
		case EventPause:
			return StatePaused, nil
		case EventStop, EventFinish:
			return StateCompleted, nil
		}
	case StatePaused:
		switch event {
		case EventResume:
			return StateRunning, nil
		case EventStop:
			return StateCompleted, nil
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
	return current, invalidTransition(current, event)
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
