package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionHappyPath(t *testing.T) {
	steps := []struct {
		event Event
		want  State
	}{
		{EventStart, StateRunning},
		{EventPause, StatePaused},
		{EventResume, StateRunning},
		{EventFinish, StateCompleted},
		{EventReset, StateIdle},
	}

	s := StateIdle
	for _, step := range steps {
		next, err := Transition(s, step.event)
		require.NoError(t, err)
		require.Equal(t, step.want, next)
		s = next
	}
}

func TestTransitionStopFromRunningAndPaused(t *testing.T) {
	for _, state := range []State{StateRunning, StatePaused} {
		next, err := Transition(state, EventStop)
		require.NoError(t, err)
		require.Equal(t, StateCompleted, next)
	}
}

func TestTransitionFailFromAnyState(t *testing.T) {
	for _, state := range []State{StateIdle, StateRunning, StatePaused, StateCompleted, StateFailed} {
		next, err := Transition(state, EventFail)
		require.NoError(t, err)
		require.Equal(t, StateFailed, next)
	}
}

func TestTransitionNewRunFromTerminalStates(t *testing.T) {
	for _, state := range []State{StateCompleted, StateFailed} {
		next, err := Transition(state, EventStart)
		require.NoError(t, err)
		require.Equal(t, StateRunning, next)
	}
}

func TestTransitionMatrixInvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		state State
		event Event
	}{
		{name: "idle pause", state: StateIdle, event: EventPause},
		{name: "idle stop", state: StateIdle, event: EventStop},
		{name: "idle reset", state: StateIdle, event: EventReset},
		{name: "running start", state: StateRunning, event: EventStart},
		{name: "running resume", state: StateRunning, event: EventResume},
		{name: "paused pause", state: StatePaused, event: EventPause},
		{name: "paused finish", state: StatePaused, event: EventFinish},
		{name: "completed stop", state: StateCompleted, event: EventStop},
		{name: "failed resume", state: StateFailed, event: EventResume},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, err := Transition(tc.state, tc.event)
			require.Equal(t, tc.state, next)
			require.Error(t, err)
			require.Contains(t, err.Error(), "invalid transition")
		})
	}
}

func TestTransitionUnknownState(t *testing.T) {
	_, err := Transition(State("bogus"), EventStart)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown state")
}

func TestStatePredicates(t *testing.T) {
	require.True(t, StateCompleted.Terminal())
	require.True(t, StateFailed.Terminal())
	require.False(t, StatePaused.Terminal())
	require.True(t, StatePaused.Active())
	require.True(t, StateRunning.Active())
	require.False(t, StateIdle.Active())
}
