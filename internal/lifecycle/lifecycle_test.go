package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	for _, edge := range Edges() {
		to, err := Transition(edge.From, edge.Event)
		require.NoError(t, err, "%s from %s", edge.Event, edge.From)
		assert.Equal(t, edge.To, to)
	}
}

func TestTransitionRejectsMissingEdges(t *testing.T) {
	allowed := map[State]map[Event]bool{}
	for _, edge := range Edges() {
		if allowed[edge.From] == nil {
			allowed[edge.From] = map[Event]bool{}
		}
		allowed[edge.From][edge.Event] = true
	}
	for _, state := range States() {
		for _, ev := range Events() {
			if allowed[state][ev] {
				continue
			}
			to, err := Transition(state, ev)
			require.Error(t, err, "%s from %s", ev, state)
			assert.Equal(t, state, to, "state must be unchanged")
			var ite InvalidTransitionError
			require.True(t, errors.As(err, &ite))
			assert.Equal(t, state, ite.From)
			assert.Equal(t, ev, ite.Event)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, state := range States() {
		if !state.Terminal() {
			continue
		}
		for _, ev := range Events() {
			_, err := Transition(state, ev)
			assert.Error(t, err)
		}
	}
}

func TestStateClassification(t *testing.T) {
	assert.ElementsMatch(t, []State{StateWaitingForApproval, StatePending, StateRunning}, ActiveStates())
	for _, s := range ActiveStates() {
		assert.True(t, s.Active())
		assert.False(t, s.Terminal())
	}
	assert.True(t, StateDone.Terminal())
	assert.True(t, StateDenied.Terminal())
	assert.True(t, StateCanceled.Terminal())
	assert.False(t, State("archived").Valid())
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent("deny")
	require.NoError(t, err)
	assert.Equal(t, EventDeny, ev)
	_, err = ParseEvent("restart")
	assert.Error(t, err)
}
