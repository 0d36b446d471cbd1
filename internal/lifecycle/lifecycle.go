package lifecycle

import "fmt"

// State is a portability request lifecycle state.
type State string

const (
	StateWaitingForApproval State = "waiting_for_approval"
	StatePending            State = "pending"
	StateRunning            State = "running"
	StateDone               State = "done"
	StateDenied             State = "denied"
	StateCanceled           State = "canceled"
)

// Event names a transition.
type Event string

const (
	EventApprove  Event = "approve"
	EventCancel   Event = "cancel"
	EventDeny     Event = "deny"
	EventRun      Event = "run"
	EventComplete Event = "complete"
)

// Edge is one row of the transition table.
type Edge struct {
	Event Event
	From  State
	To    State
}

var edges = []Edge{
	{Event: EventApprove, From: StateWaitingForApproval, To: StatePending},
	{Event: EventCancel, From: StateWaitingForApproval, To: StateCanceled},
	{Event: EventDeny, From: StateWaitingForApproval, To: StateDenied},
	{Event: EventRun, From: StatePending, To: StateRunning},
	{Event: EventComplete, From: StateRunning, To: StateDone},
}

// InvalidTransitionError reports an event fired from a state that has no matching edge.
type InvalidTransitionError struct {
	From  State
	Event Event
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s a request in state %s", e.Event, e.From)
}

// Transition returns the state reached by firing ev from the given state.
// It performs no I/O; persisting the result is the caller's job.
func Transition(from State, ev Event) (State, error) {
	for _, e := range edges {
		if e.Event == ev && e.From == from {
			return e.To, nil
		}
	}
	return from, InvalidTransitionError{From: from, Event: ev}
}

// Edges returns a copy of the transition table.
func Edges() []Edge {
	return append([]Edge(nil), edges...)
}

// Events lists every known event.
func Events() []Event {
	return []Event{EventApprove, EventCancel, EventDeny, EventRun, EventComplete}
}

// States lists every known state.
func States() []State {
	return []State{StateWaitingForApproval, StatePending, StateRunning, StateDone, StateDenied, StateCanceled}
}

// ActiveStates are the states that block a new request for the same owner and requester.
func ActiveStates() []State {
	return []State{StateWaitingForApproval, StatePending, StateRunning}
}

func (s State) Active() bool {
	switch s {
	case StateWaitingForApproval, StatePending, StateRunning:
		return true
	}
	return false
}

func (s State) Terminal() bool {
	switch s {
	case StateDone, StateDenied, StateCanceled:
		return true
	}
	return false
}

func (s State) Valid() bool {
	return s.Active() || s.Terminal()
}

// ParseEvent validates an event name coming from an outer surface.
func ParseEvent(name string) (Event, error) {
	for _, ev := range Events() {
		if string(ev) == name {
			return ev, nil
		}
	}
	return "", fmt.Errorf("unknown event %q", name)
}
