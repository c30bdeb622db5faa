package payment

// State represents the processing state of a payment
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateVoided     State = "VOIDED"
	StateReversed   State = "REVERSED"
)

// IsValid checks if the state is a known value
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed, StateVoided, StateReversed:
		return true
	}
	return false
}

// IsTerminal returns true for states with no outgoing transitions
func (s State) IsTerminal() bool {
	switch s {
	case StateVoided, StateReversed:
		return true
	}
	return false
}

// String returns the string representation
func (s State) String() string {
	return string(s)
}

// AllStates returns all valid payment states
func AllStates() []State {
	return []State{
		StatePending,
		StateProcessing,
		StateCompleted,
		StateFailed,
		StateVoided,
		StateReversed,
	}
}

// Event represents a state machine event
type Event string

const (
	EventStartProcessing Event = "START_PROCESSING"
	EventComplete        Event = "COMPLETE"
	EventFail            Event = "FAIL"
	EventVoid            Event = "VOID"
	EventReverse         Event = "REVERSE"
	EventRetry           Event = "RETRY"
)

// IsValid checks if the event is a known value
func (e Event) IsValid() bool {
	switch e {
	case EventStartProcessing, EventComplete, EventFail, EventVoid, EventReverse, EventRetry:
		return true
	}
	return false
}

// String returns the string representation
func (e Event) String() string {
	return string(e)
}

// AllEvents returns all valid state machine events
func AllEvents() []Event {
	return []Event{
		EventStartProcessing,
		EventComplete,
		EventFail,
		EventVoid,
		EventReverse,
		EventRetry,
	}
}

// transitionKey identifies one cell of the transition table
type transitionKey struct {
	From  State
	Event Event
}

// transitionTable enumerates every legal (state, event) pair.
// Any pair absent from the table is rejected.
var transitionTable = map[transitionKey]State{
	{StatePending, EventStartProcessing}: StateProcessing,
	{StateProcessing, EventComplete}:     StateCompleted,
	{StateProcessing, EventFail}:         StateFailed,
	{StateCompleted, EventVoid}:          StateVoided,
	{StateCompleted, EventReverse}:       StateReversed,
	{StateFailed, EventRetry}:            StateProcessing,
	{StateFailed, EventVoid}:             StateVoided,
}

// NextState looks up the target state for a (state, event) pair
func NextState(from State, event Event) (State, bool) {
	next, ok := transitionTable[transitionKey{From: from, Event: event}]
	return next, ok
}
