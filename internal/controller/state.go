package controller

import "fmt"

// State is the controller's dispatch lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateStreaming  State = "streaming"
	StatePolling    State = "polling"
	StateCompleting State = "completing"
	StateFailed     State = "failed"
	StateTokenLimit State = "token_limit"
	StateCancelled  State = "cancelled"
)

// Dispatching reports whether s is an in-flight state. Start requests are
// rejected while dispatching.
func (s State) Dispatching() bool {
	return s == StateStarting || s == StateStreaming || s == StatePolling
}

// EventKind is an input to the transition function.
type EventKind string

const (
	evStartRequested  EventKind = "start_requested"
	evJobAcknowledged EventKind = "job_acknowledged"
	evStreamOpened    EventKind = "stream_opened"
	evStreamBroken    EventKind = "stream_broken"
	evOutcomeSuccess  EventKind = "outcome_success"
	evOutcomeFailed   EventKind = "outcome_failed"
	evOutcomeToken    EventKind = "outcome_token_limit"
	evOutcomeCancel   EventKind = "outcome_cancelled"
	evCancelRequested EventKind = "cancel_requested"
	evAcknowledged    EventKind = "acknowledged"
	evRetryRequested  EventKind = "retry_requested"
)

// ErrInvalidTransition is wrapped into every rejected transition error.
var ErrInvalidTransition = fmt.Errorf("invalid state transition")

// transitions is the complete state machine. Keeping it as a table makes
// the lifecycle reviewable in one place and testable without a transport.
var transitions = map[State]map[EventKind]State{
	StateIdle: {
		evStartRequested: StateStarting,
	},
	StateStarting: {
		evJobAcknowledged: StatePolling, // stream not yet attached
		evStreamOpened:    StateStreaming,
		evOutcomeFailed:   StateFailed,
		evOutcomeCancel:   StateCancelled, // cancel landed while the start call was in flight
		evCancelRequested: StateCancelled,
	},
	StateStreaming: {
		evStreamBroken:    StatePolling,
		evOutcomeSuccess:  StateCompleting,
		evOutcomeFailed:   StateFailed,
		evOutcomeToken:    StateTokenLimit,
		evOutcomeCancel:   StateCancelled,
		evCancelRequested: StateCancelled,
	},
	StatePolling: {
		evStreamOpened:    StateStreaming,
		evOutcomeSuccess:  StateCompleting,
		evOutcomeFailed:   StateFailed,
		evOutcomeToken:    StateTokenLimit,
		evOutcomeCancel:   StateCancelled,
		evCancelRequested: StateCancelled,
	},
	// Completing and cancelled return to idle on acknowledgement; failed
	// and token_limit persist until retried, rerouted, or dismissed.
	StateCompleting: {
		evAcknowledged: StateIdle,
	},
	StateFailed: {
		evRetryRequested: StateStarting,
		evAcknowledged:   StateIdle,
	},
	StateTokenLimit: {
		evRetryRequested: StateStarting,
		evAcknowledged:   StateIdle,
	},
	StateCancelled: {
		evAcknowledged: StateIdle,
	},
}

// next applies one event to a state. The error names both sides, which is
// what surfaces in logs when a transport delivers something out of order.
func next(s State, ev EventKind) (State, error) {
	if to, ok := transitions[s][ev]; ok {
		return to, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, s)
}
