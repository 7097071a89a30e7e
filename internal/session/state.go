package session

import "fmt"

type State int

const (
	StateUninitialized State = iota
	StateOpening
	StateReady
	StateExecuting
	StateClosing
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateOpening:
		return "OPENING"
	case StateReady:
		return "READY"
	case StateExecuting:
		return "EXECUTING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFaulted:
		return "FAULTED"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[State][]State{
	StateUninitialized: {StateOpening, StateClosed},
	StateOpening:       {StateReady, StateFaulted, StateClosing},
	StateReady:         {StateExecuting, StateOpening, StateClosing, StateFaulted},
	StateExecuting:     {StateReady, StateFaulted},
	StateClosing:       {StateClosed},
	StateFaulted:       {StateOpening, StateClosing, StateClosed},
	StateClosed:        {},
}

func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}
