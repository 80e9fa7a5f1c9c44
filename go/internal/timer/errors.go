package timer

import "errors"

var (
	// ErrActionPending is returned when a control action is issued while
	// another one is still waiting for the hosted timer.
	ErrActionPending = errors.New("a timer action is already pending")
	ErrUnknownAction = errors.New("unknown timer action")
)
