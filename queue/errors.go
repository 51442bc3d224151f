/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"errors"
	"fmt"
)

// ErrQueueTimeout is returned to a caller whose ticket was not executed before its deadline.
var ErrQueueTimeout = errors.New("queue timeout")

// ErrQueueUnavailable wraps errors caused by an unreachable backend.
var ErrQueueUnavailable = errors.New("queue backend unavailable")

// ErrTicketNotFound is returned by Ack/Nack for unknown tickets.
var ErrTicketNotFound = errors.New("ticket not found")

// ErrClassStopped is returned when a ticket is enqueued into a class whose processor is stopped.
var ErrClassStopped = errors.New("queue class is stopped")

// ProcessingError is returned to a caller when the handler kept failing after all attempts.
type ProcessingError struct {
	Class    string
	Attempts int
	Cause    error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing failed in class %q after %d attempt(s): %v", e.Class, e.Attempts, e.Cause)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrQueueUnavailable, op, err)
}
