// ABOUTME: Outcome types for a conversational wait.
// ABOUTME: Maps non-matched statuses onto the ErrCancelled / ErrOutOfFocus sentinels.

package wait

import "errors"

// ErrCancelled is reported when an entry was superseded, timed out, or was
// explicitly cancelled.
var ErrCancelled = errors.New("wait cancelled")

// ErrOutOfFocus is reported when a channel-wide entry no longer belongs to the
// caller's message, or a delivered value came from another conversation branch.
var ErrOutOfFocus = errors.New("wait out of focus")

// Status is the outcome of an Await call.
type Status int

const (
	Matched Status = iota
	TimedOut
	Cancelled
	OutOfFocus
)

func (s Status) String() string {
	switch s {
	case Matched:
		return "matched"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	case OutOfFocus:
		return "out_of_focus"
	default:
		return "unknown"
	}
}

// Result is returned by Await. Value is only meaningful when Status is Matched.
type Result[T any] struct {
	Status Status
	Value  T
}

// Ok reports whether a value was received.
func (r Result[T]) Ok() bool {
	return r.Status == Matched
}

// Err converts the status into an error: nil for Matched, ErrOutOfFocus for
// OutOfFocus, and ErrCancelled otherwise. A timeout is a cancellation from the
// caller's point of view.
func (r Result[T]) Err() error {
	switch r.Status {
	case Matched:
		return nil
	case OutOfFocus:
		return ErrOutOfFocus
	default:
		return ErrCancelled
	}
}

// IsSignal reports whether err is one of the wait control-flow signals. These
// are expected outcomes and must not be reported as handler faults.
func IsSignal(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrOutOfFocus)
}
