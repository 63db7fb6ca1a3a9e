// ABOUTME: Handler fault types and error categories for error routing.
// ABOUTME: Panics are recovered at the dispatch boundary into PanicError.

package dispatch

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/2389/coven-bot/internal/chat"
)

// ErrNoSender is returned when replying without a configured Sender.
var ErrNoSender = errors.New("no sender configured")

// PanicError wraps a value recovered from a panicking callback.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Fault describes a failure raised by application code during dispatch.
// Exactly one of Message and Event is set.
type Fault struct {
	Err     error
	Handler string
	Stage   string
	Message *chat.Message
	Event   *chat.Event
}

// Category selects which faults an error handler receives.
type Category func(err error) bool

// Is matches faults whose error chain contains target.
func Is(target error) Category {
	return func(err error) bool { return errors.Is(err, target) }
}

// As matches faults whose error chain contains an error of type E.
func As[E error]() Category {
	return func(err error) bool {
		var target E
		return errors.As(err, &target)
	}
}

// Panics matches recovered panics.
func Panics() Category {
	return As[*PanicError]()
}

// protect runs fn and converts a panic into a PanicError.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}
