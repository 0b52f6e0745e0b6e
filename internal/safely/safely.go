// Package safely runs collaborator calls and captures their outcome, turning
// panics into ordinary errors so only the top-level handler decides how a
// failure is reported.
package safely

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// PanicError is returned by Call when fn panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v\n%s", e.Value, strings.TrimRight(string(e.Stack), "\n"))
}

// Call invokes fn and returns its result. A panic inside fn is recovered and
// reported as a *PanicError.
func Call[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// Lines splits an error message into diagnostic lines, dropping trailing
// blank ones.
func Lines(err error) []string {
	if err == nil {
		return []string{}
	}
	return strings.Split(strings.TrimRight(err.Error(), "\n"), "\n")
}
