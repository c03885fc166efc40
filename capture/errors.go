package capture

import (
	"fmt"
	"io"
)

// EstablishError means the virtual interface could not be acquired. It is
// not retried: the supervisor treats it as fatal.
type EstablishError struct {
	Err error
}

func (e *EstablishError) Error() string {
	return fmt.Sprintf("capture: failed to establish tunnel: %v", e.Err)
}

func (e *EstablishError) Unwrap() error { return e.Err }

func (e *EstablishError) Format(s fmt.State, verb rune) {
	formatCause(s, verb, "capture: failed to establish tunnel", e.Err)
}

// ReadError ends one session. A new session may be started afterwards.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("capture: read from tunnel failed: %v", e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

func (e *ReadError) Format(s fmt.State, verb rune) {
	formatCause(s, verb, "capture: read from tunnel failed", e.Err)
}

// CloseError reports a handle that failed to close during teardown. It is
// logged and never returned from Run.
type CloseError struct {
	Handle string
	Err    error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("capture: failed to close %s: %v", e.Handle, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }

// formatCause prints msg and its cause. %+v also prints the stack recorded
// on the cause.
func formatCause(s fmt.State, verb rune, msg string, cause error) {
	if verb == 'v' && s.Flag('+') {
		fmt.Fprintf(s, "%s: %+v", msg, cause)
		return
	}
	io.WriteString(s, msg+": "+cause.Error())
}
