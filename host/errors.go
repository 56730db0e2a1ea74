package host

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is raised inside a script when its stop flag is set.
	ErrStopped = errors.New("Execution stopped by user")

	ErrClosed  = errors.New("host closed")
	ErrBusy    = errors.New("host busy")
	ErrStarted = errors.New("host already started")
)

// Kind classifies a ScriptError.
type Kind int

const (
	KindFile Kind = iota + 1
	KindCompile
	KindRuntime
	KindCancelled
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file error"
	case KindCompile:
		return "compile error"
	case KindRuntime:
		return "runtime error"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ScriptError is returned for every failure to load or run a script.
type ScriptError struct {
	Kind Kind
	// Name is the chunk name, usually the script path.
	Name string
	// Message is the diagnostic produced by the interpreter.
	Message string
	// Traceback is the Lua stack at the point of a runtime error, if any.
	Traceback string
	Err       error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or 0 if err is not a ScriptError.
func KindOf(err error) Kind {
	var serr *ScriptError
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return 0
}
