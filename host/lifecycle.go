package host

import "sync/atomic"

// State is the lifecycle state of a Host.
type State int32

const (
	// StateCreated: no script has run yet; capabilities may still be attached.
	StateCreated State = iota
	StateReady
	StateExecuting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type lifecycle struct {
	state atomic.Int32
}

func (l *lifecycle) load() State {
	return State(l.state.Load())
}

func (l *lifecycle) compareAndSwap(from, to State) bool {
	return l.state.CompareAndSwap(int32(from), int32(to))
}

// begin moves the host into StateExecuting.
func (l *lifecycle) begin() error {
	for {
		s := l.load()
		switch s {
		case StateClosed:
			return ErrClosed
		case StateExecuting:
			return ErrBusy
		}
		if l.compareAndSwap(s, StateExecuting) {
			return nil
		}
	}
}

func (l *lifecycle) end() {
	l.compareAndSwap(StateExecuting, StateReady)
}

// close moves the host into StateClosed. It reports false if the host was
// already closed.
func (l *lifecycle) close() (bool, error) {
	for {
		s := l.load()
		switch s {
		case StateClosed:
			return false, nil
		case StateExecuting:
			return false, ErrBusy
		}
		if l.compareAndSwap(s, StateClosed) {
			return true, nil
		}
	}
}
