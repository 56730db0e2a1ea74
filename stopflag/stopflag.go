// Package stopflag provides the cancellation signal shared between a
// controller (signal handler, HTTP endpoint, another goroutine) and a running
// script host.
//
// A Flag is not process-global: create one per host, or share one explicitly
// between hosts that should stop together.
//
//	flag := stopflag.New()
//	h := host.New(host.WithStopFlag(flag))
//	go func() { <-sigCh; flag.Set(true) }()
package stopflag

import (
	"sync"
	"sync/atomic"
)

// Wire values used by controllers that speak integers (0 = run, 1 = stop).
const (
	Run  = 0
	Stop = 1
)

// Flag is a resettable stop signal. The zero value is ready to use and not set.
type Flag struct {
	stopped atomic.Bool

	mu   sync.Mutex
	done chan struct{}
}

// New returns a flag in the run state.
func New() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Set requests (true) or withdraws (false) a stop.
// Setting the current value again is a no-op.
func (f *Flag) Set(stop bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done == nil {
		f.done = make(chan struct{})
	}
	if f.stopped.Load() == stop {
		return
	}
	f.stopped.Store(stop)
	if stop {
		close(f.done)
	} else {
		f.done = make(chan struct{})
	}
}

// Get reports whether a stop has been requested.
func (f *Flag) Get() bool {
	return f.stopped.Load()
}

// SetValue sets the flag from its integer form. Any non-zero value stops.
func (f *Flag) SetValue(v int) {
	f.Set(v != Run)
}

// Value returns Stop or Run.
func (f *Flag) Value() int {
	if f.Get() {
		return Stop
	}
	return Run
}

// Reset re-arms the flag after a stop.
func (f *Flag) Reset() {
	f.Set(false)
}

// Done returns a channel closed once a stop is requested. After Reset a new
// channel is handed out, so callers must fetch it again for each wait.
func (f *Flag) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done == nil {
		f.done = make(chan struct{})
	}
	return f.done
}
