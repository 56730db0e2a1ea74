package host

import (
	"context"
	"errors"

	"github.com/caffeineduck/luaplug/stopflag"
)

// stopContext reports ErrStopped from Err once the stop flag cancelled it.
// gopher-lua raises ctx.Err().Error() inside the script, which is how the
// script sees "Execution stopped by user".
type stopContext struct {
	context.Context
}

func (c stopContext) Err() error {
	err := c.Context.Err()
	if err != nil && errors.Is(context.Cause(c.Context), ErrStopped) {
		return ErrStopped
	}
	return err
}

// withStop derives an execution context from parent that is also cancelled
// when flag is set. A flag that is already set cancels it immediately.
func withStop(parent context.Context, flag *stopflag.Flag) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	release := func() { cancel(nil) }
	if flag == nil {
		return stopContext{ctx}, release
	}

	done := flag.Done()
	select {
	case <-done:
		cancel(ErrStopped)
		return stopContext{ctx}, release
	default:
	}

	go func() {
		select {
		case <-done:
			cancel(ErrStopped)
		case <-ctx.Done():
		}
	}()
	return stopContext{ctx}, release
}

// stopped reports whether ctx ended because of the stop flag.
func stopped(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrStopped)
}
