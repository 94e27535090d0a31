// Package readiness blocks a caller until an asynchronously constructed value
// appears, bounded by a timeout and abandoned when its owner goes away.
package readiness

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultInterval = 100 * time.Millisecond
)

var (
	// ErrTimeout is returned when the deadline elapses before the value appears.
	ErrTimeout = errors.New("timed out waiting for object")
	// ErrSourceGone is returned when the object being watched is destroyed
	// while the wait is pending.
	ErrSourceGone = errors.New("source destroyed while waiting")
)

// Options controls a single wait.
type Options struct {
	// Timeout is the maximum time to wait. Zero means DefaultTimeout.
	Timeout time.Duration
	// Interval is the delay between checks. Zero means DefaultInterval.
	Interval time.Duration
	// Done, when closed, invalidates the wait with ErrSourceGone.
	Done <-chan struct{}
	// Wake returns a channel that is closed on the next change of the watched
	// object, triggering an immediate re-check. Called again after every
	// wake-up. Optional.
	Wake func() <-chan struct{}
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// Wait calls probe until it reports a value, the timeout fires, the source
// is destroyed, or ctx ends. probe is checked once before any waiting.
func Wait[T any](ctx context.Context, probe func() (T, bool), opts Options) (T, error) {
	opts = opts.withDefaults()

	if v, ok := probe(); ok {
		return v, nil
	}

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var zero T
	for {
		var wake <-chan struct{}
		if opts.Wake != nil {
			wake = opts.Wake()
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-opts.Done:
			return zero, ErrSourceGone
		case <-deadline.C:
			// One last look so a value set right at the deadline is not lost.
			if v, ok := probe(); ok {
				return v, nil
			}
			return zero, ErrTimeout
		case <-wake:
		case <-ticker.C:
		}

		if v, ok := probe(); ok {
			return v, nil
		}
	}
}

// WaitForNested waits until path resolves to a non-nil value on root.
func WaitForNested(ctx context.Context, root any, path string, opts Options) (any, error) {
	return Wait(ctx, func() (any, bool) {
		return Resolve(root, path)
	}, opts)
}
