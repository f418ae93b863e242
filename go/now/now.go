// Package now provides an injectable source of the current time, so staleness
// checks (§4.10) and cache timestamps can be tested without sleeping or
// relying on the wall clock.
package now

import (
	"context"
	"time"
)

type contextKey int

const nowKey contextKey = iota

// Now returns the current time, or the time previously installed into ctx
// via WithTime, if any.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(nowKey).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime returns a copy of ctx that makes Now return t, for deterministic
// tests of cache staleness and scheduling order.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, nowKey, t)
}

// TimeTicker is the subset of time.Ticker that the dispatcher depends on,
// abstracted so tests can drive ticks without real wall-clock delay.
type TimeTicker interface {
	C() <-chan time.Time
	Stop()
}

// NewTimeTickerFunc constructs a TimeTicker for the given period; tests
// substitute a fake implementation through this indirection.
type NewTimeTickerFunc func(d time.Duration) TimeTicker

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// NewTimeTicker is the default NewTimeTickerFunc, backed by time.NewTicker.
func NewTimeTicker(d time.Duration) TimeTicker {
	return &realTicker{t: time.NewTicker(d)}
}
