package cqlpool

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock interface is required to emulate system clock.
// Both clock.New() and clock.NewMock() of github.com/benbjohnson/clock implement it.
type Clock interface {
	Now() time.Time
	Since(time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	Timer(d time.Duration) *clock.Timer
	Ticker(d time.Duration) *clock.Ticker
	WithTimeout(parent context.Context, t time.Duration) (context.Context, context.CancelFunc)
}

// SystemClock returns the default clock implementation for the package.
// This clock just proxies calls to the `time` package.
func SystemClock() Clock {
	return clock.New()
}
