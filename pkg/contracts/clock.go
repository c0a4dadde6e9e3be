package contracts

import "time"

// Clock provides authority time for kernel components. Components accept a
// Clock so tests can drive timeouts and recency deterministically.
type Clock interface {
	Now() time.Time
}

// WallClock is the default production clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a func to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
