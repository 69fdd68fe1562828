package data

import "time"

// TimeProvider abstracts the clock so repositories can be tested deterministically.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider returns the system clock.
type RealTimeProvider struct{}

// Now returns the current time.
func (*RealTimeProvider) Now() time.Time { return time.Now() }
