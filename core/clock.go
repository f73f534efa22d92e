package core

import "time"

// Clock provides the current time for deadline comparisons.
// This interface enables dependency injection for deterministic testing.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
