package clock

import "time"

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Func adapts a plain function into Clock.
// Params: function returning current time.
// Returns: Clock backed by the function.
type Func func() time.Time

// Now calls wrapped function.
// Params: none.
// Returns: function result.
func (f Func) Now() time.Time {
	return f()
}
