package call

import "time"

// TimeProvider abstracts the clock so session timing is deterministic in
// tests.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider reads the system clock.
type DefaultTimeProvider struct{}

// Now returns the current system time.
func (DefaultTimeProvider) Now() time.Time {
	return time.Now()
}
