// internal/clock/clock.go
package clock

import "time"

// Clock abstracts time so refill guards, decay rules and fast-track windows
// are testable.
type Clock interface {
	Now() time.Time
}

// Real implements Clock using the actual time.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

// Mock implements Clock for testing purposes.
type Mock struct {
	Current time.Time
}

func (m *Mock) Now() time.Time { return m.Current }

// Advance moves the mocked time forward by d.
func (m *Mock) Advance(d time.Duration) { m.Current = m.Current.Add(d) }
