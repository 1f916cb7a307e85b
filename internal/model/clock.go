package model

import "time"

// Clock abstracts wall time so expiry rules can be exercised in tests.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
