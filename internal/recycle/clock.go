package recycle

import "time"

// Clock supplies the current time. Retention decisions are made against an
// injected clock so expiry behavior is deterministic under test.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a clock backed by the wall clock.
func SystemClock() Clock { return systemClock{} }
