package engine

import "time"

// Clock abstracts the engine's notion of "now" so timer behavior can be
// tested against a virtual clock. Firing decisions compare Timer.DueAt
// against Clock.Now; the sweep never fires early with any clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
