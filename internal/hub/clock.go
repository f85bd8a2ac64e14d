package hub

import "time"

// Clock supplies millisecond-epoch wall time. All timestamp arithmetic in
// the hub goes through this interface so tests can drive time explicitly.
type Clock interface {
	// NowMillis returns the current wall time in milliseconds since the
	// Unix epoch.
	NowMillis() int64
}

type systemClock struct{}

func (systemClock) NowMillis() int64 { return time.Now().UnixMilli() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
