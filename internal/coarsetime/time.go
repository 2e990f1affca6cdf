// Package coarsetime is a clock refreshed every Resolution by a background
// goroutine, for code that reads the time often and tolerates staleness.
package coarsetime

import (
	"sync"
	"sync/atomic"
	"time"
)

// Resolution is the refresh interval of the clock.
const Resolution = 50 * time.Millisecond

var (
	nanos atomic.Int64
	start sync.Once
)

func run() {
	nanos.Store(time.Now().UnixNano())
	go func() {
		for t := range time.Tick(Resolution) {
			nanos.Store(t.UnixNano())
		}
	}()
}

// Now returns the current time, at most Resolution old.
func Now() time.Time {
	start.Do(run)
	return time.Unix(0, nanos.Load())
}
