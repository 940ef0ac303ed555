// Package clock provides the logical clock ordering all updates in a
// process. Timestamps sampled within a process are strictly increasing,
// and merging the time carried by any inbound message keeps clocks of
// communicating peers consistent along causal chains.
package clock

import (
	"sync"

	"github.com/yangdegang/map-api/internal/model"
)

// LogicalClock is a monotonic process-wide counter. One instance is
// owned by the core and shared by reference.
type LogicalClock struct {
	mu      sync.Mutex
	current model.LogicalTime
}

// New returns a clock whose first sample is 1.
func New() *LogicalClock {
	return &LogicalClock{}
}

// Sample returns a time strictly greater than every time previously
// produced by this clock and every time observed through Merge.
func (c *LogicalClock) Sample() model.LogicalTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current++
	return c.current
}

// Merge raises the clock to max(current, other)+1. Called for the
// logical time carried by every inbound message.
func (c *LogicalClock) Merge(other model.LogicalTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if other > c.current {
		c.current = other
	}
	c.current++
}
