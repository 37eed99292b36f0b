package display

import (
	"sync"
	"time"
)

// IntervalCounter averages the time between the last n Measure calls.
type IntervalCounter struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	last    time.Time
	count   int
}

// NewIntervalCounter returns a counter averaging n intervals (n >= 1).
func NewIntervalCounter(n int) *IntervalCounter {
	if n < 1 {
		n = 1
	}
	return &IntervalCounter{
		samples: make([]time.Duration, n),
		last:    time.Now(),
	}
}

// Measure records the interval since the previous call.
// ok is false until more than n intervals were recorded.
func (c *IntervalCounter) Measure() (time.Duration, bool) {
	return c.MeasureAt(time.Now())
}

// MeasureAt is Measure with an explicit clock.
func (c *IntervalCounter) MeasureAt(now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples[c.next] = now.Sub(c.last)
	c.next = (c.next + 1) % len(c.samples)
	c.last = now
	c.count++

	if c.count <= len(c.samples) {
		return 0, false
	}

	var sum time.Duration
	for _, s := range c.samples {
		sum += s
	}
	return sum / time.Duration(len(c.samples)), true
}

// FPS converts an average interval into frames per second.
func FPS(interval time.Duration) float64 {
	if interval <= 0 {
		return 0
	}
	return float64(time.Second) / float64(interval)
}
