// Package counter provides lock-free byte and event counters with
// independent delta views.
package counter

import "sync/atomic"

// Counter is a monotonically increasing total safe for concurrent use.
type Counter struct {
	total atomic.Int64
}

// New returns a zeroed counter.
func New() *Counter {
	return &Counter{}
}

// Add adds n to the total. Non-positive values are ignored.
func (c *Counter) Add(n int64) {
	if n <= 0 {
		return
	}
	c.total.Add(n)
}

// Inc adds one to the total.
func (c *Counter) Inc() {
	c.total.Add(1)
}

// Value returns the current total.
func (c *Counter) Value() int64 {
	return c.total.Load()
}

// NewDelta returns a delta view whose baseline is the current total.
func (c *Counter) NewDelta() *Delta {
	d := &Delta{parent: c}
	d.baseline.Store(c.Value())
	return d
}

// Delta reports what its parent accumulated since the view was last read.
// Views sharing a parent do not affect each other.
type Delta struct {
	parent   *Counter
	baseline atomic.Int64
}

// Delta returns the increase since the previous call and advances the
// baseline. Concurrent callers on the same view partition the increase
// between them.
func (d *Delta) Delta() int64 {
	for {
		previous := d.baseline.Load()
		current := d.parent.Value()
		if current <= previous {
			return 0
		}
		if d.baseline.CompareAndSwap(previous, current) {
			return current - previous
		}
	}
}

// Value returns the parent's absolute total.
func (d *Delta) Value() int64 {
	return d.parent.Value()
}

// Parent returns the counter this view reads from.
func (d *Delta) Parent() *Counter {
	return d.parent
}
