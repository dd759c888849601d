// Package timeout provides a tick counter used to bound polling loops.
//
// Nothing drives the counter in the background: callers decrement it once
// per poll and stop when it expires.
//
//	to := timeout.New(30)
//	for ; !to.Expired(); to = to.Dec() {
//		if line := buf.ReadLine(); line != "" {
//			return line, nil
//		}
//		time.Sleep(tick)
//	}
//	return "", ErrTimeout
package timeout

// DefaultTicks is used when New is called without a default.
const DefaultTicks = 30

// Counter is a value type; Inc and Dec return adjusted copies.
type Counter struct {
	value int
	def   int
}

// New returns a counter set to def (DefaultTicks when omitted).
func New(def ...int) Counter {
	d := DefaultTicks
	if len(def) > 0 {
		d = def[0]
	}
	return Counter{value: d, def: d}
}

// Value returns the remaining ticks.
func (c Counter) Value() int { return c.value }

// Default returns the value Reset restores.
func (c Counter) Default() int { return c.def }

// Reset sets the counter back to its default.
func (c *Counter) Reset() { c.value = c.def }

// Set changes the current value without touching the default.
func (c *Counter) Set(v int) { c.value = v }

// SetDefault changes the default without touching the current value.
func (c *Counter) SetDefault(d int) { c.def = d }

// Inc returns a copy with one more tick.
func (c Counter) Inc() Counter { return Counter{value: c.value + 1, def: c.def} }

// Dec returns a copy with one tick less.
func (c Counter) Dec() Counter { return Counter{value: c.value - 1, def: c.def} }

// Expired reports value <= 0.
func (c Counter) Expired() bool { return c.value <= 0 }

// Compare returns -1, 0 or +1 comparing the current value with v.
func (c Counter) Compare(v int) int {
	switch {
	case c.value < v:
		return -1
	case c.value > v:
		return 1
	default:
		return 0
	}
}

// CompareCounter compares current values only; defaults are ignored.
func (c Counter) CompareCounter(o Counter) int { return c.Compare(o.value) }

// Less reports value < v.
func (c Counter) Less(v int) bool { return c.value < v }

// LessEq reports value <= v, the usual expiry test of a wait loop.
func (c Counter) LessEq(v int) bool { return c.value <= v }

// Greater reports value > v.
func (c Counter) Greater(v int) bool { return c.value > v }

// GreaterEq reports value >= v.
func (c Counter) GreaterEq(v int) bool { return c.value >= v }

// Equal reports value == v.
func (c Counter) Equal(v int) bool { return c.value == v }

// NotEqual reports value != v.
func (c Counter) NotEqual(v int) bool { return c.value != v }

// Equals compares current values of two counters.
func (c Counter) Equals(o Counter) bool { return c.value == o.value }
