// Package timesync correlates the on-target timer with trace time.
//
// The recorder timestamps events with a free-running 32-bit timer that can
// wrap many times over a capture. The converter extends raw snapshots into a
// monotonic 64-bit tick count anchored at the TRACE_START event, using the
// event counter as the wrap detector: a numerically smaller timer value is a
// wrap only if the event count advanced.
package timesync

import (
	"errors"
	"time"
)

// ErrTickRegression reports a timer value that went backwards without the
// event count advancing. That is out-of-order or corrupt input, not a wrap.
var ErrTickRegression = errors.New("timer regression without event-count advance")

const tickRange = uint64(1) << 32

// Converter turns raw timer snapshots into extended tick timestamps and
// scales ticks to nanoseconds. It is fixed once the trace-start event is
// observed and is not safe for concurrent use.
type Converter struct {
	frequency uint64
	startWall time.Time
	rollovers uint64
	lastTicks uint32
	primed    bool
}

// NewConverter creates a converter for a timer running at frequency ticks
// per second. rollovers seeds the wrap count the recorder reported at trace
// start; startWall is the wall-clock instant correlated with the start
// event.
func NewConverter(frequency uint64, rollovers uint64, startWall time.Time) *Converter {
	if frequency == 0 {
		frequency = 1
	}
	return &Converter{
		frequency: frequency,
		startWall: startWall,
		rollovers: rollovers,
	}
}

// Frequency returns the timer frequency in ticks per second.
func (c *Converter) Frequency() uint64 { return c.frequency }

// StartWall returns the wall-clock instant captured at trace start.
func (c *Converter) StartWall() time.Time { return c.startWall }

// Extend converts a raw timer snapshot into the extended 64-bit tick
// timestamp. countAdvanced must reflect whether the event counter moved
// forward since the previous call; it is the sole signal distinguishing a
// timer wrap from malformed input.
func (c *Converter) Extend(raw uint32, countAdvanced bool) (uint64, error) {
	if !c.primed {
		c.primed = true
		c.lastTicks = raw
		return c.rollovers*tickRange + uint64(raw), nil
	}

	if raw < c.lastTicks {
		if !countAdvanced {
			return 0, ErrTickRegression
		}
		c.rollovers++
	}
	c.lastTicks = raw
	return c.rollovers*tickRange + uint64(raw), nil
}

// Nanoseconds scales an extended tick timestamp to nanoseconds. Split into
// whole seconds plus remainder to avoid overflowing the multiplication for
// long captures.
func (c *Converter) Nanoseconds(ticks uint64) uint64 {
	sec := ticks / c.frequency
	rem := ticks % c.frequency
	return sec*1e9 + rem*1e9/c.frequency
}

// EventCounter tracks the recorder's rolling 16-bit event counter as a
// monotonic 64-bit total and detects dropped events.
type EventCounter struct {
	last        uint16
	total       uint64
	initialized bool
}

// Update advances the counter with the next raw value. advanced reports
// whether the count moved forward; dropped is the number of events the
// recorder lost between the previous event and this one.
func (ec *EventCounter) Update(raw uint16) (advanced bool, dropped uint64) {
	if !ec.initialized {
		ec.initialized = true
		ec.last = raw
		ec.total = 1
		return true, 0
	}

	delta := raw - ec.last // wraps mod 2^16
	ec.last = raw
	ec.total += uint64(delta)
	if delta == 0 {
		return false, 0
	}
	return true, uint64(delta) - 1
}

// Count returns the tracked total number of events, including this one.
func (ec *EventCounter) Count() uint64 { return ec.total }
