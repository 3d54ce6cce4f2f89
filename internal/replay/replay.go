// Package replay implements the 64-bit replay-protection timestamp: a
// monotone clock reading with a sub-second (or counter-only) tiebreaker,
// plus the acceptance window used to validate stamps carried on the wire.
package replay

import (
	"sync"
	"time"

	"n3ncore/internal/metrics"
)

// Default tolerance window and jitter allowance, in the same raw units as
// the stamp itself (seconds in bits 63-32, microseconds-or-counter below
// that). Both are fixed constants: VerifyAndUpdate uses them directly and
// offers no way to override them.
const (
	DefaultFrame  = uint64(65) << 32    // +/- 65s acceptance window
	DefaultJitter = uint64(160000) << 12 // ~160ms default jitter
)

// Clock issues strictly monotone replay stamps. The zero value is ready to
// use; Clock is safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	prev    uint64
	now     func() (sec int64, usec int64)
	metrics *metrics.Metrics
}

// NewClock returns a Clock driven by the wall clock. m may be nil, in which
// case VerifyAndUpdate's accept/reject outcomes go unrecorded.
func NewClock(m *metrics.Metrics) *Clock {
	return &Clock{now: wallClock, metrics: m}
}

func wallClock() (int64, int64) {
	t := time.Now()
	return t.Unix(), int64(t.Nanosecond() / 1000)
}

// Stamp returns the next replay stamp, strictly greater than every stamp
// previously returned by this Clock. It encodes, high bits first: 32 bits
// of Unix seconds; then either a 20-bit microsecond field plus an 8-bit
// counter, or (once the counter-only flag has latched) a 28-bit counter;
// then a 4-bit flag field whose low bit is the permanent counter-only latch.
func (c *Clock) Stamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	nowFn := c.now
	if nowFn == nil {
		nowFn = wallClock
	}
	sec, usec := nowFn()
	now := (uint64(sec) << 32) + (uint64(usec) << 12)

	co := c.prev & 1

	// maskLo covers the "counter space": 32 bits if co is set (counter-only
	// mode, no sub-second field), else the low 12 bits (8-bit counter plus
	// the 4-bit flag field).
	var maskLo uint64
	if co == 1 {
		maskLo = 0xFFFFFFFF
	} else {
		maskLo = 0xFFF
	}
	maskHi := ^maskLo

	hiUnchanged := (c.prev & maskHi) == (now & maskHi)

	counter := (c.prev & maskLo) >> 4
	if hiUnchanged {
		counter++
	} else {
		counter = 0
	}
	counter <<= 4

	newCo := co
	if hiUnchanged && (counter&maskLo) == 0 {
		// counter overflowed its space while the high bits held steady:
		// latch into counter-only mode permanently.
		newCo = 1
	}

	if newCo == 1 {
		maskLo = 0xFFFFFFFF
	} else {
		maskLo = 0xFFF
	}
	maskHi = ^maskLo

	stamp := (now & maskHi) | counter | newCo
	c.prev = stamp
	return stamp
}

// coOf extracts the counter-only flag from a stamp.
func coOf(stamp uint64) uint64 {
	return stamp & 1
}

// VerifyAndUpdate checks stamp against the clock's current time and,
// if prevSlot is non-nil, against the last-accepted stamp recorded there.
// On success prevSlot is advanced to max(*prevSlot, stamp) and true is
// returned. allowJitter widens the prevSlot comparison by DefaultJitter,
// 256x wider still when stamp's counter-only flag is set.
func (c *Clock) VerifyAndUpdate(stamp uint64, prevSlot *uint64, allowJitter bool) bool {
	now := c.Stamp()
	diff := int64(stamp - now)
	if diff < 0 {
		diff = -diff
	}
	if uint64(diff) >= DefaultFrame {
		c.incRejected()
		return false
	}

	if prevSlot != nil {
		diff := int64(stamp - *prevSlot)
		if allowJitter {
			diff += int64(DefaultJitter << (8 * coOf(stamp)))
		}
		if diff <= 0 {
			c.incRejected()
			return false
		}
		if stamp > *prevSlot {
			*prevSlot = stamp
		}
	}

	c.incAccepted()
	return true
}

func (c *Clock) incAccepted() {
	if c.metrics != nil {
		c.metrics.IncReplayAccepted()
	}
}

func (c *Clock) incRejected() {
	if c.metrics != nil {
		c.metrics.IncReplayRejected()
	}
}
