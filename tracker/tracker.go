// Package tracker unwraps the encoder angle into the total rotation of the mount, so
// cable twist can be bounded.
package tracker

import "math"

// LimitFunc is invoked when the tracked position leaves the safe band (exceeded is
// true, sign is the side it left on) and again when it comes back.
type LimitFunc func(exceeded bool, sign int, position float64)

// Tracker is not safe for concurrent use; the motion controller owns it.
type Tracker struct {
	limit   float64
	onLimit LimitFunc

	position float64
	lastRaw  float64
	seeded   bool

	exceeded bool
	sign     int
}

// New returns a tracker starting at position (typically restored from storage).
// onLimit may be nil.
func New(limit, position float64, onLimit LimitFunc) *Tracker {
	return &Tracker{
		limit:    limit,
		onLimit:  onLimit,
		position: position,
	}
}

// Update folds one raw angle sample in (-180, 180] into the position. The first sample
// after New or Reset only seeds the unwrapper.
func (t *Tracker) Update(raw float64) float64 {
	if !t.seeded {
		t.lastRaw = raw
		t.seeded = true
		t.checkLimit()
		return t.position
	}
	delta := raw - t.lastRaw
	if delta > 180 {
		delta -= 360
	} else if delta < -180 {
		delta += 360
	}
	t.lastRaw = raw
	t.position += delta
	t.checkLimit()
	return t.position
}

func (t *Tracker) checkLimit() {
	if math.Abs(t.position) > t.limit {
		if t.exceeded {
			return
		}
		t.exceeded = true
		t.sign = 1
		if t.position < 0 {
			t.sign = -1
		}
		if t.onLimit != nil {
			t.onLimit(true, t.sign, t.position)
		}
		return
	}
	if t.exceeded {
		t.exceeded = false
		if t.onLimit != nil {
			t.onLimit(false, t.sign, t.position)
		}
		t.sign = 0
	}
}

func (t *Tracker) Position() float64 {
	return t.position
}

// Exceeded reports whether the position is outside the band and on which side.
func (t *Tracker) Exceeded() (bool, int) {
	return t.exceeded, t.sign
}

// Reset sets the position, clamped into the band, and re-seeds on the next Update.
func (t *Tracker) Reset(position float64) {
	t.position = math.Max(-t.limit, math.Min(t.limit, position))
	t.seeded = false
	t.exceeded = false
	t.sign = 0
}

// Snap overwrites the position without disturbing the unwrapper.
func (t *Tracker) Snap(position float64) {
	t.position = position
	t.checkLimit()
}
