// Package encoder turns a raw quadrature count into a filtered angle and velocity.
package encoder

import (
	"sync/atomic"
	"time"

	"github.com/w1xm/rotor_interface/internal/guard"
	"github.com/w1xm/rotor_interface/rotator"
)

// Source is a monotonically wrapping signed pulse counter. Encoder is its only consumer.
type Source interface {
	Count() int64
	Reset()
}

type Config struct {
	PulsesPerRevolution int     `yaml:"pulses_per_revolution"`
	GearRatio           float64 `yaml:"gear_ratio"`
	// SpikeThreshold is the largest believable count change in one filter tick.
	SpikeThreshold int64         `yaml:"spike_threshold"`
	Invert         bool          `yaml:"invert"`
	Interval       time.Duration `yaml:"interval"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`
}

func DefaultConfig() Config {
	return Config{
		PulsesPerRevolution: 4096,
		GearRatio:           5,
		SpikeThreshold:      300,
		Interval:            time.Millisecond,
		LockTimeout:         5 * time.Millisecond,
	}
}

// State is the snapshot published by every filter tick.
type State struct {
	Count int64
	// Angle is the uncalibrated angle in (-180, 180].
	Angle float64
	// Accumulated is the uncalibrated angle without wrapping.
	Accumulated float64
	// Velocity is in degrees/second, positive in the direction of increasing count.
	Velocity float64
}

type Encoder struct {
	src         Source
	filter      *Filter
	degPerPulse float64
	lockTimeout time.Duration
	invert      atomic.Bool

	// Only touched by the filter tick.
	lastTick time.Time

	mu     *guard.Mutex
	state  State
	offset float64
}

func New(src Source, cfg Config) *Encoder {
	e := &Encoder{
		src:         src,
		filter:      NewFilter(cfg.SpikeThreshold),
		degPerPulse: 360 / (float64(cfg.PulsesPerRevolution) * cfg.GearRatio),
		lockTimeout: cfg.LockTimeout,
		mu:          guard.New(),
	}
	e.invert.Store(cfg.Invert)
	return e
}

// Update runs one filter tick. It never blocks longer than the lock timeout; if the
// lock cannot be taken the published state keeps its previous value.
func (e *Encoder) Update(now time.Time) {
	filtered, prev := e.filter.Push(e.src.Count())
	if e.invert.Load() {
		filtered, prev = -filtered, -prev
	}

	dt := 0.001
	if !e.lastTick.IsZero() {
		if d := now.Sub(e.lastTick).Seconds(); d > dt {
			dt = d
		}
	}
	e.lastTick = now
	instVel := float64(filtered-prev) * e.degPerPulse / dt
	accumulated := float64(filtered) * e.degPerPulse

	if !e.mu.TryLockFor(e.lockTimeout) {
		return
	}
	e.state = State{
		Count:       filtered,
		Angle:       rotator.Normalize(accumulated),
		Accumulated: accumulated,
		Velocity:    0.8*e.state.Velocity + 0.2*instVel,
	}
	e.mu.Unlock()
}

// State returns the last published snapshot. ok is false if the lock timed out.
func (e *Encoder) State() (s State, ok bool) {
	if !e.mu.TryLockFor(e.lockTimeout) {
		return State{}, false
	}
	defer e.mu.Unlock()
	return e.state, true
}

// Snapshot waits for the lock and returns the published state with the calibration
// offset. Command paths use it; the periodic tasks use Calibrated.
func (e *Encoder) Snapshot() (s State, offset float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.offset
}

// Raw returns the uncalibrated angle in (-180, 180].
func (e *Encoder) Raw() float64 {
	s, _ := e.Snapshot()
	return s.Angle
}

// Angle returns the calibrated angle in (-180, 180].
func (e *Encoder) Angle() float64 {
	s, offset := e.Snapshot()
	return rotator.Normalize(s.Angle + offset)
}

// Calibrated returns the snapshot together with the calibration offset readers must add.
// ok is false if the lock timed out.
func (e *Encoder) Calibrated() (s State, offset float64, ok bool) {
	if !e.mu.TryLockFor(e.lockTimeout) {
		return State{}, 0, false
	}
	defer e.mu.Unlock()
	return e.state, e.offset, true
}

func (e *Encoder) SetCalibrationOffset(offset float64) {
	e.mu.Lock()
	e.offset = offset
	e.mu.Unlock()
}

func (e *Encoder) CalibrationOffset() float64 {
	_, offset := e.Snapshot()
	return offset
}

func (e *Encoder) SetInvert(invert bool) {
	e.invert.Store(invert)
}

func (e *Encoder) Inverted() bool {
	return e.invert.Load()
}

// Skips returns how many state accesses gave up on the lock.
func (e *Encoder) Skips() uint64 {
	return e.mu.Skips()
}

// Reset zeroes the hardware counter and the published angle. It must not run
// concurrently with Update.
func (e *Encoder) Reset() {
	e.src.Reset()
	e.filter.Reset()
	e.mu.Lock()
	e.state = State{}
	e.mu.Unlock()
}
