// Package learning tunes the braking model of the mount from observed stops.
//
// Every validated approach nudges two factors with an exponential moving average:
// the braking distance per degree/second of approach speed, and an inertia factor that
// grows after overshoots and shrinks after undershoots. The motion controller uses the
// inertia factor to scale its fine-positioning pulses.
package learning

import (
	"log"
	"math"
	"time"

	"github.com/w1xm/rotor_interface/internal/guard"
)

const epsilon = 1e-6

type Config struct {
	// Alpha is the weight of a new sample.
	Alpha      float64 `yaml:"alpha"`
	MinInertia float64 `yaml:"min_inertia"`
	MaxInertia float64 `yaml:"max_inertia"`
	MinBraking float64 `yaml:"min_braking"`
	MaxBraking float64 `yaml:"max_braking"`
	// OvershootGain and UndershootGain scale the inertia factor's EMA target.
	OvershootGain  float64 `yaml:"overshoot_gain"`
	UndershootGain float64 `yaml:"undershoot_gain"`
	// Samples that stop further than DiscardError from target, or that started
	// slower than MinApproachVelocity, are ignored.
	DiscardError        float64 `yaml:"discard_error"`
	MinApproachVelocity float64 `yaml:"min_approach_velocity"`
	Tolerance           float64 `yaml:"tolerance"`
	// SaveEvery is how many cycles pass between persisted snapshots.
	SaveEvery int `yaml:"save_every"`
	// HistoryCycles is the number of cycles before the overshoot history is trusted.
	HistoryCycles int           `yaml:"history_cycles"`
	LockTimeout   time.Duration `yaml:"lock_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Alpha:               0.2,
		MinInertia:          0.5,
		MaxInertia:          3.0,
		MinBraking:          0.01,
		MaxBraking:          1.0,
		OvershootGain:       1.1,
		UndershootGain:      0.95,
		DiscardError:        5,
		MinApproachVelocity: 1,
		Tolerance:           0.25,
		SaveEvery:           10,
		HistoryCycles:       5,
		LockTimeout:         5 * time.Millisecond,
	}
}

// Params are the learned parameters. They survive restarts.
type Params struct {
	InertiaFactor     float64 `yaml:"inertia_factor" json:"inertia"`
	BrakingDistFactor float64 `yaml:"braking_dist_factor" json:"braking"`
	OvershootEMA      float64 `yaml:"overshoot_ema" json:"overshoot"`
	Cycles            int     `yaml:"cycles" json:"cycles"`
}

func DefaultParams() Params {
	return Params{
		InertiaFactor:     1.0,
		BrakingDistFactor: 0.1,
	}
}

// Learned reports whether any cycle has been recorded.
func (p Params) Learned() bool {
	return p.Cycles > 0
}

// PersistFunc receives a snapshot every SaveEvery cycles and on Reset. It is called
// from the control loop and must not block.
type PersistFunc func(Params)

// Engine is safe for concurrent use.
type Engine struct {
	cfg     Config
	persist PersistFunc

	mu       *guard.Mutex
	params   Params
	approach Approach
}

// New returns an engine starting from params (clamped). persist may be nil.
func New(cfg Config, params Params, persist PersistFunc) *Engine {
	e := &Engine{
		cfg:     cfg,
		persist: persist,
		mu:      guard.New(),
	}
	e.params = e.clamp(params)
	return e
}

func (e *Engine) clamp(p Params) Params {
	p.InertiaFactor = math.Max(e.cfg.MinInertia, math.Min(e.cfg.MaxInertia, p.InertiaFactor))
	p.BrakingDistFactor = math.Max(e.cfg.MinBraking, math.Min(e.cfg.MaxBraking, p.BrakingDistFactor))
	return p
}

// RecordApproach opens an approach window unless one is already open.
func (e *Engine) RecordApproach(angle, velocity float64, now time.Time) {
	if !e.mu.TryLockFor(e.cfg.LockTimeout) {
		return
	}
	e.approach.open(angle, velocity, now)
	e.mu.Unlock()
}

// Approaching reports whether an approach window is open.
func (e *Engine) Approaching() bool {
	if !e.mu.TryLockFor(e.cfg.LockTimeout) {
		return false
	}
	defer e.mu.Unlock()
	return e.approach.Active
}

// Abandon drops an open approach window without learning from it.
func (e *Engine) Abandon() {
	if !e.mu.TryLockFor(e.cfg.LockTimeout) {
		return
	}
	e.approach.Active = false
	e.mu.Unlock()
}

// Analyze closes the approach window at the final angle and, if the sample is
// usable, updates the parameters. It reports the sample and whether it was used.
func (e *Engine) Analyze(final, target float64) (Sample, bool) {
	if !e.mu.TryLockFor(e.cfg.LockTimeout) {
		return Sample{}, false
	}
	s, ok := e.approach.close(final, target, e.cfg)
	if !ok {
		e.mu.Unlock()
		return Sample{}, false
	}
	e.params = e.update(e.params, s)
	p := e.params
	e.mu.Unlock()

	if e.cfg.SaveEvery > 0 && p.Cycles%e.cfg.SaveEvery == 0 {
		log.Printf("learning: %d cycles, inertia %.3f, braking %.4f, overshoot %.3f", p.Cycles, p.InertiaFactor, p.BrakingDistFactor, p.OvershootEMA)
		if e.persist != nil {
			e.persist(p)
		}
	}
	return s, true
}

func (e *Engine) update(p Params, s Sample) Params {
	a := e.cfg.Alpha
	p.BrakingDistFactor = (1-a)*p.BrakingDistFactor + a*s.BrakingFactor
	switch {
	case s.Overshoot:
		p.InertiaFactor = (1-a)*p.InertiaFactor + a*p.InertiaFactor*e.cfg.OvershootGain
		p.OvershootEMA = (1-a)*p.OvershootEMA + a*math.Abs(s.FinalError)
	case s.Undershoot:
		p.InertiaFactor = (1-a)*p.InertiaFactor + a*p.InertiaFactor*e.cfg.UndershootGain
	}
	p.Cycles++
	return e.clamp(p)
}

// PredictBrakingDistance estimates how far the mount travels after the drive is cut at
// the given velocity.
func (e *Engine) PredictBrakingDistance(velocity float64) float64 {
	p, _ := e.Params()
	d := math.Abs(velocity) * p.BrakingDistFactor * p.InertiaFactor
	if p.Cycles >= e.cfg.HistoryCycles && p.OvershootEMA > 0 {
		d += 0.5 * p.OvershootEMA
	}
	return d
}

// Params returns a snapshot. If the lock times out, ok is false and the defaults are
// returned.
func (e *Engine) Params() (p Params, ok bool) {
	if !e.mu.TryLockFor(e.cfg.LockTimeout) {
		return DefaultParams(), false
	}
	defer e.mu.Unlock()
	return e.params, true
}

// Load replaces the parameters, e.g. with values restored from storage.
func (e *Engine) Load(p Params) {
	e.mu.Lock()
	e.params = e.clamp(p)
	e.mu.Unlock()
}

// Reset forgets everything learned and persists the defaults.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.params = DefaultParams()
	e.approach = Approach{}
	p := e.params
	e.mu.Unlock()
	log.Print("learning: reset")
	if e.persist != nil {
		e.persist(p)
	}
}

// Skips returns how many accesses gave up on the lock.
func (e *Engine) Skips() uint64 {
	return e.mu.Skips()
}
