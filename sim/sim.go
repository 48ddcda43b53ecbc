// Package sim simulates a worm-gear rotator: an H-bridge driven motor that does not
// turn below a friction deadband, locks as soon as the drive is cut, and reports its
// position through a quadrature counter.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/w1xm/rotor_interface/drive"
)

type Config struct {
	PulsesPerRevolution int     `yaml:"pulses_per_revolution"`
	GearRatio           float64 `yaml:"gear_ratio"`
	// Deadband is the duty needed to overcome static friction.
	Deadband int `yaml:"deadband"`
	// Gain is the steady state speed in degrees/second per unit of duty above the
	// deadband.
	Gain float64 `yaml:"gain"`
	// Acceleration in degrees/second^2 while driven, and while braking.
	MaxAccel   float64 `yaml:"max_accel"`
	BrakeAccel float64 `yaml:"brake_accel"`
	// Discrete simulation step size
	StepSize time.Duration `yaml:"step_size"`
}

func DefaultConfig() Config {
	return Config{
		PulsesPerRevolution: 4096,
		GearRatio:           5,
		Deadband:            80,
		Gain:                0.05,
		MaxAccel:            500,
		BrakeAccel:          1000,
		StepSize:            time.Millisecond,
	}
}

// Plant implements both drive.Driver and encoder.Source.
type Plant struct {
	cfg Config

	mu      sync.Mutex
	duty    [2]int
	enabled bool
	pos     float64
	vel     float64
	base    int64
}

func New(cfg Config) *Plant {
	return &Plant{cfg: cfg, enabled: true}
}

func (p *Plant) SetDuty(ch drive.Direction, duty int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch == drive.CCW {
		p.duty[1] = duty
	} else {
		p.duty[0] = duty
	}
	return nil
}

func (p *Plant) Enable(on bool) error {
	p.mu.Lock()
	p.enabled = on
	p.mu.Unlock()
	return nil
}

func (p *Plant) degPerPulse() float64 {
	return 360 / (float64(p.cfg.PulsesPerRevolution) * p.cfg.GearRatio)
}

// Count implements encoder.Source. Positive counts are clockwise.
func (p *Plant) Count() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(math.Floor(p.pos/p.degPerPulse())) - p.base
}

func (p *Plant) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base = int64(math.Floor(p.pos / p.degPerPulse()))
}

// Position returns the true unwrapped shaft angle.
func (p *Plant) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

// SetPosition moves the shaft without touching the counter base.
func (p *Plant) SetPosition(deg float64) {
	p.mu.Lock()
	p.pos = deg
	p.mu.Unlock()
}

func (p *Plant) Velocity() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vel
}

// targetVelocity is the speed the motor settles at for the current drive.
func (p *Plant) targetVelocity() float64 {
	if !p.enabled {
		return 0
	}
	d := p.duty[0] - p.duty[1]
	excess := math.Abs(float64(d)) - float64(p.cfg.Deadband)
	if excess <= 0 {
		return 0
	}
	return math.Copysign(excess*p.cfg.Gain, float64(d))
}

// Step advances the simulation by dt.
func (p *Plant) Step(dt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	target := p.targetVelocity()
	accel := p.cfg.MaxAccel
	if math.Abs(target) < math.Abs(p.vel) {
		accel = p.cfg.BrakeAccel
	}
	delta := target - p.vel
	if limit := accel * dt.Seconds(); math.Abs(delta) > limit {
		delta = math.Copysign(limit, delta)
	}
	p.vel += delta
	p.pos += p.vel * dt.Seconds()
}

// Run steps the plant in real time until ctx is done.
func (p *Plant) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.StepSize)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			p.Step(now.Sub(last))
			last = now
		}
	}
}
