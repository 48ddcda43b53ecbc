package motion

import (
	"errors"
	"fmt"
	"time"
)

// Tier is one step of the braking curve: while |error| > Above (and at or beyond
// ZoneMedium) the target is Percent of the speed-scaled maximum duty.
type Tier struct {
	Above   float64 `yaml:"above"`
	Percent int     `yaml:"percent"`
}

type PulseConfig struct {
	// Base is divided by the learned inertia factor and clamped to [Min, Max].
	Base int `yaml:"base"`
	Min  int `yaml:"min"`
	Max  int `yaml:"max"`
	// The ON time is OnBase plus OnSlope for every 2 degrees of error, clamped to
	// [OnBase, OnMax], within each Period.
	OnBase  time.Duration `yaml:"on_base"`
	OnSlope time.Duration `yaml:"on_slope"`
	OnMax   time.Duration `yaml:"on_max"`
	Period  time.Duration `yaml:"period"`
}

type Config struct {
	Interval    time.Duration `yaml:"interval"`
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// Tolerance is the arrival window, applied to both the encoder error and the
	// absolute position error.
	Tolerance float64 `yaml:"tolerance"`
	// TwistLimit bounds the absolute position in both directions.
	TwistLimit float64 `yaml:"twist_limit"`

	// Errors below PulseZone are closed with duty-cycled pulses; below SnapZone the
	// move is complete. A zero PulseZone disables pulsing.
	PulseZone float64 `yaml:"pulse_zone"`
	SnapZone  float64 `yaml:"snap_zone"`
	// StopVelocity is the speed below which an error under SnapZone stops the move
	// outside the pulse zone.
	StopVelocity float64 `yaml:"stop_velocity"`
	// The PID band is [PulseZone, ZoneMedium); tiers take over from ZoneMedium.
	ZoneMedium float64 `yaml:"zone_medium"`
	// Tiers are checked in order, coarsest first; the last one is the fallback.
	Tiers []Tier `yaml:"tiers"`
	// ApproachVelocity is the speed above which a braking approach is recorded for
	// learning.
	ApproachVelocity float64 `yaml:"approach_velocity"`

	// MaxPWM at 100% speed; the speed-scaled maximum never drops below MinPWM.
	MinPWM int `yaml:"min_pwm"`
	MaxPWM int `yaml:"max_pwm"`
	// FloorPWM is the smallest nonzero target outside the pulse zone.
	FloorPWM int `yaml:"floor_pwm"`

	SpeedPercent    int  `yaml:"speed_percent"`
	MinSpeedPercent int  `yaml:"min_speed_percent"`
	InvertMotor     bool `yaml:"invert_motor"`

	PID   PIDConfig   `yaml:"pid"`
	Ramp  RampConfig  `yaml:"ramp"`
	Pulse PulseConfig `yaml:"pulse"`
}

func DefaultConfig() Config {
	const (
		zoneFast       = 100
		zoneMedium     = 50
		zoneSlow       = 20
		zoneMediumSlow = 5
	)
	return Config{
		Interval:     10 * time.Millisecond,
		LockTimeout:  5 * time.Millisecond,
		Tolerance:    0.25,
		TwistLimit:   180,
		PulseZone:    2,
		SnapZone:     0.3,
		StopVelocity: 0.5,
		ZoneMedium:   zoneMedium,
		Tiers: []Tier{
			{zoneFast, 100},
			{75, 85},
			{zoneMedium, 70},
			{35, 55},
			{zoneSlow, 40},
			{zoneMediumSlow, 25},
			{0, 15},
		},
		ApproachVelocity: 5,
		MinPWM:           160,
		MaxPWM:           600,
		FloorPWM:         100,
		SpeedPercent:     100,
		MinSpeedPercent:  20,
		PID: PIDConfig{
			Kp:             2.5,
			Ki:             0.01,
			Kd:             0.35,
			OutputLimit:    600,
			IntegralFreeze: 1,
			MinPWM:         150,
			MaxPWM:         450,
		},
		Ramp: RampConfig{
			AccelStep: 5,
			DecelStep: 5,
			MinPWM:    160,
			Delay:     15 * time.Millisecond,
		},
		Pulse: PulseConfig{
			Base:    180,
			Min:     120,
			Max:     220,
			OnBase:  23 * time.Millisecond,
			OnSlope: 15 * time.Millisecond,
			OnMax:   45 * time.Millisecond,
			Period:  250 * time.Millisecond,
		},
	}
}

// Validate checks that the zones are ordered the way the controller assumes.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if c.PulseZone > 0 && c.SnapZone > c.PulseZone {
		return fmt.Errorf("snap zone %v is wider than pulse zone %v", c.SnapZone, c.PulseZone)
	}
	if c.PulseZone > c.ZoneMedium {
		return fmt.Errorf("pulse_zone %v above zone_medium %v", c.PulseZone, c.ZoneMedium)
	}
	if len(c.Tiers) == 0 {
		return errors.New("no deceleration tiers")
	}
	for i := 1; i < len(c.Tiers); i++ {
		if c.Tiers[i].Above >= c.Tiers[i-1].Above {
			return fmt.Errorf("tier %d (above %v) not below tier %d (above %v)", i, c.Tiers[i].Above, i-1, c.Tiers[i-1].Above)
		}
		if c.Tiers[i].Percent > c.Tiers[i-1].Percent {
			return fmt.Errorf("tier %d percent %d exceeds coarser tier", i, c.Tiers[i].Percent)
		}
	}
	if c.MinPWM > c.MaxPWM {
		return fmt.Errorf("min_pwm %d above max_pwm %d", c.MinPWM, c.MaxPWM)
	}
	if c.MinSpeedPercent <= 0 || c.MinSpeedPercent > 100 {
		return fmt.Errorf("min_speed_percent %d out of range", c.MinSpeedPercent)
	}
	if c.Pulse.Period <= 0 {
		return errors.New("pulse period must be positive")
	}
	return nil
}

func (c Config) tierPercent(absError float64) int {
	for _, t := range c.Tiers {
		if absError > t.Above {
			return t.Percent
		}
	}
	return c.Tiers[len(c.Tiers)-1].Percent
}

// maxPWM is the speed-scaled ceiling.
func (c Config) maxPWM(speedPercent int) int {
	return max(c.MaxPWM*speedPercent/100, c.MinPWM)
}

func (c Config) clampSpeed(percent int) int {
	return min(max(percent, c.MinSpeedPercent), 100)
}
