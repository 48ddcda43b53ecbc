package motion

import (
	"time"

	"github.com/w1xm/rotor_interface/drive"
)

type RampConfig struct {
	AccelStep int `yaml:"accel_step"`
	DecelStep int `yaml:"decel_step"`
	// MinPWM is the lowest nonzero duty the ramp emits while the target is nonzero.
	MinPWM int           `yaml:"min_pwm"`
	Delay  time.Duration `yaml:"delay"`
}

// Output is a signed bridge command.
type Output struct {
	Direction drive.Direction
	PWM       int
}

// Ramp rate-limits changes of the bridge output.
type Ramp struct {
	cfg  RampConfig
	last time.Time
}

func NewRamp(cfg RampConfig) *Ramp {
	return &Ramp{cfg: cfg}
}

// Step moves cur one step toward target. It reports false, leaving cur alone, if less
// than the configured delay has passed since the last step.
//
// A direction change first brings the duty down to zero; the output never reverses
// while driven.
func (r *Ramp) Step(now time.Time, cur, target Output) (Output, bool) {
	if !r.last.IsZero() && now.Sub(r.last) < r.cfg.Delay {
		return cur, false
	}
	r.last = now

	if target.Direction != cur.Direction && cur.PWM > 0 {
		cur.PWM -= r.cfg.DecelStep
		if cur.PWM <= 0 {
			cur = Output{Direction: target.Direction}
		}
		return cur, true
	}
	if cur.PWM == 0 {
		cur.Direction = target.Direction
	}

	if cur.PWM < target.PWM {
		cur.PWM = min(cur.PWM+r.cfg.AccelStep, target.PWM)
	} else if cur.PWM > target.PWM {
		cur.PWM = max(cur.PWM-r.cfg.DecelStep, target.PWM)
	}
	if target.PWM > 0 && cur.PWM > 0 && cur.PWM < r.cfg.MinPWM {
		cur.PWM = r.cfg.MinPWM
	}
	return cur, true
}
