package motion

import "math"

// epsilon keeps denominators away from zero without branching.
const epsilon = 1e-3

type PIDConfig struct {
	Kp          float64 `yaml:"kp"`
	Ki          float64 `yaml:"ki"`
	Kd          float64 `yaml:"kd"`
	OutputLimit float64 `yaml:"output_limit"`
	// The integral does not accumulate while |error| is below IntegralFreeze.
	IntegralFreeze float64 `yaml:"integral_freeze"`
	// PID output magnitude [0, OutputLimit] maps linearly to [MinPWM, MaxPWM].
	MinPWM int `yaml:"min_pwm"`
	MaxPWM int `yaml:"max_pwm"`
}

// PID is only used in the band just outside fine positioning. It works on error
// magnitude; the caller owns direction.
type PID struct {
	cfg PIDConfig

	integral  float64
	lastError float64
	// primed is false until the first Update after Reset, which has no derivative.
	primed bool
}

func NewPID(cfg PIDConfig) *PID {
	return &PID{cfg: cfg}
}

func (p *PID) Reset() {
	p.integral = 0
	p.lastError = 0
	p.primed = false
}

func (p *PID) ResetIntegral() {
	p.integral = 0
}

// Update returns the magnitude of the controller output for error e over dt seconds.
func (p *PID) Update(e, dt float64) float64 {
	c := p.cfg
	prop := c.Kp * e

	if math.Abs(e) >= c.IntegralFreeze {
		p.integral += e * dt
	}
	maxIntegral := c.OutputLimit / (c.Ki + epsilon)
	p.integral = clamp(p.integral, -maxIntegral, maxIntegral)
	integral := c.Ki * p.integral

	var deriv float64
	if p.primed {
		deriv = c.Kd * (e - p.lastError) / (dt + epsilon)
	}
	p.lastError = e
	p.primed = true

	out := clamp(prop+integral+deriv, -c.OutputLimit, c.OutputLimit)
	return math.Abs(out)
}

// PWM maps an Update result onto the configured duty range using integer arithmetic.
func (p *PID) PWM(out float64) int {
	c := p.cfg
	limit := int(c.OutputLimit)
	if limit <= 0 {
		return c.MinPWM
	}
	pwm := c.MinPWM + int(out)*(c.MaxPWM-c.MinPWM)/limit
	if pwm < c.MinPWM {
		return c.MinPWM
	}
	if pwm > c.MaxPWM {
		return c.MaxPWM
	}
	return pwm
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
