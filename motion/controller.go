// Package motion closes the loop between the encoder and the bridge.
//
// A Controller is Idle, Manual or Automatic. MoveToAngle plans a path that keeps the
// absolute position inside the twist limit and enters Automatic. Each Tick then picks
// a zone from the remaining error:
//
//	pulse      |e| < PulseZone            short fixed-strength taps, ramp bypassed
//	PID        PulseZone <= |e| < ZoneMedium
//	tiers      everything else            fraction of the speed-scaled maximum
//
// and feeds the resulting target through the Ramp. The motor is self-locking, so
// cutting the duty stops it almost immediately; the tiers form the braking curve.
package motion

import (
	"log"
	"math"
	"time"

	"github.com/w1xm/rotor_interface/drive"
	"github.com/w1xm/rotor_interface/encoder"
	"github.com/w1xm/rotor_interface/internal/guard"
	"github.com/w1xm/rotor_interface/learning"
	"github.com/w1xm/rotor_interface/rotator"
	"github.com/w1xm/rotor_interface/tracker"
)

type Mode int

const (
	Idle Mode = iota
	Manual
	Automatic
)

func (m Mode) String() string {
	switch m {
	case Manual:
		return "manual"
	case Automatic:
		return "automatic"
	}
	return "idle"
}

type Zone int

const (
	ZoneNone Zone = iota
	ZonePulse
	ZonePID
	ZoneTier
)

func (z Zone) String() string {
	switch z {
	case ZonePulse:
		return "pulse"
	case ZonePID:
		return "pid"
	case ZoneTier:
		return "tier"
	}
	return "none"
}

// Status is a snapshot of the controller.
type Status struct {
	Mode Mode
	Zone Zone
	// Angle is the calibrated encoder angle in (-180, 180].
	Angle             float64
	CalibrationOffset float64
	// TargetAccumulated is the calibrated, unwrapped encoder angle being driven to.
	TargetAccumulated float64
	TargetAbsolute    float64
	// Error is the remaining move normalized to (-180, 180].
	Error            float64
	AbsolutePosition float64
	LimitExceeded    bool
	LimitSign        int
	Velocity         float64
	Current          Output
	Target           Output
	SpeedPercent     int
	MotorInverted    bool
	// Skips counts control ticks and reads abandoned on lock timeouts.
	Skips uint64
}

// Moving reports whether the bridge is driven or about to be.
func (s Status) Moving() bool {
	return s.Mode != Idle || s.Current.PWM > 0
}

// Plan is the outcome of MoveToAngle.
type Plan struct {
	Angle             float64
	Movement          float64
	TargetAbsolute    float64
	TargetAccumulated float64
}

type Controller struct {
	cfg   Config
	enc   *encoder.Encoder
	out   drive.Driver
	learn *learning.Engine

	mu      *guard.Mutex
	tracker *tracker.Tracker
	pid     *PID
	ramp    *Ramp

	mode        Mode
	zone        Zone
	targetAccum float64
	targetAbs   float64
	lastError   float64

	velocity  float64
	lastAngle float64
	lastTick  time.Time
	seeded    bool

	current, target Output
	speedPercent    int
	invert          bool
	driveErr        error
}

// New returns an idle controller whose absolute position starts at position.
// onLimit is called from Tick when the twist limit is crossed and must not block.
func New(cfg Config, enc *encoder.Encoder, out drive.Driver, learn *learning.Engine, position float64, onLimit tracker.LimitFunc) *Controller {
	return &Controller{
		cfg:          cfg,
		enc:          enc,
		out:          out,
		learn:        learn,
		mu:           guard.New(),
		tracker:      tracker.New(cfg.TwistLimit, position, onLimit),
		pid:          NewPID(cfg.PID),
		ramp:         NewRamp(cfg.Ramp),
		speedPercent: cfg.clampSpeed(cfg.SpeedPercent),
		invert:       cfg.InvertMotor,
	}
}

// PlanMovement returns the signed move from absolute position abs to angle that
// keeps the result within ±limit. The shortest path is preferred; if it would leave
// the band the complementary long path is taken, unless that ends up further out.
func PlanMovement(abs, angle, limit float64) float64 {
	m := rotator.ShortestPath(abs, angle)
	if rotator.InBand(abs+m, limit) {
		return m
	}
	alt := m - math.Copysign(360, m)
	if m == 0 {
		alt = -math.Copysign(360, abs)
	}
	if rotator.InBand(abs+alt, limit) || math.Abs(abs+alt) < math.Abs(abs+m) {
		return alt
	}
	return m
}

// MoveToAngle starts an automatic move to a calibrated azimuth of any magnitude.
func (c *Controller) MoveToAngle(angle float64) Plan {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, offset := c.enc.Snapshot()
	c.tracker.Update(s.Angle)
	current := s.Accumulated + offset

	angle = rotator.Normalize(angle)
	abs := c.tracker.Position()
	movement := PlanMovement(abs, angle, c.cfg.TwistLimit)
	if m := rotator.ShortestPath(abs, angle); m != movement {
		log.Printf("move to %.2f: shortest path %+.2f from %.2f leaves the twist band, taking %+.2f", angle, m, abs, movement)
	}

	c.targetAbs = abs + movement
	c.targetAccum = current + movement
	c.mode = Automatic
	c.zone = ZoneNone
	c.lastError = 0
	c.pid.Reset()
	c.velocity = 0
	c.lastAngle = current
	c.seeded = true
	c.learn.Abandon()

	return Plan{
		Angle:             angle,
		Movement:          movement,
		TargetAbsolute:    c.targetAbs,
		TargetAccumulated: c.targetAccum,
	}
}

// ManualMove drives in the direction of speed's sign at the configured speed. Zero
// leaves manual mode and lets the ramp bring the motor to rest. Either way an
// automatic move is abandoned.
func (c *Controller) ManualMove(speed int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == Automatic {
		c.learn.Abandon()
		c.pid.Reset()
	}
	c.zone = ZoneNone
	if speed == 0 {
		c.mode = Idle
		c.target = Output{}
		return
	}
	c.mode = Manual
	dir := drive.CW
	if speed < 0 {
		dir = drive.CCW
	}
	c.target = Output{Direction: dir, PWM: c.cfg.maxPWM(c.speedPercent)}
}

// Stop brakes immediately, bypassing the ramp.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.mode = Idle
	c.zone = ZoneNone
	c.pid.Reset()
	c.learn.Abandon()
	c.target = Output{}
	c.apply(Output{})
}

// SetSpeedPercent sets the speed scale for automatic and manual moves, clamped to
// [MinSpeedPercent, 100].
func (c *Controller) SetSpeedPercent(percent int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speedPercent = c.cfg.clampSpeed(percent)
	if c.mode == Manual {
		c.target.PWM = c.cfg.maxPWM(c.speedPercent)
	}
	return c.speedPercent
}

// SetMotorInvert swaps the bridge channels. The current output is rewritten at once.
func (c *Controller) SetMotorInvert(invert bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invert == invert {
		return
	}
	c.invert = invert
	c.apply(c.current)
}

// ResetPosition sets the absolute position, e.g. after calibration, and re-seeds
// velocity tracking. Call it only while stopped.
func (c *Controller) ResetPosition(position float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracker.Reset(position)
	c.seeded = false
	c.velocity = 0
}

// Tick runs one control step. It never blocks longer than the lock timeout; a tick
// that cannot take a lock is skipped.
func (c *Controller) Tick(now time.Time) {
	s, offset, ok := c.enc.Calibrated()
	if !ok {
		return
	}
	if !c.mu.TryLockFor(c.cfg.LockTimeout) {
		return
	}
	defer c.mu.Unlock()

	c.tracker.Update(s.Angle)
	angle := s.Accumulated + offset
	dt := c.cfg.Interval.Seconds()
	if !c.lastTick.IsZero() {
		dt = now.Sub(c.lastTick).Seconds()
	}
	c.lastTick = now
	c.updateVelocity(angle, dt)

	switch c.mode {
	case Manual:
		c.rampStep(now)
	case Idle:
		if c.current.PWM > 0 {
			c.rampStep(now)
		}
	case Automatic:
		c.control(now, angle, dt)
	}
}

func (c *Controller) updateVelocity(angle, dt float64) {
	if !c.seeded {
		c.lastAngle = angle
		c.seeded = true
		return
	}
	inst := (angle - c.lastAngle) / (dt + epsilon)
	c.velocity = 0.8*c.velocity + 0.2*inst
	c.lastAngle = angle
}

func (c *Controller) control(now time.Time, angle, dt float64) {
	e := c.targetAccum - angle
	for e > 540 {
		e -= 360
	}
	for e < -540 {
		e += 360
	}
	ae := math.Abs(e)

	if math.Abs(c.tracker.Position()-c.targetAbs) < c.cfg.Tolerance && ae < c.cfg.Tolerance {
		c.arrive(angle, false)
		return
	}

	if e*c.lastError < 0 {
		c.pid.ResetIntegral()
	}
	c.lastError = e
	dir := drive.CW
	if e < 0 {
		dir = drive.CCW
	}

	if ae < c.cfg.PulseZone {
		if ae < c.cfg.SnapZone {
			c.arrive(angle, true)
			return
		}
		c.pulse(now, dir, ae)
		return
	}
	if ae < c.cfg.SnapZone && math.Abs(c.velocity) < c.cfg.StopVelocity {
		c.arrive(angle, false)
		return
	}

	maxPWM := c.cfg.maxPWM(c.speedPercent)
	var pwm int
	if ae < c.cfg.ZoneMedium {
		if c.zone != ZonePID {
			c.pid.Reset()
		}
		c.zone = ZonePID
		if math.Abs(c.velocity) > c.cfg.ApproachVelocity {
			c.learn.RecordApproach(angle, c.velocity, now)
		}
		pwm = c.pid.PWM(c.pid.Update(ae, dt))
	} else {
		c.zone = ZoneTier
		c.pid.ResetIntegral()
		pwm = maxPWM * c.cfg.tierPercent(ae) / 100
	}
	if pwm > 0 && pwm < c.cfg.FloorPWM {
		pwm = c.cfg.FloorPWM
	}
	if pwm > maxPWM {
		pwm = maxPWM
	}
	c.target = Output{Direction: dir, PWM: pwm}
	c.rampStep(now)
}

// pulse taps the motor against static friction: on for a time that grows with the
// error, then braked for the rest of the period so the result can be measured. No tap
// is given while the predicted coast still covers the error.
func (c *Controller) pulse(now time.Time, dir drive.Direction, ae float64) {
	p := c.cfg.Pulse
	c.zone = ZonePulse

	inertia := 1.0
	if params, ok := c.learn.Params(); ok {
		inertia = params.InertiaFactor
	}
	amp := min(max(int(float64(p.Base)/inertia), p.Min), p.Max)
	if c.learn.PredictBrakingDistance(c.velocity) >= ae {
		amp = 0
	}

	on := p.OnBase + time.Duration(ae/2*float64(p.OnSlope))
	on = min(max(on.Truncate(time.Millisecond), p.OnBase), p.OnMax)

	phase := time.Duration(now.UnixNano() % int64(p.Period))
	if phase < on {
		c.target = Output{Direction: dir, PWM: amp}
	} else {
		c.target = Output{Direction: dir}
	}
	c.apply(c.target)
}

// arrive ends an automatic move. snap moves the absolute position onto the target to
// cancel accumulated drift.
func (c *Controller) arrive(angle float64, snap bool) {
	if sample, ok := c.learn.Analyze(angle, c.targetAccum); ok && sample.Overshoot {
		log.Printf("overshoot of %.2f degrees", math.Abs(sample.FinalError))
	}
	if snap {
		c.tracker.Snap(c.targetAbs)
	}
	log.Printf("arrived at %.2f (absolute %.2f, target %.2f)", rotator.Normalize(angle), c.tracker.Position(), c.targetAbs)
	c.mode = Idle
	c.zone = ZoneNone
	c.pid.Reset()
	c.target = Output{}
	c.apply(Output{})
}

func (c *Controller) rampStep(now time.Time) {
	if next, ok := c.ramp.Step(now, c.current, c.target); ok {
		c.apply(next)
	}
}

// apply writes out to the bridge. It is the only place that touches the driver.
func (c *Controller) apply(out Output) {
	if out.PWM <= 0 {
		out.PWM = 0
	}
	c.current = out
	dir := out.Direction
	if c.invert {
		dir = dir.Reverse()
	}
	err := drive.Apply(c.out, dir, out.PWM)
	switch {
	case err != nil && c.driveErr == nil:
		log.Printf("driving bridge: %v", err)
	case err == nil && c.driveErr != nil:
		log.Printf("bridge recovered")
	}
	c.driveErr = err
}

// Status returns a snapshot. ok is false if the lock timed out.
func (c *Controller) Status() (st Status, ok bool) {
	s, offset, ok := c.enc.Calibrated()
	if !ok {
		return Status{}, false
	}
	if !c.mu.TryLockFor(c.cfg.LockTimeout) {
		return Status{}, false
	}
	defer c.mu.Unlock()
	exceeded, sign := c.tracker.Exceeded()
	return Status{
		Mode:              c.mode,
		Zone:              c.zone,
		Angle:             rotator.Normalize(s.Angle + offset),
		CalibrationOffset: offset,
		TargetAccumulated: c.targetAccum,
		TargetAbsolute:    c.targetAbs,
		Error:             rotator.Normalize(c.targetAccum - (s.Accumulated + offset)),
		AbsolutePosition:  c.tracker.Position(),
		LimitExceeded:     exceeded,
		LimitSign:         sign,
		Velocity:          c.velocity,
		Current:           c.current,
		Target:            c.target,
		SpeedPercent:      c.speedPercent,
		MotorInverted:     c.invert,
		Skips:             c.mu.Skips() + c.enc.Skips(),
	}, true
}
