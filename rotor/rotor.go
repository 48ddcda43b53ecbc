// Package rotor assembles the encoder, controller, learning engine and persisted
// state into a single azimuth rotator and runs their loops.
package rotor

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/w1xm/rotor_interface/config"
	"github.com/w1xm/rotor_interface/drive"
	"github.com/w1xm/rotor_interface/encoder"
	"github.com/w1xm/rotor_interface/learning"
	"github.com/w1xm/rotor_interface/motion"
	"github.com/w1xm/rotor_interface/rotator"
	"github.com/w1xm/rotor_interface/storage"
	"golang.org/x/sync/errgroup"
)

type Status struct {
	// Angle is the calibrated azimuth in (-180, 180].
	Angle float64 `json:"angle"`
	// Target is the calibrated, unwrapped angle being driven to.
	Target           float64         `json:"target"`
	Error            float64         `json:"error"`
	Moving           bool            `json:"moving"`
	Calibration      float64         `json:"calibration"`
	AbsolutePosition float64         `json:"absolutePosition"`
	Learning         learning.Params `json:"learning"`

	RawAngle        float64 `json:"rawAngle"`
	TargetAbsolute  float64 `json:"targetAbsolute"`
	Mode            string  `json:"mode"`
	Zone            string  `json:"zone"`
	Velocity        float64 `json:"velocity"`
	LimitExceeded   bool    `json:"limitExceeded"`
	LimitSign       int     `json:"limitSign"`
	Direction       string  `json:"direction"`
	PWM             int     `json:"pwm"`
	TargetPWM       int     `json:"targetPwm"`
	SpeedPercent    int     `json:"speedPercent"`
	MotorInverted   bool    `json:"motorInverted"`
	EncoderInverted bool    `json:"encoderInverted"`
	SkippedTicks    uint64  `json:"skippedTicks"`
}

func (s Status) Clone() rotator.Status {
	return s
}

func (s Status) AzimuthPosition() float64 {
	return s.Angle
}

func (s Status) AzimuthVelocity() float64 {
	return s.Velocity
}

func (s Status) TwistLimit() (bool, int) {
	return s.LimitExceeded, s.LimitSign
}

func (s Status) AzimuthCommand() (string, float64) {
	switch s.Mode {
	case motion.Automatic.String():
		return "POSITION", rotator.Normalize(s.Target)
	case motion.Manual.String():
		return "VELOCITY", 0
	}
	return "NONE", 0
}

// Service is a single-axis rotator. Commands may be issued from any goroutine.
type Service struct {
	cfg   config.Config
	out   drive.Driver
	enc   *encoder.Encoder
	learn *learning.Engine
	ctl   *motion.Controller
	state *storage.Writer

	statusCallback rotator.StatusCallback

	// Only touched by the report loop.
	wasMoving bool
	lastSkips uint64
}

var (
	_ rotator.Rotator     = (*Service)(nil)
	_ rotator.Calibrator  = (*Service)(nil)
	_ rotator.Inverter    = (*Service)(nil)
	_ rotator.SpeedSetter = (*Service)(nil)
)

// New restores the persisted state from store and wires the components. The bridge
// stays disabled until Run. statusCallback may be nil.
func New(cfg config.Config, out drive.Driver, src encoder.Source, store storage.Store, statusCallback rotator.StatusCallback) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := store.Load()
	if err != nil {
		log.Printf("loading state: %v; using defaults", err)
		st = storage.Default()
	}
	s := &Service{
		cfg:            cfg,
		out:            out,
		state:          storage.NewWriter(store, st),
		statusCallback: statusCallback,
	}
	s.enc = encoder.New(src, cfg.Encoder)
	s.enc.SetCalibrationOffset(st.CalibrationOffset)
	s.learn = learning.New(cfg.Learning, st.Learning, s.persistLearning)
	s.ctl = motion.New(cfg.Motion, s.enc, out, s.learn, st.AbsolutePosition, s.onLimit)
	log.Printf("restored calibration %.2f, absolute position %.2f, %d learning cycles",
		st.CalibrationOffset, st.AbsolutePosition, st.Learning.Cycles)
	return s, nil
}

func (s *Service) persistLearning(p learning.Params) {
	s.state.Update(func(st *storage.State) { st.Learning = p })
}

func (s *Service) onLimit(exceeded bool, sign int, position float64) {
	if exceeded {
		log.Printf("twist limit exceeded: absolute position %.1f (direction %+d)", position, sign)
		return
	}
	log.Printf("back within twist limit at %.1f", position)
}

// Run enables the bridge and runs the filter, control, report and persistence loops
// until ctx is done. The motor is braked and the bridge disabled on return.
func (s *Service) Run(ctx context.Context) error {
	if err := s.out.Enable(true); err != nil {
		return fmt.Errorf("enabling bridge: %w", err)
	}
	defer func() {
		s.ctl.Stop()
		if err := s.out.Enable(false); err != nil {
			log.Printf("disabling bridge: %v", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.state.Run(ctx)
	})
	g.Go(func() error {
		return every(ctx, s.cfg.Encoder.Interval, s.enc.Update)
	})
	g.Go(func() error {
		return every(ctx, s.cfg.Motion.Interval, s.ctl.Tick)
	})
	g.Go(func() error {
		return every(ctx, s.cfg.StatusInterval, s.report)
	})
	return g.Wait()
}

func every(ctx context.Context, d time.Duration, f func(time.Time)) error {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			f(now)
		}
	}
}

// report publishes the status and saves the position when a move finishes.
func (s *Service) report(now time.Time) {
	st, ok := s.Status()
	if !ok {
		return
	}
	if s.wasMoving && !st.Moving {
		s.state.Update(func(ps *storage.State) {
			ps.LastPosition = st.Angle
			ps.AbsolutePosition = st.AbsolutePosition
		})
	}
	s.wasMoving = st.Moving
	if s.cfg.Verbose && st.SkippedTicks != s.lastSkips {
		log.Printf("%d lock timeouts", st.SkippedTicks-s.lastSkips)
	}
	s.lastSkips = st.SkippedTicks
	if s.statusCallback != nil {
		s.statusCallback(st)
	}
}

// Status returns a snapshot. ok is false if a lock timed out.
func (s *Service) Status() (Status, bool) {
	cs, ok := s.ctl.Status()
	if !ok {
		return Status{}, false
	}
	params, ok := s.learn.Params()
	if !ok {
		return Status{}, false
	}
	offset := cs.CalibrationOffset
	return Status{
		Angle:            cs.Angle,
		Target:           cs.TargetAccumulated,
		Error:            cs.Error,
		Moving:           cs.Moving(),
		Calibration:      offset,
		AbsolutePosition: cs.AbsolutePosition,
		Learning:         params,
		RawAngle:         rotator.Normalize(cs.Angle - offset),
		TargetAbsolute:   cs.TargetAbsolute,
		Mode:             cs.Mode.String(),
		Zone:             cs.Zone.String(),
		Velocity:         cs.Velocity,
		LimitExceeded:    cs.LimitExceeded,
		LimitSign:        cs.LimitSign,
		Direction:        cs.Current.Direction.String(),
		PWM:              cs.Current.PWM,
		TargetPWM:        cs.Target.PWM,
		SpeedPercent:     cs.SpeedPercent,
		MotorInverted:    cs.MotorInverted,
		EncoderInverted:  s.enc.Inverted(),
		SkippedTicks:     cs.Skips + s.learn.Skips(),
	}, true
}

// MoveToAngle starts an automatic move to a calibrated azimuth.
func (s *Service) MoveToAngle(angle float64) motion.Plan {
	plan := s.ctl.MoveToAngle(angle)
	log.Printf("moving to %.2f: %+.2f degrees to absolute %.2f", plan.Angle, plan.Movement, plan.TargetAbsolute)
	s.state.Update(func(st *storage.State) { st.LastTarget = plan.Angle })
	return plan
}

func (s *Service) SetAzimuthPosition(angle float64) {
	s.MoveToAngle(angle)
}

// ManualMove drives in the direction of speed's sign; zero stops manual motion.
func (s *Service) ManualMove(speed int) {
	s.ctl.ManualMove(speed)
}

func (s *Service) SetAzimuthVelocity(velocity float64) {
	switch {
	case velocity > 0:
		s.ManualMove(1)
	case velocity < 0:
		s.ManualMove(-1)
	default:
		s.ManualMove(0)
	}
}

func (s *Service) Stop() {
	s.ctl.Stop()
}

// Calibrate makes the current position the zero of both the calibrated angle and
// the absolute position.
func (s *Service) Calibrate() {
	s.ctl.Stop()
	es, _ := s.enc.Snapshot()
	offset := -es.Angle
	s.enc.SetCalibrationOffset(offset)
	s.ctl.ResetPosition(0)
	s.state.Update(func(st *storage.State) {
		st.CalibrationOffset = offset
		st.AbsolutePosition = 0
		st.LastPosition = 0
	})
	log.Printf("calibrated: offset %.2f", offset)
}

// ForceRecovery moves to zero, which unwinds any twist.
func (s *Service) ForceRecovery() {
	log.Printf("forcing recovery to 0")
	s.MoveToAngle(0)
}

// SetInvert flips the polarity of the motor or the encoder. Inverting the encoder
// stops any move and keeps the absolute position.
func (s *Service) SetInvert(axis rotator.Axis, invert bool) error {
	switch axis {
	case rotator.AxisMotor:
		s.ctl.SetMotorInvert(invert)
	case rotator.AxisEncoder:
		if s.enc.Inverted() == invert {
			return nil
		}
		s.ctl.Stop()
		abs := math.NaN()
		if cs, ok := s.ctl.Status(); ok {
			abs = cs.AbsolutePosition
		}
		s.enc.SetInvert(invert)
		if !math.IsNaN(abs) {
			s.ctl.ResetPosition(abs)
		}
	default:
		return fmt.Errorf("unknown axis %q", axis)
	}
	log.Printf("%s inverted: %v", axis, invert)
	return nil
}

func (s *Service) SetSpeedPercent(percent int) {
	got := s.ctl.SetSpeedPercent(percent)
	if got != percent {
		log.Printf("speed %d%% clamped to %d%%", percent, got)
	}
}

// ResetLearning discards everything learned.
func (s *Service) ResetLearning() {
	s.learn.Reset()
}
