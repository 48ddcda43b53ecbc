package rotor

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/rotor_interface/config"
	"github.com/w1xm/rotor_interface/learning"
	"github.com/w1xm/rotor_interface/rotator"
	"github.com/w1xm/rotor_interface/sim"
	"github.com/w1xm/rotor_interface/storage"
)

// rig runs a Service against a simulated plant on a fake clock, stepping the loops
// in the order Run would.
type rig struct {
	plant *sim.Plant
	store *storage.Memory
	svc   *Service
	now   time.Time
	last  Status
	calls int
}

func newRig(t *testing.T, saved *storage.State, position float64) *rig {
	t.Helper()
	cfg := config.Default()
	r := &rig{
		plant: sim.New(cfg.Sim),
		store: &storage.Memory{},
		now:   time.Unix(100, 0),
	}
	r.plant.SetPosition(position)
	if saved != nil {
		r.store.Save(*saved)
	}
	svc, err := New(cfg, r.plant, r.plant, r.store, func(s rotator.Status) {
		r.last = s.(Status)
		r.calls++
	})
	if err != nil {
		t.Fatal(err)
	}
	r.svc = svc
	r.run(50 * time.Millisecond)
	return r
}

func (r *rig) run(d time.Duration) {
	for i := 0; i < int(d/time.Millisecond); i++ {
		r.now = r.now.Add(time.Millisecond)
		r.plant.Step(time.Millisecond)
		r.svc.enc.Update(r.now)
		if i%10 == 0 {
			r.svc.ctl.Tick(r.now)
		}
		if i%50 == 0 {
			r.svc.report(r.now)
		}
	}
}

// settle runs until the rotator stops or limit passes.
func (r *rig) settle(t *testing.T, limit time.Duration) {
	t.Helper()
	for elapsed := time.Duration(0); elapsed < limit; elapsed += 100 * time.Millisecond {
		r.run(100 * time.Millisecond)
		if !r.status(t).Moving {
			return
		}
	}
	t.Fatalf("still moving after %v: %+v", limit, r.status(t))
}

func (r *rig) status(t *testing.T) Status {
	t.Helper()
	s, ok := r.svc.Status()
	if !ok {
		t.Fatal("Status() lock failed")
	}
	return s
}

// flush runs the persistence worker until it has nothing left to save.
func (r *rig) flush(t *testing.T) storage.State {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.svc.state.Run(ctx); err != nil {
		t.Fatal(err)
	}
	s, err := r.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRestore(t *testing.T) {
	saved := storage.Default()
	saved.CalibrationOffset = -30
	saved.AbsolutePosition = 100
	saved.Learning = learning.Params{InertiaFactor: 2, BrakingDistFactor: 0.2, OvershootEMA: 0.4, Cycles: 7}
	r := newRig(t, &saved, 0)

	s := r.status(t)
	if s.Calibration != -30 || s.Angle != -30 || s.RawAngle != 0 {
		t.Errorf("Calibration, Angle, RawAngle = %v, %v, %v; want -30, -30, 0", s.Calibration, s.Angle, s.RawAngle)
	}
	if s.AbsolutePosition != 100 {
		t.Errorf("AbsolutePosition = %v, want 100", s.AbsolutePosition)
	}
	if diff := cmp.Diff(saved.Learning, s.Learning); diff != "" {
		t.Errorf("unexpected learning: got(-)/want(+):\n%s", diff)
	}
}

func TestCalibrate(t *testing.T) {
	r := newRig(t, nil, 45)
	if s := r.status(t); s.Angle != 45 || s.AbsolutePosition != 0 {
		t.Fatalf("before calibration: Angle = %v, AbsolutePosition = %v", s.Angle, s.AbsolutePosition)
	}
	r.svc.Calibrate()
	r.run(50 * time.Millisecond)

	s := r.status(t)
	if s.Angle != 0 || s.AbsolutePosition != 0 || s.Calibration != -45 {
		t.Errorf("Angle, AbsolutePosition, Calibration = %v, %v, %v; want 0, 0, -45", s.Angle, s.AbsolutePosition, s.Calibration)
	}
	saved := r.flush(t)
	if saved.CalibrationOffset != -45 || saved.AbsolutePosition != 0 {
		t.Errorf("saved offset %v, absolute %v; want -45, 0", saved.CalibrationOffset, saved.AbsolutePosition)
	}
}

func TestMovePersistsOnStop(t *testing.T) {
	r := newRig(t, nil, 0)
	r.svc.MoveToAngle(30)
	r.run(200 * time.Millisecond)
	if !r.last.Moving {
		t.Fatalf("reported status not moving after command: %+v", r.last)
	}
	r.settle(t, 30*time.Second)
	r.run(100 * time.Millisecond)

	if got := r.plant.Position(); math.Abs(got-30) > 0.35 {
		t.Errorf("plant at %v, want 30", got)
	}
	saved := r.flush(t)
	if saved.LastTarget != 30 {
		t.Errorf("LastTarget = %v, want 30", saved.LastTarget)
	}
	if math.Abs(saved.AbsolutePosition-30) > 0.3 || math.Abs(saved.LastPosition-30) > 0.35 {
		t.Errorf("saved absolute %v, last position %v; want 30", saved.AbsolutePosition, saved.LastPosition)
	}
	if r.last.Moving {
		t.Errorf("last reported status still moving")
	}
}

func TestForceRecoveryUnwinds(t *testing.T) {
	saved := storage.Default()
	saved.AbsolutePosition = 170
	r := newRig(t, &saved, 0)

	r.svc.ForceRecovery()
	s := r.status(t)
	if s.Mode != "automatic" || s.TargetAbsolute != 0 || s.Target != -170 {
		t.Errorf("Mode, TargetAbsolute, Target = %v, %v, %v; want automatic, 0, -170", s.Mode, s.TargetAbsolute, s.Target)
	}
	if mode, angle := s.AzimuthCommand(); mode != "POSITION" || angle != -170 {
		t.Errorf("AzimuthCommand() = %v, %v", mode, angle)
	}
	r.svc.Stop()
	if mode, _ := r.status(t).AzimuthCommand(); mode != "NONE" {
		t.Errorf("AzimuthCommand() after Stop = %v", mode)
	}
}

func TestSetInvert(t *testing.T) {
	r := newRig(t, nil, 0)
	if err := r.svc.SetInvert("elevation", true); err == nil {
		t.Error("SetInvert(elevation) succeeded")
	}
	if err := r.svc.SetInvert(rotator.AxisMotor, true); err != nil {
		t.Fatal(err)
	}
	if !r.status(t).MotorInverted {
		t.Error("MotorInverted false after SetInvert(motor, true)")
	}

	r.plant.SetPosition(20)
	r.run(100 * time.Millisecond)
	before := r.status(t)
	if math.Abs(before.Angle-20) > 0.05 || math.Abs(before.AbsolutePosition-20) > 0.05 {
		t.Fatalf("Angle, AbsolutePosition = %v, %v; want 20", before.Angle, before.AbsolutePosition)
	}
	if err := r.svc.SetInvert(rotator.AxisEncoder, true); err != nil {
		t.Fatal(err)
	}
	r.run(100 * time.Millisecond)
	after := r.status(t)
	if !after.EncoderInverted || after.Angle != -before.Angle {
		t.Errorf("EncoderInverted, Angle = %v, %v; want true, %v", after.EncoderInverted, after.Angle, -before.Angle)
	}
	if after.AbsolutePosition != before.AbsolutePosition {
		t.Errorf("AbsolutePosition moved from %v to %v", before.AbsolutePosition, after.AbsolutePosition)
	}
}

func TestSpeedAndManual(t *testing.T) {
	r := newRig(t, nil, 0)
	r.svc.SetSpeedPercent(10)
	r.svc.SetAzimuthVelocity(-2.5)
	r.run(time.Second)
	s := r.status(t)
	if s.SpeedPercent != 20 || s.Mode != "manual" || s.Direction != "CCW" {
		t.Errorf("SpeedPercent, Mode, Direction = %v, %v, %v; want 20, manual, CCW", s.SpeedPercent, s.Mode, s.Direction)
	}
	if mode, _ := s.AzimuthCommand(); mode != "VELOCITY" {
		t.Errorf("AzimuthCommand() = %v, want VELOCITY", mode)
	}
	r.svc.SetAzimuthVelocity(0)
	r.settle(t, 5*time.Second)
	if got := r.plant.Position(); got >= 0 {
		t.Errorf("plant at %v after manual CCW move", got)
	}
}

func TestResetLearningPersists(t *testing.T) {
	saved := storage.Default()
	saved.Learning = learning.Params{InertiaFactor: 2.5, BrakingDistFactor: 0.5, Cycles: 40}
	r := newRig(t, &saved, 0)
	r.svc.ResetLearning()
	if got := r.flush(t).Learning; got != learning.DefaultParams() {
		t.Errorf("saved learning = %+v, want defaults", got)
	}
	if got := r.status(t).Learning; got != learning.DefaultParams() {
		t.Errorf("Learning = %+v, want defaults", got)
	}
}

func TestStatusJSON(t *testing.T) {
	r := newRig(t, nil, 0)
	if r.calls == 0 {
		t.Fatal("status callback never called")
	}
	b, err := json.Marshal(r.last)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"angle", "target", "error", "moving", "calibration", "absolutePosition"} {
		if _, ok := got[key]; !ok {
			t.Errorf("status JSON %s missing %q", b, key)
		}
	}
	want := map[string]interface{}{"inertia": 1.0, "braking": 0.1, "overshoot": 0.0, "cycles": 0.0}
	if diff := cmp.Diff(want, got["learning"]); diff != "" {
		t.Errorf("unexpected learning: got(-)/want(+):\n%s", diff)
	}
}
