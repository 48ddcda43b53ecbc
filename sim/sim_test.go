package sim

import (
	"math"
	"testing"
	"time"

	"github.com/w1xm/rotor_interface/drive"
)

func run(p *Plant, d time.Duration) {
	for t := time.Duration(0); t < d; t += time.Millisecond {
		p.Step(time.Millisecond)
	}
}

func TestDeadband(t *testing.T) {
	p := New(DefaultConfig())
	drive.Apply(p, drive.CW, 80)
	run(p, time.Second)
	if got := p.Position(); got != 0 {
		t.Errorf("Position() = %v below deadband, want 0", got)
	}
}

func TestSteadyState(t *testing.T) {
	for _, test := range []struct {
		dir     drive.Direction
		duty    int
		wantVel float64
	}{
		{drive.CW, 280, 10},
		{drive.CCW, 180, -5},
	} {
		p := New(DefaultConfig())
		drive.Apply(p, test.dir, test.duty)
		run(p, time.Second)
		if got := p.Velocity(); math.Abs(got-test.wantVel) > 1e-9 {
			t.Errorf("%v %d: Velocity() = %v, want %v", test.dir, test.duty, got, test.wantVel)
		}
	}
}

func TestSelfLock(t *testing.T) {
	p := New(DefaultConfig())
	drive.Apply(p, drive.CW, 480)
	run(p, time.Second)
	drive.Apply(p, drive.Stop, 0)
	before := p.Position()
	run(p, 100*time.Millisecond)
	if coast := p.Position() - before; coast > 0.25 {
		t.Errorf("coasted %v degrees after braking from 20 deg/s", coast)
	}
	if v := p.Velocity(); v != 0 {
		t.Errorf("Velocity() = %v after braking", v)
	}
}

func TestCount(t *testing.T) {
	p := New(DefaultConfig())
	p.SetPosition(90)
	if got := p.Count(); got != 5120 {
		t.Errorf("Count() = %d at 90 degrees, want 5120", got)
	}
	p.Reset()
	p.SetPosition(-90)
	if got := p.Count(); got != -10240 {
		t.Errorf("Count() = %d after Reset, want -10240", got)
	}
}

func TestDisabled(t *testing.T) {
	p := New(DefaultConfig())
	p.Enable(false)
	drive.Apply(p, drive.CW, 600)
	run(p, 100*time.Millisecond)
	if got := p.Position(); got != 0 {
		t.Errorf("Position() = %v with bridge disabled", got)
	}
}
