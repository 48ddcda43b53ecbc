package motion

import (
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/rotor_interface/drive"
)

func TestPIDFirstUpdateHasNoDerivative(t *testing.T) {
	p := NewPID(DefaultConfig().PID)
	if got, want := p.Update(40, 0.01), 2.5*40+0.01*40*0.01; math.Abs(got-want) > 1e-9 {
		t.Errorf("Update = %v, want %v", got, want)
	}
}

func TestPIDDerivative(t *testing.T) {
	cfg := PIDConfig{Kd: 1, OutputLimit: 600, IntegralFreeze: 1}
	p := NewPID(cfg)
	p.Update(30, 0.01)
	// Error shrinking by 0.1 over 10ms: D = -0.1/0.011.
	if got, want := p.Update(29.9, 0.01), 0.1/(0.01+epsilon); math.Abs(got-want) > 1e-6 {
		t.Errorf("Update = %v, want %v", got, want)
	}
}

func TestPIDIntegralFreeze(t *testing.T) {
	cfg := PIDConfig{Ki: 1, OutputLimit: 600, IntegralFreeze: 1}
	p := NewPID(cfg)
	p.Update(2, 1)
	if got := p.integral; got != 2 {
		t.Fatalf("integral = %v, want 2", got)
	}
	p.Update(0.5, 1)
	if got := p.integral; got != 2 {
		t.Errorf("integral = %v after update inside freeze band, want 2", got)
	}
	p.ResetIntegral()
	if got := p.integral; got != 0 {
		t.Errorf("integral = %v after ResetIntegral", got)
	}
}

func TestPIDIntegralClamp(t *testing.T) {
	cfg := PIDConfig{Ki: 0.5, OutputLimit: 10, IntegralFreeze: 1}
	p := NewPID(cfg)
	for i := 0; i < 100; i++ {
		p.Update(10, 1)
	}
	if max := 10 / (0.5 + epsilon); p.integral > max+1e-9 {
		t.Errorf("integral = %v, exceeds %v", p.integral, max)
	}
}

func TestPIDOutputClamp(t *testing.T) {
	p := NewPID(DefaultConfig().PID)
	if got := p.Update(1000, 0.01); got != 600 {
		t.Errorf("Update = %v, want 600", got)
	}
}

func TestPIDPWM(t *testing.T) {
	p := NewPID(DefaultConfig().PID)
	for _, test := range []struct {
		out  float64
		want int
	}{
		{0, 150},
		{300, 300},
		{125.7, 212},
		{600, 450},
		{900, 450},
	} {
		if got := p.PWM(test.out); got != test.want {
			t.Errorf("PWM(%v) = %d, want %d", test.out, got, test.want)
		}
	}
}

func TestRamp(t *testing.T) {
	cfg := RampConfig{AccelStep: 5, DecelStep: 10, MinPWM: 160, Delay: 15 * time.Millisecond}
	cw := func(pwm int) Output { return Output{Direction: drive.CW, PWM: pwm} }
	ccw := func(pwm int) Output { return Output{Direction: drive.CCW, PWM: pwm} }
	for _, test := range []struct {
		name        string
		cur, target Output
		want        Output
	}{
		{"start floors at minimum", Output{}, cw(400), cw(160)},
		{"accelerate", cw(200), cw(400), cw(205)},
		{"accelerate clamps", cw(398), cw(400), cw(400)},
		{"decelerate", cw(400), cw(200), cw(390)},
		{"decelerate clamps", cw(205), cw(200), cw(200)},
		{"decelerate holds minimum", cw(160), cw(100), cw(160)},
		{"stop ramps down", cw(300), Output{}, cw(290)},
		{"stop reaches zero", cw(8), Output{}, Output{}},
		{"reverse decelerates first", cw(300), ccw(300), cw(290)},
		{"reverse switches at zero", cw(10), ccw(300), ccw(0)},
		{"reverse from rest", ccw(0), cw(300), cw(160)},
	} {
		t.Run(test.name, func(t *testing.T) {
			r := NewRamp(cfg)
			got, ok := r.Step(time.Unix(0, 0), test.cur, test.target)
			if !ok {
				t.Fatal("first Step was gated")
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("unexpected output: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestRampGate(t *testing.T) {
	r := NewRamp(RampConfig{AccelStep: 5, DecelStep: 5, MinPWM: 0, Delay: 15 * time.Millisecond})
	t0 := time.Unix(0, 0)
	cur := Output{Direction: drive.CW, PWM: 100}
	target := Output{Direction: drive.CW, PWM: 200}
	cur, _ = r.Step(t0, cur, target)
	if got, ok := r.Step(t0.Add(10*time.Millisecond), cur, target); ok || got != cur {
		t.Errorf("Step within delay = %+v, %v; want unchanged, false", got, ok)
	}
	if got, ok := r.Step(t0.Add(15*time.Millisecond), cur, target); !ok || got.PWM != 110 {
		t.Errorf("Step after delay = %+v, %v; want PWM 110, true", got, ok)
	}
}
