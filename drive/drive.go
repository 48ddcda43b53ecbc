// Package drive talks to the H-bridge that turns the mount.
//
// A bridge has one PWM channel per rotation direction and a shared enable line. With
// the bridge enabled and both channels at zero the motor terminals are shorted, which
// brakes the motor.
package drive

import "fmt"

// Direction selects a rotation direction, and doubles as the name of the bridge
// channel that drives it.
type Direction int8

const (
	Stop Direction = 0
	CW   Direction = 1
	CCW  Direction = -1
)

func (d Direction) String() string {
	switch d {
	case CW:
		return "CW"
	case CCW:
		return "CCW"
	}
	return "STOP"
}

// Reverse returns the opposite direction. Stop stays Stop.
func (d Direction) Reverse() Direction {
	return -d
}

// Driver is a two-channel H-bridge. Duty is in [0, MaxDuty] of the implementation.
type Driver interface {
	SetDuty(ch Direction, duty int) error
	Enable(on bool) error
}

// Apply puts duty on the channel for dir and zero on the other. Stop or a zero duty
// brakes.
func Apply(d Driver, dir Direction, duty int) error {
	if dir == Stop || duty <= 0 {
		if err := d.SetDuty(CW, 0); err != nil {
			return err
		}
		return d.SetDuty(CCW, 0)
	}
	if dir != CW && dir != CCW {
		return fmt.Errorf("invalid direction %d", dir)
	}
	if err := d.SetDuty(dir.Reverse(), 0); err != nil {
		return err
	}
	return d.SetDuty(dir, duty)
}

// Recorder is a Driver that remembers the last duty on each channel.
type Recorder struct {
	Duty    [2]int
	Enabled bool
	Writes  int
}

func channelIndex(ch Direction) int {
	if ch == CCW {
		return 1
	}
	return 0
}

func (r *Recorder) SetDuty(ch Direction, duty int) error {
	r.Duty[channelIndex(ch)] = duty
	r.Writes++
	return nil
}

func (r *Recorder) Enable(on bool) error {
	r.Enabled = on
	return nil
}

// Output returns the signed command currently on the bridge.
func (r *Recorder) Output() (Direction, int) {
	switch {
	case r.Duty[0] > 0:
		return CW, r.Duty[0]
	case r.Duty[1] > 0:
		return CCW, r.Duty[1]
	}
	return Stop, 0
}
