package rotator

// Rotator is the command surface shared by every front end (HTTP, rotctld, EasyComm).
// Angles are azimuth degrees; any magnitude is accepted and normalised by the
// implementation.
type Rotator interface {
	Stop()
	SetAzimuthPosition(angle float64)
	// SetAzimuthVelocity starts a manual move. Only the sign is significant;
	// zero releases manual mode.
	SetAzimuthVelocity(velocity float64)
}

type StatusCallback func(status Status)

type Status interface {
	AzimuthPosition() float64
	// AzimuthCommand returns the command mode ("NONE", "POSITION" or "VELOCITY") and
	// the commanded angle.
	AzimuthCommand() (string, float64)

	Clone() Status
}

type Calibrator interface {
	// Calibrate makes the current raw angle the new zero and resets the absolute position.
	Calibrate()
	// ForceRecovery commands a move to zero, letting twist protection pick a safe path.
	ForceRecovery()
}

// Axis names an axis whose polarity can be inverted at runtime.
type Axis string

const (
	AxisMotor   Axis = "motor"
	AxisEncoder Axis = "encoder"
)

type Inverter interface {
	SetInvert(axis Axis, invert bool) error
}

type SpeedSetter interface {
	// SetSpeedPercent scales the maximum drive; values are clamped to [20, 100].
	SetSpeedPercent(percent int)
}
