package learning

import (
	"math"
	"time"

	"github.com/w1xm/rotor_interface/rotator"
)

// Approach is the measurement window opened when the mount starts braking toward a
// target and closed when it stops.
type Approach struct {
	StartAngle    float64
	StartVelocity float64
	StartTime     time.Time
	Active        bool
}

// Sample is a validated approach.
type Sample struct {
	// FinalError is target minus final angle along the shortest path.
	FinalError      float64
	BrakingDistance float64
	// BrakingFactor is degrees travelled per degree/second of approach velocity.
	BrakingFactor float64
	Overshoot     bool
	// Undershoot is only set when the mount stopped short by more than the tolerance.
	Undershoot bool
}

// open latches the window; later calls before close are ignored.
func (a *Approach) open(angle, velocity float64, now time.Time) {
	if a.Active {
		return
	}
	*a = Approach{
		StartAngle:    angle,
		StartVelocity: velocity,
		StartTime:     now,
		Active:        true,
	}
}

// close ends the window and evaluates it. ok is false if no window was open or the data
// is unreliable.
func (a *Approach) close(final, target float64, cfg Config) (s Sample, ok bool) {
	if !a.Active {
		return Sample{}, false
	}
	a.Active = false

	finalError := rotator.ShortestPath(final, target)
	if math.Abs(finalError) > cfg.DiscardError {
		return Sample{}, false
	}
	velocity := math.Abs(a.StartVelocity)
	if velocity < cfg.MinApproachVelocity {
		return Sample{}, false
	}
	distance := math.Abs(rotator.ShortestPath(a.StartAngle, final))
	toTarget := rotator.ShortestPath(a.StartAngle, target)
	s = Sample{
		FinalError:      finalError,
		BrakingDistance: distance,
		BrakingFactor:   distance / (velocity + epsilon),
		Overshoot:       finalError*toTarget < 0,
	}
	s.Undershoot = !s.Overshoot && math.Abs(finalError) > cfg.Tolerance
	return s, true
}
