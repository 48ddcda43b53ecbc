package rotator

import "math"

// Normalize maps an angle of any magnitude into (-180, 180].
func Normalize(angle float64) float64 {
	d := math.Mod(angle, 360)
	if d <= -180 {
		d += 360
	} else if d > 180 {
		d -= 360
	}
	return d
}

// ShortestPath returns the signed move, at most 180 degrees in magnitude, that takes
// current to target.
func ShortestPath(current, target float64) float64 {
	diff := Normalize(target) - Normalize(current)
	if diff > 180 {
		diff -= 360
	} else if diff < -180 {
		diff += 360
	}
	return diff
}

// InBand reports whether an absolute position is inside the ±limit cable band.
func InBand(position, limit float64) bool {
	return position >= -limit && position <= limit
}
