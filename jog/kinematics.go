package jog

// MMPerInch converts telemetry millimeters to engine inches
const MMPerInch = 25.4

// AccelToInches converts an acceleration in mm/s^2 to in/s^2
func AccelToInches(mmPerSec2 float64) float64 {
	return mmPerSec2 / MMPerInch
}

// SegmentLength computes the look-ahead segment for a combined move.
//
// feed is in inches per minute and accels holds the acceleration, in in/s^2,
// of each axis in the move; entries that are not positive are ignored.  The
// segment is roughly the distance the slowest axis needs to stop from feed,
// v^2 / (2a), times cfg.Scale.  With no usable acceleration the fallback is
// used instead.  Either way the result is clamped to cfg's bounds.
func SegmentLength(feed float64, accels []float64, fallback float64, cfg Config) float64 {
	limiting := 0.
	for _, a := range accels {
		if !(a > 0) || !finite(a) {
			continue
		}
		if limiting == 0 || a < limiting {
			limiting = a
		}
	}
	if limiting == 0 {
		return cfg.clamp(fallback)
	}
	v := feed / 60
	d := v * v / (2 * limiting)
	return cfg.clamp(d * cfg.Scale)
}
