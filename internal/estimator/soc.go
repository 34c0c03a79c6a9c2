package estimator

import "math"

// ShouldFire is the timer gate: a branch acts once its counter has reached
// threshold invocations.
func ShouldFire(counter, threshold int) bool {
	return counter >= threshold
}

// truncEpsilon absorbs binary rounding noise from the meter subtraction, so
// that 2.3 - 2.0 kWh worth exactly 3 points does not truncate to 2. It is far
// below any meter resolution.
const truncEpsilon = 1e-9

// Estimate projects baseline forward by the energy metered since reference.
//
// The percentage delta is truncated toward zero, never rounded: 1.8 points
// of charge are reported as 1. The result is clamped to [0,100].
func Estimate(baseline, reference, current, capacityKWh, efficiencyPct float64) float64 {
	effective := (current - reference) * efficiencyPct / 100
	raw := (100 / capacityKWh) * effective
	delta := math.Trunc(raw + math.Copysign(truncEpsilon, raw))
	return Clamp(baseline + delta)
}

// finite reports whether v is neither NaN nor an infinity.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Clamp bounds a SoC percentage to [0,100].
func Clamp(soc float64) float64 {
	return max(0, min(soc, 100))
}
