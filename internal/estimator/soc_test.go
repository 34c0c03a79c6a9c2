package estimator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldFire(t *testing.T) {
	assert.False(t, ShouldFire(0, 6))
	assert.False(t, ShouldFire(5, 6))
	assert.True(t, ShouldFire(6, 6))
	assert.True(t, ShouldFire(9, 6))
	assert.True(t, ShouldFire(0, 0), "threshold 0 fires every invocation")
}

// The percentage delta is truncated, not rounded. This under-reports on
// purpose; do not "fix" it to math.Round.
func TestEstimate_TruncatesDelta(t *testing.T) {
	// 1 kWh * 90% = 0.9 kWh into 50 kWh = 1.8 points -> 1
	assert.Equal(t, 41.0, Estimate(40, 100, 101, 50, 90))
}

func TestEstimate_TruncatesTowardZero(t *testing.T) {
	// Meter went backwards by 1 kWh: -1.8 points -> -1, not -2.
	assert.Equal(t, 39.0, Estimate(40, 101, 100, 50, 90))
}

func TestEstimate_WholePointsSurviveFloatNoise(t *testing.T) {
	// 2.3 - 2.0 is 0.29999999999999982 in binary; 0.3 kWh into 10 kWh is 3 points.
	assert.Equal(t, 3.0, Estimate(0, 2.0, 2.3, 10, 100))
	assert.Equal(t, 47.0, Estimate(50, 2.3, 2.0, 10, 100))
	// 1 kWh * 90% into 45 kWh is exactly 2 points.
	assert.Equal(t, 12.0, Estimate(10, 0.1, 1.1, 45, 90))
}

func TestEstimate_NoEnergy(t *testing.T) {
	assert.Equal(t, 55.0, Estimate(55, 300, 300, 60, 88))
}

func TestEstimate_Clamps(t *testing.T) {
	assert.Equal(t, 100.0, Estimate(95, 0, 40, 50, 100), "overshoot")
	assert.Equal(t, 0.0, Estimate(5, 40, 0, 50, 100), "undershoot")
	assert.Equal(t, 100.0, Estimate(0, 0, 1e9, 50, 90))
	assert.Equal(t, 0.0, Estimate(100, 1e9, 0, 50, 90))
}

func TestEstimate_AlwaysInRange(t *testing.T) {
	for _, baseline := range []float64{0, 12.5, 50, 99, 100} {
		for delta := -200.0; delta <= 200; delta += 7.3 {
			soc := Estimate(baseline, 1000, 1000+delta, 50, 90)
			assert.GreaterOrEqual(t, soc, 0.0)
			assert.LessOrEqual(t, soc, 100.0)
		}
	}
}

func TestEstimate_MonotonicInMeter(t *testing.T) {
	prev := Estimate(20, 500, 500, 64, 92)
	for meter := 500.0; meter <= 600; meter += 0.25 {
		soc := Estimate(20, 500, meter, 64, 92)
		assert.GreaterOrEqual(t, soc, prev, "meter %.2f", meter)
		prev = soc
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-4))
	assert.Equal(t, 42.0, Clamp(42))
	assert.Equal(t, 100.0, Clamp(120))
}
