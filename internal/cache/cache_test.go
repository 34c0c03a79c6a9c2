package cache

import (
	"testing"
	"time"

	"github.com/jkaberg/socest/internal/estimator"
	"github.com/jkaberg/socest/internal/state"
	"github.com/stretchr/testify/assert"
)

func result(cp int, soc float64, timer int) estimator.Result {
	return estimator.Result{
		ChargePoint: cp,
		Action:      estimator.ActionWait,
		Record:      state.Record{SoC: state.Float(soc), PollTimer: timer},
	}
}

func TestManager_Changed(t *testing.T) {
	m := NewManager(0)

	assert.True(t, m.Changed(result(1, 50, 0)), "first result")
	assert.False(t, m.Changed(result(1, 50, 1)), "timer only")
	assert.True(t, m.Changed(result(1, 51, 2)))
	assert.True(t, m.Changed(result(2, 51, 0)), "charge points are independent")

	charging := result(1, 51, 3)
	charging.ChargingActive = true
	assert.True(t, m.Changed(charging))
}

func TestManager_ForceAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewManager(10 * time.Minute)
	m.now = func() time.Time { return now }

	assert.True(t, m.Changed(result(1, 50, 0)))
	now = now.Add(5 * time.Minute)
	assert.False(t, m.Changed(result(1, 50, 1)))
	now = now.Add(5 * time.Minute)
	assert.True(t, m.Changed(result(1, 50, 2)))
}

func TestManager_Forget(t *testing.T) {
	m := NewManager(0)
	assert.True(t, m.Changed(result(1, 50, 0)))
	m.Forget(1)
	assert.True(t, m.Changed(result(1, 50, 0)))
}

func TestManager_StoresCopies(t *testing.T) {
	m := NewManager(0)
	res := result(1, 50, 0)
	assert.True(t, m.Changed(res))

	*res.Record.SoC = 70
	assert.True(t, m.Changed(res), "mutating the caller's record must not hide the change")
}
