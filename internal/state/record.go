package state

import (
	"context"
	"time"
)

// Record is everything the estimator remembers about one charge point
// between invocations. Optional values are pointers so that "never written"
// stays distinguishable from zero.
type Record struct {
	PollTimer int `json:"poll_timer"`

	SoC      *float64 `json:"soc,omitempty"`
	Baseline *float64 `json:"soc_baseline,omitempty"`

	// BaselineRevision is bumped on every baseline write. The reference
	// meter is stale whenever ReferenceRevision lags behind it.
	BaselineRevision uint64 `json:"baseline_revision"`

	ReferenceMeter    *float64 `json:"reference_meter,omitempty"`
	ReferenceRevision uint64   `json:"reference_revision"`

	LastChargingActive bool `json:"last_charging_active"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists one Record per charge point.
//
// Load reports found=false for a charge point that was never saved; that is
// not an error.
type Store interface {
	Load(ctx context.Context, chargePoint int) (rec Record, found bool, err error)
	Save(ctx context.Context, chargePoint int, rec Record) error
}

// SetBaseline writes a new anchor for linear estimation.
func (r *Record) SetBaseline(v float64) {
	r.Baseline = Float(v)
	r.BaselineRevision++
}

// ReferenceStale reports whether the reference meter must be re-anchored
// before it can be used against the current baseline.
func (r Record) ReferenceStale() bool {
	return r.ReferenceMeter == nil || r.ReferenceRevision != r.BaselineRevision
}

// Rebase anchors the reference meter to the current baseline.
func (r *Record) Rebase(meter float64) {
	r.ReferenceMeter = Float(meter)
	r.ReferenceRevision = r.BaselineRevision
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
