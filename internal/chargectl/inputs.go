// Package chargectl reads the charge controller's view of a charge point:
// whether the vehicle is charging and the cumulative energy meter.
package chargectl

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Inputs is a snapshot taken once at the start of an invocation.
type Inputs struct {
	ChargingActive bool
	Meter          *float64 // kWh; nil when no reading is available
}

// Source yields the current Inputs of a charge point.
type Source interface {
	Snapshot(ctx context.Context) (Inputs, error)
}

// ParseFlag accepts the spellings charge controllers use for booleans.
func ParseFlag(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no", "":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognised charging flag %q", raw)
	}
}

// ParseMeter parses a kWh reading. NaN and infinities are rejected.
func ParseMeter(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid meter reading %q: %w", raw, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid meter reading %q: not a finite number", raw)
	}
	return v, nil
}
