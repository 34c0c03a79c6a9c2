// Package estimator decides, once per invocation, whether a charge point's
// SoC is refreshed from the telemetry service or projected from the energy
// meter, and persists the outcome.
package estimator

import (
	"context"
	"fmt"
	"time"

	"github.com/jkaberg/socest/internal/chargectl"
	"github.com/jkaberg/socest/internal/config"
	"github.com/jkaberg/socest/internal/state"
	"github.com/jkaberg/socest/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// Action describes what an invocation did.
type Action string

const (
	ActionWait        Action = "wait"         // timer not due, counter incremented
	ActionFetched     Action = "fetched"      // remote SoC stored
	ActionFetchFailed Action = "fetch_failed" // remote fetch due but failed
	ActionEstimated   Action = "estimated"    // SoC projected from the meter
	ActionNoMeter     Action = "no_meter"     // estimate due but no meter reading
)

// Options tweak a single invocation.
type Options struct {
	// ForceFetch queries the telemetry service regardless of the timer.
	ForceFetch bool
}

// Result summarises one invocation.
type Result struct {
	ChargePoint    int
	ChargingActive bool
	Override       bool // charge-start or forced fetch was attempted
	Action         Action
	Record         state.Record
}

// SoC returns the authoritative SoC after the invocation.
func (r Result) SoC() float64 {
	if r.Record.SoC == nil {
		return 0
	}
	return *r.Record.SoC
}

// Estimator runs the state machine for one charge point.
type Estimator struct {
	cp      config.ChargePoint
	store   state.Store
	fetcher telemetry.Fetcher
	logger  *logrus.Entry
	now     func() time.Time
}

// New returns an Estimator for cp.
func New(cp config.ChargePoint, store state.Store, fetcher telemetry.Fetcher, logger *logrus.Logger) *Estimator {
	return &Estimator{
		cp:      cp,
		store:   store,
		fetcher: fetcher,
		logger:  logger.WithField("charge_point", cp.ID),
		now:     time.Now,
	}
}

// ChargePoint returns the configuration this Estimator was built for.
func (e *Estimator) ChargePoint() config.ChargePoint { return e.cp }

// Run performs one invocation against the inputs snapshot in. Only state
// store failures are returned; fetch and meter problems degrade to "no
// update this cycle".
func (e *Estimator) Run(ctx context.Context, in chargectl.Inputs, opts Options) (Result, error) {
	rec, found, err := e.store.Load(ctx, e.cp.ID)
	if err != nil {
		return Result{}, fmt.Errorf("charge point %d: %w", e.cp.ID, err)
	}
	if !found {
		e.logger.Debug("No state record yet, starting fresh")
	}
	if rec.SoC == nil {
		rec.SoC = state.Float(0)
	}

	res := Result{ChargePoint: e.cp.ID, ChargingActive: in.ChargingActive}

	chargeStarted := in.ChargingActive && !rec.LastChargingActive
	if chargeStarted || opts.ForceFetch {
		e.logger.WithFields(logrus.Fields{
			"charge_started": chargeStarted,
			"forced":         opts.ForceFetch,
			"poll_timer":     rec.PollTimer,
		}).Debug("Fetching SoC out of band")
		rec.PollTimer = 0
		e.fetch(ctx, &rec)
		res.Override = true
	}
	rec.LastChargingActive = in.ChargingActive

	if in.ChargingActive {
		res.Action = e.estimateBranch(&rec, in.Meter)
	} else {
		res.Action = e.fetchBranch(ctx, &rec)
	}

	rec.UpdatedAt = e.now()
	if err := e.store.Save(ctx, e.cp.ID, rec); err != nil {
		return Result{}, fmt.Errorf("charge point %d: %w", e.cp.ID, err)
	}

	res.Record = rec
	e.logger.WithFields(logrus.Fields{
		"action":     res.Action,
		"soc":        *rec.SoC,
		"poll_timer": rec.PollTimer,
		"charging":   in.ChargingActive,
	}).Debug("Invocation complete")
	return res, nil
}

// gate applies the timer: either bump the counter and report false, or
// reset it and report true.
func (e *Estimator) gate(rec *state.Record, threshold int, branch string) bool {
	if !ShouldFire(rec.PollTimer, threshold) {
		rec.PollTimer++
		e.logger.WithFields(logrus.Fields{
			"branch":     branch,
			"poll_timer": rec.PollTimer,
			"threshold":  threshold,
		}).Debug("Timer not due")
		return false
	}
	rec.PollTimer = 0
	return true
}

func (e *Estimator) fetchBranch(ctx context.Context, rec *state.Record) Action {
	if !e.gate(rec, e.cp.FetchInterval, "fetch") {
		return ActionWait
	}
	if !e.fetch(ctx, rec) {
		return ActionFetchFailed
	}
	return ActionFetched
}

// fetch stores a fresh remote SoC as both the current value and the new
// baseline. Failures leave rec untouched.
func (e *Estimator) fetch(ctx context.Context, rec *state.Record) bool {
	soc, err := e.fetcher.FetchSoC(ctx, telemetry.Credentials{
		ChargePoint:  e.cp.ID,
		Username:     e.cp.Username,
		Password:     e.cp.Password,
		ClientID:     e.cp.ClientID,
		ClientSecret: e.cp.ClientSecret,
	})
	if err != nil {
		e.logger.WithError(err).Warn("SoC fetch failed, keeping previous value")
		return false
	}
	if !finite(soc) {
		e.logger.WithField("soc", soc).Warn("Telemetry returned a non-finite SoC, keeping previous value")
		return false
	}

	soc = Clamp(soc)
	rec.SoC = state.Float(soc)
	rec.SetBaseline(soc)
	e.logger.WithField("soc", soc).Info("SoC updated from telemetry service")
	return true
}

func (e *Estimator) estimateBranch(rec *state.Record, meter *float64) Action {
	if !e.gate(rec, e.cp.EstimateInterval, "estimate") {
		return ActionWait
	}
	if meter == nil || !finite(*meter) {
		e.logger.Error("No meter reading while charging, skipping estimate")
		return ActionNoMeter
	}

	if rec.Baseline == nil {
		e.logger.Debug("No baseline yet, starting from 0%")
		rec.SetBaseline(0)
	}
	if rec.ReferenceStale() {
		e.logger.WithField("meter", *meter).Debug("Rebasing reference meter")
		rec.Rebase(*meter)
	}

	soc := Estimate(*rec.Baseline, *rec.ReferenceMeter, *meter, e.cp.BatteryCapacity, e.cp.ChargeEfficiency)
	rec.SoC = state.Float(soc)

	e.logger.WithFields(logrus.Fields{
		"baseline":  *rec.Baseline,
		"reference": *rec.ReferenceMeter,
		"meter":     *meter,
		"soc":       soc,
	}).Debug("Estimated SoC from meter")
	return ActionEstimated
}
