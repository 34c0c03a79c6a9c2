package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jkaberg/socest/internal/cache"
	"github.com/jkaberg/socest/internal/chargectl"
	"github.com/jkaberg/socest/internal/estimator"
	"github.com/jkaberg/socest/internal/transmission"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Runner ties one charge point's estimator to its inputs and outputs.
type Runner struct {
	Estimator    *estimator.Estimator
	Inputs       chargectl.Source
	Transmitters []transmission.Transmitter
}

// Invoke performs one complete invocation: snapshot the inputs, run the
// estimator, hand the result to every transmitter. Transmit failures are
// logged; only input and state errors are returned.
//
// changes may be nil, in which case every result is transmitted.
func (r *Runner) Invoke(ctx context.Context, opts estimator.Options, changes *cache.Manager, logger *logrus.Logger) (estimator.Result, error) {
	cp := r.Estimator.ChargePoint().ID

	in, err := r.Inputs.Snapshot(ctx)
	if err != nil {
		return estimator.Result{}, fmt.Errorf("charge point %d: failed to read inputs: %w", cp, err)
	}

	res, err := r.Estimator.Run(ctx, in, opts)
	if err != nil {
		return estimator.Result{}, err
	}

	if changes != nil && !changes.Changed(res) {
		return res, nil
	}
	for _, tx := range r.Transmitters {
		if err := tx.Transmit(res); err != nil {
			logger.WithError(err).WithField("charge_point", cp).Warn("Transmit failed")
			// Make sure the next invocation retries even if nothing changes.
			if changes != nil {
				changes.Forget(cp)
			}
		}
	}
	return res, nil
}

// Run invokes every runner once per interval until ctx is cancelled. Each
// charge point gets its own goroutine, so a slow telemetry login on one never
// delays another, and an invocation never overlaps the previous one of the
// same charge point.
func Run(
	ctx context.Context,
	runners []*Runner,
	interval time.Duration,
	first estimator.Options,
	changes *cache.Manager,
	logger *logrus.Logger,
) error {
	grp, ctx := errgroup.WithContext(ctx)

	for _, r := range runners {
		r := r
		grp.Go(func() error {
			opts := first
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if _, err := r.Invoke(ctx, opts, changes, logger); err != nil && !errors.Is(err, context.Canceled) {
					logger.WithError(err).Warn("Invocation failed")
				}
				opts = estimator.Options{}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}
			}
		})
	}

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
