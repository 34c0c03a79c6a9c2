package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jkaberg/socest/internal/cache"
	"github.com/jkaberg/socest/internal/chargectl"
	"github.com/jkaberg/socest/internal/config"
	"github.com/jkaberg/socest/internal/estimator"
	"github.com/jkaberg/socest/internal/state"
	"github.com/jkaberg/socest/internal/telemetry"
	"github.com/jkaberg/socest/internal/transmission"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type staticInputs struct {
	in  chargectl.Inputs
	err error
}

func (s staticInputs) Snapshot(context.Context) (chargectl.Inputs, error) { return s.in, s.err }

type staticFetcher float64

func (f staticFetcher) FetchSoC(context.Context, telemetry.Credentials) (float64, error) {
	return float64(f), nil
}

type recordingTx struct {
	mu      sync.Mutex
	results []estimator.Result
	err     error
}

func (r *recordingTx) Transmit(res estimator.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return r.err
}

func (r *recordingTx) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func newRunner(t *testing.T, id int, src chargectl.Source, tx *recordingTx) *Runner {
	t.Helper()
	store, err := state.NewFileStore(t.TempDir(), quietLogger())
	require.NoError(t, err)

	cp := config.ChargePoint{
		ID:               id,
		BatteryCapacity:  50,
		ChargeEfficiency: 90,
		FetchInterval:    180,
		EstimateInterval: 6,
	}
	return &Runner{
		Estimator:    estimator.New(cp, store, staticFetcher(55), quietLogger()),
		Inputs:       src,
		Transmitters: []transmission.Transmitter{tx},
	}
}

func TestInvoke_TransmitsResult(t *testing.T) {
	tx := &recordingTx{}
	r := newRunner(t, 1, staticInputs{}, tx)

	res, err := r.Invoke(context.Background(), estimator.Options{ForceFetch: true}, nil, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 55.0, res.SoC())
	require.Equal(t, 1, tx.count())
	assert.Equal(t, 1, tx.results[0].ChargePoint)
}

func TestInvoke_SkipsUnchanged(t *testing.T) {
	tx := &recordingTx{}
	r := newRunner(t, 1, staticInputs{}, tx)
	changes := cache.NewManager(0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Invoke(ctx, estimator.Options{}, changes, quietLogger())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, tx.count(), "only the timer moved")
}

func TestInvoke_TransmitFailureForcesRetry(t *testing.T) {
	tx := &recordingTx{err: errors.New("broker down")}
	r := newRunner(t, 1, staticInputs{}, tx)
	changes := cache.NewManager(0)
	ctx := context.Background()

	_, err := r.Invoke(ctx, estimator.Options{}, changes, quietLogger())
	require.NoError(t, err, "transmit errors are not invocation errors")
	_, err = r.Invoke(ctx, estimator.Options{}, changes, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, tx.count())
}

func TestInvoke_InputError(t *testing.T) {
	tx := &recordingTx{}
	r := newRunner(t, 1, staticInputs{err: errors.New("broker gone")}, tx)

	_, err := r.Invoke(context.Background(), estimator.Options{}, nil, quietLogger())
	assert.Error(t, err)
	assert.Zero(t, tx.count())
}

func TestRun_InvokesEveryChargePointUntilCancelled(t *testing.T) {
	tx1, tx2 := &recordingTx{}, &recordingTx{}
	meter := 100.0
	runners := []*Runner{
		newRunner(t, 1, staticInputs{}, tx1),
		newRunner(t, 2, staticInputs{in: chargectl.Inputs{ChargingActive: true, Meter: &meter}}, tx2),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, runners, 5*time.Millisecond, estimator.Options{}, nil, quietLogger())
	}()

	assert.Eventually(t, func() bool {
		return tx1.count() >= 3 && tx2.count() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
