package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerFetcher wraps a Fetcher with one circuit breaker per charge point.
// After three consecutive failures the breaker opens and fetches fail fast
// with gobreaker.ErrOpenState until timeout has passed.
type BreakerFetcher struct {
	next    Fetcher
	timeout time.Duration
	logger  *logrus.Logger

	mu       sync.Mutex
	breakers map[int]*gobreaker.CircuitBreaker
}

// NewBreakerFetcher wraps next.
func NewBreakerFetcher(next Fetcher, timeout time.Duration, logger *logrus.Logger) *BreakerFetcher {
	return &BreakerFetcher{
		next:     next,
		timeout:  timeout,
		logger:   logger,
		breakers: make(map[int]*gobreaker.CircuitBreaker),
	}
}

func (b *BreakerFetcher) breaker(chargePoint int) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[chargePoint]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "telemetry",
		MaxRequests: 1,
		Timeout:     b.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.WithFields(logrus.Fields{
				"charge_point": chargePoint,
				"from":         from.String(),
				"to":           to.String(),
			}).Warn("Telemetry circuit breaker state changed")
		},
	})
	b.breakers[chargePoint] = cb
	return cb
}

// FetchSoC delegates to the wrapped Fetcher unless the breaker is open.
func (b *BreakerFetcher) FetchSoC(ctx context.Context, creds Credentials) (float64, error) {
	v, err := b.breaker(creds.ChargePoint).Execute(func() (interface{}, error) {
		return b.next.FetchSoC(ctx, creds)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}
