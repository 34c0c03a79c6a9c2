package chargectl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Subscriber is the part of the MQTT client MQTTSource needs.
type Subscriber interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topics ...string) error
}

// MQTTSource takes its inputs from retained MQTT topics published by the
// charge controller.
type MQTTSource struct {
	sub        Subscriber
	flagTopic  string
	meterTopic string
	timeout    time.Duration
	logger     *logrus.Entry
}

// NewMQTTSource waits up to timeout for both retained values on every Snapshot.
func NewMQTTSource(sub Subscriber, flagTopic, meterTopic string, timeout time.Duration, logger *logrus.Entry) *MQTTSource {
	return &MQTTSource{
		sub:        sub,
		flagTopic:  flagTopic,
		meterTopic: meterTopic,
		timeout:    timeout,
		logger:     logger,
	}
}

// Snapshot subscribes, collects the first value of each topic and
// unsubscribes again. Topics that stay silent are reported as absent.
func (s *MQTTSource) Snapshot(ctx context.Context) (Inputs, error) {
	var (
		mu      sync.Mutex
		in      Inputs
		gotFlag bool
		done    = make(chan struct{})
		once    sync.Once
	)

	handler := func(topic string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()

		switch topic {
		case s.flagTopic:
			if gotFlag {
				return
			}
			active, err := ParseFlag(string(payload))
			if err != nil {
				s.logger.WithError(err).Warn("Ignoring charging flag")
			}
			in.ChargingActive = active
			gotFlag = true
		case s.meterTopic:
			if in.Meter != nil {
				return
			}
			v, err := ParseMeter(string(payload))
			if err != nil {
				s.logger.WithError(err).Warn("Ignoring meter reading")
				return
			}
			in.Meter = &v
		}
		if gotFlag && in.Meter != nil {
			once.Do(func() { close(done) })
		}
	}

	for _, topic := range []string{s.flagTopic, s.meterTopic} {
		if err := s.sub.Subscribe(topic, handler); err != nil {
			return Inputs{}, fmt.Errorf("failed to subscribe to inputs: %w", err)
		}
	}
	defer func() {
		if err := s.sub.Unsubscribe(s.flagTopic, s.meterTopic); err != nil {
			s.logger.WithError(err).Debug("Unsubscribe failed")
		}
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		s.logger.WithField("timeout", s.timeout).Debug("Not all inputs arrived in time")
	case <-ctx.Done():
		return Inputs{}, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	snap := in
	if in.Meter != nil {
		m := *in.Meter
		snap.Meter = &m
	}
	return snap, nil
}
