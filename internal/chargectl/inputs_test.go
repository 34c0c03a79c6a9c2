package chargectl

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestParseFlag(t *testing.T) {
	for _, raw := range []string{"1", "1\n", "true", "ON", " yes "} {
		v, err := ParseFlag(raw)
		require.NoError(t, err, raw)
		assert.True(t, v, raw)
	}
	for _, raw := range []string{"0", "false", "off", ""} {
		v, err := ParseFlag(raw)
		require.NoError(t, err, raw)
		assert.False(t, v, raw)
	}
	_, err := ParseFlag("maybe")
	assert.Error(t, err)
}

func TestParseMeter(t *testing.T) {
	v, err := ParseMeter("1234.56\n")
	require.NoError(t, err)
	assert.Equal(t, 1234.56, v)

	_, err = ParseMeter("n/a")
	assert.Error(t, err)

	for _, raw := range []string{"NaN", "Inf", "-Inf", "Infinity", "+infinity\n"} {
		_, err := ParseMeter(raw)
		assert.Error(t, err, raw)
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	flag := filepath.Join(dir, "ladestatus")
	meter := filepath.Join(dir, "llkwh")
	src := NewFileSource(flag, meter, quietEntry())
	ctx := context.Background()

	// Nothing written yet.
	in, err := src.Snapshot(ctx)
	require.NoError(t, err)
	assert.False(t, in.ChargingActive)
	assert.Nil(t, in.Meter)

	require.NoError(t, os.WriteFile(flag, []byte("1\n"), 0o644))
	require.NoError(t, os.WriteFile(meter, []byte("812.4\n"), 0o644))

	in, err = src.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, in.ChargingActive)
	require.NotNil(t, in.Meter)
	assert.Equal(t, 812.4, *in.Meter)

	// A garbled meter file is treated as absent.
	require.NoError(t, os.WriteFile(meter, []byte("garbage"), 0o644))
	in, err = src.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, in.ChargingActive)
	assert.Nil(t, in.Meter)

	// So is a non-finite one.
	require.NoError(t, os.WriteFile(meter, []byte("NaN\n"), 0o644))
	in, err = src.Snapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, in.Meter)
}

// retainedBroker delivers stored retained values synchronously on Subscribe.
type retainedBroker struct {
	mu           sync.Mutex
	retained     map[string]string
	unsubscribed []string
}

func (b *retainedBroker) Subscribe(topic string, handler func(string, []byte)) error {
	b.mu.Lock()
	v, ok := b.retained[topic]
	b.mu.Unlock()
	if ok {
		handler(topic, []byte(v))
	}
	return nil
}

func (b *retainedBroker) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, topics...)
	return nil
}

func TestMQTTSource_BothRetained(t *testing.T) {
	broker := &retainedBroker{retained: map[string]string{
		"openWB/lp/1/boolChargeStat": "1",
		"openWB/lp/1/kWhCounter":     "4521.7",
	}}
	src := NewMQTTSource(broker, "openWB/lp/1/boolChargeStat", "openWB/lp/1/kWhCounter", time.Second, quietEntry())

	in, err := src.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, in.ChargingActive)
	require.NotNil(t, in.Meter)
	assert.Equal(t, 4521.7, *in.Meter)
	assert.ElementsMatch(t, []string{"openWB/lp/1/boolChargeStat", "openWB/lp/1/kWhCounter"}, broker.unsubscribed)
}

func TestMQTTSource_MissingMeterTimesOut(t *testing.T) {
	broker := &retainedBroker{retained: map[string]string{"flag": "true"}}
	src := NewMQTTSource(broker, "flag", "meter", 20*time.Millisecond, quietEntry())

	in, err := src.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, in.ChargingActive)
	assert.Nil(t, in.Meter)
}

func TestMQTTSource_ContextCancelled(t *testing.T) {
	broker := &retainedBroker{retained: map[string]string{}}
	src := NewMQTTSource(broker, "flag", "meter", time.Minute, quietEntry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Snapshot(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
