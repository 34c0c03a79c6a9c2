package state

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestFileStore_MissingRecord(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), quietLogger())
	require.NoError(t, err)

	rec, found, err := s.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, Record{}, rec)
}

func TestFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, quietLogger())
	require.NoError(t, err)
	ctx := context.Background()

	want := Record{
		PollTimer:          4,
		SoC:                Float(63),
		Baseline:           Float(60),
		BaselineRevision:   3,
		ReferenceMeter:     Float(1234.5),
		ReferenceRevision:  3,
		LastChargingActive: true,
		UpdatedAt:          time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Save(ctx, 2, want))

	got, found, err := s.Load(ctx, 2)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	// Charge points are namespaced.
	_, found, err = s.Load(ctx, 1)
	require.NoError(t, err)
	assert.False(t, found)

	assert.FileExists(t, filepath.Join(dir, "chargepoint2.json"))
}

func TestFileStore_CorruptRecordIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chargepoint1.json"), []byte(`{"poll_ti`), 0o644))

	s, err := NewFileStore(dir, quietLogger())
	require.NoError(t, err)

	rec, found, err := s.Load(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, Record{}, rec)
}

func TestFileStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, quietLogger())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(context.Background(), 1, Record{PollTimer: i}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chargepoint1.json", entries[0].Name())
}
