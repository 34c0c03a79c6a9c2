package chargectl

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/sirupsen/logrus"
)

// FileSource reads ramdisk style single-value files maintained by the charge
// controller.
type FileSource struct {
	flagPath  string
	meterPath string
	logger    *logrus.Entry
}

// NewFileSource reads the charging flag from flagPath and the meter from meterPath.
func NewFileSource(flagPath, meterPath string, logger *logrus.Entry) *FileSource {
	return &FileSource{flagPath: flagPath, meterPath: meterPath, logger: logger}
}

// Snapshot never fails on missing or malformed files: an unreadable flag
// means "not charging" and an unreadable meter means "no reading".
func (s *FileSource) Snapshot(_ context.Context) (Inputs, error) {
	var in Inputs

	if raw, err := os.ReadFile(s.flagPath); err == nil {
		active, err := ParseFlag(string(raw))
		if err != nil {
			s.logger.WithError(err).Warn("Ignoring charging flag")
		}
		in.ChargingActive = active
	} else if !errors.Is(err, fs.ErrNotExist) {
		s.logger.WithError(err).Warn("Failed to read charging flag")
	} else {
		s.logger.WithField("path", s.flagPath).Debug("No charging flag, assuming not charging")
	}

	if raw, err := os.ReadFile(s.meterPath); err == nil {
		if v, err := ParseMeter(string(raw)); err == nil {
			in.Meter = &v
		} else {
			s.logger.WithError(err).Warn("Ignoring meter reading")
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		s.logger.WithError(err).Warn("Failed to read meter")
	}

	return in, nil
}
