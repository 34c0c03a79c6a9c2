package transmission

import (
	"fmt"
	"math"
	"strconv"

	"github.com/google/renameio/v2"
	"github.com/jkaberg/socest/internal/estimator"
	"github.com/sirupsen/logrus"
)

// SoCFileTransmitter writes the SoC as a bare integer percentage into a
// single-value file, the format ramdisk consumers expect.
type SoCFileTransmitter struct {
	path   string
	logger *logrus.Logger
}

// NewSoCFileTransmitter writes to path.
func NewSoCFileTransmitter(path string, logger *logrus.Logger) *SoCFileTransmitter {
	return &SoCFileTransmitter{path: path, logger: logger}
}

// Transmit replaces the file atomically.
func (t *SoCFileTransmitter) Transmit(res estimator.Result) error {
	value := strconv.Itoa(int(math.Trunc(res.SoC())))
	if err := renameio.WriteFile(t.path, []byte(value+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write SoC file %s: %w", t.path, err)
	}
	t.logger.WithFields(logrus.Fields{"path": t.path, "soc": value}).Debug("Wrote SoC file")
	return nil
}
