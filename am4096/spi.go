//go:build linux

package am4096

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board/genericlinux/buses"
	"go.viam.com/rdk/logging"
)

// DefaultBaud is the encoder's rated 3.84 MHz SPI clock.
const DefaultBaud = 3840000

// SPI mode 2: clock idles high.
const spiMode = 2

// SPISource clocks frames out of an AM4096 on a SPI bus.
type SPISource struct {
	bus        buses.SPI
	chipSelect string
	baud       uint
	logger     logging.Logger
}

// NewSPISource returns a frame source on the given bus and chip select.
func NewSPISource(bus buses.SPI, chipSelect string, baud uint, logger logging.Logger) *SPISource {
	if baud == 0 {
		baud = DefaultBaud
	}
	return &SPISource{bus: bus, chipSelect: chipSelect, baud: baud, logger: logger}
}

// ReadWord performs one 32-bit exchange of dummy data and returns the first FrameBits bits clocked in.
func (s *SPISource) ReadWord(ctx context.Context) (uint32, error) {
	handle, err := s.bus.OpenHandle()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := handle.Close(); err != nil {
			s.logger.CError(ctx, err)
		}
	}()

	var tx [4]byte
	rx, err := handle.Xfer(ctx, s.baud, s.chipSelect, spiMode, tx[:])
	if err != nil {
		return 0, errors.Wrap(err, "am4096 transfer failed")
	}
	if len(rx) != len(tx) {
		return 0, errors.Errorf("am4096 transfer returned %d bytes, expected %d", len(rx), len(tx))
	}
	return binary.BigEndian.Uint32(rx) >> (32 - FrameBits), nil
}
