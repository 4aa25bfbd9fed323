package pmu

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tarm/serial"
)

var supportedBauds = map[int]bool{
	4800:   true,
	9600:   true,
	19200:  true,
	38400:  true,
	57600:  true,
	115200: true,
}

// Open opens the PMU serial port in raw 8N1 mode at the configured
// baud rate. Unsupported rates fall back to 115200.
func Open(device string, baud int) (io.ReadWriteCloser, error) {
	if !supportedBauds[baud] {
		slog.Warn("unsupported serial baud rate, falling back",
			"baud", baud, "fallback", 115200)
		baud = 115200
	}
	s, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", device, err)
	}
	return s, nil
}
