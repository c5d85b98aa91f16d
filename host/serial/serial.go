// Package serial opens the link between the host and the bridge firmware.
package serial

import (
	"errors"
	"io"
	"time"
)

// DefaultBaud divides a 16 MHz AVR clock exactly
const DefaultBaud = 250000

var ErrNoDevice = errors.New("serial: no device configured")

// Port is the byte stream to the bridge firmware
type Port interface {
	io.ReadWriteCloser

	// Flush flushes any buffered data
	Flush() error
}

// Config holds serial port configuration
type Config struct {
	// Device path (e.g., "/dev/ttyACM0", "COM3")
	Device string

	Baud int

	// ReadTimeout bounds each read so the reader can notice Close. Zero
	// blocks.
	ReadTimeout time.Duration
}

// DefaultConfig returns the configuration the bridge firmware expects
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        DefaultBaud,
		ReadTimeout: 100 * time.Millisecond,
	}
}
