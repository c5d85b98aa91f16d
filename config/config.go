// Package config loads the host bench configuration: where the bridge
// firmware is attached and how its SPI peripheral is clocked.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"

	"spiavr/core"
)

// Bench describes one bridge firmware and the SPI bus behind it
type Bench struct {
	Device    string    `json:"device"`
	Baud      int       `json:"baud"`
	Reference uint32    `json:"reference_hz"` // processor clock
	Ceiling   string    `json:"ceiling"`      // highest bus clock, e.g. "4MHz"
	Mode      uint8     `json:"mode"`         // SPI mode 0-3
	MSBFirst  bool      `json:"msb_first"`
	Pins      PinConfig `json:"pins"`
	Timeout   string    `json:"timeout"` // per transfer, e.g. "500ms"
}

// PinConfig numbers the bus lines as the firmware knows them
type PinConfig struct {
	Clock  uint8 `json:"clock"`
	COPI   uint8 `json:"copi"`
	CIPO   uint8 `json:"cipo"`
	Select uint8 `json:"select"`
}

// Load parses a JSON configuration and fills in defaults
func Load(jsonData []byte) (*Bench, error) {
	var bench Bench

	err := json.Unmarshal(jsonData, &bench)
	if err != nil {
		return nil, err
	}

	applyDefaults(&bench)

	if err := bench.Validate(); err != nil {
		return nil, err
	}
	return &bench, nil
}

// applyDefaults fills in missing values for an ATmega328P at 16 MHz
func applyDefaults(bench *Bench) {
	if bench.Baud == 0 {
		bench.Baud = 250000
	}
	if bench.Reference == 0 {
		bench.Reference = 16000000
	}
	if bench.Ceiling == "" {
		bench.Ceiling = "4MHz"
	}
	if bench.Timeout == "" {
		bench.Timeout = "1s"
	}
	if bench.Pins == (PinConfig{}) {
		// Arduino numbering of PB5, PB3, PB4, PB2
		bench.Pins = PinConfig{Clock: 13, COPI: 11, CIPO: 12, Select: 10}
	}
}

// Validate checks the values Load cannot default
func (b *Bench) Validate() error {
	if b.Mode > 3 {
		return fmt.Errorf("config: mode %d out of range 0-3", b.Mode)
	}
	if _, err := b.CeilingFrequency(); err != nil {
		return err
	}
	if _, err := b.TransferTimeout(); err != nil {
		return err
	}
	return nil
}

// CeilingFrequency parses Ceiling
func (b *Bench) CeilingFrequency() (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(b.Ceiling); err != nil {
		return 0, fmt.Errorf("config: ceiling %q: %w", b.Ceiling, err)
	}
	if f <= 0 {
		return 0, fmt.Errorf("config: ceiling %q must be positive", b.Ceiling)
	}
	return f, nil
}

// CeilingHz returns the ceiling in whole hertz
func (b *Bench) CeilingHz() uint32 {
	f, err := b.CeilingFrequency()
	if err != nil {
		return 0
	}
	hz := f / physic.Hertz
	if hz > physic.Frequency(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(hz)
}

// TransferTimeout parses Timeout
func (b *Bench) TransferTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(b.Timeout)
	if err != nil {
		return 0, fmt.Errorf("config: timeout %q: %w", b.Timeout, err)
	}
	return d, nil
}

// CorePins converts the pin numbers to engine lines
func (b *Bench) CorePins() core.Pins {
	return core.Pins{
		Clock:  core.Line(b.Pins.Clock),
		COPI:   core.Line(b.Pins.COPI),
		CIPO:   core.Line(b.Pins.CIPO),
		Select: core.Line(b.Pins.Select),
	}
}

// SPIMode returns the engine mode for Mode and MSBFirst
func (b *Bench) SPIMode() core.Mode {
	return core.ModeFromNumber(b.Mode, b.MSBFirst)
}

// DefaultBench returns the configuration used when no file is given
func DefaultBench() *Bench {
	bench := &Bench{}
	applyDefaults(bench)
	return bench
}
