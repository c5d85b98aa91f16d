// Package mcu connects the host to a bridge firmware and builds the SPI
// engine that drives it.
package mcu

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"spiavr/bridge"
	"spiavr/config"
	"spiavr/core"
	"spiavr/host/serial"
	"spiavr/periphspi"
)

var ErrNotConnected = errors.New("not connected to MCU")

// MCU is a connection to the bridge firmware with an engine driving the SPI
// peripheral behind it
type MCU struct {
	bench  *config.Bench
	logger *zap.SugaredLogger

	client  *bridge.Client
	engine  *core.Engine
	bus     *core.Bus
	divider core.Divider

	connected bool
}

// Connect opens the serial device named in bench
func Connect(bench *config.Bench, logger *zap.SugaredLogger) (*MCU, error) {
	cfg := serial.DefaultConfig(bench.Device)
	cfg.Baud = bench.Baud
	port, err := serial.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}
	if err := port.Flush(); err != nil {
		logger.Warnw("flush failed", "device", bench.Device, "error", err)
	}
	m, err := ConnectPort(port, bench, logger)
	if err != nil {
		port.Close()
		return nil, err
	}
	return m, nil
}

// ConnectPort runs the bridge over an already open port
func ConnectPort(port io.ReadWriteCloser, bench *config.Bench, logger *zap.SugaredLogger) (*MCU, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout, err := bench.TransferTimeout()
	if err != nil {
		return nil, err
	}

	m := &MCU{bench: bench, logger: logger}
	m.client = bridge.NewClient(port, logger.Named("bridge"), timeout)
	m.engine = core.NewEngine(m.client.Registers(), m.client, bench.CorePins(), bench.Reference)
	m.client.SetInterruptHandler(m.engine.HandleInterrupt)

	mode := bench.SPIMode()
	m.engine.SetMode(mode.PolarityLeadingEdgeFalling, mode.PhaseLeadingEdgeSetup, mode.MSBFirst)
	m.divider = m.engine.SetClockCeiling(bench.CeilingHz())

	m.bus = core.NewBus(m.engine, core.Line(bench.Pins.Select))
	m.bus.Timeout = timeout
	m.connected = true

	logger.Infow("connected",
		"device", bench.Device,
		"divider", m.divider.String(),
		"clock_hz", m.divider.Frequency(bench.Reference),
		"mode", mode.Number(),
		"msb_first", mode.MSBFirst,
	)
	return m, nil
}

// Transfer runs one controller transaction and returns the bytes received
func (m *MCU) Transfer(out []byte) ([]byte, error) {
	if !m.connected {
		return nil, ErrNotConnected
	}
	in := make([]byte, len(out))
	start := time.Now()
	if err := m.bus.Tx(out, in); err != nil {
		return nil, fmt.Errorf("transfer failed: %w", err)
	}
	if err := m.client.Err(); err != nil {
		return nil, fmt.Errorf("bridge failed during transfer: %w", err)
	}
	m.logger.Debugw("transfer", "len", len(out), "elapsed", time.Since(start))
	return in, nil
}

// Port returns a periph.io port sharing the engine
func (m *MCU) Port() *periphspi.Port {
	timeout, _ := m.bench.TransferTimeout()
	return periphspi.New(m.engine, core.Line(m.bench.Pins.Select), timeout)
}

// Engine returns the engine driving the remote peripheral
func (m *MCU) Engine() *core.Engine {
	return m.engine
}

// Bus returns the blocking controller view of the engine
func (m *MCU) Bus() *core.Bus {
	return m.bus
}

// Divider returns the clock divider chosen from the ceiling
func (m *MCU) Divider() core.Divider {
	return m.divider
}

// Close disables the remote peripheral and closes the link
func (m *MCU) Close() error {
	if !m.connected {
		return nil
	}
	m.connected = false
	m.engine.Reset()
	return m.client.Close()
}

// IsConnected returns whether the MCU is connected
func (m *MCU) IsConnected() bool {
	return m.connected
}
