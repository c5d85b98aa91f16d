//go:build avr && arduino

// Package board maps core lines onto the digital headers of an Arduino Uno
// class board.
package board

import (
	"device/avr"
	"machine"

	"spiavr/core"
)

// Lines are numbered like the board's digital headers. The SPI lines are
// D13 (SCK), D12 (MISO), D11 (MOSI) and D10 (SS).
var digitalPins = [...]machine.Pin{
	machine.D0, machine.D1, machine.D2, machine.D3, machine.D4,
	machine.D5, machine.D6, machine.D7, machine.D8, machine.D9,
	machine.D10, machine.D11, machine.D12, machine.D13,
}

// Pins are the hardware SPI lines
var Pins = core.Pins{Clock: 13, COPI: 11, CIPO: 12, Select: 10}

// Registers binds the SPI register set
func Registers() core.Registers {
	return core.Registers{
		Control: avr.SPCR,
		Data:    avr.SPDR,
		Status:  avr.SPSR,
	}
}

// Lines implements core.LineDriver on the digital header pins
type Lines struct{}

func (Lines) SetDirection(line core.Line, dir core.Direction) {
	if int(line) >= len(digitalPins) {
		return
	}
	mode := machine.PinInput
	if dir == core.Output {
		mode = machine.PinOutput
	}
	digitalPins[line].Configure(machine.PinConfig{Mode: mode})
}

func (Lines) SetLevel(line core.Line, level core.Level) {
	if int(line) >= len(digitalPins) {
		return
	}
	digitalPins[line].Set(bool(level))
}
