//go:build avr && arduino

// Bridge firmware for an Arduino Uno class board: the host drives the SPI
// peripheral through register and line commands, and every completion
// interrupt is reported back as an exchange event.
package main

import (
	"device/avr"
	"machine"
	"runtime/interrupt"

	"spiavr/bridge"
	"spiavr/targets/avr/board"
)

const baudRate = 250000

var server *bridge.Server

func main() {
	machine.Serial.Configure(machine.UARTConfig{BaudRate: baudRate})

	server = bridge.NewServer(board.Registers(), board.Lines{})

	// Runs with SPIE set once the host enables the peripheral
	interrupt.New(avr.IRQ_SPI_STC, func(interrupt.Interrupt) {
		server.HandleInterrupt()
	})

	var buf [64]byte
	for {
		n := 0
		for n < len(buf) && machine.Serial.Buffered() > 0 {
			b, err := machine.Serial.ReadByte()
			if err != nil {
				break
			}
			buf[n] = b
			n++
		}
		if n > 0 {
			server.Receive(buf[:n])
		}
		server.Flush(machine.Serial)
	}
}
