//go:build avr && arduino

// Standalone firmware running the transaction engine directly in the SPI
// completion interrupt. In controller role it sends a counter to the device
// on D10 every 100ms; in peripheral role it answers a remote controller.
// Received messages are printed in hex on the serial port.
//
// Build the peripheral with -ldflags="-X main.role=peripheral".
package main

import (
	"device/avr"
	"machine"
	"runtime/interrupt"
	"time"

	"spiavr/core"
	"spiavr/targets/avr/board"
)

const (
	baudRate    = 115200
	ceiling     = 1000000
	messageSize = 4
	period      = 100 * time.Millisecond
	timeout     = 50 * time.Millisecond
)

var role = "controller"

var engine *core.Engine

func main() {
	machine.Serial.Configure(machine.UARTConfig{BaudRate: baudRate})
	engine = core.NewEngine(board.Registers(), board.Lines{}, board.Pins, machine.CPUFrequency())
	engine.SetMode(false, false, true)
	engine.SetClockCeiling(ceiling)

	interrupt.New(avr.IRQ_SPI_STC, func(interrupt.Interrupt) {
		engine.HandleInterrupt()
	})

	var in, out [messageSize]byte
	if role == "peripheral" {
		peripheral(in[:], out[:])
	}
	controller(in[:], out[:])
}

func controller(in, out []byte) {
	var counter uint8
	for {
		for i := range out {
			out[i] = counter + uint8(i)
		}
		if err := engine.BeginController(board.Pins.Select, in, out); err != nil {
			logLine("start failed: " + err.Error())
			engine.Reset()
			continue
		}
		if wait(timeout) {
			report("rx", in)
		} else {
			logLine("timeout after " + core.Itoa(engine.Received()) + " bytes")
		}
		engine.End()
		counter++
		time.Sleep(period)
	}
}

func peripheral(in, out []byte) {
	var answered uint8
	for {
		for i := range out {
			out[i] = answered
		}
		if err := engine.BeginPeripheral(in, out); err != nil {
			logLine("listen failed: " + err.Error())
			engine.Reset()
			continue
		}
		for !engine.Complete() {
			time.Sleep(time.Millisecond)
		}
		report("rx", in)
		engine.Reset()
		answered++
	}
}

// wait polls for completion, giving up after d
func wait(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for !engine.Complete() {
		if time.Now().After(deadline) {
			return false
		}
	}
	return true
}

func report(label string, data []byte) {
	line := label
	for _, b := range data {
		line += " " + core.HexByte(b)
	}
	logLine(line)
}

func logLine(s string) {
	machine.Serial.Write([]byte(s))
	machine.Serial.Write([]byte("\r\n"))
}
