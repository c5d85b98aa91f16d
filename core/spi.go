// SPI transaction engine
// Runs one full-duplex transaction at a time in controller or peripheral
// role, one byte per completion interrupt.
package core

import (
	"errors"
	"sync/atomic"
)

// ErrorCode is the status left by the last start call.
type ErrorCode uint8

const (
	CodeNone              ErrorCode = iota
	CodeTransactionActive           // Start attempted while busy
)

func (c ErrorCode) String() string {
	if c == CodeTransactionActive {
		return "transaction already active"
	}
	return "none"
}

// Err returns the error matching c, or nil.
func (c ErrorCode) Err() error {
	if c == CodeTransactionActive {
		return ErrTransactionActive
	}
	return nil
}

// ErrTransactionActive is returned by a start call while a transaction is in
// flight or its data has not been consumed by Reset or End.
var ErrTransactionActive = errors.New("spi: transaction already active")

// transfer pairs the caller's buffers so that both have the message length.
type transfer struct {
	in  []byte // written by the handler
	out []byte // read by the handler
}

func newTransfer(in, out []byte) transfer {
	n := len(out)
	if len(in) < n {
		panic("spi: input buffer shorter than output buffer")
	}
	return transfer{in: in[:n:n], out: out[:n:n]}
}

// Engine drives the SPI peripheral. Start calls and Reset run in caller
// context; HandleInterrupt runs on every completed byte exchange.
type Engine struct {
	regs      Registers
	lines     LineDriver
	pins      Pins
	reference uint32 // F_CPU in Hz

	config Config
	sel    Line
	xfer   transfer
	err    ErrorCode

	role     atomic.Uint32
	active   atomic.Bool
	complete atomic.Bool
	rx       atomic.Uint32 // next input position
	tx       atomic.Uint32 // next output position
}

// NewEngine creates an engine for the peripheral behind regs. reference is
// the processor clock the divider applies to.
func NewEngine(regs Registers, lines LineDriver, pins Pins, reference uint32) *Engine {
	return &Engine{
		regs:      regs,
		lines:     lines,
		pins:      pins,
		reference: reference,
		config:    DefaultConfig(),
		sel:       pins.Select,
	}
}

// SetClockCeiling derives the rate select and double speed bits for the
// fastest bus clock not above ceiling.
func (e *Engine) SetClockCeiling(ceiling uint32) Divider {
	d := SelectDivider(e.reference, ceiling)
	e.SetDivider(d)
	return d
}

// SetDivider stores the register fields of d.
func (e *Engine) SetDivider(d Divider) {
	e.config.RateSelect = d.RateSelect()
	e.config.DoubleSpeed = d.DoubleSpeed()
}

// SetMode stores the clock polarity, clock phase and bit order. A running
// transaction keeps the configuration latched when it started.
func (e *Engine) SetMode(polarityLeadingEdgeFalling, phaseLeadingEdgeSetup, msbFirst bool) {
	e.config.Mode = Mode{
		PolarityLeadingEdgeFalling: polarityLeadingEdgeFalling,
		PhaseLeadingEdgeSetup:      phaseLeadingEdgeSetup,
		MSBFirst:                   msbFirst,
	}
}

// Config returns the configuration applied to the next transaction.
func (e *Engine) Config() Config {
	return e.config
}

// Reference returns the processor clock frequency in Hz.
func (e *Engine) Reference() uint32 {
	return e.reference
}

// BeginController starts a controller transaction addressed through sel,
// sending out and receiving into in[:len(out)]. Only the first byte is
// written here; the rest are sent from HandleInterrupt.
func (e *Engine) BeginController(sel Line, in, out []byte) error {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if e.busy() {
		return e.reject()
	}
	xfer := newTransfer(in, out)

	e.enterRole(RoleController)
	e.sel = sel
	e.load(xfer)
	RecordEvent(EvtStartController, 0, uint16(len(xfer.out)))
	if IsDebugEnabled() {
		DebugPrintln("[SPI] controller start sel=" + Itoa(int(sel)) + " len=" + Itoa(len(xfer.out)))
	}
	if len(xfer.out) == 0 {
		e.complete.Store(true)
		return nil
	}

	// MISO is made an input by the hardware in controller mode.
	e.lines.SetDirection(e.pins.Clock, Output)
	e.lines.SetDirection(sel, Output)
	e.lines.SetDirection(e.pins.COPI, Output)

	e.writeSpeed()
	e.regs.Control.Set(uint8(SPE | SPIE | MSTR | e.config.Mode.control() | Control(e.config.RateSelect)))
	e.lines.SetLevel(sel, Low)
	e.prime()
	return nil
}

// BeginPeripheral waits for a remote controller to clock out of out while
// receiving into in[:len(out)].
func (e *Engine) BeginPeripheral(in, out []byte) error {
	state := disableInterrupts()
	defer restoreInterrupts(state)

	if e.busy() {
		return e.reject()
	}
	xfer := newTransfer(in, out)

	e.enterRole(RolePeripheral)
	e.load(xfer)
	RecordEvent(EvtStartPeripheral, 0, uint16(len(xfer.out)))
	if IsDebugEnabled() {
		DebugPrintln("[SPI] peripheral listen len=" + Itoa(len(xfer.out)))
	}
	if len(xfer.out) == 0 {
		e.complete.Store(true)
		return nil
	}

	// Select, clock and MOSI are inputs driven by the remote controller.
	e.lines.SetDirection(e.pins.CIPO, Output)

	e.regs.Control.Set(uint8(SPE | SPIE | e.config.Mode.control()))
	e.prime()
	return nil
}

// HandleInterrupt must be called once per completed byte exchange. It
// stores the received byte and loads the next byte to send, or marks the
// transaction complete when there is nothing left to send. Events that
// arrive with no role, after Reset or End, are ignored.
func (e *Engine) HandleInterrupt() {
	if e.Role() == RoleNone {
		return
	}
	e.active.Store(true)
	b := e.regs.Data.Get()

	if rx := e.rx.Load(); rx < uint32(len(e.xfer.in)) {
		e.xfer.in[rx] = b
		e.rx.Store(rx + 1)
	}

	if tx := e.tx.Load(); tx < uint32(len(e.xfer.out)) {
		e.regs.Data.Set(e.xfer.out[tx])
		e.tx.Store(tx + 1)
		RecordEvent(EvtExchange, b, uint16(tx))
	} else {
		e.complete.Store(true)
		RecordEvent(EvtComplete, b, uint16(tx))
	}
}

// Reset disables the peripheral, clears the role and transaction flags and
// returns every bus line to input. Partial data of a running transaction is
// abandoned. Buffers and the error code are left alone.
func (e *Engine) Reset() {
	state := disableInterrupts()
	e.reset()
	restoreInterrupts(state)
}

// End finishes a transaction: in controller role the select line is driven
// high before the reset.
func (e *Engine) End() {
	state := disableInterrupts()
	if e.Role() == RoleController {
		e.lines.SetLevel(e.sel, High)
	}
	e.reset()
	restoreInterrupts(state)
}

// Role returns the current role.
func (e *Engine) Role() Role {
	return Role(e.role.Load())
}

// IsController reports whether the engine is in controller role.
func (e *Engine) IsController() bool {
	return e.Role() == RoleController
}

// IsPeripheral reports whether the engine is in peripheral role.
func (e *Engine) IsPeripheral() bool {
	return e.Role() == RolePeripheral
}

// Active reports whether at least one byte exchange happened since start.
func (e *Engine) Active() bool {
	return e.active.Load()
}

// Complete reports whether every byte was sent and received. The input
// buffer is fully populated once this returns true.
func (e *Engine) Complete() bool {
	return e.complete.Load()
}

// Err returns the status of the last start call.
func (e *Engine) Err() ErrorCode {
	return e.err
}

// Received returns the number of bytes stored into the input buffer.
func (e *Engine) Received() int {
	return int(e.rx.Load())
}

// Transmitted returns the number of bytes loaded into the shift register.
func (e *Engine) Transmitted() int {
	return int(e.tx.Load())
}

// Select returns the select line of the last controller transaction.
func (e *Engine) Select() Line {
	return e.sel
}

func (e *Engine) busy() bool {
	return e.active.Load() || e.complete.Load()
}

func (e *Engine) reject() error {
	e.err = CodeTransactionActive
	RecordEvent(EvtReject, 0, uint16(e.rx.Load()))
	if IsDebugEnabled() {
		DebugPrintln("[SPI] start rejected: transaction already active")
	}
	return ErrTransactionActive
}

// enterRole applies the role transition table.
func (e *Engine) enterRole(to Role) {
	if throughIdle(e.Role(), to) {
		e.reset()
	}
	e.role.Store(uint32(to))
}

func (e *Engine) load(xfer transfer) {
	e.active.Store(false)
	e.complete.Store(false)
	e.xfer = xfer
	e.rx.Store(0)
	e.tx.Store(0)
	e.err = CodeNone
}

// prime loads the first output byte so the first clock edge sends data.
// The position is advanced first: the exchange may complete, and the
// handler run, as soon as the byte is written.
func (e *Engine) prime() {
	e.tx.Store(1)
	e.regs.Data.Set(e.xfer.out[0])
}

func (e *Engine) writeSpeed() {
	s := Status(e.regs.Status.Get())
	if e.config.DoubleSpeed {
		s |= SPI2X
	} else {
		s &^= SPI2X
	}
	e.regs.Status.Set(uint8(s))
}

func (e *Engine) reset() {
	e.role.Store(uint32(RoleNone))
	e.active.Store(false)
	e.complete.Store(false)
	e.regs.Control.Set(0)
	lines := e.pins.All()
	for _, l := range lines {
		e.lines.SetDirection(l, Input)
	}
	if e.sel != e.pins.Select {
		e.lines.SetDirection(e.sel, Input)
	}
	RecordEvent(EvtReset, 0, 0)
}
