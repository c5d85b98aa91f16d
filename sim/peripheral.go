// Package sim models an AVR SPI peripheral in software: the control, data
// and status registers, the direction and level of the bus lines, and the
// device at the other end of the wire.
package sim

import (
	"context"
	"sync"

	"spiavr/core"
)

// Partner returns the byte the remote device shifts in while out is shifted
// out.
type Partner func(out byte) (in byte)

// Echo is a Partner that returns every byte it receives.
func Echo(out byte) byte { return out }

// Script returns a Partner that answers with data in order, then zeros.
func Script(data ...byte) Partner {
	var mu sync.Mutex
	i := 0
	return func(byte) byte {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(data) {
			return 0
		}
		b := data[i]
		i++
		return b
	}
}

// Peripheral is a simulated SPI peripheral. It satisfies core.LineDriver and
// provides core.Registers through Registers.
type Peripheral struct {
	mu       sync.Mutex
	control  core.Control
	status   core.Status
	shift    uint8 // next byte to send
	loaded   bool  // shift written since the last exchange
	received uint8
	dirs     map[core.Line]core.Direction
	levels   map[core.Line]core.Level
	partner  Partner
	handler  func()
	sent     []byte
	kick     chan struct{}
}

// New returns a peripheral wired to partner. A nil partner echoes.
func New(partner Partner) *Peripheral {
	if partner == nil {
		partner = Echo
	}
	return &Peripheral{
		dirs:    make(map[core.Line]core.Direction),
		levels:  make(map[core.Line]core.Level),
		partner: partner,
		kick:    make(chan struct{}, 1),
	}
}

// SetHandler installs the completion interrupt handler, usually
// Engine.HandleInterrupt.
func (p *Peripheral) SetHandler(h func()) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// SetPartner replaces the remote device.
func (p *Peripheral) SetPartner(partner Partner) {
	p.mu.Lock()
	p.partner = partner
	p.mu.Unlock()
}

// Registers returns register views backed by p.
func (p *Peripheral) Registers() core.Registers {
	return core.Registers{
		Control: controlRegister{p},
		Data:    dataRegister{p},
		Status:  statusRegister{p},
	}
}

// SetDirection implements core.LineDriver.
func (p *Peripheral) SetDirection(line core.Line, dir core.Direction) {
	p.mu.Lock()
	p.dirs[line] = dir
	p.mu.Unlock()
}

// SetLevel implements core.LineDriver.
func (p *Peripheral) SetLevel(line core.Line, level core.Level) {
	p.mu.Lock()
	p.levels[line] = level
	p.mu.Unlock()
}

// Direction returns the direction of line. Lines never configured are
// inputs.
func (p *Peripheral) Direction(line core.Line) core.Direction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirs[line]
}

// Level returns the level last driven on line.
func (p *Peripheral) Level(line core.Line) core.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.levels[line]
}

// Control returns the control register.
func (p *Peripheral) Control() core.Control {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.control
}

// Status returns the status register.
func (p *Peripheral) Status() core.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Sent returns a copy of every byte shifted out so far.
func (p *Peripheral) Sent() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.sent...)
}

// ClearSent forgets the bytes shifted out so far.
func (p *Peripheral) ClearSent() {
	p.mu.Lock()
	p.sent = p.sent[:0]
	p.mu.Unlock()
}

// Pending reports whether the peripheral is enabled in controller mode with
// a byte loaded, i.e. the hardware would start clocking.
func (p *Peripheral) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.control&core.SPE != 0 && p.control&core.MSTR != 0 && p.loaded
}

// Exchange shifts one byte each way. In peripheral role this stands for the
// remote controller clocking a byte. The interrupt handler runs when the
// peripheral and its interrupt are enabled. It returns false when the
// peripheral is disabled.
func (p *Peripheral) Exchange() bool {
	p.mu.Lock()
	if p.control&core.SPE == 0 {
		p.mu.Unlock()
		return false
	}
	out := p.shift
	p.loaded = false
	p.sent = append(p.sent, out)
	p.received = p.partner(out)
	p.status |= core.SPIF
	var h func()
	if p.control&core.SPIE != 0 {
		h = p.handler
	}
	p.mu.Unlock()

	if h != nil {
		h()
	}
	return true
}

// Drain runs controller exchanges until no byte is loaded and returns how
// many ran.
func (p *Peripheral) Drain() int {
	n := 0
	for p.Pending() {
		p.Exchange()
		n++
	}
	return n
}

// Run drains controller exchanges as soon as bytes are loaded, until ctx is
// done. The handler runs on the calling goroutine, like an interrupt
// preempting the code that started the transaction.
func (p *Peripheral) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
			p.Drain()
		}
	}
}

func (p *Peripheral) signal() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

type controlRegister struct{ p *Peripheral }

func (r controlRegister) Get() uint8 {
	return uint8(r.p.Control())
}

func (r controlRegister) Set(v uint8) {
	r.p.mu.Lock()
	r.p.control = core.Control(v)
	r.p.mu.Unlock()
	r.p.signal()
}

type dataRegister struct{ p *Peripheral }

// Get drains the received byte and clears the completion flag.
func (r dataRegister) Get() uint8 {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	r.p.status &^= core.SPIF
	return r.p.received
}

func (r dataRegister) Set(v uint8) {
	r.p.mu.Lock()
	r.p.shift = v
	r.p.loaded = true
	r.p.mu.Unlock()
	r.p.signal()
}

type statusRegister struct{ p *Peripheral }

func (r statusRegister) Get() uint8 {
	return uint8(r.p.Status())
}

// Set only changes SPI2X; the flags are read only.
func (r statusRegister) Set(v uint8) {
	r.p.mu.Lock()
	r.p.status = r.p.status&^core.SPI2X | core.Status(v)&core.SPI2X
	r.p.mu.Unlock()
}
