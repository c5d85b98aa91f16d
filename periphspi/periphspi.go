// Package periphspi exposes a core.Engine as a periph.io SPI port, so
// periph device drivers can talk through the interrupt-driven engine.
package periphspi

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"

	"spiavr/core"
)

var (
	ErrClosed    = errors.New("periphspi: port closed")
	ErrConnected = errors.New("periphspi: Connect can only be called once")
)

var (
	_ spi.PortCloser = (*Port)(nil)
	_ spi.Conn       = (*Conn)(nil)
)

// Port is a controller-role SPI port addressing one peripheral select line
type Port struct {
	mu      sync.Mutex
	engine  *core.Engine
	sel     core.Line
	timeout time.Duration
	limit   physic.Frequency
	conn    *Conn
	closed  bool
}

// New returns a port driving e with sel as the select line. A positive
// timeout bounds every transfer.
func New(e *core.Engine, sel core.Line, timeout time.Duration) *Port {
	return &Port{engine: e, sel: sel, timeout: timeout}
}

func (p *Port) String() string {
	return "spiavr/sel" + strconv.Itoa(int(p.sel))
}

// LimitSpeed caps the bus clock of the connection
func (p *Port) LimitSpeed(f physic.Frequency) error {
	if f <= 0 {
		return fmt.Errorf("periphspi: invalid speed %s", f)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit = f
	if p.conn != nil {
		p.conn.configure(p.ceiling(p.conn.requested))
	}
	return nil
}

// Connect configures the engine for f, mode and bits. Only 8 bit words in
// full duplex with a managed select line are supported. A zero f runs at
// the speed limit or the fastest divider.
func (p *Port) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	if f < 0 {
		return nil, fmt.Errorf("periphspi: invalid speed %s", f)
	}
	if bits != 8 {
		return nil, fmt.Errorf("periphspi: %d bits per word not supported", bits)
	}
	if mode&spi.HalfDuplex != 0 {
		return nil, errors.New("periphspi: half duplex not supported")
	}
	if mode&spi.NoCS != 0 {
		return nil, errors.New("periphspi: the select line is always managed")
	}
	if mode&^(spi.Mode3|spi.LSBFirst) != 0 {
		return nil, fmt.Errorf("periphspi: unknown mode %s", mode)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.conn != nil {
		return nil, ErrConnected
	}

	m := core.ModeFromNumber(uint8(mode&spi.Mode3), mode&spi.LSBFirst == 0)
	p.engine.SetMode(m.PolarityLeadingEdgeFalling, m.PhaseLeadingEdgeSetup, m.MSBFirst)

	bus := core.NewBus(p.engine, p.sel)
	bus.Timeout = p.timeout
	p.conn = &Conn{port: p, bus: bus, mode: mode, requested: f}
	p.conn.configure(p.ceiling(f))
	return p.conn, nil
}

// Close resets the engine; the connection stops working
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.engine.Reset()
	return nil
}

// Must be called with p.mu held
func (p *Port) ceiling(f physic.Frequency) physic.Frequency {
	if f == 0 || (p.limit != 0 && f > p.limit) {
		f = p.limit
	}
	if f == 0 {
		f = physic.Frequency(p.engine.Reference()) * physic.Hertz
	}
	return f
}

// Conn is a connection returned by Port.Connect
type Conn struct {
	port      *Port
	bus       *core.Bus
	mode      spi.Mode
	requested physic.Frequency
	freq      physic.Frequency
}

func (c *Conn) String() string {
	return c.port.String()
}

// Duplex implements conn.Conn
func (c *Conn) Duplex() conn.Duplex {
	return conn.Full
}

// Frequency returns the bus clock the divider produces
func (c *Conn) Frequency() physic.Frequency {
	c.port.mu.Lock()
	defer c.port.mu.Unlock()
	return c.freq
}

// Tx runs one transaction. The shorter of w and r is padded.
func (c *Conn) Tx(w, r []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.bus.Tx(w, r)
}

// TxPackets runs the packets in order. Consecutive packets joined with
// KeepCS share one transaction, so the select line stays asserted between
// them.
func (c *Conn) TxPackets(pkts []spi.Packet) error {
	if err := c.check(); err != nil {
		return err
	}
	for _, pkt := range pkts {
		if pkt.BitsPerWord != 0 && pkt.BitsPerWord != 8 {
			return fmt.Errorf("periphspi: %d bits per word not supported", pkt.BitsPerWord)
		}
	}

	for start := 0; start < len(pkts); {
		end := start
		for end < len(pkts)-1 && pkts[end].KeepCS {
			end++
		}
		if err := c.txGroup(pkts[start : end+1]); err != nil {
			return err
		}
		start = end + 1
	}
	return nil
}

func (c *Conn) txGroup(group []spi.Packet) error {
	if len(group) == 1 {
		return c.bus.Tx(group[0].W, group[0].R)
	}

	var w []byte
	for _, pkt := range group {
		n := packetLen(pkt)
		w = append(w, pkt.W...)
		w = append(w, make([]byte, n-len(pkt.W))...)
	}
	r := make([]byte, len(w))
	if err := c.bus.Tx(w, r); err != nil {
		return err
	}

	off := 0
	for _, pkt := range group {
		copy(pkt.R, r[off:])
		off += packetLen(pkt)
	}
	return nil
}

func (c *Conn) check() error {
	c.port.mu.Lock()
	defer c.port.mu.Unlock()
	if c.port.closed {
		return ErrClosed
	}
	return nil
}

// Must be called with port.mu held
func (c *Conn) configure(ceiling physic.Frequency) {
	hz := ceiling / physic.Hertz
	if hz > physic.Frequency(^uint32(0)) {
		hz = physic.Frequency(^uint32(0))
	}
	d := c.port.engine.SetClockCeiling(uint32(hz))
	c.freq = physic.Frequency(d.Frequency(c.port.engine.Reference())) * physic.Hertz
}

func packetLen(pkt spi.Packet) int {
	if len(pkt.R) > len(pkt.W) {
		return len(pkt.R)
	}
	return len(pkt.W)
}
