package bridge

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"spiavr/core"
	"spiavr/protocol"
)

// DefaultTimeout bounds each command round trip
const DefaultTimeout = time.Second

// Client is the host half of the bridge. Its registers and lines forward
// every access to the firmware, so a core.Engine can drive remote hardware.
// Exchange events are delivered to the interrupt handler on a dedicated
// goroutine, in order.
type Client struct {
	link    *protocol.HostTransport
	logger  *zap.SugaredLogger
	timeout time.Duration

	cmdMu sync.Mutex // pairs reg_read with its reg_value

	handlerMu sync.RWMutex
	handler   func()

	// latched holds the data byte of the exchange being delivered
	latched    atomic.Uint32
	delivering atomic.Bool

	events chan byte
	done   chan struct{}
	pumped chan struct{}

	errMu sync.Mutex
	err   error
}

var _ core.LineDriver = (*Client)(nil)

// NewClient starts a client on port. A zero timeout uses DefaultTimeout.
func NewClient(port io.ReadWriteCloser, logger *zap.SugaredLogger, timeout time.Duration) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		link:    protocol.NewHostTransport(port, logger.Named("link")),
		logger:  logger,
		timeout: timeout,
		events:  make(chan byte, 4*eventQueueSize),
		done:    make(chan struct{}),
		pumped:  make(chan struct{}),
	}
	c.link.SetEventHandler(c.onEvent)
	go c.pump()
	return c
}

// SetInterruptHandler installs the function run for each exchange event,
// usually Engine.HandleInterrupt.
func (c *Client) SetInterruptHandler(h func()) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// Registers returns register views that forward to the firmware. A data
// register read while an exchange event is delivered returns that event's
// byte instead of a round trip.
func (c *Client) Registers() core.Registers {
	return core.Registers{
		Control: remoteRegister{c, RegControl},
		Data:    remoteRegister{c, RegData},
		Status:  remoteRegister{c, RegStatus},
	}
}

// SetDirection implements core.LineDriver
func (c *Client) SetDirection(line core.Line, dir core.Direction) {
	c.record(c.send(CmdLineDirection, uint32(line), boolArg(dir == core.Output)))
}

// SetLevel implements core.LineDriver
func (c *Client) SetLevel(line core.Line, level core.Level) {
	c.record(c.send(CmdLineLevel, uint32(line), boolArg(bool(level))))
}

// WriteRegister writes value to the firmware register reg. Disabling the
// peripheral discards exchange events not yet delivered.
func (c *Client) WriteRegister(reg, value uint8) error {
	c.logger.Debugw("reg_write", "reg", reg, "value", value)
	if err := c.send(CmdRegWrite, uint32(reg), uint32(value)); err != nil {
		return err
	}
	if reg == RegControl && core.Control(value)&core.SPE == 0 {
		c.discardEvents()
	}
	return nil
}

// ReadRegister reads the firmware register reg
func (c *Client) ReadRegister(reg uint8) (uint8, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if err := c.link.SendCommandWithTimeout(CmdRegRead, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(reg))
	}, c.timeout); err != nil {
		return 0, fmt.Errorf("reg_read %d: %w", reg, err)
	}

	deadline := time.Now().Add(c.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, fmt.Errorf("reg_read %d: no reg_value response", reg)
		}
		msg, err := c.link.ReceiveResponse(remaining)
		if err != nil {
			return 0, fmt.Errorf("reg_read %d: %w", reg, err)
		}
		data := msg.Payload
		cmdID, err := protocol.DecodeVLQUint(&data)
		if err != nil || uint16(cmdID) != RspRegValue {
			c.logger.Debugw("skipping unexpected message", "payload", msg.Payload)
			continue
		}
		got, err := decodeByte(&data)
		if err != nil {
			return 0, fmt.Errorf("reg_read %d: %w", reg, err)
		}
		value, err := decodeByte(&data)
		if err != nil {
			return 0, fmt.Errorf("reg_read %d: %w", reg, err)
		}
		if got != reg {
			continue
		}
		c.logger.Debugw("reg_value", "reg", reg, "value", value)
		return value, nil
	}
}

// Err returns the first error a register or line access hit. The core
// interfaces cannot return errors, so failures are recorded here.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close stops event delivery and closes the link
func (c *Client) Close() error {
	err := c.link.Close()
	close(c.done)
	<-c.pumped
	return err
}

func (c *Client) send(cmdID uint16, args ...uint32) error {
	err := c.link.SendCommandWithTimeout(cmdID, func(out protocol.OutputBuffer) {
		for _, a := range args {
			protocol.EncodeVLQUint(out, a)
		}
	}, c.timeout)
	if err != nil {
		return fmt.Errorf("command %d: %w", cmdID, err)
	}
	return nil
}

func (c *Client) record(err error) {
	if err == nil {
		return
	}
	c.logger.Errorw("bridge access failed", "error", err)
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// onEvent runs on the link's read loop and must not block on the link
func (c *Client) onEvent(cmdID uint16, data []byte) bool {
	if cmdID != RspExchange {
		return false
	}
	b, err := decodeByte(&data)
	if err != nil {
		c.logger.Warnw("malformed exchange event", "error", err)
		return true
	}
	select {
	case c.events <- b:
	default:
		c.logger.Warnw("exchange event dropped", "data", b)
	}
	return true
}

// discardEvents drops queued exchange events. Events the firmware flushed
// before a disable precede its acknowledgement on the link and the firmware
// drops the rest, so none of the old transaction arrive later.
func (c *Client) discardEvents() {
	for {
		select {
		case b := <-c.events:
			c.logger.Debugw("discarding stale exchange", "data", b)
		default:
			return
		}
	}
}

func (c *Client) pump() {
	defer close(c.pumped)
	for {
		select {
		case <-c.done:
			return
		case b := <-c.events:
			c.handlerMu.RLock()
			h := c.handler
			c.handlerMu.RUnlock()
			if h == nil {
				continue
			}
			c.latched.Store(uint32(b))
			c.delivering.Store(true)
			h()
			c.delivering.Store(false)
		}
	}
}

type remoteRegister struct {
	c   *Client
	reg uint8
}

func (r remoteRegister) Get() uint8 {
	if r.reg == RegData && r.c.delivering.Load() {
		return uint8(r.c.latched.Load())
	}
	v, err := r.c.ReadRegister(r.reg)
	r.c.record(err)
	return v
}

func (r remoteRegister) Set(v uint8) {
	r.c.record(r.c.WriteRegister(r.reg, v))
}
