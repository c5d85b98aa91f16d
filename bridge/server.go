package bridge

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"spiavr/core"
	"spiavr/protocol"
)

// PollInterval is how often Serve flushes queued exchange events when no
// host data arrives.
const PollInterval = time.Millisecond

// Server is the firmware half of the bridge. It applies register and line
// commands to the local peripheral and reports every completed exchange.
type Server struct {
	mu        sync.Mutex // serializes the transport and output
	regs      core.Registers
	lines     core.LineDriver
	registry  *Registry
	transport *protocol.Transport
	input     *protocol.FifoBuffer
	output    *protocol.ScratchOutput
	events    eventQueue
}

// NewServer creates a server driving regs and lines
func NewServer(regs core.Registers, lines core.LineDriver) *Server {
	s := &Server{
		regs:     regs,
		lines:    lines,
		registry: NewRegistry(),
		input:    protocol.NewFifoBuffer(2 * protocol.MessageMax),
		output:   protocol.NewScratchOutput(),
	}

	s.registry.Register("reg_write", "reg=%c value=%c", s.handleRegWrite)
	s.registry.Register("reg_read", "reg=%c", s.handleRegRead)
	s.registry.Register("line_direction", "line=%c output=%c", s.handleLineDirection)
	s.registry.Register("line_level", "line=%c high=%c", s.handleLineLevel)
	s.registry.RegisterResponse("reg_value", "reg=%c value=%c")
	s.registry.RegisterResponse("exchange", "data=%c")

	s.transport = protocol.NewTransport(s.output, s.dispatch)
	s.transport.SetResetCallback(s.hostReset)
	return s
}

// Dictionary lists the messages the server understands and sends
func (s *Server) Dictionary() string {
	return s.registry.Dictionary()
}

// HandleInterrupt is the SPI completion interrupt handler. It drains the
// data register and queues the byte for the host. Safe to call from an
// interrupt.
func (s *Server) HandleInterrupt() {
	s.events.push(s.regs.Data.Get())
}

// Dropped returns how many exchange events were lost to a full queue
func (s *Server) Dropped() uint32 {
	return s.events.dropped.Load()
}

// Receive processes bytes read from the host
func (s *Server) Receive(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(data) > 0 {
		n := s.input.Write(data)
		s.transport.Receive(s.input)
		if n == 0 {
			// Input full of garbage the scanner could not consume
			s.input.Reset()
			continue
		}
		data = data[n:]
	}
}

// Flush queues pending exchange events and writes all output to w
func (s *Server) Flush(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.output.CurPosition()+protocol.MessageLengthMax <= protocol.MessageMax {
		b, ok := s.events.pop()
		if !ok {
			break
		}
		s.transport.SendCommand(RspExchange, func(out protocol.OutputBuffer) {
			protocol.EncodeVLQUint(out, uint32(b))
		})
	}

	if s.output.CurPosition() == 0 {
		return nil
	}
	_, err := w.Write(s.output.Result())
	s.output.Reset()
	return err
}

// Serve runs the server on rw until ctx is done or the link closes
func (s *Server) Serve(ctx context.Context, rw io.ReadWriter) error {
	incoming := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			buf := make([]byte, protocol.MessageMax)
			n, err := rw.Read(buf)
			if n > 0 {
				select {
				case incoming <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		case data := <-incoming:
			s.Receive(data)
		case <-ticker.C:
		}
		if err := s.Flush(rw); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

func (s *Server) dispatch(cmdID uint16, data *[]byte) error {
	err := s.registry.Dispatch(cmdID, data)
	if err != nil && core.IsDebugEnabled() {
		core.DebugPrintln("[BRIDGE] command " + core.Itoa(int(cmdID)) + " failed: " + err.Error())
	}
	return err
}

func (s *Server) register(reg uint8) (core.Register, error) {
	switch reg {
	case RegControl:
		return s.regs.Control, nil
	case RegData:
		return s.regs.Data, nil
	case RegStatus:
		return s.regs.Status, nil
	}
	return nil, ErrUnknownRegister
}

// reg_write reg=%c value=%c
func (s *Server) handleRegWrite(data *[]byte) error {
	reg, err := decodeByte(data)
	if err != nil {
		return err
	}
	value, err := decodeByte(data)
	if err != nil {
		return err
	}
	r, err := s.register(reg)
	if err != nil {
		return err
	}
	r.Set(value)
	if reg == RegControl && core.Control(value)&core.SPE == 0 {
		// Exchanges of a disabled peripheral belong to an abandoned transaction
		s.dropEvents()
	}
	return nil
}

// reg_read reg=%c
func (s *Server) handleRegRead(data *[]byte) error {
	reg, err := decodeByte(data)
	if err != nil {
		return err
	}
	r, err := s.register(reg)
	if err != nil {
		return err
	}
	value := r.Get()
	s.transport.SendCommand(RspRegValue, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, uint32(reg))
		protocol.EncodeVLQUint(out, uint32(value))
	})
	return nil
}

// line_direction line=%c output=%c
func (s *Server) handleLineDirection(data *[]byte) error {
	line, err := decodeByte(data)
	if err != nil {
		return err
	}
	output, err := decodeBool(data)
	if err != nil {
		return err
	}
	dir := core.Input
	if output {
		dir = core.Output
	}
	s.lines.SetDirection(core.Line(line), dir)
	return nil
}

// line_level line=%c high=%c
func (s *Server) handleLineLevel(data *[]byte) error {
	line, err := decodeByte(data)
	if err != nil {
		return err
	}
	high, err := decodeBool(data)
	if err != nil {
		return err
	}
	s.lines.SetLevel(core.Line(line), core.Level(high))
	return nil
}

// A reconnecting host starts from a disabled peripheral
func (s *Server) hostReset() {
	s.regs.Control.Set(0)
	s.dropEvents()
	if core.IsDebugEnabled() {
		core.DebugPrintln("[BRIDGE] host reset")
	}
}

func (s *Server) dropEvents() {
	for {
		if _, ok := s.events.pop(); !ok {
			return
		}
	}
}
