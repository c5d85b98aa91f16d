package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned once the transport has been closed.
var ErrClosed = errors.New("transport stopped")

// EventHandler receives frames the firmware sends on its own initiative.
// It returns true when it consumed the message; other messages are queued
// for ReceiveResponse.
type EventHandler func(cmdID uint16, data []byte) bool

// Message is a received frame with a non-empty payload
type Message struct {
	Sequence uint8
	Payload  []byte
}

// HostTransport is the host side of the link: it sends commands, waits for
// their acknowledgement and receives responses and events.
type HostTransport struct {
	port   io.ReadWriteCloser
	logger *zap.SugaredLogger

	currentSeq atomic.Uint32 // sequence of the next command (0x10-0x1F)

	// Only the read loop touches these
	scanner frameScanner
	input   *FifoBuffer

	sendMu   sync.Mutex // one command in flight
	ackChan  chan uint8
	respChan chan *Message

	handlerMu    sync.RWMutex
	eventHandler EventHandler

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHostTransport creates a host-side transport and starts reading port
func NewHostTransport(port io.ReadWriteCloser, logger *zap.SugaredLogger) *HostTransport {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	t := &HostTransport{
		port:     port,
		logger:   logger,
		scanner:  frameScanner{synchronized: true},
		input:    NewFifoBuffer(4 * MessageMax),
		ackChan:  make(chan uint8, 1),
		respChan: make(chan *Message, 16),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	t.currentSeq.Store(MessageDest)

	go t.readLoop()
	return t
}

// SetEventHandler sets the callback for unsolicited firmware messages. It
// runs on the read loop and must not send commands itself.
func (t *HostTransport) SetEventHandler(handler EventHandler) {
	t.handlerMu.Lock()
	t.eventHandler = handler
	t.handlerMu.Unlock()
}

// SendCommand sends a command and waits for its acknowledgement
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, 2*time.Second)
}

// SendCommandWithTimeout sends a command with a custom acknowledgement timeout
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	payload := scratch.Result()
	if n := MessageHeaderSize + len(payload) + MessageTrailerSize; n > MessageLengthMax {
		return fmt.Errorf("message too long: %d bytes (max %d)", n, MessageLengthMax)
	}

	seq := uint8(t.currentSeq.Load())
	msg := AppendFrame(make([]byte, 0, MessageLengthMax), seq, payload)
	if _, err := t.port.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	want := nextSeq(seq)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case got := <-t.ackChan:
			if got != want {
				// Stale acknowledgement or NAK; keep waiting
				t.logger.Debugw("unexpected ack", "want", want, "got", got)
				continue
			}
			t.currentSeq.Store(uint32(want))
			return nil
		case <-timer.C:
			return fmt.Errorf("ACK timeout after %v", timeout)
		case <-t.stopChan:
			return ErrClosed
		}
	}
}

// ReceiveResponse receives a response message with timeout
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-t.respChan:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("response timeout after %v", timeout)
	case <-t.stopChan:
		return nil, ErrClosed
	}
}

// readLoop continuously reads from the port and dispatches frames
func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buf := make([]byte, MessageMax)
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buf)
		if n > 0 {
			t.input.Write(buf[:n])
			consumed := t.scanner.scan(t.input.Data(), t.dispatch)
			t.input.Pop(consumed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				t.stop()
				return
			}
			t.logger.Debugw("read failed", "error", err)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (t *HostTransport) dispatch(f Frame) {
	if f.IsAck() {
		select {
		case t.ackChan <- f.Sequence:
		default:
			// Drop the older acknowledgement
			select {
			case <-t.ackChan:
			default:
			}
			t.ackChan <- f.Sequence
		}
		return
	}

	payload := append([]byte(nil), f.Payload...)
	t.handlerMu.RLock()
	handler := t.eventHandler
	t.handlerMu.RUnlock()
	if handler != nil {
		data := payload
		cmdID, err := DecodeVLQUint(&data)
		if err == nil && handler(uint16(cmdID), data) {
			return
		}
	}

	msg := &Message{Sequence: f.Sequence, Payload: payload}
	select {
	case t.respChan <- msg:
	default:
		// Response channel full, drop oldest
		select {
		case <-t.respChan:
		default:
		}
		t.respChan <- msg
	}
}

func (t *HostTransport) stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
}

// Close stops the transport and closes the port
func (t *HostTransport) Close() error {
	t.stop()
	var err error
	if t.port != nil {
		err = t.port.Close()
	}
	<-t.doneChan
	return err
}

// Done is closed when the read loop exits
func (t *HostTransport) Done() <-chan struct{} {
	return t.doneChan
}

// CurrentSequence returns the sequence of the next command
func (t *HostTransport) CurrentSequence() uint8 {
	return uint8(t.currentSeq.Load())
}
