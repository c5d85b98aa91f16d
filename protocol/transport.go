package protocol

import "sync/atomic"

// CommandHandler is a function type for handling decoded commands. The
// handler decodes its own arguments, advancing data.
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the firmware side of the link: it decodes host frames,
// dispatches their commands and acknowledges them.
type Transport struct {
	scanner      frameScanner
	nextSequence atomic.Uint32 // expected sequence from host (0x10-0x1F)

	output        OutputBuffer
	handler       CommandHandler
	resetCallback func() // Called when host reset is detected
}

// NewTransport creates a new Transport instance
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	t := &Transport{
		scanner: frameScanner{synchronized: true, checkDest: true},
		output:  output,
		handler: handler,
	}
	t.nextSequence.Store(MessageDest)
	return t
}

// Receive processes incoming data from the input buffer and removes the
// bytes it consumed.
func (t *Transport) Receive(input InputBuffer) {
	wasSynced := t.scanner.synchronized
	consumed := t.scanner.scan(input.Data(), t.handleFrame)
	if !wasSynced && t.scanner.synchronized {
		t.encodeAck()
	}
	if consumed > 0 {
		input.Pop(consumed)
	}
}

func (t *Transport) handleFrame(f Frame) {
	expected := uint8(t.nextSequence.Load())
	if f.Sequence == MessageDest && expected != MessageDest {
		// Host restarted its sequence
		expected = MessageDest
		t.nextSequence.Store(MessageDest)
		if t.resetCallback != nil {
			t.resetCallback()
		}
	}

	if f.Sequence == expected {
		t.nextSequence.Store(uint32(nextSeq(f.Sequence)))
		_ = t.parseFrame(f.Payload)
	}
	// A mismatched sequence is answered with the expected one, acting as a NAK
	t.encodeAck()
}

// parseFrame extracts and dispatches commands from a frame
func (t *Transport) parseFrame(frame []byte) (err error) {
	// Recover from panics in command handlers to prevent firmware crash
	defer func() {
		if r := recover(); r != nil {
			t.scanner.synchronized = false
		}
	}()

	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			t.scanner.synchronized = false
			return err
		}
		if t.handler != nil {
			if err := t.handler(uint16(cmdID), &frame); err != nil {
				// Don't desync on handler errors
				return err
			}
		}
	}
	return nil
}

// encodeAck sends an empty frame carrying the next expected sequence
func (t *Transport) encodeAck() {
	var buf [MessageLengthMin]byte
	t.output.Output(AppendFrame(buf[:0], uint8(t.nextSequence.Load()), nil))
}

// EncodeFrame encodes a frame whose payload is written by frameData
func (t *Transport) EncodeFrame(frameData func(output OutputBuffer)) {
	cursor := t.output.CurPosition()

	t.output.Output([]byte{0, uint8(t.nextSequence.Load())})
	frameData(t.output)

	changed := len(t.output.DataSince(cursor))
	t.output.Update(cursor, uint8(changed+MessageTrailerSize))

	crc := CRC16(t.output.DataSince(cursor))
	t.output.Output([]byte{uint8(crc >> 8), uint8(crc), MessageValueSync})
}

// SendCommand sends a command with arguments
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset resets the transport state
func (t *Transport) Reset() {
	t.scanner.synchronized = true
	t.nextSequence.Store(MessageDest)
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback sets a callback to be called when host reset is detected
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}
