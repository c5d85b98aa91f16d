package protocol

// Frame is one decoded link frame.
type Frame struct {
	Sequence uint8
	Payload  []byte // Data between header and trailer, aliases the input
}

// IsAck reports whether f is an acknowledgement.
func (f Frame) IsAck() bool {
	return len(f.Payload) == 0
}

// frameScanner splits a byte stream into frames, resynchronizing on the
// sync byte after corruption.
type frameScanner struct {
	synchronized bool
	checkDest    bool // reject sequences without the MessageDest bits
}

// scan calls onFrame for every complete frame in data and returns the
// number of bytes consumed.
func (s *frameScanner) scan(data []byte, onFrame func(Frame)) int {
	total := len(data)
	for len(data) > 0 {
		if !s.synchronized {
			syncPos := -1
			for i, b := range data {
				if b == MessageValueSync {
					syncPos = i
					break
				}
			}
			if syncPos < 0 {
				data = nil
				break
			}
			data = data[syncPos+1:]
			s.synchronized = true
			continue
		}

		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}
		if len(data) < MessageLengthMin {
			break
		}

		msgLen := int(data[MessagePositionLen])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
			s.synchronized = false
			continue
		}
		seq := data[MessagePositionSeq]
		if s.checkDest && seq&^MessageSeqMask != MessageDest {
			s.synchronized = false
			continue
		}
		if len(data) < msgLen {
			break
		}
		if data[msgLen-MessageTrailerSync] != MessageValueSync {
			s.synchronized = false
			continue
		}

		frameCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 |
			uint16(data[msgLen-MessageTrailerCRC+1])
		if frameCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
			s.synchronized = false
			continue
		}

		onFrame(Frame{
			Sequence: seq,
			Payload:  data[MessageHeaderSize : msgLen-MessageTrailerSize],
		})
		data = data[msgLen:]
	}
	return total - len(data)
}

// AppendFrame appends a frame carrying payload to dst.
func AppendFrame(dst []byte, seq uint8, payload []byte) []byte {
	start := len(dst)
	dst = append(dst, uint8(MessageHeaderSize+len(payload)+MessageTrailerSize), seq)
	dst = append(dst, payload...)
	crc := CRC16(dst[start:])
	return append(dst, uint8(crc>>8), uint8(crc), MessageValueSync)
}
