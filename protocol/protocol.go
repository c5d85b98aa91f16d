// Package protocol implements the framed link between the host and the
// register bridge firmware.
//
// A frame is [length][sequence][payload...][crc16 high][crc16 low][0x7E].
// The payload is a series of VLQ encoded command ids, each followed by its
// VLQ encoded arguments. A frame with an empty payload acknowledges the
// sequence number it carries.
package protocol

// Version is the link protocol version reported by the bridge
const Version = "1"

// Framing constants
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10
	MessageSeqMask     = 0x0F

	// MessageMax is the capacity of a scratch output buffer
	MessageMax = 256
)

// nextSeq returns the sequence that follows seq.
func nextSeq(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}
