package protocol

import (
	"bytes"
	"testing"
)

func TestVLQEncodeDecodeInt(t *testing.T) {
	testCases := []int32{
		0,
		1,
		-1,
		95,
		96,
		-32,
		-33,
		127,
		-127,
		1000,
		-1000,
		65535,
		-65535,
		1000000,
		-1000000,
		1<<31 - 1,
		-1 << 31,
	}

	for _, expected := range testCases {
		output := NewScratchOutput()
		EncodeVLQInt(output, expected)
		encoded := output.Result()

		data := encoded
		decoded, err := DecodeVLQInt(&data)
		if err != nil {
			t.Errorf("Failed to decode VLQ for value %d: %v", expected, err)
			continue
		}
		if decoded != expected {
			t.Errorf("VLQ mismatch: expected %d, got %d (encoded as %v)", expected, decoded, encoded)
		}
		if len(data) != 0 {
			t.Errorf("VLQ decode didn't consume all bytes for value %d: %d bytes remaining", expected, len(data))
		}
	}
}

func TestVLQEncodedLength(t *testing.T) {
	testCases := []struct {
		value  int32
		length int
	}{
		{0, 1},
		{95, 1},
		{96, 2},
		{-32, 1},
		{-33, 2},
		{0xFF, 2},
		{1 << 20, 3},
	}

	for _, tc := range testCases {
		output := NewScratchOutput()
		EncodeVLQInt(output, tc.value)
		if got := len(output.Result()); got != tc.length {
			t.Errorf("EncodeVLQInt(%d) used %d bytes, expected %d", tc.value, got, tc.length)
		}
	}
}

func TestVLQByte(t *testing.T) {
	for _, v := range []uint8{0, 1, 0x7E, 0x80, 0xFF} {
		output := NewScratchOutput()
		EncodeVLQUint(output, uint32(v))
		data := output.Result()
		got, err := DecodeVLQByte(&data)
		if err != nil || got != v {
			t.Errorf("DecodeVLQByte(%#x) = %#x, %v", v, got, err)
		}
	}

	output := NewScratchOutput()
	EncodeVLQUint(output, 0x100)
	data := output.Result()
	if _, err := DecodeVLQByte(&data); err != ErrInvalidVLQ {
		t.Errorf("Expected ErrInvalidVLQ for 0x100, got %v", err)
	}
}

func TestVLQBytes(t *testing.T) {
	testCases := [][]byte{
		{},
		{0x01},
		{0x01, 0x02, 0x03},
		{0xFF, 0xFE, 0xFD},
		make([]byte, 50),
	}

	for i, expected := range testCases {
		output := NewScratchOutput()
		EncodeVLQBytes(output, expected)

		data := output.Result()
		decoded, err := DecodeVLQBytes(&data)
		if err != nil {
			t.Errorf("Test case %d: Failed to decode bytes: %v", i, err)
			continue
		}
		if !bytes.Equal(decoded, expected) {
			t.Errorf("Test case %d: expected %v, got %v", i, expected, decoded)
		}
	}
}

func TestVLQBufferTooSmall(t *testing.T) {
	data := []byte{0x80} // Continuation byte but no following byte
	if _, err := DecodeVLQInt(&data); err != ErrBufferTooSmall {
		t.Errorf("Expected ErrBufferTooSmall, got %v", err)
	}

	data = []byte{3, 1}
	if _, err := DecodeVLQBytes(&data); err != ErrBufferTooSmall {
		t.Errorf("Expected ErrBufferTooSmall for short byte array, got %v", err)
	}
}

func TestVLQTooLong(t *testing.T) {
	data := []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x00}
	if _, err := DecodeVLQInt(&data); err != ErrInvalidVLQ {
		t.Errorf("Expected ErrInvalidVLQ, got %v", err)
	}
}
