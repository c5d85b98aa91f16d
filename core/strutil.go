package core

// Itoa converts an integer to a string without using the fmt package.
// Firmware code shares it to keep fmt out of the image.
func Itoa(n int) string {
	if n < 0 {
		return "-" + utoa(uint32(-n))
	}
	return utoa(uint32(n))
}

// utoa converts an unsigned integer to a string
func utoa(n uint32) string {
	if n == 0 {
		return "0"
	}

	var buf [10]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[pos:])
}

const hexDigits = "0123456789abcdef"

// HexByte formats b as two lowercase hex digits
func HexByte(b uint8) string {
	return string([]byte{hexDigits[b>>4], hexDigits[b&0x0f]})
}
