package core

// Control is the value of the SPI control register (SPCR).
type Control uint8

const (
	SPR0 Control = 1 << iota // Rate select, low bit.
	SPR1                     // Rate select, high bit.
	CPHA                     // Sample on trailing edge (leading edge is setup).
	CPOL                     // Clock idles high (leading edge is falling).
	MSTR                     // Controller mode.
	DORD                     // Data order 1: LSB first, 0: MSB first.
	SPE                      // Peripheral enable.
	SPIE                     // Completion interrupt enable.

	rateSelectMask = SPR1 | SPR0
)

// RateSelect returns the SPR1:SPR0 field.
func (c Control) RateSelect() uint8 {
	return uint8(c & rateSelectMask)
}

func (c Control) String() string {
	return flags("SPIE+ SPE+ DORD+ MSTR+ CPOL+ CPHA+ SPR:", 0xfc, uint8(c)) +
		Itoa(int(c.RateSelect()))
}

// Status is the value of the SPI status register (SPSR).
type Status uint8

const (
	SPI2X Status = 1 << 0 // Double speed.
	WCOL  Status = 1 << 6 // Write collision.
	SPIF  Status = 1 << 7 // Transfer complete.
)

func (s Status) String() string {
	return flags("SPIF+ WCOL+ SPI2X+", 0xc1, uint8(s))
}

// flags renders the bits of b selected by mask into the '+' placeholders of
// f, most significant bit first, using '+' for set and '-' for clear.
func flags(f string, mask, b uint8) string {
	buf := make([]byte, len(f))
	m := uint8(0x80)
	for i := range buf {
		if f[i] == '+' {
			for mask&m == 0 {
				m >>= 1
			}
			if b&m == 0 {
				buf[i] = '-'
			} else {
				buf[i] = '+'
			}
			m >>= 1
		} else {
			buf[i] = f[i]
		}
	}
	return string(buf)
}
