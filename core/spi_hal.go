package core

// Register is a byte-wide hardware register. TinyGo's *volatile.Register8
// satisfies it directly.
type Register interface {
	Get() uint8
	Set(value uint8)
}

// Registers holds the three registers of the SPI peripheral.
type Registers struct {
	// Control holds enable, interrupt enable, controller mode, clock
	// polarity/phase, data order and rate select bits (SPCR).
	Control Register

	// Data is the shift register (SPDR). Reading drains the byte just
	// received, writing loads the next byte to send.
	Data Register

	// Status holds the completion flag and the double speed bit (SPSR).
	Status Register
}

// RegisterFunc adapts a pair of functions to Register. Useful when a
// register lives behind something other than a memory address.
type RegisterFunc struct {
	GetFunc func() uint8
	SetFunc func(uint8)
}

func (r RegisterFunc) Get() uint8 {
	if r.GetFunc == nil {
		return 0
	}
	return r.GetFunc()
}

func (r RegisterFunc) Set(value uint8) {
	if r.SetFunc != nil {
		r.SetFunc(value)
	}
}
