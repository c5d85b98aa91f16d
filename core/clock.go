package core

// Clock divider selection.
//
// Three bits select the SPI clock as a divider of the processor clock:
//
//	SPR1 SPR0 ~SPI2X  Freq
//	 0    0     0     F_CPU/2
//	 0    0     1     F_CPU/4
//	 0    1     0     F_CPU/8
//	 0    1     1     F_CPU/16
//	 1    0     0     F_CPU/32
//	 1    0     1     F_CPU/64
//	 1    1     0     F_CPU/64
//	 1    1     1     F_CPU/128

// Divider is the 3-bit ordinal into the divider table above.
type Divider uint8

const (
	Div2 Divider = iota
	Div4
	Div8
	Div16
	Div32
	Div64
	Div64Double // SPR1:SPR0=11 with SPI2X, same rate as Div64
	Div128
)

var dividerRatios = [8]uint32{2, 4, 8, 16, 32, 64, 64, 128}

// SelectDivider returns the fastest divider that keeps reference/divider at
// or below ceiling. Both /64 encodings resolve to Div128, so /64 is never
// selected: a ceiling in [reference/64, reference/32) gets reference/128
// even though reference/64 would fit. A ceiling slower than reference/128
// plateaus at Div128.
func SelectDivider(reference, ceiling uint32) Divider {
	d := Div2
	for d < Div128 && reference>>(d+1) > ceiling {
		d++
	}
	if d == Div64 || d == Div64Double {
		d = Div128
	}
	return d
}

// DividerFor rebuilds a divider from its register fields.
func DividerFor(rateSelect uint8, doubleSpeed bool) Divider {
	d := Divider(rateSelect&3) << 1
	if !doubleSpeed {
		d |= 1
	}
	return d
}

// RateSelect returns the SPR1:SPR0 field.
func (d Divider) RateSelect() uint8 {
	return uint8(d&7) >> 1
}

// DoubleSpeed reports whether SPI2X must be set. The table stores ~SPI2X in
// the low bit.
func (d Divider) DoubleSpeed() bool {
	return d&1 == 0
}

// Ratio returns the division applied to the reference clock.
func (d Divider) Ratio() uint32 {
	return dividerRatios[d&7]
}

// Frequency returns the bus clock produced from reference.
func (d Divider) Frequency(reference uint32) uint32 {
	return reference / d.Ratio()
}

func (d Divider) String() string {
	return "/" + utoa(d.Ratio())
}

// Mode holds the electrical and bit ordering conventions of the bus.
type Mode struct {
	PolarityLeadingEdgeFalling bool // CPOL
	PhaseLeadingEdgeSetup      bool // CPHA
	MSBFirst                   bool
}

// ModeFromNumber converts a conventional SPI mode number (0-3).
func ModeFromNumber(n uint8, msbFirst bool) Mode {
	return Mode{
		PolarityLeadingEdgeFalling: n&2 != 0,
		PhaseLeadingEdgeSetup:      n&1 != 0,
		MSBFirst:                   msbFirst,
	}
}

// Number returns the conventional SPI mode number (0-3).
func (m Mode) Number() uint8 {
	var n uint8
	if m.PolarityLeadingEdgeFalling {
		n |= 2
	}
	if m.PhaseLeadingEdgeSetup {
		n |= 1
	}
	return n
}

// control returns the CPOL, CPHA and DORD bits for m.
func (m Mode) control() Control {
	var c Control
	if m.PolarityLeadingEdgeFalling {
		c |= CPOL
	}
	if m.PhaseLeadingEdgeSetup {
		c |= CPHA
	}
	if !m.MSBFirst {
		c |= DORD
	}
	return c
}

// Config is latched into the control and status registers when a
// transaction starts.
type Config struct {
	RateSelect  uint8 // SPR1:SPR0
	DoubleSpeed bool  // SPI2X
	Mode        Mode
}

// DefaultConfig returns rate select 0, no double speed, and all mode flags
// cleared.
func DefaultConfig() Config {
	return Config{}
}

// Divider returns the divider encoded by the rate select and double speed
// fields.
func (c Config) Divider() Divider {
	return DividerFor(c.RateSelect, c.DoubleSpeed)
}
