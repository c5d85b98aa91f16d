package core

// Line identifies one of the digital lines wired to the SPI peripheral.
type Line uint8

// Direction is the electrical direction of a line.
type Direction uint8

const (
	Input  Direction = iota // Passive, high impedance
	Output                  // Driven by this device
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// Level is the logic level driven on an output line.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "high"
	}
	return "low"
}

// LineDriver is the abstract line interface the engine uses.
// Platform-specific implementations handle actual pin control.
type LineDriver interface {
	// SetDirection configures line as an input or an output.
	SetDirection(line Line, dir Direction)

	// SetLevel drives an output line low or high.
	// Only used to assert and deassert the select line.
	SetLevel(line Line, level Level)
}

// Pins names the four lines of the bus. COPI carries controller output,
// CIPO carries peripheral output.
type Pins struct {
	Clock  Line // SCK
	COPI   Line // MOSI
	CIPO   Line // MISO
	Select Line // SS
}

// All returns the four lines in select, COPI, CIPO, clock order.
func (p Pins) All() [4]Line {
	return [4]Line{p.Select, p.COPI, p.CIPO, p.Clock}
}
