package core

import (
	"errors"
	"runtime"
	"time"

	"tinygo.org/x/drivers"
)

// ErrTimeout is returned by Bus when the remote side stops clocking.
var ErrTimeout = errors.New("spi: transfer timed out")

var _ drivers.SPI = (*Bus)(nil)

// Bus is a blocking controller-role view of an Engine. It satisfies
// drivers.SPI so TinyGo device drivers can use the interrupt-driven engine.
type Bus struct {
	Engine *Engine
	Select Line

	// Timeout bounds the wait for completion. Zero waits forever.
	Timeout time.Duration
}

// NewBus returns a Bus addressing the peripheral behind sel.
func NewBus(e *Engine, sel Line) *Bus {
	return &Bus{Engine: e, Select: sel}
}

// Tx sends w while receiving into r. The transfer length is the longer of
// the two; a short or nil w is padded with zeros and a nil r discards the
// received bytes.
func (b *Bus) Tx(w, r []byte) error {
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	if n == 0 {
		return nil
	}

	out := w
	if len(w) < n {
		out = make([]byte, n)
		copy(out, w)
	}
	in := r
	if len(r) < n {
		in = make([]byte, n)
	}

	if err := b.Engine.BeginController(b.Select, in, out); err != nil {
		return err
	}
	err := b.wait()
	b.Engine.End()
	if err != nil {
		return err
	}
	if len(r) < n {
		copy(r, in)
	}
	return nil
}

// Transfer exchanges a single byte.
func (b *Bus) Transfer(w byte) (byte, error) {
	var buf [2]byte
	buf[0] = w
	err := b.Tx(buf[:1], buf[1:])
	return buf[1], err
}

func (b *Bus) wait() error {
	var deadline time.Time
	if b.Timeout > 0 {
		deadline = time.Now().Add(b.Timeout)
	}
	for !b.Engine.Complete() {
		if b.Timeout > 0 && time.Now().After(deadline) {
			return ErrTimeout
		}
		runtime.Gosched()
	}
	return nil
}
