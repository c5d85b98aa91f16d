package core_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"spiavr/core"
	"spiavr/sim"
)

const reference = 16000000

var testPins = core.Pins{Clock: 13, COPI: 11, CIPO: 12, Select: 10}

// newHarness wires an engine to a simulated peripheral whose remote device
// answers with partner.
func newHarness(partner sim.Partner) (*core.Engine, *sim.Peripheral) {
	p := sim.New(partner)
	e := core.NewEngine(p.Registers(), p, testPins, reference)
	p.SetHandler(e.HandleInterrupt)
	return e, p
}

func TestControllerTransaction(t *testing.T) {
	reply := []byte{0xa0, 0xa1, 0xa2, 0xa3}
	e, p := newHarness(sim.Script(reply...))

	out := []byte{1, 2, 3, 4}
	in := make([]byte, len(out))
	if err := e.BeginController(testPins.Select, in, out); err != nil {
		t.Fatalf("BeginController failed: %v", err)
	}

	if !e.IsController() {
		t.Errorf("Expected controller role, got %s", e.Role())
	}
	for _, l := range []core.Line{testPins.Clock, testPins.Select, testPins.COPI} {
		if p.Direction(l) != core.Output {
			t.Errorf("Expected line %d to be an output", l)
		}
	}
	if p.Direction(testPins.CIPO) != core.Input {
		t.Error("Expected CIPO to stay an input")
	}
	if p.Level(testPins.Select) != core.Low {
		t.Error("Expected select to be asserted low")
	}
	if want := core.SPE | core.SPIE | core.MSTR | core.DORD; p.Control() != want {
		t.Errorf("Expected control %s, got %s", want, p.Control())
	}
	if e.Transmitted() != 1 || e.Received() != 0 {
		t.Errorf("Expected only the first byte loaded, got tx=%d rx=%d", e.Transmitted(), e.Received())
	}
	if e.Active() || e.Complete() {
		t.Error("Expected no activity before the first exchange")
	}

	if n := p.Drain(); n != len(out) {
		t.Errorf("Expected %d exchanges, got %d", len(out), n)
	}
	if !e.Active() || !e.Complete() {
		t.Errorf("Expected active and complete, got active=%v complete=%v", e.Active(), e.Complete())
	}
	if diff := cmp.Diff(reply, in); diff != "" {
		t.Errorf("Input buffer mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(out, p.Sent()); diff != "" {
		t.Errorf("Sent bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestTransactionLengths(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for _, n := range []int{0, 1, 2, 7, 64, 300} {
		out := make([]byte, n)
		reply := make([]byte, n)
		rng.Read(out)
		rng.Read(reply)

		e, p := newHarness(sim.Script(reply...))
		in := make([]byte, n)
		if err := e.BeginController(testPins.Select, in, out); err != nil {
			t.Fatalf("len %d: BeginController failed: %v", n, err)
		}
		if got := p.Drain(); got != n {
			t.Errorf("len %d: expected %d exchanges, got %d", n, n, got)
		}
		if !e.Complete() {
			t.Errorf("len %d: expected complete", n)
		}
		if diff := cmp.Diff(reply, in); diff != "" {
			t.Errorf("len %d: input mismatch (-want +got):\n%s", n, diff)
		}
		if diff := cmp.Diff(out, p.Sent(), cmp.Comparer(bytesEqual)); diff != "" {
			t.Errorf("len %d: sent mismatch (-want +got):\n%s", n, diff)
		}
		if e.Received() != n || e.Transmitted() != n {
			t.Errorf("len %d: expected positions %d, got rx=%d tx=%d", n, n, e.Received(), e.Transmitted())
		}
	}
}

// bytesEqual treats nil and empty slices alike.
func bytesEqual(a, b []byte) bool {
	return string(a) == string(b)
}

func TestZeroLengthCompletesImmediately(t *testing.T) {
	e, p := newHarness(nil)

	if err := e.BeginController(testPins.Select, nil, nil); err != nil {
		t.Fatalf("BeginController failed: %v", err)
	}
	if !e.Complete() {
		t.Error("Expected zero-length transaction to complete at once")
	}
	if p.Control() != 0 {
		t.Errorf("Expected peripheral to stay disabled, got %s", p.Control())
	}
	if n := p.Drain(); n != 0 {
		t.Errorf("Expected no exchanges, got %d", n)
	}
}

func TestExtraEventsAfterCompletion(t *testing.T) {
	reply := []byte{9, 8, 7}
	e, p := newHarness(sim.Script(reply...))

	in := make([]byte, 5)
	in[3], in[4] = 0xee, 0xff
	if err := e.BeginController(testPins.Select, in, []byte{1, 2, 3}); err != nil {
		t.Fatalf("BeginController failed: %v", err)
	}
	p.Drain()

	// Spurious exchanges must not run past the message length.
	p.SetPartner(sim.Echo)
	for i := 0; i < 3; i++ {
		if !p.Exchange() {
			t.Fatal("Expected the peripheral to still be enabled")
		}
	}

	want := []byte{9, 8, 7, 0xee, 0xff}
	if diff := cmp.Diff(want, in); diff != "" {
		t.Errorf("Input buffer changed (-want +got):\n%s", diff)
	}
	if e.Received() != 3 || e.Transmitted() != 3 {
		t.Errorf("Expected positions to stop at 3, got rx=%d tx=%d", e.Received(), e.Transmitted())
	}
	if !e.Complete() {
		t.Error("Expected transaction to stay complete")
	}
}

func TestStartRejectedWhileActive(t *testing.T) {
	e, p := newHarness(sim.Script(0x11, 0x22, 0x33))

	in := make([]byte, 3)
	out := []byte{1, 2, 3}
	if err := e.BeginController(testPins.Select, in, out); err != nil {
		t.Fatalf("BeginController failed: %v", err)
	}
	p.Exchange()

	other := make([]byte, 2)
	err := e.BeginController(7, other, []byte{0xaa, 0xbb})
	if !errors.Is(err, core.ErrTransactionActive) {
		t.Fatalf("Expected ErrTransactionActive, got %v", err)
	}
	if e.Err() != core.CodeTransactionActive {
		t.Errorf("Expected error code %s, got %s", core.CodeTransactionActive, e.Err())
	}
	if err := e.BeginPeripheral(other, []byte{0xaa, 0xbb}); !errors.Is(err, core.ErrTransactionActive) {
		t.Errorf("Expected peripheral start to be rejected, got %v", err)
	}

	if e.Role() != core.RoleController || e.Select() != testPins.Select {
		t.Errorf("Expected role and select unchanged, got %s on line %d", e.Role(), e.Select())
	}
	if e.Received() != 1 || e.Transmitted() != 2 {
		t.Errorf("Expected positions rx=1 tx=2, got rx=%d tx=%d", e.Received(), e.Transmitted())
	}
	if p.Direction(7) != core.Input {
		t.Error("Expected rejected select line to stay untouched")
	}

	// The original transaction carries on into the original buffers.
	p.Drain()
	if diff := cmp.Diff([]byte{0x11, 0x22, 0x33}, in); diff != "" {
		t.Errorf("Input buffer mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0, 0}, other); diff != "" {
		t.Errorf("Rejected buffer written (-want +got):\n%s", diff)
	}
}

func TestStartRejectedUntilConsumed(t *testing.T) {
	e, p := newHarness(nil)

	in := make([]byte, 2)
	if err := e.BeginController(testPins.Select, in, []byte{5, 6}); err != nil {
		t.Fatalf("BeginController failed: %v", err)
	}
	p.Drain()

	if err := e.BeginController(testPins.Select, in, []byte{7, 8}); !errors.Is(err, core.ErrTransactionActive) {
		t.Fatalf("Expected completed data to block a new start, got %v", err)
	}

	e.Reset()
	if err := e.BeginController(testPins.Select, in, []byte{7, 8}); err != nil {
		t.Fatalf("Expected start after reset to succeed, got %v", err)
	}
	if e.Err() != core.CodeNone {
		t.Errorf("Expected error code cleared by a successful start, got %s", e.Err())
	}
}

func TestRestartBeforeFirstExchange(t *testing.T) {
	e, p := newHarness(sim.Echo)

	in := make([]byte, 2)
	if err := e.BeginController(testPins.Select, in, []byte{1, 2}); err != nil {
		t.Fatalf("BeginController failed: %v", err)
	}
	// No exchange yet: the transaction is neither active nor complete.
	if err := e.BeginController(testPins.Select, in, []byte{3, 4}); err != nil {
		t.Fatalf("Expected restart to succeed, got %v", err)
	}
	p.Drain()
	if diff := cmp.Diff([]byte{3, 4}, in); diff != "" {
		t.Errorf("Input buffer mismatch (-want +got):\n%s", diff)
	}
}

func TestResetMidTransaction(t *testing.T) {
	e, p := newHarness(nil)

	in := make([]byte, 4)
	if err := e.BeginController(testPins.Select, in, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("BeginController failed: %v", err)
	}
	p.Exchange()
	_ = e.BeginController(testPins.Select, in, []byte{1})

	e.Reset()

	if e.Role() != core.RoleNone {
		t.Errorf("Expected no role, got %s", e.Role())
	}
	if e.Active() || e.Complete() {
		t.Error("Expected active and complete cleared")
	}
	if p.Control() != 0 {
		t.Errorf("Expected peripheral disabled, got %s", p.Control())
	}
	for _, l := range testPins.All() {
		if p.Direction(l) != core.Input {
			t.Errorf("Expected line %d to be an input", l)
		}
	}
	if e.Err() != core.CodeTransactionActive {
		t.Errorf("Expected reset to keep error code, got %s", e.Err())
	}
	if p.Exchange() {
		t.Error("Expected no exchange on a disabled peripheral")
	}
}

func TestPeripheralListen(t *testing.T) {
	sent := []byte{0x10, 0x20, 0x30}
	e, p := newHarness(sim.Script(sent...))

	reply := []byte{0xc1, 0xc2, 0xc3}
	in := make([]byte, len(reply))
	if err := e.BeginPeripheral(in, reply); err != nil {
		t.Fatalf("BeginPeripheral failed: %v", err)
	}

	if !e.IsPeripheral() {
		t.Errorf("Expected peripheral role, got %s", e.Role())
	}
	if p.Direction(testPins.CIPO) != core.Output {
		t.Error("Expected CIPO to be an output")
	}
	for _, l := range []core.Line{testPins.Clock, testPins.Select, testPins.COPI} {
		if p.Direction(l) != core.Input {
			t.Errorf("Expected line %d to be an input", l)
		}
	}
	if want := core.SPE | core.SPIE | core.DORD; p.Control() != want {
		t.Errorf("Expected control %s, got %s", want, p.Control())
	}
	if p.Pending() {
		t.Error("Expected peripheral role not to clock by itself")
	}

	// The remote controller clocks three bytes.
	for range sent {
		p.Exchange()
	}
	if !e.Complete() {
		t.Error("Expected complete")
	}
	if diff := cmp.Diff(sent, in); diff != "" {
		t.Errorf("Input buffer mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(reply, p.Sent()); diff != "" {
		t.Errorf("Reply mismatch (-want +got):\n%s", diff)
	}
}

func TestRoleSwitchResets(t *testing.T) {
	core.ClearEvents()
	core.SetTraceEnabled(true)
	defer core.SetTraceEnabled(false)

	e, p := newHarness(nil)
	in := make([]byte, 2)

	if err := e.BeginPeripheral(in, []byte{1, 2}); err != nil {
		t.Fatalf("BeginPeripheral failed: %v", err)
	}
	if err := e.BeginController(testPins.Select, in, []byte{3, 4}); err != nil {
		t.Fatalf("BeginController failed: %v", err)
	}

	if p.Direction(testPins.CIPO) != core.Input {
		t.Error("Expected CIPO released by the implicit reset")
	}
	if !e.IsController() || e.IsPeripheral() {
		t.Errorf("Expected controller role only, got %s", e.Role())
	}

	var kinds []core.EventKind
	for _, evt := range core.Events() {
		kinds = append(kinds, evt.Kind)
	}
	want := []core.EventKind{core.EvtStartPeripheral, core.EvtReset, core.EvtStartController}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("Event trace mismatch (-want +got):\n%s", diff)
	}

	// And back again.
	if err := e.BeginPeripheral(in, []byte{5, 6}); err != nil {
		t.Fatalf("BeginPeripheral failed: %v", err)
	}
	for _, l := range []core.Line{testPins.Clock, testPins.Select, testPins.COPI} {
		if p.Direction(l) != core.Input {
			t.Errorf("Expected line %d released when leaving controller role", l)
		}
	}
	if p.Control()&core.MSTR != 0 {
		t.Error("Expected controller mode bit cleared")
	}
}

func TestModeAndSpeedLatching(t *testing.T) {
	e, p := newHarness(nil)
	e.SetMode(true, true, true)
	if d := e.SetClockCeiling(8000000); d != core.Div2 {
		t.Fatalf("Expected /2, got %s", d)
	}

	in := make([]byte, 2)
	if err := e.BeginController(testPins.Select, in, []byte{1, 2}); err != nil {
		t.Fatalf("BeginController failed: %v", err)
	}
	want := core.SPE | core.SPIE | core.MSTR | core.CPOL | core.CPHA
	if p.Control() != want {
		t.Errorf("Expected control %s, got %s", want, p.Control())
	}
	if p.Status()&core.SPI2X == 0 {
		t.Error("Expected SPI2X set for /2")
	}

	// Reconfiguring does not touch the running transaction.
	e.SetMode(false, false, false)
	e.SetClockCeiling(100000)
	if p.Control() != want {
		t.Errorf("Expected control to stay %s, got %s", want, p.Control())
	}

	p.Drain()
	e.Reset()
	if err := e.BeginController(testPins.Select, in, []byte{1, 2}); err != nil {
		t.Fatalf("BeginController failed: %v", err)
	}
	want = core.SPE | core.SPIE | core.MSTR | core.DORD | core.SPR1 | core.SPR0
	if p.Control() != want {
		t.Errorf("Expected control %s, got %s", want, p.Control())
	}
	if p.Status()&core.SPI2X != 0 {
		t.Error("Expected SPI2X cleared for /128")
	}
}

func TestClockCeilingScenario(t *testing.T) {
	e, _ := newHarness(nil)
	d := e.SetClockCeiling(4000000)
	if d != core.Div4 {
		t.Fatalf("Expected /4, got %s", d)
	}
	cfg := e.Config()
	if cfg.RateSelect != 0 || cfg.DoubleSpeed {
		t.Errorf("Expected rate select 0 without double speed, got %d %v", cfg.RateSelect, cfg.DoubleSpeed)
	}
	if cfg.Divider() != core.Div4 {
		t.Errorf("Expected config divider /4, got %s", cfg.Divider())
	}
}

func TestEndDeassertsSelect(t *testing.T) {
	e, p := newHarness(nil)
	in := make([]byte, 1)
	if err := e.BeginController(3, in, []byte{0x42}); err != nil {
		t.Fatalf("BeginController failed: %v", err)
	}
	p.Drain()
	e.End()

	if p.Level(3) != core.High {
		t.Error("Expected select driven high")
	}
	if p.Direction(3) != core.Input {
		t.Error("Expected select line released")
	}
	if e.Role() != core.RoleNone || e.Complete() {
		t.Error("Expected engine idle after End")
	}
}

func TestShortInputBufferPanics(t *testing.T) {
	e, _ := newHarness(nil)
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for short input buffer")
		}
	}()
	_ = e.BeginController(testPins.Select, make([]byte, 1), []byte{1, 2})
}

func TestDebugOutput(t *testing.T) {
	var lines []string
	core.SetDebugWriter(func(s string) { lines = append(lines, s) })
	core.SetDebugEnabled(true)
	defer core.SetDebugEnabled(false)

	e, p := newHarness(nil)
	in := make([]byte, 1)
	_ = e.BeginController(testPins.Select, in, []byte{1})
	p.Exchange()
	_ = e.BeginController(testPins.Select, in, []byte{1})

	want := []string{
		"[SPI] controller start sel=10 len=1",
		"[SPI] start rejected: transaction already active",
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("Debug output mismatch (-want +got):\n%s", diff)
	}
}

// exchangeOnSet shifts a byte as soon as the first byte is loaded, the way
// a fast bus can finish the exchange before the start call returns.
type exchangeOnSet struct {
	core.Register
	p     *sim.Peripheral
	fired bool
}

func (r *exchangeOnSet) Set(v uint8) {
	r.Register.Set(v)
	if !r.fired {
		r.fired = true
		r.p.Exchange()
	}
}

func TestExchangeDuringPreload(t *testing.T) {
	reply := []byte{0xa0, 0xa1, 0xa2}
	out := []byte{1, 2, 3}

	tests := []struct {
		name  string
		begin func(e *core.Engine, in []byte) error
	}{
		{"controller", func(e *core.Engine, in []byte) error {
			return e.BeginController(testPins.Select, in, out)
		}},
		{"peripheral", func(e *core.Engine, in []byte) error {
			return e.BeginPeripheral(in, out)
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := sim.New(sim.Script(reply...))
			regs := p.Registers()
			regs.Data = &exchangeOnSet{Register: regs.Data, p: p}
			e := core.NewEngine(regs, p, testPins, reference)
			p.SetHandler(e.HandleInterrupt)

			in := make([]byte, len(out))
			if err := tc.begin(e, in); err != nil {
				t.Fatalf("Begin failed: %v", err)
			}
			if e.Received() != 1 || e.Transmitted() != 2 {
				t.Errorf("Expected rx=1 tx=2 after the early exchange, got rx=%d tx=%d", e.Received(), e.Transmitted())
			}
			for i := 0; i < len(out) && !e.Complete(); i++ {
				p.Exchange()
			}

			if !e.Complete() {
				t.Fatal("Expected transaction to complete")
			}
			if diff := cmp.Diff(out, p.Sent()); diff != "" {
				t.Errorf("Sent bytes mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(reply, in); diff != "" {
				t.Errorf("Input buffer mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLateEventAfterReset(t *testing.T) {
	tests := []struct {
		name string
		stop func(e *core.Engine)
	}{
		{"reset", (*core.Engine).Reset},
		{"end", (*core.Engine).End},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, p := newHarness(sim.Script(0xaa, 0xaa, 0xaa))

			in := make([]byte, 3)
			if err := e.BeginController(testPins.Select, in, []byte{1, 2, 3}); err != nil {
				t.Fatalf("BeginController failed: %v", err)
			}
			p.Exchange()
			tc.stop(e)

			// An exchange reported after the peripheral was disabled
			e.HandleInterrupt()

			if e.Active() || e.Complete() {
				t.Errorf("Expected idle engine, got active=%v complete=%v", e.Active(), e.Complete())
			}
			if diff := cmp.Diff([]byte{0xaa, 0, 0}, in); diff != "" {
				t.Errorf("Abandoned buffer changed (-want +got):\n%s", diff)
			}
			if e.Received() != 1 {
				t.Errorf("Expected rx to stay at 1, got %d", e.Received())
			}

			next := make([]byte, 1)
			if err := e.BeginController(testPins.Select, next, []byte{4}); err != nil {
				t.Fatalf("Expected start after a late event to succeed, got %v", err)
			}
		})
	}
}
