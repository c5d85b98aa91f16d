package core

import "sync/atomic"

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// EventKind identifies an entry in the event trace.
type EventKind uint8

// Event kinds
const (
	EvtStartController EventKind = 1 // Controller transaction started
	EvtStartPeripheral EventKind = 2 // Peripheral listen started
	EvtExchange        EventKind = 3 // Byte received, next byte loaded
	EvtComplete        EventKind = 4 // Last byte received
	EvtReject          EventKind = 5 // Start refused, transaction active
	EvtReset           EventKind = 6 // Peripheral disabled
)

func (k EventKind) String() string {
	switch k {
	case EvtStartController:
		return "START_CTRL"
	case EvtStartPeripheral:
		return "START_PERIPH"
	case EvtExchange:
		return "EXCHANGE"
	case EvtComplete:
		return "COMPLETE"
	case EvtReject:
		return "REJECT!"
	case EvtReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// TraceEvent captures one engine event for post-mortem analysis.
type TraceEvent struct {
	Kind     EventKind
	Data     uint8  // Byte received, for exchange and complete
	Position uint16 // Message length on start, output position on exchange
}

const (
	TraceRingSize = 32 // Keep last 32 events for post-mortem
)

var (
	// debugPrintln is the global debug print function (can be set by platform code)
	debugPrintln DebugWriter = func(s string) {} // No-op by default

	// debugEnabled controls whether debug output is active
	debugEnabled bool = false

	// Event trace ring buffer, written from the interrupt handler. Guarded
	// by lockTrace.
	traceRing     [TraceRingSize]TraceEvent
	traceRingHead uint8
	traceEnabled  atomic.Bool
)

// SetDebugWriter sets the platform-specific debug output function
// This allows platforms to redirect debug output to UART, USB, etc.
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug output is enabled
func IsDebugEnabled() bool {
	return debugEnabled
}

// DebugPrintln writes a debug message using the platform-specific writer.
// Never call it from the interrupt handler.
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// SetTraceEnabled turns event capture on or off. Capture is off by default.
func SetTraceEnabled(enabled bool) {
	traceEnabled.Store(enabled)
}

// RecordEvent captures an event in the ring buffer. It does not allocate
// and is safe to call from the interrupt handler and, on the host, from
// concurrent goroutines.
func RecordEvent(kind EventKind, data uint8, position uint16) {
	if !traceEnabled.Load() {
		return
	}
	state := lockTrace()
	defer unlockTrace(state)
	idx := traceRingHead
	traceRing[idx] = TraceEvent{
		Kind:     kind,
		Data:     data,
		Position: position,
	}
	traceRingHead = (idx + 1) % TraceRingSize
}

// Events returns the captured events, oldest first.
func Events() []TraceEvent {
	events := make([]TraceEvent, 0, TraceRingSize)
	state := lockTrace()
	defer unlockTrace(state)
	start := traceRingHead
	for i := uint8(0); i < TraceRingSize; i++ {
		evt := traceRing[(start+i)%TraceRingSize]
		if evt.Kind == 0 {
			continue // Empty slot
		}
		events = append(events, evt)
	}
	return events
}

// DumpEvents outputs the trace ring (call after the transaction, not from
// the handler)
func DumpEvents() {
	if debugPrintln == nil {
		return
	}

	debugPrintln("[TRACE] === SPI Event Dump ===")
	for _, evt := range Events() {
		debugPrintln("[TRACE] " + evt.Kind.String() +
			" data=0x" + HexByte(evt.Data) +
			" pos=" + Itoa(int(evt.Position)))
	}
	debugPrintln("[TRACE] === End Dump ===")
}

// ClearEvents clears the trace buffer
func ClearEvents() {
	state := lockTrace()
	defer unlockTrace(state)
	for i := range traceRing {
		traceRing[i] = TraceEvent{}
	}
	traceRingHead = 0
}
