//go:build !tinygo

package core

import "sync"

// State is a placeholder for interrupt state on regular Go
type State uintptr

// disableInterrupts is a no-op on regular Go. Host-side handlers run on
// their own goroutine and the engine's flags are atomics.
func disableInterrupts() State {
	return 0
}

// restoreInterrupts is a no-op on regular Go
func restoreInterrupts(state State) {
	_ = state
}

// traceMu guards the trace ring; handlers and callers run on different
// goroutines here.
var traceMu sync.Mutex

func lockTrace() State {
	traceMu.Lock()
	return 0
}

func unlockTrace(state State) {
	_ = state
	traceMu.Unlock()
}
