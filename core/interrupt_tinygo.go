//go:build tinygo

package core

import "runtime/interrupt"

// disableInterrupts masks the SPI completion interrupt (and every other one)
// while a start call or reset rewrites transaction state.
func disableInterrupts() interrupt.State {
	return interrupt.Disable()
}

// restoreInterrupts restores the interrupt state
func restoreInterrupts(state interrupt.State) {
	interrupt.Restore(state)
}

// lockTrace keeps the interrupt handler out of the trace ring
func lockTrace() interrupt.State {
	return interrupt.Disable()
}

func unlockTrace(state interrupt.State) {
	interrupt.Restore(state)
}
