// Package timer defines the polymorphic hardware timer abstraction and
// the monotonic uptime counter bound to exactly one active
// timer. Implementations live in timer/pit (always available) and
// timer/hpet (preferred when the ACPI HPET table is present, its base is
// in system memory, and it is legacy-replacement capable).
package timer

import "novaos/kernel"

// Callback is a listener invoked on every timer tick. Callbacks registered
// via AddCallback fire in registration order, before the interrupt
// controller's Ack.
type Callback func()

// Timer is the hardware timer abstraction every implementation satisfies.
type Timer interface {
	// Name identifies the implementation ("pit" or "hpet") for logging.
	Name() string

	// SetFrequency reprograms the timer for the given tick frequency.
	SetFrequency(hz uint32) *kernel.Error

	// Start arms the timer and unmasks its IRQ.
	Start() *kernel.Error

	// Stop disables the timer and masks its IRQ.
	Stop() *kernel.Error

	// AddCallback appends a listener to the ordered callback chain.
	AddCallback(cb Callback)

	// Frequency returns the currently configured tick frequency.
	Frequency() uint32
}

// defaultFrequencyHz is the system tick rate every timer implementation is
// programmed for by default.
const defaultFrequencyHz = 1000

// DefaultFrequencyHz exposes the boot-time default tick rate.
func DefaultFrequencyHz() uint32 { return defaultFrequencyHz }

// uptimeMs is the monotonic millisecond counter bound to exactly one active
// timer's callback chain. The writer is the uptime callback,
// readers are everyone, and a plain load/store is acceptable without a
// lock since this kernel is single-CPU.
var uptimeMs uint64

// UptimeMs returns the number of milliseconds elapsed since the uptime
// callback was first bound to a running timer.
func UptimeMs() uint64 { return uptimeMs }

// BindUptime registers the uptime-counting callback on t, incrementing
// uptimeMs by one tick period every time t fires. It must only be called
// once for the single timer selected as the uptime source; calling it
// again on a second timer would double-count.
func BindUptime(t Timer) {
	hz := t.Frequency()
	if hz == 0 {
		hz = defaultFrequencyHz
	}
	stepMs := uint64(1000) / uint64(hz)
	if stepMs == 0 {
		stepMs = 1
	}
	t.AddCallback(func() {
		uptimeMs += stepMs
	})
}

// ResetUptimeForTest clears the uptime counter. Exposed only for tests that
// need a clean starting point.
func ResetUptimeForTest() { uptimeMs = 0 }
