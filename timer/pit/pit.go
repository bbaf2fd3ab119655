// Package pit implements the legacy 8253/8254 Programmable Interval Timer
// as a timer.Timer. It is always available and is the fallback the kernel
// selects when no usable HPET is present.
package pit

import (
	"novaos/intc"
	"novaos/kernel"
	"novaos/kernel/cpu"
	"novaos/kernel/gate"
	"novaos/timer"
)

const (
	channel0Data = 0x40
	commandPort  = 0x43

	// modeRateGenerator | accessLoHi | channel0: the mode-2 rate
	// generator.
	commandByte = 0x34

	// baseFrequencyHz is the PIT's fixed input clock.
	baseFrequencyHz = 1193182

	legacyIRQ = 0
)

// Timer drives PIT channel 0 through IRQ0.
type Timer struct {
	controller intc.Controller
	freqHz     uint32
	callbacks  []timer.Callback
	running    bool
}

var _ timer.Timer = (*Timer)(nil)

// New constructs a PIT timer routed through controller's legacy IRQ0 line.
func New(controller intc.Controller) *Timer {
	return &Timer{controller: controller, freqHz: timer.DefaultFrequencyHz()}
}

// Name identifies this timer as "pit".
func (t *Timer) Name() string { return "pit" }

// Frequency returns the currently configured tick rate.
func (t *Timer) Frequency() uint32 { return t.freqHz }

// SetFrequency reprograms the PIT divisor for the requested frequency.
func (t *Timer) SetFrequency(hz uint32) *kernel.Error {
	if hz == 0 {
		return &kernel.Error{Module: "pit", Message: "frequency must be non-zero", Kind: kernel.ErrInvalid}
	}
	t.freqHz = hz
	t.program()
	return nil
}

func (t *Timer) program() {
	divisor := baseFrequencyHz / t.freqHz
	if divisor == 0 {
		divisor = 1
	}
	cpu.Outb(commandPort, commandByte)
	cpu.Outb(channel0Data, uint8(divisor&0xFF))
	cpu.Outb(channel0Data, uint8((divisor>>8)&0xFF))
}

// Start registers the ISR, programs the divisor, and unmasks IRQ0.
func (t *Timer) Start() *kernel.Error {
	if err := t.controller.RegisterHandler(legacyIRQ, t.isr); err != nil {
		return err
	}
	t.program()
	if err := t.controller.Enable(legacyIRQ); err != nil {
		return err
	}
	t.running = true
	return nil
}

// Stop masks IRQ0.
func (t *Timer) Stop() *kernel.Error {
	if err := t.controller.Disable(legacyIRQ); err != nil {
		return err
	}
	t.running = false
	return nil
}

// AddCallback appends cb to the ordered tick callback chain.
func (t *Timer) AddCallback(cb timer.Callback) {
	t.callbacks = append(t.callbacks, cb)
}

// isr runs every registered callback in order, then acks the controller
// (callbacks strictly before ack).
func (t *Timer) isr(_ *gate.Registers) {
	for _, cb := range t.callbacks {
		cb()
	}
	t.controller.Ack(legacyIRQ)
}
