// Package intc defines the polymorphic interrupt controller abstraction
// that lets the rest of the kernel treat the legacy 8259 PIC pair and
// APIC (LAPIC + IO-APIC) uniformly. Each implementation lives in
// its own subpackage (intc/pic, intc/apic) and is selected once at boot.
//
// Modeled as a Go interface with a single dynamic dispatch point, matching
// this kernel's other polymorphic seams (device.Driver, vfs.NodeOps).
package intc

import (
	"novaos/kernel"
	"novaos/kernel/gate"
)

// Controller is the interrupt controller abstraction every implementation
// satisfies. All operations accept a legacy IRQ number (0..15); an
// implementation backed by GSIs (APIC) translates internally using its
// IrqRoute table.
type Controller interface {
	// Init sanitizes hardware state and leaves all lines masked.
	Init() *kernel.Error

	// RegisterHandler installs an ISR entry at the vector owned by irq. It
	// is idempotent and must be callable before Enable.
	RegisterHandler(irq uint32, handler func(*gate.Registers)) *kernel.Error

	// Enable unmasks irq; after this call the controller may deliver
	// interrupts for this line.
	Enable(irq uint32) *kernel.Error

	// Disable masks irq. It must not lose a pending edge on
	// level-triggered lines; software must re-check.
	Disable(irq uint32) *kernel.Error

	// Ack signals end-of-interrupt to the controller. Safe to call from
	// ISR context only.
	Ack(irq uint32)

	// IsEnabled reports the current mask state, best-effort and
	// informational only.
	IsEnabled(irq uint32) bool

	// Name identifies the controller implementation ("pic" or "apic") for
	// logging.
	Name() string
}

// IrqRoute describes how a legacy IRQ (0..15) maps onto a Global System
// Interrupt, as derived from MADT Interrupt Source Overrides. The default
// for any IRQ not named by an override is the identity mapping
// (gsi == irq, edge-triggered, active-high).
type IrqRoute struct {
	GSI            uint32
	ActiveLow      bool
	LevelTriggered bool
}

// DefaultRoutes returns the 16 identity routes (gsi=irq, edge/high) that
// seed an IrqRoute table before MADT Interrupt Source Overrides are
// applied.
func DefaultRoutes() [16]IrqRoute {
	var routes [16]IrqRoute
	for i := range routes {
		routes[i] = IrqRoute{GSI: uint32(i)}
	}
	return routes
}

// DecodeISOFlags converts the MADT Interrupt Source Override polarity and
// trigger-mode bits into the IrqRoute flags: polarity==3 -> active-low,
// trigger==3 -> level-triggered. flags is the
// raw 16-bit MPS INTI flags field ([1:0]=polarity, [3:2]=trigger).
func DecodeISOFlags(flags uint16) (activeLow, level bool) {
	polarity := flags & 0x3
	trigger := (flags >> 2) & 0x3
	return polarity == 3, trigger == 3
}

// Vector returns the IDT vector owned by legacy IRQ irq (32+irq).
func Vector(irq uint32) uint8 {
	return uint8(32 + irq)
}
