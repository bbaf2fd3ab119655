// Package pic implements the legacy 8259 PIC pair as an intc.Controller.
// It is always available and is the fallback the kernel selects when APIC
// initialization fails or no MADT is present.
package pic

import (
	"novaos/intc"
	"novaos/kernel"
	"novaos/kernel/cpu"
	"novaos/kernel/gate"
)

const (
	masterCommand = 0x20
	masterData    = 0x21
	slaveCommand  = 0xA0
	slaveData     = 0xA1

	icw1Init    = 0x10
	icw1ICW4    = 0x01
	icw4_8086   = 0x01
	eoiCmd      = 0x20
	readISR     = 0x0B
)

// Controller drives the master/slave 8259 pair, remapped so legacy IRQs
// 0..15 land on IDT vectors 32..47.
type Controller struct {
	masterMask uint8
	slaveMask  uint8
}

var _ intc.Controller = (*Controller)(nil)

// New constructs a PIC controller. It does not touch hardware until Init is
// called.
func New() *Controller {
	return &Controller{masterMask: 0xFF, slaveMask: 0xFF}
}

// Init remaps the PIC pair to vectors 32-47 and masks every line.
func (c *Controller) Init() *kernel.Error {
	// Start the init sequence (ICW1), set the vector offsets (ICW2), wire
	// the master/slave cascade (ICW3) and select 8086 mode (ICW4); the
	// previous masks are not saved.
	cpu.Outb(masterCommand, icw1Init|icw1ICW4)
	cpu.IOWait()
	cpu.Outb(slaveCommand, icw1Init|icw1ICW4)
	cpu.IOWait()

	cpu.Outb(masterData, 32) // master offset: vectors 32-39
	cpu.IOWait()
	cpu.Outb(slaveData, 40) // slave offset: vectors 40-47
	cpu.IOWait()

	cpu.Outb(masterData, 4) // tell master there's a slave on IRQ2
	cpu.IOWait()
	cpu.Outb(slaveData, 2) // tell slave its cascade identity
	cpu.IOWait()

	cpu.Outb(masterData, icw4_8086)
	cpu.IOWait()
	cpu.Outb(slaveData, icw4_8086)
	cpu.IOWait()

	c.masterMask = 0xFF
	c.slaveMask = 0xFF
	cpu.Outb(masterData, c.masterMask)
	cpu.Outb(slaveData, c.slaveMask)

	return nil
}

// RegisterHandler installs handler at the vector owned by irq.
func (c *Controller) RegisterHandler(irq uint32, handler func(*gate.Registers)) *kernel.Error {
	if irq > 15 {
		return &kernel.Error{Module: "pic", Message: "irq out of range", Kind: kernel.ErrInvalid}
	}
	gate.HandleInterrupt(gate.InterruptNumber(intc.Vector(irq)), 0, handler)
	return nil
}

// Enable unmasks irq.
func (c *Controller) Enable(irq uint32) *kernel.Error {
	if irq > 15 {
		return &kernel.Error{Module: "pic", Message: "irq out of range", Kind: kernel.ErrInvalid}
	}
	if irq < 8 {
		c.masterMask &^= 1 << irq
		cpu.Outb(masterData, c.masterMask)
	} else {
		c.slaveMask &^= 1 << (irq - 8)
		cpu.Outb(slaveData, c.slaveMask)
		// The cascade line (IRQ2) must stay unmasked for slave IRQs to
		// reach the CPU at all.
		c.masterMask &^= 1 << 2
		cpu.Outb(masterData, c.masterMask)
	}
	return nil
}

// Disable masks irq.
func (c *Controller) Disable(irq uint32) *kernel.Error {
	if irq > 15 {
		return &kernel.Error{Module: "pic", Message: "irq out of range", Kind: kernel.ErrInvalid}
	}
	if irq < 8 {
		c.masterMask |= 1 << irq
		cpu.Outb(masterData, c.masterMask)
	} else {
		c.slaveMask |= 1 << (irq - 8)
		cpu.Outb(slaveData, c.slaveMask)
	}
	return nil
}

// Ack sends the end-of-interrupt command-port sequence: always to the
// master, and additionally to the slave if irq is a slave line.
func (c *Controller) Ack(irq uint32) {
	if irq >= 8 {
		cpu.Outb(slaveCommand, eoiCmd)
	}
	cpu.Outb(masterCommand, eoiCmd)
}

// IsEnabled reports whether irq is currently unmasked.
func (c *Controller) IsEnabled(irq uint32) bool {
	if irq > 15 {
		return false
	}
	if irq < 8 {
		return c.masterMask&(1<<irq) == 0
	}
	return c.slaveMask&(1<<(irq-8)) == 0
}

// Name identifies this controller as "pic".
func (c *Controller) Name() string { return "pic" }

// InService reads the in-service register of the pair, mostly useful for
// diagnosing spurious IRQ7/IRQ15.
func (c *Controller) InService() uint16 {
	cpu.Outb(masterCommand, readISR)
	cpu.Outb(slaveCommand, readISR)
	lo := cpu.Inb(masterCommand)
	hi := cpu.Inb(slaveCommand)
	return uint16(hi)<<8 | uint16(lo)
}
