// Package apic implements the LAPIC + IO-APIC interrupt controller as an
// intc.Controller, driven by MADT data including Interrupt Source
// Overrides: the LAPIC is sanitized before it is enabled, legacy IRQ
// routes come from Interrupt Source Overrides with the lowest-numbered IRQ
// winning a shared GSI, and polarity/trigger bits are decoded from the ISO
// flags.
package apic

import (
	"novaos/intc"
	"novaos/kernel"
	"novaos/kernel/cpu"
	"novaos/kernel/gate"
	"novaos/kernel/kfmt"
	"novaos/platform/acpi/table"
	"novaos/platform/paging"
	"unsafe"
)

// LAPIC register offsets (from the LAPIC base).
const (
	lapicID    = 0x020
	lapicTPR   = 0x080
	lapicEOI   = 0x0B0
	lapicSVR   = 0x0F0
	lapicLVT0  = 0x350 // LINT0
	lapicLVT1  = 0x360 // LINT1
	lapicLVTT  = 0x320 // Timer
	lapicLVTE  = 0x370 // Error

	lvtMasked    = 1 << 16
	svrEnableBit = 1 << 8
)

// IO-APIC register-select/window offsets and indirect register numbers.
const (
	ioRegSel = 0x00
	ioWin    = 0x10

	ioapicIDReg  = 0x00
	ioapicVerReg = 0x01
	ioapicRedTbl = 0x10

	redirMasked     = 1 << 16
	redirActiveLow  = 1 << 13
	redirLevel      = 1 << 15
)

// madtEntryIOAPIC mirrors the on-wire MADT IO-APIC entry (type 1).
type madtEntryIOAPIC struct {
	Type, Length uint8
	ApicID       uint8
	reserved     uint8
	Address      uint32
	GSIBase      uint32
}

// madtEntryISO mirrors the on-wire MADT Interrupt Source Override entry
// (type 2).
type madtEntryISO struct {
	Type, Length uint8
	Bus          uint8
	SourceIRQ    uint8
	GSI          uint32
	Flags        uint16
}

// madtEntryLAPICOverride mirrors the MADT Local APIC Address Override entry
// (type 5).
type madtEntryLAPICOverride struct {
	Type, Length uint8
	reserved     uint16
	Address      uint64
}

// Controller drives one LAPIC and one IO-APIC. Multiple IO-APICs are not
// supported in this revision.
type Controller struct {
	lapicBase uintptr
	lapicID   uint8

	ioapicBase uintptr
	gsiBase    uint32
	maxRedirs  uint32

	routes [16]intc.IrqRoute
	// gsiOwner records which legacy IRQ currently owns a GSI, so that when
	// two IRQs alias to the same GSI the lowest-numbered one wins and the
	// other is skipped.
	gsiOwner map[uint32]uint32

	masked [16]bool
}

var _ intc.Controller = (*Controller)(nil)

var (
	identityMapFn = paging.IdentityMapRegion
	setMemTypeFn  = paging.SetMemoryType
)

// errNoIOAPIC is returned by New when the MADT contains no IO-APIC entry.
var errNoIOAPIC = &kernel.Error{Module: "apic", Message: "MADT contains no IO-APIC", Kind: kernel.ErrNotFound}

// errUnmappedIOAPIC is returned when the IO-APIC's MMIO window reads back
// zero max-redirection-entries, indicating the MMIO region is not actually
// mapped. This is fatal for the APIC implementation; callers fall back to
// PIC.
var errUnmappedIOAPIC = &kernel.Error{Module: "apic", Message: "IO-APIC MMIO unmapped (max_redirs == 0)", Kind: kernel.ErrIO}

// New parses the MADT looking for the LAPIC base, the first IO-APIC entry,
// and any Interrupt Source Overrides, and constructs a Controller. It does
// not touch hardware; call Init for that.
func New(madt *table.MADT) (*Controller, *kernel.Error) {
	if madt == nil {
		return nil, &kernel.Error{Module: "apic", Message: "no MADT available", Kind: kernel.ErrNotFound}
	}

	c := &Controller{
		lapicBase: uintptr(madt.LocalControllerAddress),
		routes:    intc.DefaultRoutes(),
		gsiOwner:  make(map[uint32]uint32),
	}

	base := uintptr(unsafe.Pointer(madt)) + unsafe.Sizeof(table.MADT{})
	end := uintptr(unsafe.Pointer(madt)) + uintptr(madt.Length)

	for p := base; p+2 <= end; {
		entry := (*table.MADTEntry)(unsafe.Pointer(p))
		if entry.Length == 0 {
			break
		}

		switch table.MADTEntryType(entry.Type) {
		case table.MADTEntryTypeIOAPIC:
			if entry.Length >= 8 && c.ioapicBase == 0 {
				e := (*madtEntryIOAPIC)(unsafe.Pointer(p))
				c.ioapicBase = uintptr(e.Address)
				c.gsiBase = e.GSIBase
			}
		case table.MADTEntryTypeIntSrcOverride:
			if entry.Length >= 8 {
				e := (*madtEntryISO)(unsafe.Pointer(p))
				if e.SourceIRQ < 16 {
					activeLow, level := intc.DecodeISOFlags(e.Flags)
					c.routes[e.SourceIRQ] = intc.IrqRoute{GSI: e.GSI, ActiveLow: activeLow, LevelTriggered: level}
				}
			}
		case 5: // Local APIC Address Override
			if entry.Length >= 12 {
				e := (*madtEntryLAPICOverride)(unsafe.Pointer(p))
				c.lapicBase = uintptr(e.Address)
			}
		}

		p += uintptr(entry.Length)
	}

	if c.ioapicBase == 0 {
		return nil, errNoIOAPIC
	}

	return c, nil
}

// Init masks the PIC first,
// sanitize the LAPIC, map and read the IO-APIC's max-redirs (fatal if
// zero), program legacy IRQ redirections (initially masked), then enable
// the LAPIC via the SVR enable bit.
func (c *Controller) Init() *kernel.Error {
	maskLegacyPIC()

	if err := identityMapFn(c.lapicBase, 0x400); err != nil {
		return err
	}
	_ = setMemTypeFn(c.lapicBase, 0x400, paging.MemoryTypeUncacheable)

	c.lapicWrite(lapicTPR, 0xFF)
	c.lapicWrite(lapicLVT0, c.lapicRead(lapicLVT0)|lvtMasked)
	c.lapicWrite(lapicLVT1, c.lapicRead(lapicLVT1)|lvtMasked)
	c.lapicWrite(lapicLVTT, c.lapicRead(lapicLVTT)|lvtMasked)
	c.lapicWrite(lapicLVTE, c.lapicRead(lapicLVTE)|lvtMasked)

	svr := c.lapicRead(lapicSVR)
	svr = (svr &^ 0xFF) | 0xFF
	svr &^= svrEnableBit
	c.lapicWrite(lapicSVR, svr)

	if err := identityMapFn(c.ioapicBase, 0x20); err != nil {
		return err
	}
	_ = setMemTypeFn(c.ioapicBase, 0x20, paging.MemoryTypeUncacheable)

	// The LAPIC id read here may return zero if firmware left x2APIC
	// state active; it is re-read after the SVR enable below, the only
	// enable path in this revision.
	c.maxRedirs = (c.ioapicRead(ioapicVerReg) >> 16) & 0xFF
	if c.maxRedirs == 0 {
		return errUnmappedIOAPIC
	}

	for irq := uint32(0); irq < 16; irq++ {
		route := c.routes[irq]
		if owner, ok := c.gsiOwner[route.GSI]; ok && owner != irq {
			continue
		}
		c.gsiOwner[route.GSI] = irq
		c.masked[irq] = true
		c.lapicID = uint8(c.lapicRead(lapicID) >> 24)
		c.programRedirection(route, intc.Vector(irq), true)
	}

	// Enable the LAPIC last, with the spurious vector fixed at 0xFF.
	svr = c.lapicRead(lapicSVR)
	svr = (svr &^ 0xFF) | 0xFF
	svr |= svrEnableBit
	c.lapicWrite(lapicSVR, svr)
	c.lapicID = uint8(c.lapicRead(lapicID) >> 24)

	return nil
}

func maskLegacyPIC() {
	// Mirrors pic.Controller.Init's masking without importing intc/pic,
	// to avoid the APIC package depending on the controller it's
	// replacing; both write the same two I/O ports.
	cpu.Outb(0x21, 0xFF)
	cpu.Outb(0xA1, 0xFF)
}

// RegisterHandler installs handler at the vector owned by irq. Must be
// called while the line is masked.
func (c *Controller) RegisterHandler(irq uint32, handler func(*gate.Registers)) *kernel.Error {
	if irq > 15 {
		return &kernel.Error{Module: "apic", Message: "irq out of range", Kind: kernel.ErrInvalid}
	}
	gate.HandleInterrupt(gate.InterruptNumber(intc.Vector(irq)), 0, handler)
	return nil
}

// Enable unmasks the IO-APIC redirection entry for irq.
func (c *Controller) Enable(irq uint32) *kernel.Error {
	if irq > 15 {
		return &kernel.Error{Module: "apic", Message: "irq out of range", Kind: kernel.ErrInvalid}
	}
	c.masked[irq] = false
	c.programRedirection(c.routes[irq], intc.Vector(irq), false)
	return nil
}

// Disable masks the IO-APIC redirection entry for irq.
func (c *Controller) Disable(irq uint32) *kernel.Error {
	if irq > 15 {
		return &kernel.Error{Module: "apic", Message: "irq out of range", Kind: kernel.ErrInvalid}
	}
	c.masked[irq] = true
	c.programRedirection(c.routes[irq], intc.Vector(irq), true)
	return nil
}

// Ack issues a LAPIC EOI. IO-APIC redirections need no per-line EOI.
func (c *Controller) Ack(irq uint32) {
	c.lapicWrite(lapicEOI, 0)
}

// IsEnabled reports whether irq's redirection entry is currently unmasked.
func (c *Controller) IsEnabled(irq uint32) bool {
	if irq > 15 {
		return false
	}
	return !c.masked[irq]
}

// Name identifies this controller as "apic".
func (c *Controller) Name() string { return "apic" }

// programRedirection writes the low/high dwords of the IO-APIC redirection
// entry for route, targeting vector on the bootstrap LAPIC. The low dword
// (which carries the mask bit) is written last so unmask is an explicit,
// observable act.
func (c *Controller) programRedirection(route intc.IrqRoute, vector uint8, masked bool) {
	index := ioapicRedTbl + 2*route.GSI

	high := uint32(c.lapicID) << 24
	c.ioapicWrite(index+1, high)

	low := uint32(vector)
	if route.ActiveLow {
		low |= redirActiveLow
	}
	if route.LevelTriggered {
		low |= redirLevel
	}
	if masked {
		low |= redirMasked
	}
	c.ioapicWrite(index, low)
}

func (c *Controller) lapicRead(reg uintptr) uint32 {
	return mmioRead32(c.lapicBase + reg)
}

func (c *Controller) lapicWrite(reg uintptr, value uint32) {
	mmioWrite32(c.lapicBase+reg, value)
}

func (c *Controller) ioapicWrite(reg uint32, value uint32) {
	mmioWrite32(c.ioapicBase+ioRegSel, reg)
	mmioWrite32(c.ioapicBase+ioWin, value)
}

func (c *Controller) ioapicRead(reg uint32) uint32 {
	mmioWrite32(c.ioapicBase+ioRegSel, reg)
	return mmioRead32(c.ioapicBase + ioWin)
}

// Debug logs the current LAPIC id and IO-APIC max-redirs, for boot-time
// diagnostics.
func (c *Controller) Debug(w interface{ Write([]byte) (int, error) }) {
	kfmt.Fprintf(w, "[apic] lapic id=%d ioapic base=0x%x max_redirs=%d\n", c.lapicID, c.ioapicBase, c.maxRedirs)
}

// mmioRead32/mmioWrite32 wrap 32-bit MMIO access with an explicit memory
// barrier so neither the compiler nor the CPU may reorder a register
// access across one. Both the LAPIC
// and IO-APIC windows are identity-mapped and marked uncacheable by Init
// before any of these are called.
func mmioRead32(addr uintptr) uint32 {
	cpu.MemoryBarrier()
	v := *(*uint32)(unsafe.Pointer(addr))
	cpu.MemoryBarrier()
	return v
}

func mmioWrite32(addr uintptr, value uint32) {
	cpu.MemoryBarrier()
	*(*uint32)(unsafe.Pointer(addr)) = value
	cpu.MemoryBarrier()
}
