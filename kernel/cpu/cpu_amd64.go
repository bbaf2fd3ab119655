package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// Inb reads a single byte from the given I/O port.
func Inb(port uint16) uint8

// Outb writes a single byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inw reads a 16-bit word from the given I/O port.
func Inw(port uint16) uint16

// Outw writes a 16-bit word to the given I/O port.
func Outw(port uint16, value uint16)

// Inl reads a 32-bit dword from the given I/O port.
func Inl(port uint16) uint32

// Outl writes a 32-bit dword to the given I/O port.
func Outl(port uint16, value uint32)

// IOWait performs a short, fixed delay by writing to an unused I/O port
// (0x80). PCI and legacy ATA/PIT programming sequences use this between
// consecutive accesses to give the hardware time to latch a value.
func IOWait()

// MemoryBarrier prevents the compiler (and, on this architecture, the CPU)
// from reordering loads/stores across it. MMIO register accesses in the
// AHCI and APIC drivers are wrapped with this so that a write that must be
// visible before a subsequent read (e.g. a PxIS clear before PxCI is set)
// cannot be reordered.
func MemoryBarrier()

// InterruptsEnabled reports whether the interrupt flag (EFLAGS.IF) is
// currently set. Used by the scheduler's nested lock/unlock pair to save
// and restore the interrupt-enable state around critical sections.
func InterruptsEnabled() bool

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
