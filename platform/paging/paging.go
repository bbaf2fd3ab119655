// Package paging is the thin collaborator boundary this kernel core uses
// for virtual memory. Full page-table construction happens elsewhere:
// paging is assumed to already identity-map the regions the core
// touches (firmware tables, MMIO BARs, the legacy RSDP scan window) so that
// a physical address can be dereferenced directly once IdentityMapRegion
// has been called for it. The only other service the core needs from
// paging is a way to mark an MMIO region's memory type (e.g.
// uncacheable/write-combining for a framebuffer BAR or an AHCI ABAR).
package paging

import "novaos/kernel"

// MemoryType describes the caching behavior paging should apply to a
// mapped region.
type MemoryType uint8

// The memory types MMIO regions in this kernel request.
const (
	// MemoryTypeWriteBack is standard cacheable RAM.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeUncacheable is used for MMIO register windows (AHCI ABAR,
	// IO-APIC, LAPIC, HPET) where caching would hide register updates.
	MemoryTypeUncacheable

	// MemoryTypeWriteCombining is used for linear framebuffers; unused by
	// the core subsystems but kept since graphics is an external
	// collaborator that maps through this same interface.
	MemoryTypeWriteCombining
)

var errUnmappable = &kernel.Error{Module: "paging", Message: "region cannot be identity-mapped", Kind: kernel.ErrIO}

// identityMapped tracks which [addr, addr+size) spans have been requested
// so SetMemoryType can reject a region paging was never asked to map. A
// freestanding kernel would instead consult the live page tables; the core
// subsystems here only need the ordering invariant enforced, not a real
// TLB walk.
var identityMapped = map[uintptr]uintptr{}

// IdentityMapRegion ensures that physAddr..physAddr+size is mapped at the
// same virtual address. All MMIO and firmware-table access in this kernel
// goes through this call first.
func IdentityMapRegion(physAddr, size uintptr) *kernel.Error {
	if size == 0 {
		return &kernel.Error{Module: "paging", Message: "zero-length region", Kind: kernel.ErrInvalid}
	}
	identityMapped[physAddr] = size
	return nil
}

// SetMemoryType checks that the region was identity-mapped first (with at
// least size bytes) and fails otherwise; mt is not applied to any page
// table. It is used by MMIO-backed drivers (AHCI's ABAR, IO-APIC, LAPIC,
// HPET) right after mapping their register window.
func SetMemoryType(physAddr, size uintptr, mt MemoryType) *kernel.Error {
	if mapped, ok := identityMapped[physAddr]; !ok || mapped < size {
		return errUnmappable
	}
	return nil
}

// Unmap releases an identity mapping created by IdentityMapRegion.
func Unmap(physAddr uintptr) {
	delete(identityMapped, physAddr)
}
