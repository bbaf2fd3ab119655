// Package acpi implements platform discovery: it locates the ACPI RSDP,
// walks RSDT/XSDT to build a table-by-signature map, resolves
// FADT/MADT/HPET/SPCR, and reconciles the firmware memory map (BIOS-style
// multiboot entries, or else the EFI descriptor list) into the unified form
// platform/acpi/table describes. There is no further fallback: no firmware
// GetMemoryMap call is made when both lists are absent.
package acpi

import (
	"io"
	"novaos/device"
	"novaos/kernel"
	"novaos/kernel/kfmt"
	"novaos/platform/acpi/table"
	"novaos/platform/multiboot"
	"novaos/platform/paging"
	"sort"
	"unsafe"
)

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2

	// maxMemoryMapEntries bounds the unified memory map.
	maxMemoryMapEntries = 256
)

var (
	errMissingRSDP           = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP", Kind: kernel.ErrNotFound}
	errTableChecksumMismatch = &kernel.Error{Module: "acpi", Message: "detected checksum mismatch while parsing ACPI table header", Kind: kernel.ErrInvalid}
	errNoMemoryMap           = &kernel.Error{Module: "acpi", Message: "no memory map available from any source", Kind: kernel.ErrNotFound}

	identityMapFn = func(addr, size uintptr) *kernel.Error { return paging.IdentityMapRegion(addr, size) }

	// RDSP must be located in the physical memory region 0xe0000 to
	// 0xfffff when the bootloader did not hand us a parsed pointer.
	rsdpLocationLow uintptr = 0xe0000
	rsdpLocationHi  uintptr = 0xfffff
	rsdpAlignment   uintptr = 16

	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

	fadtSignature = "FACP"
	madtSignature = "APIC"
	hpetSignature = "HPET"
	spcrSignature = "SPCR"
)

// FirmwareKind identifies how the kernel was booted.
type FirmwareKind uint8

// The two firmware kinds this kernel distinguishes.
const (
	FirmwareBIOS FirmwareKind = iota
	FirmwareUEFI
)

// FirmwareTables owns pointers into firmware memory discovered at boot. It
// is constructed once during boot and never mutated thereafter; the memory
// it points at is firmware-owned and must not be reclaimed before an
// explicit firmware-reclaim phase (out of scope for this core).
type FirmwareTables struct {
	Kind FirmwareKind

	RSDTAddr uintptr
	UseXSDT  bool

	Tables map[string]*table.SDTHeader

	FADT *table.FADT
	MADT *table.MADT
	HPET *table.HPET
	SPCR *table.SPCR

	MemoryMap []table.MemoryMapEntry
}

// LookupTable implements table.Resolver.
func (f *FirmwareTables) LookupTable(name string) *table.SDTHeader {
	return f.Tables[name]
}

// Discover runs platform discovery end to end: it locates the RSDP (via the
// multiboot tag if the bootloader supplied one, otherwise by scanning low
// memory), walks the table list, resolves the fixed tables, and builds the
// unified memory map. A missing memory map is fatal; every
// other condition is logged and degrades gracefully.
func Discover(w io.Writer) (*FirmwareTables, *kernel.Error) {
	ft := &FirmwareTables{Tables: make(map[string]*table.SDTHeader)}

	if _, is64, ok := multiboot.EFISystemTable(); ok {
		ft.Kind = FirmwareUEFI
		_ = is64
	}

	rsdtAddr, useXSDT, err := locateRSDT()
	if err != nil {
		kfmt.Fprintf(w, "[acpi] %s\n", err.Message)
		return ft, buildMemoryMap(ft)
	}
	ft.RSDTAddr = rsdtAddr
	ft.UseXSDT = useXSDT

	if err := ft.enumerateTables(w); err != nil {
		kfmt.Fprintf(w, "[acpi] %s\n", err.Message)
	}

	if hdr, ok := ft.Tables[fadtSignature]; ok {
		ft.FADT = (*table.FADT)(unsafe.Pointer(hdr))
	}
	if hdr, ok := ft.Tables[madtSignature]; ok {
		ft.MADT = (*table.MADT)(unsafe.Pointer(hdr))
	}
	if hdr, ok := ft.Tables[hpetSignature]; ok {
		ft.HPET = (*table.HPET)(unsafe.Pointer(hdr))
	}
	if hdr, ok := ft.Tables[spcrSignature]; ok {
		ft.SPCR = (*table.SPCR)(unsafe.Pointer(hdr))
	}

	return ft, buildMemoryMap(ft)
}

// enumerateTables walks the RSDT/XSDT pointer list, mapping and
// checksum-validating each table it finds, and resolves the DSDT through
// the FADT.
func (f *FirmwareTables) enumerateTables(w io.Writer) *kernel.Error {
	header, sizeofHeader, err := mapACPITable(f.RSDTAddr)
	if err != nil {
		return err
	}

	var (
		acpiRev      = header.Revision
		payloadLen   = header.Length - uint32(sizeofHeader)
		sdtAddresses []uintptr
	)

	switch f.UseXSDT {
	case true:
		sdtAddresses = make([]uintptr, payloadLen>>3)
		for curPtr, i := f.RSDTAddr+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+8, i+1 {
			sdtAddresses[i] = uintptr(*(*uint64)(unsafe.Pointer(curPtr)))
		}
	default:
		sdtAddresses = make([]uintptr, payloadLen>>2)
		for curPtr, i := f.RSDTAddr+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+4, i+1 {
			sdtAddresses[i] = uintptr(*(*uint32)(unsafe.Pointer(curPtr)))
		}
	}

	for _, addr := range sdtAddresses {
		hdr, _, tErr := mapACPITable(addr)
		if tErr != nil {
			if tErr == errTableChecksumMismatch && hdr != nil {
				kfmt.Fprintf(w, "[acpi] %s at 0x%16x %6x [checksum mismatch; skipping]\n",
					string(hdr.Signature[:]), uintptr(unsafe.Pointer(hdr)), hdr.Length)
				continue
			}
			continue
		}

		sig := string(hdr.Signature[:])
		f.Tables[sig] = hdr

		if sig == fadtSignature {
			fadt := (*table.FADT)(unsafe.Pointer(hdr))
			dsdtAddr := uintptr(fadt.Dsdt)
			if acpiRev >= acpiRev2Plus && fadt.Ext.Dsdt != 0 {
				dsdtAddr = uintptr(fadt.Ext.Dsdt)
			}
			if dsdtHdr, _, dErr := mapACPITable(dsdtAddr); dErr == nil {
				f.Tables[string(dsdtHdr.Signature[:])] = dsdtHdr
			}
		}
	}

	return nil
}

// mapACPITable identity-maps and validates the checksum of the ACPI table
// starting at tableAddr.
func mapACPITable(tableAddr uintptr) (header *table.SDTHeader, sizeofHeader uintptr, err *kernel.Error) {
	sizeofHeader = unsafe.Sizeof(table.SDTHeader{})
	if err = identityMapFn(tableAddr, sizeofHeader); err != nil {
		return nil, sizeofHeader, err
	}

	header = (*table.SDTHeader)(unsafe.Pointer(tableAddr))
	if header.Length < uint32(sizeofHeader) {
		return header, sizeofHeader, &kernel.Error{Module: "acpi", Message: "table shorter than its own header", Kind: kernel.ErrInvalid}
	}

	if err = identityMapFn(tableAddr, uintptr(header.Length)); err != nil {
		return header, sizeofHeader, err
	}

	if !validTable(tableAddr, header.Length) {
		return header, sizeofHeader, errTableChecksumMismatch
	}

	return header, sizeofHeader, nil
}

// locateRSDT prefers the multiboot-supplied RSDP pointer (new over old);
// if the bootloader did not hand one over, it scans the legacy
// [0xe0000,0xfffff] window for the "RSD PTR " signature on a 16-byte
// boundary.
func locateRSDT() (uintptr, bool, *kernel.Error) {
	if addr, ok := multiboot.RSDP(); ok {
		if rsdtAddr, useXSDT, ok := parseRSDPAt(addr); ok {
			return rsdtAddr, useXSDT, nil
		}
	}

	if err := identityMapFn(rsdpLocationLow, rsdpLocationHi-rsdpLocationLow); err != nil {
		return 0, false, err
	}

	for curPtr := rsdpLocationLow; curPtr < rsdpLocationHi; curPtr += rsdpAlignment {
		if rsdtAddr, useXSDT, ok := parseRSDPAt(curPtr); ok {
			return rsdtAddr, useXSDT, nil
		}
	}

	return 0, false, errMissingRSDP
}

// parseRSDPAt checks for a valid RSDP signature/checksum at ptr and
// returns the RSDT or XSDT address to use.
func parseRSDPAt(ptr uintptr) (uintptr, bool, bool) {
	rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(ptr))
	for i, b := range rsdpSignature {
		if rsdp.Signature[i] != b {
			return 0, false, false
		}
	}

	if rsdp.Revision == acpiRev1 {
		if !validTable(ptr, uint32(unsafe.Sizeof(*rsdp))) {
			return 0, false, false
		}
		return uintptr(rsdp.RSDTAddr), false, true
	}

	rsdp2 := (*table.ExtRSDPDescriptor)(unsafe.Pointer(ptr))
	if !validTable(ptr, uint32(unsafe.Sizeof(*rsdp2))) {
		// Fall back to the v1 fields if the v2 checksum is bad but the v1
		// one is fine; v2 is only trusted when its own checksum holds,
		// otherwise the RSDT is used.
		if validTable(ptr, uint32(unsafe.Sizeof(*rsdp))) {
			return uintptr(rsdp.RSDTAddr), false, true
		}
		return 0, false, false
	}

	return uintptr(rsdp2.XSDTAddr), true, true
}

// validTable calculates the byte-sum checksum for a table of length
// tableLength starting at tablePtr.
func validTable(tablePtr uintptr, tableLength uint32) bool {
	var (
		i   uint32
		sum uint8
	)
	for i = 0; i < tableLength; i++ {
		sum += *(*uint8)(unsafe.Pointer(tablePtr + uintptr(i)))
	}
	return sum == 0
}

// buildMemoryMap reconciles the unified physical memory map: prefer an
// explicit BIOS-style entry list, then an EFI descriptor list
// (mapped per the documented table), and treat a completely empty result as
// fatal. The result is capped at maxMemoryMapEntries, sorted by address,
// with zero-length entries skipped and overlaps resolved by taking the more
// restrictive kind.
func buildMemoryMap(f *FirmwareTables) *kernel.Error {
	var entries []table.MemoryMapEntry

	multiboot.VisitMemRegions(func(e *multiboot.MemoryMapEntry) bool {
		if e.Length == 0 {
			return true
		}
		entries = append(entries, table.MemoryMapEntry{
			PhysAddr: e.PhysAddress,
			Length:   e.Length,
			Kind:     mapBIOSKind(e.Type),
		})
		return len(entries) < maxMemoryMapEntries
	})

	if len(entries) == 0 {
		if efiEntries := multiboot.EFIMemoryMap(); len(efiEntries) > 0 {
			f.Kind = FirmwareUEFI
			for _, e := range efiEntries {
				if e.NumberOfPages == 0 {
					continue
				}
				entries = append(entries, table.MemoryMapEntry{
					PhysAddr: e.PhysicalStart,
					Length:   e.NumberOfPages * 4096,
					Kind:     mapEFIKind(e.Type),
				})
				if len(entries) >= maxMemoryMapEntries {
					break
				}
			}
		}
	}

	if len(entries) == 0 {
		return errNoMemoryMap
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].PhysAddr < entries[j].PhysAddr })
	f.MemoryMap = mergeOverlaps(entries)
	return nil
}

// mapBIOSKind converts a multiboot BIOS-style entry type into the unified
// MemoryKind.
func mapBIOSKind(t multiboot.MemoryEntryType) table.MemoryKind {
	switch t {
	case multiboot.MemAvailable:
		return table.MemoryAvailable
	case multiboot.MemAcpiReclaimable:
		return table.MemoryAcpiReclaim
	case multiboot.MemNvs:
		return table.MemoryAcpiNvs
	default:
		return table.MemoryReserved
	}
}

// mapEFIKind converts an EFI memory descriptor type into the unified
// MemoryKind: Conventional ->
// Available; LoaderCode/Data and BootServicesCode/Data -> Available (they
// become free once exit-boot-services runs, which this kernel performs
// before discovery completes); AcpiReclaim -> AcpiReclaim; AcpiNvs ->
// AcpiNvs; Unusable -> BadRam; everything else -> Reserved.
func mapEFIKind(t multiboot.EFIMemDescType) table.MemoryKind {
	switch t {
	case multiboot.EFIConventionalMemory,
		multiboot.EFILoaderCode, multiboot.EFILoaderData,
		multiboot.EFIBootServicesCode, multiboot.EFIBootServicesData:
		return table.MemoryAvailable
	case multiboot.EFIACPIReclaimMemory:
		return table.MemoryAcpiReclaim
	case multiboot.EFIACPIMemoryNVS:
		return table.MemoryAcpiNvs
	case multiboot.EFIUnusableMemory:
		return table.MemoryBadRAM
	default:
		return table.MemoryReserved
	}
}

// mergeOverlaps collapses overlapping regions in a sorted entry list into a
// single entry covering their union, which takes the more restrictive kind
// (higher MemoryKind value) over its whole length; the non-overlapping part
// of either region does not keep its own kind.
func mergeOverlaps(sorted []table.MemoryMapEntry) []table.MemoryMapEntry {
	out := make([]table.MemoryMapEntry, 0, len(sorted))
	for _, e := range sorted {
		if len(out) == 0 {
			out = append(out, e)
			continue
		}
		last := &out[len(out)-1]
		lastEnd := last.PhysAddr + last.Length
		if e.PhysAddr >= lastEnd {
			out = append(out, e)
			continue
		}
		// Overlap: keep the more restrictive kind, extend the span.
		if e.Kind > last.Kind {
			last.Kind = e.Kind
		}
		eEnd := e.PhysAddr + e.Length
		if eEnd > lastEnd {
			last.Length = eEnd - last.PhysAddr
		}
	}
	return out
}

func probeForACPI() device.Driver {
	ft, err := Discover(io.Discard)
	if err != nil {
		return nil
	}
	return &probeResult{tables: ft}
}

// probeResult adapts Discover's output to the device.Driver interface so
// platform discovery participates in the normal probe/init sequence
// alongside every other subsystem in this kernel.
type probeResult struct {
	tables *FirmwareTables
}

func (p *probeResult) DriverName() string { return "ACPI" }

func (p *probeResult) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

func (p *probeResult) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "[acpi] firmware=%d tables=%d memory-regions=%d\n", p.tables.Kind, len(p.tables.Tables), len(p.tables.MemoryMap))
	return nil
}

// Tables returns the FirmwareTables this driver discovered, for downstream
// consumers (intc, timer, pci) that need typed access beyond the
// device.Driver interface.
func (p *probeResult) Tables() *FirmwareTables { return p.tables }

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderBeforeACPI,
		Probe: probeForACPI,
	})
}
