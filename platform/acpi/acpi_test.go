package acpi

import (
	"novaos/platform/acpi/table"
	"novaos/platform/multiboot"
	"testing"
)

func TestMapBIOSKind(t *testing.T) {
	specs := []struct {
		in  multiboot.MemoryEntryType
		out table.MemoryKind
	}{
		{multiboot.MemAvailable, table.MemoryAvailable},
		{multiboot.MemAcpiReclaimable, table.MemoryAcpiReclaim},
		{multiboot.MemNvs, table.MemoryAcpiNvs},
		{multiboot.MemReserved, table.MemoryReserved},
	}

	for _, spec := range specs {
		if got := mapBIOSKind(spec.in); got != spec.out {
			t.Errorf("mapBIOSKind(%v) = %v; want %v", spec.in, got, spec.out)
		}
	}
}

func TestMapEFIKind(t *testing.T) {
	specs := []struct {
		in  multiboot.EFIMemDescType
		out table.MemoryKind
	}{
		{multiboot.EFIConventionalMemory, table.MemoryAvailable},
		{multiboot.EFILoaderCode, table.MemoryAvailable},
		{multiboot.EFIBootServicesData, table.MemoryAvailable},
		{multiboot.EFIACPIReclaimMemory, table.MemoryAcpiReclaim},
		{multiboot.EFIACPIMemoryNVS, table.MemoryAcpiNvs},
		{multiboot.EFIUnusableMemory, table.MemoryBadRAM},
		{multiboot.EFIMemoryMappedIO, table.MemoryReserved},
	}

	for _, spec := range specs {
		if got := mapEFIKind(spec.in); got != spec.out {
			t.Errorf("mapEFIKind(%v) = %v; want %v", spec.in, got, spec.out)
		}
	}
}

func TestMergeOverlapsKeepsMoreRestrictiveKind(t *testing.T) {
	in := []table.MemoryMapEntry{
		{PhysAddr: 0x100000, Length: 0x1000, Kind: table.MemoryAvailable},
		{PhysAddr: 0x100800, Length: 0x1000, Kind: table.MemoryBadRAM},
		{PhysAddr: 0x200000, Length: 0x1000, Kind: table.MemoryReserved},
	}

	out := mergeOverlaps(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 merged entries, got %d", len(out))
	}
	if out[0].Kind != table.MemoryBadRAM {
		t.Errorf("expected merged span to take the more restrictive kind BadRAM, got %v", out[0].Kind)
	}
	if got, want := out[0].PhysAddr+out[0].Length, uint64(0x101800); got != want {
		t.Errorf("expected merged span to extend to 0x%x, got 0x%x", want, got)
	}
	if out[1].PhysAddr != 0x200000 {
		t.Errorf("expected second entry to remain separate, got phys=0x%x", out[1].PhysAddr)
	}
}

func TestMergeOverlapsSkipsNothingWhenDisjoint(t *testing.T) {
	in := []table.MemoryMapEntry{
		{PhysAddr: 0x0, Length: 0x1000, Kind: table.MemoryAvailable},
		{PhysAddr: 0x2000, Length: 0x1000, Kind: table.MemoryAvailable},
	}
	out := mergeOverlaps(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out))
	}
}
