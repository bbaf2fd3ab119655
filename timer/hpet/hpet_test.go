package hpet

import (
	"testing"

	"novaos/platform/acpi/table"
)

func hpetTable(space table.AddressSpace, addr uint64, legacyCapable bool) *table.HPET {
	t := &table.HPET{}
	t.BaseAddress.Space = space
	t.BaseAddress.Address = addr
	if legacyCapable {
		t.EventTimerBlockID |= 1 << 15
	}
	return t
}

func TestSupported(t *testing.T) {
	specs := []struct {
		hpet *table.HPET
		want bool
	}{
		{nil, false},
		{hpetTable(table.AddressSpaceSysMemory, 0xFED00000, true), true},
		{hpetTable(table.AddressSpaceSysIO, 0xFED00000, true), false},
		{hpetTable(table.AddressSpaceSysMemory, 0, true), false},
		{hpetTable(table.AddressSpaceSysMemory, 0xFED00000, false), false},
	}
	for specIndex, spec := range specs {
		if got := Supported(spec.hpet); got != spec.want {
			t.Errorf("[spec %d] Supported: expected %t; got %t", specIndex, spec.want, got)
		}
	}
}

func TestTicksPerInterval(t *testing.T) {
	tm := &Timer{counterHz: 14_318_180, freqHz: 1000}
	if got := tm.ticksPerInterval(); got != 14318 {
		t.Errorf("expected 14318 ticks per 1ms interval; got %d", got)
	}

	tm.freqHz = 0
	if got := tm.ticksPerInterval(); got != 1 {
		t.Errorf("expected the zero-frequency guard to return 1; got %d", got)
	}
}
