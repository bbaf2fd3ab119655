package intc

import "testing"

func TestDefaultRoutesAreIdentity(t *testing.T) {
	routes := DefaultRoutes()
	for irq, route := range routes {
		if route.GSI != uint32(irq) {
			t.Errorf("irq %d: expected identity GSI; got %d", irq, route.GSI)
		}
		if route.ActiveLow || route.LevelTriggered {
			t.Errorf("irq %d: expected edge/high default", irq)
		}
	}
}

func TestDecodeISOFlags(t *testing.T) {
	specs := []struct {
		flags     uint16
		activeLow bool
		level     bool
	}{
		{0x0000, false, false},
		{0x0003, true, false},  // polarity == 3
		{0x000C, false, true},  // trigger == 3
		{0x000F, true, true},
		{0x0001, false, false}, // bus-conformant polarity is not active-low
	}
	for specIndex, spec := range specs {
		activeLow, level := DecodeISOFlags(spec.flags)
		if activeLow != spec.activeLow || level != spec.level {
			t.Errorf("[spec %d] DecodeISOFlags(0x%x): expected (%t, %t); got (%t, %t)",
				specIndex, spec.flags, spec.activeLow, spec.level, activeLow, level)
		}
	}
}

func TestVector(t *testing.T) {
	if Vector(0) != 32 || Vector(15) != 47 {
		t.Fatalf("unexpected vectors: %d, %d", Vector(0), Vector(15))
	}
}
