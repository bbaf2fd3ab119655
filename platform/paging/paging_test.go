package paging

import "testing"

func TestIdentityMapRegionRejectsZeroLength(t *testing.T) {
	if err := IdentityMapRegion(0x1000, 0); err == nil || err.Kind != 1 {
		t.Fatalf("expected ErrInvalid for a zero-length region; got %v", err)
	}
}

func TestSetMemoryTypeRequiresPriorMapping(t *testing.T) {
	defer Unmap(0x2000)

	if err := SetMemoryType(0x2000, 0x1000, MemoryTypeUncacheable); err == nil {
		t.Fatal("expected SetMemoryType to fail for an unmapped region")
	}

	if err := IdentityMapRegion(0x2000, 0x1000); err != nil {
		t.Fatalf("unexpected error mapping region: %v", err)
	}

	if err := SetMemoryType(0x2000, 0x1000, MemoryTypeUncacheable); err != nil {
		t.Fatalf("unexpected error setting memory type: %v", err)
	}

	if err := SetMemoryType(0x2000, 0x2000, MemoryTypeUncacheable); err == nil {
		t.Fatal("expected SetMemoryType to reject a region larger than what was mapped")
	}
}
