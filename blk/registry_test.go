package blk

import (
	"novaos/kernel"
	"testing"
)

func TestReadRejectsOutOfRangeWithoutCallingDriver(t *testing.T) {
	called := false
	r := NewRegistry()
	d := r.Register("disk0", Disk, 512, 100, Ops{
		Read: func(lba uint64, count uint32, buf []byte) *kernel.Error {
			called = true
			return nil
		},
	}, nil)

	err := d.Read(95, 10, make([]byte, 512*10))
	if err == nil {
		t.Fatal("expected an error for a read past total_blocks")
	}
	if err.Kind != kernel.ErrInvalid {
		t.Fatalf("expected ErrInvalid, got %v", err.Kind)
	}
	if called {
		t.Fatal("driver Read must not be called when the range is out of bounds")
	}
}

func TestWriteRejectsOutOfRangeWithoutCallingDriver(t *testing.T) {
	called := false
	r := NewRegistry()
	d := r.Register("disk0", Disk, 512, 100, Ops{
		Write: func(lba uint64, count uint32, buf []byte) *kernel.Error {
			called = true
			return nil
		},
	}, nil)

	if err := d.Write(100, 1, make([]byte, 512)); err == nil {
		t.Fatal("expected an error for a write starting exactly at total_blocks")
	}
	if called {
		t.Fatal("driver Write must not be called when the range is out of bounds")
	}
}

func TestReadRejectsOverflowingLBAWithoutCallingDriver(t *testing.T) {
	called := false
	r := NewRegistry()
	d := r.Register("disk0", Disk, 512, 100, Ops{
		Read: func(lba uint64, count uint32, buf []byte) *kernel.Error {
			called = true
			return nil
		},
		Write: func(lba uint64, count uint32, buf []byte) *kernel.Error {
			called = true
			return nil
		},
	}, nil)

	// A huge lba must not wrap lba+count past the bound and reach the
	// driver.
	if err := d.Read(^uint64(0)-4, 8, make([]byte, 512*8)); err == nil {
		t.Fatal("expected an error for an lba that would overflow the bounds check")
	}
	if err := d.Write(^uint64(0), 1, make([]byte, 512)); err == nil {
		t.Fatal("expected an error for an lba that would overflow the bounds check")
	}
	if called {
		t.Fatal("driver ops must not be called when the range check overflows")
	}
}

func TestReadWithinRangeCallsDriver(t *testing.T) {
	called := false
	r := NewRegistry()
	d := r.Register("disk0", Disk, 512, 100, Ops{
		Read: func(lba uint64, count uint32, buf []byte) *kernel.Error {
			called = true
			return nil
		},
	}, nil)

	if err := d.Read(90, 10, make([]byte, 512*10)); err != nil {
		t.Fatalf("unexpected error for an in-range read: %v", err)
	}
	if !called {
		t.Fatal("expected driver Read to be called for an in-range request")
	}
}

func TestReadUnsupportedWhenOpsNil(t *testing.T) {
	r := NewRegistry()
	d := r.Register("cdrom0", CDROM, 2048, 10, Ops{}, nil)

	err := d.Read(0, 1, make([]byte, 2048))
	if err == nil || err.Kind != kernel.ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestFlushNilOpsSucceeds(t *testing.T) {
	r := NewRegistry()
	d := r.Register("disk0", Disk, 512, 100, Ops{}, nil)

	if err := d.Flush(); err != nil {
		t.Fatalf("expected Flush with nil op to succeed, got %v", err)
	}
}

func TestRegisterOverwritesButPreservesOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("disk0", Disk, 512, 10, Ops{}, nil)
	r.Register("disk1", Disk, 512, 20, Ops{}, nil)
	r.Register("disk0", Disk, 4096, 5, Ops{}, "replaced")

	if r.Count() != 2 {
		t.Fatalf("expected 2 distinct devices after overwrite, got %d", r.Count())
	}
	if r.GetAt(0).Name != "disk0" {
		t.Fatalf("expected discovery order preserved, got %s at index 0", r.GetAt(0).Name)
	}
	d := r.Get("disk0")
	if d.TotalBlocks != 5 || d.DriverCtx != "replaced" {
		t.Fatalf("expected overwrite to replace device fields, got %+v", d)
	}
}

func TestGetAtOutOfRange(t *testing.T) {
	r := NewRegistry()
	if d := r.GetAt(0); d != nil {
		t.Fatalf("expected nil for empty registry, got %+v", d)
	}
	r.Register("disk0", Disk, 512, 10, Ops{}, nil)
	if d := r.GetAt(-1); d != nil {
		t.Fatalf("expected nil for negative index, got %+v", d)
	}
	if d := r.GetAt(1); d != nil {
		t.Fatalf("expected nil past the end, got %+v", d)
	}
}

func TestAllReturnsRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register("disk0", Disk, 512, 10, Ops{}, nil)
	r.Register("disk1", Disk, 512, 10, Ops{}, nil)
	r.Register("cdrom0", CDROM, 2048, 10, Ops{}, nil)

	all := r.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(all))
	}
	names := []string{all[0].Name, all[1].Name, all[2].Name}
	want := []string{"disk0", "disk1", "cdrom0"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, names)
		}
	}
}
