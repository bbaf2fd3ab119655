package volume

import (
	"encoding/binary"
	"testing"

	"novaos/blk"
	"novaos/kernel"
)

// fakeDisk backs a blk.Device with an in-memory byte slice addressed by
// logical block, for fixture-driven MBR/GPT tests.
type fakeDisk struct {
	blockSize uint32
	data      []byte
}

func (f *fakeDisk) read(lba uint64, count uint32, buf []byte) *kernel.Error {
	off := lba * uint64(f.blockSize)
	n := uint64(count) * uint64(f.blockSize)
	copy(buf, f.data[off:off+n])
	return nil
}

func (f *fakeDisk) write(lba uint64, count uint32, buf []byte) *kernel.Error {
	off := lba * uint64(f.blockSize)
	n := uint64(count) * uint64(f.blockSize)
	copy(f.data[off:off+n], buf)
	return nil
}

func newDiskAndBacking(blockSize uint32, totalBlocks uint64) (*blk.Device, *fakeDisk) {
	fd := &fakeDisk{blockSize: blockSize, data: make([]byte, blockSize*uint32(totalBlocks))}
	r := blk.NewRegistry()
	dev := r.Register("disk0", blk.Disk, blockSize, totalBlocks, blk.Ops{
		Read:  fd.read,
		Write: fd.write,
	}, nil)
	return dev, fd
}

func writeMBREntry(sector []byte, index int, typeByte uint8, lbaStart, numSectors uint32) {
	off := mbrPartTableOffset + index*mbrEntrySize
	sector[off+4] = typeByte
	binary.LittleEndian.PutUint32(sector[off+8:off+12], lbaStart)
	binary.LittleEndian.PutUint32(sector[off+12:off+16], numSectors)
}

func setMBRSignature(sector []byte) {
	sector[mbrSignatureOffset] = 0x55
	sector[mbrSignatureOffset+1] = 0xAA
}

func TestScanNoSignatureIsWholeDevice(t *testing.T) {
	dev, _ := newDiskAndBacking(512, 100)

	vols, err := Scan(dev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vols) != 1 || vols[0].Type != WholeDevice {
		t.Fatalf("expected a single whole-device volume, got %+v", vols)
	}
	if vols[0].BlockCount != 100 {
		t.Fatalf("expected BlockCount=100, got %d", vols[0].BlockCount)
	}
}

func TestScanMBRProducesWholeDevicePlusOneVolumePerEntry(t *testing.T) {
	dev, fd := newDiskAndBacking(512, 1000)
	sector := fd.data[0:512]
	writeMBREntry(sector, 0, 0x07, 1, 100)
	writeMBREntry(sector, 1, 0x0B, 101, 200)
	setMBRSignature(sector)

	vols, err := Scan(dev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vols) != 3 {
		t.Fatalf("expected whole-device + 2 partition volumes, got %d", len(vols))
	}
	if vols[0].Type != WholeDevice || vols[0].BlockCount != 1000 {
		t.Fatalf("expected the whole-device volume first, got %+v", vols[0])
	}
	if vols[1].Type != MbrPartition || vols[1].MbrType != 0x07 || vols[1].StartLBA != 1 || vols[1].BlockCount != 100 {
		t.Fatalf("unexpected first partition volume: %+v", vols[1])
	}
	if vols[2].Name != "disk0p2" {
		t.Fatalf("expected name disk0p2, got %s", vols[2].Name)
	}
}

func TestScanMBRSkipsZeroEntries(t *testing.T) {
	dev, fd := newDiskAndBacking(512, 1000)
	sector := fd.data[0:512]
	writeMBREntry(sector, 0, 0x07, 1, 100)
	setMBRSignature(sector)

	vols, err := Scan(dev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vols) != 2 {
		t.Fatalf("expected whole-device + 1 partition (3 zero entries skipped), got %d", len(vols))
	}
	if vols[0].Type != WholeDevice || vols[1].Type != MbrPartition {
		t.Fatalf("unexpected volume kinds: %+v", vols)
	}
}

func writeGPTHeader(sector []byte, entryLBA uint64, entryCount, entrySize uint32) {
	copy(sector[0:8], gptSignature)
	binary.LittleEndian.PutUint64(sector[72:80], entryLBA)
	binary.LittleEndian.PutUint32(sector[80:84], entryCount)
	binary.LittleEndian.PutUint32(sector[84:88], entrySize)
}

func writeGPTEntry(buf []byte, index int, entrySize uint32, typeGUID, uniqueGUID Guid, firstLBA, lastLBA, attrs uint64) {
	off := uint32(index) * entrySize
	copy(buf[off:off+16], typeGUID[:])
	copy(buf[off+16:off+32], uniqueGUID[:])
	binary.LittleEndian.PutUint64(buf[off+32:off+40], firstLBA)
	binary.LittleEndian.PutUint64(buf[off+40:off+48], lastLBA)
	binary.LittleEndian.PutUint64(buf[off+48:off+56], attrs)
}

func TestScanGPTProducesVolumesAndSkipsProtectiveMBR(t *testing.T) {
	dev, fd := newDiskAndBacking(512, 10000)
	sector := fd.data[0:512]
	writeMBREntry(sector, 0, mbrProtectiveType, 1, 9999)
	setMBRSignature(sector)

	hdr := fd.data[512:1024]
	writeGPTHeader(hdr, 2, 2, 128)

	entries := fd.data[1024:1024+1024]
	typeGUID := Guid{1, 2, 3, 4}
	uniqueGUID1 := Guid{0xAA}
	uniqueGUID2 := Guid{0xBB}
	writeGPTEntry(entries, 0, 128, typeGUID, uniqueGUID1, 100, 199, 0)
	writeGPTEntry(entries, 1, 128, typeGUID, uniqueGUID2, 200, 399, 0)

	vols, err := Scan(dev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vols) != 3 {
		t.Fatalf("expected whole-device + 2 GPT volumes, got %d", len(vols))
	}
	if vols[0].Type != WholeDevice || vols[0].BlockCount != 10000 {
		t.Fatalf("expected the whole-device volume first, got %+v", vols[0])
	}
	if vols[1].Type != GptPartition || vols[1].StartLBA != 100 || vols[1].BlockCount != 100 {
		t.Fatalf("unexpected first GPT volume: %+v", vols[1])
	}
	if vols[2].StartLBA != 200 || vols[2].BlockCount != 200 {
		t.Fatalf("unexpected second GPT volume: %+v", vols[2])
	}
}

func TestScanGPTSkipsZeroTypeGUID(t *testing.T) {
	dev, fd := newDiskAndBacking(512, 10000)
	sector := fd.data[0:512]
	writeMBREntry(sector, 0, mbrProtectiveType, 1, 9999)
	setMBRSignature(sector)

	hdr := fd.data[512:1024]
	writeGPTHeader(hdr, 2, 1, 128)

	entries := fd.data[1024 : 1024+512]
	var zeroGUID Guid
	writeGPTEntry(entries, 0, 128, zeroGUID, zeroGUID, 0, 0, 0)

	vols, err := Scan(dev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vols) != 1 || vols[0].Type != WholeDevice {
		t.Fatalf("expected fallback to whole-device volume when no GPT entries survive, got %+v", vols)
	}
}

func TestReadSectorsClampToBlockCount(t *testing.T) {
	dev, _ := newDiskAndBacking(512, 1000)
	vol := &Volume{Backing: dev, Type: WholeDevice, StartLBA: 10, BlockCount: 50, BlockSize: 512}

	if err := vol.ReadSectors(45, 10, make([]byte, 512*10)); err == nil {
		t.Fatal("expected an error reading past the volume's BlockCount")
	}
	if err := vol.ReadSectors(0, 50, make([]byte, 512*50)); err != nil {
		t.Fatalf("unexpected error for an exactly-fitting read: %v", err)
	}
}

func TestReadSectorsRejectsOverflowingLBA(t *testing.T) {
	dev, _ := newDiskAndBacking(512, 1000)
	vol := &Volume{Backing: dev, Type: WholeDevice, StartLBA: 0, BlockCount: 1000, BlockSize: 512}

	// A huge lba must not wrap lba+count past the bound and reach the
	// backing device.
	if err := vol.ReadSectors(^uint64(0)-4, 8, make([]byte, 512*8)); err == nil {
		t.Fatal("expected an error for an lba that would overflow the bounds check")
	}
	if err := vol.WriteSectors(^uint64(0), 1, make([]byte, 512)); err == nil {
		t.Fatal("expected an error for an lba that would overflow the bounds check")
	}
}

func TestWriteThenReadRoundTripThroughVolumeOffset(t *testing.T) {
	dev, _ := newDiskAndBacking(512, 1000)
	vol := &Volume{Backing: dev, Type: WholeDevice, StartLBA: 100, BlockCount: 10, BlockSize: 512}

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := vol.WriteSectors(2, 1, payload); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	readBack := make([]byte, 512)
	if err := vol.ReadSectors(2, 1, readBack); err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	for i := range payload {
		if readBack[i] != payload[i] {
			t.Fatalf("round trip mismatch at byte %d: got %d, want %d", i, readBack[i], payload[i])
		}
	}
}
