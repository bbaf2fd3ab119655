package iso9660_test

import (
	"encoding/binary"
	"io"
	"testing"

	"novaos/blk"
	"novaos/kernel"
	"novaos/vfs"
	"novaos/vfs/fat"
	"novaos/vfs/iso9660"
)

const blockSize = 2048

func memCD(t *testing.T, img []byte) *blk.Device {
	t.Helper()
	total := uint64(len(img)) / blockSize
	reg := blk.NewRegistry()
	return reg.Register("cd0", blk.CDROM, blockSize, total, blk.Ops{
		Read: func(lba uint64, count uint32, buf []byte) *kernel.Error {
			off := lba * blockSize
			copy(buf, img[off:off+uint64(count)*blockSize])
			return nil
		},
	}, nil)
}

// dirRecord assembles one directory record. A zero-length name encodes the
// "." special (identifier 0x00).
func dirRecord(extent, length uint32, flags uint8, name string) []byte {
	idLen := len(name)
	if idLen == 0 {
		idLen = 1
	}
	recLen := 33 + idLen
	if recLen%2 != 0 {
		recLen++ // records are padded to even lengths
	}
	rec := make([]byte, recLen)
	rec[0] = byte(recLen)
	binary.LittleEndian.PutUint32(rec[2:], extent)
	binary.BigEndian.PutUint32(rec[6:], extent)
	binary.LittleEndian.PutUint32(rec[10:], length)
	binary.BigEndian.PutUint32(rec[14:], length)
	rec[25] = flags
	rec[32] = byte(idLen)
	if name != "" {
		copy(rec[33:], name)
	}
	return rec
}

// buildISO assembles a minimal ISO 9660 image:
//
//	LBA 16   primary volume descriptor (root extent at 20)
//	LBA 17   terminator
//	LBA 20   root directory: README.TXT;1, DOCS (dir at 21)
//	LBA 21   DOCS directory: INFO.TXT;1 (at 24)
//	LBA 22   README.TXT contents (2500 bytes -> spills into LBA 23)
//	LBA 24   INFO.TXT contents
func buildISO(t *testing.T, readme []byte) []byte {
	t.Helper()
	img := make([]byte, 30*blockSize)

	pvd := img[16*blockSize:]
	pvd[0] = 1
	copy(pvd[1:6], "CD001")
	pvd[6] = 1
	binary.LittleEndian.PutUint16(pvd[128:], blockSize)
	binary.BigEndian.PutUint16(pvd[130:], blockSize)
	rootRec := dirRecord(20, blockSize, 0x02, "")
	copy(pvd[156:], rootRec)

	term := img[17*blockSize:]
	term[0] = 255
	copy(term[1:6], "CD001")

	rootDir := img[20*blockSize:]
	pos := 0
	for _, rec := range [][]byte{
		dirRecord(20, blockSize, 0x02, ""), // "."
		dirRecord(20, blockSize, 0x02, ""), // ".."
		dirRecord(22, uint32(len(readme)), 0x00, "README.TXT;1"),
		dirRecord(21, blockSize, 0x02, "DOCS"),
	} {
		copy(rootDir[pos:], rec)
		pos += len(rec)
	}

	docsDir := img[21*blockSize:]
	pos = 0
	for _, rec := range [][]byte{
		dirRecord(21, blockSize, 0x02, ""),
		dirRecord(20, blockSize, 0x02, ""),
		dirRecord(24, 4, 0x00, "INFO.TXT;1"),
	} {
		copy(docsDir[pos:], rec)
		pos += len(rec)
	}

	copy(img[22*blockSize:], readme)
	copy(img[24*blockSize:], "info")
	return img
}

func readmePayload() []byte {
	data := make([]byte, 2500) // spans two blocks
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	return data
}

func mountISO(t *testing.T) *vfs.VFS {
	t.Helper()
	dev := memCD(t, buildISO(t, readmePayload()))
	v := vfs.New(io.Discard)
	fs := iso9660.New()
	if err := v.RegisterFileSystem(fs); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := v.Mount("/", fs, &vfs.MountParams{Device: dev}); err != nil {
		t.Fatalf("mount: %v", err)
	}
	return v
}

func TestProbeAcceptsISO(t *testing.T) {
	dev := memCD(t, buildISO(t, readmePayload()))
	if !iso9660.New().Probe(&vfs.MountParams{Device: dev}) {
		t.Fatal("expected the ISO probe to accept the image")
	}
}

func TestCrossProbes(t *testing.T) {
	// ISO probe on a non-ISO (FAT-shaped) image must fail, and the FAT
	// probe must reject the ISO image.
	fatShaped := make([]byte, 90*blockSize)
	fatShaped[0] = 0xEB
	fatShaped[510] = 0x55
	fatShaped[511] = 0xAA
	dev := memCD(t, fatShaped)
	if iso9660.New().Probe(&vfs.MountParams{Device: dev}) {
		t.Fatal("ISO probe must reject a FAT-formatted volume")
	}

	isoDev := memCD(t, buildISO(t, readmePayload()))
	if fat.New().Probe(&vfs.MountParams{Device: isoDev}) {
		t.Fatal("FAT probe must reject an ISO volume")
	}
}

func TestReadDir(t *testing.T) {
	v := mountISO(t)
	entries, err := v.DirectoryContents("/")
	if err != nil {
		t.Fatalf("contents: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries; got %d (%v)", len(entries), entries)
	}
	if entries[0].Name != "readme.txt" || entries[0].Type != vfs.NodeRegular {
		t.Fatalf("unexpected first entry: %v", entries[0])
	}
	if entries[1].Name != "docs" || entries[1].Type != vfs.NodeDirectory {
		t.Fatalf("unexpected second entry: %v", entries[1])
	}
}

func TestVersionSuffixTruncatedAndLowercased(t *testing.T) {
	v := mountISO(t)
	if _, err := v.Resolve("/readme.txt"); err != nil {
		t.Fatalf("resolve lowercase: %v", err)
	}
	if _, err := v.Resolve("/README.TXT"); err != nil {
		t.Fatalf("resolve uppercase: %v", err)
	}
	if _, err := v.Resolve("/docs/info.txt"); err != nil {
		t.Fatalf("resolve nested: %v", err)
	}
}

func TestReadSpansBlocks(t *testing.T) {
	v := mountISO(t)
	want := readmePayload()

	h, err := v.Open("/readme.txt", vfs.OpenRead)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()

	got := make([]byte, len(want))
	n, rErr := h.Read(got)
	if rErr != nil || n != len(want) {
		t.Fatalf("read: n=%d err=%v", n, rErr)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d differs", i)
		}
	}

	// A sub-block read goes through the bounce buffer.
	small := make([]byte, 7)
	if n, rErr := h.ReadAt(2100, small); rErr != nil || n != 7 {
		t.Fatalf("sub-block read: n=%d err=%v", n, rErr)
	}
	for i := range small {
		if small[i] != byte('a'+(2100+i)%26) {
			t.Fatalf("sub-block byte %d differs", i)
		}
	}
}

func TestWritesRejected(t *testing.T) {
	v := mountISO(t)
	if _, err := v.Open("/readme.txt", vfs.OpenWrite); err == nil || err.Kind != kernel.ErrAccess {
		t.Fatalf("expected ErrAccess; got %v", err)
	}
	if err := v.Create("/x", vfs.NodeRegular); err == nil || err.Kind != kernel.ErrAccess {
		t.Fatalf("create: expected ErrAccess; got %v", err)
	}
}

func TestStat(t *testing.T) {
	v := mountISO(t)
	node, err := v.Resolve("/readme.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	info, sErr := vfs.NodeStat(node)
	if sErr != nil || info.Size != 2500 {
		t.Fatalf("unexpected stat: %+v (%v)", info, sErr)
	}
}
