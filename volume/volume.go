// Package volume implements the volume manager: MBR and GPT partition
// table parsing on top of a blk.Device, producing Volume objects
// whose reads/writes are clamped to their partition's LBA range.
package volume

import (
	"encoding/binary"

	"novaos/blk"
	"novaos/kernel"
)

// Kind identifies how a Volume was produced.
type Kind uint8

const (
	// WholeDevice is the catch-all volume spanning an entire block device.
	WholeDevice Kind = iota
	// MbrPartition is a partition described by an MBR entry.
	MbrPartition
	// GptPartition is a partition described by a GPT entry.
	GptPartition
)

// Guid is a raw 16-byte GPT GUID, kept unparsed (byte-exact, little/mixed
// endian per the GPT spec) since no subsystem needs to format it.
type Guid [16]byte

// Volume is one logical region of a block device.
type Volume struct {
	Backing    *blk.Device
	Type       Kind
	MbrType    uint8 // valid when Type == MbrPartition
	GptType    Guid  // valid when Type == GptPartition
	GptUnique  Guid
	GptAttrs   uint64
	StartLBA   uint64
	BlockCount uint64
	BlockSize  uint32
	Name       string
}

var (
	errInvalid = &kernel.Error{Module: "volume", Message: "invalid argument", Kind: kernel.ErrInvalid}
	errIO      = &kernel.Error{Module: "volume", Message: "backing device I/O failure", Kind: kernel.ErrIO}
)

// rangeOK reports whether [lba, lba+count) fits inside the volume. The
// comparison is phrased so a huge lba cannot wrap the sum past the bound.
func (v *Volume) rangeOK(lba uint64, count uint32) bool {
	if count == 0 {
		return true
	}
	return uint64(count) <= v.BlockCount && lba <= v.BlockCount-uint64(count)
}

// ReadSectors reads count sectors starting at the volume-relative lba,
// translating to the device-relative LBA and enforcing the partition's
// upper bound before any device I/O is issued.
func (v *Volume) ReadSectors(lba uint64, count uint32, buf []byte) *kernel.Error {
	if !v.rangeOK(lba, count) {
		return errInvalid
	}
	return v.Backing.Read(v.StartLBA+lba, count, buf)
}

// WriteSectors writes count sectors starting at the volume-relative lba,
// same clamping rule as ReadSectors.
func (v *Volume) WriteSectors(lba uint64, count uint32, buf []byte) *kernel.Error {
	if !v.rangeOK(lba, count) {
		return errInvalid
	}
	return v.Backing.Write(v.StartLBA+lba, count, buf)
}

const (
	mbrSignatureOffset = 510
	mbrPartTableOffset = 446
	mbrEntrySize       = 16
	mbrProtectiveType  = 0xEE

	gptHeaderLBA = 1
	gptSignature = "EFI PART"
)

type mbrEntry struct {
	typeByte  uint8
	lbaStart  uint32
	numSectors uint32
}

func parseMBREntry(b []byte) mbrEntry {
	return mbrEntry{
		typeByte:   b[4],
		lbaStart:   binary.LittleEndian.Uint32(b[8:12]),
		numSectors: binary.LittleEndian.Uint32(b[12:16]),
	}
}

// Scan reads the partition table(s) of dev and returns the Volumes found.
// The whole-device volume always comes first; an MBR with a protective
// entry (type 0xEE) defers to GPT, otherwise each non-zero MBR entry adds
// a partition Volume after it.
func Scan(dev *blk.Device) ([]*Volume, *kernel.Error) {
	if dev == nil {
		return nil, errInvalid
	}
	sector := make([]byte, dev.LogicalBlockSize)
	if err := dev.Read(0, 1, sector); err != nil {
		return nil, err
	}

	whole := &Volume{
		Backing:    dev,
		Type:       WholeDevice,
		StartLBA:   0,
		BlockCount: dev.TotalBlocks,
		BlockSize:  dev.LogicalBlockSize,
		Name:       dev.Name,
	}

	if len(sector) < mbrSignatureOffset+2 ||
		sector[mbrSignatureOffset] != 0x55 || sector[mbrSignatureOffset+1] != 0xAA {
		return []*Volume{whole}, nil
	}

	entries := make([]mbrEntry, 4)
	protective := false
	for i := 0; i < 4; i++ {
		off := mbrPartTableOffset + i*mbrEntrySize
		entries[i] = parseMBREntry(sector[off : off+mbrEntrySize])
		if entries[i].typeByte == mbrProtectiveType {
			protective = true
		}
	}

	if protective {
		return scanGPT(dev, whole)
	}

	vols := make([]*Volume, 0, 5)
	vols = append(vols, whole)
	n := 0
	for _, e := range entries {
		if e.typeByte == 0 {
			continue
		}
		n++
		vols = append(vols, &Volume{
			Backing:    dev,
			Type:       MbrPartition,
			MbrType:    e.typeByte,
			StartLBA:   uint64(e.lbaStart),
			BlockCount: uint64(e.numSectors),
			BlockSize:  dev.LogicalBlockSize,
			Name:       partitionName(dev.Name, n),
		})
	}
	return vols, nil
}

const (
	gptHeaderSize          = 92
	gptMinPartitionEntrySz = 128
)

func scanGPT(dev *blk.Device, whole *Volume) ([]*Volume, *kernel.Error) {
	hdr := make([]byte, dev.LogicalBlockSize)
	if err := dev.Read(gptHeaderLBA, 1, hdr); err != nil {
		return nil, err
	}
	if len(hdr) < gptHeaderSize || string(hdr[0:8]) != gptSignature {
		// No valid GPT header despite a protective MBR: fall back to
		// the whole-device volume rather than fail discovery outright.
		return []*Volume{whole}, nil
	}

	entryLBA := binary.LittleEndian.Uint64(hdr[72:80])
	entryCount := binary.LittleEndian.Uint32(hdr[80:84])
	entrySize := binary.LittleEndian.Uint32(hdr[84:88])
	if entrySize < gptMinPartitionEntrySz {
		return nil, errInvalid
	}

	entriesPerBlock := dev.LogicalBlockSize / entrySize
	if entriesPerBlock == 0 {
		return nil, errInvalid
	}
	blocksNeeded := (entryCount + entriesPerBlock - 1) / entriesPerBlock

	buf := make([]byte, uint64(blocksNeeded)*uint64(dev.LogicalBlockSize))
	if err := dev.Read(entryLBA, blocksNeeded, buf); err != nil {
		return nil, err
	}

	vols := make([]*Volume, 0, entryCount+1)
	vols = append(vols, whole)
	n := 0
	for i := uint32(0); i < entryCount; i++ {
		off := i * entrySize
		if uint64(off)+uint64(entrySize) > uint64(len(buf)) {
			break
		}
		entry := buf[off : off+entrySize]

		var typeGUID Guid
		copy(typeGUID[:], entry[0:16])
		if isZeroGuid(typeGUID) {
			continue
		}
		var uniqueGUID Guid
		copy(uniqueGUID[:], entry[16:32])

		firstLBA := binary.LittleEndian.Uint64(entry[32:40])
		lastLBA := binary.LittleEndian.Uint64(entry[40:48])
		attrs := binary.LittleEndian.Uint64(entry[48:56])
		if lastLBA < firstLBA {
			continue
		}

		n++
		vols = append(vols, &Volume{
			Backing:    dev,
			Type:       GptPartition,
			GptType:    typeGUID,
			GptUnique:  uniqueGUID,
			GptAttrs:   attrs,
			StartLBA:   firstLBA,
			BlockCount: lastLBA - firstLBA + 1,
			BlockSize:  dev.LogicalBlockSize,
			Name:       partitionName(dev.Name, n),
		})
	}
	return vols, nil
}

func isZeroGuid(g Guid) bool {
	for _, b := range g {
		if b != 0 {
			return false
		}
	}
	return true
}

func partitionName(deviceName string, index int) string {
	return deviceName + "p" + itoa(index)
}

// itoa avoids pulling in strconv in a freestanding build; index is always
// small (partition counts are bounded by GPT entry_count, well under 1000).
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
