// Package ata implements the legacy ATA/ATAPI driver: PCI IDE channel/BAR
// decoding, PIO LBA28/LBA48 transfers, Bus Master IDE DMA with a
// bounded PRDT, and the variable-length ATAPI PACKET data phase. Detected
// devices are registered with the blk registry as BlockDevices.
package ata

import (
	"io"

	"novaos/blk"
	"novaos/device"
	"novaos/kernel"
	"novaos/kernel/cpu"
	"novaos/kernel/kfmt"
	"novaos/pci"
)

// Port I/O seam: package-level function variables so tests can fake the
// legacy ATA registers without real hardware, the same pattern
// platform/acpi/acpi.go uses for identityMapFn.
var (
	inbFn  = cpu.Inb
	outbFn = cpu.Outb
	inwFn  = cpu.Inw
	outwFn = cpu.Outw
	inlFn  = cpu.Inl
	outlFn = cpu.Outl
)

// Legacy compatibility-mode I/O port bases.
const (
	primaryIO    = 0x1F0
	primaryCtrl  = 0x3F6
	secondaryIO  = 0x170
	secondaryCtrl = 0x376
)

// Task-file register offsets from the channel's I/O base.
const (
	regData      = 0x00
	regFeatures  = 0x01
	regSecCount0 = 0x02
	regLBA0      = 0x03
	regLBA1      = 0x04
	regLBA2      = 0x05
	regHDDevSel  = 0x06
	regCommand   = 0x07
	regStatus    = 0x07
)

// Control-block register offsets from the channel's control base.
const (
	regAltStatus = 0x00
	regDevCtrl   = 0x00
)

// Status register bits.
const (
	srErr = 1 << 0
	srDRQ = 1 << 3
	srDF  = 1 << 5
	srBSY = 1 << 7
)

// Device control bits.
const (
	devCtrlNIEN = 1 << 1
	devCtrlSRST = 1 << 2
)

// ATA commands.
const (
	cmdReadSectors     = 0x20
	cmdReadSectorsExt  = 0x24
	cmdWriteSectors    = 0x30
	cmdWriteSectorsExt = 0x34
	cmdPacket          = 0xA0
	cmdIdentifyPacket  = 0xA1
	cmdReadDMA         = 0xC8
	cmdReadDMAExt      = 0x25
	cmdWriteDMA        = 0xCA
	cmdWriteDMAExt     = 0x35
	cmdIdentify        = 0xEC
	cmdFlushCache      = 0xE7
	cmdFlushCacheExt   = 0xEA
)

// ATAPI signature bytes read from LBA1/LBA2 after a soft reset.
const (
	sigATAPILBA1 = 0x14
	sigATAPILBA2 = 0xEB
)

// Bus Master IDE register offsets, relative to a channel's BMIDE base.
const (
	bmRegCmd  = 0x00
	bmRegStat = 0x02
	bmRegPRDT = 0x04

	bmCmdStart = 1 << 0
	bmCmdWrite = 1 << 3

	bmStIRQ = 1 << 2
	bmStErr = 1 << 1

	bmSecondaryOffset = 0x08
)

// ATAPI CDB opcodes used by this driver.
const (
	atapiRequestSense   = 0x03
	atapiRead10         = 0x28
	atapiRead12         = 0xA8
	atapiReadCapacity10 = 0x25
)

// kind classifies a detected device.
type kind uint8

const (
	kindNone kind = iota
	kindATA
	kindATAPI
)

const maxPRDEntries = 4

// prd is one Physical Region Descriptor entry for BMIDE DMA, 16-byte
// aligned; laid out little-endian.
type prd struct {
	base      uint32
	byteCount uint16
	flags     uint16
}

const prdEOT = 1 << 15

// channel models one of the two legacy IDE channels (primary/secondary).
type channel struct {
	ioBase, ctrlBase uint16
	irqCompat        uint8 // 14 or 15; 0xFF when running in native/polled mode
	bmBase           uint16
	prdt             [maxPRDEntries]prd
	irqEvent         bool
}

// Device describes one detected ATA or ATAPI drive, matching the
// driver_ctx a blk.Device borrows.
type Device struct {
	ch    *channel
	drive uint8

	Kind       kind
	LBA48      bool
	SectorSize uint32
	Total      uint64
}

func (c *channel) delay400ns() {
	inbFn(c.ctrlBase + regAltStatus)
	inbFn(c.ctrlBase + regAltStatus)
	inbFn(c.ctrlBase + regAltStatus)
	inbFn(c.ctrlBase + regAltStatus)
}

func (c *channel) status() uint8 { return inbFn(c.ioBase + regStatus) }

func (c *channel) softReset() {
	outbFn(c.ctrlBase+regDevCtrl, devCtrlSRST|devCtrlNIEN)
	c.delay400ns()
	for i := 0; i < 100000; i++ {
		inbFn(c.ctrlBase + regAltStatus)
	}
	outbFn(c.ctrlBase+regDevCtrl, 0x00)
	for i := 0; i < 100000; i++ {
		inbFn(c.ctrlBase + regAltStatus)
	}
}

func (c *channel) waitNotBusy(spin int) bool {
	st := c.status()
	for st&srBSY != 0 && spin > 0 {
		st = c.status()
		spin--
	}
	return st&srBSY == 0
}

func (c *channel) waitDRQ(spin int) bool {
	for spin > 0 {
		st := c.status()
		if st&(srErr|srDF) != 0 {
			return false
		}
		if st&srDRQ != 0 {
			return true
		}
		if c.irqEvent {
			c.irqEvent = false
			st = c.status()
			if st&srDRQ != 0 {
				return true
			}
		}
		spin--
	}
	return false
}

var (
	errNoDevice     = &kernel.Error{Module: "ata", Message: "no drive responded to IDENTIFY", Kind: kernel.ErrNotFound}
	errTimeout      = &kernel.Error{Module: "ata", Message: "timed out waiting on the task-file status register", Kind: kernel.ErrIO}
	errTaskfile     = &kernel.Error{Module: "ata", Message: "device reported ERR or DF", Kind: kernel.ErrIO}
	errUnsupported  = &kernel.Error{Module: "ata", Message: "operation not supported for this device kind", Kind: kernel.ErrUnsupported}
	errBadGeometry  = &kernel.Error{Module: "ata", Message: "requested transfer does not match device geometry", Kind: kernel.ErrInvalid}
)

// identify issues IDENTIFY (DEVICE) or IDENTIFY PACKET DEVICE and parses
// the result.
func identify(ch *channel, drive uint8) (*Device, *kernel.Error) {
	drvSel := uint8(0xA0 | (drive << 4))
	outbFn(ch.ioBase+regHDDevSel, drvSel)
	ch.delay400ns()

	st := ch.status()
	if st == 0xFF {
		return nil, errNoDevice
	}
	if !ch.waitNotBusy(1000000) {
		return nil, errTimeout
	}

	lba1 := inbFn(ch.ioBase + regLBA1)
	lba2 := inbFn(ch.ioBase + regLBA2)

	d := &Device{ch: ch, drive: drive, SectorSize: 512}
	if lba1 == sigATAPILBA1 && lba2 == sigATAPILBA2 {
		d.Kind = kindATAPI
		outbFn(ch.ioBase+regCommand, cmdIdentifyPacket)
	} else {
		d.Kind = kindATA
		outbFn(ch.ioBase+regCommand, cmdIdentify)
	}

	spin := 1000000
	var status uint8
	for {
		status = ch.status()
		if status&(srErr|srDF) != 0 {
			return nil, errTaskfile
		}
		if status&srBSY == 0 && status&srDRQ != 0 {
			break
		}
		spin--
		if spin <= 0 {
			return nil, errTimeout
		}
	}

	var identifyData [256]uint16
	for i := range identifyData {
		identifyData[i] = inwFn(ch.ioBase + regData)
	}

	if d.Kind == kindATA {
		w106 := identifyData[106]
		if w106&(1<<12) != 0 {
			sz := uint32(identifyData[118])<<16 | uint32(identifyData[117])
			if sz >= 512 && sz%512 == 0 {
				d.SectorSize = sz
			}
		}
		lba28 := uint32(identifyData[61])<<16 | uint32(identifyData[60])
		d.LBA48 = identifyData[83]&(1<<10) != 0
		var lba48Count uint64
		if d.LBA48 {
			lba48Count = uint64(identifyData[103])<<48 |
				uint64(identifyData[102])<<32 |
				uint64(identifyData[101])<<16 |
				uint64(identifyData[100])
		}
		if d.LBA48 {
			d.Total = lba48Count
		} else {
			d.Total = uint64(lba28)
		}
	}

	return d, nil
}

// selectDrive28 programs drive/head select, sector count, and LBA0-2 for a
// 28-bit command.
func (ch *channel) selectDrive28(drive uint8, lba uint32, count uint8) {
	outbFn(ch.ioBase+regHDDevSel, 0xE0|(drive<<4)|uint8((lba>>24)&0x0F))
	ch.delay400ns()
	outbFn(ch.ioBase+regSecCount0, count)
	outbFn(ch.ioBase+regLBA0, uint8(lba))
	outbFn(ch.ioBase+regLBA1, uint8(lba>>8))
	outbFn(ch.ioBase+regLBA2, uint8(lba>>16))
}

// selectDrive48 programs the high-byte-first then low-byte-first sequence
// required by LBA48 commands.
func (ch *channel) selectDrive48(drive uint8, lba uint64, count uint16) {
	outbFn(ch.ioBase+regHDDevSel, 0xE0|(drive<<4))
	ch.delay400ns()
	outbFn(ch.ioBase+regSecCount0, uint8(count>>8))
	outbFn(ch.ioBase+regLBA0, uint8(lba>>24))
	outbFn(ch.ioBase+regLBA1, uint8(lba>>32))
	outbFn(ch.ioBase+regLBA2, uint8(lba>>40))
	outbFn(ch.ioBase+regSecCount0, uint8(count))
	outbFn(ch.ioBase+regLBA0, uint8(lba))
	outbFn(ch.ioBase+regLBA1, uint8(lba>>8))
	outbFn(ch.ioBase+regLBA2, uint8(lba>>16))
}

func (d *Device) pioRead28(lba uint32, count uint8, buf []uint16) *kernel.Error {
	if count == 0 {
		return nil
	}
	d.ch.selectDrive28(d.drive, lba, count)
	outbFn(d.ch.ioBase+regCommand, cmdReadSectors)
	return d.ch.pioTransfer(buf, uint16(count), false)
}

func (d *Device) pioWrite28(lba uint32, count uint8, buf []uint16) *kernel.Error {
	if count == 0 {
		return nil
	}
	d.ch.selectDrive28(d.drive, lba, count)
	outbFn(d.ch.ioBase+regCommand, cmdWriteSectors)
	return d.ch.pioTransfer(buf, uint16(count), true)
}

func (d *Device) pioRead48(lba uint64, count uint16, buf []uint16) *kernel.Error {
	if count == 0 {
		return nil
	}
	d.ch.selectDrive48(d.drive, lba, count)
	outbFn(d.ch.ioBase+regCommand, cmdReadSectorsExt)
	return d.ch.pioTransfer(buf, count, false)
}

func (d *Device) pioWrite48(lba uint64, count uint16, buf []uint16) *kernel.Error {
	if count == 0 {
		return nil
	}
	d.ch.selectDrive48(d.drive, lba, count)
	outbFn(d.ch.ioBase+regCommand, cmdWriteSectorsExt)
	return d.ch.pioTransfer(buf, count, true)
}

// pioTransfer runs the per-sector wait/DRQ/256-word loop shared by all four
// PIO read/write variants.
func (ch *channel) pioTransfer(buf []uint16, sectors uint16, write bool) *kernel.Error {
	off := 0
	for s := uint16(0); s < sectors; s++ {
		if !ch.waitNotBusy(1000000) {
			return errTimeout
		}
		if !ch.waitDRQ(1000000) {
			return errTaskfile
		}
		for i := 0; i < 256; i++ {
			if write {
				outwFn(ch.ioBase+regData, buf[off+i])
			} else {
				buf[off+i] = inwFn(ch.ioBase + regData)
			}
		}
		off += 256
	}
	return nil
}

// buildPRDT splits byteCount starting at phys across up to maxPRDEntries
// entries, never letting one entry cross a 64 KiB boundary.
func buildPRDT(phys uint32, byteCount uint32) ([maxPRDEntries]prd, int, bool) {
	var table [maxPRDEntries]prd
	remaining := byteCount
	p := phys
	idx := 0
	for remaining > 0 && idx < maxPRDEntries {
		offsetIn64k := p & 0xFFFF
		space := uint32(0x10000) - offsetIn64k
		chunk := remaining
		if chunk > space {
			chunk = space
		}
		table[idx].base = p
		if chunk&0xFFFF != 0 {
			table[idx].byteCount = uint16(chunk & 0xFFFF)
		} else {
			table[idx].byteCount = 0 // 0 means 64 KiB
		}
		remaining -= chunk
		p += chunk
		idx++
	}
	if idx == 0 {
		return table, 0, false
	}
	table[idx-1].flags |= prdEOT
	return table, idx, remaining == 0
}

// dmaTransfer issues a BMIDE DMA READ/WRITE DMA [EXT] command for up to
// maxPRDEntries worth of data.
func (d *Device) dmaTransfer(lba uint64, sectors uint16, physBuf uint32, write bool) *kernel.Error {
	ch := d.ch
	if ch.bmBase == 0 {
		return errUnsupported
	}
	byteCount := uint32(sectors) * d.SectorSize
	built, n, ok := buildPRDT(physBuf, byteCount)
	if !ok {
		return errBadGeometry
	}
	ch.prdt = built

	outlFn(ch.bmBase+bmRegPRDT, physBuf)
	_ = n

	st := inbFn(ch.bmBase + bmRegStat)
	outbFn(ch.bmBase+bmRegStat, st|bmStIRQ|bmStErr)

	if d.LBA48 {
		ch.selectDrive48(d.drive, lba, sectors)
	} else {
		ch.selectDrive28(d.drive, uint32(lba), uint8(sectors))
	}

	cmd := inbFn(ch.bmBase + bmRegCmd)
	cmd &^= bmCmdWrite
	if write {
		cmd |= bmCmdWrite
	}
	outbFn(ch.bmBase+bmRegCmd, cmd)
	outbFn(ch.bmBase+bmRegCmd, cmd|bmCmdStart)

	if d.LBA48 {
		if write {
			outbFn(ch.ioBase+regCommand, cmdWriteDMAExt)
		} else {
			outbFn(ch.ioBase+regCommand, cmdReadDMAExt)
		}
	} else {
		if write {
			outbFn(ch.ioBase+regCommand, cmdWriteDMA)
		} else {
			outbFn(ch.ioBase+regCommand, cmdReadDMA)
		}
	}

	ok = false
	spin := 5000000
	for spin > 0 {
		bst := inbFn(ch.bmBase + bmRegStat)
		if bst&bmStErr != 0 {
			ok = false
			break
		}
		if bst&bmStIRQ != 0 {
			ok = true
			break
		}
		spin--
	}

	cmd = inbFn(ch.bmBase + bmRegCmd)
	outbFn(ch.bmBase+bmRegCmd, cmd&^bmCmdStart)

	bst := inbFn(ch.bmBase + bmRegStat)
	outbFn(ch.bmBase+bmRegStat, bst|bmStIRQ|bmStErr)

	st2 := ch.status()
	if st2&(srErr|srDF) != 0 {
		ok = false
	}
	if !ok {
		return errTaskfile
	}
	return nil
}

// atapiPacket issues a 12-byte CDB and runs the variable-length data phase
// whose per-interrupt chunk size is reported by the device through
// LBA1/LBA2 each iteration.
func (d *Device) atapiPacket(cdb [12]byte, buf []byte, write bool) *kernel.Error {
	ch := d.ch
	outbFn(ch.ioBase+regHDDevSel, 0xA0|(d.drive<<4))
	ch.delay400ns()

	byteCount := len(buf)
	bc := uint32(byteCount)
	if bc == 0 || bc > 0xFFFF {
		bc = 0xFFFF
	}
	outbFn(ch.ioBase+regFeatures, 0x00)
	outbFn(ch.ioBase+regLBA1, uint8(bc))
	outbFn(ch.ioBase+regLBA2, uint8(bc>>8))

	outbFn(ch.ioBase+regCommand, cmdPacket)

	if !ch.waitNotBusy(1000000) {
		return errTimeout
	}
	if !ch.waitDRQ(2000000) {
		return errTaskfile
	}

	for i := 0; i < 6; i++ {
		w := uint16(cdb[i*2]) | uint16(cdb[i*2+1])<<8
		outwFn(ch.ioBase+regData, w)
	}

	off := 0
	remaining := byteCount
	for remaining > 0 {
		if !ch.waitNotBusy(1000000) {
			return errTimeout
		}
		st := ch.status()
		if st&(srErr|srDF) != 0 {
			return errTaskfile
		}
		if st&srDRQ == 0 {
			break
		}

		lo := uint32(inbFn(ch.ioBase + regLBA1))
		hi := uint32(inbFn(ch.ioBase + regLBA2))
		words := lo | hi<<8
		if words == 0 {
			words = 0x10000
		}
		chunk := int(words) * 2
		if chunk > remaining {
			chunk = remaining
		}

		for i := 0; i < chunk/2; i++ {
			if write {
				w := uint16(buf[off+i*2]) | uint16(buf[off+i*2+1])<<8
				outwFn(ch.ioBase+regData, w)
			} else {
				w := inwFn(ch.ioBase + regData)
				buf[off+i*2] = uint8(w)
				buf[off+i*2+1] = uint8(w >> 8)
			}
		}
		off += chunk
		remaining -= chunk
	}

	if !ch.waitNotBusy(1000000) {
		return errTimeout
	}
	st := ch.status()
	if st&(srErr|srDF) != 0 {
		return errTaskfile
	}
	return nil
}

func (d *Device) atapiReadCapacity() (lastLBA, blockLen uint32, err *kernel.Error) {
	var cdb [12]byte
	cdb[0] = atapiReadCapacity10
	cap := make([]byte, 8)
	if err := d.atapiPacket(cdb, cap, false); err != nil {
		return 0, 0, err
	}
	lastLBA = uint32(cap[0])<<24 | uint32(cap[1])<<16 | uint32(cap[2])<<8 | uint32(cap[3])
	blockLen = uint32(cap[4])<<24 | uint32(cap[5])<<16 | uint32(cap[6])<<8 | uint32(cap[7])
	return lastLBA, blockLen, nil
}

// atapiChunkLimit bounds an ATAPI READ(10|12) transfer to 16 blocks.
const atapiChunkLimit = 16

func (d *Device) atapiReadBlocks(lba uint32, blocks uint32, buf []byte) *kernel.Error {
	if blocks == 0 {
		return nil
	}
	var cdb [12]byte
	cdb[0] = atapiRead10
	cdb[2] = uint8(lba >> 24)
	cdb[3] = uint8(lba >> 16)
	cdb[4] = uint8(lba >> 8)
	cdb[5] = uint8(lba)
	cdb[7] = uint8(blocks >> 8)
	cdb[8] = uint8(blocks)
	if err := d.atapiPacket(cdb, buf, false); err == nil {
		return nil
	}

	var cdb12 [12]byte
	cdb12[0] = atapiRead12
	cdb12[2] = uint8(lba >> 24)
	cdb12[3] = uint8(lba >> 16)
	cdb12[4] = uint8(lba >> 8)
	cdb12[5] = uint8(lba)
	cdb12[6] = uint8(blocks >> 16)
	cdb12[7] = uint8(blocks >> 8)
	cdb12[8] = uint8(blocks)
	if err := d.atapiPacket(cdb12, buf, false); err != nil {
		d.atapiRequestSense()
		return err
	}
	return nil
}

func (d *Device) atapiRequestSense() {
	var cdb [12]byte
	cdb[0] = atapiRequestSense
	cdb[4] = 18
	sense := make([]byte, 18)
	_ = d.atapiPacket(cdb, sense, false)
}

// chunkLimit bounds a single PIO/DMA command per LBA-mode width.
func (d *Device) chunkLimit() uint32 {
	if d.LBA48 {
		return 65535
	}
	return 255
}

func wordsToBytes(w []uint16) []byte {
	b := make([]byte, len(w)*2)
	for i, v := range w {
		b[i*2] = uint8(v)
		b[i*2+1] = uint8(v >> 8)
	}
	return b
}

func bytesToWords(b []byte) []uint16 {
	w := make([]uint16, len(b)/2)
	for i := range w {
		w[i] = uint16(b[i*2]) | uint16(b[i*2+1])<<8
	}
	return w
}

// Read implements blk.Ops.Read for an ATA disk or ATAPI CDROM, chunking
// per chunkLimit()/atapiChunkLimit. Disk reads always use PIO; dmaTransfer
// is not used by Read or Write, even when a BMIDE base is known.
func (d *Device) Read(lba uint64, count uint32, buf []byte) *kernel.Error {
	switch d.Kind {
	case kindATA:
		out := buf
		for count > 0 {
			n := count
			if max := d.chunkLimit(); n > max {
				n = max
			}
			chunkBytes := out[:n*d.SectorSize]
			words := bytesToWords(chunkBytes)
			var err *kernel.Error
			if d.LBA48 {
				err = d.pioRead48(lba, uint16(n), words)
			} else {
				err = d.pioRead28(uint32(lba), uint8(n), words)
			}
			if err != nil {
				return err
			}
			copy(chunkBytes, wordsToBytes(words))
			lba += uint64(n)
			out = out[n*d.SectorSize:]
			count -= n
		}
		return nil
	case kindATAPI:
		out := buf
		for count > 0 {
			n := count
			if n > atapiChunkLimit {
				n = atapiChunkLimit
			}
			chunkBytes := out[:n*d.SectorSize]
			if err := d.atapiReadBlocks(uint32(lba), n, chunkBytes); err != nil {
				return err
			}
			lba += uint64(n)
			out = out[n*d.SectorSize:]
			count -= n
		}
		return nil
	default:
		return errUnsupported
	}
}

// Write implements blk.Ops.Write; ATAPI media is read-only.
func (d *Device) Write(lba uint64, count uint32, buf []byte) *kernel.Error {
	if d.Kind != kindATA {
		return errUnsupported
	}
	in := buf
	for count > 0 {
		n := count
		if max := d.chunkLimit(); n > max {
			n = max
		}
		chunkBytes := in[:n*d.SectorSize]
		words := bytesToWords(chunkBytes)
		var err *kernel.Error
		if d.LBA48 {
			err = d.pioWrite48(lba, uint16(n), words)
		} else {
			err = d.pioWrite28(uint32(lba), uint8(n), words)
		}
		if err != nil {
			return err
		}
		lba += uint64(n)
		in = in[n*d.SectorSize:]
		count -= n
	}
	return nil
}

// Flush implements blk.Ops.Flush: FLUSH CACHE [EXT] for ATA, a no-op for
// ATAPI.
func (d *Device) Flush() *kernel.Error {
	if d.Kind != kindATA {
		return nil
	}
	ch := d.ch
	outbFn(ch.ioBase+regHDDevSel, 0xE0|(d.drive<<4))
	ch.delay400ns()
	if d.LBA48 {
		outbFn(ch.ioBase+regCommand, cmdFlushCacheExt)
	} else {
		outbFn(ch.ioBase+regCommand, cmdFlushCache)
	}
	if !ch.waitNotBusy(2000000) {
		return errTimeout
	}
	st := ch.status()
	if st&(srErr|srDF) != 0 {
		return errTaskfile
	}
	return nil
}

// Controller owns the two legacy IDE channels and the devices detected on
// them.
type Controller struct {
	channels [2]*channel
	devices  []*Device
}

// CompatIRQHandler returns the handler boot wiring should register on
// IRQ14 (chanIdx 0) or IRQ15 (chanIdx 1) when that channel is running in
// compatibility mode (irqCompat is not 0xFF), and reports whether registration is
// needed at all.
func (c *Controller) CompatIRQHandler(chanIdx int) (handler func(), needed bool) {
	ch := c.channels[chanIdx]
	if ch.irqCompat == 0xFF {
		return nil, false
	}
	return func() { ch.irqEvent = true }, true
}

// setupChannelsFromPCI decodes the IDE PCI device's prog-if: bit 0 selects
// native mode for the primary channel, bit 2 for the
// secondary; BAR4 (if I/O) is the BMIDE base.
func setupChannelsFromPCI(bus *pci.Bus) *Controller {
	c := &Controller{
		channels: [2]*channel{
			{ioBase: primaryIO, ctrlBase: primaryCtrl, irqCompat: 14},
			{ioBase: secondaryIO, ctrlBase: secondaryCtrl, irqCompat: 15},
		},
	}

	ide := bus.FindByClass(0x01, 0x01, -1)
	if ide == nil {
		return c
	}

	pci.EnableIOAndMemory(ide)
	pci.EnableBusMastering(ide)

	progIF := ide.ProgIF
	primaryNative := progIF&0x01 != 0
	secondaryNative := progIF&0x04 != 0

	if primaryNative && len(ide.BARs) >= 2 &&
		ide.BARs[0].Kind == pci.BARIO && ide.BARs[1].Kind == pci.BARIO && ide.BARs[0].Address != 0 {
		c.channels[0].ioBase = uint16(ide.BARs[0].Address)
		c.channels[0].ctrlBase = uint16(ide.BARs[1].Address)
		c.channels[0].irqCompat = 0xFF
	}
	if secondaryNative && len(ide.BARs) >= 4 &&
		ide.BARs[2].Kind == pci.BARIO && ide.BARs[3].Kind == pci.BARIO && ide.BARs[2].Address != 0 {
		c.channels[1].ioBase = uint16(ide.BARs[2].Address)
		c.channels[1].ctrlBase = uint16(ide.BARs[3].Address)
		c.channels[1].irqCompat = 0xFF
	}

	if len(ide.BARs) >= 5 && ide.BARs[4].Kind == pci.BARIO && ide.BARs[4].Address != 0 {
		bmBase := uint16(ide.BARs[4].Address)
		c.channels[0].bmBase = bmBase
		c.channels[1].bmBase = bmBase + bmSecondaryOffset
	}

	return c
}

// probeChannel soft-resets a channel and identifies its master/slave
// drives.
func (c *Controller) probeChannel(ch *channel) {
	ch.softReset()
	for drive := uint8(0); drive < 2; drive++ {
		d, err := identify(ch, drive)
		if err != nil {
			continue
		}
		c.devices = append(c.devices, d)
	}
}

// BlockDevices registers every detected drive with registry and returns
// them, using names ata0.. for disks and cd0.. for ATAPI media.
func (c *Controller) BlockDevices(registry *blk.Registry) []*blk.Device {
	var out []*blk.Device
	ataIdx, cdIdx := 0, 0
	for _, d := range c.devices {
		switch d.Kind {
		case kindATA:
			name := "ata" + itoa(ataIdx)
			ataIdx++
			bd := registry.Register(name, blk.Disk, d.SectorSize, d.Total, blk.Ops{
				Read:  d.Read,
				Write: d.Write,
				Flush: d.Flush,
			}, d)
			out = append(out, bd)
		case kindATAPI:
			last, blen, err := d.atapiReadCapacity()
			if err != nil || blen == 0 {
				blen = 2048
				last = 0
			}
			name := "cd" + itoa(cdIdx)
			cdIdx++
			bd := registry.Register(name, blk.CDROM, blen, uint64(last)+1, blk.Ops{
				Read: d.Read,
			}, d)
			out = append(out, bd)
		}
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// driverResult adapts a detected Controller to device.Driver.
type driverResult struct {
	ctl *Controller
}

func (r *driverResult) DriverName() string { return "ATA" }

func (r *driverResult) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

func (r *driverResult) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "[ata] devices=%d\n", len(r.ctl.devices))
	r.ctl.BlockDevices(blk.Default)
	return nil
}

// Controller returns the detected channels/devices, for boot wiring or
// tests that need typed access beyond device.Driver.
func (r *driverResult) Controller() *Controller { return r.ctl }

// busFn is set by boot wiring before Probe runs (pci.Enumerate must
// complete first); nil means
// "no PCI bus known yet", in which case the probe reports no hardware
// rather than touching fixed legacy ports blindly.
var busFn func() *pci.Bus

// SetBus installs the PCI bus boot wiring enumerated, so Probe can look up
// the legacy IDE controller's BARs and prog-if.
func SetBus(b func() *pci.Bus) { busFn = b }

func probeForATA() device.Driver {
	if busFn == nil {
		return nil
	}
	bus := busFn()
	if bus == nil {
		return nil
	}
	ide := bus.FindByClass(0x01, 0x01, -1)
	ata := bus.FindByClass(0x01, 0x05, -1)
	if ide == nil && ata == nil {
		return nil
	}

	ctl := setupChannelsFromPCI(bus)
	for _, ch := range ctl.channels {
		ctl.probeChannel(ch)
	}
	if len(ctl.devices) == 0 {
		return nil
	}
	return &driverResult{ctl: ctl}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderStorage,
		Probe: probeForATA,
	})
}

// compat-mode IRQ14/15 registration against the selected intc.Controller
// happens in boot wiring, once the controller implementation is chosen;
// this package only flags irqEvent from the ISR boot wiring installs.
