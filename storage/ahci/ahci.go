// Package ahci implements the AHCI storage driver: HBA ownership handoff
// from firmware, the per-port engine lifecycle (stop,
// COMRESET, start), command slot 0 with a single PRDT entry, READ/WRITE
// DMA EXT for SATA disks and PACKET/READ(10|12) for SATA ATAPI devices.
// Detected devices are registered with the blk registry.
//
// All HBA and port registers are accessed through mmio32 with explicit
// barriers; the DMA-area structures are encoded with byte-level
// little-endian stores.
package ahci

import (
	"io"
	"unsafe"

	"novaos/blk"
	"novaos/device"
	"novaos/kernel"
	"novaos/kernel/cpu"
	"novaos/kernel/kfmt"
	"novaos/pci"
	"novaos/platform/paging"
)

// MMIO mapping seam, same pattern as intc/apic.
var (
	identityMapFn = paging.IdentityMapRegion
	setMemTypeFn  = paging.SetMemoryType
)

// HBA register offsets from ABAR.
const (
	hbaCAP  = 0x00
	hbaGHC  = 0x04
	hbaIS   = 0x08
	hbaPI   = 0x0C
	hbaVS   = 0x10
	hbaBOHC = 0x28

	portsBase = 0x100
	portSpan  = 0x80
)

// Port register offsets from the port's register base.
const (
	pxCLB  = 0x00
	pxCLBU = 0x04
	pxFB   = 0x08
	pxFBU  = 0x0C
	pxIS   = 0x10
	pxIE   = 0x14
	pxCMD  = 0x18
	pxTFD  = 0x20
	pxSIG  = 0x24
	pxSSTS = 0x28
	pxSCTL = 0x2C
	pxSERR = 0x30
	pxCI   = 0x38
)

// Register bits.
const (
	ghcAE = 1 << 31
	ghcIE = 1 << 1

	bohcBOS = 1 << 0
	bohcOOS = 1 << 1

	cmdST  = 1 << 0
	cmdSUD = 1 << 1
	cmdPOD = 1 << 2
	cmdFRE = 1 << 4
	cmdFR  = 1 << 14
	cmdCR  = 1 << 15

	tfdERR = 1 << 0
	tfdDRQ = 1 << 3
	tfdBSY = 1 << 7

	isTFES = uint32(1) << 30

	sstsDETMask = 0xF
	detPresent  = 3
)

// Device signatures read from PxSIG after COMRESET.
const (
	sigATA   = 0x00000101
	sigATAPI = 0xEB140101
)

// FIS and command constants.
const (
	fisTypeRegH2D = 0x27
	fisRegH2DLen  = 20 // bytes; cfl is this divided by 4

	cmdReadDMAExt    = 0x25
	cmdWriteDMAExt   = 0x35
	cmdIdentify      = 0xEC
	cmdPacket        = 0xA0
	cmdFlushCache    = 0xE7
	cmdFlushCacheExt = 0xEA

	atapiRequestSense   = 0x03
	atapiReadCapacity10 = 0x25
	atapiRead10         = 0x28
	atapiRead12         = 0xA8
)

// Bounded spin counts.
const (
	spinEngine  = 1000000
	spinCommand = 5000000
)

// Transfer chunking limits.
const (
	maxChunkSectors     = 128
	maxAtapiChunkBlocks = 16
)

// DMA area sizes and alignments.
const (
	cmdListSize  = 1024
	cmdListAlign = 1024
	fisAreaSize  = 256
	fisAreaAlign = 256
	cmdTableSize = 256 // cfis 64 + acmd 16 + reserved 48 + one PRDT entry
	cmdTableAlign = 128
)

// Command table layout.
const (
	ctCFIS = 0x00
	ctACMD = 0x40
	ctPRDT = 0x80
)

var (
	errNoABAR   = &kernel.Error{Module: "ahci", Message: "BAR5 is missing or not MMIO", Kind: kernel.ErrInvalid}
	errPortBusy = &kernel.Error{Module: "ahci", Message: "port busy before command issue", Kind: kernel.ErrIO}
	errTFES     = &kernel.Error{Module: "ahci", Message: "task file error (TFES)", Kind: kernel.ErrIO}
	errTimeout  = &kernel.Error{Module: "ahci", Message: "command did not complete within the spin bound", Kind: kernel.ErrIO}
)

// Controller owns one HBA: its ABAR window, the per-port contexts, and the
// legacy INTx line if one was reported.
type Controller struct {
	abar    uintptr
	irqLine uint8 // 0xFF when running polled
	ports   [32]*Port
	log     io.Writer

	registry *blk.Registry

	// ackFn acknowledges the controller's IRQ line; installed by boot
	// wiring together with the ISR, nil when polled.
	ackFn func()
}

// Port is one implemented HBA port with its slot-0 command machinery.
type Port struct {
	ctl    *Controller
	regs   uintptr
	portNo uint8

	clb  []byte // command list, 1 KiB aligned
	fb   []byte // received-FIS area, 256 B aligned
	ctba []byte // command table for slot 0, >=128 B aligned

	blockSize uint32
	dev       *blk.Device

	// lastIRQEvents accumulates PxIS bits latched by the ISR; written by
	// the ISR, read and cleared by the command submitter.
	lastIRQEvents uint32
}

// mmio32 read/write with explicit barriers so no register access is
// reordered.
func mmioRead32(addr uintptr) uint32 {
	cpu.MemoryBarrier()
	v := *(*uint32)(unsafe.Pointer(addr))
	cpu.MemoryBarrier()
	return v
}

func mmioWrite32(addr uintptr, value uint32) {
	cpu.MemoryBarrier()
	*(*uint32)(unsafe.Pointer(addr)) = value
	cpu.MemoryBarrier()
}

func (c *Controller) hbaRead(reg uintptr) uint32         { return mmioRead32(c.abar + reg) }
func (c *Controller) hbaWrite(reg uintptr, value uint32) { mmioWrite32(c.abar+reg, value) }

func (p *Port) read(reg uintptr) uint32         { return mmioRead32(p.regs + reg) }
func (p *Port) write(reg uintptr, value uint32) { mmioWrite32(p.regs+reg, value) }

// flush forces posted MMIO writes out by reading HBA.IS, the same
// read-flush that orders a PxIS clear before a PxCI write.
func (c *Controller) flush() { _ = c.hbaRead(hbaIS) }

// alignedBlock allocates size bytes aligned to align, which must be a
// power of two. The backing array is retained through the returned slice,
// so the memory stays pinned for DMA.
func alignedBlock(size, align int) []byte {
	buf := make([]byte, size+align)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	off := 0
	if rem := int(addr & uintptr(align-1)); rem != 0 {
		off = align - rem
	}
	return buf[off : off+size]
}

func bufPhys(buf []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

// NewController maps dev's ABAR and prepares a Controller. Init performs
// the actual HBA bring-up.
func NewController(dev *pci.Device, w io.Writer) (*Controller, *kernel.Error) {
	if w == nil {
		w = io.Discard
	}
	pci.EnableIOAndMemory(dev)
	pci.EnableBusMastering(dev)

	if len(dev.BARs) < 6 {
		kfmt.Fprintf(w, "[ahci] unexpected BAR count %d on %d.%d.%d\n", len(dev.BARs), dev.Bus, dev.Dev, dev.Func)
	}
	var abar uint64
	if len(dev.BARs) >= 6 {
		bar5 := dev.BARs[5]
		if bar5.Kind == pci.BARMem32 || bar5.Kind == pci.BARMem64 {
			abar = bar5.Address
		}
	}
	if abar == 0 {
		return nil, errNoABAR
	}

	if err := identityMapFn(uintptr(abar), portsBase+32*portSpan); err != nil {
		return nil, err
	}
	_ = setMemTypeFn(uintptr(abar), portsBase+32*portSpan, paging.MemoryTypeUncacheable)

	irqLine := pci.ConfigRead8(dev.Bus, dev.Dev, dev.Func, 0x3C)
	return &Controller{abar: uintptr(abar), irqLine: irqLine, log: w}, nil
}

// Init brings up the HBA: AE, BIOS/OS handoff, interrupt
// enable, then the per-port lifecycle for every bit set in PI.
func (c *Controller) Init() *kernel.Error {
	if c.hbaRead(hbaGHC)&ghcAE == 0 {
		c.hbaWrite(hbaGHC, c.hbaRead(hbaGHC)|ghcAE)
	}

	if c.hbaRead(hbaBOHC)&bohcBOS != 0 {
		kfmt.Fprintf(c.log, "[ahci] BIOS owns the HBA; requesting OS ownership\n")
		c.hbaWrite(hbaBOHC, c.hbaRead(hbaBOHC)|bohcOOS)
		spin := spinCommand
		for c.hbaRead(hbaBOHC)&bohcBOS != 0 && spin > 0 {
			spin--
		}
		if c.hbaRead(hbaBOHC)&bohcBOS != 0 {
			kfmt.Fprintf(c.log, "[ahci] BIOS did not release ownership; continuing\n")
		}
	}

	c.hbaWrite(hbaIS, 0xFFFFFFFF)
	c.hbaWrite(hbaGHC, c.hbaRead(hbaGHC)|ghcIE)

	pi := c.hbaRead(hbaPI)
	for i := uint8(0); i < 32; i++ {
		if pi&(1<<i) == 0 {
			continue
		}
		p := &Port{
			ctl:       c,
			regs:      c.abar + portsBase + uintptr(i)*portSpan,
			portNo:    i,
			blockSize: 512,
		}
		if !p.configure() {
			kfmt.Fprintf(c.log, "[ahci] port %d configuration failed\n", i)
			continue
		}
		c.ports[i] = p
	}
	return nil
}

// IRQLine returns the legacy INTx line from PCI config space, or 0xFF.
func (c *Controller) IRQLine() uint8 { return c.irqLine }

// SetAck installs the end-of-interrupt callback HandleIRQ invokes.
func (c *Controller) SetAck(ack func()) { c.ackFn = ack }

// HandleIRQ is the ISR body: for each port bit set in HBA.IS, latch PxIS
// into the port's event accumulator and write both back to clear.
func (c *Controller) HandleIRQ() {
	his := c.hbaRead(hbaIS)
	if his != 0 {
		for i := uint8(0); i < 32; i++ {
			if his&(1<<i) == 0 {
				continue
			}
			regs := c.abar + portsBase + uintptr(i)*portSpan
			pis := mmioRead32(regs + pxIS)
			mmioWrite32(regs+pxIS, pis)
			if p := c.ports[i]; p != nil {
				p.lastIRQEvents |= pis
			}
		}
		c.hbaWrite(hbaIS, his)
	}
	if c.ackFn != nil {
		c.ackFn()
	}
}

// stopEngine clears ST and FRE, waiting for CR and FR to drop. Timeouts
// are warnings, not errors.
func (p *Port) stopEngine() {
	p.write(pxCMD, p.read(pxCMD)&^uint32(cmdST))
	spin := spinEngine
	for p.read(pxCMD)&cmdCR != 0 && spin > 0 {
		spin--
	}
	if p.read(pxCMD)&cmdCR != 0 {
		kfmt.Fprintf(p.ctl.log, "[ahci] port %d stop timeout (CR still set)\n", p.portNo)
	}

	p.write(pxCMD, p.read(pxCMD)&^uint32(cmdFRE))
	spin = spinEngine
	for p.read(pxCMD)&cmdFR != 0 && spin > 0 {
		spin--
	}
	if p.read(pxCMD)&cmdFR != 0 {
		kfmt.Fprintf(p.ctl.log, "[ahci] port %d stop timeout (FR still set)\n", p.portNo)
	}
}

// startEngine powers on, spins up, enables FIS receive, then starts the
// command engine.
func (p *Port) startEngine() {
	p.write(pxCMD, p.read(pxCMD)|cmdPOD)
	p.write(pxCMD, p.read(pxCMD)|cmdSUD)

	p.write(pxCMD, p.read(pxCMD)|cmdFRE)
	spin := spinEngine
	for p.read(pxCMD)&cmdFR == 0 && spin > 0 {
		spin--
	}
	if p.read(pxCMD)&cmdFR == 0 {
		kfmt.Fprintf(p.ctl.log, "[ahci] port %d: FR did not assert after FRE\n", p.portNo)
	}

	p.write(pxCMD, p.read(pxCMD)|cmdST)
	spin = spinEngine
	for p.read(pxCMD)&cmdCR == 0 && spin > 0 {
		spin--
	}
	// CR not reflecting immediately is tolerated on some controllers.
}

// comreset drives SCTL.DET through the 1 -> 0 sequence with settle delays
// and reports whether SSTS.DET shows an attached, PHY-ready device.
func (p *Port) comreset() bool {
	p.write(pxSERR, 0xFFFFFFFF)
	sctl := p.read(pxSCTL)
	p.write(pxSCTL, (sctl&^uint32(0xF))|0x1)
	for i := 0; i < 200000; i++ {
		_ = p.read(pxSSTS)
	}
	p.write(pxSCTL, sctl&^uint32(0xF))
	for i := 0; i < 200000; i++ {
		_ = p.read(pxSSTS)
	}
	return p.read(pxSSTS)&sstsDETMask == detPresent
}

// configure runs the port bring-up: stop, allocate and program the DMA
// areas, slot-0 header, clear PxIS, start, unmask interrupts.
func (p *Port) configure() bool {
	p.stopEngine()

	p.clb = alignedBlock(cmdListSize, cmdListAlign)
	p.fb = alignedBlock(fisAreaSize, fisAreaAlign)
	p.ctba = alignedBlock(cmdTableSize, cmdTableAlign)

	clb := bufPhys(p.clb)
	fb := bufPhys(p.fb)
	p.write(pxCLB, uint32(clb))
	p.write(pxCLBU, uint32(clb>>32))
	p.write(pxFB, uint32(fb))
	p.write(pxFBU, uint32(fb>>32))

	// Command header for slot 0: prdtl=1, CTBA -> command table.
	p.setHeader0(fisRegH2DLen/4, false, false, false, 1)

	p.write(pxIS, 0xFFFFFFFF)
	p.startEngine()

	p.write(pxIS, 0xFFFFFFFF)
	p.write(pxIE, 0xFFFFFFFF)
	return true
}

// setHeader0 programs the slot-0 command header fields: cfl (FIS dwords),
// the ATAPI/write/clear-busy bits and the PRDT length. PRDBC is zeroed.
func (p *Port) setHeader0(cfl int, atapi, write, clearBusy bool, prdtl uint16) {
	flags := uint16(cfl & 0x1F)
	if atapi {
		flags |= 1 << 5
	}
	if write {
		flags |= 1 << 6
	}
	if clearBusy {
		flags |= 1 << 10
	}
	putLE16(p.clb[0:], flags)
	putLE16(p.clb[2:], prdtl)
	putLE32(p.clb[4:], 0) // prdbc
	ctba := bufPhys(p.ctba)
	putLE32(p.clb[8:], uint32(ctba))
	putLE32(p.clb[12:], uint32(ctba>>32))
}

// prdbc returns the slot-0 byte count the HBA wrote back.
func (p *Port) prdbc() uint32 { return le32(p.clb[4:]) }

// setPRDT0 programs the single PRDT entry with IOC set.
func (p *Port) setPRDT0(buf []byte) {
	phys := bufPhys(buf)
	entry := p.ctba[ctPRDT:]
	putLE32(entry[0:], uint32(phys))
	putLE32(entry[4:], uint32(phys>>32))
	putLE32(entry[8:], 0)
	putLE32(entry[12:], (uint32(len(buf)-1)&0x003FFFFF)|1<<31)
}

// clearCmdTable zeroes the slot-0 command table.
func (p *Port) clearCmdTable() {
	for i := range p.ctba {
		p.ctba[i] = 0
	}
}

// buildH2D writes a host-to-device register FIS into the command table.
// count of zero leaves the count fields clear (non-data commands).
func (p *Port) buildH2D(command uint8, lba uint64, count uint16, feature uint16, lbaMode bool) {
	cfis := p.ctba[ctCFIS:]
	cfis[0] = fisTypeRegH2D
	cfis[1] = 1 << 7 // C: this is a command
	cfis[2] = command
	cfis[3] = uint8(feature)
	cfis[4] = uint8(lba)
	cfis[5] = uint8(lba >> 8)
	cfis[6] = uint8(lba >> 16)
	if lbaMode {
		cfis[7] = 1 << 6
	}
	cfis[8] = uint8(lba >> 24)
	cfis[9] = uint8(lba >> 32)
	cfis[10] = uint8(lba >> 40)
	cfis[11] = uint8(feature >> 8)
	cfis[12] = uint8(count)
	cfis[13] = uint8(count >> 8)
}

// waitIdle waits for BSY and DRQ to clear before a new command.
func (p *Port) waitIdle() *kernel.Error {
	spin := spinEngine
	for p.read(pxTFD)&(tfdBSY|tfdDRQ) != 0 && spin > 0 {
		spin--
	}
	if p.read(pxTFD)&(tfdBSY|tfdDRQ) != 0 {
		return errPortBusy
	}
	return nil
}

// issueSlot0 clears PxIS, flushes, sets PxCI bit 0 and waits for
// completion: CI clear, a latched IRQ event, TFES, or the spin bound.
// The latched events are cleared before anything else observes success,
// so a concurrent ISR cannot have its latched event erased by a
// log-then-clear ordering.
func (p *Port) issueSlot0() *kernel.Error {
	p.write(pxIS, 0xFFFFFFFF)
	p.ctl.flush()
	p.write(pxCI, 1)

	spin := spinCommand
	for spin > 0 {
		if p.read(pxCI)&1 == 0 {
			break
		}
		if p.lastIRQEvents != 0 {
			break
		}
		if p.read(pxIS)&isTFES != 0 {
			p.lastIRQEvents = 0
			return errTFES
		}
		spin--
	}
	p.lastIRQEvents = 0
	if p.read(pxCI)&1 != 0 {
		return errTimeout
	}
	if p.read(pxIS)&isTFES != 0 {
		return errTFES
	}
	return nil
}

// dmaCommand runs one READ/WRITE DMA EXT (or IDENTIFY) for buf, which must
// be exactly the transfer size.
func (p *Port) dmaCommand(command uint8, lba uint64, count uint16, buf []byte, write bool) *kernel.Error {
	if err := p.waitIdle(); err != nil {
		return err
	}
	p.clearCmdTable()
	p.setHeader0(fisRegH2DLen/4, false, write, false, 1)
	p.setPRDT0(buf)
	p.buildH2D(command, lba, count, 0, true)
	return p.issueSlot0()
}

// readSectors issues READ DMA EXT for count sectors into buf.
func (p *Port) readSectors(lba uint64, count uint16, buf []byte) *kernel.Error {
	return p.dmaCommand(cmdReadDMAExt, lba, count, buf, false)
}

// writeSectors issues WRITE DMA EXT for count sectors from buf.
func (p *Port) writeSectors(lba uint64, count uint16, buf []byte) *kernel.Error {
	return p.dmaCommand(cmdWriteDMAExt, lba, count, buf, true)
}

// identify issues IDENTIFY DEVICE and returns the raw 512-byte result.
func (p *Port) identify() ([]byte, *kernel.Error) {
	buf := make([]byte, 512)
	if err := p.waitIdle(); err != nil {
		return nil, err
	}
	p.clearCmdTable()
	p.setHeader0(fisRegH2DLen/4, false, false, true, 1)
	p.setPRDT0(buf)
	p.buildH2D(cmdIdentify, 0, 0, 0, true)
	if err := p.issueSlot0(); err != nil {
		return nil, err
	}
	return buf, nil
}

// identifyGeometry parses sector size and total sector count from an
// IDENTIFY result: word 106 bit 12 gates the words 117/118
// logical sector size, word 83 bit 10 selects LBA48 (words 100..103) over
// LBA28 (words 60/61).
func identifyGeometry(id []byte) (sectorSize uint32, total uint64) {
	sectorSize = 512
	w := func(i int) uint16 { return le16(id[i*2:]) }

	if w(106)&(1<<12) != 0 {
		sz := uint32(w(118))<<16 | uint32(w(117))
		if sz >= 512 && sz%512 == 0 {
			sectorSize = sz
		}
	}
	lba28 := uint32(w(61))<<16 | uint32(w(60))
	if w(83)&(1<<10) != 0 {
		total = uint64(w(103))<<48 | uint64(w(102))<<32 | uint64(w(101))<<16 | uint64(w(100))
	} else {
		total = uint64(lba28)
	}
	return sectorSize, total
}

// flushCache issues FLUSH CACHE EXT, falling back to FLUSH CACHE.
func (p *Port) flushCache() *kernel.Error {
	if err := p.issueFlush(cmdFlushCacheExt); err == nil {
		return nil
	}
	return p.issueFlush(cmdFlushCache)
}

func (p *Port) issueFlush(command uint8) *kernel.Error {
	if err := p.waitIdle(); err != nil {
		return err
	}
	p.clearCmdTable()
	p.setHeader0(fisRegH2DLen/4, false, false, false, 0)
	p.buildH2D(command, 0, 0, 0, true)
	return p.issueSlot0()
}

// atapiPacket issues a PACKET command with cdb; the transfer byte count is
// encoded in the FIS feature field, clamped to 0xFFFF.
func (p *Port) atapiPacket(cdb [12]byte, buf []byte, write bool) *kernel.Error {
	if err := p.waitIdle(); err != nil {
		return err
	}
	byteCount := uint32(len(buf))
	feature := byteCount
	if feature > 0xFFFF {
		feature = 0xFFFF
	}

	p.clearCmdTable()
	prdtl := uint16(0)
	if byteCount > 0 {
		prdtl = 1
		p.setPRDT0(buf)
	}
	p.setHeader0(fisRegH2DLen/4, true, write, true, prdtl)
	p.buildH2D(cmdPacket, 0, 0, uint16(feature), false)
	copy(p.ctba[ctACMD:ctACMD+12], cdb[:])
	return p.issueSlot0()
}

// recover runs the short TFES recovery: clear PxIS/PxSERR and restart the
// engine if it was running. It issues no command itself; its callers follow
// it with requestSense for diagnostics.
func (p *Port) recover(tag string) {
	p.write(pxIS, 0xFFFFFFFF)
	p.write(pxSERR, 0xFFFFFFFF)
	p.ctl.flush()

	if p.read(pxCMD)&(cmdST|cmdFRE) != 0 {
		p.stopEngine()
		p.write(pxIS, 0xFFFFFFFF)
		p.write(pxSERR, 0xFFFFFFFF)
		p.ctl.flush()
		p.write(pxCMD, p.read(pxCMD)|cmdFRE)
		p.write(pxCMD, p.read(pxCMD)|cmdST)
	}
	kfmt.Fprintf(p.ctl.log, "[ahci] port %d recovered after %s\n", p.portNo, tag)
}

func (p *Port) requestSense() {
	var cdb [12]byte
	cdb[0] = atapiRequestSense
	cdb[4] = 18
	sense := make([]byte, 18)
	if p.atapiPacket(cdb, sense, false) == nil {
		kfmt.Fprintf(p.ctl.log, "[ahci] port %d sense key=0x%x asc=0x%x ascq=0x%x\n",
			p.portNo, sense[2]&0x0F, sense[12], sense[13])
	}
}

// atapiReadBlocks reads blocks 2 KiB blocks via READ(10), recovering and
// falling back to READ(12) on TFES.
func (p *Port) atapiReadBlocks(lba uint32, blocks uint32, buf []byte) *kernel.Error {
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
	if err := p.atapiPacket(cdb, buf, false); err == nil {
		return nil
	}
	p.recover("READ(10)")
	p.requestSense()

	var cdb12 [12]byte
	cdb12[0] = atapiRead12
	cdb12[2] = uint8(lba >> 24)
	cdb12[3] = uint8(lba >> 16)
	cdb12[4] = uint8(lba >> 8)
	cdb12[5] = uint8(lba)
	cdb12[6] = uint8(blocks >> 16)
	cdb12[7] = uint8(blocks >> 8)
	cdb12[8] = uint8(blocks)
	if err := p.atapiPacket(cdb12, buf, false); err != nil {
		p.recover("READ(12)")
		p.requestSense()
		return err
	}
	return nil
}

// atapiReadCapacity issues READ CAPACITY(10); fields are big-endian.
func (p *Port) atapiReadCapacity() (lastLBA, blockLen uint32, err *kernel.Error) {
	var cdb [12]byte
	cdb[0] = atapiReadCapacity10
	capBuf := make([]byte, 8)
	if err := p.atapiPacket(cdb, capBuf, false); err != nil {
		return 0, 0, err
	}
	lastLBA = uint32(capBuf[0])<<24 | uint32(capBuf[1])<<16 | uint32(capBuf[2])<<8 | uint32(capBuf[3])
	blockLen = uint32(capBuf[4])<<24 | uint32(capBuf[5])<<16 | uint32(capBuf[6])<<8 | uint32(capBuf[7])
	return lastLBA, blockLen, nil
}

// Read implements blk.Ops.Read for a SATA disk, chunking at 128 sectors
// per command.
func (p *Port) Read(lba uint64, count uint32, buf []byte) *kernel.Error {
	out := buf
	for count > 0 {
		n := count
		if n > maxChunkSectors {
			n = maxChunkSectors
		}
		chunk := out[:n*p.blockSize]
		if err := p.readSectors(lba, uint16(n), chunk); err != nil {
			return err
		}
		lba += uint64(n)
		out = out[n*p.blockSize:]
		count -= n
	}
	return nil
}

// Write implements blk.Ops.Write for a SATA disk, same chunking as Read.
func (p *Port) Write(lba uint64, count uint32, buf []byte) *kernel.Error {
	in := buf
	for count > 0 {
		n := count
		if n > maxChunkSectors {
			n = maxChunkSectors
		}
		chunk := in[:n*p.blockSize]
		if err := p.writeSectors(lba, uint16(n), chunk); err != nil {
			return err
		}
		lba += uint64(n)
		in = in[n*p.blockSize:]
		count -= n
	}
	return nil
}

// Flush implements blk.Ops.Flush for a SATA disk.
func (p *Port) Flush() *kernel.Error { return p.flushCache() }

// AtapiRead implements blk.Ops.Read for a SATA ATAPI device, chunking at
// 16 blocks per PACKET.
func (p *Port) AtapiRead(lba uint64, count uint32, buf []byte) *kernel.Error {
	out := buf
	for count > 0 {
		n := count
		if n > maxAtapiChunkBlocks {
			n = maxAtapiChunkBlocks
		}
		chunk := out[:n*p.blockSize]
		if err := p.atapiReadBlocks(uint32(lba), n, chunk); err != nil {
			return err
		}
		lba += uint64(n)
		out = out[n*p.blockSize:]
		count -= n
	}
	return nil
}

// DetectDevices COMRESETs every configured port, classifies by PxSIG, and
// registers the resulting block devices. Unknown signatures skip the port.
func (c *Controller) DetectDevices(registry *blk.Registry) []*blk.Device {
	c.registry = registry
	var out []*blk.Device
	for i := uint8(0); i < 32; i++ {
		p := c.ports[i]
		if p == nil {
			continue
		}
		if !c.probePort(p) {
			continue
		}
		if p.dev != nil {
			out = append(out, p.dev)
		}
	}
	return out
}

func (c *Controller) probePort(p *Port) bool {
	if !p.comreset() {
		return false
	}
	sig := p.read(pxSIG)
	switch sig {
	case sigATA:
		blockSize := uint32(512)
		var total uint64
		if id, err := p.identify(); err == nil {
			blockSize, total = identifyGeometry(id)
		} else {
			kfmt.Fprintf(c.log, "[ahci] port %d IDENTIFY failed; using defaults\n", p.portNo)
		}
		p.blockSize = blockSize
		name := "ahci" + itoa(int(p.portNo))
		p.dev = c.registry.Register(name, blk.Disk, blockSize, total, blk.Ops{
			Read:  p.Read,
			Write: p.Write,
			Flush: p.Flush,
		}, p)
		return true
	case sigATAPI:
		last, blen, err := p.atapiReadCapacity()
		if err != nil || blen == 0 {
			blen = 2048
			last = 0
		}
		p.blockSize = blen
		name := "cd" + itoa(int(p.portNo))
		p.dev = c.registry.Register(name, blk.CDROM, blen, uint64(last)+1, blk.Ops{
			Read: p.AtapiRead,
		}, p)
		return true
	default:
		kfmt.Fprintf(c.log, "[ahci] port %d unknown signature 0x%x; skipping\n", p.portNo, sig)
		return false
	}
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

// Little-endian helpers for the DMA-area structures; these live in normal
// RAM, not MMIO, so plain byte stores are fine.
func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// driverResult adapts a Controller to device.Driver.
type driverResult struct {
	ctl *Controller
}

func (r *driverResult) DriverName() string { return "AHCI" }

func (r *driverResult) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

func (r *driverResult) DriverInit(w io.Writer) *kernel.Error {
	r.ctl.log = w
	if err := r.ctl.Init(); err != nil {
		return err
	}
	devs := r.ctl.DetectDevices(blk.Default)
	kfmt.Fprintf(w, "[ahci] devices=%d\n", len(devs))
	return nil
}

// Controller returns the typed controller for boot wiring (IRQ handler
// installation) and tests.
func (r *driverResult) Controller() *Controller { return r.ctl }

// busFn is set by boot wiring before storage probes run; nil means no PCI
// bus is known yet and the probe reports no hardware.
var busFn func() *pci.Bus

// SetBus installs the PCI bus boot wiring enumerated.
func SetBus(b func() *pci.Bus) { busFn = b }

func probeForAHCI() device.Driver {
	if busFn == nil {
		return nil
	}
	bus := busFn()
	if bus == nil {
		return nil
	}
	dev := bus.FindByClass(0x01, 0x06, 0x01)
	if dev == nil {
		return nil
	}
	ctl, err := NewController(dev, io.Discard)
	if err != nil {
		return nil
	}
	return &driverResult{ctl: ctl}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderStorage,
		Probe: probeForAHCI,
	})
}
