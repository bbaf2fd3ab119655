// Package kmain wires the boot-time hardware acquisition pipeline: the
// multiboot handoff, platform discovery, interrupt controller and timer
// selection, uptime binding, PCI enumeration, storage probes, volume
// scanning, and the initial VFS namespace (RAMFS at "/", auto-mounted
// filesystems under /mnt).
package kmain

import (
	"io"

	"novaos/blk"
	"novaos/device"
	"novaos/intc"
	"novaos/intc/apic"
	"novaos/intc/pic"
	"novaos/kernel"
	"novaos/kernel/gate"
	"novaos/kernel/kfmt"
	"novaos/pci"
	"novaos/platform/acpi"
	"novaos/platform/multiboot"
	"novaos/storage/ahci"
	"novaos/storage/ata"
	"novaos/timer"
	"novaos/timer/hpet"
	"novaos/timer/pit"
	"novaos/vfs"
	"novaos/vfs/fat"
	"novaos/vfs/iso9660"
	"novaos/vfs/ntfs"
	"novaos/vfs/ramfs"
	"novaos/volume"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned", Kind: kernel.ErrUnknown}

// printfSink adapts kfmt.Printf (which buffers into the early ring buffer
// until a console sink is attached) to the io.Writer the subsystem init
// functions log through.
type printfSink struct{}

func (printfSink) Write(p []byte) (int, error) {
	kfmt.Printf("%s", p)
	return len(p), nil
}

// Boot-time singletons: the selected interrupt controller and timer, the
// PCI bus, and the VFS namespace. Initialized once by Kmain in a
// deterministic order; read-mostly afterwards.
var (
	irqController intc.Controller
	systemTimer   timer.Timer
	pciBus        *pci.Bus
	rootVFS       *vfs.VFS
)

// IRQController returns the interrupt controller selected at boot.
func IRQController() intc.Controller { return irqController }

// SystemTimer returns the hardware timer selected at boot.
func SystemTimer() timer.Timer { return systemTimer }

// Root returns the VFS namespace assembled at boot.
func Root() *vfs.VFS { return rootVFS }

// Kmain is the only Go symbol visible to the rt0 initialization code,
// invoked after the GDT and a minimal g0 are set up. The bootloader's
// multiboot info pointer is passed through. Kmain is not expected to
// return; if it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	w := printfSink{}
	if err := boot(w); err != nil {
		kfmt.Panic(err)
	}

	// Use kernel.Panic-style halt instead of returning so the compiler
	// cannot treat the halt path as dead code.
	kfmt.Panic(errKmainReturned)
}

// boot runs the pipeline end to end. Only a missing memory map is fatal;
// every other failed subsystem degrades to its fallback (PIC, PIT, AHCI
// without legacy ATA, an empty /mnt).
func boot(w io.Writer) *kernel.Error {
	ft, err := acpi.Discover(w)
	if err != nil {
		// A missing memory map halts the system.
		return err
	}

	irqController = selectController(ft, w)
	systemTimer = selectTimer(ft, w)

	if err := systemTimer.SetFrequency(timer.DefaultFrequencyHz()); err != nil {
		kfmt.Fprintf(w, "[kmain] timer frequency: %s\n", err.Message)
	}
	timer.BindUptime(systemTimer)
	if err := systemTimer.Start(); err != nil {
		kfmt.Fprintf(w, "[kmain] timer start: %s\n", err.Message)
	}

	pciBus = pci.New()
	pciBus.Enumerate(true)
	kfmt.Fprintf(w, "[kmain] pci devices=%d\n", len(pciBus.Devices()))

	ata.SetBus(func() *pci.Bus { return pciBus })
	ahci.SetBus(func() *pci.Bus { return pciBus })

	runStorageProbes(w)
	mountFilesystems(w)
	return nil
}

// selectController prefers APIC when the MADT is present and the IO-APIC
// initializes; anything else falls back to the legacy PIC.
func selectController(ft *acpi.FirmwareTables, w io.Writer) intc.Controller {
	if ft.MADT != nil {
		if c, err := apic.New(ft.MADT); err == nil {
			if err := c.Init(); err == nil {
				kfmt.Fprintf(w, "[kmain] interrupt controller: apic\n")
				return c
			}
			kfmt.Fprintf(w, "[kmain] apic init failed; falling back to pic\n")
		}
	}
	c := pic.New()
	if err := c.Init(); err != nil {
		kfmt.Fprintf(w, "[kmain] pic init: %s\n", err.Message)
	}
	kfmt.Fprintf(w, "[kmain] interrupt controller: pic\n")
	return c
}

// selectTimer prefers the HPET when the ACPI table announces a usable,
// legacy-replacement-capable block; otherwise the PIT.
func selectTimer(ft *acpi.FirmwareTables, w io.Writer) timer.Timer {
	if ft.HPET != nil && hpet.Supported(ft.HPET) {
		if t, err := hpet.New(ft.HPET, irqController); err == nil {
			kfmt.Fprintf(w, "[kmain] timer: hpet\n")
			return t
		}
		kfmt.Fprintf(w, "[kmain] hpet unusable; falling back to pit\n")
	}
	kfmt.Fprintf(w, "[kmain] timer: pit\n")
	return pit.New(irqController)
}

// runStorageProbes walks the registered probe list (AHCI, legacy ATA) and
// wires IRQ delivery for the drivers that were found. A failed storage
// driver is logged and skipped; boot continues.
func runStorageProbes(w io.Writer) {
	for _, info := range device.DriverList() {
		// Platform discovery already ran explicitly; only the storage
		// bucket is probed here.
		if info.Order != device.DetectOrderStorage {
			continue
		}
		drv := info.Probe()
		if drv == nil {
			continue
		}
		if err := drv.DriverInit(w); err != nil {
			kfmt.Fprintf(w, "[kmain] %s init failed: %s\n", drv.DriverName(), err.Message)
			continue
		}
		switch d := drv.(type) {
		case interface{ Controller() *ahci.Controller }:
			wireAHCIIRQ(d.Controller(), w)
		case interface{ Controller() *ata.Controller }:
			wireATAIRQs(d.Controller())
		}
	}
}

// wireAHCIIRQ installs the AHCI ISR on the HBA's legacy INTx line; with no
// line reported the driver stays in polled mode.
func wireAHCIIRQ(ctl *ahci.Controller, w io.Writer) {
	line := uint32(ctl.IRQLine())
	if line > 15 {
		kfmt.Fprintf(w, "[kmain] ahci: no legacy IRQ line; polling\n")
		return
	}
	ctl.SetAck(func() { irqController.Ack(line) })
	if err := irqController.RegisterHandler(line, func(_ *gate.Registers) { ctl.HandleIRQ() }); err != nil {
		return
	}
	_ = irqController.Enable(line)
}

// wireATAIRQs installs the IRQ14/IRQ15 event-flag handlers for channels in
// compatibility mode.
func wireATAIRQs(ctl *ata.Controller) {
	for chanIdx, line := range [2]uint32{14, 15} {
		handler, needed := ctl.CompatIRQHandler(chanIdx)
		if !needed {
			continue
		}
		irq := line
		if err := irqController.RegisterHandler(irq, func(_ *gate.Registers) {
			handler()
			irqController.Ack(irq)
		}); err != nil {
			continue
		}
		_ = irqController.Enable(irq)
	}
}

// mountFilesystems builds the initial namespace: RAMFS at "/", a /mnt
// directory, and one auto-mounted filesystem per discovered volume under
// /mnt/sdN (disks) or /mnt/cdN (optical media).
func mountFilesystems(w io.Writer) {
	rootVFS = vfs.New(w)

	ram := ramfs.New()
	_ = rootVFS.RegisterFileSystem(ram)
	_ = rootVFS.RegisterFileSystem(fat.New())
	_ = rootVFS.RegisterFileSystem(ntfs.New(w))
	_ = rootVFS.RegisterFileSystem(iso9660.New())

	if _, err := rootVFS.Mount("/", ram, nil); err != nil {
		kfmt.Fprintf(w, "[kmain] mounting ramfs at / failed: %s\n", err.Message)
		return
	}
	if blk.Default.Count() > 0 {
		_ = rootVFS.Create("/mnt", vfs.NodeDirectory)
	}

	sdIdx, cdIdx := 0, 0
	for i := 0; i < blk.Default.Count(); i++ {
		dev := blk.Default.GetAt(i)
		vols, err := volume.Scan(dev)
		if err != nil {
			kfmt.Fprintf(w, "[kmain] partition scan of %s failed: %s\n", dev.Name, err.Message)
			continue
		}
		for _, vol := range vols {
			var target string
			if dev.Type == blk.CDROM {
				target = "/mnt/cd" + itoa(cdIdx)
			} else {
				target = "/mnt/sd" + itoa(sdIdx)
			}
			params := &vfs.MountParams{Source: vol.Name, Device: dev, Volume: vol}
			if _, err := rootVFS.MountAuto(target, params); err != nil {
				continue
			}
			if dev.Type == blk.CDROM {
				cdIdx++
			} else {
				sdIdx++
			}
		}
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
