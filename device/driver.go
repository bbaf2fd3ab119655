// Package device defines the driver interface and detection-order registry
// shared by every prober in this kernel (ACPI, interrupt controller, timer,
// PCI, AHCI, legacy ATA/ATAPI).
package device

import (
	"io"
	"novaos/kernel"
	"novaos/kernel/kfmt"
	"sort"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Log output is written to w
	// so the caller can prefix it with the driver's name and version.
	DriverInit(w io.Writer) *kernel.Error
}

// ProbeFn attempts to detect a particular piece of hardware. It returns a
// Driver instance if the hardware was found, or nil otherwise. Probing must
// never panic; a probe that cannot tell whether the hardware is present
// returns nil.
type ProbeFn func() Driver

// DetectOrder controls the relative ordering in which probes run. Some
// probes depend on state established by an earlier one (e.g. the interrupt
// controller probe needs the MADT that the ACPI probe parses), so probes
// are grouped into coarse buckets rather than given individual priorities.
type DetectOrder int

// The detection-order buckets, lowest value runs first.
const (
	// DetectOrderEarly is for probes that establish state everything else
	// depends on (platform discovery: multiboot tags, memory map).
	DetectOrderEarly DetectOrder = iota

	// DetectOrderBeforeACPI is for probes that must complete before ACPI
	// table parsing (there are none in the core subsystems today; kept for
	// symmetry with DetectOrderACPI).
	DetectOrderBeforeACPI

	// DetectOrderACPI is for the ACPI table-parsing probe itself.
	DetectOrderACPI

	// DetectOrderPlatform is for probes that consume parsed ACPI/multiboot
	// data: interrupt controller selection, timer selection, PCI
	// enumeration.
	DetectOrderPlatform

	// DetectOrderStorage is for probes that need PCI enumeration to have
	// completed: AHCI and legacy ATA/ATAPI.
	DetectOrderStorage

	// DetectOrderLast runs after everything else.
	DetectOrderLast
)

// DriverInfo describes a registered probe and the order in which it should
// run relative to the other registered probes.
type DriverInfo struct {
	Order DetectOrder
	Probe ProbeFn
}

// DriverInfoList implements sort.Interface, ordering entries by Order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int           { return len(l) }
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }
func (l DriverInfoList) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }

var registeredDrivers DriverInfoList

// RegisterDriver adds info to the list of registered probes. It is
// typically called from a package's init() function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the full list of registered probes, sorted by
// detection order.
func DriverList() DriverInfoList {
	list := make(DriverInfoList, len(registeredDrivers))
	copy(list, registeredDrivers)
	sort.Sort(list)
	return list
}

// Probe runs every registered probe in detection order and returns the
// drivers that were successfully detected and initialized. Probe functions
// that return nil (hardware not present) are skipped; drivers whose
// DriverInit fails are logged to w and skipped.
func Probe(w io.Writer) []Driver {
	var found []Driver
	for _, info := range DriverList() {
		drv := info.Probe()
		if drv == nil {
			continue
		}
		if err := drv.DriverInit(w); err != nil {
			kfmt.Fprintf(w, "[device] %s init failed: %s\n", drv.DriverName(), err.Message)
			continue
		}
		found = append(found, drv)
	}
	return found
}
