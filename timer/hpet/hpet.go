// Package hpet implements the ACPI High Precision Event Timer as a
// timer.Timer, using comparator 0 in periodic legacy-replacement mode
// routed through legacy IRQ0. The periodic comparator is armed with the
// two-write VAL_SET protocol.
package hpet

import (
	"novaos/intc"
	"novaos/kernel"
	"novaos/kernel/cpu"
	"novaos/kernel/gate"
	"novaos/platform/acpi/table"
	"novaos/platform/paging"
	"novaos/timer"
	"unsafe"
)

// Register byte offsets from the HPET MMIO base.
const (
	regCapID    = 0x000
	regConfig   = 0x010
	regISR      = 0x020
	regMainCnt  = 0x0F0
	timerCfgBase = 0x100
	timerCmpBase = 0x108
	timerStride  = 0x20
)

const (
	capLegacyReplacementCapable = 1 << 15
	capClockPeriodShift         = 32

	cfgEnable             = 1 << 0
	cfgLegacyReplacement  = 1 << 1

	tnIntEnable   = 1 << 2
	tnTypePeriodic = 1 << 3
	tnPeriodicCap = 1 << 4
	tnValSet      = 1 << 6
	tn32BitMode   = 1 << 8

	legacyIRQ    = 0
	timerIndex   = 0
	maxClockFs   = 100_000_000 // >100ns per tick is implausible
)

// Timer drives HPET comparator 0 in periodic mode.
type Timer struct {
	base       uintptr
	counterHz  uint64
	controller intc.Controller
	freqHz     uint32
	callbacks  []timer.Callback
	running    bool
}

var _ timer.Timer = (*Timer)(nil)

var (
	identityMapFn = paging.IdentityMapRegion
	setMemTypeFn  = paging.SetMemoryType
)

var (
	errNotPresent   = &kernel.Error{Module: "hpet", Message: "no usable HPET table", Kind: kernel.ErrNotFound}
	errBadPeriod    = &kernel.Error{Module: "hpet", Message: "implausible HPET clock period", Kind: kernel.ErrInvalid}
	errNotLegacyRT  = &kernel.Error{Module: "hpet", Message: "HPET is not legacy-replacement capable", Kind: kernel.ErrUnsupported}
)

// Supported reports whether hpet contains a usable HPET block: base in
// system memory, non-zero base address, and legacy-replacement capability.
// The clock period is not in the table; New checks it from the capability
// register.
func Supported(hpet *table.HPET) bool {
	if hpet == nil {
		return false
	}
	if hpet.BaseAddress.Space != table.AddressSpaceSysMemory {
		return false
	}
	if hpet.BaseAddress.Address == 0 {
		return false
	}
	return hpet.LegacyReplacementCapable()
}

// New constructs an HPET timer from the ACPI HPET table, identity-mapping
// its MMIO window and computing the counter frequency from the clock
// period. It returns an error (not a fatal halt) if the table is
// unsupported; callers fall back to PIT.
func New(hpetTable *table.HPET, controller intc.Controller) (*Timer, *kernel.Error) {
	if !Supported(hpetTable) {
		return nil, errNotPresent
	}

	base := uintptr(hpetTable.BaseAddress.Address)
	if err := identityMapFn(base, 0x400); err != nil {
		return nil, err
	}
	_ = setMemTypeFn(base, 0x400, paging.MemoryTypeUncacheable)

	t := &Timer{base: base, controller: controller, freqHz: timer.DefaultFrequencyHz()}

	cap := t.read64(regCapID)
	periodFs := uint32(cap >> capClockPeriodShift)
	if periodFs == 0 || periodFs > maxClockFs {
		return nil, errBadPeriod
	}
	if cap&capLegacyReplacementCapable == 0 {
		return nil, errNotLegacyRT
	}

	// counterHz = 1e15 / periodFs (femtoseconds per second / femtoseconds
	// per tick).
	t.counterHz = 1_000_000_000_000_000 / uint64(periodFs)

	return t, nil
}

// Name identifies this timer as "hpet".
func (t *Timer) Name() string { return "hpet" }

// Frequency returns the currently configured tick rate.
func (t *Timer) Frequency() uint32 { return t.freqHz }

// SetFrequency reprograms comparator 0 for the requested tick frequency.
func (t *Timer) SetFrequency(hz uint32) *kernel.Error {
	if hz == 0 {
		return &kernel.Error{Module: "hpet", Message: "frequency must be non-zero", Kind: kernel.ErrInvalid}
	}
	t.freqHz = hz
	if t.running {
		t.program()
	}
	return nil
}

func (t *Timer) ticksPerInterval() uint64 {
	if t.freqHz == 0 || t.counterHz == 0 {
		return 1
	}
	ticks := (t.counterHz + uint64(t.freqHz)/2) / uint64(t.freqHz)
	if ticks == 0 {
		ticks = 1
	}
	return ticks
}

// program arms comparator 0: disable the main
// counter, clear timer-0's ISR bit, configure periodic+interrupt-enabled
// with a 64-bit comparator, write now+ticks as the first comparator value
// then ticks as the periodic accumulator (the two-write VAL_SET protocol),
// enable legacy-replacement, re-enable the main counter.
func (t *Timer) program() {
	ticks := t.ticksPerInterval()

	cfg := t.read64(regConfig)
	cfg &^= cfgEnable
	t.write64(regConfig, cfg)

	t.write64(regISR, 1<<timerIndex)

	tcfg := t.read64(timerCfgBase + timerIndex*timerStride)
	tcfg |= tnIntEnable | tnTypePeriodic | tnValSet
	tcfg &^= tn32BitMode
	t.write64(timerCfgBase+timerIndex*timerStride, tcfg)

	now := t.read64(regMainCnt)
	t.write64(timerCmpBase+timerIndex*timerStride, now+ticks)
	t.write64(timerCmpBase+timerIndex*timerStride, ticks)

	cfg |= cfgLegacyReplacement | cfgEnable
	t.write64(regConfig, cfg)
}

// Start registers the ISR on legacy IRQ0, programs the comparator, and
// unmasks the line.
func (t *Timer) Start() *kernel.Error {
	if err := t.controller.RegisterHandler(legacyIRQ, t.isr); err != nil {
		return err
	}
	t.program()
	if err := t.controller.Enable(legacyIRQ); err != nil {
		return err
	}
	t.running = true
	return nil
}

// Stop disables the main counter and masks legacy IRQ0.
func (t *Timer) Stop() *kernel.Error {
	cfg := t.read64(regConfig)
	cfg &^= cfgEnable
	t.write64(regConfig, cfg)
	if err := t.controller.Disable(legacyIRQ); err != nil {
		return err
	}
	t.running = false
	return nil
}

// AddCallback appends cb to the ordered tick callback chain.
func (t *Timer) AddCallback(cb timer.Callback) {
	t.callbacks = append(t.callbacks, cb)
}

// isr clears timer-0's interrupt status, runs every registered callback in
// order, then acks the controller.
func (t *Timer) isr(_ *gate.Registers) {
	t.write64(regISR, 1<<timerIndex)
	for _, cb := range t.callbacks {
		cb()
	}
	t.controller.Ack(legacyIRQ)
}

func (t *Timer) read64(off uintptr) uint64 {
	cpu.MemoryBarrier()
	v := *(*uint64)(unsafe.Pointer(t.base + off))
	cpu.MemoryBarrier()
	return v
}

func (t *Timer) write64(off uintptr, value uint64) {
	cpu.MemoryBarrier()
	*(*uint64)(unsafe.Pointer(t.base + off)) = value
	cpu.MemoryBarrier()
	// Post-write flush read so the store is not posted.
	_ = t.read64(regCapID)
}
