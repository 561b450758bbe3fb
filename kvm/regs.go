package kvm

import "unsafe"

// Regs are the general-purpose registers, shared across 16- and 32-bit
// modes (only the low bits are meaningful there) and 64-bit mode.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// GetRegs reads the general-purpose registers of a vCPU.
func GetRegs(vcpuFd uintptr) (*Regs, error) {
	regs := &Regs{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetRegs, unsafe.Sizeof(*regs)), uintptr(unsafe.Pointer(regs)))

	return regs, err
}

// SetRegs writes the general-purpose registers of a vCPU.
func SetRegs(vcpuFd uintptr, regs *Regs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetRegs, unsafe.Sizeof(*regs)), uintptr(unsafe.Pointer(regs)))

	return err
}

// Segment is an x86 segment descriptor as KVM represents it (already
// unpacked out of its 8-byte GDT-entry encoding).
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor is a GDTR/IDTR-style base+limit pointer.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

const numInterrupts = 0x100

// Sregs are the "special" registers: segments, descriptor tables, and
// control/EFER/APIC-base registers.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// GetSregs reads the special registers of a vCPU.
func GetSregs(vcpuFd uintptr) (*Sregs, error) {
	sregs := &Sregs{}
	_, err := Ioctl(vcpuFd, IIOR(nrGetSregs, unsafe.Sizeof(*sregs)), uintptr(unsafe.Pointer(sregs)))

	return sregs, err
}

// SetSregs writes the special registers of a vCPU.
func SetSregs(vcpuFd uintptr, sregs *Sregs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetSregs, unsafe.Sizeof(*sregs)), uintptr(unsafe.Pointer(sregs)))

	return err
}

// DebugRegs are the hardware breakpoint/watchpoint registers DR0-DR7.
// Single-step mode (§4.9.1) does not need these -- it arms
// GuestDebugSingleStep instead -- so they are exposed for completeness.
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

// GetDebugRegs reads the debug registers of a vCPU.
func GetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetDebugRegs, unsafe.Sizeof(*dregs)), uintptr(unsafe.Pointer(dregs)))

	return err
}

// SetDebugRegs writes the debug registers of a vCPU.
func SetDebugRegs(vcpuFd uintptr, dregs *DebugRegs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetDebugRegs, unsafe.Sizeof(*dregs)), uintptr(unsafe.Pointer(dregs)))

	return err
}
