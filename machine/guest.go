// Package machine implements the per-vCPU guest context: memory
// allocation, mode setup (real mode, 32-bit paging, long mode), the
// Linux boot loader, the exit dispatcher, and hypercall/I/O emulation.
package machine

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"unsafe"

	"github.com/gokvm-edu/hypervisor/cpuid"
	"github.com/gokvm-edu/hypervisor/kvm"
	"github.com/gokvm-edu/hypervisor/memory"
	"github.com/gokvm-edu/hypervisor/serial"
)

// LinuxEntry selects one of the three boot-protocol entry strategies
// (§4.4 "Entry strategies").
type LinuxEntry int

const (
	LinuxEntrySetup LinuxEntry = iota
	LinuxEntryCode32
	LinuxEntryBoot64
)

func (e LinuxEntry) String() string {
	switch e {
	case LinuxEntrySetup:
		return "setup"
	case LinuxEntryCode32:
		return "code32"
	case LinuxEntryBoot64:
		return "boot64"
	default:
		return fmt.Sprintf("LinuxEntry(%d)", int(e))
	}
}

// LinuxRSI selects what the loader points RSI at on entry.
type LinuxRSI int

const (
	LinuxRSIBase LinuxRSI = iota
	LinuxRSIHdr
)

// ErrMemTooSmall indicates the requested memory size is too small.
var ErrMemTooSmall = errors.New("machine: memory size must be at least MinMemSize")

// ErrImageTooLarge indicates a guest image does not fit its slot at
// the requested load offset.
var ErrImageTooLarge = errors.New("machine: guest image does not fit its memory slot")

// Config describes one guest: one vCPU, one memory slot, one image.
type Config struct {
	ID        int
	KVMFd     uintptr
	VMFd      uintptr
	MemSize   int
	ImagePath string

	EntryPoint uint64
	LoadOffset uint64

	UsePaging bool
	LongMode  bool

	LinuxGuest bool
	LinuxEntry LinuxEntry
	LinuxRSI   LinuxRSI
	Cmdline    string
	InitrdPath string

	KeyboardRing serial.KeyboardRing
	Output       serial.IRQInjector
	Console      Console
}

// Guest is one vCPU context (§3 "vCPU context").
type Guest struct {
	id          int
	kvmFd       uintptr
	vcpuFd      uintptr
	run         *kvm.RunData
	mem         *memory.Slot
	displayName string
	entryPoint  uint64
	loadOffset  uint64

	usePaging  bool
	longMode   bool
	linuxGuest bool
	linuxEntry LinuxEntry
	linuxRSI   LinuxRSI

	running   bool
	exitCount uint64

	pendingGetchar bool
	getcharResult  int16

	fastA20   byte
	cmosIndex byte

	console  Console
	keyboard serial.KeyboardRing

	debug *singleStepState

	serial *serial.Serial
}

// ID returns the vCPU id (also its memory-slot number).
func (g *Guest) ID() int { return g.id }

// DisplayName returns the image filename with ".bin" stripped.
func (g *Guest) DisplayName() string { return g.displayName }

// Running reports whether the guest's owner thread considers it alive.
func (g *Guest) Running() bool { return g.running }

// ExitCount returns the number of vCPU exits handled so far.
func (g *Guest) ExitCount() uint64 { return g.exitCount }

// DebugEligible reports whether this guest is a candidate for
// single-step tracing (§4.9.1): the 32-bit paging "1K OS" class only,
// never a Linux guest (whose entry point is the kernel's own code, not
// ours to meaningfully single-step through) and never a real-mode
// guest (DebugAll's register snapshot assumes flat protected-mode
// segmentation).
func (g *Guest) DebugEligible() bool { return g.usePaging && !g.linuxGuest && !g.longMode }

func displayName(imagePath string) string {
	base := filepath.Base(imagePath)

	return strings.TrimSuffix(base, ".bin")
}

// New allocates a memory slot, creates the vCPU, loads the guest image,
// and programs its initial mode. It does not start execution.
func New(c Config) (*Guest, error) {
	if c.MemSize < MinMemSize {
		return nil, fmt.Errorf("%d: %w", c.MemSize, ErrMemTooSmall)
	}

	vcpuFd, err := kvm.CreateVCPU(c.VMFd, c.ID)
	if err != nil {
		return nil, fmt.Errorf("CreateVCPU(%d): %w", c.ID, err)
	}

	mmapSize, err := kvm.GetVCPUMMapSize(c.KVMFd)
	if err != nil {
		return nil, fmt.Errorf("GetVCPUMMapSize: %w", err)
	}

	runRegion, err := syscall.Mmap(int(vcpuFd), 0, int(mmapSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap run region for vcpu %d: %w", c.ID, err)
	}

	slot, err := memory.New(c.VMFd, uint32(c.ID), c.MemSize)
	if err != nil {
		return nil, fmt.Errorf("memory.New(%d): %w", c.ID, err)
	}

	g := &Guest{
		id:          c.ID,
		kvmFd:       c.KVMFd,
		vcpuFd:      vcpuFd,
		run:         (*kvm.RunData)(unsafe.Pointer(&runRegion[0])),
		mem:         slot,
		displayName: displayName(c.ImagePath),
		entryPoint:  c.EntryPoint,
		loadOffset:  c.LoadOffset,
		usePaging:   c.UsePaging || c.LongMode,
		longMode:    c.LongMode,
		linuxGuest:  c.LinuxGuest,
		linuxEntry:  c.LinuxEntry,
		linuxRSI:    c.LinuxRSI,
		fastA20:     0x02,
		console:     c.Console,
		keyboard:    c.KeyboardRing,
		running:     true,
	}

	if c.KeyboardRing != nil {
		g.serial = serial.New(c.KeyboardRing, c.Output, os.Stdout)
	}

	if c.LinuxGuest {
		if err := g.loadLinux(c); err != nil {
			return nil, fmt.Errorf("loadLinux: %w", err)
		}
	} else {
		img, err := os.ReadFile(c.ImagePath)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", c.ImagePath, err)
		}

		if err := g.mem.Load(img, c.LoadOffset); err != nil {
			return nil, fmt.Errorf("%s: %w", c.ImagePath, err)
		}

		if err := g.setupMode(); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// setupMode wires up CR0/CR3/CR4/EFER, segments, and RIP/RSP per §4.3
// for the three mutually-exclusive, non-Linux configurations.
func (g *Guest) setupMode() error {
	switch {
	case g.longMode:
		return g.setupLongMode(g.loadOffset, 0x8000)
	case g.usePaging:
		return g.setupProtectedPaging(g.entryPoint)
	default:
		return g.setupRealMode()
	}
}

// setupRealMode programs CS base = id*mem_size (§4.3 "Real mode").
func (g *Guest) setupRealMode() error {
	sregs, err := kvm.GetSregs(g.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetSregs: real mode setup: %w", err)
	}

	base := uint64(g.id) * uint64(g.mem.Size)
	sregs.CS = kvm.Segment{Base: base, Limit: 0xFFFF, Selector: uint16(base / 16), Typ: 3, Present: 1, S: 1}
	sregs.DS = kvm.Segment{Limit: 0xFFFF, Present: 1, S: 1, Typ: 3}
	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS
	sregs.CR0 = CR0xET
	sregs.CR3 = 0
	sregs.CR4 = 0
	sregs.EFER = 0

	if err := kvm.SetSregs(g.vcpuFd, sregs); err != nil {
		return fmt.Errorf("SetSregs: real mode setup: %w", err)
	}

	regs, err := kvm.GetRegs(g.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetRegs: real mode setup: %w", err)
	}

	regs.RIP = 0
	regs.RFLAGS = 2

	if err := kvm.SetRegs(g.vcpuFd, regs); err != nil {
		return fmt.Errorf("SetRegs: real mode setup: %w", err)
	}

	return kvm.SetMPState(g.vcpuFd, &kvm.MPState{State: kvm.MPStateRunnable})
}

// setupProtectedPaging builds the GDT/IDT, the 32-bit page tables, and
// programs CR0/CR3/CR4 and segments (§4.3 "Protected mode with 32-bit
// paging"). entryPoint is the guest RIP.
func (g *Guest) setupProtectedPaging(entryPoint uint64) error {
	mem := g.mem.Bytes

	buildProtectedPagingGDT(mem, gdtAddr)
	buildProtectedModeIDT(mem, idtAddr, bootCSFlat)

	buildIdentityPageTables32(mem)

	sregs, err := kvm.GetSregs(g.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetSregs: paging setup: %w", err)
	}

	sregs.GDT = kvm.Descriptor{Base: gdtAddr, Limit: 5*8 - 1}
	sregs.IDT = kvm.Descriptor{Base: idtAddr, Limit: 256*8 - 1}

	sregs.CS = flatCode32(0x08)
	sregs.DS = flatData32(0x10)
	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS

	sregs.CR0 = CR0xPE | CR0xET | CR0xPG
	sregs.CR3 = pdBase32
	sregs.CR4 = 0
	sregs.EFER = 0

	if err := kvm.SetSregs(g.vcpuFd, sregs); err != nil {
		return fmt.Errorf("SetSregs: paging setup: %w", err)
	}

	regs, err := kvm.GetRegs(g.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetRegs: paging setup: %w", err)
	}

	regs.RIP = entryPoint
	regs.RFLAGS = 2

	return kvm.SetRegs(g.vcpuFd, regs)
}

// setupLongMode builds a standalone 64-bit GDT, programs CPUID/MSRs,
// then CR4.PAE, CR3, EFER, CR0 in that order (§4.3 "Long mode").
func (g *Guest) setupLongMode(rip, rsp uint64) error {
	mem := g.mem.Bytes

	buildLongModeGDT(mem, longModeGDT)
	buildIdentityPageTables64(mem)

	if err := g.programCPUID(); err != nil {
		return fmt.Errorf("CPUID: long mode setup: %w", err)
	}

	g.programMSRs()

	sregs, err := kvm.GetSregs(g.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetSregs: long mode setup: %w", err)
	}

	sregs.GDT = kvm.Descriptor{Base: longModeGDT, Limit: 3*8 - 1}
	sregs.CS = flatCode64(0x08)
	sregs.DS = flatData64(0x10)
	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS

	sregs.CR4 = CR4xPAE
	sregs.CR3 = pml4Base64
	sregs.EFER = EFERxLME | EFERxLMA
	sregs.CR0 = CR0xPE | CR0xET | CR0xNE | CR0xPG

	if err := kvm.SetSregs(g.vcpuFd, sregs); err != nil {
		return fmt.Errorf("SetSregs: long mode setup: %w", err)
	}

	regs, err := kvm.GetRegs(g.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetRegs: long mode setup: %w", err)
	}

	regs.RSP = rsp
	regs.RIP = rip
	regs.RFLAGS = 2

	return kvm.SetRegs(g.vcpuFd, regs)
}

// programCPUID is §4.5: fetch the backend's supported table, filter
// it for long-mode feature bits, and install it.
func (g *Guest) programCPUID() error {
	ids := &kvm.CPUID{Nent: 100}

	if err := kvm.GetSupportedCPUID(g.kvmFd, ids); err != nil {
		return err
	}

	cpuid.FilterForLongMode(ids)

	return kvm.SetCPUID2(g.vcpuFd, ids)
}

// programMSRs is §4.6; failures are logged, not fatal.
func (g *Guest) programMSRs() {
	msrs := &kvm.MSRs{
		NMSRs: 8,
		Entries: [100]kvm.MSREntry{
			{Index: msrEFER, Data: EFERxLME | EFERxSCE | EFERxNXE},
			{Index: msrSTAR},
			{Index: msrLSTAR},
			{Index: msrCSTAR},
			{Index: msrSFMASK},
			{Index: msrFSBase},
			{Index: msrGSBase},
			{Index: msrKernelGSBase},
		},
	}

	if err := kvm.SetMSRs(g.vcpuFd, msrs); err != nil {
		log.Printf("vcpu %d: SetMSRs: %v (continuing)", g.id, err)
	}
}
