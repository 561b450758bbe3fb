package machine

import "github.com/gokvm-edu/hypervisor/memory"

// Guest-physical address layout (§6 "Guest memory layout (Linux boot)").
const (
	ivtBase       = 0x00000
	iretStub      = 0x01000
	intSuccess    = 0x01100
	intFailure    = 0x01200
	pmExceptStub  = 0x07000
	cmdlineAddr   = 0x20000
	setupAddr     = 0x90000
	kernelAddr    = 0x100000
	tssAddr       = 0x200000
	longModeGDT   = 0x5000

	// Page table bases (§3 "Page tables").
	pdBase32  = 0x100000
	pt0Base32 = 0x101000
	pt1Base32 = 0x102000

	pml4Base64 = 0x2000
	pdptBase64 = 0x3000
	pdBase64   = 0x4000

	// GDT_ADDR (§3 "Descriptor tables"); the IDT follows immediately.
	gdtAddr = 0x1000
	idtAddr = 0x1800

	hiKernelBase = 0x80000000

	// RSP the Linux boot protocol expects on every entry strategy.
	linuxBootRSP = 0x9FF00

	// __BOOT_CS/__BOOT_DS (§3, §4.4).
	bootCS = 0x10
	bootDS = 0x18

	nonPagingExitCap = 100_000
)

// Control-register and EFER bit layout (Intel SDM vol. 3).
const (
	CR0xPE = 1
	CR0xMP = 1 << 1
	CR0xEM = 1 << 2
	CR0xTS = 1 << 3
	CR0xET = 1 << 4
	CR0xNE = 1 << 5
	CR0xWP = 1 << 16
	CR0xAM = 1 << 18
	CR0xNW = 1 << 29
	CR0xCD = 1 << 30
	CR0xPG = 1 << 31

	CR4xPSE = 1 << 4
	CR4xPAE = 1 << 5

	EFERxSCE = 1
	EFERxLME = 1 << 8
	EFERxLMA = 1 << 10
	EFERxNXE = 1 << 11

	// 32-bit and 64-bit page/directory entry bits.
	PDE32xPRESENT = 1
	PDE32xRW      = 1 << 1
	PDE32xUSER    = 1 << 2

	PDE64xPRESENT = 1
	PDE64xRW      = 1 << 1
	PDE64xUSER    = 1 << 2
	PDE64xPS      = 1 << 7
)

// Memory sizing policy (§4.2): real-mode images get MinMemSize,
// paging/protected-mode images get PagingMemSize, and a Linux guest
// (always single-vCPU) gets LinuxMemSize. These mirror the memory
// package's own per-class constants.
const (
	MinMemSize    = memory.RealModeSize
	PagingMemSize = memory.PagingModeSize
	LinuxMemSize  = memory.LinuxGuestSize
)

// Long-mode MSR indices programmed at bring-up (§4.6).
const (
	msrEFER        = 0xC0000080
	msrSTAR        = 0xC0000081
	msrLSTAR       = 0xC0000082
	msrCSTAR       = 0xC0000083
	msrSFMASK      = 0xC0000084
	msrFSBase      = 0xC0000100
	msrGSBase      = 0xC0000101
	msrKernelGSBase = 0xC0000102
)

// bootCSFlat is the selector the protected-mode exception stub's IDT
// gates point into; it is the same flat code segment CS already uses.
const bootCSFlat = 0x08
