package machine

import (
	"fmt"
	"os"

	"github.com/gokvm-edu/hypervisor/bootparam"
	"github.com/gokvm-edu/hypervisor/kvm"
)

// loadLinux implements §4.4: parse the bzImage, lay out the setup
// region/payload/zero-page/initrd/cmdline, and program the vCPU for
// whichever of the three entry strategies c.LinuxEntry selects.
func (g *Guest) loadLinux(c Config) error {
	f, err := os.Open(c.ImagePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", c.ImagePath, err)
	}
	defer f.Close()

	bp, err := bootparam.New(f)
	if err != nil {
		return fmt.Errorf("%s: %w", c.ImagePath, err)
	}

	setupSize := bp.SetupSize()

	if _, err := f.Seek(0, 0); err != nil {
		return err
	}

	raw, err := os.ReadFile(c.ImagePath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.ImagePath, err)
	}

	if setupSize > len(raw) {
		return fmt.Errorf("%w: setup region (%d bytes) exceeds image size", ErrImageTooLarge, setupSize)
	}

	if err := g.mem.Load(raw[:setupSize], setupAddr); err != nil {
		return fmt.Errorf("copying setup region: %w", err)
	}

	payload := raw[setupSize:]
	if err := g.mem.Load(payload, kernelAddr); err != nil {
		return fmt.Errorf("copying kernel payload: %w", err)
	}

	copy(g.mem.Bytes[setupAddr+bootparam.SetupHeaderOffset:], bp.HeaderBytes())

	code32Start := bp.Code32Start()

	cmdline := c.Cmdline
	if len(cmdline) > 255 {
		cmdline = cmdline[:255]
	}

	copy(g.mem.Bytes[cmdlineAddr:], cmdline)
	g.mem.Bytes[cmdlineAddr+len(cmdline)] = 0

	bp.SetLoaderType(bootparam.LoaderTypeUndefined)
	bp.SetInitrdAddrMax(bootparam.InitrdAddrMax)
	bp.SetCmdLinePtr(cmdlineAddr)

	if c.InitrdPath != "" {
		if err := g.loadInitrd(c.InitrdPath, bp); err != nil {
			return fmt.Errorf("initrd: %w", err)
		}
	}

	g.addE820Map(bp)

	zp, err := bp.Bytes()
	if err != nil {
		return fmt.Errorf("building zero page: %w", err)
	}

	if err := g.mem.Load(zp, setupAddr); err != nil {
		return fmt.Errorf("copying zero page: %w", err)
	}

	switch c.LinuxEntry {
	case LinuxEntrySetup:
		return g.enterLinuxSetup()
	case LinuxEntryCode32:
		return g.enterLinuxCode32(code32Start, c.LinuxRSI)
	case LinuxEntryBoot64:
		if !bp.Is64BitCapable() {
			return fmt.Errorf("machine: %s has no 64-bit entry point (XLF_KERNEL_64 unset)", c.ImagePath)
		}

		return g.enterLinuxBoot64(uint64(code32Start)+0x200, c.LinuxRSI)
	default:
		return fmt.Errorf("machine: unknown linux entry strategy %v", c.LinuxEntry)
	}
}

// loadInitrd implements §4.4's placement algorithm: as high as possible
// below initrd_addr_max and the end of guest memory, 4 KiB aligned, but
// never inside the kernel's own low-memory init window.
func (g *Guest) loadInitrd(path string, bp *bootparam.BootParam) error {
	img, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	size := uint64(len(img))

	end := uint64(bootparam.InitrdAddrMax)
	if uint64(g.mem.Size)-1 < end {
		end = uint64(g.mem.Size) - 1
	}

	start := (end + 1 - size) &^ 0xFFF

	initSize := uint64(bp.InitSize())
	if initSize == 0 {
		initSize = size
	}

	kernelEnd := uint64(kernelAddr) + initSize
	if start < kernelEnd {
		return fmt.Errorf("%w: no room for a %d-byte initrd below %#x (kernel init window ends at %#x)",
			ErrImageTooLarge, size, end, kernelEnd)
	}

	if err := g.mem.Load(img, start); err != nil {
		return err
	}

	bp.SetRamdisk(uint32(start), uint32(size))

	return nil
}

// addE820Map installs the fixed three-entry map of §4.4.
func (g *Guest) addE820Map(bp *bootparam.BootParam) {
	const (
		lowMemEnd  = 640 * 1024
		highMemLow = 1024 * 1024
	)

	bp.AddE820Entry(0, lowMemEnd, bootparam.E820Ram)
	bp.AddE820Entry(lowMemEnd, highMemLow-lowMemEnd, bootparam.E820Reserved)
	bp.AddE820Entry(highMemLow, uint64(g.mem.Size)-highMemLow, bootparam.E820Ram)
}

// enterLinuxSetup is the SETUP strategy: real-mode entry at the kernel's
// own setup code, CS:IP=0x9000:0x0200.
func (g *Guest) enterLinuxSetup() error {
	buildRealModeIVT(g.mem.Bytes)

	sregs, err := kvm.GetSregs(g.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetSregs: linux setup entry: %w", err)
	}

	segSel := uint16(setupAddr >> 4)
	sregs.CS = kvm.Segment{Base: setupAddr, Limit: 0xFFFF, Selector: segSel, Typ: 3, Present: 1, S: 1}
	sregs.DS = sregs.CS
	sregs.ES = sregs.CS
	sregs.FS = sregs.CS
	sregs.GS = sregs.CS
	sregs.SS = sregs.CS
	sregs.CR0 = CR0xET
	sregs.CR3 = 0
	sregs.CR4 = 0
	sregs.EFER = 0

	if err := kvm.SetSregs(g.vcpuFd, sregs); err != nil {
		return fmt.Errorf("SetSregs: linux setup entry: %w", err)
	}

	regs, err := kvm.GetRegs(g.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetRegs: linux setup entry: %w", err)
	}

	regs.RIP = 0x0200
	regs.RSP = linuxBootRSP
	regs.RFLAGS = 2

	return kvm.SetRegs(g.vcpuFd, regs)
}

// enterLinuxCode32 is the CODE32 strategy: protected mode, no paging,
// entry at code32Start.
func (g *Guest) enterLinuxCode32(code32Start uint32, rsi LinuxRSI) error {
	buildLinuxGDT32(g.mem.Bytes, gdtAddr)
	buildProtectedModeIDT(g.mem.Bytes, idtAddr, bootCS)

	sregs, err := kvm.GetSregs(g.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetSregs: linux code32 entry: %w", err)
	}

	sregs.GDT = kvm.Descriptor{Base: gdtAddr, Limit: 4*8 - 1}
	sregs.IDT = kvm.Descriptor{Base: idtAddr, Limit: 256*8 - 1}

	sregs.CS = flatCode32(bootCS)
	sregs.DS = flatData32(bootDS)
	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS

	sregs.CR0 = CR0xPE | CR0xET
	sregs.CR3 = 0
	sregs.CR4 = 0
	sregs.EFER = 0

	if err := kvm.SetSregs(g.vcpuFd, sregs); err != nil {
		return fmt.Errorf("SetSregs: linux code32 entry: %w", err)
	}

	regs, err := kvm.GetRegs(g.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetRegs: linux code32 entry: %w", err)
	}

	regs.RIP = uint64(code32Start)
	regs.RSI = g.linuxRSIValue(rsi)
	regs.RSP = linuxBootRSP
	regs.RFLAGS = 2

	return kvm.SetRegs(g.vcpuFd, regs)
}

// enterLinuxBoot64 is the BOOT64 strategy: long mode, identity-mapped
// paging, entry at the bzImage's 64-bit entry point.
func (g *Guest) enterLinuxBoot64(entry uint64, rsi LinuxRSI) error {
	buildLinuxGDT64(g.mem.Bytes, gdtAddr)
	buildIdentityPageTables64(g.mem.Bytes)

	if err := g.programCPUID(); err != nil {
		return fmt.Errorf("CPUID: linux boot64 entry: %w", err)
	}

	g.programMSRs()

	sregs, err := kvm.GetSregs(g.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetSregs: linux boot64 entry: %w", err)
	}

	sregs.GDT = kvm.Descriptor{Base: gdtAddr, Limit: 4*8 - 1}

	sregs.CS = flatCode64(bootCS)
	sregs.DS = flatData64(bootDS)
	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS

	sregs.CR4 = CR4xPAE
	sregs.CR3 = pml4Base64
	sregs.EFER = EFERxLME | EFERxLMA
	sregs.CR0 = CR0xPE | CR0xET | CR0xNE | CR0xPG

	if err := kvm.SetSregs(g.vcpuFd, sregs); err != nil {
		return fmt.Errorf("SetSregs: linux boot64 entry: %w", err)
	}

	regs, err := kvm.GetRegs(g.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetRegs: linux boot64 entry: %w", err)
	}

	regs.RIP = entry
	regs.RSI = g.linuxRSIValue(rsi)
	regs.RSP = linuxBootRSP
	regs.RFLAGS = 2

	return kvm.SetRegs(g.vcpuFd, regs)
}

func (g *Guest) linuxRSIValue(rsi LinuxRSI) uint64 {
	if rsi == LinuxRSIHdr {
		return setupAddr + bootparam.SetupHeaderOffset
	}

	return setupAddr
}
