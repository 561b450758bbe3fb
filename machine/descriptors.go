package machine

import (
	"encoding/binary"

	"github.com/gokvm-edu/hypervisor/kvm"
	"github.com/gokvm-edu/hypervisor/serial"
)

// segAccess bits (x86 segment-descriptor access byte).
const (
	segPresent = 1 << 7
	segS       = 1 << 4 // 1 = code/data, 0 = system
	segCode    = 1 << 3
	segRW      = 1 << 1 // writable (data) / readable (code)
)

// segFlags nibble bits.
const (
	segG  = 1 << 3
	segDB = 1 << 2
	segL  = 1 << 1
)

// gdtEntry packs one 8-byte GDT/LDT descriptor, little-endian, ready to
// be written into guest memory at a GDT offset.
func gdtEntry(base, limit uint32, access, flags uint8) uint64 {
	e := uint64(limit & 0xFFFF)
	e |= uint64(base&0xFFFFFF) << 16
	e |= uint64(access) << 40
	e |= uint64((limit>>16)&0xF) << 48
	e |= uint64(flags&0xF) << 52
	e |= uint64((base>>24)&0xFF) << 56

	return e
}

// writeGDT lays out entries (including the mandatory null descriptor at
// index 0) starting at guest-physical offset addr.
func writeGDT(mem []byte, addr uint64, entries []uint64) {
	for i, e := range entries {
		binary.LittleEndian.PutUint64(mem[addr+uint64(i)*8:], e)
	}
}

// segment builds the kvm.Segment the backend expects for special
// registers, mirroring the same descriptor gdtEntry would encode.
func segment(selector uint16, base uint64, limit uint32, typ uint8, ring3, l, db bool) kvm.Segment {
	toBit := func(b bool) uint8 {
		if b {
			return 1
		}

		return 0
	}

	dpl := uint8(0)
	if ring3 {
		dpl = 3
	}

	return kvm.Segment{
		Base:     base,
		Limit:    limit,
		Selector: selector,
		Typ:      typ,
		Present:  1,
		DPL:      dpl,
		DB:       toBit(db),
		S:        1,
		L:        toBit(l),
		G:        1,
		AVL:      0,
	}
}

// flatCode32 is a 32-bit, ring-0, 4 GiB flat code segment (DB=1, L=0).
func flatCode32(selector uint16) kvm.Segment {
	return segment(selector, 0, 0xFFFFFFFF, 0xB /* execute/read, accessed */, false, false, true)
}

// flatData32 is a 32-bit, ring-0, 4 GiB flat data segment.
func flatData32(selector uint16) kvm.Segment {
	return segment(selector, 0, 0xFFFFFFFF, 0x3 /* read/write, accessed */, false, false, true)
}

// flatCode64 is a 64-bit (L=1, DB=0) ring-0 code segment.
func flatCode64(selector uint16) kvm.Segment {
	return segment(selector, 0, 0xFFFFFFFF, 0xB, false, true, false)
}

// flatData64 carries DB=1, L=0 per §4.3 ("Data segments carry DB=1, L=0").
func flatData64(selector uint16) kvm.Segment {
	return segment(selector, 0, 0xFFFFFFFF, 0x3, false, false, true)
}

// flatUserCode32 and flatUserData32 are the ring-3 counterparts used by
// the "1K OS" guest class, whose shell runs user-mode tasks at CPL 3
// atop the same flat address space as the kernel (§3 "Ring levels").
func flatUserCode32(selector uint16) kvm.Segment {
	return segment(selector, 0, 0xFFFFFFFF, 0xB, true, false, true)
}

func flatUserData32(selector uint16) kvm.Segment {
	return segment(selector, 0, 0xFFFFFFFF, 0x3, true, false, true)
}

// buildProtectedPagingGDT writes the five-entry GDT §3 describes for the
// paging guest class: null, kernel code (0x08), kernel data (0x10), user
// code (0x18, ring 3), user data (0x20, ring 3).
func buildProtectedPagingGDT(mem []byte, addr uint64) {
	writeGDT(mem, addr, []uint64{
		0,
		gdtEntry(0, 0xFFFFF, segPresent|segS|segCode|segRW, segG|segDB),
		gdtEntry(0, 0xFFFFF, segPresent|segS|segRW, segG|segDB),
		gdtEntry(0, 0xFFFFF, segPresent|(3<<5)|segS|segCode|segRW, segG|segDB),
		gdtEntry(0, 0xFFFFF, segPresent|(3<<5)|segS|segRW, segG|segDB),
	})
}

// buildLongModeGDT writes the three-entry GDT §4.3 describes for a
// standalone (non-Linux) long-mode guest: null, 64-bit code, 64-bit data.
func buildLongModeGDT(mem []byte, addr uint64) {
	writeGDT(mem, addr, []uint64{
		0,
		gdtEntry(0, 0xFFFFF, segPresent|segS|segCode|segRW, segG|segL),
		gdtEntry(0, 0xFFFFF, segPresent|segS|segRW, segG|segDB),
	})
}

// buildLinuxGDT32 writes __BOOT_CS=0x10/__BOOT_DS=0x18 as the boot
// protocol's CODE32 entry requires: null, a reserved slot at 0x08 (the
// kernel never populates it), then flat 32-bit code/data.
func buildLinuxGDT32(mem []byte, addr uint64) {
	writeGDT(mem, addr, []uint64{
		0,
		0,
		gdtEntry(0, 0xFFFFF, segPresent|segS|segCode|segRW, segG|segDB),
		gdtEntry(0, 0xFFFFF, segPresent|segS|segRW, segG|segDB),
	})
}

// buildLinuxGDT64 is the BOOT64 entry's GDT: same selectors, 64-bit code.
func buildLinuxGDT64(mem []byte, addr uint64) {
	writeGDT(mem, addr, []uint64{
		0,
		0,
		gdtEntry(0, 0xFFFFF, segPresent|segS|segCode|segRW, segG|segL),
		gdtEntry(0, 0xFFFFF, segPresent|segS|segRW, segG|segDB),
	})
}

// idtGate32 packs one 8-byte 32-bit interrupt gate pointing at offset
// within selector, DPL 0, present.
func idtGate32(offset uint32, selector uint16) uint64 {
	const typeInterruptGate32 = 0xE

	e := uint64(offset & 0xFFFF)
	e |= uint64(selector) << 16
	e |= uint64(segPresent|typeInterruptGate32) << 40
	e |= uint64(offset>>16) << 48

	return e
}

// buildProtectedModeIDT fills all 256 vectors with gates pointing at the
// single minimal fault handler at pmExceptStub (§4.7.1): it writes 'E' to
// COM1 then halts. There is no real exception handling in this guest
// class; the IDT only exists so a fault reports through the console
// instead of the backend issuing an opaque SHUTDOWN exit.
func buildProtectedModeIDT(mem []byte, addr uint64, csSelector uint16) {
	gate := idtGate32(pmExceptStub, csSelector)

	for i := 0; i < 256; i++ {
		binary.LittleEndian.PutUint64(mem[addr+uint64(i)*8:], gate)
	}

	// mov al, 'E'; mov dx, COM1Addr; out dx, al; hlt
	mem[pmExceptStub+0] = 0xB0
	mem[pmExceptStub+1] = 'E'
	mem[pmExceptStub+2] = 0x66 // operand-size prefix: 16-bit mov in a 32-bit segment
	mem[pmExceptStub+3] = 0xBA
	binary.LittleEndian.PutUint16(mem[pmExceptStub+4:], serial.COM1Addr)
	mem[pmExceptStub+6] = 0xEE
	mem[pmExceptStub+7] = 0xF4
}

// buildIdentityPageTables32 lays out a page directory and two page
// tables at pdBase32/pt0Base32/pt1Base32 (§3 "Page tables"): the first
// 4 MiB is identity-mapped with 4 KiB leaves, then mirrored at virtual
// base hiKernelBase so a kernel linked high and one linked low both
// resolve to the same physical pages.
func buildIdentityPageTables32(mem []byte) {
	for i := 0; i < 1024; i++ {
		pte := uint32(i*0x1000) | PDE32xPRESENT | PDE32xRW | PDE32xUSER
		binary.LittleEndian.PutUint32(mem[pt0Base32+uint64(i)*4:], pte)
		binary.LittleEndian.PutUint32(mem[pt1Base32+uint64(i)*4:], pte)
	}

	pd := make([]byte, 4096)
	binary.LittleEndian.PutUint32(pd[0:], uint32(pt0Base32)|PDE32xPRESENT|PDE32xRW|PDE32xUSER)

	hiSlot := (hiKernelBase >> 22) & 0x3FF
	binary.LittleEndian.PutUint32(pd[hiSlot*4:], uint32(pt1Base32)|PDE32xPRESENT|PDE32xRW|PDE32xUSER)

	copy(mem[pdBase32:pdBase32+4096], pd)
}

// buildIdentityPageTables64 lays out a PML4, one PDPT, and one PD at
// pml4Base64/pdptBase64/pdBase64; the PD uses 2 MiB leaves covering the
// entire guest memory as a flat identity map (§3 "Page tables").
func buildIdentityPageTables64(mem []byte) {
	binary.LittleEndian.PutUint64(mem[pml4Base64:], uint64(pdptBase64)|PDE64xPRESENT|PDE64xRW|PDE64xUSER)
	binary.LittleEndian.PutUint64(mem[pdptBase64:], uint64(pdBase64)|PDE64xPRESENT|PDE64xRW|PDE64xUSER)

	for i := 0; i < 512; i++ {
		pde := uint64(i)*0x200000 | PDE64xPRESENT | PDE64xRW | PDE64xUSER | PDE64xPS
		binary.LittleEndian.PutUint64(mem[pdBase64+uint64(i)*8:], pde)
	}
}

// buildRealModeIVT writes the 256-entry real-mode interrupt vector table
// at ivtBase (§4.7.1) for the Linux SETUP entry. Every vector points at
// iretStub except the BIOS services INT 10h/13h/15h/16h/1Ah, which point
// at a fixed success or failure stub (no hypercall is made).
func buildRealModeIVT(mem []byte) {
	seg := uint16(ivtBase >> 4)

	ivtEntry := func(off uint16) uint32 {
		return uint32(seg)<<16 | uint32(off)
	}

	iret := ivtEntry(iretStub - ivtBase)
	for i := 0; i < 256; i++ {
		binary.LittleEndian.PutUint32(mem[uint64(i)*4:], iret)
	}

	ok := ivtEntry(intSuccess - ivtBase)
	fail := ivtEntry(intFailure - ivtBase)

	for _, v := range []int{0x10, 0x15, 0x16, 0x1A} {
		binary.LittleEndian.PutUint32(mem[uint64(v)*4:], ok)
	}

	binary.LittleEndian.PutUint32(mem[uint64(0x13)*4:], fail)

	mem[iretStub] = 0xCF // iret

	// INT 10h/15h/16h/1Ah: zero AX, clear CF on the stacked FLAGS word
	// IRET is about to pop, then IRET. clc/stc touch the live flags,
	// which IRET immediately overwrites from the stack — the caller
	// never sees them — so the stacked word itself has to be the one
	// that gets modified. After push bp the stack holds BP, IP, CS, FLAGS,
	// so FLAGS is at [bp+6].
	copy(mem[intSuccess:], []byte{
		0x55,                         // push bp
		0x89, 0xE5,                   // mov bp, sp
		0x31, 0xC0,                   // xor ax, ax
		0x81, 0x66, 0x06, 0xFE, 0xFF, // and word [bp+6], 0xFFFE  (clear CF)
		0x5D, // pop bp
		0xCF, // iret
	})

	// INT 13h (disk): zero AX, set CF on the stacked FLAGS word, iret —
	// this hypervisor has no BIOS disk.
	copy(mem[intFailure:], []byte{
		0x55,                         // push bp
		0x89, 0xE5,                   // mov bp, sp
		0x31, 0xC0,                   // xor ax, ax
		0x81, 0x4E, 0x06, 0x01, 0x00, // or word [bp+6], 0x0001  (set CF)
		0x5D, // pop bp
		0xCF, // iret
	})
}
