package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gokvm-edu/hypervisor/kvm"
	"golang.org/x/arch/x86/x86asm"
)

// ErrBadRegister indicates a memory operand named a register this
// decoder does not track.
var ErrBadRegister = errors.New("bad register")

// ErrBadVA indicates a guest virtual address has no valid translation.
var ErrBadVA = errors.New("bad virtual address")

// reg returns a pointer to the named general-purpose register within r,
// for resolving x86asm memory operands during single-step disassembly.
func reg(r *kvm.Regs, name x86asm.Reg) (*uint64, error) {
	switch name {
	case x86asm.RAX:
		return &r.RAX, nil
	case x86asm.RCX:
		return &r.RCX, nil
	case x86asm.RDX:
		return &r.RDX, nil
	case x86asm.RBX:
		return &r.RBX, nil
	case x86asm.RSP:
		return &r.RSP, nil
	case x86asm.RBP:
		return &r.RBP, nil
	case x86asm.RSI:
		return &r.RSI, nil
	case x86asm.RDI:
		return &r.RDI, nil
	case x86asm.R8:
		return &r.R8, nil
	case x86asm.R9:
		return &r.R9, nil
	case x86asm.R10:
		return &r.R10, nil
	case x86asm.R11:
		return &r.R11, nil
	case x86asm.R12:
		return &r.R12, nil
	case x86asm.R13:
		return &r.R13, nil
	case x86asm.R14:
		return &r.R14, nil
	case x86asm.R15:
		return &r.R15, nil
	case x86asm.RIP:
		return &r.RIP, nil
	default:
		return nil, fmt.Errorf("register %v: %w", name, ErrBadRegister)
	}
}

// vtoP walks a guest virtual address to a guest-physical one via the
// vCPU's current page tables, for the single-step disassembler (§4.9.1
// wants the linear-address form, but reading the bytes at it needs the
// underlying physical offset into g.mem.Bytes).
func (g *Guest) vtoP(vaddr uintptr) (int64, error) {
	t, err := kvm.GetTranslate(g.vcpuFd, uint64(vaddr))
	if err != nil {
		return -1, err
	}

	if t.Valid == 0 || t.PhysicalAddress > uint64(len(g.mem.Bytes)) {
		return -1, fmt.Errorf("%#x: %w", vaddr, ErrBadVA)
	}

	return int64(t.PhysicalAddress), nil
}

// Args returns the top nargs arguments of the UEFI/Microsoft x64
// calling convention (RCX, RDX, R8, R9, then stack), used by the
// single-step dump to render a plausible call trace.
func (g *Guest) Args(r *kvm.Regs, nargs int) ([]uintptr, error) {
	sp := uintptr(r.RSP)

	switch {
	case nargs == 6:
		w1, _ := g.ReadWord(sp + 0x28)
		w2, _ := g.ReadWord(sp + 0x30)

		return []uintptr{uintptr(r.RCX), uintptr(r.RDX), uintptr(r.R8), uintptr(r.R9), uintptr(w1), uintptr(w2)}, nil
	case nargs == 5:
		w1, _ := g.ReadWord(sp + 0x28)

		return []uintptr{uintptr(r.RCX), uintptr(r.RDX), uintptr(r.R8), uintptr(r.R9), uintptr(w1)}, nil
	case nargs >= 1 && nargs <= 4:
		return []uintptr{uintptr(r.RCX), uintptr(r.RDX), uintptr(r.R8), uintptr(r.R9)}[:nargs], nil
	default:
		return nil, fmt.Errorf("args count %d: %w", nargs, ErrBadRegister)
	}
}

// Pointer resolves a decoded x86asm memory operand to a guest virtual
// address: [Base+Scale*Index+Disp]; the segment base is not added.
func (g *Guest) Pointer(inst *x86asm.Inst, r *kvm.Regs, arg int) (uintptr, error) {
	mem, ok := inst.Args[arg].(x86asm.Mem)
	if !ok {
		return 0, fmt.Errorf("arg %d is not a memory operand: %w", arg, ErrBadRegister)
	}

	b, err := reg(r, mem.Base)
	if err != nil {
		return 0, fmt.Errorf("base reg %v in %v: %w", mem.Base, mem, err)
	}

	addr := *b + uint64(mem.Disp)

	if x, err := reg(r, mem.Index); err == nil {
		addr += uint64(mem.Scale) * (*x)
	}

	return uintptr(addr), nil
}

// Pop pops the stack and returns what was at TOS, most often the
// caller's return address.
func (g *Guest) Pop(r *kvm.Regs) (uint64, error) {
	v, err := g.ReadWord(uintptr(r.RSP))
	if err != nil {
		return 0, err
	}

	r.RSP += 8

	return v, nil
}

// hasRepPrefix reports whether inst carries a REP/REPN prefix, used by
// the single-step dump to pause stepping across string instructions so
// they complete at full speed instead of one byte per exit.
func hasRepPrefix(inst *x86asm.Inst) bool {
	for _, p := range inst.Prefix {
		switch p &^ (x86asm.PrefixImplicit | x86asm.PrefixIgnored | x86asm.PrefixInvalid) {
		case x86asm.PrefixREP, x86asm.PrefixREPN:
			return true
		}

		if p == 0 {
			break
		}
	}

	return false
}

// Inst decodes the instruction at the current RIP.
func (g *Guest) Inst() (*x86asm.Inst, *kvm.Regs, string, error) {
	r, err := kvm.GetRegs(g.vcpuFd)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst: GetRegs: %w", err)
	}

	pc := uintptr(r.RIP)

	insn := make([]byte, 16)
	if _, err := g.ReadBytes(insn, pc); err != nil {
		return nil, nil, "", fmt.Errorf("reading PC at %#x: %w", pc, err)
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, nil, "", fmt.Errorf("decoding %#02x: %w", insn, err)
	}

	return &d, r, x86asm.GNUSyntax(d, r.RIP, nil), nil
}

// Asm renders the instruction at pc in GNU syntax.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}

// CallInfo renders a one-line summary of a call's arguments, for the
// single-step log.
func CallInfo(inst *x86asm.Inst, r *kvm.Regs) string {
	l := fmt.Sprintf("rax=%#x rbx=%#x rcx=%#x rdx=%#x [", r.RAX, r.RBX, r.RCX, r.RDX)
	for _, a := range inst.Args {
		if a == nil {
			continue
		}

		l += fmt.Sprintf("%v,", a)
	}

	l += fmt.Sprintf("] (%#x, %#x, %#x, %#x)", r.RCX, r.RDX, r.R8, r.R9)

	return l
}

// WriteWord writes word into the guest's virtual address space.
func (g *Guest) WriteWord(vaddr uintptr, word uint64) error {
	pa, err := g.vtoP(vaddr)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(g.mem.Bytes[pa:], word)

	return nil
}

// ReadBytes reads len(b) bytes from the guest's virtual address space.
func (g *Guest) ReadBytes(b []byte, vaddr uintptr) (int, error) {
	pa, err := g.vtoP(vaddr)
	if err != nil {
		return -1, err
	}

	return copy(b, g.mem.Bytes[pa:]), nil
}

// ReadWord reads one word from the guest's virtual address space.
func (g *Guest) ReadWord(vaddr uintptr) (uint64, error) {
	var b [8]byte
	if _, err := g.ReadBytes(b[:], vaddr); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}
