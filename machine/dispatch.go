package machine

import (
	"errors"
	"fmt"
	"log"
	"runtime"

	"github.com/gokvm-edu/hypervisor/kvm"
	"golang.org/x/arch/x86/x86asm"
)

// ErrAbnormalShutdown is returned by Run when a guest triple-faults
// (EXITSHUTDOWN): the dump already surfaced on the way out, but the
// supervisor still needs to signal abnormal termination (§7).
var ErrAbnormalShutdown = errors.New("vcpu triple-faulted")

// singleStepState is the debug-level-ALL bookkeeping described in
// §4.9.1: a decaying exit budget plus the REP-prefix pause heuristic.
type singleStepState struct {
	remaining  int
	pauseOnce  bool
	loggedOnce bool
}

// Debug arms single-stepping for the lifetime of this Guest (§4.9.1).
// Only meaningful for non-Linux, paging guests; callers gate this on
// the requested debug level.
func (g *Guest) Debug() error {
	g.debug = &singleStepState{remaining: 2000}

	return kvm.SetGuestDebug(g.vcpuFd, &kvm.GuestDebug{Control: kvm.GuestDebugEnable | kvm.GuestDebugSingleStep})
}

// Run enters the vCPU run loop and returns when the guest halts, exits
// via hypercall, triple-faults, or (for non-paging guests) the safety
// exit cap is reached. It locks the calling goroutine to one OS thread
// for the whole run loop (§4.9).
func (g *Guest) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for g.running {
		if !g.usePaging && g.exitCount >= nonPagingExitCap {
			return fmt.Errorf("vcpu %d: exceeded %d exits without paging", g.id, nonPagingExitCap)
		}

		if err := kvm.Run(g.vcpuFd); err != nil {
			return fmt.Errorf("vcpu %d: KVM_RUN: %w", g.id, err)
		}

		g.exitCount++

		// A stepping pause (see onSingleStep) ends at the first non-debug exit.
		if s := g.debug; s != nil && s.pauseOnce && kvm.ExitType(g.run.ExitReason) != kvm.EXITDEBUG {
			s.pauseOnce = false
			_ = kvm.SetGuestDebug(g.vcpuFd, &kvm.GuestDebug{Control: kvm.GuestDebugEnable | kvm.GuestDebugSingleStep})
		}

		cont, err := g.dispatch()
		if !cont {
			return err
		}
	}

	return nil
}

// dispatch handles one exit per §4.7's table. The bool return reports
// whether the run loop should continue.
func (g *Guest) dispatch() (bool, error) {
	switch exit := kvm.ExitType(g.run.ExitReason); exit {
	case kvm.EXITHLT:
		g.running = false

		return false, nil

	case kvm.EXITIO:
		direction, size, port, count, offset := g.run.IO()
		if err := g.handleIO(direction, size, port, count, offset); err != nil {
			return false, fmt.Errorf("vcpu %d: io port %#x: %w", g.id, port, err)
		}

		return g.running, nil

	case kvm.EXITMMIO:
		// Reads get a zero-filled data buffer (kvm_run.mmio.data, with
		// is_write in the byte after len); writes are silently accepted.
		if isWrite := (g.run.Data[2] >> 32) & 0xFF; isWrite == 0 {
			g.run.Data[1] = 0
		}

		return true, nil

	case kvm.EXITDEBUG:
		g.onSingleStep()

		return true, nil

	case kvm.EXITIRQWINDOWOPEN, kvm.EXITINTR:
		return true, nil

	case kvm.EXITFAILENTRY:
		reason, cpu := g.run.FailEntryReason()

		return false, fmt.Errorf("vcpu %d: hardware entry failure reason %#x on physical cpu %d", g.id, reason, cpu)

	case kvm.EXITINTERNALERROR:
		suberror, data := g.run.InternalError()

		return false, fmt.Errorf("vcpu %d: internal error %#x, data %#x", g.id, suberror, data)

	case kvm.EXITSHUTDOWN:
		g.dumpShutdown()

		g.running = false

		return false, fmt.Errorf("vcpu %d: %w", g.id, ErrAbnormalShutdown)

	default:
		return false, fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit.String())
	}
}

// onSingleStep implements §4.9.1: record context, log on a decaying
// schedule, and pause stepping for one run across a REP-prefixed
// instruction so it completes at full speed, or across a HLT, which
// otherwise reports a debug exit instead of halting.
func (g *Guest) onSingleStep() {
	s := g.debug
	if s == nil {
		return
	}

	if s.pauseOnce {
		s.pauseOnce = false
		_ = kvm.SetGuestDebug(g.vcpuFd, &kvm.GuestDebug{Control: kvm.GuestDebugEnable | kvm.GuestDebugSingleStep})
	}

	regs, err := kvm.GetRegs(g.vcpuFd)
	if err != nil {
		return
	}

	sregs, err := kvm.GetSregs(g.vcpuFd)
	if err != nil {
		return
	}

	linear := sregs.CS.Base + regs.RIP

	inst, iregs, _, ierr := g.Inst()
	if ierr == nil && (hasRepPrefix(inst) || inst.Op == x86asm.HLT) {
		s.pauseOnce = true

		_ = kvm.SetGuestDebug(g.vcpuFd, &kvm.GuestDebug{Control: kvm.GuestDebugEnable})
	}

	if shouldLogStep(s) {
		disasm, call := "<undecoded>", ""
		if ierr == nil {
			disasm, call = Asm(inst, regs.RIP), CallInfo(inst, iregs)
		}

		log.Printf(
			"vcpu %d step: rip=%#x cs=%#x linear=%#x cr0=%#x rsi=%#x rbx=%#x rcx=%#x rdi=%#x rsp=%#x rflags=%#x "+
				"es=%#x/%#x/%#x idt=%#x/%#x insn=%s %s",
			g.id, regs.RIP, sregs.CS.Selector, linear, sregs.CR0, regs.RSI, regs.RBX, regs.RCX, regs.RDI,
			regs.RSP, regs.RFLAGS, sregs.ES.Selector, sregs.ES.Base, sregs.ES.Limit,
			sregs.IDT.Base, sregs.IDT.Limit, disasm, call)
	}

	s.remaining--
	if s.remaining <= 0 {
		g.debug = nil

		_ = kvm.SetGuestDebug(g.vcpuFd, &kvm.GuestDebug{})
	}
}

// shouldLogStep implements the "decaying schedule": every step for the
// first 20, then every 8th, then every 64th.
func shouldLogStep(s *singleStepState) bool {
	switch {
	case s.remaining > 1980:
		return true
	case s.remaining > 1900:
		return s.remaining%8 == 0
	default:
		return s.remaining%64 == 0
	}
}

// dumpShutdown is §4.7's SHUTDOWN handling: log registers, the CS
// segment, the instruction at RIP, the remaining single-step budget when
// stepping is armed, and the raw bytes of up to the first five IDT
// vectors, for triple-fault diagnosis. No per-step register snapshot is
// kept, so the last stepped instruction's context is not dumped.
func (g *Guest) dumpShutdown() {
	regs, rerr := kvm.GetRegs(g.vcpuFd)
	sregs, serr := kvm.GetSregs(g.vcpuFd)

	if rerr != nil || serr != nil {
		log.Printf("vcpu %d: SHUTDOWN, registers unavailable (%v, %v)", g.id, rerr, serr)

		return
	}

	log.Printf("vcpu %d: SHUTDOWN at rip=%#x cs=%#x:%#x cr0=%#x cr3=%#x rflags=%#x",
		g.id, regs.RIP, sregs.CS.Selector, sregs.CS.Base, sregs.CR0, sregs.CR3, regs.RFLAGS)

	if inst, iregs, _, err := g.Inst(); err == nil {
		log.Printf("vcpu %d: faulting instruction %s %s", g.id, Asm(inst, regs.RIP), CallInfo(inst, iregs))
	}

	if g.debug != nil {
		log.Printf("vcpu %d: last single-step context before shutdown, %d steps remaining", g.id, g.debug.remaining)
	}

	n := 5
	if sregs.IDT.Limit/8+1 < uint16(n) {
		n = int(sregs.IDT.Limit/8) + 1
	}

	for i := 0; i < n; i++ {
		off := sregs.IDT.Base + uint64(i)*8
		if off+8 > uint64(len(g.mem.Bytes)) {
			break
		}

		log.Printf("vcpu %d: idt[%d] raw=% x", g.id, i, g.mem.Bytes[off:off+8])
	}
}
