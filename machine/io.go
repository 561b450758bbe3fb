package machine

import (
	"fmt"
	"unsafe"

	"github.com/gokvm-edu/hypervisor/kvm"
)

// serialBase is the 16550 UART's I/O port window (§4.8).
const serialBase = 0x3f8

// unsafeRunBuf returns a pointer into the shared run-exit region at the
// given byte offset from its base, where the backend stages the bytes
// for an IO exit.
func unsafeRunBuf(run *kvm.RunData, offset uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(run)) + uintptr(offset))
}

// Hypercall port and opcodes (§4.8).
const (
	hypercallPort = 0x500

	hcallExit    = 0x00
	hcallPutchar = 0x01
	hcallGetchar = 0x02
)

// ErrHypercall indicates an unrecognized hypercall opcode was issued.
var ErrHypercall = fmt.Errorf("machine: unknown hypercall")

// Console is the serialized, color-tagged sink every vCPU's PUTCHAR and
// debug output funnels through (§4.9, "console mutex").
type Console interface {
	Write(vcpuID int, b byte)
}

func (g *Guest) handleIO(direction, size, port, count, offset uint64) error {
	buf := (*(*[32]byte)(unsafeRunBuf(g.run, offset)))[:size]

	for i := uint64(0); i < count; i++ {
		if err := g.ioOnce(direction, port, buf); err != nil {
			return err
		}
	}

	return nil
}

func (g *Guest) ioOnce(direction, port uint64, buf []byte) error {
	switch {
	case port == hypercallPort:
		return g.hypercall(direction, buf)
	case port >= serialBase && port < serialBase+8:
		if direction == kvm.EXITIOIN {
			return g.serial.In(port, buf)
		}

		return g.serial.Out(port, buf)
	default:
		return g.legacyPort(direction, port, buf)
	}
}

// hypercall implements §4.8's port-0x500 ABI, including the
// OUT-GETCHAR/IN pairing invariant described in §3.
func (g *Guest) hypercall(direction uint64, buf []byte) error {
	if direction == kvm.EXITIOIN {
		if g.pendingGetchar {
			g.pendingGetchar = false

			if g.getcharResult < 0 {
				buf[0] = 0xFF
			} else {
				buf[0] = byte(g.getcharResult)
			}
		} else {
			buf[0] = 0
		}

		return nil
	}

	switch buf[0] {
	case hcallExit:
		g.running = false
	case hcallPutchar:
		if regs, err := kvm.GetRegs(g.vcpuFd); err == nil && g.console != nil {
			g.console.Write(g.id, byte(regs.RBX))
		}
	case hcallGetchar:
		if g.keyboard != nil {
			if b, ok := g.keyboard.Pop(); ok {
				g.getcharResult = int16(b)
			} else {
				g.getcharResult = -1
			}
		} else {
			g.getcharResult = -1
		}

		g.pendingGetchar = true
	default:
		return fmt.Errorf("%w: %#x", ErrHypercall, buf[0])
	}

	return nil
}

// legacyPort implements the no-op/stub device surface of §4.8's final
// paragraph: A20, CMOS, PIC, POST, 8042, and everything else.
func (g *Guest) legacyPort(direction, port uint64, buf []byte) error {
	switch port {
	case 0x92: // fast A20 gate
		if direction == kvm.EXITIOOUT {
			g.fastA20 = buf[0] | 0x02
		} else {
			buf[0] = g.fastA20
		}

		return nil
	case 0x70: // CMOS index latch
		if direction == kvm.EXITIOOUT {
			g.cmosIndex = buf[0]
		}

		return nil
	case 0x71: // CMOS data
		if direction == kvm.EXITIOIN {
			buf[0] = 0
		}

		return nil
	}

	switch {
	case port == 0x20 || port == 0x21 || port == 0xA0 || port == 0xA1: // PIC
	case port == 0x80: // POST diagnostic port
	case port == 0x60 || port == 0x64: // 8042 keyboard controller
	}

	if direction == kvm.EXITIOIN {
		for i := range buf {
			buf[i] = 0
		}
	}

	return nil
}
