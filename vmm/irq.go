package vmm

import "github.com/gokvm-edu/hypervisor/kvm"

// serialIRQ is the legacy PIC line the emulated UART's RBR wakes a
// Linux guest's console driver on.
const serialIRQ = 4

// irqInjector wraps a VM's IRQLine ioctl into serial.IRQInjector's
// single-call raise-then-lower pulse (grounded on the teacher's
// Machine.InjectSerialIRQ).
type irqInjector struct {
	vmFd uintptr
}

func (i irqInjector) InjectSerialIRQ() error {
	if err := kvm.IRQLine(i.vmFd, serialIRQ, 1); err != nil {
		return err
	}

	return kvm.IRQLine(i.vmFd, serialIRQ, 0)
}
