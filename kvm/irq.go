package kvm

import "unsafe"

// irqLevel mirrors struct kvm_irq_level: a legacy (PIC/IOAPIC) IRQ number
// and the level to drive it to.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine raises or lowers a legacy interrupt line. Used to deliver the
// UART's IRQ4 to a Linux guest when its output FIFO has data to drain.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, IIOW(nrIRQLine, unsafe.Sizeof(irqLev)), uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// CreateIRQChip instantiates the backend's in-kernel PIC/IOAPIC model.
// A Linux guest's IRQLine calls are no-ops without this.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(nrCreateIRQChip), 0)

	return err
}
