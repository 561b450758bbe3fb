package kvm

import "unsafe"

// UserspaceMemoryRegion describes one guest-physical-to-host-virtual
// mapping, installed with SetUserMemoryRegion.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages marks a region for dirty-page tracking. Unused by
// this module (no save/restore) but kept for ABI completeness.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks a region read-only from the guest's perspective.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion installs or updates a memory slot on a VM (not a
// vCPU -- memory slots are VM-wide).
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(nrSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr tells the backend where to place the task-state segment it
// needs for real-mode and 16-bit guest emulation support on Intel hosts.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIO(nrSetTSSAddr), uintptr(addr))

	return err
}
