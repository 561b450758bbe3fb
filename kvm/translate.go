package kvm

import (
	"fmt"
	"unsafe"
)

const nrTranslate = 0x85

// Translate is the argument/result of KVM_TRANSLATE: given a guest
// linear address, the backend's own page-table walk returns the
// guest-physical address it maps to. Used only for diagnostics (the
// single-step dump in §4.9.1); the hypervisor never depends on it for
// correctness since every guest class here uses a known, fixed paging
// layout the host already understands.
type Translate struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// GetTranslate walks vaddr through the vCPU's current page tables.
func GetTranslate(vcpuFd uintptr, vaddr uint64) (*Translate, error) {
	t := &Translate{LinearAddress: vaddr}

	if _, err := Ioctl(vcpuFd, IIOWR(nrTranslate, unsafe.Sizeof(*t)), uintptr(unsafe.Pointer(t))); err != nil {
		return t, fmt.Errorf("translate %#x: %w", vaddr, err)
	}

	return t, nil
}
