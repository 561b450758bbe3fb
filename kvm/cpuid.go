package kvm

import "unsafe"

const maxCPUIDEntries = 100

// CPUID is the set of CPUID entries exchanged with the backend. The
// kernel's struct kvm_cpuid2 declares Entries as a flexible array member,
// so its real sizeof is just the 8-byte (Nent, Padding) header — the
// fixed-size Entries array below exists only so Go can allocate the
// whole thing as one value.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// cpuidHeaderSize is the size the kernel expects to see encoded in the
// ioctl number: sizeof(struct kvm_cpuid2) with its flexible array elided.
const cpuidHeaderSize = unsafe.Sizeof(uint32(0)) * 2

// CPUIDEntry2 is one CPUID leaf/subleaf result.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID fills kvmCPUID with every CPUID leaf the backend can
// present to a guest. Callers set kvmCPUID.Nent to the capacity of
// Entries before calling.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd, IIOWR(nrGetSupportedCPUID, cpuidHeaderSize), uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 installs a (possibly filtered) CPUID table into a vCPU. The
// usual sequence is GetSupportedCPUID once per VM, mutate the entries,
// then SetCPUID2 once per vCPU.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetCPUID2, cpuidHeaderSize), uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}
