package kvm

import "unsafe"

const maxMSRs = 100

// MSRList is the set of MSR indices the backend supports exposing to a
// guest. Like CPUID, the kernel struct declares Indicies as a flexible
// array member; NMSRs is both the requested capacity on the way in and
// the actual count on the way out.
type MSRList struct {
	NMSRs    uint32
	Indicies [maxMSRs]uint32
}

// GetMSRIndexList returns the guest MSRs the backend supports. The list
// varies by kernel version and host CPU but is otherwise static for the
// lifetime of the process, so callers fetch it once at startup.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	list.NMSRs = maxMSRs

	_, err := Ioctl(kvmFd,
		IIOWR(nrGetMSRIndexList, unsafe.Sizeof(uint32(0))),
		uintptr(unsafe.Pointer(list)))

	return err
}

// MSREntry is one (index, data) pair exchanged with the backend.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// MSRs mirrors struct kvm_msrs: a header (NMSRs) followed by a flexible
// array of entries, modeled here as a fixed-capacity array.
type MSRs struct {
	NMSRs   uint32
	Padding uint32
	Entries [maxMSRs]MSREntry
}

const msrsHeaderSize = unsafe.Sizeof(uint32(0)) * 2

// GetMSRs reads the current values of msrs.Entries[:msrs.NMSRs].Index
// from a vCPU, filling in Data.
func GetMSRs(vcpuFd uintptr, msrs *MSRs) error {
	_, err := Ioctl(vcpuFd, IIOWR(nrGetMSRs, msrsHeaderSize), uintptr(unsafe.Pointer(msrs)))

	return err
}

// SetMSRs writes msrs.Entries[:msrs.NMSRs] into a vCPU. Used during
// 64-bit mode bring-up to seed EFER, STAR/LSTAR/CSTAR/FMASK, and the
// FS/GS/KERNEL_GS base registers.
func SetMSRs(vcpuFd uintptr, msrs *MSRs) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetMSRs, msrsHeaderSize), uintptr(unsafe.Pointer(msrs)))

	return err
}
