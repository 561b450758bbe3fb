package kvm

import "unsafe"

// Guest-debug control bits (kvm_guest_debug.control).
const (
	GuestDebugEnable     = 1 << 0
	GuestDebugSingleStep = 1 << 1
)

// GuestDebugArch carries the x86 debug-register snapshot that rides
// alongside the control word.
type GuestDebugArch struct {
	DebugReg [8]uint64
}

// GuestDebug mirrors struct kvm_guest_debug: the control bits plus the
// architecture-specific debug-register payload.
type GuestDebug struct {
	Control  uint32
	Padding  uint32
	Arch     GuestDebugArch
}

// SetGuestDebug arms or disarms single-step/breakpoint trapping on a
// vCPU. Single-step mode (§4.9.1) sets Control to
// GuestDebugEnable|GuestDebugSingleStep; the setting stays in effect for
// every following Run call until it is set again, and a zero Control
// lets the guest free-run.
func SetGuestDebug(vcpuFd uintptr, dbg *GuestDebug) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetGuestDebug, unsafe.Sizeof(*dbg)), uintptr(unsafe.Pointer(dbg)))

	return err
}

// MPState values (kvm_mp_state.mp_state) for the subset this module
// touches; a single-vCPU or boot-vCPU is always Runnable.
const (
	MPStateRunnable       = 0
	MPStateUninitialized  = 1
	MPStateInitReceived   = 2
	MPStateHalted         = 3
	MPStateSipiReceived   = 4
)

// MPState mirrors struct kvm_mp_state.
type MPState struct {
	State uint32
}

// GetMPState reads a vCPU's multiprocessing state.
func GetMPState(vcpuFd uintptr, state *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(nrGetMPState, unsafe.Sizeof(*state)), uintptr(unsafe.Pointer(state)))

	return err
}

// SetMPState writes a vCPU's multiprocessing state.
func SetMPState(vcpuFd uintptr, state *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(nrSetMPState, unsafe.Sizeof(*state)), uintptr(unsafe.Pointer(state)))

	return err
}
