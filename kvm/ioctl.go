// Package kvm wraps the ioctl verbs exposed by the host's hardware
// virtualization device (/dev/kvm): VM creation, vCPU creation, register
// and MSR access, CPUID filtering, memory-slot registration, and the
// interrupt-line/IRQ-chip primitives. Nothing here decides guest policy;
// it only gives the rest of the module typed, idiomatic access to the
// raw C ABI.
package kvm

import "syscall"

// Linux's generic ioctl number encoding (include/uapi/asm-generic/ioctl.h).
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	kvmIOCType = 0xAE
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | kvmIOCType<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// IIO builds a KVM ioctl number that carries no payload (e.g. KVM_CREATE_VM).
func IIO(nr uintptr) uintptr {
	return ioc(iocNone, nr, 0)
}

// IIOW builds a KVM ioctl number for a userspace-to-kernel payload.
func IIOW(nr, size uintptr) uintptr {
	return ioc(iocWrite, nr, size)
}

// IIOR builds a KVM ioctl number for a kernel-to-userspace payload.
func IIOR(nr, size uintptr) uintptr {
	return ioc(iocRead, nr, size)
}

// IIOWR builds a KVM ioctl number for a bidirectional payload.
func IIOWR(nr, size uintptr) uintptr {
	return ioc(iocWrite|iocRead, nr, size)
}

// Ioctl issues a raw ioctl(2) against fd, retrying transparently on EINTR
// the way any blocking syscall must when a signal lands mid-call.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
		if errno == syscall.EINTR {
			continue
		}

		if errno != 0 {
			return res, errno
		}

		return res, nil
	}
}
