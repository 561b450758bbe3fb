package kvm

import (
	"fmt"
	"os"
)

// Verb numbers, as assigned by the kernel's KVM ioctl surface.
const (
	nrGetAPIVersion     = 0x00
	nrCreateVM          = 0x01
	nrGetMSRIndexList   = 0x02
	nrCheckExtension    = 0x03
	nrGetVCPUMMapSize   = 0x04
	nrGetSupportedCPUID = 0x05

	nrCreateVCPU          = 0x41
	nrSetUserMemoryRegion = 0x46
	nrSetTSSAddr          = 0x47
	nrRun           = 0x80
	nrGetRegs       = 0x81
	nrSetRegs       = 0x82
	nrGetSregs      = 0x83
	nrSetSregs      = 0x84
	nrGetMSRs       = 0x88
	nrSetMSRs       = 0x89
	nrSetCPUID2     = 0x90
	nrCreateIRQChip = 0x60
	nrIRQLine       = 0x61
	nrGetMPState    = 0x98
	nrSetMPState    = 0x99
	nrSetGuestDebug = 0x9b
	nrGetDebugRegs  = 0xa1
	nrSetDebugRegs  = 0xa2

	// ExpectedAPIVersion is the stable KVM userspace API version this
	// wrapper is built against. The kernel has returned 12 here since
	// the ioctl ABI was frozen; anything else means a fork or a future,
	// incompatible revision of the interface.
	ExpectedAPIVersion = 12
)

// ErrAPIVersionMismatch is returned by Open when the backend reports an
// API version this wrapper was not built against.
var ErrAPIVersionMismatch = fmt.Errorf("kvm: unexpected KVM_GET_API_VERSION")

// Device is a handle to the open virtualization character device.
type Device struct {
	fd uintptr
}

// Open acquires the kernel virtualization device at path and verifies
// its API version.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	d := &Device{fd: f.Fd()}

	v, err := GetAPIVersion(d.fd)
	if err != nil {
		return nil, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}

	if v != ExpectedAPIVersion {
		return nil, fmt.Errorf("%w: got %d want %d", ErrAPIVersionMismatch, v, ExpectedAPIVersion)
	}

	return d, nil
}

// GetAPIVersion issues KVM_GET_API_VERSION directly against an open
// device fd. Exposed standalone (rather than only via Open) since it is
// also used as the liveness probe for the --probe CLI path.
func GetAPIVersion(fd uintptr) (int, error) {
	v, err := Ioctl(fd, IIO(nrGetAPIVersion), 0)

	return int(v), err
}

// FD returns the raw file descriptor, for mmap and CreateVCPU's vmFd arg.
func (d *Device) FD() uintptr { return d.fd }

// CreateVM yields a VM object handle under this device.
func (d *Device) CreateVM() (uintptr, error) {
	return Ioctl(d.fd, IIO(nrCreateVM), 0)
}

// GetVCPUMMapSize returns the size, in bytes, of the run-shared region
// mmap'd over each vCPU's file descriptor.
func (d *Device) GetVCPUMMapSize() (uintptr, error) {
	return GetVCPUMMapSize(d.fd)
}

// GetVCPUMMapSize issues KVM_GET_VCPU_MMAP_SIZE directly against an
// open device fd.
func GetVCPUMMapSize(fd uintptr) (uintptr, error) {
	return Ioctl(fd, IIO(nrGetVCPUMMapSize), 0)
}

// CheckExtension reports the backend's support level for a capability.
func (d *Device) CheckExtension(cap Capability) (int, error) {
	v, err := Ioctl(d.fd, IIO(nrCheckExtension), uintptr(cap))

	return int(v), err
}

// CreateVCPU yields a vCPU handle with the given id under vmFd.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(nrCreateVCPU), uintptr(id))
}

// Run re-enters the guest until the next exit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(nrRun), 0)

	return err
}

// RunData mirrors the header of struct kvm_run, the shared region the
// kernel fills in on every exit. It must be accessed through an mmap'd
// pointer, never copied, since the kernel keeps writing it between exits.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the kvm_run.io union for an EXITIO exit.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// FailEntryReason decodes the kvm_run.fail_entry union for an
// EXITFAILENTRY exit: the hardware-reported reason the vCPU could not
// be entered, and the physical CPU it was attempted on.
func (r *RunData) FailEntryReason() (reason uint64, cpu uint32) {
	return r.Data[0], uint32(r.Data[1])
}

// InternalError decodes the kvm_run.internal union for an
// EXITINTERNALERROR exit: a backend-defined suberror code plus up to
// eight words of diagnostic data.
func (r *RunData) InternalError() (suberror uint32, data []uint64) {
	suberror = uint32(r.Data[0])
	ndata := int(r.Data[0] >> 32)

	if ndata > 8 {
		ndata = 8
	}

	return suberror, r.Data[1 : 1+ndata]
}
