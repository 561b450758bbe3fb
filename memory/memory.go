// Package memory manages the host-backed guest physical memory slots
// registered with the virtualization backend: one slot per vCPU, sized
// according to the guest class it is about to run (§4.2).
package memory

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/gokvm-edu/hypervisor/kvm"
)

// Per-vCPU slot sizes, by guest class (§4.2 sizing policy).
const (
	RealModeSize   = 256 * 1024
	PagingModeSize = 4 * 1024 * 1024
	LinuxGuestSize = 256 * 1024 * 1024
)

// Poison fills memory above poisonFloor so that a guest that runs off
// the end of its image traps instead of executing zeros. The pattern
// disassembles to "mov eax,0xcafebabe; nop; ud2".
const Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"

const poisonFloor = 0x100000

// Slot is one vCPU's guest-physical memory: a single anonymous mmap
// registered with the backend as memory slot number ID.
type Slot struct {
	ID       uint32
	PhysBase uint64
	Size     int
	Bytes    []byte
}

// New allocates size bytes of backing memory for vCPU id, poisons it
// above poisonFloor, and registers it with the backend at guest-physical
// address id*size. Distinct ids therefore never overlap, since each
// claims its own [id*size, (id+1)*size) range (the memory-slot-partition
// invariant).
func New(vmFd uintptr, id uint32, size int) (*Slot, error) {
	buf, err := syscall.Mmap(-1, 0, size, syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory for vcpu %d: %w", id, err)
	}

	for i := poisonFloor; i+len(Poison) <= len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}

	physBase := uint64(id) * uint64(size)

	region := &kvm.UserspaceMemoryRegion{
		Slot:          id,
		GuestPhysAddr: physBase,
		MemorySize:    uint64(size),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}

	if err := kvm.SetUserMemoryRegion(vmFd, region); err != nil {
		return nil, fmt.Errorf("KVM_SET_USER_MEMORY_REGION (slot %d): %w", id, err)
	}

	return &Slot{ID: id, PhysBase: physBase, Size: size, Bytes: buf}, nil
}

// Load copies img into the slot at guest-physical offset off, failing
// if the image does not fit.
func (s *Slot) Load(img []byte, off uint64) error {
	if off+uint64(len(img)) > uint64(s.Size) {
		return fmt.Errorf("image of %d bytes at offset %#x overflows %d-byte slot", len(img), off, s.Size)
	}

	copy(s.Bytes[off:], img)

	return nil
}
