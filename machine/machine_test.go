package machine_test

import (
	"errors"
	"os"
	"testing"

	"github.com/gokvm-edu/hypervisor/kvm"
	"github.com/gokvm-edu/hypervisor/machine"
)

// openVM skips the test when /dev/kvm is unavailable (CI containers
// without nested virtualization), mirroring how the kvm package's own
// tests gate on the device.
func openVM(t *testing.T) (kvmFd, vmFd uintptr) { //nolint:thelper
	dev, err := kvm.Open("/dev/kvm")
	if err != nil {
		t.Skipf("no /dev/kvm: %v", err)
	}

	vmFd, err = dev.CreateVM()
	if err != nil {
		t.Skipf("CreateVM: %v", err)
	}

	return dev.FD(), vmFd
}

func writeRealModeHalt(t *testing.T, path string) { //nolint:thelper
	if err := os.WriteFile(path, []byte{0xF4}, 0o644); err != nil {
		t.Fatalf("writing guest image: %v", err)
	}
}

func TestMemTooSmall(t *testing.T) {
	t.Parallel()

	kvmFd, vmFd := openVM(t)

	img := t.TempDir() + "/halt.bin"
	writeRealModeHalt(t, img)

	_, err := machine.New(machine.Config{
		ID: 0, KVMFd: kvmFd, VMFd: vmFd, MemSize: 1 << 10, ImagePath: img,
	})
	if !errors.Is(err, machine.ErrMemTooSmall) {
		t.Fatalf("New: got %v, want %v", err, machine.ErrMemTooSmall)
	}
}

func TestRealModeHalt(t *testing.T) {
	t.Parallel()

	kvmFd, vmFd := openVM(t)

	img := t.TempDir() + "/halt.bin"
	writeRealModeHalt(t, img)

	g, err := machine.New(machine.Config{
		ID: 0, KVMFd: kvmFd, VMFd: vmFd, MemSize: machine.MinMemSize, ImagePath: img,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := g.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if g.Running() {
		t.Fatalf("Running: got true after HLT, want false")
	}

	if g.ExitCount() == 0 {
		t.Fatalf("ExitCount: got 0, want >= 1")
	}
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	kvmFd, vmFd := openVM(t)

	img := t.TempDir() + "/toy.bin"
	writeRealModeHalt(t, img)

	g, err := machine.New(machine.Config{
		ID: 2, KVMFd: kvmFd, VMFd: vmFd, MemSize: machine.MinMemSize, ImagePath: img,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if g.DisplayName() != "toy" {
		t.Errorf("DisplayName: got %q, want %q", g.DisplayName(), "toy")
	}

	if g.ID() != 2 {
		t.Errorf("ID: got %d, want 2", g.ID())
	}
}

func TestImageTooLarge(t *testing.T) {
	t.Parallel()

	kvmFd, vmFd := openVM(t)

	img := t.TempDir() + "/big.bin"
	if err := os.WriteFile(img, make([]byte, machine.MinMemSize+1), 0o644); err != nil {
		t.Fatalf("writing guest image: %v", err)
	}

	if _, err := machine.New(machine.Config{
		ID: 0, KVMFd: kvmFd, VMFd: vmFd, MemSize: machine.MinMemSize, ImagePath: img,
	}); err == nil {
		t.Fatalf("New: got nil, want an overflow error")
	}
}
