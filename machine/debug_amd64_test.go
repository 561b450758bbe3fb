package machine_test

import (
	"os"
	"testing"

	"github.com/gokvm-edu/hypervisor/kvm"
	"github.com/gokvm-edu/hypervisor/machine"
)

// A 32-bit flat-mode program: mov eax,1; mov ecx,2; mov edx,3; hlt.
var debugProgram = []byte{
	0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
	0xB9, 0x02, 0x00, 0x00, 0x00, // mov ecx, 2
	0xBA, 0x03, 0x00, 0x00, 0x00, // mov edx, 3
	0xF4, // hlt
}

func TestSingleStepDump(t *testing.T) {
	t.Parallel()

	kvmFd, vmFd := openVM(t)

	img := t.TempDir() + "/debug.bin"
	if err := os.WriteFile(img, debugProgram, 0o644); err != nil {
		t.Fatalf("writing guest image: %v", err)
	}

	g, err := machine.New(machine.Config{
		ID: 0, KVMFd: kvmFd, VMFd: vmFd, MemSize: machine.PagingMemSize,
		ImagePath: img, UsePaging: true, EntryPoint: 0,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := g.Debug(); err != nil {
		t.Fatalf("Debug: %v", err)
	}

	if err := g.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if g.Running() {
		t.Fatalf("Running: got true after HLT, want false")
	}
}

func TestInstDecode(t *testing.T) {
	t.Parallel()

	kvmFd, vmFd := openVM(t)

	img := t.TempDir() + "/debug.bin"
	if err := os.WriteFile(img, debugProgram, 0o644); err != nil {
		t.Fatalf("writing guest image: %v", err)
	}

	g, err := machine.New(machine.Config{
		ID: 0, KVMFd: kvmFd, VMFd: vmFd, MemSize: machine.PagingMemSize,
		ImagePath: img, UsePaging: true, EntryPoint: 0,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	inst, regs, s, err := g.Inst()
	if err != nil {
		t.Fatalf("Inst: %v", err)
	}

	t.Logf("decoded at rip=%#x: %s", regs.RIP, s)

	if inst.Op.String() == "" {
		t.Errorf("Inst: decoded op string is empty")
	}

	asm := machine.Asm(inst, regs.RIP)
	if asm == "" {
		t.Errorf("Asm: got empty string")
	}

	if info := machine.CallInfo(inst, regs); info == "" {
		t.Errorf("CallInfo: got empty string")
	}
}

func TestReadWriteWord(t *testing.T) {
	t.Parallel()

	kvmFd, vmFd := openVM(t)

	img := t.TempDir() + "/debug.bin"
	if err := os.WriteFile(img, debugProgram, 0o644); err != nil {
		t.Fatalf("writing guest image: %v", err)
	}

	g, err := machine.New(machine.Config{
		ID: 0, KVMFd: kvmFd, VMFd: vmFd, MemSize: machine.PagingMemSize,
		ImagePath: img, UsePaging: true, EntryPoint: 0,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := g.WriteWord(0x2000, 0xDEADBEEF); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}

	v, err := g.ReadWord(0x2000)
	if err != nil {
		t.Fatalf("ReadWord: %v", err)
	}

	if v != 0xDEADBEEF {
		t.Errorf("ReadWord: got %#x, want %#x", v, 0xDEADBEEF)
	}
}

func TestArgs(t *testing.T) {
	t.Parallel()

	r := &kvm.Regs{RCX: 1, RDX: 2, R8: 3, R9: 4}

	kvmFd, vmFd := openVM(t)

	img := t.TempDir() + "/debug.bin"
	if err := os.WriteFile(img, debugProgram, 0o644); err != nil {
		t.Fatalf("writing guest image: %v", err)
	}

	g, err := machine.New(machine.Config{
		ID: 0, KVMFd: kvmFd, VMFd: vmFd, MemSize: machine.PagingMemSize,
		ImagePath: img, UsePaging: true, EntryPoint: 0,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, err := g.Args(r, 4)
	if err != nil {
		t.Fatalf("Args: %v", err)
	}

	want := []uintptr{1, 2, 3, 4}
	for i := range want {
		if a[i] != want[i] {
			t.Errorf("Args[%d]: got %#x, want %#x", i, a[i], want[i])
		}
	}

	if _, err := g.Args(r, 800); err == nil {
		t.Errorf("Args(800): got nil, want err")
	}
}
