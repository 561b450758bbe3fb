//nolint:dupl,paralleltest
package kvm_test

import (
	"os"
	"syscall"
	"testing"
	"unsafe"

	"github.com/gokvm-edu/hypervisor/kvm"
)

func openDevice(t *testing.T) *kvm.Device {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skipf("skipping test since we are not root")
	}

	d, err := kvm.Open("/dev/kvm")
	if err != nil {
		t.Skipf("skipping test, /dev/kvm unavailable: %v", err)
	}

	return d
}

func TestOpenRejectsNonKVMDevice(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skipf("skipping test since we are not root")
	}

	// /dev/null opens fine but any ioctl against it fails, which Open
	// must surface as an error rather than a false-positive version match.
	_, err := kvm.Open("/dev/null")
	if err == nil {
		t.Fatal("Open(/dev/null): got nil error, want failure")
	}
}

func TestCreateVMAndVCPU(t *testing.T) {
	d := openDevice(t)

	vmFd, err := d.CreateVM()
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetTSSAddr(vmFd, 0xffffd000); err != nil {
		t.Fatal(err)
	}

	if _, err := kvm.CreateVCPU(vmFd, 0); err != nil {
		t.Fatal(err)
	}
}

func TestCreateVCPUWithNoVMFd(t *testing.T) {
	d := openDevice(t)

	if _, err := kvm.CreateVCPU(d.FD(), 0); err == nil {
		t.Fatal("CreateVCPU against the device fd itself: got nil error, want failure")
	}
}

func TestCPUIDRoundTrip(t *testing.T) {
	d := openDevice(t)

	vmFd, err := d.CreateVM()
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	supported := &kvm.CPUID{Nent: 100}
	if err := kvm.GetSupportedCPUID(d.FD(), supported); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetCPUID2(vcpuFd, supported); err != nil {
		t.Fatal(err)
	}
}

func TestRegsRoundTrip(t *testing.T) {
	d := openDevice(t)

	vmFd, err := d.CreateVM()
	if err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetSregs(vcpuFd, sregs); err != nil {
		t.Fatal(err)
	}

	regs, err := kvm.GetRegs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetRegs(vcpuFd, regs); err != nil {
		t.Fatal(err)
	}
}

func TestSetMemLogDirtyPages(t *testing.T) {
	u := kvm.UserspaceMemoryRegion{}
	u.SetMemLogDirtyPages()
	u.SetMemReadonly()

	if u.Flags != 0x3 {
		t.Fatal("unexpected flags")
	}
}

func TestIRQLine(t *testing.T) {
	d := openDevice(t)

	vmFd, err := d.CreateVM()
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		t.Fatal(err)
	}

	if err := kvm.IRQLine(vmFd, 4, 0); err != nil {
		t.Fatal(err)
	}
}

func TestExitTypeStringer(t *testing.T) {
	for _, test := range []struct {
		name string
		val  kvm.ExitType
		want string
	}{
		{name: "first", val: kvm.EXITUNKNOWN, want: "EXITUNKNOWN"},
		{name: "middle", val: kvm.EXITIO, want: "EXITIO"},
		{name: "last", val: kvm.EXITINTERNALERROR, want: "EXITINTERNALERROR"},
		{name: "out of range", val: kvm.ExitType(1024), want: "ExitType(1024)"},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			got := test.val.String()
			if got != test.want {
				t.Errorf("%s: got %s, want %s", test.name, got, test.want)
			}
		})
	}
}

func TestGetMSRIndexList(t *testing.T) {
	d := openDevice(t)

	list := kvm.MSRList{}
	if err := kvm.GetMSRIndexList(d.FD(), &list); err != nil {
		t.Fatal(err)
	}

	if list.NMSRs == 0 {
		t.Fatal("GetMSRIndexList: NMSRs is 0")
	}
}

// TestAddNum mirrors the canonical /dev/kvm smoke test
// (https://lwn.net/Articles/658512/): run twelve bytes of 16-bit code that
// adds two numbers, prints the result over the fake serial port, and
// halts, single-stepping up to the final HLT to exercise the debug-exit path.
func TestAddNum(t *testing.T) {
	d := openDevice(t)

	vmFd, err := d.CreateVM()
	if err != nil {
		t.Fatal(err)
	}

	mem, err := syscall.Mmap(-1, 0, 0x1000, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		t.Fatal(err)
	}

	code := []byte{0xba, 0xf8, 0x03, 0x00, 0xd8, 0x04, '0', 0xee, 0xb0, '\n', 0xee, 0xf4}
	copy(mem, code)

	if err := kvm.SetUserMemoryRegion(vmFd, &kvm.UserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0x1000,
		MemorySize:    0x1000,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		t.Fatal(err)
	}

	vcpuFd, err := kvm.CreateVCPU(vmFd, 0)
	if err != nil {
		t.Fatal(err)
	}

	mmapSize, err := d.GetVCPUMMapSize()
	if err != nil {
		t.Fatal(err)
	}

	r, err := syscall.Mmap(int(vcpuFd), 0, int(mmapSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		t.Fatal(err)
	}

	run := (*kvm.RunData)(unsafe.Pointer(&r[0]))

	sregs, err := kvm.GetSregs(vcpuFd)
	if err != nil {
		t.Fatal(err)
	}

	sregs.CS.Base, sregs.CS.Selector = 0, 0

	if err := kvm.SetSregs(vcpuFd, sregs); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetRegs(vcpuFd, &kvm.Regs{
		RIP: 0x1000, RAX: 2, RBX: 2, RFLAGS: 0x2,
	}); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetGuestDebug(vcpuFd, &kvm.GuestDebug{
		Control: kvm.GuestDebugEnable | kvm.GuestDebugSingleStep,
	}); err != nil {
		t.Fatal(err)
	}

	var singleStepOK bool

	for {
		if err := kvm.Run(vcpuFd); err != nil {
			t.Fatalf("kvm.Run: %v", err)
		}

		switch kvm.ExitType(run.ExitReason) {
		case kvm.EXITHLT:
			if !singleStepOK {
				t.Error("single step never fired before halt")
			}

			return
		case kvm.EXITIO:
			direction, size, port, count, offset := run.IO()
			if direction != uint64(kvm.EXITIOOUT) || size != 1 || port != 0x3f8 || count != 1 {
				t.Fatalf("unexpected KVM_EXIT_IO: dir=%d size=%d port=%#x count=%d", direction, size, port, count)
			}

			c := *(*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(run)) + uintptr(offset)))
			if c != '4' && c != '\n' {
				t.Fatalf("unexpected output byte %q", c)
			}
		case kvm.EXITDEBUG:
			singleStepOK = true
		default:
			t.Fatalf("unexpected exit reason %s", kvm.ExitType(run.ExitReason))
		}

		// A single-stepped HLT reports a debug exit instead of halting,
		// so stepping is turned off once RIP reaches the final HLT.
		regs, err := kvm.GetRegs(vcpuFd)
		if err != nil {
			t.Fatal(err)
		}

		if regs.RIP == 0x1000+uint64(len(code))-1 {
			if err := kvm.SetGuestDebug(vcpuFd, &kvm.GuestDebug{}); err != nil {
				t.Fatal(err)
			}
		}
	}
}
