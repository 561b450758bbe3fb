// Package probe implements the --probe diagnostic surface: list what
// the host's /dev/kvm actually supports before committing to a boot.
package probe

import (
	"fmt"
	"os"

	"github.com/gokvm-edu/hypervisor/kvm"
)

// capabilities is the fixed set of extensions a guest of this module's
// three classes might depend on; CheckExtension accepts any of them.
var capabilities = []kvm.Capability{
	kvm.CapIRQChip,
	kvm.CapHLT,
	kvm.CapUserMemory,
	kvm.CapSetTSSAddr,
	kvm.CapExtCPUID,
	kvm.CapMPState,
	kvm.CapNRVCPUs,
	kvm.CapNRMemSlots,
	kvm.CapSetGuestDebug,
}

// KVMCapabilities opens /dev/kvm (which checks the API version), prints
// the extension support level for each capability this module cares about, and the
// full supported-CPUID table (grounded on the teacher's probe.CPUID).
func KVMCapabilities() error {
	dev, err := kvm.Open("/dev/kvm")
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	for _, c := range capabilities {
		v, err := dev.CheckExtension(c)
		if err != nil {
			return fmt.Errorf("probe: CheckExtension(%s): %w", c, err)
		}

		fmt.Fprintf(os.Stdout, "%-20s %d\n", c, v)
	}

	return cpuidTable(dev)
}

// cpuidTable prints every CPUID leaf KVM_GET_SUPPORTED_CPUID returns.
func cpuidTable(dev *kvm.Device) error {
	ids := &kvm.CPUID{Nent: 100}

	if err := kvm.GetSupportedCPUID(dev.FD(), ids); err != nil {
		return fmt.Errorf("probe: GetSupportedCPUID: %w", err)
	}

	for i := uint32(0); i < ids.Nent; i++ {
		e := ids.Entries[i]
		fmt.Fprintf(os.Stdout, "0x%08x 0x%02x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x (flags:%x)\n",
			e.Function, e.Index, e.Eax, e.Ebx, e.Ecx, e.Edx, e.Flags)
	}

	return nil
}
