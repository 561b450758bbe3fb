package cpuid

import "github.com/gokvm-edu/hypervisor/kvm"

const (
	leaf1      = 1
	leafExt1   = 0x80000001
)

// FilterForLongMode mutates the backend's supported-CPUID table in
// place the way §4.5 specifies: for the leaf-1 entry it ORs in the
// standard feature bits a long-mode guest kernel probes for at boot
// (FPU through SSE2 in EDX, SSE3 through POPCNT in ECX); for the
// leaf-0x80000001 entry it ORs in SYSCALL/NX/PDPE1GB/RDTSCP/LM in EDX
// and LAHF-in-long-mode in ECX. Every other leaf passes through
// untouched. Call this once per VM, before SetCPUID2 on any long-mode
// or Linux vCPU.
func FilterForLongMode(ids *kvm.CPUID) {
	for i := uint32(0); i < ids.Nent; i++ {
		entry := &ids.Entries[i]

		switch entry.Function {
		case leaf1:
			for _, bit := range AllF1Edx {
				entry.Edx |= 1 << uint(bit)
			}

			for _, bit := range AllF1Ecx {
				entry.Ecx |= 1 << uint(bit)
			}
		case leafExt1:
			for _, bit := range AllF81Edx {
				entry.Edx |= 1 << uint(bit)
			}

			for _, bit := range AllF81Ecx {
				entry.Ecx |= 1 << uint(bit)
			}
		}
	}
}
