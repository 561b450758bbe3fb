package cpuid_test

import (
	"testing"

	"github.com/gokvm-edu/hypervisor/cpuid"
	"github.com/gokvm-edu/hypervisor/kvm"
)

func TestFilterForLongModeSetsLeaf1AndExtLeaf(t *testing.T) {
	t.Parallel()

	ids := &kvm.CPUID{Nent: 3}
	ids.Entries[0].Function = 0
	ids.Entries[1].Function = 1
	ids.Entries[2].Function = 0x80000001

	cpuid.FilterForLongMode(ids)

	if ids.Entries[0].Edx != 0 || ids.Entries[0].Ecx != 0 {
		t.Fatalf("leaf 0 was mutated: %+v", ids.Entries[0])
	}

	for _, bit := range cpuid.AllF1Edx {
		if ids.Entries[1].Edx&(1<<uint(bit)) == 0 {
			t.Errorf("leaf 1 EDX bit %d not set", bit)
		}
	}

	for _, bit := range cpuid.AllF1Ecx {
		if ids.Entries[1].Ecx&(1<<uint(bit)) == 0 {
			t.Errorf("leaf 1 ECX bit %d not set", bit)
		}
	}

	for _, bit := range cpuid.AllF81Edx {
		if ids.Entries[2].Edx&(1<<uint(bit)) == 0 {
			t.Errorf("leaf 0x80000001 EDX bit %d not set", bit)
		}
	}

	if ids.Entries[2].Ecx&(1<<uint(cpuid.LAHFLM)) == 0 {
		t.Error("leaf 0x80000001 ECX LAHFLM bit not set")
	}
}

func TestFilterForLongModeOnlyTouchesNent(t *testing.T) {
	t.Parallel()

	ids := &kvm.CPUID{Nent: 1}
	ids.Entries[0].Function = 1
	ids.Entries[1].Function = 0x80000001 // beyond Nent, must stay untouched

	cpuid.FilterForLongMode(ids)

	if ids.Entries[1].Edx != 0 {
		t.Fatal("entry beyond Nent was mutated")
	}
}
