package kvm

import "fmt"

// Capability is an extension identifier passed to CheckExtension
// (KVM_CAP_*). Only the subset this module actually probes for is
// named; CheckExtension accepts any numeric Capability value.
type Capability int

const (
	CapIRQChip      Capability = 0
	CapHLT          Capability = 1
	CapUserMemory   Capability = 3
	CapSetTSSAddr   Capability = 4
	CapExtCPUID     Capability = 7
	CapMPState      Capability = 14
	CapNRVCPUs      Capability = 9
	CapNRMemSlots   Capability = 10
	CapIOMMU        Capability = 18
	CapIRQRouting   Capability = 25
	CapDebugRegs    Capability = 50
	CapXSave        Capability = 55
	CapXCRs         Capability = 56
	CapVCPUEvents   Capability = 41
	CapAdjustClock  Capability = 39
	CapSetGuestDebug Capability = 23
	CapKVMClockCtrl Capability = 76
)

func (c Capability) String() string {
	switch c {
	case CapIRQChip:
		return "CapIRQChip"
	case CapHLT:
		return "CapHLT"
	case CapUserMemory:
		return "CapUserMemory"
	case CapSetTSSAddr:
		return "CapSetTSSAddr"
	case CapExtCPUID:
		return "CapExtCPUID"
	case CapNRVCPUs:
		return "CapNRVCPUs"
	case CapNRMemSlots:
		return "CapNRMemSlots"
	case CapMPState:
		return "CapMPState"
	case CapIOMMU:
		return "CapIOMMU"
	case CapIRQRouting:
		return "CapIRQRouting"
	case CapDebugRegs:
		return "CapDebugRegs"
	case CapAdjustClock:
		return "CapAdjustClock"
	case CapXSave:
		return "CapXSave"
	case CapXCRs:
		return "CapXCRs"
	case CapVCPUEvents:
		return "CapVCPUEvents"
	case CapSetGuestDebug:
		return "CapSetGuestDebug"
	case CapKVMClockCtrl:
		return "CapKVMClockCtrl"
	default:
		return fmt.Sprintf("Capability(%d)", int(c))
	}
}
