package cpuid

// The feature bit layout mirrors arch/x86/kvm/cpuid.c and
// arch/x86/include/asm/cpufeatures.h in Linux: the leaf/register mapping
// for leaf 1 and leaf 0x80000001, filtered down to the subset §4.5
// requires for a long-mode or Linux guest.
//
// [1] https://github.com/torvalds/linux/blob/v4.20/arch/x86/kvm/cpuid.c#L341-L414
// [2] https://github.com/torvalds/linux/blob/v4.20/arch/x86/include/asm/cpufeatures.h#L29

// F1Edx are leaf-1 EDX feature bits.
type F1Edx uint32

const (
	FPU     F1Edx = 0  /* Onboard FPU */
	PSE     F1Edx = 3  /* Page Size Extensions */
	TSC     F1Edx = 4  /* Time Stamp Counter */
	MSR     F1Edx = 5  /* Model-Specific Registers */
	PAE     F1Edx = 6  /* Physical Address Extensions */
	APIC    F1Edx = 9  /* Onboard APIC */
	SEP     F1Edx = 11 /* SYSENTER/SYSEXIT */
	MTRR    F1Edx = 12 /* Memory Type Range Registers */
	PGE     F1Edx = 13 /* Page Global Enable */
	CMOV    F1Edx = 15 /* CMOV instructions */
	PAT     F1Edx = 16 /* Page Attribute Table */
	CLFLUSH F1Edx = 19 /* CLFLUSH instruction */
	MMX     F1Edx = 23 /* Multimedia Extensions */
	FXSR    F1Edx = 24 /* FXSAVE/FXRSTOR, CR4.OSFXSR */
	XMM     F1Edx = 25 /* "sse" */
	XMM2    F1Edx = 26 /* "sse2" */
)

//nolint:gochecknoglobals
var AllF1Edx = []F1Edx{
	FPU, PSE, TSC, MSR, PAE, APIC, SEP, MTRR, PGE, CMOV, PAT, CLFLUSH, MMX, FXSR, XMM, XMM2,
}

// F1Ecx are leaf-1 ECX feature bits.
type F1Ecx uint32

const (
	SSE3   F1Ecx = 0  /* "pni" Prescott New Instructions */
	SSSE3  F1Ecx = 9  /* Supplemental SSE3 */
	CX16   F1Ecx = 13 /* CMPXCHG16B instruction */
	SSE4_1 F1Ecx = 19 /* SSE4.1 */
	SSE4_2 F1Ecx = 20 /* SSE4.2 */
	POPCNT F1Ecx = 23 /* POPCNT instruction */
)

//nolint:gochecknoglobals
var AllF1Ecx = []F1Ecx{SSE3, SSSE3, CX16, SSE4_1, SSE4_2, POPCNT}

// F81Edx are leaf-0x80000001 EDX feature bits.
type F81Edx uint32

const (
	SYSCALL F81Edx = 11 /* SYSCALL/SYSRET */
	NX      F81Edx = 20 /* Execute Disable */
	PDPE1GB F81Edx = 26 /* GB pages */
	RDTSCP  F81Edx = 27 /* RDTSCP instruction */
	LM      F81Edx = 29 /* Long Mode */
)

//nolint:gochecknoglobals
var AllF81Edx = []F81Edx{SYSCALL, NX, PDPE1GB, RDTSCP, LM}

// F81Ecx are leaf-0x80000001 ECX feature bits.
type F81Ecx uint32

const (
	LAHFLM F81Ecx = 0 /* LAHF/SAHF available in long mode */
)

//nolint:gochecknoglobals
var AllF81Ecx = []F81Ecx{LAHFLM}
