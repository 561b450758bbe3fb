// Package bootparam parses and builds the Linux "zero page" boot
// parameter block: the bzImage setup header at offset 0x1F1 and the
// E820 memory map that follows it, per the kernel's boot protocol
// (Documentation/x86/boot.rst) and §4.4/§6 of this module's loader.
package bootparam

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// ZeroPageSize is the fixed size of the boot_params structure.
	ZeroPageSize = 0x1000

	// SetupHeaderOffset is where the setup header begins inside the
	// zero page (and inside a raw bzImage file, at this same offset).
	SetupHeaderOffset = 0x1F1

	bootFlagOffset      = 0x1FE
	headerMagicOffset   = 0x202
	versionOffset       = 0x206
	typeOfLoaderOffset  = 0x210
	loadflagsOffset     = 0x211
	code32StartOffset   = 0x214
	ramdiskImageOffset  = 0x218
	ramdiskSizeOffset   = 0x21C
	cmdLinePtrOffset    = 0x228
	initrdAddrMaxOffset = 0x22C
	xloadflagsOffset    = 0x236
	initSizeOffset      = 0x260

	e820EntriesCountOffset = 0x1E8
	e820TableOffset        = 0x2D0
	e820MaxEntries         = 128

	// BootSignature is the required value at bootFlagOffset.
	BootSignature = 0xAA55

	// HdrSMagic is "HdrS", the required value at headerMagicOffset.
	HdrSMagic = 0x53726448

	// LoadedHigh is the loadflags bit requiring a bzImage (not zImage).
	LoadedHigh = 1 << 0

	// XLFKernel64 is the xloadflags bit advertising a 64-bit entry
	// point at code32_start+0x200.
	XLFKernel64 = 1 << 0

	// LoaderTypeUndefined is written into type_of_loader when the
	// loader has no registered ID (the boot protocol's documented
	// default for unofficial bootloaders).
	LoaderTypeUndefined = 0xFF

	// InitrdAddrMax is the ceiling the loader enforces for initrd
	// placement when the header does not specify a lower one.
	InitrdAddrMax = 0x37FFFFFF
)

var (
	// ErrNotBzImage is returned by New when the boot signature or
	// header magic is missing, or the LOADED_HIGH flag is unset.
	ErrNotBzImage = errors.New("bootparam: not a bzImage")

	errTooShort = errors.New("bootparam: file too short to hold a setup header")
)

// E820 entry types (§6).
const (
	E820Ram      uint32 = 1
	E820Reserved uint32 = 2
)

// E820Entry is one packed, little-endian 20-byte E820 map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BootParam is the in-memory zero page: ZeroPageSize bytes, mutable in
// place as the loader overlays loader-owned fields (loader type, cmdline
// pointer, ramdisk image/size, initrd_addr_max, E820 entries) on top of
// the header parsed out of the bzImage.
type BootParam struct {
	raw [ZeroPageSize]byte
}

// New reads a bzImage (or any stream with an embedded setup header) and
// validates its boot signature, header magic, and LOADED_HIGH flag. On
// success the returned BootParam's first ZeroPageSize bytes hold exactly
// what was read of the header region; the rest of the zero page starts
// zeroed, ready for the loader to overlay.
func New(r io.Reader) (*BootParam, error) {
	bp := &BootParam{}

	n, err := io.ReadFull(r, bp.raw[:])
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("bootparam: read header: %w", err)
	}

	if n < SetupHeaderOffset {
		return nil, errTooShort
	}

	if bp.u16(bootFlagOffset) != BootSignature {
		return nil, fmt.Errorf("%w: bad boot signature", ErrNotBzImage)
	}

	if bp.u32(headerMagicOffset) != HdrSMagic {
		return nil, fmt.Errorf("%w: missing HdrS magic", ErrNotBzImage)
	}

	if bp.raw[loadflagsOffset]&LoadedHigh == 0 {
		return nil, fmt.Errorf("%w: LOADED_HIGH not set (zImage, not bzImage)", ErrNotBzImage)
	}

	return bp, nil
}

func (b *BootParam) u16(off int) uint16 { return binary.LittleEndian.Uint16(b.raw[off:]) }
func (b *BootParam) u32(off int) uint32 { return binary.LittleEndian.Uint32(b.raw[off:]) }

func (b *BootParam) putU16(off int, v uint16) { binary.LittleEndian.PutUint16(b.raw[off:], v) }
func (b *BootParam) putU32(off int, v uint32) { binary.LittleEndian.PutUint32(b.raw[off:], v) }

// SetupSects returns the header's setup_sects field, defaulting to 4
// (the documented fallback) when the field is zero.
func (b *BootParam) SetupSects() int {
	n := int(b.raw[SetupHeaderOffset])
	if n == 0 {
		n = 4
	}

	return n
}

// SetupSize is (setup_sects+1)*512, the size of the real-mode setup
// region copied to 0x90000.
func (b *BootParam) SetupSize() int {
	return (b.SetupSects() + 1) * 512
}

// Code32Start returns code32_start, patching in 0x100000 (the fixed
// protected-mode payload address) the first time it is read as zero,
// per §4.4's "if code32_start is zero, patch it to 0x100000".
func (b *BootParam) Code32Start() uint32 {
	v := b.u32(code32StartOffset)
	if v == 0 {
		v = 0x100000
		b.putU32(code32StartOffset, v)
	}

	return v
}

// InitSize returns the header's init_size field: the span of guest-physical
// memory above the kernel's load address that its own decompression/BSS
// setup needs, which the initrd must never be placed inside. Older
// (pre-2.10) kernels leave this field zero; callers fall back to their
// own floor in that case.
func (b *BootParam) InitSize() uint32 { return b.u32(initSizeOffset) }

// Is64BitCapable reports whether xloadflags advertises a 64-bit entry
// point at Code32Start()+0x200.
func (b *BootParam) Is64BitCapable() bool {
	return b.u16(xloadflagsOffset)&XLFKernel64 != 0
}

// SetLoaderType writes type_of_loader.
func (b *BootParam) SetLoaderType(t uint8) { b.raw[typeOfLoaderOffset] = t }

// SetInitrdAddrMax writes initrd_addr_max.
func (b *BootParam) SetInitrdAddrMax(v uint32) { b.putU32(initrdAddrMaxOffset, v) }

// SetCmdLinePtr writes cmd_line_ptr.
func (b *BootParam) SetCmdLinePtr(v uint32) { b.putU32(cmdLinePtrOffset, v) }

// SetRamdisk writes ramdisk_image and ramdisk_size.
func (b *BootParam) SetRamdisk(addr, size uint32) {
	b.putU32(ramdiskImageOffset, addr)
	b.putU32(ramdiskSizeOffset, size)
}

// AddE820Entry appends one entry to the zero page's E820 table,
// incrementing the entry count at e820EntriesCountOffset. Overflowing
// e820MaxEntries is a programmer error (the loader only ever adds three)
// and is silently ignored rather than panicking mid-boot-param-build.
func (b *BootParam) AddE820Entry(addr, size uint64, typ uint32) {
	count := int(b.raw[e820EntriesCountOffset])
	if count >= e820MaxEntries {
		return
	}

	off := e820TableOffset + count*20
	binary.LittleEndian.PutUint64(b.raw[off:], addr)
	binary.LittleEndian.PutUint64(b.raw[off+8:], size)
	binary.LittleEndian.PutUint32(b.raw[off+16:], typ)

	b.raw[e820EntriesCountOffset] = byte(count + 1)
}

// Bytes returns the ZeroPageSize-byte zero page ready to be copied into
// guest memory.
func (b *BootParam) Bytes() ([]byte, error) {
	out := make([]byte, ZeroPageSize)
	copy(out, b.raw[:])

	return out, nil
}

// HeaderBytes returns the raw setup-header bytes starting at
// SetupHeaderOffset, for overlaying into a copy of the real-mode setup
// region per the "setup header copied into the zero page equals the
// bytes parsed from the bzImage plus host-overlaid fields" invariant.
func (b *BootParam) HeaderBytes() []byte {
	out := make([]byte, ZeroPageSize-SetupHeaderOffset)
	copy(out, b.raw[SetupHeaderOffset:])

	return out
}
