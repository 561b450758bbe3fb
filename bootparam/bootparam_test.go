package bootparam_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gokvm-edu/hypervisor/bootparam"
)

// minimalBzImage builds a zero page-sized header with a valid boot
// signature, HdrS magic, and LOADED_HIGH set, the way a real bzImage's
// first 4 KiB would look if every other field defaulted to zero.
func minimalBzImage() []byte {
	buf := make([]byte, bootparam.ZeroPageSize)
	binary.LittleEndian.PutUint16(buf[0x1FE:], bootparam.BootSignature)
	binary.LittleEndian.PutUint32(buf[0x202:], bootparam.HdrSMagic)
	buf[0x211] = bootparam.LoadedHigh

	return buf
}

func TestNewAcceptsValidHeader(t *testing.T) {
	t.Parallel()

	if _, err := bootparam.New(bytes.NewReader(minimalBzImage())); err != nil {
		t.Fatalf("New: %v", err)
	}
}

func TestNewRejectsMissingSignature(t *testing.T) {
	t.Parallel()

	buf := minimalBzImage()
	binary.LittleEndian.PutUint16(buf[0x1FE:], 0)

	if _, err := bootparam.New(bytes.NewReader(buf)); err == nil {
		t.Fatal("New: got nil error for a missing boot signature, want failure")
	}
}

func TestNewRejectsMissingHdrSMagic(t *testing.T) {
	t.Parallel()

	buf := minimalBzImage()
	binary.LittleEndian.PutUint32(buf[0x202:], 0)

	if _, err := bootparam.New(bytes.NewReader(buf)); err == nil {
		t.Fatal("New: got nil error for a missing HdrS magic, want failure")
	}
}

func TestNewRejectsZImage(t *testing.T) {
	t.Parallel()

	buf := minimalBzImage()
	buf[0x211] = 0 // clear LOADED_HIGH

	if _, err := bootparam.New(bytes.NewReader(buf)); err == nil {
		t.Fatal("New: got nil error for a zImage (no LOADED_HIGH), want failure")
	}
}

func TestNewRejectsNonImageFile(t *testing.T) {
	t.Parallel()

	if _, err := bootparam.New(bytes.NewReader([]byte("not a kernel at all"))); err == nil {
		t.Fatal("New: got nil error for a short non-image file, want failure")
	}
}

func TestCode32StartDefaultsToOneMeg(t *testing.T) {
	t.Parallel()

	b, err := bootparam.New(bytes.NewReader(minimalBzImage()))
	if err != nil {
		t.Fatal(err)
	}

	if got := b.Code32Start(); got != 0x100000 {
		t.Fatalf("Code32Start: got %#x, want 0x100000", got)
	}
}

func TestInitSizeReadsHeaderField(t *testing.T) {
	t.Parallel()

	buf := minimalBzImage()
	binary.LittleEndian.PutUint32(buf[0x260:], 0x00a00000)

	b, err := bootparam.New(bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}

	if got := b.InitSize(); got != 0x00a00000 {
		t.Fatalf("InitSize: got %#x, want %#x", got, 0x00a00000)
	}
}

func TestAddE820Entry(t *testing.T) {
	t.Parallel()

	b, err := bootparam.New(bytes.NewReader(minimalBzImage()))
	if err != nil {
		t.Fatal(err)
	}

	b.AddE820Entry(0x1234567812345678, 0xabcdefabcdefabcd, bootparam.E820Ram)

	raw, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if raw[0x1E8] != 1 {
		t.Fatalf("invalid e820_entries count: %d", raw[0x1E8])
	}

	actual := bootparam.E820Entry{}
	if err := binary.Read(bytes.NewReader(raw[0x2D0:]), binary.LittleEndian, &actual); err != nil {
		t.Fatal(err)
	}

	if actual.Addr != 0x1234567812345678 {
		t.Fatalf("invalid e820 addr: %#x", actual.Addr)
	}

	if actual.Size != 0xabcdefabcdefabcd {
		t.Fatalf("invalid e820 size: %#x", actual.Size)
	}

	if actual.Type != bootparam.E820Ram {
		t.Fatalf("invalid e820 type: %d", actual.Type)
	}
}

func TestE820CoverageTilesWithoutGaps(t *testing.T) {
	t.Parallel()

	const memSize = 256 * 1024 * 1024

	b, err := bootparam.New(bytes.NewReader(minimalBzImage()))
	if err != nil {
		t.Fatal(err)
	}

	b.AddE820Entry(0, 640*1024, bootparam.E820Ram)
	b.AddE820Entry(640*1024, 1024*1024-640*1024, bootparam.E820Reserved)
	b.AddE820Entry(1024*1024, memSize-1024*1024, bootparam.E820Ram)

	raw, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if raw[0x1E8] != 3 {
		t.Fatalf("expected 3 e820 entries, got %d", raw[0x1E8])
	}

	var entries [3]bootparam.E820Entry
	for i := range entries {
		off := 0x2D0 + i*20
		if err := binary.Read(bytes.NewReader(raw[off:off+20]), binary.LittleEndian, &entries[i]); err != nil {
			t.Fatal(err)
		}
	}

	for i := 1; i < len(entries); i++ {
		if entries[i].Addr != entries[i-1].Addr+entries[i-1].Size {
			t.Fatalf("gap/overlap between entry %d and %d", i-1, i)
		}
	}

	if entries[len(entries)-1].Addr+entries[len(entries)-1].Size != memSize {
		t.Fatalf("coverage does not reach memSize: got %#x, want %#x",
			entries[len(entries)-1].Addr+entries[len(entries)-1].Size, memSize)
	}
}
