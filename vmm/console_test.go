package vmm

import (
	"bytes"
	"strings"
	"testing"
)

func TestConsoleSingleGuestUntagged(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	c := newConsole(&out, 1)
	c.Write(0, 'A')
	c.Write(0, 'B')

	if got := out.String(); got != "AB" {
		t.Fatalf("got %q, want %q (no ANSI tagging for a single guest)", got, "AB")
	}
}

func TestConsoleMultiGuestTagsOnSwitch(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	c := newConsole(&out, 2)
	c.Write(0, 'A')
	c.Write(0, 'B')
	c.Write(1, 'C')

	got := out.String()
	if !strings.Contains(got, "\x1b[38;5;") {
		t.Fatalf("expected an ANSI 256-color escape, got %q", got)
	}

	if !strings.Contains(got, "\x1b[0m") {
		t.Fatalf("expected a reset escape on vCPU switch, got %q", got)
	}

	if !strings.HasSuffix(got, "C") {
		t.Fatalf("expected output to end with the last byte written, got %q", got)
	}
}

func TestColorForVCPUNeverRed(t *testing.T) {
	t.Parallel()

	// Pure red is xterm-256 index 196 (r=5,g=0,b=0) in the 6x6x6 cube.
	const pureRed = 16 + 36*5

	for id := 0; id < 24; id++ {
		if got := colorForVCPU(id); got == pureRed {
			t.Fatalf("colorForVCPU(%d) = %d, want the arc to avoid pure red", id, got)
		}
	}
}

func TestColorForVCPUDeterministic(t *testing.T) {
	t.Parallel()

	for id := 0; id < 12; id++ {
		a := colorForVCPU(id)
		b := colorForVCPU(id)
		if a != b {
			t.Fatalf("colorForVCPU(%d) not deterministic: %d vs %d", id, a, b)
		}
	}
}
