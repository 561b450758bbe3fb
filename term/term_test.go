package term_test

import (
	"errors"
	"testing"

	"github.com/gokvm-edu/hypervisor/term"
	"golang.org/x/sys/unix"
)

func TestSetRawMode(t *testing.T) {
	t.Parallel()

	restore, err := term.SetRawMode()
	if err != nil && !errors.Is(err, unix.ENOTTY) {
		t.Fatalf("SetRawMode: %v", err)
	}

	restore()
}
