// Package vmm is the supervisor: it turns a parsed CLI configuration
// into one or more machine.Guest vCPUs, runs each on its own OS
// thread, and serializes their console/keyboard I/O (§4.9, §5).
package vmm

import (
	"errors"
	"fmt"
	"log"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/gokvm-edu/hypervisor/kvm"
	"github.com/gokvm-edu/hypervisor/machine"
	"github.com/gokvm-edu/hypervisor/term"
)

// Config is the fully parsed CLI configuration (§6).
type Config struct {
	Dev string

	Paging   bool
	LongMode bool

	Linux      string
	LinuxEntry machine.LinuxEntry
	LinuxRSI   machine.LinuxRSI
	Cmdline    string
	Initrd     string

	Entry uint64
	Load  uint64

	Debug int

	Images []string
}

// Debug levels (§4.9.1, mirroring the original's debug.h): NONE, BASIC
// and DETAILED are accepted but add no output of their own; ALL arms the
// 2000-step single-step trace.
const (
	DebugNone     = 0
	DebugBasic    = 1
	DebugDetailed = 2
	DebugAll      = 3
)

// ErrNoImages indicates a non-Linux invocation named no guest images.
var ErrNoImages = errors.New("vmm: no guest images given")

// ErrTooManyImages indicates more than four guest images were given.
var ErrTooManyImages = errors.New("vmm: at most 4 guest images are supported")

// VMM owns the open backend device, the VM handle, and the set of
// vCPUs it is responsible for running and joining.
type VMM struct {
	Config

	kvmFd uintptr
	vmFd  uintptr

	guests []*machine.Guest
	ring   *keyboardRing
	con    *console
}

func New(c Config) *VMM {
	return &VMM{Config: c}
}

// Init opens the backend device, creates the VM object, and (for a
// Linux guest) the in-kernel IRQ chip the UART's IRQ4 pulse needs.
func (v *VMM) Init() error {
	dev, err := kvm.Open(v.Dev)
	if err != nil {
		return fmt.Errorf("vmm: %w", err)
	}

	vmFd, err := dev.CreateVM()
	if err != nil {
		return fmt.Errorf("vmm: CreateVM: %w", err)
	}

	v.kvmFd = dev.FD()
	v.vmFd = vmFd

	if v.Linux != "" {
		if err := kvm.CreateIRQChip(v.vmFd); err != nil {
			return fmt.Errorf("vmm: CreateIRQChip: %w", err)
		}
	}

	return nil
}

// Setup builds every guest's vCPU context, per §4.2's sizing policy.
func (v *VMM) Setup() error {
	images := v.Images
	if v.Linux != "" {
		images = []string{v.Linux}
	}

	if len(images) == 0 {
		return ErrNoImages
	}

	if len(images) > 4 {
		return ErrTooManyImages
	}

	v.ring = newKeyboardRing()
	v.con = newConsole(os.Stdout, len(images))

	injector := irqInjector{vmFd: v.vmFd}

	for id, img := range images {
		cfg := machine.Config{
			ID:        id,
			KVMFd:     v.kvmFd,
			VMFd:      v.vmFd,
			ImagePath: img,

			EntryPoint: v.Entry,
			LoadOffset: v.Load,

			UsePaging: v.Paging,
			LongMode:  v.LongMode,

			LinuxGuest: v.Linux != "",
			LinuxEntry: v.LinuxEntry,
			LinuxRSI:   v.LinuxRSI,
			Cmdline:    v.Cmdline,
			InitrdPath: v.Initrd,

			KeyboardRing: v.ring,
			Output:       injector,
			Console:      v.con,
		}

		cfg.MemSize = memSizeFor(cfg)

		g, err := machine.New(cfg)
		if err != nil {
			return fmt.Errorf("vmm: guest %d (%s): %w", id, img, err)
		}

		v.guests = append(v.guests, g)
	}

	return nil
}

func memSizeFor(c machine.Config) int {
	switch {
	case c.LinuxGuest:
		return machine.LinuxMemSize
	case c.UsePaging || c.LongMode:
		return machine.PagingMemSize
	default:
		return machine.MinMemSize
	}
}

// Boot enables single-step tracing if requested, starts the
// stdin-monitor thread, launches every vCPU on its own goroutine via
// errgroup (one OS thread each through runtime.LockOSThread inside
// Guest.Run), and joins them all.
func (v *VMM) Boot() error {
	if v.Debug == DebugAll {
		for _, g := range v.guests {
			if !g.DebugEligible() {
				continue
			}

			if err := g.Debug(); err != nil {
				return fmt.Errorf("vmm: enabling single-step: %w", err)
			}
		}
	}

	restore, err := term.SetRawMode()
	if err != nil {
		log.Printf("vmm: raw mode unavailable, continuing without it: %v", err)

		restore = func() {}
	}

	defer restore()

	stop := make(chan struct{})
	defer close(stop)

	go v.monitorStdin(stop)

	var eg errgroup.Group

	for _, g := range v.guests {
		g := g

		eg.Go(func() error {
			fmt.Printf("starting vcpu %d (%s)\r\n", g.ID(), g.DisplayName())

			if err := g.Run(); err != nil {
				return fmt.Errorf("vcpu %d (%s): %w", g.ID(), g.DisplayName(), err)
			}

			fmt.Printf("vcpu %d (%s) done\r\n", g.ID(), g.DisplayName())

			return nil
		})
	}

	return eg.Wait()
}

// monitorStdin is the single stdin-reader thread (§4.9, §5): it selects
// on fd 0 with a 100ms budget so it can notice stop without blocking
// forever, reads whatever is pending, pushes each byte into the shared
// keyboard ring, and for a Linux guest pulses IRQ4 to wake the console
// driver.
func (v *VMM) monitorStdin(stop <-chan struct{}) {
	var buf [64]byte

	for {
		select {
		case <-stop:
			return
		default:
		}

		rfds := &unix.FdSet{}
		rfds.Bits[0] = 1 // fd 0 only

		tv := unix.Timeval{Sec: 0, Usec: 100_000}

		n, err := unix.Select(1, rfds, nil, nil, &tv)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return
		}

		if n <= 0 {
			continue
		}

		m, err := unix.Read(0, buf[:])
		if err != nil || m <= 0 {
			return
		}

		for _, b := range buf[:m] {
			v.ring.Push(b)
		}

		if v.Linux != "" {
			if err := (irqInjector{vmFd: v.vmFd}).InjectSerialIRQ(); err != nil {
				log.Printf("vmm: InjectSerialIRQ: %v", err)
			}
		}
	}
}
