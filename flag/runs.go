package flag

import (
	"fmt"
	"log"

	"github.com/alecthomas/kong"

	"github.com/gokvm-edu/hypervisor/machine"
	"github.com/gokvm-edu/hypervisor/probe"
	"github.com/gokvm-edu/hypervisor/vmm"
)

// Parse parses os.Args-equivalent CLI arguments and runs the resulting
// command (§6).
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("gokvm-edu"),
		kong.Description("a small educational KVM type-2 hypervisor"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

// Run dispatches --probe or boots a VM per the parsed flags.
func (c *CLI) Run() error {
	if c.Probe {
		return probe.KVMCapabilities()
	}

	entry, err := parseLinuxEntry(c.LinuxEntry)
	if err != nil {
		return err
	}

	rsi, err := parseLinuxRSI(c.LinuxRSI)
	if err != nil {
		return err
	}

	debug := c.Debug
	if debug == 0 && c.Verbose {
		debug = 1
	}

	v := vmm.New(vmm.Config{
		Dev: "/dev/kvm",

		Paging:   c.Paging || c.LongMode,
		LongMode: c.LongMode,

		Linux:      c.Linux,
		LinuxEntry: entry,
		LinuxRSI:   rsi,
		Cmdline:    c.Cmdline,
		Initrd:     c.Initrd,

		Entry: c.Entry,
		Load:  c.Load,

		Debug: debug,

		Images: c.Images,
	})

	if err := v.Init(); err != nil {
		log.Printf("vmm init: %v", err)

		return err
	}

	if err := v.Setup(); err != nil {
		log.Printf("vmm setup: %v", err)

		return err
	}

	return v.Boot()
}

func parseLinuxEntry(s string) (machine.LinuxEntry, error) {
	switch s {
	case "", "code32":
		return machine.LinuxEntryCode32, nil
	case "setup":
		return machine.LinuxEntrySetup, nil
	case "boot64":
		return machine.LinuxEntryBoot64, nil
	default:
		return 0, fmt.Errorf("flag: unknown --linux-entry %q", s)
	}
}

func parseLinuxRSI(s string) (machine.LinuxRSI, error) {
	switch s {
	case "", "base":
		return machine.LinuxRSIBase, nil
	case "hdr":
		return machine.LinuxRSIHdr, nil
	default:
		return 0, fmt.Errorf("flag: unknown --linux-rsi %q", s)
	}
}
