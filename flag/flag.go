// Package flag defines this module's CLI surface (§6) as a single
// kong-tagged struct.
package flag

// CLI is the whole of §6's flag surface: one invocation boots one VM,
// made of either 1-4 real/protected-mode images or a single Linux
// bzImage.
type CLI struct {
	Paging   bool `help:"enable 32-bit protected mode with paging for all guests."`
	LongMode bool `name:"long-mode" help:"imply --paging and enable 64-bit long mode."`

	Linux      string `help:"boot a Linux bzImage instead of the positional guest images."`
	LinuxEntry string `name:"linux-entry" enum:"setup,code32,boot64" default:"code32" help:"Linux boot-protocol entry strategy."`
	LinuxRSI   string `name:"linux-rsi" enum:"base,hdr" default:"base" help:"what the loader points RSI at on entry."`
	Cmdline    string `help:"Linux kernel command line."`
	Initrd     string `help:"path to an initrd/initramfs image."`

	Entry uint64 `default:"0x80001000" help:"guest entry point (non-Linux guests)."`
	Load  uint64 `name:"load" default:"0x1000" help:"guest image load offset (non-Linux guests)."`

	Verbose bool `short:"v" help:"set debug level to BASIC (1)."`
	Debug   int  `help:"set debug level directly (0-3); overrides --verbose."`

	Probe bool `help:"print host /dev/kvm capabilities and CPUID table, then exit."`

	Images []string `arg:"" optional:"" help:"1-4 guest image paths (ignored under --linux)."`
}
