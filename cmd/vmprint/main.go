// Command vmprint boots the simulated machine, builds a user process and
// prints the resulting page tables and allocator state.
package main

import (
	goflag "flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/KKKevin-aaa/xv6-labs/kernel/boot"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm/pmm"
	"github.com/KKKevin-aaa/xv6-labs/kernel/proc"

	units "github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

// sizeValue is a pflag.Value holding a byte count given as "16KiB", "2m" or
// a plain number.
type sizeValue uint64

var _ pflag.Value = (*sizeValue)(nil)

func (s *sizeValue) Set(v string) error {
	n, err := units.RAMInBytes(v)
	if err != nil {
		return err
	}
	if n < 0 {
		return errors.Errorf("negative size %q", v)
	}
	*s = sizeValue(n)
	return nil
}

func (s *sizeValue) String() string { return units.BytesSize(float64(*s)) }

func (s *sizeValue) Type() string { return "size" }

type options struct {
	configPath string
	grow       sizeValue
	lazy       sizeValue
	touch      []string
	fork       bool
	kernel     bool
	user       bool
	metrics    bool
}

func newCommand(out io.Writer) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "vmprint",
		Short:         "Boot the simulated machine and print its page tables.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(out, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "machine configuration file (YAML); defaults to the QEMU virt layout")
	flags.Var(&opts.grow, "grow", "grow the init process eagerly by this many bytes")
	flags.Var(&opts.lazy, "lazy", "grow the init process lazily by this many bytes")
	flags.StringSliceVar(&opts.touch, "touch", nil, "user addresses to write to, faulting in lazy pages")
	flags.BoolVar(&opts.fork, "fork", false, "fork the init process and print the child as well")
	flags.BoolVar(&opts.kernel, "kernel", false, "print the kernel page table")
	flags.BoolVar(&opts.user, "user", true, "print the user page tables")
	flags.BoolVar(&opts.metrics, "metrics", false, "print allocator metrics in Prometheus text format")

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	cmd.PersistentFlags().AddGoFlagSet(klogFlags)

	return cmd
}

func run(out io.Writer, opts *options) (err error) {
	cfg := boot.DefaultConfig()
	if opts.configPath != "" {
		if cfg, err = boot.LoadConfig(opts.configPath); err != nil {
			return err
		}
	}

	m, err := boot.Boot(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if shutdownErr := m.Shutdown(); shutdownErr != nil {
			err = multierror.Append(err, shutdownErr).ErrorOrNil()
		}
	}()

	table := proc.NewTable(m.VM, m.Frames, m.Mem, uintptr(cfg.Kernel.Trampoline), cfg.Kernel.Stacks)
	initProc, err := table.New()
	if err != nil {
		return errors.Wrap(err, "failed to create init process")
	}
	procs := []*proc.Proc{initProc}
	defer func() {
		for _, p := range procs {
			p.Exit()
		}
	}()

	if opts.grow != 0 {
		if _, err = initProc.Sbrk(int(opts.grow), false); err != nil {
			return errors.Wrapf(err, "failed to grow by %s", opts.grow.String())
		}
	}
	if opts.lazy != 0 {
		if _, err = initProc.Sbrk(int(opts.lazy), true); err != nil {
			return errors.Wrapf(err, "failed to grow lazily by %s", opts.lazy.String())
		}
	}
	for _, s := range opts.touch {
		va, parseErr := strconv.ParseUint(s, 0, 64)
		if parseErr != nil {
			return errors.Wrapf(parseErr, "invalid address %q", s)
		}
		if err = initProc.CopyOut(uintptr(va), []byte{0}); err != nil {
			return errors.Wrapf(err, "failed to touch 0x%x", va)
		}
	}
	if opts.fork {
		child, forkErr := initProc.Fork()
		if forkErr != nil {
			return errors.Wrap(forkErr, "fork failed")
		}
		procs = append(procs, child)
	}

	if opts.kernel {
		fmt.Fprintln(out, "kernel:")
		if err = m.VM.Dump(out, m.KernelPageTable); err != nil {
			return err
		}
	}
	if opts.user {
		for _, p := range procs {
			fmt.Fprintf(out, "pid %d (size %s):\n", p.PID, units.BytesSize(float64(p.Size)))
			if err = m.VM.Dump(out, p.PageTable); err != nil {
				return err
			}
		}
	}

	printFreeLists(out, m.Frames)

	if opts.metrics {
		return printMetrics(out, m.Frames)
	}
	return nil
}

func printFreeLists(out io.Writer, frames *pmm.BuddyAllocator) {
	stats := frames.Stats()
	fmt.Fprintf(out, "free lists of [0x%x, 0x%x) (%d of %d pages free):\n", frames.Start(), frames.End(), stats.FreePages, stats.TotalPages)
	for order, count := range stats.FreeBlocks {
		if count == 0 {
			continue
		}
		fmt.Fprintf(out, "  order %2d (%8s): %d\n", order, units.BytesSize(float64(pmm.BlockBytes(order))), count)
	}
}

func printMetrics(out io.Writer, frames *pmm.BuddyAllocator) error {
	registry := prometheus.NewPedanticRegistry()
	if err := registry.Register(pmm.NewCollector(frames)); err != nil {
		return errors.Wrap(err, "failed to register allocator metrics")
	}

	families, err := registry.Gather()
	if err != nil {
		return errors.Wrap(err, "failed to gather allocator metrics")
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if err := newCommand(os.Stdout).Execute(); err != nil {
		klog.ErrorS(err, "vmprint failed")
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}
