package boot

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KKKevin-aaa/xv6-labs/kernel/kfmt"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm/pmm"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm/vmm"

	units "github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"
)

func smallConfig() *Config {
	cfg := DefaultConfig()
	cfg.Memory.Size = 16 * units.MiB
	cfg.Memory.MaxOrder = 9
	cfg.Kernel.Stacks = 4
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, uintptr(0x88000000), cfg.PhysTop())
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
memory:
  base: "0x80000000"
  size: 32MiB
  junk: true
kernel:
  textEnd: 0x80010000
  end: 2147745792
  trampoline: "0x8000f000"
  stacks: 2
devices:
  - {name: uart0, address: "0x10000000", size: 4k, perm: rw}
`))
	require.NoError(t, err)

	require.Equal(t, KernBase, cfg.Memory.Base)
	require.Equal(t, Size(32*units.MiB), cfg.Memory.Size)
	require.True(t, cfg.Memory.Junk)
	require.Equal(t, 18, cfg.Memory.MaxOrder, "unset fields keep their defaults")
	require.Equal(t, Addr(0x80010000), cfg.Kernel.TextEnd)
	require.Equal(t, Addr(0x80040000), cfg.Kernel.End)
	require.Equal(t, Addr(0x8000f000), cfg.Kernel.Trampoline)
	require.Equal(t, []Device{{Name: "uart0", Address: 0x10000000, Size: 4096, Perm: "rw"}}, cfg.Devices)
}

func TestParseConfigErrors(t *testing.T) {
	specs := []struct {
		name   string
		input  string
		expErr string
	}{
		{"unknown field", "memory: {bogus: 1}", "failed to parse config"},
		{"bad address", `kernel: {end: "0xzz"}`, "invalid address"},
		{"bad size", "memory: {size: lots}", "invalid size"},
		{"invalid layout", "kernel: {stacks: 0}", "invalid config"},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(spec.input))
			require.Error(t, err)
			require.Contains(t, err.Error(), spec.expErr)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte("kernel: {stacks: 3}\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Kernel.Stacks)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read config file")
}

func TestConfigRoundTrip(t *testing.T) {
	data, err := yaml.Marshal(DefaultConfig())
	require.NoError(t, err)
	require.Contains(t, string(data), `base: "0x80000000"`)
	require.Contains(t, string(data), "size: 128MiB")

	cfg, err := ParseConfig(data)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.MaxOrder = -1
	cfg.Kernel.Trampoline = cfg.Kernel.TextEnd
	cfg.Devices = append(cfg.Devices,
		Device{Name: "uart0", Address: 0x10002000, Size: 4096, Perm: "rw"},
		Device{Name: "rom", Address: KernBase, Size: 4096, Perm: "r"},
		Device{Name: "odd", Address: 0x10003000, Size: 100, Perm: "q"},
	)

	err := cfg.Validate()
	require.Error(t, err)

	merr, ok := errors.Cause(err).(*multierror.Error)
	require.True(t, ok)
	require.Len(t, merr.Errors, 6)
	for _, exp := range []string{"maxOrder", "trampoline", "duplicate name", "overlaps RAM", "page aligned", "invalid permission"} {
		require.Contains(t, err.Error(), exp)
	}
}

func TestPermFlags(t *testing.T) {
	specs := []struct {
		perm   Perm
		exp    vmm.PageTableEntryFlag
		expErr bool
	}{
		{"r", vmm.FlagRead, false},
		{"RW", vmm.FlagRead | vmm.FlagWrite, false},
		{"rxu", vmm.FlagRead | vmm.FlagExec | vmm.FlagUser, false},
		{"u", 0, true},
		{"", 0, true},
		{"rz", 0, true},
	}

	for _, spec := range specs {
		flags, err := spec.perm.Flags()
		if spec.expErr {
			require.Error(t, err, "perm %q", spec.perm)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, spec.exp, flags, "perm %q", spec.perm)
	}
}

func TestBoot(t *testing.T) {
	cfg := smallConfig()
	m, err := Boot(cfg)
	require.NoError(t, err)

	kpt := m.KernelPageTable
	specs := []struct {
		va, pa uintptr
		level  vmm.Level
		flags  vmm.PageTableEntryFlag
	}{
		{0x10000000, 0x10000000, vmm.Level4K, vmm.FlagRead | vmm.FlagWrite},
		{0x0c000000, 0x0c000000, vmm.Level2M, vmm.FlagRead | vmm.FlagWrite},
		{0x80001000, 0x80001000, vmm.Level4K, vmm.FlagRead | vmm.FlagExec},
		{0x80008000, 0x80008000, vmm.Level4K, vmm.FlagRead | vmm.FlagWrite},
		{0x80400000, 0x80400000, vmm.Level2M, vmm.FlagRead | vmm.FlagWrite},
		{vmm.Trampoline, uintptr(cfg.Kernel.Trampoline), vmm.Level4K, vmm.FlagRead | vmm.FlagExec},
	}

	for _, spec := range specs {
		pte, level, err := m.VM.Walk(kpt, spec.va, false, vmm.Level4K)
		require.Nil(t, err, "va 0x%x", spec.va)
		require.Equal(t, spec.level, level, "va 0x%x", spec.va)
		require.Equal(t, spec.flags|vmm.FlagValid, pte.Flags(), "va 0x%x", spec.va)

		pa, err := m.VM.Translate(kpt, spec.va)
		require.Nil(t, err)
		require.Equal(t, spec.pa, pa)
	}

	require.False(t, m.VM.IsMapped(kpt, cfg.PhysTop()))
	require.False(t, m.VM.IsMapped(kpt, 0x10002000))

	require.Len(t, m.KernelStacks, 4)
	for slot, pa := range m.KernelStacks {
		got, err := m.VM.Translate(kpt, vmm.KernelStack(slot))
		require.Nil(t, err)
		require.Equal(t, pa, got)
		require.False(t, m.VM.IsMapped(kpt, vmm.KernelStack(slot)-mm.PageSize), "guard page of slot %d", slot)
	}

	require.NoError(t, m.Frames.CheckInvariants())
	require.NoError(t, m.Shutdown())
}

func TestBootErrors(t *testing.T) {
	cfg := smallConfig()
	cfg.Kernel.Stacks = -1
	_, err := Boot(cfg)
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "boot: invalid config"))
}

func TestBootOutOfMemory(t *testing.T) {
	cfg := smallConfig()
	cfg.Memory.Size = units.MiB
	cfg.Kernel.Stacks = maxStacks

	defer func() {
		if err := kfmt.Recover(recover()); err != pmm.ErrOutOfMemory {
			t.Fatalf("expected kernel panic with %v; got %v", pmm.ErrOutOfMemory, err)
		}
	}()
	_, _ = Boot(cfg)
	t.Fatal("expected Boot to halt")
}
