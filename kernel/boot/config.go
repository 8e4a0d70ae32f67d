package boot

import (
	"fmt"
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/KKKevin-aaa/xv6-labs/kernel/mm"
	"github.com/KKKevin-aaa/xv6-labs/kernel/mm/vmm"

	units "github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

const (
	// KernBase is where the boot loader places the kernel image.
	KernBase = Addr(0x80000000)

	// maxStacks bounds the number of kernel stack slots.
	maxStacks = 1024
)

// Addr is a physical address that unmarshals from either a number or a
// string in any base accepted by strconv ("0x80000000", "2147483648").
type Addr uintptr

// MarshalJSON encodes the address as a hexadecimal string.
func (a Addr) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON is the JSON unmarshaller for Addr.
func (a *Addr) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(data), "\"")
	v, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid address %s", data)
	}
	*a = Addr(v)
	return nil
}

func (a Addr) String() string {
	return fmt.Sprintf("0x%x", uintptr(a))
}

// Size is a byte count that unmarshals from either a number or a
// human-readable string such as "128MiB" or "4k".
type Size uint64

// MarshalJSON encodes the size as a human-readable string.
func (s Size) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

// UnmarshalJSON is the JSON unmarshaller for Size.
func (s *Size) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] != '"' {
		v, err := strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid size %s", data)
		}
		*s = Size(v)
		return nil
	}

	v, err := units.RAMInBytes(strings.Trim(string(data), "\""))
	if err != nil {
		return errors.Wrapf(err, "invalid size %s", data)
	}
	if v < 0 {
		return errors.Errorf("invalid size %s", data)
	}
	*s = Size(v)
	return nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// Perm is a combination of the letters r, w, x and u describing the access
// rights of a mapped region.
type Perm string

// Flags converts the permission string into page table entry flags.
func (p Perm) Flags() (vmm.PageTableEntryFlag, error) {
	var flags vmm.PageTableEntryFlag
	for _, c := range strings.ToLower(string(p)) {
		switch c {
		case 'r':
			flags |= vmm.FlagRead
		case 'w':
			flags |= vmm.FlagWrite
		case 'x':
			flags |= vmm.FlagExec
		case 'u':
			flags |= vmm.FlagUser
		default:
			return 0, errors.Errorf("invalid permission %q in %q", c, p)
		}
	}
	if flags&(vmm.FlagRead|vmm.FlagWrite|vmm.FlagExec) == 0 {
		return 0, errors.Errorf("permission %q grants no access", p)
	}
	return flags, nil
}

// MemoryConfig describes the machine's RAM and how the page allocator manages
// it.
type MemoryConfig struct {
	// Base is the first physical address of RAM.
	Base Addr `json:"base"`
	// Size is the amount of RAM. Base+Size is PHYSTOP.
	Size Size `json:"size"`
	// MaxOrder is the order of the largest allocator block.
	MaxOrder int `json:"maxOrder,omitempty"`
	// Junk enables poisoning of freed and allocated blocks.
	Junk bool `json:"junk,omitempty"`
}

// KernelConfig describes the layout of the kernel image at the start of RAM.
type KernelConfig struct {
	// TextEnd is the end of the read-only, executable kernel text.
	TextEnd Addr `json:"textEnd"`
	// End is the first address past the kernel image. The page allocator
	// manages [End, PHYSTOP).
	End Addr `json:"end"`
	// Trampoline is the physical page inside the kernel text that holds the
	// trap entry code.
	Trampoline Addr `json:"trampoline"`
	// Stacks is the number of kernel stacks (process slots) to map.
	Stacks int `json:"stacks"`
}

// Device is a memory-mapped device region mapped one-to-one into the kernel
// address space.
type Device struct {
	Name    string `json:"name"`
	Address Addr   `json:"address"`
	Size    Size   `json:"size"`
	Perm    Perm   `json:"perm"`
}

// Config captures the machine layout used to boot the kernel.
type Config struct {
	Memory  MemoryConfig `json:"memory"`
	Kernel  KernelConfig `json:"kernel"`
	Devices []Device     `json:"devices,omitempty"`
}

// DefaultConfig returns the layout of the QEMU virt machine: 128MiB of RAM at
// KernBase, a UART, a virtio disk and the PLIC.
func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			Base:     KernBase,
			Size:     128 * units.MiB,
			MaxOrder: 18,
		},
		Kernel: KernelConfig{
			TextEnd:    KernBase + 0x8000,
			End:        KernBase + 0x20000,
			Trampoline: KernBase + 0x7000,
			Stacks:     64,
		},
		Devices: []Device{
			{Name: "uart0", Address: 0x10000000, Size: 4 * units.KiB, Perm: "rw"},
			{Name: "virtio0", Address: 0x10001000, Size: 4 * units.KiB, Perm: "rw"},
			{Name: "plic", Address: 0x0c000000, Size: 0x4000000, Perm: "rw"},
		},
	}
}

// PhysTop returns the first address past the end of RAM.
func (c *Config) PhysTop() uintptr {
	return uintptr(c.Memory.Base) + uintptr(c.Memory.Size)
}

// LoadConfig reads a YAML configuration file. Settings missing from the file
// keep their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", path)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration data on top of DefaultConfig and
// validates the result.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	// A device list in data replaces the default one as a whole.
	defaultDevices := cfg.Devices
	cfg.Devices = nil
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if cfg.Devices == nil {
		cfg.Devices = defaultDevices
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...interface{}) {
		result = multierror.Append(result, errors.Errorf(format, args...))
	}
	aligned := func(v uintptr) bool { return v&(mm.PageSize-1) == 0 }

	var (
		base    = uintptr(c.Memory.Base)
		size    = uintptr(c.Memory.Size)
		physTop = base + size
		textEnd = uintptr(c.Kernel.TextEnd)
		end     = uintptr(c.Kernel.End)
		tramp   = uintptr(c.Kernel.Trampoline)
	)

	if size == 0 || !aligned(base) || !aligned(size) {
		fail("memory: base %v and size %v must be page aligned and non-zero", c.Memory.Base, c.Memory.Size)
	}
	if physTop < base {
		fail("memory: range %v+%v overflows the address space", c.Memory.Base, c.Memory.Size)
	}
	if c.Memory.MaxOrder < 0 {
		fail("memory: negative maxOrder %d", c.Memory.MaxOrder)
	}

	if !aligned(textEnd) || !aligned(end) || !aligned(tramp) {
		fail("kernel: textEnd %v, end %v and trampoline %v must be page aligned", c.Kernel.TextEnd, c.Kernel.End, c.Kernel.Trampoline)
	}
	if !(base < textEnd && textEnd <= end && end < physTop) {
		fail("kernel: expected base %v < textEnd %v <= end %v < PHYSTOP 0x%x", c.Memory.Base, c.Kernel.TextEnd, c.Kernel.End, physTop)
	}
	if tramp < base || tramp >= textEnd {
		fail("kernel: trampoline %v must lie inside the kernel text", c.Kernel.Trampoline)
	}

	// Identity mapped regions must stay below the kernel stacks.
	limit := vmm.MaxVA / 2
	if c.Kernel.Stacks <= 0 || c.Kernel.Stacks > maxStacks {
		fail("kernel: stacks %d outside [1, %d]", c.Kernel.Stacks, maxStacks)
	} else {
		limit = vmm.KernelStack(c.Kernel.Stacks-1) - mm.PageSize
	}
	if physTop > limit {
		fail("memory: PHYSTOP 0x%x overlaps the kernel stacks", physTop)
	}

	names := make(map[string]bool)
	for i, dev := range c.Devices {
		start, devSize := uintptr(dev.Address), uintptr(dev.Size)
		switch {
		case dev.Name == "":
			fail("device #%d: missing name", i)
		case names[dev.Name]:
			fail("device %s: duplicate name", dev.Name)
		}
		names[dev.Name] = true

		if devSize == 0 || !aligned(start) || !aligned(devSize) {
			fail("device %s: address %v and size %v must be page aligned and non-zero", dev.Name, dev.Address, dev.Size)
		}
		if start+devSize < start || start+devSize > limit {
			fail("device %s: range %v+%v is out of the mappable range", dev.Name, dev.Address, dev.Size)
		}
		if start < physTop && base < start+devSize {
			fail("device %s: range %v+%v overlaps RAM", dev.Name, dev.Address, dev.Size)
		}
		if _, err := dev.Perm.Flags(); err != nil {
			fail("device %s: %v", dev.Name, err)
		}
	}

	return result.ErrorOrNil()
}
