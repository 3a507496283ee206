// Package arch describes the architectures the frame analysis understands.
//
// Descriptors are plain data: registers are addressed by symbolic name and
// mapped to guest-state offsets, so nothing in the analysis branches on an
// architecture name. Additional descriptors can be supplied through the
// configuration file.
package arch

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/maxgio92/fidget/internal/funcutil"
)

// Register is a guest register slot.
type Register struct {
	Name   string `yaml:"name"`
	Offset int    `yaml:"offset"`
	Size   int    `yaml:"size"`
}

// Bookkeeping is a register seeded with a defaulted value in every block
// state. Predicated marks conditional-execution state.
type Bookkeeping struct {
	Register   string `yaml:"register"`
	Predicated bool   `yaml:"predicated"`
}

// Arch is an architecture descriptor.
type Arch struct {
	Name               string        `yaml:"name"`
	Bits               uint          `yaml:"bits"`
	Endianness         string        `yaml:"endianness"`
	CallPushesReturn   bool          `yaml:"call-pushes-return"`
	StackPointer       string        `yaml:"stack-pointer"`
	FramePointer       string        `yaml:"frame-pointer"`
	InstructionPointer string        `yaml:"instruction-pointer"`
	Registers          []Register    `yaml:"registers"`
	Bookkeeping        []Bookkeeping `yaml:"bookkeeping"`

	once    sync.Once
	byName  map[string]Register
	byStart map[int]Register
}

func (a *Arch) index() {
	a.once.Do(func() {
		a.byName = make(map[string]Register, len(a.Registers))
		a.byStart = make(map[int]Register, len(a.Registers))
		for _, r := range a.Registers {
			a.byName[r.Name] = r
			if _, ok := a.byStart[r.Offset]; !ok {
				a.byStart[r.Offset] = r
			}
		}
	})
}

// Register returns the register named name.
func (a *Arch) Register(name string) (Register, bool) {
	a.index()
	r, ok := a.byName[name]
	return r, ok
}

// Offset returns the guest-state offset of the register named name, or -1.
func (a *Arch) Offset(name string) int {
	if r, ok := a.Register(name); ok {
		return r.Offset
	}
	return -1
}

// RegisterAt returns the register starting at offset.
func (a *Arch) RegisterAt(offset int) (Register, bool) {
	a.index()
	r, ok := a.byStart[offset]
	return r, ok
}

// SP returns the stack pointer offset.
func (a *Arch) SP() int { return a.Offset(a.StackPointer) }

// BP returns the frame pointer offset.
func (a *Arch) BP() int { return a.Offset(a.FramePointer) }

// IP returns the instruction pointer offset.
func (a *Arch) IP() int { return a.Offset(a.InstructionPointer) }

// ByteOrder returns the memory byte order.
func (a *Arch) ByteOrder() binary.ByteOrder {
	if a.Endianness == "big" {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Validate checks that the descriptor is usable by the analysis.
func (a *Arch) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("architecture without a name")
	}
	if a.Bits != 32 && a.Bits != 64 {
		return fmt.Errorf("architecture %s: unsupported word size %d", a.Name, a.Bits)
	}
	if a.Endianness != "little" && a.Endianness != "big" {
		return fmt.Errorf("architecture %s: unknown endianness %q", a.Name, a.Endianness)
	}
	for _, name := range []string{a.StackPointer, a.FramePointer, a.InstructionPointer} {
		if _, ok := a.Register(name); !ok {
			return fmt.Errorf("architecture %s: unknown register %q", a.Name, name)
		}
	}
	for _, b := range a.Bookkeeping {
		if _, ok := a.Register(b.Register); !ok {
			return fmt.Errorf("architecture %s: unknown bookkeeping register %q", a.Name, b.Register)
		}
	}
	return nil
}

var (
	mu       sync.RWMutex
	registry = map[string]*Arch{}
)

// Add registers a descriptor, replacing any descriptor with the same name.
func Add(a *Arch) error {
	if err := a.Validate(); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	registry[a.Name] = a
	return nil
}

// Lookup returns the descriptor named name.
func Lookup(name string) (*Arch, error) {
	mu.RLock()
	defer mu.RUnlock()
	a, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unsupported architecture: %s", name)
	}
	return a, nil
}

// Names returns the names of the registered descriptors.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	return funcutil.SortedKeys(registry)
}

// FromELF returns the descriptor matching an ELF machine.
func FromELF(machine elf.Machine, class elf.Class) (*Arch, error) {
	switch {
	case machine == elf.EM_X86_64:
		return Lookup("amd64")
	case machine == elf.EM_386:
		return Lookup("386")
	case machine == elf.EM_AARCH64:
		return Lookup("arm64")
	case machine == elf.EM_ARM:
		return Lookup("arm")
	case machine == elf.EM_MIPS && class == elf.ELFCLASS32:
		return Lookup("mips32")
	}
	return nil, fmt.Errorf("unsupported ELF machine: %s", machine)
}
