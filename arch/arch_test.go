package arch_test

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"golang.org/x/exp/slices"

	"github.com/maxgio92/fidget/arch"
)

func TestBuiltinDescriptors(t *testing.T) {
	tests := []struct {
		name   string
		sp     int
		bits   uint
		pushes bool
	}{
		{"amd64", 48, 64, true},
		{"386", 24, 32, true},
		{"arm", 60, 32, false},
		{"arm64", 264, 64, false},
		{"mips32", 124, 32, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := arch.Lookup(tt.name)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := a.Validate(); err != nil {
				t.Fatalf("invalid descriptor: %v", err)
			}
			if a.SP() != tt.sp {
				t.Errorf("expected stack pointer at %d, got %d", tt.sp, a.SP())
			}
			if a.Bits != tt.bits {
				t.Errorf("expected %d bits, got %d", tt.bits, a.Bits)
			}
			if a.CallPushesReturn != tt.pushes {
				t.Errorf("expected CallPushesReturn=%v", tt.pushes)
			}
		})
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, err := arch.Lookup("pdp11"); err == nil {
		t.Fatal("expected an error for an unknown architecture")
	}
}

func TestFromELF(t *testing.T) {
	a, err := arch.FromELF(elf.EM_X86_64, elf.ELFCLASS64)
	if err != nil || a.Name != "amd64" {
		t.Fatalf("expected amd64, got %v (%v)", a, err)
	}
	if _, err := arch.FromELF(elf.EM_PPC64, elf.ELFCLASS64); err == nil {
		t.Error("expected an error for ppc64")
	}
}

func TestByteOrder(t *testing.T) {
	if arch.MIPS32.ByteOrder() != binary.BigEndian {
		t.Error("mips32 should be big endian")
	}
	if arch.AMD64.ByteOrder() != binary.LittleEndian {
		t.Error("amd64 should be little endian")
	}
}

func TestAddValidates(t *testing.T) {
	bad := &arch.Arch{Name: "toy", Bits: 16, Endianness: "little"}
	if err := arch.Add(bad); err == nil {
		t.Fatal("expected a validation error")
	}
	toy := &arch.Arch{
		Name:               "toy",
		Bits:               32,
		Endianness:         "little",
		StackPointer:       "sp",
		FramePointer:       "fp",
		InstructionPointer: "pc",
		Registers:          []arch.Register{{Name: "sp", Offset: 0, Size: 4}, {Name: "fp", Offset: 4, Size: 4}, {Name: "pc", Offset: 8, Size: 4}},
	}
	if err := arch.Add(toy); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := arch.Lookup("toy")
	if err != nil || got.IP() != 8 {
		t.Errorf("expected the toy descriptor with pc at 8, got %v (%v)", got, err)
	}
}

func TestNames(t *testing.T) {
	names := arch.Names()
	for _, want := range []string{"386", "amd64", "arm", "arm64", "mips32"} {
		if !slices.Contains(names, want) {
			t.Errorf("expected %s among %v", want, names)
		}
	}
	if !slices.IsSorted(names) {
		t.Errorf("expected sorted names, got %v", names)
	}
}

func TestRegisterAt(t *testing.T) {
	tests := []struct {
		name   string
		offset int
		want   string
		ok     bool
	}{
		{name: "stack pointer", offset: arch.AMD64.SP(), want: "rsp", ok: true},
		{name: "instruction pointer", offset: arch.AMD64.IP(), want: "rip", ok: true},
		{name: "inside a register", offset: arch.AMD64.SP() + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := arch.AMD64.RegisterAt(tt.offset)
			if ok != tt.ok || r.Name != tt.want {
				t.Errorf("expected %q (%v), got %q (%v)", tt.want, tt.ok, r.Name, ok)
			}
		})
	}
}
