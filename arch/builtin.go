package arch

import "fmt"

func seq(prefix string, n, base, stride, size int) []Register {
	regs := make([]Register, n)
	for i := range regs {
		regs[i] = Register{Name: fmt.Sprintf("%s%d", prefix, i), Offset: base + i*stride, Size: size}
	}
	return regs
}

func regs(base, size int, names ...string) []Register {
	out := make([]Register, len(names))
	for i, n := range names {
		out[i] = Register{Name: n, Offset: base + i*size, Size: size}
	}
	return out
}

func concat(groups ...[]Register) []Register {
	var out []Register
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// AMD64 is the x86-64 descriptor.
var AMD64 = &Arch{
	Name:               "amd64",
	Bits:               64,
	Endianness:         "little",
	CallPushesReturn:   true,
	StackPointer:       "rsp",
	FramePointer:       "rbp",
	InstructionPointer: "rip",
	Registers: concat(
		regs(16, 8, "rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
			"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
			"cc_op", "cc_dep1", "cc_dep2", "cc_ndep", "dflag", "rip", "acflag", "idflag", "fs"),
		seq("ymm", 16, 224, 32, 32),
	),
	Bookkeeping: []Bookkeeping{{Register: "dflag"}, {Register: "acflag"}},
}

// I386 is the 32-bit x86 descriptor.
var I386 = &Arch{
	Name:               "386",
	Bits:               32,
	Endianness:         "little",
	CallPushesReturn:   true,
	StackPointer:       "esp",
	FramePointer:       "ebp",
	InstructionPointer: "eip",
	Registers: concat(
		regs(8, 4, "eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
			"cc_op", "cc_dep1", "cc_dep2", "cc_ndep", "dflag", "idflag", "acflag", "eip"),
		seq("xmm", 8, 160, 16, 16),
	),
	Bookkeeping: []Bookkeeping{{Register: "dflag"}, {Register: "acflag"}},
}

// ARM is the 32-bit ARM descriptor. itstate carries Thumb-2 IT block
// predication.
var ARM = &Arch{
	Name:               "arm",
	Bits:               32,
	Endianness:         "little",
	StackPointer:       "sp",
	FramePointer:       "r11",
	InstructionPointer: "pc",
	Registers: concat(
		seq("r", 13, 8, 4, 4),
		regs(60, 4, "sp", "lr", "pc", "cc_op", "cc_dep1", "cc_dep2", "cc_ndep", "qflag32", "geflag0", "itstate"),
		seq("d", 32, 128, 8, 8),
	),
	Bookkeeping: []Bookkeeping{{Register: "itstate", Predicated: true}},
}

// ARM64 is the AArch64 descriptor.
var ARM64 = &Arch{
	Name:               "arm64",
	Bits:               64,
	Endianness:         "little",
	StackPointer:       "sp",
	FramePointer:       "x29",
	InstructionPointer: "pc",
	Registers: concat(
		seq("x", 31, 16, 8, 8),
		regs(264, 8, "sp", "pc", "cc_op", "cc_dep1", "cc_dep2", "cc_ndep", "tpidr_el0"),
		seq("q", 32, 320, 16, 16),
	),
}

// MIPS32 is the big-endian 32-bit MIPS descriptor. Its entry point calls a
// startup stub that must not be modified.
var MIPS32 = &Arch{
	Name:               "mips32",
	Bits:               32,
	Endianness:         "big",
	StackPointer:       "r29",
	FramePointer:       "r30",
	InstructionPointer: "pc",
	Registers: concat(
		seq("r", 32, 8, 4, 4),
		regs(136, 4, "pc", "hi", "lo"),
	),
}

func init() {
	for _, a := range []*Arch{AMD64, I386, ARM, ARM64, MIPS32} {
		if err := Add(a); err != nil {
			panic(err)
		}
	}
}
