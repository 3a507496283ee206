package lift

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"golang.org/x/arch/x86/x86asm"

	"github.com/maxgio92/fidget/arch"
	"github.com/maxgio92/fidget/ir"
)

// ErrValueNotFound is returned by Locate when the literal is not encoded in
// the instruction, e.g. an implicit operand.
var ErrValueNotFound = errors.New("value not found in instruction")

// Locator finds the encoded field of an instruction literal.
type Locator struct {
	arch   *arch.Arch
	mem    Memory
	lifter *Lifter
}

// NewLocator returns a locator for a. Only amd64 and arm64 are supported.
func NewLocator(a *arch.Arch, mem Memory) (*Locator, error) {
	switch a.Name {
	case "amd64", "arm64":
		l, err := New(a, mem)
		if err != nil {
			return nil, err
		}
		return &Locator{arch: a, mem: mem, lifter: l}, nil
	}
	return nil, fmt.Errorf("no locator for architecture %s", a.Name)
}

// Locate returns the field of the instruction at insn that encodes value, a
// width-bit literal found at path in the lifted instruction.
func (l *Locator) Locate(insn, value uint64, width uint, path ir.OperandPath) (ir.Location, error) {
	sv := signed(value, width)
	var (
		loc ir.Location
		ok  bool
		err error
	)
	switch l.arch.Name {
	case "amd64":
		loc, ok, err = l.locateAMD64(insn, sv, width, l.field(insn, path))
	case "arm64":
		loc, ok, err = l.locateARM64(insn, sv)
	}
	if err != nil {
		return ir.Location{}, err
	}
	if !ok {
		return ir.Location{}, fmt.Errorf("%w: %#x at %#x", ErrValueNotFound, value, insn)
	}
	loc.Insn = insn
	loc.Path = path
	return loc, nil
}

func signed(v uint64, width uint) int64 {
	if width == 0 || width >= 64 {
		return int64(v)
	}
	shift := 64 - width
	return int64(v<<shift) >> shift
}

// fits reports whether v survives a round trip through n bytes, either sign
// or zero extended.
func fits(v int64, n int) bool {
	if n >= 8 {
		return true
	}
	b := uint(n * 8)
	return signed(uint64(v), b) == v || uint64(v)>>b == 0
}

// field returns the instruction field the literal at path was lifted from.
func (l *Locator) field(insn uint64, path ir.OperandPath) ir.Field {
	b, err := l.lifter.Lift(insn, l.lifter.tr.maxInsnLen(), 1)
	if err != nil {
		return ir.FieldUnknown
	}
	e, ok := b.Lookup(path)
	if !ok {
		return ir.FieldUnknown
	}
	if c, ok := e.(*ir.Const); ok {
		return c.Field
	}
	return ir.FieldUnknown
}

// amd64Layout holds the byte offsets of the operand fields of an encoded
// instruction. The immediate, if any, runs from imm to the end.
type amd64Layout struct {
	disp, dispLen int
	imm           int
	exact         bool
}

// isLegacyPrefix reports whether c is an operand-size, address-size, lock,
// repeat or segment prefix.
func isLegacyPrefix(c byte) bool {
	switch c {
	case 0x66, 0x67, 0xf0, 0xf2, 0xf3, 0x26, 0x2e, 0x36, 0x3e, 0x64, 0x65:
		return true
	}
	return false
}

// layoutAMD64 walks the prefixes, opcode and addressing bytes of inst. For an
// instruction without a memory operand only the start of the immediate
// region is known, and exact is false.
func layoutAMD64(code []byte, inst *x86asm.Inst) (amd64Layout, bool) {
	code = code[:inst.Len]
	off := 0
	for off < len(code) && isLegacyPrefix(code[off]) {
		off++
	}
	if off >= len(code) {
		return amd64Layout{}, false
	}
	switch c := code[off]; {
	case c == 0xc4 || c == 0xc5 || c == 0x62:
		return amd64Layout{}, false
	case c&0xf0 == 0x40:
		off++
	}
	if off >= len(code) {
		return amd64Layout{}, false
	}
	opcode := code[off]
	if opcode == 0x0f {
		off++
		if off < len(code) && (code[off] == 0x38 || code[off] == 0x3a) {
			off++
		}
	}
	off++

	var mem bool
	for _, a := range inst.Args {
		if _, ok := a.(x86asm.Mem); ok {
			mem = true
		}
	}
	if !mem {
		return amd64Layout{disp: -1, imm: off}, true
	}
	// moffs and string forms address memory without a ModRM byte.
	if (opcode >= 0xa0 && opcode <= 0xaf) || off >= len(code) {
		return amd64Layout{}, false
	}
	modrm := code[off]
	mod, rm := modrm>>6, modrm&7
	if mod == 3 {
		return amd64Layout{}, false
	}
	off++
	dispLen := 0
	switch {
	case mod == 1:
		dispLen = 1
	case mod == 2, mod == 0 && rm == 5:
		dispLen = 4
	}
	if rm == 4 {
		if off >= len(code) {
			return amd64Layout{}, false
		}
		if mod == 0 && code[off]&7 == 5 {
			dispLen = 4
		}
		off++
	}
	if off+dispLen > len(code) {
		return amd64Layout{}, false
	}
	return amd64Layout{disp: off, dispLen: dispLen, imm: off + dispLen, exact: true}, true
}

// matches reports whether the little-endian field holds v, sign or zero
// extended.
func matches(field []byte, v int64) bool {
	var buf [8]byte
	copy(buf[:], field)
	raw := binary.LittleEndian.Uint64(buf[:])
	return signed(raw, uint(len(field)*8)) == v || raw == uint64(v)
}

// locateAMD64 finds the field encoding v. Displacements and immediates are
// located from the decoded instruction layout; other literals, or
// instructions whose layout is not known, fall back to searching the
// instruction bytes for the little-endian encoding of v, widest first and
// from the end.
func (l *Locator) locateAMD64(insn uint64, v int64, width uint, field ir.Field) (ir.Location, bool, error) {
	code, err := l.mem.Read(insn, 15)
	if err != nil {
		return ir.Location{}, false, fmt.Errorf("%w: failed to read instruction at %#x: %v", ir.ErrMemory, insn, err)
	}
	if isEndbr(code) {
		return ir.Location{}, false, nil
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return ir.Location{}, false, fmt.Errorf("failed to decode instruction at %#x: %w", insn, err)
	}
	code = code[:inst.Len]

	if lay, ok := layoutAMD64(code, &inst); ok && field != ir.FieldUnknown {
		switch {
		case field == ir.FieldDisp:
			if lay.dispLen == 0 || !matches(code[lay.disp:lay.disp+lay.dispLen], v) {
				return ir.Location{}, false, nil
			}
			return ir.Location{BitOffset: uint(lay.disp * 8), BitWidth: uint(lay.dispLen * 8)}, true, nil
		case lay.exact:
			n := len(code) - lay.imm
			if n == 0 || !matches(code[lay.imm:], v) {
				return ir.Location{}, false, nil
			}
			return ir.Location{BitOffset: uint(lay.imm * 8), BitWidth: uint(n * 8)}, true, nil
		default:
			for _, size := range []int{8, 4, 2, 1} {
				off := len(code) - size
				if off < lay.imm || uint(size*8) > width || !fits(v, size) {
					continue
				}
				if matches(code[off:], v) {
					return ir.Location{BitOffset: uint(off * 8), BitWidth: uint(size * 8)}, true, nil
				}
			}
			return ir.Location{}, false, nil
		}
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	for _, size := range []int{8, 4, 2, 1} {
		if uint(size*8) > width || !fits(v, size) {
			continue
		}
		pattern := buf[:size]
		for off := len(code) - size; off >= 1; off-- {
			if bytes.Equal(code[off:off+size], pattern) {
				return ir.Location{BitOffset: uint(off * 8), BitWidth: uint(size * 8)}, true, nil
			}
		}
	}
	return ir.Location{}, false, nil
}

// locateARM64 decodes the immediate fields of the instruction encoding.
func (l *Locator) locateARM64(insn uint64, v int64) (ir.Location, bool, error) {
	code, err := l.mem.Read(insn, 4)
	if err != nil || len(code) < 4 {
		return ir.Location{}, false, fmt.Errorf("%w: failed to read instruction at %#x", ir.ErrMemory, insn)
	}
	enc := l.arch.ByteOrder().Uint32(code)
	log2 := func(n int64) uint { return uint(bits.TrailingZeros64(uint64(n))) }

	switch {
	case isAddSubImm(enc):
		shift := 12 * uint(enc>>22&1)
		if int64(enc>>10&0xfff)<<shift == v {
			return ir.Location{BitOffset: 10, BitWidth: 12, Shift: shift}, true, nil
		}
	case isLoadStorePair(enc):
		scale := pairScale(enc)
		if signExtend(enc>>15&0x7f, 7)*scale == v {
			return ir.Location{BitOffset: 15, BitWidth: 7, Shift: log2(scale)}, true, nil
		}
	case isLoadStoreSingle(enc) && enc>>24&1 == 1:
		scale := singleScale(enc)
		if int64(enc>>10&0xfff)*scale == v {
			return ir.Location{BitOffset: 10, BitWidth: 12, Shift: log2(scale)}, true, nil
		}
	case isLoadStoreSingle(enc) && enc>>21&1 == 0:
		if signExtend(enc>>12&0x1ff, 9) == v {
			return ir.Location{BitOffset: 12, BitWidth: 9}, true, nil
		}
	case enc>>23&0x3f == 0x25:
		shift := 16 * uint(enc>>21&3)
		imm := uint64(enc>>5&0xffff) << shift
		if int64(imm) == v || int64(^imm) == v {
			return ir.Location{BitOffset: 5, BitWidth: 16, Shift: shift}, true, nil
		}
	}
	return ir.Location{}, false, nil
}
