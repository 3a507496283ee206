// Package lift translates machine code into the typed IR of package ir.
//
// The lifters cover the instructions that shape stack frames: stack pointer
// arithmetic, register moves, loads and stores, and control transfers.
// Instructions outside that subset are not rejected; their register and
// memory results are produced by opaque helper calls, so frame-relative
// accesses are still observed while their values stay unknown.
package lift

import (
	"errors"
	"fmt"

	"github.com/maxgio92/fidget/arch"
	"github.com/maxgio92/fidget/ir"
)

// Memory gives access to the bytes of a loaded image.
type Memory interface {
	// Read returns up to n bytes starting at addr. Fewer bytes are returned
	// at the end of a mapped range; unmapped addresses are an error.
	Read(addr uint64, n int) ([]byte, error)
}

// Code is a Memory made of a single byte range.
type Code struct {
	Addr  uint64
	Bytes []byte
}

// Read implements Memory.
func (c Code) Read(addr uint64, n int) ([]byte, error) {
	if addr < c.Addr || addr >= c.Addr+uint64(len(c.Bytes)) {
		return nil, fmt.Errorf("address %#x is not mapped", addr)
	}
	start := addr - c.Addr
	end := start + uint64(n)
	if end > uint64(len(c.Bytes)) {
		end = uint64(len(c.Bytes))
	}
	return c.Bytes[start:end], nil
}

var errDecode = errors.New("undecodable instruction")

// translator lifts a single instruction into b and returns its length.
type translator interface {
	translate(b *builder, code []byte, addr uint64) (int, error)
	maxInsnLen() int
}

// Lifter lifts blocks of machine code for one architecture.
type Lifter struct {
	arch *arch.Arch
	mem  Memory
	tr   translator
}

// New returns a lifter for a. Only amd64 and arm64 have translators.
func New(a *arch.Arch, mem Memory) (*Lifter, error) {
	l := &Lifter{arch: a, mem: mem}
	switch a.Name {
	case "amd64":
		l.tr = &amd64{arch: a}
	case "arm64":
		l.tr = &arm64{arch: a}
	default:
		return nil, fmt.Errorf("no lifter for architecture %s", a.Name)
	}
	return l, nil
}

// Arch returns the architecture the lifter translates.
func (l *Lifter) Arch() *arch.Arch { return l.arch }

// Lift lifts the block starting at addr. It stops at the first control
// transfer, after maxBytes bytes, or after maxInsns instructions when
// maxInsns is positive. Unmapped addresses fail with an error wrapping
// ir.ErrMemory.
func (l *Lifter) Lift(addr uint64, maxBytes, maxInsns int) (*ir.Block, error) {
	code, err := l.mem.Read(addr, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read block at %#x: %v", ir.ErrMemory, addr, err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: empty block at %#x", ir.ErrMemory, addr)
	}

	b := newBuilder(l.arch)
	off := 0
	for n := 0; maxInsns <= 0 || n < maxInsns; n++ {
		if off >= len(code) {
			break
		}
		cur := addr + uint64(off)
		length, err := l.tr.translate(b, code[off:], cur)
		if err != nil {
			// An instruction cut by the byte budget is not undecodable.
			if off > 0 && len(code) == maxBytes && len(code)-off < l.tr.maxInsnLen() {
				break
			}
			b.mark(cur, 0)
			b.finish(b.word(cur), ir.JumpNoDecode)
			break
		}
		off += length
		if b.done {
			break
		}
	}
	if !b.done {
		b.finish(b.word(addr+uint64(off)), ir.JumpBoring)
	}

	return &ir.Block{
		Addr:       addr,
		Size:       off,
		Statements: b.stmts,
		Types:      b.types,
		Next:       b.next,
		Jumpkind:   b.jumpkind,
	}, nil
}

// builder accumulates the statements of a block.
type builder struct {
	arch     *arch.Arch
	stmts    []ir.Stmt
	types    ir.TypeEnv
	next     ir.Expr
	jumpkind ir.Jumpkind
	done     bool
}

func newBuilder(a *arch.Arch) *builder {
	return &builder{arch: a}
}

func (b *builder) wordType() ir.Type { return ir.IntType(b.arch.Bits) }

func (b *builder) word(v uint64) *ir.Const {
	return &ir.Const{Ty: b.wordType(), Value: v}
}

func (b *builder) mark(addr uint64, length int) {
	b.stmts = append(b.stmts, &ir.IMark{Addr: addr, Len: length})
}

func (b *builder) newTmp(ty ir.Type) ir.Tmp {
	b.types = append(b.types, ty)
	return ir.Tmp(len(b.types) - 1)
}

// assign binds e to a fresh temporary of type ty and returns a read of it.
func (b *builder) assign(ty ir.Type, e ir.Expr) *ir.RdTmp {
	t := b.newTmp(ty)
	b.stmts = append(b.stmts, &ir.WrTmp{Tmp: t, Data: e})
	return &ir.RdTmp{Tmp: t}
}

func (b *builder) put(offset int, e ir.Expr) {
	b.stmts = append(b.stmts, &ir.Put{Offset: offset, Data: e})
}

func (b *builder) get(name string, ty ir.Type) *ir.Get {
	return &ir.Get{Offset: b.arch.Offset(name), Ty: ty}
}

func (b *builder) store(addr, data ir.Expr) {
	b.stmts = append(b.stmts, &ir.Store{Addr: addr, Data: data})
}

func (b *builder) load(ty ir.Type, addr ir.Expr) *ir.RdTmp {
	return b.assign(ty, &ir.Load{Ty: ty, Addr: addr})
}

// dirty emits an opaque helper call producing a ty-typed value.
func (b *builder) dirty(callee string, ty ir.Type) *ir.RdTmp {
	t := b.newTmp(ty)
	b.stmts = append(b.stmts, &ir.Dirty{Tmp: t, Callee: callee})
	return &ir.RdTmp{Tmp: t}
}

func (b *builder) exit(guard ir.Expr, dst uint64, jk ir.Jumpkind) {
	b.stmts = append(b.stmts, &ir.Exit{Guard: guard, Dst: dst, Jumpkind: jk})
}

func (b *builder) finish(next ir.Expr, jk ir.Jumpkind) {
	b.next = next
	b.jumpkind = jk
	b.done = true
}

func binop(op string, width uint, x, y ir.Expr) *ir.Op {
	return ir.Binop(fmt.Sprintf(op, width), x, y)
}

func lit(ty ir.Type, v uint64) *ir.Const {
	if bits := ty.Bits(); bits < 64 {
		v &= 1<<bits - 1
	}
	return &ir.Const{Ty: ty, Value: v}
}

// convert changes the width of an integer expression.
func convert(e ir.Expr, from, to ir.Type, signed bool) ir.Expr {
	switch {
	case from == to:
		return e
	case from.Bits() > to.Bits():
		return ir.Unop(fmt.Sprintf("%dto%d", from.Bits(), to.Bits()), e)
	case signed:
		return ir.Unop(fmt.Sprintf("%dSto%d", from.Bits(), to.Bits()), e)
	}
	return ir.Unop(fmt.Sprintf("%dUto%d", from.Bits(), to.Bits()), e)
}
