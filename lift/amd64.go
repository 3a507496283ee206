package lift

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/maxgio92/fidget/arch"
	"github.com/maxgio92/fidget/ir"
)

var gpr64 = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// Condition codes passed to amd64g_calculate_condition.
var amd64Conditions = map[string]uint64{
	"o": 0, "no": 1, "b": 2, "ae": 3, "e": 4, "ne": 5, "be": 6, "a": 7,
	"s": 8, "ns": 9, "p": 10, "np": 11, "l": 12, "ge": 13, "le": 14, "g": 15,
}

type amd64 struct {
	arch *arch.Arch
}

func (*amd64) maxInsnLen() int { return 15 }

// isEndbr reports whether code starts with ENDBR64 or ENDBR32, which x86asm
// does not decode.
func isEndbr(code []byte) bool {
	return len(code) >= 4 &&
		code[0] == 0xf3 && code[1] == 0x0f && code[2] == 0x1e &&
		(code[3] == 0xfa || code[3] == 0xfb)
}

func (t *amd64) translate(b *builder, code []byte, addr uint64) (int, error) {
	if isEndbr(code) {
		b.mark(addr, 4)
		return 4, nil
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return 0, fmt.Errorf("%w at %#x: %v", errDecode, addr, err)
	}
	b.mark(addr, inst.Len)
	t.lift(b, &inst, addr, addr+uint64(inst.Len))
	return inst.Len, nil
}

// reg maps an x86asm register to its guest-state offset and type.
func (t *amd64) reg(r x86asm.Reg) (int, ir.Type, bool) {
	gpr := func(i x86asm.Reg) int { return t.arch.Offset(gpr64[i]) }
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return gpr(r - x86asm.AL), ir.I8, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return gpr(r-x86asm.AH) + 1, ir.I8, true
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return gpr(4 + r - x86asm.SPB), ir.I8, true
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return gpr(8 + r - x86asm.R8B), ir.I8, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return gpr(r - x86asm.AX), ir.I16, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return gpr(r - x86asm.EAX), ir.I32, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return gpr(r - x86asm.RAX), ir.I64, true
	case r >= x86asm.X0 && r <= x86asm.X15:
		return t.arch.Offset(fmt.Sprintf("ymm%d", int(r-x86asm.X0))), ir.V128, true
	}
	return 0, ir.TypeInvalid, false
}

func memType(n int) ir.Type {
	switch n {
	case 1, 2, 4, 8:
		return ir.IntType(uint(n * 8))
	case 16:
		return ir.V128
	}
	return ir.TypeInvalid
}

// addr computes the effective address of m into a temporary.
func (t *amd64) addr(b *builder, m x86asm.Mem, next uint64) ir.Expr {
	if m.Base == x86asm.RIP {
		return b.assign(ir.I64, ir.U64(next+uint64(m.Disp)))
	}
	var e ir.Expr
	if m.Base != 0 {
		if off, _, ok := t.reg(m.Base); ok {
			e = &ir.Get{Offset: off, Ty: ir.I64}
		}
	}
	if m.Index != 0 && m.Scale != 0 {
		if off, _, ok := t.reg(m.Index); ok {
			var idx ir.Expr = &ir.Get{Offset: off, Ty: ir.I64}
			if m.Scale > 1 {
				shift := uint8(0)
				for s := m.Scale; s > 1; s >>= 1 {
					shift++
				}
				idx = b.assign(ir.I64, ir.Binop("Shl64", idx, ir.U8(shift)))
			}
			if e == nil {
				e = idx
			} else {
				e = b.assign(ir.I64, ir.Binop("Add64", e, idx))
			}
		}
	}
	if m.Disp != 0 || e == nil {
		disp := &ir.Const{Ty: ir.I64, Value: uint64(m.Disp), Field: ir.FieldDisp}
		if e == nil {
			e = disp
		} else {
			e = ir.Binop("Add64", e, disp)
		}
	}
	if m.Segment == x86asm.FS {
		e = ir.Binop("Add64", b.get("fs", ir.I64), b.assign(ir.I64, e))
	}
	return b.assign(ir.I64, e)
}

// operand is a resolved register or memory argument.
type operand struct {
	ty     ir.Type
	offset int
	addr   ir.Expr
}

func (o operand) isMem() bool { return o.addr != nil }

func (t *amd64) resolve(b *builder, inst *x86asm.Inst, arg x86asm.Arg, next uint64) (operand, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		off, ty, ok := t.reg(a)
		return operand{ty: ty, offset: off}, ok
	case x86asm.Mem:
		ty := memType(inst.MemBytes)
		if ty == ir.TypeInvalid {
			return operand{}, false
		}
		return operand{ty: ty, addr: t.addr(b, a, next)}, true
	}
	return operand{}, false
}

func (t *amd64) read(b *builder, o operand) ir.Expr {
	if o.isMem() {
		return b.load(o.ty, o.addr)
	}
	return &ir.Get{Offset: o.offset, Ty: o.ty}
}

// write stores v into o. 32-bit register writes clear the upper half.
func (t *amd64) write(b *builder, o operand, v ir.Expr) {
	switch {
	case o.isMem():
		b.store(o.addr, v)
	case o.ty == ir.I32:
		b.put(o.offset, ir.Unop("32Uto64", v))
	default:
		b.put(o.offset, v)
	}
}

// value reads a source argument as a ty-typed value.
func (t *amd64) value(b *builder, inst *x86asm.Inst, arg x86asm.Arg, ty ir.Type, next uint64) (ir.Expr, bool) {
	switch a := arg.(type) {
	case x86asm.Imm:
		c := lit(ty, uint64(int64(a)))
		c.Field = ir.FieldImm
		return c, true
	case x86asm.Rel:
		return b.word(next + uint64(int64(a))), true
	}
	o, ok := t.resolve(b, inst, arg, next)
	if !ok {
		return nil, false
	}
	return t.read(b, o), true
}

func (t *amd64) flags(b *builder, kind string, args ...ir.Expr) {
	b.put(t.arch.Offset("cc_dep1"), &ir.CCall{Callee: "amd64g_calculate_rflags_" + kind, RetTy: ir.I64, Args: args})
}

func (t *amd64) condition(b *builder, op x86asm.Op, prefix string) ir.Expr {
	cc := strings.TrimPrefix(strings.ToLower(op.String()), prefix)
	c := b.assign(ir.I64, &ir.CCall{
		Callee: "amd64g_calculate_condition",
		RetTy:  ir.I64,
		Args:   []ir.Expr{ir.U64(amd64Conditions[cc]), b.get("cc_dep1", ir.I64)},
	})
	return b.assign(ir.I1, ir.Unop("64to1", c))
}

func (t *amd64) push(b *builder, v ir.Expr) {
	sp := b.assign(ir.I64, ir.Binop("Sub64", b.get("rsp", ir.I64), ir.U64(8)))
	b.put(t.arch.SP(), sp)
	b.store(sp, v)
}

var amd64Arith = map[x86asm.Op]string{
	x86asm.ADD: "Add%d",
	x86asm.SUB: "Sub%d",
	x86asm.AND: "And%d",
	x86asm.OR:  "Or%d",
	x86asm.XOR: "Xor%d",
}

var amd64Shifts = map[x86asm.Op]string{
	x86asm.SHL: "Shl%d",
	x86asm.SHR: "Shr%d",
	x86asm.SAR: "Sar%d",
}

func isJcc(op x86asm.Op) bool {
	s := op.String()
	return op != x86asm.JMP && strings.HasPrefix(s, "J")
}

func (t *amd64) lift(b *builder, inst *x86asm.Inst, addr, next uint64) {
	op := inst.Op
	switch {
	case op == x86asm.NOP || op == x86asm.PAUSE || op == x86asm.LFENCE ||
		op == x86asm.MFENCE || op == x86asm.SFENCE || strings.HasPrefix(op.String(), "PREFETCH"):
		return

	case op == x86asm.PUSH:
		v, ok := t.value(b, inst, inst.Args[0], ir.I64, next)
		if !ok {
			t.opaque(b, inst, next)
			return
		}
		t.push(b, v)

	case op == x86asm.POP:
		sp := b.assign(ir.I64, b.get("rsp", ir.I64))
		v := b.load(ir.I64, sp)
		b.put(t.arch.SP(), ir.Binop("Add64", sp, ir.U64(8)))
		if dst, ok := t.resolve(b, inst, inst.Args[0], next); ok {
			t.write(b, dst, v)
		}

	case op == x86asm.MOV:
		dst, ok := t.resolve(b, inst, inst.Args[0], next)
		if !ok {
			t.opaque(b, inst, next)
			return
		}
		v, ok := t.value(b, inst, inst.Args[1], dst.ty, next)
		if !ok {
			t.opaque(b, inst, next)
			return
		}
		t.write(b, dst, v)

	case op == x86asm.MOVZX || op == x86asm.MOVSX || op == x86asm.MOVSXD:
		dst, ok1 := t.resolve(b, inst, inst.Args[0], next)
		src, ok2 := t.resolve(b, inst, inst.Args[1], next)
		if !ok1 || !ok2 {
			t.opaque(b, inst, next)
			return
		}
		t.write(b, dst, convert(t.read(b, src), src.ty, dst.ty, op != x86asm.MOVZX))

	case op == x86asm.LEA:
		dst, ok := t.resolve(b, inst, inst.Args[0], next)
		m, isMem := inst.Args[1].(x86asm.Mem)
		if !ok || !isMem {
			t.opaque(b, inst, next)
			return
		}
		t.write(b, dst, convert(t.addr(b, m, next), ir.I64, dst.ty, false))

	case amd64Arith[op] != "":
		dst, ok := t.resolve(b, inst, inst.Args[0], next)
		if !ok {
			t.opaque(b, inst, next)
			return
		}
		if (op == x86asm.XOR || op == x86asm.SUB) && !dst.isMem() && inst.Args[0] == inst.Args[1] {
			t.flags(b, "zero")
			t.write(b, dst, lit(dst.ty, 0))
			return
		}
		x := t.read(b, dst)
		y, ok := t.value(b, inst, inst.Args[1], dst.ty, next)
		if !ok {
			t.opaque(b, inst, next)
			return
		}
		r := b.assign(dst.ty, binop(amd64Arith[op], dst.ty.Bits(), x, y))
		t.flags(b, strings.ToLower(op.String()), x, y)
		t.write(b, dst, r)

	case op == x86asm.CMP || op == x86asm.TEST:
		dst, ok := t.resolve(b, inst, inst.Args[0], next)
		if !ok {
			t.opaque(b, inst, next)
			return
		}
		x := t.read(b, dst)
		y, ok := t.value(b, inst, inst.Args[1], dst.ty, next)
		if !ok {
			return
		}
		t.flags(b, strings.ToLower(op.String()), x, y)

	case op == x86asm.INC || op == x86asm.DEC || op == x86asm.NEG || op == x86asm.NOT:
		dst, ok := t.resolve(b, inst, inst.Args[0], next)
		if !ok {
			t.opaque(b, inst, next)
			return
		}
		x := t.read(b, dst)
		w := dst.ty.Bits()
		var r ir.Expr
		switch op {
		case x86asm.INC:
			r = binop("Add%d", w, x, lit(dst.ty, 1))
		case x86asm.DEC:
			r = binop("Sub%d", w, x, lit(dst.ty, 1))
		case x86asm.NEG:
			r = binop("Sub%d", w, lit(dst.ty, 0), x)
		default:
			r = ir.Unop(fmt.Sprintf("Not%d", w), x)
		}
		v := b.assign(dst.ty, r)
		if op != x86asm.NOT {
			t.flags(b, strings.ToLower(op.String()), x)
		}
		t.write(b, dst, v)

	case amd64Shifts[op] != "":
		dst, ok := t.resolve(b, inst, inst.Args[0], next)
		if !ok {
			t.opaque(b, inst, next)
			return
		}
		w := dst.ty.Bits()
		mask := uint8(31)
		if w == 64 {
			mask = 63
		}
		var count ir.Expr = ir.U8(1)
		switch c := inst.Args[1].(type) {
		case x86asm.Imm:
			count = &ir.Const{Ty: ir.I8, Value: uint64(uint8(c) & mask), Field: ir.FieldImm}
		case x86asm.Reg:
			count = b.assign(ir.I8, ir.Binop("And8", b.get("rcx", ir.I8), ir.U8(mask)))
		}
		x := t.read(b, dst)
		r := b.assign(dst.ty, binop(amd64Shifts[op], w, x, count))
		t.flags(b, strings.ToLower(op.String()), x, count)
		t.write(b, dst, r)

	case op == x86asm.IMUL && inst.Args[1] != nil:
		dst, ok := t.resolve(b, inst, inst.Args[0], next)
		if !ok {
			t.opaque(b, inst, next)
			return
		}
		var x, y ir.Expr
		if inst.Args[2] != nil {
			x, ok = t.value(b, inst, inst.Args[1], dst.ty, next)
			if ok {
				y, ok = t.value(b, inst, inst.Args[2], dst.ty, next)
			}
		} else {
			x = t.read(b, dst)
			y, ok = t.value(b, inst, inst.Args[1], dst.ty, next)
		}
		if !ok {
			t.opaque(b, inst, next)
			return
		}
		r := b.assign(dst.ty, binop("Mul%d", dst.ty.Bits(), x, y))
		t.flags(b, "imul", x, y)
		t.write(b, dst, r)

	case strings.HasPrefix(op.String(), "CMOV"):
		dst, ok := t.resolve(b, inst, inst.Args[0], next)
		if !ok {
			t.opaque(b, inst, next)
			return
		}
		c := t.condition(b, op, "cmov")
		src, ok := t.value(b, inst, inst.Args[1], dst.ty, next)
		if !ok {
			t.opaque(b, inst, next)
			return
		}
		t.write(b, dst, b.assign(dst.ty, &ir.ITE{Cond: c, IfTrue: src, IfFalse: t.read(b, dst)}))

	case strings.HasPrefix(op.String(), "SET"):
		dst, ok := t.resolve(b, inst, inst.Args[0], next)
		if !ok || dst.ty != ir.I8 {
			t.opaque(b, inst, next)
			return
		}
		t.write(b, dst, ir.Unop("1Uto8", t.condition(b, op, "set")))

	case op == x86asm.CDQE:
		b.put(t.arch.Offset("rax"), ir.Unop("32Sto64", b.get("rax", ir.I32)))

	case op == x86asm.XCHG:
		x, ok1 := t.resolve(b, inst, inst.Args[0], next)
		y, ok2 := t.resolve(b, inst, inst.Args[1], next)
		if !ok1 || !ok2 || x.ty != y.ty {
			t.opaque(b, inst, next)
			return
		}
		vx, vy := t.read(b, x), t.read(b, y)
		t.write(b, x, vy)
		t.write(b, y, vx)

	case op == x86asm.LEAVE:
		bp := b.assign(ir.I64, b.get("rbp", ir.I64))
		v := b.load(ir.I64, bp)
		b.put(t.arch.SP(), ir.Binop("Add64", bp, ir.U64(8)))
		b.put(t.arch.BP(), v)

	case op == x86asm.CALL:
		target, ok := t.value(b, inst, inst.Args[0], ir.I64, next)
		if !ok {
			target = b.dirty("amd64g_dirty_call", ir.I64)
		}
		t.push(b, ir.U64(next))
		b.finish(target, ir.JumpCall)

	case op == x86asm.RET:
		sp := b.assign(ir.I64, b.get("rsp", ir.I64))
		target := b.load(ir.I64, sp)
		pop := uint64(8)
		if imm, ok := inst.Args[0].(x86asm.Imm); ok {
			pop += uint64(imm)
		}
		b.put(t.arch.SP(), ir.Binop("Add64", sp, ir.U64(pop)))
		b.finish(target, ir.JumpRet)

	case op == x86asm.JMP:
		target, ok := t.value(b, inst, inst.Args[0], ir.I64, next)
		if !ok {
			target = b.dirty("amd64g_dirty_jmp", ir.I64)
		}
		b.finish(target, ir.JumpBoring)

	case isJcc(op):
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			t.opaque(b, inst, next)
			return
		}
		var guard ir.Expr
		switch op {
		case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
			guard = b.assign(ir.I1, ir.Binop("CmpEQ64", b.get("rcx", ir.I64), ir.U64(0)))
		default:
			guard = t.condition(b, op, "j")
		}
		b.exit(guard, next+uint64(int64(rel)), ir.JumpBoring)
		b.finish(ir.U64(next), ir.JumpBoring)

	case op == x86asm.SYSCALL:
		b.finish(ir.U64(next), ir.JumpSyscall)

	case op == x86asm.INT:
		jk := ir.JumpSigTRAP
		if imm, ok := inst.Args[0].(x86asm.Imm); ok && imm == 0x80 {
			jk = ir.JumpSysInt128
		}
		b.finish(ir.U64(next), jk)

	case op == x86asm.HLT:
		b.finish(ir.U64(next), ir.JumpSigSEGV)

	case op == x86asm.UD2:
		b.finish(ir.U64(addr), ir.JumpNoDecode)

	default:
		t.opaque(b, inst, next)
	}
}

// opaque models an instruction outside the lifted subset: memory sources are
// loaded, and the destination receives the result of a helper call.
func (t *amd64) opaque(b *builder, inst *x86asm.Inst, next uint64) {
	callee := "amd64g_dirty_" + strings.ToLower(inst.Op.String())
	for _, arg := range inst.Args[1:] {
		if m, ok := arg.(x86asm.Mem); ok {
			if ty := memType(inst.MemBytes); ty != ir.TypeInvalid {
				b.load(ty, t.addr(b, m, next))
			}
		}
	}
	if inst.Args[0] == nil {
		return
	}
	dst, ok := t.resolve(b, inst, inst.Args[0], next)
	if !ok {
		return
	}
	t.write(b, dst, b.dirty(callee, dst.ty))
}
