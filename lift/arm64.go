package lift

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/maxgio92/fidget/arch"
	"github.com/maxgio92/fidget/ir"
)

type arm64 struct {
	arch *arch.Arch
}

func (*arm64) maxInsnLen() int { return 4 }

func (t *arm64) translate(b *builder, code []byte, addr uint64) (int, error) {
	if len(code) < 4 {
		return 0, fmt.Errorf("%w at %#x: truncated instruction", errDecode, addr)
	}
	inst, err := arm64asm.Decode(code[:4])
	if err != nil {
		return 0, fmt.Errorf("%w at %#x: %v", errDecode, addr, err)
	}
	b.mark(addr, 4)
	t.lift(b, &inst, addr)
	return 4, nil
}

// areg is a resolved arm64 register operand.
type areg struct {
	offset int
	ty     ir.Type
	zero   bool
	simd   bool
}

func (t *arm64) x(n int) int { return t.arch.Offset(fmt.Sprintf("x%d", n)) }
func (t *arm64) q(n int) int { return t.arch.Offset(fmt.Sprintf("q%d", n)) }

func (t *arm64) reg(arg arm64asm.Arg) (areg, bool) {
	switch r := arg.(type) {
	case arm64asm.RegSP:
		switch arm64asm.Reg(r) {
		case arm64asm.SP:
			return areg{offset: t.arch.SP(), ty: ir.I64}, true
		case arm64asm.WSP:
			return areg{offset: t.arch.SP(), ty: ir.I32}, true
		}
		return t.reg(arm64asm.Reg(r))
	case arm64asm.Reg:
		switch {
		case r == arm64asm.WZR:
			return areg{ty: ir.I32, zero: true}, true
		case r == arm64asm.XZR:
			return areg{ty: ir.I64, zero: true}, true
		case r >= arm64asm.W0 && r <= arm64asm.W30:
			return areg{offset: t.x(int(r - arm64asm.W0)), ty: ir.I32}, true
		case r >= arm64asm.X0 && r <= arm64asm.X30:
			return areg{offset: t.x(int(r - arm64asm.X0)), ty: ir.I64}, true
		case r >= arm64asm.B0 && r <= arm64asm.B31:
			return areg{offset: t.q(int(r - arm64asm.B0)), ty: ir.I8, simd: true}, true
		case r >= arm64asm.H0 && r <= arm64asm.H31:
			return areg{offset: t.q(int(r - arm64asm.H0)), ty: ir.I16, simd: true}, true
		case r >= arm64asm.S0 && r <= arm64asm.S31:
			return areg{offset: t.q(int(r - arm64asm.S0)), ty: ir.F32, simd: true}, true
		case r >= arm64asm.D0 && r <= arm64asm.D31:
			return areg{offset: t.q(int(r - arm64asm.D0)), ty: ir.F64, simd: true}, true
		case r >= arm64asm.Q0 && r <= arm64asm.Q31:
			return areg{offset: t.q(int(r - arm64asm.Q0)), ty: ir.V128, simd: true}, true
		case r >= arm64asm.V0 && r <= arm64asm.V31:
			return areg{offset: t.q(int(r - arm64asm.V0)), ty: ir.V128, simd: true}, true
		}
	}
	return areg{}, false
}

func (t *arm64) read(r areg) ir.Expr {
	if r.zero {
		return lit(r.ty, 0)
	}
	return &ir.Get{Offset: r.offset, Ty: r.ty}
}

// write stores v into r. W register writes clear the upper half.
func (t *arm64) write(b *builder, r areg, v ir.Expr) {
	switch {
	case r.zero:
	case r.ty == ir.I32 && !r.simd:
		b.put(r.offset, ir.Unop("32Uto64", v))
	default:
		b.put(r.offset, v)
	}
}

// xn reads general register n as ty; register 31 reads as zero.
func (t *arm64) xn(n uint32, ty ir.Type) ir.Expr {
	if n == 31 {
		return lit(ty, 0)
	}
	return &ir.Get{Offset: t.x(int(n)), Ty: ty}
}

func signExtend(v uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(v)<<shift) >> shift
}

// Load/store encoding classes.
func isLoadStorePair(enc uint32) bool   { return enc>>27&7 == 5 }
func isLoadStoreSingle(enc uint32) bool { return enc>>27&7 == 7 }
func isAddSubImm(enc uint32) bool       { return enc>>23&0x3f == 0x22 }

// pairScale returns the access size of a load/store pair.
func pairScale(enc uint32) int64 {
	opc := enc >> 30
	if enc>>26&1 == 1 {
		return 4 << opc
	}
	if opc == 2 {
		return 8
	}
	return 4
}

// singleScale returns the access size of a single register load/store.
func singleScale(enc uint32) int64 {
	size := enc >> 30
	if enc>>26&1 == 1 && size == 0 && enc>>23&1 == 1 {
		return 16
	}
	return 1 << size
}

// memImm returns the byte offset encoded in a load/store immediate form.
func memImm(enc uint32) int64 {
	switch {
	case isLoadStorePair(enc):
		return signExtend(enc>>15&0x7f, 7) * pairScale(enc)
	case isLoadStoreSingle(enc) && enc>>24&1 == 1:
		return int64(enc>>10&0xfff) * singleScale(enc)
	case isLoadStoreSingle(enc):
		return signExtend(enc>>12&0x1ff, 9)
	}
	return 0
}

// address computes the effective address of a memory operand and the
// base register update to apply after the access, if any.
func (t *arm64) address(b *builder, inst *arm64asm.Inst, arg arm64asm.Arg, addr uint64) (ir.Expr, func(), bool) {
	switch m := arg.(type) {
	case arm64asm.MemImmediate:
		base, ok := t.reg(m.Base)
		if !ok {
			return nil, nil, false
		}
		off := memImm(inst.Enc)
		bv := b.assign(ir.I64, t.read(base))
		switch m.Mode {
		case arm64asm.AddrPreIndex:
			a := b.assign(ir.I64, ir.Binop("Add64", bv, lit(ir.I64, uint64(off))))
			return a, func() { t.write(b, base, a) }, true
		case arm64asm.AddrPostIndex:
			return bv, func() { t.write(b, base, ir.Binop("Add64", bv, lit(ir.I64, uint64(off)))) }, true
		}
		if off == 0 {
			return bv, func() {}, true
		}
		return b.assign(ir.I64, ir.Binop("Add64", bv, lit(ir.I64, uint64(off)))), func() {}, true
	case arm64asm.MemExtend:
		base, ok := t.reg(m.Base)
		idx, ok2 := t.reg(m.Index)
		if !ok || !ok2 {
			return nil, nil, false
		}
		iv := convert(t.read(idx), idx.ty, ir.I64, strings.HasPrefix(m.Extend.String(), "SXT"))
		if !m.ShiftMustBeZero && m.Amount > 0 {
			iv = b.assign(ir.I64, ir.Binop("Shl64", iv, ir.U8(m.Amount)))
		}
		return b.assign(ir.I64, ir.Binop("Add64", t.read(base), iv)), func() {}, true
	case arm64asm.PCRel:
		return b.assign(ir.I64, ir.U64(addr+uint64(int64(m)))), func() {}, true
	}
	return nil, nil, false
}

// accessType returns the memory type of a load/store of register r.
func accessType(enc uint32, r areg, pair bool) ir.Type {
	if r.simd {
		return r.ty
	}
	size := singleScale(enc)
	if pair {
		size = pairScale(enc)
	}
	return ir.IntType(uint(size * 8))
}

func (t *arm64) single(b *builder, inst *arm64asm.Inst, addr uint64, load bool) bool {
	r, ok := t.reg(inst.Args[0])
	if !ok {
		return false
	}
	a, post, ok := t.address(b, inst, inst.Args[1], addr)
	if !ok {
		return false
	}
	ty := accessType(inst.Enc, r, false)
	if load {
		v := b.load(ty, a)
		signed := strings.HasPrefix(inst.Op.String(), "LDRS") || strings.HasPrefix(inst.Op.String(), "LDURS")
		t.write(b, r, convert(v, ty, r.ty, signed))
	} else {
		b.store(a, convert(t.read(r), r.ty, ty, false))
	}
	post()
	return true
}

func (t *arm64) pair(b *builder, inst *arm64asm.Inst, addr uint64, load bool) bool {
	r1, ok1 := t.reg(inst.Args[0])
	r2, ok2 := t.reg(inst.Args[1])
	if !ok1 || !ok2 {
		return false
	}
	a, post, ok := t.address(b, inst, inst.Args[2], addr)
	if !ok {
		return false
	}
	ty := accessType(inst.Enc, r1, true)
	a2 := b.assign(ir.I64, ir.Binop("Add64", a, ir.U64(uint64(ty.Bits()/8))))
	if load {
		v1 := b.load(ty, a)
		v2 := b.load(ty, a2)
		signed := inst.Op == arm64asm.LDPSW
		t.write(b, r1, convert(v1, ty, r1.ty, signed))
		t.write(b, r2, convert(v2, ty, r2.ty, signed))
	} else {
		b.store(a, t.read(r1))
		b.store(a2, t.read(r2))
	}
	post()
	return true
}

// operand2 reads the second source operand of a data-processing instruction.
func (t *arm64) operand2(b *builder, inst *arm64asm.Inst, arg arm64asm.Arg, ty ir.Type) (ir.Expr, bool) {
	enc := inst.Enc
	switch a := arg.(type) {
	case arm64asm.ImmShift:
		if isAddSubImm(enc) {
			return lit(ty, uint64(enc>>10&0xfff)<<(12*(enc>>22&1))), true
		}
	case arm64asm.Imm:
		return lit(ty, uint64(a.Imm)), true
	case arm64asm.Imm64:
		return lit(ty, a.Imm), true
	case arm64asm.Reg, arm64asm.RegSP:
		r, ok := t.reg(a)
		if !ok {
			return nil, false
		}
		return convert(t.read(r), r.ty, ty, false), true
	case arm64asm.RegExtshiftAmount:
		return t.shifted(b, enc, ty)
	}
	return nil, false
}

// shifted decodes a shifted or extended register operand.
func (t *arm64) shifted(b *builder, enc uint32, ty ir.Type) (ir.Expr, bool) {
	w := ty.Bits()
	rm := enc >> 16 & 31
	if enc>>24&0x1f == 0x0b && enc>>21&1 == 1 {
		option := enc >> 13 & 7
		from := ir.IntType(8 << (option & 3))
		v := convert(convert(t.xn(rm, ir.I64), ir.I64, from, false), from, ty, option >= 4)
		if amount := enc >> 10 & 7; amount > 0 {
			v = b.assign(ty, binop("Shl%d", w, v, ir.U8(uint8(amount))))
		}
		return v, true
	}
	v := t.xn(rm, ty)
	amount := enc >> 10 & 63
	if amount == 0 {
		return v, true
	}
	ops := [...]string{"Shl%d", "Shr%d", "Sar%d"}
	kind := enc >> 22 & 3
	if int(kind) >= len(ops) {
		return nil, false
	}
	return b.assign(ty, binop(ops[kind], w, v, ir.U8(uint8(amount)))), true
}

func (t *arm64) flags(b *builder, args ...ir.Expr) {
	b.put(t.arch.Offset("cc_dep1"), &ir.CCall{Callee: "arm64g_calculate_flags_nzcv", RetTy: ir.I64, Args: args})
}

func (t *arm64) condition(b *builder, c arm64asm.Cond) ir.Expr {
	v := b.assign(ir.I64, &ir.CCall{
		Callee: "arm64g_calculate_condition",
		RetTy:  ir.I64,
		Args:   []ir.Expr{ir.U64(uint64(c.Value)), b.get("cc_dep1", ir.I64)},
	})
	return b.assign(ir.I1, ir.Unop("64to1", v))
}

var arm64Arith = map[arm64asm.Op]string{
	arm64asm.ADD:  "Add%d",
	arm64asm.ADDS: "Add%d",
	arm64asm.CMN:  "Add%d",
	arm64asm.SUB:  "Sub%d",
	arm64asm.SUBS: "Sub%d",
	arm64asm.CMP:  "Sub%d",
	arm64asm.AND:  "And%d",
	arm64asm.ANDS: "And%d",
	arm64asm.TST:  "And%d",
	arm64asm.ORR:  "Or%d",
	arm64asm.EOR:  "Xor%d",
	arm64asm.MUL:  "Mul%d",
	arm64asm.LSL:  "Shl%d",
	arm64asm.LSR:  "Shr%d",
	arm64asm.ASR:  "Sar%d",
}

func isCompare(op arm64asm.Op) bool {
	return op == arm64asm.CMP || op == arm64asm.CMN || op == arm64asm.TST
}

func setsFlags(op arm64asm.Op) bool {
	return isCompare(op) || op == arm64asm.ADDS || op == arm64asm.SUBS || op == arm64asm.ANDS
}

func branchTarget(inst *arm64asm.Inst, addr uint64) (uint64, bool) {
	for _, arg := range inst.Args {
		if rel, ok := arg.(arm64asm.PCRel); ok {
			return addr + uint64(int64(rel)), true
		}
	}
	return 0, false
}

func (t *arm64) lift(b *builder, inst *arm64asm.Inst, addr uint64) {
	next := addr + 4
	op := inst.Op
	switch {
	case op == arm64asm.NOP || op == arm64asm.HINT || op == arm64asm.DMB || op == arm64asm.DSB ||
		op == arm64asm.ISB || op == arm64asm.PRFM || op == arm64asm.CLREX:
		return

	case arm64Arith[op] != "":
		if !t.arith(b, inst) {
			t.opaque(b, inst, addr)
		}

	case op == arm64asm.MOV || op == arm64asm.MOVZ || op == arm64asm.MOVN:
		dst, ok := t.reg(inst.Args[0])
		if !ok {
			t.opaque(b, inst, addr)
			return
		}
		var v ir.Expr
		if op == arm64asm.MOV {
			v, ok = t.operand2(b, inst, inst.Args[1], dst.ty)
		} else {
			imm := uint64(inst.Enc>>5&0xffff) << (16 * (inst.Enc >> 21 & 3))
			if op == arm64asm.MOVN {
				imm = ^imm
			}
			v = lit(dst.ty, imm)
		}
		if !ok {
			t.opaque(b, inst, addr)
			return
		}
		t.write(b, dst, v)

	case op == arm64asm.MOVK:
		dst, ok := t.reg(inst.Args[0])
		if !ok {
			t.opaque(b, inst, addr)
			return
		}
		shift := 16 * (inst.Enc >> 21 & 3)
		w := dst.ty.Bits()
		kept := b.assign(dst.ty, binop("And%d", w, t.read(dst), lit(dst.ty, ^(uint64(0xffff)<<shift))))
		t.write(b, dst, b.assign(dst.ty, binop("Or%d", w, kept, lit(dst.ty, uint64(inst.Enc>>5&0xffff)<<shift))))

	case op == arm64asm.ADR || op == arm64asm.ADRP:
		dst, ok := t.reg(inst.Args[0])
		rel, isRel := inst.Args[1].(arm64asm.PCRel)
		if !ok || !isRel {
			t.opaque(b, inst, addr)
			return
		}
		base := addr
		if op == arm64asm.ADRP {
			base &^= 0xfff
		}
		t.write(b, dst, ir.U64(base+uint64(int64(rel))))

	case op == arm64asm.LDR || op == arm64asm.LDUR || op == arm64asm.LDRB || op == arm64asm.LDRH ||
		op == arm64asm.LDRSB || op == arm64asm.LDRSH || op == arm64asm.LDRSW || op == arm64asm.LDURB ||
		op == arm64asm.LDURH || op == arm64asm.LDURSB || op == arm64asm.LDURSH || op == arm64asm.LDURSW:
		if !t.single(b, inst, addr, true) {
			t.opaque(b, inst, addr)
		}

	case op == arm64asm.STR || op == arm64asm.STUR || op == arm64asm.STRB || op == arm64asm.STRH ||
		op == arm64asm.STURB || op == arm64asm.STURH:
		if !t.single(b, inst, addr, false) {
			t.opaque(b, inst, addr)
		}

	case op == arm64asm.LDP || op == arm64asm.LDPSW || op == arm64asm.STP:
		if !t.pair(b, inst, addr, op != arm64asm.STP) {
			t.opaque(b, inst, addr)
		}

	case op == arm64asm.LDXR || op == arm64asm.LDAXR:
		r, ok := t.reg(inst.Args[0])
		a, _, ok2 := t.address(b, inst, inst.Args[1], addr)
		if !ok || !ok2 {
			t.opaque(b, inst, addr)
			return
		}
		res := b.newTmp(r.ty)
		b.stmts = append(b.stmts, &ir.LLSC{Result: res, Addr: a})
		t.write(b, r, &ir.RdTmp{Tmp: res})

	case op == arm64asm.STXR || op == arm64asm.STLXR:
		status, ok1 := t.reg(inst.Args[0])
		data, ok2 := t.reg(inst.Args[1])
		a, _, ok3 := t.address(b, inst, inst.Args[2], addr)
		if !ok1 || !ok2 || !ok3 {
			t.opaque(b, inst, addr)
			return
		}
		res := b.newTmp(ir.I1)
		b.stmts = append(b.stmts, &ir.LLSC{Result: res, Addr: a, StoreData: t.read(data)})
		t.write(b, status, ir.Unop("1Uto32", &ir.RdTmp{Tmp: res}))

	case op == arm64asm.BL:
		target, _ := branchTarget(inst, addr)
		b.put(t.x(30), ir.U64(next))
		b.finish(ir.U64(target), ir.JumpCall)

	case op == arm64asm.BLR:
		r, ok := t.reg(inst.Args[0])
		if !ok {
			t.opaque(b, inst, addr)
			return
		}
		target := b.assign(ir.I64, t.read(r))
		b.put(t.x(30), ir.U64(next))
		b.finish(target, ir.JumpCall)

	case op == arm64asm.B:
		target, _ := branchTarget(inst, addr)
		if c, ok := inst.Args[0].(arm64asm.Cond); ok && c.Value>>1 != 7 {
			b.exit(t.condition(b, c), target, ir.JumpBoring)
			b.finish(ir.U64(next), ir.JumpBoring)
			return
		}
		b.finish(ir.U64(target), ir.JumpBoring)

	case op == arm64asm.BR || op == arm64asm.RET:
		var target ir.Expr = b.get("x30", ir.I64)
		if r, ok := t.reg(inst.Args[0]); ok {
			target = t.read(r)
		}
		jk := ir.JumpBoring
		if op == arm64asm.RET {
			jk = ir.JumpRet
		}
		b.finish(b.assign(ir.I64, target), jk)

	case op == arm64asm.CBZ || op == arm64asm.CBNZ:
		r, ok := t.reg(inst.Args[0])
		target, ok2 := branchTarget(inst, addr)
		if !ok || !ok2 {
			t.opaque(b, inst, addr)
			return
		}
		cmp := "CmpEQ%d"
		if op == arm64asm.CBNZ {
			cmp = "CmpNE%d"
		}
		guard := b.assign(ir.I1, binop(cmp, r.ty.Bits(), t.read(r), lit(r.ty, 0)))
		b.exit(guard, target, ir.JumpBoring)
		b.finish(ir.U64(next), ir.JumpBoring)

	case op == arm64asm.TBZ || op == arm64asm.TBNZ:
		r, ok := t.reg(inst.Args[0])
		bit, ok2 := inst.Args[1].(arm64asm.Imm)
		target, ok3 := branchTarget(inst, addr)
		if !ok || !ok2 || !ok3 {
			t.opaque(b, inst, addr)
			return
		}
		w := r.ty.Bits()
		masked := b.assign(r.ty, binop("And%d", w, t.read(r), lit(r.ty, 1<<bit.Imm)))
		cmp := "CmpEQ%d"
		if op == arm64asm.TBNZ {
			cmp = "CmpNE%d"
		}
		b.exit(b.assign(ir.I1, binop(cmp, w, masked, lit(r.ty, 0))), target, ir.JumpBoring)
		b.finish(ir.U64(next), ir.JumpBoring)

	case op == arm64asm.SVC:
		b.finish(ir.U64(next), ir.JumpSyscall)

	case op == arm64asm.BRK:
		b.finish(ir.U64(next), ir.JumpSigTRAP)

	default:
		t.opaque(b, inst, addr)
	}
}

// arith lifts two and three operand data-processing instructions.
func (t *arm64) arith(b *builder, inst *arm64asm.Inst) bool {
	op := inst.Op
	args := inst.Args[:]
	var dst areg
	if !isCompare(op) {
		r, ok := t.reg(args[0])
		if !ok {
			return false
		}
		dst, args = r, args[1:]
	}
	x, ok := t.reg(args[0])
	if !ok {
		return false
	}
	ty := x.ty
	if !isCompare(op) {
		ty = dst.ty
	}
	w := ty.Bits()
	xv := convert(t.read(x), x.ty, ty, false)

	var y ir.Expr
	switch op {
	case arm64asm.LSL, arm64asm.LSR, arm64asm.ASR:
		switch a := args[1].(type) {
		case arm64asm.Imm:
			y = ir.U8(uint8(a.Imm))
		case arm64asm.Reg:
			r, ok := t.reg(a)
			if !ok {
				return false
			}
			amount := convert(t.read(r), r.ty, ir.I8, false)
			y = b.assign(ir.I8, ir.Binop("And8", amount, ir.U8(uint8(w-1))))
		default:
			return false
		}
	default:
		y, ok = t.operand2(b, inst, args[1], ty)
		if !ok {
			return false
		}
	}

	r := b.assign(ty, binop(arm64Arith[op], w, xv, y))
	if setsFlags(op) {
		t.flags(b, xv, y)
	}
	if !isCompare(op) {
		t.write(b, dst, r)
	}
	return true
}

// opaque models an instruction outside the lifted subset. Memory operands of
// store-like instructions are written, other memory operands are read, and a
// register destination receives the result of a helper call.
func (t *arm64) opaque(b *builder, inst *arm64asm.Inst, addr uint64) {
	callee := "arm64g_dirty_" + strings.ToLower(inst.Op.String())
	store := strings.HasPrefix(inst.Op.String(), "ST")
	for _, arg := range inst.Args {
		switch arg.(type) {
		case arm64asm.MemImmediate, arm64asm.MemExtend:
			a, post, ok := t.address(b, inst, arg, addr)
			if !ok {
				continue
			}
			if store {
				b.store(a, b.dirty(callee, ir.I64))
			} else {
				b.load(ir.I64, a)
			}
			post()
		}
	}
	if store || inst.Args[0] == nil {
		return
	}
	if dst, ok := t.reg(inst.Args[0]); ok {
		t.write(b, dst, b.dirty(callee, dst.ty))
	}
}
