package fidget

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"golang.org/x/exp/slices"

	"github.com/maxgio92/fidget/arch"
	"github.com/maxgio92/fidget/config"
	"github.com/maxgio92/fidget/internal/funcutil"
	"github.com/maxgio92/fidget/ir"
	"github.com/maxgio92/fidget/symbolic"
)

// blockState is the machine state at the head of a block: register and
// frame memory contents plus the tags logged while interpreting it.
type blockState struct {
	addr   uint64
	region RegionID
	arch   *arch.Arch
	image  Image
	arena  *arena
	logger *config.LogGroup

	regs map[int]exprID
	// mem holds the values stored through frame pointers, by region and by
	// replay value of the address.
	mem map[RegionID]map[string]exprID

	// temps and insn describe the instruction being interpreted.
	temps *tempStore
	insn  uint64

	tags []Tag
}

func newBlockState(addr uint64, region RegionID, a *arch.Arch, image Image, ar *arena, logger *config.LogGroup) *blockState {
	s := &blockState{
		addr:   addr,
		region: region,
		arch:   a,
		image:  image,
		arena:  ar,
		logger: logger,
		regs:   make(map[int]exprID),
		mem:    make(map[RegionID]map[string]exprID),
	}
	for _, b := range a.Bookkeeping {
		r, ok := a.Register(b.Register)
		if !ok {
			continue
		}
		ty := ir.IntType(uint(r.Size * 8))
		id := ar.defaultValue(ty)
		if b.Predicated {
			n := *ar.get(id)
			n.taint.Predicated = true
			id = ar.add(n)
		}
		s.regs[r.Offset] = id
	}
	return s
}

// copy returns the state at the head of the successor at addr. Only frame
// pointers held in registers carry over.
func (s *blockState) copy(addr uint64) *blockState {
	out := newBlockState(addr, s.region, s.arch, s.image, s.arena, s.logger)
	for off, id := range s.regs {
		if s.arena.get(id).taint.Region != NoRegion {
			out.regs[off] = id
		}
	}
	return out
}

func (s *blockState) wordType() ir.Type { return ir.IntType(s.arch.Bits) }

func (s *blockState) getReg(offset int, ty ir.Type) (exprID, error) {
	id, ok := s.regs[offset]
	if !ok {
		dty := s.wordType()
		if ty.IsFloat() || ty.Bits() > s.arch.Bits {
			dty = ty
		}
		id = s.arena.defaultValue(dty)
		s.regs[offset] = id
	}
	if held := s.arena.get(id).ty; held.IsFloat() {
		if held != ty {
			s.logger.Warnf("reading %s register %s as %s at %#x", held, s.regName(offset), ty, s.insn)
			id = s.arena.defaultValue(ty)
			s.regs[offset] = id
		}
		return id, nil
	}
	return s.arena.truncate(id, ty)
}

func (s *blockState) regName(offset int) string {
	if r, ok := s.arch.RegisterAt(offset); ok {
		return r.Name
	}
	return fmt.Sprintf("at offset %d", offset)
}

func (s *blockState) getMem(addr exprID, ty ir.Type) exprID {
	n := s.arena.get(addr)
	if n.taint.Region != NoRegion {
		if id, ok := s.mem[n.taint.Region][n.clean.String()]; ok && s.arena.get(id).ty == ty {
			return id
		}
		return s.arena.defaultValue(ty)
	}
	c, ok := symbolic.AsConst(n.clean)
	size := int(ty.Bits() / 8)
	if !ok || ty.IsFloat() || size == 0 || c.Width() > 64 {
		return s.arena.defaultValue(ty)
	}
	data, ok := s.image.ReadInitialized(c.Uint64(), size)
	if !ok {
		return s.arena.defaultValue(ty)
	}
	if s.arch.ByteOrder() == binary.LittleEndian {
		data = slices.Clone(data)
		slices.Reverse(data)
	}
	return s.arena.constant(symbolic.NewConstBig(new(big.Int).SetBytes(data), ty.Bits()), ty, true)
}

// access logs an access through addr when it points into the frame being
// analyzed.
func (s *blockState) access(addr exprID, flags AccessType) {
	if s.arena.get(addr).taint.Region != s.region {
		return
	}
	s.tags = append(s.tags, Tag{Kind: TagAccess, Patch: s.arena.patchSet(addr, flags)})
}

func (s *blockState) putReg(offset int, id exprID) error {
	n := s.arena.get(id)
	if n.ty.IsFloat() || n.ty.Bits() > s.arch.Bits {
		s.regs[offset] = id
	} else {
		old, ok := s.regs[offset]
		if !ok {
			old = s.arena.defaultValue(s.wordType())
		}
		s.regs[offset] = s.arena.overwrite(id, old)
	}
	if offset != s.arch.SP() {
		return nil
	}
	if !n.taint.Concrete {
		return fmt.Errorf("%w: stack pointer adjusted by a non-constant amount at %#x", ErrFrameIndeterminate, s.insn)
	}
	s.tags = append(s.tags, Tag{Kind: TagAlloc, Patch: s.arena.patchSet(id, 0)})
	return nil
}

func (s *blockState) store(addr, value exprID) {
	s.access(addr, AccessWrite)
	a := s.arena.get(addr)
	if r := a.taint.Region; r != NoRegion {
		if s.mem[r] == nil {
			s.mem[r] = make(map[string]exprID)
		}
		s.mem[r][a.clean.String()] = value
	}
	if s.arena.get(value).taint.Region != NoRegion {
		s.access(value, AccessPointer)
	}
}

// end checks the registers for frame pointers escaping the block.
func (s *blockState) end() {
	skip := []int{s.arch.SP(), s.arch.BP(), s.arch.IP()}
	for _, off := range funcutil.SortedKeys(s.regs) {
		if slices.Contains(skip, off) {
			continue
		}
		s.access(s.regs[off], AccessPointer)
	}
}

// eval builds the expression of e found at path in the current instruction.
func (s *blockState) eval(e ir.Expr, path ir.OperandPath) (exprID, error) {
	a := s.arena
	switch e := e.(type) {
	case *ir.Get:
		id, err := s.getReg(e.Offset, e.Ty)
		if err != nil {
			return 0, err
		}
		return a.retype(id, e.Ty), nil

	case *ir.RdTmp:
		return s.temps.read(e.Tmp)

	case *ir.Load:
		addr, err := s.eval(e.Addr, path.Append("addr"))
		if err != nil {
			return 0, err
		}
		s.access(addr, AccessRead)
		return a.retype(s.getMem(addr, e.Ty), e.Ty), nil

	case *ir.Const:
		return a.literal(s.insn, path, e)

	case *ir.ITE:
		f, err := s.eval(e.IfFalse, path.Append("iffalse"))
		if err != nil {
			return 0, err
		}
		t, err := s.eval(e.IfTrue, path.Append("iftrue"))
		if err != nil {
			return 0, err
		}
		pick := f
		if a.get(t).taint.Region != NoRegion {
			pick = t
		}
		cond, err := s.eval(e.Cond, path.Append("cond"))
		if err != nil {
			return 0, err
		}
		tn, fn, pn := a.get(t), a.get(f), a.get(pick)
		taint := pn.taint
		if !a.get(cond).taint.Predicated {
			taint.Concrete = tn.taint.Concrete && fn.taint.Concrete
		}
		taint.Predicated = tn.taint.Predicated || fn.taint.Predicated
		return a.alias(pick, tn.ty, pn.clean, pn.dirty, taint), nil

	case *ir.Op:
		args := make([]exprID, len(e.Args))
		for i, arg := range e.Args {
			id, err := s.eval(arg, path.Append("args", i))
			if err != nil {
				return 0, err
			}
			args[i] = id
		}
		return a.operation(s.insn, path, e.Op, args, s.wordType()), nil

	case *ir.CCall:
		var predicated bool
		for i, arg := range e.Args {
			id, err := s.eval(arg, path.Append("args", i))
			if err != nil {
				return 0, err
			}
			predicated = predicated || a.get(id).taint.Predicated
		}
		v := zero(e.RetTy)
		return a.add(node{kind: nodeConst, ty: e.RetTy, clean: v, dirty: v, taint: Taint{Predicated: predicated}, insn: s.insn, path: path}), nil

	case *ir.GetI:
		return a.defaultValue(e.Ty), nil
	}
	return 0, fmt.Errorf("%w: expression %T at %#x", ErrUnsupported, e, s.insn)
}

// exec interprets the statement at index idx of the current instruction.
func (s *blockState) exec(stmt ir.Stmt, idx int) error {
	path := ir.StatementPath(idx)
	switch st := stmt.(type) {
	case *ir.NoOp, *ir.IMark, *ir.AbiHint, *ir.MBE:
		return nil

	case *ir.Exit:
		_, err := s.eval(st.Guard, path.Append("guard"))
		return err

	case *ir.WrTmp:
		id, err := s.eval(st.Data, path.Append("data"))
		if err != nil {
			return err
		}
		return s.temps.write(st.Tmp, id)

	case *ir.Put:
		id, err := s.eval(st.Data, path.Append("data"))
		if err != nil {
			return err
		}
		return s.putReg(st.Offset, id)

	case *ir.Store:
		value, err := s.eval(st.Data, path.Append("data"))
		if err != nil {
			return err
		}
		addr, err := s.eval(st.Addr, path.Append("addr"))
		if err != nil {
			return err
		}
		s.store(addr, value)
		return nil

	case *ir.LoadG:
		addr, err := s.eval(st.Addr, path.Append("addr"))
		if err != nil {
			return err
		}
		s.access(addr, AccessRead)
		data := s.getMem(addr, st.From)
		var cvt exprID
		switch st.Cvt {
		case ir.CvtIdent:
			cvt = s.arena.retype(data, st.To)
		default:
			cvt = s.arena.extend(data, st.To, st.Cvt == ir.CvtSignExtend)
		}
		if err := s.temps.write(st.Dst, cvt); err != nil {
			return err
		}
		if _, err := s.eval(st.Guard, path.Append("guard")); err != nil {
			return err
		}
		_, err = s.eval(st.Alt, path.Append("alt"))
		return err

	case *ir.StoreG:
		addr, err := s.eval(st.Addr, path.Append("addr"))
		if err != nil {
			return err
		}
		value, err := s.eval(st.Data, path.Append("data"))
		if err != nil {
			return err
		}
		s.store(addr, value)
		_, err = s.eval(st.Guard, path.Append("guard"))
		return err

	case *ir.PutI:
		_, err := s.eval(st.Data, path.Append("data"))
		return err

	case *ir.CAS:
		if st.OldLo != ir.NoTmp {
			if err := s.temps.setDefault(st.OldLo); err != nil {
				return err
			}
		}
		if st.OldHi != ir.NoTmp {
			return s.temps.setDefault(st.OldHi)
		}
		return nil

	case *ir.Dirty:
		if st.Tmp != ir.NoTmp {
			return s.temps.setDefault(st.Tmp)
		}
		return nil
	}
	return fmt.Errorf("%w: statement %T at %#x", ErrUnsupported, stmt, s.insn)
}
