package fidget

import (
	"errors"
	"fmt"
	"strings"

	"github.com/maxgio92/fidget/config"
	"github.com/maxgio92/fidget/ir"
	"github.com/maxgio92/fidget/symbolic"
)

// RegionID identifies a frame region: values derived from one function's
// initial stack pointer.
type RegionID uint32

// NoRegion marks a value that is not a frame pointer.
const NoRegion RegionID = 0

// Taint is the provenance of a value.
type Taint struct {
	// Region is the frame the value points into, or NoRegion.
	Region RegionID
	// Concrete holds when the value depends only on literals and the
	// initial stack pointer.
	Concrete bool
	// Predicated holds for values derived from conditional-execution state.
	Predicated bool
}

type exprID int

type nodeKind uint8

const (
	// nodeDerived is computed from its deps.
	nodeDerived nodeKind = iota
	// nodeLiteral is a literal of the instruction stream.
	nodeLiteral
	// nodeConst has no provenance: defaults, loaded data, shielded literals.
	nodeConst
	// nodeAlias is target seen under another type or taint.
	nodeAlias
)

// node is an expression of the DAG. clean is the value replayed from the
// literals; dirty is the same value over the literal placeholders.
type node struct {
	kind   nodeKind
	ty     ir.Type
	clean  symbolic.Value
	dirty  symbolic.Value
	taint  Taint
	insn   uint64
	path   ir.OperandPath
	deps   []exprID
	target exprID
}

// arena owns the expression nodes of one function analysis. Nodes are never
// mutated once added; sharing is by id.
type arena struct {
	nodes   []node
	locs    map[exprID][]Location
	locator Locator
	logger  *config.LogGroup
}

func newArena(locator Locator, logger *config.LogGroup) *arena {
	return &arena{locs: make(map[exprID][]Location), locator: locator, logger: logger}
}

func (a *arena) add(n node) exprID {
	a.nodes = append(a.nodes, n)
	return exprID(len(a.nodes) - 1)
}

func (a *arena) get(id exprID) *node { return &a.nodes[id] }

func (a *arena) constant(v symbolic.Value, ty ir.Type, concrete bool) exprID {
	return a.add(node{kind: nodeConst, ty: ty, clean: v, dirty: v, taint: Taint{Concrete: concrete}})
}

// zero returns the default value of ty. It is not concrete.
func zero(ty ir.Type) *symbolic.Const {
	return symbolic.Zero(ty.Bits(), ty.IsFloat())
}

func (a *arena) defaultValue(ty ir.Type) exprID {
	return a.constant(zero(ty), ty, false)
}

// alias adds a view of target with a different type, values or taint.
func (a *arena) alias(target exprID, ty ir.Type, clean, dirty symbolic.Value, taint Taint) exprID {
	t := a.get(target)
	return a.add(node{
		kind:   nodeAlias,
		ty:     ty,
		clean:  clean,
		dirty:  dirty,
		taint:  taint,
		insn:   t.insn,
		path:   t.path,
		target: target,
	})
}

// retype returns id viewed as ty.
func (a *arena) retype(id exprID, ty ir.Type) exprID {
	n := a.get(id)
	if n.ty == ty {
		return id
	}
	return a.alias(id, ty, n.clean, n.dirty, n.taint)
}

// literal adds a literal of the instruction at insn found at path.
func (a *arena) literal(insn uint64, path ir.OperandPath, c *ir.Const) (exprID, error) {
	name := fmt.Sprintf("lit_%x_%s", insn, path)
	w := c.Ty.Bits()
	var clean, dirty symbolic.Value
	switch {
	case c.Ty.IsFloat():
		if w != 32 && w != 64 {
			return 0, fmt.Errorf("%w: %d-bit floating point literal at %#x", ErrUnsupported, w, insn)
		}
		clean = symbolic.NewFloatBits(c.Value, w)
		dirty = symbolic.NewFloatSymbol(name, w)
	default:
		clean = symbolic.NewConst(c.Value, w)
		dirty = symbolic.NewSymbol(name, w)
	}
	return a.add(node{
		kind:  nodeLiteral,
		ty:    c.Ty,
		clean: clean,
		dirty: dirty,
		taint: Taint{Concrete: true},
		insn:  insn,
		path:  path,
	}), nil
}

// shield turns a literal into a constant so that it is not reported as a
// patch location.
func (a *arena) shield(id exprID) exprID {
	n := a.get(id)
	if n.kind != nodeLiteral {
		return id
	}
	return a.constant(n.clean, n.ty, n.taint.Concrete)
}

// region returns the frame region of an operator result.
func region(op string, args []Taint) RegionID {
	if len(args) < 2 {
		return NoRegion
	}
	r1, r2 := args[0].Region, args[1].Region
	switch {
	case strings.HasPrefix(op, "Add"), strings.HasPrefix(op, "And"),
		strings.HasPrefix(op, "Or"), strings.HasPrefix(op, "Xor"):
		switch {
		case r1 == r2:
			return r1
		case r1 == NoRegion:
			return r2
		case r2 == NoRegion:
			return r1
		}
	case strings.HasPrefix(op, "Sub"):
		if r2 == NoRegion {
			return r1
		}
	}
	return NoRegion
}

// operation adds op applied to args. Operands the operator cannot be
// evaluated on yield a non-concrete default.
func (a *arena) operation(insn uint64, path ir.OperandPath, op string, args []exprID, wordType ir.Type) exprID {
	taint := Taint{Concrete: true}
	for _, id := range args {
		t := a.get(id).taint
		taint.Concrete = taint.Concrete && t.Concrete
		taint.Predicated = taint.Predicated || t.Predicated
	}
	switch {
	case strings.HasPrefix(op, "Mul"), strings.HasPrefix(op, "And"):
		for i := range args {
			args[i] = a.shield(args[i])
		}
	case ir.IsRounding(op) && len(args) > 0:
		args[0] = a.shield(args[0])
	}

	ty := wordType
	if sig, ok := ir.Signature(op); ok {
		ty = sig.Result
	}
	n := node{kind: nodeDerived, ty: ty, insn: insn, path: path, deps: args}

	cleans := make([]symbolic.Value, len(args))
	dirties := make([]symbolic.Value, len(args))
	taints := make([]Taint, len(args))
	for i, id := range args {
		d := a.get(id)
		cleans[i], dirties[i], taints[i] = d.clean, d.dirty, d.taint
	}
	clean, err := symbolic.Calculate(op, cleans...)
	var dirty symbolic.Value
	if err == nil {
		dirty, err = symbolic.Calculate(op, dirties...)
	}
	if err != nil {
		var opErr *symbolic.OperationError
		if errors.As(err, &opErr) {
			a.logger.Warnf("%v at %#x, returning a default value", err, insn)
		} else {
			a.logger.Errorf("%v at %#x, returning a default value", err, insn)
		}
		taint.Concrete = false
		n.clean, n.dirty = zero(ty), zero(ty)
		n.taint = taint
		return a.add(n)
	}
	taint.Region = region(op, taints)
	n.clean, n.dirty, n.taint = clean, dirty, taint
	return a.add(n)
}

// truncate returns the low ty-sized part of id.
func (a *arena) truncate(id exprID, ty ir.Type) (exprID, error) {
	n := a.get(id)
	if n.ty == ty {
		return id, nil
	}
	if n.ty.IsFloat() {
		return 0, fmt.Errorf("%w: cannot coerce %s value to %s", ErrUnsupported, n.ty, ty)
	}
	w := ty.Bits()
	if w > n.ty.Bits() {
		a.logger.Errorf("attempting to truncate a %s value to %s", n.ty, ty)
		return id, nil
	}
	clean, err := symbolic.ExtractBits(w-1, 0, n.clean)
	if err != nil {
		a.logger.Errorf("failed to truncate: %v", err)
		return id, nil
	}
	dirty, err := symbolic.ExtractBits(w-1, 0, n.dirty)
	if err != nil {
		a.logger.Errorf("failed to truncate: %v", err)
		return id, nil
	}
	if n.kind == nodeConst {
		return a.add(node{kind: nodeConst, ty: ty, clean: clean, dirty: clean, taint: Taint{Concrete: n.taint.Concrete}}), nil
	}
	return a.add(node{
		kind:  nodeDerived,
		ty:    ty,
		clean: clean,
		dirty: dirty,
		taint: Taint{Concrete: n.taint.Concrete},
		insn:  n.insn,
		path:  n.path,
		deps:  []exprID{id},
	}), nil
}

// overwrite writes the narrower value id over the low bits of old. The
// result keeps the high bits and region of old.
func (a *arena) overwrite(id, old exprID) exprID {
	n, o := a.get(id), a.get(old)
	nw, ow := n.ty.Bits(), o.ty.Bits()
	if nw > ow {
		a.logger.Warnf("overwriting a %s value with a wider %s value", o.ty, n.ty)
		return id
	}
	if nw == ow {
		return id
	}
	hiClean, err := symbolic.ExtractBits(o.clean.Width()-1, nw, o.clean)
	if err != nil {
		a.logger.Errorf("failed to overwrite: %v", err)
		return id
	}
	hiDirty, err := symbolic.ExtractBits(o.dirty.Width()-1, nw, o.dirty)
	if err != nil {
		a.logger.Errorf("failed to overwrite: %v", err)
		return id
	}
	return a.add(node{
		kind:  nodeDerived,
		ty:    o.ty,
		clean: symbolic.ConcatValues(hiClean, n.clean),
		dirty: symbolic.ConcatValues(hiDirty, n.dirty),
		taint: Taint{Region: o.taint.Region, Concrete: o.taint.Concrete && n.taint.Concrete},
		insn:  n.insn,
		path:  n.path,
		deps:  []exprID{id, old},
	})
}

// extend widens id to ty by zero or sign extension.
func (a *arena) extend(id exprID, ty ir.Type, signed bool) exprID {
	n := a.get(id)
	w := n.clean.Width()
	if ty.Bits() <= w {
		return a.retype(id, ty)
	}
	by := ty.Bits() - w
	ext := symbolic.ZeroExtend
	if signed {
		ext = symbolic.SignExtend
	}
	return a.alias(id, ty, ext(by, n.clean), ext(by, n.dirty), n.taint)
}

// locations returns the patch locations of the literals id is built from.
func (a *arena) locations(id exprID) []Location {
	if locs, ok := a.locs[id]; ok {
		return locs
	}
	n := a.get(id)
	var locs []Location
	switch n.kind {
	case nodeAlias:
		locs = a.locations(n.target)
	case nodeLiteral:
		locs = []Location{a.locate(n)}
	case nodeDerived:
		for _, d := range n.deps {
			locs = append(locs, a.locations(d)...)
		}
	}
	a.locs[id] = locs
	return locs
}

func (a *arena) locate(n *node) Location {
	var value uint64
	if c, ok := symbolic.AsConst(n.clean); ok {
		value = c.Uint64()
	}
	loc := Location{Value: value, Origin: n.dirty.String()}
	if a.locator == nil {
		return loc
	}
	field, err := a.locator.Locate(n.insn, value, n.ty.Bits(), n.path)
	if err != nil {
		a.logger.Tracef("literal %#x at %#x stays fixed: %v", value, n.insn, err)
		return loc
	}
	loc.Location = field
	loc.Resolved = true
	loc.Value = 0
	return loc
}

// patchSet returns the patch-location set of id.
func (a *arena) patchSet(id exprID, flags AccessType) *PatchSet {
	n := a.get(id)
	var value int64
	if c, ok := symbolic.AsConst(n.clean); ok {
		value = c.Int64()
	}
	return &PatchSet{
		Insn:      n.insn,
		Value:     value,
		Symbolic:  n.dirty,
		Flags:     flags,
		Locations: a.locations(id),
	}
}
