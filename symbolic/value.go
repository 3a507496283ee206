// Package symbolic implements the bit-vector values the frame analysis carries
// through lifted code.
//
// A value is either a constant, a named placeholder, or an application of an
// operator to other values. Applications whose operands are all constants are
// folded on construction, so a value built only from constants is itself a
// [Const].
package symbolic

import (
	"fmt"
	"math"
	"math/big"
	"strings"
)

// Kind distinguishes integer from floating point values.
type Kind uint8

// Value kinds.
const (
	KindInt Kind = iota
	KindFloat
)

// Value is a symbolic bit-vector value.
type Value interface {
	Width() uint
	Kind() Kind
	String() string
	value()
}

func (*Const) value()   {}
func (*Symbol) value()  {}
func (*Apply) value()   {}
func (*Concat) value()  {}
func (*Extract) value() {}
func (*Extend) value()  {}

// Const is a constant of a fixed width. The stored integer is always in
// [0, 2^width).
type Const struct {
	width uint
	kind  Kind
	v     *big.Int
}

func mask(width uint) *big.Int {
	m := new(big.Int).Lsh(big.NewInt(1), width)
	return m.Sub(m, big.NewInt(1))
}

func newConst(v *big.Int, width uint, kind Kind) *Const {
	return &Const{width: width, kind: kind, v: new(big.Int).And(v, mask(width))}
}

// NewConst returns an integer constant of the given width.
func NewConst(v uint64, width uint) *Const {
	return newConst(new(big.Int).SetUint64(v), width, KindInt)
}

// NewConstBig returns an integer constant of the given width. Negative values
// are taken in two's complement.
func NewConstBig(v *big.Int, width uint) *Const {
	return newConst(v, width, KindInt)
}

// NewFloat64 returns a 64-bit IEEE constant.
func NewFloat64(f float64) *Const {
	return newConst(new(big.Int).SetUint64(math.Float64bits(f)), 64, KindFloat)
}

// NewFloat32 returns a 32-bit IEEE constant.
func NewFloat32(f float32) *Const {
	return newConst(new(big.Int).SetUint64(uint64(math.Float32bits(f))), 32, KindFloat)
}

// NewFloatBits returns a float constant from its IEEE bits.
func NewFloatBits(bits uint64, width uint) *Const {
	return newConst(new(big.Int).SetUint64(bits), width, KindFloat)
}

// Zero returns the zero value of the given width and kind.
func Zero(width uint, float bool) *Const {
	if float {
		return newConst(new(big.Int), width, KindFloat)
	}
	return newConst(new(big.Int), width, KindInt)
}

func (c *Const) Width() uint { return c.width }
func (c *Const) Kind() Kind  { return c.kind }

// Big returns a copy of the unsigned value.
func (c *Const) Big() *big.Int { return new(big.Int).Set(c.v) }

// Uint64 returns the low 64 bits of the value.
func (c *Const) Uint64() uint64 {
	return new(big.Int).And(c.v, mask(64)).Uint64()
}

// Signed returns the value interpreted as a two's complement number.
func (c *Const) Signed() *big.Int {
	s := new(big.Int).Set(c.v)
	if c.width > 0 && c.v.Bit(int(c.width-1)) == 1 {
		s.Sub(s, new(big.Int).Lsh(big.NewInt(1), c.width))
	}
	return s
}

// Int64 returns the signed value. Values wider than 64 bits are truncated.
func (c *Const) Int64() int64 {
	if c.width > 64 {
		return int64(c.Uint64())
	}
	return c.Signed().Int64()
}

// Float64 returns the value of a float constant.
func (c *Const) Float64() float64 {
	if c.width == 32 {
		return float64(math.Float32frombits(uint32(c.Uint64())))
	}
	return math.Float64frombits(c.Uint64())
}

func (c *Const) String() string {
	if c.kind == KindFloat {
		return fmt.Sprintf("%g:f%d", c.Float64(), c.width)
	}
	return fmt.Sprintf("%#x:%d", c.v, c.width)
}

// Symbol is a named placeholder.
type Symbol struct {
	Name  string
	width uint
	kind  Kind
}

// NewSymbol returns a named integer placeholder.
func NewSymbol(name string, width uint) *Symbol {
	return &Symbol{Name: name, width: width, kind: KindInt}
}

// NewFloatSymbol returns a named float placeholder.
func NewFloatSymbol(name string, width uint) *Symbol {
	return &Symbol{Name: name, width: width, kind: KindFloat}
}

func (s *Symbol) Width() uint    { return s.width }
func (s *Symbol) Kind() Kind     { return s.kind }
func (s *Symbol) String() string { return s.Name }

// Apply is an operator applied to at least one non-constant operand.
type Apply struct {
	Op    string
	Args  []Value
	width uint
	kind  Kind
}

func (a *Apply) Width() uint { return a.width }
func (a *Apply) Kind() Kind  { return a.kind }

func (a *Apply) String() string {
	var sb strings.Builder
	sb.WriteString("(")
	sb.WriteString(a.Op)
	for _, arg := range a.Args {
		sb.WriteString(" ")
		sb.WriteString(arg.String())
	}
	sb.WriteString(")")
	return sb.String()
}

// Concat joins Hi above Lo.
type Concat struct {
	Hi Value
	Lo Value
}

func (c *Concat) Width() uint    { return c.Hi.Width() + c.Lo.Width() }
func (c *Concat) Kind() Kind     { return KindInt }
func (c *Concat) String() string { return fmt.Sprintf("concat(%s, %s)", c.Hi, c.Lo) }

// Extract selects bits [Lo, Hi] of X.
type Extract struct {
	Hi uint
	Lo uint
	X  Value
}

func (e *Extract) Width() uint    { return e.Hi - e.Lo + 1 }
func (e *Extract) Kind() Kind     { return KindInt }
func (e *Extract) String() string { return fmt.Sprintf("%s[%d:%d]", e.X, e.Hi, e.Lo) }

// Extend widens X by By bits.
type Extend struct {
	Signed bool
	By     uint
	X      Value
}

func (e *Extend) Width() uint { return e.X.Width() + e.By }
func (e *Extend) Kind() Kind  { return KindInt }

func (e *Extend) String() string {
	if e.Signed {
		return fmt.Sprintf("sext(%d, %s)", e.By, e.X)
	}
	return fmt.Sprintf("zext(%d, %s)", e.By, e.X)
}

// AsConst returns v as a constant when it is one.
func AsConst(v Value) (*Const, bool) {
	c, ok := v.(*Const)
	return c, ok
}

// ConcatValues returns hi concatenated above lo.
func ConcatValues(hi, lo Value) Value {
	ch, okh := AsConst(hi)
	cl, okl := AsConst(lo)
	if okh && okl {
		v := new(big.Int).Lsh(ch.v, cl.width)
		v.Or(v, cl.v)
		return newConst(v, ch.width+cl.width, KindInt)
	}
	return &Concat{Hi: hi, Lo: lo}
}

// ExtractBits returns bits [lo, hi] of x.
func ExtractBits(hi, lo uint, x Value) (Value, error) {
	if hi < lo || hi >= x.Width() {
		return nil, &OperationError{Op: "Extract", Msg: fmt.Sprintf("bits [%d:%d] out of a %d-bit value", hi, lo, x.Width())}
	}
	if lo == 0 && hi == x.Width()-1 {
		return x, nil
	}
	if c, ok := AsConst(x); ok {
		return newConst(new(big.Int).Rsh(c.v, lo), hi-lo+1, KindInt), nil
	}
	return &Extract{Hi: hi, Lo: lo, X: x}, nil
}

// ZeroExtend widens x by `by` zero bits.
func ZeroExtend(by uint, x Value) Value {
	if by == 0 {
		return x
	}
	if c, ok := AsConst(x); ok {
		return newConst(c.v, c.width+by, KindInt)
	}
	return &Extend{By: by, X: x}
}

// SignExtend widens x by `by` copies of its sign bit.
func SignExtend(by uint, x Value) Value {
	if by == 0 {
		return x
	}
	if c, ok := AsConst(x); ok {
		return newConst(c.Signed(), c.width+by, KindInt)
	}
	return &Extend{Signed: true, By: by, X: x}
}
