package symbolic

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/maxgio92/fidget/ir"
)

// ErrUnimplemented is returned by Calculate for operators without semantics.
var ErrUnimplemented = errors.New("unimplemented operation")

// OperationError reports operands an operator cannot be applied to.
type OperationError struct {
	Op  string
	Msg string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %s: %s", e.Op, e.Msg)
}

type evalFunc func(args []*Const) (*Const, error)

var semantics = map[string]evalFunc{}

// Calculate applies op to args. When every argument is constant the result is
// folded to a constant, otherwise an Apply node is returned.
func Calculate(op string, args ...Value) (Value, error) {
	sig, ok := ir.Signature(op)
	eval, hasEval := semantics[op]
	if !ok || !hasEval {
		return nil, fmt.Errorf("%w: %s", ErrUnimplemented, op)
	}
	if len(args) != len(sig.Args) {
		return nil, &OperationError{Op: op, Msg: fmt.Sprintf("expected %d operands, got %d", len(sig.Args), len(args))}
	}
	consts := make([]*Const, 0, len(args))
	for i, a := range args {
		if a.Width() != sig.Args[i].Bits() {
			return nil, &OperationError{Op: op, Msg: fmt.Sprintf("operand %d is %d bits, expected %d", i, a.Width(), sig.Args[i].Bits())}
		}
		if c, ok := AsConst(a); ok {
			consts = append(consts, c)
		}
	}
	kind := KindInt
	if sig.Result.IsFloat() {
		kind = KindFloat
	}
	if len(consts) == len(args) {
		return eval(consts)
	}
	return &Apply{Op: op, Args: args, width: sig.Result.Bits(), kind: kind}, nil
}

func intResult(w uint, f func(a, b *Const) *big.Int) evalFunc {
	return func(args []*Const) (*Const, error) {
		return newConst(f(args[0], args[1]), w, KindInt), nil
	}
}

func boolConst(b bool) *Const {
	if b {
		return NewConst(1, 1)
	}
	return NewConst(0, 1)
}

func shiftAmount(c *Const, w uint) (uint, bool) {
	if !c.v.IsUint64() || c.v.Uint64() >= uint64(w) {
		return 0, false
	}
	return uint(c.v.Uint64()), true
}

func registerInt(w uint) {
	name := func(f string) string { return fmt.Sprintf(f, w) }
	semantics[name("Add%d")] = intResult(w, func(a, b *Const) *big.Int { return new(big.Int).Add(a.v, b.v) })
	semantics[name("Sub%d")] = intResult(w, func(a, b *Const) *big.Int { return new(big.Int).Sub(a.v, b.v) })
	semantics[name("Mul%d")] = intResult(w, func(a, b *Const) *big.Int { return new(big.Int).Mul(a.v, b.v) })
	semantics[name("And%d")] = intResult(w, func(a, b *Const) *big.Int { return new(big.Int).And(a.v, b.v) })
	semantics[name("Or%d")] = intResult(w, func(a, b *Const) *big.Int { return new(big.Int).Or(a.v, b.v) })
	semantics[name("Xor%d")] = intResult(w, func(a, b *Const) *big.Int { return new(big.Int).Xor(a.v, b.v) })

	divU, divS := name("DivU%d"), name("DivS%d")
	semantics[divU] = func(args []*Const) (*Const, error) {
		if args[1].v.Sign() == 0 {
			return nil, &OperationError{Op: divU, Msg: "division by zero"}
		}
		return newConst(new(big.Int).Quo(args[0].v, args[1].v), w, KindInt), nil
	}
	semantics[divS] = func(args []*Const) (*Const, error) {
		if args[1].v.Sign() == 0 {
			return nil, &OperationError{Op: divS, Msg: "division by zero"}
		}
		return newConst(new(big.Int).Quo(args[0].Signed(), args[1].Signed()), w, KindInt), nil
	}

	semantics[name("Shl%d")] = func(args []*Const) (*Const, error) {
		s, ok := shiftAmount(args[1], w)
		if !ok {
			return Zero(w, false), nil
		}
		return newConst(new(big.Int).Lsh(args[0].v, s), w, KindInt), nil
	}
	semantics[name("Shr%d")] = func(args []*Const) (*Const, error) {
		s, ok := shiftAmount(args[1], w)
		if !ok {
			return Zero(w, false), nil
		}
		return newConst(new(big.Int).Rsh(args[0].v, s), w, KindInt), nil
	}
	semantics[name("Sar%d")] = func(args []*Const) (*Const, error) {
		s, ok := shiftAmount(args[1], w)
		if !ok {
			s = w - 1
		}
		return newConst(new(big.Int).Rsh(args[0].Signed(), s), w, KindInt), nil
	}
	semantics[name("Not%d")] = func(args []*Const) (*Const, error) {
		return newConst(new(big.Int).Xor(args[0].v, mask(w)), w, KindInt), nil
	}

	semantics[name("CmpEQ%d")] = func(args []*Const) (*Const, error) {
		return boolConst(args[0].v.Cmp(args[1].v) == 0), nil
	}
	semantics[name("CmpNE%d")] = func(args []*Const) (*Const, error) {
		return boolConst(args[0].v.Cmp(args[1].v) != 0), nil
	}
	semantics[name("CmpLT%dU")] = func(args []*Const) (*Const, error) {
		return boolConst(args[0].v.Cmp(args[1].v) < 0), nil
	}
	semantics[name("CmpLE%dU")] = func(args []*Const) (*Const, error) {
		return boolConst(args[0].v.Cmp(args[1].v) <= 0), nil
	}
	semantics[name("CmpLT%dS")] = func(args []*Const) (*Const, error) {
		return boolConst(args[0].Signed().Cmp(args[1].Signed()) < 0), nil
	}
	semantics[name("CmpLE%dS")] = func(args []*Const) (*Const, error) {
		return boolConst(args[0].Signed().Cmp(args[1].Signed()) <= 0), nil
	}

	semantics[name("1Uto%d")] = func(args []*Const) (*Const, error) {
		return newConst(args[0].v, w, KindInt), nil
	}
	semantics[name("%dto1")] = func(args []*Const) (*Const, error) {
		return newConst(args[0].v, 1, KindInt), nil
	}
	for _, to := range ir.IntWidths() {
		to := to
		switch {
		case to > w:
			semantics[fmt.Sprintf("%dUto%d", w, to)] = func(args []*Const) (*Const, error) {
				return newConst(args[0].v, to, KindInt), nil
			}
			semantics[fmt.Sprintf("%dSto%d", w, to)] = func(args []*Const) (*Const, error) {
				return newConst(args[0].Signed(), to, KindInt), nil
			}
		case to < w:
			semantics[fmt.Sprintf("%dto%d", w, to)] = func(args []*Const) (*Const, error) {
				return newConst(args[0].v, to, KindInt), nil
			}
		}
	}
}

// roundFloat rounds f according to an IR rounding mode: 0 nearest even,
// 1 toward -inf, 2 toward +inf, 3 toward zero.
func roundFloat(mode *Const, f float64) float64 {
	switch mode.Uint64() {
	case 1:
		return math.Floor(f)
	case 2:
		return math.Ceil(f)
	case 3:
		return math.Trunc(f)
	}
	return math.RoundToEven(f)
}

func floatConst(f float64, w uint) *Const {
	if w == 32 {
		return NewFloat32(float32(f))
	}
	return NewFloat64(f)
}

func registerFloat(w uint) {
	arith := map[string]func(a, b float64) float64{
		"Add": func(a, b float64) float64 { return a + b },
		"Sub": func(a, b float64) float64 { return a - b },
		"Mul": func(a, b float64) float64 { return a * b },
		"Div": func(a, b float64) float64 { return a / b },
	}
	for name, f := range arith {
		f := f
		semantics[fmt.Sprintf("%sF%d", name, w)] = func(args []*Const) (*Const, error) {
			r := f(args[1].Float64(), args[2].Float64())
			if w == 32 {
				r = float64(float32(r))
			}
			return floatConst(r, w), nil
		}
	}
	semantics[fmt.Sprintf("SqrtF%d", w)] = func(args []*Const) (*Const, error) {
		return floatConst(math.Sqrt(args[1].Float64()), w), nil
	}
	semantics[fmt.Sprintf("CmpF%d", w)] = func(args []*Const) (*Const, error) {
		a, b := args[0].Float64(), args[1].Float64()
		switch {
		case math.IsNaN(a) || math.IsNaN(b):
			return NewConst(0x45, 32), nil
		case a < b:
			return NewConst(0x01, 32), nil
		case a > b:
			return NewConst(0x00, 32), nil
		}
		return NewConst(0x40, 32), nil
	}
	semantics[fmt.Sprintf("ReinterpF%dasI%d", w, w)] = func(args []*Const) (*Const, error) {
		return newConst(args[0].v, w, KindInt), nil
	}
	semantics[fmt.Sprintf("ReinterpI%dasF%d", w, w)] = func(args []*Const) (*Const, error) {
		return newConst(args[0].v, w, KindFloat), nil
	}
}

func toInt(op string, w uint) evalFunc {
	return func(args []*Const) (*Const, error) {
		f := roundFloat(args[0], args[1].Float64())
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &OperationError{Op: op, Msg: "value not representable"}
		}
		bf := new(big.Float).SetFloat64(f)
		bi, _ := bf.Int(nil)
		return newConst(bi, w, KindInt), nil
	}
}

func init() {
	for _, w := range ir.IntWidths() {
		registerInt(w)
	}
	registerFloat(32)
	registerFloat(64)

	semantics["64HLto128"] = func(args []*Const) (*Const, error) {
		v := new(big.Int).Lsh(args[0].v, 64)
		return newConst(v.Or(v, args[1].v), 128, KindInt), nil
	}
	semantics["128to64"] = func(args []*Const) (*Const, error) {
		return newConst(args[0].v, 64, KindInt), nil
	}
	semantics["128HIto64"] = func(args []*Const) (*Const, error) {
		return newConst(new(big.Int).Rsh(args[0].v, 64), 64, KindInt), nil
	}
	semantics["F64toI64S"] = toInt("F64toI64S", 64)
	semantics["F64toI32S"] = toInt("F64toI32S", 32)
	semantics["I64StoF64"] = func(args []*Const) (*Const, error) {
		return NewFloat64(roundFloat(args[0], float64(args[1].Int64()))), nil
	}
	semantics["I32StoF64"] = func(args []*Const) (*Const, error) {
		return NewFloat64(float64(args[0].Int64())), nil
	}
	semantics["F32toF64"] = func(args []*Const) (*Const, error) {
		return NewFloat64(args[0].Float64()), nil
	}
	semantics["F64toF32"] = func(args []*Const) (*Const, error) {
		return NewFloat32(float32(args[1].Float64())), nil
	}
}
