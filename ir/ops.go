package ir

import "fmt"

// OpSignature is the type signature of an operator.
type OpSignature struct {
	Result Type
	Args   []Type
}

var (
	signatures = map[string]OpSignature{}
	rounding   = map[string]bool{}
)

// intWidths are the operand widths of the integer operator families.
var intWidths = []uint{8, 16, 32, 64}

func sig(name string, result Type, args ...Type) {
	signatures[name] = OpSignature{Result: result, Args: args}
}

func init() {
	for _, w := range intWidths {
		t := IntType(w)
		for _, name := range []string{"Add", "Sub", "Mul", "And", "Or", "Xor", "DivU", "DivS"} {
			sig(fmt.Sprintf("%s%d", name, w), t, t, t)
		}
		for _, name := range []string{"Shl", "Shr", "Sar"} {
			sig(fmt.Sprintf("%s%d", name, w), t, t, I8)
		}
		sig(fmt.Sprintf("Not%d", w), t, t)
		sig(fmt.Sprintf("CmpEQ%d", w), I1, t, t)
		sig(fmt.Sprintf("CmpNE%d", w), I1, t, t)
		for _, cmp := range []string{"LT", "LE"} {
			sig(fmt.Sprintf("Cmp%s%dS", cmp, w), I1, t, t)
			sig(fmt.Sprintf("Cmp%s%dU", cmp, w), I1, t, t)
		}
		sig(fmt.Sprintf("1Uto%d", w), t, I1)
		sig(fmt.Sprintf("%dto1", w), I1, t)
		for _, to := range intWidths {
			switch {
			case to > w:
				sig(fmt.Sprintf("%dUto%d", w, to), IntType(to), t)
				sig(fmt.Sprintf("%dSto%d", w, to), IntType(to), t)
			case to < w:
				sig(fmt.Sprintf("%dto%d", w, to), IntType(to), t)
			}
		}
	}
	sig("64HLto128", I128, I64, I64)
	sig("128to64", I64, I128)
	sig("128HIto64", I64, I128)

	for _, ft := range []Type{F32, F64} {
		w := ft.Bits()
		for _, name := range []string{"Add", "Sub", "Mul", "Div"} {
			op := fmt.Sprintf("%sF%d", name, w)
			sig(op, ft, I32, ft, ft)
			rounding[op] = true
		}
		op := fmt.Sprintf("SqrtF%d", w)
		sig(op, ft, I32, ft)
		rounding[op] = true
		sig(fmt.Sprintf("CmpF%d", w), I32, ft, ft)
		sig(fmt.Sprintf("ReinterpF%dasI%d", w, w), IntType(w), ft)
		sig(fmt.Sprintf("ReinterpI%dasF%d", w, w), ft, IntType(w))
	}
	for _, op := range []string{"F64toI64S", "F64toI32S", "I64StoF64", "F64toF32"} {
		rounding[op] = true
	}
	sig("F64toI64S", I64, I32, F64)
	sig("F64toI32S", I32, I32, F64)
	sig("I64StoF64", F64, I32, I64)
	sig("F64toF32", F32, I32, F64)
	sig("I32StoF64", F64, I32)
	sig("F32toF64", F64, F32)
	rounding["I32StoF64"] = true
	rounding["F32toF64"] = true
}

// Signature returns the signature of op.
func Signature(op string) (OpSignature, bool) {
	s, ok := signatures[op]
	return s, ok
}

// IsRounding reports whether op is a floating point rounding or conversion
// operator. Its first operand is a rounding mode or the converted value.
func IsRounding(op string) bool {
	return rounding[op]
}

// IntWidths returns the operand widths of the integer operator families.
func IntWidths() []uint {
	return append([]uint(nil), intWidths...)
}
