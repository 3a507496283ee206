package ir

// Expr is an IR expression.
type Expr interface {
	isExpr()
}

func (*Get) isExpr()   {}
func (*RdTmp) isExpr() {}
func (*Load) isExpr()  {}
func (*Const) isExpr() {}
func (*ITE) isExpr()   {}
func (*Op) isExpr()    {}
func (*CCall) isExpr() {}
func (*GetI) isExpr()  {}

// Get reads the guest register at Offset as Ty.
type Get struct {
	Offset int
	Ty     Type
}

// RdTmp reads a temporary.
type RdTmp struct {
	Tmp Tmp
}

// Load reads a Ty value from memory at Addr.
type Load struct {
	Ty   Type
	Addr Expr
}

// Field is the instruction field a literal was decoded from, when the lifter
// knows it.
type Field uint8

// Literal fields.
const (
	FieldUnknown Field = iota
	FieldDisp
	FieldImm
)

// Const is a literal embedded in the instruction. Floats hold their IEEE bits.
type Const struct {
	Ty    Type
	Value uint64
	Field Field
}

// ITE selects IfTrue when Cond holds, IfFalse otherwise.
type ITE struct {
	Cond    Expr
	IfTrue  Expr
	IfFalse Expr
}

// Op applies an operator (unary through quaternary) to Args.
type Op struct {
	Op   string
	Args []Expr
}

// CCall calls a pure helper function.
type CCall struct {
	Callee string
	RetTy  Type
	Args   []Expr
}

// GetI reads from a rotating register array.
type GetI struct {
	Ty   Type
	Ix   Expr
	Bias int
}

// U64 returns an I64 literal.
func U64(v uint64) *Const { return &Const{Ty: I64, Value: v} }

// U32 returns an I32 literal.
func U32(v uint32) *Const { return &Const{Ty: I32, Value: uint64(v)} }

// U8 returns an I8 literal.
func U8(v uint8) *Const { return &Const{Ty: I8, Value: uint64(v)} }

// Binop is shorthand for a two-argument Op.
func Binop(op string, a, b Expr) *Op { return &Op{Op: op, Args: []Expr{a, b}} }

// Unop is shorthand for a one-argument Op.
func Unop(op string, a Expr) *Op { return &Op{Op: op, Args: []Expr{a}} }

// TypeOf returns the result type of e in the type environment env.
func TypeOf(e Expr, env TypeEnv) Type {
	switch e := e.(type) {
	case *Get:
		return e.Ty
	case *RdTmp:
		t, _ := env.Lookup(e.Tmp)
		return t
	case *Load:
		return e.Ty
	case *Const:
		return e.Ty
	case *ITE:
		return TypeOf(e.IfTrue, env)
	case *Op:
		sig, ok := Signature(e.Op)
		if !ok {
			return TypeInvalid
		}
		return sig.Result
	case *CCall:
		return e.RetTy
	case *GetI:
		return e.Ty
	}
	return TypeInvalid
}
