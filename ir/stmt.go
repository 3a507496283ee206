package ir

// Stmt is an IR statement.
type Stmt interface {
	isStmt()
}

func (*NoOp) isStmt()    {}
func (*IMark) isStmt()   {}
func (*AbiHint) isStmt() {}
func (*MBE) isStmt()     {}
func (*Exit) isStmt()    {}
func (*WrTmp) isStmt()   {}
func (*Put) isStmt()     {}
func (*Store) isStmt()   {}
func (*LoadG) isStmt()   {}
func (*StoreG) isStmt()  {}
func (*PutI) isStmt()    {}
func (*CAS) isStmt()     {}
func (*Dirty) isStmt()   {}
func (*LLSC) isStmt()    {}

// NoOp does nothing.
type NoOp struct{}

// IMark marks the start of a machine instruction of Len bytes at Addr.
// Delta is added to Addr to get the boundary (used by Thumb).
type IMark struct {
	Addr  uint64
	Len   int
	Delta uint8
}

// Boundary returns the instruction boundary address.
func (m *IMark) Boundary() uint64 {
	return m.Addr + uint64(m.Delta)
}

// AbiHint tells that [Base, Base+Len) became undefined.
type AbiHint struct {
	Base Expr
	Len  int
	NIA  Expr
}

// MBE is a memory bus event (fence).
type MBE struct{}

// Exit is a conditional side exit to Dst.
type Exit struct {
	Guard    Expr
	Dst      uint64
	Jumpkind Jumpkind
}

// WrTmp writes Data to a temporary.
type WrTmp struct {
	Tmp  Tmp
	Data Expr
}

// Put writes Data to the guest register at Offset.
type Put struct {
	Offset int
	Data   Expr
}

// Store writes Data to memory at Addr.
type Store struct {
	Addr Expr
	Data Expr
}

// Conversion applied by a guarded load.
type Conversion uint8

// Guarded load conversions.
const (
	CvtIdent Conversion = iota
	CvtZeroExtend
	CvtSignExtend
)

// LoadG loads From-typed data at Addr when Guard holds, otherwise takes Alt,
// and converts the result to To before writing it to Dst.
type LoadG struct {
	Dst   Tmp
	Addr  Expr
	Alt   Expr
	Guard Expr
	Cvt   Conversion
	From  Type
	To    Type
}

// StoreG stores Data at Addr when Guard holds.
type StoreG struct {
	Addr  Expr
	Data  Expr
	Guard Expr
}

// PutI writes Data into a rotating register array.
type PutI struct {
	Ix   Expr
	Bias int
	Data Expr
}

// CAS is an atomic compare-and-swap. OldHi is NoTmp for single CAS.
type CAS struct {
	OldLo  Tmp
	OldHi  Tmp
	Addr   Expr
	ExpdLo Expr
	DataLo Expr
}

// Dirty calls an external helper with side effects. Tmp is NoTmp when the
// result is discarded.
type Dirty struct {
	Tmp    Tmp
	Callee string
	Args   []Expr
	Guard  Expr
}

// LLSC is a load-linked or store-conditional.
type LLSC struct {
	Result    Tmp
	Addr      Expr
	StoreData Expr
}
