package fidget

import (
	"github.com/maxgio92/fidget/cfg"
	"github.com/maxgio92/fidget/ir"
)

// Lifter lifts machine code into IR. maxBytes caps the block size and
// maxInsns, when positive, the number of instructions. A failure to read
// the code wraps ir.ErrMemory.
type Lifter interface {
	Lift(addr uint64, maxBytes, maxInsns int) (*ir.Block, error)
}

// Program is the function registry and control-flow graph of the binary.
// *cfg.Graph implements it.
type Program interface {
	Functions() []*cfg.Function
	Function(addr uint64) (*cfg.Function, bool)
	Entry() uint64
	Successors(addr uint64) []cfg.Edge
	IsHooked(addr uint64) bool
	IsSimulated(addr uint64) bool
	IsPLT(addr uint64) bool
}

// Image is the loaded address space. *loader.Binary implements it.
type Image interface {
	InSegment(addr uint64) bool
	InCode(addr uint64) (inCode bool, known bool)
	ReadInitialized(addr uint64, n int) ([]byte, bool)
}

// Locator finds the field of the instruction at insn that encodes a
// width-bit literal found at path in the lifted instruction. Any error
// leaves the literal as an immovable constant. *lift.Locator implements it.
type Locator interface {
	Locate(insn, value uint64, width uint, path ir.OperandPath) (ir.Location, error)
}
