package ir

import (
	"errors"
	"strconv"
	"strings"
)

// ErrMemory is returned (wrapped) by lifters when the bytes to lift are not
// mapped.
var ErrMemory = errors.New("memory access error")

// Block is a lifted basic block.
type Block struct {
	Addr       uint64
	Size       int
	Statements []Stmt
	Types      TypeEnv
	Next       Expr
	Jumpkind   Jumpkind
}

// Marks returns the instruction marks of the block in program order.
func (b *Block) Marks() []*IMark {
	var marks []*IMark
	for _, s := range b.Statements {
		if m, ok := s.(*IMark); ok {
			marks = append(marks, m)
		}
	}
	return marks
}

// OperandPath locates an expression inside a lifted instruction, e.g.
// statements/3/data/args/1.
type OperandPath []string

// Append returns a new path extended by elems. Integers are formatted in base 10.
func (p OperandPath) Append(elems ...any) OperandPath {
	out := make(OperandPath, len(p), len(p)+len(elems))
	copy(out, p)
	for _, e := range elems {
		switch e := e.(type) {
		case string:
			out = append(out, e)
		case int:
			out = append(out, strconv.Itoa(e))
		}
	}
	return out
}

func (p OperandPath) String() string {
	return strings.Join(p, "/")
}

// StatementPath returns the root path of the statement at index idx.
func StatementPath(idx int) OperandPath {
	return OperandPath{"statements", strconv.Itoa(idx)}
}

// Lookup returns the expression found at path, as built by StatementPath and
// Append: statements/<idx>, then the operand names of the statement and
// expression kinds ("data", "addr", "guard", "alt", "cond", "iftrue",
// "iffalse", "args/<i>").
func (b *Block) Lookup(path OperandPath) (Expr, bool) {
	if len(path) < 3 || path[0] != "statements" {
		return nil, false
	}
	idx, err := strconv.Atoi(path[1])
	if err != nil || idx < 0 || idx >= len(b.Statements) {
		return nil, false
	}
	var e Expr
	switch s := b.Statements[idx].(type) {
	case *Exit:
		e = pick(path[2], "guard", s.Guard)
	case *WrTmp:
		e = pick(path[2], "data", s.Data)
	case *Put:
		e = pick(path[2], "data", s.Data)
	case *PutI:
		e = pick(path[2], "data", s.Data)
	case *Store:
		e = pick(path[2], "addr", s.Addr, "data", s.Data)
	case *LoadG:
		e = pick(path[2], "addr", s.Addr, "alt", s.Alt, "guard", s.Guard)
	case *StoreG:
		e = pick(path[2], "addr", s.Addr, "data", s.Data, "guard", s.Guard)
	}
	for rest := path[3:]; e != nil && len(rest) > 0; {
		switch x := e.(type) {
		case *Load:
			e, rest = pick(rest[0], "addr", x.Addr), rest[1:]
		case *ITE:
			e, rest = pick(rest[0], "cond", x.Cond, "iftrue", x.IfTrue, "iffalse", x.IfFalse), rest[1:]
		case *Op:
			e, rest = arg(rest, x.Args)
		case *CCall:
			e, rest = arg(rest, x.Args)
		default:
			e = nil
		}
	}
	return e, e != nil
}

// pick returns the expression paired with name in pairs.
func pick(name string, pairs ...any) Expr {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i] == name {
			e, _ := pairs[i+1].(Expr)
			return e
		}
	}
	return nil
}

func arg(rest OperandPath, args []Expr) (Expr, OperandPath) {
	if len(rest) < 2 || rest[0] != "args" {
		return nil, nil
	}
	i, err := strconv.Atoi(rest[1])
	if err != nil || i < 0 || i >= len(args) {
		return nil, nil
	}
	return args[i], rest[2:]
}

// Location is the position of a literal field inside an encoded instruction.
// The field holds the literal shifted right by Shift.
type Location struct {
	Insn      uint64      `json:"insn"`
	Path      OperandPath `json:"path"`
	BitOffset uint        `json:"bit_offset"`
	BitWidth  uint        `json:"bit_width"`
	Shift     uint        `json:"shift,omitempty"`
}
