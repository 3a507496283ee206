// Package prologue detects function entry points in raw machine code by
// matching common prologue instruction patterns.
//
// It is used to seed function boundary recovery when a binary carries no
// symbol table. Recognized patterns include classic frame pointer setup
// (push rbp; mov rbp, rsp), frameless stack allocation (sub rsp, imm),
// callee-saved pushes at a function boundary and the ARM64 frame record
// store (stp x29, x30, [sp, #-N]!).
package prologue

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Kind represents the type of function prologue.
type Kind string

// Recognized x86_64 function prologue patterns.
const (
	Classic        Kind = "classic"
	NoFramePointer Kind = "no-frame-pointer"
	PushOnly       Kind = "push-only"
	LEABased       Kind = "lea-based"
)

// Recognized ARM64 function prologue patterns.
const (
	STPFramePair  Kind = "stp-frame-pair"
	STRLRPreIndex Kind = "str-lr-preindex"
	SubSP         Kind = "sub-sp"
	STPOnly       Kind = "stp-only"
)

// Prologue represents a detected function prologue.
type Prologue struct {
	Address      uint64 `json:"address"`
	Kind         Kind   `json:"kind"`
	Instructions string `json:"instructions"`
}

// Detect analyzes raw machine code and returns the detected prologues in
// address order. base is the virtual address of code[0]; arch is an
// architecture name as registered in package arch.
func Detect(code []byte, base uint64, arch string) ([]Prologue, error) {
	switch arch {
	case "amd64":
		return detectAMD64(code, base), nil
	case "arm64":
		return detectARM64(code, base), nil
	default:
		return nil, fmt.Errorf("unsupported architecture: %s", arch)
	}
}

// Starts returns the distinct prologue addresses in ascending order.
func Starts(prologues []Prologue) []uint64 {
	out := make([]uint64, 0, len(prologues))
	for _, p := range prologues {
		out = append(out, p.Address)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
