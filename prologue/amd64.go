package prologue

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// amd64Scanner walks x86_64 code one instruction at a time, remembering the
// previously decoded instruction.
type amd64Scanner struct {
	out  []Prologue
	prev *x86asm.Inst
}

// atBoundary reports whether the current instruction plausibly begins a
// function: first decoded instruction, or right after a return.
func (s *amd64Scanner) atBoundary() bool {
	return s.prev == nil || s.prev.Op == x86asm.RET
}

func (s *amd64Scanner) add(addr uint64, kind Kind, insns string) {
	s.out = append(s.out, Prologue{Address: addr, Kind: kind, Instructions: insns})
}

func (s *amd64Scanner) visit(inst *x86asm.Inst, addr uint64) {
	switch {
	case s.prev != nil && s.prev.Op == x86asm.PUSH && s.prev.Args[0] == x86asm.RBP &&
		inst.Op == x86asm.MOV && inst.Args[0] == x86asm.RBP && inst.Args[1] == x86asm.RSP:
		s.add(addr-uint64(s.prev.Len), Classic, "push rbp; mov rbp, rsp")

	case inst.Op == x86asm.SUB && inst.Args[0] == x86asm.RSP:
		imm, ok := inst.Args[1].(x86asm.Imm)
		if ok && imm > 0 && (s.atBoundary() || s.prev.Op == x86asm.PUSH) {
			s.add(addr, NoFramePointer, fmt.Sprintf("sub rsp, %#x", int64(imm)))
		}

	case inst.Op == x86asm.PUSH:
		if reg, ok := inst.Args[0].(x86asm.Reg); ok && calleeSaved(reg) && s.atBoundary() {
			s.add(addr, PushOnly, fmt.Sprintf("push %s", reg))
		}

	case inst.Op == x86asm.LEA && inst.Args[0] == x86asm.RSP:
		if s.atBoundary() {
			s.add(addr, LEABased, "lea rsp, [rsp-offset]")
		}
	}
}

func detectAMD64(code []byte, base uint64) []Prologue {
	var s amd64Scanner
	for off := 0; off < len(code); {
		// ENDBR64/ENDBR32 are unknown to x86asm and transparent here.
		if isEndbr(code[off:]) {
			off += 4
			continue
		}
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			off++
			s.prev = nil
			continue
		}
		s.visit(&inst, base+uint64(off))
		s.prev = &inst
		off += inst.Len
	}
	return s.out
}

func isEndbr(code []byte) bool {
	return len(code) >= 4 && code[0] == 0xf3 && code[1] == 0x0f && code[2] == 0x1e &&
		(code[3] == 0xfa || code[3] == 0xfb)
}

func calleeSaved(reg x86asm.Reg) bool {
	switch reg {
	case x86asm.RBX, x86asm.RBP, x86asm.R12, x86asm.R13, x86asm.R14, x86asm.R15:
		return true
	}
	return false
}
