package prologue

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

const arm64InsnLen = 4

// isFrameRecordPush matches stp x29, x30, [sp, #-N]!
func isFrameRecordPush(inst *arm64asm.Inst) bool {
	if inst.Op != arm64asm.STP {
		return false
	}
	r0, ok0 := inst.Args[0].(arm64asm.Reg)
	r1, ok1 := inst.Args[1].(arm64asm.Reg)
	mem, ok2 := inst.Args[2].(arm64asm.MemImmediate)
	return ok0 && ok1 && ok2 &&
		r0 == arm64asm.X29 && r1 == arm64asm.X30 &&
		mem.Mode == arm64asm.AddrPreIndex
}

// isFrameLink matches mov x29, sp, which decodes with two RegSP arguments.
func isFrameLink(inst *arm64asm.Inst) bool {
	if inst.Op != arm64asm.MOV {
		return false
	}
	r0, ok0 := inst.Args[0].(arm64asm.RegSP)
	r1, ok1 := inst.Args[1].(arm64asm.RegSP)
	return ok0 && ok1 && r0 == arm64asm.RegSP(arm64asm.X29) && r1 == arm64asm.RegSP(arm64asm.SP)
}

// isLinkPush matches str x30, [sp, #-N]! emitted by the Go toolchain.
func isLinkPush(inst *arm64asm.Inst) bool {
	if inst.Op != arm64asm.STR {
		return false
	}
	r0, ok := inst.Args[0].(arm64asm.Reg)
	if !ok || r0 != arm64asm.X30 {
		return false
	}
	mem, ok := inst.Args[1].(arm64asm.MemImmediate)
	return ok && mem.Mode == arm64asm.AddrPreIndex
}

func isStackAlloc(inst *arm64asm.Inst) bool {
	if inst.Op != arm64asm.SUB {
		return false
	}
	dst, ok0 := inst.Args[0].(arm64asm.RegSP)
	src, ok1 := inst.Args[1].(arm64asm.RegSP)
	return ok0 && ok1 && dst == arm64asm.RegSP(arm64asm.SP) && src == arm64asm.RegSP(arm64asm.SP)
}

func detectARM64(code []byte, base uint64) []Prologue {
	var (
		out  []Prologue
		prev *arm64asm.Inst
	)
	boundary := func() bool { return prev == nil || prev.Op == arm64asm.RET }

	for off := 0; off+arm64InsnLen <= len(code); off += arm64InsnLen {
		inst, err := arm64asm.Decode(code[off : off+arm64InsnLen])
		if err != nil {
			prev = nil
			continue
		}
		addr := base + uint64(off)

		if prev != nil && isFrameRecordPush(prev) {
			if isFrameLink(&inst) {
				out = append(out, Prologue{addr - arm64InsnLen, STPFramePair, "stp x29, x30, [sp, #-N]!; mov x29, sp"})
			} else {
				out = append(out, Prologue{addr - arm64InsnLen, STPOnly, "stp x29, x30, [sp, #-N]!"})
			}
		}

		switch {
		case isLinkPush(&inst) && boundary():
			out = append(out, Prologue{addr, STRLRPreIndex, fmt.Sprintf("str x30, %s", inst.Args[1])})
		case isStackAlloc(&inst) && boundary():
			out = append(out, Prologue{addr, SubSP, fmt.Sprintf("sub sp, sp, #%s", inst.Args[2])})
		}

		prev = &inst
	}
	return out
}
