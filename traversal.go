package fidget

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxgio92/fidget/ir"
	"github.com/maxgio92/fidget/symbolic"
)

// analyze recovers the frame of the function at fn, marking values derived
// from its initial stack pointer with region.
//
// Blocks are visited breadth first from the function head, each at most
// once. A state reaching a block whose instructions were already
// interpreted as part of a longer block is forwarded to that block's
// successors instead.
func (an *Analysis) analyze(ctx context.Context, fn uint64, region RegionID) (*Frame, error) {
	ar := newArena(an.locator, an.logger)
	frame := NewFrame(fn)

	head := newBlockState(fn, region, an.arch, an.image, ar, an.logger)
	word := head.wordType()
	sp := symbolic.NewConst(0, an.arch.Bits)
	head.regs[an.arch.SP()] = ar.add(node{
		kind:  nodeConst,
		ty:    word,
		clean: sp,
		dirty: sp,
		taint: Taint{Region: region, Concrete: true},
		insn:  fn,
	})

	queue := []*blockState{head}
	headcache := make(map[uint64]bool)
	cache := make(map[uint64]bool)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st := queue[0]
		queue = queue[1:]
		if headcache[st.addr] {
			continue
		}
		an.logger.Tracef("analyzing block %#x of %s", st.addr, frame.Name)

		blk, err := an.lifter.Lift(st.addr, an.cfg.MaxBlockSize, 0)
		if errors.Is(err, ir.ErrMemory) {
			an.logger.Debugf("dropping path to unmapped block %#x: %v", st.addr, err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to lift block at %#x: %v", ErrFrameIndeterminate, st.addr, err)
		}
		marks := blk.Marks()
		if blk.Jumpkind == ir.JumpNoDecode && len(marks) > 0 {
			an.logger.Errorf("block at %#x ends in an undecodable instruction", st.addr)
			marks = marks[:len(marks)-1]
		}
		headcache[st.addr] = true

		// stack pointer before the last instruction, restored after a call
		spBefore, hasSP := st.regs[an.arch.SP()], false
		for i, m := range marks {
			addr := m.Boundary()
			if i == len(marks)-1 {
				spBefore, hasSP = st.regs[an.arch.SP()], true
			}
			if err := an.step(st, fn, addr); err != nil {
				return nil, err
			}
			cache[addr] = true
		}

		switch jk := blk.Jumpkind; {
		case jk == ir.JumpCall || jk.Continues():
			if jk == ir.JumpCall && an.arch.CallPushesReturn && hasSP {
				st.regs[an.arch.SP()] = spBefore
				if n := len(st.tags); n >= 2 {
					st.tags = st.tags[:n-2]
				} else {
					st.tags = st.tags[:0]
				}
			}
			queue = append(queue, an.successors(st, headcache, cache)...)
		case jk == ir.JumpRet || jk == ir.JumpNoDecode:
		default:
			return nil, fmt.Errorf("%w: cannot proceed from jump kind %s at %#x", ErrUnsupported, jk, st.addr)
		}

		st.end()
		for _, t := range st.tags {
			frame.add(t)
		}
	}
	frame.Finalize()
	return frame, nil
}

// step interprets the instruction at addr.
func (an *Analysis) step(st *blockState, fn, addr uint64) error {
	if addr != fn {
		if _, ok := an.program.Function(addr); ok {
			return fmt.Errorf("%w: jumps into function %#x", ErrFrameIndeterminate, addr)
		}
	}
	insn, err := an.lifter.Lift(addr, an.cfg.MaxBlockSize, 1)
	if err != nil {
		return fmt.Errorf("%w: failed to lift instruction at %#x: %v", ErrFrameIndeterminate, addr, err)
	}
	st.temps = newTempStore(insn.Types, st.arena)
	st.insn = addr

	started := false
	for idx, stmt := range insn.Statements {
		if !started {
			_, started = stmt.(*ir.IMark)
			continue
		}
		if err := st.exec(stmt, idx); err != nil {
			return err
		}
	}
	return nil
}

// successors returns the states to enqueue after st.
func (an *Analysis) successors(st *blockState, headcache, cache map[uint64]bool) []*blockState {
	var out []*blockState
	for _, e := range an.program.Successors(st.addr) {
		switch {
		case !e.Jumpkind.Continues(), headcache[e.To], an.program.IsSimulated(e.To):
			continue
		case cache[e.To]:
			for _, next := range an.program.Successors(e.To) {
				if next.Jumpkind.Continues() && !cache[next.To] && !an.program.IsSimulated(next.To) {
					out = append(out, st.copy(next.To))
				}
			}
		default:
			out = append(out, st.copy(e.To))
		}
	}
	return out
}
