package cfg

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxgio92/fidget/config"
	"github.com/maxgio92/fidget/internal/funcutil"
	"github.com/maxgio92/fidget/ir"
)

// Lifter lifts machine code blocks.
type Lifter interface {
	Lift(addr uint64, maxBytes, maxInsns int) (*ir.Block, error)
}

// Start is a known function start, usually from the symbol table.
type Start struct {
	Addr uint64
	Name string
}

// Options configures Recover.
type Options struct {
	// MaxBlockSize caps the bytes lifted per block.
	MaxBlockSize int

	// Hooked maps the addresses of externally modelled functions to their
	// names. They get a simulated node and are not descended into.
	Hooked map[uint64]string

	// Mapped reports whether an address holds code of the image. Call
	// targets failing it get a simulated node. Nil means everything is
	// mapped.
	Mapped func(uint64) bool

	// IsPLT identifies PLT stubs.
	IsPLT func(uint64) bool

	Logger *config.LogGroup
}

type recoverer struct {
	c      *Graph
	l      Lifter
	opts   Options
	logger *config.LogGroup
	starts map[uint64]string
}

// Recover builds the control-flow graph by recursive descent from starts and
// entry. Call targets become functions; a jump whose target is not a
// constant marks its function as having unresolved jumps.
func Recover(ctx context.Context, l Lifter, starts []Start, entry uint64, opts Options) (*Graph, error) {
	if opts.MaxBlockSize <= 0 {
		opts.MaxBlockSize = config.DefaultMaxBlockSize
	}
	r := &recoverer{
		c:      NewGraph(entry),
		l:      l,
		opts:   opts,
		logger: opts.Logger,
		starts: make(map[uint64]string, len(starts)+1),
	}
	if r.logger == nil {
		r.logger = config.NewLogGroup(config.NewDefault())
	}
	r.c.SetPLT(opts.IsPLT)
	for addr, name := range opts.Hooked {
		r.c.Hook(addr, name)
	}

	queue := make([]uint64, 0, len(starts)+1)
	for _, s := range starts {
		r.starts[s.Addr] = s.Name
		queue = append(queue, s.Addr)
	}
	if _, ok := r.starts[entry]; !ok {
		r.starts[entry] = "_start"
		queue = append(queue, entry)
	}

	done := make(map[uint64]bool)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fn := queue[0]
		queue = queue[1:]
		if done[fn] || r.c.IsHooked(fn) {
			continue
		}
		done[fn] = true
		if !r.mapped(fn) {
			r.c.AddSimulated(fn)
			continue
		}
		callees, err := r.function(fn)
		if err != nil {
			return nil, err
		}
		for _, t := range callees {
			if _, ok := r.starts[t]; !ok {
				r.starts[t] = fmt.Sprintf("sub_%x", t)
			}
			queue = append(queue, t)
		}
	}
	r.logger.Debugf("recovered %d functions", len(r.c.functions))
	return r.c, nil
}

func (r *recoverer) mapped(addr uint64) bool {
	return r.opts.Mapped == nil || r.opts.Mapped(addr)
}

// local reports whether a jump target from fn stays inside fn.
func (r *recoverer) local(fn, target uint64) bool {
	if target == fn {
		return true
	}
	if _, ok := r.starts[target]; ok {
		return false
	}
	return r.mapped(target) && !r.c.IsHooked(target)
}

func (r *recoverer) lift(addr uint64, maxBytes int) (*ir.Block, bool, error) {
	b, err := r.l.Lift(addr, maxBytes, 0)
	if errors.Is(err, ir.ErrMemory) {
		r.logger.Debugf("dropping unmapped block %#x: %v", addr, err)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lift block at %#x: %w", addr, err)
	}
	return b, true, nil
}

// targets returns the constant intra-procedural successors of b.
func targets(b *ir.Block) []uint64 {
	var out []uint64
	for _, s := range b.Statements {
		if e, ok := s.(*ir.Exit); ok {
			out = append(out, e.Dst)
		}
	}
	switch b.Jumpkind {
	case ir.JumpCall:
		out = append(out, b.Addr+uint64(b.Size))
	case ir.JumpRet, ir.JumpNoDecode, ir.JumpSigSEGV:
	default:
		if c, ok := b.Next.(*ir.Const); ok {
			out = append(out, c.Value)
		}
	}
	return out
}

// function recovers the blocks of fn and returns its call targets.
func (r *recoverer) function(fn uint64) ([]uint64, error) {
	// Discover block leaders, then lift each block up to the next leader so
	// that blocks do not overlap.
	leaders := map[uint64]bool{fn: true}
	work := []uint64{fn}
	for len(work) > 0 {
		addr := work[0]
		work = work[1:]
		b, ok, err := r.lift(addr, r.opts.MaxBlockSize)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, t := range targets(b) {
			if !leaders[t] && r.local(fn, t) {
				leaders[t] = true
				work = append(work, t)
			}
		}
	}

	heads := funcutil.SortedKeys(leaders)

	f := &Function{Addr: fn, Name: r.starts[fn]}
	var (
		callees []uint64
		end     = fn
	)
	for i, addr := range heads {
		budget := r.opts.MaxBlockSize
		if i+1 < len(heads) && heads[i+1]-addr < uint64(budget) {
			budget = int(heads[i+1] - addr)
		}
		b, ok, err := r.lift(addr, budget)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		r.c.AddBlock(addr, b.Size, fn)
		f.Blocks = append(f.Blocks, addr)
		if e := addr + uint64(b.Size); e > end {
			end = e
		}

		for _, s := range b.Statements {
			if e, ok := s.(*ir.Exit); ok {
				r.c.AddEdge(addr, e.Dst, e.Jumpkind)
			}
		}
		next, resolved := b.Next.(*ir.Const)
		switch b.Jumpkind {
		case ir.JumpCall:
			if resolved {
				t := next.Value
				if !r.mapped(t) {
					r.c.AddSimulated(t)
				} else if !r.c.IsHooked(t) {
					callees = append(callees, t)
				}
				r.c.AddEdge(addr, t, ir.JumpCall)
			}
			r.c.AddEdge(addr, addr+uint64(b.Size), ir.JumpFakeRet)
		case ir.JumpRet, ir.JumpNoDecode, ir.JumpSigSEGV:
		default:
			if !resolved {
				r.logger.Debugf("unresolved jump at %#x in %s", addr, f.Name)
				f.HasUnresolvedJumps = true
				continue
			}
			r.c.AddEdge(addr, next.Value, b.Jumpkind)
		}
	}
	f.Size = end - fn
	r.c.AddFunction(f)
	r.logger.Tracef("function %s at %#x: %d blocks", f.Name, fn, len(f.Blocks))
	return callees, nil
}
