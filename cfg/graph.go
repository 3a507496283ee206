// Package cfg holds the function registry and block-level control-flow graph
// of a binary.
//
// Blocks are nodes of a gonum multigraph keyed by address; every edge carries
// the jump kind that produced it, so a call block has both a call edge to its
// target and a fake-return edge to its fallthrough.
package cfg

import (
	"cmp"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/multi"

	"github.com/maxgio92/fidget/ir"
)

// Function is a recovered function.
type Function struct {
	Addr               uint64   `json:"addr"`
	Name               string   `json:"name"`
	Size               uint64   `json:"size"`
	HasUnresolvedJumps bool     `json:"has_unresolved_jumps"`
	Blocks             []uint64 `json:"blocks"`
}

// Block is a node of the graph.
type Block struct {
	Addr      uint64
	Size      int
	Function  uint64
	Simulated bool
}

// ID implements graph.Node.
func (b *Block) ID() int64 { return int64(b.Addr) }

// Edge is an outgoing edge of a block.
type Edge struct {
	To       uint64
	Jumpkind ir.Jumpkind
}

// jump is a graph line tagged with its jump kind.
type jump struct {
	from, to *Block
	kind     ir.Jumpkind
	id       int64
}

func (j jump) From() graph.Node         { return j.from }
func (j jump) To() graph.Node           { return j.to }
func (j jump) ReversedLine() graph.Line { return jump{from: j.to, to: j.from, kind: j.kind, id: j.id} }
func (j jump) ID() int64                { return j.id }

// Graph is the control-flow graph of a program.
type Graph struct {
	g         *multi.DirectedGraph
	functions map[uint64]*Function
	entry     uint64
	hooked    map[uint64]string
	plt       func(uint64) bool
}

// NewGraph returns an empty graph for a program entering at entry.
func NewGraph(entry uint64) *Graph {
	return &Graph{
		g:         multi.NewDirectedGraph(),
		functions: make(map[uint64]*Function),
		entry:     entry,
		hooked:    make(map[uint64]string),
	}
}

// AddFunction registers f, replacing any function at the same address.
func (c *Graph) AddFunction(f *Function) {
	c.functions[f.Addr] = f
}

// AddBlock adds a block of fn, or updates the block already at addr.
func (c *Graph) AddBlock(addr uint64, size int, fn uint64) *Block {
	if b := c.block(addr); b != nil {
		b.Size = size
		b.Function = fn
		return b
	}
	b := &Block{Addr: addr, Size: size, Function: fn}
	c.g.AddNode(b)
	return b
}

// AddSimulated adds a node standing for code that is modelled externally:
// a hooked function or a target outside the image.
func (c *Graph) AddSimulated(addr uint64) *Block {
	if b := c.block(addr); b != nil {
		return b
	}
	b := &Block{Addr: addr, Simulated: true}
	c.g.AddNode(b)
	return b
}

// AddEdge adds an edge of kind jk between the blocks at from and to. Missing
// endpoints are added as empty blocks.
func (c *Graph) AddEdge(from, to uint64, jk ir.Jumpkind) {
	src := c.block(from)
	if src == nil {
		src = c.AddBlock(from, 0, 0)
	}
	dst := c.block(to)
	if dst == nil {
		dst = c.AddBlock(to, 0, 0)
	}
	for _, e := range c.Successors(from) {
		if e.To == to && e.Jumpkind == jk {
			return
		}
	}
	id := c.g.NewLine(src, dst).ID()
	c.g.SetLine(jump{from: src, to: dst, kind: jk, id: id})
}

// Hook marks addr as the start of a function modelled externally.
func (c *Graph) Hook(addr uint64, name string) {
	c.hooked[addr] = name
	c.AddSimulated(addr).Simulated = true
}

// SetPLT sets the predicate identifying PLT stub addresses.
func (c *Graph) SetPLT(isPLT func(uint64) bool) {
	c.plt = isPLT
}

func (c *Graph) block(addr uint64) *Block {
	n := c.g.Node(int64(addr))
	if n == nil {
		return nil
	}
	return n.(*Block)
}

// Block returns the block at addr.
func (c *Graph) Block(addr uint64) (*Block, bool) {
	b := c.block(addr)
	return b, b != nil
}

// Functions returns the functions in address order.
func (c *Graph) Functions() []*Function {
	out := make([]*Function, 0, len(c.functions))
	for _, f := range c.functions {
		out = append(out, f)
	}
	slices.SortFunc(out, func(x, y *Function) int { return cmp.Compare(x.Addr, y.Addr) })
	return out
}

// Function returns the function starting at addr.
func (c *Graph) Function(addr uint64) (*Function, bool) {
	f, ok := c.functions[addr]
	return f, ok
}

// Entry returns the program entry point.
func (c *Graph) Entry() uint64 { return c.entry }

// Successors returns the outgoing edges of the block at addr, ordered by
// target address then jump kind.
func (c *Graph) Successors(addr uint64) []Edge {
	var out []Edge
	to := c.g.From(int64(addr))
	for to.Next() {
		lines := c.g.Lines(int64(addr), to.Node().ID())
		for lines.Next() {
			j := lines.Line().(jump)
			out = append(out, Edge{To: j.to.Addr, Jumpkind: j.kind})
		}
	}
	slices.SortFunc(out, func(x, y Edge) int {
		return cmp.Or(cmp.Compare(x.To, y.To), cmp.Compare(x.Jumpkind, y.Jumpkind))
	})
	return out
}

// IsHooked reports whether addr starts an externally modelled function.
func (c *Graph) IsHooked(addr uint64) bool {
	_, ok := c.hooked[addr]
	return ok
}

// IsSimulated reports whether the block at addr is modelled externally.
func (c *Graph) IsSimulated(addr uint64) bool {
	b := c.block(addr)
	return b != nil && b.Simulated
}

// IsPLT reports whether addr is a PLT stub.
func (c *Graph) IsPLT(addr uint64) bool {
	return c.plt != nil && c.plt(addr)
}
