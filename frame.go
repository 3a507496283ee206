package fidget

import (
	"fmt"

	"github.com/maxgio92/fidget/internal/funcutil"
)

// Variable is a frame slot touched by the function.
type Variable struct {
	// Offset is relative to the stack pointer at function entry.
	Offset int64      `json:"offset"`
	Flags  AccessType `json:"flags"`
	Count  int        `json:"count"`
}

// Frame is the recovered stack frame of a function.
type Frame struct {
	Name string `json:"name"`
	Addr uint64 `json:"addr"`
	// Tags is the log of allocations and accesses in traversal order.
	Tags      []Tag      `json:"tags"`
	Variables []Variable `json:"variables"`
	// Size is the deepest allocation below the entry stack pointer.
	Size uint64 `json:"size"`
}

// NewFrame returns the empty frame of the function at addr.
func NewFrame(addr uint64) *Frame {
	return &Frame{Name: fmt.Sprintf("stack_%x", addr), Addr: addr}
}

// Alloc records a stack pointer adjustment.
func (f *Frame) Alloc(p *PatchSet) {
	f.Tags = append(f.Tags, Tag{Kind: TagAlloc, Patch: p})
}

// Access records an access to frame data.
func (f *Frame) Access(p *PatchSet) {
	f.Tags = append(f.Tags, Tag{Kind: TagAccess, Patch: p})
}

func (f *Frame) add(t Tag) {
	switch t.Kind {
	case TagAlloc:
		f.Alloc(t.Patch)
	case TagAccess:
		f.Access(t.Patch)
	}
}

// Allocs returns the allocation patch sets in order.
func (f *Frame) Allocs() []*PatchSet { return f.patches(TagAlloc) }

// Accesses returns the access patch sets in order.
func (f *Frame) Accesses() []*PatchSet { return f.patches(TagAccess) }

func (f *Frame) patches(kind TagKind) []*PatchSet {
	var out []*PatchSet
	for _, t := range f.Tags {
		if t.Kind == kind {
			out = append(out, t.Patch)
		}
	}
	return out
}

// Finalize derives the variables and size of the frame from its tags.
// Pointer escapes only mark variables made by reads or writes.
func (f *Frame) Finalize() {
	vars := make(map[int64]*Variable)
	var escapes []*PatchSet
	var low int64
	for _, t := range f.Tags {
		p := t.Patch
		switch {
		case t.Kind == TagAlloc:
			if p.Value < low {
				low = p.Value
			}
		case p.Flags&(AccessRead|AccessWrite|AccessUninitRead) != 0:
			v, ok := vars[p.Value]
			if !ok {
				v = &Variable{Offset: p.Value}
				vars[p.Value] = v
			}
			v.Flags |= p.Flags
			v.Count++
		default:
			escapes = append(escapes, p)
		}
	}
	for _, p := range escapes {
		if v, ok := vars[p.Value]; ok {
			v.Flags |= p.Flags
		}
	}
	f.Variables = f.Variables[:0]
	for _, off := range funcutil.SortedKeys(vars) {
		f.Variables = append(f.Variables, *vars[off])
	}
	f.Size = uint64(-low)
}
