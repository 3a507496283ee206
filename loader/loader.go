// Package loader maps an ELF binary into a read-only memory image.
//
// A Binary answers the questions the frame analysis asks about the address
// space: which addresses are mapped, which hold executable code, which belong
// to PLT stubs, and what initialized bytes live at an address. Function start
// addresses come from the symbol table, or from prologue detection over
// .text when the binary is stripped.
package loader

import (
	"cmp"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/maxgio92/fidget/arch"
	"github.com/maxgio92/fidget/prologue"
)

// Symbol is a function symbol.
type Symbol struct {
	Name string `json:"name"`
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
}

type addrRange struct {
	start, end uint64
}

func (r addrRange) contains(addr uint64) bool {
	return addr >= r.start && addr < r.end
}

type segment struct {
	addrRange
	data []byte // file-backed prefix of the segment
	exec bool
}

// Binary is a loaded ELF image.
type Binary struct {
	arch     *arch.Arch
	entry    uint64
	segments []segment
	text     *addrRange
	plt      []addrRange
	symbols  []Symbol
	stripped bool
}

// Open parses an ELF binary from r and loads its segments.
// The architecture is inferred from the ELF header.
func Open(r io.ReaderAt) (*Binary, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF file: %w", err)
	}
	defer f.Close()

	a, err := arch.FromELF(f.Machine, f.Class)
	if err != nil {
		return nil, err
	}
	b := &Binary{arch: a, entry: f.Entry}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read segment at %#x: %w", p.Vaddr, err)
		}
		b.segments = append(b.segments, segment{
			addrRange: addrRange{p.Vaddr, p.Vaddr + p.Memsz},
			data:      data,
			exec:      p.Flags&elf.PF_X != 0,
		})
	}
	if len(b.segments) == 0 {
		return nil, fmt.Errorf("no loadable segments")
	}

	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		rng := addrRange{s.Addr, s.Addr + s.Size}
		switch {
		case s.Name == ".text":
			b.text = &rng
		case s.Name == ".plt" || strings.HasPrefix(s.Name, ".plt."):
			b.plt = append(b.plt, rng)
		}
	}

	if err := b.loadSymbols(f); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Binary) loadSymbols(f *elf.File) error {
	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return fmt.Errorf("failed to read symbols: %w", err)
	}
	seen := make(map[uint64]bool)
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Section == elf.SHN_UNDEF {
			continue
		}
		if seen[s.Value] {
			continue
		}
		seen[s.Value] = true
		b.symbols = append(b.symbols, Symbol{Name: s.Name, Addr: s.Value, Size: s.Size})
	}
	if len(b.symbols) > 0 {
		slices.SortFunc(b.symbols, func(x, y Symbol) int { return cmp.Compare(x.Addr, y.Addr) })
		return nil
	}

	b.stripped = true
	if b.text == nil {
		return nil
	}
	code, err := b.Read(b.text.start, int(b.text.end-b.text.start))
	if err != nil {
		return fmt.Errorf("failed to read .text section: %w", err)
	}
	prologues, err := prologue.Detect(code, b.text.start, b.arch.Name)
	if err != nil {
		// No detector for this architecture: only the entry point is known.
		prologues = nil
	}
	starts := prologue.Starts(append(prologues, prologue.Prologue{Address: b.entry}))
	for _, addr := range starts {
		b.symbols = append(b.symbols, Symbol{Name: fmt.Sprintf("sub_%x", addr), Addr: addr})
	}
	return nil
}

// Arch returns the architecture descriptor of the binary.
func (b *Binary) Arch() *arch.Arch { return b.arch }

// Entry returns the program entry point.
func (b *Binary) Entry() uint64 { return b.entry }

// Stripped reports whether function starts were recovered from prologues
// rather than read from a symbol table.
func (b *Binary) Stripped() bool { return b.stripped }

// Symbols returns the function symbols in address order.
func (b *Binary) Symbols() []Symbol { return b.symbols }

func (b *Binary) segmentAt(addr uint64) (*segment, bool) {
	for i := range b.segments {
		if b.segments[i].contains(addr) {
			return &b.segments[i], true
		}
	}
	return nil, false
}

// Read returns up to n bytes of the image starting at addr, stopping at the
// end of the containing segment. Bytes past the file-backed part of a
// segment read as zero.
func (b *Binary) Read(addr uint64, n int) ([]byte, error) {
	s, ok := b.segmentAt(addr)
	if !ok {
		return nil, fmt.Errorf("address %#x is not mapped", addr)
	}
	if avail := s.end - addr; uint64(n) > avail {
		n = int(avail)
	}
	out := make([]byte, n)
	off := addr - s.start
	if off < uint64(len(s.data)) {
		copy(out, s.data[off:])
	}
	return out, nil
}

// ReadInitialized returns the n bytes at addr when they are entirely backed
// by file contents.
func (b *Binary) ReadInitialized(addr uint64, n int) ([]byte, bool) {
	s, ok := b.segmentAt(addr)
	if !ok || n <= 0 {
		return nil, false
	}
	off := addr - s.start
	if off+uint64(n) > uint64(len(s.data)) {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, s.data[off:])
	return out, true
}

// InSegment reports whether addr is mapped.
func (b *Binary) InSegment(addr uint64) bool {
	_, ok := b.segmentAt(addr)
	return ok
}

// InCode reports whether addr lies in the .text section. known is false
// when the binary has no .text section.
func (b *Binary) InCode(addr uint64) (inCode bool, known bool) {
	if b.text == nil {
		return false, false
	}
	return b.text.contains(addr), true
}

// IsExecutable reports whether addr lies in an executable segment.
func (b *Binary) IsExecutable(addr uint64) bool {
	s, ok := b.segmentAt(addr)
	return ok && s.exec
}

// IsPLT reports whether addr lies in a PLT section.
func (b *Binary) IsPLT(addr uint64) bool {
	for _, r := range b.plt {
		if r.contains(addr) {
			return true
		}
	}
	return false
}
