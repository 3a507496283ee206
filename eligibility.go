package fidget

import (
	"github.com/maxgio92/fidget/arch"
	"github.com/maxgio92/fidget/config"
	"github.com/maxgio92/fidget/ir"
)

// entryRule excludes architecture-specific startup stubs from analysis.
type entryRule struct {
	name    string
	match   func(a *arch.Arch) bool
	exclude func(p Program) []uint64
}

// entryRules are applied in order; every matching rule contributes.
var entryRules = []entryRule{
	{
		// The MIPS entry point calls a stub that sets up the global pointer.
		name:  "mips32 entry call target",
		match: func(a *arch.Arch) bool { return a.Name == "mips32" },
		exclude: func(p Program) []uint64 {
			var out []uint64
			for _, e := range p.Successors(p.Entry()) {
				if e.Jumpkind == ir.JumpCall {
					out = append(out, e.To)
				}
			}
			return out
		},
	},
}

// EligibleFunctions returns the addresses of the functions of p whose
// frames can be analyzed, in address order.
func EligibleFunctions(p Program, img Image, a *arch.Arch, logger *config.LogGroup) []uint64 {
	excluded := make(map[uint64]string)
	for _, r := range entryRules {
		if !r.match(a) {
			continue
		}
		for _, addr := range r.exclude(p) {
			excluded[addr] = r.name
		}
	}

	var out []uint64
	for _, f := range p.Functions() {
		skip := func(reason string) {
			logger.Debugf("skipping %s at %#x: %s", f.Name, f.Addr, reason)
		}
		if f.Addr == p.Entry() {
			skip("entry point")
			continue
		}
		if rule, ok := excluded[f.Addr]; ok {
			skip(rule)
			continue
		}
		if p.IsHooked(f.Addr) {
			skip("hooked")
			continue
		}
		if !img.InSegment(f.Addr) {
			skip("not in any segment")
			continue
		}
		if inCode, known := img.InCode(f.Addr); known && !inCode {
			skip("not in the code section")
			continue
		}
		if p.IsPLT(f.Addr) {
			skip("PLT stub")
			continue
		}
		if f.HasUnresolvedJumps {
			skip("unresolved jumps")
			continue
		}
		if p.IsSimulated(f.Addr) {
			skip("simulated head block")
			continue
		}
		out = append(out, f.Addr)
	}
	return out
}
