// Package fidget recovers the stack frames of the functions of a compiled
// binary and the exact instruction fields that encode them.
//
// Each function is interpreted symbolically over its lifted IR, starting
// from a stack pointer of zero. Every value carries two parallel forms: the
// value replayed from the literals of the instruction stream, and the same
// value as a formula over placeholders tied to those literals. Values
// derived from the initial stack pointer are tainted with the function's
// frame region, so that stack pointer moves and frame accesses can be traced
// back to the literals a patcher must edit together (a [PatchSet]).
//
// Use [New] with a [Program] (see package cfg), an [Image] (see package
// loader) and a [Lifter] (see package lift), then [Analysis.Run] to recover
// the frames of every eligible function. Functions that adjust the stack
// pointer by a non-constant amount or jump into other functions are left
// out of the result.
package fidget
