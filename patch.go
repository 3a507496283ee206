package fidget

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maxgio92/fidget/ir"
	"github.com/maxgio92/fidget/symbolic"
)

// AccessType is a bit set describing how frame data was touched.
type AccessType uint8

// Access flags.
const (
	AccessRead AccessType = 1 << iota
	AccessWrite
	AccessPointer
	AccessUninitRead
)

func (a AccessType) String() string {
	if a == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		flag AccessType
		name string
	}{
		{AccessRead, "read"},
		{AccessWrite, "write"},
		{AccessPointer, "pointer"},
		{AccessUninitRead, "uninit-read"},
	} {
		if a&f.flag != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// MarshalText implements encoding.TextMarshaler.
func (a AccessType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Location is a place in the binary that encodes part of a quantity. A
// resolved location names an instruction field; an unresolved one is a
// literal the patcher must leave at Value.
type Location struct {
	ir.Location
	Resolved bool   `json:"resolved"`
	Value    uint64 `json:"value,omitempty"`
	// Origin is the symbolic placeholder of the literal.
	Origin string `json:"origin"`
}

func (l Location) String() string {
	if !l.Resolved {
		return fmt.Sprintf("%s=%#x (fixed)", l.Origin, l.Value)
	}
	return fmt.Sprintf("%s@%#x:%s[%d+%d]", l.Origin, l.Insn, l.Path, l.BitOffset, l.BitWidth)
}

// PatchSet aggregates the locations that jointly encode one logical quantity
// and must be edited together.
type PatchSet struct {
	// Insn is the address of the instruction that produced the quantity.
	Insn uint64 `json:"insn"`
	// Value is the quantity replayed from the literals, relative to the
	// function's initial stack pointer for frame data.
	Value int64 `json:"value"`
	// Symbolic is the quantity as a formula over the literal placeholders.
	Symbolic  symbolic.Value `json:"-"`
	Flags     AccessType     `json:"flags"`
	Locations []Location     `json:"locations"`
}

// MarshalJSON renders the symbolic formula as a string.
func (p *PatchSet) MarshalJSON() ([]byte, error) {
	type plain PatchSet
	var formula string
	if p.Symbolic != nil {
		formula = p.Symbolic.String()
	}
	return json.Marshal(struct {
		*plain
		Formula string `json:"formula"`
	}{(*plain)(p), formula})
}

// TagKind distinguishes the entries of the per-block tag log.
type TagKind uint8

// Tag kinds.
const (
	TagAlloc TagKind = iota + 1
	TagAccess
)

func (k TagKind) String() string {
	switch k {
	case TagAlloc:
		return "alloc"
	case TagAccess:
		return "access"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k TagKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Tag is an entry of the tag log: the stack pointer moved (TagAlloc) or
// frame data was touched (TagAccess).
type Tag struct {
	Kind  TagKind   `json:"kind"`
	Patch *PatchSet `json:"patch"`
}
