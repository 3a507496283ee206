// Package ir defines the typed intermediate representation produced by the
// lifters and interpreted by the frame analysis.
//
// A lifted block is a flat list of statements. Each machine instruction starts
// with an [IMark]; the statements that follow until the next IMark describe its
// effects on registers (addressed by guest-state offset), memory and
// instruction-local temporaries.
package ir

import "fmt"

// Type is the type of an IR value.
type Type uint8

// IR value types.
const (
	TypeInvalid Type = iota
	I1
	I8
	I16
	I32
	I64
	I128
	F32
	F64
	F128
	V128
)

var typeNames = [...]string{
	TypeInvalid: "invalid",
	I1:          "I1",
	I8:          "I8",
	I16:         "I16",
	I32:         "I32",
	I64:         "I64",
	I128:        "I128",
	F32:         "F32",
	F64:         "F64",
	F128:        "F128",
	V128:        "V128",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type<%d>", uint8(t))
}

// Bits returns the width of the type in bits.
func (t Type) Bits() uint {
	switch t {
	case I1:
		return 1
	case I8:
		return 8
	case I16:
		return 16
	case I32, F32:
		return 32
	case I64, F64:
		return 64
	case I128, F128, V128:
		return 128
	}
	return 0
}

// IsFloat reports whether t is a floating point type.
func (t Type) IsFloat() bool {
	return t == F32 || t == F64 || t == F128
}

// IntType returns the integer type of the given width, or TypeInvalid.
func IntType(bits uint) Type {
	switch bits {
	case 1:
		return I1
	case 8:
		return I8
	case 16:
		return I16
	case 32:
		return I32
	case 64:
		return I64
	case 128:
		return I128
	}
	return TypeInvalid
}

// Tmp identifies an instruction-local temporary.
type Tmp uint32

// NoTmp marks an absent temporary slot (e.g. the high half of a single CAS).
const NoTmp Tmp = ^Tmp(0)

// TypeEnv maps temporaries to their declared types.
type TypeEnv []Type

// Lookup returns the declared type of tmp.
func (env TypeEnv) Lookup(tmp Tmp) (Type, bool) {
	if int(tmp) >= len(env) {
		return TypeInvalid, false
	}
	return env[tmp], true
}
