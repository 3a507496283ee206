package ir

// Jumpkind classifies how control leaves a block or travels along an edge.
type Jumpkind uint8

// Jump kinds.
const (
	JumpInvalid Jumpkind = iota
	JumpBoring
	JumpCall
	JumpRet
	JumpFakeRet
	JumpNoDecode
	JumpSyscall
	JumpSigTRAP
	JumpSysInt128
	JumpSigSEGV
	JumpExit
)

var jumpkindNames = [...]string{
	JumpInvalid:   "Invalid",
	JumpBoring:    "Boring",
	JumpCall:      "Call",
	JumpRet:       "Ret",
	JumpFakeRet:   "FakeRet",
	JumpNoDecode:  "NoDecode",
	JumpSyscall:   "Syscall",
	JumpSigTRAP:   "SigTRAP",
	JumpSysInt128: "SysInt128",
	JumpSigSEGV:   "SigSEGV",
	JumpExit:      "Exit",
}

func (k Jumpkind) String() string {
	if int(k) < len(jumpkindNames) {
		return jumpkindNames[k]
	}
	return "Jumpkind?"
}

// Continues reports whether execution proceeds inside the same function along
// a jump of this kind.
func (k Jumpkind) Continues() bool {
	switch k {
	case JumpBoring, JumpFakeRet, JumpSyscall, JumpSigTRAP, JumpSysInt128:
		return true
	}
	return false
}
