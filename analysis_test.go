package fidget_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/maxgio92/fidget"
	"github.com/maxgio92/fidget/arch"
	"github.com/maxgio92/fidget/cfg"
	"github.com/maxgio92/fidget/config"
	"github.com/maxgio92/fidget/lift"
)

const base = 0x1000

// image serves machine code as a fully initialized code section.
type image struct {
	lift.Code
}

func (m image) InSegment(addr uint64) bool {
	return addr >= m.Addr && addr < m.Addr+uint64(len(m.Bytes))
}

func (m image) InCode(addr uint64) (bool, bool) { return m.InSegment(addr), true }

func (m image) ReadInitialized(addr uint64, n int) ([]byte, bool) {
	if !m.InSegment(addr) || addr+uint64(n) > m.Addr+uint64(len(m.Bytes)) {
		return nil, false
	}
	off := addr - m.Addr
	return m.Bytes[off : off+uint64(n)], true
}

func quietLogger() *config.LogGroup {
	logger := config.NewLogGroup(config.NewDefault())
	logger.SetAllOutput(io.Discard)
	return logger
}

// newAnalysis recovers the control flow of amd64 code loaded at base, with
// functions at starts and the entry point at entry.
func newAnalysis(t *testing.T, code []byte, starts []cfg.Start, entry uint64, c *config.Config, opts ...fidget.Option) *fidget.Analysis {
	t.Helper()
	mem := image{lift.Code{Addr: base, Bytes: code}}
	l, err := lift.New(arch.AMD64, mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loc, err := lift.NewLocator(arch.AMD64, mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g, err := cfg.Recover(context.Background(), l, starts, entry, cfg.Options{
		Mapped: mem.InSegment,
		Logger: quietLogger(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opts = append([]fidget.Option{fidget.WithLocator(loc), fidget.WithLogger(quietLogger())}, opts...)
	an, err := fidget.New(g, mem, l, arch.AMD64, c, opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return an
}

func analyzeFunction(t *testing.T, code []byte) (*fidget.Frame, error) {
	t.Helper()
	an := newAnalysis(t, code, []cfg.Start{{Addr: base, Name: "f"}}, base, nil)
	return an.AnalyzeFunction(context.Background(), base)
}

type tagWant struct {
	kind  fidget.TagKind
	value int64
	flags fidget.AccessType
}

func tagsOf(f *fidget.Frame) []tagWant {
	out := make([]tagWant, 0, len(f.Tags))
	for _, t := range f.Tags {
		out = append(out, tagWant{kind: t.Kind, value: t.Patch.Value, flags: t.Patch.Flags})
	}
	return out
}

var (
	// sub rsp, 0x20; mov [rsp+8], rdi; mov rax, [rsp+8]; add rsp, 0x20; ret
	localVariable = []byte{
		0x48, 0x83, 0xec, 0x20,
		0x48, 0x89, 0x7c, 0x24, 0x08,
		0x48, 0x8b, 0x44, 0x24, 0x08,
		0x48, 0x83, 0xc4, 0x20,
		0xc3,
	}

	// sub rsp, 0x20; lea rax, [rsp+8]; add rsp, 0x20; ret
	escapingPointer = []byte{
		0x48, 0x83, 0xec, 0x20,
		0x48, 0x8d, 0x44, 0x24, 0x08,
		0x48, 0x83, 0xc4, 0x20,
		0xc3,
	}

	// sub rsp, 0x20; sub rsp, rax; add rsp, 0x20; ret
	variableAlloc = []byte{
		0x48, 0x83, 0xec, 0x20,
		0x48, 0x29, 0xc4,
		0x48, 0x83, 0xc4, 0x20,
		0xc3,
	}

	// sub rsp, 8; call 0x1010; add rsp, 8; ret; nop; nop; ret
	callPush = []byte{
		0x48, 0x83, 0xec, 0x08,
		0xe8, 0x07, 0x00, 0x00, 0x00,
		0x48, 0x83, 0xc4, 0x08,
		0xc3,
		0x90, 0x90,
		0xc3,
	}

	// sub rsp, 0x20; mov qword [rsp+8], 8; add rsp, 0x20; ret
	storeImmediate = []byte{
		0x48, 0x83, 0xec, 0x20,
		0x48, 0xc7, 0x44, 0x24, 0x08, 0x08, 0x00, 0x00, 0x00,
		0x48, 0x83, 0xc4, 0x20,
		0xc3,
	}

	// sub rsp, 0x20; ud2
	undecodable = []byte{
		0x48, 0x83, 0xec, 0x20,
		0x0f, 0x0b,
	}

	// sub rsp, 8; add rsp, 8; jmp 0x5000
	unmappedJump = []byte{
		0x48, 0x83, 0xec, 0x08,
		0x48, 0x83, 0xc4, 0x08,
		0xe9, 0xf3, 0x3f, 0x00, 0x00,
	}

	// f: sub rsp, 8; add rsp, 8; jmp g
	// g (0x1010): ret
	tailCall = []byte{
		0x48, 0x83, 0xec, 0x08,
		0x48, 0x83, 0xc4, 0x08,
		0xeb, 0x06,
		0x90, 0x90, 0x90, 0x90, 0x90, 0x90,
		0xc3,
	}

	// hlt
	halt = []byte{0xf4}

	// sub rsp, 0x10
	// loop: mov [rsp+8], rdi; test rdi, rdi; jne loop
	// add rsp, 0x10; ret
	loop = []byte{
		0x48, 0x83, 0xec, 0x10,
		0x48, 0x89, 0x7c, 0x24, 0x08,
		0x48, 0x85, 0xff,
		0x75, 0xf6,
		0x48, 0x83, 0xc4, 0x10,
		0xc3,
	}
)

func TestAnalyzeFunction(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want []tagWant
	}{
		{
			// Besides the allocation and the slot accesses, the epilogue
			// records the stack pointer returning to 0, ret reads the return
			// address at 0, and its pop moves the stack pointer to 8.
			name: "local variable",
			code: localVariable,
			want: []tagWant{
				{kind: fidget.TagAlloc, value: -0x20},
				{kind: fidget.TagAccess, value: -0x18, flags: fidget.AccessWrite},
				{kind: fidget.TagAccess, value: -0x18, flags: fidget.AccessRead},
				{kind: fidget.TagAlloc, value: 0},
				{kind: fidget.TagAccess, value: 0, flags: fidget.AccessRead},
				{kind: fidget.TagAlloc, value: 8},
			},
		},
		{
			name: "escaping pointer",
			code: escapingPointer,
			want: []tagWant{
				{kind: fidget.TagAlloc, value: -0x20},
				{kind: fidget.TagAlloc, value: 0},
				{kind: fidget.TagAccess, value: 0, flags: fidget.AccessRead},
				{kind: fidget.TagAlloc, value: 8},
				{kind: fidget.TagAccess, value: -0x18, flags: fidget.AccessPointer},
			},
		},
		{
			// The push of the return address and its store are dropped, and
			// the continuation starts from the pre-call stack pointer.
			name: "call",
			code: callPush,
			want: []tagWant{
				{kind: fidget.TagAlloc, value: -8},
				{kind: fidget.TagAlloc, value: 0},
				{kind: fidget.TagAccess, value: 0, flags: fidget.AccessRead},
				{kind: fidget.TagAlloc, value: 8},
			},
		},
		{
			// The instruction that cannot be decoded is left out; the path
			// ends there.
			name: "undecodable tail",
			code: undecodable,
			want: []tagWant{
				{kind: fidget.TagAlloc, value: -0x20},
			},
		},
		{
			// The jump target is not mapped, so the path is dropped.
			name: "unmapped jump",
			code: unmappedJump,
			want: []tagWant{
				{kind: fidget.TagAlloc, value: -8},
				{kind: fidget.TagAlloc, value: 0},
			},
		},
		{
			// The loop body is interpreted once, as part of the head block.
			name: "loop",
			code: loop,
			want: []tagWant{
				{kind: fidget.TagAlloc, value: -0x10},
				{kind: fidget.TagAccess, value: -8, flags: fidget.AccessWrite},
				{kind: fidget.TagAlloc, value: 0},
				{kind: fidget.TagAccess, value: 0, flags: fidget.AccessRead},
				{kind: fidget.TagAlloc, value: 8},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := analyzeFunction(t, tt.code)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := tagsOf(frame); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected tags %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestAnalyzeFunctionErrors(t *testing.T) {
	tests := []struct {
		name    string
		code    []byte
		starts  []cfg.Start
		wantErr error
	}{
		{
			name:    "variable allocation",
			code:    variableAlloc,
			wantErr: fidget.ErrFrameIndeterminate,
		},
		{
			name:    "jump into another function",
			code:    tailCall,
			starts:  []cfg.Start{{Addr: base + 0x10, Name: "g"}},
			wantErr: fidget.ErrFrameIndeterminate,
		},
		{
			name:    "halt",
			code:    halt,
			wantErr: fidget.ErrUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			starts := append([]cfg.Start{{Addr: base, Name: "f"}}, tt.starts...)
			an := newAnalysis(t, tt.code, starts, base, nil)
			_, err := an.AnalyzeFunction(context.Background(), base)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestFrameLayout(t *testing.T) {
	frame, err := analyzeFunction(t, localVariable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if frame.Name != "stack_1000" {
		t.Errorf("expected name stack_1000, got %s", frame.Name)
	}
	if frame.Size != 0x20 {
		t.Errorf("expected size 0x20, got %#x", frame.Size)
	}
	want := []fidget.Variable{
		{Offset: -0x18, Flags: fidget.AccessRead | fidget.AccessWrite, Count: 2},
		{Offset: 0, Flags: fidget.AccessRead, Count: 1},
	}
	if !reflect.DeepEqual(frame.Variables, want) {
		t.Errorf("expected variables %+v, got %+v", want, frame.Variables)
	}
}

func TestPatchLocations(t *testing.T) {
	frame, err := analyzeFunction(t, localVariable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	allocs := frame.Allocs()
	accesses := frame.Accesses()
	if len(allocs) != 3 || len(accesses) != 3 {
		t.Fatalf("expected 3 allocations and 3 accesses, got %d and %d", len(allocs), len(accesses))
	}

	// sub rsp, 0x20: the immediate is the last byte.
	if got := allocs[0].Locations; len(got) != 1 || !got[0].Resolved ||
		got[0].Insn != 0x1000 || got[0].BitOffset != 24 || got[0].BitWidth != 8 {
		t.Errorf("unexpected allocation locations %+v", got)
	}

	// mov [rsp+8], rdi depends on the allocation and on its displacement.
	write := accesses[0].Locations
	if len(write) != 2 {
		t.Fatalf("expected 2 locations, got %+v", write)
	}
	if write[0].Insn != 0x1000 || write[1].Insn != 0x1004 || write[1].BitOffset != 32 {
		t.Errorf("unexpected access locations %+v", write)
	}
	if write[0].Origin == write[1].Origin {
		t.Errorf("expected distinct literal origins, got %s twice", write[0].Origin)
	}

	// ret pops with an implicit 8 that no field encodes.
	pop := allocs[2].Locations
	last := pop[len(pop)-1]
	if last.Resolved || last.Value != 8 {
		t.Errorf("expected the implicit pop to stay fixed at 8, got %+v", last)
	}
}

func TestPatchLocationsDisplacement(t *testing.T) {
	frame, err := analyzeFunction(t, storeImmediate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	accesses := frame.Accesses()
	if len(accesses) == 0 || accesses[0].Flags != fidget.AccessWrite {
		t.Fatalf("expected a write first, got %+v", accesses)
	}

	// mov qword [rsp+8], 8 encodes 8 both as disp8 (byte 4) and as imm32
	// (bytes 5-8); the slot offset lives in the displacement.
	write := accesses[0].Locations
	if len(write) != 2 {
		t.Fatalf("expected 2 locations, got %+v", write)
	}
	disp := write[1]
	if !disp.Resolved || disp.Insn != 0x1004 || disp.BitOffset != 32 || disp.BitWidth != 8 {
		t.Errorf("expected the displacement byte of 0x1004, got %+v", disp)
	}
}

func TestAnalyzeFunctionDeterministic(t *testing.T) {
	var runs [][]byte
	for i := 0; i < 2; i++ {
		frame, err := analyzeFunction(t, localVariable)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		b, err := json.Marshal(frame)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		runs = append(runs, b)
	}
	if string(runs[0]) != string(runs[1]) {
		t.Errorf("expected identical runs:\n%s\n%s", runs[0], runs[1])
	}
}

// program lays out two functions called from an entry stub:
//
//	0x1000: the local variable function
//	0x1020: the variable allocation function
//	0x1040: call 0x1000; call 0x1020; ret
func program() []byte {
	code := make([]byte, 0x4b)
	for i := range code {
		code[i] = 0x90
	}
	copy(code[0x00:], localVariable)
	copy(code[0x20:], variableAlloc)
	copy(code[0x40:], []byte{
		0xe8, 0xbb, 0xff, 0xff, 0xff,
		0xe8, 0xd6, 0xff, 0xff, 0xff,
		0xc3,
	})
	return code
}

func TestRun(t *testing.T) {
	starts := []cfg.Start{{Addr: 0x1040, Name: "_start"}}
	for _, workers := range []int{1, 4} {
		c := config.NewDefault()
		c.Workers = workers
		an := newAnalysis(t, program(), starts, 0x1040, c)

		res, err := an.Run(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := map[uint64]string{0x1000: "stack_1000"}; !reflect.DeepEqual(res.StackFrames, want) {
			t.Errorf("expected stack frames %v, got %v", want, res.StackFrames)
		}
		frame, ok := res.Frame(0x1000)
		if !ok || frame.Size != 0x20 {
			t.Errorf("expected the frame of 0x1000 with size 0x20, got %+v", frame)
		}
		if _, ok := res.Frame(0x1020); ok {
			t.Error("expected no frame for a variable allocation")
		}
	}
}

func TestRunCanceled(t *testing.T) {
	an := newAnalysis(t, program(), []cfg.Start{{Addr: 0x1040, Name: "_start"}}, 0x1040, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := an.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewChaseStructs(t *testing.T) {
	c := config.NewDefault()
	c.ChaseStructs = true
	_, err := fidget.New(cfg.NewGraph(0), image{}, nil, arch.AMD64, c)
	if !errors.Is(err, fidget.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
