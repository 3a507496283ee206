package cfg_test

import (
	"context"
	"io"
	"reflect"
	"testing"

	"github.com/maxgio92/fidget/arch"
	"github.com/maxgio92/fidget/cfg"
	"github.com/maxgio92/fidget/config"
	"github.com/maxgio92/fidget/ir"
	"github.com/maxgio92/fidget/lift"
)

const base = 0x1000

// program lays out three functions:
//
//	0x1000: push rbp; mov rbp, rsp; call 0x1010; pop rbp; ret
//	0x1010: test edi, edi; je 0x1015; nop; ret
//	0x1020: jmp rax
func program() lift.Code {
	code := []byte{
		0x55, 0x48, 0x89, 0xe5, 0xe8, 0x07, 0x00, 0x00, 0x00, 0x5d, 0xc3, // 0x1000
		0x90, 0x90, 0x90, 0x90, 0x90, // padding
		0x85, 0xff, 0x74, 0x01, 0x90, 0xc3, // 0x1010
		0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, // padding
		0xff, 0xe0, // 0x1020
	}
	return lift.Code{Addr: base, Bytes: code}
}

func recoverProgram(t *testing.T, opts cfg.Options) *cfg.Graph {
	t.Helper()
	mem := program()
	l, err := lift.New(arch.AMD64, mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	opts.Mapped = func(addr uint64) bool { return addr >= mem.Addr && addr < mem.Addr+uint64(len(mem.Bytes)) }
	opts.Logger = quietLogger()
	starts := []cfg.Start{{Addr: 0x1000, Name: "main"}, {Addr: 0x1020, Name: "thunk"}}
	g, err := cfg.Recover(context.Background(), l, starts, 0x1000, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g
}

func quietLogger() *config.LogGroup {
	logger := config.NewLogGroup(config.NewDefault())
	logger.SetAllOutput(io.Discard)
	return logger
}

func TestRecover(t *testing.T) {
	g := recoverProgram(t, cfg.Options{})

	var addrs []uint64
	for _, f := range g.Functions() {
		addrs = append(addrs, f.Addr)
	}
	if want := []uint64{0x1000, 0x1010, 0x1020}; !reflect.DeepEqual(addrs, want) {
		t.Fatalf("expected functions %#x, got %#x", want, addrs)
	}

	callee, ok := g.Function(0x1010)
	if !ok {
		t.Fatal("expected the call target to become a function")
	}
	if callee.Name != "sub_1010" {
		t.Errorf("expected a synthesized name, got %s", callee.Name)
	}
	if want := []uint64{0x1010, 0x1014, 0x1015}; !reflect.DeepEqual(callee.Blocks, want) {
		t.Errorf("expected blocks %#x, got %#x", want, callee.Blocks)
	}
	if callee.Size != 6 {
		t.Errorf("expected size 6, got %d", callee.Size)
	}
	if b, ok := g.Block(0x1014); !ok || b.Size != 1 {
		t.Errorf("expected the fallthrough block to stop at the branch target, got %+v", b)
	}

	thunk, _ := g.Function(0x1020)
	if !thunk.HasUnresolvedJumps {
		t.Error("expected the indirect jump to be flagged as unresolved")
	}
	if main, _ := g.Function(0x1000); main.HasUnresolvedJumps {
		t.Error("expected main to have no unresolved jumps")
	}
	if g.Entry() != 0x1000 {
		t.Errorf("expected entry 0x1000, got %#x", g.Entry())
	}
}

func TestRecoverEdges(t *testing.T) {
	g := recoverProgram(t, cfg.Options{})

	tests := []struct {
		name string
		addr uint64
		want []cfg.Edge
	}{
		{
			name: "call",
			addr: 0x1000,
			want: []cfg.Edge{{To: 0x1009, Jumpkind: ir.JumpFakeRet}, {To: 0x1010, Jumpkind: ir.JumpCall}},
		},
		{
			name: "conditional",
			addr: 0x1010,
			want: []cfg.Edge{{To: 0x1014, Jumpkind: ir.JumpBoring}, {To: 0x1015, Jumpkind: ir.JumpBoring}},
		},
		{
			name: "split",
			addr: 0x1014,
			want: []cfg.Edge{{To: 0x1015, Jumpkind: ir.JumpBoring}},
		},
		{
			name: "return",
			addr: 0x1009,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Successors(tt.addr); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestRecoverHooked(t *testing.T) {
	g := recoverProgram(t, cfg.Options{Hooked: map[uint64]string{0x1010: "callee"}})

	if _, ok := g.Function(0x1010); ok {
		t.Error("expected a hooked function not to be recovered")
	}
	if !g.IsHooked(0x1010) || !g.IsSimulated(0x1010) {
		t.Error("expected the hooked target to be simulated")
	}
	if g.IsSimulated(0x1000) {
		t.Error("expected main not to be simulated")
	}
	found := false
	for _, e := range g.Successors(0x1000) {
		if e.To == 0x1010 && e.Jumpkind == ir.JumpCall {
			found = true
		}
	}
	if !found {
		t.Error("expected the call edge to the hooked function")
	}
}

func TestRecoverCanceled(t *testing.T) {
	mem := program()
	l, err := lift.New(arch.AMD64, mem)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := cfg.Recover(ctx, l, nil, 0x1000, cfg.Options{Logger: quietLogger()}); err == nil {
		t.Fatal("expected error for a canceled context, got nil")
	}
}

func TestGraphBuilders(t *testing.T) {
	g := cfg.NewGraph(0x400)
	g.AddFunction(&cfg.Function{Addr: 0x400, Name: "f", Blocks: []uint64{0x400}})
	g.AddBlock(0x400, 8, 0x400)
	g.AddEdge(0x400, 0x400, ir.JumpBoring)
	g.AddEdge(0x400, 0x400, ir.JumpBoring)
	g.AddEdge(0x400, 0x408, ir.JumpFakeRet)
	g.SetPLT(func(addr uint64) bool { return addr >= 0x300 && addr < 0x400 })

	want := []cfg.Edge{{To: 0x400, Jumpkind: ir.JumpBoring}, {To: 0x408, Jumpkind: ir.JumpFakeRet}}
	if got := g.Successors(0x400); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	if !g.IsPLT(0x310) || g.IsPLT(0x400) {
		t.Error("unexpected PLT classification")
	}
	if f, ok := g.Function(0x400); !ok || f.Name != "f" {
		t.Errorf("expected function f, got %+v", f)
	}
}
