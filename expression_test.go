package fidget

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/maxgio92/fidget/arch"
	"github.com/maxgio92/fidget/config"
	"github.com/maxgio92/fidget/ir"
	"github.com/maxgio92/fidget/symbolic"
)

type noImage struct{}

func (noImage) InSegment(uint64) bool                      { return false }
func (noImage) InCode(uint64) (bool, bool)                 { return false, false }
func (noImage) ReadInitialized(uint64, int) ([]byte, bool) { return nil, false }

func testArena() *arena {
	logger := config.NewLogGroup(config.NewDefault())
	logger.SetAllOutput(io.Discard)
	return newArena(nil, logger)
}

// testState returns a state of region 1 whose stack pointer is the frame
// base, ready to interpret an instruction at 0x1000 with temporaries types.
func testState(types ...ir.Type) *blockState {
	ar := testArena()
	s := newBlockState(0x1000, 1, arch.AMD64, noImage{}, ar, ar.logger)
	sp := symbolic.NewConst(0, 64)
	s.regs[arch.AMD64.SP()] = ar.add(node{kind: nodeConst, ty: ir.I64, clean: sp, dirty: sp, taint: Taint{Region: 1, Concrete: true}})
	s.temps = newTempStore(types, ar)
	s.insn = 0x1000
	return s
}

func TestRegionPropagation(t *testing.T) {
	ptr := Taint{Region: 1, Concrete: true}
	other := Taint{Region: 2, Concrete: true}
	plain := Taint{Concrete: true}

	tests := []struct {
		name string
		op   string
		args []Taint
		want RegionID
	}{
		{name: "add pointer constant", op: "Add64", args: []Taint{ptr, plain}, want: 1},
		{name: "add constant pointer", op: "Add64", args: []Taint{plain, ptr}, want: 1},
		{name: "add same region", op: "Add64", args: []Taint{ptr, ptr}, want: 1},
		{name: "add different regions", op: "Add64", args: []Taint{ptr, other}, want: NoRegion},
		{name: "and pointer constant", op: "And64", args: []Taint{ptr, plain}, want: 1},
		{name: "sub pointer pointer", op: "Sub64", args: []Taint{ptr, ptr}, want: NoRegion},
		{name: "sub pointer constant", op: "Sub64", args: []Taint{ptr, plain}, want: 1},
		{name: "sub constant pointer", op: "Sub64", args: []Taint{plain, ptr}, want: NoRegion},
		{name: "mul", op: "Mul64", args: []Taint{ptr, plain}, want: NoRegion},
		{name: "unary", op: "Not64", args: []Taint{ptr}, want: NoRegion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ar := testArena()
			args := make([]exprID, len(tt.args))
			for i, taint := range tt.args {
				v := symbolic.NewConst(uint64(0x10*(i+1)), 64)
				args[i] = ar.add(node{kind: nodeDerived, ty: ir.I64, clean: v, dirty: v, taint: taint})
			}
			id := ar.operation(0x1000, ir.StatementPath(1), tt.op, args, ir.I64)
			if got := ar.get(id).taint.Region; got != tt.want {
				t.Errorf("expected region %d, got %d", tt.want, got)
			}
		})
	}
}

func TestOperation(t *testing.T) {
	ar := testArena()
	x, err := ar.literal(0x1000, ir.StatementPath(1).Append("data", "args", 0), &ir.Const{Ty: ir.I64, Value: 0x30})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	y, err := ar.literal(0x1000, ir.StatementPath(1).Append("data", "args", 1), &ir.Const{Ty: ir.I64, Value: 0x10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("sub", func(t *testing.T) {
		n := ar.get(ar.operation(0x1000, ir.StatementPath(1), "Sub64", []exprID{x, y}, ir.I64))
		c, ok := symbolic.AsConst(n.clean)
		if !ok || c.Uint64() != 0x20 {
			t.Errorf("expected replay value 0x20, got %v", n.clean)
		}
		if _, ok := symbolic.AsConst(n.dirty); ok {
			t.Errorf("expected a symbolic formula, got %v", n.dirty)
		}
		if !n.taint.Concrete {
			t.Error("expected an operation over literals to be concrete")
		}
	})

	t.Run("shielded", func(t *testing.T) {
		id := ar.operation(0x1000, ir.StatementPath(1), "Mul64", []exprID{x, y}, ir.I64)
		if locs := ar.locations(id); len(locs) != 0 {
			t.Errorf("expected multiplied literals to have no locations, got %+v", locs)
		}
	})

	t.Run("unimplemented", func(t *testing.T) {
		n := ar.get(ar.operation(0x1000, ir.StatementPath(1), "Frobnicate64", []exprID{x, y}, ir.I64))
		if n.taint.Concrete {
			t.Error("expected a degraded value not to be concrete")
		}
		if n.ty != ir.I64 || n.clean.Width() != 64 {
			t.Errorf("expected a 64-bit default, got %s of %d bits", n.ty, n.clean.Width())
		}
	})
}

func TestOverwriteTruncate(t *testing.T) {
	ar := testArena()
	wide := ar.constant(symbolic.NewConst(0x1122334455667788, 64), ir.I64, true)
	narrow, err := ar.literal(0x1000, ir.StatementPath(1).Append("data"), &ir.Const{Ty: ir.I8, Value: 0xab})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	merged := ar.overwrite(narrow, wide)
	if c, ok := symbolic.AsConst(ar.get(merged).clean); !ok || c.Uint64() != 0x11223344556677ab {
		t.Errorf("expected 0x11223344556677ab, got %v", ar.get(merged).clean)
	}
	if ar.get(merged).ty != ir.I64 {
		t.Errorf("expected I64, got %s", ar.get(merged).ty)
	}

	low, err := ar.truncate(merged, ir.I8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c, ok := symbolic.AsConst(ar.get(low).clean); !ok || c.Uint64() != 0xab {
		t.Errorf("expected 0xab, got %v", ar.get(low).clean)
	}
	if got := ar.get(low).dirty.String(); got != ar.get(merged).dirty.String()+"[7:0]" {
		t.Errorf("unexpected formula %s", got)
	}

	same, err := ar.truncate(merged, ir.I64)
	if err != nil || same != merged {
		t.Errorf("expected truncation to the current width to be a no-op, got %d (%v)", same, err)
	}

	if got := ar.overwrite(merged, narrow); got != merged {
		t.Error("expected a wider value to replace a narrower one")
	}

	f := ar.defaultValue(ir.F64)
	if _, err := ar.truncate(f, ir.I32); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported truncating a float, got %v", err)
	}
}

func TestLiteral(t *testing.T) {
	ar := testArena()
	if _, err := ar.literal(0x1000, ir.StatementPath(1), &ir.Const{Ty: ir.F128}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for a 128-bit float literal, got %v", err)
	}
	id, err := ar.literal(0x1000, ir.StatementPath(1), &ir.Const{Ty: ir.F64, Value: 0x3ff0000000000000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, ok := symbolic.AsConst(ar.get(id).clean)
	if !ok || c.Float64() != 1 {
		t.Errorf("expected 1.0, got %v", ar.get(id).clean)
	}
	locs := ar.locations(id)
	if len(locs) != 1 || locs[0].Resolved || locs[0].Origin != "lit_1000_statements/1" {
		t.Errorf("expected one fixed location without a locator, got %+v", locs)
	}
}

func TestTempStore(t *testing.T) {
	ar := testArena()
	ts := newTempStore(ir.TypeEnv{ir.I64, ir.I32}, ar)

	if _, err := ts.read(0); !errors.Is(err, ErrUsage) {
		t.Errorf("expected ErrUsage reading an unwritten temporary, got %v", err)
	}
	v := ar.defaultValue(ir.I64)
	if err := ts.write(1, v); !errors.Is(err, ErrUsage) {
		t.Errorf("expected ErrUsage writing a mistyped value, got %v", err)
	}
	if err := ts.write(7, v); !errors.Is(err, ErrUsage) {
		t.Errorf("expected ErrUsage writing an undeclared temporary, got %v", err)
	}
	if err := ts.write(0, v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, err := ts.read(0); err != nil || got != v {
		t.Errorf("expected %d, got %d (%v)", v, got, err)
	}
	if err := ts.setDefault(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := ts.read(1); ar.get(got).ty != ir.I32 {
		t.Errorf("expected an I32 default, got %s", ar.get(got).ty)
	}
}

func TestGuardedLoad(t *testing.T) {
	s := testState(ir.I64, ir.I64)
	sp := &ir.Get{Offset: arch.AMD64.SP(), Ty: ir.I64}
	stmt := &ir.LoadG{
		Dst:   1,
		Addr:  ir.Binop("Sub64", sp, ir.U64(8)),
		Alt:   ir.U64(0),
		Guard: &ir.Const{Ty: ir.I1, Value: 0},
		Cvt:   ir.CvtIdent,
		From:  ir.I64,
		To:    ir.I64,
	}
	if err := s.exec(stmt, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.tags) != 1 || s.tags[0].Kind != TagAccess || s.tags[0].Patch.Flags != AccessRead || s.tags[0].Patch.Value != -8 {
		t.Fatalf("expected one read of -8, got %+v", s.tags)
	}
	if _, err := s.temps.read(1); err != nil {
		t.Errorf("expected the destination to be written: %v", err)
	}
	if len(s.temps.values) != 1 {
		t.Errorf("expected exactly one temporary write, got %d", len(s.temps.values))
	}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	s := testState(ir.I64, ir.I64)
	sp := &ir.Get{Offset: arch.AMD64.SP(), Ty: ir.I64}
	stmts := []ir.Stmt{
		&ir.Store{Addr: ir.Binop("Sub64", sp, ir.U64(0x10)), Data: sp},
		&ir.WrTmp{Tmp: 0, Data: &ir.Load{Ty: ir.I64, Addr: ir.Binop("Sub64", sp, ir.U64(0x10))}},
		&ir.Put{Offset: arch.AMD64.Offset("rax"), Data: &ir.RdTmp{Tmp: 0}},
	}
	for i, stmt := range stmts {
		if err := s.exec(stmt, i+1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	want := []AccessType{AccessWrite, AccessPointer, AccessRead}
	if len(s.tags) != len(want) {
		t.Fatalf("expected %d tags, got %+v", len(want), s.tags)
	}
	for i, flags := range want {
		if s.tags[i].Patch.Flags != flags {
			t.Errorf("tag %d: expected %s, got %s", i, flags, s.tags[i].Patch.Flags)
		}
	}
	rax := s.regs[arch.AMD64.Offset("rax")]
	if s.arena.get(rax).taint.Region != 1 {
		t.Error("expected the reloaded stack pointer to stay a frame pointer")
	}
}

func TestStackPointerAdjust(t *testing.T) {
	tests := []struct {
		name    string
		data    ir.Expr
		wantErr error
	}{
		{
			name: "literal",
			data: ir.Binop("Sub64", &ir.Get{Offset: arch.AMD64.SP(), Ty: ir.I64}, ir.U64(0x20)),
		},
		{
			name:    "register",
			data:    ir.Binop("Sub64", &ir.Get{Offset: arch.AMD64.SP(), Ty: ir.I64}, &ir.Get{Offset: arch.AMD64.Offset("rax"), Ty: ir.I64}),
			wantErr: ErrFrameIndeterminate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testState()
			err := s.exec(&ir.Put{Offset: arch.AMD64.SP(), Data: tt.data}, 1)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(s.tags) != 1 || s.tags[0].Kind != TagAlloc || s.tags[0].Patch.Value != -0x20 {
				t.Errorf("expected one allocation of -0x20, got %+v", s.tags)
			}
		})
	}
}

func TestUnsupportedStatement(t *testing.T) {
	s := testState(ir.I64)
	err := s.exec(&ir.LLSC{Result: 0, Addr: ir.U64(0x2000)}, 1)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestSelectPrefersPointer(t *testing.T) {
	s := testState(ir.I1)
	sp := &ir.Get{Offset: arch.AMD64.SP(), Ty: ir.I64}
	e := &ir.ITE{
		Cond:    &ir.Const{Ty: ir.I1, Value: 1},
		IfTrue:  ir.U64(4),
		IfFalse: ir.Binop("Add64", sp, ir.U64(8)),
	}
	id, err := s.eval(e, ir.StatementPath(1).Append("data"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n := s.arena.get(id)
	if n.taint.Region != 1 || n.kind != nodeAlias {
		t.Errorf("expected an alias of the pointer arm, got %+v", n.taint)
	}
	if c, ok := symbolic.AsConst(n.clean); !ok || c.Int64() != 8 {
		t.Errorf("expected 8, got %v", n.clean)
	}
}

func TestEndChecksRegisters(t *testing.T) {
	s := testState()
	sp := &ir.Get{Offset: arch.AMD64.SP(), Ty: ir.I64}
	for _, stmt := range []ir.Stmt{
		&ir.Put{Offset: arch.AMD64.Offset("rdi"), Data: ir.Binop("Add64", sp, ir.U64(8))},
		&ir.Put{Offset: arch.AMD64.BP(), Data: sp},
	} {
		if err := s.exec(stmt, 1); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	s.end()
	if len(s.tags) != 1 || s.tags[0].Patch.Flags != AccessPointer || s.tags[0].Patch.Value != 8 {
		t.Errorf("expected one pointer escape through rdi, got %+v", s.tags)
	}
}

// wordImage holds initialized data 78 56 34 12 at 0x2000.
type wordImage struct{ noImage }

func (wordImage) ReadInitialized(addr uint64, size int) ([]byte, bool) {
	if addr != 0x2000 || size != 4 {
		return nil, false
	}
	return []byte{0x78, 0x56, 0x34, 0x12}, true
}

func TestLoadInitializedData(t *testing.T) {
	tests := []struct {
		name     string
		arch     *arch.Arch
		addr     uint64
		want     uint64
		concrete bool
	}{
		{name: "little endian", arch: arch.AMD64, addr: 0x2000, want: 0x12345678, concrete: true},
		{name: "big endian", arch: arch.MIPS32, addr: 0x2000, want: 0x78563412, concrete: true},
		{name: "unmapped", arch: arch.AMD64, addr: 0x3000, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ar := testArena()
			s := newBlockState(0x1000, 1, tt.arch, wordImage{}, ar, ar.logger)
			addr := ar.constant(symbolic.NewConst(tt.addr, tt.arch.Bits), ir.IntType(tt.arch.Bits), true)
			n := ar.get(s.getMem(addr, ir.I32))
			c, ok := symbolic.AsConst(n.clean)
			if !ok || c.Uint64() != tt.want {
				t.Errorf("expected %#x, got %v", tt.want, n.clean)
			}
			if n.taint.Concrete != tt.concrete {
				t.Errorf("expected concrete=%v, got %v", tt.concrete, n.taint.Concrete)
			}
			if n.kind != nodeConst || n.ty != ir.I32 {
				t.Errorf("expected an I32 constant, got kind %d of %s", n.kind, n.ty)
			}
		})
	}
}

func TestSelectCondition(t *testing.T) {
	rax := arch.AMD64.Offset("rax")
	rcx := arch.AMD64.Offset("rcx")
	sp := &ir.Get{Offset: arch.AMD64.SP(), Ty: ir.I64}

	tests := []struct {
		name         string
		cond         ir.Expr
		wantConcrete bool
	}{
		{
			// A cold register arm makes the selection depend on unknown state.
			name: "plain condition",
			cond: &ir.Const{Ty: ir.I1, Value: 1},
		},
		{
			// Conditional-execution state picks one arm at run time, so the
			// pointer arm keeps its concreteness.
			name: "predicated condition",
			cond: &ir.CCall{
				Callee: "armg_calculate_condition",
				RetTy:  ir.I1,
				Args:   []ir.Expr{&ir.Get{Offset: rax, Ty: ir.I64}},
			},
			wantConcrete: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testState()
			v := symbolic.NewConst(0, 64)
			s.regs[rax] = s.arena.add(node{kind: nodeConst, ty: ir.I64, clean: v, dirty: v, taint: Taint{Predicated: true}})
			e := &ir.ITE{
				Cond:    tt.cond,
				IfTrue:  &ir.Get{Offset: rcx, Ty: ir.I64},
				IfFalse: ir.Binop("Add64", sp, ir.U64(8)),
			}
			id, err := s.eval(e, ir.StatementPath(1).Append("data"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			n := s.arena.get(id)
			if n.taint.Region != 1 {
				t.Errorf("expected the pointer arm to be picked, got region %d", n.taint.Region)
			}
			if n.taint.Concrete != tt.wantConcrete {
				t.Errorf("expected concrete=%v, got %v", tt.wantConcrete, n.taint.Concrete)
			}
		})
	}
}

func TestUnmodelledStatements(t *testing.T) {
	sp := &ir.Get{Offset: arch.AMD64.SP(), Ty: ir.I64}

	tests := []struct {
		name      string
		stmt      ir.Stmt
		wantTemps []ir.Tmp
	}{
		{
			name:      "single cas",
			stmt:      &ir.CAS{OldLo: 0, OldHi: ir.NoTmp, Addr: sp, ExpdLo: ir.U64(0), DataLo: ir.U64(1)},
			wantTemps: []ir.Tmp{0},
		},
		{
			name:      "double cas",
			stmt:      &ir.CAS{OldLo: 0, OldHi: 1, Addr: sp, ExpdLo: ir.U64(0), DataLo: ir.U64(1)},
			wantTemps: []ir.Tmp{0, 1},
		},
		{
			name:      "dirty with result",
			stmt:      &ir.Dirty{Tmp: 1, Callee: "amd64g_dirtyhelper_RDTSC", Guard: &ir.Const{Ty: ir.I1, Value: 1}},
			wantTemps: []ir.Tmp{1},
		},
		{
			name: "dirty without result",
			stmt: &ir.Dirty{Tmp: ir.NoTmp, Callee: "amd64g_dirtyhelper_CPUID", Guard: &ir.Const{Ty: ir.I1, Value: 1}},
		},
		{
			name: "put indexed",
			stmt: &ir.PutI{Ix: ir.U64(0), Data: ir.Binop("Add64", sp, ir.U64(8))},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testState(ir.I64, ir.I64)
			if err := s.exec(tt.stmt, 1); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(s.temps.values) != len(tt.wantTemps) {
				t.Fatalf("expected %d temporaries written, got %d", len(tt.wantTemps), len(s.temps.values))
			}
			for _, tmp := range tt.wantTemps {
				id, err := s.temps.read(tmp)
				if err != nil {
					t.Fatalf("expected t%d to be written: %v", tmp, err)
				}
				if s.arena.get(id).taint.Concrete {
					t.Errorf("expected t%d to hold a default value", tmp)
				}
			}
			if len(s.tags) != 0 {
				t.Errorf("expected no tags, got %+v", s.tags)
			}
		})
	}
}

func TestOperationLogLevel(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		widths  []ir.Type
		want    string
		notWant string
	}{
		{
			name:    "unimplemented operator",
			op:      "Frobnicate64",
			widths:  []ir.Type{ir.I64, ir.I64},
			want:    "level=error",
			notWant: "level=warning",
		},
		{
			name:    "operand width mismatch",
			op:      "Add64",
			widths:  []ir.Type{ir.I64, ir.I32},
			want:    "level=warning",
			notWant: "level=error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config.NewDefault()
			c.LogLevel = int(config.WarnLevel)
			logger := config.NewLogGroup(c)
			var buf bytes.Buffer
			logger.SetAllOutput(&buf)
			ar := newArena(nil, logger)

			args := make([]exprID, len(tt.widths))
			for i, ty := range tt.widths {
				args[i] = ar.constant(symbolic.NewConst(1, ty.Bits()), ty, true)
			}
			n := ar.get(ar.operation(0x1000, ir.StatementPath(1), tt.op, args, ir.I64))
			if n.taint.Concrete {
				t.Error("expected a degraded value not to be concrete")
			}
			out := buf.String()
			if !strings.Contains(out, tt.want) || strings.Contains(out, tt.notWant) {
				t.Errorf("expected a %s record, got %q", tt.want, out)
			}
		})
	}
}
