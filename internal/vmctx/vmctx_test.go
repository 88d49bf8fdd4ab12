package vmctx

import (
	"testing"

	"vmctx/internal/callrecord"
	"vmctx/internal/fndesc"
	"vmctx/internal/hostapi"
	"vmctx/internal/jit"
	"vmctx/internal/opcode"
	"vmctx/internal/stackarena"
	"vmctx/internal/vmerr"
)

// negOne is -1 as a non-constant int32, so converting it to uint32 (the
// stack-offset encoding opcode.Encode expects) is a runtime wraparound
// rather than a disallowed constant conversion.
var negOne int32 = -1

// testEngine is a minimal hostapi.Engine backed by a plain map, used by
// every test in this file that needs CALL to resolve a target.
type testEngine struct {
	fns map[int]*fndesc.Descriptor
}

func newTestEngine() *testEngine { return &testEngine{fns: make(map[int]*fndesc.Descriptor)} }

func (e *testEngine) Allocator() hostapi.Allocator     { return testAllocator{} }
func (e *testEngine) Functions() hostapi.FunctionTable { return testFunctions{e.fns} }
func (e *testEngine) WriteMessage(section string, line, col int, msg string) {}

type testAllocator struct{}

func (testAllocator) Behaviors(typeID int) (*hostapi.TypeBehaviors, bool) { return nil, false }
func (testAllocator) DestroyList(obj hostapi.ObjectHandle, typeID int) error { return nil }

type testFunctions struct{ fns map[int]*fndesc.Descriptor }

func (t testFunctions) Lookup(id int) (*fndesc.Descriptor, bool) {
	fn, ok := t.fns[id]
	return fn, ok
}
func (t testFunctions) VirtualTarget(receiverTypeID, vfTableIndex int) (*fndesc.Descriptor, bool) {
	return nil, false
}

func newTestContext(engine hostapi.Engine) *Context {
	cfg := Config{
		Stack:     stackarena.Config{InitialBlockSize: 64},
		CallStack: callrecord.Config{InitialCapacity: 8},
	}
	return New(engine, false, cfg, jit.NewProfiler(), jit.NewTable())
}

// addFn mirrors "int add(int a, int b) { return a + b; }": push both params,
// add, copy the result into the value register, return.
func addFn(id int, withSuspend bool) *fndesc.Descriptor {
	var code []uint32
	lines := []fndesc.LineEntry{{ProgramPos: 0, Line: 1, Column: 1}}
	code = append(code,
		uint32(opcode.Encode(opcode.OpPshV4, 0)),
		uint32(opcode.Encode(opcode.OpPshV4, uint32(negOne))),
	)
	if withSuspend {
		code = append(code, uint32(opcode.Encode(opcode.OpSUSPEND, 0)))
	}
	code = append(code,
		uint32(opcode.Encode(opcode.OpAddI32, 0)),
		uint32(opcode.Encode(opcode.OpCpyVtoR4, uint32(int32(1)))),
		uint32(opcode.Encode(opcode.OpRET, 0)),
	)
	return &fndesc.Descriptor{
		ID:   id,
		Name: "add",
		Params: []fndesc.Param{
			{Kind: fndesc.KindDWord},
			{Kind: fndesc.KindDWord},
		},
		ReturnKind: fndesc.KindDWord,
		Script: &fndesc.ScriptData{
			ByteCode:    code,
			StackNeeded: 2,
			Variables: []fndesc.VarInfo{
				{Name: "a", Kind: fndesc.KindDWord, StackOffset: 0},
				{Name: "b", Kind: fndesc.KindDWord, StackOffset: -1},
			},
			LineNumbers: lines,
			SectionName: "add.as",
		},
	}
}

// divFn mirrors "int div(int a, int b) { return a / b; }" with no try/catch
// coverage, used to exercise the uncaught-exception path.
func divFn(id int) *fndesc.Descriptor {
	code := []uint32{
		uint32(opcode.Encode(opcode.OpPshV4, 0)),
		uint32(opcode.Encode(opcode.OpPshV4, uint32(negOne))),
		uint32(opcode.Encode(opcode.OpDivI32, 0)),
		uint32(opcode.Encode(opcode.OpCpyVtoR4, uint32(int32(1)))),
		uint32(opcode.Encode(opcode.OpRET, 0)),
	}
	return &fndesc.Descriptor{
		ID:   id,
		Name: "div",
		Params: []fndesc.Param{
			{Kind: fndesc.KindDWord},
			{Kind: fndesc.KindDWord},
		},
		ReturnKind: fndesc.KindDWord,
		Script: &fndesc.ScriptData{
			ByteCode:    code,
			StackNeeded: 2,
			LineNumbers: []fndesc.LineEntry{{ProgramPos: 0, Line: 1, Column: 1}},
			SectionName: "div.as",
		},
	}
}

func TestExecuteAdd(t *testing.T) {
	ctx := newTestContext(newTestEngine())
	fn := addFn(1, false)
	if err := ctx.Prepare(fn); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := ctx.SetArgDWord(0, 3); err != nil {
		t.Fatalf("SetArgDWord(0): %v", err)
	}
	if err := ctx.SetArgDWord(1, 4); err != nil {
		t.Fatalf("SetArgDWord(1): %v", err)
	}
	status, err := ctx.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != StatusFinished {
		t.Fatalf("status = %v, want StatusFinished", status)
	}
	if got := ctx.GetReturnDWord(); got != 7 {
		t.Fatalf("GetReturnDWord() = %d, want 7", got)
	}
}

func TestExecuteDivisionByZeroUncaught(t *testing.T) {
	ctx := newTestContext(newTestEngine())
	fn := divFn(2)
	if err := ctx.Prepare(fn); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	_ = ctx.SetArgDWord(0, 10)
	_ = ctx.SetArgDWord(1, 0)
	status, err := ctx.Execute()
	if status != StatusException {
		t.Fatalf("status = %v, want StatusException", status)
	}
	se, ok := err.(*vmerr.ScriptException)
	if !ok {
		t.Fatalf("err = %T, want *vmerr.ScriptException", err)
	}
	if se.Kind != vmerr.DivideByZero {
		t.Fatalf("Kind = %v, want DivideByZero", se.Kind)
	}
	if se.Section != "div.as" {
		t.Fatalf("Section = %q, want div.as", se.Section)
	}
}

func TestExecuteNestedCall(t *testing.T) {
	engine := newTestEngine()
	inner := addFn(10, false)
	engine.fns[inner.ID] = inner

	// outer(): push b(4), push a(3) (reverse order — the callee's frame
	// pointer lands on the last-pushed word, which must be argument 0),
	// CALL inner, RET. Each PshC4 carries its constant in the word after the
	// opcode word. The CALL's second word is the filler Size(OpCALL)
	// reserves alongside the packed function ID.
	outerCode := []uint32{
		uint32(opcode.Encode(opcode.OpPshC4, 0)), 4,
		uint32(opcode.Encode(opcode.OpPshC4, 0)), 3,
		uint32(opcode.Encode(opcode.OpCALL, uint32(inner.ID))),
		0, // filler word for OpCALL's second word
		uint32(opcode.Encode(opcode.OpRET, 0)),
	}
	outer := &fndesc.Descriptor{
		ID:         20,
		Name:       "outer",
		ReturnKind: fndesc.KindDWord,
		Script: &fndesc.ScriptData{
			ByteCode:    outerCode,
			StackNeeded: 2,
			SectionName: "outer.as",
			LineNumbers: []fndesc.LineEntry{{ProgramPos: 0, Line: 1, Column: 1}},
		},
	}
	engine.fns[outer.ID] = outer

	ctx := newTestContext(engine)
	if err := ctx.Prepare(outer); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	status, err := ctx.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != StatusFinished {
		t.Fatalf("status = %v, want StatusFinished", status)
	}
	if got := ctx.GetReturnDWord(); got != 7 {
		t.Fatalf("GetReturnDWord() = %d, want 7 (3+4 via nested call)", got)
	}
}

// TestExecuteCaughtException builds "a/b" guarded by a try/catch whose
// handler loads a sentinel global into the value register, confirming the
// stack/program-pointer reset cleanStackFrame performs on a catch actually
// redirects execution instead of propagating the exception.
func TestExecuteCaughtException(t *testing.T) {
	code := []uint32{
		uint32(opcode.Encode(opcode.OpPshV4, 0)),                  // 0: push a
		uint32(opcode.Encode(opcode.OpPshV4, uint32(negOne))),  // 1: push b
		uint32(opcode.Encode(opcode.OpDivI32, 0)),                 // 2: a/b, raises here when b==0
		uint32(opcode.Encode(opcode.OpCpyVtoR4, uint32(int32(1)))), // 3: unreached
		uint32(opcode.Encode(opcode.OpRET, 0)),                     // 4: unreached
		uint32(opcode.Encode(opcode.OpLdGRdR4, 0)),                 // 5: catch: valueRegister = globals[0]
		0,                                                           // 6: filler word for OpLdGRdR4
		uint32(opcode.Encode(opcode.OpRET, 0)),                     // 7
	}
	fn := &fndesc.Descriptor{
		ID:         3,
		Name:       "divCaught",
		ReturnKind: fndesc.KindDWord,
		Params: []fndesc.Param{
			{Kind: fndesc.KindDWord},
			{Kind: fndesc.KindDWord},
		},
		Script: &fndesc.ScriptData{
			ByteCode:    code,
			StackNeeded: 2,
			TryCatchInfo: []fndesc.TryCatchRange{
				{TryPos: 0, CatchPos: 5, StackSize: 0},
			},
			LineNumbers: []fndesc.LineEntry{{ProgramPos: 0, Line: 1, Column: 1}},
			SectionName: "divCaught.as",
		},
	}

	ctx := newTestContext(newTestEngine())
	ctx.writeGlobal32(0, 999)

	if err := ctx.Prepare(fn); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	_ = ctx.SetArgDWord(0, 10)
	_ = ctx.SetArgDWord(1, 0)

	status, err := ctx.Execute()
	if err != nil {
		t.Fatalf("Execute: %v, want the exception caught internally", err)
	}
	if status != StatusFinished {
		t.Fatalf("status = %v, want StatusFinished", status)
	}
	if got := ctx.GetReturnDWord(); got != 999 {
		t.Fatalf("GetReturnDWord() = %d, want 999 from the catch handler", got)
	}
}

func TestExecuteSuspendAndResume(t *testing.T) {
	ctx := newTestContext(newTestEngine())
	fn := addFn(4, true)
	suspended := false
	_ = ctx.SetLineCallback(func(c *Context) {
		if !suspended {
			suspended = true
			c.Suspend()
		}
	})
	if err := ctx.Prepare(fn); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	_ = ctx.SetArgDWord(0, 5)
	_ = ctx.SetArgDWord(1, 6)

	status, err := ctx.Execute()
	if err != nil {
		t.Fatalf("Execute (first): %v", err)
	}
	if status != StatusSuspended {
		t.Fatalf("status = %v, want StatusSuspended", status)
	}

	status, err = ctx.Execute()
	if err != nil {
		t.Fatalf("Execute (resume): %v", err)
	}
	if status != StatusFinished {
		t.Fatalf("status after resume = %v, want StatusFinished", status)
	}
	if got := ctx.GetReturnDWord(); got != 11 {
		t.Fatalf("GetReturnDWord() = %d, want 11", got)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	engine := newTestEngine()
	fn := addFn(5, true)
	engine.fns[fn.ID] = fn

	ctx := newTestContext(engine)
	suspended := false
	_ = ctx.SetLineCallback(func(c *Context) {
		if !suspended {
			suspended = true
			c.Suspend()
		}
	})
	if err := ctx.Prepare(fn); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	_ = ctx.SetArgDWord(0, 20)
	_ = ctx.SetArgDWord(1, 22)
	status, err := ctx.Execute()
	if err != nil || status != StatusSuspended {
		t.Fatalf("setup Execute: status=%v err=%v, want StatusSuspended", status, err)
	}

	data, err := ctx.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	restored := newTestContext(engine)
	if err := restored.RestoreSnapshot(data); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	status, err = restored.Execute()
	if err != nil {
		t.Fatalf("Execute after restore: %v", err)
	}
	if status != StatusFinished {
		t.Fatalf("status after restore+resume = %v, want StatusFinished", status)
	}
	if got := restored.GetReturnDWord(); got != 42 {
		t.Fatalf("GetReturnDWord() = %d, want 42", got)
	}
}

func TestPrepareFailsWithStackOverflow(t *testing.T) {
	cfg := Config{
		Stack:     stackarena.Config{InitialBlockSize: 8, MaximumStackSize: 8},
		CallStack: callrecord.Config{InitialCapacity: 4},
	}
	ctx := New(newTestEngine(), false, cfg, jit.NewProfiler(), jit.NewTable())

	fn := &fndesc.Descriptor{
		ID:         6,
		Name:       "tooBig",
		ReturnKind: fndesc.KindVoid,
		Script: &fndesc.ScriptData{
			ByteCode:    []uint32{uint32(opcode.Encode(opcode.OpRET, 0))},
			StackNeeded: 100,
			SectionName: "tooBig.as",
		},
	}

	err := ctx.Prepare(fn)
	if err == nil {
		t.Fatal("Prepare should fail when StackNeeded exceeds MaximumStackSize")
	}
	if got := vmerr.Code(err); got != vmerr.OutOfMemory {
		t.Fatalf("Code(err) = %v, want OutOfMemory", got)
	}
}
