package debugger

import (
	"bytes"
	"strings"
	"testing"

	"vmctx/internal/callrecord"
	"vmctx/internal/fndesc"
	"vmctx/internal/hostapi"
	"vmctx/internal/jit"
	"vmctx/internal/opcode"
	"vmctx/internal/stackarena"
	"vmctx/internal/vmctx"
)

// negOne is -1 as a non-constant int32, so converting it to uint32 (the
// stack-offset encoding opcode.Encode expects) is a runtime wraparound
// rather than a disallowed constant conversion.
var negOne int32 = -1

type nullEngine struct{}

func (nullEngine) Allocator() hostapi.Allocator     { return nullAllocator{} }
func (nullEngine) Functions() hostapi.FunctionTable { return nullFunctions{} }
func (nullEngine) WriteMessage(section string, line, col int, msg string) {}

type nullAllocator struct{}

func (nullAllocator) Behaviors(typeID int) (*hostapi.TypeBehaviors, bool)    { return nil, false }
func (nullAllocator) DestroyList(obj hostapi.ObjectHandle, typeID int) error { return nil }

type nullFunctions struct{}

func (nullFunctions) Lookup(id int) (*fndesc.Descriptor, bool) { return nil, false }
func (nullFunctions) VirtualTarget(receiverTypeID, vfTableIndex int) (*fndesc.Descriptor, bool) {
	return nil, false
}

func newContext() *vmctx.Context {
	cfg := vmctx.Config{
		Stack:     stackarena.Config{InitialBlockSize: 64},
		CallStack: callrecord.Config{InitialCapacity: 8},
	}
	return vmctx.New(nullEngine{}, false, cfg, jit.NewProfiler(), jit.NewTable())
}

// addFunction mirrors cmd/vmctxdemo's hand-assembled add(a, b), with a
// SUSPEND ahead of the addition so a breakpoint on line 2 has somewhere
// to land.
func addFunction() *fndesc.Descriptor {
	code := []uint32{
		uint32(opcode.Encode(opcode.OpPshV4, 0)),
		uint32(opcode.Encode(opcode.OpPshV4, uint32(negOne))),
		uint32(opcode.Encode(opcode.OpSUSPEND, 0)),
		uint32(opcode.Encode(opcode.OpAddI32, 0)),
		uint32(opcode.Encode(opcode.OpCpyVtoR4, uint32(int32(1)))),
		uint32(opcode.Encode(opcode.OpRET, 0)),
	}
	return &fndesc.Descriptor{
		ID:   1,
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
			LineNumbers: []fndesc.LineEntry{
				{ProgramPos: 0, Line: 1, Column: 1},
				{ProgramPos: 2, Line: 2, Column: 1},
				{ProgramPos: 5, Line: 3, Column: 1},
			},
			SectionName: "add.as",
		},
	}
}

func TestAddBreakpointPrintsConfirmation(t *testing.T) {
	ctx := newContext()
	d := New(ctx)
	var buf bytes.Buffer
	d.SetOutput(&buf)

	id := d.AddBreakpoint("add.as", 2)
	if id != 1 {
		t.Fatalf("AddBreakpoint returned id %d, want 1", id)
	}
	if !strings.Contains(buf.String(), "Breakpoint 1 set at add.as:2") {
		t.Fatalf("output = %q, want a set-breakpoint confirmation", buf.String())
	}
}

func TestBreakpointHitSuspendsExecutionAndReportsLocation(t *testing.T) {
	ctx := newContext()
	d := New(ctx)
	var buf bytes.Buffer
	d.SetOutput(&buf)
	d.AddBreakpoint("add.as", 2)

	fn := addFunction()
	if err := ctx.Prepare(fn); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	_ = ctx.SetArgDWord(0, 5)
	_ = ctx.SetArgDWord(1, 6)

	status, err := ctx.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status != vmctx.StatusSuspended {
		t.Fatalf("status = %v, want StatusSuspended", status)
	}

	hit := d.LastBreakpointHit()
	if hit == nil {
		t.Fatal("LastBreakpointHit() = nil, want the breakpoint that fired")
	}
	if hit.HitCount != 1 {
		t.Fatalf("HitCount = %d, want 1", hit.HitCount)
	}
	if !strings.Contains(buf.String(), "Breakpoint 1 hit at add.as:2") {
		t.Fatalf("output = %q, want a breakpoint-hit line", buf.String())
	}

	buf.Reset()
	d.ShowCurrentLocation()
	if !strings.Contains(buf.String(), "add.as:2") {
		t.Fatalf("ShowCurrentLocation output = %q, want add.as:2", buf.String())
	}

	buf.Reset()
	d.ShowCallStack()
	if !strings.Contains(buf.String(), "add") {
		t.Fatalf("ShowCallStack output = %q, want the function name", buf.String())
	}

	buf.Reset()
	d.AddWatch("a")
	d.AddWatch("b")
	buf.Reset()
	d.ShowWatches()
	out := buf.String()
	if !strings.Contains(out, "a = 5") || !strings.Contains(out, "b = 6") {
		t.Fatalf("ShowWatches output = %q, want both arguments reported", out)
	}

	status, err = ctx.Execute()
	if err != nil {
		t.Fatalf("Execute (resume): %v", err)
	}
	if status != vmctx.StatusFinished {
		t.Fatalf("status after resume = %v, want StatusFinished", status)
	}
	if got := ctx.GetReturnDWord(); got != 11 {
		t.Fatalf("GetReturnDWord() = %d, want 11", got)
	}
}

func TestShowLocalsReportsInScopeVariables(t *testing.T) {
	ctx := newContext()
	d := New(ctx)
	var buf bytes.Buffer
	d.SetOutput(&buf)
	d.AddBreakpoint("add.as", 2)

	fn := addFunction()
	if err := ctx.Prepare(fn); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	_ = ctx.SetArgDWord(0, 1)
	_ = ctx.SetArgDWord(1, 2)

	if _, err := ctx.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	buf.Reset()
	d.executeCommand("locals")
	out := buf.String()
	if !strings.Contains(out, "int32 a = 1") {
		t.Fatalf("locals output = %q, want int32 a = 1", out)
	}
	if !strings.Contains(out, "int32 b = 2") {
		t.Fatalf("locals output = %q, want int32 b = 2", out)
	}
}

func TestRemoveBreakpointAndListBreakpoints(t *testing.T) {
	ctx := newContext()
	d := New(ctx)
	var buf bytes.Buffer
	d.SetOutput(&buf)

	id := d.AddBreakpoint("add.as", 2)
	buf.Reset()
	d.ListBreakpoints()
	if !strings.Contains(buf.String(), "add.as:2") {
		t.Fatalf("ListBreakpoints output = %q", buf.String())
	}

	if !d.RemoveBreakpoint(id) {
		t.Fatal("RemoveBreakpoint should succeed for a known ID")
	}
	if d.RemoveBreakpoint(id) {
		t.Fatal("RemoveBreakpoint should fail for an already-removed ID")
	}

	buf.Reset()
	d.ListBreakpoints()
	if !strings.Contains(buf.String(), "No breakpoints set") {
		t.Fatalf("ListBreakpoints output = %q, want No breakpoints set", buf.String())
	}
}

func TestUnwatchRemovesAWatch(t *testing.T) {
	ctx := newContext()
	d := New(ctx)
	var buf bytes.Buffer
	d.SetOutput(&buf)

	d.AddWatch("a")
	buf.Reset()
	d.RemoveWatch("a")
	if !strings.Contains(buf.String(), "Removed watch: a") {
		t.Fatalf("RemoveWatch output = %q", buf.String())
	}
	buf.Reset()
	d.RemoveWatch("a")
	if !strings.Contains(buf.String(), "Watch not found: a") {
		t.Fatalf("RemoveWatch (second) output = %q", buf.String())
	}
}

func TestExecuteCommandFrameSwitch(t *testing.T) {
	ctx := newContext()
	d := New(ctx)
	var buf bytes.Buffer
	d.SetOutput(&buf)

	d.executeCommand("frame")
	if !strings.Contains(buf.String(), "Current frame: 0") {
		t.Fatalf("frame output = %q, want Current frame: 0", buf.String())
	}

	buf.Reset()
	d.executeCommand("frame 3")
	if !strings.Contains(buf.String(), "Invalid frame") {
		t.Fatalf("frame 3 output = %q, want an invalid-frame message with no active context", buf.String())
	}
}

func TestExecuteCommandUnknown(t *testing.T) {
	ctx := newContext()
	d := New(ctx)
	var buf bytes.Buffer
	d.SetOutput(&buf)

	d.executeCommand("bogus")
	if !strings.Contains(buf.String(), "Unknown command: bogus") {
		t.Fatalf("output = %q, want an unknown-command message", buf.String())
	}
}
