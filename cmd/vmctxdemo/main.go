// cmd/vmctxdemo/main.go
package main

import (
	"fmt"
	"log"
	"os"

	"vmctx/internal/callrecord"
	"vmctx/internal/debugger"
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

// nullEngine satisfies hostapi.Engine for bytecode that never touches an
// object type, the function table, or a native call.
type nullEngine struct{}

func (nullEngine) Allocator() hostapi.Allocator   { return nullAllocator{} }
func (nullEngine) Functions() hostapi.FunctionTable { return nullFunctions{} }
func (nullEngine) WriteMessage(section string, line, col int, msg string) {
	fmt.Fprintf(os.Stderr, "%s(%d,%d): %s\n", section, line, col, msg)
}

type nullAllocator struct{}

func (nullAllocator) Behaviors(typeID int) (*hostapi.TypeBehaviors, bool) { return nil, false }
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

// addFunction hand-assembles "int add(int a, int b) { return a + b; }":
// push both params, add them, copy the result into the value register, and
// return. CpyVtoR4's offset is computed from where AddI32 leaves its result
// on the operand stack, not from a separately allocated local. The SUSPEND
// ahead of AddI32 gives the debugger a line callback to break on; it is a
// no-op unless something has called Suspend() by the time it runs.
func addFunction() *fndesc.Descriptor {
	code := []uint32{
		uint32(opcode.Encode(opcode.OpPshV4, 0)),                   // push a (arg 0)
		uint32(opcode.Encode(opcode.OpPshV4, uint32(negOne))),       // push b (arg 1)
		uint32(opcode.Encode(opcode.OpSUSPEND, 0)),                 // line callback fires here
		uint32(opcode.Encode(opcode.OpAddI32, 0)),                  // a + b, result left at former a's slot
		uint32(opcode.Encode(opcode.OpCpyVtoR4, uint32(int32(1)))), // valueRegister = result
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

// divFunction hand-assembles "int div(int a, int b) { return a / b; }",
// used here to demonstrate the exception path when b is zero.
func divFunction() *fndesc.Descriptor {
	code := []uint32{
		uint32(opcode.Encode(opcode.OpPshV4, 0)),
		uint32(opcode.Encode(opcode.OpPshV4, uint32(negOne))),
		uint32(opcode.Encode(opcode.OpDivI32, 0)),
		uint32(opcode.Encode(opcode.OpCpyVtoR4, uint32(int32(1)))),
		uint32(opcode.Encode(opcode.OpRET, 0)),
	}
	return &fndesc.Descriptor{
		ID:   2,
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

func runAdd(a, b int32) {
	ctx := newContext()
	fn := addFunction()
	if err := ctx.Prepare(fn); err != nil {
		log.Fatalf("prepare: %v", err)
	}
	if err := ctx.SetArgDWord(0, uint32(a)); err != nil {
		log.Fatalf("set arg 0: %v", err)
	}
	if err := ctx.SetArgDWord(1, uint32(b)); err != nil {
		log.Fatalf("set arg 1: %v", err)
	}
	if _, err := ctx.Execute(); err != nil {
		log.Fatalf("execute: %v", err)
	}
	fmt.Printf("add(%d, %d) = %d\n", a, b, int32(ctx.GetReturnDWord()))
}

func runDivByZero(a, b int32) {
	ctx := newContext()
	fn := divFunction()
	if err := ctx.Prepare(fn); err != nil {
		log.Fatalf("prepare: %v", err)
	}
	_ = ctx.SetArgDWord(0, uint32(a))
	_ = ctx.SetArgDWord(1, uint32(b))
	status, err := ctx.Execute()
	fmt.Printf("div(%d, %d) -> status=%v err=%v\n", a, b, status, err)
}

// runWithBreakpoint attaches a debugger to an add() run and sets a
// breakpoint on line 2 (the SUSPEND ahead of AddI32), showing the suspend
// and locals inspection without driving the interactive REPL.
func runWithBreakpoint(a, b int32) {
	ctx := newContext()
	dbg := debugger.New(ctx)
	dbg.AddBreakpoint("add.as", 2)

	fn := addFunction()
	if err := ctx.Prepare(fn); err != nil {
		log.Fatalf("prepare: %v", err)
	}
	_ = ctx.SetArgDWord(0, uint32(a))
	_ = ctx.SetArgDWord(1, uint32(b))

	status, err := ctx.Execute()
	fmt.Printf("after first Execute: status=%v err=%v\n", status, err)
	if hit := dbg.LastBreakpointHit(); hit != nil {
		dbg.ShowCurrentLocation()
		dbg.ShowCallStack()
		dbg.AddWatch("a")
		dbg.AddWatch("b")
		dbg.ShowWatches()
	}

	status, err = ctx.Execute()
	fmt.Printf("after resume: status=%v err=%v\n", status, err)
	if status == vmctx.StatusFinished {
		fmt.Printf("add(%d, %d) = %d\n", a, b, int32(ctx.GetReturnDWord()))
	}
}

func main() {
	runAdd(3, 4)
	runDivByZero(10, 0)
	runWithBreakpoint(5, 6)
}
