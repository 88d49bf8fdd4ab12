package vmctx

import (
	"sync"

	"vmctx/internal/hostapi"
	"vmctx/internal/jit"
	"vmctx/internal/opcode"
	"vmctx/internal/vmerr"
)

// activeContexts stands in for the engine's thread-local "active contexts"
// stack: asGetActiveContext returns its top. Go has no true
// thread-local storage and this VM's cooperative model never runs two
// Executes on the same goroutine concurrently, so a single mutex-guarded
// stack keyed by nothing more than call order is sufficient — it is pushed
// on Execute entry and popped on exit, same shape as the original.
var activeContexts struct {
	mu    sync.Mutex
	stack []*Context
}

func pushActiveContext(c *Context) {
	activeContexts.mu.Lock()
	activeContexts.stack = append(activeContexts.stack, c)
	activeContexts.mu.Unlock()
}

func popActiveContext() {
	activeContexts.mu.Lock()
	if n := len(activeContexts.stack); n > 0 {
		activeContexts.stack = activeContexts.stack[:n-1]
	}
	activeContexts.mu.Unlock()
}

// ActiveContext returns the innermost currently executing Context, or nil.
func ActiveContext() *Context {
	activeContexts.mu.Lock()
	defer activeContexts.mu.Unlock()
	if n := len(activeContexts.stack); n > 0 {
		return activeContexts.stack[n-1]
	}
	return nil
}

// Execute runs the interpreter loop until it hits SUSPEND, RET at the
// bottom of the call stack, an uncaught Exception, or Abort. It transitions Prepared/Suspended -> Active on entry.
func (c *Context) Execute() (Status, error) {
	c.mu.Lock()
	if c.status != StatusPrepared && c.status != StatusSuspended {
		status := c.status
		c.mu.Unlock()
		return status, vmerr.Wrap("Execute", vmerr.ContextNotPrepared)
	}
	c.status = StatusActive
	c.regs.DoProcessSuspend = false
	c.mu.Unlock()

	pushActiveContext(c)
	defer popActiveContext()

	c.run()

	c.mu.Lock()
	defer c.mu.Unlock()
	for c.status == StatusException {
		c.cleanStack(true)
		if c.status != StatusActive {
			break
		}
		// Caught: resume running from the catch entry. Any number of
		// sequential try/catch exceptions within this one Execute keep
		// looping here until a genuine terminal status is reached.
		c.mu.Unlock()
		c.run()
		c.mu.Lock()
	}
	if c.status == StatusException {
		return c.status, &vmerr.ScriptException{
			Kind:        c.exception.Kind,
			Description: c.exception.Description,
			FunctionID:  c.exception.FunctionID,
			Section:     c.exception.Section,
			Line:        c.exception.Line,
			Column:      c.exception.Column,
		}
	}
	return c.status, nil
}

// run is the dispatch loop proper, operating directly on c.regs. The
// original keeps hot registers in locals and writes back only before a call
// that may observe them; here the registers already live in a single
// struct, so the same discipline shows up as "flush before callScript*/
// callSystem, reload after" rather than local-variable shuffling.
func (c *Context) run() {
	for c.status == StatusActive {
		if c.currentFunction == nil || c.currentFunction.Script == nil {
			c.setInternalException(vmerr.UnrecognizedByteCode, "")
			return
		}
		code := c.currentFunction.Script.ByteCode
		if c.regs.ProgramPointer < 0 || c.regs.ProgramPointer >= len(code) {
			// Falling off the end of the bytecode with no explicit RET is
			// treated the same as an implicit return of the bottom frame.
			c.ret()
			continue
		}
		instr := opcode.Instruction(code[c.regs.ProgramPointer])
		op := instr.Op()
		size := opcode.Size(op)
		advanced := false

		switch {
		case c.isArith(op):
			c.execArith(op, instr)
		case c.isBit(op):
			c.execBit(op, instr)
		case c.isUnary(op):
			c.execUnary(op)
		case c.isConvert(op):
			c.execConvert(op)
		case c.isCompare(op):
			c.execCompare(op)
		case c.isStackMove(op):
			c.execStackMove(op, instr)
		case c.isMemory(op):
			c.execMemory(op, instr)
		case c.isObjectLifecycle(op):
			c.execObjectLifecycle(op, instr)
		case c.isExponent(op):
			c.execExponent(op)
		default:
			switch op {
			case opcode.OpJMP, opcode.OpJZ, opcode.OpJNZ, opcode.OpJS, opcode.OpJNS,
				opcode.OpJP, opcode.OpJNP, opcode.OpJLowZ, opcode.OpJLowNZ, opcode.OpJMPP:
				c.execBranch(op, instr, size)
				advanced = true
			case opcode.OpCALL:
				c.execCall(int(instr.Arg0()))
				advanced = true
			case opcode.OpCALLSYS, opcode.OpCALLBND:
				c.execCallSys(int(instr.Arg0()))
				advanced = true
			case opcode.OpCALLINTF:
				c.execCallIntf(int(instr.Arg0()))
				advanced = true
			case opcode.OpCallPtr, opcode.OpThiscall1:
				c.execCallPtr()
				advanced = true
			case opcode.OpRET:
				c.ret()
				advanced = true
			case opcode.OpSUSPEND:
				c.execSuspend()
				advanced = true // position already advanced before suspending
			case opcode.OpJitEntry:
				c.execJitEntry(instr)
			case opcode.OpSTR:
				// deprecated no-op
			default:
				c.setInternalException(vmerr.UnrecognizedByteCode, "")
				return
			}
		}

		if !advanced && c.status == StatusActive {
			c.regs.ProgramPointer += size
		}
	}
}

// ret implements the bottom-of-stack RET: pop a CallFrame if one exists
// (returning to the caller), or finish the execution if the call stack has
// unwound to the initial frame.
func (c *Context) ret() {
	if rec, ok := c.callStack.Peek(); ok && !rec.IsSentinel() {
		c.callStack.Pop()
		c.currentFunction = rec.Frame.Function
		c.regs.ProgramPointer = rec.Frame.ProgramPointer + opcode.Size(opcode.OpCALL)
		c.regs.StackFramePointer = rec.Frame.StackFramePointer
		c.regs.StackPointer = rec.Frame.StackPointer
		return
	}
	c.status = StatusFinished
}

func (c *Context) execSuspend() {
	if c.lineCallback != nil {
		c.lineCallback(c)
	}
	c.regs.ProgramPointer += opcode.Size(opcode.OpSUSPEND)
	if doSuspend, doAbort := c.flags.snapshot(); doAbort {
		c.status = StatusAborted
	} else if doSuspend {
		c.status = StatusSuspended
	}
}

func (c *Context) execJitEntry(instr opcode.Instruction) {
	size := opcode.Size(opcode.OpJitEntry)
	if c.jitTable == nil || c.currentFunction == nil || instr.Arg0() == 0 {
		c.regs.ProgramPointer += size
		return
	}
	entry, ok := c.jitTable.Lookup(c.currentFunction.ID, c.regs.ProgramPointer)
	if !ok {
		c.regs.ProgramPointer += size
		return
	}
	tier := jitTierFor(c)
	if !entry(tier) {
		c.regs.ProgramPointer += size
	}
	// A resumed entry is responsible for leaving c.regs.ProgramPointer at
	// wherever it wants interpretation to continue.
}

func jitTierFor(c *Context) jit.Tier {
	if c.profiler == nil || c.currentFunction == nil {
		return jit.TierInterpreted
	}
	switch n := c.profiler.CallCount(c.currentFunction.ID); {
	case n >= jit.Tier2Threshold:
		return jit.TierOptimized
	case n >= jit.Tier1Threshold:
		return jit.TierQuick
	}
	return jit.TierInterpreted
}

func (c *Context) execBranch(op opcode.OpCode, instr opcode.Instruction, size int) {
	taken := false
	switch op {
	case opcode.OpJMP:
		taken = true
	case opcode.OpJZ:
		taken = uint32(c.regs.ValueRegister) == 0
	case opcode.OpJNZ:
		taken = uint32(c.regs.ValueRegister) != 0
	case opcode.OpJS:
		taken = int32(uint32(c.regs.ValueRegister)) < 0
	case opcode.OpJNS:
		taken = int32(uint32(c.regs.ValueRegister)) >= 0
	case opcode.OpJP:
		taken = int32(uint32(c.regs.ValueRegister)) > 0
	case opcode.OpJNP:
		taken = int32(uint32(c.regs.ValueRegister)) <= 0
	case opcode.OpJLowZ:
		taken = byte(c.regs.ValueRegister) == 0
	case opcode.OpJLowNZ:
		taken = byte(c.regs.ValueRegister) != 0
	case opcode.OpJMPP:
		c.regs.ProgramPointer += 1 + int(int32(uint32(c.regs.ValueRegister)))
		return
	}
	if taken {
		c.regs.ProgramPointer += size + int(instr.SOff24())
	} else {
		c.regs.ProgramPointer += size
	}
}

func (c *Context) execCall(functionID int) {
	if c.engine == nil {
		c.setInternalException(vmerr.UnboundFunction, "")
		return
	}
	target, ok := c.engine.Functions().Lookup(functionID)
	if !ok {
		c.setInternalException(vmerr.UnboundFunction, "")
		return
	}
	c.callScriptFunction(target)
}

func (c *Context) execCallSys(functionID int) {
	if c.engine == nil {
		c.setInternalException(vmerr.UnboundFunction, "")
		return
	}
	target, ok := c.engine.Functions().Lookup(functionID)
	if !ok {
		c.setInternalException(vmerr.UnboundFunction, "")
		return
	}
	if !c.callSystem(target) {
		return
	}
	c.regs.ProgramPointer += opcode.Size(opcode.OpCALLSYS)
	c.pollSuspendAfterSystemCall()
}

func (c *Context) execCallIntf(functionID int) {
	if c.engine == nil {
		c.setInternalException(vmerr.UnboundFunction, "")
		return
	}
	target, ok := c.engine.Functions().Lookup(functionID)
	if !ok {
		c.setInternalException(vmerr.UnboundFunction, "")
		return
	}
	c.callInterfaceMethod(target)
}

func (c *Context) execCallPtr() {
	h := hostapi.ObjectHandle(c.stack.ReadU64(c.regs.StackPointer))
	c.stack.Pop(1)
	c.regs.StackPointer = addOffset(c.regs.StackPointer, 1)
	if h == hostapi.Nil {
		c.setInternalException(vmerr.NullPointerAccess, "")
		return
	}
	if c.engine == nil {
		c.setInternalException(vmerr.UnboundFunction, "")
		return
	}
	target, ok := c.engine.Functions().Lookup(int(h))
	if !ok {
		c.setInternalException(vmerr.UnboundFunction, "")
		return
	}
	if target.IsSystem {
		if !c.callSystem(target) {
			return
		}
		c.regs.ProgramPointer += opcode.Size(opcode.OpCallPtr)
		return
	}
	c.callScriptFunction(target)
}

func (c *Context) pollSuspendAfterSystemCall() {
	if doSuspend, doAbort := c.flags.snapshot(); doAbort {
		c.status = StatusAborted
	} else if doSuspend {
		c.status = StatusSuspended
	}
}

// --- category predicates -----------------------------------------------

func (c *Context) isArith(op opcode.OpCode) bool {
	return op >= opcode.OpAddI32 && op <= opcode.OpMulF32Imm
}
func (c *Context) isBit(op opcode.OpCode) bool { return op >= opcode.OpBAnd32 && op <= opcode.OpBSRA64 }
func (c *Context) isUnary(op opcode.OpCode) bool {
	return op >= opcode.OpNegI32 && op <= opcode.OpBNot64
}
func (c *Context) isConvert(op opcode.OpCode) bool { return op >= opcode.OpITOF && op <= opcode.OpITOW }
func (c *Context) isCompare(op opcode.OpCode) bool {
	return op >= opcode.OpCmpI32 && op <= opcode.OpCmpPtr
}
func (c *Context) isStackMove(op opcode.OpCode) bool {
	return op >= opcode.OpPopPtr && op <= opcode.OpTypeId
}
func (c *Context) isMemory(op opcode.OpCode) bool {
	return op >= opcode.OpRDR1 && op <= opcode.OpCpyGtoV
}
func (c *Context) isObjectLifecycle(op opcode.OpCode) bool {
	return op >= opcode.OpALLOC && op <= opcode.OpChkNullS
}
func (c *Context) isExponent(op opcode.OpCode) bool {
	return op >= opcode.OpPowI32 && op <= opcode.OpPowDI
}
