package vmctx

import (
	"vmctx/internal/callrecord"
	"vmctx/internal/fndesc"
	"vmctx/internal/hostapi"
	"vmctx/internal/opcode"
	"vmctx/internal/vmerr"
)

// callScriptFunction pushes a CallFrame for the currently executing
// function, switches currentFunction to target, and runs
// prepareScriptFunction on it.
func (c *Context) callScriptFunction(target *fndesc.Descriptor) bool {
	frame := callrecord.CallFrame{
		StackFramePointer: c.regs.StackFramePointer,
		Function:          c.currentFunction,
		ProgramPointer:    c.regs.ProgramPointer,
		StackPointer:      c.regs.StackPointer,
	}
	if !c.callStack.Push(callrecord.Record{Kind: callrecord.KindCallFrame, Frame: frame}) {
		c.setInternalException(vmerr.StackOverflow, "")
		return false
	}
	c.currentFunction = target
	c.regs.ProgramPointer = 0
	return c.prepareScriptFunction(target)
}

// prepareScriptFunction reserves stackNeeded (copying already-pushed args
// across a block boundary if needed), moves the frame pointer, zeroes
// heap-object locals, reserves local variable space, and runs the
// suspend-poll/line-callback sequence.
func (c *Context) prepareScriptFunction(fn *fndesc.Descriptor) bool {
	argBytes := fn.SpaceForArguments()
	if fn.HasReceiver {
		argBytes += ptrSizeDWords
	}
	stackNeeded := argBytes + fn.Script.StackNeeded

	before := c.regs.StackPointer
	grown, ok := c.stack.Grow(stackNeeded, argBytes)
	if !ok {
		c.setInternalException(vmerr.StackOverflow, "")
		return false
	}
	if grown.BlockIndex != before.BlockIndex {
		c.stack.CopyAcrossBlocks(grown, before, argBytes)
	}
	c.regs.StackPointer = grown
	c.regs.StackFramePointer = grown

	c.zeroHeapLocals(fn)

	c.stack.Push(fn.Script.VariableSpace)
	c.regs.StackPointer = addOffset(c.regs.StackPointer, -fn.Script.VariableSpace)

	if c.profiler != nil {
		c.profiler.RecordCall(fn.ID)
	}

	c.pollSuspendAtCallEntry()
	return true
}

// zeroHeapLocals nulls every onHeap object-typed local variable slot, so the
// exception engine's live-object scan and normal RET cleanup never observe
// garbage pointers.
func (c *Context) zeroHeapLocals(fn *fndesc.Descriptor) {
	for _, v := range fn.Script.Variables {
		if v.OnHeap {
			c.stack.WriteU64(addOffset(c.regs.StackFramePointer, -v.StackOffset), 0)
		}
	}
}

func (c *Context) pollSuspendAtCallEntry() {
	if c.lineCallback != nil {
		c.lineCallback(c)
	}
	if doSuspend, _ := c.flags.snapshot(); doSuspend {
		c.regs.DoProcessSuspend = true
	}
}

// callInterfaceMethod resolves fn's virtual/interface target against the
// concrete receiver type and calls through to callScriptFunction.
func (c *Context) callInterfaceMethod(fn *fndesc.Descriptor) bool {
	receiverSlot := c.regs.StackPointer
	receiver := hostapi.ObjectHandle(c.stack.ReadU64(receiverSlot))
	if receiver == hostapi.Nil {
		c.setInternalException(vmerr.NullPointerAccess, "")
		return false
	}
	if c.engine == nil {
		c.setInternalException(vmerr.UnboundFunction, "")
		return false
	}
	target, ok := c.engine.Functions().VirtualTarget(fn.ReceiverTypeID, fn.VFTableIndex)
	if !ok {
		c.setInternalException(vmerr.UnboundFunction, "")
		return false
	}
	return c.callScriptFunction(target)
}

// callSystem delegates to the host's native-call marshaller.
// Registers are already flushed by the caller before this runs.
func (c *Context) callSystem(fn *fndesc.Descriptor) bool {
	if c.engine == nil {
		c.setInternalException(vmerr.UnboundFunction, "")
		return false
	}
	marshaller, ok := c.engine.(interface {
		Marshaller() hostapi.Marshaller
	})
	var result hostapi.CallResult
	var err error
	if ok {
		result, err = marshaller.Marshaller().CallSystemFunction(fn, c)
	} else {
		c.setInternalException(vmerr.UnboundFunction, "system call marshalling unavailable")
		return false
	}
	if err != nil {
		c.setInternalException(vmerr.ExceptionCaught, err.Error())
		return false
	}
	if result.AppException != nil {
		c.setInternalException(vmerr.ExceptionCaught, result.AppException.Error())
		return false
	}
	dwords := result.BytesToPop / 4
	c.stack.Pop(dwords)
	c.regs.StackPointer = addOffset(c.regs.StackPointer, dwords)
	return c.status == StatusActive
}

// callGeneric delegates to the host's generic-call marshaller for functions
// using the introspected-args calling convention.
func (c *Context) callGeneric(fn *fndesc.Descriptor) bool {
	if c.engine == nil {
		c.setInternalException(vmerr.UnboundFunction, "")
		return false
	}
	gm, ok := c.engine.(interface {
		GenericMarshaller() hostapi.GenericMarshaller
	})
	if !ok {
		c.setInternalException(vmerr.UnboundFunction, "generic call marshalling unavailable")
		return false
	}
	g := &genericView{ctx: c}
	result, err := gm.GenericMarshaller().CallGenericFunction(fn, g)
	if err != nil {
		c.setInternalException(vmerr.ExceptionCaught, err.Error())
		return false
	}
	if result.AppException != nil {
		c.setInternalException(vmerr.ExceptionCaught, result.AppException.Error())
		return false
	}
	dwords := result.BytesToPop / 4
	c.stack.Pop(dwords)
	c.regs.StackPointer = addOffset(c.regs.StackPointer, dwords)
	return c.status == StatusActive
}

// hostapi.StackAccess / hostapi.Generic implementation, giving the
// marshaller a narrow view onto the operand stack and registers.
type genericView struct{ ctx *Context }

func (g *genericView) ArgDWord(offsetFromTop int) uint32 {
	return g.ctx.stack.ReadU32(addOffset(g.ctx.regs.StackPointer, offsetFromTop))
}

func (g *genericView) ArgQWord(offsetFromTop int) uint64 {
	return g.ctx.stack.ReadU64(addOffset(g.ctx.regs.StackPointer, offsetFromTop))
}

func (g *genericView) ArgPointer(offsetFromTop int) hostapi.ObjectHandle {
	return hostapi.ObjectHandle(g.ctx.stack.ReadU64(addOffset(g.ctx.regs.StackPointer, offsetFromTop)))
}

func (g *genericView) Receiver() hostapi.ObjectHandle {
	return hostapi.ObjectHandle(g.ctx.stack.ReadU64(g.ctx.regs.StackPointer))
}

func (g *genericView) SetValueRegister(v uint64) { g.ctx.regs.ValueRegister = v }

func (g *genericView) SetObjectRegister(obj hostapi.ObjectHandle, typeID int) {
	g.ctx.regs.ObjectRegister = obj
	g.ctx.regs.ObjectType = typeID
}

func (g *genericView) ArgCount() int {
	if g.ctx.currentFunction == nil {
		return 0
	}
	return len(g.ctx.currentFunction.Params)
}

func (g *genericView) SetReturnDWord(v uint32) { g.ctx.regs.ValueRegister = uint64(v) }
func (g *genericView) SetReturnQWord(v uint64) { g.ctx.regs.ValueRegister = v }
func (g *genericView) SetReturnObject(obj hostapi.ObjectHandle, typeID int) {
	g.ctx.regs.ObjectRegister = obj
	g.ctx.regs.ObjectType = typeID
}

// Context itself also satisfies hostapi.StackAccess, used by
// CallSystemFunction when the target doesn't need the full Generic view.
func (c *Context) ArgDWord(offsetFromTop int) uint32 {
	return c.stack.ReadU32(addOffset(c.regs.StackPointer, offsetFromTop))
}
func (c *Context) ArgQWord(offsetFromTop int) uint64 {
	return c.stack.ReadU64(addOffset(c.regs.StackPointer, offsetFromTop))
}
func (c *Context) ArgPointer(offsetFromTop int) hostapi.ObjectHandle {
	return hostapi.ObjectHandle(c.stack.ReadU64(addOffset(c.regs.StackPointer, offsetFromTop)))
}
func (c *Context) Receiver() hostapi.ObjectHandle {
	return hostapi.ObjectHandle(c.stack.ReadU64(c.regs.StackPointer))
}
func (c *Context) SetValueRegister(v uint64) { c.regs.ValueRegister = v }
func (c *Context) SetObjectRegister(obj hostapi.ObjectHandle, typeID int) {
	c.regs.ObjectRegister = obj
	c.regs.ObjectType = typeID
}

// scanForCallTarget walks fn's bytecode forward from the start up to pos,
// counting the argument DWORDs pushed since the last CALL-family instruction
// before pos, then keeps scanning forward from pos to the next
// CALL/CALLSYS/CALLBND/CALLINTF and returns its target: the pending call
// those pushed arguments belong to (nil if none follows).
func (c *Context) scanForCallTarget(fn *fndesc.Descriptor, pos int) (*fndesc.Descriptor, int) {
	var target *fndesc.Descriptor
	pushed := 0
	code := fn.Script.ByteCode
	i := 0
	for i < pos && i < len(code) {
		instr := opcode.Instruction(code[i])
		op := instr.Op()
		switch op {
		case opcode.OpCALL, opcode.OpCALLSYS, opcode.OpCALLBND, opcode.OpCALLINTF:
			pushed = 0
		case opcode.OpPshC4, opcode.OpPshV4, opcode.OpPshG4, opcode.OpPshVPtr, opcode.OpPshRPtr:
			pushed++
		case opcode.OpPshC8, opcode.OpPshV8:
			pushed += 2
		}
		i += opcode.Size(op)
	}
	for ; i < len(code); i += opcode.Size(opcode.Instruction(code[i]).Op()) {
		instr := opcode.Instruction(code[i])
		switch instr.Op() {
		case opcode.OpCALL, opcode.OpCALLSYS, opcode.OpCALLBND, opcode.OpCALLINTF:
			if callee, ok := c.engine.Functions().Lookup(int(instr.Arg0())); ok {
				target = callee
			}
			return target, pushed
		}
	}
	return target, pushed
}
