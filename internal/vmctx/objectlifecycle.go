package vmctx

import (
	"vmctx/internal/hostapi"
	"vmctx/internal/opcode"
	"vmctx/internal/vmerr"
)

// execObjectLifecycle dispatches ALLOC/FREE/REFCPY and friends. All of them ultimately defer to the
// hostapi.Allocator behavior table for the concrete type; this package only
// sequences the calls and stack bookkeeping around them.
func (c *Context) execObjectLifecycle(op opcode.OpCode, instr opcode.Instruction) {
	switch op {
	case opcode.OpALLOC:
		c.execAlloc(instr)
	case opcode.OpFREE:
		c.execFree(instr)
	case opcode.OpREFCPY:
		c.execRefCpy(instr)
	case opcode.OpRefCpyV:
		c.execRefCpyV(instr)
	case opcode.OpLOADOBJ:
		c.execLoadObj(instr)
	case opcode.OpSTOREOBJ:
		c.execStoreObj(instr)
	case opcode.OpGETOBJ, opcode.OpGETOBJREF, opcode.OpGETREF:
		c.execGetRef()
	case opcode.OpCast:
		c.execCast(instr)
	case opcode.OpClrVPtr:
		c.execClrVPtr(instr)
	case opcode.OpChkRef:
		c.execChkRef()
	case opcode.OpChkRefS:
		c.execChkRefS()
	case opcode.OpChkNullV:
		c.execChkNullV(instr)
	case opcode.OpChkNullS:
		c.execChkNullS()
	}
}

func (c *Context) behaviors(typeID int) (*hostapi.TypeBehaviors, bool) {
	if c.engine == nil {
		return nil, false
	}
	return c.engine.Allocator().Behaviors(typeID)
}

// execAlloc allocates an object and stores its handle into the destination
// variable BEFORE running the constructor, so a throwing constructor still
// leaves the slot in a state destroyLiveObjects can clean up.
func (c *Context) execAlloc(instr opcode.Instruction) {
	typeID := int(c.nextWord(1))
	ctorID := int(c.nextWord(2))
	dest := addOffset(c.regs.StackFramePointer, -int(instr.SOff24()))

	beh, ok := c.behaviors(typeID)
	if !ok || beh.Alloc == nil {
		c.setInternalException(vmerr.UnboundFunction, "")
		return
	}
	handle, err := beh.Alloc()
	if err != nil {
		c.setInternalException(vmerr.ExceptionCaught, err.Error())
		return
	}
	c.stack.WriteU64(dest, uint64(handle))

	if ctorID != 0 && c.engine != nil {
		if target, ok := c.engine.Functions().Lookup(ctorID); ok {
			if target.IsSystem {
				c.stack.WriteU64(c.regs.StackPointer, uint64(handle))
				c.callSystem(target)
				return
			}
			c.callScriptFunction(target)
			return
		}
	}
	if beh.Construct != nil {
		if err := beh.Construct(handle); err != nil {
			c.setInternalException(vmerr.ExceptionCaught, err.Error())
		}
	}
}

func (c *Context) execFree(instr opcode.Instruction) {
	typeID := int(c.nextWord(1))
	slot := addOffset(c.regs.StackFramePointer, -int(instr.SOff24()))
	h := hostapi.ObjectHandle(c.stack.ReadU64(slot))
	if h == hostapi.Nil {
		return
	}
	if beh, ok := c.behaviors(typeID); ok {
		if beh.IsRef {
			if !beh.NoCount && beh.Release != nil {
				_ = beh.Release(h)
			}
		} else if beh.Destruct != nil {
			_ = beh.Destruct(h)
			if beh.Free != nil {
				_ = beh.Free(h)
			}
		}
	}
	c.stack.WriteU64(slot, 0)
}

// execRefCpy releases the handle currently in the destination variable and
// addrefs the new handle popped off the stack.
func (c *Context) execRefCpy(instr opcode.Instruction) {
	typeID := int(instr.Arg0())
	newHandle := hostapi.ObjectHandle(c.stack.ReadU64(c.regs.StackPointer))
	dest := addOffset(c.regs.StackPointer, 2)
	old := hostapi.ObjectHandle(c.stack.ReadU64(dest))

	if beh, ok := c.behaviors(typeID); ok && beh.IsRef && !beh.NoCount {
		if old != hostapi.Nil && beh.Release != nil {
			_ = beh.Release(old)
		}
		if newHandle != hostapi.Nil && beh.AddRef != nil {
			_ = beh.AddRef(newHandle)
		}
	}
	c.stack.WriteU64(dest, uint64(newHandle))
	c.stack.Pop(2)
	c.regs.StackPointer = addOffset(c.regs.StackPointer, 2)
}

// execRefCpyV is REFCPY's variable-destination form: same refcounting, but
// the destination is addressed by instruction operand rather than the
// stack's second slot.
func (c *Context) execRefCpyV(instr opcode.Instruction) {
	typeID := int(c.nextWord(1))
	newHandle := hostapi.ObjectHandle(c.stack.ReadU64(c.regs.StackPointer))
	dest := addOffset(c.regs.StackFramePointer, -int(instr.SOff24()))
	old := hostapi.ObjectHandle(c.stack.ReadU64(dest))

	if beh, ok := c.behaviors(typeID); ok && beh.IsRef && !beh.NoCount {
		if old != hostapi.Nil && beh.Release != nil {
			_ = beh.Release(old)
		}
		if newHandle != hostapi.Nil && beh.AddRef != nil {
			_ = beh.AddRef(newHandle)
		}
	}
	c.stack.WriteU64(dest, uint64(newHandle))
}

func (c *Context) execLoadObj(instr opcode.Instruction) {
	slot := addOffset(c.regs.StackFramePointer, -int(instr.SOff24()))
	c.regs.ObjectRegister = hostapi.ObjectHandle(c.stack.ReadU64(slot))
	c.stack.WriteU64(slot, 0)
}

func (c *Context) execStoreObj(instr opcode.Instruction) {
	slot := addOffset(c.regs.StackFramePointer, -int(instr.SOff24()))
	c.stack.WriteU64(slot, uint64(c.regs.ObjectRegister))
	c.regs.ObjectRegister = hostapi.Nil
}

// execGetRef resolves a variable index sitting on top of the stack into a
// real address, shared by GETOBJ/GETOBJREF/GETREF: all three are "turn this
// frame-relative index into something RDR*/WRTV* can dereference".
func (c *Context) execGetRef() {
	index := int32(c.stack.ReadU32(c.regs.StackPointer))
	target := addOffset(c.regs.StackFramePointer, -int(index))
	c.stack.WriteU32(c.regs.StackPointer, c.addressOf(target))
}

// execCast narrows the object register to typeID. Without a type hierarchy
// to consult (that belongs to the out-of-scope compiler), every cast the
// host presents as reachable succeeds. A null object register is left null
// and raises nothing, so a host that wants a cast to fail clears the object
// register before the Cast instruction runs.
func (c *Context) execCast(instr opcode.Instruction) {
	typeID := int(instr.Arg0())
	if c.regs.ObjectRegister == hostapi.Nil {
		return
	}
	if beh, ok := c.behaviors(typeID); ok && beh.IsRef && !beh.NoCount && beh.AddRef != nil {
		_ = beh.AddRef(c.regs.ObjectRegister)
	}
	c.regs.ObjectType = typeID
}

func (c *Context) execClrVPtr(instr opcode.Instruction) {
	slot := addOffset(c.regs.StackFramePointer, -int(instr.SOff24()))
	c.stack.WriteU64(slot, 0)
}

func (c *Context) execChkRef() {
	if c.regs.ObjectRegister == hostapi.Nil {
		c.setInternalException(vmerr.NullPointerAccess, "")
	}
}

func (c *Context) execChkRefS() {
	h := hostapi.ObjectHandle(c.stack.ReadU64(c.regs.StackPointer))
	if h == hostapi.Nil {
		c.setInternalException(vmerr.NullPointerAccess, "")
	}
}

func (c *Context) execChkNullV(instr opcode.Instruction) {
	slot := addOffset(c.regs.StackFramePointer, -int(instr.SOff24()))
	h := hostapi.ObjectHandle(c.stack.ReadU64(slot))
	if h == hostapi.Nil {
		c.setInternalException(vmerr.NullPointerAccess, "")
	}
}

func (c *Context) execChkNullS() {
	addr := c.stack.ReadU32(c.regs.StackPointer)
	if addr == 0 {
		c.setInternalException(vmerr.NullPointerAccess, "")
	}
}
