package vmctx

import (
	"vmctx/internal/callrecord"
	"vmctx/internal/fndesc"
	"vmctx/internal/hostapi"
	"vmctx/internal/vmerr"
)

// pushCallStateLocked copies the current {stackFramePointer, function,
// programPointer, stackPointer} into a new call-stack record, the low-level
// primitive PushState and PushFunction both build on (callScriptFunction
// pushes its own record directly).
// Callers must already hold c.mu.
func (c *Context) pushCallStateLocked() bool {
	return c.callStack.Push(callrecord.Record{
		Kind: callrecord.KindCallFrame,
		Frame: callrecord.CallFrame{
			StackFramePointer: c.regs.StackFramePointer,
			Function:          c.currentFunction,
			ProgramPointer:    c.regs.ProgramPointer,
			StackPointer:      c.regs.StackPointer,
		},
	})
}

// PushCallState is the exported, self-locking form of pushCallStateLocked.
func (c *Context) PushCallState() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushCallStateLocked()
}

// popCallStateLocked restores the topmost CallFrame record into the
// registers and currentFunction, the inverse of pushCallStateLocked.
// Callers must already hold c.mu.
func (c *Context) popCallStateLocked() error {
	rec, ok := c.callStack.Peek()
	if !ok || rec.IsSentinel() {
		return vmerr.Wrap("PopCallState", vmerr.NoFunction)
	}
	c.callStack.Pop()
	c.currentFunction = rec.Frame.Function
	c.regs.ProgramPointer = rec.Frame.ProgramPointer
	c.regs.StackFramePointer = rec.Frame.StackFramePointer
	c.regs.StackPointer = rec.Frame.StackPointer
	return nil
}

// PopCallState is the exported, self-locking form of popCallStateLocked.
func (c *Context) PopCallState() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.popCallStateLocked()
}

// PushState pushes a CallFrame for the currently executing script function
// followed by a NestedMarker sentinel capturing everything the outer
// execution needs restored later, then resets the context to look freshly
// Uninitialized so the host can Prepare a new, unrelated call on it.
func (c *Context) PushState() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusActive {
		return vmerr.Wrap("PushState", vmerr.ContextNotPrepared)
	}

	if !c.pushCallStateLocked() {
		return vmerr.Wrap("PushState", vmerr.OutOfMemory)
	}

	marker := callrecord.NestedMarker{
		PrevCallingSystemFunction: c.currentFunction,
		PrevInitialFunction:       c.initialFunction,
		PrevOriginalStackPointer:  c.originalStackPointer,
		PrevArgumentsSize:         c.argumentsSize,
		PrevValueRegister:         c.regs.ValueRegister,
		PrevObjectRegister:        c.regs.ObjectRegister,
		PrevObjectType:            c.regs.ObjectType,
	}
	if !c.callStack.Push(callrecord.Record{Kind: callrecord.KindNestedMarker, Marker: marker}) {
		return vmerr.Wrap("PushState", vmerr.OutOfMemory)
	}

	c.initialFunction = nil
	c.currentFunction = nil
	c.argumentsSize = 0
	c.returnValueSize = 0
	c.regs.ValueRegister = 0
	c.regs.ObjectRegister = hostapi.Nil
	c.regs.ObjectType = 0
	c.status = StatusUninitialized
	return nil
}

// PopState restores the sentinel NestedMarker pushed by PushState, then the
// CallFrame beneath it, and returns the context to Active so the outer
// Execute can resume.
func (c *Context) PopState() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.callStack.Peek()
	if !ok || rec.Kind != callrecord.KindNestedMarker {
		return vmerr.Wrap("PopState", vmerr.NoFunction)
	}
	c.callStack.Pop()

	c.initialFunction = rec.Marker.PrevInitialFunction
	c.currentFunction = rec.Marker.PrevCallingSystemFunction
	c.originalStackPointer = rec.Marker.PrevOriginalStackPointer
	c.argumentsSize = rec.Marker.PrevArgumentsSize
	c.regs.ValueRegister = rec.Marker.PrevValueRegister
	c.regs.ObjectRegister = rec.Marker.PrevObjectRegister
	c.regs.ObjectType = rec.Marker.PrevObjectType

	if err := c.popCallStateLocked(); err != nil {
		return err
	}
	c.status = StatusActive
	return nil
}

// IsNested reports whether the call stack contains any sentinel record at
// or below the given depth (1 = immediately nested), and the total nested
// depth.
func (c *Context) IsNested(depth int) (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.callStack.NestedDepth()
	if depth <= 0 {
		return total > 0, total
	}
	return total >= depth, total
}

// PushFunction rebuilds one call-stack level directly, without running
// PrepareScriptFunction's side effects — used by StartDeserialization's
// host-driven rebuild-from-bottom-up sequence and by the
// ordinary nested-call path when the host already knows the exact frame
// shape it wants.
func (c *Context) PushFunction(fn *fndesc.Descriptor, receiver hostapi.ObjectHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusDeserialization && c.status != StatusUninitialized {
		return vmerr.Wrap("PushFunction", vmerr.ContextActive)
	}
	if fn == nil {
		return vmerr.Wrap("PushFunction", vmerr.InvalidArg)
	}
	if c.currentFunction != nil {
		if !c.pushCallStateLocked() {
			return vmerr.Wrap("PushFunction", vmerr.OutOfMemory)
		}
	}
	c.currentFunction = fn
	if c.initialFunction == nil {
		c.initialFunction = fn
	}
	if fn.HasReceiver && receiver != hostapi.Nil {
		c.stack.WriteU64(c.regs.StackFramePointer, uint64(receiver))
	}
	return nil
}

// StartDeserialization moves Uninitialized/Finished -> Deserialization.
func (c *Context) StartDeserialization() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusUninitialized && c.status != StatusFinished {
		return vmerr.Wrap("StartDeserialization", vmerr.ContextActive)
	}
	c.callStack.Truncate(0)
	c.currentFunction = nil
	c.initialFunction = nil
	c.status = StatusDeserialization
	return nil
}

// FinishDeserialization moves Deserialization -> Suspended, letting Execute
// resume the restored state.
func (c *Context) FinishDeserialization() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusDeserialization {
		return vmerr.Wrap("FinishDeserialization", vmerr.ContextNotPrepared)
	}
	c.status = StatusSuspended
	return nil
}
