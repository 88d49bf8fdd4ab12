package vmctx

import (
	"vmctx/internal/fndesc"
	"vmctx/internal/hostapi"
	"vmctx/internal/vmerr"
)

// setInternalException raises kind with no host-supplied description,
// recording the current function/position. Used by the
// interpreter for opcode-detected faults (NullPointerAccess, DivideByZero,
// ...).
func (c *Context) setInternalException(kind vmerr.ExceptionKind, description string) {
	c.exception = ExceptionState{
		Kind:        kind,
		Description: description,
		set:         true,
	}
	if c.currentFunction != nil {
		c.exception.FunctionID = c.currentFunction.ID
		if c.currentFunction.Script != nil {
			c.exception.Section = c.currentFunction.Script.SectionName
			line, col := lineAt(c.currentFunction.Script, c.regs.ProgramPointer)
			c.exception.Line, c.exception.Column = line, col
		}
	}
	c.status = StatusException
	c.findExceptionTryCatch(true)
	if c.exceptionCallback != nil {
		c.exceptionCallback(c)
	}
}

// SetException is the host-facing entry point, valid only while a system
// call invoked by this context is executing.
func (c *Context) SetException(description string, allowCatch bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusActive {
		return vmerr.Wrap("SetException", vmerr.ContextNotPrepared)
	}
	c.exception = ExceptionState{
		Kind:        vmerr.ExceptionCaught,
		Description: description,
		set:         true,
	}
	if c.currentFunction != nil {
		c.exception.FunctionID = c.currentFunction.ID
		if c.currentFunction.Script != nil {
			c.exception.Section = c.currentFunction.Script.SectionName
			line, col := lineAt(c.currentFunction.Script, c.regs.ProgramPointer)
			c.exception.Line, c.exception.Column = line, col
		}
	}
	c.status = StatusException
	c.findExceptionTryCatch(allowCatch)
	if c.exceptionCallback != nil {
		c.exceptionCallback(c)
	}
	return nil
}

// lineAt resolves a bytecode position to (line, column) via the function's
// sorted LineNumbers table, matching asCScriptFunction::GetLineNumber.
func lineAt(s *fndesc.ScriptData, pos int) (int, int) {
	line, col := 0, 0
	for _, e := range s.LineNumbers {
		if e.ProgramPos > pos {
			break
		}
		line, col = e.Line, e.Column
	}
	return line, col
}

// findExceptionTryCatch walks script frames from innermost to outermost
// looking for a try/catch range covering the current program position.
// It does not unwind; it only decides WillBeCaught.
func (c *Context) findExceptionTryCatch(allowCatch bool) {
	if !allowCatch {
		c.exception.WillBeCaught = false
		return
	}
	if c.functionHasCoveringRange(c.currentFunction, c.regs.ProgramPointer) {
		c.exception.WillBeCaught = true
		return
	}
	for i := c.callStack.Len() - 1; i >= 0; i-- {
		rec, _ := c.callStack.At(i)
		if rec.IsSentinel() {
			break // never cross a nested-execution boundary
		}
		if c.functionHasCoveringRange(rec.Frame.Function, rec.Frame.ProgramPointer) {
			c.exception.WillBeCaught = true
			return
		}
	}
	c.exception.WillBeCaught = false
}

func (c *Context) functionHasCoveringRange(fn *fndesc.Descriptor, pos int) bool {
	if fn == nil || fn.Script == nil {
		return false
	}
	for _, r := range fn.Script.TryCatchInfo {
		if pos >= r.TryPos && pos < r.CatchPos {
			return true
		}
	}
	return false
}

// WillExceptionBeCaught reports the last SetException's catch decision.
func (c *Context) WillExceptionBeCaught() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exception.WillBeCaught
}

func (c *Context) GetExceptionFunction() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exception.FunctionID
}

func (c *Context) GetExceptionLineNumber() (line, column int, section string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exception.Line, c.exception.Column, c.exception.Section
}

func (c *Context) GetExceptionString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exception.set {
		return ""
	}
	if c.exception.Description != "" {
		return c.exception.Description
	}
	return c.exception.Kind.String()
}

// cleanStack unwinds the call stack frame by frame after the interpreter
// loop exits with Exception status. catchException controls
// whether a covering try/catch range actually redirects control. Its only
// caller is Execute, which passes true; Unprepare does not run this unwind,
// so a pending exception's frames are not cleaned up there.
func (c *Context) cleanStack(catchException bool) {
	for {
		caught := c.cleanStackFrame(catchException)
		if caught {
			c.status = StatusActive
			return
		}
		if c.callStack.InnermostSentinelIndex() == c.callStack.Len()-1 {
			// Nothing left to unwind in this execution; the exception
			// propagates to the host.
			return
		}
		rec, ok := c.callStack.Pop()
		if !ok || rec.IsSentinel() {
			return
		}
		c.currentFunction = rec.Frame.Function
		c.regs.ProgramPointer = rec.Frame.ProgramPointer
		c.regs.StackFramePointer = rec.Frame.StackFramePointer
		c.regs.StackPointer = rec.Frame.StackPointer
	}
}

// cleanStackFrame implements one unwind step.
// Returns true if the exception was caught at this frame (program pointer
// now points at the catch entry and status should return to Active).
func (c *Context) cleanStackFrame(catchException bool) bool {
	fn := c.currentFunction
	if fn == nil || fn.Script == nil {
		return false
	}

	c.cleanArgsOnStack()

	if catchException {
		if rng, ok := c.innermostCoveringRange(fn, c.regs.ProgramPointer); ok {
			c.destroyLiveObjects(fn, c.regs.ProgramPointer, rng.TryPos)
			c.regs.StackPointer = addOffset(c.regs.StackFramePointer, -(rng.StackSize + fn.Script.VariableSpace))
			c.regs.ProgramPointer = rng.CatchPos
			return true
		}
	}

	c.regs.StackPointer = addOffset(c.regs.StackFramePointer, -fn.Script.VariableSpace)
	c.destroyLiveObjects(fn, c.regs.ProgramPointer, 0)

	if !fn.DontCleanUpOnException {
		c.destroyReceiverAndByValueParams(fn)
	}
	return false
}

// innermostCoveringRange returns the range covering pos with the smallest
// span, preferring innermost nested try blocks.
func (c *Context) innermostCoveringRange(fn *fndesc.Descriptor, pos int) (fndesc.TryCatchRange, bool) {
	best := fndesc.TryCatchRange{}
	found := false
	for _, r := range fn.Script.TryCatchInfo {
		if pos >= r.TryPos && pos < r.CatchPos {
			if !found || (r.CatchPos-r.TryPos) < (best.CatchPos-best.TryPos) {
				best, found = r, true
			}
		}
	}
	return best, found
}

// cleanArgsOnStack handles an exception raised between pushing arguments and
// the call instruction itself: it replay-finds the most recent call-site
// metadata and releases the already-pushed arguments per the callee's
// parameter types.
func (c *Context) cleanArgsOnStack() {
	if !c.flags.needToCleanupArgs {
		return
	}
	callee, argsPushed := c.lastCallSite()
	if callee == nil {
		return
	}
	offset := 0
	for i := 0; i < argsPushed && i < len(callee.Params); i++ {
		p := callee.Params[i]
		if p.Kind.IsObject() && !p.IsReference {
			slot := addOffset(c.regs.StackPointer, offset)
			h := hostapi.ObjectHandle(c.stack.ReadU64(slot))
			c.releaseObjectSlot(h, p.TypeID)
		}
		offset += sizeOfArgSlot(p)
	}
	c.flags.needToCleanupArgs = false
}

func sizeOfArgSlot(p fndesc.Param) int {
	if p.IsReference {
		return 1
	}
	return p.Kind.SizeDWords()
}

func (c *Context) releaseObjectSlot(h hostapi.ObjectHandle, typeID int) {
	if h == hostapi.Nil || c.engine == nil {
		return
	}
	if beh, ok := c.engine.Allocator().Behaviors(typeID); ok && beh.Release != nil {
		_ = beh.Release(h)
	}
}

func (c *Context) destroyReceiverAndByValueParams(fn *fndesc.Descriptor) {
	if c.engine == nil {
		return
	}
	base := c.regs.StackFramePointer
	off := 0
	if fn.HasReceiver {
		h := hostapi.ObjectHandle(c.stack.ReadU64(addOffset(base, off)))
		c.releaseObjectSlot(h, fn.ReceiverTypeID)
		off++
	}
	if fn.ReturnsOnStack {
		off++
	}
	for _, p := range fn.Params {
		if p.Kind.IsObject() && p.ByValue {
			h := hostapi.ObjectHandle(c.stack.ReadU64(addOffset(base, off)))
			c.releaseObjectSlot(h, p.TypeID)
		}
		off += sizeOfArgSlot(p)
	}
}

// destroyLiveObjects implements DetermineLiveObjects plus the destructor
// pass: replay objVariableInfo up to pos, and for every variable whose
// live-count is positive, release/destruct it and zero the slot.
// declaredAfter, when nonzero, skips live variables whose DeclaredAt is
// before the matched try block's start so only variables declared inside
// the try are destroyed; the replay itself always covers every event up to
// pos.
func (c *Context) destroyLiveObjects(fn *fndesc.Descriptor, pos int, declaredAfter int) {
	if c.engine == nil {
		return
	}
	live := c.liveVariablesAt(fn, pos)
	for _, v := range fn.Script.Variables {
		if !live[v.StackOffset] {
			continue
		}
		if declaredAfter > 0 && v.DeclaredAt < declaredAfter {
			continue
		}
		c.destroyVariable(fn, v)
	}
}

// liveVariablesAt replays the ordered VarDecl/VarInit/VarUninit event log up
// to pos and returns the set of stack offsets with a positive live count.
func (c *Context) liveVariablesAt(fn *fndesc.Descriptor, pos int) map[int]bool {
	counts := make(map[int]int)
	for _, ev := range fn.Script.ObjVariableInfo {
		if ev.ProgramPos > pos {
			break
		}
		switch ev.Option {
		case fndesc.VarDecl, fndesc.VarInit:
			counts[ev.VariableOffset]++
		case fndesc.VarUninit:
			if counts[ev.VariableOffset] > 0 {
				counts[ev.VariableOffset]--
			}
		}
	}
	live := make(map[int]bool, len(counts))
	for offset, n := range counts {
		if n > 0 {
			live[offset] = true
		}
	}
	return live
}

func (c *Context) destroyVariable(fn *fndesc.Descriptor, v fndesc.VarInfo) {
	slot := addOffset(c.regs.StackFramePointer, -v.StackOffset)
	if v.OnHeap {
		h := hostapi.ObjectHandle(c.stack.ReadU64(slot))
		if h != hostapi.Nil {
			if beh, ok := c.engine.Allocator().Behaviors(v.TypeID); ok {
				switch {
				case beh.Destruct != nil && !beh.IsRef:
					_ = beh.Destruct(h)
					if beh.Free != nil {
						_ = beh.Free(h)
					}
				case beh.Release != nil:
					_ = beh.Release(h)
				}
			}
		}
		c.stack.WriteU64(slot, 0)
		return
	}
	if beh, ok := c.engine.Allocator().Behaviors(v.TypeID); ok && beh.Destruct != nil {
		_ = beh.Destruct(hostapi.ObjectHandle(c.stack.ReadU32(slot)))
	}
}

// lastCallSite finds the pending call at the current program pointer,
// returning the callee descriptor it targets and how many argument DWORDs
// have already been pushed for it, used by cleanArgsOnStack
// (GetArgsOnStackCount/GetArgOnStack call scanForCallTarget the same way).
// This is necessarily an approximation without a real compiler behind it:
// scanForCallTarget scans currentFunction's bytecode forward from its start,
// counting pushes since the last CALL*-family opcode before the program
// pointer, and takes the callee from the first CALL*-family opcode at or
// after it.
func (c *Context) lastCallSite() (*fndesc.Descriptor, int) {
	if c.currentFunction == nil || c.currentFunction.Script == nil || c.engine == nil {
		return nil, 0
	}
	return c.scanForCallTarget(c.currentFunction, c.regs.ProgramPointer)
}
