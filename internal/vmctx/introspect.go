package vmctx

import (
	"fmt"

	"vmctx/internal/fndesc"
	"vmctx/internal/hostapi"
	"vmctx/internal/stackarena"
	"vmctx/internal/vmerr"
)

// frameAt resolves level (0 = currently executing function, increasing
// values walk toward the caller) to the function descriptor, bytecode
// position, and frame/stack pointers active at that level. It never crosses
// a NestedMarker: a level past the innermost PushState boundary reports
// ok=false, matching GetCallstackSize's count.
func (c *Context) frameAt(level int) (fn *fndesc.Descriptor, pos int, sfp, sp stackarena.Pointer, ok bool) {
	if level == 0 {
		if c.currentFunction == nil {
			return nil, 0, stackarena.Pointer{}, stackarena.Pointer{}, false
		}
		return c.currentFunction, c.regs.ProgramPointer, c.regs.StackFramePointer, c.regs.StackPointer, true
	}
	rec, found := c.callStack.Level(level)
	if !found || rec.IsSentinel() {
		return nil, 0, stackarena.Pointer{}, stackarena.Pointer{}, false
	}
	return rec.Frame.Function, rec.Frame.ProgramPointer, rec.Frame.StackFramePointer, rec.Frame.StackPointer, true
}

// GetCallstackSize returns how many levels frameAt can resolve before
// hitting the bottom of the stack or a PushState boundary.
func (c *Context) GetCallstackSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentFunction == nil {
		return 0
	}
	n := 1
	for {
		if _, _, _, _, ok := c.frameAt(n); !ok {
			return n
		}
		n++
	}
}

// GetFunction returns the function descriptor executing at level.
func (c *Context) GetFunction(level int) *fndesc.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, _, _, _, ok := c.frameAt(level)
	if !ok {
		return nil
	}
	return fn
}

// GetLineNumber resolves level's current bytecode position to a source
// line, column, and section name.
func (c *Context) GetLineNumber(level int) (line, column int, section string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, pos, _, _, ok := c.frameAt(level)
	if !ok || fn.Script == nil {
		return 0, 0, ""
	}
	l, col := lineAt(fn.Script, pos)
	return l, col, fn.Script.SectionName
}

// varsInScopeAt returns the subset of fn's local variables whose
// [DeclaredAt, EndAt) range covers pos (EndAt==0 means "to function end").
func varsInScopeAt(fn *fndesc.Descriptor, pos int) []fndesc.VarInfo {
	if fn == nil || fn.Script == nil {
		return nil
	}
	var out []fndesc.VarInfo
	for _, v := range fn.Script.Variables {
		if pos < v.DeclaredAt {
			continue
		}
		if v.EndAt != 0 && pos >= v.EndAt {
			continue
		}
		out = append(out, v)
	}
	return out
}

// GetVarCount returns how many local variables are in scope at level's
// current position, or -1 if level doesn't resolve to a frame.
func (c *Context) GetVarCount(level int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, pos, _, _, ok := c.frameAt(level)
	if !ok {
		return -1
	}
	return len(varsInScopeAt(fn, pos))
}

// IsVarInScope reports whether the varIndex'th in-scope variable exists at
// level (varIndex indexes into the same ordering GetVarCount/GetVar use).
func (c *Context) IsVarInScope(varIndex, level int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, pos, _, _, ok := c.frameAt(level)
	if !ok {
		return false
	}
	vars := varsInScopeAt(fn, pos)
	return varIndex >= 0 && varIndex < len(vars)
}

// GetVar returns the varIndex'th in-scope local variable's descriptor at
// level.
func (c *Context) GetVar(varIndex, level int) (fndesc.VarInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, pos, _, _, ok := c.frameAt(level)
	if !ok {
		return fndesc.VarInfo{}, false
	}
	vars := varsInScopeAt(fn, pos)
	if varIndex < 0 || varIndex >= len(vars) {
		return fndesc.VarInfo{}, false
	}
	return vars[varIndex], true
}

// GetVarDeclaration renders a human-readable "kind name" declaration string
// for the varIndex'th in-scope variable at level, the form a debugger's
// locals pane or watch expression list would print. Locking happens in
// GetVar; this wrapper takes no lock itself.
func (c *Context) GetVarDeclaration(varIndex, level int, includeNamespace bool) string {
	v, ok := c.GetVar(varIndex, level)
	if !ok {
		return ""
	}
	kindName := varKindName(v.Kind)
	if includeNamespace && v.TypeID != 0 {
		return fmt.Sprintf("%s::%s %s", namespaceForType(v.TypeID), kindName, v.Name)
	}
	return fmt.Sprintf("%s %s", kindName, v.Name)
}

func varKindName(k fndesc.TypeKind) string {
	switch k {
	case fndesc.KindVoid:
		return "void"
	case fndesc.KindBool:
		return "bool"
	case fndesc.KindByte:
		return "int8"
	case fndesc.KindWord:
		return "int16"
	case fndesc.KindDWord:
		return "int32"
	case fndesc.KindQWord:
		return "int64"
	case fndesc.KindFloat:
		return "float"
	case fndesc.KindDouble:
		return "double"
	case fndesc.KindAddress:
		return "ptr"
	case fndesc.KindFuncdef:
		return "funcdef"
	default:
		return "object"
	}
}

// namespaceForType has no type registry to consult (that belongs to the
// out-of-scope compiler), so it always reports the anonymous global
// namespace; kept so GetVarDeclaration's includeNamespace flag has
// somewhere to plug a real one in later.
func namespaceForType(typeID int) string { return "" }

// GetAddressOfVar returns a stack address usable with RDR*/WRTV* for the
// varIndex'th in-scope variable at level. The answer is always the slot's
// own stack address, never the object handle an on-heap object slot holds;
// without dontDereference, an on-heap object slot holding a null handle
// reports 0 instead. returnUninitialized allows returning the address of a variable
// this level's liveness replay would consider not-yet-constructed, since a
// debugger watch on a not-yet-live local still wants an address to poll.
func (c *Context) GetAddressOfVar(varIndex, level int, dontDereference, returnUninitialized bool) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, pos, sfp, _, ok := c.frameAt(level)
	if !ok {
		return 0, vmerr.Wrap("GetAddressOfVar", vmerr.InvalidArg)
	}
	vars := varsInScopeAt(fn, pos)
	if varIndex < 0 || varIndex >= len(vars) {
		return 0, vmerr.Wrap("GetAddressOfVar", vmerr.InvalidArg)
	}
	v := vars[varIndex]
	target := addOffset(sfp, -v.StackOffset)
	if !returnUninitialized && v.OnHeap {
		live := c.liveVariablesAt(fn, pos)
		if !live[v.StackOffset] {
			return 0, vmerr.Wrap("GetAddressOfVar", vmerr.InvalidArg)
		}
	}
	if v.Kind.IsObject() && v.OnHeap && !dontDereference {
		h := hostapi.ObjectHandle(c.stack.ReadU64(target))
		if h == hostapi.Nil {
			return 0, nil
		}
	}
	return c.addressOf(target), nil
}

// ReadVarValue reads the current raw value of the varIndex'th in-scope local
// variable at level, sized according to its Kind (object-typed locals report
// the handle itself). Used by watch-expression evaluation, which needs the
// value behind a GetVar/GetAddressOfVar answer rather than just its address.
func (c *Context) ReadVarValue(varIndex, level int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, pos, sfp, _, ok := c.frameAt(level)
	if !ok {
		return 0, vmerr.Wrap("ReadVarValue", vmerr.InvalidArg)
	}
	vars := varsInScopeAt(fn, pos)
	if varIndex < 0 || varIndex >= len(vars) {
		return 0, vmerr.Wrap("ReadVarValue", vmerr.InvalidArg)
	}
	v := vars[varIndex]
	slot := addOffset(sfp, -v.StackOffset)
	if v.Kind.SizeDWords() >= 2 {
		return c.stack.ReadU64(slot), nil
	}
	return uint64(c.stack.ReadU32(slot)), nil
}

// GetThisTypeId returns the receiver's type ID at level, or 0 if the
// function executing there has no receiver.
func (c *Context) GetThisTypeId(level int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, _, _, _, ok := c.frameAt(level)
	if !ok || !fn.HasReceiver {
		return 0
	}
	return fn.ReceiverTypeID
}

// GetThisPointer returns the receiver handle at level.
func (c *Context) GetThisPointer(level int) hostapi.ObjectHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, _, sfp, _, ok := c.frameAt(level)
	if !ok || !fn.HasReceiver {
		return hostapi.Nil
	}
	return hostapi.ObjectHandle(c.stack.ReadU64(sfp))
}

// GetArgsOnStackCount reports how many argument DWORDs for level's pending
// call have already been pushed onto the operand stack, resolved the same way
// cleanArgsOnStack finds the pending call: by scanning the function's
// bytecode forward from its start and counting the pushes made since the
// last CALL-family instruction before the current position. At level 0 it
// answers for the call currently being prepared, if any.
func (c *Context) GetArgsOnStackCount(level int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, pos, _, _, ok := c.frameAt(level)
	if !ok || c.engine == nil {
		return -1
	}
	_, pushed := c.scanForCallTarget(fn, pos)
	return pushed
}

// GetArgOnStack returns the typeID and raw stack address of the i'th
// already-pushed argument for the pending call at level, resolved via the
// same forward scan GetArgsOnStackCount uses; the callee is the target of
// the first CALL-family instruction at or after the current position.
func (c *Context) GetArgOnStack(level, i int) (typeID int, address uint32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, pos, _, sp, ok := c.frameAt(level)
	if !ok || c.engine == nil {
		return 0, 0, vmerr.Wrap("GetArgOnStack", vmerr.InvalidArg)
	}
	callee, pushed := c.scanForCallTarget(fn, pos)
	if callee == nil || i < 0 || i >= pushed || i >= len(callee.Params) {
		return 0, 0, vmerr.Wrap("GetArgOnStack", vmerr.InvalidArg)
	}
	offset := 0
	for n := 0; n < i; n++ {
		offset += sizeOfArgSlot(callee.Params[n])
	}
	return callee.Params[i].TypeID, c.addressOf(addOffset(sp, offset)), nil
}
