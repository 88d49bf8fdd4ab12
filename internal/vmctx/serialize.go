package vmctx

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"vmctx/internal/callrecord"
	"vmctx/internal/fndesc"
	"vmctx/internal/hostapi"
	"vmctx/internal/stackarena"
	"vmctx/internal/vmerr"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vmctx: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// StateRegisters is the per-level {function, programPointer,
// stackFramePointer, stackPointer} tuple GetStateRegisters/SetStateRegisters
// exchange with the host, mirroring asIScriptContext's same-named calls.
// Level 0 names the currently executing frame; level N>0 names the frame N
// calls up the stack, same indexing as GetFunction/GetLineNumber.
type StateRegisters struct {
	FunctionID        int
	ProgramPointer    int
	StackFramePointer stackarena.Pointer
	StackPointer      stackarena.Pointer
}

// CallStateRegisters is the bookkeeping a PushState boundary snapshots:
// which outer function was calling in, what its stack looked like, and the
// two result registers it had pending. nestLevel 1 names the innermost
// PushState boundary, 2 the one beneath it, and so on.
type CallStateRegisters struct {
	CallingSystemFunctionID int
	InitialFunctionID       int
	OriginalStackPointer    stackarena.Pointer
	ArgumentsSize           int
	ValueRegister           uint64
	ObjectRegister          hostapi.ObjectHandle
	ObjectTypeID            int
}

func functionID(fn *fndesc.Descriptor) int {
	if fn == nil {
		return 0
	}
	return fn.ID
}

// GetStateRegisters reads level's function/position/pointer tuple.
func (c *Context) GetStateRegisters(level int) (StateRegisters, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, pos, sfp, sp, ok := c.frameAt(level)
	if !ok {
		return StateRegisters{}, false
	}
	return StateRegisters{
		FunctionID:        functionID(fn),
		ProgramPointer:    pos,
		StackFramePointer: sfp,
		StackPointer:      sp,
	}, true
}

// SetStateRegisters overwrites level's function/position/pointer tuple,
// used by a host rebuilding a context from a prior GetStateRegisters dump
// during Deserialization. Level 0 writes straight into the live registers;
// level N>0 rewrites the N'th CallFrame record in place.
func (c *Context) SetStateRegisters(level int, r StateRegisters) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusDeserialization && c.status != StatusActive {
		return vmerr.Wrap("SetStateRegisters", vmerr.ContextNotPrepared)
	}
	fn, ok := c.resolveFunction(r.FunctionID)
	if !ok {
		return vmerr.Wrap("SetStateRegisters", vmerr.InvalidArg)
	}
	if level == 0 {
		c.currentFunction = fn
		c.regs.ProgramPointer = r.ProgramPointer
		c.regs.StackFramePointer = r.StackFramePointer
		c.regs.StackPointer = r.StackPointer
		return nil
	}
	idx := c.callStack.Len() - level
	rec, found := c.callStack.At(idx)
	if !found || rec.IsSentinel() {
		return vmerr.Wrap("SetStateRegisters", vmerr.InvalidArg)
	}
	rec.Frame = callrecord.CallFrame{
		Function:          fn,
		ProgramPointer:    r.ProgramPointer,
		StackFramePointer: r.StackFramePointer,
		StackPointer:      r.StackPointer,
	}
	c.callStack.Replace(idx, rec)
	return nil
}

// GetCallStateRegisters reads the nestLevel'th PushState boundary's
// bookkeeping, counting 1 as the innermost.
func (c *Context) GetCallStateRegisters(nestLevel int) (CallStateRegisters, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.nestedMarkerAt(nestLevel)
	if !ok {
		return CallStateRegisters{}, false
	}
	m := rec.Marker
	return CallStateRegisters{
		CallingSystemFunctionID: functionID(m.PrevCallingSystemFunction),
		InitialFunctionID:       functionID(m.PrevInitialFunction),
		OriginalStackPointer:    m.PrevOriginalStackPointer,
		ArgumentsSize:           m.PrevArgumentsSize,
		ValueRegister:           m.PrevValueRegister,
		ObjectRegister:          m.PrevObjectRegister,
		ObjectTypeID:            m.PrevObjectType,
	}, true
}

// SetCallStateRegisters overwrites the nestLevel'th PushState boundary's
// bookkeeping, the inverse of GetCallStateRegisters, used while rebuilding a
// deserialized context's nested-execution boundaries from the outside in.
func (c *Context) SetCallStateRegisters(nestLevel int, r CallStateRegisters) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, found := c.nestedMarkerIndex(nestLevel)
	if !found {
		return vmerr.Wrap("SetCallStateRegisters", vmerr.InvalidArg)
	}
	callingFn, ok := c.resolveFunction(r.CallingSystemFunctionID)
	if !ok {
		return vmerr.Wrap("SetCallStateRegisters", vmerr.InvalidArg)
	}
	initialFn, ok := c.resolveFunction(r.InitialFunctionID)
	if !ok {
		return vmerr.Wrap("SetCallStateRegisters", vmerr.InvalidArg)
	}
	rec, _ := c.callStack.At(idx)
	rec.Marker = callrecord.NestedMarker{
		PrevCallingSystemFunction: callingFn,
		PrevInitialFunction:       initialFn,
		PrevOriginalStackPointer:  r.OriginalStackPointer,
		PrevArgumentsSize:         r.ArgumentsSize,
		PrevValueRegister:         r.ValueRegister,
		PrevObjectRegister:        r.ObjectRegister,
		PrevObjectType:            r.ObjectTypeID,
	}
	c.callStack.Replace(idx, rec)
	return nil
}

func (c *Context) resolveFunction(id int) (*fndesc.Descriptor, bool) {
	if id == 0 {
		return nil, true
	}
	if c.engine == nil {
		return nil, false
	}
	fn, ok := c.engine.Functions().Lookup(id)
	return fn, ok
}

// nestedMarkerIndex returns the absolute call-stack index of the
// nestLevel'th sentinel record counting from the top (1 = innermost).
func (c *Context) nestedMarkerIndex(nestLevel int) (int, bool) {
	if nestLevel <= 0 {
		return 0, false
	}
	seen := 0
	for i := c.callStack.Len() - 1; i >= 0; i-- {
		rec, _ := c.callStack.At(i)
		if rec.IsSentinel() {
			seen++
			if seen == nestLevel {
				return i, true
			}
		}
	}
	return 0, false
}

func (c *Context) nestedMarkerAt(nestLevel int) (callrecord.Record, bool) {
	idx, ok := c.nestedMarkerIndex(nestLevel)
	if !ok {
		return callrecord.Record{}, false
	}
	return c.callStack.At(idx)
}

// --- whole-context checkpoint ---------------------------------------------

// frameDTO is one call-stack record flattened to function IDs instead of
// live *fndesc.Descriptor pointers, since a Descriptor isn't itself
// serializable (it's resolved out of the host's function table, not owned
// by the context).
type frameDTO struct {
	Kind              callrecord.Kind
	FunctionID        int
	ProgramPointer    int
	StackFramePointer stackarena.Pointer
	StackPointer      stackarena.Pointer

	CallingSystemFunctionID int
	InitialFunctionID       int
	OriginalStackPointer    stackarena.Pointer
	ArgumentsSize           int
	ValueRegister           uint64
	ObjectRegister          hostapi.ObjectHandle
	ObjectTypeID            int
}

// snapshotDTO is the cbor wire shape for Snapshot/RestoreSnapshot: every
// Context field that isn't derivable from the engine or recomputed on
// Prepare.
type snapshotDTO struct {
	Status              Status
	InitialFunctionID    int
	CurrentFunctionID    int
	ProgramPointer      int
	StackFramePointer   stackarena.Pointer
	StackPointer        stackarena.Pointer
	ValueRegister       uint64
	ObjectRegister      hostapi.ObjectHandle
	ObjectType          int
	OriginalStackPointer stackarena.Pointer
	ArgumentsSize       int
	ReturnValueSize     int
	Globals             []uint32
	CallStack           []frameDTO
	StackBlocks         [][]uint32
	StackBlockIndex     int
	StackOffset         int
}

// Snapshot serializes the full live state of c — registers, call stack, the
// raw operand-stack blocks, and global storage — to CBOR bytes. It is the
// context-wide counterpart to GetStateRegisters/GetCallStateRegisters, for a
// host that wants to suspend an entire execution to disk rather than walk it
// level by level.
func (c *Context) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dto := snapshotDTO{
		Status:               c.status,
		InitialFunctionID:    functionID(c.initialFunction),
		CurrentFunctionID:    functionID(c.currentFunction),
		ProgramPointer:       c.regs.ProgramPointer,
		StackFramePointer:    c.regs.StackFramePointer,
		StackPointer:         c.regs.StackPointer,
		ValueRegister:        c.regs.ValueRegister,
		ObjectRegister:       c.regs.ObjectRegister,
		ObjectType:           c.regs.ObjectType,
		OriginalStackPointer: c.originalStackPointer,
		ArgumentsSize:        c.argumentsSize,
		ReturnValueSize:      c.returnValueSize,
		Globals:              append([]uint32(nil), c.globals...),
	}
	for i := 0; i < c.callStack.Len(); i++ {
		rec, _ := c.callStack.At(i)
		dto.CallStack = append(dto.CallStack, frameFromRecord(rec))
	}
	dto.StackBlocks, dto.StackBlockIndex, dto.StackOffset = c.stack.Snapshot()

	return cborEncMode.Marshal(dto)
}

// RestoreSnapshot replaces c's entire live state with a prior Snapshot's
// contents. c must be bound to an engine whose function table can resolve
// every function ID the snapshot references; IDs that no longer resolve
// fail the whole restore rather than silently dropping frames.
func (c *Context) RestoreSnapshot(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dto snapshotDTO
	if err := cbor.Unmarshal(data, &dto); err != nil {
		return fmt.Errorf("vmctx: unmarshal snapshot: %w", err)
	}

	initialFn, ok := c.resolveFunction(dto.InitialFunctionID)
	if !ok {
		return vmerr.Wrap("RestoreSnapshot", vmerr.InvalidArg)
	}
	currentFn, ok := c.resolveFunction(dto.CurrentFunctionID)
	if !ok {
		return vmerr.Wrap("RestoreSnapshot", vmerr.InvalidArg)
	}

	records := make([]callrecord.Record, 0, len(dto.CallStack))
	for _, f := range dto.CallStack {
		rec, err := recordFromFrame(c, f)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	c.status = dto.Status
	c.initialFunction = initialFn
	c.currentFunction = currentFn
	c.regs.ProgramPointer = dto.ProgramPointer
	c.regs.StackFramePointer = dto.StackFramePointer
	c.regs.StackPointer = dto.StackPointer
	c.regs.ValueRegister = dto.ValueRegister
	c.regs.ObjectRegister = dto.ObjectRegister
	c.regs.ObjectType = dto.ObjectType
	c.originalStackPointer = dto.OriginalStackPointer
	c.argumentsSize = dto.ArgumentsSize
	c.returnValueSize = dto.ReturnValueSize
	c.globals = dto.Globals
	c.callStack.Truncate(0)
	for _, rec := range records {
		c.callStack.Push(rec)
	}
	c.stack.Restore(dto.StackBlocks, dto.StackBlockIndex, dto.StackOffset)
	return nil
}

func frameFromRecord(rec callrecord.Record) frameDTO {
	switch rec.Kind {
	case callrecord.KindCallFrame:
		return frameDTO{
			Kind:              rec.Kind,
			FunctionID:        functionID(rec.Frame.Function),
			ProgramPointer:    rec.Frame.ProgramPointer,
			StackFramePointer: rec.Frame.StackFramePointer,
			StackPointer:      rec.Frame.StackPointer,
		}
	case callrecord.KindNestedMarker:
		m := rec.Marker
		return frameDTO{
			Kind:                    rec.Kind,
			CallingSystemFunctionID: functionID(m.PrevCallingSystemFunction),
			InitialFunctionID:       functionID(m.PrevInitialFunction),
			OriginalStackPointer:    m.PrevOriginalStackPointer,
			ArgumentsSize:           m.PrevArgumentsSize,
			ValueRegister:           m.PrevValueRegister,
			ObjectRegister:          m.PrevObjectRegister,
			ObjectTypeID:            m.PrevObjectType,
		}
	default: // KindStateSnapshot
		s := rec.Snapshot
		return frameDTO{
			Kind:                    rec.Kind,
			CallingSystemFunctionID: functionID(s.PrevCallingSystemFunction),
			InitialFunctionID:       functionID(s.PrevInitialFunction),
			OriginalStackPointer:    s.PrevOriginalStackPointer,
			ArgumentsSize:           s.PrevArgumentsSize,
			ValueRegister:           s.PrevValueRegister,
			ObjectRegister:          s.PrevObjectRegister,
			ObjectTypeID:            s.PrevObjectType,
		}
	}
}

func recordFromFrame(c *Context, f frameDTO) (callrecord.Record, error) {
	switch f.Kind {
	case callrecord.KindCallFrame:
		fn, ok := c.resolveFunction(f.FunctionID)
		if !ok {
			return callrecord.Record{}, vmerr.Wrap("RestoreSnapshot", vmerr.InvalidArg)
		}
		return callrecord.Record{
			Kind: callrecord.KindCallFrame,
			Frame: callrecord.CallFrame{
				Function:          fn,
				ProgramPointer:    f.ProgramPointer,
				StackFramePointer: f.StackFramePointer,
				StackPointer:      f.StackPointer,
			},
		}, nil
	case callrecord.KindNestedMarker, callrecord.KindStateSnapshot:
		callingFn, ok := c.resolveFunction(f.CallingSystemFunctionID)
		if !ok {
			return callrecord.Record{}, vmerr.Wrap("RestoreSnapshot", vmerr.InvalidArg)
		}
		initialFn, ok := c.resolveFunction(f.InitialFunctionID)
		if !ok {
			return callrecord.Record{}, vmerr.Wrap("RestoreSnapshot", vmerr.InvalidArg)
		}
		marker := callrecord.NestedMarker{
			PrevCallingSystemFunction: callingFn,
			PrevInitialFunction:       initialFn,
			PrevOriginalStackPointer:  f.OriginalStackPointer,
			PrevArgumentsSize:         f.ArgumentsSize,
			PrevValueRegister:         f.ValueRegister,
			PrevObjectRegister:        f.ObjectRegister,
			PrevObjectType:            f.ObjectTypeID,
		}
		if f.Kind == callrecord.KindNestedMarker {
			return callrecord.Record{Kind: callrecord.KindNestedMarker, Marker: marker}, nil
		}
		return callrecord.Record{Kind: callrecord.KindStateSnapshot, Snapshot: callrecord.StateSnapshot(marker)}, nil
	default:
		return callrecord.Record{}, vmerr.Wrap("RestoreSnapshot", vmerr.InvalidArg)
	}
}
