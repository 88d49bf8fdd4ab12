package vmctx

import (
	"math"
	"sync"

	"github.com/google/uuid"

	"vmctx/internal/callrecord"
	"vmctx/internal/fndesc"
	"vmctx/internal/hostapi"
	"vmctx/internal/jit"
	"vmctx/internal/stackarena"
	"vmctx/internal/vmerr"
)

// LineCallback is invoked at SUSPEND points and at PrepareScriptFunction's
// entry, mirroring asIScriptContext's line callback.
type LineCallback func(ctx *Context)

// ExceptionCallback is invoked immediately after SetException raises.
type ExceptionCallback func(ctx *Context)

// ExceptionState mirrors asCContext's exceptionState record. It survives
// until the next Prepare, so GetException* still answers after Execute
// returns Exception status.
type ExceptionState struct {
	Kind         vmerr.ExceptionKind
	Description  string
	FunctionID   int
	Section      string
	Line         int
	Column       int
	WillBeCaught bool
	set          bool
}

// suspendFlags groups the cross-thread-settable cooperative control flags.
// They are guarded by mu since Abort/Suspend may be
// called from any thread while the interpreter polls them.
type suspendFlags struct {
	mu                      sync.Mutex
	doSuspend               bool
	doAbort                 bool
	externalSuspendRequest  bool
	inExceptionHandler      bool
	needToCleanupArgs       bool
	isStackMemoryNotAllocated bool
}

func (f *suspendFlags) setSuspend() {
	f.mu.Lock()
	f.doSuspend = true
	f.externalSuspendRequest = true
	f.mu.Unlock()
}

func (f *suspendFlags) setAbort() {
	f.mu.Lock()
	f.doAbort = true
	f.doSuspend = true
	f.mu.Unlock()
}

func (f *suspendFlags) snapshot() (doSuspend, doAbort bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doSuspend, f.doAbort
}

func (f *suspendFlags) clear() {
	f.mu.Lock()
	f.doSuspend = false
	f.doAbort = false
	f.externalSuspendRequest = false
	f.inExceptionHandler = false
	f.needToCleanupArgs = false
	f.mu.Unlock()
}

// Config bundles the per-context tunables that otherwise come from the
// engine's properties in the original.
type Config struct {
	Stack     stackarena.Config
	CallStack callrecord.Config
}

// Context is an independent execution of a script function.
type Context struct {
	id uuid.UUID

	mu sync.Mutex // serializes the public API; the interpreter loop itself runs on a single goroutine at a time

	engine         hostapi.Engine
	holdsEngineRef bool

	status Status

	initialFunction *fndesc.Descriptor
	currentFunction *fndesc.Descriptor

	stack     *stackarena.Arena
	callStack *callrecord.CallStack

	regs Registers

	originalStackPointer stackarena.Pointer

	argumentsSize   int
	returnValueSize int

	exception ExceptionState
	flags     suspendFlags

	lineCallback      LineCallback
	exceptionCallback ExceptionCallback

	profiler *jit.Profiler
	jitTable *jit.Table

	userDataMu sync.RWMutex
	userData   map[int]any

	globals []uint32 // backs PshG4/PshGPtr/LdGRdR4/CpyVtoG/CpyGtoV; see stackops.go
}

// New constructs a Context bound to engine. holdsEngineRef mirrors the
// original's optional strong reference to the engine.
func New(engine hostapi.Engine, holdsEngineRef bool, cfg Config, profiler *jit.Profiler, jitTable *jit.Table) *Context {
	return &Context{
		id:             uuid.New(),
		engine:         engine,
		holdsEngineRef: holdsEngineRef,
		status:         StatusUninitialized,
		stack:          stackarena.New(cfg.Stack),
		callStack:      callrecord.New(cfg.CallStack),
		profiler:       profiler,
		jitTable:       jitTable,
		userData:       make(map[int]any),
	}
}

// ID returns the context's unique identifier, used by hosts that track many
// live contexts (e.g. a debugger attaching to one of several coroutines).
func (c *Context) ID() uuid.UUID { return c.id }

// GetState reports the current status.
func (c *Context) GetState() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Engine returns the bound host engine.
func (c *Context) Engine() hostapi.Engine { return c.engine }

const ptrSizeDWords = 1 // address-sized slots are always 1 DWORD on this VM's ABI view

// Prepare transitions Uninitialized/Finished -> Prepared.
func (c *Context) Prepare(fn *fndesc.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusActive || c.status == StatusSuspended {
		return vmerr.Wrap("Prepare", vmerr.ContextActive)
	}
	if fn == nil {
		return vmerr.Wrap("Prepare", vmerr.InvalidArg)
	}

	// Release any object the previous call returned before the function
	// that produced it (and the registers holding it) get overwritten.
	c.releaseReturnValue()

	if c.status == StatusFinished && c.initialFunction == fn {
		// Same-function fast path:
		// the frame shape is already correct, just rewind it.
	} else {
		c.initialFunction = fn
		spaceForArgs := fn.SpaceForArguments()
		returnsOnStack := fn.ReturnsOnStack
		hasReceiver := fn.HasReceiver

		c.argumentsSize = spaceForArgs
		if hasReceiver {
			c.argumentsSize += ptrSizeDWords
		}
		if returnsOnStack {
			c.argumentsSize += ptrSizeDWords
		}
		if returnsOnStack {
			c.returnValueSize = fn.ReturnKind.SizeDWords()
		} else {
			c.returnValueSize = 0
		}
	}

	stackNeeded := c.argumentsSize + c.returnValueSize
	if fn.Script != nil {
		stackNeeded += fn.Script.StackNeeded
	}

	if !c.stack.Reserve(stackNeeded) {
		c.setInternalException(vmerr.StackOverflow, "")
		return vmerr.Wrap("Prepare", vmerr.OutOfMemory)
	}

	c.stack.Push(c.argumentsSize + c.returnValueSize)
	sp := c.stack.StackPointer()
	c.originalStackPointer = sp
	c.regs.StackPointer = sp
	c.regs.StackFramePointer = sp

	for i := 0; i < c.argumentsSize+c.returnValueSize; i++ {
		c.stack.WriteU32(addOffset(sp, i), 0)
	}

	c.exception = ExceptionState{}
	c.flags.clear()
	c.regs.ProgramPointer = 0
	c.regs.ValueRegister = 0
	c.regs.ObjectRegister = hostapi.Nil
	c.regs.ObjectType = 0
	c.currentFunction = fn
	c.callStack.Truncate(0)
	c.status = StatusPrepared
	return nil
}

// addOffset returns p shifted by n DWORDs toward higher addresses (toward
// the bottom of this downward-growing stack), used to index within the
// already-reserved argument area.
func addOffset(p stackarena.Pointer, n int) stackarena.Pointer {
	return stackarena.Pointer{BlockIndex: p.BlockIndex, Offset: p.Offset + n}
}

// Unprepare releases the return value and the initial function, returning to
// Uninitialized from any non-Active state.
func (c *Context) Unprepare() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status == StatusActive {
		return vmerr.Wrap("Unprepare", vmerr.ContextActive)
	}

	c.releaseReturnValue()
	c.initialFunction = nil
	c.currentFunction = nil
	c.callStack.Truncate(0)
	c.stack.Reset()
	// Exception details (GetExceptionString/GetExceptionLineNumber/
	// WillExceptionBeCaught) stay queryable until the next Prepare, which
	// already clears c.exception itself.
	c.flags.clear()
	c.status = StatusUninitialized
	return nil
}

func (c *Context) releaseReturnValue() {
	if c.initialFunction == nil || !c.initialFunction.ReturnKind.IsObject() {
		return
	}
	if c.regs.ObjectRegister == hostapi.Nil || c.engine == nil {
		return
	}
	if beh, ok := c.engine.Allocator().Behaviors(c.regs.ObjectType); ok && beh.Release != nil {
		_ = beh.Release(c.regs.ObjectRegister)
	}
	c.regs.ObjectRegister = hostapi.Nil
}

// argSlot returns the stack pointer for argument index n, honoring the
// receiver/return-on-stack prefix.
func (c *Context) argSlot(n int) (stackarena.Pointer, *fndesc.Param, error) {
	if c.status != StatusPrepared {
		return stackarena.Pointer{}, nil, vmerr.Wrap("SetArg", vmerr.ContextNotPrepared)
	}
	if n < 0 || n >= len(c.initialFunction.Params) {
		return stackarena.Pointer{}, nil, vmerr.Wrap("SetArg", vmerr.InvalidArg)
	}
	offset := c.initialFunction.ArgOffset(n)
	return addOffset(c.regs.StackFramePointer, offset), &c.initialFunction.Params[n], nil
}

func (c *Context) setArgScalar(n int, wantKind fndesc.TypeKind, write func(p stackarena.Pointer)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, param, err := c.argSlot(n)
	if err != nil {
		return err
	}
	if param.Kind != wantKind {
		return vmerr.Wrap("SetArg", vmerr.InvalidType)
	}
	write(p)
	return nil
}

func (c *Context) SetArgByte(n int, v uint8) error {
	return c.setArgScalar(n, fndesc.KindByte, func(p stackarena.Pointer) { c.stack.WriteU32(p, uint32(v)) })
}

func (c *Context) SetArgWord(n int, v uint16) error {
	return c.setArgScalar(n, fndesc.KindWord, func(p stackarena.Pointer) { c.stack.WriteU32(p, uint32(v)) })
}

func (c *Context) SetArgDWord(n int, v uint32) error {
	return c.setArgScalar(n, fndesc.KindDWord, func(p stackarena.Pointer) { c.stack.WriteU32(p, v) })
}

func (c *Context) SetArgQWord(n int, v uint64) error {
	return c.setArgScalar(n, fndesc.KindQWord, func(p stackarena.Pointer) { c.stack.WriteU64(p, v) })
}

func (c *Context) SetArgFloat(n int, v float32) error {
	return c.setArgScalar(n, fndesc.KindFloat, func(p stackarena.Pointer) {
		c.stack.WriteU32(p, math.Float32bits(v))
	})
}

func (c *Context) SetArgDouble(n int, v float64) error {
	return c.setArgScalar(n, fndesc.KindDouble, func(p stackarena.Pointer) {
		c.stack.WriteU64(p, math.Float64bits(v))
	})
}

func (c *Context) SetArgAddress(n int, addr hostapi.ObjectHandle) error {
	return c.setArgScalar(n, fndesc.KindAddress, func(p stackarena.Pointer) {
		c.stack.WriteU64(p, uint64(addr))
	})
}

// SetArgObject writes an object-typed argument; if the parameter is taken by
// value and the type is reference-counted, the handle is addref'd so the
// context subsequently owns a reference. A value-type argument is not
// copied: the given handle itself is stored in the slot.
func (c *Context) SetArgObject(n int, obj hostapi.ObjectHandle, typeID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, param, err := c.argSlot(n)
	if err != nil {
		return err
	}
	if param.Kind != fndesc.KindObject && param.Kind != fndesc.KindFuncdef {
		return vmerr.Wrap("SetArgObject", vmerr.InvalidType)
	}
	if !param.IsReference && param.ByValue && c.engine != nil {
		if beh, ok := c.engine.Allocator().Behaviors(typeID); ok {
			if beh.IsRef && !beh.NoCount && beh.AddRef != nil {
				_ = beh.AddRef(obj)
			}
		}
	}
	c.stack.WriteU64(p, uint64(obj))
	return nil
}

// SetObject writes the receiver into slot 0, addref'ing a script object
// receiver.
func (c *Context) SetObject(this hostapi.ObjectHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusPrepared {
		return vmerr.Wrap("SetObject", vmerr.ContextNotPrepared)
	}
	if !c.initialFunction.HasReceiver {
		return vmerr.Wrap("SetObject", vmerr.InvalidArg)
	}
	if c.engine != nil {
		if beh, ok := c.engine.Allocator().Behaviors(c.initialFunction.ReceiverTypeID); ok {
			if beh.IsRef && !beh.NoCount && beh.AddRef != nil {
				_ = beh.AddRef(this)
			}
		}
	}
	c.stack.WriteU64(c.regs.StackFramePointer, uint64(this))
	return nil
}

// returnReady reports whether GetReturn* may answer with live data.
func (c *Context) returnReady() bool {
	return c.status == StatusFinished
}

func (c *Context) GetReturnByte() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.returnReady() || c.initialFunction.ReturnKind != fndesc.KindByte {
		return 0
	}
	return uint8(c.regs.ValueRegister)
}

func (c *Context) GetReturnWord() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.returnReady() || c.initialFunction.ReturnKind != fndesc.KindWord {
		return 0
	}
	return uint16(c.regs.ValueRegister)
}

func (c *Context) GetReturnDWord() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.returnReady() || c.initialFunction.ReturnKind != fndesc.KindDWord {
		return 0
	}
	return uint32(c.regs.ValueRegister)
}

func (c *Context) GetReturnQWord() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.returnReady() || c.initialFunction.ReturnKind != fndesc.KindQWord {
		return 0
	}
	return c.regs.ValueRegister
}

func (c *Context) GetReturnFloat() float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.returnReady() || c.initialFunction.ReturnKind != fndesc.KindFloat {
		return 0
	}
	return math.Float32frombits(uint32(c.regs.ValueRegister))
}

func (c *Context) GetReturnDouble() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.returnReady() || c.initialFunction.ReturnKind != fndesc.KindDouble {
		return 0
	}
	return math.Float64frombits(c.regs.ValueRegister)
}

func (c *Context) GetReturnAddress() hostapi.ObjectHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.returnReady() || c.initialFunction.ReturnKind != fndesc.KindAddress {
		return hostapi.Nil
	}
	return hostapi.ObjectHandle(c.regs.ValueRegister)
}

func (c *Context) GetReturnObject() hostapi.ObjectHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.returnReady() || !c.initialFunction.ReturnKind.IsObject() {
		return hostapi.Nil
	}
	return c.regs.ObjectRegister
}

// GetAddressOfReturnValue returns the current stack frame pointer, the slot
// an out-parameter style return (returnsOnStack) is addressed from. It never
// returns the address of the object register, whatever the return kind.
func (c *Context) GetAddressOfReturnValue() stackarena.Pointer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs.StackFramePointer
}

// Abort requests termination; safe from any thread.
func (c *Context) Abort() { c.flags.setAbort() }

// Suspend requests a cooperative yield at the next poll point; safe from any
// thread.
func (c *Context) Suspend() { c.flags.setSuspend() }

// SetUserData stores data under typeKey and returns whatever was previously
// stored there, under this context's own RW lock; the map and its lock are
// per context and are not shared with other contexts of the same engine.
func (c *Context) SetUserData(data any, typeKey int) any {
	c.userDataMu.Lock()
	defer c.userDataMu.Unlock()
	old := c.userData[typeKey]
	c.userData[typeKey] = data
	return old
}

func (c *Context) GetUserData(typeKey int) any {
	c.userDataMu.RLock()
	defer c.userDataMu.RUnlock()
	return c.userData[typeKey]
}

// SetLineCallback installs fn, called at SUSPEND points and on entry to each
// script call.
func (c *Context) SetLineCallback(fn LineCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lineCallback = fn
	return nil
}

func (c *Context) ClearLineCallback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lineCallback = nil
}

func (c *Context) SetExceptionCallback(fn ExceptionCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exceptionCallback = fn
	return nil
}

func (c *Context) ClearExceptionCallback() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exceptionCallback = nil
}
