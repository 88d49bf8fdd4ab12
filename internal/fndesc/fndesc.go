// Package fndesc defines the resolved-function contract the execution core
// consumes from its (out-of-scope) compiler and type registry: bytecode,
// parameter/return signatures, local-variable tables, and try/catch tables.
// Nothing in this package compiles, links, or resolves a function — it only
// describes the shape a compiler must hand to a Context.
package fndesc

// TypeKind classifies a parameter, return, or local-variable slot for the
// purposes SetArg*/GetReturn*/the interpreter care about: how many stack
// DWORDs it occupies and whether it needs refcounting on entry/exit.
type TypeKind int

const (
	KindVoid TypeKind = iota
	KindBool
	KindByte
	KindWord
	KindDWord
	KindQWord
	KindFloat
	KindDouble
	KindAddress // raw pointer, not refcounted
	KindObject  // refcounted/value object, behaviors via hostapi.TypeBehaviors
	KindFuncdef // refcounted function-pointer value
)

// SizeDWords returns how many 4-byte stack cells a value of this kind
// occupies, mirroring asCDataType::GetSizeOnStackDWords.
func (k TypeKind) SizeDWords() int {
	switch k {
	case KindVoid:
		return 0
	case KindBool, KindByte, KindWord, KindDWord, KindFloat:
		return 1
	case KindQWord, KindDouble:
		return 2
	default:
		return 1 // addresses/objects/funcdefs are pointer-by-reference on the stack
	}
}

// IsObject reports whether the kind requires behavior-table addref/release
// (or destruct for value types) rather than being a plain scalar copy.
func (k TypeKind) IsObject() bool {
	return k == KindObject || k == KindFuncdef
}

// Param describes one formal parameter.
type Param struct {
	Kind       TypeKind
	TypeID     int // opaque handle into the (out-of-scope) type registry
	IsReference bool
	ByValue    bool // true if the context owns a constructed copy
}

// VarEventOption mirrors asSObjectVariableInfo.option: the kind of liveness
// event recorded at a bytecode position for one stack-frame variable slot.
type VarEventOption int

const (
	VarDecl VarEventOption = iota // declared (slot reused across scopes)
	VarInit                       // constructed/assigned, now live
	VarUninit                     // destroyed/released, no longer live
	BlockBegin
	BlockEnd
)

// ObjVarEvent is one entry of a function's live-object event log, replayed by
// the exception engine to reconstruct which local object variables are
// actually alive at an arbitrary bytecode position.
type ObjVarEvent struct {
	ProgramPos     int
	Option         VarEventOption
	VariableOffset int // stack offset (DWORDs below stackFramePointer), matches VarInfo.StackOffset
}

// VarInfo describes one local variable slot for introspection and for the
// exception engine's destructor pass.
type VarInfo struct {
	Name        string
	Kind        TypeKind
	TypeID      int
	OnHeap      bool // heap-allocated object local vs inline value-type local
	StackOffset int  // DWORDs below stackFramePointer; <=0 marks a parameter slot
	DeclaredAt  int  // bytecode position where the variable comes into scope
	EndAt       int  // bytecode position where it goes out of scope (0 = function end)
}

// TryCatchRange is one (tryPos, catchPos) region in bytecode-word units.
type TryCatchRange struct {
	TryPos    int
	CatchPos  int
	StackSize int // operand-stack DWORDs live at tryPos, relative to stackFramePointer
}

// ScriptData holds everything only script (non-system) functions carry: the
// actual bytecode plus the metadata the interpreter, exception engine, and
// debugger need to execute and unwind it.
type ScriptData struct {
	ByteCode         []uint32
	StackNeeded      int // total operand-stack DWORDs this function's body needs
	VariableSpace    int // DWORDs reserved for local variables below the frame
	Variables        []VarInfo
	TryCatchInfo     []TryCatchRange
	ObjVariableInfo  []ObjVarEvent
	LineNumbers      []LineEntry // bytecode position -> source line, sorted by position
	SectionName      string
}

// LineEntry maps a bytecode word position to a source line/column, used by
// GetLineNumber and by exception reporting.
type LineEntry struct {
	ProgramPos int
	Line       int
	Column     int
}

// Descriptor is the resolved function the host hands to Context.Prepare,
// PushFunction, or a CALL* opcode target. It stands in for asCScriptFunction.
type Descriptor struct {
	ID   int
	Name string

	IsSystem bool // true => native function, dispatched through hostapi.Marshaller
	IsGeneric bool // true => dispatched through hostapi.GenericMarshaller

	ReceiverTypeID  int  // 0 if the function has no receiver (free function)
	HasReceiver     bool
	ReturnsOnStack  bool // large/by-value return goes through an implicit out-pointer arg
	DontCleanUpOnException bool // receiver/args are borrowed, not owned

	Params     []Param
	ReturnKind TypeKind
	ReturnTypeID int

	Script *ScriptData // nil for system/generic functions

	// VFTableIndex supports CallInterfaceMethod's virtual dispatch;
	// populated only for methods that can be called virtually.
	VFTableIndex int
}

// SpaceForArguments returns the DWORD count SetArg*/Prepare reserve for the
// declared parameter list, matching asCScriptFunction::GetSpaceNeededForArguments.
func (d *Descriptor) SpaceForArguments() int {
	total := 0
	for _, p := range d.Params {
		if p.IsReference {
			total++ // references are always pointer-sized (1 DWORD on 32-bit ABI view)
			continue
		}
		total += p.Kind.SizeDWords()
	}
	return total
}

// ArgOffset returns the DWORD offset (from the start of the argument area) at
// which parameter index n begins, accounting for an implicit receiver slot
// and an implicit return-on-stack out-pointer slot that precede user params.
func (d *Descriptor) ArgOffset(n int) int {
	offset := 0
	if d.HasReceiver {
		offset++
	}
	if d.ReturnsOnStack {
		offset++
	}
	for i := 0; i < n; i++ {
		if d.Params[i].IsReference {
			offset++
			continue
		}
		offset += d.Params[i].Kind.SizeDWords()
	}
	return offset
}
