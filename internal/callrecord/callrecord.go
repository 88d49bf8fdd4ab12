// Package callrecord implements the call stack: a growable sequence of
// fixed-width frame records, three kinds of which exist (CallFrame,
// NestedMarker, StateSnapshot) — a tagged sum type standing in for
// asCContext's flat 9-word heterogeneous array, plus the chunked-growth
// array that holds them.
package callrecord

import (
	"vmctx/internal/fndesc"
	"vmctx/internal/hostapi"
	"vmctx/internal/stackarena"
)

// Kind tags which variant a Record holds.
type Kind int

const (
	KindCallFrame Kind = iota
	KindNestedMarker
	KindStateSnapshot
)

// CallFrame is a normal return record: where to resume, which function, and
// the stack state to restore.
type CallFrame struct {
	StackFramePointer stackarena.Pointer
	Function          *fndesc.Descriptor
	ProgramPointer    int // DWORD offset into Function.Script.ByteCode
	StackPointer      stackarena.Pointer
}

// NestedMarker is the sentinel PushState writes to mark a host-initiated
// re-entry boundary: the call stack beneath it belongs to a different,
// now-suspended "initial function" execution. Its presence is what stops
// exception unwinding and try/catch lookup from crossing into the outer
// execution.
type NestedMarker struct {
	PrevCallingSystemFunction *fndesc.Descriptor
	PrevInitialFunction       *fndesc.Descriptor
	PrevOriginalStackPointer  stackarena.Pointer
	PrevArgumentsSize         int
	PrevValueRegister         uint64
	PrevObjectRegister        hostapi.ObjectHandle
	PrevObjectType            int
}

// StateSnapshot has the identical layout to NestedMarker. PushState pushes a
// NestedMarker, not a StateSnapshot, and PopState accepts only a
// NestedMarker; a StateSnapshot record arises only when a restored snapshot
// contains one. Kept as a distinct Kind (rather than reusing NestedMarker)
// so a snapshot round trip preserves it; both kinds count as sentinels.
type StateSnapshot NestedMarker

// Record is one call-stack entry. Exactly one of the three fields is valid,
// selected by Kind — the tagged-sum-type replacement for the original's
// "first word zero means sentinel" trick.
type Record struct {
	Kind     Kind
	Frame    CallFrame
	Marker   NestedMarker
	Snapshot StateSnapshot
}

func (r Record) IsSentinel() bool { return r.Kind != KindCallFrame }

// CallStack is the growable array of Records. It grows in chunks and enforces
// MaxCallStackSize.
type CallStack struct {
	records       []Record
	growChunk     int
	maxSize       int // 0 = unbounded; measured in records, not raw words
}

type Config struct {
	InitialCapacity int
	GrowChunk       int
	MaxCallStackSize int // 0 = unbounded
}

func New(cfg Config) *CallStack {
	if cfg.GrowChunk <= 0 {
		cfg.GrowChunk = 10
	}
	cs := &CallStack{growChunk: cfg.GrowChunk, maxSize: cfg.MaxCallStackSize}
	if cfg.InitialCapacity > 0 {
		cs.records = make([]Record, 0, cfg.InitialCapacity)
	}
	return cs
}

// Len returns the number of live records.
func (cs *CallStack) Len() int { return len(cs.records) }

// growIfNeeded ensures capacity for one more record, honoring maxSize.
// Returns false if the push would exceed MaxCallStackSize.
func (cs *CallStack) growIfNeeded() bool {
	if cs.maxSize > 0 && len(cs.records) >= cs.maxSize {
		return false
	}
	if len(cs.records) == cap(cs.records) {
		newCap := cap(cs.records) + cs.growChunk
		if cs.maxSize > 0 && newCap > cs.maxSize {
			newCap = cs.maxSize
		}
		grown := make([]Record, len(cs.records), newCap)
		copy(grown, cs.records)
		cs.records = grown
	}
	return true
}

// Push appends r, returning false (StackOverflow territory) if the call
// stack has hit MaxCallStackSize.
func (cs *CallStack) Push(r Record) bool {
	if !cs.growIfNeeded() {
		return false
	}
	cs.records = append(cs.records, r)
	return true
}

// Pop removes and returns the topmost record.
func (cs *CallStack) Pop() (Record, bool) {
	if len(cs.records) == 0 {
		return Record{}, false
	}
	r := cs.records[len(cs.records)-1]
	cs.records = cs.records[:len(cs.records)-1]
	return r, true
}

// Peek returns the topmost record without removing it.
func (cs *CallStack) Peek() (Record, bool) {
	if len(cs.records) == 0 {
		return Record{}, false
	}
	return cs.records[len(cs.records)-1], true
}

// At returns the record at absolute index i (0 = bottom of stack).
func (cs *CallStack) At(i int) (Record, bool) {
	if i < 0 || i >= len(cs.records) {
		return Record{}, false
	}
	return cs.records[i], true
}

// Replace overwrites the record at absolute index i, used when a host
// rewrites a single saved frame in place (SetStateRegisters,
// SetCallStateRegisters) rather than popping and repushing.
func (cs *CallStack) Replace(i int, r Record) bool {
	if i < 0 || i >= len(cs.records) {
		return false
	}
	cs.records[i] = r
	return true
}

// Level returns the record stackLevel frames below the top, where
// stackLevel==1 is the immediate caller of the currently executing
// function — the indexing GetCallStateRegisters/GetFunction/GetLineNumber
// use.
func (cs *CallStack) Level(stackLevel int) (Record, bool) {
	if stackLevel <= 0 {
		return Record{}, false
	}
	idx := len(cs.records) - stackLevel
	return cs.At(idx)
}

// NestedDepth counts how many NestedMarker/StateSnapshot sentinels are on
// the stack, i.e. how many host re-entries deep the current execution is.
func (cs *CallStack) NestedDepth() int {
	n := 0
	for _, r := range cs.records {
		if r.IsSentinel() {
			n++
		}
	}
	return n
}

// InnermostSentinelIndex returns the index of the topmost sentinel record,
// or -1 if there is none. Unwinding must never pop past this index: a
// NestedMarker sentinel always stops it.
func (cs *CallStack) InnermostSentinelIndex() int {
	for i := len(cs.records) - 1; i >= 0; i-- {
		if cs.records[i].IsSentinel() {
			return i
		}
	}
	return -1
}

// Truncate drops every record at index >= n; the context calls it with 0 to
// empty the call stack when it is prepared, unprepared, or rebuilt from a
// snapshot or by deserialization.
func (cs *CallStack) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < len(cs.records) {
		cs.records = cs.records[:n]
	}
}
