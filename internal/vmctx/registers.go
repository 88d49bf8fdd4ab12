// Package vmctx implements the execution context: the operand stack, call
// stack, registers, interpreter loop, call transitions, exception engine,
// nested/snapshot support, and debug introspection. Everything this package
// does not own — the compiler, the type registry, the allocator, and the
// native marshaller — comes in through internal/hostapi and internal/fndesc.
package vmctx

import (
	"vmctx/internal/hostapi"
	"vmctx/internal/stackarena"
)

// Status is the context's state machine position.
type Status int

const (
	StatusUninitialized Status = iota
	StatusPrepared
	StatusActive
	StatusSuspended
	StatusFinished
	StatusAborted
	StatusException
	StatusDeserialization
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "Uninitialized"
	case StatusPrepared:
		return "Prepared"
	case StatusActive:
		return "Active"
	case StatusSuspended:
		return "Suspended"
	case StatusFinished:
		return "Finished"
	case StatusAborted:
		return "Aborted"
	case StatusException:
		return "Exception"
	case StatusDeserialization:
		return "Deserialization"
	default:
		return "Unknown"
	}
}

// Registers holds the scalar execution state; the interpreter reads and
// writes it in place on the Context (c.regs) rather than keeping copies in
// locals.
type Registers struct {
	ProgramPointer    int // DWORD index into currentFunction's bytecode
	StackFramePointer stackarena.Pointer
	StackPointer      stackarena.Pointer
	ValueRegister     uint64
	ObjectRegister    hostapi.ObjectHandle
	ObjectType        int
	DoProcessSuspend  bool
}
