package vmctx

import (
	"vmctx/internal/opcode"
	"vmctx/internal/stackarena"
	"vmctx/internal/vmerr"
)

// Addresses produced by PSF/GETREF/GETOBJREF and consumed by RDR*/WRTV*
// are stackarena.Serialized values (block index + offset) rather than raw
// Go pointers — there is no heap here for PSF to point into, only the
// operand stack itself, and stackarena already has the AngelScript
// block-index/offset encoding for it. hostapi.ObjectHandle addresses
// (engine-managed objects) are a separate namespace, touched only by the
// object-lifecycle opcodes.
func (c *Context) addressOf(p stackarena.Pointer) uint32 {
	s, err := c.stack.ToSerialized(p)
	if err != nil {
		return 0
	}
	return uint32(s)
}

func (c *Context) derefAddress(addr uint32) (stackarena.Pointer, bool) {
	if addr == 0 {
		return stackarena.Pointer{}, false
	}
	p, err := c.stack.FromSerialized(stackarena.Serialized(addr))
	if err != nil {
		return stackarena.Pointer{}, false
	}
	return p, true
}

func (c *Context) execStackMove(op opcode.OpCode, instr opcode.Instruction) {
	switch op {
	case opcode.OpPopPtr:
		c.stack.Pop(1)
		c.regs.StackPointer = addOffset(c.regs.StackPointer, 1)

	case opcode.OpPshC4:
		c.pushImmediate32(c.nextWord(1))

	case opcode.OpPshC8:
		lo, hi := c.nextWord(1), c.nextWord(2)
		c.pushImmediate64(uint64(lo) | uint64(hi)<<32)

	case opcode.OpPshV4:
		v := c.stack.ReadU32(addOffset(c.regs.StackFramePointer, -int(instr.SOff24())))
		c.pushImmediate32(v)

	case opcode.OpPshV8:
		v := c.stack.ReadU64(addOffset(c.regs.StackFramePointer, -int(instr.SOff24())))
		c.pushImmediate64(v)

	case opcode.OpPshVPtr:
		v := c.stack.ReadU32(addOffset(c.regs.StackFramePointer, -int(instr.SOff24())))
		c.pushImmediate32(v)

	case opcode.OpPshG4:
		c.pushImmediate32(c.readGlobal32(int(instr.Arg0())))

	case opcode.OpPshGPtr:
		c.pushImmediate32(c.readGlobal32(int(instr.Arg0())))

	case opcode.OpPshRPtr:
		v := c.stack.ReadU32(c.regs.StackFramePointer)
		c.pushImmediate32(v)

	case opcode.OpPopRPtr:
		c.stack.Pop(1)
		c.regs.StackPointer = addOffset(c.regs.StackPointer, 1)

	case opcode.OpPshNull:
		c.pushImmediate32(0)

	case opcode.OpPshListElmnt:
		// Init-list element addressing is a compiler/type-registry concern
		//; push a null placeholder so stack
		// arithmetic stays balanced for bytecode that contains it.
		c.pushImmediate32(0)

	case opcode.OpPSF:
		addr := c.addressOf(addOffset(c.regs.StackFramePointer, -int(instr.SOff24())))
		c.pushImmediate32(addr)

	case opcode.OpFuncPtr:
		c.pushImmediate32(c.nextWord(1))

	case opcode.OpObjType:
		c.pushImmediate32(c.nextWord(1))

	case opcode.OpTypeId:
		c.pushImmediate32(c.nextWord(1))
	}
}

func (c *Context) nextWord(offsetWords int) uint32 {
	code := c.currentFunction.Script.ByteCode
	idx := c.regs.ProgramPointer + offsetWords
	if idx < 0 || idx >= len(code) {
		return 0
	}
	return code[idx]
}

func (c *Context) pushImmediate32(v uint32) {
	c.stack.Push(1)
	c.regs.StackPointer = addOffset(c.regs.StackPointer, -1)
	c.stack.WriteU32(c.regs.StackPointer, v)
}

func (c *Context) pushImmediate64(v uint64) {
	c.stack.Push(2)
	c.regs.StackPointer = addOffset(c.regs.StackPointer, -2)
	c.stack.WriteU64(c.regs.StackPointer, v)
}

// globals backs PshG4/PshGPtr/LdGRdR4/CpyVtoG/CpyGtoV. Global-variable
// storage belongs to the engine's module/global-memory area in the
// original; here it is a flat per-context slice indexed by constant-pool
// slot, grown lazily, since no module system exists on this side of the
// boundary.
func (c *Context) readGlobal32(slot int) uint32 {
	if slot < 0 || slot >= len(c.globals) {
		return 0
	}
	return c.globals[slot]
}

func (c *Context) writeGlobal32(slot int, v uint32) {
	if slot < 0 {
		return
	}
	for slot >= len(c.globals) {
		c.globals = append(c.globals, 0)
	}
	c.globals[slot] = v
}

// --- memory --------------------------------------------------------------

func (c *Context) execMemory(op opcode.OpCode, instr opcode.Instruction) {
	switch op {
	case opcode.OpRDR1, opcode.OpRDR2, opcode.OpRDR4, opcode.OpRDR8:
		c.execRead(op)
	case opcode.OpWRTV1, opcode.OpWRTV2, opcode.OpWRTV4, opcode.OpWRTV8:
		c.execWrite(op)
	case opcode.OpLdGRdR4:
		c.regs.ValueRegister = uint64(c.readGlobal32(int(instr.Arg0())))
	case opcode.OpCpyVtoV:
		dst, src := c.binarySlots32()
		c.stack.WriteU32(dst, c.stack.ReadU32(src))
		c.popAfterBinary32()
	case opcode.OpCpyVtoR4:
		v := c.stack.ReadU32(addOffset(c.regs.StackFramePointer, -int(instr.SOff24())))
		c.regs.ValueRegister = uint64(v)
	case opcode.OpCpyVtoR8:
		v := c.stack.ReadU64(addOffset(c.regs.StackFramePointer, -int(instr.SOff24())))
		c.regs.ValueRegister = v
	case opcode.OpCpyVtoG:
		v := c.stack.ReadU32(c.regs.StackPointer)
		c.writeGlobal32(int(instr.Arg0()), v)
	case opcode.OpCpyGtoV:
		v := c.readGlobal32(int(instr.Arg0()))
		c.pushImmediate32(v)
	}
}

func (c *Context) execRead(op opcode.OpCode) {
	addr := uint32(c.regs.ValueRegister)
	p, ok := c.derefAddress(addr)
	if !ok {
		c.setInternalException(vmerr.NullPointerAccess, "")
		return
	}
	switch op {
	case opcode.OpRDR1:
		c.regs.ValueRegister = uint64(uint8(c.stack.ReadU32(p)))
	case opcode.OpRDR2:
		c.regs.ValueRegister = uint64(uint16(c.stack.ReadU32(p)))
	case opcode.OpRDR4:
		c.regs.ValueRegister = uint64(c.stack.ReadU32(p))
	case opcode.OpRDR8:
		c.regs.ValueRegister = c.stack.ReadU64(p)
	}
}

func (c *Context) execWrite(op opcode.OpCode) {
	addr := uint32(c.regs.ValueRegister)
	p, ok := c.derefAddress(addr)
	if !ok {
		c.setInternalException(vmerr.NullPointerAccess, "")
		return
	}
	switch op {
	case opcode.OpWRTV1:
		c.stack.WriteU32(p, uint32(uint8(c.regs.ValueRegister)))
	case opcode.OpWRTV2:
		c.stack.WriteU32(p, uint32(uint16(c.regs.ValueRegister)))
	case opcode.OpWRTV4:
		c.stack.WriteU32(p, uint32(c.regs.ValueRegister))
	case opcode.OpWRTV8:
		c.stack.WriteU64(p, c.regs.ValueRegister)
	}
}
