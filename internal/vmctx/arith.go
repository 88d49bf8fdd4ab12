package vmctx

import (
	"math"

	"vmctx/internal/opcode"
	"vmctx/internal/stackarena"
	"vmctx/internal/vmerr"
)

// binarySlots32 returns the pointers to the second-from-top operand (lhs),
// which is also where the result is written, and the top operand (rhs). It
// does not move the stack pointer; popAfterBinary32/popAfterBinary64 then
// drop one operand's width: two n-DWORD operands in, one n-DWORD result out
// leaves the stack n DWORDs shallower.
func (c *Context) binarySlots32() (lhs, rhs stackarena.Pointer) {
	rhs = c.regs.StackPointer
	lhs = addOffset(c.regs.StackPointer, 1)
	return lhs, rhs
}

func (c *Context) binarySlots64() (lhs, rhs stackarena.Pointer) {
	rhs = c.regs.StackPointer
	lhs = addOffset(c.regs.StackPointer, 2)
	return lhs, rhs
}

func (c *Context) popAfterBinary32() { c.stack.Pop(1); c.regs.StackPointer = addOffset(c.regs.StackPointer, 1) }
func (c *Context) popAfterBinary64() { c.stack.Pop(2); c.regs.StackPointer = addOffset(c.regs.StackPointer, 2) }

func (c *Context) execArith(op opcode.OpCode, instr opcode.Instruction) {
	switch {
	case op >= opcode.OpAddI32 && op <= opcode.OpModI32:
		c.arithI32(op)
	case op >= opcode.OpAddU32 && op <= opcode.OpModU32:
		c.arithU32(op)
	case op >= opcode.OpAddI64 && op <= opcode.OpModI64:
		c.arithI64(op)
	case op >= opcode.OpAddU64 && op <= opcode.OpModU64:
		c.arithU64(op)
	case op >= opcode.OpAddF32 && op <= opcode.OpModF32:
		c.arithF32(op)
	case op >= opcode.OpAddF64 && op <= opcode.OpModF64:
		c.arithF64(op)
	case op == opcode.OpAddI32Imm || op == opcode.OpSubI32Imm || op == opcode.OpMulI32Imm:
		c.arithI32Imm(op, instr)
	case op == opcode.OpAddF32Imm || op == opcode.OpSubF32Imm || op == opcode.OpMulF32Imm:
		c.arithF32Imm(op, instr)
	}
}

func (c *Context) arithI32(op opcode.OpCode) {
	lhs, rhs := c.binarySlots32()
	a := int32(c.stack.ReadU32(lhs))
	b := int32(c.stack.ReadU32(rhs))
	var r int32
	switch op {
	case opcode.OpAddI32:
		r = a + b
	case opcode.OpSubI32:
		r = a - b
	case opcode.OpMulI32:
		r = a * b
	case opcode.OpDivI32:
		if b == 0 {
			c.setInternalException(vmerr.DivideByZero, "")
			return
		}
		if a == math.MinInt32 && b == -1 {
			c.setInternalException(vmerr.DivideOverflow, "")
			return
		}
		r = a / b
	case opcode.OpModI32:
		if b == 0 {
			c.setInternalException(vmerr.DivideByZero, "")
			return
		}
		if a == math.MinInt32 && b == -1 {
			c.setInternalException(vmerr.DivideOverflow, "")
			return
		}
		r = a % b
	}
	c.stack.WriteU32(lhs, uint32(r))
	c.popAfterBinary32()
}

func (c *Context) arithU32(op opcode.OpCode) {
	lhs, rhs := c.binarySlots32()
	a := c.stack.ReadU32(lhs)
	b := c.stack.ReadU32(rhs)
	var r uint32
	switch op {
	case opcode.OpAddU32:
		r = a + b
	case opcode.OpSubU32:
		r = a - b
	case opcode.OpMulU32:
		r = a * b
	case opcode.OpDivU32:
		if b == 0 {
			c.setInternalException(vmerr.DivideByZero, "")
			return
		}
		r = a / b
	case opcode.OpModU32:
		if b == 0 {
			c.setInternalException(vmerr.DivideByZero, "")
			return
		}
		r = a % b
	}
	c.stack.WriteU32(lhs, r)
	c.popAfterBinary32()
}

func (c *Context) arithI64(op opcode.OpCode) {
	lhs, rhs := c.binarySlots64()
	a := int64(c.stack.ReadU64(lhs))
	b := int64(c.stack.ReadU64(rhs))
	var r int64
	switch op {
	case opcode.OpAddI64:
		r = a + b
	case opcode.OpSubI64:
		r = a - b
	case opcode.OpMulI64:
		r = a * b
	case opcode.OpDivI64:
		if b == 0 {
			c.setInternalException(vmerr.DivideByZero, "")
			return
		}
		if a == math.MinInt64 && b == -1 {
			c.setInternalException(vmerr.DivideOverflow, "")
			return
		}
		r = a / b
	case opcode.OpModI64:
		if b == 0 {
			c.setInternalException(vmerr.DivideByZero, "")
			return
		}
		if a == math.MinInt64 && b == -1 {
			c.setInternalException(vmerr.DivideOverflow, "")
			return
		}
		r = a % b
	}
	c.stack.WriteU64(lhs, uint64(r))
	c.popAfterBinary64()
}

func (c *Context) arithU64(op opcode.OpCode) {
	lhs, rhs := c.binarySlots64()
	a := c.stack.ReadU64(lhs)
	b := c.stack.ReadU64(rhs)
	var r uint64
	switch op {
	case opcode.OpAddU64:
		r = a + b
	case opcode.OpSubU64:
		r = a - b
	case opcode.OpMulU64:
		r = a * b
	case opcode.OpDivU64:
		if b == 0 {
			c.setInternalException(vmerr.DivideByZero, "")
			return
		}
		r = a / b
	case opcode.OpModU64:
		if b == 0 {
			c.setInternalException(vmerr.DivideByZero, "")
			return
		}
		r = a % b
	}
	c.stack.WriteU64(lhs, r)
	c.popAfterBinary64()
}

func (c *Context) arithF32(op opcode.OpCode) {
	lhs, rhs := c.binarySlots32()
	a := math.Float32frombits(c.stack.ReadU32(lhs))
	b := math.Float32frombits(c.stack.ReadU32(rhs))
	var r float32
	switch op {
	case opcode.OpAddF32:
		r = a + b
	case opcode.OpSubF32:
		r = a - b
	case opcode.OpMulF32:
		r = a * b
	case opcode.OpDivF32:
		r = a / b
	case opcode.OpModF32:
		r = float32(math.Mod(float64(a), float64(b)))
	}
	c.stack.WriteU32(lhs, math.Float32bits(r))
	c.popAfterBinary32()
}

func (c *Context) arithF64(op opcode.OpCode) {
	lhs, rhs := c.binarySlots64()
	a := math.Float64frombits(c.stack.ReadU64(lhs))
	b := math.Float64frombits(c.stack.ReadU64(rhs))
	var r float64
	switch op {
	case opcode.OpAddF64:
		r = a + b
	case opcode.OpSubF64:
		r = a - b
	case opcode.OpMulF64:
		r = a * b
	case opcode.OpDivF64:
		r = a / b
	case opcode.OpModF64:
		r = math.Mod(a, b)
	}
	c.stack.WriteU64(lhs, math.Float64bits(r))
	c.popAfterBinary64()
}

// arithI32Imm is the fast path for ADDI/SUBI/MULI: a single operand on the
// stack combined with an immediate packed into the instruction's Arg0.
func (c *Context) arithI32Imm(op opcode.OpCode, instr opcode.Instruction) {
	p := c.regs.StackPointer
	a := int32(c.stack.ReadU32(p))
	imm := int32(instr.SOff24())
	var r int32
	switch op {
	case opcode.OpAddI32Imm:
		r = a + imm
	case opcode.OpSubI32Imm:
		r = a - imm
	case opcode.OpMulI32Imm:
		r = a * imm
	}
	c.stack.WriteU32(p, uint32(r))
}

func (c *Context) arithF32Imm(op opcode.OpCode, instr opcode.Instruction) {
	p := c.regs.StackPointer
	a := math.Float32frombits(c.stack.ReadU32(p))
	imm := math.Float32frombits(c.nextWord(1))
	var r float32
	switch op {
	case opcode.OpAddF32Imm:
		r = a + imm
	case opcode.OpSubF32Imm:
		r = a - imm
	case opcode.OpMulF32Imm:
		r = a * imm
	}
	c.stack.WriteU32(p, math.Float32bits(r))
}

// --- bit ops -------------------------------------------------------------

func (c *Context) execBit(op opcode.OpCode, instr opcode.Instruction) {
	if op <= opcode.OpBSRA32 {
		lhs, rhs := c.binarySlots32()
		a := c.stack.ReadU32(lhs)
		b := c.stack.ReadU32(rhs)
		var r uint32
		switch op {
		case opcode.OpBAnd32:
			r = a & b
		case opcode.OpBOr32:
			r = a | b
		case opcode.OpBXor32:
			r = a ^ b
		case opcode.OpBSLL32:
			r = a << (b & 31)
		case opcode.OpBSRL32:
			r = a >> (b & 31)
		case opcode.OpBSRA32:
			r = uint32(int32(a) >> (b & 31))
		}
		c.stack.WriteU32(lhs, r)
		c.popAfterBinary32()
		return
	}
	lhs, rhs := c.binarySlots64()
	a := c.stack.ReadU64(lhs)
	b := c.stack.ReadU64(rhs)
	var r uint64
	switch op {
	case opcode.OpBAnd64:
		r = a & b
	case opcode.OpBOr64:
		r = a | b
	case opcode.OpBXor64:
		r = a ^ b
	case opcode.OpBSLL64:
		r = a << (b & 63)
	case opcode.OpBSRL64:
		r = a >> (b & 63)
	case opcode.OpBSRA64:
		r = uint64(int64(a) >> (b & 63))
	}
	c.stack.WriteU64(lhs, r)
	c.popAfterBinary64()
}

// --- unary -----------------------------------------------------------

func (c *Context) execUnary(op opcode.OpCode) {
	p := c.regs.StackPointer
	switch op {
	case opcode.OpNegI32:
		c.stack.WriteU32(p, uint32(-int32(c.stack.ReadU32(p))))
	case opcode.OpNegF32:
		c.stack.WriteU32(p, math.Float32bits(-math.Float32frombits(c.stack.ReadU32(p))))
	case opcode.OpBNot32:
		c.stack.WriteU32(p, ^c.stack.ReadU32(p))
	case opcode.OpNegI64:
		c.stack.WriteU64(p, uint64(-int64(c.stack.ReadU64(p))))
	case opcode.OpNegF64:
		c.stack.WriteU64(p, math.Float64bits(-math.Float64frombits(c.stack.ReadU64(p))))
	case opcode.OpBNot64:
		c.stack.WriteU64(p, ^c.stack.ReadU64(p))
	}
}

// --- convert -----------------------------------------------------------

func (c *Context) execConvert(op opcode.OpCode) {
	p := c.regs.StackPointer
	switch op {
	case opcode.OpITOF:
		c.stack.WriteU32(p, math.Float32bits(float32(int32(c.stack.ReadU32(p)))))
	case opcode.OpFTOI:
		c.stack.WriteU32(p, uint32(int32(math.Float32frombits(c.stack.ReadU32(p)))))
	case opcode.OpUTOF:
		c.stack.WriteU32(p, math.Float32bits(float32(c.stack.ReadU32(p))))
	case opcode.OpFTOU:
		c.stack.WriteU32(p, uint32(math.Float32frombits(c.stack.ReadU32(p))))
	case opcode.OpITOD:
		c.growThenWrite64(p, math.Float64bits(float64(int32(c.stack.ReadU32(p)))))
	case opcode.OpDTOI:
		v := uint32(int32(math.Float64frombits(c.stack.ReadU64(p))))
		c.shrinkAfterNarrow(p, v)
	case opcode.OpUTOD:
		c.growThenWrite64(p, math.Float64bits(float64(c.stack.ReadU32(p))))
	case opcode.OpDTOU:
		v := uint32(math.Float64frombits(c.stack.ReadU64(p)))
		c.shrinkAfterNarrow(p, v)
	case opcode.OpI64TOI:
		v := uint32(int64(c.stack.ReadU64(p)))
		c.shrinkAfterNarrow(p, v)
	case opcode.OpITOI64:
		c.growThenWrite64(p, uint64(int64(int32(c.stack.ReadU32(p)))))
	case opcode.OpI64TOF:
		v := math.Float32bits(float32(int64(c.stack.ReadU64(p))))
		c.shrinkAfterNarrow(p, v)
	case opcode.OpFTOI64:
		c.growThenWrite64(p, uint64(int64(math.Float32frombits(c.stack.ReadU32(p)))))
	case opcode.OpI64TOD:
		c.stack.WriteU64(p, math.Float64bits(float64(int64(c.stack.ReadU64(p)))))
	case opcode.OpDTOI64:
		c.stack.WriteU64(p, uint64(int64(math.Float64frombits(c.stack.ReadU64(p)))))
	case opcode.OpI64TOU64, opcode.OpU64TOI64:
		// bit pattern unchanged; reinterpretation only
	case opcode.OpSBTOI:
		c.stack.WriteU32(p, uint32(int32(int8(uint8(c.stack.ReadU32(p))))))
	case opcode.OpSWTOI:
		c.stack.WriteU32(p, uint32(int32(int16(uint16(c.stack.ReadU32(p))))))
	case opcode.OpUBTOI:
		c.stack.WriteU32(p, uint32(uint8(c.stack.ReadU32(p))))
	case opcode.OpUWTOI:
		c.stack.WriteU32(p, uint32(uint16(c.stack.ReadU32(p))))
	case opcode.OpITOB:
		c.stack.WriteU32(p, uint32(uint8(c.stack.ReadU32(p))))
	case opcode.OpITOW:
		c.stack.WriteU32(p, uint32(uint16(c.stack.ReadU32(p))))
	}
}

// growThenWrite64 widens a 1-DWORD stack slot to 2 DWORDs in place (e.g.
// i32->f64): reserve the extra DWORD below the current top, then write the
// 64-bit value there.
func (c *Context) growThenWrite64(p stackarena.Pointer, v uint64) {
	c.stack.Push(1)
	c.regs.StackPointer = addOffset(c.regs.StackPointer, -1)
	c.stack.WriteU64(c.regs.StackPointer, v)
}

// shrinkAfterNarrow narrows a 2-DWORD slot to 1 (e.g. f64->i32): write the
// narrowed value at the low DWORD and reclaim the extra cell.
func (c *Context) shrinkAfterNarrow(p stackarena.Pointer, v uint32) {
	c.stack.WriteU32(p, v)
	c.stack.Pop(1)
	c.regs.StackPointer = addOffset(c.regs.StackPointer, 1)
}

// --- compare -----------------------------------------------------------

func (c *Context) execCompare(op opcode.OpCode) {
	switch op {
	case opcode.OpCmpI32:
		lhs, rhs := c.binarySlots32()
		a, b := int32(c.stack.ReadU32(lhs)), int32(c.stack.ReadU32(rhs))
		c.writeCompareResult(cmp32(a, b))
		c.popAfterBinary32()
	case opcode.OpCmpU32:
		lhs, rhs := c.binarySlots32()
		a, b := c.stack.ReadU32(lhs), c.stack.ReadU32(rhs)
		c.writeCompareResult(cmpU32(a, b))
		c.popAfterBinary32()
	case opcode.OpCmpI64:
		lhs, rhs := c.binarySlots64()
		a, b := int64(c.stack.ReadU64(lhs)), int64(c.stack.ReadU64(rhs))
		c.writeCompareResult(cmp64(a, b))
		c.popAfterBinary64()
	case opcode.OpCmpU64:
		lhs, rhs := c.binarySlots64()
		a, b := c.stack.ReadU64(lhs), c.stack.ReadU64(rhs)
		c.writeCompareResult(cmpU64(a, b))
		c.popAfterBinary64()
	case opcode.OpCmpF32:
		lhs, rhs := c.binarySlots32()
		a, b := math.Float32frombits(c.stack.ReadU32(lhs)), math.Float32frombits(c.stack.ReadU32(rhs))
		c.writeCompareResult(cmpFloat(float64(a), float64(b)))
		c.popAfterBinary32()
	case opcode.OpCmpF64:
		lhs, rhs := c.binarySlots64()
		a, b := math.Float64frombits(c.stack.ReadU64(lhs)), math.Float64frombits(c.stack.ReadU64(rhs))
		c.writeCompareResult(cmpFloat(a, b))
		c.popAfterBinary64()
	case opcode.OpCmpPtr:
		lhs, rhs := c.binarySlots64()
		a, b := c.stack.ReadU64(lhs), c.stack.ReadU64(rhs)
		c.writeCompareResult(cmpU64(a, b))
		c.popAfterBinary64()
	}
}

func cmp32(a, b int32) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
func cmpU32(a, b uint32) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
func cmp64(a, b int64) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
func cmpU64(a, b uint64) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// cmpFloat implements the three-way float compare. Either operand NaN maps to +1 rather than 0,
// matching "ordered compare, no spurious equality" without claiming a real
// ordering exists.
func cmpFloat(a, b float64) int32 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (c *Context) writeCompareResult(v int32) {
	c.regs.ValueRegister = uint64(uint32(v))
}
