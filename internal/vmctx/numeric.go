package vmctx

import (
	"math"
	"math/bits"

	"vmctx/internal/opcode"
	"vmctx/internal/vmerr"
)

// execExponent dispatches the POW family. Integer
// pow detects overflow before it happens rather than after, the same
// contract as_powi/as_powu hold, but via checked squaring-multiplication
// instead of a precomputed per-exponent max-base table — the table is an
// optimization for avoiding the 64-bit multiply-overflow check on every
// step, not a semantic difference.
func (c *Context) execExponent(op opcode.OpCode) {
	switch op {
	case opcode.OpPowI32:
		lhs, rhs := c.binarySlots32()
		base, exp := int32(c.stack.ReadU32(lhs)), int32(c.stack.ReadU32(rhs))
		r, overflow := powI64(int64(base), int64(exp))
		if overflow || r > math.MaxInt32 || r < math.MinInt32 {
			c.setInternalException(vmerr.PowOverflow, "")
			return
		}
		c.stack.WriteU32(lhs, uint32(int32(r)))
		c.popAfterBinary32()
	case opcode.OpPowU32:
		lhs, rhs := c.binarySlots32()
		base, exp := uint64(c.stack.ReadU32(lhs)), uint64(c.stack.ReadU32(rhs))
		r, overflow := powU64(base, exp)
		if overflow || r > math.MaxUint32 {
			c.setInternalException(vmerr.PowOverflow, "")
			return
		}
		c.stack.WriteU32(lhs, uint32(r))
		c.popAfterBinary32()
	case opcode.OpPowI64:
		lhs, rhs := c.binarySlots64()
		base, exp := int64(c.stack.ReadU64(lhs)), int64(c.stack.ReadU64(rhs))
		r, overflow := powI64(base, exp)
		if overflow {
			c.setInternalException(vmerr.PowOverflow, "")
			return
		}
		c.stack.WriteU64(lhs, uint64(r))
		c.popAfterBinary64()
	case opcode.OpPowU64:
		lhs, rhs := c.binarySlots64()
		base, exp := c.stack.ReadU64(lhs), c.stack.ReadU64(rhs)
		r, overflow := powU64(base, exp)
		if overflow {
			c.setInternalException(vmerr.PowOverflow, "")
			return
		}
		c.stack.WriteU64(lhs, r)
		c.popAfterBinary64()
	case opcode.OpPowF32:
		lhs, rhs := c.binarySlots32()
		base := math.Float32frombits(c.stack.ReadU32(lhs))
		exp := math.Float32frombits(c.stack.ReadU32(rhs))
		r := float32(math.Pow(float64(base), float64(exp)))
		if math.IsInf(float64(r), 0) {
			c.setInternalException(vmerr.PowOverflow, "")
			return
		}
		c.stack.WriteU32(lhs, math.Float32bits(r))
		c.popAfterBinary32()
	case opcode.OpPowF64:
		lhs, rhs := c.binarySlots64()
		base := math.Float64frombits(c.stack.ReadU64(lhs))
		exp := math.Float64frombits(c.stack.ReadU64(rhs))
		r := math.Pow(base, exp)
		if math.IsInf(r, 0) {
			c.setInternalException(vmerr.PowOverflow, "")
			return
		}
		c.stack.WriteU64(lhs, math.Float64bits(r))
		c.popAfterBinary64()
	case opcode.OpPowDI:
		// Operand layout differs from the same-width binary ops: a 1-DWORD
		// int exponent sits on top of a 2-DWORD double base.
		rhs := c.regs.StackPointer
		lhs := addOffset(c.regs.StackPointer, 1)
		base := math.Float64frombits(c.stack.ReadU64(lhs))
		exp := int32(c.stack.ReadU32(rhs))
		r := math.Pow(base, float64(exp))
		if math.IsInf(r, 0) {
			c.setInternalException(vmerr.PowOverflow, "")
			return
		}
		c.stack.WriteU64(lhs, math.Float64bits(r))
		c.stack.Pop(1)
		c.regs.StackPointer = addOffset(c.regs.StackPointer, 1)
	}
}

// powI64 mirrors as_powi64's domain handling: negative exponent truncates to
// 0 (or overflows on a zero base, since that's division by zero), 0**0 is a
// domain error, and the squaring loop checks for multiply overflow at every
// step instead of trusting the base stays in range.
func powI64(base, exponent int64) (result int64, overflow bool) {
	if exponent < 0 {
		return 0, base == 0
	}
	if exponent == 0 && base == 0 {
		return 0, true
	}
	if base == 0 {
		return 0, false
	}
	if base == 1 {
		return 1, false
	}
	if base == -1 {
		if exponent&1 == 1 {
			return -1, false
		}
		return 1, false
	}
	result = 1
	for exponent > 0 {
		if exponent&1 == 1 {
			next, of := mulOverflowsI64(result, base)
			if of {
				return 0, true
			}
			result = next
		}
		exponent >>= 1
		if exponent == 0 {
			break
		}
		next, of := mulOverflowsI64(base, base)
		if of {
			return 0, true
		}
		base = next
	}
	return result, false
}

func powU64(base, exponent uint64) (result uint64, overflow bool) {
	if exponent == 0 && base == 0 {
		return 0, true
	}
	if base == 0 {
		return 0, false
	}
	if base == 1 {
		return 1, false
	}
	result = 1
	for exponent > 0 {
		if exponent&1 == 1 {
			next, of := mulOverflowsU64(result, base)
			if of {
				return 0, true
			}
			result = next
		}
		exponent >>= 1
		if exponent == 0 {
			break
		}
		next, of := mulOverflowsU64(base, base)
		if of {
			return 0, true
		}
		base = next
	}
	return result, false
}

func mulOverflowsI64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, false
	}
	r := a * b
	if r/b != a {
		return 0, true
	}
	return r, false
}

func mulOverflowsU64(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, true
	}
	return lo, false
}
