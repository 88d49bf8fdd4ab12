// Package opcode defines the interpreter's instruction catalog: the OpCode
// byte values, their Instruction encoding within the DWORD bytecode stream,
// and the per-opcode operand-size table the interpreter uses to validate
// program-pointer advances.
//
// Bytecode is a []uint32 stream. Word 0 of every instruction packs the opcode in its low byte and,
// for instructions with a small immediate or register-style operand, that
// operand in the remaining 3 bytes. 0-3 further words hold wider immediates,
// branch offsets, or constant-pool indices, as the per-opcode Size table
// says.
package opcode

// OpCode is the one-byte instruction tag.
type OpCode uint8

// Instruction is one decoded bytecode word; Arg0 already has the opcode
// masked out of its low byte for holding a small inline operand.
type Instruction uint32

func (i Instruction) Op() OpCode    { return OpCode(i & 0xFF) }
func (i Instruction) Arg0() uint32  { return (uint32(i) >> 8) & 0xFFFFFF }
func (i Instruction) Imm8() int8    { return int8(uint8(i.Arg0())) }
func (i Instruction) SOff24() int32 {
	u := i.Arg0()
	if u&0x800000 != 0 {
		return int32(u) - 0x1000000
	}
	return int32(u)
}

func Encode(op OpCode, arg0 uint32) Instruction {
	return Instruction(uint32(op) | (arg0&0xFFFFFF)<<8)
}

const (
	// ------------------------------------------------------------------
	// Stack moves
	// ------------------------------------------------------------------
	OpPopPtr OpCode = iota
	OpPshC4
	OpPshC8
	OpPshV4
	OpPshV8
	OpPshVPtr
	OpPshG4
	OpPshGPtr
	OpPshRPtr
	OpPopRPtr
	OpPshNull
	OpPshListElmnt
	OpPSF
	OpFuncPtr
	OpObjType
	OpTypeId

	// ------------------------------------------------------------------
	// Arithmetic, per numeric type (i32, u32, i64, u64, f32, f64)
	// ------------------------------------------------------------------
	OpAddI32
	OpSubI32
	OpMulI32
	OpDivI32
	OpModI32

	OpAddU32
	OpSubU32
	OpMulU32
	OpDivU32
	OpModU32

	OpAddI64
	OpSubI64
	OpMulI64
	OpDivI64
	OpModI64

	OpAddU64
	OpSubU64
	OpMulU64
	OpDivU64
	OpModU64

	OpAddF32
	OpSubF32
	OpMulF32
	OpDivF32
	OpModF32

	OpAddF64
	OpSubF64
	OpMulF64
	OpDivF64
	OpModF64

	// Immediate-operand arithmetic fast paths
	OpAddI32Imm
	OpSubI32Imm
	OpMulI32Imm
	OpAddF32Imm
	OpSubF32Imm
	OpMulF32Imm

	// ------------------------------------------------------------------
	// Bit operations, 32- and 64-bit
	// ------------------------------------------------------------------
	OpBAnd32
	OpBOr32
	OpBXor32
	OpBSLL32
	OpBSRL32
	OpBSRA32

	OpBAnd64
	OpBOr64
	OpBXor64
	OpBSLL64
	OpBSRL64
	OpBSRA64

	// ------------------------------------------------------------------
	// Unary
	// ------------------------------------------------------------------
	OpNegI32
	OpNegI64
	OpNegF32
	OpNegF64
	OpBNot32
	OpBNot64

	// ------------------------------------------------------------------
	// Convert
	// ------------------------------------------------------------------
	OpITOF
	OpFTOI
	OpITOD
	OpDTOI
	OpUTOF
	OpFTOU
	OpUTOD
	OpDTOU
	OpI64TOI
	OpITOI64
	OpI64TOF
	OpFTOI64
	OpI64TOD
	OpDTOI64
	OpI64TOU64
	OpU64TOI64
	OpSBTOI
	OpSWTOI
	OpUBTOI
	OpUWTOI
	OpITOB
	OpITOW

	// ------------------------------------------------------------------
	// Compare
	// ------------------------------------------------------------------
	OpCmpI32
	OpCmpU32
	OpCmpI64
	OpCmpU64
	OpCmpF32
	OpCmpF64
	OpCmpPtr

	// ------------------------------------------------------------------
	// Branch
	// ------------------------------------------------------------------
	OpJMP
	OpJZ
	OpJNZ
	OpJS
	OpJNS
	OpJP
	OpJNP
	OpJLowZ
	OpJLowNZ
	OpJMPP

	// ------------------------------------------------------------------
	// Call
	// ------------------------------------------------------------------
	OpCALL
	OpCALLSYS
	OpCALLBND
	OpCALLINTF
	OpCallPtr
	OpThiscall1

	// ------------------------------------------------------------------
	// Memory
	// ------------------------------------------------------------------
	OpRDR1
	OpRDR2
	OpRDR4
	OpRDR8
	OpWRTV1
	OpWRTV2
	OpWRTV4
	OpWRTV8
	OpLdGRdR4
	OpCpyVtoV
	OpCpyVtoR4
	OpCpyVtoR8
	OpCpyVtoG
	OpCpyGtoV

	// ------------------------------------------------------------------
	// Object lifecycle
	// ------------------------------------------------------------------
	OpALLOC
	OpFREE
	OpREFCPY
	OpRefCpyV
	OpLOADOBJ
	OpSTOREOBJ
	OpGETOBJ
	OpGETOBJREF
	OpGETREF
	OpCast
	OpClrVPtr
	OpChkRef
	OpChkRefS
	OpChkNullV
	OpChkNullS

	// ------------------------------------------------------------------
	// Exponent
	// ------------------------------------------------------------------
	OpPowI32
	OpPowU32
	OpPowI64
	OpPowU64
	OpPowF32
	OpPowF64
	OpPowDI // double base, int exponent

	// ------------------------------------------------------------------
	// Misc
	// ------------------------------------------------------------------
	OpSUSPEND
	OpJitEntry
	OpSTR // deprecated, no-op
	OpRET

	opCodeCount
)

// Form gives an instruction's name and how many DWORDs beyond the opcode
// word it occupies.
type Form struct {
	Name       string
	ExtraWords int // additional 32-bit words after the opcode word
}

// sizeTable is the per-opcode operand-size table the program-pointer-advance
// validator checks against (except at branches/calls, which compute their
// own target).
var sizeTable = [opCodeCount]Form{
	OpPopPtr:       {"PopPtr", 0},
	OpPshC4:        {"PshC4", 1},
	OpPshC8:        {"PshC8", 2},
	OpPshV4:        {"PshV4", 0},
	OpPshV8:        {"PshV8", 0},
	OpPshVPtr:      {"PshVPtr", 0},
	OpPshG4:        {"PshG4", 1},
	OpPshGPtr:      {"PshGPtr", 1},
	OpPshRPtr:      {"PshRPtr", 0},
	OpPopRPtr:      {"PopRPtr", 0},
	OpPshNull:      {"PshNull", 0},
	OpPshListElmnt: {"PshListElmnt", 1},
	OpPSF:          {"PSF", 0},
	OpFuncPtr:      {"FuncPtr", 1},
	OpObjType:      {"ObjType", 1},
	OpTypeId:       {"TypeId", 1},

	OpAddI32: {"AddI32", 0}, OpSubI32: {"SubI32", 0}, OpMulI32: {"MulI32", 0}, OpDivI32: {"DivI32", 0}, OpModI32: {"ModI32", 0},
	OpAddU32: {"AddU32", 0}, OpSubU32: {"SubU32", 0}, OpMulU32: {"MulU32", 0}, OpDivU32: {"DivU32", 0}, OpModU32: {"ModU32", 0},
	OpAddI64: {"AddI64", 0}, OpSubI64: {"SubI64", 0}, OpMulI64: {"MulI64", 0}, OpDivI64: {"DivI64", 0}, OpModI64: {"ModI64", 0},
	OpAddU64: {"AddU64", 0}, OpSubU64: {"SubU64", 0}, OpMulU64: {"MulU64", 0}, OpDivU64: {"DivU64", 0}, OpModU64: {"ModU64", 0},
	OpAddF32: {"AddF32", 0}, OpSubF32: {"SubF32", 0}, OpMulF32: {"MulF32", 0}, OpDivF32: {"DivF32", 0}, OpModF32: {"ModF32", 0},
	OpAddF64: {"AddF64", 0}, OpSubF64: {"SubF64", 0}, OpMulF64: {"MulF64", 0}, OpDivF64: {"DivF64", 0}, OpModF64: {"ModF64", 0},

	OpAddI32Imm: {"AddI32Imm", 0}, OpSubI32Imm: {"SubI32Imm", 0}, OpMulI32Imm: {"MulI32Imm", 0},
	OpAddF32Imm: {"AddF32Imm", 1}, OpSubF32Imm: {"SubF32Imm", 1}, OpMulF32Imm: {"MulF32Imm", 1},

	OpBAnd32: {"BAnd32", 0}, OpBOr32: {"BOr32", 0}, OpBXor32: {"BXor32", 0}, OpBSLL32: {"BSLL32", 0}, OpBSRL32: {"BSRL32", 0}, OpBSRA32: {"BSRA32", 0},
	OpBAnd64: {"BAnd64", 0}, OpBOr64: {"BOr64", 0}, OpBXor64: {"BXor64", 0}, OpBSLL64: {"BSLL64", 0}, OpBSRL64: {"BSRL64", 0}, OpBSRA64: {"BSRA64", 0},

	OpNegI32: {"NegI32", 0}, OpNegI64: {"NegI64", 0}, OpNegF32: {"NegF32", 0}, OpNegF64: {"NegF64", 0},
	OpBNot32: {"BNot32", 0}, OpBNot64: {"BNot64", 0},

	OpITOF: {"ITOF", 0}, OpFTOI: {"FTOI", 0}, OpITOD: {"ITOD", 0}, OpDTOI: {"DTOI", 0},
	OpUTOF: {"UTOF", 0}, OpFTOU: {"FTOU", 0}, OpUTOD: {"UTOD", 0}, OpDTOU: {"DTOU", 0},
	OpI64TOI: {"I64TOI", 0}, OpITOI64: {"ITOI64", 0},
	OpI64TOF: {"I64TOF", 0}, OpFTOI64: {"FTOI64", 0},
	OpI64TOD: {"I64TOD", 0}, OpDTOI64: {"DTOI64", 0},
	OpI64TOU64: {"I64TOU64", 0}, OpU64TOI64: {"U64TOI64", 0},
	OpSBTOI: {"SBTOI", 0}, OpSWTOI: {"SWTOI", 0}, OpUBTOI: {"UBTOI", 0}, OpUWTOI: {"UWTOI", 0},
	OpITOB: {"ITOB", 0}, OpITOW: {"ITOW", 0},

	OpCmpI32: {"CmpI32", 0}, OpCmpU32: {"CmpU32", 0}, OpCmpI64: {"CmpI64", 0}, OpCmpU64: {"CmpU64", 0},
	OpCmpF32: {"CmpF32", 0}, OpCmpF64: {"CmpF64", 0}, OpCmpPtr: {"CmpPtr", 0},

	OpJMP: {"JMP", 1}, OpJZ: {"JZ", 1}, OpJNZ: {"JNZ", 1}, OpJS: {"JS", 1}, OpJNS: {"JNS", 1},
	OpJP: {"JP", 1}, OpJNP: {"JNP", 1}, OpJLowZ: {"JLowZ", 1}, OpJLowNZ: {"JLowNZ", 1}, OpJMPP: {"JMPP", 0},

	OpCALL: {"CALL", 1}, OpCALLSYS: {"CALLSYS", 1}, OpCALLBND: {"CALLBND", 1},
	OpCALLINTF: {"CALLINTF", 1}, OpCallPtr: {"CallPtr", 0}, OpThiscall1: {"Thiscall1", 1},

	OpRDR1: {"RDR1", 0}, OpRDR2: {"RDR2", 0}, OpRDR4: {"RDR4", 0}, OpRDR8: {"RDR8", 0},
	OpWRTV1: {"WRTV1", 0}, OpWRTV2: {"WRTV2", 0}, OpWRTV4: {"WRTV4", 0}, OpWRTV8: {"WRTV8", 0},
	OpLdGRdR4: {"LdGRdR4", 1}, OpCpyVtoV: {"CpyVtoV", 0},
	OpCpyVtoR4: {"CpyVtoR4", 0}, OpCpyVtoR8: {"CpyVtoR8", 0},
	OpCpyVtoG: {"CpyVtoG", 1}, OpCpyGtoV: {"CpyGtoV", 1},

	OpALLOC: {"ALLOC", 2}, OpFREE: {"FREE", 1}, OpREFCPY: {"REFCPY", 1}, OpRefCpyV: {"RefCpyV", 1},
	OpLOADOBJ: {"LOADOBJ", 0}, OpSTOREOBJ: {"STOREOBJ", 0},
	OpGETOBJ: {"GETOBJ", 0}, OpGETOBJREF: {"GETOBJREF", 0}, OpGETREF: {"GETREF", 0},
	OpCast: {"Cast", 1}, OpClrVPtr: {"ClrVPtr", 0},
	OpChkRef: {"ChkRef", 0}, OpChkRefS: {"ChkRefS", 0}, OpChkNullV: {"ChkNullV", 0}, OpChkNullS: {"ChkNullS", 0},

	OpPowI32: {"PowI32", 0}, OpPowU32: {"PowU32", 0}, OpPowI64: {"PowI64", 0}, OpPowU64: {"PowU64", 0},
	OpPowF32: {"PowF32", 0}, OpPowF64: {"PowF64", 0}, OpPowDI: {"PowDI", 0},

	OpSUSPEND: {"SUSPEND", 0}, OpJitEntry: {"JitEntry", 1}, OpSTR: {"STR", 0}, OpRET: {"RET", 0},
}

// Size returns the total instruction width in DWORDs, including the opcode
// word itself.
func Size(op OpCode) int {
	if int(op) >= len(sizeTable) {
		return 1
	}
	return 1 + sizeTable[op].ExtraWords
}

func Name(op OpCode) string {
	if int(op) >= len(sizeTable) || sizeTable[op].Name == "" {
		return "UNKNOWN"
	}
	return sizeTable[op].Name
}

// Count is the number of distinct opcodes in the catalog.
const Count = int(opCodeCount)
