package bytecode

import "fmt"

// Opcode represents a bytecode instruction.
// Opcodes are grouped by family; the numeric values are part of the image
// format, so new opcodes go at the end of their group only when the image
// version is bumped.
type Opcode byte

// PtrSize is the width in bytes of a host address on the VM stack.
const PtrSize = 8

// CharSize is the width in bytes of one string character (a UTF-16 code unit).
const CharSize = 2

const (
	// ========================================================================
	// Misc
	// ========================================================================

	OpNop  Opcode = iota // No operation
	OpHalt               // Stop execution successfully

	// ========================================================================
	// Immediates
	// ========================================================================

	OpLC8   // Push sign-extended i8 as int32: LC8 <i8>
	OpLC16  // Push sign-extended i16 as int32: LC16 <i16>
	OpLC32  // Push int32 (or float32 bits): LC32 <i32>
	OpLC64  // Push int64 (or float64 bits): LC64 <i64>
	OpLCPtr // Push host address: LCPTR <ptr>

	// ========================================================================
	// Register transfer
	// ========================================================================

	OpLIP   // Push IP
	OpLSP   // Push SP
	OpLBP   // Push BP
	OpSIP   // Pop into IP
	OpSSP   // Pop into SP
	OpSBP   // Pop into BP
	OpAddSP // SP += imm: ADDSP <i32>
	OpSubSP // SP -= imm: SUBSP <i32>

	// ========================================================================
	// Address computation
	// ========================================================================

	OpLHA  // Pop resident int32, push host address
	OpHRA  // Pop host address, push resident int32
	OpRHA  // Push host address of SP+imm: RHA <i32>
	OpLGHA // Push host address of global: LGHA <i32>
	OpLLHA // Push host address of BP+imm: LLHA <i32>
	OpLLRA // Push resident address of BP+imm: LLRA <i32>

	// ========================================================================
	// Memory access, resident address on the stack
	// ========================================================================

	OpLS8
	OpLS16
	OpLS32
	OpLS64
	OpLSPtr
	OpSS8
	OpSS16
	OpSS32
	OpSS64
	OpSSPtr

	// ========================================================================
	// Memory access, global offset operand
	// ========================================================================

	OpLG8
	OpLG16
	OpLG32
	OpLG64
	OpLGPtr
	OpSG8
	OpSG16
	OpSG32
	OpSG64
	OpSGPtr

	// ========================================================================
	// Memory access, frame-relative operand
	// ========================================================================

	OpLL8
	OpLL16
	OpLL32
	OpLL64
	OpLLPtr
	OpSL8
	OpSL16
	OpSL32
	OpSL64
	OpSLPtr

	// ========================================================================
	// Memory access through a host pointer
	// ========================================================================

	OpLPtr8
	OpLPtr16
	OpLPtr32
	OpLPtr64
	OpLPtrPtr
	OpSPtr8
	OpSPtr16
	OpSPtr32
	OpSPtr64
	OpSPtrPtr

	// ========================================================================
	// int32 arithmetic
	// ========================================================================

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpNeg
	OpAnd
	OpOr
	OpXor
	OpNot
	OpShl
	OpShr
	OpUShr

	// ========================================================================
	// int64 arithmetic
	// ========================================================================

	OpAdd64
	OpSub64
	OpMul64
	OpDiv64
	OpMod64
	OpNeg64
	OpAnd64
	OpOr64
	OpXor64
	OpNot64
	OpShl64
	OpShr64
	OpUShr64

	// ========================================================================
	// float arithmetic
	// ========================================================================

	OpFAdd
	OpFSub
	OpFMul
	OpFDiv
	OpFMod
	OpFNeg
	OpFAdd64
	OpFSub64
	OpFMul64
	OpFDiv64
	OpFMod64
	OpFNeg64

	// ========================================================================
	// pointer arithmetic
	// ========================================================================

	OpPtrAdd // ptr + int32 -> ptr
	OpPtrSub // ptr - ptr -> int64

	// ========================================================================
	// Conversions
	// ========================================================================

	OpI32I64
	OpI64I32
	OpI32F32
	OpF32I32
	OpI32F64
	OpF64I32
	OpI64F32
	OpF32I64
	OpI64F64
	OpF64I64
	OpF32F64
	OpF64F32
	OpI32Ptr
	OpPtrI32
	OpI64Ptr
	OpPtrI64
	OpI32B // truncate to byte, zero-extend
	OpI32S // truncate to short, sign-extend
	OpI32C // truncate to char, zero-extend

	// ========================================================================
	// Comparisons (push int32 0/1)
	// ========================================================================

	OpCmpE
	OpCmpNE
	OpCmpG
	OpCmpGE
	OpCmpL
	OpCmpLE
	OpCmpE64
	OpCmpNE64
	OpCmpG64
	OpCmpGE64
	OpCmpL64
	OpCmpLE64
	OpFCmpE
	OpFCmpNE
	OpFCmpG
	OpFCmpGE
	OpFCmpL
	OpFCmpLE
	OpFCmpE64
	OpFCmpNE64
	OpFCmpG64
	OpFCmpGE64
	OpFCmpL64
	OpFCmpLE64
	OpCmpEPtr
	OpCmpNEPtr
	OpCmpGPtr
	OpCmpGEPtr
	OpCmpLPtr
	OpCmpLEPtr

	// ========================================================================
	// Control flow: offsets are relative to the start of the instruction
	// ========================================================================

	OpJmp // JMP <i32>
	OpJT  // Pop int32, jump if bit 0 set: JT <i32>
	OpJF  // Pop int32, jump if bit 0 clear: JF <i32>

	// ========================================================================
	// Stack shaping
	// ========================================================================

	OpPop     // Drop 4 bytes
	OpPop2    // Drop 8 bytes
	OpPopN    // Drop n bytes: POPN <i32>
	OpDup     // Duplicate 4-byte top
	OpDup64   // Duplicate 8-byte top
	OpDupPtr  // Duplicate pointer top
	OpDupN    // Replicate 4-byte top n more times: DUPN <i8>
	OpDup64N  // DUP64N <i8>
	OpDupPtrN // DUPPTRN <i8>

	// ========================================================================
	// Calls
	// ========================================================================

	OpCall  // CALL <i32>
	OpICall // Pop absolute target IP
	OpRet   // Return
	OpRetN  // Return and drop n argument bytes: RETN <i32>
	OpECall // Call external function: ECALL <i32 index>

	// ========================================================================
	// Console intrinsics
	// ========================================================================

	OpScanB
	OpScan8
	OpScanC
	OpScan16
	OpScan32
	OpScan64
	OpFScan
	OpFScan64
	OpScanStr  // Pop capacity, pop pointer to a char buffer
	OpDScanStr // Pop pointer to a string slot; replaces the slot's string
	OpPrintB
	OpPrintC
	OpPrint32
	OpPrint64
	OpFPrint
	OpFPrint64
	OpPrintStr

	// ========================================================================
	// Heap objects
	// ========================================================================

	OpNewObj    // Pop size, push object
	OpNewArr    // Pop count, push array: NEWARR <i16 element size>
	OpNewStr    // Pop resident address of data-area chars, push string
	OpAddRef    // Pop object, increment its refcount
	OpRelease   // Pop object, decrement its refcount
	OpStrLen    // Pop string, push length
	OpArrLen    // Pop array, push length: ARRLEN <i16 element size>
	OpSetArrLen // Pop length, pop array: SETARRLEN <i16 element size>
	OpStrCat    // Pop b, pop a, push new string a+b

	opLast

	// OpBreak is never emitted by a compiler. The debugger patches it over
	// an instruction to trap before that instruction executes.
	OpBreak Opcode = 0xFF
)

// OperandKind describes the immediate operand that follows an opcode.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandI8
	OperandI16
	OperandI32
	OperandI64
	OperandPtr
)

// Size returns the encoded width of the operand in bytes.
func (k OperandKind) Size() int {
	switch k {
	case OperandI8:
		return 1
	case OperandI16:
		return 2
	case OperandI32:
		return 4
	case OperandI64, OperandPtr:
		return 8
	default:
		return 0
	}
}

// OpcodeInfo provides metadata about each opcode for disassembly and assembly.
type OpcodeInfo struct {
	Name    string      // Mnemonic
	Operand OperandKind // Immediate operand, if any
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpNop:   {"NOP", OperandNone},
	OpHalt:  {"HALT", OperandNone},
	OpBreak: {"BREAK", OperandNone},

	OpLC8:   {"LC8", OperandI8},
	OpLC16:  {"LC16", OperandI16},
	OpLC32:  {"LC32", OperandI32},
	OpLC64:  {"LC64", OperandI64},
	OpLCPtr: {"LCPTR", OperandPtr},

	OpLIP:   {"LIP", OperandNone},
	OpLSP:   {"LSP", OperandNone},
	OpLBP:   {"LBP", OperandNone},
	OpSIP:   {"SIP", OperandNone},
	OpSSP:   {"SSP", OperandNone},
	OpSBP:   {"SBP", OperandNone},
	OpAddSP: {"ADDSP", OperandI32},
	OpSubSP: {"SUBSP", OperandI32},

	OpLHA:  {"LHA", OperandNone},
	OpHRA:  {"HRA", OperandNone},
	OpRHA:  {"RHA", OperandI32},
	OpLGHA: {"LGHA", OperandI32},
	OpLLHA: {"LLHA", OperandI32},
	OpLLRA: {"LLRA", OperandI32},

	OpLS8:   {"LS8", OperandNone},
	OpLS16:  {"LS16", OperandNone},
	OpLS32:  {"LS32", OperandNone},
	OpLS64:  {"LS64", OperandNone},
	OpLSPtr: {"LSPTR", OperandNone},
	OpSS8:   {"SS8", OperandNone},
	OpSS16:  {"SS16", OperandNone},
	OpSS32:  {"SS32", OperandNone},
	OpSS64:  {"SS64", OperandNone},
	OpSSPtr: {"SSPTR", OperandNone},

	OpLG8:   {"LG8", OperandI32},
	OpLG16:  {"LG16", OperandI32},
	OpLG32:  {"LG32", OperandI32},
	OpLG64:  {"LG64", OperandI32},
	OpLGPtr: {"LGPTR", OperandI32},
	OpSG8:   {"SG8", OperandI32},
	OpSG16:  {"SG16", OperandI32},
	OpSG32:  {"SG32", OperandI32},
	OpSG64:  {"SG64", OperandI32},
	OpSGPtr: {"SGPTR", OperandI32},

	OpLL8:   {"LL8", OperandI32},
	OpLL16:  {"LL16", OperandI32},
	OpLL32:  {"LL32", OperandI32},
	OpLL64:  {"LL64", OperandI32},
	OpLLPtr: {"LLPTR", OperandI32},
	OpSL8:   {"SL8", OperandI32},
	OpSL16:  {"SL16", OperandI32},
	OpSL32:  {"SL32", OperandI32},
	OpSL64:  {"SL64", OperandI32},
	OpSLPtr: {"SLPTR", OperandI32},

	OpLPtr8:   {"LPTR8", OperandNone},
	OpLPtr16:  {"LPTR16", OperandNone},
	OpLPtr32:  {"LPTR32", OperandNone},
	OpLPtr64:  {"LPTR64", OperandNone},
	OpLPtrPtr: {"LPTRPTR", OperandNone},
	OpSPtr8:   {"SPTR8", OperandNone},
	OpSPtr16:  {"SPTR16", OperandNone},
	OpSPtr32:  {"SPTR32", OperandNone},
	OpSPtr64:  {"SPTR64", OperandNone},
	OpSPtrPtr: {"SPTRPTR", OperandNone},

	OpAdd:  {"ADD", OperandNone},
	OpSub:  {"SUB", OperandNone},
	OpMul:  {"MUL", OperandNone},
	OpDiv:  {"DIV", OperandNone},
	OpMod:  {"MOD", OperandNone},
	OpNeg:  {"NEG", OperandNone},
	OpAnd:  {"AND", OperandNone},
	OpOr:   {"OR", OperandNone},
	OpXor:  {"XOR", OperandNone},
	OpNot:  {"NOT", OperandNone},
	OpShl:  {"SHL", OperandNone},
	OpShr:  {"SHR", OperandNone},
	OpUShr: {"USHR", OperandNone},

	OpAdd64:  {"ADD64", OperandNone},
	OpSub64:  {"SUB64", OperandNone},
	OpMul64:  {"MUL64", OperandNone},
	OpDiv64:  {"DIV64", OperandNone},
	OpMod64:  {"MOD64", OperandNone},
	OpNeg64:  {"NEG64", OperandNone},
	OpAnd64:  {"AND64", OperandNone},
	OpOr64:   {"OR64", OperandNone},
	OpXor64:  {"XOR64", OperandNone},
	OpNot64:  {"NOT64", OperandNone},
	OpShl64:  {"SHL64", OperandNone},
	OpShr64:  {"SHR64", OperandNone},
	OpUShr64: {"USHR64", OperandNone},

	OpFAdd:   {"FADD", OperandNone},
	OpFSub:   {"FSUB", OperandNone},
	OpFMul:   {"FMUL", OperandNone},
	OpFDiv:   {"FDIV", OperandNone},
	OpFMod:   {"FMOD", OperandNone},
	OpFNeg:   {"FNEG", OperandNone},
	OpFAdd64: {"FADD64", OperandNone},
	OpFSub64: {"FSUB64", OperandNone},
	OpFMul64: {"FMUL64", OperandNone},
	OpFDiv64: {"FDIV64", OperandNone},
	OpFMod64: {"FMOD64", OperandNone},
	OpFNeg64: {"FNEG64", OperandNone},

	OpPtrAdd: {"PTRADD", OperandNone},
	OpPtrSub: {"PTRSUB", OperandNone},

	OpI32I64: {"I32I64", OperandNone},
	OpI64I32: {"I64I32", OperandNone},
	OpI32F32: {"I32F32", OperandNone},
	OpF32I32: {"F32I32", OperandNone},
	OpI32F64: {"I32F64", OperandNone},
	OpF64I32: {"F64I32", OperandNone},
	OpI64F32: {"I64F32", OperandNone},
	OpF32I64: {"F32I64", OperandNone},
	OpI64F64: {"I64F64", OperandNone},
	OpF64I64: {"F64I64", OperandNone},
	OpF32F64: {"F32F64", OperandNone},
	OpF64F32: {"F64F32", OperandNone},
	OpI32Ptr: {"I32PTR", OperandNone},
	OpPtrI32: {"PTRI32", OperandNone},
	OpI64Ptr: {"I64PTR", OperandNone},
	OpPtrI64: {"PTRI64", OperandNone},
	OpI32B:   {"I32B", OperandNone},
	OpI32S:   {"I32S", OperandNone},
	OpI32C:   {"I32C", OperandNone},

	OpCmpE:     {"CMPE", OperandNone},
	OpCmpNE:    {"CMPNE", OperandNone},
	OpCmpG:     {"CMPG", OperandNone},
	OpCmpGE:    {"CMPGE", OperandNone},
	OpCmpL:     {"CMPL", OperandNone},
	OpCmpLE:    {"CMPLE", OperandNone},
	OpCmpE64:   {"CMPE64", OperandNone},
	OpCmpNE64:  {"CMPNE64", OperandNone},
	OpCmpG64:   {"CMPG64", OperandNone},
	OpCmpGE64:  {"CMPGE64", OperandNone},
	OpCmpL64:   {"CMPL64", OperandNone},
	OpCmpLE64:  {"CMPLE64", OperandNone},
	OpFCmpE:    {"FCMPE", OperandNone},
	OpFCmpNE:   {"FCMPNE", OperandNone},
	OpFCmpG:    {"FCMPG", OperandNone},
	OpFCmpGE:   {"FCMPGE", OperandNone},
	OpFCmpL:    {"FCMPL", OperandNone},
	OpFCmpLE:   {"FCMPLE", OperandNone},
	OpFCmpE64:  {"FCMPE64", OperandNone},
	OpFCmpNE64: {"FCMPNE64", OperandNone},
	OpFCmpG64:  {"FCMPG64", OperandNone},
	OpFCmpGE64: {"FCMPGE64", OperandNone},
	OpFCmpL64:  {"FCMPL64", OperandNone},
	OpFCmpLE64: {"FCMPLE64", OperandNone},
	OpCmpEPtr:  {"CMPEPTR", OperandNone},
	OpCmpNEPtr: {"CMPNEPTR", OperandNone},
	OpCmpGPtr:  {"CMPGPTR", OperandNone},
	OpCmpGEPtr: {"CMPGEPTR", OperandNone},
	OpCmpLPtr:  {"CMPLPTR", OperandNone},
	OpCmpLEPtr: {"CMPLEPTR", OperandNone},

	OpJmp: {"JMP", OperandI32},
	OpJT:  {"JT", OperandI32},
	OpJF:  {"JF", OperandI32},

	OpPop:     {"POP", OperandNone},
	OpPop2:    {"POP2", OperandNone},
	OpPopN:    {"POPN", OperandI32},
	OpDup:     {"DUP", OperandNone},
	OpDup64:   {"DUP64", OperandNone},
	OpDupPtr:  {"DUPPTR", OperandNone},
	OpDupN:    {"DUPN", OperandI8},
	OpDup64N:  {"DUP64N", OperandI8},
	OpDupPtrN: {"DUPPTRN", OperandI8},

	OpCall:  {"CALL", OperandI32},
	OpICall: {"ICALL", OperandNone},
	OpRet:   {"RET", OperandNone},
	OpRetN:  {"RETN", OperandI32},
	OpECall: {"ECALL", OperandI32},

	OpScanB:    {"SCANB", OperandNone},
	OpScan8:    {"SCAN8", OperandNone},
	OpScanC:    {"SCANC", OperandNone},
	OpScan16:   {"SCAN16", OperandNone},
	OpScan32:   {"SCAN32", OperandNone},
	OpScan64:   {"SCAN64", OperandNone},
	OpFScan:    {"FSCAN", OperandNone},
	OpFScan64:  {"FSCAN64", OperandNone},
	OpScanStr:  {"SCANSTR", OperandNone},
	OpDScanStr: {"DSCANSTR", OperandNone},
	OpPrintB:   {"PRINTB", OperandNone},
	OpPrintC:   {"PRINTC", OperandNone},
	OpPrint32:  {"PRINT32", OperandNone},
	OpPrint64:  {"PRINT64", OperandNone},
	OpFPrint:   {"FPRINT", OperandNone},
	OpFPrint64: {"FPRINT64", OperandNone},
	OpPrintStr: {"PRINTSTR", OperandNone},

	OpNewObj:    {"NEWOBJ", OperandNone},
	OpNewArr:    {"NEWARR", OperandI16},
	OpNewStr:    {"NEWSTR", OperandNone},
	OpAddRef:    {"ADDREF", OperandNone},
	OpRelease:   {"RELEASE", OperandNone},
	OpStrLen:    {"STRLEN", OperandNone},
	OpArrLen:    {"ARRLEN", OperandI16},
	OpSetArrLen: {"SETARRLEN", OperandI16},
	OpStrCat:    {"STRCAT", OperandNone},
}

// opcodeByName is the reverse of opcodeInfoTable, used by the assembler.
var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeInfoTable))
	for op, info := range opcodeInfoTable {
		m[info.Name] = op
	}
	return m
}()

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// LookupOpcode returns the opcode with the given mnemonic.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodeByName[name]
	return op, ok
}

// String returns the mnemonic of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).Operand.Size()
}

// InstructionLen returns the total length of an instruction (1 + operand bytes).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsJump returns true if the operand is a jump offset.
func (op Opcode) IsJump() bool {
	return op == OpJmp || op == OpJT || op == OpJF
}

// IsCall returns true if the opcode enters a bytecode function.
func (op Opcode) IsCall() bool {
	return op == OpCall || op == OpICall
}

// IsReturn returns true if the opcode leaves a bytecode function.
func (op Opcode) IsReturn() bool {
	return op == OpRet || op == OpRetN
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
