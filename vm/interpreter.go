package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime"

	"github.com/chazu/svm/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Interpreter: bytecode execution engine
// ---------------------------------------------------------------------------

// execute runs the dispatch loop until HALT or a fault. Faults raised by
// throw anywhere below are turned into the returned error here.
func (v *VM) execute() (err error) {
	var op bytecode.Opcode
	var steps uint64
	defer func() {
		if v.profiler != nil {
			v.profiler.RecordInstructions(steps)
		}
		switch r := recover().(type) {
		case nil:
		case fault:
			err = v.runtimeError(op, r.err)
		case runtime.Error:
			// Malformed bytecode that slipped past the operand checks.
			err = v.runtimeError(op, fmt.Errorf("%w: %v", ErrInvalidOperand, r))
		default:
			panic(r)
		}
	}()

	for {
		if v.cancel.IsCancelled() {
			throw(ErrCancelled)
		}
		v.lastIP = v.ip
		v.pc.Store(int64(v.ip))
		if v.ip < 0 || v.ip >= len(v.code) {
			op = bytecode.OpNop
			throwf(ErrIPOutOfRange, "ip %d, code size %d", v.ip, len(v.code))
		}
		op = bytecode.Opcode(v.code[v.ip])
		v.ip++
		if v.attention.Load() {
			op = v.debugHook(op)
		}
		steps++
		if v.dispatch(op) {
			return nil
		}
	}
}

func (v *VM) runtimeError(op bytecode.Opcode, err error) error {
	if errors.Is(err, ErrCancelled) {
		return ErrCancelled
	}
	re := &RuntimeError{IP: v.lastIP, Op: op, Err: err}
	if v.info != nil {
		if l, ok := v.info.GetLineFromIP(v.lastIP, false); ok {
			re.File, re.Line = l.File, l.Line
		}
	}
	return re
}

// ---------------------------------------------------------------------------
// Stack primitives
// ---------------------------------------------------------------------------

func (v *VM) reserve(n int) []byte {
	if n < 0 {
		throwf(ErrInvalidOperand, "reserve %d bytes", n)
	}
	if v.sp+n > len(v.stack) {
		throwf(ErrStackOverflow, "sp %d + %d exceeds %d", v.sp, n, len(v.stack))
	}
	b := v.stack[v.sp : v.sp+n]
	v.sp += n
	return b
}

func (v *VM) release(n int) []byte {
	if n < 0 {
		throwf(ErrInvalidOperand, "release %d bytes", n)
	}
	if v.sp-n < v.program.DataSize {
		throwf(ErrStackUnderflow, "sp %d - %d below %d", v.sp, n, v.program.DataSize)
	}
	v.sp -= n
	return v.stack[v.sp : v.sp+n]
}

func (v *VM) push32(x uint32) { binary.LittleEndian.PutUint32(v.reserve(4), x) }
func (v *VM) push64(x uint64) { binary.LittleEndian.PutUint64(v.reserve(8), x) }
func (v *VM) pop32() uint32   { return binary.LittleEndian.Uint32(v.release(4)) }
func (v *VM) pop64() uint64   { return binary.LittleEndian.Uint64(v.release(8)) }

func (v *VM) pushInt(x int32)      { v.push32(uint32(x)) }
func (v *VM) popInt() int32        { return int32(v.pop32()) }
func (v *VM) pushLong(x int64)     { v.push64(uint64(x)) }
func (v *VM) popLong() int64       { return int64(v.pop64()) }
func (v *VM) pushFloat(x float32)  { v.push32(math.Float32bits(x)) }
func (v *VM) popFloat() float32    { return math.Float32frombits(v.pop32()) }
func (v *VM) pushDouble(x float64) { v.push64(math.Float64bits(x)) }
func (v *VM) popDouble() float64   { return math.Float64frombits(v.pop64()) }
func (v *VM) pushPtr(x uint64)     { v.push64(x) }
func (v *VM) popPtr() uint64       { return v.pop64() }
func (v *VM) pushBool(b bool)      { v.pushInt(boolInt(b)) }

func (v *VM) setSP(sp int) {
	v.checkSP(sp)
	v.sp = sp
}

func (v *VM) checkSP(sp int) {
	if sp < 0 {
		throwf(ErrStackUnderflow, "sp %d", sp)
	}
	if sp > len(v.stack) {
		throwf(ErrStackOverflow, "sp %d exceeds %d", sp, len(v.stack))
	}
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// ---------------------------------------------------------------------------
// Operand decoding
// ---------------------------------------------------------------------------

func (v *VM) operand(n int) []byte {
	if v.ip+n > len(v.code) {
		throwf(ErrIPOutOfRange, "operand of %d bytes truncated at %d", n, v.ip)
	}
	b := v.code[v.ip : v.ip+n]
	v.ip += n
	return b
}

func (v *VM) imm8() int8   { return int8(v.operand(1)[0]) }
func (v *VM) imm16() int16 { return int16(binary.LittleEndian.Uint16(v.operand(2))) }
func (v *VM) imm32() int32 { return int32(binary.LittleEndian.Uint32(v.operand(4))) }
func (v *VM) imm64() uint64 {
	return binary.LittleEndian.Uint64(v.operand(8))
}

// ---------------------------------------------------------------------------
// Memory families
// ---------------------------------------------------------------------------

// memWidth maps a load/store opcode's position within its family
// (8, 16, 32, 64, PTR) to a byte width.
func memWidth(i bytecode.Opcode) int {
	switch i % 5 {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 4
	default:
		return 8
	}
}

// pushLoaded widens a loaded value onto the stack. Bytes zero-extend and
// shorts sign-extend to int32.
func (v *VM) pushLoaded(b []byte) {
	switch len(b) {
	case 1:
		v.push32(uint32(b[0]))
	case 2:
		v.push32(uint32(int32(int16(load(b)))))
	case 4:
		v.push32(uint32(load(b)))
	default:
		v.push64(load(b))
	}
}

// popValue pops a store operand of the given memory width.
func (v *VM) popValue(width int) uint64 {
	if width == 8 {
		return v.pop64()
	}
	return uint64(v.pop32())
}

func (v *VM) jump(start int, off int32) {
	v.ip = start + int(off)
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// dispatch executes one instruction whose opcode byte has been consumed.
// Returns true on HALT.
func (v *VM) dispatch(op bytecode.Opcode) bool {
	start := v.lastIP

	switch op {
	// --- Misc ---
	case bytecode.OpNop:

	case bytecode.OpHalt:
		return true

	case bytecode.OpBreak:
		return v.dispatch(v.hitBreakpoint())

	// --- Immediates ---
	case bytecode.OpLC8:
		v.pushInt(int32(v.imm8()))

	case bytecode.OpLC16:
		v.pushInt(int32(v.imm16()))

	case bytecode.OpLC32:
		v.pushInt(v.imm32())

	case bytecode.OpLC64, bytecode.OpLCPtr:
		v.push64(v.imm64())

	// --- Registers ---
	case bytecode.OpLIP:
		v.pushInt(int32(v.ip))

	case bytecode.OpLSP:
		v.pushInt(int32(v.sp))

	case bytecode.OpLBP:
		v.pushInt(int32(v.bp))

	case bytecode.OpSIP:
		v.ip = int(v.popInt())

	case bytecode.OpSSP:
		v.setSP(int(v.popInt()))

	case bytecode.OpSBP:
		bp := int(v.popInt())
		v.checkSP(bp)
		v.bp = bp

	case bytecode.OpAddSP:
		n := int(v.imm32())
		v.setSP(v.sp + n)

	case bytecode.OpSubSP:
		n := int(v.imm32())
		v.setSP(v.sp - n)

	// --- Address computation ---
	case bytecode.OpLHA:
		v.pushPtr(v.ResidentToHost(int(v.popInt())))

	case bytecode.OpHRA:
		ptr := v.popPtr()
		if !v.IsStackHostAddr(ptr) {
			throwf(ErrInvalidAddress, "0x%X is not a stack address", ptr)
		}
		v.pushInt(int32(v.HostToResident(ptr)))

	case bytecode.OpRHA:
		n := int(v.imm32())
		v.pushPtr(v.ResidentToHost(v.sp + n))

	case bytecode.OpLGHA:
		v.pushPtr(v.ResidentToHost(int(v.imm32())))

	case bytecode.OpLLHA:
		v.pushPtr(v.ResidentToHost(v.bp + int(v.imm32())))

	case bytecode.OpLLRA:
		v.pushInt(int32(v.bp + int(v.imm32())))

	// --- Memory: resident address on the stack ---
	case bytecode.OpLS8, bytecode.OpLS16, bytecode.OpLS32, bytecode.OpLS64, bytecode.OpLSPtr:
		w := memWidth(op - bytecode.OpLS8)
		v.pushLoaded(v.resident(int(v.popInt()), w))

	case bytecode.OpSS8, bytecode.OpSS16, bytecode.OpSS32, bytecode.OpSS64, bytecode.OpSSPtr:
		w := memWidth(op - bytecode.OpSS8)
		x := v.popValue(w)
		store(v.resident(int(v.popInt()), w), x)

	// --- Memory: global offset ---
	case bytecode.OpLG8, bytecode.OpLG16, bytecode.OpLG32, bytecode.OpLG64, bytecode.OpLGPtr:
		w := memWidth(op - bytecode.OpLG8)
		v.pushLoaded(v.resident(int(v.imm32()), w))

	case bytecode.OpSG8, bytecode.OpSG16, bytecode.OpSG32, bytecode.OpSG64, bytecode.OpSGPtr:
		w := memWidth(op - bytecode.OpSG8)
		addr := int(v.imm32())
		store(v.resident(addr, w), v.popValue(w))

	// --- Memory: frame-relative ---
	case bytecode.OpLL8, bytecode.OpLL16, bytecode.OpLL32, bytecode.OpLL64, bytecode.OpLLPtr:
		w := memWidth(op - bytecode.OpLL8)
		v.pushLoaded(v.resident(v.bp+int(v.imm32()), w))

	case bytecode.OpSL8, bytecode.OpSL16, bytecode.OpSL32, bytecode.OpSL64, bytecode.OpSLPtr:
		w := memWidth(op - bytecode.OpSL8)
		addr := v.bp + int(v.imm32())
		store(v.resident(addr, w), v.popValue(w))

	// --- Memory: host pointer ---
	case bytecode.OpLPtr8, bytecode.OpLPtr16, bytecode.OpLPtr32, bytecode.OpLPtr64, bytecode.OpLPtrPtr:
		w := memWidth(op - bytecode.OpLPtr8)
		v.pushLoaded(v.host(v.popPtr(), w))

	case bytecode.OpSPtr8, bytecode.OpSPtr16, bytecode.OpSPtr32, bytecode.OpSPtr64, bytecode.OpSPtrPtr:
		w := memWidth(op - bytecode.OpSPtr8)
		x := v.popValue(w)
		store(v.host(v.popPtr(), w), x)

	// --- int32 arithmetic ---
	case bytecode.OpAdd:
		b, a := v.popInt(), v.popInt()
		v.pushInt(a + b)

	case bytecode.OpSub:
		b, a := v.popInt(), v.popInt()
		v.pushInt(a - b)

	case bytecode.OpMul:
		b, a := v.popInt(), v.popInt()
		v.pushInt(a * b)

	case bytecode.OpDiv:
		b, a := v.popInt(), v.popInt()
		if b == 0 {
			throw(ErrDivideByZero)
		}
		v.pushInt(a / b)

	case bytecode.OpMod:
		b, a := v.popInt(), v.popInt()
		if b == 0 {
			throw(ErrDivideByZero)
		}
		v.pushInt(a % b)

	case bytecode.OpNeg:
		v.pushInt(-v.popInt())

	case bytecode.OpAnd:
		b, a := v.popInt(), v.popInt()
		v.pushInt(a & b)

	case bytecode.OpOr:
		b, a := v.popInt(), v.popInt()
		v.pushInt(a | b)

	case bytecode.OpXor:
		b, a := v.popInt(), v.popInt()
		v.pushInt(a ^ b)

	case bytecode.OpNot:
		v.pushInt(^v.popInt())

	case bytecode.OpShl:
		b, a := v.popInt(), v.popInt()
		v.pushInt(a << (uint32(b) & 31))

	case bytecode.OpShr:
		b, a := v.popInt(), v.popInt()
		v.pushInt(a >> (uint32(b) & 31))

	case bytecode.OpUShr:
		b, a := v.popInt(), v.popInt()
		v.push32(uint32(a) >> (uint32(b) & 31))

	// --- int64 arithmetic ---
	case bytecode.OpAdd64:
		b, a := v.popLong(), v.popLong()
		v.pushLong(a + b)

	case bytecode.OpSub64:
		b, a := v.popLong(), v.popLong()
		v.pushLong(a - b)

	case bytecode.OpMul64:
		b, a := v.popLong(), v.popLong()
		v.pushLong(a * b)

	case bytecode.OpDiv64:
		b, a := v.popLong(), v.popLong()
		if b == 0 {
			throw(ErrDivideByZero)
		}
		v.pushLong(a / b)

	case bytecode.OpMod64:
		b, a := v.popLong(), v.popLong()
		if b == 0 {
			throw(ErrDivideByZero)
		}
		v.pushLong(a % b)

	case bytecode.OpNeg64:
		v.pushLong(-v.popLong())

	case bytecode.OpAnd64:
		b, a := v.popLong(), v.popLong()
		v.pushLong(a & b)

	case bytecode.OpOr64:
		b, a := v.popLong(), v.popLong()
		v.pushLong(a | b)

	case bytecode.OpXor64:
		b, a := v.popLong(), v.popLong()
		v.pushLong(a ^ b)

	case bytecode.OpNot64:
		v.pushLong(^v.popLong())

	case bytecode.OpShl64:
		b, a := v.popLong(), v.popLong()
		v.pushLong(a << (uint64(b) & 63))

	case bytecode.OpShr64:
		b, a := v.popLong(), v.popLong()
		v.pushLong(a >> (uint64(b) & 63))

	case bytecode.OpUShr64:
		b, a := v.popLong(), v.popLong()
		v.push64(uint64(a) >> (uint64(b) & 63))

	// --- float arithmetic ---
	case bytecode.OpFAdd:
		b, a := v.popFloat(), v.popFloat()
		v.pushFloat(a + b)

	case bytecode.OpFSub:
		b, a := v.popFloat(), v.popFloat()
		v.pushFloat(a - b)

	case bytecode.OpFMul:
		b, a := v.popFloat(), v.popFloat()
		v.pushFloat(a * b)

	case bytecode.OpFDiv:
		b, a := v.popFloat(), v.popFloat()
		v.pushFloat(a / b)

	case bytecode.OpFMod:
		b, a := v.popFloat(), v.popFloat()
		v.pushFloat(float32(math.Mod(float64(a), float64(b))))

	case bytecode.OpFNeg:
		v.pushFloat(-v.popFloat())

	case bytecode.OpFAdd64:
		b, a := v.popDouble(), v.popDouble()
		v.pushDouble(a + b)

	case bytecode.OpFSub64:
		b, a := v.popDouble(), v.popDouble()
		v.pushDouble(a - b)

	case bytecode.OpFMul64:
		b, a := v.popDouble(), v.popDouble()
		v.pushDouble(a * b)

	case bytecode.OpFDiv64:
		b, a := v.popDouble(), v.popDouble()
		v.pushDouble(a / b)

	case bytecode.OpFMod64:
		b, a := v.popDouble(), v.popDouble()
		v.pushDouble(math.Mod(a, b))

	case bytecode.OpFNeg64:
		v.pushDouble(-v.popDouble())

	// --- Pointer arithmetic ---
	case bytecode.OpPtrAdd:
		n := v.popInt()
		v.pushPtr(v.popPtr() + uint64(int64(n)))

	case bytecode.OpPtrSub:
		b, a := v.popPtr(), v.popPtr()
		v.pushLong(int64(a - b))

	// --- Conversions ---
	case bytecode.OpI32I64:
		v.pushLong(int64(v.popInt()))

	case bytecode.OpI64I32:
		v.pushInt(int32(v.popLong()))

	case bytecode.OpI32F32:
		v.pushFloat(float32(v.popInt()))

	case bytecode.OpF32I32:
		v.pushInt(int32(v.popFloat()))

	case bytecode.OpI32F64:
		v.pushDouble(float64(v.popInt()))

	case bytecode.OpF64I32:
		v.pushInt(int32(v.popDouble()))

	case bytecode.OpI64F32:
		v.pushFloat(float32(v.popLong()))

	case bytecode.OpF32I64:
		v.pushLong(int64(v.popFloat()))

	case bytecode.OpI64F64:
		v.pushDouble(float64(v.popLong()))

	case bytecode.OpF64I64:
		v.pushLong(int64(v.popDouble()))

	case bytecode.OpF32F64:
		v.pushDouble(float64(v.popFloat()))

	case bytecode.OpF64F32:
		v.pushFloat(float32(v.popDouble()))

	case bytecode.OpI32Ptr:
		v.pushPtr(uint64(int64(v.popInt())))

	case bytecode.OpPtrI32:
		v.pushInt(int32(v.popPtr()))

	case bytecode.OpI64Ptr:
		v.pushPtr(uint64(v.popLong()))

	case bytecode.OpPtrI64:
		v.pushLong(int64(v.popPtr()))

	case bytecode.OpI32B:
		v.push32(v.pop32() & 0xFF)

	case bytecode.OpI32S:
		v.pushInt(int32(int16(v.pop32())))

	case bytecode.OpI32C:
		v.push32(v.pop32() & 0xFFFF)

	// --- Comparisons ---
	case bytecode.OpCmpE, bytecode.OpCmpNE, bytecode.OpCmpG, bytecode.OpCmpGE, bytecode.OpCmpL, bytecode.OpCmpLE:
		b, a := v.popInt(), v.popInt()
		v.pushBool(compare(op-bytecode.OpCmpE, a, b))

	case bytecode.OpCmpE64, bytecode.OpCmpNE64, bytecode.OpCmpG64, bytecode.OpCmpGE64, bytecode.OpCmpL64, bytecode.OpCmpLE64:
		b, a := v.popLong(), v.popLong()
		v.pushBool(compare(op-bytecode.OpCmpE64, a, b))

	case bytecode.OpFCmpE, bytecode.OpFCmpNE, bytecode.OpFCmpG, bytecode.OpFCmpGE, bytecode.OpFCmpL, bytecode.OpFCmpLE:
		b, a := v.popFloat(), v.popFloat()
		v.pushBool(compare(op-bytecode.OpFCmpE, a, b))

	case bytecode.OpFCmpE64, bytecode.OpFCmpNE64, bytecode.OpFCmpG64, bytecode.OpFCmpGE64, bytecode.OpFCmpL64, bytecode.OpFCmpLE64:
		b, a := v.popDouble(), v.popDouble()
		v.pushBool(compare(op-bytecode.OpFCmpE64, a, b))

	case bytecode.OpCmpEPtr, bytecode.OpCmpNEPtr, bytecode.OpCmpGPtr, bytecode.OpCmpGEPtr, bytecode.OpCmpLPtr, bytecode.OpCmpLEPtr:
		b, a := v.popPtr(), v.popPtr()
		v.pushBool(compare(op-bytecode.OpCmpEPtr, a, b))

	// --- Control flow ---
	case bytecode.OpJmp:
		v.jump(start, v.imm32())

	case bytecode.OpJT:
		off := v.imm32()
		if v.popInt()&1 != 0 {
			v.jump(start, off)
		}

	case bytecode.OpJF:
		off := v.imm32()
		if v.popInt()&1 == 0 {
			v.jump(start, off)
		}

	// --- Stack shaping ---
	case bytecode.OpPop:
		v.release(4)

	case bytecode.OpPop2:
		v.release(8)

	case bytecode.OpPopN:
		n := int(v.imm32())
		if n < 0 {
			throwf(ErrInvalidOperand, "POPN %d", n)
		}
		v.release(n)

	case bytecode.OpDup, bytecode.OpDupN:
		n := 1
		if op == bytecode.OpDupN {
			n = v.dupCount()
		}
		x := v.pop32()
		for i := 0; i <= n; i++ {
			v.push32(x)
		}

	case bytecode.OpDup64, bytecode.OpDupPtr, bytecode.OpDup64N, bytecode.OpDupPtrN:
		n := 1
		if op == bytecode.OpDup64N || op == bytecode.OpDupPtrN {
			n = v.dupCount()
		}
		x := v.pop64()
		for i := 0; i <= n; i++ {
			v.push64(x)
		}

	// --- Calls ---
	case bytecode.OpCall:
		v.call(start + int(v.imm32()))

	case bytecode.OpICall:
		v.call(int(v.popInt()))

	case bytecode.OpRet:
		v.ret(0)

	case bytecode.OpRetN:
		v.ret(int(v.imm32()))

	case bytecode.OpECall:
		v.ecall(int(v.imm32()))

	// --- Console intrinsics ---
	case bytecode.OpScanB, bytecode.OpScan8, bytecode.OpScanC, bytecode.OpScan16,
		bytecode.OpScan32, bytecode.OpScan64, bytecode.OpFScan, bytecode.OpFScan64:
		v.scanValue(op)

	case bytecode.OpScanStr:
		capacity := int(v.popInt())
		v.scanString(v.popPtr(), capacity)

	case bytecode.OpDScanStr:
		v.scanDynamicString(v.popPtr())

	case bytecode.OpPrintB, bytecode.OpPrintC, bytecode.OpPrint32, bytecode.OpPrint64,
		bytecode.OpFPrint, bytecode.OpFPrint64, bytecode.OpPrintStr:
		v.printValue(op)

	// --- Heap objects ---
	case bytecode.OpNewObj, bytecode.OpNewArr, bytecode.OpNewStr, bytecode.OpAddRef, bytecode.OpRelease,
		bytecode.OpStrLen, bytecode.OpArrLen, bytecode.OpSetArrLen, bytecode.OpStrCat:
		v.heapOp(op)

	default:
		throwf(ErrUnknownOpcode, "0x%02X", byte(op))
	}
	return false
}

type ordered interface {
	~int32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// compare evaluates the i-th relation of a comparison family:
// E, NE, G, GE, L, LE.
func compare[T ordered](i bytecode.Opcode, a, b T) bool {
	switch i {
	case 0:
		return a == b
	case 1:
		return a != b
	case 2:
		return a > b
	case 3:
		return a >= b
	case 4:
		return a < b
	default:
		return a <= b
	}
}

// dupCount reads the copy count of a DUP*N instruction.
func (v *VM) dupCount() int {
	n := int(v.imm8())
	if n < 0 {
		throwf(ErrInvalidOperand, "DUPN %d", n)
	}
	return n
}

// call pushes the return address and caller BP and enters target.
func (v *VM) call(target int) {
	v.pushInt(int32(v.ip))
	v.pushInt(int32(v.bp))
	v.bp = v.sp
	v.ip = target
	v.noteCall(1)
	if v.profiler != nil {
		name := ""
		if fn, ok := v.info.GetFunctionAtIP(target); ok && fn.StartIP == target {
			name = fn.Name
		}
		v.profiler.RecordCall(target, name)
	}
}

// ret unwinds the current frame and drops n argument bytes.
func (v *VM) ret(n int) {
	v.setSP(v.bp)
	v.bp = int(v.popInt())
	v.ip = int(v.popInt())
	if n != 0 {
		v.release(n)
	}
	v.noteCall(-1)
}
