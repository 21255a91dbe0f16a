// Package bytecode defines the instruction set and program image of the svm
// stack machine, together with the tools that produce and inspect programs.
//
// The instruction encoding is designed for:
//   - Simple decoding (one opcode byte, then a fixed-width operand)
//   - Little-endian operands of 0, 1, 2, 4, or 8 bytes
//   - Relative control flow (jump and call offsets are measured from the
//     start of the instruction)
//
// # Architecture Overview
//
//   - Opcodes: the ISA, grouped by family (immediates, register transfer,
//     address computation, memory access, arithmetic, conversion, comparison,
//     control flow, stack shaping, calls, console intrinsics, heap objects).
//     OpBreak (0xFF) is reserved for the debugger.
//
//   - Program: code plus the data segment copied to the bottom of the stack,
//     and the debug tables a compiler emits (line records, globals,
//     functions with parameters, scoped locals, external declarations).
//
//   - Builder: programmatic emitter with labels and jump patching.
//
//   - Assemble: a line-oriented assembler on top of Builder.
//
//   - Images: programs serialize to canonical CBOR prefixed with "SVMI".
//
// # Addresses
//
// Resident addresses are int32 offsets from the bottom of the stack. Host
// addresses are 64-bit values the VM translates: stack cells, heap object
// cells, and null (0). See the vm package for the translation rules.
package bytecode
