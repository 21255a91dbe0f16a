package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// DisassembleInstruction decodes the instruction at offset.
// Returns the formatted text (without the address column) and the
// instruction length. A truncated operand is reported rather than read.
func DisassembleInstruction(code []byte, offset int) (string, int) {
	if offset < 0 || offset >= len(code) {
		return "<end of code>", 0
	}

	op := Opcode(code[offset])
	info := GetOpcodeInfo(op)
	n := op.InstructionLen()
	if !op.Valid() {
		return fmt.Sprintf(".byte 0x%02X", byte(op)), 1
	}
	if offset+n > len(code) {
		return fmt.Sprintf("%s <truncated>", info.Name), len(code) - offset
	}

	operand := code[offset+1 : offset+n]
	switch info.Operand {
	case OperandNone:
		return info.Name, n
	case OperandI8:
		return fmt.Sprintf("%s %d", info.Name, int8(operand[0])), n
	case OperandI16:
		return fmt.Sprintf("%s %d", info.Name, int16(binary.LittleEndian.Uint16(operand))), n
	case OperandI32:
		v := int32(binary.LittleEndian.Uint32(operand))
		if op.IsJump() || op == OpCall {
			return fmt.Sprintf("%s %+d (-> %04X)", info.Name, v, offset+int(v)), n
		}
		return fmt.Sprintf("%s %d", info.Name, v), n
	case OperandPtr:
		return fmt.Sprintf("%s 0x%X", info.Name, binary.LittleEndian.Uint64(operand)), n
	default:
		v := int64(binary.LittleEndian.Uint64(operand))
		return fmt.Sprintf("%s %d", info.Name, v), n
	}
}

// DisassembleCode returns one "ADDR  TEXT" line per instruction.
func DisassembleCode(code []byte) []string {
	var lines []string
	offset := 0
	for offset < len(code) {
		text, n := DisassembleInstruction(code, offset)
		lines = append(lines, fmt.Sprintf("%04X  %s", offset, text))
		offset += n
	}
	return lines
}

// InstructionCount returns the number of instructions in code.
// Note: This iterates through all code, so it's O(n).
func InstructionCount(code []byte) int {
	count := 0
	for offset := 0; offset < len(code); count++ {
		op := Opcode(code[offset])
		if !op.Valid() {
			offset++
			continue
		}
		offset += op.InstructionLen()
	}
	return count
}

// Disassemble returns a human-readable listing of the program, including
// its data segment, functions, and source line annotations.
func (p *Program) Disassemble() string {
	var sb strings.Builder

	if p.Name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", p.Name))
	}
	sb.WriteString(fmt.Sprintf("; svm image v%d, entry %04X\n", p.Version, p.Entry))
	sb.WriteString(fmt.Sprintf("; Data: %d bytes\n", p.DataSize))

	if len(p.Globals) > 0 {
		sb.WriteString("; Globals:\n")
		for _, g := range p.Globals {
			sb.WriteString(fmt.Sprintf(";   %-12s %-8s @%d\n", g.Name, g.Type, g.Offset))
		}
	}
	if len(p.Externals) > 0 {
		sb.WriteString("; Externals:\n")
		for i, e := range p.Externals {
			sb.WriteString(fmt.Sprintf(";   [%3d] %s (%d arg bytes)\n", i, e.Name, e.ParamSize))
		}
	}
	sb.WriteString("\n")

	funcs := make(map[int]*Function, len(p.Functions))
	for i := range p.Functions {
		funcs[p.Functions[i].StartIP] = &p.Functions[i]
	}
	lines := make(map[int]LineRecord, len(p.Lines))
	for _, l := range p.Lines {
		if _, ok := lines[l.IP]; !ok {
			lines[l.IP] = l
		}
	}

	sb.WriteString("; Code:\n")
	offset := 0
	for offset < len(p.Code) {
		if fn, ok := funcs[offset]; ok {
			sb.WriteString(fmt.Sprintf("\n%s:", fn.Name))
			for i, param := range fn.Params {
				if i == 0 {
					sb.WriteString(" ;")
				}
				sb.WriteString(fmt.Sprintf(" %s %s@%d", param.Type, param.Name, param.Offset))
			}
			sb.WriteString("\n")
		}
		text, n := DisassembleInstruction(p.Code, offset)
		marker := "  "
		if offset == p.Entry {
			marker = "> "
		}
		if l, ok := lines[offset]; ok {
			sb.WriteString(fmt.Sprintf("%s%04X  %-30s ; %s:%d\n", marker, offset, text, l.File, l.Line))
		} else {
			sb.WriteString(fmt.Sprintf("%s%04X  %s\n", marker, offset, text))
		}
		offset += n
	}

	return sb.String()
}
