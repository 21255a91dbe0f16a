package bytecode

import (
	"strings"
	"testing"
)

func TestDisassembleInstruction(t *testing.T) {
	b := NewBuilder("t")
	b.EmitI32(OpLC32, 5)      // 0000
	b.EmitI8(OpLC8, -3)       // 0005
	b.Emit(OpAdd)             // 0007
	b.EmitI32(OpJmp, -7)      // 0008
	b.EmitI16(OpNewArr, 4)    // 000D
	b.EmitI64(OpLCPtr, 1<<40) // 0010
	code := b.prog.Code

	tests := []struct {
		offset int
		want   string
		n      int
	}{
		{0x00, "LC32 5", 5},
		{0x05, "LC8 -3", 2},
		{0x07, "ADD", 1},
		{0x08, "JMP -7 (-> 0001)", 5},
		{0x0D, "NEWARR 4", 3},
		{0x10, "LCPTR 0x10000000000", 9},
	}
	for _, tt := range tests {
		got, n := DisassembleInstruction(code, tt.offset)
		if got != tt.want || n != tt.n {
			t.Errorf("DisassembleInstruction(%04X) = %q, %d; want %q, %d", tt.offset, got, n, tt.want, tt.n)
		}
	}
}

func TestDisassembleTruncated(t *testing.T) {
	code := []byte{byte(OpLC32), 1, 2}
	got, n := DisassembleInstruction(code, 0)
	if !strings.Contains(got, "truncated") || n != 3 {
		t.Errorf("got %q, %d", got, n)
	}
	if got, _ := DisassembleInstruction(code, 10); got != "<end of code>" {
		t.Errorf("past end: %q", got)
	}
}

func TestDisassembleUnknownByte(t *testing.T) {
	got, n := DisassembleInstruction([]byte{0xEE}, 0)
	if got != ".byte 0xEE" || n != 1 {
		t.Errorf("got %q, %d", got, n)
	}
}

func TestProgramDisassemble(t *testing.T) {
	p, err := Assemble("sum.s", `
.file sum.c
.line 1
	LC32 5
	LC32 3
.line 2
	ADD
	PRINT32
	HALT
`)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	out := p.Disassemble()
	for _, want := range []string{"; === sum.s ===", "LC32 5", "; sum.c:1", "ADD", "; sum.c:2", "HALT", "> 0000"} {
		if !strings.Contains(out, want) {
			t.Errorf("Disassembly missing %q:\n%s", want, out)
		}
	}
	if InstructionCount(p.Code) != 5 {
		t.Errorf("InstructionCount = %d, want 5", InstructionCount(p.Code))
	}
	if lines := DisassembleCode(p.Code); len(lines) != 5 || lines[2] != "000A  ADD" {
		t.Errorf("DisassembleCode = %q", lines)
	}
}
