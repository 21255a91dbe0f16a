package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"unicode/utf16"
)

// fixup is a jump or call operand waiting for its label to be defined.
type fixup struct {
	instr   int // offset of the opcode byte
	operand int // offset of the i32 operand
	label   string
}

type openScope struct {
	start  int
	locals []LocalVariable
}

// Builder emits a Program incrementally. It plays the role of the compiler
// back end: code, data segment, and debug tables are all recorded here.
type Builder struct {
	prog    *Program
	labels  map[string]int
	symbols map[string]int // data and global names -> resident address
	fixups  []fixup

	fn     *Function
	scopes []*openScope

	file string
	line int
}

// NewBuilder creates a builder for a program with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		prog: &Program{
			Version: ImageVersion,
			Name:    name,
			Code:    make([]byte, 0, 64),
		},
		labels:  make(map[string]int),
		symbols: make(map[string]int),
	}
}

// Offset returns the current offset in the code section.
func (b *Builder) Offset() int {
	return len(b.prog.Code)
}

// Emit appends a single-byte opcode.
func (b *Builder) Emit(op Opcode) int {
	offset := len(b.prog.Code)
	b.prog.Code = append(b.prog.Code, byte(op))
	return offset
}

// EmitI8 appends an opcode with an 8-bit operand.
func (b *Builder) EmitI8(op Opcode, v int8) int {
	offset := b.Emit(op)
	b.prog.Code = append(b.prog.Code, byte(v))
	return offset
}

// EmitI16 appends an opcode with a 16-bit operand.
func (b *Builder) EmitI16(op Opcode, v int16) int {
	offset := b.Emit(op)
	b.prog.Code = binary.LittleEndian.AppendUint16(b.prog.Code, uint16(v))
	return offset
}

// EmitI32 appends an opcode with a 32-bit operand.
func (b *Builder) EmitI32(op Opcode, v int32) int {
	offset := b.Emit(op)
	b.prog.Code = binary.LittleEndian.AppendUint32(b.prog.Code, uint32(v))
	return offset
}

// EmitI64 appends an opcode with a 64-bit operand.
func (b *Builder) EmitI64(op Opcode, v int64) int {
	offset := b.Emit(op)
	b.prog.Code = binary.LittleEndian.AppendUint64(b.prog.Code, uint64(v))
	return offset
}

// EmitF32 appends LC32 carrying the bits of a float32.
func (b *Builder) EmitF32(v float32) int {
	return b.EmitI32(OpLC32, int32(math.Float32bits(v)))
}

// EmitF64 appends LC64 carrying the bits of a float64.
func (b *Builder) EmitF64(v float64) int {
	return b.EmitI64(OpLC64, int64(math.Float64bits(v)))
}

// EmitOperand appends op with an operand of whatever width op takes.
func (b *Builder) EmitOperand(op Opcode, v int64) (int, error) {
	switch GetOpcodeInfo(op).Operand {
	case OperandNone:
		return b.Emit(op), nil
	case OperandI8:
		if v < math.MinInt8 || v > math.MaxUint8 {
			return 0, fmt.Errorf("%s operand %d out of 8-bit range", op, v)
		}
		return b.EmitI8(op, int8(v)), nil
	case OperandI16:
		if v < math.MinInt16 || v > math.MaxUint16 {
			return 0, fmt.Errorf("%s operand %d out of 16-bit range", op, v)
		}
		return b.EmitI16(op, int16(v)), nil
	case OperandI32:
		if v < math.MinInt32 || v > math.MaxUint32 {
			return 0, fmt.Errorf("%s operand %d out of 32-bit range", op, v)
		}
		return b.EmitI32(op, int32(v)), nil
	default:
		return b.EmitI64(op, v), nil
	}
}

// EmitJump emits a jump or call whose target is a label, patched in Build.
func (b *Builder) EmitJump(op Opcode, label string) int {
	offset := b.EmitI32(op, 0)
	b.fixups = append(b.fixups, fixup{instr: offset, operand: offset + 1, label: label})
	return offset
}

// Label binds name to the current code offset.
func (b *Builder) Label(name string) error {
	if _, dup := b.labels[name]; dup {
		return fmt.Errorf("label %q already defined", name)
	}
	b.labels[name] = b.Offset()
	return nil
}

// LabelOffset returns the offset bound to a label.
func (b *Builder) LabelOffset(name string) (int, bool) {
	off, ok := b.labels[name]
	return off, ok
}

// SetEntry makes the current offset the program entry point.
func (b *Builder) SetEntry() {
	b.prog.Entry = b.Offset()
}

// SetEntryLabel makes a label the program entry point; resolved in Build.
func (b *Builder) SetEntryLabel(label string) {
	b.fixups = append(b.fixups, fixup{instr: -1, operand: -1, label: label})
}

// ---------------------------------------------------------------------------
// Data segment
// ---------------------------------------------------------------------------

// AddData appends raw bytes to the data segment and returns their resident address.
func (b *Builder) AddData(data []byte) int {
	addr := len(b.prog.Data)
	b.prog.Data = append(b.prog.Data, data...)
	b.prog.DataSize = len(b.prog.Data)
	return addr
}

// AddString appends a null-terminated UTF-16 string constant and returns its address.
func (b *Builder) AddString(s string) int {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 0, (len(units)+1)*CharSize)
	for _, u := range units {
		buf = binary.LittleEndian.AppendUint16(buf, u)
	}
	buf = append(buf, 0, 0)
	return b.AddData(buf)
}

// DefineSymbol names a resident address so the assembler can refer to it.
func (b *Builder) DefineSymbol(name string, addr int) error {
	if _, dup := b.symbols[name]; dup {
		return fmt.Errorf("symbol %q already defined", name)
	}
	b.symbols[name] = addr
	return nil
}

// Symbol returns the resident address of a named data item or global.
func (b *Builder) Symbol(name string) (int, bool) {
	addr, ok := b.symbols[name]
	return addr, ok
}

// AddGlobal reserves zeroed storage for a global and records it.
func (b *Builder) AddGlobal(name string, typ VarType) Variable {
	v := Variable{Name: name, Type: typ, Size: typ.Size()}
	v.Offset = b.AddData(make([]byte, v.Size))
	b.prog.Globals = append(b.prog.Globals, v)
	b.symbols[name] = v.Offset
	return v
}

// ---------------------------------------------------------------------------
// Debug records
// ---------------------------------------------------------------------------

// MarkLine records that code emitted from here on belongs to file:line.
func (b *Builder) MarkLine(file string, line int) {
	b.file, b.line = file, line
	b.prog.Lines = append(b.prog.Lines, LineRecord{File: file, Line: line, IP: b.Offset()})
}

// SetFile sets the file used by later function and scope records.
func (b *Builder) SetFile(file string) {
	b.file = file
}

// BeginFunction opens a function at the current offset.
func (b *Builder) BeginFunction(name string) error {
	if b.fn != nil {
		return fmt.Errorf("function %q opened inside %q", name, b.fn.Name)
	}
	b.fn = &Function{Name: name, File: b.file, StartIP: b.Offset()}
	if b.line > 0 {
		b.fn.Interval = SourceInterval{File: b.file, StartLine: b.line, StartCol: 1}
	}
	return b.Label(name)
}

// AddParam declares the next parameter of the open function.
// Offsets are assigned in EndFunction once all parameters are known.
func (b *Builder) AddParam(name string, typ VarType) error {
	if b.fn == nil {
		return fmt.Errorf("parameter %q outside a function", name)
	}
	b.fn.Params = append(b.fn.Params, Variable{Name: name, Type: typ, Size: typ.Size()})
	return nil
}

// BeginScope opens a lexical scope at the current offset.
func (b *Builder) BeginScope() {
	b.scopes = append(b.scopes, &openScope{start: b.Offset()})
}

// AddLocal declares a frame-relative local in the innermost open scope, or
// the open function when no scope is open.
func (b *Builder) AddLocal(name string, typ VarType, offset int) error {
	lv := LocalVariable{
		Variable: Variable{Name: name, Type: typ, Offset: offset, Size: typ.Size()},
	}
	if b.line > 0 {
		lv.Interval = SourceInterval{File: b.file, StartLine: b.line, StartCol: 1}
	}
	switch {
	case len(b.scopes) > 0:
		s := b.scopes[len(b.scopes)-1]
		s.locals = append(s.locals, lv)
	case b.fn != nil:
		lv.Range = IPRange{Start: b.fn.StartIP, End: -1}
		b.prog.Locals = append(b.prog.Locals, lv)
	default:
		return fmt.Errorf("local %q outside a function", name)
	}
	return nil
}

// EndScope closes the innermost scope; its locals cover the code emitted inside it.
func (b *Builder) EndScope() error {
	if len(b.scopes) == 0 {
		return fmt.Errorf("scope closed without a matching open")
	}
	s := b.scopes[len(b.scopes)-1]
	b.scopes = b.scopes[:len(b.scopes)-1]
	r := IPRange{Start: s.start, End: b.Offset() - 1}
	for _, lv := range s.locals {
		lv.Range = r
		if !lv.Interval.IsZero() {
			lv.Interval.EndLine, lv.Interval.EndCol = b.line, 1<<16
		}
		b.prog.Locals = append(b.prog.Locals, lv)
	}
	return nil
}

// EndFunction closes the open function and lays out its parameters below
// the saved return IP and BP.
func (b *Builder) EndFunction() error {
	if b.fn == nil {
		return fmt.Errorf("function closed without a matching open")
	}
	if len(b.scopes) > 0 {
		return fmt.Errorf("function %q closed with %d open scopes", b.fn.Name, len(b.scopes))
	}
	fn := b.fn
	b.fn = nil
	fn.EndIP = b.Offset() - 1

	// Frame: [p0][p1]...[pN-1][retIP:4][oldBP:4] <- BP
	offset := -FrameHeaderSize
	for i := len(fn.Params) - 1; i >= 0; i-- {
		offset -= fn.Params[i].Size
		fn.Params[i].Offset = offset
	}
	if !fn.Interval.IsZero() {
		fn.Interval.EndLine, fn.Interval.EndCol = b.line, 1<<16
	}
	for i := range b.prog.Locals {
		lv := &b.prog.Locals[i]
		if lv.Range.End == -1 && lv.Range.Start == fn.StartIP {
			lv.Range.End = fn.EndIP
			if !lv.Interval.IsZero() {
				lv.Interval.EndLine, lv.Interval.EndCol = b.line, 1<<16
			}
		}
	}
	b.prog.Functions = append(b.prog.Functions, *fn)
	return nil
}

// DeclareExternal declares a host function and returns its ECALL index.
// Declaring the same name twice returns the existing index.
func (b *Builder) DeclareExternal(name string, paramSize int) int {
	for i, e := range b.prog.Externals {
		if e.Name == name {
			return i
		}
	}
	b.prog.Externals = append(b.prog.Externals, ExternalDecl{Name: name, ParamSize: paramSize})
	return len(b.prog.Externals) - 1
}

// FrameHeaderSize is the size of the saved return IP and BP pushed by CALL.
const FrameHeaderSize = 8

// Build resolves label references and returns the finished program.
func (b *Builder) Build() (*Program, error) {
	if b.fn != nil {
		return nil, fmt.Errorf("function %q not closed", b.fn.Name)
	}
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		if f.instr < 0 {
			b.prog.Entry = target
			continue
		}
		delta := int32(target - f.instr)
		binary.LittleEndian.PutUint32(b.prog.Code[f.operand:], uint32(delta))
	}
	sort.SliceStable(b.prog.Lines, func(i, j int) bool {
		return b.prog.Lines[i].IP < b.prog.Lines[j].IP
	})
	if err := b.prog.Validate(); err != nil {
		return nil, err
	}
	return b.prog, nil
}
