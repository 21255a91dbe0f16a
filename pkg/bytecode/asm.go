package bytecode

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AsmError reports a problem at a specific line of assembly source.
type AsmError struct {
	File string
	Line int
	Msg  string
}

func (e *AsmError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// Assemble translates assembly text into a Program.
//
// Each line holds at most one label, directive, or instruction; ';' starts a
// comment. Labels end in ':'. Directives:
//
//	.file NAME                 source file for later .line records
//	.line N                    code that follows belongs to source line N
//	.entry LABEL               program entry point (default: offset 0)
//	.string NAME "text"        UTF-16 string constant in the data segment
//	.global NAME TYPE          zeroed global
//	.extern NAME ARGBYTES      host function callable with ECALL NAME
//	.func NAME                 open a function (also defines label NAME)
//	.param NAME TYPE           next function parameter
//	.local NAME TYPE OFFSET    BP-relative local in the current scope
//	.scope / .endscope         open/close a lexical scope
//	.endfunc                   close the function
//
// Jump and CALL operands may name a label. '@NAME' refers to the resident
// address of a .string or .global, which must be defined earlier.
// LC32 and LC64 accept floating-point literals.
func Assemble(name, text string) (*Program, error) {
	a := &assembler{b: NewBuilder(name), name: name, file: name}
	a.b.SetFile(name)
	for i, raw := range strings.Split(text, "\n") {
		a.lineno = i + 1
		if err := a.line(raw); err != nil {
			return nil, err
		}
	}
	if a.entry != "" {
		a.b.SetEntryLabel(a.entry)
	}
	p, err := a.b.Build()
	if err != nil {
		return nil, &AsmError{File: name, Line: a.lineno, Msg: err.Error()}
	}
	return p, nil
}

type assembler struct {
	b      *Builder
	name   string
	file   string
	lineno int
	entry  string
}

func (a *assembler) errorf(format string, args ...any) error {
	return &AsmError{File: a.name, Line: a.lineno, Msg: fmt.Sprintf(format, args...)}
}

func (a *assembler) line(raw string) error {
	s := strings.TrimSpace(stripComment(raw))
	if s == "" {
		return nil
	}

	if label, rest, ok := strings.Cut(s, ":"); ok && isIdent(label) && !strings.HasPrefix(rest, ":") {
		if err := a.b.Label(label); err != nil {
			return a.errorf("%v", err)
		}
		s = strings.TrimSpace(rest)
		if s == "" {
			return nil
		}
	}

	if strings.HasPrefix(s, ".") {
		return a.directive(s)
	}
	return a.instruction(s)
}

func (a *assembler) directive(s string) error {
	dir, rest, _ := strings.Cut(s, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch dir {
	case ".file":
		if len(args) != 1 {
			return a.errorf(".file takes a file name")
		}
		a.file = args[0]
		a.b.SetFile(a.file)
	case ".line":
		if len(args) != 1 {
			return a.errorf(".line takes a line number")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return a.errorf("bad line number %q", args[0])
		}
		a.b.MarkLine(a.file, n)
	case ".entry":
		if len(args) != 1 {
			return a.errorf(".entry takes a label")
		}
		a.entry = args[0]
	case ".string":
		sym, lit, _ := strings.Cut(rest, " ")
		if !isIdent(sym) {
			return a.errorf("bad string name %q", sym)
		}
		str, err := strconv.Unquote(strings.TrimSpace(lit))
		if err != nil {
			return a.errorf("bad string literal %s", lit)
		}
		if err := a.b.DefineSymbol(sym, a.b.AddString(str)); err != nil {
			return a.errorf("%v", err)
		}
	case ".global":
		if len(args) != 2 {
			return a.errorf(".global takes a name and a type")
		}
		typ, ok := ParseVarType(args[1])
		if !ok {
			return a.errorf("unknown type %q", args[1])
		}
		if _, dup := a.b.Symbol(args[0]); dup {
			return a.errorf("symbol %q already defined", args[0])
		}
		a.b.AddGlobal(args[0], typ)
	case ".extern":
		if len(args) != 2 {
			return a.errorf(".extern takes a name and an argument size")
		}
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			return a.errorf("bad argument size %q", args[1])
		}
		a.b.DeclareExternal(args[0], n)
	case ".func":
		if len(args) != 1 {
			return a.errorf(".func takes a name")
		}
		if err := a.b.BeginFunction(args[0]); err != nil {
			return a.errorf("%v", err)
		}
	case ".param":
		if len(args) != 2 {
			return a.errorf(".param takes a name and a type")
		}
		typ, ok := ParseVarType(args[1])
		if !ok {
			return a.errorf("unknown type %q", args[1])
		}
		if err := a.b.AddParam(args[0], typ); err != nil {
			return a.errorf("%v", err)
		}
	case ".local":
		if len(args) != 3 {
			return a.errorf(".local takes a name, a type, and a frame offset")
		}
		typ, ok := ParseVarType(args[1])
		if !ok {
			return a.errorf("unknown type %q", args[1])
		}
		off, err := strconv.Atoi(args[2])
		if err != nil {
			return a.errorf("bad frame offset %q", args[2])
		}
		if err := a.b.AddLocal(args[0], typ, off); err != nil {
			return a.errorf("%v", err)
		}
	case ".scope":
		a.b.BeginScope()
	case ".endscope":
		if err := a.b.EndScope(); err != nil {
			return a.errorf("%v", err)
		}
	case ".endfunc":
		if err := a.b.EndFunction(); err != nil {
			return a.errorf("%v", err)
		}
	default:
		return a.errorf("unknown directive %s", dir)
	}
	return nil
}

func (a *assembler) instruction(s string) error {
	fields := strings.Fields(s)
	mnemonic := strings.ToUpper(fields[0])
	op, ok := LookupOpcode(mnemonic)
	if !ok || op == OpBreak {
		return a.errorf("unknown instruction %s", fields[0])
	}
	kind := GetOpcodeInfo(op).Operand

	if kind == OperandNone {
		if len(fields) != 1 {
			return a.errorf("%s takes no operand", mnemonic)
		}
		a.b.Emit(op)
		return nil
	}
	if len(fields) != 2 {
		return a.errorf("%s takes one operand", mnemonic)
	}
	arg := fields[1]

	switch {
	case strings.HasPrefix(arg, "@"):
		addr, ok := a.b.Symbol(arg[1:])
		if !ok {
			return a.errorf("undefined symbol %s", arg)
		}
		_, err := a.b.EmitOperand(op, int64(addr))
		if err != nil {
			return a.errorf("%v", err)
		}
		return nil
	case (op.IsJump() || op == OpCall) && isIdent(arg):
		a.b.EmitJump(op, arg)
		return nil
	case op == OpECall && isIdent(arg):
		for i, e := range a.b.prog.Externals {
			if e.Name == arg {
				a.b.EmitI32(op, int32(i))
				return nil
			}
		}
		return a.errorf("undeclared external %s", arg)
	case op == OpLC32 && isFloatLiteral(arg):
		f, err := strconv.ParseFloat(arg, 32)
		if err != nil {
			return a.errorf("bad float %q", arg)
		}
		a.b.EmitF32(float32(f))
		return nil
	case op == OpLC64 && isFloatLiteral(arg):
		f, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return a.errorf("bad float %q", arg)
		}
		a.b.EmitF64(f)
		return nil
	}

	v, err := parseInt(arg)
	if err != nil {
		return a.errorf("bad operand %q for %s", arg, mnemonic)
	}
	if _, err := a.b.EmitOperand(op, v); err != nil {
		return a.errorf("%v", err)
	}
	return nil
}

func parseInt(s string) (int64, error) {
	if len(s) == 3 && s[0] == '\'' && s[2] == '\'' {
		return int64(s[1]), nil
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err == nil {
		return v, nil
	}
	// Accept unsigned 64-bit literals such as host addresses.
	u, uerr := strconv.ParseUint(s, 0, 64)
	if uerr != nil {
		return 0, err
	}
	return int64(u), nil
}

func isFloatLiteral(s string) bool {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return false
	}
	if strings.ContainsAny(s, ".eE") {
		return true
	}
	switch strings.ToLower(strings.TrimLeft(s, "+-")) {
	case "inf", "nan":
		return true
	}
	return false
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '.' && i > 0:
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// stripComment removes a trailing ';' comment, ignoring ';' inside quotes.
func stripComment(s string) string {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case ';':
			if !inQuote {
				return s[:i]
			}
		}
	}
	return s
}

// Float32Bits returns the LC32 operand that pushes f.
func Float32Bits(f float32) int32 { return int32(math.Float32bits(f)) }

// Float64Bits returns the LC64 operand that pushes f.
func Float64Bits(f float64) int64 { return int64(math.Float64bits(f)) }
