package bytecode

import (
	"fmt"
	"sort"
	"strings"
)

// ImageVersion is the current program image format version.
// Increment when making incompatible changes to the format.
const ImageVersion uint16 = 1

// VarType is the declared type of a variable in the debug tables.
type VarType uint8

const (
	TypeBool VarType = iota
	TypeByte
	TypeChar
	TypeShort
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypePointer
	TypeString // pointer to a heap string
)

var varTypeNames = [...]string{
	TypeBool:    "bool",
	TypeByte:    "byte",
	TypeChar:    "char",
	TypeShort:   "short",
	TypeInt:     "int",
	TypeLong:    "long",
	TypeFloat:   "float",
	TypeDouble:  "double",
	TypePointer: "pointer",
	TypeString:  "string",
}

// String returns the source-level name of the type.
func (t VarType) String() string {
	if int(t) < len(varTypeNames) {
		return varTypeNames[t]
	}
	return fmt.Sprintf("VarType(%d)", t)
}

// Size returns the storage size of the type in bytes.
func (t VarType) Size() int {
	switch t {
	case TypeBool, TypeByte:
		return 1
	case TypeChar, TypeShort:
		return 2
	case TypeInt, TypeFloat:
		return 4
	case TypeLong, TypeDouble, TypePointer, TypeString:
		return 8
	default:
		return 0
	}
}

// ParseVarType converts a type name to a VarType.
func ParseVarType(name string) (VarType, bool) {
	for i, n := range varTypeNames {
		if n == name {
			return VarType(i), true
		}
	}
	return 0, false
}

// Variable describes a named storage location.
// Offset is a resident address for globals and BP-relative for params and locals.
type Variable struct {
	Name   string  `cbor:"name"`
	Type   VarType `cbor:"type"`
	Offset int     `cbor:"offset"`
	Size   int     `cbor:"size"`
}

// IPRange is an inclusive range of instruction addresses.
type IPRange struct {
	Start int `cbor:"start"`
	End   int `cbor:"end"`
}

// Contains reports whether o lies entirely within r.
func (r IPRange) Contains(o IPRange) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// ContainsIP reports whether ip lies within r.
func (r IPRange) ContainsIP(ip int) bool {
	return r.Start <= ip && ip <= r.End
}

func (r IPRange) String() string {
	return fmt.Sprintf("[%04X..%04X]", r.Start, r.End)
}

// SourceInterval is an inclusive span of source positions in one file.
// Lines and columns are 1-based.
type SourceInterval struct {
	File      string `cbor:"file"`
	StartLine int    `cbor:"sl"`
	StartCol  int    `cbor:"sc"`
	EndLine   int    `cbor:"el"`
	EndCol    int    `cbor:"ec"`
}

// IsZero reports whether the interval is unset.
func (s SourceInterval) IsZero() bool {
	return s == SourceInterval{}
}

// Contains reports whether o lies entirely within s.
func (s SourceInterval) Contains(o SourceInterval) bool {
	if s.File != o.File {
		return false
	}
	return !posLess(o.StartLine, o.StartCol, s.StartLine, s.StartCol) &&
		!posLess(s.EndLine, s.EndCol, o.EndLine, o.EndCol)
}

// Point returns a zero-width interval at a single position.
func Point(file string, line, col int) SourceInterval {
	return SourceInterval{File: file, StartLine: line, StartCol: col, EndLine: line, EndCol: col}
}

func posLess(l1, c1, l2, c2 int) bool {
	return l1 < l2 || (l1 == l2 && c1 < c2)
}

// LineRecord associates a source line with the first instruction generated for it.
type LineRecord struct {
	File string `cbor:"file"`
	Line int    `cbor:"line"`
	IP   int    `cbor:"ip"`
}

// Function describes a bytecode function.
type Function struct {
	Name     string         `cbor:"name"`
	File     string         `cbor:"file"`
	StartIP  int            `cbor:"start"`
	EndIP    int            `cbor:"end"`
	Params   []Variable     `cbor:"params"`
	Interval SourceInterval `cbor:"interval"`
}

// ParamSize returns the number of argument bytes the function expects.
func (f *Function) ParamSize() int {
	n := 0
	for _, p := range f.Params {
		n += p.Size
	}
	return n
}

// LocalVariable is a local declared in a lexical scope.
type LocalVariable struct {
	Variable `cbor:"var"`
	Range    IPRange        `cbor:"range"`
	Interval SourceInterval `cbor:"interval"`
}

// ExternalDecl declares a host function callable through ECALL.
type ExternalDecl struct {
	Name      string `cbor:"name"`
	ParamSize int    `cbor:"params"`
}

// Program is the unit a compiler hands to the VM: code, the constant data
// segment, and the debug tables describing both.
type Program struct {
	Version uint16 `cbor:"version"`
	Name    string `cbor:"name"`

	Code  []byte `cbor:"code"`
	Entry int    `cbor:"entry"`

	// Data is copied to the bottom of the stack. It holds constants and
	// zero-initialized globals; DataSize is where the first frame starts.
	Data     []byte `cbor:"data"`
	DataSize int    `cbor:"data_size"`

	Lines     []LineRecord    `cbor:"lines"`
	Globals   []Variable      `cbor:"globals"`
	Functions []Function      `cbor:"functions"`
	Locals    []LocalVariable `cbor:"locals"`
	Externals []ExternalDecl  `cbor:"externals"`
}

// Validate checks the structural invariants a loaded program must satisfy.
func (p *Program) Validate() error {
	if p.Entry < 0 || (len(p.Code) > 0 && p.Entry >= len(p.Code)) {
		return fmt.Errorf("entry point %d outside code (%d bytes)", p.Entry, len(p.Code))
	}
	if p.DataSize < len(p.Data) {
		return fmt.Errorf("data size %d smaller than data blob (%d bytes)", p.DataSize, len(p.Data))
	}
	for _, l := range p.Lines {
		if l.IP < 0 || l.IP >= len(p.Code) {
			return fmt.Errorf("line record %s:%d points outside code (ip %d)", l.File, l.Line, l.IP)
		}
	}
	for _, f := range p.Functions {
		if f.StartIP > f.EndIP {
			return fmt.Errorf("function %s has inverted range %d..%d", f.Name, f.StartIP, f.EndIP)
		}
	}
	for _, e := range p.Externals {
		if e.ParamSize < 0 {
			return fmt.Errorf("external %s has negative parameter size %d", e.Name, e.ParamSize)
		}
	}
	return nil
}

// Files returns the distinct source files named by the line records, sorted.
func (p *Program) Files() []string {
	seen := make(map[string]bool)
	var files []string
	for _, l := range p.Lines {
		if !seen[l.File] {
			seen[l.File] = true
			files = append(files, l.File)
		}
	}
	sort.Strings(files)
	return files
}

// Summary returns a one-line description for logs.
func (p *Program) Summary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d code bytes, %d data bytes", p.Name, len(p.Code), p.DataSize)
	fmt.Fprintf(&sb, ", %d functions, %d lines", len(p.Functions), len(p.Lines))
	if len(p.Externals) > 0 {
		fmt.Fprintf(&sb, ", %d externals", len(p.Externals))
	}
	return sb.String()
}
