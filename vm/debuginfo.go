package vm

import (
	"sort"

	"github.com/chazu/svm/pkg/bytecode"
)

// VariableKind says how a declared variable is addressed.
type VariableKind int

const (
	VarGlobal VariableKind = iota // Offset is a resident address
	VarParam                      // Offset is relative to BP
	VarLocal                      // Offset is relative to BP
)

func (k VariableKind) String() string {
	switch k {
	case VarGlobal:
		return "global"
	case VarParam:
		return "param"
	default:
		return "local"
	}
}

// DeclaredVariable is a variable visible at some instruction.
type DeclaredVariable struct {
	bytecode.Variable
	Kind VariableKind
}

type fileLine struct {
	file string
	line int
}

// DebugInfo holds the lookup tables built from a program's debug records.
type DebugInfo struct {
	lineToIP  map[fileLine]int
	ipToLine  map[int]bytecode.LineRecord
	lines     []bytecode.LineRecord // sorted by IP
	functions []bytecode.Function   // sorted by StartIP
	globals   []bytecode.Variable

	locals  ScopeTree[bytecode.IPRange, bytecode.LocalVariable]
	sources ScopeTree[bytecode.SourceInterval, bytecode.LocalVariable]
}

// NewDebugInfo indexes the debug records of p.
func NewDebugInfo(p *bytecode.Program) *DebugInfo {
	d := &DebugInfo{
		lineToIP: make(map[fileLine]int, len(p.Lines)),
		ipToLine: make(map[int]bytecode.LineRecord, len(p.Lines)),
		globals:  p.Globals,
	}

	d.lines = append([]bytecode.LineRecord(nil), p.Lines...)
	sort.SliceStable(d.lines, func(i, j int) bool { return d.lines[i].IP < d.lines[j].IP })
	for _, l := range d.lines {
		key := fileLine{l.File, l.Line}
		if ip, ok := d.lineToIP[key]; !ok || l.IP < ip {
			d.lineToIP[key] = l.IP
		}
		if _, ok := d.ipToLine[l.IP]; !ok {
			d.ipToLine[l.IP] = l
		}
	}

	d.functions = append([]bytecode.Function(nil), p.Functions...)
	sort.SliceStable(d.functions, func(i, j int) bool {
		return d.functions[i].StartIP < d.functions[j].StartIP
	})

	for _, lv := range p.Locals {
		d.locals.Insert(lv.Range, lv)
		if !lv.Interval.IsZero() {
			d.sources.Insert(lv.Interval, lv)
		}
	}
	return d
}

// GetIPFromLine returns the first instruction generated for file:line.
func (d *DebugInfo) GetIPFromLine(file string, line int) (int, bool) {
	ip, ok := d.lineToIP[fileLine{file, line}]
	return ip, ok
}

// GetLineFromIP returns the line record for ip. When exact is false and ip
// has no record of its own, the nearest record at a lower IP is returned.
func (d *DebugInfo) GetLineFromIP(ip int, exact bool) (bytecode.LineRecord, bool) {
	if l, ok := d.ipToLine[ip]; ok {
		return l, true
	}
	if exact {
		return bytecode.LineRecord{}, false
	}
	i := sort.Search(len(d.lines), func(i int) bool { return d.lines[i].IP > ip })
	if i == 0 {
		return bytecode.LineRecord{}, false
	}
	return d.lines[i-1], true
}

// HasLine reports whether ip starts a source line.
func (d *DebugInfo) HasLine(ip int) bool {
	_, ok := d.ipToLine[ip]
	return ok
}

// GetFunctionAtIP returns the function whose range contains ip, falling
// back to the nearest function starting below ip.
func (d *DebugInfo) GetFunctionAtIP(ip int) (*bytecode.Function, bool) {
	i := sort.Search(len(d.functions), func(i int) bool { return d.functions[i].StartIP > ip })
	if i == 0 {
		return nil, false
	}
	return &d.functions[i-1], true
}

// FunctionByName looks up a function by name.
func (d *DebugInfo) FunctionByName(name string) (*bytecode.Function, bool) {
	for i := range d.functions {
		if d.functions[i].Name == name {
			return &d.functions[i], true
		}
	}
	return nil, false
}

// Functions returns the functions sorted by start address.
func (d *DebugInfo) Functions() []bytecode.Function {
	return d.functions
}

// Lines returns the line records sorted by IP.
func (d *DebugInfo) Lines() []bytecode.LineRecord {
	return d.lines
}

// FetchDeclaredVariablesAtIP returns every variable visible at ip: all
// globals, the parameters of the enclosing function, and the locals of
// every scope containing ip, outermost first.
func (d *DebugInfo) FetchDeclaredVariablesAtIP(ip int) []DeclaredVariable {
	vars := make([]DeclaredVariable, 0, len(d.globals))
	for _, g := range d.globals {
		vars = append(vars, DeclaredVariable{Variable: g, Kind: VarGlobal})
	}
	if fn, ok := d.GetFunctionAtIP(ip); ok && ip <= fn.EndIP {
		for _, p := range fn.Params {
			vars = append(vars, DeclaredVariable{Variable: p, Kind: VarParam})
		}
	}
	for _, lv := range d.locals.Collect(func(r bytecode.IPRange) bool { return r.ContainsIP(ip) }) {
		vars = append(vars, DeclaredVariable{Variable: lv.Variable, Kind: VarLocal})
	}
	return vars
}

// VariablesAtPosition returns the locals whose declaring source interval
// contains file:line:col.
func (d *DebugInfo) VariablesAtPosition(file string, line, col int) []bytecode.LocalVariable {
	pt := bytecode.Point(file, line, col)
	return d.sources.Collect(func(s bytecode.SourceInterval) bool { return s.Contains(pt) })
}
