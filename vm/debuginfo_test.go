package vm

import (
	"testing"

	"github.com/chazu/svm/pkg/bytecode"
)

func TestDebugInfoLines(t *testing.T) {
	info := NewDebugInfo(assemble(t, twiceSource))

	for _, tt := range []struct {
		line, ip int
	}{{2, 0}, {3, 16}, {6, 21}, {7, 31}, {8, 37}} {
		ip, ok := info.GetIPFromLine("twice.c", tt.line)
		if !ok || ip != tt.ip {
			t.Errorf("GetIPFromLine(%d) = %d, %v; want %d", tt.line, ip, ok, tt.ip)
		}
	}
	if _, ok := info.GetIPFromLine("twice.c", 4); ok {
		t.Error("line 4 has no code")
	}

	if _, ok := info.GetLineFromIP(10, true); ok {
		t.Error("exact lookup of 000A succeeded")
	}
	if l, ok := info.GetLineFromIP(10, false); !ok || l.Line != 2 {
		t.Errorf("nearest line for 000A = %+v, %v", l, ok)
	}
	if !info.HasLine(21) || info.HasLine(26) {
		t.Error("HasLine wrong")
	}
}

func TestDebugInfoFunctions(t *testing.T) {
	info := NewDebugInfo(assemble(t, twiceSource))
	if fn, ok := info.GetFunctionAtIP(16); !ok || fn.Name != "twice" {
		t.Errorf("function at 0010 = %v", fn)
	}
	if fn, ok := info.GetFunctionAtIP(37); !ok || fn.Name != "main" {
		t.Errorf("function at 0025 = %v", fn)
	}
	fn, ok := info.FunctionByName("twice")
	if !ok || fn.StartIP != 0 || fn.EndIP != 20 || fn.ParamSize() != 4 {
		t.Errorf("twice = %+v", fn)
	}
	if _, ok := info.FunctionByName("nope"); ok {
		t.Error("found missing function")
	}
}

func TestDebugInfoFirstRecordWins(t *testing.T) {
	// A line split by a jump back keeps its first address.
	info := NewDebugInfo(&bytecode.Program{
		Code: make([]byte, 20),
		Lines: []bytecode.LineRecord{
			{File: "a", Line: 1, IP: 0},
			{File: "a", Line: 2, IP: 5},
			{File: "a", Line: 1, IP: 10},
		},
	})
	if ip, _ := info.GetIPFromLine("a", 1); ip != 0 {
		t.Errorf("line 1 -> %d, want 0", ip)
	}
	if l, _ := info.GetLineFromIP(12, false); l.Line != 1 {
		t.Errorf("line for 000C = %d, want 1", l.Line)
	}
}

func TestDeclaredVariablesAndPositions(t *testing.T) {
	info := NewDebugInfo(assemble(t, varsSource))

	kinds := func(ip int) map[string]VariableKind {
		out := make(map[string]VariableKind)
		for _, dv := range info.FetchDeclaredVariablesAtIP(ip) {
			out[dv.Name] = dv.Kind
		}
		return out
	}
	if got := kinds(0); len(got) != 1 || got["g"] != VarGlobal {
		t.Errorf("at 0000 = %v", got)
	}
	got := kinds(0x1A)
	if got["n"] != VarLocal || got["p"] != VarLocal || len(got) != 3 {
		t.Errorf("at 001A = %v", got)
	}

	names := map[string]bool{}
	for _, lv := range info.VariablesAtPosition("vars.c", 2, 3) {
		names[lv.Name] = true
	}
	if !names["n"] || !names["p"] {
		t.Errorf("variables at vars.c:2:3 = %v", names)
	}
	if vs := info.VariablesAtPosition("vars.c", 4, 1); len(vs) != 0 {
		t.Errorf("variables after scope = %v", vs)
	}
}

func TestVariableKindString(t *testing.T) {
	if VarGlobal.String() != "global" || VarParam.String() != "param" || VarLocal.String() != "local" {
		t.Error("VariableKind strings")
	}
}

func TestDeclaredVariablesRangeEdges(t *testing.T) {
	// f spans [0005..0030]; x is live over [0010..0020].
	info := NewDebugInfo(&bytecode.Program{
		Code: make([]byte, 64),
		Functions: []bytecode.Function{{
			Name: "f", StartIP: 5, EndIP: 30,
			Params: []bytecode.Variable{{Name: "a", Type: bytecode.TypeInt, Offset: -16, Size: 4}},
		}},
		Locals: []bytecode.LocalVariable{{
			Variable: bytecode.Variable{Name: "x", Type: bytecode.TypeInt, Offset: 0, Size: 4},
			Range:    bytecode.IPRange{Start: 10, End: 20},
		}},
	})

	for _, tt := range []struct {
		ip           int
		param, local bool
	}{
		{4, false, false},
		{5, true, false},
		{9, true, false},
		{10, true, true},
		{20, true, true},
		{21, true, false},
		{30, true, false},
		{31, false, false},
	} {
		var param, local bool
		for _, dv := range info.FetchDeclaredVariablesAtIP(tt.ip) {
			switch dv.Name {
			case "a":
				param = dv.Kind == VarParam
			case "x":
				local = dv.Kind == VarLocal
			}
		}
		if param != tt.param || local != tt.local {
			t.Errorf("at %04X: param %v local %v, want %v %v", tt.ip, param, local, tt.param, tt.local)
		}
	}
}
