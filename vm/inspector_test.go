package vm

import (
	"strings"
	"testing"

	"github.com/chazu/svm/pkg/bytecode"
)

// varsSource keeps an int and a heap string in main's frame.
//
//	0000 ADDSP 12   0005 LC32 7   000A SL32 0   000F LC32 @s
//	0014 NEWSTR     0015 SLPTR 4  001A HALT
const varsSource = `
.file vars.c
.global g long
.string s "hi"
.entry main
.func main
.line 1
	ADDSP 12
.scope
.local n int 0
.local p string 4
.line 2
	LC32 7
	SL32 0
	LC32 @s
	NEWSTR
	SLPTR 4
.line 3
	HALT
.endscope
.endfunc
`

// stopAt runs src with a breakpoint at ip and calls inspect while paused.
func stopAt(t *testing.T, src string, ip int, inspect func(v *VM)) {
	t.Helper()
	var v *VM
	called := false
	v, _ = newTestVM(t, src, Events{
		OnBreakpoint: func(Breakpoint) {
			called = true
			inspect(v)
			v.Resume()
		},
	})
	if _, err := v.AddBreakpoint(ip, true, true); err != nil {
		t.Fatalf("AddBreakpoint: %v", err)
	}
	if err := run(v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !called {
		t.Fatal("breakpoint never hit")
	}
}

func variablesByName(t *testing.T, v *VM) map[string]VariableValue {
	t.Helper()
	out := make(map[string]VariableValue)
	vars, err := v.Variables()
	if err != nil {
		t.Fatalf("Variables: %v", err)
	}
	for _, vv := range vars {
		out[vv.Name] = vv
	}
	return out
}

func TestCallStackInsideCallee(t *testing.T) {
	stopAt(t, twiceSource, 10, func(v *VM) {
		frames, err := v.CallStack()
		if err != nil {
			t.Fatalf("CallStack: %v", err)
		}
		if len(frames) != 2 {
			t.Fatalf("frames = %v, want 2", frames)
		}
		if f := frames[0]; f.Function != "twice" || f.IP != 10 || f.Line != 2 || f.File != "twice.c" {
			t.Errorf("inner frame = %+v", f)
		}
		if f := frames[1]; f.Function != "main" || f.IP != 31 || f.Line != 6 {
			t.Errorf("caller frame = %+v", f)
		}
		if !strings.Contains(frames[0].String(), "twice at twice.c:2") {
			t.Errorf("frame string = %q", frames[0].String())
		}
	})
}

func TestVariablesInsideCallee(t *testing.T) {
	stopAt(t, twiceSource, 10, func(v *VM) {
		vars := variablesByName(t, v)
		x, ok := vars["x"]
		if !ok || x.Kind != VarParam || x.Value != "21" || x.Err != nil {
			t.Errorf("x = %+v", x)
		}
		if regs, _ := v.Registers(); x.Address != v.ResidentToHost(regs.BP-12) {
			t.Errorf("x address = 0x%X", x.Address)
		}
		r, ok := vars["r"]
		if !ok || r.Kind != VarGlobal || r.Value != "0" {
			t.Errorf("r = %+v", r)
		}
	})
}

func TestVariablesInScope(t *testing.T) {
	stopAt(t, varsSource, 0x1A, func(v *VM) {
		vars := variablesByName(t, v)
		if n := vars["n"]; n.Kind != VarLocal || n.Value != "7" {
			t.Errorf("n = %+v", n)
		}
		if p := vars["p"]; p.Type != bytecode.TypeString || p.Value != `"hi"` {
			t.Errorf("p = %+v", p)
		}
		if g := vars["g"]; g.Type != bytecode.TypeLong || g.Value != "0" {
			t.Errorf("g = %+v", g)
		}

		res := NewInspector(v).Inspect(vars["p"])
		if !res.Heap || res.RefCount != 1 || res.Size != 6 {
			t.Errorf("inspection = %+v", res)
		}
		if !strings.Contains(res.String(), "refs 1") {
			t.Errorf("inspection string = %q", res.String())
		}
	})
}

func TestLocalsOutOfScope(t *testing.T) {
	stopAt(t, varsSource, 0, func(v *VM) {
		vars := variablesByName(t, v)
		if _, ok := vars["n"]; ok {
			t.Error("n visible before its scope opens")
		}
		if _, ok := vars["g"]; !ok {
			t.Error("global g not visible")
		}
	})
}

func TestInspectArray(t *testing.T) {
	v, _ := newTestVM(t, "HALT", Events{})
	p := v.NewObject(3 * 4)
	if err := v.WriteInt32(p+4, 5); err != nil {
		t.Fatal(err)
	}
	res := NewInspector(v).InspectArray(p, bytecode.TypeInt)
	if res.Value != "int[3]" || len(res.Elements) != 3 {
		t.Fatalf("array = %+v", res)
	}
	if res.Elements[1].Value != "5" || res.Elements[0].Value != "0" {
		t.Errorf("elements = %q %q", res.Elements[0].Value, res.Elements[1].Value)
	}

	big := v.NewObject(50)
	if res := NewInspector(v).InspectArray(big, bytecode.TypeByte); len(res.Elements) != MaxElementPreview {
		t.Errorf("preview has %d elements, want %d", len(res.Elements), MaxElementPreview)
	}
}

func TestInspectDanglingPointer(t *testing.T) {
	v, _ := newTestVM(t, "HALT", Events{})
	p := v.NewObject(4)
	if _, err := v.ObjectRelease(p); err != nil {
		t.Fatal(err)
	}
	res := NewInspector(v).InspectArray(p, bytecode.TypeInt)
	if res.Heap || !strings.Contains(res.Value, "dangling") {
		t.Errorf("dangling inspection = %+v", res)
	}
}

func TestFormatValue(t *testing.T) {
	v := New()
	tests := []struct {
		typ  bytecode.VarType
		raw  []byte
		want string
	}{
		{bytecode.TypeBool, []byte{1}, "true"},
		{bytecode.TypeByte, []byte{0xFF}, "255"},
		{bytecode.TypeChar, []byte{'A', 0}, "'A'"},
		{bytecode.TypeShort, []byte{0xFE, 0xFF}, "-2"},
		{bytecode.TypeInt, []byte{0xFF, 0xFF, 0xFF, 0xFF}, "-1"},
		{bytecode.TypePointer, make([]byte, 8), "null"},
		{bytecode.TypeString, make([]byte, 8), `""`},
	}
	for _, tt := range tests {
		if got := v.formatValue(tt.typ, tt.raw); got != tt.want {
			t.Errorf("formatValue(%s, % X) = %q, want %q", tt.typ, tt.raw, got, tt.want)
		}
	}
}

func TestReadStackAccessors(t *testing.T) {
	v, _ := newTestVM(t, "HALT", Events{})
	if err := v.WriteFloat64(v.ResidentToHost(8), 1.25); err != nil {
		t.Fatal(err)
	}
	if f, _ := v.ReadStackFloat64(8); f != 1.25 {
		t.Errorf("ReadStackFloat64 = %g", f)
	}
	if err := v.WritePtr(v.ResidentToHost(16), 0xABCD); err != nil {
		t.Fatal(err)
	}
	if p, _ := v.ReadStackPtr(16); p != 0xABCD {
		t.Errorf("ReadStackPtr = 0x%X", p)
	}
	b, err := v.ReadStackBytes(16, 2)
	if err != nil || b[0] != 0xCD || b[1] != 0xAB {
		t.Errorf("ReadStackBytes = % X, %v", b, err)
	}
}
