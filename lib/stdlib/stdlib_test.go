package stdlib

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chazu/svm/pkg/bytecode"
	"github.com/chazu/svm/vm"
)

func load(t *testing.T, src string, lib *Library) (*vm.VM, *strings.Builder) {
	t.Helper()
	p, err := bytecode.Assemble("stdlib.s", src)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	out := new(strings.Builder)
	v := vm.New(vm.WithOutput(out))
	if err := v.Initialize(p, 4096); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := lib.Bind(v); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return v, out
}

func TestStandardExternals(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"abs", ".extern abs 4\nLC32 -5\nECALL abs\nPRINT32", "5"},
		{"sqrt", ".extern sqrt 8\nLC64 2.25\nECALL sqrt\nFPRINT64", "1.5"},
		{"pow", ".extern pow 16\nLC64 2.0\nLC64 10.0\nECALL pow\nFPRINT64", "1024"},
		{"random bound 1", ".extern random 4\nLC32 1\nECALL random\nPRINT32", "0"},
		{"strupper", ".extern strupper 8\n.string s \"abc\"\nLC32 @s\nNEWSTR\nECALL strupper\nPRINTSTR", "ABC"},
		{"sleep zero", ".extern sleep 4\nLC32 0\nECALL sleep\nLC32 1\nPRINT32", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, out := load(t, tt.src+"\nHALT\n", New(WithSeed(1)))
			if err := v.Run(context.Background(), vm.StepRun, false, -1); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if out.String() != tt.want {
				t.Errorf("output = %q, want %q", out.String(), tt.want)
			}
		})
	}
}

func TestClock(t *testing.T) {
	now := time.Unix(1000, 0)
	lib := New(WithClock(func() time.Time { return now }))
	now = now.Add(1500 * time.Millisecond)

	v, out := load(t, ".extern clock 0\nECALL clock\nPRINT64\nHALT\n", lib)
	if err := v.Run(context.Background(), vm.StepRun, false, -1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "1500" {
		t.Errorf("clock = %q, want 1500", out.String())
	}
}

func TestRandomDeterministicWithSeed(t *testing.T) {
	src := ".extern random 4\nLC32 1000\nECALL random\nPRINT32\nLC32 1000\nECALL random\nPRINT32\nHALT\n"
	a, outA := load(t, src, New(WithSeed(42)))
	b, outB := load(t, src, New(WithSeed(42)))
	for _, v := range []*vm.VM{a, b} {
		if err := v.Run(context.Background(), vm.StepRun, false, -1); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if outA.String() != outB.String() {
		t.Errorf("seeded runs differ: %q vs %q", outA.String(), outB.String())
	}
}

func TestRandomRejectsBadBound(t *testing.T) {
	v, _ := load(t, ".extern random 4\nLC32 0\nECALL random\nHALT\n", New())
	err := v.Run(context.Background(), vm.StepRun, false, -1)
	var re *vm.RuntimeError
	if !errors.As(err, &re) || re.Op != bytecode.OpECall {
		t.Errorf("Run error = %v, want a runtime error at ECALL", err)
	}
}

func TestSleepIsCancellable(t *testing.T) {
	v, _ := load(t, ".extern sleep 4\nLC32 60000\nECALL sleep\nHALT\n", New())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := v.Run(ctx, vm.StepRun, false, -1)
	if !errors.Is(err, vm.ErrCancelled) {
		t.Fatalf("Run error = %v, want ErrCancelled", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("sleep ignored cancellation")
	}
}

func TestBindChecksSignature(t *testing.T) {
	p, err := bytecode.Assemble("bad.s", ".extern sqrt 4\nHALT\n")
	if err != nil {
		t.Fatal(err)
	}
	v := vm.New()
	if err := v.Initialize(p, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := BindAll(v); err == nil {
		t.Error("BindAll accepted a mismatched declaration")
	}
}

func TestBindSkipsForeignExternals(t *testing.T) {
	p, err := bytecode.Assemble("mixed.s", ".extern abs 4\n.extern hostonly 0\nHALT\n")
	if err != nil {
		t.Fatal(err)
	}
	v := vm.New()
	if err := v.Initialize(p, 0); err != nil {
		t.Fatal(err)
	}
	n, err := BindAll(v)
	if err != nil || n != 1 {
		t.Fatalf("BindAll = %d, %v; want 1", n, err)
	}
	for _, ext := range v.Externals() {
		if bound := ext.Handler != nil; bound != (ext.Name == "abs") {
			t.Errorf("%s bound = %v", ext.Name, bound)
		}
	}
}

func TestLookup(t *testing.T) {
	if f, ok := Lookup("pow"); !ok || f.ParamSize != 16 {
		t.Errorf("Lookup(pow) = %+v, %v", f, ok)
	}
	if _, ok := Lookup("printf"); ok {
		t.Error("Lookup found printf")
	}
	if len(Functions()) != 7 {
		t.Errorf("%d functions", len(Functions()))
	}
}
