package vm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/chazu/svm/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func assemble(t *testing.T, src string) *bytecode.Program {
	t.Helper()
	p, err := bytecode.Assemble("test.s", src)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return p
}

// newTestVM loads src into a VM whose console output is captured.
func newTestVM(t *testing.T, src string, events Events, opts ...Option) (*VM, *strings.Builder) {
	t.Helper()
	out := new(strings.Builder)
	opts = append([]Option{WithEvents(events), WithOutput(out)}, opts...)
	v := New(opts...)
	if err := v.Initialize(assemble(t, src), 4096); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return v, out
}

func run(v *VM) error {
	return v.Run(context.Background(), StepRun, false, -1)
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

func TestRunAddPrints(t *testing.T) {
	v, out := newTestVM(t, `
	LC32 5
	LC32 3
	ADD
	PRINT32
	HALT
`, Events{})
	if err := run(v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "8" {
		t.Errorf("output = %q, want %q", out.String(), "8")
	}
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"sub", "LC32 3\nLC32 5\nSUB\nPRINT32", "-2"},
		{"mul", "LC32 6\nLC32 7\nMUL\nPRINT32", "42"},
		{"div truncates", "LC32 -7\nLC32 2\nDIV\nPRINT32", "-3"},
		{"mod", "LC32 7\nLC32 3\nMOD\nPRINT32", "1"},
		{"overflow wraps", "LC32 2147483647\nLC32 1\nADD\nPRINT32", "-2147483648"},
		{"shift masked", "LC32 1\nLC32 33\nSHL\nPRINT32", "2"},
		{"shr arithmetic", "LC32 -8\nLC32 1\nSHR\nPRINT32", "-4"},
		{"ushr logical", "LC32 -1\nLC32 28\nUSHR\nPRINT32", "15"},
		{"not", "LC32 0\nNOT\nPRINT32", "-1"},
		{"add64", "LC64 4000000000\nLC64 1\nADD64\nPRINT64", "4000000001"},
		{"widen", "LC32 -1\nI32I64\nPRINT64", "-1"},
		{"narrow", "LC64 4294967297\nI64I32\nPRINT32", "1"},
		{"fadd", "LC32 1.5\nLC32 2.25\nFADD\nFPRINT", "3.75"},
		{"fmod", "LC64 7.5\nLC64 2.0\nFMOD64\nFPRINT64", "1.5"},
		{"f2i truncates", "LC64 -2.75\nF64I32\nPRINT32", "-2"},
		{"i32b", "LC32 511\nI32B\nPRINT32", "255"},
		{"i32s", "LC32 65535\nI32S\nPRINT32", "-1"},
		{"i32c", "LC32 -1\nI32C\nPRINT32", "65535"},
		{"cmpg", "LC32 3\nLC32 2\nCMPG\nPRINTB", "true"},
		{"cmple64", "LC64 3\nLC64 2\nCMPLE64\nPRINTB", "false"},
		{"fcmpe", "LC32 0.5\nLC32 0.5\nFCMPE\nPRINTB", "true"},
		{"printc", "LC32 'A'\nPRINTC", "A"},
		{"dupn", "LC32 4\nDUPN 2\nADD\nADD\nPRINT32", "12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, out := newTestVM(t, tt.src+"\nHALT\n", Events{})
			if err := run(v); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if out.String() != tt.want {
				t.Errorf("output = %q, want %q", out.String(), tt.want)
			}
		})
	}
}

func TestLoopWithGlobals(t *testing.T) {
	v, out := newTestVM(t, `
.global n int
	LC32 3
	SG32 @n
loop:
	LG32 @n
	LC32 0
	CMPG
	JF done
	LG32 @n
	PRINT32
	LG32 @n
	LC32 1
	SUB
	SG32 @n
	JMP loop
done:
	HALT
`, Events{})
	if err := run(v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "321" {
		t.Errorf("output = %q, want %q", out.String(), "321")
	}
}

// twiceSource doubles its argument into the global r.
//
//	0000 LL32 -12   0005 LC32 2   000A MUL   000B SG32 @r   0010 RETN 4
//	0015 LC32 21    001A CALL     001F LG32 @r   0024 PRINT32   0025 HALT
const twiceSource = `
.file twice.c
.global r int
.entry main
.func twice
.param x int
.line 2
	LL32 -12
	LC32 2
	MUL
	SG32 @r
.line 3
	RETN 4
.endfunc
.func main
.line 6
	LC32 21
	CALL twice
.line 7
	LG32 @r
	PRINT32
.line 8
	HALT
.endfunc
`

func TestCallAndReturn(t *testing.T) {
	v, out := newTestVM(t, twiceSource, Events{})
	if err := run(v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "42" {
		t.Errorf("output = %q, want %q", out.String(), "42")
	}
	regs, err := v.Registers()
	if err != nil {
		t.Fatalf("Registers: %v", err)
	}
	if regs.SP != v.Program().DataSize || regs.BP != v.Program().DataSize {
		t.Errorf("registers after run = %+v, want SP=BP=%d", regs, v.Program().DataSize)
	}
}

func TestStringConcat(t *testing.T) {
	v, out := newTestVM(t, `
.string a "foo"
.string b "bar"
	LC32 @a
	NEWSTR
	LC32 @b
	NEWSTR
	STRCAT
	DUPPTR
	PRINTSTR
	STRLEN
	PRINT32
	HALT
`, Events{})
	if err := run(v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "foobar6" {
		t.Errorf("output = %q, want %q", out.String(), "foobar6")
	}
	if n := v.Heap().Count(); n != 3 {
		t.Errorf("heap holds %d objects, want 3", n)
	}
}

func TestArrayOps(t *testing.T) {
	v, out := newTestVM(t, `
.global arr pointer
	LC32 3
	NEWARR 4
	SGPTR @arr
	LGPTR @arr
	LC32 8
	PTRADD
	LC32 99
	SPTR32
	LGPTR @arr
	LC32 8
	PTRADD
	LPTR32
	PRINT32
	LGPTR @arr
	LC32 5
	SETARRLEN 4
	LGPTR @arr
	ARRLEN 4
	PRINT32
	LGPTR @arr
	RELEASE
	HALT
`, Events{})
	if err := run(v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "995" {
		t.Errorf("output = %q, want %q", out.String(), "995")
	}
	if n := v.Heap().Count(); n != 0 {
		t.Errorf("heap holds %d objects after RELEASE, want 0", n)
	}
}

func TestAddressTranslationOps(t *testing.T) {
	v, out := newTestVM(t, `
.global g int
	LGHA @g
	LC32 7
	SPTR32
	LC32 @g
	LHA
	HRA
	LS32
	PRINT32
	HALT
`, Events{})
	if err := run(v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "7" {
		t.Errorf("output = %q, want %q", out.String(), "7")
	}
}

// ---------------------------------------------------------------------------
// Faults
// ---------------------------------------------------------------------------

func TestDivideByZero(t *testing.T) {
	v, _ := newTestVM(t, "LC32 1\nLC32 0\nDIV\nHALT\n", Events{})
	var terminated error
	v.SetEvents(Events{OnTerminate: func(err error) { terminated = err }})

	err := run(v)
	if !errors.Is(err, ErrDivideByZero) {
		t.Fatalf("Run error = %v, want ErrDivideByZero", err)
	}
	var re *RuntimeError
	if !errors.As(err, &re) {
		t.Fatalf("error %T is not a *RuntimeError", err)
	}
	if re.IP != 10 || re.Op != bytecode.OpDiv {
		t.Errorf("fault at %04X (%s), want 000A (DIV)", re.IP, re.Op)
	}
	if terminated != err {
		t.Errorf("OnTerminate got %v, want %v", terminated, err)
	}
}

func TestFaults(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want error
	}{
		{"underflow", "POP\nHALT", ErrStackUnderflow},
		{"null deref", "LCPTR 0\nLPTR32\nHALT", ErrInvalidAddress},
		{"wild pointer", "LCPTR 12345\nLPTR32\nHALT", ErrInvalidAddress},
		{"run off end", "NOP", ErrIPOutOfRange},
		{"mod64 zero", "LC64 1\nLC64 0\nMOD64\nHALT", ErrDivideByZero},
		{"release non-object", "LCPTR 0x10000000000\nRELEASE\nHALT", ErrInvalidAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := newTestVM(t, tt.src+"\n", Events{})
			if err := run(v); !errors.Is(err, tt.want) {
				t.Errorf("Run error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNegativeOperandsFault(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"retn", ".entry main\nf:\n\tRETN -8\nmain:\n\tCALL f\n\tHALT"},
		{"dupn", "LC32 4\nDUPN -1\nHALT"},
		{"dup64n", "LC64 4\nDUP64N -2\nHALT"},
		{"popn", "LC32 4\nPOPN -4\nHALT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := newTestVM(t, tt.src+"\n", Events{})
			err := run(v)
			var re *RuntimeError
			if !errors.As(err, &re) || !errors.Is(err, ErrInvalidOperand) {
				t.Fatalf("Run error = %v, want a RuntimeError wrapping ErrInvalidOperand", err)
			}
			if v.IsRunning() {
				t.Error("VM still running after the fault")
			}
		})
	}
}

func TestNegativeExternalParamSize(t *testing.T) {
	v := New()
	if err := v.AddExternalFunction("bad", 0, -16); err == nil {
		t.Error("AddExternalFunction accepted a negative parameter size")
	}
	p := &bytecode.Program{
		Version:   bytecode.ImageVersion,
		Name:      "raw",
		Code:      []byte{byte(bytecode.OpHalt)},
		Externals: []bytecode.ExternalDecl{{Name: "bad", ParamSize: -16}},
	}
	if err := v.Initialize(p, 0); err == nil {
		t.Error("Initialize accepted an external with a negative parameter size")
	}
}

func TestStackOverflow(t *testing.T) {
	v := New()
	p := assemble(t, "loop:\n\tLC32 1\n\tJMP loop\n")
	if err := v.Initialize(p, 64); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := run(v); !errors.Is(err, ErrStackOverflow) {
		t.Errorf("Run error = %v, want ErrStackOverflow", err)
	}
}

func TestUnknownOpcode(t *testing.T) {
	v := New()
	p := &bytecode.Program{Version: bytecode.ImageVersion, Name: "raw", Code: []byte{0xEE}}
	if err := v.Initialize(p, 0); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := run(v); !errors.Is(err, ErrUnknownOpcode) {
		t.Errorf("Run error = %v, want ErrUnknownOpcode", err)
	}
}

func TestRunWithoutProgram(t *testing.T) {
	v := New()
	if err := run(v); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Run error = %v, want ErrNotInitialized", err)
	}
}

// ---------------------------------------------------------------------------
// External functions
// ---------------------------------------------------------------------------

const externSource = `
.extern add2 8
	LC32 2
	LC32 40
	ECALL add2
	PRINT32
	HALT
`

func TestExternalCall(t *testing.T) {
	v, out := newTestVM(t, externSource, Events{})
	err := v.BindExternalFunction("add2", func(c *ExternalCall) error {
		a, err := c.Int32(0)
		if err != nil {
			return err
		}
		b, err := c.Int32(4)
		if err != nil {
			return err
		}
		c.ReturnInt32(a + b)
		return nil
	})
	if err != nil {
		t.Fatalf("BindExternalFunction: %v", err)
	}
	if err := run(v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "42" {
		t.Errorf("output = %q, want %q", out.String(), "42")
	}
	if regs, _ := v.Registers(); regs.SP != v.Program().DataSize {
		t.Errorf("SP = %d after external call, want %d", regs.SP, v.Program().DataSize)
	}
}

func TestUnboundExternal(t *testing.T) {
	v, _ := newTestVM(t, externSource, Events{})
	if err := run(v); !errors.Is(err, ErrUnboundExternal) {
		t.Errorf("Run error = %v, want ErrUnboundExternal", err)
	}
}

func TestBindUnknownExternal(t *testing.T) {
	v, _ := newTestVM(t, externSource, Events{})
	err := v.BindExternalFunction("nope", func(*ExternalCall) error { return nil })
	if !errors.Is(err, ErrUnknownExternal) {
		t.Errorf("BindExternalFunction error = %v, want ErrUnknownExternal", err)
	}
}

func TestExternalError(t *testing.T) {
	v, _ := newTestVM(t, externSource, Events{})
	boom := errors.New("boom")
	_ = v.BindExternalFunction("add2", func(*ExternalCall) error { return boom })
	if err := run(v); !errors.Is(err, boom) {
		t.Errorf("Run error = %v, want wrapped boom", err)
	}
}

// ---------------------------------------------------------------------------
// Console
// ---------------------------------------------------------------------------

func TestConsoleRead(t *testing.T) {
	events := Events{
		OnConsoleRead: func(ctx context.Context) (string, error) { return "41\n", nil },
	}
	v, out := newTestVM(t, `
.global n int
	LGHA @n
	SCAN32
	LG32 @n
	LC32 1
	ADD
	PRINT32
	HALT
`, events)
	if err := run(v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "42" {
		t.Errorf("output = %q, want %q", out.String(), "42")
	}
}

func TestConsoleReadFromInput(t *testing.T) {
	v, out := newTestVM(t, `
.global s string
	LGHA @s
	DSCANSTR
	LGPTR @s
	PRINTSTR
	LGHA @s
	DSCANSTR
	LGPTR @s
	PRINTSTR
	HALT
`, Events{}, WithInput(strings.NewReader("hello\nworld\n")))
	if err := run(v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "helloworld" {
		t.Errorf("output = %q, want %q", out.String(), "helloworld")
	}
	// The first string was released when the second replaced it.
	if n := v.Heap().Count(); n != 1 {
		t.Errorf("heap holds %d objects, want 1", n)
	}
}

func TestConsolePrintEvent(t *testing.T) {
	var printed []string
	v, out := newTestVM(t, "LC32 1\nPRINT32\nLC32 2\nPRINT32\nHALT\n", Events{
		OnConsolePrint: func(s string) { printed = append(printed, s) },
	})
	if err := run(v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(printed, ",") != "1,2" {
		t.Errorf("printed = %q", printed)
	}
	if out.Len() != 0 {
		t.Errorf("output writer received %q while OnConsolePrint was set", out.String())
	}
}

func TestConsoleReadCancelled(t *testing.T) {
	v, _ := newTestVM(t, ".global n int\n\tLGHA @n\n\tSCAN32\n\tHALT\n", Events{
		OnConsoleRead: func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx, StepRun, false, -1) }()
	cancel()
	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Errorf("Run error = %v, want ErrCancelled", err)
	}
}

func TestInputSurvivesCancelledRead(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	v, out := newTestVM(t, ".global n int\n\tLGHA @n\n\tSCAN32\n\tLG32 @n\n\tPRINT32\n\tHALT\n",
		Events{}, WithInput(pr))

	// Cancel a run while it waits in SCAN32 (ip 5).
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx, StepRun, false, -1) }()
	for st := v.State(); !st.Running || st.IP != 5; st = v.State() {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Fatalf("first Run error = %v, want ErrCancelled", err)
	}

	// The next run must receive the next line.
	go func() { done <- run(v) }()
	if _, err := io.WriteString(pw, "7\n"); err != nil {
		t.Fatalf("write input: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		v.Stop()
		t.Fatal("second run never received its input")
	}
	if out.String() != "7" {
		t.Errorf("output = %q, want %q", out.String(), "7")
	}
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

func TestVMDisassemble(t *testing.T) {
	var lines []string
	v, _ := newTestVM(t, twiceSource, Events{
		OnDisassemblyLine: func(ip int, text string) { lines = append(lines, text) },
	})
	n := v.Disassemble()
	if n != 10 || len(lines) != 10 {
		t.Fatalf("Disassemble reported %d instructions, %d lines; want 10", n, len(lines))
	}
	if !strings.HasPrefix(lines[0], "LL32 -12") || !strings.Contains(lines[0], "twice.c:2") {
		t.Errorf("first line = %q", lines[0])
	}
}

func TestProfilerCountsCalls(t *testing.T) {
	prof := NewProfiler()
	prof.HotThreshold = 1
	var hot []string
	prof.OnHot = func(p *FunctionProfile) { hot = append(hot, p.Name) }

	v, _ := newTestVM(t, twiceSource, Events{}, WithProfiler(prof))
	if err := run(v); err != nil {
		t.Fatalf("Run: %v", err)
	}
	p := prof.Profile(0)
	if p == nil || p.CallCount != 1 || p.Name != "twice" {
		t.Fatalf("profile for twice = %+v", p)
	}
	if len(hot) != 1 || hot[0] != "twice" {
		t.Errorf("OnHot calls = %v", hot)
	}
	stats := prof.Stats()
	if stats.Runs != 1 || stats.Instructions != 10 {
		t.Errorf("stats = %+v, want 1 run and 10 instructions", stats)
	}
}
