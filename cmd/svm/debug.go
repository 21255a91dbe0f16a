package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/chazu/svm/manifest"
	"github.com/chazu/svm/pkg/bytecode"
	"github.com/chazu/svm/vm"
)

func debugCmd(args []string) error {
	fs, cfg, err := newFlagSet("debug")
	if err != nil {
		return err
	}
	cfg.addDebugFlags(fs)
	fs.BoolVar(&cfg.Debug.StopOnEntry, "stop-on-entry", cfg.Debug.StopOnEntry, "stop before the first instruction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.configureLogging()

	p, err := cfg.loadProgram(fs.Args())
	if err != nil {
		return err
	}
	v, _, err := cfg.newVM(p, vm.WithOutput(os.Stdout))
	if err != nil {
		return err
	}
	defer v.Free()

	d := newDebugger(v, os.Stdin, os.Stdout, term.IsTerminal(int(os.Stdin.Fd())))
	for _, loc := range cfg.breakpoints() {
		if err := d.addBreakpoint(loc); err != nil {
			return err
		}
	}
	closeTrace, err := cfg.openTrace(v, p)
	if err != nil {
		return err
	}
	defer closeTrace()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mode := vm.StepRun
	if cfg.Debug.StopOnEntry {
		mode = vm.StepInto
	}
	err = d.run(ctx, mode, cfg.Debug.OnSource)
	if errors.Is(err, vm.ErrCancelled) {
		return nil
	}
	return err
}

// stopEvent is a trap reported by the execution goroutine.
type stopEvent struct {
	kind string
	ip   int
}

// debugger drives a VM from line commands. Command lines and program
// console input share one reader: while the program runs, lines go to
// SCAN instructions; while it is stopped, they are commands.
type debugger struct {
	v      *vm.VM
	lines  chan string
	out    io.Writer
	prompt bool

	stops chan stopEvent
}

func newDebugger(v *vm.VM, in io.Reader, out io.Writer, prompt bool) *debugger {
	d := &debugger{
		v:      v,
		lines:  make(chan string),
		out:    out,
		prompt: prompt,
		stops:  make(chan stopEvent, 1),
	}
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			d.lines <- sc.Text()
		}
		close(d.lines)
	}()

	ev := v.Events()
	ev.OnStep = func(ip int, _ vm.StepMode) { d.stops <- stopEvent{"step", ip} }
	ev.OnPause = func(ip int) { d.stops <- stopEvent{"pause", ip} }
	ev.OnBreakpoint = func(bp vm.Breakpoint) { d.stops <- stopEvent{"breakpoint", bp.IP} }
	ev.OnConsoleRead = func(ctx context.Context) (string, error) {
		if d.prompt {
			fmt.Fprint(d.out, "input> ")
		}
		select {
		case line, ok := <-d.lines:
			if !ok {
				return "", io.EOF
			}
			return line, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	v.SetEvents(ev)
	return d
}

// run executes the program, handing control to the user at every stop.
func (d *debugger) run(ctx context.Context, mode vm.StepMode, onSource bool) error {
	done := make(chan error, 1)
	go func() { done <- d.v.Run(ctx, mode, onSource, -1) }()

	for {
		select {
		case s := <-d.stops:
			d.report(s)
			d.commands(ctx)
		case err := <-done:
			switch {
			case err == nil:
				fmt.Fprintln(d.out, "\nprogram halted")
			case errors.Is(err, vm.ErrCancelled):
				fmt.Fprintln(d.out, "\nprogram stopped")
			default:
				fmt.Fprintf(d.out, "\nprogram failed: %v\n", err)
			}
			return err
		}
	}
}

func (d *debugger) report(s stopEvent) {
	where := fmt.Sprintf("%04X", s.ip)
	if l, ok := d.v.DebugInfo().GetLineFromIP(s.ip, false); ok {
		where = fmt.Sprintf("%s:%d (%04X)", l.File, l.Line, s.ip)
	}
	fn := ""
	if f, ok := d.v.DebugInfo().GetFunctionAtIP(s.ip); ok {
		fn = " in " + f.Name
	}
	fmt.Fprintf(d.out, "\n%s at %s%s\n", s.kind, where, fn)
	d.disasm(s.ip, 1)
}

// commands reads commands until one resumes execution. Running out of
// input stops the program.
func (d *debugger) commands(ctx context.Context) {
	for {
		if d.prompt {
			fmt.Fprint(d.out, "(svm) ")
		}
		var line string
		var ok bool
		select {
		case line, ok = <-d.lines:
		case <-ctx.Done():
			return
		}
		if !ok {
			d.v.Stop()
			return
		}
		if d.execute(strings.Fields(line)) {
			return
		}
	}
}

// execute runs one command and reports whether execution resumed.
func (d *debugger) execute(fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}

	switch cmd {
	case "c", "continue":
		d.v.Resume()
		return true
	case "n", "next":
		d.v.StepOver()
		return true
	case "s", "step":
		d.v.StepInto()
		return true
	case "finish":
		d.v.StepReturn()
		return true
	case "u", "until":
		if err := d.runTo(arg); err != nil {
			fmt.Fprintf(d.out, "error: %v\n", err)
			return false
		}
		return true
	case "q", "quit":
		d.v.Stop()
		return true

	case "b", "break":
		if err := d.addBreakpoint(arg); err != nil {
			fmt.Fprintf(d.out, "error: %v\n", err)
		}
	case "d", "delete":
		if err := d.deleteBreakpoint(arg); err != nil {
			fmt.Fprintf(d.out, "error: %v\n", err)
		}
	case "enable", "disable":
		if err := d.setEnabled(arg, cmd == "enable"); err != nil {
			fmt.Fprintf(d.out, "error: %v\n", err)
		}
	case "source":
		switch arg {
		case "on", "off":
			d.v.SetSourceStepping(arg == "on")
		default:
			fmt.Fprintln(d.out, "error: source takes on or off")
		}
	case "breaks":
		for _, bp := range d.v.Breakpoints() {
			state := ""
			if !bp.Enabled {
				state = " (disabled)"
			}
			fmt.Fprintf(d.out, "  %s%s\n", bp, state)
		}
	case "vars":
		vars, err := d.v.Variables()
		if err != nil {
			fmt.Fprintf(d.out, "error: %v\n", err)
		}
		for _, vv := range vars {
			if vv.Err != nil {
				fmt.Fprintf(d.out, "  %s %s = <%v>\n", vv.Type, vv.Name, vv.Err)
				continue
			}
			fmt.Fprintf(d.out, "  %s %s = %s\n", vv.Type, vv.Name, vv.Value)
		}
	case "p", "inspect":
		if err := d.inspect(args); err != nil {
			fmt.Fprintf(d.out, "error: %v\n", err)
		}
	case "bt", "stack":
		frames, err := d.v.CallStack()
		if err != nil {
			fmt.Fprintf(d.out, "error: %v\n", err)
		}
		for i, f := range frames {
			fmt.Fprintf(d.out, "  #%d %s\n", i, f)
		}
	case "regs":
		r, err := d.v.Registers()
		if err != nil {
			fmt.Fprintf(d.out, "error: %v\n", err)
			return false
		}
		fmt.Fprintf(d.out, "  ip=%04X sp=%d bp=%d\n", r.IP, r.SP, r.BP)
	case "disasm":
		n := 5
		if arg != "" {
			if x, err := strconv.Atoi(arg); err == nil && x > 0 {
				n = x
			}
		}
		d.disasm(d.v.State().IP, n)
	case "h", "help":
		fmt.Fprintln(d.out, "  break LOC | delete LOC | enable LOC | disable LOC | breaks")
		fmt.Fprintln(d.out, "  LOC is file:line or an address; source on|off limits steps to line starts")
		fmt.Fprintln(d.out, "  continue | next | step | finish | until LOC | quit")
		fmt.Fprintln(d.out, "  vars | inspect NAME [ELEMTYPE] | stack | regs | disasm [N]")
	default:
		fmt.Fprintf(d.out, "unknown command %q (try help)\n", cmd)
	}
	return false
}

// location parses "file:line" or an instruction address.
func location(s string) (manifest.LineRef, int, error) {
	if s == "" {
		return manifest.LineRef{}, 0, errors.New("missing location")
	}
	if ip, err := strconv.ParseInt(s, 0, 32); err == nil {
		return manifest.LineRef{}, int(ip), nil
	}
	ref, err := manifest.ParseLineRef(s)
	return ref, -1, err
}

func (d *debugger) addBreakpoint(s string) error {
	ref, ip, err := location(s)
	if err != nil {
		return err
	}
	var bp vm.Breakpoint
	if ip >= 0 {
		bp, err = d.v.AddBreakpoint(ip, false, true)
	} else {
		bp, err = d.v.AddBreakpointAtLine(ref.File, ref.Line, false, true)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(d.out, "breakpoint at %s\n", bp)
	return nil
}

func (d *debugger) deleteBreakpoint(s string) error {
	ref, ip, err := location(s)
	if err != nil {
		return err
	}
	if ip >= 0 {
		return d.v.RemoveBreakpoint(ip)
	}
	return d.v.RemoveBreakpointAtLine(ref.File, ref.Line)
}

func (d *debugger) setEnabled(s string, enabled bool) error {
	ref, ip, err := location(s)
	if err != nil {
		return err
	}
	if ip < 0 {
		var ok bool
		if ip, ok = d.v.DebugInfo().GetIPFromLine(ref.File, ref.Line); !ok {
			return fmt.Errorf("%w: %s", vm.ErrNoLineMapping, ref)
		}
	}
	return d.v.SetBreakpointEnabled(ip, enabled)
}

func (d *debugger) runTo(s string) error {
	ref, ip, err := location(s)
	if err != nil {
		return err
	}
	if ip >= 0 {
		return d.v.RunToIP(ip)
	}
	return d.v.RunToLine(ref.File, ref.Line)
}

// inspect describes one visible variable. With an element type, a
// pointer variable is shown as an array of that type.
func (d *debugger) inspect(args []string) error {
	if len(args) == 0 {
		return errors.New("missing variable name")
	}
	vars, err := d.v.Variables()
	if err != nil {
		return err
	}
	var found *vm.VariableValue
	for i := range vars {
		if vars[i].Name == args[0] {
			found = &vars[i]
		}
	}
	if found == nil {
		return fmt.Errorf("no variable %q here", args[0])
	}
	in := vm.NewInspector(d.v)
	res := in.Inspect(*found)
	if len(args) > 1 {
		elem, ok := bytecode.ParseVarType(args[1])
		if !ok {
			return fmt.Errorf("unknown type %q", args[1])
		}
		ptr, err := d.v.ReadPtr(found.Address)
		if err != nil {
			return err
		}
		res = in.InspectArray(ptr, elem)
	}
	fmt.Fprint(d.out, res.String())
	return nil
}

// disasm prints n instructions from ip using the unpatched program code.
func (d *debugger) disasm(ip, n int) {
	code := d.v.Program().Code
	for i := 0; i < n && ip < len(code); i++ {
		text, size := bytecode.DisassembleInstruction(code, ip)
		fmt.Fprintf(d.out, "  %04X  %s\n", ip, text)
		if size <= 0 {
			return
		}
		ip += size
	}
}
