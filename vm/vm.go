package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/chazu/svm/pkg/bytecode"
	"github.com/tliron/commonlog"
)

// Events are the callbacks a host (debugger front end, IDE, server session)
// receives from the VM. Any of them may be nil. Except for
// OnDisassemblyLine, they are invoked on the execution goroutine with no
// VM lock held, so they may issue controller commands.
type Events struct {
	// OnDisassemblyLine receives one line per instruction from Disassemble.
	OnDisassemblyLine func(ip int, text string)

	// OnConsoleRead supplies a line of input for the SCAN intrinsics. It
	// should return when ctx is cancelled.
	OnConsoleRead func(ctx context.Context) (string, error)

	// OnConsolePrint receives output from the PRINT intrinsics.
	OnConsolePrint func(text string)

	// OnStart fires on the execution goroutine once Run has marked the
	// program running, before the first instruction. Controller commands
	// issued from here on take effect.
	OnStart func()

	// OnPause fires when execution stops on a pause request or run-to target.
	OnPause func(ip int)

	// OnStep fires when a stepping trap stops execution.
	OnStep func(ip int, mode StepMode)

	// OnBreakpoint fires when an enabled breakpoint is hit, before the
	// patched instruction executes.
	OnBreakpoint func(bp Breakpoint)

	// OnTerminate fires when Run returns. err is nil after HALT.
	OnTerminate func(err error)
}

// ExternalFunc is a host function invoked by ECALL.
type ExternalFunc func(call *ExternalCall) error

// External is an entry in the external function table.
type External struct {
	Name      string
	Index     int
	ParamSize int
	Handler   ExternalFunc // nil until bound
}

// VM is a stack bytecode machine with an embedded debug controller.
// One goroutine runs the program (Run); others may control and inspect it.
type VM struct {
	log    commonlog.Logger
	events Events

	program    *bytecode.Program
	code       []byte // working copy; breakpoints patch it
	instrStart []bool
	info       *DebugInfo

	stack  []byte
	heap   *Heap
	ip     int
	lastIP int // start of the instruction being executed
	sp     int
	bp     int

	pc atomic.Int64 // lastIP, published for controllers while running

	externals     []External
	externalIndex map[string]int

	dbg       debugState
	attention atomic.Bool // debug hook needed before next dispatch
	cancel    *cancellation

	profiler  *Profiler
	heapLimit int
	input     *lineReader
	output    io.Writer
}

// Option configures a VM.
type Option func(*VM)

// WithEvents installs the host callbacks.
func WithEvents(e Events) Option {
	return func(v *VM) { v.events = e }
}

// WithLogger replaces the default "svm.vm" logger.
func WithLogger(l commonlog.Logger) Option {
	return func(v *VM) { v.log = l }
}

// WithProfiler enables per-function call counting.
func WithProfiler(p *Profiler) Option {
	return func(v *VM) { v.profiler = p }
}

// WithHeapLimit caps the total bytes of live heap objects.
func WithHeapLimit(bytes int) Option {
	return func(v *VM) { v.heapLimit = bytes }
}

// WithInput sets the reader used by SCAN intrinsics when no OnConsoleRead
// callback is installed. Defaults to os.Stdin.
func WithInput(r io.Reader) Option {
	return func(v *VM) { v.input = newLineReader(r) }
}

// WithOutput sets the writer used by PRINT intrinsics when no
// OnConsolePrint callback is installed. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(v *VM) { v.output = w }
}

// New creates a VM with no program loaded.
func New(opts ...Option) *VM {
	v := &VM{
		log:           commonlog.GetLogger("svm.vm"),
		externalIndex: make(map[string]int),
		cancel:        newCancellation(context.Background()),
		output:        os.Stdout,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.input == nil {
		v.input = newLineReader(os.Stdin)
	}
	v.heap = NewHeap(v.heapLimit)
	v.dbg.init()
	return v
}

// SetEvents replaces the host callbacks. Must not be called while running.
func (v *VM) SetEvents(e Events) {
	v.events = e
}

// Events returns the installed host callbacks.
func (v *VM) Events() Events { return v.events }

// Initialize loads a program. The data segment is copied to the bottom of a
// stack of stackSize bytes (DefaultStackSize if 0), the debug tables are
// indexed, and the external table is rebuilt from the program's
// declarations. Existing breakpoints and heap objects are discarded.
func (v *VM) Initialize(p *bytecode.Program, stackSize int) error {
	if p == nil {
		return ErrNotInitialized
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	if p.DataSize > stackSize {
		return fmt.Errorf("data segment (%d bytes) does not fit in a %d byte stack", p.DataSize, stackSize)
	}

	v.dbg.mu.Lock()
	defer v.dbg.mu.Unlock()
	if v.dbg.running {
		return ErrAlreadyRunning
	}

	v.heap.FreeAll()
	v.program = p
	v.code = append([]byte(nil), p.Code...)
	v.instrStart = instructionStarts(v.code)
	v.info = NewDebugInfo(p)
	v.stack = make([]byte, stackSize)
	copy(v.stack, p.Data)
	v.ip, v.sp, v.bp = p.Entry, p.DataSize, p.DataSize
	v.dbg.resetLocked()

	v.externals = v.externals[:0]
	clear(v.externalIndex)
	for i, e := range p.Externals {
		if err := v.addExternalLocked(e.Name, i, e.ParamSize); err != nil {
			return err
		}
	}

	v.log.Infof("loaded %s", p.Summary())
	return nil
}

func instructionStarts(code []byte) []bool {
	starts := make([]bool, len(code))
	for ip := 0; ip < len(code); {
		starts[ip] = true
		op := bytecode.Opcode(code[ip])
		if !op.Valid() {
			ip++
			continue
		}
		ip += op.InstructionLen()
	}
	return starts
}

// Program returns the loaded program, or nil.
func (v *VM) Program() *bytecode.Program {
	v.dbg.mu.Lock()
	defer v.dbg.mu.Unlock()
	return v.program
}

// DebugInfo returns the debug tables of the loaded program, or nil.
func (v *VM) DebugInfo() *DebugInfo {
	v.dbg.mu.Lock()
	defer v.dbg.mu.Unlock()
	return v.info
}

// StackSize returns the size of the stack in bytes.
func (v *VM) StackSize() int { return len(v.stack) }

// Free releases the program, stack, and heap.
func (v *VM) Free() {
	v.Stop()
	v.dbg.mu.Lock()
	defer v.dbg.mu.Unlock()
	v.heap.FreeAll()
	v.program = nil
	v.code = nil
	v.instrStart = nil
	v.info = nil
	v.stack = nil
	v.externals = nil
	clear(v.externalIndex)
	v.dbg.resetLocked()
}

// ---------------------------------------------------------------------------
// External functions
// ---------------------------------------------------------------------------

// AddExternalFunction declares an external function at a table index.
func (v *VM) AddExternalFunction(name string, index, paramSize int) error {
	v.dbg.mu.Lock()
	defer v.dbg.mu.Unlock()
	return v.addExternalLocked(name, index, paramSize)
}

func (v *VM) addExternalLocked(name string, index, paramSize int) error {
	if index < 0 {
		return fmt.Errorf("external %s: negative index %d", name, index)
	}
	if paramSize < 0 {
		return fmt.Errorf("external %s: negative parameter size %d", name, paramSize)
	}
	for len(v.externals) <= index {
		v.externals = append(v.externals, External{Index: len(v.externals)})
	}
	if prev := v.externals[index].Name; prev != "" && prev != name {
		return fmt.Errorf("external index %d already holds %s", index, prev)
	}
	v.externals[index] = External{Name: name, Index: index, ParamSize: paramSize}
	v.externalIndex[name] = index
	return nil
}

// BindExternalFunction supplies the handler for a declared external.
func (v *VM) BindExternalFunction(name string, fn ExternalFunc) error {
	v.dbg.mu.Lock()
	defer v.dbg.mu.Unlock()
	i, ok := v.externalIndex[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExternal, name)
	}
	v.externals[i].Handler = fn
	return nil
}

// Externals returns a copy of the external function table.
func (v *VM) Externals() []External {
	v.dbg.mu.Lock()
	defer v.dbg.mu.Unlock()
	return append([]External(nil), v.externals...)
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble reports every instruction of the loaded program through
// OnDisassemblyLine and returns the number of instructions. Breakpoint
// patches are not visible in the listing.
func (v *VM) Disassemble() int {
	if v.program == nil {
		return 0
	}
	code := v.program.Code
	n := 0
	for ip := 0; ip < len(code); n++ {
		text, size := bytecode.DisassembleInstruction(code, ip)
		if l, ok := v.info.GetLineFromIP(ip, true); ok {
			text = fmt.Sprintf("%-30s ; %s:%d", text, l.File, l.Line)
		}
		if v.events.OnDisassemblyLine != nil {
			v.events.OnDisassemblyLine(ip, text)
		}
		ip += size
	}
	return n
}
