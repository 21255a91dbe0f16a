package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/svm/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Debugger: execution control for an embedded front end
// ---------------------------------------------------------------------------

// StepMode selects when the interpreter traps back to the host.
type StepMode int

const (
	StepRun  StepMode = iota // run until a breakpoint, pause request, or run-to target
	StepOver                 // trap at the next instruction in the current frame or a caller
	StepInto                 // trap at the next instruction
	StepOut                  // trap after the current frame returns
)

func (m StepMode) String() string {
	switch m {
	case StepRun:
		return "run"
	case StepOver:
		return "over"
	case StepInto:
		return "into"
	case StepOut:
		return "out"
	default:
		return fmt.Sprintf("StepMode(%d)", int(m))
	}
}

// ParseStepMode is the inverse of StepMode.String.
func ParseStepMode(s string) (StepMode, error) {
	switch s {
	case "run", "":
		return StepRun, nil
	case "over":
		return StepOver, nil
	case "into":
		return StepInto, nil
	case "out", "return":
		return StepOut, nil
	}
	return StepRun, fmt.Errorf("unknown step mode %q", s)
}

// patch is a code write queued while the execution goroutine owns the code.
type patch struct {
	ip int
	b  byte
}

// debugState is shared between the execution goroutine and controllers.
// Everything here is guarded by mu; cond signals the end of a pause.
type debugState struct {
	mu   sync.Mutex
	cond *sync.Cond

	mode     StepMode
	onSource bool // step traps only at instructions that start a source line
	runToIP  int  // -1 for none
	calls    int  // call depth relative to the last step command

	paused         bool
	pauseRequested bool
	running        bool

	bps     breakpointTable
	pending []patch
}

func (d *debugState) init() {
	d.cond = sync.NewCond(&d.mu)
	d.bps = newBreakpointTable()
	d.runToIP = -1
}

func (d *debugState) resetLocked() {
	d.mode = StepRun
	d.onSource = false
	d.runToIP = -1
	d.calls = 0
	d.paused = false
	d.pauseRequested = false
	d.bps = newBreakpointTable()
	d.pending = nil
}

// byteAtLocked returns the byte at ip as it will be once queued patches land.
func (d *debugState) byteAtLocked(code []byte, ip int) byte {
	for i := len(d.pending) - 1; i >= 0; i-- {
		if d.pending[i].ip == ip {
			return d.pending[i].b
		}
	}
	return code[ip]
}

func (v *VM) refreshAttentionLocked() {
	d := &v.dbg
	v.attention.Store(d.mode != StepRun || d.runToIP >= 0 || d.pauseRequested || len(d.pending) > 0)
}

// patchLocked writes a code byte. While the program runs unpaused the
// execution goroutine reads code without the lock, so the write is queued
// for it to apply at its next debug hook.
func (v *VM) patchLocked(ip int, b byte) {
	d := &v.dbg
	if !d.running || d.paused {
		v.code[ip] = b
		return
	}
	d.pending = append(d.pending, patch{ip, b})
	v.refreshAttentionLocked()
}

func (v *VM) applyPendingLocked() {
	d := &v.dbg
	if len(d.pending) == 0 {
		return
	}
	for _, p := range d.pending {
		v.code[p.ip] = p.b
	}
	d.pending = d.pending[:0]
	v.refreshAttentionLocked()
}

// ---------------------------------------------------------------------------
// Execution-side hooks
// ---------------------------------------------------------------------------

type trapKind int

const (
	trapNone trapKind = iota
	trapPause
	trapStep
)

func (v *VM) trapLocked(ip int) trapKind {
	d := &v.dbg
	switch {
	case d.pauseRequested:
		d.pauseRequested = false
		v.refreshAttentionLocked()
		return trapPause
	case d.runToIP == ip:
		d.runToIP = -1
		v.refreshAttentionLocked()
		return trapPause
	}
	if d.onSource && !v.info.HasLine(ip) {
		return trapNone
	}
	switch d.mode {
	case StepInto:
		d.calls = 0
		return trapStep
	case StepOver:
		if d.calls <= 0 {
			return trapStep
		}
	case StepOut:
		if d.calls < 0 {
			return trapStep
		}
	}
	return trapNone
}

// debugHook runs before dispatching the instruction at lastIP whenever the
// attention flag is set. It returns the opcode to dispatch, which differs
// from op when a queued patch or a command issued during a pause changed
// the code at lastIP.
func (v *VM) debugHook(op bytecode.Opcode) bytecode.Opcode {
	d := &v.dbg
	ip := v.lastIP

	d.mu.Lock()
	if len(d.pending) > 0 {
		v.applyPendingLocked()
		op = bytecode.Opcode(v.code[ip])
	}
	// An enabled breakpoint here reports through the BREAK handler instead.
	if op == bytecode.OpBreak {
		if b := d.bps.atIP(ip); b != nil && b.Enabled {
			d.mu.Unlock()
			return op
		}
	}
	kind := v.trapLocked(ip)
	if kind == trapNone {
		d.mu.Unlock()
		return op
	}
	mode := d.mode
	d.paused = true
	d.mu.Unlock()

	switch kind {
	case trapPause:
		v.log.Debugf("paused at %04X", ip)
		if cb := v.events.OnPause; cb != nil {
			cb(ip)
		}
	case trapStep:
		if cb := v.events.OnStep; cb != nil {
			cb(ip, mode)
		}
	}

	d.mu.Lock()
	cancelled := v.waitLocked()
	if !cancelled {
		// The user may have set a breakpoint on this instruction while paused.
		// Execution already stopped here, so run the real opcode.
		var ok bool
		if op, ok = v.resolveOpLocked(ip); !ok {
			d.mu.Unlock()
			throw(ErrMissingBreakpoint)
		}
	}
	d.mu.Unlock()
	if cancelled {
		throw(ErrCancelled)
	}
	return op
}

// hitBreakpoint handles a BREAK trap at lastIP and returns the opcode that
// was patched over.
func (v *VM) hitBreakpoint() bytecode.Opcode {
	d := &v.dbg
	ip := v.lastIP

	d.mu.Lock()
	v.applyPendingLocked()
	if op := bytecode.Opcode(v.code[ip]); op != bytecode.OpBreak {
		d.mu.Unlock()
		return op
	}
	b := d.bps.atIP(ip)
	if b == nil {
		d.mu.Unlock()
		throwf(ErrMissingBreakpoint, "ip %04X", ip)
	}
	saved := b.SavedOpcode
	hit := *b
	if !hit.Enabled {
		d.mu.Unlock()
		return saved
	}
	// Temporary breakpoints are consumed by the hit that fires them.
	if b.Temporary {
		d.bps.delete(b)
		v.code[ip] = byte(saved)
	}

	if d.runToIP == ip {
		d.runToIP = -1
	}
	d.pauseRequested = false
	d.paused = true
	v.refreshAttentionLocked()
	d.mu.Unlock()

	v.log.Debugf("breakpoint hit at %s", hit)
	if cb := v.events.OnBreakpoint; cb != nil {
		cb(hit)
	}

	d.mu.Lock()
	cancelled := v.waitLocked()
	if !cancelled {
		if op, ok := v.resolveOpLocked(ip); ok {
			saved = op
		}
	}
	d.mu.Unlock()
	if cancelled {
		throw(ErrCancelled)
	}
	return saved
}

// waitLocked blocks until a command ends the pause or the run is cancelled.
// Reports whether the run was cancelled.
func (v *VM) waitLocked() bool {
	d := &v.dbg
	for d.paused && !v.cancel.IsCancelled() {
		d.cond.Wait()
	}
	d.paused = false
	v.applyPendingLocked()
	return v.cancel.IsCancelled()
}

// resolveOpLocked returns the real opcode at ip, looking through a
// breakpoint patch.
func (v *VM) resolveOpLocked(ip int) (bytecode.Opcode, bool) {
	op := bytecode.Opcode(v.code[ip])
	if op != bytecode.OpBreak {
		return op, true
	}
	if b := v.dbg.bps.atIP(ip); b != nil {
		return b.SavedOpcode, true
	}
	return op, false
}

// noteCall tracks call depth for StepOver and StepOut.
func (v *VM) noteCall(delta int) {
	if !v.attention.Load() {
		return
	}
	d := &v.dbg
	d.mu.Lock()
	if d.mode != StepRun {
		d.calls += delta
	}
	d.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Controller commands
// ---------------------------------------------------------------------------

// command installs a new execution mode and ends any pause.
func (v *VM) command(mode StepMode, runToIP int) {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = mode
	d.runToIP = runToIP
	d.calls = 0
	d.paused = false
	d.pauseRequested = false
	v.refreshAttentionLocked()
	d.cond.Broadcast()
}

// Resume continues until the next breakpoint or pause request.
func (v *VM) Resume() { v.command(StepRun, -1) }

// StepOver runs the current instruction, including any call it makes, and
// traps at the next instruction of this frame or a caller.
func (v *VM) StepOver() { v.command(StepOver, -1) }

// StepInto traps at the next instruction executed.
func (v *VM) StepInto() { v.command(StepInto, -1) }

// StepReturn runs until the current frame returns.
func (v *VM) StepReturn() { v.command(StepOut, -1) }

// RunToIP resumes and pauses when execution reaches ip.
func (v *VM) RunToIP(ip int) error {
	d := &v.dbg
	d.mu.Lock()
	ok := ip >= 0 && ip < len(v.instrStart) && v.instrStart[ip]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotInstruction, ip)
	}
	v.command(StepRun, ip)
	return nil
}

// RunToLine resumes and pauses at the first instruction of file:line.
func (v *VM) RunToLine(file string, line int) error {
	d := &v.dbg
	d.mu.Lock()
	info := v.info
	d.mu.Unlock()
	if info == nil {
		return ErrNotInitialized
	}
	ip, ok := info.GetIPFromLine(file, line)
	if !ok {
		return fmt.Errorf("%w: %s:%d", ErrNoLineMapping, file, line)
	}
	return v.RunToIP(ip)
}

// Pause asks the running program to stop before its next instruction.
// OnPause fires when it does.
func (v *VM) Pause() {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running && !d.paused {
		d.pauseRequested = true
		v.refreshAttentionLocked()
	}
}

// SetSourceStepping restricts step traps to instructions that start a
// source line.
func (v *VM) SetSourceStepping(on bool) {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSource = on
}

// Stop cancels the current run. Run returns ErrCancelled.
func (v *VM) Stop() {
	d := &v.dbg
	d.mu.Lock()
	c := v.cancel
	d.mu.Unlock()
	c.Cancel()
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}

// State is a snapshot of the controller.
type State struct {
	Loaded      bool
	Running     bool
	Paused      bool
	IP          int
	Mode        StepMode
	OnSource    bool
	RunToIP     int
	Breakpoints int
}

// State returns a snapshot of the controller.
func (v *VM) State() State {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{
		Loaded:      v.program != nil,
		Running:     d.running,
		Paused:      d.paused,
		IP:          v.currentIPLocked(),
		Mode:        d.mode,
		OnSource:    d.onSource,
		RunToIP:     d.runToIP,
		Breakpoints: d.bps.len(),
	}
}

// IsRunning reports whether Run is executing (paused or not).
func (v *VM) IsRunning() bool {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// IsPaused reports whether execution is stopped waiting for a command.
func (v *VM) IsPaused() bool {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// currentIPLocked is the address of the instruction about to execute.
// While running, the registers belong to the execution goroutine, so the
// published copy is used.
func (v *VM) currentIPLocked() int {
	if v.dbg.running {
		return int(v.pc.Load())
	}
	return v.ip
}

// inspectableLocked reports ErrRunning unless the machine state is stable:
// either no run is active or the execution goroutine is parked in a pause.
func (v *VM) inspectableLocked() error {
	if v.dbg.running && !v.dbg.paused {
		return ErrRunning
	}
	return nil
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Run executes the loaded program from its entry point until HALT, a fatal
// error, or cancellation. mode and onSource set the initial stepping state;
// StepInto stops before the first instruction. A non-negative runToIP
// pauses when execution reaches it. Run blocks for the whole execution,
// including pauses; control it from other goroutines. OnTerminate fires
// with the result before Run returns.
func (v *VM) Run(ctx context.Context, mode StepMode, onSource bool, runToIP int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d := &v.dbg
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	if v.program == nil {
		d.mu.Unlock()
		return ErrNotInitialized
	}
	d.running = true
	d.mode = mode
	d.onSource = onSource
	d.runToIP = runToIP
	d.calls = 0
	d.paused = false
	d.pauseRequested = false
	v.applyPendingLocked()
	v.refreshAttentionLocked()
	v.cancel = newCancellation(ctx)
	c := v.cancel
	v.resetMachine()
	d.mu.Unlock()

	// Wake a paused execution goroutine when the caller's context ends.
	stop := context.AfterFunc(c.Context(), func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})

	v.log.Infof("run %s (mode %s)", v.program.Name, mode)
	if cb := v.events.OnStart; cb != nil {
		cb()
	}
	err := v.execute()
	stop()

	if errors.Is(err, ErrCancelled) {
		v.FreeAllocatedObjects()
	}
	if v.profiler != nil {
		v.profiler.RecordRun()
	}

	d.mu.Lock()
	d.running = false
	d.paused = false
	d.pauseRequested = false
	v.applyPendingLocked()
	v.attention.Store(false)
	d.mu.Unlock()
	c.cancel()

	switch {
	case err == nil:
		v.log.Infof("halted at %04X", v.lastIP)
	case errors.Is(err, ErrCancelled):
		v.log.Info("run cancelled")
	default:
		v.log.Errorf("%s", err)
	}
	if cb := v.events.OnTerminate; cb != nil {
		cb(err)
	}
	return err
}

// resetMachine prepares registers, stack, and heap for a fresh run.
func (v *VM) resetMachine() {
	v.heap.FreeAll()
	clear(v.stack)
	copy(v.stack, v.program.Data)
	v.ip = v.program.Entry
	v.lastIP = v.ip
	v.pc.Store(int64(v.ip))
	v.sp = v.program.DataSize
	v.bp = v.program.DataSize
}
