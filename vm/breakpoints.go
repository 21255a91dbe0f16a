package vm

import (
	"fmt"
	"sort"

	"github.com/chazu/svm/pkg/bytecode"
)

// Breakpoint is a patched instruction. The opcode byte at IP is replaced by
// BREAK and restored from SavedOpcode when the breakpoint is removed.
type Breakpoint struct {
	IP          int
	File        string
	Line        int
	SavedOpcode bytecode.Opcode
	Temporary   bool // removed after its first hit
	Enabled     bool
}

func (b Breakpoint) String() string {
	if b.File != "" {
		return fmt.Sprintf("%s:%d (ip %04X)", b.File, b.Line, b.IP)
	}
	return fmt.Sprintf("ip %04X", b.IP)
}

// breakpointTable indexes breakpoints by IP and by source line. It is
// guarded by the debug controller's mutex.
type breakpointTable struct {
	byIP   map[int]*Breakpoint
	byLine map[fileLine]*Breakpoint
}

func newBreakpointTable() breakpointTable {
	return breakpointTable{
		byIP:   make(map[int]*Breakpoint),
		byLine: make(map[fileLine]*Breakpoint),
	}
}

func (t *breakpointTable) atIP(ip int) *Breakpoint {
	return t.byIP[ip]
}

func (t *breakpointTable) atLine(file string, line int) *Breakpoint {
	return t.byLine[fileLine{file, line}]
}

func (t *breakpointTable) insert(b *Breakpoint) {
	t.byIP[b.IP] = b
	if b.File != "" {
		t.byLine[fileLine{b.File, b.Line}] = b
	}
}

func (t *breakpointTable) delete(b *Breakpoint) {
	delete(t.byIP, b.IP)
	if b.File != "" {
		key := fileLine{b.File, b.Line}
		if t.byLine[key] == b {
			delete(t.byLine, key)
		}
	}
}

func (t *breakpointTable) len() int {
	return len(t.byIP)
}

func (t *breakpointTable) sorted() []*Breakpoint {
	out := make([]*Breakpoint, 0, len(t.byIP))
	for _, b := range t.byIP {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// ---------------------------------------------------------------------------
// Breakpoint commands
// ---------------------------------------------------------------------------

// AddBreakpoint patches a breakpoint at ip. If one already exists there its
// flags are updated instead.
func (v *VM) AddBreakpoint(ip int, temporary, enabled bool) (Breakpoint, error) {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	return v.addBreakpointLocked(ip, temporary, enabled)
}

// AddBreakpointAtLine resolves file:line to an instruction and patches a
// breakpoint there.
func (v *VM) AddBreakpointAtLine(file string, line int, temporary, enabled bool) (Breakpoint, error) {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	if v.info == nil {
		return Breakpoint{}, ErrNotInitialized
	}
	ip, ok := v.info.GetIPFromLine(file, line)
	if !ok {
		return Breakpoint{}, fmt.Errorf("%w: %s:%d", ErrNoLineMapping, file, line)
	}
	return v.addBreakpointLocked(ip, temporary, enabled)
}

func (v *VM) addBreakpointLocked(ip int, temporary, enabled bool) (Breakpoint, error) {
	d := &v.dbg
	if v.code == nil {
		return Breakpoint{}, ErrNotInitialized
	}
	if ip < 0 || ip >= len(v.code) || !v.instrStart[ip] {
		return Breakpoint{}, fmt.Errorf("%w: %d", ErrNotInstruction, ip)
	}
	if b := d.bps.atIP(ip); b != nil {
		b.Temporary = temporary
		b.Enabled = enabled
		return *b, nil
	}

	b := &Breakpoint{
		IP:          ip,
		SavedOpcode: bytecode.Opcode(d.byteAtLocked(v.code, ip)),
		Temporary:   temporary,
		Enabled:     enabled,
	}
	if l, ok := v.info.GetLineFromIP(ip, true); ok {
		b.File, b.Line = l.File, l.Line
	}
	d.bps.insert(b)
	v.patchLocked(ip, byte(bytecode.OpBreak))
	v.log.Debugf("breakpoint added at %s", b)
	return *b, nil
}

// RemoveBreakpoint restores the instruction at ip.
func (v *VM) RemoveBreakpoint(ip int) error {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.bps.atIP(ip)
	if b == nil {
		return fmt.Errorf("%w: ip %d", ErrNoBreakpoint, ip)
	}
	v.removeBreakpointLocked(b)
	return nil
}

// RemoveBreakpointAtLine removes the breakpoint set on file:line.
func (v *VM) RemoveBreakpointAtLine(file string, line int) error {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.bps.atLine(file, line)
	if b == nil {
		return fmt.Errorf("%w: %s:%d", ErrNoBreakpoint, file, line)
	}
	v.removeBreakpointLocked(b)
	return nil
}

func (v *VM) removeBreakpointLocked(b *Breakpoint) {
	v.dbg.bps.delete(b)
	v.patchLocked(b.IP, byte(b.SavedOpcode))
	v.log.Debugf("breakpoint removed at %s", b)
}

// ToggleBreakpoint removes the breakpoint on file:line if there is one and
// adds an enabled one otherwise. Reports whether a breakpoint now exists.
func (v *VM) ToggleBreakpoint(file string, line int) (bool, error) {
	d := &v.dbg
	d.mu.Lock()
	if b := d.bps.atLine(file, line); b != nil {
		v.removeBreakpointLocked(b)
		d.mu.Unlock()
		return false, nil
	}
	d.mu.Unlock()
	_, err := v.AddBreakpointAtLine(file, line, false, true)
	return err == nil, err
}

// ToggleBreakpointAtIP removes the breakpoint at ip if there is one and
// adds an enabled one otherwise.
func (v *VM) ToggleBreakpointAtIP(ip int) (bool, error) {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	if b := d.bps.atIP(ip); b != nil {
		v.removeBreakpointLocked(b)
		return false, nil
	}
	_, err := v.addBreakpointLocked(ip, false, true)
	return err == nil, err
}

// SetBreakpointEnabled enables or disables the breakpoint at ip without
// removing its patch.
func (v *VM) SetBreakpointEnabled(ip int, enabled bool) error {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.bps.atIP(ip)
	if b == nil {
		return fmt.Errorf("%w: ip %d", ErrNoBreakpoint, ip)
	}
	b.Enabled = enabled
	return nil
}

// ClearBreakpoints restores every patched instruction.
func (v *VM) ClearBreakpoints() {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.bps.sorted() {
		v.removeBreakpointLocked(b)
	}
}

// Breakpoints returns a snapshot of the table sorted by IP.
func (v *VM) Breakpoints() []Breakpoint {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	bps := d.bps.sorted()
	out := make([]Breakpoint, len(bps))
	for i, b := range bps {
		out[i] = *b
	}
	return out
}

// BreakpointAt returns the breakpoint at ip, if any.
func (v *VM) BreakpointAt(ip int) (Breakpoint, bool) {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	if b := d.bps.atIP(ip); b != nil {
		return *b, true
	}
	return Breakpoint{}, false
}

// CodeByte returns the byte currently at ip in the working code, with any
// queued patch applied.
func (v *VM) CodeByte(ip int) (byte, bool) {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	if ip < 0 || ip >= len(v.code) {
		return 0, false
	}
	return d.byteAtLocked(v.code, ip), true
}
