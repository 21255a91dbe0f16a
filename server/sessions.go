package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/svm/lib/stdlib"
	"github.com/chazu/svm/lib/tracedb"
	"github.com/chazu/svm/pkg/bytecode"
	"github.com/chazu/svm/vm"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotRunning     = errors.New("no program is running")
	ErrInputFull      = errors.New("input queue is full")
	ErrInvalidRequest = errors.New("invalid request")
)

// inputQueue is how many lines SendInput may buffer ahead of reads.
const inputQueue = 16

// Session is one debugging workspace: a VM, the worker that loads and runs
// it, and the event log clients subscribe to.
type Session struct {
	ID      string
	Name    string
	Created time.Time

	vm     *vm.VM
	worker *VMWorker
	events *eventLog
	input  chan string
	base   vm.Events
	trace  *tracedb.DB
	log    commonlog.Logger

	stackSize int

	ctx    context.Context
	cancel context.CancelFunc
	closed chan struct{}

	busy      atomic.Bool // a load or run owns the worker
	run       atomic.Pointer[runGate]
	lastUsed  atomic.Int64
	closeOnce sync.Once
}

// SessionConfig holds the settings every new session shares.
type SessionConfig struct {
	StackSize int
	HeapLimit int
	Trace     *tracedb.DB // optional; every run is recorded when set
}

func newSession(name string, cfg SessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        uuid.New().String(),
		Name:      name,
		Created:   time.Now(),
		events:    newEventLog(),
		input:     make(chan string, inputQueue),
		trace:     cfg.Trace,
		log:       commonlog.GetLogger("svm.session"),
		stackSize: cfg.StackSize,
		ctx:       ctx,
		cancel:    cancel,
		closed:    make(chan struct{}),
	}
	s.base = vm.Events{
		OnConsoleRead:  s.readInput,
		OnConsolePrint: func(text string) { s.publish(Event{Kind: EventPrint, IP: -1, Text: text}) },
		OnPause:        func(ip int) { s.publishAt(Event{Kind: EventPause}, ip) },
		OnStep: func(ip int, mode vm.StepMode) {
			s.publishAt(Event{Kind: EventStep, Mode: mode.String()}, ip)
		},
		OnBreakpoint: func(bp vm.Breakpoint) {
			s.publish(Event{Kind: EventBreakpoint, IP: bp.IP, File: bp.File, Line: bp.Line})
		},
	}
	opts := []vm.Option{vm.WithEvents(s.base), vm.WithOutput(io.Discard)}
	if cfg.HeapLimit > 0 {
		opts = append(opts, vm.WithHeapLimit(cfg.HeapLimit))
	}
	s.vm = vm.New(opts...)
	s.worker = NewVMWorker(s.vm)
	s.touch()
	return s
}

// VM returns the session's machine.
func (s *Session) VM() *vm.VM { return s.vm }

// Done is closed once the session is closed and its last run has ended.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) touch() { s.lastUsed.Store(time.Now().UnixNano()) }

func (s *Session) idleSince() time.Time { return time.Unix(0, s.lastUsed.Load()) }

func (s *Session) publish(e Event) Event {
	e = s.events.publish(e)
	s.log.Debugf("%s: event %d %s", s.ID, e.Seq, e.Kind)
	return e
}

// publishAt fills in the source location of ip.
func (s *Session) publishAt(e Event, ip int) Event {
	e.IP = ip
	if info := s.vm.DebugInfo(); info != nil {
		if l, ok := info.GetLineFromIP(ip, false); ok {
			e.File, e.Line = l.File, l.Line
		}
	}
	return s.publish(e)
}

// terminated runs on the worker after Run returns. The worker is released
// before the event goes out, so a client may start the next run as soon as
// it sees the termination.
func (s *Session) terminated(err error) {
	e := Event{Kind: EventTerminate, IP: s.vm.State().IP}
	if err != nil {
		e.Error = err.Error()
	}
	if g := s.run.Swap(nil); g != nil {
		g.open()
	}
	s.busy.Store(false)
	s.publish(e)
}

// readInput announces that the program waits for a line, then blocks until
// SendInput supplies one or the run ends.
func (s *Session) readInput(ctx context.Context) (string, error) {
	select {
	case line := <-s.input:
		return line, nil
	default:
	}
	s.publishAt(Event{Kind: EventInput}, s.vm.State().IP)
	select {
	case line := <-s.input:
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.ctx.Done():
		return "", vm.ErrCancelled
	}
}

// SendInput queues a line for the next console read.
func (s *Session) SendInput(line string) error {
	select {
	case s.input <- line:
		return nil
	default:
		return ErrInputFull
	}
}

// Load replaces the session's program with assembled source or a decoded
// image and binds the standard externals it declares.
func (s *Session) Load(req *LoadRequest) (*ProgramInfo, error) {
	var (
		p   *bytecode.Program
		err error
	)
	switch {
	case len(req.Image) > 0:
		p, err = bytecode.UnmarshalImage(req.Image)
		if err == nil && req.Name != "" {
			p.Name = req.Name
		}
	case req.Source != "":
		name := req.Name
		if name == "" {
			name = "program"
		}
		p, err = bytecode.Assemble(name, req.Source)
	default:
		return nil, fmt.Errorf("%w: load needs source or an image", ErrInvalidRequest)
	}
	if err != nil {
		return nil, err
	}

	if !s.busy.CompareAndSwap(false, true) {
		return nil, vm.ErrAlreadyRunning
	}
	defer s.busy.Store(false)

	stackSize := req.StackSize
	if stackSize <= 0 {
		stackSize = s.stackSize
	}
	res, err := s.worker.Do(func(v *vm.VM) (any, error) {
		if err := v.Initialize(p, stackSize); err != nil {
			return nil, err
		}
		if _, err := stdlib.BindAll(v); err != nil {
			return nil, err
		}
		return programInfo(v), nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infof("%s: loaded %s", s.ID, p.Summary())
	return res.(*ProgramInfo), nil
}

func programInfo(v *vm.VM) *ProgramInfo {
	p := v.Program()
	info := &ProgramInfo{
		Name:         p.Name,
		CodeSize:     len(p.Code),
		DataSize:     p.DataSize,
		Instructions: bytecode.InstructionCount(p.Code),
		Entry:        p.Entry,
		Files:        p.Files(),
	}
	for _, f := range v.DebugInfo().Functions() {
		info.Functions = append(info.Functions, FunctionInfo{
			Name:      f.Name,
			File:      f.File,
			StartIP:   f.StartIP,
			EndIP:     f.EndIP,
			ParamSize: f.ParamSize(),
		})
	}
	for _, ext := range v.Externals() {
		if ext.Name == "" {
			continue
		}
		info.Externals = append(info.Externals, ext.Name)
		if ext.Handler == nil {
			info.Unbound = append(info.Unbound, ext.Name)
		}
	}
	return info
}

// Run starts the loaded program on the worker and returns at once.
// Progress is reported through the event log.
func (s *Session) Run(req *RunRequest) error {
	mode, err := vm.ParseStepMode(req.Mode)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !s.busy.CompareAndSwap(false, true) {
		return vm.ErrAlreadyRunning
	}
	p := s.vm.Program()
	if p == nil {
		s.busy.Store(false)
		return vm.ErrNotInitialized
	}
	runTo := -1
	if req.Line > 0 {
		ip, ok := s.vm.DebugInfo().GetIPFromLine(req.File, req.Line)
		if !ok {
			s.busy.Store(false)
			return fmt.Errorf("%w: %s:%d", vm.ErrNoLineMapping, req.File, req.Line)
		}
		runTo = ip
	}

	g := &runGate{started: make(chan struct{})}
	events := s.base
	events.OnStart = g.open
	s.vm.SetEvents(events)
	if s.trace != nil {
		if run, err := s.trace.BeginRun(p.Name); err != nil {
			s.log.Warningf("%s: not tracing: %s", s.ID, err)
		} else {
			tracedb.Attach(s.vm, run)
		}
	}

	s.run.Store(g)
	err = s.worker.Go(func(v *vm.VM) {
		err := v.Run(s.ctx, mode, req.OnSource, runTo)
		if err != nil && !errors.Is(err, vm.ErrCancelled) {
			s.log.Warningf("%s: %s", s.ID, err)
		}
		s.terminated(err)
	})
	if err != nil {
		s.run.Store(nil)
		s.busy.Store(false)
		return err
	}
	return nil
}

// runGate opens once the worker has started the program, or once the run
// ends without starting. Commands sent between Run and the start wait on it.
type runGate struct {
	once    sync.Once
	started chan struct{}
}

func (g *runGate) open() { g.once.Do(func() { close(g.started) }) }

// awaitRunning blocks until a run accepted by Run is executing and reports
// ErrNotRunning if there is none.
func (s *Session) awaitRunning() error {
	g := s.run.Load()
	if g == nil {
		return ErrNotRunning
	}
	select {
	case <-g.started:
	case <-s.ctx.Done():
		return ErrNotRunning
	}
	if !s.vm.IsRunning() {
		return ErrNotRunning
	}
	return nil
}

// control applies a controller command to a running program.
func (s *Session) control(fn func(*vm.VM)) error {
	if err := s.awaitRunning(); err != nil {
		return err
	}
	fn(s.vm)
	return nil
}

func (s *Session) RunToLine(file string, line int) error {
	if err := s.awaitRunning(); err != nil {
		return err
	}
	return s.vm.RunToLine(file, line)
}

func (s *Session) AddBreakpoint(req *BreakpointRequest) (*BreakpointInfo, error) {
	var (
		bp  vm.Breakpoint
		err error
	)
	if req.File != "" {
		bp, err = s.vm.AddBreakpointAtLine(req.File, req.Line, req.Temporary, !req.Disabled)
	} else {
		bp, err = s.vm.AddBreakpoint(req.IP, req.Temporary, !req.Disabled)
	}
	if err != nil {
		return nil, err
	}
	info := breakpointInfo(bp)
	return &info, nil
}

func (s *Session) RemoveBreakpoint(req *BreakpointRequest) error {
	if req.File != "" {
		return s.vm.RemoveBreakpointAtLine(req.File, req.Line)
	}
	return s.vm.RemoveBreakpoint(req.IP)
}

func (s *Session) ToggleBreakpoint(req *BreakpointRequest) (bool, error) {
	if req.File != "" {
		return s.vm.ToggleBreakpoint(req.File, req.Line)
	}
	return s.vm.ToggleBreakpointAtIP(req.IP)
}

func breakpointInfo(bp vm.Breakpoint) BreakpointInfo {
	return BreakpointInfo{
		IP:        bp.IP,
		File:      bp.File,
		Line:      bp.Line,
		Temporary: bp.Temporary,
		Enabled:   bp.Enabled,
	}
}

func (s *Session) State() *StateResponse {
	st := s.vm.State()
	res := &StateResponse{
		Loaded:   st.Loaded,
		Running:  st.Running,
		Paused:   st.Paused,
		IP:       st.IP,
		Mode:     st.Mode.String(),
		OnSource: st.OnSource,
	}
	if info := s.vm.DebugInfo(); info != nil {
		if fn, ok := info.GetFunctionAtIP(st.IP); ok {
			res.Function = fn.Name
		}
		if l, ok := info.GetLineFromIP(st.IP, false); ok {
			res.File, res.Line = l.File, l.Line
		}
	}
	for _, bp := range s.vm.Breakpoints() {
		res.Breakpoints = append(res.Breakpoints, breakpointInfo(bp))
	}
	return res
}

// Variables reports the visible variables and the call stack. The program
// must be paused or finished.
func (s *Session) Variables() (*VariablesResponse, error) {
	if s.vm.Program() == nil {
		return nil, vm.ErrNotInitialized
	}
	vars, err := s.vm.Variables()
	if err != nil {
		return nil, err
	}
	frames, err := s.vm.CallStack()
	if err != nil {
		return nil, err
	}
	res := &VariablesResponse{}
	for _, vv := range vars {
		vi := VariableInfo{
			Name:    vv.Name,
			Type:    vv.Type.String(),
			Kind:    vv.Kind.String(),
			Address: vv.Address,
			Value:   vv.Value,
		}
		if vv.Err != nil {
			vi.Error = vv.Err.Error()
		}
		res.Variables = append(res.Variables, vi)
	}
	sort.SliceStable(res.Variables, func(i, j int) bool {
		return res.Variables[i].Name < res.Variables[j].Name
	})
	for _, f := range frames {
		res.Frames = append(res.Frames, FrameInfo{
			Function: f.Function,
			File:     f.File,
			Line:     f.Line,
			IP:       f.IP,
			BP:       f.BP,
		})
	}
	return res, nil
}

func (s *Session) ReadStack(offset, size int) ([]byte, error) {
	if s.vm.Program() == nil {
		return nil, vm.ErrNotInitialized
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidRequest, size)
	}
	return s.vm.ReadStackBytes(offset, size)
}

// Close cancels any run, waits for it to end, and frees the VM.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.vm.Stop()
		if _, err := s.worker.Do(func(v *vm.VM) (any, error) {
			v.Free()
			return nil, nil
		}); err != nil {
			s.log.Warningf("%s: %s", s.ID, err)
		}
		s.worker.Stop()
		close(s.closed)
		s.log.Infof("closed session %s", s.ID)
	})
}

// SessionStore manages debugging sessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      SessionConfig
}

// NewSessionStore creates a store whose sessions share cfg.
func NewSessionStore(cfg SessionConfig) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		cfg:      cfg,
	}
}

// Create creates a new session with an optional name.
func (s *SessionStore) Create(name string) *Session {
	session := newSession(name, s.cfg)

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return session
}

// Get retrieves a session by ID and marks it used.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()

	if ok {
		session.touch()
	}
	return session, ok
}

// Len reports the number of open sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Destroy closes and removes a session.
func (s *SessionStore) Destroy(id string) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		session.Close()
	}
	return ok
}

// CloseAll closes every session.
func (s *SessionStore) CloseAll() {
	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, session := range all {
		session.Close()
	}
}

// Sweep closes sessions that haven't been used within the TTL.
func (s *SessionStore) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	var idle []*Session

	s.mu.Lock()
	for id, session := range s.sessions {
		if session.idleSince().Before(cutoff) {
			delete(s.sessions, id)
			idle = append(idle, session)
		}
	}
	s.mu.Unlock()

	for _, session := range idle {
		session.Close()
	}
	return len(idle)
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *SessionStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
