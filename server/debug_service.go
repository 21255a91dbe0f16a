package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/svm/pkg/bytecode"
	"github.com/chazu/svm/vm"
)

// ServiceName is the debug service's fully qualified name, also used for
// health reporting.
const ServiceName = "svm.v1.DebugService"

// Procedure paths.
const (
	CreateSessionProcedure    = "/" + ServiceName + "/CreateSession"
	LoadProcedure             = "/" + ServiceName + "/Load"
	RunProcedure              = "/" + ServiceName + "/Run"
	PauseProcedure            = "/" + ServiceName + "/Pause"
	ResumeProcedure           = "/" + ServiceName + "/Resume"
	StepOverProcedure         = "/" + ServiceName + "/StepOver"
	StepIntoProcedure         = "/" + ServiceName + "/StepInto"
	StepReturnProcedure       = "/" + ServiceName + "/StepReturn"
	StopProcedure             = "/" + ServiceName + "/Stop"
	RunToLineProcedure        = "/" + ServiceName + "/RunToLine"
	AddBreakpointProcedure    = "/" + ServiceName + "/AddBreakpoint"
	RemoveBreakpointProcedure = "/" + ServiceName + "/RemoveBreakpoint"
	ToggleBreakpointProcedure = "/" + ServiceName + "/ToggleBreakpoint"
	ClearBreakpointsProcedure = "/" + ServiceName + "/ClearBreakpoints"
	StateProcedure            = "/" + ServiceName + "/State"
	VariablesProcedure        = "/" + ServiceName + "/Variables"
	ReadStackProcedure        = "/" + ServiceName + "/ReadStack"
	SendInputProcedure        = "/" + ServiceName + "/SendInput"
	CloseProcedure            = "/" + ServiceName + "/Close"
	EventsProcedure           = "/" + ServiceName + "/Events"
)

// DebugService implements the debug procedures over connect. Every
// handler resolves its session and delegates; the VM does its own locking.
type DebugService struct {
	sessions *SessionStore
	log      commonlog.Logger
}

// NewDebugService creates the service over a session store.
func NewDebugService(sessions *SessionStore) *DebugService {
	return &DebugService{
		sessions: sessions,
		log:      commonlog.GetLogger("svm.server"),
	}
}

// Register mounts every procedure on mux.
func (d *DebugService) Register(mux *http.ServeMux) {
	opt := connect.WithCodec(Codec{})
	mux.Handle(CreateSessionProcedure, connect.NewUnaryHandler(CreateSessionProcedure, d.CreateSession, opt))
	mux.Handle(LoadProcedure, connect.NewUnaryHandler(LoadProcedure, d.Load, opt))
	mux.Handle(RunProcedure, connect.NewUnaryHandler(RunProcedure, d.Run, opt))
	mux.Handle(PauseProcedure, connect.NewUnaryHandler(PauseProcedure, d.Pause, opt))
	mux.Handle(ResumeProcedure, connect.NewUnaryHandler(ResumeProcedure, d.Resume, opt))
	mux.Handle(StepOverProcedure, connect.NewUnaryHandler(StepOverProcedure, d.StepOver, opt))
	mux.Handle(StepIntoProcedure, connect.NewUnaryHandler(StepIntoProcedure, d.StepInto, opt))
	mux.Handle(StepReturnProcedure, connect.NewUnaryHandler(StepReturnProcedure, d.StepReturn, opt))
	mux.Handle(StopProcedure, connect.NewUnaryHandler(StopProcedure, d.Stop, opt))
	mux.Handle(RunToLineProcedure, connect.NewUnaryHandler(RunToLineProcedure, d.RunToLine, opt))
	mux.Handle(AddBreakpointProcedure, connect.NewUnaryHandler(AddBreakpointProcedure, d.AddBreakpoint, opt))
	mux.Handle(RemoveBreakpointProcedure, connect.NewUnaryHandler(RemoveBreakpointProcedure, d.RemoveBreakpoint, opt))
	mux.Handle(ToggleBreakpointProcedure, connect.NewUnaryHandler(ToggleBreakpointProcedure, d.ToggleBreakpoint, opt))
	mux.Handle(ClearBreakpointsProcedure, connect.NewUnaryHandler(ClearBreakpointsProcedure, d.ClearBreakpoints, opt))
	mux.Handle(StateProcedure, connect.NewUnaryHandler(StateProcedure, d.State, opt))
	mux.Handle(VariablesProcedure, connect.NewUnaryHandler(VariablesProcedure, d.Variables, opt))
	mux.Handle(ReadStackProcedure, connect.NewUnaryHandler(ReadStackProcedure, d.ReadStack, opt))
	mux.Handle(SendInputProcedure, connect.NewUnaryHandler(SendInputProcedure, d.SendInput, opt))
	mux.Handle(CloseProcedure, connect.NewUnaryHandler(CloseProcedure, d.Close, opt))
	mux.Handle(EventsProcedure, connect.NewServerStreamHandler(EventsProcedure, d.Events, opt))
}

func (d *DebugService) session(id string) (*Session, error) {
	s, ok := d.sessions.Get(id)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("%w: %q", ErrUnknownSession, id))
	}
	return s, nil
}

// connectError maps VM and session errors onto connect codes.
func connectError(err error) error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return err
	}
	var asmErr *bytecode.AsmError
	code := connect.CodeInternal
	switch {
	case errors.Is(err, ErrUnknownSession), errors.Is(err, vm.ErrNoBreakpoint):
		code = connect.CodeNotFound
	case errors.Is(err, vm.ErrNotInitialized), errors.Is(err, vm.ErrAlreadyRunning),
		errors.Is(err, ErrNotRunning), errors.Is(err, ErrWorkerStopped),
		errors.Is(err, vm.ErrRunning):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, vm.ErrNoLineMapping), errors.Is(err, vm.ErrNotInstruction),
		errors.Is(err, vm.ErrInvalidAddress), errors.Is(err, ErrInvalidRequest),
		errors.As(err, &asmErr):
		code = connect.CodeInvalidArgument
	case errors.Is(err, ErrInputFull):
		code = connect.CodeResourceExhausted
	}
	return connect.NewError(code, err)
}

func empty() *connect.Response[Empty] { return connect.NewResponse(&Empty{}) }

func (d *DebugService) CreateSession(ctx context.Context, req *connect.Request[CreateSessionRequest]) (*connect.Response[CreateSessionResponse], error) {
	s := d.sessions.Create(req.Msg.Name)
	d.log.Infof("created session %s %q", s.ID, s.Name)
	return connect.NewResponse(&CreateSessionResponse{SessionID: s.ID}), nil
}

func (d *DebugService) Load(ctx context.Context, req *connect.Request[LoadRequest]) (*connect.Response[ProgramInfo], error) {
	s, err := d.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	info, err := s.Load(req.Msg)
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(info), nil
}

func (d *DebugService) Run(ctx context.Context, req *connect.Request[RunRequest]) (*connect.Response[Empty], error) {
	s, err := d.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.Run(req.Msg); err != nil {
		return nil, connectError(err)
	}
	return empty(), nil
}

func (d *DebugService) control(id string, fn func(*vm.VM)) (*connect.Response[Empty], error) {
	s, err := d.session(id)
	if err != nil {
		return nil, err
	}
	if err := s.control(fn); err != nil {
		return nil, connectError(err)
	}
	return empty(), nil
}

func (d *DebugService) Pause(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[Empty], error) {
	return d.control(req.Msg.SessionID, (*vm.VM).Pause)
}

func (d *DebugService) Resume(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[Empty], error) {
	return d.control(req.Msg.SessionID, (*vm.VM).Resume)
}

func (d *DebugService) StepOver(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[Empty], error) {
	return d.control(req.Msg.SessionID, (*vm.VM).StepOver)
}

func (d *DebugService) StepInto(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[Empty], error) {
	return d.control(req.Msg.SessionID, (*vm.VM).StepInto)
}

func (d *DebugService) StepReturn(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[Empty], error) {
	return d.control(req.Msg.SessionID, (*vm.VM).StepReturn)
}

func (d *DebugService) Stop(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[Empty], error) {
	return d.control(req.Msg.SessionID, (*vm.VM).Stop)
}

func (d *DebugService) RunToLine(ctx context.Context, req *connect.Request[RunToLineRequest]) (*connect.Response[Empty], error) {
	s, err := d.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.RunToLine(req.Msg.File, req.Msg.Line); err != nil {
		return nil, connectError(err)
	}
	return empty(), nil
}

func (d *DebugService) AddBreakpoint(ctx context.Context, req *connect.Request[BreakpointRequest]) (*connect.Response[BreakpointInfo], error) {
	s, err := d.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	bp, err := s.AddBreakpoint(req.Msg)
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(bp), nil
}

func (d *DebugService) RemoveBreakpoint(ctx context.Context, req *connect.Request[BreakpointRequest]) (*connect.Response[Empty], error) {
	s, err := d.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.RemoveBreakpoint(req.Msg); err != nil {
		return nil, connectError(err)
	}
	return empty(), nil
}

func (d *DebugService) ToggleBreakpoint(ctx context.Context, req *connect.Request[BreakpointRequest]) (*connect.Response[ToggleResponse], error) {
	s, err := d.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	added, err := s.ToggleBreakpoint(req.Msg)
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&ToggleResponse{Added: added}), nil
}

func (d *DebugService) ClearBreakpoints(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[Empty], error) {
	s, err := d.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	s.VM().ClearBreakpoints()
	return empty(), nil
}

func (d *DebugService) State(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[StateResponse], error) {
	s, err := d.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(s.State()), nil
}

func (d *DebugService) Variables(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[VariablesResponse], error) {
	s, err := d.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	res, err := s.Variables()
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(res), nil
}

func (d *DebugService) ReadStack(ctx context.Context, req *connect.Request[ReadStackRequest]) (*connect.Response[ReadStackResponse], error) {
	s, err := d.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	data, err := s.ReadStack(req.Msg.Offset, req.Msg.Size)
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&ReadStackResponse{Data: data}), nil
}

func (d *DebugService) SendInput(ctx context.Context, req *connect.Request[InputRequest]) (*connect.Response[Empty], error) {
	s, err := d.session(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.SendInput(req.Msg.Line); err != nil {
		return nil, connectError(err)
	}
	return empty(), nil
}

func (d *DebugService) Close(ctx context.Context, req *connect.Request[SessionRequest]) (*connect.Response[Empty], error) {
	if !d.sessions.Destroy(req.Msg.SessionID) {
		return nil, connectError(fmt.Errorf("%w: %q", ErrUnknownSession, req.Msg.SessionID))
	}
	return empty(), nil
}

// Events streams the session's event log from req.Since until the client
// goes away or the session closes.
func (d *DebugService) Events(ctx context.Context, req *connect.Request[EventsRequest], stream *connect.ServerStream[Event]) error {
	s, err := d.session(req.Msg.SessionID)
	if err != nil {
		return err
	}
	since := req.Msg.Since
	send := func() (<-chan struct{}, error) {
		events, wake := s.events.since(since)
		for i := range events {
			if err := stream.Send(&events[i]); err != nil {
				return nil, err
			}
			since = events[i].Seq
		}
		return wake, nil
	}
	for {
		wake, err := send()
		if err != nil {
			return err
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return nil
		case <-s.Done():
			_, err := send()
			return err
		}
	}
}
