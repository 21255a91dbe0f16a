package server

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/chazu/svm/lib/tracedb"
	"github.com/chazu/svm/vm"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestLoadReportsProgram(t *testing.T) {
	ctx := testContext(t)
	_, c := newTestServer(t, Config{})
	_, info := loadSession(t, ctx, c, twiceSource)

	if info.Name != "test" || info.Instructions != 10 || info.Entry != 0x15 {
		t.Errorf("info = %+v", info)
	}
	if len(info.Files) != 1 || info.Files[0] != "twice.c" {
		t.Errorf("files = %v", info.Files)
	}
	if len(info.Functions) != 2 || info.Functions[0].Name != "twice" || info.Functions[0].ParamSize != 4 {
		t.Errorf("functions = %+v", info.Functions)
	}
}

func TestBreakpointInspectResume(t *testing.T) {
	ctx := testContext(t)
	_, c := newTestServer(t, Config{})
	id, _ := loadSession(t, ctx, c, twiceSource)

	bp, err := c.AddBreakpoint(ctx, &BreakpointRequest{SessionID: id, File: "twice.c", Line: 7})
	if err != nil {
		t.Fatalf("AddBreakpoint: %v", err)
	}
	if bp.IP != 0x1F || !bp.Enabled {
		t.Errorf("breakpoint = %+v", bp)
	}
	if err := c.Run(ctx, &RunRequest{SessionID: id, Mode: "run"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	events := subscribe(t, ctx, c, id, 0)
	hit := events.waitFor(EventBreakpoint)
	if hit.IP != 0x1F || hit.File != "twice.c" || hit.Line != 7 {
		t.Errorf("breakpoint event = %+v", hit)
	}

	st, err := c.State(ctx, id)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !st.Running || !st.Paused || st.IP != 0x1F || st.Function != "main" || st.Line != 7 {
		t.Errorf("state = %+v", st)
	}
	if len(st.Breakpoints) != 1 || st.Breakpoints[0].Line != 7 {
		t.Errorf("state breakpoints = %+v", st.Breakpoints)
	}

	vars, err := c.Variables(ctx, id)
	if err != nil {
		t.Fatalf("Variables: %v", err)
	}
	if len(vars.Variables) != 1 || vars.Variables[0].Name != "r" || vars.Variables[0].Value != "42" {
		t.Errorf("variables = %+v", vars.Variables)
	}
	if len(vars.Frames) == 0 || vars.Frames[0].Function != "main" {
		t.Errorf("frames = %+v", vars.Frames)
	}

	data, err := Call[ReadStackRequest, ReadStackResponse](ctx, c, ReadStackProcedure,
		&ReadStackRequest{SessionID: id, Offset: 0, Size: 4})
	if err != nil {
		t.Fatalf("ReadStack: %v", err)
	}
	if got := binary.LittleEndian.Uint32(data.Data); got != 42 {
		t.Errorf("stack[0:4] = %d, want 42", got)
	}

	if err := c.Control(ctx, ResumeProcedure, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if p := events.waitFor(EventPrint); p.Text != "42" {
		t.Errorf("print = %q, want 42", p.Text)
	}
	if term := events.waitFor(EventTerminate); term.Error != "" {
		t.Errorf("terminate error = %q", term.Error)
	}

	st, err = c.State(ctx, id)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st.Running || st.Paused {
		t.Errorf("state after halt = %+v", st)
	}
}

func TestSteppingThroughService(t *testing.T) {
	ctx := testContext(t)
	_, c := newTestServer(t, Config{})
	id, _ := loadSession(t, ctx, c, twiceSource)

	if err := c.Run(ctx, &RunRequest{SessionID: id, Mode: "into"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := subscribe(t, ctx, c, id, 0)

	steps := []struct {
		procedure string
		wantIP    int
	}{
		{"", 0x15},
		{StepOverProcedure, 0x1A},
		{StepIntoProcedure, 0x00},
		{StepReturnProcedure, 0x1F},
	}
	for _, s := range steps {
		if s.procedure != "" {
			if err := c.Control(ctx, s.procedure, id); err != nil {
				t.Fatalf("%s: %v", s.procedure, err)
			}
		}
		e := events.next()
		if e.Kind != EventStep || e.IP != s.wantIP {
			t.Fatalf("after %q got %+v, want step at %04X", s.procedure, e, s.wantIP)
		}
	}

	if err := c.Control(ctx, ResumeProcedure, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	events.waitFor(EventTerminate)
}

func TestRunToLineThroughService(t *testing.T) {
	ctx := testContext(t)
	_, c := newTestServer(t, Config{})
	id, _ := loadSession(t, ctx, c, twiceSource)

	if err := c.Run(ctx, &RunRequest{SessionID: id, Mode: "run", File: "twice.c", Line: 3}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := subscribe(t, ctx, c, id, 0)
	if e := events.waitFor(EventPause); e.IP != 0x10 || e.Line != 3 {
		t.Errorf("pause = %+v, want twice.c:3", e)
	}

	_, err := Call[RunToLineRequest, Empty](ctx, c, RunToLineProcedure,
		&RunToLineRequest{SessionID: id, File: "twice.c", Line: 8})
	if err != nil {
		t.Fatalf("RunToLine: %v", err)
	}
	if e := events.waitFor(EventPause); e.IP != 0x25 {
		t.Errorf("pause = %+v, want ip 0025", e)
	}
	if err := c.Control(ctx, ResumeProcedure, id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	events.waitFor(EventTerminate)
}

func TestConsoleInput(t *testing.T) {
	ctx := testContext(t)
	_, c := newTestServer(t, Config{})
	id, _ := loadSession(t, ctx, c, incrementSource)

	if err := c.Run(ctx, &RunRequest{SessionID: id}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := subscribe(t, ctx, c, id, 0)
	events.waitFor(EventInput)
	if err := c.SendInput(ctx, id, "41"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if p := events.waitFor(EventPrint); p.Text != "42" {
		t.Errorf("print = %q, want 42", p.Text)
	}
	events.waitFor(EventTerminate)
}

func TestRunAgainAfterTerminate(t *testing.T) {
	ctx := testContext(t)
	_, c := newTestServer(t, Config{})
	id, _ := loadSession(t, ctx, c, twiceSource)
	events := subscribe(t, ctx, c, id, 0)

	for i := 0; i < 2; i++ {
		if err := c.Run(ctx, &RunRequest{SessionID: id}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if p := events.waitFor(EventPrint); p.Text != "42" {
			t.Errorf("run %d printed %q", i, p.Text)
		}
		events.waitFor(EventTerminate)
	}
}

func TestEventsReplaySince(t *testing.T) {
	ctx := testContext(t)
	_, c := newTestServer(t, Config{})
	id, _ := loadSession(t, ctx, c, twiceSource)

	if err := c.Run(ctx, &RunRequest{SessionID: id}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	first := subscribe(t, ctx, c, id, 0)
	p := first.waitFor(EventPrint)
	term := first.waitFor(EventTerminate)

	replay := subscribe(t, ctx, c, id, p.Seq)
	if e := replay.next(); e.Seq != term.Seq || e.Kind != EventTerminate {
		t.Errorf("replay from %d = %+v, want terminate %d", p.Seq, e, term.Seq)
	}
}

func TestCloseWhilePaused(t *testing.T) {
	ctx := testContext(t)
	srv, c := newTestServer(t, Config{})
	id, _ := loadSession(t, ctx, c, twiceSource)

	if _, err := c.AddBreakpoint(ctx, &BreakpointRequest{SessionID: id, IP: 0x0A}); err != nil {
		t.Fatalf("AddBreakpoint: %v", err)
	}
	if err := c.Run(ctx, &RunRequest{SessionID: id}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := subscribe(t, ctx, c, id, 0)
	events.waitFor(EventBreakpoint)

	if err := c.Control(ctx, CloseProcedure, id); err != nil {
		t.Fatalf("Close: %v", err)
	}
	term := events.waitFor(EventTerminate)
	if !strings.Contains(term.Error, "cancelled") {
		t.Errorf("terminate error = %q, want cancellation", term.Error)
	}
	if events.stream.Receive() {
		t.Errorf("stream continued after close: %+v", events.stream.Msg())
	}
	if err := events.stream.Err(); err != nil {
		t.Errorf("stream error = %v", err)
	}

	_, err := c.State(ctx, id)
	wantCode(t, err, connect.CodeNotFound)
	if n := srv.Sessions().Len(); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
}

func TestStopProcedure(t *testing.T) {
	ctx := testContext(t)
	_, c := newTestServer(t, Config{})
	id, _ := loadSession(t, ctx, c, incrementSource)

	if err := c.Run(ctx, &RunRequest{SessionID: id}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := subscribe(t, ctx, c, id, 0)
	events.waitFor(EventInput)
	if err := c.Control(ctx, StopProcedure, id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if term := events.waitFor(EventTerminate); term.Error == "" {
		t.Error("stopped run terminated without an error")
	}
	// The session survives and can run again.
	if err := c.Run(ctx, &RunRequest{SessionID: id}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	events.waitFor(EventInput)
	if err := c.SendInput(ctx, id, "1"); err != nil {
		t.Fatalf("SendInput: %v", err)
	}
	if p := events.waitFor(EventPrint); p.Text != "2" {
		t.Errorf("print = %q, want 2", p.Text)
	}
}

func TestControlRightAfterRun(t *testing.T) {
	ctx := testContext(t)
	srv, c := newTestServer(t, Config{})
	id, _ := loadSession(t, ctx, c, "spin:\n\tNOP\n\tJMP spin\n")
	s, ok := srv.Sessions().Get(id)
	if !ok {
		t.Fatal("session not found")
	}
	events := subscribe(t, ctx, c, id, 0)

	for i := 0; i < 20; i++ {
		if err := s.Run(&RunRequest{SessionID: id}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if err := s.control((*vm.VM).Pause); err != nil {
			t.Fatalf("pause %d: %v", i, err)
		}
		events.waitFor(EventPause)
		if err := s.control((*vm.VM).Stop); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
		events.waitFor(EventTerminate)
	}
	if err := s.control((*vm.VM).Pause); err != ErrNotRunning {
		t.Errorf("pause after the last run = %v, want ErrNotRunning", err)
	}
}

func TestToggleAndClearBreakpoints(t *testing.T) {
	ctx := testContext(t)
	_, c := newTestServer(t, Config{})
	id, _ := loadSession(t, ctx, c, twiceSource)

	toggle := func() bool {
		t.Helper()
		res, err := Call[BreakpointRequest, ToggleResponse](ctx, c, ToggleBreakpointProcedure,
			&BreakpointRequest{SessionID: id, File: "twice.c", Line: 2})
		if err != nil {
			t.Fatalf("ToggleBreakpoint: %v", err)
		}
		return res.Added
	}
	if !toggle() {
		t.Error("first toggle should add")
	}
	if toggle() {
		t.Error("second toggle should remove")
	}

	for _, line := range []int{2, 6} {
		if _, err := c.AddBreakpoint(ctx, &BreakpointRequest{SessionID: id, File: "twice.c", Line: line, Temporary: true}); err != nil {
			t.Fatalf("AddBreakpoint: %v", err)
		}
	}
	_, err := Call[BreakpointRequest, Empty](ctx, c, RemoveBreakpointProcedure,
		&BreakpointRequest{SessionID: id, File: "twice.c", Line: 6})
	if err != nil {
		t.Fatalf("RemoveBreakpoint: %v", err)
	}
	st, _ := c.State(ctx, id)
	if len(st.Breakpoints) != 1 || st.Breakpoints[0].IP != 0 || !st.Breakpoints[0].Temporary {
		t.Errorf("breakpoints = %+v", st.Breakpoints)
	}

	if err := c.Control(ctx, ClearBreakpointsProcedure, id); err != nil {
		t.Fatalf("ClearBreakpoints: %v", err)
	}
	st, _ = c.State(ctx, id)
	if len(st.Breakpoints) != 0 {
		t.Errorf("breakpoints after clear = %+v", st.Breakpoints)
	}
}

func TestErrorCodes(t *testing.T) {
	ctx := testContext(t)
	_, c := newTestServer(t, Config{})

	_, err := c.State(ctx, "no-such-session")
	wantCode(t, err, connect.CodeNotFound)

	id, err := c.CreateSession(ctx, "errors")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	wantCode(t, c.Run(ctx, &RunRequest{SessionID: id}), connect.CodeFailedPrecondition)

	_, err = c.Load(ctx, &LoadRequest{SessionID: id, Source: "\tBOGUS\n"})
	wantCode(t, err, connect.CodeInvalidArgument)
	_, err = c.Load(ctx, &LoadRequest{SessionID: id})
	wantCode(t, err, connect.CodeInvalidArgument)

	if _, err := c.Load(ctx, &LoadRequest{SessionID: id, Source: twiceSource}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err = c.AddBreakpoint(ctx, &BreakpointRequest{SessionID: id, File: "twice.c", Line: 4})
	wantCode(t, err, connect.CodeInvalidArgument)
	_, err = c.AddBreakpoint(ctx, &BreakpointRequest{SessionID: id, IP: 1})
	wantCode(t, err, connect.CodeInvalidArgument)
	_, err = Call[BreakpointRequest, Empty](ctx, c, RemoveBreakpointProcedure,
		&BreakpointRequest{SessionID: id, IP: 0})
	wantCode(t, err, connect.CodeNotFound)

	wantCode(t, c.Control(ctx, ResumeProcedure, id), connect.CodeFailedPrecondition)
	wantCode(t, c.Run(ctx, &RunRequest{SessionID: id, Mode: "sideways"}), connect.CodeInvalidArgument)
	wantCode(t, c.Run(ctx, &RunRequest{SessionID: id, File: "twice.c", Line: 4}), connect.CodeInvalidArgument)

	_, err = Call[ReadStackRequest, ReadStackResponse](ctx, c, ReadStackProcedure,
		&ReadStackRequest{SessionID: id, Offset: 1 << 20, Size: 4})
	wantCode(t, err, connect.CodeInvalidArgument)

	// A paused run holds the session.
	if _, err := c.AddBreakpoint(ctx, &BreakpointRequest{SessionID: id, IP: 0}); err != nil {
		t.Fatalf("AddBreakpoint: %v", err)
	}
	if err := c.Run(ctx, &RunRequest{SessionID: id}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	subscribe(t, ctx, c, id, 0).waitFor(EventBreakpoint)
	wantCode(t, c.Run(ctx, &RunRequest{SessionID: id}), connect.CodeFailedPrecondition)
	_, err = c.Load(ctx, &LoadRequest{SessionID: id, Source: twiceSource})
	wantCode(t, err, connect.CodeFailedPrecondition)
}

func TestTracedRuns(t *testing.T) {
	ctx := testContext(t)
	db, err := tracedb.Open(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	_, c := newTestServer(t, Config{Trace: db})
	id, _ := loadSession(t, ctx, c, twiceSource)
	if err := c.Run(ctx, &RunRequest{SessionID: id}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := subscribe(t, ctx, c, id, 0)
	if p := events.waitFor(EventPrint); p.Text != "42" {
		t.Errorf("print = %q", p.Text)
	}
	events.waitFor(EventTerminate)

	runs, err := db.Runs()
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Program != "test" || runs[0].EndedAt.IsZero() {
		t.Fatalf("runs = %+v", runs)
	}
	recorded, err := db.Events(runs[0].ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var kinds []string
	for _, e := range recorded {
		kinds = append(kinds, string(e.Kind))
	}
	if strings.Join(kinds, ",") != "print,terminate" {
		t.Errorf("recorded kinds = %v", kinds)
	}
}

func TestHealth(t *testing.T) {
	ctx := testContext(t)
	srv := New(Config{})

	lis := bufconn.Listen(1 << 16)
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, srv.Health())
	go gs.Serve(lis)
	defer gs.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	res, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %s, want SERVING", res.GetStatus())
	}

	srv.Stop()
	res, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check after stop: %v", err)
	}
	if res.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status after stop = %s, want NOT_SERVING", res.GetStatus())
	}
}
