package server

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
)

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

// incrementSource reads an int and prints it plus one.
const incrementSource = `
.global n int
	LGHA @n
	SCAN32
	LG32 @n
	LC32 1
	ADD
	PRINT32
	HALT
`

// newTestServer serves a fresh Server over httptest. Sessions are closed
// before the listener so that open event streams end.
func newTestServer(t *testing.T, cfg Config) (*Server, *Client) {
	t.Helper()
	if cfg.StackSize == 0 {
		cfg.StackSize = 4096
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return srv, NewClient(ts.Client(), ts.URL)
}

// loadSession creates a session and loads source into it.
func loadSession(t *testing.T, ctx context.Context, c *Client, source string) (string, *ProgramInfo) {
	t.Helper()
	id, err := c.CreateSession(ctx, t.Name())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	info, err := c.Load(ctx, &LoadRequest{SessionID: id, Name: "test", Source: source})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return id, info
}

type eventReader struct {
	t      *testing.T
	stream *connect.ServerStreamForClient[Event]
}

func subscribe(t *testing.T, ctx context.Context, c *Client, id string, since int) *eventReader {
	t.Helper()
	stream, err := c.Events(ctx, &EventsRequest{SessionID: id, Since: since})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	t.Cleanup(func() { stream.Close() })
	return &eventReader{t: t, stream: stream}
}

func (r *eventReader) next() Event {
	r.t.Helper()
	if !r.stream.Receive() {
		r.t.Fatalf("event stream ended: %v", r.stream.Err())
	}
	return *r.stream.Msg()
}

// waitFor skips events until one of kind arrives.
func (r *eventReader) waitFor(kind string) Event {
	r.t.Helper()
	for {
		if e := r.next(); e.Kind == kind {
			return e
		}
	}
}

func wantCode(t *testing.T, err error, code connect.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("got no error, want %s", code)
	}
	var ce *connect.Error
	if !errors.As(err, &ce) {
		t.Fatalf("error %v is not a connect error", err)
	}
	if ce.Code() != code {
		t.Errorf("code = %s (%v), want %s", ce.Code(), err, code)
	}
}
