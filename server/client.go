package server

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// Client calls a debug service.
type Client struct {
	http    connect.HTTPClient
	baseURL string
}

// NewClient creates a client for the service at baseURL
// (e.g. "http://localhost:8765").
func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	return &Client{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

// Call invokes a unary procedure.
func Call[Req, Res any](ctx context.Context, c *Client, procedure string, req *Req) (*Res, error) {
	client := connect.NewClient[Req, Res](c.http, c.baseURL+procedure, connect.WithCodec(Codec{}))
	res, err := client.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// Events subscribes to a session's event stream.
func (c *Client) Events(ctx context.Context, req *EventsRequest) (*connect.ServerStreamForClient[Event], error) {
	client := connect.NewClient[EventsRequest, Event](c.http, c.baseURL+EventsProcedure, connect.WithCodec(Codec{}))
	return client.CallServerStream(ctx, connect.NewRequest(req))
}

func (c *Client) CreateSession(ctx context.Context, name string) (string, error) {
	res, err := Call[CreateSessionRequest, CreateSessionResponse](ctx, c, CreateSessionProcedure,
		&CreateSessionRequest{Name: name})
	if err != nil {
		return "", err
	}
	return res.SessionID, nil
}

func (c *Client) Load(ctx context.Context, req *LoadRequest) (*ProgramInfo, error) {
	return Call[LoadRequest, ProgramInfo](ctx, c, LoadProcedure, req)
}

func (c *Client) Run(ctx context.Context, req *RunRequest) error {
	_, err := Call[RunRequest, Empty](ctx, c, RunProcedure, req)
	return err
}

// Control invokes one of the session-only procedures: Pause, Resume, the
// step commands, Stop, ClearBreakpoints, or Close.
func (c *Client) Control(ctx context.Context, procedure, sessionID string) error {
	_, err := Call[SessionRequest, Empty](ctx, c, procedure, &SessionRequest{SessionID: sessionID})
	return err
}

func (c *Client) AddBreakpoint(ctx context.Context, req *BreakpointRequest) (*BreakpointInfo, error) {
	return Call[BreakpointRequest, BreakpointInfo](ctx, c, AddBreakpointProcedure, req)
}

func (c *Client) State(ctx context.Context, sessionID string) (*StateResponse, error) {
	return Call[SessionRequest, StateResponse](ctx, c, StateProcedure, &SessionRequest{SessionID: sessionID})
}

func (c *Client) Variables(ctx context.Context, sessionID string) (*VariablesResponse, error) {
	return Call[SessionRequest, VariablesResponse](ctx, c, VariablesProcedure, &SessionRequest{SessionID: sessionID})
}

func (c *Client) SendInput(ctx context.Context, sessionID, line string) error {
	_, err := Call[InputRequest, Empty](ctx, c, SendInputProcedure, &InputRequest{SessionID: sessionID, Line: line})
	return err
}
