package server

// Messages exchanged with the debug service. Every session-scoped request
// names its session; CreateSession hands out the ID.

// Empty is the response of operations that return nothing.
type Empty struct{}

type CreateSessionRequest struct {
	Name string `cbor:"name"`
}

type CreateSessionResponse struct {
	SessionID string `cbor:"session_id"`
}

// SessionRequest addresses a session without further arguments. Pause,
// Resume, the step commands, State, Variables, ClearBreakpoints, and Close
// take it.
type SessionRequest struct {
	SessionID string `cbor:"session_id"`
}

// LoadRequest carries either assembly source or a serialized image.
type LoadRequest struct {
	SessionID string `cbor:"session_id"`
	Name      string `cbor:"name"`
	Source    string `cbor:"source,omitempty"`
	Image     []byte `cbor:"image,omitempty"`
	StackSize int    `cbor:"stack_size,omitempty"`
}

type FunctionInfo struct {
	Name      string `cbor:"name"`
	File      string `cbor:"file"`
	StartIP   int    `cbor:"start"`
	EndIP     int    `cbor:"end"`
	ParamSize int    `cbor:"params"`
}

// ProgramInfo describes a loaded program. Unbound lists declared externals
// with no host handler; calling one faults.
type ProgramInfo struct {
	Name         string         `cbor:"name"`
	CodeSize     int            `cbor:"code_size"`
	DataSize     int            `cbor:"data_size"`
	Instructions int            `cbor:"instructions"`
	Entry        int            `cbor:"entry"`
	Files        []string       `cbor:"files"`
	Functions    []FunctionInfo `cbor:"functions"`
	Externals    []string       `cbor:"externals"`
	Unbound      []string       `cbor:"unbound"`
}

// RunRequest starts execution. Mode is one of run, over, into, out. A
// positive Line makes File:Line a run-to target.
type RunRequest struct {
	SessionID string `cbor:"session_id"`
	Mode      string `cbor:"mode"`
	OnSource  bool   `cbor:"on_source"`
	File      string `cbor:"file,omitempty"`
	Line      int    `cbor:"line,omitempty"`
}

type RunToLineRequest struct {
	SessionID string `cbor:"session_id"`
	File      string `cbor:"file"`
	Line      int    `cbor:"line"`
}

// BreakpointRequest locates a breakpoint by File:Line, or by IP when File
// is empty.
type BreakpointRequest struct {
	SessionID string `cbor:"session_id"`
	File      string `cbor:"file,omitempty"`
	Line      int    `cbor:"line,omitempty"`
	IP        int    `cbor:"ip,omitempty"`
	Temporary bool   `cbor:"temporary,omitempty"`
	Disabled  bool   `cbor:"disabled,omitempty"`
}

type BreakpointInfo struct {
	IP        int    `cbor:"ip"`
	File      string `cbor:"file"`
	Line      int    `cbor:"line"`
	Temporary bool   `cbor:"temporary"`
	Enabled   bool   `cbor:"enabled"`
}

type ToggleResponse struct {
	Added bool `cbor:"added"`
}

type StateResponse struct {
	Loaded      bool             `cbor:"loaded"`
	Running     bool             `cbor:"running"`
	Paused      bool             `cbor:"paused"`
	IP          int              `cbor:"ip"`
	Mode        string           `cbor:"mode"`
	OnSource    bool             `cbor:"on_source"`
	Function    string           `cbor:"function"`
	File        string           `cbor:"file"`
	Line        int              `cbor:"line"`
	Breakpoints []BreakpointInfo `cbor:"breakpoints"`
}

type VariableInfo struct {
	Name    string `cbor:"name"`
	Type    string `cbor:"type"`
	Kind    string `cbor:"kind"`
	Address uint64 `cbor:"address"`
	Value   string `cbor:"value"`
	Error   string `cbor:"error,omitempty"`
}

type FrameInfo struct {
	Function string `cbor:"function"`
	File     string `cbor:"file"`
	Line     int    `cbor:"line"`
	IP       int    `cbor:"ip"`
	BP       int    `cbor:"bp"`
}

type VariablesResponse struct {
	Variables []VariableInfo `cbor:"variables"`
	Frames    []FrameInfo    `cbor:"frames"`
}

// ReadStackRequest reads Size bytes at resident address Offset.
type ReadStackRequest struct {
	SessionID string `cbor:"session_id"`
	Offset    int    `cbor:"offset"`
	Size      int    `cbor:"size"`
}

type ReadStackResponse struct {
	Data []byte `cbor:"data"`
}

// InputRequest answers a console read with one line.
type InputRequest struct {
	SessionID string `cbor:"session_id"`
	Line      string `cbor:"line"`
}

// EventsRequest subscribes to a session's events with Seq > Since.
type EventsRequest struct {
	SessionID string `cbor:"session_id"`
	Since     int    `cbor:"since"`
}

// Event kinds.
const (
	EventPause      = "pause"
	EventStep       = "step"
	EventBreakpoint = "breakpoint"
	EventPrint      = "print"
	EventInput      = "input" // the program is waiting for SendInput
	EventTerminate  = "terminate"
)

// Event is one entry of a session's event log.
type Event struct {
	Seq   int    `cbor:"seq"`
	Kind  string `cbor:"kind"`
	IP    int    `cbor:"ip"`
	File  string `cbor:"file,omitempty"`
	Line  int    `cbor:"line,omitempty"`
	Mode  string `cbor:"mode,omitempty"`
	Text  string `cbor:"text,omitempty"`
	Error string `cbor:"error,omitempty"`
}
