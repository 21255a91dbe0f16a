package server

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/svm/pkg/bytecode"
	"github.com/chazu/svm/vm"

	_ "github.com/tliron/commonlog/simple"
)

const (
	lspName = "svm-lsp"

	// ToggleBreakpointCommand is the code lens command. Its arguments are
	// the source file and line.
	ToggleBreakpointCommand = "svm.toggleBreakpoint"
)

// LspServer maps editor positions in source files onto a program's debug
// tables. It hovers instructions and variables, offers breakpoint code
// lenses, and assembles .s documents as they change, reporting errors as
// diagnostics and adopting the result as the current program.
type LspServer struct {
	worker *VMWorker
	log    commonlog.Logger

	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates an LSP server. p may be nil until an assembly document is
// opened.
func NewLSP(p *bytecode.Program) (*LspServer, error) {
	v := vm.New(vm.WithOutput(io.Discard))
	if p != nil {
		if err := v.Initialize(p, 0); err != nil {
			return nil, err
		}
	}
	s := &LspServer{
		worker:  NewVMWorker(v),
		log:     commonlog.GetLogger("svm.lsp"),
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
		TextDocumentCodeLens:   s.textDocumentCodeLens,

		WorkspaceExecuteCommand: s.workspaceExecuteCommand,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s, nil
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	s.log.Info("svm LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{}
	capabilities.HoverProvider = true
	capabilities.CodeLensProvider = &protocol.CodeLensOptions{ResolveProvider: boolPtr(false)}
	capabilities.ExecuteCommandProvider = &protocol.ExecuteCommandOptions{
		Commands: []string{ToggleBreakpointCommand},
	}

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.worker.Stop()
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.documentChanged(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.documentChanged(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

// documentChanged reassembles assembly documents. Source documents are
// only read through the loaded program's debug tables.
func (s *LspServer) documentChanged(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	if !isAssembly(string(uri)) {
		return
	}
	p, diagnostics := assemble(uriPath(string(uri)), text)
	if p != nil {
		if _, err := s.load(p); err != nil {
			diagnostics = append(diagnostics, diagnostic(0, err.Error()))
		}
	}
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

// load replaces the program, keeping breakpoints whose lines still map.
func (s *LspServer) load(p *bytecode.Program) (any, error) {
	return s.worker.Do(func(v *vm.VM) (any, error) {
		old := v.Breakpoints()
		if err := v.Initialize(p, 0); err != nil {
			return nil, err
		}
		for _, bp := range old {
			if bp.File == "" {
				continue
			}
			if _, err := v.AddBreakpointAtLine(bp.File, bp.Line, bp.Temporary, bp.Enabled); err != nil {
				s.log.Debugf("dropping breakpoint %s: %s", bp, err)
			}
		}
		return nil, nil
	})
}

// --- Language features ---

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}

	assembly := isAssembly(string(params.TextDocument.URI))
	return s.worker.Do(func(v *vm.VM) (any, error) {
		return s.complete(v, prefix, assembly), nil
	})
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}

	path := uriPath(string(params.TextDocument.URI))
	word := extractWord(text, params.Position)
	result, err := s.worker.Do(func(v *vm.VM) (any, error) {
		return s.hover(v, path, int(params.Position.Line)+1, word), nil
	})
	if err != nil || result == nil {
		return nil, nil
	}

	h := result.(*protocol.Hover)
	if h == nil {
		return nil, nil
	}
	return h, nil
}

func (s *LspServer) textDocumentCodeLens(ctx *glsp.Context, params *protocol.CodeLensParams) ([]protocol.CodeLens, error) {
	path := uriPath(string(params.TextDocument.URI))
	result, err := s.worker.Do(func(v *vm.VM) (any, error) {
		return s.codeLenses(v, path), nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]protocol.CodeLens), nil
}

func (s *LspServer) workspaceExecuteCommand(ctx *glsp.Context, params *protocol.ExecuteCommandParams) (any, error) {
	if params.Command != ToggleBreakpointCommand {
		return nil, fmt.Errorf("unknown command %q", params.Command)
	}
	return s.worker.Do(func(v *vm.VM) (any, error) {
		return toggle(v, params.Arguments)
	})
}

// --- VM-backed logic (called on worker goroutine) ---

// sourceFile matches an editor path against the program's source files.
func sourceFile(v *vm.VM, path string) (string, bool) {
	p := v.Program()
	if p == nil {
		return "", false
	}
	for _, f := range p.Files() {
		if path == f || strings.HasSuffix(path, "/"+f) {
			return f, true
		}
	}
	return "", false
}

func (s *LspServer) complete(v *vm.VM, prefix string, assembly bool) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	lower := strings.ToLower(prefix)

	if assembly {
		kind := protocol.CompletionItemKindKeyword
		for _, op := range bytecode.AllOpcodes() {
			info := bytecode.GetOpcodeInfo(op)
			if strings.HasPrefix(strings.ToLower(info.Name), lower) {
				detail := fmt.Sprintf("%d operand bytes", op.OperandLen())
				items = append(items, protocol.CompletionItem{
					Label:  info.Name,
					Kind:   &kind,
					Detail: &detail,
				})
			}
		}
	}

	if info := v.DebugInfo(); info != nil {
		kind := protocol.CompletionItemKindFunction
		for _, fn := range info.Functions() {
			if strings.HasPrefix(strings.ToLower(fn.Name), lower) {
				detail := fmt.Sprintf("%04X..%04X, %d parameter bytes", fn.StartIP, fn.EndIP, fn.ParamSize())
				items = append(items, protocol.CompletionItem{
					Label:  fn.Name,
					Kind:   &kind,
					Detail: &detail,
				})
			}
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Label < items[j].Label })
	return items
}

// hover describes a function when the word under the cursor names one,
// otherwise the code generated for the hovered line.
func (s *LspServer) hover(v *vm.VM, path string, line int, word string) *protocol.Hover {
	info := v.DebugInfo()
	if info == nil {
		return nil
	}

	var b strings.Builder
	if fn, ok := info.FunctionByName(word); ok && word != "" {
		fmt.Fprintf(&b, "**%s** `%04X..%04X`", fn.Name, fn.StartIP, fn.EndIP)
		if len(fn.Params) > 0 {
			b.WriteString("\n\nParameters:")
			for _, p := range fn.Params {
				fmt.Fprintf(&b, "\n- `%s %s`", p.Type, p.Name)
			}
		}
		return markdownHover(b.String())
	}

	file, ok := sourceFile(v, path)
	if !ok {
		return nil
	}
	ip, ok := info.GetIPFromLine(file, line)
	if !ok {
		return nil
	}

	if fn, ok := info.GetFunctionAtIP(ip); ok {
		fmt.Fprintf(&b, "**%s** ", fn.Name)
	}
	fmt.Fprintf(&b, "`%s:%d` at `%04X`", file, line, ip)
	if bp, ok := v.BreakpointAt(ip); ok {
		if bp.Enabled {
			b.WriteString(" (breakpoint)")
		} else {
			b.WriteString(" (disabled breakpoint)")
		}
	}

	b.WriteString("\n\n```\n")
	for _, l := range lineDisassembly(v, ip) {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	b.WriteString("```")

	if vars := info.FetchDeclaredVariablesAtIP(ip); len(vars) > 0 {
		b.WriteString("\n\nIn scope:")
		for _, dv := range vars {
			fmt.Fprintf(&b, "\n- `%s %s` (%s)", dv.Type, dv.Name, dv.Kind)
		}
	}
	return markdownHover(b.String())
}

// lineDisassembly lists the instructions from ip up to the next line record.
func lineDisassembly(v *vm.VM, ip int) []string {
	code := v.Program().Code
	end := len(code)
	for _, l := range v.DebugInfo().Lines() {
		if l.IP > ip {
			end = l.IP
			break
		}
	}
	var out []string
	for off := ip; off < end; {
		text, n := bytecode.DisassembleInstruction(code, off)
		if n == 0 {
			break
		}
		out = append(out, fmt.Sprintf("%04X  %s", off, text))
		off += n
	}
	return out
}

func markdownHover(text string) *protocol.Hover {
	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: text,
		},
	}
}

// codeLenses puts a breakpoint toggle on every line that generated code.
func (s *LspServer) codeLenses(v *vm.VM, path string) []protocol.CodeLens {
	lenses := []protocol.CodeLens{}
	file, ok := sourceFile(v, path)
	if !ok {
		return lenses
	}
	info := v.DebugInfo()
	seen := make(map[int]bool)
	for _, l := range info.Lines() {
		if l.File != file || seen[l.Line] {
			continue
		}
		seen[l.Line] = true
		ip, _ := info.GetIPFromLine(file, l.Line)

		title := fmt.Sprintf("○ %04X", ip)
		if _, ok := v.BreakpointAt(ip); ok {
			title = fmt.Sprintf("● %04X", ip)
		}
		pos := protocol.Position{Line: protocol.UInteger(l.Line - 1)}
		lenses = append(lenses, protocol.CodeLens{
			Range: protocol.Range{Start: pos, End: pos},
			Command: &protocol.Command{
				Title:     title,
				Command:   ToggleBreakpointCommand,
				Arguments: []any{file, l.Line},
			},
		})
	}
	sort.Slice(lenses, func(i, j int) bool { return lenses[i].Range.Start.Line < lenses[j].Range.Start.Line })
	return lenses
}

// toggle runs the code lens command. Arguments arrive JSON-decoded, so the
// line is usually a float64.
func toggle(v *vm.VM, args []any) (bool, error) {
	if len(args) != 2 {
		return false, fmt.Errorf("%s: want file and line, got %d arguments", ToggleBreakpointCommand, len(args))
	}
	file, ok := args[0].(string)
	if !ok {
		return false, fmt.Errorf("%s: file must be a string", ToggleBreakpointCommand)
	}
	var line int
	switch n := args[1].(type) {
	case float64:
		line = int(n)
	case int:
		line = n
	default:
		return false, fmt.Errorf("%s: line must be a number", ToggleBreakpointCommand)
	}
	return v.ToggleBreakpoint(file, line)
}

// --- Diagnostics ---

// assemble returns the program, or the diagnostics explaining why there is
// none.
func assemble(name, text string) (*bytecode.Program, []protocol.Diagnostic) {
	p, err := bytecode.Assemble(name, text)
	if err == nil {
		return p, []protocol.Diagnostic{}
	}
	var asmErr *bytecode.AsmError
	if errors.As(err, &asmErr) {
		return nil, []protocol.Diagnostic{diagnostic(asmErr.Line-1, asmErr.Msg)}
	}
	return nil, []protocol.Diagnostic{diagnostic(0, err.Error())}
}

func diagnostic(line int, msg string) protocol.Diagnostic {
	if line < 0 {
		line = 0
	}
	severity := protocol.DiagnosticSeverityError
	source := lspName
	pos := protocol.Position{Line: protocol.UInteger(line)}
	return protocol.Diagnostic{
		Range:    protocol.Range{Start: pos, End: pos},
		Severity: &severity,
		Source:   &source,
		Message:  msg,
	}
}

// --- Text extraction helpers ---

func isAssembly(uri string) bool {
	return strings.HasSuffix(uri, ".s") || strings.HasSuffix(uri, ".svm")
}

func uriPath(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	// Walk backwards from cursor to find the start of the identifier
	start := col
	for start > 0 {
		ch := rune(line[start-1])
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_' || ch == '.' {
			start--
		} else {
			break
		}
	}

	if start == col {
		return ""
	}

	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := int(pos.Character)
	if col > len(line) {
		col = len(line)
	}

	start := col
	for start > 0 && isIdentByte(line[start-1]) {
		start--
	}
	end := col
	for end < len(line) && isIdentByte(line[end]) {
		end++
	}

	if start == end {
		return ""
	}

	return line[start:end]
}

func isIdentByte(c byte) bool {
	ch := rune(c)
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

func boolPtr(b bool) *bool {
	return &b
}
