// Package manifest handles svm.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/svm/pkg/bytecode"
)

// FileName is the manifest file looked up in a project directory.
const FileName = "svm.toml"

// Manifest represents an svm.toml project configuration.
type Manifest struct {
	Program ProgramConfig `toml:"program"`
	VM      VMConfig      `toml:"vm"`
	Debug   DebugConfig   `toml:"debug"`
	Log     LogConfig     `toml:"log"`
	Trace   TraceConfig   `toml:"trace"`
	Server  ServerConfig  `toml:"server"`

	// Dir is the directory containing the svm.toml file (set at load time).
	Dir string `toml:"-"`
}

// ProgramConfig names the program to load. Image wins over Source.
type ProgramConfig struct {
	Name   string `toml:"name"`
	Image  string `toml:"image"`
	Source string `toml:"source"`
	Entry  string `toml:"entry"` // function name overriding the program's entry
}

// VMConfig sizes the machine.
type VMConfig struct {
	StackSize    int    `toml:"stack-size"`
	HeapLimit    int    `toml:"heap-limit"`
	Profile      bool   `toml:"profile"`
	HotThreshold uint64 `toml:"hot-threshold"`
}

// DebugConfig sets the initial debugger state.
type DebugConfig struct {
	OnSource    bool     `toml:"on-source"`
	StopOnEntry bool     `toml:"stop-on-entry"`
	Breakpoints []string `toml:"breakpoints"` // "file:line"
}

// LogConfig configures commonlog.
type LogConfig struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// TraceConfig enables execution trace recording.
type TraceConfig struct {
	DB string `toml:"db"`
}

// ServerConfig configures `svm serve`.
type ServerConfig struct {
	Addr       string `toml:"addr"`
	HealthAddr string `toml:"health-addr"`
}

// Defaults.
const (
	DefaultStackSize    = 1 << 20
	DefaultHotThreshold = 100
	DefaultAddr         = "localhost:8765"
	DefaultHealthAddr   = "localhost:8766"
)

// Default returns a manifest with every default applied and no program.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.VM.StackSize <= 0 {
		m.VM.StackSize = DefaultStackSize
	}
	if m.VM.HotThreshold == 0 {
		m.VM.HotThreshold = DefaultHotThreshold
	}
	if m.Server.Addr == "" {
		m.Server.Addr = DefaultAddr
	}
	if m.Server.HealthAddr == "" {
		m.Server.HealthAddr = DefaultHealthAddr
	}
}

// Load parses an svm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m.applyDefaults()

	if _, err := m.BreakpointLines(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find an svm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// resolve makes p absolute relative to the manifest directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// ProgramPath returns the image or source path to load, or "".
func (m *Manifest) ProgramPath() string {
	if m.Program.Image != "" {
		return m.resolve(m.Program.Image)
	}
	return m.resolve(m.Program.Source)
}

// TracePath returns the trace database path, or "" when tracing is off.
func (m *Manifest) TracePath() string {
	return m.resolve(m.Trace.DB)
}

// LogPath returns the log file path, or "" for stderr.
func (m *Manifest) LogPath() string {
	return m.resolve(m.Log.Path)
}

// LineRef is a file:line location.
type LineRef struct {
	File string
	Line int
}

func (r LineRef) String() string {
	return r.File + ":" + strconv.Itoa(r.Line)
}

// ParseLineRef parses "file:line". The file part may itself contain colons.
func ParseLineRef(s string) (LineRef, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return LineRef{}, fmt.Errorf("breakpoint %q: want file:line", s)
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil || n <= 0 {
		return LineRef{}, fmt.Errorf("breakpoint %q: bad line number", s)
	}
	return LineRef{File: s[:i], Line: n}, nil
}

// BreakpointLines parses the configured breakpoints.
func (m *Manifest) BreakpointLines() ([]LineRef, error) {
	refs := make([]LineRef, 0, len(m.Debug.Breakpoints))
	for _, s := range m.Debug.Breakpoints {
		r, err := ParseLineRef(s)
		if err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, nil
}

// LoadProgram reads the configured program and applies the entry override.
func (m *Manifest) LoadProgram() (*bytecode.Program, error) {
	path := m.ProgramPath()
	if path == "" {
		return nil, fmt.Errorf("%s: no [program] image or source", FileName)
	}
	p, err := bytecode.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if m.Program.Name != "" {
		p.Name = m.Program.Name
	}
	if m.Program.Entry != "" {
		if err := SetEntry(p, m.Program.Entry); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// SetEntry points the program's entry at the named function.
func SetEntry(p *bytecode.Program, name string) error {
	for _, fn := range p.Functions {
		if fn.Name == name {
			p.Entry = fn.StartIP
			return nil
		}
	}
	return fmt.Errorf("entry function %q not found", name)
}
