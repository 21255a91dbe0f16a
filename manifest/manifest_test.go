package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[program]
name = "demo"
source = "main.s"
entry = "main"

[vm]
stack-size = 65536
heap-limit = 1024
profile = true

[debug]
on-source = true
stop-on-entry = true
breakpoints = ["main.c:3", "lib/util.c:10"]

[log]
verbosity = 2
path = "svm.log"

[trace]
db = "trace.db"

[server]
addr = ":9000"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Program.Name != "demo" || m.Program.Entry != "main" {
		t.Errorf("program = %+v", m.Program)
	}
	if m.ProgramPath() != filepath.Join(m.Dir, "main.s") {
		t.Errorf("program path = %q", m.ProgramPath())
	}
	if m.VM.StackSize != 65536 || m.VM.HeapLimit != 1024 || !m.VM.Profile {
		t.Errorf("vm = %+v", m.VM)
	}
	if m.VM.HotThreshold != DefaultHotThreshold {
		t.Errorf("hot threshold = %d, want default", m.VM.HotThreshold)
	}
	if !m.Debug.OnSource || !m.Debug.StopOnEntry {
		t.Errorf("debug = %+v", m.Debug)
	}
	refs, err := m.BreakpointLines()
	if err != nil || len(refs) != 2 || refs[1] != (LineRef{"lib/util.c", 10}) {
		t.Errorf("breakpoints = %v, %v", refs, err)
	}
	if m.Log.Verbosity != 2 || m.LogPath() != filepath.Join(m.Dir, "svm.log") {
		t.Errorf("log = %+v", m.Log)
	}
	if m.TracePath() != filepath.Join(m.Dir, "trace.db") {
		t.Errorf("trace path = %q", m.TracePath())
	}
	if m.Server.Addr != ":9000" || m.Server.HealthAddr != DefaultHealthAddr {
		t.Errorf("server = %+v", m.Server)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[program]\nimage = \"a.svmi\"\n")

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.VM.StackSize != DefaultStackSize || m.Server.Addr != DefaultAddr {
		t.Errorf("defaults not applied: %+v %+v", m.VM, m.Server)
	}
	if m.TracePath() != "" || m.LogPath() != "" {
		t.Error("optional paths should stay empty")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[vm]\nstack = 10\n")
	if _, err := Load(dir); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestLoadRejectsBadBreakpoint(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[debug]\nbreakpoints = [\"main.c\"]\n")
	if _, err := Load(dir); err == nil {
		t.Error("breakpoint without a line accepted")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "[program]\nname = \"root\"\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	if m == nil || m.Program.Name != "root" {
		t.Fatalf("manifest = %+v", m)
	}
}

func TestFindAndLoadNone(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	if m != nil {
		t.Errorf("found unexpected manifest in %s", m.Dir)
	}
}

func TestLoadProgramFromSource(t *testing.T) {
	dir := t.TempDir()
	src := ".func helper\n\tRET\n.endfunc\n.func main\n\tHALT\n.endfunc\n"
	if err := os.WriteFile(filepath.Join(dir, "p.s"), []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, "[program]\nsource = \"p.s\"\nentry = \"main\"\nname = \"p\"\n")

	m, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	p, err := m.LoadProgram()
	if err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	if p.Entry != 1 || p.Name != "p" {
		t.Errorf("entry = %d, name = %q; want 1, p", p.Entry, p.Name)
	}

	m.Program.Entry = "missing"
	if _, err := m.LoadProgram(); err == nil {
		t.Error("missing entry function accepted")
	}
}

func TestParseLineRef(t *testing.T) {
	tests := []struct {
		in   string
		want LineRef
		ok   bool
	}{
		{"a.c:1", LineRef{"a.c", 1}, true},
		{`C:\src\a.c:12`, LineRef{`C:\src\a.c`, 12}, true},
		{"a.c", LineRef{}, false},
		{":3", LineRef{}, false},
		{"a.c:0", LineRef{}, false},
	}
	for _, tt := range tests {
		got, err := ParseLineRef(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseLineRef(%q) = %v, %v", tt.in, got, err)
		}
	}
	if s := (LineRef{"x.c", 4}).String(); s != "x.c:4" {
		t.Errorf("String = %q", s)
	}
}
