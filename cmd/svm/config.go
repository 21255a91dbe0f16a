package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/svm/lib/stdlib"
	"github.com/chazu/svm/lib/tracedb"
	"github.com/chazu/svm/manifest"
	"github.com/chazu/svm/pkg/bytecode"
	"github.com/chazu/svm/vm"
)

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(s string) error {
	*l = append(*l, s)
	return nil
}

// config is the manifest with command-line overrides applied.
type config struct {
	*manifest.Manifest
	breaks stringList
}

// newFlagSet returns a flag set whose defaults come from the nearest
// svm.toml, so flags given on the command line win over the manifest.
func newFlagSet(name string) (*flag.FlagSet, *config, error) {
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, nil, err
	}
	if m == nil {
		m = manifest.Default()
	}
	cfg := &config{Manifest: m}

	fs := flag.NewFlagSet("svm "+name, flag.ContinueOnError)
	fs.IntVar(&m.Log.Verbosity, "v", m.Log.Verbosity, "log verbosity (0 quiet, 1 info, 2 debug)")
	fs.StringVar(&m.Log.Path, "log", m.Log.Path, "log file (default stderr)")
	fs.IntVar(&m.VM.StackSize, "stack", m.VM.StackSize, "stack size in bytes")
	fs.IntVar(&m.VM.HeapLimit, "heap", m.VM.HeapLimit, "heap limit in bytes (0 unlimited)")
	fs.StringVar(&m.Program.Entry, "entry", m.Program.Entry, "function to start at instead of the program entry")
	return fs, cfg, nil
}

// addDebugFlags registers the flags shared by commands that execute programs.
func (c *config) addDebugFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Trace.DB, "trace", c.Trace.DB, "record execution events in this SQLite database")
	fs.BoolVar(&c.VM.Profile, "profile", c.VM.Profile, "count function calls and report the hottest")
	fs.Var(&c.breaks, "break", "breakpoint as file:line or address (repeatable)")
	fs.BoolVar(&c.Debug.OnSource, "source", c.Debug.OnSource, "step by source line instead of by instruction")
}

// configureLogging applies the log section through commonlog.
func (c *config) configureLogging() {
	var path *string
	if p := c.LogPath(); p != "" {
		path = &p
	}
	commonlog.Configure(c.Log.Verbosity, path)
}

// loadProgram loads the program named on the command line, or the one the
// manifest configures.
func (c *config) loadProgram(args []string) (*bytecode.Program, error) {
	if len(args) == 0 {
		return c.LoadProgram()
	}
	if len(args) > 1 {
		return nil, fmt.Errorf("expected one program, got %d", len(args))
	}
	p, err := bytecode.LoadFile(args[0])
	if err != nil {
		return nil, err
	}
	if c.Program.Entry != "" {
		if err := manifest.SetEntry(p, c.Program.Entry); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// newVM creates a VM for p with the standard externals bound. The returned
// profiler is nil unless profiling is enabled.
func (c *config) newVM(p *bytecode.Program, opts ...vm.Option) (*vm.VM, *vm.Profiler, error) {
	var prof *vm.Profiler
	if c.VM.Profile {
		prof = vm.NewProfiler()
		prof.HotThreshold = c.VM.HotThreshold
		opts = append(opts, vm.WithProfiler(prof))
	}
	if c.VM.HeapLimit > 0 {
		opts = append(opts, vm.WithHeapLimit(c.VM.HeapLimit))
	}
	v := vm.New(opts...)
	if err := v.Initialize(p, c.VM.StackSize); err != nil {
		return nil, nil, err
	}
	if _, err := stdlib.BindAll(v); err != nil {
		return nil, nil, err
	}
	return v, prof, nil
}

// breakpoints returns the manifest breakpoints followed by -break flags.
func (c *config) breakpoints() []string {
	return append(append([]string(nil), c.Debug.Breakpoints...), c.breaks...)
}

// openTrace starts a trace run for p when tracing is configured. The
// returned function closes the database; the recorder ends the run when
// the VM terminates.
func (c *config) openTrace(v *vm.VM, p *bytecode.Program) (func() error, error) {
	path := c.TracePath()
	if path == "" {
		return func() error { return nil }, nil
	}
	db, err := tracedb.Open(path)
	if err != nil {
		return nil, err
	}
	run, err := db.BeginRun(p.Name)
	if err != nil {
		db.Close()
		return nil, err
	}
	tracedb.Attach(v, run)
	return db.Close, nil
}
