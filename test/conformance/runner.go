package conformance

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chazu/svm/lib/stdlib"
	"github.com/chazu/svm/manifest"
	"github.com/chazu/svm/pkg/bytecode"
	"github.com/chazu/svm/vm"
)

// DefaultTimeout bounds a single test run. Tests that wait for input that
// never arrives fail with a cancellation instead of hanging the suite.
const DefaultTimeout = 5 * time.Second

// TestResult represents the outcome of running a single test
type TestResult struct {
	Test       LoadedTest
	Passed     bool
	Skipped    bool
	SkipReason string
	Error      error
}

// Runner executes conformance tests
type Runner struct {
	Timeout time.Duration
	Seed    uint64
}

// NewRunner creates a runner with a fixed random seed so suites that call
// the random external are reproducible.
func NewRunner() *Runner {
	return &Runner{Timeout: DefaultTimeout, Seed: 1}
}

// faultNames maps the error names a suite may expect to VM sentinels.
var faultNames = map[string]error{
	"unknown_opcode":   vm.ErrUnknownOpcode,
	"unbound_external": vm.ErrUnboundExternal,
	"stack_overflow":   vm.ErrStackOverflow,
	"stack_underflow":  vm.ErrStackUnderflow,
	"invalid_address":  vm.ErrInvalidAddress,
	"ip_out_of_range":  vm.ErrIPOutOfRange,
	"divide_by_zero":   vm.ErrDivideByZero,
	"cancelled":        vm.ErrCancelled,
}

// observed collects what a run did.
type observed struct {
	mu    sync.Mutex
	stops []Stop
	err   error
}

func (o *observed) stop(kind string, ip, line int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stops = append(o.stops, Stop{Kind: kind, IP: &ip, Line: line})
	return len(o.stops)
}

// Run executes one test case.
func (r *Runner) Run(test LoadedTest) TestResult {
	result := TestResult{Test: test}
	if skip, reason := test.Test.IsSkipped(); skip {
		result.Skipped = true
		result.SkipReason = reason
		return result
	}
	if err := r.run(test.Test); err != nil {
		result.Error = err
		return result
	}
	result.Passed = true
	return result
}

func (r *Runner) run(tc TestCase) error {
	p, err := bytecode.Assemble(tc.Name+".s", tc.Source)
	if err != nil {
		return fmt.Errorf("assemble: %w", err)
	}
	mode, err := vm.ParseStepMode(tc.Mode)
	if err != nil {
		return err
	}

	out := new(strings.Builder)
	input := ""
	if len(tc.Input) > 0 {
		input = strings.Join(tc.Input, "\n") + "\n"
	}
	opts := []vm.Option{vm.WithOutput(out), vm.WithInput(strings.NewReader(input))}
	if tc.HeapLimit > 0 {
		opts = append(opts, vm.WithHeapLimit(tc.HeapLimit))
	}
	v := vm.New(opts...)
	defer v.Free()
	if err := v.Initialize(p, tc.StackSize); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if _, err := stdlib.New(stdlib.WithSeed(r.Seed)).Bind(v); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	for _, loc := range tc.Breakpoints {
		if err := addBreakpoint(v, loc); err != nil {
			return err
		}
	}
	runTo := -1
	if tc.RunTo != "" {
		ref, err := manifest.ParseLineRef(tc.RunTo)
		if err != nil {
			return err
		}
		ip, ok := v.DebugInfo().GetIPFromLine(ref.File, ref.Line)
		if !ok {
			return fmt.Errorf("run_to %s: %w", ref, vm.ErrNoLineMapping)
		}
		runTo = ip
	}

	obs := &observed{}
	line := func(ip int) int {
		if l, ok := v.DebugInfo().GetLineFromIP(ip, true); ok {
			return l.Line
		}
		return 0
	}
	// Each stop consumes the next step command; once they run out the
	// program resumes to completion.
	next := func(n int) {
		cmd := "resume"
		if n <= len(tc.Steps) {
			cmd = tc.Steps[n-1]
		}
		switch cmd {
		case "over":
			v.StepOver()
		case "into":
			v.StepInto()
		case "out":
			v.StepReturn()
		case "stop":
			v.Stop()
		default:
			v.Resume()
		}
	}
	v.SetEvents(vm.Events{
		OnStep:       func(ip int, _ vm.StepMode) { next(obs.stop("step", ip, line(ip))) },
		OnPause:      func(ip int) { next(obs.stop("pause", ip, line(ip))) },
		OnBreakpoint: func(bp vm.Breakpoint) { next(obs.stop("breakpoint", bp.IP, line(bp.IP))) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	defer cancel()
	obs.err = v.Run(ctx, mode, tc.OnSource, runTo)

	return checkExpectation(tc.Expect, v, out.String(), obs)
}

// addBreakpoint accepts "file:line" or a bare instruction address.
func addBreakpoint(v *vm.VM, loc string) error {
	if ip, err := strconv.ParseInt(loc, 0, 32); err == nil {
		_, err := v.AddBreakpoint(int(ip), false, true)
		return err
	}
	ref, err := manifest.ParseLineRef(loc)
	if err != nil {
		return err
	}
	_, err = v.AddBreakpointAtLine(ref.File, ref.Line, false, true)
	return err
}

func checkExpectation(want Expectation, v *vm.VM, output string, obs *observed) error {
	if err := checkError(want.Error, obs.err); err != nil {
		return err
	}
	if want.Output != nil && output != *want.Output {
		return fmt.Errorf("output = %q, want %q", output, *want.Output)
	}
	if want.Match != "" {
		re, err := regexp.Compile(want.Match)
		if err != nil {
			return fmt.Errorf("bad match pattern: %w", err)
		}
		if !re.MatchString(output) {
			return fmt.Errorf("output %q does not match /%s/", output, want.Match)
		}
	}
	if want.Stops != nil {
		if err := checkStops(want.Stops, obs.stops); err != nil {
			return err
		}
	}
	if want.Heap != nil {
		if n := v.Heap().Count(); n != *want.Heap {
			return fmt.Errorf("heap holds %d objects, want %d", n, *want.Heap)
		}
	}
	for name, value := range want.Globals {
		got, err := readGlobal(v, name)
		if err != nil {
			return err
		}
		if got != value {
			return fmt.Errorf("global %s = %d, want %d", name, got, value)
		}
	}
	return nil
}

func checkError(want string, got error) error {
	switch {
	case want == "" && got == nil:
		return nil
	case want == "":
		return fmt.Errorf("run failed: %w", got)
	case got == nil:
		return fmt.Errorf("run succeeded, want error %q", want)
	}
	if sentinel, ok := faultNames[want]; ok {
		if !errors.Is(got, sentinel) {
			return fmt.Errorf("error = %v, want %s", got, want)
		}
		return nil
	}
	if !strings.Contains(got.Error(), want) {
		return fmt.Errorf("error = %v, want it to contain %q", got, want)
	}
	return nil
}

func checkStops(want, got []Stop) error {
	if len(got) != len(want) {
		return fmt.Errorf("stopped %d times (%s), want %d", len(got), formatStops(got), len(want))
	}
	for i := range want {
		w, g := want[i], got[i]
		if w.Kind != g.Kind {
			return fmt.Errorf("stop %d is a %s, want %s (%s)", i, g.Kind, w.Kind, formatStops(got))
		}
		if w.IP != nil && *w.IP != *g.IP {
			return fmt.Errorf("stop %d at %04X, want %04X (%s)", i, *g.IP, *w.IP, formatStops(got))
		}
		if w.Line != 0 && w.Line != g.Line {
			return fmt.Errorf("stop %d on line %d, want %d", i, g.Line, w.Line)
		}
	}
	return nil
}

func formatStops(stops []Stop) string {
	parts := make([]string, len(stops))
	for i, s := range stops {
		parts[i] = fmt.Sprintf("%s@%04X", s.Kind, *s.IP)
	}
	return strings.Join(parts, " ")
}

func readGlobal(v *vm.VM, name string) (int32, error) {
	for _, g := range v.Program().Globals {
		if g.Name == name {
			return v.ReadStackInt32(g.Offset)
		}
	}
	return 0, fmt.Errorf("no global named %q", name)
}

// RunAll executes all tests
func (r *Runner) RunAll(tests []LoadedTest) []TestResult {
	results := make([]TestResult, 0, len(tests))
	for _, test := range tests {
		results = append(results, r.Run(test))
	}
	return results
}

// SummaryStats tallies a batch of results.
type SummaryStats struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int
}

// ComputeStats calculates summary statistics
func ComputeStats(results []TestResult) SummaryStats {
	stats := SummaryStats{Total: len(results)}
	for _, r := range results {
		switch {
		case r.Skipped:
			stats.Skipped++
		case r.Passed:
			stats.Passed++
		default:
			stats.Failed++
		}
	}
	return stats
}

// FormatStats returns a human-readable summary
func FormatStats(stats SummaryStats) string {
	return fmt.Sprintf("Total: %d, Passed: %d, Failed: %d, Skipped: %d",
		stats.Total, stats.Passed, stats.Failed, stats.Skipped)
}
