package conformance

// TestSuite represents a complete YAML test file
type TestSuite struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Tests       []TestCase `yaml:"tests"`
}

// TestCase is one program run. Source is assembled as-is; the runner
// appends nothing, so every program must end in HALT (or fault).
type TestCase struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Skip        interface{} `yaml:"skip,omitempty"` // bool or string
	Source      string      `yaml:"source"`
	Input       []string    `yaml:"input,omitempty"`      // console lines, in order
	StackSize   int         `yaml:"stack_size,omitempty"` // 0 means the VM default
	HeapLimit   int         `yaml:"heap_limit,omitempty"`
	Mode        string      `yaml:"mode,omitempty"` // run|over|into|out
	OnSource    bool        `yaml:"on_source,omitempty"`
	RunTo       string      `yaml:"run_to,omitempty"`      // file:line
	Breakpoints []string    `yaml:"breakpoints,omitempty"` // file:line or instruction address
	Steps       []string    `yaml:"steps,omitempty"`       // resume|over|into|out|stop, one per stop
	Expect      Expectation `yaml:"expect"`
}

// Expectation defines what a run must produce. Unset fields are not checked.
type Expectation struct {
	Output  *string          `yaml:"output,omitempty"` // exact console output
	Match   string           `yaml:"match,omitempty"`  // regex over console output
	Error   string           `yaml:"error,omitempty"`  // fault name (divide_by_zero, ...) or message substring
	Stops   []Stop           `yaml:"stops,omitempty"`
	Heap    *int             `yaml:"heap,omitempty"` // live heap objects after the run
	Globals map[string]int32 `yaml:"globals,omitempty"`
}

// Stop is one expected debugger stop, in order.
type Stop struct {
	Kind string `yaml:"kind"` // step|pause|breakpoint
	IP   *int   `yaml:"ip,omitempty"`
	Line int    `yaml:"line,omitempty"`
}

// IsSkipped returns true if this test should be skipped
func (tc *TestCase) IsSkipped() (bool, string) {
	switch v := tc.Skip.(type) {
	case bool:
		if v {
			return true, "skipped"
		}
	case string:
		return true, v
	}
	return false, ""
}
