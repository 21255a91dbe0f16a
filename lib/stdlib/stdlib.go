// Package stdlib provides host implementations of the standard external
// functions a program may declare: math helpers, a clock, a cancellable
// sleep, and string utilities.
//
// Arguments are laid out in push order. A program declares what it uses,
// for example:
//
//	.extern sqrt 8
//	.extern pow 16
package stdlib

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/svm/vm"
)

// Function is one standard external.
type Function struct {
	Name      string
	ParamSize int // argument bytes the caller pushes
	Doc       string
	impl      func(l *Library, c *vm.ExternalCall) error
}

var functions = []Function{
	{"abs", 4, "abs(int) int", (*Library).abs},
	{"sqrt", 8, "sqrt(double) double", (*Library).sqrt},
	{"pow", 16, "pow(double base, double exp) double", (*Library).pow},
	{"random", 4, "random(int n) int, uniform in [0, n)", (*Library).random},
	{"clock", 0, "clock() long, milliseconds since the library was created", (*Library).clock},
	{"sleep", 4, "sleep(int ms), interrupted when the run is stopped", (*Library).sleep},
	{"strupper", 8, "strupper(string) string, a new heap string", (*Library).strupper},
}

// Functions lists the standard externals.
func Functions() []Function {
	return append([]Function(nil), functions...)
}

// Lookup returns the standard external called name.
func Lookup(name string) (Function, bool) {
	for _, f := range functions {
		if f.Name == name {
			return f, true
		}
	}
	return Function{}, false
}

// Library holds the state shared by the standard externals of one VM.
type Library struct {
	rand  *rand.Rand
	now   func() time.Time
	start time.Time
	log   commonlog.Logger
}

// Option configures a Library.
type Option func(*Library)

// WithSeed makes random deterministic.
func WithSeed(seed uint64) Option {
	return func(l *Library) { l.rand = rand.New(rand.NewPCG(seed, seed)) }
}

// WithClock replaces the wall clock used by clock.
func WithClock(now func() time.Time) Option {
	return func(l *Library) { l.now = now }
}

// New creates a Library.
func New(opts ...Option) *Library {
	l := &Library{
		rand: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:  time.Now,
		log:  commonlog.GetLogger("svm.stdlib"),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.start = l.now()
	return l
}

// BindAll binds a default Library's handlers for every standard external
// the loaded program declares.
func BindAll(v *vm.VM) (int, error) {
	return New().Bind(v)
}

// Bind binds handlers for every standard external declared by the program
// loaded in v and returns how many were bound. A declaration whose
// parameter size disagrees with the standard signature is an error.
// Declarations with other names are left alone.
func (l *Library) Bind(v *vm.VM) (int, error) {
	bound := 0
	for _, ext := range v.Externals() {
		f, ok := Lookup(ext.Name)
		if !ok {
			continue
		}
		if ext.ParamSize != f.ParamSize {
			return bound, fmt.Errorf("external %s declared with %d parameter bytes, want %d",
				ext.Name, ext.ParamSize, f.ParamSize)
		}
		impl := f.impl
		if err := v.BindExternalFunction(ext.Name, func(c *vm.ExternalCall) error {
			return impl(l, c)
		}); err != nil {
			return bound, err
		}
		bound++
	}
	l.log.Debugf("bound %d standard externals", bound)
	return bound, nil
}

func (l *Library) abs(c *vm.ExternalCall) error {
	x, err := c.Int32(0)
	if err != nil {
		return err
	}
	if x < 0 {
		x = -x
	}
	c.ReturnInt32(x)
	return nil
}

func (l *Library) sqrt(c *vm.ExternalCall) error {
	x, err := c.Float64(0)
	if err != nil {
		return err
	}
	c.ReturnFloat64(math.Sqrt(x))
	return nil
}

func (l *Library) pow(c *vm.ExternalCall) error {
	base, err := c.Float64(0)
	if err != nil {
		return err
	}
	exp, err := c.Float64(8)
	if err != nil {
		return err
	}
	c.ReturnFloat64(math.Pow(base, exp))
	return nil
}

func (l *Library) random(c *vm.ExternalCall) error {
	n, err := c.Int32(0)
	if err != nil {
		return err
	}
	if n <= 0 {
		return fmt.Errorf("random: bound %d must be positive", n)
	}
	c.ReturnInt32(l.rand.Int32N(n))
	return nil
}

func (l *Library) clock(c *vm.ExternalCall) error {
	c.ReturnInt64(l.now().Sub(l.start).Milliseconds())
	return nil
}

func (l *Library) sleep(c *vm.ExternalCall) error {
	ms, err := c.Int32(0)
	if err != nil {
		return err
	}
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-c.Context().Done():
		return c.Context().Err()
	}
}

func (l *Library) strupper(c *vm.ExternalCall) error {
	s, err := c.String(0)
	if err != nil {
		return err
	}
	ptr := c.VM().NewString(strings.ToUpper(s))
	if ptr == 0 {
		return fmt.Errorf("strupper: heap exhausted")
	}
	c.ReturnPtr(ptr)
	return nil
}
