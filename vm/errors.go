package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/svm/pkg/bytecode"
)

// Sentinel errors. Fatal run errors wrap one of these in a *RuntimeError.
var (
	ErrUnknownOpcode     = errors.New("unknown opcode")
	ErrMissingBreakpoint = errors.New("breakpoint trap without a breakpoint record")
	ErrUnboundExternal   = errors.New("external function is not bound")
	ErrUnknownExternal   = errors.New("external function is not declared")
	ErrStackOverflow     = errors.New("stack overflow")
	ErrStackUnderflow    = errors.New("stack underflow")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrIPOutOfRange      = errors.New("instruction pointer outside code")
	ErrDivideByZero      = errors.New("integer divide by zero")
	ErrCancelled         = errors.New("execution cancelled")
	ErrNotInitialized    = errors.New("vm has no program loaded")
	ErrNoLineMapping     = errors.New("no instruction for source line")
	ErrAlreadyRunning    = errors.New("vm is already running")
	ErrNoBreakpoint      = errors.New("no breakpoint at location")
	ErrNotInstruction    = errors.New("address is not the start of an instruction")
	ErrInvalidOperand    = errors.New("invalid instruction operand")
	ErrRunning           = errors.New("vm is running; pause it to inspect state")
)

// RuntimeError is a fatal error raised while executing bytecode.
type RuntimeError struct {
	IP   int             // address of the failing instruction
	File string          // nearest source file, if known
	Line int             // nearest source line, if known
	Op   bytecode.Opcode // opcode being executed
	Err  error
}

func (e *RuntimeError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s:%d: ip %04X (%s): %v", e.File, e.Line, e.IP, e.Op, e.Err)
	}
	return fmt.Sprintf("ip %04X (%s): %v", e.IP, e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// fault carries an error out of the dispatch loop. It is raised with
// panic and recovered at the Run boundary; it never escapes the package.
type fault struct {
	err error
}

func throw(err error) {
	panic(fault{err: err})
}

func throwf(base error, format string, args ...any) {
	panic(fault{err: fmt.Errorf("%w: "+format, append([]any{base}, args...)...)})
}

// guard converts a fault raised by fn into an error return.
func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			f, ok := r.(fault)
			if !ok {
				panic(r)
			}
			err = f.err
		}
	}()
	fn()
	return nil
}
