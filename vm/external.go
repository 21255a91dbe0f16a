package vm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chazu/svm/pkg/bytecode"
)

// ExternalCall is the view an external function gets of its invocation.
// Arguments are addressed by byte offset from the first (deepest) argument
// byte, in push order.
type ExternalCall struct {
	Name      string
	Index     int
	ParamSize int

	vm     *VM
	base   int // resident address of the first argument byte
	result []byte
}

// VM returns the machine executing the call, for heap and memory access.
func (c *ExternalCall) VM() *VM { return c.vm }

// Context ends when the run is cancelled. Blocking externals must honor it.
func (c *ExternalCall) Context() context.Context { return c.vm.cancel.Context() }

func (c *ExternalCall) arg(off, n int) ([]byte, error) {
	if off < 0 || off+n > c.ParamSize {
		return nil, fmt.Errorf("%w: %s argument at %d (+%d) outside %d parameter bytes",
			ErrInvalidAddress, c.Name, off, n, c.ParamSize)
	}
	return c.vm.stack[c.base+off : c.base+off+n], nil
}

// Int32 reads an int32 argument.
func (c *ExternalCall) Int32(off int) (int32, error) {
	b, err := c.arg(off, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// Int64 reads an int64 argument.
func (c *ExternalCall) Int64(off int) (int64, error) {
	b, err := c.arg(off, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// Float32 reads a float argument.
func (c *ExternalCall) Float32(off int) (float32, error) {
	b, err := c.arg(off, 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

// Float64 reads a double argument.
func (c *ExternalCall) Float64(off int) (float64, error) {
	b, err := c.arg(off, 8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// Ptr reads a host address argument.
func (c *ExternalCall) Ptr(off int) (uint64, error) {
	b, err := c.arg(off, bytecode.PtrSize)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// String reads a string argument passed as a host pointer.
func (c *ExternalCall) String(off int) (string, error) {
	ptr, err := c.Ptr(off)
	if err != nil {
		return "", err
	}
	return c.vm.ReadString(ptr)
}

// ReturnInt32 sets an int32 result, pushed after the arguments are dropped.
func (c *ExternalCall) ReturnInt32(x int32) {
	c.result = binary.LittleEndian.AppendUint32(nil, uint32(x))
}

// ReturnBool sets an int32 0/1 result.
func (c *ExternalCall) ReturnBool(b bool) { c.ReturnInt32(boolInt(b)) }

// ReturnInt64 sets an int64 result.
func (c *ExternalCall) ReturnInt64(x int64) {
	c.result = binary.LittleEndian.AppendUint64(nil, uint64(x))
}

// ReturnFloat32 sets a float result.
func (c *ExternalCall) ReturnFloat32(x float32) {
	c.result = binary.LittleEndian.AppendUint32(nil, math.Float32bits(x))
}

// ReturnFloat64 sets a double result.
func (c *ExternalCall) ReturnFloat64(x float64) {
	c.result = binary.LittleEndian.AppendUint64(nil, math.Float64bits(x))
}

// ReturnPtr sets a host address result.
func (c *ExternalCall) ReturnPtr(x uint64) {
	c.result = binary.LittleEndian.AppendUint64(nil, x)
}

// ReturnString allocates a heap string and returns it.
func (c *ExternalCall) ReturnString(s string) {
	c.ReturnPtr(c.vm.NewString(s))
}

// ecall invokes external function idx. The frame looks like a CALL frame
// so the handler sees its arguments just below BP.
func (v *VM) ecall(idx int) {
	if idx < 0 || idx >= len(v.externals) {
		throwf(ErrUnboundExternal, "index %d", idx)
	}
	ext := v.externals[idx]
	if ext.Handler == nil {
		throwf(ErrUnboundExternal, "%s (index %d)", ext.Name, idx)
	}

	v.pushInt(int32(v.ip))
	v.pushInt(int32(v.bp))
	v.bp = v.sp
	call := &ExternalCall{
		Name:      ext.Name,
		Index:     idx,
		ParamSize: ext.ParamSize,
		vm:        v,
		base:      v.bp - bytecode.FrameHeaderSize - ext.ParamSize,
	}
	if call.base < v.program.DataSize {
		throwf(ErrStackUnderflow, "%s expects %d parameter bytes", ext.Name, ext.ParamSize)
	}
	if v.profiler != nil {
		v.profiler.RecordExternalCall(idx, ext.Name)
	}

	if err := ext.Handler(call); err != nil {
		if v.cancel.IsCancelled() {
			throw(ErrCancelled)
		}
		throw(fmt.Errorf("external %s: %w", ext.Name, err))
	}

	v.setSP(v.bp)
	v.bp = int(v.popInt())
	v.ip = int(v.popInt())
	v.release(ext.ParamSize)
	if call.result != nil {
		copy(v.reserve(len(call.result)), call.result)
	}
}
