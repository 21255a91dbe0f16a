package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/chazu/svm/pkg/bytecode"
)

// The inspection functions read machine state. They return ErrRunning
// while a run is executing; pause it first or wait for Run to return.

// ---------------------------------------------------------------------------
// Raw stack access by resident address
// ---------------------------------------------------------------------------

func (v *VM) readStack(r, n int) (b []byte, err error) {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := v.inspectableLocked(); err != nil {
		return nil, err
	}
	err = guard(func() { b = v.resident(r, n) })
	return
}

// ReadStackInt8 reads a byte at a resident address.
func (v *VM) ReadStackInt8(r int) (int8, error) {
	b, err := v.readStack(r, 1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

// ReadStackInt16 reads a 16-bit integer at a resident address.
func (v *VM) ReadStackInt16(r int) (int16, error) {
	b, err := v.readStack(r, 2)
	if err != nil {
		return 0, err
	}
	return int16(load(b)), nil
}

// ReadStackInt32 reads a 32-bit integer at a resident address.
func (v *VM) ReadStackInt32(r int) (int32, error) {
	b, err := v.readStack(r, 4)
	if err != nil {
		return 0, err
	}
	return int32(load(b)), nil
}

// ReadStackInt64 reads a 64-bit integer at a resident address.
func (v *VM) ReadStackInt64(r int) (int64, error) {
	b, err := v.readStack(r, 8)
	if err != nil {
		return 0, err
	}
	return int64(load(b)), nil
}

// ReadStackFloat32 reads a float at a resident address.
func (v *VM) ReadStackFloat32(r int) (float32, error) {
	b, err := v.readStack(r, 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(uint32(load(b))), nil
}

// ReadStackFloat64 reads a double at a resident address.
func (v *VM) ReadStackFloat64(r int) (float64, error) {
	b, err := v.readStack(r, 8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(load(b)), nil
}

// ReadStackPtr reads a host address at a resident address.
func (v *VM) ReadStackPtr(r int) (uint64, error) {
	b, err := v.readStack(r, bytecode.PtrSize)
	if err != nil {
		return 0, err
	}
	return load(b), nil
}

// ReadStackBytes copies n bytes starting at a resident address.
func (v *VM) ReadStackBytes(r, n int) ([]byte, error) {
	b, err := v.readStack(r, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

// ---------------------------------------------------------------------------
// Registers and call stack
// ---------------------------------------------------------------------------

// Registers is a snapshot of the machine registers. IP is the address of
// the next instruction to execute.
type Registers struct {
	IP int
	SP int
	BP int
}

// Registers returns the current register values. Use State for the IP
// alone while the program runs.
func (v *VM) Registers() (Registers, error) {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := v.inspectableLocked(); err != nil {
		return Registers{}, err
	}
	return Registers{IP: v.currentIPLocked(), SP: v.sp, BP: v.bp}, nil
}

// Frame is one activation on the call stack, innermost first.
type Frame struct {
	IP       int // current instruction in this frame
	BP       int
	Function string
	File     string
	Line     int
}

func (f Frame) String() string {
	name := f.Function
	if name == "" {
		name = "?"
	}
	if f.File != "" {
		return fmt.Sprintf("%s at %s:%d (ip %04X)", name, f.File, f.Line, f.IP)
	}
	return fmt.Sprintf("%s (ip %04X)", name, f.IP)
}

// maxFrames bounds the walk over a corrupted frame chain.
const maxFrames = 4096

// CallStack walks the saved BP/return IP chain from the current frame.
func (v *VM) CallStack() ([]Frame, error) {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := v.inspectableLocked(); err != nil {
		return nil, err
	}
	if v.program == nil {
		return nil, nil
	}

	var frames []Frame
	ip, bp := v.currentIPLocked(), v.bp
	lineIP := ip
	floor := v.program.DataSize
	for len(frames) < maxFrames {
		f := Frame{IP: ip, BP: bp}
		if fn, ok := v.info.GetFunctionAtIP(ip); ok {
			f.Function = fn.Name
		}
		if l, ok := v.info.GetLineFromIP(lineIP, false); ok {
			f.File, f.Line = l.File, l.Line
		}
		frames = append(frames, f)

		if bp-bytecode.FrameHeaderSize < floor || bp > len(v.stack) {
			break
		}
		retIP := int(int32(load(v.stack[bp-8 : bp-4])))
		oldBP := int(int32(load(v.stack[bp-4 : bp])))
		if oldBP >= bp || retIP <= 0 {
			break
		}
		// The caller is stopped just after its CALL; attribute the frame
		// to the call instruction's line.
		ip, bp, lineIP = retIP, oldBP, retIP-1
	}
	return frames, nil
}

// ---------------------------------------------------------------------------
// Variables
// ---------------------------------------------------------------------------

// VariableValue is a declared variable with its formatted current value.
type VariableValue struct {
	DeclaredVariable
	Address uint64 // host address
	Value   string
	Err     error
}

// Variables returns every variable visible at the current instruction.
func (v *VM) Variables() ([]VariableValue, error) {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := v.inspectableLocked(); err != nil {
		return nil, err
	}
	if v.info == nil {
		return nil, nil
	}

	decls := v.info.FetchDeclaredVariablesAtIP(v.currentIPLocked())
	out := make([]VariableValue, 0, len(decls))
	for _, dv := range decls {
		val, err := v.variableValueLocked(dv)
		out = append(out, VariableValue{
			DeclaredVariable: dv,
			Address:          v.ResidentToHost(variableAddress(dv, v.bp)),
			Value:            val,
			Err:              err,
		})
	}
	return out, nil
}

func variableAddress(dv DeclaredVariable, bp int) int {
	if dv.Kind == VarGlobal {
		return dv.Offset
	}
	return bp + dv.Offset
}

// GetVariableValue formats a variable's current value according to its
// declared type. Frame-relative variables are read in the current frame.
func (v *VM) GetVariableValue(dv DeclaredVariable) (string, error) {
	d := &v.dbg
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := v.inspectableLocked(); err != nil {
		return "", err
	}
	return v.variableValueLocked(dv)
}

func (v *VM) variableValueLocked(dv DeclaredVariable) (string, error) {
	var s string
	err := guard(func() {
		s = v.formatValue(dv.Type, v.resident(variableAddress(dv, v.bp), max(dv.Type.Size(), 1)))
	})
	return s, err
}

func (v *VM) formatValue(t bytecode.VarType, b []byte) string {
	x := load(b)
	switch t {
	case bytecode.TypeBool:
		return strconv.FormatBool(x != 0)
	case bytecode.TypeByte:
		return strconv.FormatUint(x&0xFF, 10)
	case bytecode.TypeChar:
		return strconv.QuoteRune(utf16.Decode([]uint16{uint16(x)})[0])
	case bytecode.TypeShort:
		return strconv.Itoa(int(int16(x)))
	case bytecode.TypeInt:
		return strconv.Itoa(int(int32(x)))
	case bytecode.TypeLong:
		return strconv.FormatInt(int64(x), 10)
	case bytecode.TypeFloat:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(x))), 'g', -1, 32)
	case bytecode.TypeDouble:
		return strconv.FormatFloat(math.Float64frombits(x), 'g', -1, 64)
	case bytecode.TypeString:
		if x == 0 {
			return `""`
		}
		return strconv.Quote(v.readChars(x))
	default:
		if x == 0 {
			return "null"
		}
		return fmt.Sprintf("0x%X", x)
	}
}

// ---------------------------------------------------------------------------
// Inspector: structured view of heap objects
// ---------------------------------------------------------------------------

// Inspector builds structured views of values for front ends.
type Inspector struct {
	vm *VM
}

// InspectionResult describes a value and, for heap objects, the object.
type InspectionResult struct {
	Type     string // declared type name
	Value    string
	Address  uint64 // host address of the object, 0 for scalars
	Heap     bool
	RefCount int
	Size     int                 // payload bytes for heap objects
	Elements []*InspectionResult // preview of array elements
}

// MaxElementPreview is the maximum number of array elements to preview.
const MaxElementPreview = 10

// NewInspector creates an Inspector attached to the given VM.
func NewInspector(vm *VM) *Inspector {
	return &Inspector{vm: vm}
}

// Inspect formats a variable and, when it points into the heap, describes
// the object it references.
func (i *Inspector) Inspect(vv VariableValue) *InspectionResult {
	result := &InspectionResult{Type: vv.Type.String(), Value: vv.Value}
	if vv.Err != nil {
		result.Value = "<" + vv.Err.Error() + ">"
		return result
	}
	if vv.Type != bytecode.TypePointer && vv.Type != bytecode.TypeString {
		return result
	}
	ptr, err := i.vm.ReadPtr(vv.Address)
	if err != nil || !IsHeapAddr(ptr) {
		return result
	}
	i.describeObject(result, ptr)
	return result
}

// InspectArray describes a heap array of elemType elements.
func (i *Inspector) InspectArray(ptr uint64, elemType bytecode.VarType) *InspectionResult {
	result := &InspectionResult{Type: elemType.String() + "[]", Value: fmt.Sprintf("0x%X", ptr)}
	if !i.describeObject(result, ptr) {
		return result
	}
	es := elemType.Size()
	if es == 0 {
		return result
	}
	n := result.Size / es
	result.Value = fmt.Sprintf("%s[%d]", elemType, n)
	for k := 0; k < n && k < MaxElementPreview; k++ {
		elem := &InspectionResult{Type: elemType.String()}
		addr := ptr + uint64(k*es)
		if b, err := i.vm.ReadBytes(addr, es); err == nil {
			elem.Value = i.vm.formatValue(elemType, b)
		} else {
			elem.Value = "<" + err.Error() + ">"
		}
		result.Elements = append(result.Elements, elem)
	}
	return result
}

func (i *Inspector) describeObject(result *InspectionResult, ptr uint64) bool {
	h := i.vm.heap
	refs, err := h.RefCount(ptr)
	if err != nil {
		result.Value = "<dangling " + fmt.Sprintf("0x%X", ptr) + ">"
		return false
	}
	size, _ := h.Size(ptr)
	result.Address = ptr
	result.Heap = true
	result.RefCount = refs
	result.Size = size
	return true
}

// String returns a multi-line representation of the inspection result.
func (r *InspectionResult) String() string {
	var sb strings.Builder
	sb.WriteString(r.Type)
	sb.WriteString(": ")
	sb.WriteString(r.Value)
	sb.WriteString("\n")

	if r.Heap {
		sb.WriteString(fmt.Sprintf("  object 0x%X: %d bytes, refs %d\n", r.Address, r.Size, r.RefCount))
	}

	if len(r.Elements) > 0 {
		sb.WriteString(fmt.Sprintf("  elements (showing %d):\n", len(r.Elements)))
		for idx, elem := range r.Elements {
			sb.WriteString(fmt.Sprintf("    [%d]: %s\n", idx, elem.Value))
		}
	}
	return sb.String()
}
