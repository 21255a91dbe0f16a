package vm

import (
	"encoding/binary"
	"math"
	"unicode/utf16"

	"github.com/chazu/svm/pkg/bytecode"
)

// Host address space. Host addresses are what pointers on the VM stack
// hold; resident addresses are offsets into the stack.
const (
	// StackBase is the host address of resident address 0.
	StackBase uint64 = 1 << 40

	// HeapBase tags heap addresses: HeapBase | cell<<32 | offset.
	HeapBase uint64 = 1 << 62

	heapCellShift = 32
	heapCellMask  = (HeapBase - 1) >> heapCellShift
	heapOffMask   = 1<<heapCellShift - 1

	// DefaultStackSize is used when Initialize is given a size of 0.
	DefaultStackSize = 1 << 20
)

// ResidentToHost converts a resident stack offset to a host address.
func (v *VM) ResidentToHost(offset int) uint64 {
	return StackBase + uint64(int64(offset))
}

// HostToResident converts a host stack address to a resident offset.
func (v *VM) HostToResident(ptr uint64) int {
	return int(int64(ptr - StackBase))
}

// IsStackHostAddr reports whether ptr lies inside the stack.
func (v *VM) IsStackHostAddr(ptr uint64) bool {
	return ptr >= StackBase && ptr < StackBase+uint64(len(v.stack))
}

// IsHeapAddr reports whether ptr is tagged as a heap address.
func IsHeapAddr(ptr uint64) bool {
	return ptr&HeapBase != 0
}

func heapAddr(cell uint32, offset int) uint64 {
	return HeapBase | uint64(cell)<<heapCellShift | uint64(offset)
}

func splitHeapAddr(ptr uint64) (cell uint32, offset int) {
	return uint32((ptr >> heapCellShift) & heapCellMask), int(ptr & heapOffMask)
}

// resident returns the n stack bytes at resident offset r.
func (v *VM) resident(r, n int) []byte {
	if r < 0 || n < 0 || r+n > len(v.stack) {
		throwf(ErrInvalidAddress, "resident %d (+%d) outside stack", r, n)
	}
	return v.stack[r : r+n]
}

// host returns the n bytes at host address ptr, which may be on the stack
// or inside a live heap object.
func (v *VM) host(ptr uint64, n int) []byte {
	switch {
	case ptr == 0:
		throwf(ErrInvalidAddress, "null pointer dereference")
	case IsHeapAddr(ptr):
		cell, off := splitHeapAddr(ptr)
		data := v.heap.payload(cell)
		if data == nil || off+n > len(data) {
			throwf(ErrInvalidAddress, "heap address 0x%X (+%d) outside object", ptr, n)
		}
		return data[off : off+n]
	case v.IsStackHostAddr(ptr):
		return v.resident(v.HostToResident(ptr), n)
	default:
		throwf(ErrInvalidAddress, "host address 0x%X", ptr)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Typed codecs. Every memory family (LS*, LG*, LL*, LPTR*) goes through
// these, so resident and host operands share one implementation.
// ---------------------------------------------------------------------------

func load(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func store(b []byte, x uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(x)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(x))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(x))
	default:
		binary.LittleEndian.PutUint64(b, x)
	}
}

// ---------------------------------------------------------------------------
// Host-address accessors for debuggers and external functions
// ---------------------------------------------------------------------------

// These take no lock. Call them from external functions, which run on the
// execution goroutine, or from a controller while execution is paused.

// ReadInt8 reads a byte at a host address.
func (v *VM) ReadInt8(ptr uint64) (x int8, err error) {
	err = guard(func() { x = int8(v.host(ptr, 1)[0]) })
	return
}

// ReadInt16 reads a 16-bit integer at a host address.
func (v *VM) ReadInt16(ptr uint64) (x int16, err error) {
	err = guard(func() { x = int16(load(v.host(ptr, 2))) })
	return
}

// ReadInt32 reads a 32-bit integer at a host address.
func (v *VM) ReadInt32(ptr uint64) (x int32, err error) {
	err = guard(func() { x = int32(load(v.host(ptr, 4))) })
	return
}

// ReadInt64 reads a 64-bit integer at a host address.
func (v *VM) ReadInt64(ptr uint64) (x int64, err error) {
	err = guard(func() { x = int64(load(v.host(ptr, 8))) })
	return
}

// ReadFloat32 reads a float at a host address.
func (v *VM) ReadFloat32(ptr uint64) (x float32, err error) {
	err = guard(func() { x = math.Float32frombits(uint32(load(v.host(ptr, 4)))) })
	return
}

// ReadFloat64 reads a double at a host address.
func (v *VM) ReadFloat64(ptr uint64) (x float64, err error) {
	err = guard(func() { x = math.Float64frombits(load(v.host(ptr, 8))) })
	return
}

// ReadPtr reads a host address stored at a host address.
func (v *VM) ReadPtr(ptr uint64) (x uint64, err error) {
	err = guard(func() { x = load(v.host(ptr, bytecode.PtrSize)) })
	return
}

// WriteInt8 writes a byte at a host address.
func (v *VM) WriteInt8(ptr uint64, x int8) error {
	return guard(func() { store(v.host(ptr, 1), uint64(uint8(x))) })
}

// WriteInt16 writes a 16-bit integer at a host address.
func (v *VM) WriteInt16(ptr uint64, x int16) error {
	return guard(func() { store(v.host(ptr, 2), uint64(uint16(x))) })
}

// WriteInt32 writes a 32-bit integer at a host address.
func (v *VM) WriteInt32(ptr uint64, x int32) error {
	return guard(func() { store(v.host(ptr, 4), uint64(uint32(x))) })
}

// WriteInt64 writes a 64-bit integer at a host address.
func (v *VM) WriteInt64(ptr uint64, x int64) error {
	return guard(func() { store(v.host(ptr, 8), uint64(x)) })
}

// WriteFloat32 writes a float at a host address.
func (v *VM) WriteFloat32(ptr uint64, x float32) error {
	return guard(func() { store(v.host(ptr, 4), uint64(math.Float32bits(x))) })
}

// WriteFloat64 writes a double at a host address.
func (v *VM) WriteFloat64(ptr uint64, x float64) error {
	return guard(func() { store(v.host(ptr, 8), math.Float64bits(x)) })
}

// WritePtr writes a host address at a host address.
func (v *VM) WritePtr(ptr uint64, x uint64) error {
	return guard(func() { store(v.host(ptr, bytecode.PtrSize), x) })
}

// ReadBytes copies n bytes starting at a host address.
func (v *VM) ReadBytes(ptr uint64, n int) (out []byte, err error) {
	err = guard(func() { out = append([]byte(nil), v.host(ptr, n)...) })
	return
}

// WriteBytes copies data to a host address.
func (v *VM) WriteBytes(ptr uint64, data []byte) error {
	return guard(func() { copy(v.host(ptr, len(data)), data) })
}

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

// readChars decodes a null-terminated UTF-16 string starting at host
// address ptr. The terminator must lie inside the backing region.
func (v *VM) readChars(ptr uint64) string {
	var units []uint16
	for p := ptr; ; p += bytecode.CharSize {
		u := uint16(load(v.host(p, bytecode.CharSize)))
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// writeChars encodes s with a terminator into dst, truncating to fit.
func writeChars(dst []byte, s string) {
	units := utf16.Encode([]rune(s))
	room := len(dst)/bytecode.CharSize - 1
	if room < 0 {
		return
	}
	if len(units) > room {
		units = units[:room]
	}
	for i, u := range units {
		binary.LittleEndian.PutUint16(dst[i*bytecode.CharSize:], u)
	}
	binary.LittleEndian.PutUint16(dst[len(units)*bytecode.CharSize:], 0)
}

// ReadString decodes the string at a host address (heap string or a
// character buffer on the stack). The null pointer reads as "".
func (v *VM) ReadString(ptr uint64) (s string, err error) {
	if ptr == 0 {
		return "", nil
	}
	err = guard(func() { s = v.readChars(ptr) })
	return
}
