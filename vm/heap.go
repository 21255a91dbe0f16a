package vm

import (
	"fmt"
	"unicode/utf16"

	"github.com/chazu/svm/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Heap: reference-counted objects in an index-addressed arena
// ---------------------------------------------------------------------------

// heapCell is one allocation. Live cells form a doubly-linked list through
// prev/next indices rooted at Heap.last; free cells are chained through next.
type heapCell struct {
	prev, next uint32 // 0 terminates
	refs       int32
	live       bool
	data       []byte
}

// Heap manages the VM's dynamic objects: strings and arrays.
// Cell index 0 is reserved so that 0 can terminate the lists.
type Heap struct {
	cells    []heapCell
	freeHead uint32
	last     uint32 // LastObject: tail of the live list
	count    int
	bytes    int
	limit    int // 0 = unlimited
}

// NewHeap creates an empty heap. A positive limit caps the total payload
// bytes; allocations beyond it return the null object.
func NewHeap(limit int) *Heap {
	return &Heap{cells: make([]heapCell, 1), limit: limit}
}

// New allocates a zero-filled object of size bytes linked at the tail of
// the live list with refCount 1. Returns 0 when the allocation cannot be
// satisfied.
func (h *Heap) New(size int) uint64 {
	if size < 0 || size > heapOffMask {
		return 0
	}
	if h.limit > 0 && h.bytes+size > h.limit {
		return 0
	}

	var idx uint32
	if h.freeHead != 0 {
		idx = h.freeHead
		h.freeHead = h.cells[idx].next
	} else {
		if uint64(len(h.cells)) > heapCellMask {
			return 0
		}
		h.cells = append(h.cells, heapCell{})
		idx = uint32(len(h.cells) - 1)
	}

	h.cells[idx] = heapCell{
		prev: h.last,
		refs: 1,
		live: true,
		data: make([]byte, size),
	}
	if h.last != 0 {
		h.cells[h.last].next = idx
	}
	h.last = idx
	h.count++
	h.bytes += size
	return heapAddr(idx, 0)
}

// object resolves the base address of a live object.
func (h *Heap) object(ptr uint64) (uint32, *heapCell, error) {
	if !IsHeapAddr(ptr) {
		return 0, nil, fmt.Errorf("%w: 0x%X is not a heap object", ErrInvalidAddress, ptr)
	}
	idx, off := splitHeapAddr(ptr)
	if off != 0 || idx == 0 || int(idx) >= len(h.cells) || !h.cells[idx].live {
		return 0, nil, fmt.Errorf("%w: 0x%X is not a live heap object", ErrInvalidAddress, ptr)
	}
	return idx, &h.cells[idx], nil
}

// payload returns the bytes of a live cell, or nil.
func (h *Heap) payload(idx uint32) []byte {
	if idx == 0 || int(idx) >= len(h.cells) || !h.cells[idx].live {
		return nil
	}
	return h.cells[idx].data
}

// AddRef increments an object's reference count. The null object is ignored.
func (h *Heap) AddRef(ptr uint64) error {
	if ptr == 0 {
		return nil
	}
	_, c, err := h.object(ptr)
	if err != nil {
		return err
	}
	c.refs++
	return nil
}

// Release decrements an object's reference count and frees it once the
// count drops to zero or below. Reports whether the object was freed.
func (h *Heap) Release(ptr uint64) (bool, error) {
	if ptr == 0 {
		return false, nil
	}
	idx, c, err := h.object(ptr)
	if err != nil {
		return false, err
	}
	c.refs--
	if c.refs > 0 {
		return false, nil
	}
	h.free(idx)
	return true, nil
}

func (h *Heap) free(idx uint32) {
	c := &h.cells[idx]
	if c.prev != 0 {
		h.cells[c.prev].next = c.next
	}
	if c.next != 0 {
		h.cells[c.next].prev = c.prev
	}
	if h.last == idx {
		h.last = c.prev
	}
	h.count--
	h.bytes -= len(c.data)
	*c = heapCell{next: h.freeHead}
	h.freeHead = idx
}

// RefCount returns the reference count of a live object.
func (h *Heap) RefCount(ptr uint64) (int, error) {
	_, c, err := h.object(ptr)
	if err != nil {
		return 0, err
	}
	return int(c.refs), nil
}

// Size returns the payload size of a live object in bytes.
func (h *Heap) Size(ptr uint64) (int, error) {
	_, c, err := h.object(ptr)
	if err != nil {
		return 0, err
	}
	return len(c.data), nil
}

// Resize changes an object's payload size in place. The object keeps its
// address and list position; new bytes are zero.
func (h *Heap) Resize(ptr uint64, size int) error {
	_, c, err := h.object(ptr)
	if err != nil {
		return err
	}
	if size < 0 || size > heapOffMask {
		return fmt.Errorf("%w: size %d", ErrInvalidAddress, size)
	}
	delta := size - len(c.data)
	if h.limit > 0 && delta > 0 && h.bytes+delta > h.limit {
		return fmt.Errorf("heap limit %d exceeded", h.limit)
	}
	if size <= cap(c.data) {
		old := len(c.data)
		c.data = c.data[:size]
		for i := old; i < size; i++ {
			c.data[i] = 0
		}
	} else {
		grown := make([]byte, size)
		copy(grown, c.data)
		c.data = grown
	}
	h.bytes += delta
	return nil
}

// FreeAll releases every object regardless of reference counts, walking
// the live list from the tail.
func (h *Heap) FreeAll() {
	for h.last != 0 {
		h.free(h.last)
	}
	h.cells = h.cells[:1]
	h.freeHead = 0
}

// LastObject returns the address of the most recently allocated live
// object, or 0 when the heap is empty.
func (h *Heap) LastObject() uint64 {
	if h.last == 0 {
		return 0
	}
	return heapAddr(h.last, 0)
}

// Objects returns the live objects from newest to oldest.
func (h *Heap) Objects() []uint64 {
	out := make([]uint64, 0, h.count)
	for idx := h.last; idx != 0; idx = h.cells[idx].prev {
		out = append(out, heapAddr(idx, 0))
	}
	return out
}

// Count returns the number of live objects.
func (h *Heap) Count() int { return h.count }

// Bytes returns the total payload bytes of live objects.
func (h *Heap) Bytes() int { return h.bytes }

// ---------------------------------------------------------------------------
// VM heap operations
// ---------------------------------------------------------------------------

// Heap returns the VM's object heap.
func (v *VM) Heap() *Heap { return v.heap }

// NewObject allocates a zeroed object. Returns 0 if the heap is exhausted.
func (v *VM) NewObject(size int) uint64 {
	return v.heap.New(size)
}

// NewString allocates a string object holding s.
func (v *VM) NewString(s string) uint64 {
	n := len(utf16.Encode([]rune(s)))
	ptr := v.heap.New((n + 1) * bytecode.CharSize)
	if ptr != 0 {
		writeChars(v.heap.payload(cellOf(ptr)), s)
	}
	return ptr
}

// StringLength returns the number of characters in a string object.
func (v *VM) StringLength(ptr uint64) (int, error) {
	if ptr == 0 {
		return 0, nil
	}
	size, err := v.heap.Size(ptr)
	if err != nil {
		return 0, err
	}
	return max(size/bytecode.CharSize-1, 0), nil
}

// SetStringLength resizes a string object to n characters, keeping the
// leading characters and writing a new terminator.
func (v *VM) SetStringLength(ptr uint64, n int) error {
	if n < 0 {
		n = 0
	}
	if err := v.heap.Resize(ptr, (n+1)*bytecode.CharSize); err != nil {
		return err
	}
	data := v.heap.payload(cellOf(ptr))
	data[n*bytecode.CharSize] = 0
	data[n*bytecode.CharSize+1] = 0
	return nil
}

// DynamicArrayLength returns the element count of an array object.
func (v *VM) DynamicArrayLength(ptr uint64, elemSize int) (int, error) {
	if ptr == 0 {
		return 0, nil
	}
	size, err := v.heap.Size(ptr)
	if err != nil {
		return 0, err
	}
	if elemSize <= 0 {
		return size, nil
	}
	return size / elemSize, nil
}

// SetDynamicArrayLength resizes an array object to n elements in place.
func (v *VM) SetDynamicArrayLength(ptr uint64, elemSize, n int) error {
	if elemSize <= 0 {
		elemSize = 1
	}
	if n < 0 {
		n = 0
	}
	return v.heap.Resize(ptr, n*elemSize)
}

// ObjectAddRef increments an object's reference count.
func (v *VM) ObjectAddRef(ptr uint64) error {
	return v.heap.AddRef(ptr)
}

// ObjectRelease decrements an object's reference count, freeing it at zero.
func (v *VM) ObjectRelease(ptr uint64) (bool, error) {
	return v.heap.Release(ptr)
}

// FreeAllocatedObjects frees every heap object, ignoring reference counts.
// No pointer into the heap is valid afterwards.
func (v *VM) FreeAllocatedObjects() {
	if n := v.heap.Count(); n > 0 {
		v.log.Debugf("freeing %d heap objects (%d bytes)", n, v.heap.Bytes())
	}
	v.heap.FreeAll()
}

func cellOf(ptr uint64) uint32 {
	idx, _ := splitHeapAddr(ptr)
	return idx
}

// heapOp executes the heap family of instructions.
func (v *VM) heapOp(op bytecode.Opcode) {
	switch op {
	case bytecode.OpNewObj:
		v.pushPtr(v.heap.New(int(v.popInt())))

	case bytecode.OpNewArr:
		elem := int(v.imm16())
		count := int(v.popInt())
		if count < 0 || elem < 0 {
			v.pushPtr(0)
			return
		}
		v.pushPtr(v.heap.New(count * elem))

	case bytecode.OpNewStr:
		r := int(v.popInt())
		v.pushPtr(v.NewString(v.readChars(v.ResidentToHost(r))))

	case bytecode.OpAddRef:
		if err := v.heap.AddRef(v.popPtr()); err != nil {
			throw(err)
		}

	case bytecode.OpRelease:
		if _, err := v.heap.Release(v.popPtr()); err != nil {
			throw(err)
		}

	case bytecode.OpStrLen:
		n, err := v.StringLength(v.popPtr())
		if err != nil {
			throw(err)
		}
		v.pushInt(int32(n))

	case bytecode.OpArrLen:
		elem := int(v.imm16())
		n, err := v.DynamicArrayLength(v.popPtr(), elem)
		if err != nil {
			throw(err)
		}
		v.pushInt(int32(n))

	case bytecode.OpSetArrLen:
		elem := int(v.imm16())
		n := int(v.popInt())
		if err := v.SetDynamicArrayLength(v.popPtr(), elem, n); err != nil {
			throw(err)
		}

	case bytecode.OpStrCat:
		b, a := v.popPtr(), v.popPtr()
		var sa, sb string
		if a != 0 {
			sa = v.readChars(a)
		}
		if b != 0 {
			sb = v.readChars(b)
		}
		v.pushPtr(v.NewString(sa + sb))
	}
}
