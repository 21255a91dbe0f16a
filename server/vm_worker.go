package server

import (
	"errors"
	"fmt"

	"github.com/chazu/svm/vm"
)

// ErrWorkerStopped is returned for work submitted after Stop.
var ErrWorkerStopped = errors.New("vm worker stopped")

// vmRequest represents a unit of work to be executed on the VM goroutine.
type vmRequest struct {
	fn   func(*vm.VM) (any, error)
	done chan vmResult // nil for fire-and-forget work
}

// vmResult holds the return value from a VM operation.
type vmResult struct {
	value any
	err   error
}

// VMWorker serializes loading and running through a single goroutine.
// Run blocks for a whole execution, so while a program runs, submitted
// work queues behind it. Controller commands and inspection go to the VM
// directly; the VM locks those itself.
type VMWorker struct {
	vm       *vm.VM
	requests chan vmRequest
	quit     chan struct{}
}

// NewVMWorker creates a VMWorker and starts the processing goroutine.
func NewVMWorker(v *vm.VM) *VMWorker {
	w := &VMWorker{
		vm:       v,
		requests: make(chan vmRequest, 16),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes VM requests sequentially on a dedicated goroutine.
func (w *VMWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			result := w.execute(req.fn)
			if req.done != nil {
				req.done <- result
			}
		case <-w.quit:
			return
		}
	}
}

// execute runs a function on the VM, recovering from panics.
func (w *VMWorker) execute(fn func(*vm.VM) (any, error)) (result vmResult) {
	defer func() {
		if r := recover(); r != nil {
			result.err = fmt.Errorf("vm worker: %v", r)
		}
	}()
	result.value, result.err = fn(w.vm)
	return result
}

// Do submits a function for execution on the VM goroutine and blocks
// until it completes.
func (w *VMWorker) Do(fn func(*vm.VM) (any, error)) (any, error) {
	req := vmRequest{fn: fn, done: make(chan vmResult, 1)}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
}

// Go queues fn without waiting for it.
func (w *VMWorker) Go(fn func(*vm.VM)) error {
	req := vmRequest{fn: func(v *vm.VM) (any, error) {
		fn(v)
		return nil, nil
	}}
	select {
	case w.requests <- req:
		return nil
	case <-w.quit:
		return ErrWorkerStopped
	}
}

// Stop shuts down the worker goroutine. Work already executing finishes.
func (w *VMWorker) Stop() {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
}

// VM returns the underlying VM.
func (w *VMWorker) VM() *vm.VM {
	return w.vm
}
