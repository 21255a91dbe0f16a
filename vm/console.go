package vm

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/chazu/svm/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Console intrinsics
// ---------------------------------------------------------------------------

type lineResult struct {
	line string
	err  error
}

// lineReader hands out lines of an input stream. A single goroutine,
// started on first use, owns the reader for the VM's lifetime, so a read
// abandoned by a cancelled run leaves its line for the next run.
type lineReader struct {
	r     *bufio.Reader
	once  sync.Once
	lines chan lineResult
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReader(r), lines: make(chan lineResult)}
}

// next returns the channel delivering lines. It is closed after the
// stream ends; the final partial line, if any, arrives with the error.
func (l *lineReader) next() <-chan lineResult {
	l.once.Do(func() {
		go func() {
			defer close(l.lines)
			for {
				s, err := l.r.ReadString('\n')
				l.lines <- lineResult{s, err}
				if err != nil {
					return
				}
			}
		}()
	})
	return l.lines
}

// readLine blocks for one line of input from OnConsoleRead, or from the
// input reader when no callback is installed. Cancellation interrupts the
// wait.
func (v *VM) readLine() string {
	ctx := v.cancel.Context()
	var r lineResult
	if cb := v.events.OnConsoleRead; cb != nil {
		ch := make(chan lineResult, 1)
		go func() {
			s, err := cb(ctx)
			ch <- lineResult{s, err}
		}()
		select {
		case <-ctx.Done():
			throw(ErrCancelled)
		case r = <-ch:
		}
	} else {
		select {
		case <-ctx.Done():
			throw(ErrCancelled)
		case res, ok := <-v.input.next():
			if !ok {
				res = lineResult{err: io.EOF}
			}
			r = res
		}
	}

	if r.err != nil {
		switch {
		case ctx.Err() != nil, errors.Is(r.err, ErrCancelled), errors.Is(r.err, context.Canceled):
			throw(ErrCancelled)
		case errors.Is(r.err, io.EOF):
		default:
			throw(r.err)
		}
	}
	return strings.TrimRight(r.line, "\r\n")
}

// scanValue reads a line, parses it for op's type, and stores the result
// at the host address on top of the stack. Unparseable input stores zero.
func (v *VM) scanValue(op bytecode.Opcode) {
	ptr := v.popPtr()
	line := strings.TrimSpace(v.readLine())

	switch op {
	case bytecode.OpScanB:
		b, _ := strconv.ParseBool(line)
		store(v.host(ptr, 1), uint64(boolInt(b)))
	case bytecode.OpScan8:
		n, _ := strconv.ParseInt(line, 10, 8)
		store(v.host(ptr, 1), uint64(n))
	case bytecode.OpScanC:
		var c uint16
		if units := utf16.Encode([]rune(line)); len(units) > 0 {
			c = units[0]
		}
		store(v.host(ptr, bytecode.CharSize), uint64(c))
	case bytecode.OpScan16:
		n, _ := strconv.ParseInt(line, 10, 16)
		store(v.host(ptr, 2), uint64(n))
	case bytecode.OpScan32:
		n, _ := strconv.ParseInt(line, 10, 32)
		store(v.host(ptr, 4), uint64(n))
	case bytecode.OpScan64:
		n, _ := strconv.ParseInt(line, 10, 64)
		store(v.host(ptr, 8), uint64(n))
	case bytecode.OpFScan:
		f, _ := strconv.ParseFloat(line, 32)
		store(v.host(ptr, 4), uint64(math.Float32bits(float32(f))))
	case bytecode.OpFScan64:
		f, _ := strconv.ParseFloat(line, 64)
		store(v.host(ptr, 8), math.Float64bits(f))
	}
}

// scanString reads a line into a fixed buffer of capacity characters,
// including the terminator.
func (v *VM) scanString(ptr uint64, capacity int) {
	if capacity <= 0 {
		throwf(ErrInvalidAddress, "string buffer capacity %d", capacity)
	}
	line := v.readLine()
	writeChars(v.host(ptr, capacity*bytecode.CharSize), line)
}

// scanDynamicString reads a line into a new heap string stored in the
// pointer slot at slot. The previous string in the slot is released.
func (v *VM) scanDynamicString(slot uint64) {
	cell := v.host(slot, bytecode.PtrSize)
	line := v.readLine()
	old := load(cell)
	s := v.NewString(line)
	store(v.host(slot, bytecode.PtrSize), s)
	if old != 0 {
		if _, err := v.heap.Release(old); err != nil {
			throw(err)
		}
	}
}

func (v *VM) printValue(op bytecode.Opcode) {
	var text string
	switch op {
	case bytecode.OpPrintB:
		text = strconv.FormatBool(v.popInt() != 0)
	case bytecode.OpPrintC:
		text = string(utf16.Decode([]uint16{uint16(v.pop32())}))
	case bytecode.OpPrint32:
		text = strconv.FormatInt(int64(v.popInt()), 10)
	case bytecode.OpPrint64:
		text = strconv.FormatInt(v.popLong(), 10)
	case bytecode.OpFPrint:
		text = strconv.FormatFloat(float64(v.popFloat()), 'g', -1, 32)
	case bytecode.OpFPrint64:
		text = strconv.FormatFloat(v.popDouble(), 'g', -1, 64)
	case bytecode.OpPrintStr:
		if ptr := v.popPtr(); ptr != 0 {
			text = v.readChars(ptr)
		}
	}
	v.print(text)
}

// print delivers program output to OnConsolePrint or the output writer.
func (v *VM) print(text string) {
	if cb := v.events.OnConsolePrint; cb != nil {
		cb(text)
		return
	}
	v.WriteOutput(text)
}

// WriteOutput writes text to the output writer, bypassing OnConsolePrint.
func (v *VM) WriteOutput(text string) {
	if _, err := io.WriteString(v.output, text); err != nil {
		v.log.Warningf("console output: %s", err)
	}
}
