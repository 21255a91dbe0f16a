// Package vm implements the svm stack machine and its debug controller.
//
// This package contains:
//   - Resident/host address translation over a flat byte stack
//   - A reference-counted heap for strings and dynamic arrays
//   - The bytecode interpreter and console/external intrinsics
//   - Debug tables: line maps and lexical scope trees
//   - Breakpoints patched into the working code
//   - Stepping (over, into, out), pause, and run-to-location control
//
// One goroutine calls Run; any number of others may issue commands
// (Pause, Resume, StepOver, AddBreakpoint, ...) and inspect state while
// execution is paused.
package vm
