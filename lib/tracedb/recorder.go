package tracedb

import (
	"github.com/chazu/svm/vm"
)

// Attach wraps the VM's installed events so that every pause, step,
// breakpoint, print, and termination is also recorded in run. The
// previous callbacks still fire after the event is written. Recording
// failures are logged, never surfaced to the program.
func Attach(v *vm.VM, run *Run) {
	next := v.Events()
	ev := next

	record := func(kind Kind, ip int, detail string) {
		e := Event{Kind: kind, IP: ip, Detail: detail}
		if info := v.DebugInfo(); info != nil && ip >= 0 {
			if l, ok := info.GetLineFromIP(ip, false); ok {
				e.File, e.Line = l.File, l.Line
			}
		}
		if err := run.Record(e); err != nil {
			run.db.log.Warningf("%s", err)
		}
	}

	ev.OnPause = func(ip int) {
		record(KindPause, ip, "")
		if next.OnPause != nil {
			next.OnPause(ip)
		}
	}
	ev.OnStep = func(ip int, mode vm.StepMode) {
		record(KindStep, ip, mode.String())
		if next.OnStep != nil {
			next.OnStep(ip, mode)
		}
	}
	ev.OnBreakpoint = func(bp vm.Breakpoint) {
		record(KindBreakpoint, bp.IP, bp.String())
		if next.OnBreakpoint != nil {
			next.OnBreakpoint(bp)
		}
	}
	ev.OnConsolePrint = func(text string) {
		ip := v.State().IP
		record(KindPrint, ip, text)
		if next.OnConsolePrint != nil {
			next.OnConsolePrint(text)
			return
		}
		v.WriteOutput(text)
	}
	ev.OnTerminate = func(err error) {
		detail := "halt"
		if err != nil {
			detail = err.Error()
		}
		record(KindTerminate, -1, detail)
		if endErr := run.End(err); endErr != nil {
			run.db.log.Warningf("%s", endErr)
		}
		if next.OnTerminate != nil {
			next.OnTerminate(err)
		}
	}
	v.SetEvents(ev)
}
