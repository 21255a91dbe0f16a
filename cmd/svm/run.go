package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/chazu/svm/vm"
)

func runCmd(args []string) error {
	fs, cfg, err := newFlagSet("run")
	if err != nil {
		return err
	}
	cfg.addDebugFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.configureLogging()

	p, err := cfg.loadProgram(fs.Args())
	if err != nil {
		return err
	}
	v, prof, err := cfg.newVM(p, vm.WithInput(os.Stdin), vm.WithOutput(os.Stdout))
	if err != nil {
		return err
	}
	defer v.Free()

	closeTrace, err := cfg.openTrace(v, p)
	if err != nil {
		return err
	}
	defer closeTrace()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runErr := v.Run(ctx, vm.StepRun, false, -1)
	if prof != nil {
		printProfile(os.Stderr, prof)
	}
	if errors.Is(runErr, vm.ErrCancelled) {
		return errors.New("interrupted")
	}
	return runErr
}

func printProfile(w io.Writer, prof *vm.Profiler) {
	stats := prof.Stats()
	fmt.Fprintf(w, "\n%d instructions, %d calls, %d external calls\n",
		stats.Instructions, stats.Calls, stats.ExternalCalls)
	for _, fp := range prof.Top(10) {
		marker := " "
		if fp.IsHot {
			marker = "*"
		}
		name := fp.Name
		if name == "" {
			name = fmt.Sprintf("%04X", fp.EntryIP)
		}
		fmt.Fprintf(w, "%s %8d  %s\n", marker, fp.CallCount, name)
	}
}
