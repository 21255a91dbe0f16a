// svm CLI - runs, debugs, and serves svm bytecode programs
package main

import (
	"fmt"
	"os"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "run":
		err = runCmd(args)
	case "debug":
		err = debugCmd(args)
	case "asm":
		err = asmCmd(args)
	case "disasm":
		err = disasmCmd(args)
	case "trace":
		err = traceCmd(args)
	case "serve":
		err = serveCmd(args)
	case "lsp":
		err = lspCmd(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "svm: unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "svm %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: svm <command> [options] [program]\n\n")
	fmt.Fprintf(os.Stderr, "Programs are assembly sources (.s) or images (.svmi). Without a program\n")
	fmt.Fprintf(os.Stderr, "argument the [program] section of the nearest svm.toml is used.\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run      Execute a program\n")
	fmt.Fprintf(os.Stderr, "  debug    Execute a program under the console debugger\n")
	fmt.Fprintf(os.Stderr, "  asm      Assemble a source file into an image\n")
	fmt.Fprintf(os.Stderr, "  disasm   Print the disassembly of a program\n")
	fmt.Fprintf(os.Stderr, "  trace    List recorded runs, or the events of one run\n")
	fmt.Fprintf(os.Stderr, "  serve    Start the remote debug service\n")
	fmt.Fprintf(os.Stderr, "  lsp      Start the language server on stdio\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  svm run prog.s\n")
	fmt.Fprintf(os.Stderr, "  svm debug -break main.c:12 prog.svmi\n")
	fmt.Fprintf(os.Stderr, "  svm asm -o prog.svmi prog.s\n")
	fmt.Fprintf(os.Stderr, "  svm run -trace trace.db prog.s && svm trace trace.db 1\n")
}
