package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chazu/svm/lib/tracedb"
	"github.com/chazu/svm/pkg/bytecode"
)

func asmCmd(args []string) error {
	fs, cfg, err := newFlagSet("asm")
	if err != nil {
		return err
	}
	out := fs.String("o", "", "output image (default: source name with .svmi)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: svm asm [-o out.svmi] file.s")
	}
	src := fs.Arg(0)
	p, err := cfg.loadProgram(fs.Args())
	if err != nil {
		return err
	}
	path := *out
	if path == "" {
		path = strings.TrimSuffix(src, filepath.Ext(src)) + bytecode.ImageExt
	}
	if err := bytecode.WriteImageFile(path, p); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", path, p.Summary())
	return nil
}

func disasmCmd(args []string) error {
	fs, cfg, err := newFlagSet("disasm")
	if err != nil {
		return err
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, err := cfg.loadProgram(fs.Args())
	if err != nil {
		return err
	}
	fmt.Print(p.Disassemble())
	return nil
}

func traceCmd(args []string) error {
	fs, cfg, err := newFlagSet("trace")
	if err != nil {
		return err
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := cfg.TracePath()
	rest := fs.Args()
	if len(rest) > 0 {
		path, rest = rest[0], rest[1:]
	}
	if path == "" {
		return errors.New("usage: svm trace DB [RUN]")
	}
	db, err := tracedb.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if len(rest) == 0 {
		return printRuns(os.Stdout, db)
	}
	id, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad run id %q", rest[0])
	}
	return printEvents(os.Stdout, db, id)
}

func printRuns(w io.Writer, db *tracedb.DB) error {
	runs, err := db.Runs()
	if err != nil {
		return err
	}
	for _, r := range runs {
		status := "ok"
		switch {
		case r.EndedAt.IsZero():
			status = "open"
		case r.Error != "":
			status = r.Error
		}
		fmt.Fprintf(w, "%4d  %s  %-20s %5d events  %s\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Program, r.Events, status)
	}
	return nil
}

func printEvents(w io.Writer, db *tracedb.DB, id int64) error {
	events, err := db.Events(id)
	if err != nil {
		return err
	}
	for _, e := range events {
		where := ""
		if e.IP >= 0 {
			where = fmt.Sprintf("%04X", e.IP)
		}
		if e.File != "" {
			where += fmt.Sprintf(" %s:%d", e.File, e.Line)
		}
		fmt.Fprintf(w, "%5d  %-10s %-18s %s\n", e.Seq, e.Kind, where, e.Detail)
	}
	return nil
}
