package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chazu/svm/lib/tracedb"
	"github.com/chazu/svm/pkg/bytecode"
	"github.com/chazu/svm/server"
)

func serveCmd(args []string) error {
	fs, cfg, err := newFlagSet("serve")
	if err != nil {
		return err
	}
	fs.StringVar(&cfg.Server.Addr, "addr", cfg.Server.Addr, "debug service address")
	fs.StringVar(&cfg.Server.HealthAddr, "health-addr", cfg.Server.HealthAddr, "gRPC health address (empty disables)")
	fs.StringVar(&cfg.Trace.DB, "trace", cfg.Trace.DB, "record every session run in this SQLite database")
	ttl := fs.Duration("session-ttl", 30*time.Minute, "close sessions idle for this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.configureLogging()

	srvCfg := server.Config{
		StackSize:  cfg.VM.StackSize,
		HeapLimit:  cfg.VM.HeapLimit,
		SessionTTL: *ttl,
	}
	if path := cfg.TracePath(); path != "" {
		db, err := tracedb.Open(path)
		if err != nil {
			return err
		}
		defer db.Close()
		srvCfg.Trace = db
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.New(srvCfg).ListenAndServe(ctx, cfg.Server.Addr, cfg.Server.HealthAddr)
}

func lspCmd(args []string) error {
	fs, cfg, err := newFlagSet("lsp")
	if err != nil {
		return err
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.configureLogging()

	// The program is optional: the server also assembles open documents.
	var p *bytecode.Program
	if fs.NArg() > 0 || cfg.ProgramPath() != "" {
		if p, err = cfg.loadProgram(fs.Args()); err != nil {
			return err
		}
	}
	lsp, err := server.NewLSP(p)
	if err != nil {
		return err
	}
	return lsp.Run()
}
