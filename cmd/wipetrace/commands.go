package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"

	"wipetrace/internal/analysis"
	"wipetrace/internal/config"
	"wipetrace/internal/intake"
	"wipetrace/internal/report"
	"wipetrace/internal/scan"
	"wipetrace/internal/server"
	"wipetrace/internal/synth"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func (a *app) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func (a *app) cmdScan(args []string) error {
	fs := a.newFlagSet("scan")
	sid := fs.String("session", "", "session ID (generated when empty)")
	trace := fs.Bool("trace", false, "write the per-block trace")
	asJSON := fs.Bool("json", false, "print the document instead of the text report")
	progress := fs.Bool("progress", false, "print progress to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: wipetrace scan [-session SID] [-trace] [-json] <image|-|azblob://container/blob>")
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	res, err := a.openResources(cfg, "scan")
	if err != nil {
		return err
	}
	defer res.close()
	svc, err := newService(cfg, res)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	req := analysis.Request{SessionID: *sid, Source: fs.Arg(0)}
	if *trace {
		req.Trace = trace
	}
	if *progress {
		req.Progress = func(p scan.Progress) {
			fmt.Fprintf(a.stderr, "\r%d blocks, %s", p.Blocks, report.FormatBytes(p.Bytes))
		}
	}

	out, err := svc.Analyze(ctx, req)
	if *progress {
		fmt.Fprintln(a.stderr)
	}
	if out == nil {
		return err
	}

	if *asJSON {
		data, encErr := report.Encode(out.Document)
		if encErr != nil {
			return encErr
		}
		a.stdout.Write(data)
		fmt.Fprintln(a.stdout)
	} else {
		report.PrintReport(a.stdout, out.Document)
		fmt.Fprintf(a.stdout, "\nResult written to: %s\n", out.Path)
		if out.TracePath != "" {
			fmt.Fprintf(a.stdout, "Block trace:       %s\n", out.TracePath)
		}
	}

	if err != nil {
		return &exitError{code: exitPartial, err: fmt.Errorf("scan incomplete: %w", err)}
	}
	return nil
}

func (a *app) cmdWatch(args []string) error {
	fs := a.newFlagSet("watch")
	existing := fs.Bool("existing", false, "also scan images already in the intake directories")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loader := config.NewLoader(a.resolveConfigPath())
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	if len(cfg.Intake.Dirs) == 0 {
		return errors.New("no intake directories configured (intake.dirs or WIPETRACE_INTAKE_DIRS)")
	}

	res, err := a.openResources(cfg, "watch")
	if err != nil {
		return err
	}
	defer res.close()
	log := res.log

	first, err := newService(cfg, res)
	if err != nil {
		return err
	}
	var svc atomic.Pointer[analysis.Service]
	svc.Store(first)

	loader.OnChange(func(old, cur *config.Config) {
		changed := config.Changed(old, cur)
		next, err := newService(cur, res)
		if err != nil {
			log.Error("config reload rejected", "error", err)
			return
		}
		svc.Store(next)
		log.Info("config reloaded", "sections", strings.Join(changed, ","))
		for _, s := range changed {
			if s == "intake" || s == "logging" || s == "store" || s == "azure" {
				log.Warn("section changed; restart to apply", "section", s)
			}
		}
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config hot reload disabled", "error", err)
	}
	defer loader.Close()
	go func() {
		for err := range loader.Errors() {
			log.Warn("config reload failed", "error", err)
		}
	}()

	w, err := intake.New(intake.Config{
		Dirs:     cfg.Intake.Dirs,
		Patterns: cfg.Intake.Patterns,
		Settle:   time.Duration(cfg.Intake.SettleMs) * time.Millisecond,
		Existing: *existing,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	log.Info("watching", "dirs", strings.Join(cfg.Intake.Dirs, ","))
	err = w.Run(ctx, func(ctx context.Context, ev intake.Event) error {
		out, err := svc.Load().Analyze(ctx, analysis.Request{Source: ev.Path})
		if out != nil {
			fmt.Fprintf(a.stdout, "%s\t%s\t%.3f\t%s\n",
				out.SessionID, out.Document.Assessment, out.Document.IntentScore, ev.Path)
		}
		return err
	}, func(err error) {
		log.Error("intake", "error", err)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *app) cmdServe(args []string) error {
	fs := a.newFlagSet("serve")
	listen := fs.String("listen", "", "listen address (overrides server.listen)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	res, err := a.openResources(cfg, "server")
	if err != nil {
		return err
	}
	defer res.close()
	svc, err := newService(cfg, res)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		UploadDir:       cfg.Server.UploadDir,
		MaxConcurrent:   cfg.Server.MaxConcurrent,
		MinFreeBytes:    cfg.Server.MinFreeBytes,
		JobRetention:    time.Duration(cfg.Server.JobRetentionMinutes) * time.Minute,
		MaxFinishedJobs: cfg.Server.MaxFinishedJobs,
		Version:         version,
	}, svc, res.metrics, res.log)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	return srv.Serve(ctx, cfg.Server.Listen)
}

func (a *app) cmdHistory(args []string) error {
	fs := a.newFlagSet("history")
	limit := fs.Int("limit", 20, "maximum number of scans")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	res, err := a.openResources(cfg, "history")
	if err != nil {
		return err
	}
	defer res.close()
	svc, err := newService(cfg, res)
	if err != nil {
		return err
	}

	scans, err := svc.History(*limit)
	if err != nil {
		return err
	}
	if len(scans) == 0 {
		fmt.Fprintln(a.stdout, "No scans recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tCREATED\tASSESSMENT\tINTENT\tSIZE\tSOURCE")
	for _, s := range scans {
		assessment := s.Assessment
		if s.Partial {
			assessment += " (partial)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%s\t%s\n",
			s.SessionID,
			s.Created().Local().Format("2006-01-02 15:04:05"),
			assessment,
			s.IntentScore,
			report.FormatBytes(uint64(s.ImageSize)),
			s.Source)
	}
	return tw.Flush()
}

func (a *app) cmdShow(args []string) error {
	fs := a.newFlagSet("show")
	asJSON := fs.Bool("json", false, "print the raw document")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: wipetrace show [-json] <SID>")
	}

	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	res, err := a.openResources(cfg, "show")
	if err != nil {
		return err
	}
	defer res.close()
	svc, err := newService(cfg, res)
	if err != nil {
		return err
	}

	data, err := svc.Result(fs.Arg(0))
	if err != nil {
		return err
	}
	if *asJSON {
		a.stdout.Write(data)
		fmt.Fprintln(a.stdout)
		return nil
	}
	var doc report.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	report.PrintReport(a.stdout, &doc)
	return nil
}

func (a *app) cmdConfig(args []string) error {
	fs := a.newFlagSet("config")
	initFile := fs.Bool("init", false, "write the default config file if none exists")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := a.resolveConfigPath()
	var cfg *config.Config
	if *initFile {
		var created bool
		var err error
		if cfg, created, err = config.LoadOrCreate(path); err != nil {
			return err
		}
		if created {
			fmt.Fprintf(a.stderr, "Created %s\n", path)
		}
	} else {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}

	fmt.Fprintf(a.stdout, "# %s\n", path)
	if err := toml.NewEncoder(a.stdout).Encode(cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

func (a *app) cmdSynth(args []string) error {
	fs := a.newFlagSet("synth")
	seed := fs.Int64("seed", 1, "generator seed")
	blockSize := fs.Int("block-size", 4096, "block size in bytes")
	output := fs.String("o", "", `output file ("-" for stdout)`)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || *output == "" {
		return errors.New("usage: wipetrace synth [-seed N] [-block-size N] -o <file> <layout>")
	}
	if *blockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", *blockSize)
	}

	segments, err := synth.ParseSegments(fs.Arg(0))
	if err != nil {
		return err
	}
	data, err := synth.Build(*blockSize, *seed, segments...)
	if err != nil {
		return err
	}

	if *output == "-" {
		_, err = a.stdout.Write(data)
		return err
	}
	if dir := filepath.Dir(*output); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
	}
	if err := os.WriteFile(*output, data, 0644); err != nil {
		return err
	}
	fmt.Fprintf(a.stderr, "Wrote %s (%s, %d segments)\n", *output, report.FormatBytes(uint64(len(data))), len(segments))
	return nil
}
