package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/config"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/ipc"
	"github.com/tiroq/memoscribe/internal/pidfile"
	"github.com/tiroq/memoscribe/internal/pipeline"
	"github.com/tiroq/memoscribe/internal/runner"
	"github.com/tiroq/memoscribe/internal/schedule"
	"github.com/tiroq/memoscribe/internal/server"
	"github.com/tiroq/memoscribe/internal/validation"
	"github.com/tiroq/memoscribe/internal/watch"
)

const healthTimeout = 15 * time.Second

// commonFlags are accepted by every command that loads the config.
type commonFlags struct {
	configPath string
	logLevel   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "config file (default ~/.config/memoscribe/config.yaml)")
	fs.StringVar(&c.logLevel, "log-level", "", "override log level: debug, info, warn, error")
}

// runFlags override the recognition and output settings of the config.
type runFlags struct {
	engine       string
	language     string
	outDir       string
	formats      stringList
	chunkSeconds int
	workers      int
	sequential   bool
	pauseSplit   bool
	startMinute  int
	endMinute    int
	raw          bool
}

func (r *runFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&r.engine, "engine", "", "recognition engine: whisper, fasterwhisper, sphinx, google")
	fs.StringVar(&r.language, "language", "", "language tag, e.g. en or ja-JP")
	fs.StringVar(&r.outDir, "out-dir", "", "write transcripts here instead of next to the source")
	fs.Var(&r.formats, "format", "output format: txt, srt, vtt, json (repeatable or comma separated)")
	fs.IntVar(&r.chunkSeconds, "chunk-seconds", 0, "maximum chunk length in seconds")
	fs.IntVar(&r.workers, "workers", 0, "parallel recognition workers")
	fs.BoolVar(&r.sequential, "sequential", false, "recognize chunks one at a time")
	fs.BoolVar(&r.pauseSplit, "split-on-silence", false, "split at pauses instead of fixed overlapping windows")
	fs.IntVar(&r.startMinute, "start-minute", 0, "skip audio before this minute")
	fs.IntVar(&r.endMinute, "end-minute", 0, "ignore audio after this minute (0 = end)")
	fs.BoolVar(&r.raw, "raw", false, "skip enhancement, noise reduction and silence trimming")
}

// apply writes the set flags over cfg and returns the run options.
func (r *runFlags) apply(cfg *config.Config) (pipeline.Options, error) {
	if r.engine != "" {
		if _, ok := asr.ParseEngine(r.engine); !ok {
			return pipeline.Options{}, fmt.Errorf("unknown engine %q (want one of %v)", r.engine, asr.Engines)
		}
		cfg.Recognition.Engine = r.engine
	}
	if r.language != "" {
		cfg.Recognition.Language = r.language
	}
	if r.outDir != "" {
		cfg.Output.Dir = r.outDir
	}
	if len(r.formats) > 0 {
		cfg.Output.Formats = r.formats
	}
	if r.chunkSeconds > 0 {
		cfg.Chunking.ChunkDurationSeconds = r.chunkSeconds
	}
	if r.workers > 0 {
		cfg.Concurrency.MaxWorkers = r.workers
	}
	if r.sequential {
		cfg.Concurrency.Parallel = false
	}
	if r.pauseSplit {
		cfg.Chunking.LongSpeechMode = false
	}
	if r.raw {
		cfg.Audio.Enhance, cfg.Audio.ReduceNoise, cfg.Audio.RemoveSilence = false, false, false
	}
	if err := cfg.Validate(); err != nil {
		return pipeline.Options{}, err
	}
	opts := cfg.PipelineOptions()
	opts.StartMinute, opts.EndMinute = r.startMinute, r.endMinute
	return opts, nil
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return &exitError{code: 0}
		}
		return &exitError{code: 2}
	}
	return nil
}

func newRunner(e *env, reg *asr.Registry) (*pipeline.Pipeline, *runner.Runner) {
	pipe := pipeline.New(reg, pipeline.Deps{Logger: e.log, Diag: e.diag})
	return pipe, &runner.Runner{
		Pipeline:  pipe,
		Formats:   e.cfg.Output.Formats,
		OutputDir: e.cfg.Output.Dir,
		Metadata:  e.cfg.Output.Metadata,
		Version:   Version,
		Logger:    e.log,
	}
}

func cmdTranscribe(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("transcribe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	var rf runFlags
	common.register(fs)
	rf.register(fs)
	quiet := fs.Bool("quiet", false, "do not print chunk progress")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return &exitError{code: 2, err: errors.New("transcribe: no input files")}
	}

	e, err := setup(common.configPath, common.logLevel, stderr)
	if err != nil {
		return err
	}
	defer e.Close()

	opts, err := rf.apply(e.cfg)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	reg := buildRegistry(e.cfg, e.log, e.diag)
	_, r := newRunner(e, reg)

	failed := 0
	for _, src := range fs.Args() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var progress schedule.ProgressFunc
		if !*quiet {
			progress = progressPrinter(stderr, filepath.Base(src))
		}
		out, err := r.Transcribe(ctx, src, opts, progress)
		if err != nil {
			e.log.Error("transcription failed", "source", src, "error", err)
			failed++
			continue
		}
		if out.Result.Failed {
			failed++
		}
		for _, p := range out.Outputs {
			fmt.Fprintln(stdout, p)
		}
	}
	if failed > 0 {
		return &exitError{code: 1, err: fmt.Errorf("%d of %d files produced no transcript", failed, fs.NArg())}
	}
	return nil
}

// progressPrinter prints one line per finished chunk. Lines can arrive out
// of order when chunks run in parallel.
func progressPrinter(w io.Writer, name string) schedule.ProgressFunc {
	var mu sync.Mutex
	return func(index, total int, text string, durationSeconds float64) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "%s [%d/%d] %.1fs %s\n", name, index, total, durationSeconds, preview(text, 60))
	}
}

func preview(text string, n int) string {
	if text == "" {
		return "(no speech)"
	}
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}

func cmdWatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	var rf runFlags
	common.register(fs)
	rf.register(fs)
	dir := fs.String("dir", "", "directory to watch (default watch.dir from config)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	e, err := setup(common.configPath, common.logLevel, stderr)
	if err != nil {
		return err
	}
	defer e.Close()

	if *dir != "" {
		e.cfg.Watch.Dir = *dir
	}
	if e.cfg.Watch.Dir == "" {
		return &exitError{code: 2, err: errors.New("watch: no directory (set -dir or watch.dir)")}
	}
	opts, err := rf.apply(e.cfg)
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	pf, err := pidfile.Acquire(e.cfg.Watch.PIDPath)
	if err != nil {
		if errors.Is(err, pidfile.ErrRunning) {
			e.log.Error("watch daemon already running", "pid_file", e.cfg.Watch.PIDPath)
		}
		return err
	}
	defer func() {
		if err := pf.Release(); err != nil {
			e.log.Warn("pid file not removed", "error", err)
		}
	}()

	reg := buildRegistry(e.cfg, e.log, e.diag)
	_, r := newRunner(e, reg)
	w := watch.New(watch.Config{
		Dir:          e.cfg.Watch.Dir,
		Settle:       time.Duration(e.cfg.Watch.SettleSeconds) * time.Second,
		PollInterval: time.Duration(e.cfg.Watch.PollIntervalSeconds) * time.Second,
		StatusPath:   e.cfg.Watch.StatusPath,
		Options:      opts,
	}, r, e.log, e.diag)
	return w.Run(ctx)
}

func cmdServe(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	var rf runFlags
	common.register(fs)
	rf.register(fs)
	listen := fs.String("listen", "", "listen address (default server.listen from config)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	e, err := setup(common.configPath, common.logLevel, stderr)
	if err != nil {
		return err
	}
	defer e.Close()

	if *listen != "" {
		e.cfg.Server.Listen = *listen
	}
	opts, err := rf.apply(e.cfg)
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	reg := buildRegistry(e.cfg, e.log, e.diag)
	pipe, _ := newRunner(e, reg)
	srv := server.New(pipe, reg, server.Config{
		Options:        opts,
		MaxUploadBytes: e.cfg.Server.MaxUploadMB << 20,
		TempDir:        e.cfg.Audio.TempDir,
		Version:        Version,
	}, e.log, e.diag)
	return srv.Listen(ctx, e.cfg.Server.Listen)
}

func cmdHealth(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	e, err := setup(common.configPath, common.logLevel, stderr)
	if err != nil {
		return err
	}
	defer e.Close()

	reg := buildRegistry(e.cfg, e.log, e.diag)
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	results := reg.HealthCheck(ctx)
	ff := validation.CheckFFmpeg(ctx, e.cfg.Audio.FFmpegPath)

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		report := struct {
			Engines map[asr.Engine]*asr.HealthStatus `json:"engines"`
			FFmpeg  *validation.Result               `json:"ffmpeg"`
		}{results, ff}
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printHealth(stdout, results)
		printToolCheck(stdout, ff)
	}

	selected := asr.ResolveEngine(e.cfg.Recognition.Engine)
	if h := results[selected]; h == nil || !h.OK {
		return &exitError{code: 1, err: fmt.Errorf("configured engine %s is not healthy", selected)}
	}
	return nil
}

func printHealth(w io.Writer, results map[asr.Engine]*asr.HealthStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENGINE\tSTATUS\tLATENCY\tDETAIL")
	for _, e := range asr.Engines {
		h := results[e]
		if h == nil {
			continue
		}
		status := "down"
		if h.OK {
			status = "ok"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e, status, h.Latency.Round(time.Millisecond), h.Message)
	}
	tw.Flush()
}

func printToolCheck(w io.Writer, r *validation.Result) {
	fmt.Fprintf(w, "\n%s\n", r.Message)
	for _, msg := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", msg)
	}
	for _, fix := range r.Fixes {
		fmt.Fprintf(w, "  %s\n", fix)
	}
}

type statusReport struct {
	Running bool                `json:"running"`
	PID     int                 `json:"pid,omitempty"`
	Status  *ipc.StatusSnapshot `json:"status,omitempty"`
}

func cmdStatus(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, err := config.Load(common.configPath)
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	var report statusReport
	report.PID, report.Running = pidfile.Running(cfg.Watch.PIDPath)
	status, err := ipc.ReadStatus(cfg.Watch.StatusPath)
	switch {
	case err == nil:
		report.Status = status
	case !os.IsNotExist(err):
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Running {
		return &exitError{code: 1}
	}
	return nil
}

func cmdExportDiag(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("export-diag", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	dest := fs.String("out", ".", "directory for the bundle")
	runID := fs.String("run", "", "only include entries for this run ID")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	cfg, err := config.Load(common.configPath)
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	logPath := cfg.DiagPath()
	if logPath == "" {
		return &exitError{code: 1, err: errors.New("run journal is off; set diag.log_path or MEMOSCRIBE_DIAG=true")}
	}
	diaglog.Version = Version
	path, n, err := diaglog.Export(logPath, *dest, diaglog.ExportOptions{RunID: *runID})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &exitError{code: 1, err: err}
		}
		return &exitError{code: 2, err: err}
	}
	fmt.Fprintf(stdout, "Wrote: %s (%d lines)\n", path, n)
	return nil
}
