package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tiroq/memoscribe/internal/config"
	"github.com/tiroq/memoscribe/internal/diaglog"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

const usage = `memoscribe transcribes long recordings by splitting them into chunks.

Usage:
  memoscribe <command> [flags] [args]

Commands:
  transcribe   transcribe one or more media files
  watch        transcribe files as they appear in a directory
  serve        run the HTTP and websocket API
  health       probe every recognition engine
  status       show the watch daemon status
  export-diag  bundle the run journal for a bug report
  version      print the version, -check looks for a newer release

Run "memoscribe <command> -h" for command flags.
`

// exitError carries a process exit code through the command functions.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cmd, rest := args[0], args[1:]
	var fn func(ctx context.Context, args []string, stdout, stderr io.Writer) error
	switch cmd {
	case "transcribe":
		fn = cmdTranscribe
	case "watch":
		fn = cmdWatch
	case "serve":
		fn = cmdServe
	case "health":
		fn = cmdHealth
	case "status":
		fn = cmdStatus
	case "export-diag", "--export-diag":
		fn = cmdExportDiag
	case "version", "--version", "-v":
		fn = cmdVersion
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, rest, stdout, stderr); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(stderr, "error:", ee.err)
			}
			return ee.code
		}
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

// env bundles what every command needs after config load.
type env struct {
	cfg  *config.Config
	log  *slog.Logger
	diag *diaglog.Logger
}

func (e *env) Close() {
	if err := e.diag.Close(); err != nil {
		e.log.Warn("journal close failed", "error", err)
	}
}

// setup loads .env files and the config, then builds the logger and the
// run journal. A journal that cannot be opened is replaced by a no-op one.
func setup(configPath, logLevel string, stderr io.Writer) (*env, error) {
	dotenv := []string{".env"}
	if dir := config.DefaultConfigDir(); dir != "" {
		dotenv = append(dotenv, filepath.Join(dir, ".env"))
	}
	if err := config.LoadDotEnv(dotenv...); err != nil {
		return nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, &exitError{code: 2, err: err}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))

	diaglog.Version = Version
	diag, err := diaglog.New(cfg.DiagPath())
	if err != nil {
		log.Warn("run journal disabled", "path", cfg.DiagPath(), "error", err)
		diag = diaglog.NewNoOp()
	}
	return &env{cfg: cfg, log: log, diag: diag}, nil
}

// stringList is a flag.Value accepting repeated or comma separated values.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			*s = append(*s, p)
		}
	}
	return nil
}
