// Package server exposes the transcription pipeline over HTTP: a health
// probe, a multipart upload endpoint and a websocket endpoint that streams
// per-chunk progress while a file is transcribed.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/audio"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/fileutil"
	"github.com/tiroq/memoscribe/internal/pipeline"
	"github.com/tiroq/memoscribe/internal/schedule"
	"github.com/tiroq/memoscribe/internal/transcript"
)

const shutdownTimeout = 10 * time.Second

// Transcriber runs one transcription. *pipeline.Pipeline satisfies it.
type Transcriber interface {
	ProcessAudio(ctx context.Context, source string, opts pipeline.Options, onChunk schedule.ProgressFunc) (*pipeline.Result, error)
}

// HealthChecker reports per-engine health. *asr.Registry satisfies it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[asr.Engine]*asr.HealthStatus
}

// Config holds the server settings.
type Config struct {
	// Options are the run defaults; requests may override engine and
	// language.
	Options        pipeline.Options
	MaxUploadBytes int
	TempDir        string
	Version        string
}

// Server is the HTTP front end.
type Server struct {
	app    *fiber.App
	pipe   Transcriber
	health HealthChecker
	cfg    Config
	log    *slog.Logger
	diag   *diaglog.Logger
}

// New builds the fiber app and registers every route. health may be nil.
func New(pipe Transcriber, health HealthChecker, cfg Config, log *slog.Logger, diag *diaglog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 512 << 20
	}
	s := &Server{
		pipe:   pipe,
		health: health,
		cfg:    cfg,
		log:    log.With("component", diaglog.ComponentServer),
		diag:   diag,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "memoscribe",
		BodyLimit:             cfg.MaxUploadBytes,
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.app.Use(recover.New())
	s.app.Use(s.requestLogger)

	v1 := s.app.Group("/v1")
	v1.Get("/health", s.handleHealth)
	v1.Post("/transcriptions", s.handleUpload)
	v1.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	v1.Get("/ws/transcriptions", websocket.New(s.handleStream))
	return s
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("listening", "addr", ln.Addr().String())
	errc := make(chan error, 1)
	go func() { errc <- s.app.Listener(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.Debug("request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"elapsed", time.Since(start))
	return err
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.log.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(errorResponse{Error: err.Error()})
}

type healthResponse struct {
	Status  string                           `json:"status"`
	Version string                           `json:"version"`
	Engines map[asr.Engine]*asr.HealthStatus `json:"engines,omitempty"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := healthResponse{Status: "ok", Version: s.cfg.Version}
	if s.health != nil {
		resp.Engines = s.health.HealthCheck(c.UserContext())
		if !anyHealthy(resp.Engines) {
			resp.Status = "degraded"
		}
	}
	return c.JSON(resp)
}

func anyHealthy(engines map[asr.Engine]*asr.HealthStatus) bool {
	for _, h := range engines {
		if h != nil && h.OK {
			return true
		}
	}
	return false
}

// requestOptions are the per-request overrides accepted by both endpoints.
type requestOptions struct {
	Engine   string `json:"engine" form:"engine"`
	Language string `json:"language" form:"language"`
	Format   string `json:"format" form:"format"`
	Filename string `json:"filename" form:"-"`
}

func (s *Server) runOptions(req requestOptions) (pipeline.Options, string, error) {
	opts := s.cfg.Options
	if req.Engine != "" {
		if _, ok := asr.ParseEngine(req.Engine); !ok {
			return opts, "", fmt.Errorf("unknown engine %q", req.Engine)
		}
		opts.Engine = req.Engine
	}
	if req.Language != "" {
		opts.Language = req.Language
	}
	format := strings.ToLower(req.Format)
	if format == "" {
		format = transcript.FormatJSON
	}
	if !transcript.ValidFormat(format) {
		return opts, "", fmt.Errorf("unknown format %q", req.Format)
	}
	return opts, format, nil
}

func (s *Server) handleUpload(c *fiber.Ctx) error {
	var req requestOptions
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid form: "+err.Error())
	}
	opts, format, err := s.runOptions(req)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	fh, err := c.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "missing file field")
	}

	dir, err := os.MkdirTemp(s.cfg.TempDir, "memoscribe-upload-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, fileutil.SanitizeForFilename(fh.Filename))
	if err := c.SaveFile(fh, path); err != nil {
		return err
	}
	s.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentServer,
		Event:     diaglog.EventUploadReceived,
		Payload:   map[string]interface{}{"file": fh.Filename, "bytes": fh.Size, "engine": opts.Engine},
	})

	res, err := s.pipe.ProcessAudio(c.UserContext(), path, opts, nil)
	if err != nil {
		s.journalFailure(fh.Filename, err)
		return fiber.NewError(statusFor(err), err.Error())
	}

	body, err := transcript.Render(transcript.FromResult(fh.Filename, res), format)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, transcript.ContentType(format))
	c.Set("X-Run-ID", res.RunID)
	return c.Send(body)
}

func (s *Server) journalFailure(file string, err error) {
	s.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentServer,
		Event:     diaglog.EventRequestFailed,
		Reason:    err.Error(),
		Payload:   map[string]interface{}{"file": file},
	})
}

// statusFor maps a ProcessAudio error to an HTTP status. Anything that is
// not a cancellation is a source the server could not decode.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusRequestTimeout
	case audio.IsNotExist(err):
		return fiber.StatusInternalServerError
	default:
		return fiber.StatusUnprocessableEntity
	}
}
