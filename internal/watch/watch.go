// Package watch transcribes media files as they appear in a directory.
// Files are picked up through fsnotify with a polling rescan as backup, and
// are processed one at a time once their size has stopped changing.
package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/fileutil"
	"github.com/tiroq/memoscribe/internal/ipc"
	"github.com/tiroq/memoscribe/internal/pipeline"
	"github.com/tiroq/memoscribe/internal/runner"
	"github.com/tiroq/memoscribe/internal/schedule"
)

// Runner transcribes one file. *runner.Runner satisfies it.
type Runner interface {
	Pending(source string) bool
	Transcribe(ctx context.Context, source string, opts pipeline.Options, onChunk schedule.ProgressFunc) (*runner.Outcome, error)
}

// Config holds the watcher settings.
type Config struct {
	Dir          string
	Settle       time.Duration // size must hold still this long
	PollInterval time.Duration // directory rescan period
	StatusPath   string        // empty disables the status file
	Options      pipeline.Options
}

type pendingFile struct {
	size    int64
	modTime time.Time
	since   time.Time
}

type failure struct {
	size    int64
	modTime time.Time
}

// Watcher runs the watch loop.
type Watcher struct {
	cfg  Config
	run  Runner
	log  *slog.Logger
	diag *diaglog.Logger

	pending map[string]*pendingFile
	failed  map[string]failure

	mu      sync.Mutex
	status  ipc.StatusSnapshot
	writeMu sync.Mutex
}

// New creates a Watcher.
func New(cfg Config, run Runner, log *slog.Logger, diag *diaglog.Logger) *Watcher {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Watcher{
		cfg:     cfg,
		run:     run,
		log:     log.With("component", diaglog.ComponentWatcher),
		diag:    diag,
		pending: make(map[string]*pendingFile),
		failed:  make(map[string]failure),
		status: ipc.StatusSnapshot{
			PID:      os.Getpid(),
			State:    ipc.StateIdle,
			WatchDir: cfg.Dir,
			Engine:   cfg.Options.Engine,
		},
	}
}

// Status returns a copy of the current snapshot.
func (w *Watcher) Status() ipc.StatusSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	if s.Progress != nil {
		p := *s.Progress
		s.Progress = &p
	}
	return s
}

// Run watches until ctx is cancelled. It returns nil on cancellation and an
// error only when the directory cannot be read at start.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := os.ReadDir(w.cfg.Dir); err != nil {
		return err
	}
	w.mu.Lock()
	w.status.StartedAt = time.Now().UTC()
	w.mu.Unlock()
	w.writeStatus()
	defer func() {
		w.update(func(s *ipc.StatusSnapshot) {
			s.State = ipc.StateStopped
			s.CurrentFile, s.Progress = "", nil
		})
		w.log.Info("watcher stopped")
	}()

	var events <-chan fsnotify.Event
	var errs <-chan error
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify not available, polling only", "error", err)
	} else {
		defer fsw.Close()
		if err := fsw.Add(w.cfg.Dir); err != nil {
			w.log.Warn("cannot watch directory, polling only", "dir", w.cfg.Dir, "error", err)
		} else {
			events, errs = fsw.Events, fsw.Errors
		}
	}

	w.log.Info("watching", "dir", w.cfg.Dir, "settle", w.cfg.Settle, "poll", w.cfg.PollInterval)
	w.scan()

	pollTicker := time.NewTicker(w.cfg.PollInterval)
	defer pollTicker.Stop()
	settleTicker := time.NewTicker(settleCheckInterval(w.cfg.Settle))
	defer settleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-events:
			if !ok {
				w.log.Warn("fsnotify watcher closed, polling only")
				events = nil
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.track(event.Name)
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				delete(w.pending, event.Name)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Error("file watcher error", "error", err)
			w.diag.Log(diaglog.LogEntry{
				Component: diaglog.ComponentWatcher,
				Event:     diaglog.EventWatchError,
				Reason:    err.Error(),
			})

		case <-pollTicker.C:
			w.scan()

		case <-settleTicker.C:
			w.processSettled(ctx)
		}
	}
}

func settleCheckInterval(settle time.Duration) time.Duration {
	return max(settle/4, 10*time.Millisecond)
}

// scan queues every media file in the directory that still needs work.
func (w *Watcher) scan() {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		w.log.Warn("directory scan failed", "dir", w.cfg.Dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.track(filepath.Join(w.cfg.Dir, e.Name()))
	}
}

// track starts the settle clock for path unless it is ignored.
func (w *Watcher) track(path string) {
	if !fileutil.IsMedia(path) || filepath.Base(path)[0] == '.' {
		return
	}
	if _, ok := w.pending[path]; ok {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	if f, ok := w.failed[path]; ok {
		if f.size == info.Size() && f.modTime.Equal(info.ModTime()) {
			return
		}
		delete(w.failed, path)
	}
	if !w.run.Pending(path) {
		return
	}
	w.pending[path] = &pendingFile{size: info.Size(), modTime: info.ModTime(), since: time.Now()}
	w.log.Debug("file queued", "path", path)
}

// processSettled transcribes, oldest first, every pending file whose size
// and mtime have not changed for the settle period.
func (w *Watcher) processSettled(ctx context.Context) {
	now := time.Now()
	var ready []string
	for path, p := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if info.Size() != p.size || !info.ModTime().Equal(p.modTime) {
			p.size, p.modTime, p.since = info.Size(), info.ModTime(), now
			continue
		}
		if now.Sub(p.since) >= w.cfg.Settle {
			ready = append(ready, path)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		return w.pending[ready[i]].since.Before(w.pending[ready[j]].since)
	})

	for _, path := range ready {
		if ctx.Err() != nil {
			return
		}
		p := w.pending[path]
		delete(w.pending, path)
		w.process(ctx, path, p)
	}
}

func (w *Watcher) process(ctx context.Context, path string, p *pendingFile) {
	w.log.Info("transcribing", "path", path)
	w.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentWatcher,
		Event:     diaglog.EventWatchFile,
		Payload:   map[string]interface{}{"path": path, "bytes": p.size},
	})
	w.update(func(s *ipc.StatusSnapshot) {
		s.State = ipc.StateTranscribing
		s.CurrentFile = path
		s.Progress = &ipc.Progress{}
	})

	var done int
	var progressMu sync.Mutex
	out, err := w.run.Transcribe(ctx, path, w.cfg.Options, func(_, total int, _ string, _ float64) {
		progressMu.Lock()
		done++
		n := done
		progressMu.Unlock()
		w.update(func(s *ipc.StatusSnapshot) {
			if s.Progress != nil && n > s.Progress.Done {
				s.Progress.Done, s.Progress.Total = n, total
			}
		})
	})

	w.update(func(s *ipc.StatusSnapshot) {
		s.State = ipc.StateIdle
		s.CurrentFile, s.Progress = "", nil
		s.LastFile = path
		s.LastError = ""
		if out != nil && out.Result != nil {
			s.RunID = out.Result.RunID
		}
		if err != nil {
			s.Failed++
			s.LastError = err.Error()
		} else {
			s.Processed++
		}
	})

	if err != nil {
		w.failed[path] = failure{size: p.size, modTime: p.modTime}
		w.log.Error("transcription failed", "path", path, "error", err)
		w.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentWatcher,
			Event:     diaglog.EventWatchError,
			Reason:    err.Error(),
			Payload:   map[string]interface{}{"path": path},
		})
	}
}

func (w *Watcher) update(fn func(*ipc.StatusSnapshot)) {
	w.mu.Lock()
	fn(&w.status)
	w.mu.Unlock()
	w.writeStatus()
}

func (w *Watcher) writeStatus() {
	if w.cfg.StatusPath == "" {
		return
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	snap := w.Status()
	snap.Timestamp = time.Now().UTC()
	if err := ipc.WriteStatus(w.cfg.StatusPath, &snap); err != nil {
		w.log.Warn("status not written", "path", w.cfg.StatusPath, "error", err)
	}
}
