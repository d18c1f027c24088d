package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tiroq/memoscribe/internal/ipc"
	"github.com/tiroq/memoscribe/internal/pipeline"
	"github.com/tiroq/memoscribe/internal/runner"
	"github.com/tiroq/memoscribe/internal/schedule"
	"github.com/tiroq/memoscribe/testutil"
)

type fakeRunner struct {
	mu        sync.Mutex
	calls     []string
	err       error
	processed chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{processed: make(chan string, 16)}
}

func transcriptPath(source string) string {
	return strings.TrimSuffix(source, filepath.Ext(source)) + ".txt"
}

func (f *fakeRunner) Pending(source string) bool {
	_, err := os.Stat(transcriptPath(source))
	return os.IsNotExist(err)
}

func (f *fakeRunner) Transcribe(_ context.Context, source string, _ pipeline.Options, onChunk schedule.ProgressFunc) (*runner.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, source)
	err := f.err
	f.mu.Unlock()
	defer func() { f.processed <- source }()

	if err != nil {
		return nil, err
	}
	onChunk(1, 2, "first", 1)
	onChunk(2, 2, "second", 1)
	if err := os.WriteFile(transcriptPath(source), []byte("first second\n"), 0644); err != nil {
		return nil, err
	}
	return &runner.Outcome{Result: &pipeline.Result{RunID: "run-" + filepath.Base(source)}}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func waitProcessed(t *testing.T, f *fakeRunner, want string) {
	t.Helper()
	select {
	case got := <-f.processed:
		if got != want {
			t.Fatalf("processed %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, cfg Config, run Runner) (*Watcher, func()) {
	t.Helper()
	w := New(cfg, run, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("watcher did not stop")
		}
	}
	return w, stop
}

func TestWatcher_ProcessesExistingAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	statusPath := filepath.Join(t.TempDir(), "status.json")
	writeFile(t, filepath.Join(dir, "a.wav"), "RIFF-a")
	writeFile(t, filepath.Join(dir, "b.mp3"), "ID3-b")
	writeFile(t, filepath.Join(dir, "b.txt"), "already done\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "not media")

	fake := newFakeRunner()
	cfg := Config{Dir: dir, Settle: 50 * time.Millisecond, PollInterval: 100 * time.Millisecond, StatusPath: statusPath}
	_, stop := startWatcher(t, cfg, fake)

	waitProcessed(t, fake, filepath.Join(dir, "a.wav"))

	writeFile(t, filepath.Join(dir, "c.m4a"), "ftyp-c")
	waitProcessed(t, fake, filepath.Join(dir, "c.m4a"))

	time.Sleep(200 * time.Millisecond)
	stop()

	if n := fake.callCount(); n != 2 {
		t.Errorf("Transcribe called %d times, want 2", n)
	}

	status, err := ipc.ReadStatus(statusPath)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if status.State != ipc.StateStopped || status.Processed != 2 || status.Failed != 0 {
		t.Errorf("status = %+v", status)
	}
	if status.LastFile != filepath.Join(dir, "c.m4a") || status.RunID != "run-c.m4a" {
		t.Errorf("last file/run = %q/%q", status.LastFile, status.RunID)
	}
	if status.WatchDir != dir || status.PID != os.Getpid() {
		t.Errorf("header = %+v", status)
	}
}

func TestWatcher_FailedFileRetriedOnlyAfterChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.wav")
	writeFile(t, path, "bad")

	fake := newFakeRunner()
	fake.setErr(errors.New("pipeline: cannot decode"))
	w, stop := startWatcher(t, Config{Dir: dir, Settle: 30 * time.Millisecond, PollInterval: 50 * time.Millisecond}, fake)
	defer stop()

	waitProcessed(t, fake, path)
	testutil.WaitForCondition(t, func() bool { return w.Status().Failed == 1 }, 5*time.Second, "failure recorded")
	time.Sleep(300 * time.Millisecond)
	if n := fake.callCount(); n != 1 {
		t.Fatalf("failed file retried without change: %d calls", n)
	}
	if status := w.Status(); !strings.Contains(status.LastError, "cannot decode") {
		t.Errorf("status = %+v", status)
	}

	fake.setErr(nil)
	writeFile(t, path, "better contents")
	waitProcessed(t, fake, path)
	if n := fake.callCount(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestWatcher_MissingDir(t *testing.T) {
	w := New(Config{Dir: filepath.Join(t.TempDir(), "nope")}, newFakeRunner(), nil, nil)
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestProcessSettled_WaitsForStableSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "growing.wav")
	writeFile(t, path, "part one")

	fake := newFakeRunner()
	w := New(Config{Dir: dir, Settle: time.Hour}, fake, nil, nil)
	w.track(path)
	if _, ok := w.pending[path]; !ok {
		t.Fatal("file not queued")
	}

	w.processSettled(context.Background())
	if fake.callCount() != 0 {
		t.Fatal("processed before the settle period")
	}

	w.pending[path].since = time.Now().Add(-2 * time.Hour)
	writeFile(t, path, "part one and part two")
	w.processSettled(context.Background())
	if fake.callCount() != 0 {
		t.Fatal("processed while the file was still growing")
	}

	w.pending[path].since = time.Now().Add(-2 * time.Hour)
	w.processSettled(context.Background())
	if fake.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", fake.callCount())
	}
	if _, ok := w.pending[path]; ok {
		t.Error("processed file still pending")
	}
}

func TestTrack_Ignores(t *testing.T) {
	dir := t.TempDir()
	hidden := filepath.Join(dir, ".recording.wav")
	done := filepath.Join(dir, "done.wav")
	writeFile(t, hidden, "x")
	writeFile(t, done, "x")
	writeFile(t, filepath.Join(dir, "done.txt"), "x")
	if err := os.Mkdir(filepath.Join(dir, "folder.wav"), 0755); err != nil {
		t.Fatal(err)
	}

	w := New(Config{Dir: dir}, newFakeRunner(), nil, nil)
	for _, p := range []string{hidden, done, filepath.Join(dir, "folder.wav"), filepath.Join(dir, "missing.wav"), filepath.Join(dir, "done.txt")} {
		w.track(p)
	}
	if len(w.pending) != 0 {
		t.Errorf("pending = %v", w.pending)
	}
}

func TestProcess_TracksProgress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "p.wav")
	writeFile(t, path, "x")

	var seen []ipc.Progress
	fake := &progressRunner{onProgress: func(w *Watcher) {
		if p := w.Status().Progress; p != nil {
			seen = append(seen, *p)
		}
	}}
	w := New(Config{Dir: dir}, fake, nil, nil)
	fake.w = w
	w.process(context.Background(), path, &pendingFile{size: 1})

	if len(seen) != 2 || seen[1].Done != 2 || seen[1].Total != 3 {
		t.Errorf("progress = %+v", seen)
	}
	if s := w.Status(); s.Progress != nil || s.State != ipc.StateIdle || s.Processed != 1 {
		t.Errorf("final status = %+v", s)
	}
}

type progressRunner struct {
	w          *Watcher
	onProgress func(*Watcher)
}

func (p *progressRunner) Pending(string) bool { return true }

func (p *progressRunner) Transcribe(_ context.Context, _ string, _ pipeline.Options, onChunk schedule.ProgressFunc) (*runner.Outcome, error) {
	onChunk(1, 3, "a", 1)
	p.onProgress(p.w)
	onChunk(3, 3, "c", 1)
	p.onProgress(p.w)
	return &runner.Outcome{Result: &pipeline.Result{RunID: "r"}}, nil
}
