package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/assemble"
	"github.com/tiroq/memoscribe/internal/fileutil"
	"github.com/tiroq/memoscribe/internal/pipeline"
	"github.com/tiroq/memoscribe/internal/schedule"
	"github.com/tiroq/memoscribe/internal/segment"
)

type stubPipeline struct {
	result *pipeline.Result
	err    error
	calls  int
}

func (s *stubPipeline) ProcessAudio(_ context.Context, _ string, _ pipeline.Options, onChunk schedule.ProgressFunc) (*pipeline.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if onChunk != nil {
		onChunk(1, 1, s.result.Transcript, 2)
	}
	return s.result, nil
}

func okResult() *pipeline.Result {
	return &pipeline.Result{
		Transcript: "welcome everyone",
		Chunks:     []segment.Chunk{{Index: 0, StartMs: 0, EndMs: 2000}, {Index: 1, StartMs: 1800, EndMs: 4000}},
		ChunkTexts: []string{"welcome everyone", ""},
		RunID:      "run-a",
		Engine:     asr.EngineWhisper,
		Language:   "en",
		AudioMs:    4000,
		Elapsed:    250 * time.Millisecond,
	}
}

func TestTranscribe_WritesOutputsAndMetadata(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "standup.m4a")
	r := &Runner{
		Pipeline: &stubPipeline{result: okResult()},
		Formats:  []string{"txt", "srt"},
		Metadata: true,
		Version:  "2.0.0",
	}

	if !r.Pending(source) {
		t.Fatal("source should be pending before the run")
	}

	var progress int
	out, err := r.Transcribe(context.Background(), source, pipeline.DefaultOptions(), func(int, int, string, float64) { progress++ })
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if progress != 1 {
		t.Errorf("progress callbacks = %d", progress)
	}
	if out.Base != filepath.Join(dir, "standup") || len(out.Outputs) != 2 {
		t.Errorf("outcome = %+v", out)
	}

	data, err := os.ReadFile(filepath.Join(dir, "standup.txt"))
	if err != nil || string(data) != "welcome everyone\n" {
		t.Errorf("txt = %q, %v", data, err)
	}
	if r.Pending(source) {
		t.Error("source should not be pending after the run")
	}

	meta, err := fileutil.ReadMetadata(source)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if !meta.Success || meta.RunID != "run-a" || meta.Version != "2.0.0" || meta.AudioMs != 4000 {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.Chunks != 2 || meta.EmptyChunks != 1 || len(meta.Formats) != 2 {
		t.Errorf("metadata counts = %+v", meta)
	}
}

func TestTranscribe_OutputDir(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "transcripts")
	r := &Runner{Pipeline: &stubPipeline{result: okResult()}, OutputDir: outDir}

	out, err := r.Transcribe(context.Background(), "/recordings/call.wav", pipeline.DefaultOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Outputs[0] != filepath.Join(outDir, "call.txt") {
		t.Errorf("outputs = %v", out.Outputs)
	}
	if _, err := os.Stat(filepath.Join(outDir, "call.meta.json")); !os.IsNotExist(err) {
		t.Error("metadata written although disabled")
	}
}

func TestTranscribe_AllChunksFailed(t *testing.T) {
	dir := t.TempDir()
	res := okResult()
	res.Transcript = assemble.FailureMessage
	res.ChunkTexts = []string{"", ""}
	res.Failed = true
	r := &Runner{Pipeline: &stubPipeline{result: res}, Metadata: true}

	source := filepath.Join(dir, "silence.wav")
	if _, err := r.Transcribe(context.Background(), source, pipeline.DefaultOptions(), nil); err != nil {
		t.Fatalf("failure-message run should still be written: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "silence.txt"))
	if strings.TrimSpace(string(data)) != assemble.FailureMessage {
		t.Errorf("txt = %q", data)
	}
	meta, err := fileutil.ReadMetadata(source)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Success || meta.Error == "" || meta.EmptyChunks != 2 {
		t.Errorf("metadata = %+v", meta)
	}
}

func TestTranscribe_DecodeError(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "broken.mp3")
	wantErr := errors.New("pipeline: ffmpeg failed")
	r := &Runner{Pipeline: &stubPipeline{err: wantErr}, Metadata: true}

	opts := pipeline.DefaultOptions()
	opts.Engine = "sphinx"
	if _, err := r.Transcribe(context.Background(), source, opts, nil); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "broken.txt")); !os.IsNotExist(err) {
		t.Error("no transcript should be written")
	}
	meta, err := fileutil.ReadMetadata(source)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Success || meta.Error != wantErr.Error() || meta.Engine != "sphinx" {
		t.Errorf("metadata = %+v", meta)
	}
	if !r.Pending(source) {
		t.Error("failed source should stay pending")
	}
}

func TestTranscribe_WriteError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocker, []byte("file, not dir"), 0644); err != nil {
		t.Fatal(err)
	}
	r := &Runner{Pipeline: &stubPipeline{result: okResult()}, OutputDir: blocker}

	out, err := r.Transcribe(context.Background(), "/in/a.wav", pipeline.DefaultOptions(), nil)
	if err == nil {
		t.Fatal("expected write error")
	}
	if out == nil || out.Result.RunID != "run-a" {
		t.Errorf("outcome should describe the run: %+v", out)
	}
}
