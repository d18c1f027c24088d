package audio

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// tone returns ms milliseconds of a sine at freq with the given amplitude.
func tone(ms int, rate int, freq, amp float64) []float32 {
	n := rate * ms / 1000
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func mustBuffer(t *testing.T, samples []float32, ch, rate int) *Buffer {
	t.Helper()
	b, err := NewBuffer(samples, ch, rate)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}
	return b
}

func TestNewBuffer_InvalidFormat(t *testing.T) {
	if _, err := NewBuffer(nil, 0, 16000); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("channels=0: expected ErrInvalidFormat, got %v", err)
	}
	if _, err := NewBuffer(nil, 1, 0); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("rate=0: expected ErrInvalidFormat, got %v", err)
	}
}

func TestNewBuffer_CopiesInput(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	b := mustBuffer(t, in, 1, 1000)
	in[0] = 0.9
	if got := b.Samples()[0]; got != 0.1 {
		t.Errorf("buffer shares caller slice: got %v", got)
	}
}

func TestBuffer_Duration(t *testing.T) {
	b := mustBuffer(t, make([]float32, 32000), 2, 16000)
	if b.Frames() != 16000 {
		t.Errorf("expected 16000 frames, got %d", b.Frames())
	}
	if b.DurationMs() != 1000 {
		t.Errorf("expected 1000ms, got %d", b.DurationMs())
	}
}

func TestBuffer_SliceClampsAndCopies(t *testing.T) {
	b := mustBuffer(t, tone(1000, 16000, 440, 0.5), 1, 16000)

	s := b.Slice(250, 750)
	if s.DurationMs() != 500 {
		t.Errorf("expected 500ms slice, got %d", s.DurationMs())
	}
	if got := b.Slice(-100, 5000).DurationMs(); got != 1000 {
		t.Errorf("expected clamped slice of 1000ms, got %d", got)
	}
	if got := b.Slice(800, 200).Frames(); got != 0 {
		t.Errorf("expected empty slice for inverted range, got %d frames", got)
	}
	if b.DurationMs() != 1000 {
		t.Errorf("source buffer modified by Slice")
	}
}

func TestBuffer_DBFS(t *testing.T) {
	silent := mustBuffer(t, make([]float32, 1600), 1, 16000)
	if !math.IsInf(silent.DBFS(), -1) {
		t.Errorf("expected -Inf for silence, got %v", silent.DBFS())
	}

	// Full-scale sine has RMS 1/sqrt(2), about -3 dBFS.
	loud := mustBuffer(t, tone(1000, 16000, 1000, 1.0), 1, 16000)
	if d := loud.DBFS(); math.Abs(d+3.01) > 0.1 {
		t.Errorf("expected about -3 dBFS, got %v", d)
	}
}

func TestBuffer_MonoAverages(t *testing.T) {
	b := mustBuffer(t, []float32{0.2, 0.4, -0.2, -0.4}, 2, 8000)
	m := b.Mono()
	got := m.Samples()
	if m.Channels() != 1 || len(got) != 2 {
		t.Fatalf("unexpected mono shape: ch=%d len=%d", m.Channels(), len(got))
	}
	if math.Abs(float64(got[0]-0.3)) > 1e-6 || math.Abs(float64(got[1]+0.3)) > 1e-6 {
		t.Errorf("unexpected mono samples %v", got)
	}
}

func TestBuffer_ResampleKeepsDuration(t *testing.T) {
	b := mustBuffer(t, tone(2000, 44100, 440, 0.5), 1, 44100)
	r, err := b.Resample(16000)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if r.SampleRate() != 16000 {
		t.Errorf("expected 16000 Hz, got %d", r.SampleRate())
	}
	if d := r.DurationMs(); d < 1990 || d > 2000 {
		t.Errorf("expected about 2000ms, got %d", d)
	}
	if _, err := b.Resample(0); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("expected ErrInvalidFormat for rate 0, got %v", err)
	}
}

func TestBuffer_GainClips(t *testing.T) {
	b := mustBuffer(t, []float32{0.5, -0.5}, 1, 8000)
	got := b.Gain(20).Samples()
	if got[0] != 1 || got[1] != -1 {
		t.Errorf("expected clipping to +-1, got %v", got)
	}
}

func TestWAV_EncodeDecode(t *testing.T) {
	b := mustBuffer(t, tone(500, 16000, 440, 0.5), 1, 16000)
	data, err := EncodeWAV(b)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Fatalf("expected RIFF header, got %q", data[:4])
	}

	got, err := DecodeWAV(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if got.SampleRate() != 16000 || got.Channels() != 1 {
		t.Errorf("format mismatch: rate=%d ch=%d", got.SampleRate(), got.Channels())
	}
	if got.Frames() != b.Frames() {
		t.Fatalf("frame count mismatch: %d vs %d", got.Frames(), b.Frames())
	}
	want := b.Samples()
	for i, s := range got.Samples() {
		if math.Abs(float64(s-want[i])) > 1e-3 {
			t.Fatalf("sample %d: got %v want %v", i, s, want[i])
		}
	}
}

func TestDecodeWAV_RejectsGarbage(t *testing.T) {
	_, err := DecodeWAV(bytes.NewReader([]byte("definitely not a wav file")))
	if !errors.Is(err, ErrInvalidWAV) {
		t.Errorf("expected ErrInvalidWAV, got %v", err)
	}
}

// rawWAV encodes integer sample values verbatim with the given fmt tag.
func rawWAV(t *testing.T, values []int, bitDepth, format int) []byte {
	t.Helper()
	sb := &seekBuffer{}
	enc := wav.NewEncoder(sb, 8000, bitDepth, 1, format)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: 8000},
		Data:           values,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return sb.buf
}

func TestDecodeWAV_EightBitIsUnsigned(t *testing.T) {
	values := make([]int, 800)
	for i := range values {
		values[i] = 128
	}
	values[1], values[2] = 255, 0

	got, err := DecodeWAV(bytes.NewReader(rawWAV(t, values, 8, 1)))
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	s := got.Samples()
	if s[0] != 0 || s[3] != 0 {
		t.Errorf("silence decoded as %v, %v", s[0], s[3])
	}
	if math.Abs(float64(s[1])-127.0/128) > 1e-6 || s[2] != -1 {
		t.Errorf("extremes decoded as %v, %v", s[1], s[2])
	}
	if d := mustBuffer(t, s[3:], 1, 8000).DBFS(); !math.IsInf(d, -1) {
		t.Errorf("silent tail has level %v dBFS", d)
	}
}

func TestDecodeWAV_RejectsFloat(t *testing.T) {
	quarter := int(math.Float32bits(0.25))
	values := []int{quarter, quarter, quarter, quarter}

	_, err := DecodeWAV(bytes.NewReader(rawWAV(t, values, 32, 3)))
	if !errors.Is(err, ErrInvalidWAV) {
		t.Fatalf("float WAV: err = %v, want ErrInvalidWAV", err)
	}
}

func TestStageWAV_Cleanup(t *testing.T) {
	dir := t.TempDir()
	path, cleanup, err := StageWAV(dir, []byte("RIFF"))
	if err != nil {
		t.Fatalf("StageWAV: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("staged file missing: %v", err)
	}
	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected staged file removed, stat err=%v", err)
	}
}

func TestLoad_WAVWithWindow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "talk.wav")
	// 3 minutes at a low rate keeps the fixture small.
	b := mustBuffer(t, tone(180_000, 1000, 100, 0.5), 1, 1000)
	if err := WriteWAVFile(path, b); err != nil {
		t.Fatalf("WriteWAVFile: %v", err)
	}

	got, err := Load(context.Background(), path, LoadOptions{StartMinute: 1, EndMinute: 2})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.DurationMs() != 60_000 {
		t.Errorf("expected 60000ms window, got %d", got.DurationMs())
	}
}

func TestLoad_MissingSource(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "nope.wav"), LoadOptions{})
	if err == nil {
		t.Fatal("expected error for missing source")
	}
	if !IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestLoad_WindowPastEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.wav")
	if err := WriteWAVFile(path, mustBuffer(t, tone(1000, 8000, 200, 0.5), 1, 8000)); err != nil {
		t.Fatalf("WriteWAVFile: %v", err)
	}
	_, err := Load(context.Background(), path, LoadOptions{StartMinute: 5})
	if !errors.Is(err, ErrNoAudio) {
		t.Errorf("expected ErrNoAudio, got %v", err)
	}
}

func TestLoad_FFmpegMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp3")
	if err := os.WriteFile(path, []byte("ID3"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(context.Background(), path, LoadOptions{FFmpegPath: filepath.Join(dir, "no-ffmpeg")})
	if err == nil {
		t.Fatal("expected error when ffmpeg is unavailable")
	}
}

func TestLoad_FFmpegExtract(t *testing.T) {
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	dir := t.TempDir()
	src := filepath.Join(dir, "stereo.wav")
	stereo := make([]float32, 0, 2*44100)
	for _, s := range tone(1000, 44100, 440, 0.5) {
		stereo = append(stereo, s, s)
	}
	if err := WriteWAVFile(src, mustBuffer(t, stereo, 2, 44100)); err != nil {
		t.Fatal(err)
	}
	// A non-wav extension forces the ffmpeg path.
	renamed := filepath.Join(dir, "stereo.bin")
	if err := os.Rename(src, renamed); err != nil {
		t.Fatal(err)
	}

	got, err := Load(context.Background(), renamed, LoadOptions{FFmpegPath: ffmpeg, TempDir: dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.SampleRate() != TargetSampleRate || got.Channels() != 1 {
		t.Errorf("expected mono 16 kHz, got %d Hz %d ch", got.SampleRate(), got.Channels())
	}
}

func TestPreprocess_NormalizesToTarget(t *testing.T) {
	stereo := make([]float32, 0)
	for _, s := range tone(2000, 44100, 440, 0.05) {
		stereo = append(stereo, s, s)
	}
	b := mustBuffer(t, stereo, 2, 44100)

	out := Preprocess(b, PreprocessOptions{Enhance: true})
	if out.SampleRate() != TargetSampleRate || out.Channels() != 1 {
		t.Fatalf("expected mono 16 kHz, got %d Hz %d ch", out.SampleRate(), out.Channels())
	}
	if d := out.DBFS(); math.Abs(d-targetDBFS) > 0.5 {
		t.Errorf("expected about %v dBFS, got %v", targetDBFS, d)
	}
}

func TestPreprocess_QuietAudioBoosted(t *testing.T) {
	// RMS well under 100/32768.
	b := mustBuffer(t, tone(1000, 16000, 440, 0.0005), 1, 16000)
	before := b.DBFS()
	out := Preprocess(b, PreprocessOptions{Enhance: true})
	if gain := out.DBFS() - before; gain < quietMinBoostDB-0.1 {
		t.Errorf("expected at least %v dB boost, got %v", quietMinBoostDB, gain)
	}
}

func TestPreprocess_SilentInputUnchangedByEnhance(t *testing.T) {
	b := mustBuffer(t, make([]float32, 16000), 1, 16000)
	out := Preprocess(b, PreprocessOptions{Enhance: true, ReduceNoise: true})
	if out.Frames() != b.Frames() {
		t.Errorf("expected same frame count, got %d", out.Frames())
	}
}

func TestHighPass_AttenuatesLowFrequencies(t *testing.T) {
	low := mustBuffer(t, tone(1000, 16000, 20, 0.5), 1, 16000)
	high := mustBuffer(t, tone(1000, 16000, 2000, 0.5), 1, 16000)

	lowDrop := low.DBFS() - HighPass(low, 100).DBFS()
	highDrop := high.DBFS() - HighPass(high, 100).DBFS()
	if lowDrop < 6 {
		t.Errorf("expected 20 Hz attenuated by >= 6 dB, got %v", lowDrop)
	}
	if highDrop > 1 {
		t.Errorf("expected 2 kHz mostly untouched, dropped %v dB", highDrop)
	}
}

func TestTrimSilence(t *testing.T) {
	var s []float32
	s = append(s, make([]float32, 8000)...) // 500ms silence
	s = append(s, tone(1000, 16000, 440, 0.5)...)
	s = append(s, make([]float32, 4800)...) // 300ms silence
	b := mustBuffer(t, s, 1, 16000)

	out := TrimSilence(b, -40, 10)
	if d := out.DurationMs(); d < 990 || d > 1010 {
		t.Errorf("expected about 1000ms after trim, got %d", d)
	}

	allSilent := mustBuffer(t, make([]float32, 16000), 1, 16000)
	if got := TrimSilence(allSilent, -40, 10).Frames(); got != 0 {
		t.Errorf("expected silent input to trim to nothing, got %d frames", got)
	}
}

func TestFramePower_LastWindowShort(t *testing.T) {
	b := mustBuffer(t, make([]float32, 250), 1, 1000)
	if got := len(b.FramePower(100)); got != 3 {
		t.Errorf("expected 3 windows, got %d", got)
	}
}

func TestPCM16_LittleEndian(t *testing.T) {
	b := mustBuffer(t, []float32{1, -1, 0}, 1, 16000)
	got := PCM16(b)
	want := []byte{0xff, 0x7f, 0x01, 0x80, 0x00, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("PCM16 = %x, want %x", got, want)
	}
}
