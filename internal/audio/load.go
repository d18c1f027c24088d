package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// LoadOptions configures Load. StartMinute and EndMinute cut a window out of
// the decoded audio; zero means unbounded.
type LoadOptions struct {
	FFmpegPath  string // default "ffmpeg"
	TempDir     string // default os.TempDir()
	StartMinute int
	EndMinute   int
	Logger      *slog.Logger
}

func (o LoadOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.Logger
}

// Load decodes path into a Buffer. WAV files are decoded in-process;
// everything else, or a WAV the decoder rejects, goes through ffmpeg.
// A missing or undecodable source is returned as an error.
func Load(ctx context.Context, path string, opts LoadOptions) (*Buffer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("audio: source %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("audio: source %s is a directory", path)
	}

	var buf *Buffer
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		buf, err = DecodeWAVFile(path)
		if err != nil {
			opts.logger().Warn("wav decode failed, retrying through ffmpeg", "path", path, "error", err)
		}
	}
	if buf == nil {
		buf, err = extract(ctx, path, opts)
		if err != nil {
			return nil, err
		}
	}

	buf = cutWindow(buf, opts.StartMinute, opts.EndMinute)
	if buf.Frames() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAudio, path)
	}
	opts.logger().Info("audio loaded",
		"path", path,
		"duration", buf.Duration(),
		"sample_rate", buf.SampleRate(),
		"channels", buf.Channels())
	return buf, nil
}

// extract runs ffmpeg to produce a mono 16 kHz WAV and decodes it.
func extract(ctx context.Context, path string, opts LoadOptions) (*Buffer, error) {
	ffmpeg := opts.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if _, err := exec.LookPath(ffmpeg); err != nil {
		return nil, fmt.Errorf("audio: ffmpeg not available to decode %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.MkdirTemp(opts.TempDir, "memoscribe-decode-*")
	if err != nil {
		return nil, fmt.Errorf("audio: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(tmp, base+"_audio_16k.wav")

	// ffmpeg -y -i input -vn -ac 1 -ar 16000 -f wav output
	cmd := exec.CommandContext(ctx, ffmpeg,
		"-y", "-i", path,
		"-vn",
		"-ac", "1", "-ar", fmt.Sprint(TargetSampleRate),
		"-f", "wav",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("audio: ffmpeg: %w: %s", err, lastLine(stderr.String()))
	}

	buf, err := DecodeWAVFile(out)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func cutWindow(b *Buffer, startMinute, endMinute int) *Buffer {
	if startMinute <= 0 && endMinute <= 0 {
		return b
	}
	start := int64(startMinute) * 60_000
	end := b.DurationMs()
	if endMinute > 0 {
		end = min(end, int64(endMinute)*60_000)
	}
	return b.Slice(start, end)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// IsNotExist reports whether err stems from a missing source file.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
