package audio

import (
	"fmt"
	"io"
	"log/slog"
	"math"
)

// PreprocessOptions selects the optional clean-up steps applied before
// segmentation. Resampling to SampleRate and mono mixdown always run.
type PreprocessOptions struct {
	SampleRate    int  // default TargetSampleRate
	Enhance       bool // normalize loudness to -20 dBFS
	ReduceNoise   bool // 100 Hz high-pass
	RemoveSilence bool // trim leading/trailing silence
	Logger        *slog.Logger
}

const (
	targetDBFS        = -20.0
	quietRMS          = 100.0 / 32768.0
	quietMinBoostDB   = 20.0
	highPassCutoffHz  = 100.0
	trimThresholdDBFS = -40.0
	trimStepMs        = 10
)

// Preprocess produces the normalized mono buffer the pipeline consumes.
// Each step that fails leaves the buffer as it was before that step.
func Preprocess(b *Buffer, opts PreprocessOptions) *Buffer {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rate := opts.SampleRate
	if rate == 0 {
		rate = TargetSampleRate
	}

	out := b
	apply := func(name string, fn func(*Buffer) (*Buffer, error)) {
		next, err := safeStep(fn, out)
		if err != nil {
			log.Warn("preprocess step failed, keeping previous audio", "step", name, "error", err)
			return
		}
		out = next
	}

	if out.SampleRate() != rate {
		apply("resample", func(in *Buffer) (*Buffer, error) { return in.Resample(rate) })
	}
	if out.Channels() != 1 {
		apply("mono", func(in *Buffer) (*Buffer, error) { return in.Mono(), nil })
	}
	if opts.Enhance {
		apply("enhance", normalizeLoudness)
	}
	if opts.ReduceNoise {
		apply("highpass", func(in *Buffer) (*Buffer, error) { return HighPass(in, highPassCutoffHz), nil })
	}
	if opts.RemoveSilence {
		apply("trim", func(in *Buffer) (*Buffer, error) { return TrimSilence(in, trimThresholdDBFS, trimStepMs), nil })
	}

	log.Debug("preprocess done",
		"duration_before", b.Duration(),
		"duration_after", out.Duration(),
		"dbfs", out.DBFS())
	return out
}

func safeStep(fn func(*Buffer) (*Buffer, error), in *Buffer) (out *Buffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audio: panic: %v", r)
		}
	}()
	out, err = fn(in)
	if err == nil && out == nil {
		err = fmt.Errorf("audio: step returned no audio")
	}
	return out, err
}

// normalizeLoudness brings the buffer to targetDBFS. Very quiet recordings
// get at least quietMinBoostDB.
func normalizeLoudness(b *Buffer) (*Buffer, error) {
	rms := b.RMS()
	if rms == 0 {
		return b, nil
	}
	gain := targetDBFS - b.DBFS()
	if rms < quietRMS {
		gain = math.Max(gain, quietMinBoostDB)
	}
	return b.Gain(gain), nil
}

// HighPass applies a first-order RC high-pass filter per channel.
func HighPass(b *Buffer, cutoffHz float64) *Buffer {
	if b.Frames() == 0 || cutoffHz <= 0 {
		return b
	}
	rc := 1 / (2 * math.Pi * cutoffHz)
	dt := 1 / float64(b.sampleRate)
	alpha := float32(rc / (rc + dt))

	ch := b.channels
	out := make([]float32, len(b.samples))
	for c := 0; c < ch; c++ {
		prevIn := b.samples[c]
		prevOut := b.samples[c]
		out[c] = prevOut
		for i := c + ch; i < len(b.samples); i += ch {
			x := b.samples[i]
			y := alpha * (prevOut + x - prevIn)
			out[i] = clip(y)
			prevIn, prevOut = x, y
		}
	}
	return newOwned(out, ch, b.sampleRate)
}

// TrimSilence drops leading and trailing audio quieter than thresholdDBFS,
// scanning in stepMs windows. Fully silent input trims to an empty buffer.
func TrimSilence(b *Buffer, thresholdDBFS float64, stepMs int) *Buffer {
	power := b.FramePower(stepMs)
	first := len(power)
	for i, p := range power {
		if PowerToDBFS(p) >= thresholdDBFS {
			first = i
			break
		}
	}
	last := first - 1
	for i := len(power) - 1; i >= first; i-- {
		if PowerToDBFS(power[i]) >= thresholdDBFS {
			last = i
			break
		}
	}
	if first == 0 && last == len(power)-1 {
		return b
	}
	start := int64(first * stepMs)
	end := int64((last + 1) * stepMs)
	return b.Slice(start, end)
}
