// Package audio holds the decoded-audio representation shared by the
// transcription pipeline, plus the decode and pre-processing collaborators
// that produce it.
package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// TargetSampleRate is the sample rate every recognizer engine expects.
const TargetSampleRate = 16000

var (
	// ErrNoAudio is returned when a source decodes to zero samples.
	ErrNoAudio = errors.New("audio: no audio samples")
	// ErrInvalidFormat is returned for impossible channel counts or rates.
	ErrInvalidFormat = errors.New("audio: invalid format")
)

// Buffer is decoded audio held in memory as interleaved float32 samples in
// [-1.0, 1.0]. A Buffer is never modified after construction: every
// transformation returns a new Buffer.
type Buffer struct {
	samples    []float32
	channels   int
	sampleRate int
}

// NewBuffer copies samples into a new Buffer.
func NewBuffer(samples []float32, channels, sampleRate int) (*Buffer, error) {
	if channels < 1 || sampleRate < 1 {
		return nil, fmt.Errorf("%w: channels=%d sample_rate=%d", ErrInvalidFormat, channels, sampleRate)
	}
	cp := make([]float32, len(samples)-len(samples)%channels)
	copy(cp, samples)
	return &Buffer{samples: cp, channels: channels, sampleRate: sampleRate}, nil
}

// newOwned wraps samples without copying. Only used for freshly allocated
// slices that no one else references.
func newOwned(samples []float32, channels, sampleRate int) *Buffer {
	return &Buffer{samples: samples, channels: channels, sampleRate: sampleRate}
}

// Channels returns the channel count.
func (b *Buffer) Channels() int { return b.channels }

// SampleRate returns the sample rate in Hz.
func (b *Buffer) SampleRate() int { return b.sampleRate }

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.channels == 0 {
		return 0
	}
	return len(b.samples) / b.channels
}

// Samples returns a copy of the interleaved samples.
func (b *Buffer) Samples() []float32 {
	cp := make([]float32, len(b.samples))
	copy(cp, b.samples)
	return cp
}

// DurationMs returns the duration in whole milliseconds.
func (b *Buffer) DurationMs() int64 {
	if b == nil || b.sampleRate == 0 {
		return 0
	}
	return int64(b.Frames()) * 1000 / int64(b.sampleRate)
}

// Duration returns the duration of the buffer.
func (b *Buffer) Duration() time.Duration {
	return time.Duration(b.DurationMs()) * time.Millisecond
}

// frameAt converts a millisecond offset to a frame index clamped to the buffer.
func (b *Buffer) frameAt(ms int64) int {
	if ms <= 0 {
		return 0
	}
	f := int(ms * int64(b.sampleRate) / 1000)
	if f > b.Frames() {
		return b.Frames()
	}
	return f
}

// Slice returns the audio between startMs and endMs as a new Buffer.
// Offsets are clamped to the buffer bounds.
func (b *Buffer) Slice(startMs, endMs int64) *Buffer {
	start, end := b.frameAt(startMs), b.frameAt(endMs)
	if end < start {
		end = start
	}
	out := make([]float32, (end-start)*b.channels)
	copy(out, b.samples[start*b.channels:end*b.channels])
	return newOwned(out, b.channels, b.sampleRate)
}

// RMS returns the root mean square over all samples.
func (b *Buffer) RMS() float64 {
	if len(b.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range b.samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(b.samples)))
}

// DBFS returns the loudness relative to full scale. Digital silence is -Inf.
func (b *Buffer) DBFS() float64 {
	return PowerToDBFS(b.RMS() * b.RMS())
}

// PowerToDBFS converts a mean square value to dBFS.
func PowerToDBFS(meanSquare float64) float64 {
	if meanSquare <= 0 {
		return math.Inf(-1)
	}
	return 10 * math.Log10(meanSquare)
}

// FramePower returns the mean square of consecutive frameMs windows, mixing
// all channels. The last window may be shorter than frameMs.
func (b *Buffer) FramePower(frameMs int) []float64 {
	if frameMs <= 0 {
		return nil
	}
	per := b.sampleRate * frameMs / 1000
	if per < 1 {
		per = 1
	}
	frames := b.Frames()
	out := make([]float64, 0, frames/per+1)
	for start := 0; start < frames; start += per {
		end := min(start+per, frames)
		var sum float64
		for _, s := range b.samples[start*b.channels : end*b.channels] {
			sum += float64(s) * float64(s)
		}
		out = append(out, sum/float64((end-start)*b.channels))
	}
	return out
}

// Mono mixes all channels down to one by averaging.
func (b *Buffer) Mono() *Buffer {
	if b.channels == 1 {
		return b
	}
	frames := b.Frames()
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < b.channels; c++ {
			sum += b.samples[i*b.channels+c]
		}
		out[i] = sum / float32(b.channels)
	}
	return newOwned(out, 1, b.sampleRate)
}

// Resample converts the buffer to rate using linear interpolation.
func (b *Buffer) Resample(rate int) (*Buffer, error) {
	if rate < 1 {
		return nil, fmt.Errorf("%w: sample_rate=%d", ErrInvalidFormat, rate)
	}
	if rate == b.sampleRate || b.Frames() == 0 {
		return newOwned(b.Samples(), b.channels, rate), nil
	}
	inFrames := b.Frames()
	outFrames := int(int64(inFrames) * int64(rate) / int64(b.sampleRate))
	out := make([]float32, outFrames*b.channels)
	ratio := float64(b.sampleRate) / float64(rate)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * ratio
		i0 := int(pos)
		i1 := min(i0+1, inFrames-1)
		frac := float32(pos - float64(i0))
		for c := 0; c < b.channels; c++ {
			s0 := b.samples[i0*b.channels+c]
			s1 := b.samples[i1*b.channels+c]
			out[i*b.channels+c] = s0 + (s1-s0)*frac
		}
	}
	return newOwned(out, b.channels, rate), nil
}

// Gain applies a gain in decibels, clipping to [-1.0, 1.0].
func (b *Buffer) Gain(db float64) *Buffer {
	factor := float32(math.Pow(10, db/20))
	out := make([]float32, len(b.samples))
	for i, s := range b.samples {
		out[i] = clip(s * factor)
	}
	return newOwned(out, b.channels, b.sampleRate)
}

func clip(s float32) float32 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
