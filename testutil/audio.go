package testutil

import (
	"math"
	"testing"

	"github.com/tiroq/memoscribe/internal/audio"
)

// Segment describes one stretch of synthetic audio. A zero Freq produces
// digital silence.
type Segment struct {
	Ms        int
	Freq      float64
	Amplitude float64
}

// Tone is a shorthand for a sine segment at half scale.
func Tone(ms int, freq float64) Segment {
	return Segment{Ms: ms, Freq: freq, Amplitude: 0.5}
}

// Silence is a shorthand for a silent segment.
func Silence(ms int) Segment {
	return Segment{Ms: ms}
}

// SyntheticBuffer builds a mono buffer at rate from the given segments.
func SyntheticBuffer(t *testing.T, rate int, segments ...Segment) *audio.Buffer {
	t.Helper()
	var samples []float32
	for _, seg := range segments {
		n := rate * seg.Ms / 1000
		for i := 0; i < n; i++ {
			var v float64
			if seg.Freq > 0 {
				v = seg.Amplitude * math.Sin(2*math.Pi*seg.Freq*float64(i)/float64(rate))
			}
			samples = append(samples, float32(v))
		}
	}
	buf, err := audio.NewBuffer(samples, 1, rate)
	if err != nil {
		t.Fatalf("synthetic buffer: %v", err)
	}
	return buf
}

// SilentBuffer returns ms milliseconds of mono digital silence at 16 kHz.
func SilentBuffer(t *testing.T, ms int) *audio.Buffer {
	t.Helper()
	return SyntheticBuffer(t, audio.TargetSampleRate, Silence(ms))
}

// WAVBytes encodes buf as WAV or fails the test.
func WAVBytes(t *testing.T, buf *audio.Buffer) []byte {
	t.Helper()
	data, err := audio.EncodeWAV(buf)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return data
}
