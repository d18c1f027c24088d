package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned when the input is not a decodable PCM WAV file.
var ErrInvalidWAV = errors.New("audio: invalid wav")

// wavFormatPCM is the fmt chunk tag for integer PCM. Float (3) and
// extensible (0xFFFE) files are left to ffmpeg.
const wavFormatPCM = 1

// DecodeWAV reads an integer PCM WAV stream into a Buffer, normalizing
// samples to [-1.0, 1.0]. Any other encoding is ErrInvalidWAV.
func DecodeWAV(r io.ReadSeeker) (*Buffer, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("%w: format tag %d is not integer PCM", ErrInvalidWAV, dec.WavAudioFormat)
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode wav: %w", err)
	}
	if pcm.Format == nil {
		return nil, fmt.Errorf("%w: missing format chunk", ErrInvalidWAV)
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))
	// 8-bit samples are unsigned with silence at 128.
	offset := 0
	if bitDepth == 8 {
		offset = 128
	}
	samples := make([]float32, len(pcm.Data))
	for i, s := range pcm.Data {
		samples[i] = clip(float32(s-offset) / scale)
	}
	return NewBuffer(samples, pcm.Format.NumChannels, pcm.Format.SampleRate)
}

// DecodeWAVFile opens path and decodes it with DecodeWAV.
func DecodeWAVFile(path string) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// EncodeWAV renders b as a 16-bit PCM WAV file in memory.
func EncodeWAV(b *Buffer) ([]byte, error) {
	sb := &seekBuffer{}
	if err := encodeTo(sb, b); err != nil {
		return nil, err
	}
	return sb.buf, nil
}

// WriteWAVFile writes b to path as a 16-bit PCM WAV file.
func WriteWAVFile(path string, b *Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %s: %w", path, err)
	}
	if err := encodeTo(f, b); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func encodeTo(w io.WriteSeeker, b *Buffer) error {
	ints := make([]int, len(b.samples))
	for i, s := range b.samples {
		ints[i] = int(clip(s) * 32767)
	}
	enc := wav.NewEncoder(w, b.sampleRate, 16, b.channels, 1)
	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: b.channels, SampleRate: b.sampleRate},
		Data:           ints,
		SourceBitDepth: 16,
	}
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalize wav: %w", err)
	}
	return nil
}

// StageWAV writes wav bytes to a temporary file for engines that only accept
// file input. The returned cleanup removes the file.
func StageWAV(dir string, wavData []byte) (string, func(), error) {
	f, err := os.CreateTemp(dir, "memoscribe-chunk-*.wav")
	if err != nil {
		return "", func() {}, fmt.Errorf("audio: create temp wav: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }
	if _, err := io.Copy(f, bytes.NewReader(wavData)); err != nil {
		f.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("audio: write temp wav: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("audio: close temp wav: %w", err)
	}
	return path, cleanup, nil
}

// seekBuffer is an in-memory io.WriteSeeker; the WAV encoder seeks back to
// patch chunk sizes once all samples are written.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if need := s.pos + len(p); need > len(s.buf) {
		s.buf = append(s.buf, make([]byte, need-len(s.buf))...)
	}
	copy(s.buf[s.pos:], p)
	s.pos += len(p)
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(s.pos) + offset
	case io.SeekEnd:
		next = int64(len(s.buf)) + offset
	default:
		return 0, fmt.Errorf("audio: invalid whence %d", whence)
	}
	if next < 0 {
		return 0, fmt.Errorf("audio: negative seek position %d", next)
	}
	s.pos = int(next)
	return next, nil
}

// PCM16 renders b as raw little-endian 16-bit samples, interleaved, with no
// container. Streaming APIs that take linear16 frames consume this.
func PCM16(b *Buffer) []byte {
	out := make([]byte, 2*len(b.samples))
	for i, s := range b.samples {
		v := int16(clip(s) * 32767)
		out[2*i] = byte(v)
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}
