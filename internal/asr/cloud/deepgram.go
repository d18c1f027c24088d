package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/audio"
)

// DeepgramConfig configures the Deepgram streaming provider.
type DeepgramConfig struct {
	APIKey         string
	Endpoint       string // default wss://api.deepgram.com/v1/listen
	Model          string // default nova-2
	FrameBytes     int    // default 8192
	TimeoutSeconds int    // default 120
}

// Deepgram streams one finished chunk over the live-transcription websocket
// and collects the final transcripts.
type Deepgram struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
}

var _ asr.Recognizer = (*Deepgram)(nil)

// NewDeepgram creates the provider.
func NewDeepgram(cfg DeepgramConfig) *Deepgram {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "wss://api.deepgram.com/v1/listen"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = 8192
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	return &Deepgram{cfg: cfg, dialer: websocket.DefaultDialer}
}

func (d *Deepgram) Name() string { return "deepgram" }

// deepgramResponse is the subset of a Results message we need.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (d *Deepgram) listenURL(rate, channels int, language string) (string, error) {
	u, err := url.Parse(d.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("deepgram: endpoint: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("model", d.cfg.Model)
	q.Set("punctuate", "true")
	if language != "" {
		q.Set("language", language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Recognize decodes the WAV chunk, streams it as linear16 frames, signals
// CloseStream and joins every final transcript the server returns before it
// closes the socket.
func (d *Deepgram) Recognize(ctx context.Context, wav []byte, language string) (string, error) {
	if d.cfg.APIKey == "" {
		return "", fmt.Errorf("deepgram: no API key: %w", asr.ErrEngineUnavailable)
	}
	buf, err := audio.DecodeWAV(bytes.NewReader(wav))
	if err != nil {
		return "", fmt.Errorf("deepgram: %w", err)
	}
	endpoint, err := d.listenURL(buf.SampleRate(), buf.Channels(), language)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	conn, _, err := d.dialer.DialContext(ctx, endpoint, http.Header{
		"Authorization": {"Token " + d.cfg.APIKey},
	})
	if err != nil {
		return "", fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.Close()

	// Unblock the reader when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	type readResult struct {
		finals []string
		err    error
	}
	done := make(chan readResult, 1)
	go func() {
		var finals []string
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					err = nil
				}
				done <- readResult{finals: finals, err: err}
				return
			}
			var resp deepgramResponse
			if json.Unmarshal(msg, &resp) != nil || !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
				continue
			}
			if t := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript); t != "" {
				finals = append(finals, t)
			}
		}
	}()

	pcm := audio.PCM16(buf)
	for off := 0; off < len(pcm); off += d.cfg.FrameBytes {
		end := min(off+d.cfg.FrameBytes, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return "", fmt.Errorf("deepgram: send audio: %w", err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		return "", fmt.Errorf("deepgram: close stream: %w", err)
	}

	res := <-done
	if ctx.Err() != nil {
		return "", fmt.Errorf("deepgram: %w", ctx.Err())
	}
	// An abrupt close after finals arrived still carries a usable transcript.
	if res.err != nil && len(res.finals) == 0 {
		return "", fmt.Errorf("deepgram: read: %w", res.err)
	}
	return strings.Join(res.finals, " "), nil
}

// HealthCheck verifies an API key is configured. Deepgram has no free
// probe endpoint, so no network call is made.
func (d *Deepgram) HealthCheck(context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{Engine: d.Name()}
	if d.cfg.APIKey == "" {
		status.Message = "no API key configured"
		return status, nil
	}
	status.OK = true
	status.Message = "API key configured"
	return status, nil
}
