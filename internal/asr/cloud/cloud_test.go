package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/testutil"
)

func chunkWAV(t *testing.T) []byte {
	t.Helper()
	return testutil.WAVBytes(t, testutil.SyntheticBuffer(t, 16000, testutil.Tone(600, 440)))
}

func newTestRemote(ts *httptest.Server) *Remote {
	r := NewRemote(RemoteConfig{
		BaseURL:        ts.URL,
		TimeoutSeconds: 5,
		Retries:        2,
		Model:          "small",
	})
	r.backoffBase = time.Millisecond
	return r
}

func TestNew_Providers(t *testing.T) {
	for _, p := range Providers {
		rec, err := New(Config{Provider: strings.ToUpper(p)})
		if err != nil {
			t.Fatalf("New(%q): %v", p, err)
		}
		if rec == nil {
			t.Fatalf("New(%q) returned nil", p)
		}
	}
	if _, err := New(Config{Provider: "azure"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestBaseLanguage(t *testing.T) {
	cases := map[string]string{"ja-JP": "ja", "EN_us": "en", "de": "de", "": ""}
	for in, want := range cases {
		if got := baseLanguage(in); got != want {
			t.Errorf("baseLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOpenAI_Recognize(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("expected bearer key, got %q", got)
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("language"); got != "ja" {
			t.Errorf("expected language ja, got %q", got)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("expected model whisper-1, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"  konnichiwa sekai  "}`)
	}))
	defer ts.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: ts.URL + "/v1/"})
	text, err := o.Recognize(context.Background(), chunkWAV(t), "ja-JP")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "konnichiwa sekai" {
		t.Errorf("got %q", text)
	}
}

func TestOpenAI_NoKey(t *testing.T) {
	o := NewOpenAI(OpenAIConfig{})
	_, err := o.Recognize(context.Background(), chunkWAV(t), "en")
	if !errors.Is(err, asr.ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
	status, err := o.HealthCheck(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.OK {
		t.Error("expected unhealthy without key")
	}
}

func TestOpenAI_HealthCheck(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"whisper-1","object":"model"}]}`)
	}))
	defer ts.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: ts.URL + "/v1"})
	status, err := o.HealthCheck(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !status.OK || status.Engine != "openai" {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestRemote_Recognize(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/transcribe" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "small" {
			t.Errorf("expected model=small, got %q", got)
		}
		if got := r.FormValue("language"); got != "en" {
			t.Errorf("expected language=en, got %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("expected file field: %v", err)
		}
		defer file.Close()
		if header.Filename != "chunk.wav" {
			t.Errorf("unexpected filename %q", header.Filename)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"segments":[{"start":0,"end":1.2,"text":" Hello "},{"start":1.2,"end":2,"text":"world"}],"language":"en"}`)
	}))
	defer ts.Close()

	text, err := newTestRemote(ts).Recognize(context.Background(), chunkWAV(t), "en-US")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Hello world" {
		t.Errorf("got %q", text)
	}
}

func TestRemote_RetryOn500(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		_, _ = io.ReadAll(r.Body)
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error": "temporary failure"}`)
			return
		}
		fmt.Fprint(w, `{"text":"third time lucky"}`)
	}))
	defer ts.Close()

	dir := t.TempDir()
	diag, err := diaglog.New(dir + "/diag.ndjson")
	if err != nil {
		t.Fatal(err)
	}
	defer diag.Close()

	r := newTestRemote(ts)
	r.SetLogger(diag)
	text, err := r.Recognize(diaglog.WithSession(context.Background(), "run-1"), chunkWAV(t), "en")
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if text != "third time lucky" {
		t.Errorf("got %q", text)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestRemote_RetriesExhausted(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := newTestRemote(ts).Recognize(context.Background(), chunkWAV(t), "en")
	if err == nil || !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 1 call + 2 retries, got %d", got)
	}
}

func TestRemote_Non5xxNoRetry(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "bad request"}`)
	}))
	defer ts.Close()

	_, err := newTestRemote(ts).Recognize(context.Background(), chunkWAV(t), "en")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 call (no retry on 400), got %d", got)
	}
}

func TestRemote_BearerToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token-123" {
			t.Errorf("expected Bearer auth header, got %q", got)
		}
		_, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"text":"ok"}`)
	}))
	defer ts.Close()

	r := NewRemote(RemoteConfig{BaseURL: ts.URL, Token: "test-token-123", TimeoutSeconds: 5})
	if _, err := r.Recognize(context.Background(), chunkWAV(t), "en"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRemote_NoBaseURL(t *testing.T) {
	_, err := NewRemote(RemoteConfig{}).Recognize(context.Background(), chunkWAV(t), "en")
	if !errors.Is(err, asr.ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
}

func TestRemote_CancelledDuringBackoff(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	r := newTestRemote(ts)
	r.backoffBase = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Recognize(ctx, chunkWAV(t), "en")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestRemote_HealthCheck(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/health" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, `{"ok": true}`)
	}))
	defer ts.Close()

	status, err := newTestRemote(ts).HealthCheck(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !status.OK || status.Message != "healthy" {
		t.Errorf("unexpected status %+v", status)
	}
	if status.Latency <= 0 {
		t.Error("expected positive latency")
	}
}

func TestRemote_HealthCheckUnhealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error": "service down"}`)
	}))
	defer ts.Close()

	status, err := newTestRemote(ts).HealthCheck(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.OK {
		t.Error("expected OK=false for 500 response")
	}
	if !strings.Contains(status.Message, "500") {
		t.Errorf("expected status code in message, got %q", status.Message)
	}
}

func TestBackoffGrows(t *testing.T) {
	r := NewRemote(RemoteConfig{BaseURL: "http://localhost"})
	r.backoffBase = 100 * time.Millisecond
	for attempt, want := range map[int]time.Duration{1: 100, 2: 200, 3: 400} {
		got := r.backoff(attempt)
		lo := want * time.Millisecond
		if got < lo || got > lo+lo/4 {
			t.Errorf("backoff(%d) = %v, want in [%v, %v]", attempt, got, lo, lo+lo/4)
		}
	}
}

// deepgramServer accepts one stream, counts audio bytes until CloseStream
// and answers with the given messages before closing normally.
func deepgramServer(t *testing.T, received *int64, replies ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token dg-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		q := r.URL.Query()
		if q.Get("encoding") != "linear16" || q.Get("sample_rate") != "16000" || q.Get("channels") != "1" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if q.Get("language") != "en-US" {
			t.Errorf("expected language=en-US, got %q", q.Get("language"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				atomic.AddInt64(received, int64(len(msg)))
				continue
			}
			var ctrl struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(msg, &ctrl) == nil && ctrl.Type == "CloseStream" {
				break
			}
		}
		for _, reply := range replies {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_, _, _ = conn.ReadMessage()
	}))
}

func result(final bool, text string) string {
	return fmt.Sprintf(`{"type":"Results","is_final":%t,"channel":{"alternatives":[{"transcript":%q}]}}`, final, text)
}

func TestDeepgram_Recognize(t *testing.T) {
	var received int64
	ts := deepgramServer(t, &received,
		result(false, "hel"),
		result(true, "hello there"),
		`{"type":"Metadata"}`,
		result(true, "general kenobi"),
		result(true, "  "),
	)
	defer ts.Close()

	d := NewDeepgram(DeepgramConfig{
		APIKey:     "dg-key",
		Endpoint:   "ws" + strings.TrimPrefix(ts.URL, "http"),
		FrameBytes: 1000,
	})
	wav := chunkWAV(t)
	text, err := d.Recognize(context.Background(), wav, "en-US")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello there general kenobi" {
		t.Errorf("got %q", text)
	}
	// 600 ms of mono 16 kHz linear16.
	if got := atomic.LoadInt64(&received); got != 600*16*2 {
		t.Errorf("server received %d audio bytes, want %d", got, 600*16*2)
	}
}

func TestDeepgram_NoKey(t *testing.T) {
	d := NewDeepgram(DeepgramConfig{})
	_, err := d.Recognize(context.Background(), chunkWAV(t), "en")
	if !errors.Is(err, asr.ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
	status, _ := d.HealthCheck(context.Background())
	if status.OK {
		t.Error("expected unhealthy without key")
	}
}

func TestDeepgram_InvalidWAV(t *testing.T) {
	d := NewDeepgram(DeepgramConfig{APIKey: "dg-key"})
	if _, err := d.Recognize(context.Background(), []byte("not a wav"), "en"); err == nil {
		t.Fatal("expected decode error")
	}
}
