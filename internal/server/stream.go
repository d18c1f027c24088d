package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofiber/websocket/v2"

	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/fileutil"
	"github.com/tiroq/memoscribe/internal/transcript"
)

// Stream frame types sent by the server.
const (
	FrameChunk  = "chunk"
	FrameResult = "result"
	FrameError  = "error"
)

// StreamFrame is one JSON message sent to a websocket client.
type StreamFrame struct {
	Type     string               `json:"type"`
	Index    int                  `json:"index,omitempty"`
	Total    int                  `json:"total,omitempty"`
	Text     string               `json:"text,omitempty"`
	Duration float64              `json:"duration_seconds,omitempty"`
	Result   *transcript.Document `json:"result,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// handleStream runs the websocket protocol: the client sends one text frame
// with requestOptions, then one binary frame with the media file. The server
// answers with a chunk frame per finished chunk and a final result frame,
// then closes. Chunk frames arrive in completion order.
func (s *Server) handleStream(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(int64(s.cfg.MaxUploadBytes))

	var mu sync.Mutex
	send := func(f StreamFrame) error {
		mu.Lock()
		defer mu.Unlock()
		return conn.WriteJSON(f)
	}
	fail := func(msg string) {
		_ = send(StreamFrame{Type: FrameError, Error: msg})
		closeNormal(conn, &mu)
	}

	mt, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if mt != websocket.TextMessage {
		fail("first frame must be a JSON options message")
		return
	}
	var req requestOptions
	if err := json.Unmarshal(msg, &req); err != nil {
		fail("invalid options: " + err.Error())
		return
	}
	opts, _, err := s.runOptions(req)
	if err != nil {
		fail(err.Error())
		return
	}

	mt, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if mt != websocket.BinaryMessage || len(data) == 0 {
		fail("second frame must be the binary media file")
		return
	}

	dir, err := os.MkdirTemp(s.cfg.TempDir, "memoscribe-stream-*")
	if err != nil {
		fail(err.Error())
		return
	}
	defer os.RemoveAll(dir)

	name := req.Filename
	if name == "" {
		name = "stream.wav"
	}
	path := filepath.Join(dir, fileutil.SanitizeForFilename(name))
	if err := os.WriteFile(path, data, 0644); err != nil {
		fail(err.Error())
		return
	}
	s.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentServer,
		Event:     diaglog.EventUploadReceived,
		Payload:   map[string]interface{}{"file": name, "bytes": len(data), "engine": opts.Engine, "stream": true},
	})

	// A client that goes away cancels the run.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()
	// The conn is recycled once the handler returns.
	defer func() {
		conn.Close()
		<-readerDone
	}()

	res, err := s.pipe.ProcessAudio(ctx, path, opts, func(index, total int, text string, durationSeconds float64) {
		if err := send(StreamFrame{Type: FrameChunk, Index: index, Total: total, Text: text, Duration: durationSeconds}); err != nil {
			s.log.Debug("progress frame dropped", "error", err)
		}
	})
	if err != nil {
		s.journalFailure(name, err)
		fail(fmt.Sprintf("transcription failed: %v", err))
		return
	}

	if err := send(StreamFrame{Type: FrameResult, Result: transcript.FromResult(name, res)}); err != nil {
		s.log.Warn("result frame not delivered", "run_id", res.RunID, "error", err)
		return
	}
	closeNormal(conn, &mu)
}

func closeNormal(conn *websocket.Conn, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
