// Package transcript writes a finished run to disk as plain text, SubRip,
// WebVTT or a JSON run record.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tiroq/memoscribe/internal/pipeline"
)

// Supported output formats.
const (
	FormatText = "txt"
	FormatSRT  = "srt"
	FormatVTT  = "vtt"
	FormatJSON = "json"
)

// Formats lists every supported format.
var Formats = []string{FormatText, FormatSRT, FormatVTT, FormatJSON}

// ValidFormat reports whether f is a supported format.
func ValidFormat(f string) bool {
	for _, known := range Formats {
		if f == known {
			return true
		}
	}
	return false
}

// Cue is one chunk's text placed on the source timeline.
type Cue struct {
	Index int           `json:"index"`
	Start time.Duration `json:"-"`
	End   time.Duration `json:"-"`
	Text  string        `json:"text"`

	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

// Document is everything the writers need from a run.
type Document struct {
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	Engine    string    `json:"engine"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
	ElapsedMs int64     `json:"elapsed_ms"`
	Failed    bool      `json:"failed"`
	Text      string    `json:"transcript"`
	Cues      []Cue     `json:"chunks"`
}

// FromResult builds a Document for res, with one cue per chunk. Cues of
// overlapping windows overlap in time.
func FromResult(source string, res *pipeline.Result) *Document {
	doc := &Document{
		RunID:     res.RunID,
		Source:    source,
		Engine:    string(res.Engine),
		Language:  res.Language,
		CreatedAt: time.Now().UTC(),
		ElapsedMs: res.Elapsed.Milliseconds(),
		Failed:    res.Failed,
		Text:      res.Transcript,
		Cues:      make([]Cue, 0, len(res.Chunks)),
	}
	for i, ch := range res.Chunks {
		var text string
		if i < len(res.ChunkTexts) {
			text = res.ChunkTexts[i]
		}
		doc.Cues = append(doc.Cues, Cue{
			Index:   ch.Index,
			Start:   time.Duration(ch.StartMs) * time.Millisecond,
			End:     time.Duration(ch.EndMs) * time.Millisecond,
			Text:    text,
			StartMs: ch.StartMs,
			EndMs:   ch.EndMs,
		})
	}
	return doc
}

// WriteText writes the assembled transcript followed by a newline.
func WriteText(path string, doc *Document) error {
	return atomicWrite(path, renderText(doc))
}

// WriteSRT writes a SubRip file with one numbered cue per non-empty chunk.
func WriteSRT(path string, doc *Document) error {
	return atomicWrite(path, renderSRT(doc))
}

// WriteVTT writes a WebVTT file with one cue per non-empty chunk.
func WriteVTT(path string, doc *Document) error {
	return atomicWrite(path, renderVTT(doc))
}

// WriteJSON writes the whole document, indented.
func WriteJSON(path string, doc *Document) error {
	data, err := renderJSON(doc)
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

// Render returns doc encoded in format.
func Render(doc *Document, format string) ([]byte, error) {
	switch format {
	case FormatText:
		return renderText(doc), nil
	case FormatSRT:
		return renderSRT(doc), nil
	case FormatVTT:
		return renderVTT(doc), nil
	case FormatJSON:
		return renderJSON(doc)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

// ContentType is the MIME type served for format.
func ContentType(format string) string {
	switch format {
	case FormatSRT:
		return "application/x-subrip; charset=utf-8"
	case FormatVTT:
		return "text/vtt; charset=utf-8"
	case FormatJSON:
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

func renderText(doc *Document) []byte {
	return []byte(doc.Text + "\n")
}

func renderSRT(doc *Document) []byte {
	var b strings.Builder
	n := 0
	for _, c := range doc.Cues {
		if c.Text == "" {
			continue
		}
		if n > 0 {
			b.WriteByte('\n')
		}
		n++
		fmt.Fprintf(&b, "%d\n", n)
		fmt.Fprintf(&b, "%s --> %s\n", formatTimestamp(c.Start, ','), formatTimestamp(c.End, ','))
		fmt.Fprintf(&b, "%s\n", c.Text)
	}
	return []byte(b.String())
}

func renderVTT(doc *Document) []byte {
	var b strings.Builder
	b.WriteString("WEBVTT\n")
	for _, c := range doc.Cues {
		if c.Text == "" {
			continue
		}
		b.WriteByte('\n')
		fmt.Fprintf(&b, "%s --> %s\n", formatTimestamp(c.Start, '.'), formatTimestamp(c.End, '.'))
		fmt.Fprintf(&b, "%s\n", c.Text)
	}
	return []byte(b.String())
}

func renderJSON(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding transcript: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteAll writes doc in every requested format. basePath is the output path
// without extension (e.g. "/recordings/standup"). An empty formats list
// means txt only. Every format is attempted; failures are combined.
func WriteAll(basePath string, doc *Document, formats []string) ([]string, error) {
	if len(formats) == 0 {
		formats = []string{FormatText}
	}
	var written []string
	var errs []string
	for _, f := range formats {
		path := basePath + "." + f
		var err error
		switch f {
		case FormatText:
			err = WriteText(path, doc)
		case FormatSRT:
			err = WriteSRT(path, doc)
		case FormatVTT:
			err = WriteVTT(path, doc)
		case FormatJSON:
			err = WriteJSON(path, doc)
		default:
			errs = append(errs, fmt.Sprintf("unknown format %q", f))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f, err))
			continue
		}
		written = append(written, path)
	}
	if len(errs) > 0 {
		return written, fmt.Errorf("transcript write errors: %s", strings.Join(errs, "; "))
	}
	return written, nil
}

// Exists reports whether any of the given formats was already written for
// basePath.
func Exists(basePath string, formats []string) bool {
	if len(formats) == 0 {
		formats = []string{FormatText}
	}
	for _, f := range formats {
		if _, err := os.Stat(basePath + "." + f); err == nil {
			return true
		}
	}
	return false
}

// formatTimestamp renders d as HH:MM:SS followed by sep and milliseconds.
func formatTimestamp(d time.Duration, sep byte) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, sep, ms)
}

// atomicWrite writes data to path through a temp file and rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".transcript-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing transcript: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming transcript: %w", err)
	}
	committed = true
	return nil
}
